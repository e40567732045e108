// Package firestorestore is the Cloud Firestore backend. Subscriptions use
// native query snapshot listeners, so no separate change bus is needed.
package firestorestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Gopher0727/Cloak/internal/model"
	"github.com/Gopher0727/Cloak/internal/store"
	"github.com/Gopher0727/Cloak/utils/snowflake"
)

type Store struct {
	client     *firestore.Client
	collection string
	ids        *snowflake.Generator
	ttl        time.Duration
	now        func() time.Time
}

var (
	_ store.Store         = (*Store)(nil)
	_ store.ChannelLister = (*Store)(nil)
)

// NewStore creates a Firestore store for projectID.
// FIRESTORE_EMULATOR_HOST is honoured by the client library.
func NewStore(ctx context.Context, projectID, collection string, ids *snowflake.Generator, ttl time.Duration) (*Store, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required for Firestore store")
	}
	if collection == "" {
		collection = store.Collection
	}
	if ttl <= 0 {
		ttl = model.DefaultTTL
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}
	return &Store{client: client, collection: collection, ids: ids, ttl: ttl, now: time.Now}, nil
}

func (s *Store) col() *firestore.CollectionRef {
	return s.client.Collection(s.collection)
}

func (s *Store) doc(id string) *firestore.DocumentRef {
	return s.col().Doc(id)
}

func (s *Store) channelQuery(channel string) firestore.Query {
	// 只按 channel 过滤，不依赖复合索引；过期过滤与排序在读取端完成
	return s.col().Where(store.FieldChannel, "==", channel)
}

type messageDoc struct {
	Channel     string    `firestore:"channel"`
	Author      string    `firestore:"username"`
	Content     string    `firestore:"content"`
	CreatedAt   time.Time `firestore:"created_at,serverTimestamp"`
	ExpireAt    time.Time `firestore:"expire_at"`
	Reported    bool      `firestore:"reported"`
	ReportCount int64     `firestore:"report_count"`
	ReplyTo     string    `firestore:"reply_to,omitempty"`
}

func (d messageDoc) toModel(id string) model.Message {
	return model.Message{
		ID:          id,
		Channel:     d.Channel,
		Author:      d.Author,
		Content:     d.Content,
		CreatedAt:   d.CreatedAt,
		ExpireAt:    d.ExpireAt,
		ReportCount: d.ReportCount,
		Reported:    d.Reported,
		ReplyTo:     d.ReplyTo,
	}
}

// mapErr 将 gRPC 状态码映射到存储层错误
func mapErr(op, id string, err error) error {
	switch status.Code(err) {
	case codes.NotFound:
		return store.NotFound(id)
	case codes.Canceled:
		return err
	}
	return store.Unavailable("firestore "+op, err)
}

func (s *Store) Create(ctx context.Context, in model.NewMessage) (model.Message, error) {
	id, err := s.ids.NextString()
	if err != nil {
		return model.Message{}, err
	}

	doc := messageDoc{
		Channel:  in.Channel,
		Author:   in.Author,
		Content:  in.Content,
		ExpireAt: s.now().Add(s.ttl).Truncate(time.Microsecond),
		ReplyTo:  in.ReplyTo,
	}
	wr, err := s.doc(id).Create(ctx, doc)
	if err != nil {
		return model.Message{}, mapErr("create", id, err)
	}

	// created_at 为服务端时间，等于本次写入的提交时间
	doc.CreatedAt = wr.UpdateTime
	return doc.toModel(id), nil
}

func (s *Store) IncrementReportCount(ctx context.Context, id string) (int64, string, error) {
	var (
		count   int64
		channel string
	)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(s.doc(id))
		if err != nil {
			return err
		}
		var doc messageDoc
		if err := snap.DataTo(&doc); err != nil {
			return err
		}
		count, channel = doc.ReportCount+1, doc.Channel
		return tx.Update(s.doc(id), []firestore.Update{{Path: store.FieldReportCount, Value: count}})
	})
	if err != nil {
		return 0, "", mapErr("increment report count", id, err)
	}
	return count, channel, nil
}

func (s *Store) SetReported(ctx context.Context, id string) (bool, error) {
	var changed bool
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		changed = false
		snap, err := tx.Get(s.doc(id))
		if err != nil {
			return err
		}
		var doc messageDoc
		if err := snap.DataTo(&doc); err != nil {
			return err
		}
		if doc.Reported {
			return nil
		}
		changed = true
		return tx.Update(s.doc(id), []firestore.Update{{Path: store.FieldReported, Value: true}})
	})
	if err != nil {
		return false, mapErr("set reported", id, err)
	}
	return changed, nil
}

func decodeAll(snaps []*firestore.DocumentSnapshot) ([]model.Message, error) {
	out := make([]model.Message, 0, len(snaps))
	for _, snap := range snaps {
		var doc messageDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", snap.Ref.ID, err)
		}
		out = append(out, doc.toModel(snap.Ref.ID))
	}
	return out, nil
}

func (s *Store) QueryOnce(ctx context.Context, channel string) ([]model.Message, error) {
	snaps, err := s.channelQuery(channel).Documents(ctx).GetAll()
	if err != nil {
		return nil, mapErr("query", channel, err)
	}
	return decodeAll(snaps)
}

func (s *Store) Subscribe(ctx context.Context, channel string, onUpdate store.UpdateFunc, onError store.ErrorFunc) (store.Unsubscribe, error) {
	ctx, cancel := context.WithCancel(ctx)
	it := s.channelQuery(channel).Snapshots(ctx)

	go func() {
		defer it.Stop()
		for {
			qs, err := it.Next()
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				onError(store.Unavailable("firestore snapshot listener", err))
				return
			}
			snaps, err := qs.Documents.GetAll()
			if err == nil {
				var msgs []model.Message
				if msgs, err = decodeAll(snaps); err == nil {
					if ctx.Err() != nil {
						return
					}
					onUpdate(msgs)
					continue
				}
			}
			if ctx.Err() == nil {
				onError(store.Unavailable("firestore snapshot read", err))
			}
			return
		}
	}()

	return store.Unsubscribe(cancel), nil
}

// DeleteBatch 使用 BulkWriter 并发删除，删除不存在的文档视为成功
func (s *Store) DeleteBatch(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	bw := s.client.BulkWriter(ctx)
	jobs := make(map[string]*firestore.BulkWriterJob, len(ids))
	var batch store.BatchCollector
	for _, id := range ids {
		job, err := bw.Delete(s.doc(id))
		if err != nil {
			batch.Record(id, mapErr("delete", id, err))
			continue
		}
		jobs[id] = job
	}
	bw.End()

	for _, id := range ids {
		job, ok := jobs[id]
		if !ok {
			continue
		}
		if _, err := job.Results(); err != nil {
			batch.Record(id, mapErr("delete", id, err))
			continue
		}
		batch.Record(id, nil)
	}
	return batch.Err()
}

func (s *Store) Channels(ctx context.Context) ([]string, error) {
	iter := s.col().Select(store.FieldChannel).Documents(ctx)
	defer iter.Stop()

	seen := make(map[string]struct{})
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, mapErr("list channels", "", err)
		}
		if v, err := snap.DataAt(store.FieldChannel); err == nil {
			if ch, ok := v.(string); ok {
				seen[ch] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(seen))
	for ch := range seen {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
