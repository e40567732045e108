// Package pgstore keeps messages in a PostgreSQL table through gorm. Writes
// are announced on a notify.Notifier so that subscribers in any process
// re-read their channel.
package pgstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/Gopher0727/Cloak/internal/model"
	"github.com/Gopher0727/Cloak/internal/store"
	"github.com/Gopher0727/Cloak/internal/store/notify"
	"github.com/Gopher0727/Cloak/utils/snowflake"
)

// Row messages 表的行
type Row struct {
	ID          string    `gorm:"primaryKey;type:varchar(32)"`
	Channel     string    `gorm:"type:varchar(64);not null;index"`
	Username    string    `gorm:"type:varchar(64);not null"`
	Content     string    `gorm:"type:text;not null"`
	CreatedAt   time.Time `gorm:"not null"`
	ExpireAt    time.Time `gorm:"not null;index"`
	Reported    bool      `gorm:"not null;default:false"`
	ReportCount int64     `gorm:"not null;default:0"`
	ReplyTo     string    `gorm:"type:varchar(32)"`
}

func (Row) TableName() string { return store.Collection }

func (r Row) toModel() model.Message {
	return model.Message{
		ID:          r.ID,
		Channel:     r.Channel,
		Author:      r.Username,
		Content:     r.Content,
		CreatedAt:   r.CreatedAt,
		ExpireAt:    r.ExpireAt,
		ReportCount: r.ReportCount,
		Reported:    r.Reported,
		ReplyTo:     r.ReplyTo,
	}
}

type Store struct {
	db       *gorm.DB
	ids      *snowflake.Generator
	ttl      time.Duration
	notifier notify.Notifier
}

var (
	_ store.Store         = (*Store)(nil)
	_ store.ChannelLister = (*Store)(nil)
)

// New 创建 PostgreSQL 存储；db 需已迁移 Row
func New(db *gorm.DB, ids *snowflake.Generator, ttl time.Duration, notifier notify.Notifier) *Store {
	if ttl <= 0 {
		ttl = model.DefaultTTL
	}
	if notifier == nil {
		notifier = notify.NewLocal()
	}
	return &Store{db: db, ids: ids, ttl: ttl, notifier: notifier}
}

func (s *Store) publish(ctx context.Context, channel string) {
	_ = s.notifier.Notify(ctx, channel)
}

func (s *Store) Create(ctx context.Context, in model.NewMessage) (model.Message, error) {
	id, err := s.ids.NextString()
	if err != nil {
		return model.Message{}, err
	}

	// created_at 与 expire_at 都取数据库时间
	var row Row
	err = s.db.WithContext(ctx).Raw(`
		INSERT INTO messages (id, channel, username, content, created_at, expire_at, reported, report_count, reply_to)
		VALUES (?, ?, ?, ?, now(), now() + make_interval(secs => ?), false, 0, ?)
		RETURNING *`,
		id, in.Channel, in.Author, in.Content, s.ttl.Seconds(), in.ReplyTo,
	).Scan(&row).Error
	if err != nil {
		return model.Message{}, store.Unavailable("create", err)
	}

	s.publish(ctx, row.Channel)
	return row.toModel(), nil
}

func (s *Store) IncrementReportCount(ctx context.Context, id string) (int64, string, error) {
	var row Row
	tx := s.db.WithContext(ctx).Raw(
		`UPDATE messages SET report_count = report_count + 1 WHERE id = ? RETURNING *`, id,
	).Scan(&row)
	if tx.Error != nil {
		return 0, "", store.Unavailable("increment report count", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return 0, "", store.NotFound(id)
	}

	s.publish(ctx, row.Channel)
	return row.ReportCount, row.Channel, nil
}

func (s *Store) SetReported(ctx context.Context, id string) (bool, error) {
	var row Row
	tx := s.db.WithContext(ctx).Raw(
		`UPDATE messages SET reported = true WHERE id = ? AND reported = false RETURNING *`, id,
	).Scan(&row)
	if tx.Error != nil {
		return false, store.Unavailable("set reported", tx.Error)
	}
	if tx.RowsAffected == 1 {
		s.publish(ctx, row.Channel)
		return true, nil
	}

	// 未更新：已经被标记，或消息不存在
	var count int64
	if err := s.db.WithContext(ctx).Model(&Row{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, store.Unavailable("set reported", err)
	}
	if count == 0 {
		return false, store.NotFound(id)
	}
	return false, nil
}

func (s *Store) QueryOnce(ctx context.Context, channel string) ([]model.Message, error) {
	var rows []Row
	if err := s.db.WithContext(ctx).Where("channel = ?", channel).Find(&rows).Error; err != nil {
		return nil, store.Unavailable("query", err)
	}
	out := make([]model.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (s *Store) Subscribe(ctx context.Context, channel string, onUpdate store.UpdateFunc, onError store.ErrorFunc) (store.Unsubscribe, error) {
	sub, err := s.notifier.Listen(ctx, channel)
	if err != nil {
		return nil, store.Unavailable("subscribe", err)
	}
	query := func(ctx context.Context) ([]model.Message, error) {
		return s.QueryOnce(ctx, channel)
	}
	return store.Follow(ctx, sub, query, onUpdate, onError), nil
}

func (s *Store) DeleteBatch(ctx context.Context, ids []string) error {
	var (
		batch   store.BatchCollector
		touched = make(map[string]struct{})
	)
	for _, id := range ids {
		var row Row
		tx := s.db.WithContext(ctx).Raw(`DELETE FROM messages WHERE id = ? RETURNING *`, id).Scan(&row)
		switch {
		case tx.Error != nil:
			batch.Record(id, store.Unavailable("delete", tx.Error))
		case tx.RowsAffected == 0:
			batch.Record(id, store.NotFound(id))
		default:
			batch.Record(id, nil)
			touched[row.Channel] = struct{}{}
		}
	}
	for channel := range touched {
		s.publish(ctx, channel)
	}
	return batch.Err()
}

func (s *Store) Channels(ctx context.Context) ([]string, error) {
	var channels []string
	err := s.db.WithContext(ctx).Model(&Row{}).Distinct().Order("channel").Pluck("channel", &channels).Error
	if err != nil {
		return nil, store.Unavailable("list channels", err)
	}
	return channels, nil
}

// Close 关闭底层连接池
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		if errors.Is(err, gorm.ErrInvalidDB) {
			return nil
		}
		return err
	}
	return sqlDB.Close()
}
