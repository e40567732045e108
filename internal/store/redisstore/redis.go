// Package redisstore stores messages as Redis hashes indexed by a per-channel
// sorted set, and pushes change signals over Redis pub/sub.
//
// Key layout:
//
//	cloak:msg:{id}          hash, one per message
//	cloak:channel:{channel} zset of ids scored by created_at (ms)
//	cloak:channels          set of channels that ever held a message
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/Gopher0727/Cloak/internal/model"
	"github.com/Gopher0727/Cloak/internal/store"
	"github.com/Gopher0727/Cloak/internal/store/notify"
	"github.com/Gopher0727/Cloak/utils/snowflake"
)

const (
	messagePrefix = "cloak:msg:"
	channelPrefix = "cloak:channel:"
	channelsKey   = "cloak:channels"
)

// 计数自增：消息不存在时返回 nil
var incrementScript = redis.NewScript(`
local ch = redis.call('HGET', KEYS[1], 'channel')
if not ch then return false end
local n = redis.call('HINCRBY', KEYS[1], 'report_count', 1)
return {n, ch}
`)

// 条件翻转：仅当 reported 为假时置真，返回 {是否翻转, 频道}
var flipScript = redis.NewScript(`
local ch = redis.call('HGET', KEYS[1], 'channel')
if not ch then return false end
if redis.call('HGET', KEYS[1], 'reported') == '1' then return {0, ch} end
redis.call('HSET', KEYS[1], 'reported', '1')
return {1, ch}
`)

// 一致快照：在一个脚本内读取索引与全部文档
var snapshotScript = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, -1)
local out = {}
for _, id in ipairs(ids) do
  local h = redis.call('HGETALL', ARGV[1] .. id)
  if #h > 0 then
    table.insert(out, id)
    table.insert(out, h)
  end
end
return out
`)

var deleteScript = redis.NewScript(`
local ch = redis.call('HGET', KEYS[1], 'channel')
if not ch then return false end
redis.call('DEL', KEYS[1])
redis.call('ZREM', ARGV[1] .. ch, ARGV[2])
return ch
`)

// Store is a store.Store backed by one Redis database.
type Store struct {
	client   *redis.Client
	ids      *snowflake.Generator
	ttl      time.Duration
	notifier notify.Notifier
}

var (
	_ store.Store         = (*Store)(nil)
	_ store.ChannelLister = (*Store)(nil)
)

// New 创建 Redis 存储；client 的生命周期由调用方管理
func New(client *redis.Client, ids *snowflake.Generator, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = model.DefaultTTL
	}
	return &Store{
		client:   client,
		ids:      ids,
		ttl:      ttl,
		notifier: notify.NewRedis(client, ""),
	}
}

func messageKey(id string) string      { return messagePrefix + id }
func channelKey(channel string) string { return channelPrefix + channel }

// serverTime 使用 Redis TIME 作为服务端时间，精度截断到毫秒
func (s *Store) serverTime(ctx context.Context) (time.Time, error) {
	now, err := s.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, err
	}
	return now.Truncate(time.Millisecond), nil
}

func (s *Store) Create(ctx context.Context, in model.NewMessage) (model.Message, error) {
	id, err := s.ids.NextString()
	if err != nil {
		return model.Message{}, err
	}
	createdAt, err := s.serverTime(ctx)
	if err != nil {
		return model.Message{}, store.Unavailable("create", err)
	}

	msg := model.Message{
		ID:        id,
		Channel:   in.Channel,
		Author:    in.Author,
		Content:   in.Content,
		CreatedAt: createdAt,
		ExpireAt:  createdAt.Add(s.ttl),
		ReplyTo:   in.ReplyTo,
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, messageKey(id), encode(msg))
		pipe.ZAdd(ctx, channelKey(msg.Channel), redis.Z{Score: float64(createdAt.UnixMilli()), Member: id})
		pipe.SAdd(ctx, channelsKey, msg.Channel)
		return nil
	})
	if err != nil {
		return model.Message{}, store.Unavailable("create", err)
	}

	s.publish(ctx, msg.Channel)
	return msg, nil
}

// publish 通知失败不影响写入结果，订阅者会在重新订阅时读到最新快照
func (s *Store) publish(ctx context.Context, channel string) {
	_ = s.notifier.Notify(ctx, channel)
}

func (s *Store) IncrementReportCount(ctx context.Context, id string) (int64, string, error) {
	res, err := incrementScript.Run(ctx, s.client, []string{messageKey(id)}).Slice()
	if errors.Is(err, redis.Nil) {
		return 0, "", store.NotFound(id)
	}
	if err != nil {
		return 0, "", store.Unavailable("increment report count", err)
	}
	count, channel, err := pair(res)
	if err != nil {
		return 0, "", err
	}
	s.publish(ctx, channel)
	return count, channel, nil
}

func (s *Store) SetReported(ctx context.Context, id string) (bool, error) {
	res, err := flipScript.Run(ctx, s.client, []string{messageKey(id)}).Slice()
	if errors.Is(err, redis.Nil) {
		return false, store.NotFound(id)
	}
	if err != nil {
		return false, store.Unavailable("set reported", err)
	}
	flipped, channel, err := pair(res)
	if err != nil {
		return false, err
	}
	if flipped == 1 {
		s.publish(ctx, channel)
	}
	return flipped == 1, nil
}

func pair(res []any) (int64, string, error) {
	if len(res) != 2 {
		return 0, "", fmt.Errorf("unexpected script reply of length %d", len(res))
	}
	n, ok := res[0].(int64)
	if !ok {
		return 0, "", fmt.Errorf("unexpected script reply %T", res[0])
	}
	channel, _ := res[1].(string)
	return n, channel, nil
}

func (s *Store) QueryOnce(ctx context.Context, channel string) ([]model.Message, error) {
	res, err := snapshotScript.Run(ctx, s.client, []string{channelKey(channel)}, messagePrefix).Slice()
	if err != nil {
		return nil, store.Unavailable("query", err)
	}

	out := make([]model.Message, 0, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		id, _ := res[i].(string)
		fields, _ := res[i+1].([]any)
		msg, err := decode(id, fields)
		if err != nil {
			return nil, fmt.Errorf("decode message %s: %w", id, err)
		}
		out = append(out, msg)
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
		channel, err := deleteScript.Run(ctx, s.client, []string{messageKey(id)}, channelPrefix, id).Text()
		switch {
		case errors.Is(err, redis.Nil):
			batch.Record(id, store.NotFound(id))
		case err != nil:
			batch.Record(id, store.Unavailable("delete", err))
		default:
			batch.Record(id, nil)
			touched[channel] = struct{}{}
		}
	}
	for channel := range touched {
		s.publish(ctx, channel)
	}
	return batch.Err()
}

func (s *Store) Channels(ctx context.Context) ([]string, error) {
	channels, err := s.client.SMembers(ctx, channelsKey).Result()
	if err != nil {
		return nil, store.Unavailable("list channels", err)
	}
	return channels, nil
}

func (s *Store) Close() error { return nil }

func encode(m model.Message) map[string]any {
	reported := "0"
	if m.Reported {
		reported = "1"
	}
	return map[string]any{
		store.FieldChannel:     m.Channel,
		store.FieldAuthor:      m.Author,
		store.FieldContent:     m.Content,
		store.FieldCreatedAt:   m.CreatedAt.UnixMilli(),
		store.FieldExpireAt:    m.ExpireAt.UnixMilli(),
		store.FieldReportCount: m.ReportCount,
		store.FieldReported:    reported,
		store.FieldReplyTo:     m.ReplyTo,
	}
}

func decode(id string, flat []any) (model.Message, error) {
	fields := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		k, _ := flat[i].(string)
		v, _ := flat[i+1].(string)
		fields[k] = v
	}

	msg := model.Message{
		ID:       id,
		Channel:  fields[store.FieldChannel],
		Author:   fields[store.FieldAuthor],
		Content:  fields[store.FieldContent],
		Reported: fields[store.FieldReported] == "1",
		ReplyTo:  fields[store.FieldReplyTo],
	}

	var err error
	if msg.CreatedAt, err = unixMilli(fields[store.FieldCreatedAt]); err != nil {
		return msg, fmt.Errorf("%s: %w", store.FieldCreatedAt, err)
	}
	if msg.ExpireAt, err = unixMilli(fields[store.FieldExpireAt]); err != nil {
		return msg, fmt.Errorf("%s: %w", store.FieldExpireAt, err)
	}
	if v := fields[store.FieldReportCount]; v != "" {
		if msg.ReportCount, err = strconv.ParseInt(v, 10, 64); err != nil {
			return msg, fmt.Errorf("%s: %w", store.FieldReportCount, err)
		}
	}
	return msg, nil
}

// unixMilli 空值返回零时间，交由过期过滤器处理
func unixMilli(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
