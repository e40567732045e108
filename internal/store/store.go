// Package store defines the boundary to the remote message document store.
//
// Backends deliver full result sets on every change; callers must never assume
// incremental patches.
package store

import (
	"context"

	"github.com/Gopher0727/Cloak/internal/model"
)

// Collection 文档集合名
const Collection = "messages"

// Document field names, shared by every backend.
const (
	FieldChannel     = "channel"
	FieldAuthor      = "username"
	FieldContent     = "content"
	FieldCreatedAt   = "created_at"
	FieldExpireAt    = "expire_at"
	FieldReported    = "reported"
	FieldReportCount = "report_count"
	FieldReplyTo     = "reply_to"
)

// UpdateFunc receives the complete current result set for a channel.
type UpdateFunc func(snapshot []model.Message)

// ErrorFunc receives subscription transport failures. After it fires the
// subscription delivers nothing further; the caller resubscribes.
type ErrorFunc func(err error)

// Unsubscribe releases a subscription. Safe to call more than once.
type Unsubscribe func()

// Store 消息存储适配器
type Store interface {
	// Create writes a new message. CreatedAt is assigned by the store and
	// ExpireAt = CreatedAt + TTL.
	Create(ctx context.Context, msg model.NewMessage) (model.Message, error)

	// IncrementReportCount adds one report and returns the post-increment
	// count together with the message's channel.
	IncrementReportCount(ctx context.Context, id string) (count int64, channel string, err error)

	// SetReported marks the message hidden. changed is true only for the call
	// that moved the flag from false to true.
	SetReported(ctx context.Context, id string) (changed bool, err error)

	// Subscribe delivers the channel's full result set now and after every change.
	Subscribe(ctx context.Context, channel string, onUpdate UpdateFunc, onError ErrorFunc) (Unsubscribe, error)

	// QueryOnce reads the channel's current result set without subscribing.
	QueryOnce(ctx context.Context, channel string) ([]model.Message, error)

	// DeleteBatch removes messages best effort. Missing ids count as deleted.
	// A partial failure is reported as *BatchError.
	DeleteBatch(ctx context.Context, ids []string) error

	Close() error
}

// ChannelLister is implemented by backends that can enumerate the channels
// currently holding documents.
type ChannelLister interface {
	Channels(ctx context.Context) ([]string, error)
}
