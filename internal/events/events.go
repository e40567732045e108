// Package events publishes message lifecycle events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Gopher0727/Cloak/internal/model"
)

// Type 事件类型
type Type string

const (
	MessageCreated  Type = "message.created"
	MessageReported Type = "message.reported"
	MessageHidden   Type = "message.hidden"
	MessageExpired  Type = "message.expired"
)

// Event is the JSON payload written to the topic. Events are keyed by channel
// so that one channel's events stay in order on one partition.
type Event struct {
	Type        Type      `json:"type"`
	MessageID   string    `json:"message_id"`
	Channel     string    `json:"channel"`
	Author      string    `json:"username,omitempty"`
	ReportCount int64     `json:"report_count,omitempty"`
	At          time.Time `json:"at"`
}

func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Created 由新消息构造事件
func Created(m model.Message) Event {
	return Event{Type: MessageCreated, MessageID: m.ID, Channel: m.Channel, Author: m.Author, At: m.CreatedAt}
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
	Close() error
}

// Nop 在未配置 Kafka 时使用
type Nop struct{}

func (Nop) Publish(context.Context, ...Event) error { return nil }
func (Nop) Close() error                            { return nil }
