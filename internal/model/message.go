package model

import "time"

// DefaultTTL 消息的存活时间，超过后对所有人不可见并可被清理
const DefaultTTL = 24 * time.Hour

// Message 频道中的一条匿名消息
//
// 除 ReportCount 与 Reported 外的字段在创建后都不可变。
type Message struct {
	ID          string    `json:"id"`
	Channel     string    `json:"channel"`
	Author      string    `json:"username"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
	ExpireAt    time.Time `json:"expire_at"`
	ReportCount int64     `json:"report_count"`
	Reported    bool      `json:"reported"`
	ReplyTo     string    `json:"reply_to,omitempty"` // 可能指向已过期或不存在的消息
}

// VisibleAt reports whether the message is still live at now.
func (m Message) VisibleAt(now time.Time) bool {
	return now.Before(m.ExpireAt)
}

// ExpiredAt is the complement of VisibleAt and is what the sweeper deletes on.
func (m Message) ExpiredAt(now time.Time) bool {
	return !m.VisibleAt(now)
}

// NewMessage 创建消息时由调用方提供的字段
type NewMessage struct {
	Channel string
	Author  string
	Content string
	ReplyTo string
}
