// Package present derives display-only structure from an ordered feed:
// author grouping and reply previews. It never mutates its input.
package present

import (
	"time"
	"unicode/utf8"

	"github.com/Gopher0727/Cloak/internal/model"
)

const (
	// DefaultGroupWindow 同一作者连续消息的合并窗口
	DefaultGroupWindow = 3 * time.Minute
	// DefaultExcerptLength 回复预览的最大字符数
	DefaultExcerptLength = 80
	// UnknownAuthor 引用目标不在当前序列中时的占位作者
	UnknownAuthor = "unknown"
)

// Reply 被回复消息的预览
type Reply struct {
	ID      string `json:"id"`
	Author  string `json:"username"`
	Excerpt string `json:"excerpt"`
	Missing bool   `json:"missing"`
}

// Entry is one rendered row of a channel feed.
type Entry struct {
	model.Message
	// Grouped rows repeat the previous row's author and omit its header.
	Grouped bool   `json:"grouped"`
	Hidden  bool   `json:"hidden"`
	Reply   *Reply `json:"reply,omitempty"`
}

type Presenter struct {
	Window        time.Duration
	ExcerptLength int
}

// New 创建 Presenter，window <= 0 时使用默认窗口
func New(window time.Duration) *Presenter {
	if window <= 0 {
		window = DefaultGroupWindow
	}
	return &Presenter{Window: window, ExcerptLength: DefaultExcerptLength}
}

var defaultPresenter = New(DefaultGroupWindow)

// Render renders with the default window.
func Render(ordered []model.Message) []Entry {
	return defaultPresenter.Render(ordered)
}

// Render expects ordered to be sorted by (CreatedAt, ID). Reply targets are
// resolved against ordered only.
func (p *Presenter) Render(ordered []model.Message) []Entry {
	byID := make(map[string]int, len(ordered))
	for i, m := range ordered {
		byID[m.ID] = i
	}

	entries := make([]Entry, len(ordered))
	for i, m := range ordered {
		e := Entry{Message: m, Hidden: m.Reported}
		if i > 0 {
			e.Grouped = p.grouped(ordered[i-1], m)
		}
		if m.ReplyTo != "" {
			e.Reply = p.reply(ordered, byID, m.ReplyTo)
		}
		entries[i] = e
	}
	return entries
}

func (p *Presenter) grouped(prev, cur model.Message) bool {
	return prev.Author == cur.Author && cur.CreatedAt.Sub(prev.CreatedAt) < p.Window
}

func (p *Presenter) reply(ordered []model.Message, byID map[string]int, id string) *Reply {
	i, ok := byID[id]
	if !ok {
		return &Reply{ID: id, Author: UnknownAuthor, Missing: true}
	}
	target := ordered[i]
	r := &Reply{ID: id, Author: target.Author, Excerpt: excerpt(target.Content, p.ExcerptLength)}
	if target.Reported {
		r.Excerpt = ""
	}
	return r
}

func excerpt(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "…"
}
