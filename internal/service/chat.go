// Package service exposes the viewer-facing operations: posting, reporting
// and following channels.
package service

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/Gopher0727/Cloak/internal/catalog"
	"github.com/Gopher0727/Cloak/internal/events"
	"github.com/Gopher0727/Cloak/internal/feed"
	"github.com/Gopher0727/Cloak/internal/metrics"
	"github.com/Gopher0727/Cloak/internal/model"
	"github.com/Gopher0727/Cloak/internal/moderation"
	"github.com/Gopher0727/Cloak/internal/present"
	"github.com/Gopher0727/Cloak/internal/store"
)

const (
	DefaultMaxContentLength = 2000
	maxAuthorLength         = 64
)

// IChatService defines the interface for message operations
type IChatService interface {
	PostMessage(ctx context.Context, channel, author, content, replyTo string) (model.Message, error)
	ReportMessage(ctx context.Context, id string) (moderation.Outcome, error)
	History(ctx context.Context, channel string) ([]present.Entry, error)
}

type ChatService struct {
	store      store.Store
	moderation *moderation.Controller
	presenter  *present.Presenter
	publisher  events.Publisher
	log        *zap.Logger
	metrics    *metrics.Metrics
	maxLength  int
	known      func(channel string) bool
	now        func() time.Time
}

var _ IChatService = (*ChatService)(nil)

type Option func(*ChatService)

func WithPublisher(p events.Publisher) Option {
	return func(s *ChatService) { s.publisher = p }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *ChatService) { s.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *ChatService) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *ChatService) { s.now = now }
}

func WithPresenter(p *present.Presenter) Option {
	return func(s *ChatService) { s.presenter = p }
}

// WithMaxContentLength 以字符计
func WithMaxContentLength(n int) Option {
	return func(s *ChatService) {
		if n > 0 {
			s.maxLength = n
		}
	}
}

func NewChatService(st store.Store, ctrl *moderation.Controller, opts ...Option) *ChatService {
	s := &ChatService{
		store:      st,
		moderation: ctrl,
		presenter:  present.New(present.DefaultGroupWindow),
		publisher:  events.Nop{},
		log:        zap.NewNop(),
		maxLength:  DefaultMaxContentLength,
		known:      catalog.Known,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ChatService) validateChannel(channel string) error {
	if channel == "" {
		return invalid("channel", "required")
	}
	if !s.known(channel) {
		return invalid("channel", "unknown channel "+channel)
	}
	return nil
}

// PostMessage validates the input and writes a new message. replyTo is not
// checked against existing messages.
func (s *ChatService) PostMessage(ctx context.Context, channel, author, content, replyTo string) (model.Message, error) {
	if err := s.validateChannel(channel); err != nil {
		return model.Message{}, err
	}
	author = strings.TrimSpace(author)
	switch {
	case author == "":
		return model.Message{}, invalid("username", "required")
	case utf8.RuneCountInString(author) > maxAuthorLength:
		return model.Message{}, invalid("username", "too long")
	}
	if strings.TrimSpace(content) == "" {
		return model.Message{}, invalid("content", "empty")
	}
	if utf8.RuneCountInString(content) > s.maxLength {
		return model.Message{}, invalid("content", "too long")
	}

	msg, err := s.store.Create(ctx, model.NewMessage{
		Channel: channel,
		Author:  author,
		Content: content,
		ReplyTo: strings.TrimSpace(replyTo),
	})
	if err != nil {
		s.log.Warn("failed to create message", zap.String("channel", channel), zap.Error(err))
		return model.Message{}, err
	}

	s.metrics.Posted(channel)
	if err := s.publisher.Publish(ctx, events.Created(msg)); err != nil {
		s.log.Warn("failed to publish created event", zap.String("message_id", msg.ID), zap.Error(err))
	}
	return msg, nil
}

// ReportMessage 举报消息，消息已不存在时返回 Gone 而非错误
func (s *ChatService) ReportMessage(ctx context.Context, id string) (moderation.Outcome, error) {
	if strings.TrimSpace(id) == "" {
		return moderation.Outcome{}, invalid("id", "required")
	}
	return s.moderation.Report(ctx, id)
}

// History reads the channel once and renders it the same way a live feed does.
func (s *ChatService) History(ctx context.Context, channel string) ([]present.Entry, error) {
	if err := s.validateChannel(channel); err != nil {
		return nil, err
	}
	msgs, err := s.store.QueryOnce(ctx, channel)
	if err != nil {
		return nil, err
	}
	return s.presenter.Render(feed.Reduce(msgs, s.now())), nil
}
