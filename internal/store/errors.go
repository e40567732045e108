package store

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrUnavailable 传输或认证失败，可重试
	ErrUnavailable = errors.New("message store unavailable")
	// ErrNotFound 目标消息已不存在（过期或被清理）
	ErrNotFound = errors.New("message not found")
	// ErrPartialFailure 批量删除中部分失败
	ErrPartialFailure = errors.New("batch partially failed")
)

// Unavailable wraps a transport error so that errors.Is(err, ErrUnavailable) holds.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// NotFound builds an ErrNotFound for id.
func NotFound(id string) error {
	return fmt.Errorf("message %s: %w", id, ErrNotFound)
}

// BatchError 记录批量删除中失败的 ID 及原因
type BatchError struct {
	Attempted int
	Failed    map[string]error
}

func (e *BatchError) Error() string {
	ids := e.FailedIDs()
	return fmt.Sprintf("%d of %d deletes failed: %s", len(ids), e.Attempted, strings.Join(ids, ","))
}

// Is lets errors.Is(err, ErrPartialFailure) match.
func (e *BatchError) Is(target error) bool {
	return target == ErrPartialFailure
}

// Unwrap exposes the individual causes.
func (e *BatchError) Unwrap() []error {
	out := make([]error, 0, len(e.Failed))
	for _, id := range e.FailedIDs() {
		out = append(out, e.Failed[id])
	}
	return out
}

// FailedIDs 有序返回失败的 ID
func (e *BatchError) FailedIDs() []string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// BatchCollector accumulates per-item results of a best-effort batch.
type BatchCollector struct {
	attempted int
	failed    map[string]error
}

// Record 记录单个 ID 的结果，NotFound 视为成功
func (c *BatchCollector) Record(id string, err error) {
	c.attempted++
	if err == nil || errors.Is(err, ErrNotFound) {
		return
	}
	if c.failed == nil {
		c.failed = make(map[string]error)
	}
	c.failed[id] = err
}

// Err returns nil when every item succeeded, otherwise *BatchError.
func (c *BatchCollector) Err() error {
	if len(c.failed) == 0 {
		return nil
	}
	return &BatchError{Attempted: c.attempted, Failed: c.failed}
}
