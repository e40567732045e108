package snowflake

import (
	"errors"
	"strconv"
	"sync"
	"time"
)

const (
	// Epoch is the custom epoch (January 1, 2024 00:00:00 UTC)
	Epoch int64 = 1704067200000 // milliseconds

	nodeBits     = 10
	sequenceBits = 12

	maxNode      = -1 ^ (-1 << nodeBits)
	sequenceMask = -1 ^ (-1 << sequenceBits)

	nodeShift = sequenceBits
	timeShift = sequenceBits + nodeBits
)

var (
	ErrInvalidNodeID       = errors.New("node ID exceeds maximum value")
	ErrClockMovedBackwards = errors.New("clock moved backwards")
)

// ID is a time ordered, node unique identifier.
type ID int64

// String 十进制表示，用作存储中的文档 ID
func (id ID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Time 返回 ID 中编码的毫秒时间
func (id ID) Time() time.Time {
	return time.UnixMilli((int64(id) >> timeShift) + Epoch)
}

// Node 返回生成该 ID 的节点
func (id ID) Node() int64 {
	return (int64(id) >> nodeShift) & maxNode
}

// Sequence 返回同一毫秒内的序号
func (id ID) Sequence() int64 {
	return int64(id) & sequenceMask
}

// Parse 解析十进制 ID
func Parse(s string) (ID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return ID(v), nil
}

// Generator generates unique IDs using the Snowflake algorithm
type Generator struct {
	mu sync.Mutex

	node int64
	now  func() time.Time

	sequence      int64
	lastTimestamp int64
}

// Option 配置 Generator
type Option func(*Generator)

// WithClock 替换时钟，测试用
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// NewGenerator creates a generator for the given node (0..1023).
func NewGenerator(node int64, opts ...Option) (*Generator, error) {
	if node < 0 || node > maxNode {
		return nil, ErrInvalidNodeID
	}
	g := &Generator{node: node, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// NextID generates the next unique ID
func (g *Generator) NextID() (ID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	timestamp := g.currentTimestamp()
	if timestamp < g.lastTimestamp {
		return 0, ErrClockMovedBackwards
	}

	if timestamp == g.lastTimestamp {
		g.sequence = (g.sequence + 1) & sequenceMask
		// 同一毫秒内序号用尽，等待下一毫秒
		if g.sequence == 0 {
			timestamp = g.waitNextMillis(g.lastTimestamp)
		}
	} else {
		g.sequence = 0
	}
	g.lastTimestamp = timestamp

	return ID(((timestamp - Epoch) << timeShift) | (g.node << nodeShift) | g.sequence), nil
}

// NextString 生成 ID 的十进制字符串
func (g *Generator) NextString() (string, error) {
	id, err := g.NextID()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func (g *Generator) currentTimestamp() int64 {
	return g.now().UnixMilli()
}

func (g *Generator) waitNextMillis(last int64) int64 {
	timestamp := g.currentTimestamp()
	for timestamp <= last {
		time.Sleep(100 * time.Microsecond)
		timestamp = g.currentTimestamp()
	}
	return timestamp
}
