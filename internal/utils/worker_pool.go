package utils

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrPoolStopped 协程池已停止
var ErrPoolStopped = errors.New("worker pool stopped")

// WorkerPool 通用协程池
type WorkerPool struct {
	jobs    chan func()
	workers int
	log     *zap.Logger

	wg        sync.WaitGroup
	quit      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewWorkerPool 创建一个新的协程池
func NewWorkerPool(workers, queueSize int, log *zap.Logger) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &WorkerPool{
		jobs:    make(chan func(), queueSize),
		workers: workers,
		log:     log,
		quit:    make(chan struct{}),
	}
}

// Start 启动协程池，重复调用无效
func (p *WorkerPool) Start() {
	p.startOnce.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.work(i)
		}
		p.log.Debug("worker pool started", zap.Int("workers", p.workers))
	})
}

func (p *WorkerPool) work(id int) {
	defer p.wg.Done()
	for {
		select {
		case job := <-p.jobs:
			p.run(id, job)
		case <-p.quit:
			return
		}
	}
}

// run 使用 recover 防止单个任务 panic 导致 worker 挂掉
func (p *WorkerPool) run(id int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("worker panic", zap.Int("worker", id), zap.Any("panic", r))
		}
	}()
	job()
}

// Submit 提交任务到协程池
// 队列已满时阻塞，直到有空位、ctx 结束或协程池停止
func (p *WorkerPool) Submit(ctx context.Context, job func()) error {
	select {
	case <-p.quit:
		return ErrPoolStopped
	default:
	}

	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrPoolStopped
	}
}

// Stop 停止协程池并等待进行中的任务完成，队列中未开始的任务被丢弃
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() {
		close(p.quit)
		p.wg.Wait()
	})
}
