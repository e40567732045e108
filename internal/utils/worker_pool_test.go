package utils

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWorkerPool_RunsJobs(t *testing.T) {
	p := NewWorkerPool(4, 8, nil)
	p.Start()
	defer p.Stop()

	var (
		n  atomic.Int32
		wg sync.WaitGroup
	)
	for range 100 {
		wg.Add(1)
		require.NoError(t, p.Submit(context.Background(), func() {
			defer wg.Done()
			n.Add(1)
		}))
	}
	wg.Wait()
	assert.EqualValues(t, 100, n.Load())
}

func TestWorkerPool_RecoversFromPanic(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	p := NewWorkerPool(1, 1, zap.New(core))
	p.Start()
	defer p.Stop()

	require.NoError(t, p.Submit(context.Background(), func() { panic("boom") }))

	done := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func() { close(done) }))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive the panic")
	}
	assert.Equal(t, 1, logs.FilterMessage("worker panic").Len())
}

func TestWorkerPool_SubmitAfterStop(t *testing.T) {
	p := NewWorkerPool(1, 1, nil)
	p.Start()
	p.Stop()
	p.Stop()

	assert.ErrorIs(t, p.Submit(context.Background(), func() {}), ErrPoolStopped)
}

func TestWorkerPool_SubmitHonoursContext(t *testing.T) {
	// 未启动的池不会消费队列
	p := NewWorkerPool(1, 0, nil)
	defer p.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Submit(ctx, func() {}), context.DeadlineExceeded)
}
