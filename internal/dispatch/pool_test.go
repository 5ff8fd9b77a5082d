package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestQueuePreservesOrder(t *testing.T) {
	p := NewPool(8, zaptest.NewLogger(t))
	p.Start(context.Background())
	defer p.Stop()

	const queues, perQueue = 16, 500
	var mu sync.Mutex
	got := make([][]int, queues)
	var wg sync.WaitGroup
	wg.Add(queues * perQueue)

	for i := range queues {
		q := p.NewQueue()
		go func() {
			for j := range perQueue {
				q.Push(func() {
					mu.Lock()
					got[i] = append(got[i], j)
					mu.Unlock()
					wg.Done()
				})
			}
		}()
	}
	wg.Wait()

	for i := range queues {
		require.Len(t, got[i], perQueue)
		for j := range perQueue {
			require.Equal(t, j, got[i][j], "queue %d out of order", i)
		}
	}
}

func TestQueueNeverRunsConcurrently(t *testing.T) {
	p := NewPool(4, nil)
	p.Start(context.Background())
	defer p.Stop()

	q := p.NewQueue()
	var running, overlaps atomic.Int32
	var wg sync.WaitGroup
	for range 200 {
		wg.Add(1)
		q.Push(func() {
			defer wg.Done()
			if running.Add(1) > 1 {
				overlaps.Add(1)
			}
			time.Sleep(50 * time.Microsecond)
			running.Add(-1)
		})
	}
	wg.Wait()
	assert.Zero(t, overlaps.Load())
}

func TestTasksPushedBeforeStartRun(t *testing.T) {
	p := NewPool(2, nil)
	q := p.NewQueue()
	ran := make(chan struct{})
	q.Push(func() { close(ran) })

	p.Start(context.Background())
	defer p.Stop()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("task queued before Start never ran")
	}
}

func TestPanicDoesNotKillQueue(t *testing.T) {
	p := NewPool(1, zaptest.NewLogger(t))
	p.Start(context.Background())
	defer p.Stop()

	q := p.NewQueue()
	done := make(chan struct{})
	q.Push(func() { panic("listener bug") })
	q.Push(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("queue stalled after panic")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	p := NewPool(2, nil)
	p.Start(context.Background())
	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())
}
