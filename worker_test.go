package taskmanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFOOrder(t *testing.T) {
	q := newFIFO[int]()
	for i := 0; i < 5; i++ {
		q.push(i)
	}
	require.Equal(t, 5, q.len())
	for i := 0; i < 5; i++ {
		v, ok := q.pop(context.Background())
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	assert.Equal(t, 0, q.len())
}

func TestFIFOPopCancelled(t *testing.T) {
	q := newFIFO[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok := q.pop(ctx)
	assert.False(t, ok)
}

func TestFIFOConcurrentConsumers(t *testing.T) {
	q := newFIFO[int]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const n = 1000
	var (
		mu   sync.Mutex
		seen = make(map[int]bool)
		wg   sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				v, ok := q.pop(ctx)
				if !ok {
					return
				}
				mu.Lock()
				seen[v] = true
				done := len(seen) == n
				mu.Unlock()
				if done {
					cancel()
				}
			}
		}()
	}
	for i := 0; i < n; i++ {
		q.push(i)
	}
	wg.Wait()
	assert.Len(t, seen, n)
}

func TestScheduleDoesNotQueueTwice(t *testing.T) {
	m, _ := newTestManager(t)
	j := newJob(bgConfig("com.example.app"), 1, 1, nil, nil, time.Now)
	m.schedule(j)
	m.schedule(j)
	assert.Equal(t, 1, m.runq.len())
	assert.EqualValues(t, 2, j.sched.Load())

	j.executing.Store(true)
	j.queued.Store(false)
	m.schedule(j)
	assert.Equal(t, 1, m.runq.len(), "expected executing job to be picked up by its worker")
}
