package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifykit/notify/providers"
)

// blockingTask executes under test control: it reports when it starts and
// waits on release before finishing.
type blockingTask struct {
	id      string
	started chan string
	release chan struct{}
	err     error
	invoked atomic.Int32
}

func (t *blockingTask) ID() string { return t.id }

func (t *blockingTask) Invoke(ctx context.Context) ([]providers.Result, error) {
	t.invoked.Add(1)
	if t.started != nil {
		t.started <- t.id
	}
	if t.release != nil {
		select {
		case <-t.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if t.err != nil {
		return nil, t.err
	}
	return []providers.Result{}, nil
}

func TestPutRejectsWhenFull(t *testing.T) {
	m := NewManager(2, nil)
	// Workers not started: everything stays queued.
	require.NoError(t, m.Put(&blockingTask{id: "a"}))
	require.NoError(t, m.Put(&blockingTask{id: "b"}))
	err := m.Put(&blockingTask{id: "c"})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, m.Len())
}

func TestWorkersDrainInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	done := make(chan struct{}, 8)
	cb := func(ctx context.Context, task Task, results []providers.Result) {
		mu.Lock()
		order = append(order, task.ID())
		mu.Unlock()
		done <- struct{}{}
	}

	// Capacity 2 means a single worker, which makes dequeue order observable.
	m := NewManager(2, cb)
	m.Start(context.Background())
	defer m.Stop()

	for _, id := range []string{"first", "second"} {
		tk := &blockingTask{id: id}
		require.Eventually(t, func() bool { return m.Put(tk) == nil }, time.Second, 5*time.Millisecond)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("task did not complete")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestWorkerSurvivesTaskFailure(t *testing.T) {
	done := make(chan string, 8)
	cb := func(ctx context.Context, task Task, results []providers.Result) {
		done <- task.ID()
	}
	m := NewManager(2, cb)
	m.Start(context.Background())
	defer m.Stop()

	bad := &blockingTask{id: "bad", err: errors.New("provider exploded")}
	good := &blockingTask{id: "good"}
	require.NoError(t, m.Put(bad))
	require.Eventually(t, func() bool { return m.Put(good) == nil }, time.Second, 5*time.Millisecond)

	// The failing task never reaches the done callback; the next one does.
	select {
	case id := <-done:
		assert.Equal(t, "good", id)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive the failure")
	}
	assert.Equal(t, int32(1), bad.invoked.Load())
}

func TestConcurrencyBoundedByWorkers(t *testing.T) {
	const capacity = 4 // 3 workers
	started := make(chan string, capacity*2)
	release := make(chan struct{})

	m := NewManager(capacity, func(context.Context, Task, []providers.Result) {})
	m.Start(context.Background())
	defer m.Stop()
	defer close(release)

	for i := 0; i < capacity; i++ {
		tk := &blockingTask{id: string(rune('a' + i)), started: started, release: release}
		require.Eventually(t, func() bool { return m.Put(tk) == nil }, time.Second, 5*time.Millisecond)
	}

	// Exactly capacity-1 tasks run simultaneously; the rest stay queued.
	running := 0
	timeout := time.After(time.Second)
collect:
	for {
		select {
		case <-started:
			running++
		case <-timeout:
			break collect
		}
		if running == capacity {
			break
		}
	}
	assert.Equal(t, capacity-1, running)
}

func TestEmptyQueueDrainsWithoutProcessing(t *testing.T) {
	m := NewManager(4, nil)
	a := &blockingTask{id: "a"}
	b := &blockingTask{id: "b"}
	require.NoError(t, m.Put(a))
	require.NoError(t, m.Put(b))

	dropped := m.EmptyQueue()
	assert.Equal(t, 2, dropped)
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, int32(0), a.invoked.Load())
}

func TestStopIdempotent(t *testing.T) {
	m := NewManager(2, nil)
	m.Start(context.Background())
	m.Stop()
	m.Stop()
}

func TestResolveCallback(t *testing.T) {
	var hit atomic.Int32
	RegisterCallback("counter", func(context.Context, Task, []providers.Result) {
		hit.Add(1)
	})

	cb := ResolveCallback("counter")
	cb(context.Background(), &blockingTask{id: "x"}, nil)
	assert.Equal(t, int32(1), hit.Load())

	// Unknown and empty names fall back to the default logger.
	assert.NotNil(t, ResolveCallback("missing"))
	assert.NotNil(t, ResolveCallback(""))
}
