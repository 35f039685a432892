// Package queue implements the bounded dispatch queue and its worker pool.
//
// Ingress paths enqueue wrappers without blocking; when the queue is full
// the caller gets ErrQueueFull and decides what to do (TCP replies with an
// error, the stream consumer withholds the ack so the entry is redelivered).
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/notifykit/notify/logger"
	"github.com/notifykit/notify/metrics/prometheus"
	"github.com/notifykit/notify/providers"
)

// ErrQueueFull is returned by Put when the queue cannot accept more work.
var ErrQueueFull = errors.New("queue full")

// Task is a unit of work the queue can execute. The server's wrapper type
// implements it.
type Task interface {
	ID() string
	Invoke(ctx context.Context) ([]providers.Result, error)
}

// DoneCallback is invoked by a worker after a task completes successfully.
type DoneCallback func(ctx context.Context, task Task, results []providers.Result)

var (
	callbackMu sync.RWMutex
	callbacks  = map[string]DoneCallback{}
)

// RegisterCallback makes a done-callback resolvable by name through the
// NOTIFY_QUEUE_CALLBACK setting.
func RegisterCallback(name string, cb DoneCallback) {
	callbackMu.Lock()
	defer callbackMu.Unlock()
	callbacks[name] = cb
}

// ResolveCallback looks up a registered callback. The empty name and unknown
// names resolve to the default logging callback.
func ResolveCallback(name string) DoneCallback {
	if name == "" {
		return logDone
	}
	callbackMu.RLock()
	cb, ok := callbacks[name]
	callbackMu.RUnlock()
	if !ok {
		logger.Warn("unknown queue callback, using default", "name", name)
		return logDone
	}
	return cb
}

func logDone(ctx context.Context, task Task, results []providers.Result) {
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	logger.Info("task done", "id", task.ID(), "recipients", len(results), "failed", failed)
}

// Manager owns the bounded queue and its workers. Capacity defaults to 8;
// capacity − 1 workers consume the queue so one slot always buffers.
type Manager struct {
	tasks   chan Task
	done    DoneCallback
	workers int

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewManager builds a queue of the given capacity with the given
// done-callback. A nil callback gets the default logger; capacities below 2
// are raised to 2 so at least one worker runs.
func NewManager(capacity int, done DoneCallback) *Manager {
	if capacity < 2 {
		capacity = 2
	}
	if done == nil {
		done = logDone
	}
	return &Manager{
		tasks:   make(chan Task, capacity),
		done:    done,
		workers: capacity - 1,
	}
}

// Start spawns the workers. Subsequent calls are no-ops.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		ctx, m.cancel = context.WithCancel(ctx)
		for i := 0; i < m.workers; i++ {
			m.wg.Add(1)
			go m.work(ctx, i)
		}
		logger.Info("queue started", "capacity", cap(m.tasks), "workers", m.workers)
	})
}

// Put enqueues a task without blocking. A full queue returns ErrQueueFull.
func (m *Manager) Put(task Task) error {
	select {
	case m.tasks <- task:
		logger.Debug("task queued", "id", task.ID(), "depth", len(m.tasks))
		return nil
	default:
		return ErrQueueFull
	}
}

// Len reports how many tasks are currently waiting.
func (m *Manager) Len() int { return len(m.tasks) }

// Cap reports the queue capacity.
func (m *Manager) Cap() int { return cap(m.tasks) }

func (m *Manager) work(ctx context.Context, id int) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-m.tasks:
			if !ok {
				return
			}
			prometheus.RecordDequeued()
			results, err := task.Invoke(ctx)
			if err != nil {
				// The wrapper failed as a whole; log and keep consuming.
				logger.Error("task failed", "worker", id, "id", task.ID(), "error", err)
				continue
			}
			m.done(ctx, task, results)
		}
	}
}

// EmptyQueue drains pending tasks without processing them. Used on shutdown
// so workers stop promptly.
func (m *Manager) EmptyQueue() int {
	dropped := 0
	for {
		select {
		case task, ok := <-m.tasks:
			if !ok {
				return dropped
			}
			prometheus.RecordDequeued()
			logger.Warn("dropping queued task on shutdown", "id", task.ID())
			dropped++
		default:
			return dropped
		}
	}
}

// Stop cancels the workers and waits for in-flight tasks to finish their
// current invocation. Idempotent.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		m.wg.Wait()
		logger.Info("queue stopped")
	})
}
