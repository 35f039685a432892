package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/notifykit/notify/logger"
	"github.com/notifykit/notify/metrics/prometheus"
	"github.com/notifykit/notify/providers"
	"github.com/notifykit/notify/queue"
)

const (
	// streamBlock is how long one group read blocks before yielding, so
	// shutdown stays responsive.
	streamBlock = 100 * time.Millisecond

	// streamRetention is the minid trim window applied at startup.
	streamRetention = 7 * 24 * time.Hour

	// requeueBackoff paces retries when the dispatch queue is full.
	requeueBackoff = 250 * time.Millisecond
)

// StreamConsumer reads wrappers from the broker stream as a named consumer
// within a group. An entry is acknowledged only after the wrapper completed
// with every recipient delivered; anything less leaves it pending for
// redelivery.
type StreamConsumer struct {
	rdb      *redis.Client
	stream   string
	group    string
	consumer string
	queue    *queue.Manager
	env      *Env
}

// NewStreamConsumer builds the stream ingress.
func NewStreamConsumer(rdb *redis.Client, stream, group, consumer string, q *queue.Manager, env *Env) *StreamConsumer {
	return &StreamConsumer{
		rdb:      rdb,
		stream:   stream,
		group:    group,
		consumer: consumer,
		queue:    q,
		env:      env,
	}
}

// Bootstrap ensures the stream and group exist (new-messages-only start id),
// registers this consumer, and trims entries older than the retention
// window.
func (c *StreamConsumer) Bootstrap(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.stream, c.group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("stream group bootstrap: %w", err)
	}
	if err := c.rdb.XGroupCreateConsumer(ctx, c.stream, c.group, c.consumer).Err(); err != nil {
		return fmt.Errorf("stream consumer registration: %w", err)
	}

	minID := fmt.Sprintf("%d", time.Now().Add(-streamRetention).UnixMilli())
	trimmed, err := c.rdb.XTrimMinID(ctx, c.stream, minID).Result()
	if err != nil {
		return fmt.Errorf("stream trim: %w", err)
	}
	logger.Info("stream ready",
		"stream", c.stream,
		"group", c.group,
		"consumer", c.consumer,
		"trimmed", trimmed,
	)
	return nil
}

// Run consumes until the context is cancelled: one entry at a time with a
// short block, executed through the dispatch queue.
func (c *StreamConsumer) Run(ctx context.Context) {
	ctx = logger.WithIngress(ctx, "stream")
	ctx = logger.WithConsumer(ctx, c.stream, c.consumer)
	for ctx.Err() == nil {
		streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{c.stream, ">"},
			Count:    1,
			Block:    streamBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			logger.Error("stream read failed", "stream", c.stream, "error", err)
			select {
			case <-time.After(requeueBackoff):
			case <-ctx.Done():
				return
			}
			continue
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				c.dispatch(ctx, msg)
			}
		}
	}
}

// dispatch builds the wrapper from one stream entry and enqueues it bound to
// its ack. Undecodable entries are acked immediately: redelivering them can
// never succeed.
func (c *StreamConsumer) dispatch(ctx context.Context, msg redis.XMessage) {
	w, err := c.decode(msg)
	if err != nil {
		logger.Warn("stream entry rejected", "id", msg.ID, "error", err)
		c.ack(ctx, msg.ID)
		return
	}

	task := &streamTask{Wrapper: w, consumer: c, entryID: msg.ID}
	for ctx.Err() == nil {
		err := c.queue.Put(task)
		if err == nil {
			prometheus.RecordQueued("stream")
			logger.Queued(w.WrapperID, w.Provider, len(w.Recipients))
			return
		}
		// Queue full: the entry is already pending on this consumer, so
		// hold it and retry rather than dropping the read.
		select {
		case <-time.After(requeueBackoff):
		case <-ctx.Done():
			return
		}
	}
}

// decode handles both entry shapes: `{message: json}` and the prebuilt
// `{uid, task}` form.
func (c *StreamConsumer) decode(msg redis.XMessage) (*Wrapper, error) {
	if payload, ok := msg.Values["message"].(string); ok {
		return DecodeWrapper([]byte(payload), c.env)
	}
	task, ok := msg.Values["task"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: entry has neither message nor task", ErrValidation)
	}
	uid, _ := msg.Values["uid"].(string)
	return DecodeOpaque(uid, task, c.env)
}

func (c *StreamConsumer) ack(ctx context.Context, entryID string) {
	if err := c.rdb.XAck(ctx, c.stream, c.group, entryID).Err(); err != nil {
		logger.Error("stream ack failed", "id", entryID, "error", err)
		return
	}
	prometheus.RecordAck()
	logger.Acked(c.stream, c.group, c.consumer, entryID)
}

// Shutdown removes this consumer from the group so its pending entries are
// redelivered to the survivors.
func (c *StreamConsumer) Shutdown(ctx context.Context) error {
	pending, err := c.rdb.XGroupDelConsumer(ctx, c.stream, c.group, c.consumer).Result()
	if err != nil {
		return fmt.Errorf("stream consumer removal: %w", err)
	}
	logger.Info("stream consumer removed", "consumer", c.consumer, "pending", pending)
	return nil
}

// streamTask binds a wrapper to its stream entry: the ack is sent iff the
// invocation returned without error and no per-recipient result carries one.
type streamTask struct {
	*Wrapper
	consumer *StreamConsumer
	entryID  string
}

func (t *streamTask) Invoke(ctx context.Context) ([]providers.Result, error) {
	results, err := t.Wrapper.Invoke(ctx)
	if err == nil && !anyFailed(results) {
		t.consumer.ack(ctx, t.entryID)
		return results, nil
	}
	prometheus.RecordRedeliverable()
	logger.Warn("stream entry left for redelivery", "id", t.entryID, "wrapper", t.WrapperID)
	return results, err
}

func anyFailed(results []providers.Result) bool {
	for _, r := range results {
		if r.Err != nil {
			return true
		}
	}
	return false
}
