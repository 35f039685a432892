package server

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/notifykit/notify/logger"
)

const (
	// monitorInterval is how often the monitor inspects the stream head.
	monitorInterval = time.Minute

	// monitorThreshold is the default silence gap that fires the hook.
	monitorThreshold = 10 * time.Minute
)

// SilenceHook is fired when the stream has been quiet past the threshold.
type SilenceHook func(ctx context.Context, stream string, gap time.Duration)

// Monitor watches the stream for dead producers: every interval it reads the
// newest entry id and fires the hook when the silence gap exceeds the
// threshold. Off by default; the worker starts it only when a hook is set.
type Monitor struct {
	rdb       *redis.Client
	stream    string
	threshold time.Duration
	hook      SilenceHook
}

// NewMonitor builds an empty-stream monitor. A zero threshold gets the
// default of ten minutes.
func NewMonitor(rdb *redis.Client, stream string, threshold time.Duration, hook SilenceHook) *Monitor {
	if threshold <= 0 {
		threshold = monitorThreshold
	}
	return &Monitor{rdb: rdb, stream: stream, threshold: threshold, hook: hook}
}

// Run checks the stream head every interval until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

func (m *Monitor) check(ctx context.Context) {
	msgs, err := m.rdb.XRevRangeN(ctx, m.stream, "+", "-", 1).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			logger.Error("stream monitor read failed", "stream", m.stream, "error", err)
		}
		return
	}
	if len(msgs) == 0 {
		return
	}
	last, err := entryTime(msgs[0].ID)
	if err != nil {
		logger.Error("stream monitor bad entry id", "id", msgs[0].ID, "error", err)
		return
	}
	gap := time.Since(last)
	if gap > m.threshold {
		logger.Warn("stream silent past threshold", "stream", m.stream, "gap", gap.String())
		if m.hook != nil {
			m.hook(ctx, m.stream, gap)
		}
	}
}

// entryTime extracts the wall-clock part of a stream entry id (ms-seq).
func entryTime(id string) (time.Time, error) {
	msPart, _, _ := strings.Cut(id, "-")
	ms, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
