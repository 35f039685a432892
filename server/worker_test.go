package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifykit/notify/conf"
)

func TestWorkerLifecycle(t *testing.T) {
	resetCapture(false)
	mr, _ := brokerClient(t)

	cfg := &conf.Config{
		RedisURL:     "redis://" + mr.Addr(),
		Channel:      "LifecycleChannel",
		WorkerStream: "LifecycleStream",
		WorkerGroup:  "LifecycleGroup",
		DefaultHost:  "127.0.0.1",
		DefaultPort:  0,
		QueueSize:    4,
		TemplateDir:  t.TempDir(),
	}
	w := NewWorker(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Wait for the TCP listener to come up, then push a job through the
	// whole path.
	require.Eventually(t, func() bool {
		addr := w.TCPAddr()
		return addr != "" && addr != "127.0.0.1:0"
	}, 3*time.Second, 10*time.Millisecond)

	reply := sendTCP(t, w.TCPAddr(), threeRecipientPayload("capture"))
	assert.Contains(t, reply, "was Queued with id")
	require.Eventually(t, func() bool { return len(captured()) == 3 }, 3*time.Second, 10*time.Millisecond)

	// Graceful shutdown: Run returns cleanly.
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not shut down")
	}
}

func TestWorkerFailsFastOnBadBroker(t *testing.T) {
	cfg := &conf.Config{
		RedisURL:     "redis://127.0.0.1:1", // nothing listens here
		Channel:      "C",
		WorkerStream: "S",
		WorkerGroup:  "G",
		DefaultHost:  "127.0.0.1",
		QueueSize:    4,
		TemplateDir:  t.TempDir(),
	}
	err := NewWorker(cfg).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker unreachable")
}
