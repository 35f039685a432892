package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifykit/notify/models"
	"github.com/notifykit/notify/providers"
	"github.com/notifykit/notify/queue"
)

// capture is a test provider that records deliveries on a shared channel and
// fails recipients on demand.
type capture struct {
	providers.Base
}

var (
	captureMu       sync.Mutex
	captureDelivery []string
	captureFail     bool
)

func resetCapture(fail bool) {
	captureMu.Lock()
	defer captureMu.Unlock()
	captureDelivery = nil
	captureFail = fail
}

func captured() []string {
	captureMu.Lock()
	defer captureMu.Unlock()
	out := make([]string, len(captureDelivery))
	copy(out, captureDelivery)
	return out
}

func (c *capture) Connect(ctx context.Context) error { return nil }
func (c *capture) Close() error                      { return nil }

func (c *capture) Send(ctx context.Context, recipients []models.Recipient, message, subject string, kwargs map[string]any) ([]providers.Result, error) {
	return c.Fanout(ctx, c, recipients, message, subject, kwargs)
}

func (c *capture) SendOne(ctx context.Context, to models.Recipient, message, subject string, kwargs map[string]any) (any, error) {
	captureMu.Lock()
	fail := captureFail
	if !fail {
		captureDelivery = append(captureDelivery, to.String()+":"+message)
	}
	captureMu.Unlock()
	if fail {
		return nil, errors.New("capture send refused")
	}
	return "ok", nil
}

func init() {
	providers.Register("capture", func(s providers.Settings) (providers.Provider, error) {
		return &capture{Base: providers.NewBase("capture", providers.TypeNotify, providers.BlockingAsync, s)}, nil
	})
}

func threeRecipientPayload(provider string) []byte {
	return []byte(fmt.Sprintf(`{
		"provider": %q,
		"recipient": [
			{"name": "A", "account": {"address": "a@x"}},
			{"name": "B", "account": {"address": "b@x"}},
			{"name": "C", "account": {"address": "c@x"}}
		],
		"message": "hi"
	}`, provider))
}

func TestDecodeWrapper(t *testing.T) {
	env := &Env{}

	t.Run("valid", func(t *testing.T) {
		w, err := DecodeWrapper(threeRecipientPayload("dummy"), env)
		require.NoError(t, err)
		assert.Equal(t, "dummy", w.Provider)
		assert.Len(t, w.Recipients, 3)
		assert.Equal(t, "hi", w.Message)
		assert.NotEmpty(t, w.WrapperID)
	})

	t.Run("not json is a parse error", func(t *testing.T) {
		_, err := DecodeWrapper([]byte("not json at all"), env)
		assert.ErrorIs(t, err, ErrParse)
	})

	t.Run("missing provider is a validation error", func(t *testing.T) {
		_, err := DecodeWrapper([]byte(`{"recipient": []}`), env)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("invalid recipients are dropped not fatal", func(t *testing.T) {
		payload := []byte(`{
			"provider": "dummy",
			"recipient": [
				{"name": "ok", "account": {"address": "a@x"}},
				{"name": "no accounts at all"}
			],
			"message": "hi"
		}`)
		w, err := DecodeWrapper(payload, env)
		require.NoError(t, err)
		assert.Len(t, w.Recipients, 1)
	})

	t.Run("extra keys become kwargs", func(t *testing.T) {
		payload := []byte(`{
			"provider": "dummy",
			"recipient": [{"name": "A", "account": {"address": "a@x"}}],
			"message": "hi",
			"template": "greet.tmpl",
			"parse_mode": "HTML"
		}`)
		w, err := DecodeWrapper(payload, env)
		require.NoError(t, err)
		assert.Equal(t, "greet.tmpl", w.Kwargs["template"])
		assert.Equal(t, "HTML", w.Kwargs["parse_mode"])
		assert.NotContains(t, w.Kwargs, "provider")
	})
}

func TestOpaqueRoundTrip(t *testing.T) {
	env := &Env{}
	w, err := DecodeWrapper(threeRecipientPayload("capture"), env)
	require.NoError(t, err)

	opaque, err := w.EncodeOpaque()
	require.NoError(t, err)

	back, err := DecodeOpaque("uid-1", opaque, env)
	require.NoError(t, err)
	assert.Equal(t, w.WrapperID, back.WrapperID)
	assert.Equal(t, "capture", back.Provider)
	assert.Len(t, back.Recipients, 3)
	assert.Equal(t, "hi", back.Message)

	_, err = DecodeOpaque("uid-2", "%%%not-base64%%%", env)
	assert.ErrorIs(t, err, ErrParse)
}

func sendTCP(t *testing.T, addr string, payload []byte) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(payload)
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())
	reply, err := io.ReadAll(conn)
	require.NoError(t, err)
	return string(reply)
}

func startTCP(t *testing.T, q *queue.Manager, env *Env) *TCPServer {
	t.Helper()
	srv := NewTCPServer("127.0.0.1:0", q, env)
	require.NoError(t, srv.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return srv
}

func TestTCPEnqueueThreeRecipients(t *testing.T) {
	resetCapture(false)
	env := &Env{}
	q := queue.NewManager(8, nil)
	q.Start(context.Background())
	t.Cleanup(q.Stop)
	srv := startTCP(t, q, env)

	reply := sendTCP(t, srv.Addr(), threeRecipientPayload("capture"))
	assert.Regexp(t, regexp.MustCompile(`^Message <capture to 3 recipients> was Queued with id [0-9a-f-]{36}\.$`), reply)

	require.Eventually(t, func() bool { return len(captured()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, q.Len())
}

func TestTCPQueueFullRejection(t *testing.T) {
	env := &Env{}
	// Workers never started: capacity 2 fills after two submissions.
	q := queue.NewManager(2, nil)
	srv := startTCP(t, q, env)

	first := sendTCP(t, srv.Addr(), threeRecipientPayload("capture"))
	second := sendTCP(t, srv.Addr(), threeRecipientPayload("capture"))
	third := sendTCP(t, srv.Addr(), threeRecipientPayload("capture"))

	assert.Contains(t, first, "was Queued with id")
	assert.Contains(t, second, "was Queued with id")

	var errObj map[string]string
	require.NoError(t, json.Unmarshal([]byte(third), &errObj))
	assert.Equal(t, "queue-full", errObj["kind"])
}

func TestTCPParseErrorReply(t *testing.T) {
	env := &Env{}
	q := queue.NewManager(8, nil)
	srv := startTCP(t, q, env)

	reply := sendTCP(t, srv.Addr(), []byte("{{{"))
	var errObj map[string]string
	require.NoError(t, json.Unmarshal([]byte(reply), &errObj))
	assert.Equal(t, "parse-error", errObj["kind"])
}

func brokerClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func TestStreamAckOnSuccess(t *testing.T) {
	resetCapture(false)
	_, rdb := brokerClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := &Env{}
	q := queue.NewManager(8, nil)
	q.Start(ctx)
	t.Cleanup(q.Stop)

	sc := NewStreamConsumer(rdb, "TestStream", "TestGroup", "worker-1", q, env)
	require.NoError(t, sc.Bootstrap(ctx))
	go sc.Run(ctx)

	require.NoError(t, rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: "TestStream",
		Values: map[string]any{"message": string(threeRecipientPayload("capture"))},
	}).Err())

	require.Eventually(t, func() bool { return len(captured()) == 3 }, 3*time.Second, 10*time.Millisecond)

	// Acked: nothing pending for the group.
	require.Eventually(t, func() bool {
		pending, err := rdb.XPending(ctx, "TestStream", "TestGroup").Result()
		return err == nil && pending.Count == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestStreamNoAckOnFailure(t *testing.T) {
	resetCapture(true)
	_, rdb := brokerClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := &Env{}
	q := queue.NewManager(8, nil)
	q.Start(ctx)
	t.Cleanup(q.Stop)

	sc := NewStreamConsumer(rdb, "FailStream", "FailGroup", "worker-1", q, env)
	require.NoError(t, sc.Bootstrap(ctx))
	go sc.Run(ctx)

	require.NoError(t, rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: "FailStream",
		Values: map[string]any{"message": string(threeRecipientPayload("capture"))},
	}).Err())

	// The entry stays pending for the consumer group.
	require.Eventually(t, func() bool {
		pending, err := rdb.XPending(ctx, "FailStream", "FailGroup").Result()
		return err == nil && pending.Count == 1
	}, 3*time.Second, 10*time.Millisecond)

	// It stays pending: failed wrappers are never acked.
	time.Sleep(200 * time.Millisecond)
	pending, err := rdb.XPending(ctx, "FailStream", "FailGroup").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count)
}

func TestStreamOpaqueEntry(t *testing.T) {
	resetCapture(false)
	_, rdb := brokerClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := &Env{}
	q := queue.NewManager(8, nil)
	q.Start(ctx)
	t.Cleanup(q.Stop)

	sc := NewStreamConsumer(rdb, "OpaqueStream", "OpaqueGroup", "worker-1", q, env)
	require.NoError(t, sc.Bootstrap(ctx))
	go sc.Run(ctx)

	w, err := DecodeWrapper(threeRecipientPayload("capture"), env)
	require.NoError(t, err)
	opaque, err := w.EncodeOpaque()
	require.NoError(t, err)

	require.NoError(t, rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: "OpaqueStream",
		Values: map[string]any{"uid": w.WrapperID, "task": opaque},
	}).Err())

	require.Eventually(t, func() bool { return len(captured()) == 3 }, 3*time.Second, 10*time.Millisecond)
}

func TestSubscriberExecutesInline(t *testing.T) {
	resetCapture(false)
	_, rdb := brokerClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := NewSubscriber(rdb, "TestChannel", &Env{})
	go sub.Run(ctx)

	// Wait for the subscription to land before publishing.
	require.Eventually(t, func() bool {
		n, err := rdb.Publish(ctx, "TestChannel", string(threeRecipientPayload("capture"))).Result()
		return err == nil && n > 0
	}, 3*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool { return len(captured()) >= 3 }, 3*time.Second, 10*time.Millisecond)
}

func TestMonitorFiresOnSilence(t *testing.T) {
	_, rdb := brokerClient(t)
	ctx := context.Background()

	// An entry with a wall-clock id far in the past.
	old := time.Now().Add(-time.Hour).UnixMilli()
	require.NoError(t, rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: "QuietStream",
		ID:     fmt.Sprintf("%d-1", old),
		Values: map[string]any{"message": "{}"},
	}).Err())

	var mu sync.Mutex
	var fired time.Duration
	m := NewMonitor(rdb, "QuietStream", 10*time.Minute, func(ctx context.Context, stream string, gap time.Duration) {
		mu.Lock()
		fired = gap
		mu.Unlock()
	})
	m.check(ctx)

	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, fired, 10*time.Minute)
}

func TestEntryTime(t *testing.T) {
	ts, err := entryTime("1700000000000-3")
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(1700000000000), ts)

	_, err = entryTime("garbage")
	assert.Error(t, err)
}
