package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifykit/notify/conf"
)

const jobPayload = `{
	"provider": "dummy",
	"recipient": [{"name": "A", "account": {"address": "a@x"}}],
	"message": "hi"
}`

func testConfig(t *testing.T) (*conf.Config, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := &conf.Config{
		RedisURL:     "redis://" + mr.Addr(),
		Channel:      "ClientChannel",
		WorkerStream: "ClientStream",
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return cfg, rdb
}

func TestPublish(t *testing.T) {
	cfg, rdb := testConfig(t)
	ctx := context.Background()

	sub := rdb.Subscribe(ctx, "ClientChannel")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	err = Scoped(ctx, cfg, func(c *Client) error {
		return c.Publish(ctx, []byte(jobPayload), "")
	})
	require.NoError(t, err)

	select {
	case msg := <-sub.Channel():
		assert.JSONEq(t, jobPayload, msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("published message never arrived")
	}
}

func TestStreamMessageEntry(t *testing.T) {
	cfg, rdb := testConfig(t)
	ctx := context.Background()

	err := Scoped(ctx, cfg, func(c *Client) error {
		id, err := c.Stream(ctx, []byte(jobPayload), "", false)
		require.NoError(t, err)
		assert.NotEmpty(t, id)
		return nil
	})
	require.NoError(t, err)

	entries, err := rdb.XRange(ctx, "ClientStream", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.JSONEq(t, jobPayload, entries[0].Values["message"].(string))
}

func TestStreamPrebuiltWrapperEntry(t *testing.T) {
	cfg, rdb := testConfig(t)
	ctx := context.Background()

	err := Scoped(ctx, cfg, func(c *Client) error {
		_, err := c.Stream(ctx, []byte(jobPayload), "", true)
		return err
	})
	require.NoError(t, err)

	entries, err := rdb.XRange(ctx, "ClientStream", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotEmpty(t, entries[0].Values["uid"])
	assert.NotEmpty(t, entries[0].Values["task"])
	assert.NotContains(t, entries[0].Values, "message")
}

func TestStreamRejectsInvalidWrapper(t *testing.T) {
	cfg, _ := testConfig(t)
	ctx := context.Background()

	err := Scoped(ctx, cfg, func(c *Client) error {
		_, err := c.Stream(ctx, []byte(`{"recipient": []}`), "", true)
		return err
	})
	require.Error(t, err)
}

func TestSendTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.ReadAll(conn)
		_, _ = conn.Write([]byte("Message <dummy to 1 recipients> was Queued with id 123."))
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port := 0
	_, err = fmt.Sscanf(portStr, "%d", &port)
	require.NoError(t, err)

	cfg := &conf.Config{DefaultHost: host, DefaultPort: port}
	c := New(cfg)
	reply, err := c.Send(context.Background(), []byte(jobPayload))
	require.NoError(t, err)
	assert.Contains(t, reply, "was Queued with id")
}

func TestCloseIdempotent(t *testing.T) {
	cfg, _ := testConfig(t)
	c := New(cfg)
	require.NoError(t, c.Close())
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}
