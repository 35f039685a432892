// Package client is the thin producer SDK: publish a job to the pub/sub
// channel, append it to the worker stream, or hand it straight to the TCP
// ingress.
package client

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/redis/go-redis/v9"

	"github.com/notifykit/notify/conf"
	"github.com/notifykit/notify/logger"
	"github.com/notifykit/notify/server"
)

// Client produces notification jobs for a running worker.
type Client struct {
	cfg *conf.Config
	rdb *redis.Client
}

// New builds a client from configuration. The broker connects lazily on the
// first Publish or Stream call; Send needs no broker at all.
func New(cfg *conf.Config) *Client {
	return &Client{cfg: cfg}
}

// Connect opens the broker connection. Idempotent.
func (c *Client) Connect(ctx context.Context) error {
	if c.rdb != nil {
		return nil
	}
	opts, err := redis.ParseURL(c.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("broker url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return fmt.Errorf("broker unreachable: %w", err)
	}
	c.rdb = rdb
	return nil
}

// Close releases the broker connection. Safe to call when not connected.
func (c *Client) Close() error {
	if c.rdb == nil {
		return nil
	}
	err := c.rdb.Close()
	c.rdb = nil
	return err
}

// Scoped runs fn with the broker connected, guaranteeing Close on all exit
// paths.
func Scoped(ctx context.Context, cfg *conf.Config, fn func(c *Client) error) error {
	c := New(cfg)
	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Error("client close failed", "error", err)
		}
	}()
	return fn(c)
}

// Publish fires a job at the pub/sub channel. Empty channel uses the
// configured default. Fire-and-forget: no delivery guarantee.
func (c *Client) Publish(ctx context.Context, payload []byte, channel string) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	if channel == "" {
		channel = c.cfg.Channel
	}
	return c.rdb.Publish(ctx, channel, payload).Err()
}

// Stream appends a job to the worker stream. With useWrapper the payload is
// validated and serialized client-side as `{uid, task}` so the worker skips
// re-parsing; otherwise the raw JSON travels under `message`. Returns the
// stream entry id.
func (c *Client) Stream(ctx context.Context, payload []byte, stream string, useWrapper bool) (string, error) {
	if err := c.Connect(ctx); err != nil {
		return "", err
	}
	if stream == "" {
		stream = c.cfg.WorkerStream
	}

	values := map[string]any{}
	if useWrapper {
		w, err := server.DecodeWrapper(payload, &server.Env{Conf: c.cfg})
		if err != nil {
			return "", err
		}
		opaque, err := w.EncodeOpaque()
		if err != nil {
			return "", err
		}
		values["uid"] = w.WrapperID
		values["task"] = opaque
	} else {
		values["message"] = string(payload)
	}

	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
	if err != nil {
		return "", fmt.Errorf("stream append: %w", err)
	}
	return id, nil
}

// Send submits a job over the TCP ingress and returns the worker's reply.
func (c *Client) Send(ctx context.Context, payload []byte) (string, error) {
	addr := net.JoinHostPort(c.cfg.DefaultHost, fmt.Sprintf("%d", c.cfg.DefaultPort))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("tcp ingress: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if _, err := conn.Write(payload); err != nil {
		return "", fmt.Errorf("tcp write: %w", err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.CloseWrite(); err != nil {
			return "", fmt.Errorf("tcp close-write: %w", err)
		}
	}
	reply, err := io.ReadAll(conn)
	if err != nil {
		return "", fmt.Errorf("tcp read: %w", err)
	}
	return string(reply), nil
}
