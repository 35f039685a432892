package server

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/notifykit/notify/logger"
)

const resubscribeBackoff = time.Second

// errReset marks a dropped subscription; Run resubscribes after a backoff.
var errReset = errors.New("subscription reset")

// Subscriber is the fire-and-forget pub/sub ingress. Messages execute inline
// in the subscriber loop, bypassing the bounded queue: this path is the
// intended low-throughput channel and keeps broker arrival order.
type Subscriber struct {
	rdb     *redis.Client
	channel string
	env     *Env
}

// NewSubscriber builds the pub/sub ingress for the given channel.
func NewSubscriber(rdb *redis.Client, channel string, env *Env) *Subscriber {
	return &Subscriber{rdb: rdb, channel: channel, env: env}
}

// Run subscribes and consumes until the context is cancelled, resubscribing
// with a short backoff after connection resets.
func (s *Subscriber) Run(ctx context.Context) {
	ctx = logger.WithIngress(ctx, "pubsub")
	for ctx.Err() == nil {
		if err := s.consume(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("subscriber reconnecting", "channel", s.channel, "error", err)
			select {
			case <-time.After(resubscribeBackoff):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Subscriber) consume(ctx context.Context) error {
	pubsub := s.rdb.Subscribe(ctx, s.channel)
	defer pubsub.Close()

	// Force the subscription onto the wire before reporting ready.
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	logger.Info("subscribed", "channel", s.channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errReset
			}
			s.execute(ctx, []byte(msg.Payload))
		}
	}
}

// execute runs one published wrapper inline. Failures are logged and the
// loop continues; pub/sub has no redelivery.
func (s *Subscriber) execute(ctx context.Context, payload []byte) {
	w, err := DecodeWrapper(payload, s.env)
	if err != nil {
		logger.Warn("pubsub payload rejected", "channel", s.channel, "error", err)
		return
	}
	logger.Dispatch(w.WrapperID, w.Provider, len(w.Recipients))
	if _, err := w.Invoke(ctx); err != nil {
		logger.Error("pubsub wrapper failed", "id", w.WrapperID, "error", err)
	}
}
