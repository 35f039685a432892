// Package providers implements the pluggable delivery backends of the
// notification service under a single contract.
//
// Every provider knows how to Connect to its downstream, deliver to exactly
// one recipient (SendOne), and fan a message out to many recipients (Send)
// under one of three blocking strategies. Providers are created per wrapper
// invocation through the registry; sessions are never shared across wrappers.
package providers

import (
	"context"

	"github.com/notifykit/notify/conf"
	"github.com/notifykit/notify/models"
	"github.com/notifykit/notify/template"
)

// ProviderType classifies a provider by the kind of channel it serves.
type ProviderType string

const (
	TypeNotify ProviderType = "notify" // generic notification
	TypeSMS    ProviderType = "sms"    // SMS messages
	TypeEmail  ProviderType = "email"  // email (smtp) notifications
	TypePush   ProviderType = "push"   // push notifications
	TypeIM     ProviderType = "im"     // instant messaging
)

// BlockingMode selects the fan-out strategy used by Send.
type BlockingMode string

const (
	// BlockingAsync launches one goroutine per recipient and collects
	// results as they complete.
	BlockingAsync BlockingMode = "asyncio"

	// BlockingExecutor submits sends to a bounded worker pool of
	// min(10, len(recipients)) workers.
	BlockingExecutor BlockingMode = "executor"

	// BlockingThread spawns one goroutine per recipient, each owning its
	// private I/O context. Used for strictly blocking downstream libraries.
	BlockingThread BlockingMode = "thread"
)

// Result is the outcome of one per-recipient send. Results are returned in
// recipient order; a failed recipient carries Err and does not affect its
// siblings.
type Result struct {
	Recipient models.Recipient
	Response  any
	Err       error
}

// SentCallback is invoked after each per-recipient send with the outcome.
// Panics inside the callback are logged and swallowed; a callback can never
// fail the send.
type SentCallback func(ctx context.Context, to models.Recipient, message string, result any, err error)

// Provider is the contract every delivery backend implements.
type Provider interface {
	// Name returns the registered provider name.
	Name() string

	// Type classifies the provider.
	Type() ProviderType

	// Blocking selects the fan-out strategy.
	Blocking() BlockingMode

	// Connect acquires downstream resources. It must be idempotent.
	Connect(ctx context.Context) error

	// Close releases resources, mirroring Connect. Idempotent and safe to
	// call when not connected.
	Close() error

	// Send fans the message out to every recipient and returns one Result
	// per recipient, in recipient order.
	Send(ctx context.Context, recipients []models.Recipient, message string, subject string, kwargs map[string]any) ([]Result, error)

	// OnSent registers the per-recipient sent callback.
	OnSent(cb SentCallback)
}

// Sender is the per-recipient hot path implemented by concrete providers
// and driven by the Base fan-out.
type Sender interface {
	SendOne(ctx context.Context, to models.Recipient, message string, subject string, kwargs map[string]any) (any, error)
}

// Settings carries everything a factory needs to build a provider instance:
// the wrapper kwargs, the shared template engine and the loaded credentials.
type Settings struct {
	Params map[string]any
	Engine *template.Engine
	Conf   *conf.Config
}

// Scoped runs fn with the provider connected, guaranteeing Close on all
// exit paths.
func Scoped(ctx context.Context, p Provider, fn func(p Provider) error) error {
	if err := p.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			logError(p, err)
		}
	}()
	return fn(p)
}

// Param fetches a string parameter from wrapper kwargs with a fallback.
func (s Settings) Param(key, fallback string) string {
	if v, ok := s.Params[key]; ok {
		if str, ok := v.(string); ok && str != "" {
			return str
		}
	}
	return fallback
}
