package providers

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/notifykit/notify/logger"
	"github.com/notifykit/notify/models"
	"github.com/notifykit/notify/template"
)

// executorMaxWorkers bounds the executor fan-out pool.
const executorMaxWorkers = 10

// Base carries the state and behaviour shared by every provider: identity,
// fan-out strategy, message preparation, template rendering and the sent
// callback. Concrete providers embed it and implement Sender.
type Base struct {
	name     string
	ptype    ProviderType
	blocking BlockingMode

	engine       *template.Engine
	templateName string
	params       map[string]any
	sent         SentCallback
}

// NewBase builds the embedded Base for a provider.
func NewBase(name string, ptype ProviderType, blocking BlockingMode, s Settings) Base {
	params := s.Params
	if params == nil {
		params = map[string]any{}
	}
	return Base{
		name:     name,
		ptype:    ptype,
		blocking: blocking,
		engine:   s.Engine,
		params:   params,
	}
}

// Name returns the registered provider name.
func (b *Base) Name() string { return b.name }

// Type returns the provider classification.
func (b *Base) Type() ProviderType { return b.ptype }

// Blocking returns the fan-out strategy.
func (b *Base) Blocking() BlockingMode { return b.blocking }

// OnSent registers the per-recipient sent callback.
func (b *Base) OnSent(cb SentCallback) { b.sent = cb }

// Params returns the constructor kwargs the provider was built with.
func (b *Base) Params() map[string]any { return b.params }

// Prepare performs safe {key}-placeholder substitution against the
// constructor kwargs (missing keys are preserved, never an error) and, when
// a template was supplied, compiles it through the engine so rendering
// failures surface before any send starts.
func (b *Base) Prepare(message string, kwargs map[string]any) (string, error) {
	msg := substitute(message, b.params)

	b.templateName = ""
	if t, ok := kwargs["template"].(string); ok && t != "" {
		if b.engine == nil {
			return "", fmt.Errorf("%s: %w: no template engine configured", b.name, template.ErrNotFound)
		}
		if _, err := b.engine.Get(t); err != nil {
			return "", err
		}
		b.templateName = t
	} else if t, ok := b.params["template"].(string); ok && t != "" {
		if b.engine == nil {
			return "", fmt.Errorf("%s: %w: no template engine configured", b.name, template.ErrNotFound)
		}
		if _, err := b.engine.Get(t); err != nil {
			return "", err
		}
		b.templateName = t
	}
	return msg, nil
}

// Render builds the per-recipient output. With a template set it renders
// the standard context {recipient, username, message, subject, ...extra};
// otherwise the prepared message is returned unchanged.
func (b *Base) Render(ctx context.Context, to models.Recipient, message, subject string, kwargs map[string]any) (string, error) {
	if b.templateName == "" {
		return message, nil
	}
	data := template.Context{
		"recipient": to,
		"username":  recipientName(to),
		"message":   message,
		"subject":   subject,
	}
	for k, v := range kwargs {
		if k == "template" {
			continue
		}
		if _, reserved := data[k]; !reserved {
			data[k] = v
		}
	}
	return b.engine.RenderContext(ctx, b.templateName, data)
}

// Fanout prepares the message and dispatches SendOne to every recipient
// under the provider's blocking strategy. The contract: one SendOne call
// and one callback invocation per recipient, independent failure per
// recipient, results in recipient order.
func (b *Base) Fanout(ctx context.Context, s Sender, recipients []models.Recipient, message, subject string, kwargs map[string]any) ([]Result, error) {
	msg, err := b.Prepare(message, kwargs)
	if err != nil {
		return nil, err
	}
	logger.Dispatch("", b.name, len(recipients))

	switch b.blocking {
	case BlockingExecutor:
		return b.executorDispatch(ctx, s, recipients, msg, subject, kwargs), nil
	case BlockingThread:
		return b.threadDispatch(ctx, s, recipients, msg, subject, kwargs), nil
	default:
		return b.asyncDispatch(ctx, s, recipients, msg, subject, kwargs), nil
	}
}

// deliver runs one per-recipient send plus its callback and returns the
// slot for the result list.
func (b *Base) deliver(ctx context.Context, s Sender, to models.Recipient, message, subject string, kwargs map[string]any) Result {
	resp, err := s.SendOne(ctx, to, message, subject, kwargs)
	if err != nil {
		logger.DeliveryFailed(b.name, to.String(), err)
	} else {
		logger.Delivered(b.name, to.String())
	}
	b.invokeSent(ctx, to, message, resp, err)
	return Result{Recipient: to, Response: resp, Err: err}
}

// asyncDispatch launches one goroutine per recipient. Results are collected
// into slots indexed by recipient position, so the returned order is the
// iteration order over the input, not completion order.
func (b *Base) asyncDispatch(ctx context.Context, s Sender, recipients []models.Recipient, message, subject string, kwargs map[string]any) []Result {
	results := make([]Result, len(recipients))
	var wg sync.WaitGroup
	for i, to := range recipients {
		wg.Add(1)
		go func(i int, to models.Recipient) {
			defer wg.Done()
			results[i] = b.deliver(ctx, s, to, message, subject, kwargs)
		}(i, to)
	}
	wg.Wait()
	return results
}

// executorDispatch runs sends on a bounded pool of min(10, n) workers.
// In-flight sends are not cancellable once submitted.
func (b *Base) executorDispatch(ctx context.Context, s Sender, recipients []models.Recipient, message, subject string, kwargs map[string]any) []Result {
	results := make([]Result, len(recipients))
	workers := executorMaxWorkers
	if len(recipients) < workers {
		workers = len(recipients)
	}
	g := &errgroup.Group{}
	g.SetLimit(workers)
	for i, to := range recipients {
		g.Go(func() error {
			results[i] = b.deliver(ctx, s, to, message, subject, kwargs)
			return nil
		})
	}
	// Workers never return errors; failures live in the result slots.
	_ = g.Wait()
	return results
}

// threadDispatch spawns one goroutine per recipient, each owning a private
// context detached from the caller's cancellation so a strictly blocking
// downstream library can run to completion. Results are drained from a
// channel and reordered by recipient index.
func (b *Base) threadDispatch(ctx context.Context, s Sender, recipients []models.Recipient, message, subject string, kwargs map[string]any) []Result {
	type indexed struct {
		i int
		r Result
	}
	out := make(chan indexed, len(recipients))
	for i, to := range recipients {
		go func(i int, to models.Recipient) {
			privateCtx := context.WithoutCancel(ctx)
			out <- indexed{i: i, r: b.deliver(privateCtx, s, to, message, subject, kwargs)}
		}(i, to)
	}
	results := make([]Result, len(recipients))
	for range recipients {
		item := <-out
		results[item.i] = item.r
	}
	return results
}

// invokeSent runs the sent callback for one recipient. Callback failures
// are logged and swallowed; they can never fail the send.
func (b *Base) invokeSent(ctx context.Context, to models.Recipient, message string, result any, err error) {
	if b.sent == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("sent callback panicked",
				"provider", b.name,
				"recipient", to.String(),
				"panic", r,
			)
		}
	}()
	b.sent(ctx, to, message, result, err)
}

// substitute performs {key} replacement against params, preserving unknown
// placeholders. Doubled braces (template syntax) are left untouched.
func substitute(message string, params map[string]any) string {
	if len(params) == 0 || !strings.Contains(message, "{") {
		return message
	}
	var sb strings.Builder
	sb.Grow(len(message))
	for i := 0; i < len(message); {
		c := message[i]
		if c != '{' {
			sb.WriteByte(c)
			i++
			continue
		}
		if i+1 < len(message) && message[i+1] == '{' {
			// template-engine syntax, pass through both braces
			end := strings.Index(message[i+2:], "}}")
			if end >= 0 {
				sb.WriteString(message[i : i+2+end+2])
				i += 2 + end + 2
				continue
			}
			sb.WriteString(message[i:])
			break
		}
		end := strings.IndexByte(message[i:], '}')
		if end < 0 {
			sb.WriteString(message[i:])
			break
		}
		key := message[i+1 : i+end]
		if v, ok := params[key]; ok && validKey(key) {
			fmt.Fprintf(&sb, "%v", v)
		} else {
			sb.WriteString(message[i : i+end+1])
		}
		i += end + 1
	}
	return sb.String()
}

func validKey(key string) bool {
	if key == "" {
		return false
	}
	for _, r := range key {
		if r != '_' && (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// recipientName extracts a display name for the template context.
func recipientName(to models.Recipient) string {
	switch r := to.(type) {
	case *models.Actor:
		return r.Name
	case *models.Chat:
		return r.ChatName
	case *models.Channel:
		return r.ChannelName
	case *models.TeamsChannel:
		return r.Name
	case *models.TeamsChat:
		return r.Name
	default:
		return to.String()
	}
}

func logError(p Provider, err error) {
	logger.Error("provider close failed", "provider", p.Name(), "error", err)
}
