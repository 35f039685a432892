package providers

import (
	"context"
	"sync"

	"github.com/notifykit/notify/logger"
	"github.com/notifykit/notify/models"
)

func init() {
	Register("dummy", func(s Settings) (Provider, error) {
		return NewDummy(s), nil
	})
}

// Dummy delivers nowhere and records everything. It exists for smoke tests
// and for exercising the full dispatch path without credentials.
type Dummy struct {
	Base

	mu   sync.Mutex
	sent []DummyDelivery
}

// DummyDelivery is one recorded send.
type DummyDelivery struct {
	Recipient models.Recipient
	Message   string
	Subject   string
}

// NewDummy builds the recording provider.
func NewDummy(s Settings) *Dummy {
	return &Dummy{Base: NewBase("dummy", TypeNotify, BlockingAsync, s)}
}

func (d *Dummy) Connect(ctx context.Context) error { return nil }

func (d *Dummy) Close() error { return nil }

// Send fans out through the standard path so the dummy exercises the same
// dispatch machinery as a real provider.
func (d *Dummy) Send(ctx context.Context, recipients []models.Recipient, message, subject string, kwargs map[string]any) ([]Result, error) {
	return d.Fanout(ctx, d, recipients, message, subject, kwargs)
}

// SendOne records the delivery and logs it at debug level.
func (d *Dummy) SendOne(ctx context.Context, to models.Recipient, message, subject string, kwargs map[string]any) (any, error) {
	rendered, err := d.Render(ctx, to, message, subject, kwargs)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.sent = append(d.sent, DummyDelivery{Recipient: to, Message: rendered, Subject: subject})
	n := len(d.sent)
	d.mu.Unlock()
	logger.Debug("dummy delivery", "recipient", to.String(), "total", n)
	return map[string]any{"delivered": n}, nil
}

// Deliveries returns a copy of everything recorded so far.
func (d *Dummy) Deliveries() []DummyDelivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DummyDelivery, len(d.sent))
	copy(out, d.sent)
	return out
}
