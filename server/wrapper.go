// Package server contains the ingress paths of the notification worker (TCP
// line server, pub/sub subscriber, stream consumer), the wrapper unit of
// work they all produce, and the lifecycle that ties them together.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/notifykit/notify/conf"
	"github.com/notifykit/notify/logger"
	"github.com/notifykit/notify/metrics/prometheus"
	"github.com/notifykit/notify/models"
	"github.com/notifykit/notify/providers"
	"github.com/notifykit/notify/template"
)

// wrapperSchema gates every ingress payload: a provider name and a recipient
// list are mandatory, everything else is provider kwargs.
var wrapperSchema = gojsonschema.NewStringLoader(`{
	"type": "object",
	"required": ["provider", "recipient"],
	"properties": {
		"provider": {"type": "string", "minLength": 1},
		"recipient": {"type": "array"},
		"message": {},
		"subject": {"type": "string"},
		"template": {"type": "string"}
	}
}`)

// Env carries the shared collaborators a wrapper needs at invocation time.
// The template engine is read-only after start and shared freely; the
// provider instance is built fresh per invocation.
type Env struct {
	Engine *template.Engine
	Conf   *conf.Config
}

// Wrapper is the serializable unit of work: a provider name, the recipients
// to fan out to, and the message kwargs. Its id is stable from creation
// until terminal state.
type Wrapper struct {
	WrapperID  string
	Provider   string
	Recipients []models.Recipient
	Message    string
	Subject    string
	Kwargs     map[string]any

	env *Env
}

// ID implements queue.Task.
func (w *Wrapper) ID() string { return w.WrapperID }

func (w *Wrapper) String() string {
	return fmt.Sprintf("<%s to %d recipients>", w.Provider, len(w.Recipients))
}

// DecodeWrapper validates and decodes an ingress payload. Not-JSON is a
// parse-error; JSON without the required keys is a validation-error. Invalid
// recipient entries are dropped with a warning rather than failing the job.
func DecodeWrapper(data []byte, env *Env) (*Wrapper, error) {
	result, err := gojsonschema.Validate(wrapperSchema, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrValidation, strings.Join(details, "; "))
	}

	var raw struct {
		Provider  string           `json:"provider"`
		Recipient []map[string]any `json:"recipient"`
		Message   json.RawMessage  `json:"message"`
		Subject   string           `json:"subject"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	recipients := make([]models.Recipient, 0, len(raw.Recipient))
	for _, entry := range raw.Recipient {
		r, err := models.DecodeRecipient(entry)
		if err != nil {
			logger.Warn("dropping invalid recipient", "provider", raw.Provider, "error", err)
			continue
		}
		recipients = append(recipients, r)
	}

	// Everything beyond the core keys travels as provider kwargs.
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	kwargs := make(map[string]any, len(all))
	for k, v := range all {
		switch k {
		case "provider", "recipient", "message", "subject":
		default:
			kwargs[k] = v
		}
	}

	return &Wrapper{
		WrapperID:  uuid.NewString(),
		Provider:   raw.Provider,
		Recipients: recipients,
		Message:    messageString(raw.Message),
		Subject:    raw.Subject,
		Kwargs:     kwargs,
		env:        env,
	}, nil
}

// messageString accepts a plain string or any JSON value; structured bodies
// travel as their compact JSON form.
func messageString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// Invoke builds the named provider, connects it scoped, and fans the message
// out. The sent callback feeds the per-send metrics.
func (w *Wrapper) Invoke(ctx context.Context) ([]providers.Result, error) {
	ctx, span := otel.Tracer("notify/server").Start(ctx, "wrapper.invoke")
	span.SetAttributes(
		attribute.String("wrapper.id", w.WrapperID),
		attribute.String("wrapper.provider", w.Provider),
		attribute.Int("wrapper.recipients", len(w.Recipients)),
	)
	defer span.End()

	ctx = logger.WithWrapperID(ctx, w.WrapperID)
	ctx = logger.WithProvider(ctx, w.Provider)

	p, err := providers.New(w.Provider, providers.Settings{
		Params: w.Kwargs,
		Engine: w.env.Engine,
		Conf:   w.env.Conf,
	})
	if err != nil {
		return nil, err
	}
	p.OnSent(func(ctx context.Context, to models.Recipient, message string, result any, err error) {
		prometheus.RecordSend(w.Provider, err)
	})

	start := time.Now()
	var results []providers.Result
	err = providers.Scoped(ctx, p, func(p providers.Provider) error {
		var sendErr error
		results, sendErr = p.Send(ctx, w.Recipients, w.Message, w.Subject, w.Kwargs)
		return sendErr
	})
	prometheus.RecordWrapper(w.Provider, err, time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return results, nil
}

// wrapperWire is the explicit JSON form used for the prebuilt stream path.
type wrapperWire struct {
	ID        string           `json:"id"`
	Provider  string           `json:"provider"`
	Recipient []map[string]any `json:"recipient"`
	Message   string           `json:"message"`
	Subject   string           `json:"subject,omitempty"`
	Kwargs    map[string]any   `json:"kwargs,omitempty"`
}

// EncodeOpaque serializes the wrapper for the `{uid, task}` stream path:
// base64 over the explicit JSON form.
func (w *Wrapper) EncodeOpaque() (string, error) {
	recipients := make([]map[string]any, 0, len(w.Recipients))
	for _, r := range w.Recipients {
		data, err := json.Marshal(r)
		if err != nil {
			return "", err
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return "", err
		}
		recipients = append(recipients, m)
	}
	wire := wrapperWire{
		ID:        w.WrapperID,
		Provider:  w.Provider,
		Recipient: recipients,
		Message:   w.Message,
		Subject:   w.Subject,
		Kwargs:    w.Kwargs,
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeOpaque rebuilds a wrapper from the `{uid, task}` form, keeping the
// original id stable across the process boundary.
func DecodeOpaque(uid, task string, env *Env) (*Wrapper, error) {
	data, err := base64.StdEncoding.DecodeString(task)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	var wire wrapperWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if wire.Provider == "" {
		return nil, fmt.Errorf("%w: no provider", ErrValidation)
	}
	recipients := make([]models.Recipient, 0, len(wire.Recipient))
	for _, entry := range wire.Recipient {
		r, err := models.DecodeRecipient(entry)
		if err != nil {
			logger.Warn("dropping invalid recipient", "provider", wire.Provider, "error", err)
			continue
		}
		recipients = append(recipients, r)
	}
	id := wire.ID
	if id == "" {
		id = uid
	}
	if id == "" {
		id = uuid.NewString()
	}
	if wire.Kwargs == nil {
		wire.Kwargs = map[string]any{}
	}
	return &Wrapper{
		WrapperID:  id,
		Provider:   wire.Provider,
		Recipients: recipients,
		Message:    wire.Message,
		Subject:    wire.Subject,
		Kwargs:     wire.Kwargs,
		env:        env,
	}, nil
}
