package providers

import (
	"context"
	"fmt"

	"github.com/notifykit/notify/models"
)

const dialpadEndpoint = "https://dialpad.com/api/v2/sms"

func init() {
	Register("dialpad", func(s Settings) (Provider, error) {
		cfg := settingsConf(s)
		return &Dialpad{
			HTTPBase: NewHTTPBase(NewBase("dialpad", TypeSMS, BlockingExecutor, s), "id"),
			apiKey:   s.Param("api_key", cfg.DialpadAPIKey),
			from:     s.Param("from", cfg.DialpadFrom),
		}, nil
	})
}

// Dialpad sends SMS through the v2 API with bearer auth.
type Dialpad struct {
	HTTPBase

	apiKey string
	from   string
}

func (p *Dialpad) Send(ctx context.Context, recipients []models.Recipient, message, subject string, kwargs map[string]any) ([]Result, error) {
	return p.Fanout(ctx, p, recipients, message, subject, kwargs)
}

func (p *Dialpad) SendOne(ctx context.Context, to models.Recipient, message, subject string, kwargs map[string]any) (any, error) {
	actor, ok := to.(*models.Actor)
	if !ok {
		return nil, MessageError(p.Name(), fmt.Errorf("dialpad requires an actor recipient, got %T", to))
	}
	number := actor.AccountFor(p.Name()).Number.First()
	if number == "" {
		return nil, MessageError(p.Name(), fmt.Errorf("recipient %s has no number", actor.Name))
	}
	body, err := p.Render(ctx, to, message, subject, kwargs)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"to_numbers":         []string{number},
		"from_number":        p.from,
		"text":               body,
		"infer_country_code": true,
	}
	headers := map[string]string{"Authorization": "Bearer " + p.apiKey}
	resp, err := p.PostJSON(ctx, dialpadEndpoint, payload, headers)
	if err != nil {
		return nil, err
	}
	return p.ResultID(resp), nil
}
