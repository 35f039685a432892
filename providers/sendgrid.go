package providers

import (
	"context"
	"fmt"

	"github.com/notifykit/notify/models"
)

const sendgridEndpoint = "https://api.sendgrid.com/v3/mail/send"

func init() {
	Register("sendgrid", func(s Settings) (Provider, error) {
		cfg := settingsConf(s)
		key := s.Param("api_key", cfg.SendGridKey)
		p := &SendGrid{
			HTTPBase: NewHTTPBase(NewBase("sendgrid", TypeEmail, BlockingAsync, s), ""),
			apiKey:   key,
			from:     s.Param("from", cfg.SendGridUser),
		}
		return p, nil
	})
}

// SendGrid delivers email through the v3 mail/send API. A 202 with an empty
// body is the success signal; the message id only appears in a response
// header, so the result is the recipient address.
type SendGrid struct {
	HTTPBase

	apiKey string
	from   string
}

func (p *SendGrid) Send(ctx context.Context, recipients []models.Recipient, message, subject string, kwargs map[string]any) ([]Result, error) {
	return p.Fanout(ctx, p, recipients, message, subject, kwargs)
}

func (p *SendGrid) SendOne(ctx context.Context, to models.Recipient, message, subject string, kwargs map[string]any) (any, error) {
	actor, ok := to.(*models.Actor)
	if !ok {
		return nil, MessageError(p.Name(), fmt.Errorf("sendgrid requires an actor recipient, got %T", to))
	}
	address := actor.AccountFor(p.Name()).Address.First()
	if address == "" {
		return nil, MessageError(p.Name(), fmt.Errorf("recipient %s has no address", actor.Name))
	}
	body, err := p.Render(ctx, to, message, subject, kwargs)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"personalizations": []map[string]any{
			{"to": []map[string]string{{"email": address}}},
		},
		"from":    map[string]string{"email": p.from},
		"subject": subject,
		"content": []map[string]string{
			{"type": "text/plain", "value": message},
			{"type": "text/html", "value": body},
		},
	}
	headers := map[string]string{
		"Authorization": "Bearer " + p.apiKey,
	}
	if _, err := p.PostJSON(ctx, sendgridEndpoint, payload, headers); err != nil {
		return nil, err
	}
	return fmt.Sprintf("accepted for %s", address), nil
}
