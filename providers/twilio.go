package providers

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/notifykit/notify/models"
)

func init() {
	Register("twilio", func(s Settings) (Provider, error) {
		cfg := settingsConf(s)
		return &Twilio{
			HTTPBase:   NewHTTPBase(NewBase("twilio", TypeSMS, BlockingExecutor, s), "sid"),
			accountSID: s.Param("account_sid", cfg.TwilioAccountSID),
			authToken:  s.Param("auth_token", cfg.TwilioAuthToken),
			from:       s.Param("from", cfg.TwilioPhone),
		}, nil
	})
}

// Twilio sends SMS through the Messages endpoint, which takes form-encoded
// bodies with basic auth. SMS fan-out runs on the bounded executor pool.
type Twilio struct {
	HTTPBase

	accountSID string
	authToken  string
	from       string
}

func (p *Twilio) Send(ctx context.Context, recipients []models.Recipient, message, subject string, kwargs map[string]any) ([]Result, error) {
	return p.Fanout(ctx, p, recipients, message, subject, kwargs)
}

func (p *Twilio) SendOne(ctx context.Context, to models.Recipient, message, subject string, kwargs map[string]any) (any, error) {
	actor, ok := to.(*models.Actor)
	if !ok {
		return nil, MessageError(p.Name(), fmt.Errorf("twilio requires an actor recipient, got %T", to))
	}
	number := actor.AccountFor(p.Name()).Number.First()
	if number == "" {
		return nil, MessageError(p.Name(), fmt.Errorf("recipient %s has no number", actor.Name))
	}
	body, err := p.Render(ctx, to, message, subject, kwargs)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("https://api.twilio.com/2010-04-01/Accounts/%s/Messages.json", p.accountSID)
	form := map[string]string{
		"To":   number,
		"From": p.from,
		"Body": body,
	}
	auth := base64.StdEncoding.EncodeToString([]byte(p.accountSID + ":" + p.authToken))
	headers := map[string]string{"Authorization": "Basic " + auth}
	resp, err := p.PostForm(ctx, endpoint, form, headers)
	if err != nil {
		return nil, err
	}
	return p.ResultID(resp), nil
}
