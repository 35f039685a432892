package providers

import (
	"context"
	"fmt"

	"github.com/notifykit/notify/models"
)

const onesignalEndpoint = "https://onesignal.com/api/v1/notifications"

func init() {
	Register("onesignal", func(s Settings) (Provider, error) {
		cfg := settingsConf(s)
		return &OneSignal{
			HTTPBase:      NewHTTPBase(NewBase("onesignal", TypePush, BlockingAsync, s), "id"),
			appID:         s.Param("app_id", cfg.OneSignalAppID),
			apiKey:        s.Param("api_key", cfg.OneSignalAPIKey),
			defaultPlayer: s.Param("player_id", cfg.OneSignalPlayerID),
		}, nil
	})
}

// OneSignal delivers push notifications addressed by player id.
type OneSignal struct {
	HTTPBase

	appID         string
	apiKey        string
	defaultPlayer string
}

func (p *OneSignal) Send(ctx context.Context, recipients []models.Recipient, message, subject string, kwargs map[string]any) ([]Result, error) {
	return p.Fanout(ctx, p, recipients, message, subject, kwargs)
}

func (p *OneSignal) SendOne(ctx context.Context, to models.Recipient, message, subject string, kwargs map[string]any) (any, error) {
	player := p.playerFor(to)
	if player == "" {
		return nil, MessageError(p.Name(), fmt.Errorf("no onesignal player id for %s", to.String()))
	}
	body, err := p.Render(ctx, to, message, subject, kwargs)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"app_id":             p.appID,
		"include_player_ids": []string{player},
		"contents":           map[string]string{"en": body},
	}
	if subject != "" {
		payload["headings"] = map[string]string{"en": subject}
	}
	headers := map[string]string{"Authorization": "Basic " + p.apiKey}
	resp, err := p.PostJSON(ctx, onesignalEndpoint, payload, headers)
	if err != nil {
		return nil, err
	}
	// OneSignal reports per-target failures inside a 200 body.
	if errs, ok := resp["errors"]; ok {
		if list, ok := errs.([]any); ok && len(list) > 0 {
			return nil, RuntimeError(p.Name(), fmt.Errorf("onesignal: %v", list[0]))
		}
	}
	return p.ResultID(resp), nil
}

func (p *OneSignal) playerFor(to models.Recipient) string {
	if actor, ok := to.(*models.Actor); ok {
		acct := actor.AccountFor(p.Name())
		if acct.UserID != "" {
			return acct.UserID
		}
	}
	return p.defaultPlayer
}
