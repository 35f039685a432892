package providers

import (
	"context"
	"fmt"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/notifykit/notify/models"
)

func init() {
	Register("office365", func(s Settings) (Provider, error) {
		cfg := settingsConf(s)
		tenant := s.Param("tenant_id", cfg.O365TenantID)
		p := &Office365{
			HTTPBase: NewHTTPBase(NewBase("office365", TypeEmail, BlockingAsync, s), ""),
			sender:   s.Param("user", cfg.O365User),
			oauth: &clientcredentials.Config{
				ClientID:     s.Param("client_id", cfg.O365ClientID),
				ClientSecret: s.Param("client_secret", cfg.O365ClientSecret),
				TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenant),
				Scopes:       []string{"https://graph.microsoft.com/.default"},
			},
		}
		return p, nil
	})
}

// Office365 sends mail through the Microsoft Graph sendMail action using
// application (client-credentials) auth.
type Office365 struct {
	HTTPBase

	sender string
	oauth  *clientcredentials.Config
	token  string
}

// Connect acquires the first access token so credential failures surface
// before any recipient is attempted.
func (p *Office365) Connect(ctx context.Context) error {
	tok, err := p.oauth.Token(ctx)
	if err != nil {
		return AuthError(p.Name(), err)
	}
	p.token = tok.AccessToken
	return nil
}

func (p *Office365) Send(ctx context.Context, recipients []models.Recipient, message, subject string, kwargs map[string]any) ([]Result, error) {
	return p.Fanout(ctx, p, recipients, message, subject, kwargs)
}

func (p *Office365) SendOne(ctx context.Context, to models.Recipient, message, subject string, kwargs map[string]any) (any, error) {
	actor, ok := to.(*models.Actor)
	if !ok {
		return nil, MessageError(p.Name(), fmt.Errorf("office365 requires an actor recipient, got %T", to))
	}
	address := actor.AccountFor(p.Name()).Address.First()
	if address == "" {
		return nil, MessageError(p.Name(), fmt.Errorf("recipient %s has no address", actor.Name))
	}
	body, err := p.Render(ctx, to, message, subject, kwargs)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("https://graph.microsoft.com/v1.0/users/%s/sendMail", p.sender)
	payload := map[string]any{
		"message": map[string]any{
			"subject": subject,
			"body": map[string]any{
				"contentType": "HTML",
				"content":     body,
			},
			"toRecipients": []map[string]any{
				{"emailAddress": map[string]string{"address": address}},
			},
		},
		"saveToSentItems": false,
	}
	headers := map[string]string{"Authorization": "Bearer " + p.token}
	if _, err := p.PostJSON(ctx, endpoint, payload, headers); err != nil {
		return nil, err
	}
	return fmt.Sprintf("sent to %s", address), nil
}
