package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/google/uuid"

	"github.com/notifykit/notify/models"
)

const graphScope = "https://graph.microsoft.com/.default"

func init() {
	Register("teams", func(s Settings) (Provider, error) {
		cfg := settingsConf(s)
		return &Teams{
			HTTPBase:       NewHTTPBase(NewBase("teams", TypeIM, BlockingAsync, s), "id"),
			tenantID:       s.Param("tenant_id", cfg.TeamsTenantID),
			clientID:       s.Param("client_id", cfg.TeamsClientID),
			clientSecret:   s.Param("client_secret", cfg.TeamsClientSecret),
			defaultTeamID:  s.Param("team_id", cfg.TeamsDefaultTeamID),
			defaultChannel: s.Param("channel_id", cfg.TeamsDefaultChannel),
			defaultWebhook: s.Param("webhook", cfg.TeamsDefaultWebhook),
		}, nil
	})
}

// Teams delivers to Microsoft Teams three ways, selected by recipient type:
// Graph channel messages for TeamsChannel, Graph chat messages for
// TeamsChat, and connector cards for TeamsWebhook. Graph paths need
// application credentials; the webhook path needs none.
type Teams struct {
	HTTPBase

	tenantID     string
	clientID     string
	clientSecret string

	defaultTeamID  string
	defaultChannel string
	defaultWebhook string

	token string
}

// Connect acquires a Graph token when application credentials are present.
// A webhook-only configuration connects without credentials.
func (p *Teams) Connect(ctx context.Context) error {
	if p.clientID == "" || p.clientSecret == "" {
		return nil
	}
	cred, err := azidentity.NewClientSecretCredential(p.tenantID, p.clientID, p.clientSecret, nil)
	if err != nil {
		return AuthError(p.Name(), err)
	}
	tok, err := cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{graphScope}})
	if err != nil {
		return AuthError(p.Name(), err)
	}
	p.token = tok.Token
	return nil
}

func (p *Teams) Send(ctx context.Context, recipients []models.Recipient, message, subject string, kwargs map[string]any) ([]Result, error) {
	return p.Fanout(ctx, p, recipients, message, subject, kwargs)
}

func (p *Teams) SendOne(ctx context.Context, to models.Recipient, message, subject string, kwargs map[string]any) (any, error) {
	body, err := p.Render(ctx, to, message, subject, kwargs)
	if err != nil {
		return nil, err
	}
	card := cardFromKwargs(kwargs)
	if card != nil {
		if err := card.Validate(); err != nil {
			return nil, MessageError(p.Name(), err)
		}
	}

	switch r := to.(type) {
	case *models.TeamsWebhook:
		return p.sendWebhook(ctx, r.URI, body, card)
	case *models.TeamsChannel:
		teamID, channelID := r.TeamID, r.ChannelID
		if teamID == "" {
			teamID = p.defaultTeamID
		}
		if channelID == "" {
			channelID = p.defaultChannel
		}
		endpoint := fmt.Sprintf("https://graph.microsoft.com/v1.0/teams/%s/channels/%s/messages", teamID, channelID)
		return p.sendGraph(ctx, endpoint, body, card)
	case *models.TeamsChat:
		endpoint := fmt.Sprintf("https://graph.microsoft.com/v1.0/chats/%s/messages", r.ChatID)
		return p.sendGraph(ctx, endpoint, body, card)
	default:
		return nil, MessageError(p.Name(), fmt.Errorf("teams cannot address %T", to))
	}
}

// sendWebhook posts the legacy connector payload: a MessageCard when a card
// was supplied, a plain text wrapper otherwise.
func (p *Teams) sendWebhook(ctx context.Context, uri, body string, card *models.TeamsCard) (any, error) {
	if uri == "" {
		uri = p.defaultWebhook
	}
	if uri == "" {
		return nil, MessageError(p.Name(), fmt.Errorf("no webhook uri configured"))
	}
	var payload map[string]any
	if card != nil {
		payload = card.MessageCard()
	} else {
		payload = map[string]any{"text": body}
	}
	if _, err := p.PostJSON(ctx, uri, payload, nil); err != nil {
		return nil, err
	}
	return "webhook accepted", nil
}

// sendGraph posts a channel or chat message. With a card the message body is
// an attachment reference and the card rides as an Adaptive Card attachment.
func (p *Teams) sendGraph(ctx context.Context, endpoint, body string, card *models.TeamsCard) (any, error) {
	if p.token == "" {
		return nil, AuthError(p.Name(), fmt.Errorf("graph delivery requires client credentials"))
	}
	var payload map[string]any
	if card != nil {
		attachmentID := uuid.NewString()
		content, err := json.Marshal(card.AdaptiveCard())
		if err != nil {
			return nil, MessageError(p.Name(), err)
		}
		payload = map[string]any{
			"body": map[string]any{
				"contentType": "html",
				"content":     fmt.Sprintf(`<attachment id="%s"></attachment>`, attachmentID),
			},
			"attachments": []map[string]any{{
				"id":          attachmentID,
				"contentType": "application/vnd.microsoft.card.adaptive",
				"content":     string(content),
			}},
		}
	} else {
		payload = map[string]any{
			"body": map[string]any{
				"contentType": "html",
				"content":     body,
			},
		}
	}
	headers := map[string]string{"Authorization": "Bearer " + p.token}
	resp, err := p.PostJSON(ctx, endpoint, payload, headers)
	if err != nil {
		return nil, err
	}
	return p.ResultID(resp), nil
}

// cardFromKwargs accepts a *TeamsCard directly or a JSON-shaped map, as
// produced by wrapper decoding.
func cardFromKwargs(kwargs map[string]any) *models.TeamsCard {
	raw, ok := kwargs["card"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case *models.TeamsCard:
		return v
	case map[string]any:
		data, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		var card models.TeamsCard
		if err := json.Unmarshal(data, &card); err != nil {
			return nil
		}
		return &card
	default:
		return nil
	}
}
