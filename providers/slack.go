package providers

import (
	"context"
	"fmt"

	"github.com/notifykit/notify/models"
)

const slackPostMessage = "https://slack.com/api/chat.postMessage"

func init() {
	Register("slack", func(s Settings) (Provider, error) {
		cfg := settingsConf(s)
		return &Slack{
			HTTPBase:       NewHTTPBase(NewBase("slack", TypeIM, BlockingAsync, s), "ts"),
			token:          s.Param("bot_token", cfg.SlackBotToken),
			defaultChannel: s.Param("channel", cfg.SlackDefaultChannel),
		}, nil
	})
}

// Slack posts through chat.postMessage with a bot token. The downstream id
// is the message ts. Slack's Web API reports failures with HTTP 200 and
// ok=false, so success needs an extra check on the decoded body.
type Slack struct {
	HTTPBase

	token          string
	defaultChannel string
}

func (p *Slack) Send(ctx context.Context, recipients []models.Recipient, message, subject string, kwargs map[string]any) ([]Result, error) {
	return p.Fanout(ctx, p, recipients, message, subject, kwargs)
}

func (p *Slack) SendOne(ctx context.Context, to models.Recipient, message, subject string, kwargs map[string]any) (any, error) {
	channel := p.channelFor(to)
	if channel == "" {
		return nil, MessageError(p.Name(), fmt.Errorf("no slack channel for %s", to.String()))
	}
	body, err := p.Render(ctx, to, message, subject, kwargs)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"channel": channel,
		"text":    body,
	}
	if blocks, ok := kwargs["blocks"]; ok {
		payload["blocks"] = blocks
	}
	headers := map[string]string{"Authorization": "Bearer " + p.token}
	resp, err := p.PostJSON(ctx, slackPostMessage, payload, headers)
	if err != nil {
		return nil, err
	}
	if ok, _ := resp["ok"].(bool); !ok {
		reason, _ := resp["error"].(string)
		switch reason {
		case "invalid_auth", "not_authed", "token_revoked", "account_inactive":
			return nil, AuthError(p.Name(), fmt.Errorf("slack: %s", reason))
		default:
			return nil, RuntimeError(p.Name(), fmt.Errorf("slack: %s", reason))
		}
	}
	return p.ResultID(resp), nil
}

// channelFor resolves the delivery target: channels and chats by id, actors
// by their slack account userid (a DM), falling back to the configured
// default channel.
func (p *Slack) channelFor(to models.Recipient) string {
	switch r := to.(type) {
	case *models.Channel:
		if r.ChannelID != "" {
			return r.ChannelID
		}
	case *models.Chat:
		if r.ChatID != "" {
			return r.ChatID
		}
	case *models.Actor:
		acct := r.AccountFor(p.Name())
		if acct.UserID != "" {
			return acct.UserID
		}
	}
	return p.defaultChannel
}
