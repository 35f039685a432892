package providers

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/notifykit/notify/models"
)

// Telegram's Bot API allows roughly 30 messages per second per bot.
var telegramLimit = rate.Every(time.Second / 30)

func init() {
	Register("telegram", func(s Settings) (Provider, error) {
		cfg := settingsConf(s)
		return &Telegram{
			HTTPBase:      NewHTTPBase(NewBase("telegram", TypeIM, BlockingAsync, s), "result.message_id"),
			token:         s.Param("bot_token", cfg.TelegramBotToken),
			defaultChatID: s.Param("chat_id", cfg.TelegramChatID),
			limiter:       rate.NewLimiter(telegramLimit, 1),
		}, nil
	})
}

// Telegram posts through the Bot API sendMessage method, throttled to stay
// under the bot-wide rate limit.
type Telegram struct {
	HTTPBase

	token         string
	defaultChatID string
	limiter       *rate.Limiter
}

func (p *Telegram) Send(ctx context.Context, recipients []models.Recipient, message, subject string, kwargs map[string]any) ([]Result, error) {
	return p.Fanout(ctx, p, recipients, message, subject, kwargs)
}

func (p *Telegram) SendOne(ctx context.Context, to models.Recipient, message, subject string, kwargs map[string]any) (any, error) {
	chatID := p.chatFor(to)
	if chatID == "" {
		return nil, MessageError(p.Name(), fmt.Errorf("no telegram chat for %s", to.String()))
	}
	body, err := p.Render(ctx, to, message, subject, kwargs)
	if err != nil {
		return nil, err
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, NewProviderError(p.Name(), ErrTimeout, err)
	}

	endpoint := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", p.token)
	payload := map[string]any{
		"chat_id": chatID,
		"text":    body,
	}
	if mode, ok := kwargs["parse_mode"].(string); ok && mode != "" {
		payload["parse_mode"] = mode
	}
	resp, err := p.PostJSON(ctx, endpoint, payload, nil)
	if err != nil {
		return nil, err
	}
	if ok, _ := resp["ok"].(bool); !ok {
		desc, _ := resp["description"].(string)
		return nil, RuntimeError(p.Name(), fmt.Errorf("telegram: %s", desc))
	}
	return p.ResultID(resp), nil
}

func (p *Telegram) chatFor(to models.Recipient) string {
	switch r := to.(type) {
	case *models.Chat:
		if r.ChatID != "" {
			return r.ChatID
		}
	case *models.Channel:
		if r.ChannelID != "" {
			return r.ChannelID
		}
	case *models.Actor:
		acct := r.AccountFor(p.Name())
		if acct.UserID != "" {
			return acct.UserID
		}
	}
	return p.defaultChatID
}
