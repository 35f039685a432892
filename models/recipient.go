package models

import (
	"encoding/json"
	"fmt"
)

// Recipient is the tagged variant over every addressable target. Providers
// pattern-match on the concrete type to decide how to deliver.
type Recipient interface {
	fmt.Stringer
	isRecipient()
}

func (*Actor) isRecipient()        {}
func (*Chat) isRecipient()         {}
func (*Channel) isRecipient()      {}
func (*TeamsChannel) isRecipient() {}
func (*TeamsChat) isRecipient()    {}
func (*TeamsWebhook) isRecipient() {}

// DecodeRecipient maps a raw recipient entry onto its variant. The shape is
// polymorphic: `team_id` selects TeamsChannel, `chat_id` selects Chat,
// `channel_id` selects Channel, `uri` selects TeamsWebhook, anything else is
// decoded as an Actor.
func DecodeRecipient(entry map[string]any) (Recipient, error) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("recipient: %w", err)
	}
	switch {
	case has(entry, "team_id"):
		var t TeamsChannel
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("recipient: %w", err)
		}
		if t.TeamID == "" || t.ChannelID == "" {
			return nil, fmt.Errorf("recipient: teams channel requires team_id and channel_id")
		}
		return &t, nil
	case has(entry, "chat_id"):
		var c Chat
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("recipient: %w", err)
		}
		if c.ChatID == "" {
			return nil, fmt.Errorf("recipient: chat requires chat_id")
		}
		return &c, nil
	case has(entry, "channel_id"):
		var c Channel
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("recipient: %w", err)
		}
		if c.ChannelID == "" {
			return nil, fmt.Errorf("recipient: channel requires channel_id")
		}
		return &c, nil
	case has(entry, "uri"):
		var w TeamsWebhook
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("recipient: %w", err)
		}
		return &w, nil
	default:
		var a Actor
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("recipient: %w", err)
		}
		return &a, nil
	}
}

func has(m map[string]any, key string) bool {
	v, ok := m[key]
	if !ok {
		return false
	}
	s, isStr := v.(string)
	return !isStr || s != ""
}
