// Package models defines the recipient and message types shared by every
// notification provider: actors with their per-channel accounts, chat and
// broadcast-channel targets, Teams-specific variants and the message blocks
// that travel through the dispatch queue.
package models

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// StringList accepts either a JSON string or an array of strings. Account
// addresses and phone numbers arrive in both shapes.
type StringList []string

// UnmarshalJSON implements json.Unmarshaler.
func (s *StringList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = StringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = StringList(many)
	return nil
}

// First returns the first entry or the empty string.
func (s StringList) First() string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}

// Account describes one channel an Actor is reachable on.
type Account struct {
	Provider   string         `json:"provider"`
	Enabled    bool           `json:"enabled"`
	Address    StringList     `json:"address,omitempty"`
	Number     StringList     `json:"number,omitempty"`
	UserID     string         `json:"userid,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// accountField accepts a single Account object or a list of them.
type accountField []Account

func (a *accountField) UnmarshalJSON(data []byte) error {
	var one Account
	if err := json.Unmarshal(data, &one); err == nil {
		*a = accountField{one}
		return nil
	}
	var many []Account
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*a = accountField(many)
	return nil
}

// Actor is a human (or bot) recipient or sender. Every Actor carries at
// least one Account.
type Actor struct {
	UserID   string    `json:"userid"`
	Name     string    `json:"name"`
	Accounts []Account `json:"account"`
}

type actorAlias struct {
	UserID   string       `json:"userid"`
	Name     string       `json:"name"`
	Accounts accountField `json:"account"`
}

// UnmarshalJSON decodes an Actor, generating a UUID when none was supplied
// and accepting `account` as an object or a list.
func (a *Actor) UnmarshalJSON(data []byte) error {
	var raw actorAlias
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.UserID = raw.UserID
	a.Name = raw.Name
	a.Accounts = []Account(raw.Accounts)
	if a.UserID == "" {
		a.UserID = uuid.NewString()
	}
	return a.Validate()
}

// NewActor builds an Actor with a generated UserID.
func NewActor(name string, accounts ...Account) (*Actor, error) {
	a := &Actor{
		UserID:   uuid.NewString(),
		Name:     name,
		Accounts: accounts,
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// Validate enforces the Actor invariants: a name and at least one account.
func (a *Actor) Validate() error {
	if a.Name == "" {
		return errors.New("actor: name is required")
	}
	if len(a.Accounts) == 0 {
		return errors.New("actor: at least one account is required")
	}
	return nil
}

// Account returns the first account, which is the delivery default.
func (a *Actor) Account() Account {
	if len(a.Accounts) == 0 {
		return Account{}
	}
	return a.Accounts[0]
}

// AccountFor returns the first account registered for the given provider,
// falling back to the first account.
func (a *Actor) AccountFor(provider string) Account {
	for _, acct := range a.Accounts {
		if acct.Provider == provider {
			return acct
		}
	}
	return a.Account()
}

func (a *Actor) String() string {
	return fmt.Sprintf("<%s: %s>", a.Name, a.UserID)
}

// Chat is a 1:1 or group message thread. ChatID is the primary key.
type Chat struct {
	ChatName string `json:"chat_name,omitempty"`
	ChatID   string `json:"chat_id"`
}

func (c *Chat) String() string {
	if c.ChatName != "" {
		return fmt.Sprintf("<chat %s: %s>", c.ChatName, c.ChatID)
	}
	return fmt.Sprintf("<chat %s>", c.ChatID)
}

// Channel is a broadcast channel. ChannelID is the primary key.
type Channel struct {
	ChannelName string `json:"channel_name,omitempty"`
	ChannelID   string `json:"channel_id"`
}

func (c *Channel) String() string {
	if c.ChannelName != "" {
		return fmt.Sprintf("<channel %s: %s>", c.ChannelName, c.ChannelID)
	}
	return fmt.Sprintf("<channel %s>", c.ChannelID)
}

// TeamsChannel addresses a channel inside a Microsoft Teams team.
type TeamsChannel struct {
	Name      string `json:"name,omitempty"`
	TeamID    string `json:"team_id"`
	ChannelID string `json:"channel_id"`
}

func (t *TeamsChannel) String() string {
	return fmt.Sprintf("<teams %s/%s>", t.TeamID, t.ChannelID)
}

// TeamsChat addresses a Teams 1:1 or group chat.
type TeamsChat struct {
	Name   string `json:"name,omitempty"`
	ChatID string `json:"chat_id"`
}

func (t *TeamsChat) String() string {
	return fmt.Sprintf("<teams chat %s>", t.ChatID)
}

// TeamsWebhook addresses an incoming-webhook connector URI.
type TeamsWebhook struct {
	URI string `json:"uri"`
}

func (t *TeamsWebhook) String() string {
	return "<teams webhook>"
}
