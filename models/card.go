package models

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
)

// adaptiveCardVersions constrains the schema versions we know how to emit.
var adaptiveCardVersions = semver.MustParse("1.6")

// CardAction is a clickable action on a card.
type CardAction struct {
	Type  string `json:"@type,omitempty"`
	Name  string `json:"name,omitempty"`
	Title string `json:"title,omitempty"`
	URL   string `json:"url,omitempty"`
}

// TeamsSection is one section of a legacy MessageCard.
type TeamsSection struct {
	ActivityTitle    string            `json:"activityTitle,omitempty"`
	ActivitySubtitle string            `json:"activitySubtitle,omitempty"`
	ActivityImage    string            `json:"activityImage,omitempty"`
	Text             string            `json:"text,omitempty"`
	Facts            map[string]string `json:"-"`
}

// TeamsCard models a rich Teams message, convertible to both the legacy
// MessageCard dict and an Adaptive Card dict.
type TeamsCard struct {
	CardID      string           `json:"card_id"`
	Summary     string           `json:"summary"`
	Title       string           `json:"title,omitempty"`
	Text        string           `json:"text,omitempty"`
	Sections    []TeamsSection   `json:"sections,omitempty"`
	Actions     []CardAction     `json:"actions,omitempty"`
	BodyObjects []map[string]any `json:"body_objects,omitempty"`
	Version     string           `json:"version,omitempty"`
}

// NewTeamsCard builds a card with a generated id and the default schema version.
func NewTeamsCard(summary string) *TeamsCard {
	return &TeamsCard{
		CardID:  uuid.NewString(),
		Summary: summary,
		Version: "1.4",
	}
}

// Validate checks the adaptive-card schema version is one we can emit.
func (c *TeamsCard) Validate() error {
	if c.Version == "" {
		return nil
	}
	v, err := semver.NewVersion(c.Version)
	if err != nil {
		return fmt.Errorf("card: invalid version %q: %w", c.Version, err)
	}
	if v.GreaterThan(adaptiveCardVersions) {
		return fmt.Errorf("card: schema version %s is newer than supported %s", c.Version, adaptiveCardVersions)
	}
	return nil
}

// MessageCard returns the legacy Office 365 connector payload.
func (c *TeamsCard) MessageCard() map[string]any {
	card := map[string]any{
		"@type":    "MessageCard",
		"@context": "http://schema.org/extensions",
		"summary":  c.Summary,
	}
	if c.Title != "" {
		card["title"] = c.Title
	}
	if c.Text != "" {
		card["text"] = c.Text
	}
	if len(c.Sections) > 0 {
		sections := make([]map[string]any, 0, len(c.Sections))
		for _, s := range c.Sections {
			sec := map[string]any{}
			if s.ActivityTitle != "" {
				sec["activityTitle"] = s.ActivityTitle
			}
			if s.ActivitySubtitle != "" {
				sec["activitySubtitle"] = s.ActivitySubtitle
			}
			if s.ActivityImage != "" {
				sec["activityImage"] = s.ActivityImage
			}
			if s.Text != "" {
				sec["text"] = s.Text
			}
			if len(s.Facts) > 0 {
				facts := make([]map[string]string, 0, len(s.Facts))
				for name, value := range s.Facts {
					facts = append(facts, map[string]string{"name": name, "value": value})
				}
				sec["facts"] = facts
			}
			sections = append(sections, sec)
		}
		card["sections"] = sections
	}
	if len(c.Actions) > 0 {
		actions := make([]map[string]any, 0, len(c.Actions))
		for _, a := range c.Actions {
			actions = append(actions, map[string]any{
				"@type":   "OpenUri",
				"name":    a.Name,
				"targets": []map[string]string{{"os": "default", "uri": a.URL}},
			})
		}
		card["potentialAction"] = actions
	}
	return card
}

// AdaptiveCard returns the modern Adaptive Card payload.
func (c *TeamsCard) AdaptiveCard() map[string]any {
	version := c.Version
	if version == "" {
		version = "1.4"
	}
	body := make([]map[string]any, 0, len(c.BodyObjects)+2)
	if c.Title != "" {
		body = append(body, map[string]any{
			"type":   "TextBlock",
			"size":   "Medium",
			"weight": "Bolder",
			"text":   c.Title,
		})
	}
	if c.Text != "" {
		body = append(body, map[string]any{
			"type": "TextBlock",
			"text": c.Text,
			"wrap": true,
		})
	}
	body = append(body, c.BodyObjects...)
	card := map[string]any{
		"type":    "AdaptiveCard",
		"$schema": "http://adaptivecards.io/schemas/adaptive-card.json",
		"version": version,
		"body":    body,
	}
	if len(c.Actions) > 0 {
		actions := make([]map[string]any, 0, len(c.Actions))
		for _, a := range c.Actions {
			actions = append(actions, map[string]any{
				"type":  "Action.OpenUrl",
				"title": a.Title,
				"url":   a.URL,
			})
		}
		card["actions"] = actions
	}
	return card
}
