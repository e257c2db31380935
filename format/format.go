// Package format assembles presentation payloads for the gateway. The
// reconciliation engine treats this as an adjacent collaborator: it decides
// whether a message exists, format decides what it says.
package format

import (
	"fmt"
	"time"

	"github.com/nexusus/envy/gateway"
	"github.com/nexusus/envy/reconcile"
)

// Button custom-id prefixes, parsed back by the interaction front end
const (
	ApproveCustomIDPrefix   = "approve_game"
	PrivatizeCustomIDPrefix = "privatize_game"
)

const embedColor = 0x8200c8

// Formatter builds the live-status message payloads
type Formatter struct {
	footer string
}

// New creates a Formatter; footer brands every embed
func New(footer string) *Formatter {
	if footer == "" {
		footer = "Envy Serverside"
	}
	return &Formatter{footer: footer}
}

// Public builds the public live-status payload
func (f *Formatter) Public(s reconcile.Snapshot) gateway.Payload {
	return gateway.Payload{
		Embeds: []gateway.Embed{f.embed(s)},
	}
}

// Moderation builds the moderation payload with the approval toggle button.
// An approved entity shows Privatize, an unapproved one shows Approve.
func (f *Formatter) Moderation(s reconcile.Snapshot, approved bool) gateway.Payload {
	button := gateway.Button{
		Type:     2,
		Style:    3, // success
		Label:    "Approve",
		CustomID: fmt.Sprintf("%s_%s", ApproveCustomIDPrefix, s.EntityID),
	}
	if approved {
		button = gateway.Button{
			Type:     2,
			Style:    1, // primary
			Label:    "Privatize",
			CustomID: fmt.Sprintf("%s_%s", PrivatizeCustomIDPrefix, s.EntityID),
		}
	}

	return gateway.Payload{
		Embeds: []gateway.Embed{f.embed(s)},
		Components: []gateway.ActionRow{
			{Type: 1, Components: []gateway.Button{button}},
		},
	}
}

func (f *Formatter) embed(s reconcile.Snapshot) gateway.Embed {
	fields := []gateway.EmbedField{
		{
			Name:   "Players",
			Value:  fmt.Sprintf("`%d`", s.PlayerCount),
			Inline: true,
		},
	}
	if s.JobID != "" {
		fields = append(fields, gateway.EmbedField{
			Name:   "Join Code",
			Value:  fmt.Sprintf("```js\nRoblox.GameLauncher.joinGameInstance(%s, %q)```", s.SourceRef, s.JobID),
			Inline: false,
		})
	}

	e := gateway.Embed{
		Title:     s.Name,
		Color:     embedColor,
		Fields:    fields,
		Footer:    &gateway.EmbedFooter{Text: f.footer},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if s.SourceRef != "" {
		e.URL = fmt.Sprintf("https://www.roblox.com/games/%s", s.SourceRef)
	}
	return e
}
