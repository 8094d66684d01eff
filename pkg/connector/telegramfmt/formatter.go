// Copyright 2024-2026 Aiku AI

// Package telegramfmt converts Telegram message context (forwards, replies)
// to Matrix message content.
package telegramfmt

import (
	"fmt"
	"html"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// ParsedMessage holds the result of converting a Telegram message to Matrix format.
type ParsedMessage struct {
	Body          string
	Format        event.Format
	FormattedBody string
	RelatesTo     *event.RelatesTo
}

// Content returns the m.text event content for the message.
func (p *ParsedMessage) Content() *event.MessageEventContent {
	return &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          p.Body,
		Format:        p.Format,
		FormattedBody: p.FormattedBody,
		RelatesTo:     p.RelatesTo,
	}
}

// ReplyTarget describes the Telegram message being replied to. RoomID and
// EventID are set when the target was bridged and its Matrix event is known.
type ReplyTarget struct {
	Name    string
	Text    string
	RoomID  id.RoomID
	EventID id.EventID
}

// Linked reports whether the target resolves to a Matrix event.
func (t ReplyTarget) Linked() bool {
	return t.RoomID != "" && t.EventID != ""
}

// Plain returns an unformatted text message.
func Plain(text string) *ParsedMessage {
	return &ParsedMessage{Body: text}
}

// Forward renders a forwarded message as a blockquote attributed to from.
func Forward(from, text string) *ParsedMessage {
	return &ParsedMessage{
		Body:   fmt.Sprintf("Forwarded from %s:\n%s", from, quotePlain(text)),
		Format: event.FormatHTML,
		FormattedBody: fmt.Sprintf("<i>Forwarded from %s:</i>\n%s",
			html.EscapeString(from), quoteHTML(text)),
	}
}

// Reply renders text as a reply to target. When the target is linked, the
// HTML body links to the original Matrix event and the content carries a
// reply relation.
func Reply(target ReplyTarget, text string) *ParsedMessage {
	var quoted, quotedHTML string
	if target.Text != "" {
		quoted = quotePlain(target.Text)
		quotedHTML = quoteHTML(target.Text)
	}
	msg := &ParsedMessage{
		Body:   fmt.Sprintf("Reply to %s:\n%s\n\n%s", target.Name, quoted, text),
		Format: event.FormatHTML,
	}
	if target.Linked() {
		msg.FormattedBody = fmt.Sprintf(`<i><a href="%s">Reply to %s</a>:</i><br />%s<p>%s</p>`,
			html.EscapeString(EventLink(target.RoomID, target.EventID)),
			html.EscapeString(target.Name), quotedHTML, escapeLines(text))
		msg.RelatesTo = (&event.RelatesTo{}).SetReplyTo(target.EventID)
	} else {
		msg.FormattedBody = fmt.Sprintf("<i>Reply to %s:</i><br />%s<p>%s</p>",
			html.EscapeString(target.Name), quotedHTML, escapeLines(text))
	}
	return msg
}

// EventLink returns the matrix.to permalink of an event.
func EventLink(roomID id.RoomID, eventID id.EventID) string {
	return fmt.Sprintf("https://matrix.to/#/%s/%s", roomID, eventID)
}

func quotePlain(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = ">" + line
	}
	return strings.Join(lines, "\n")
}

func quoteHTML(text string) string {
	return "<blockquote>" + escapeLines(text) + "</blockquote>"
}

func escapeLines(text string) string {
	return strings.ReplaceAll(html.EscapeString(text), "\n", "<br />")
}
