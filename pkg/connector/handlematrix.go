// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"html"

	"github.com/mymmrac/telego"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/telematrix/pkg/connector/database"
	"github.com/aiku/telematrix/pkg/connector/matrixfmt"
)

// eventTypeAliases is the legacy m.room.aliases state event, which is the
// only way a room announces its bridge aliases.
const eventTypeAliases = "m.room.aliases"

type matrixHandler func(ctx context.Context, evt *event.Event, link *database.ChatLink) error

// aliasesEventContent is the content of an m.room.aliases event.
type aliasesEventContent struct {
	Aliases []id.RoomAlias `json:"aliases"`
}

// HandleMatrixEvent bridges one event received from the homeserver. Events
// that are intentionally skipped return an error wrapping errDropped.
func (br *Bridge) HandleMatrixEvent(ctx context.Context, evt *event.Event) error {
	if evt.Unsigned.Age > br.Config.Bridge.StalenessThreshold.Milliseconds() {
		return dropped(fmt.Sprintf("event is %d ms old", evt.Unsigned.Age))
	}
	subject := evt.Sender
	if evt.Type.Type == event.StateMember.Type && evt.StateKey != nil {
		subject = id.UserID(*evt.StateKey)
	}
	if br.ns.IsGhost(subject) {
		return dropped("event concerns a ghost user")
	}

	handler, ok := br.matrixHandlers[evt.Type.Type]
	if !ok {
		return dropped("unsupported event type")
	}
	link, err := br.Store.GetLinkByRoom(ctx, evt.RoomID)
	if err != nil {
		return fmt.Errorf("failed to get link: %w", err)
	}
	if link == nil && evt.Type.Type != eventTypeAliases {
		return dropped("room is not linked")
	}
	return handler(ctx, evt, link)
}

func (br *Bridge) handleMatrixAliases(ctx context.Context, evt *event.Event, _ *database.ChatLink) error {
	if evt.StateKey == nil || *evt.StateKey != br.ns.Domain {
		return dropped("aliases event from another server")
	}
	var content aliasesEventContent
	if err := json.Unmarshal(evt.Content.VeryRaw, &content); err != nil {
		return dropped(fmt.Sprintf("malformed aliases content: %v", err))
	}
	var link *database.ChatLink
	for _, alias := range content.Aliases {
		groupID, ok := br.ns.ParseAlias(alias)
		if !ok {
			continue
		}
		if link != nil {
			zerolog.Ctx(ctx).Warn().
				Stringer("alias", alias).
				Int64("linked_group_id", link.TelegramGroupID).
				Msg("Room already has a bridge alias, ignoring extra alias")
			continue
		}
		link = &database.ChatLink{RoomID: evt.RoomID, TelegramGroupID: groupID, CreatedFromAlias: true}
	}
	if err := br.Store.ReplaceRoomLinks(ctx, evt.RoomID, link); err != nil {
		return fmt.Errorf("failed to update room links: %w", err)
	}
	if link != nil {
		zerolog.Ctx(ctx).Info().Int64("group_id", link.TelegramGroupID).Msg("Linked room to Telegram group")
	} else {
		zerolog.Ctx(ctx).Info().Msg("Room has no bridge alias, removed links")
	}
	return nil
}

func (br *Bridge) handleMatrixMessage(ctx context.Context, evt *event.Event, link *database.ChatLink) error {
	if br.ns.IsGhost(evt.Sender) {
		return dropped("message from ghost user")
	}
	var content event.MessageEventContent
	if err := json.Unmarshal(evt.Content.VeryRaw, &content); err != nil {
		return dropped(fmt.Sprintf("malformed message content: %v", err))
	}
	switch content.MsgType {
	case "":
		return dropped("message has no msgtype")
	case event.MsgText, event.MsgNotice, event.MsgEmote, event.MsgImage:
	default:
		return dropped(fmt.Sprintf("unsupported msgtype %s", content.MsgType))
	}
	existing, err := br.Store.GetMessageByMatrix(ctx, evt.RoomID, evt.ID)
	if err != nil {
		return fmt.Errorf("failed to check message linkage: %w", err)
	} else if existing != nil {
		return dropped("message was already bridged")
	}

	name := br.matrixDisplayName(ctx, evt.Sender)
	var sent *telego.Message
	switch content.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
		text, isHTML := formatMatrixText(name, &content)
		sent, err = br.Telegram.SendText(ctx, link.TelegramGroupID, text, isHTML, br.telegramReplyTarget(ctx, evt.RoomID, &content))
	case event.MsgImage:
		sent, err = br.relayMatrixImage(ctx, name, &content, link)
		if err != nil {
			err = fmt.Errorf("failed to bridge image: %w", err)
		}
	}
	if err != nil {
		return err
	}
	br.Metrics.RecordRelay(sourceMatrix)
	br.recordMessage(ctx, &database.Message{
		TelegramGroupID:   sent.Chat.ID,
		TelegramMessageID: sent.MessageID,
		RoomID:            evt.RoomID,
		EventID:           evt.ID,
		OriginDisplayName: name,
	})
	return nil
}

// formatMatrixText prefixes the message with the sender name the way IRC
// style clients do. The second return value reports HTML parse mode.
func formatMatrixText(name string, content *event.MessageEventContent) (string, bool) {
	text, isHTML := matrixfmt.Parse(content)
	if isHTML {
		name = html.EscapeString(name)
	}
	var prefix string
	switch content.MsgType {
	case event.MsgNotice:
		prefix = "[" + name + "] "
	case event.MsgEmote:
		prefix = "* " + name + " "
	default:
		if isHTML {
			prefix = "&lt;" + name + "&gt; "
		} else {
			prefix = "<" + name + "> "
		}
	}
	return prefix + text, isHTML
}

// telegramReplyTarget returns the Telegram message ID a Matrix reply points
// to, or zero if the message is not a reply to a bridged message.
func (br *Bridge) telegramReplyTarget(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) int {
	if content.RelatesTo == nil {
		return 0
	}
	replyTo := content.RelatesTo.GetReplyTo()
	if replyTo == "" {
		return 0
	}
	msg, err := br.Store.GetMessageByMatrix(ctx, roomID, replyTo)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to look up reply target")
		return 0
	} else if msg == nil {
		return 0
	}
	return msg.TelegramMessageID
}

func (br *Bridge) relayMatrixImage(ctx context.Context, name string, content *event.MessageEventContent, link *database.ChatLink) (*telego.Message, error) {
	uri, err := content.URL.Parse()
	if err != nil {
		return nil, fmt.Errorf("invalid media URL %q: %w", content.URL, err)
	}
	fileName := content.Body
	var declaredSize int
	if content.Info != nil {
		fileName = fixExtension(fileName, content.Info.MimeType)
		declaredSize = content.Info.Size
	}
	longURL := br.Matrix.PublicDownloadURL(uri)
	shortURL, err := br.Shortener.Shorten(ctx, longURL)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to shorten media URL")
		shortURL = longURL
	}
	caption := fmt.Sprintf("<%s> %s (%s)", name, fileName, shortURL)
	return br.media.MatrixToTelegram(ctx, uri, declaredSize, link.TelegramGroupID, fileName, caption)
}

func (br *Bridge) handleMatrixMember(ctx context.Context, evt *event.Event, link *database.ChatLink) error {
	if evt.StateKey == nil {
		return dropped("member event without state key")
	}
	userID := id.UserID(*evt.StateKey)
	if br.ns.IsGhost(userID) {
		return dropped("member event of ghost user")
	}
	var content event.MemberEventContent
	if err := json.Unmarshal(evt.Content.VeryRaw, &content); err != nil {
		return dropped(fmt.Sprintf("malformed member content: %v", err))
	}

	cached, err := br.Store.GetMatrixUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get matrix user: %w", err)
	}
	name := Localpart(userID)
	if cached != nil && cached.DisplayName != "" {
		name = cached.DisplayName
	}

	var notice string
	switch content.Membership {
	case event.MembershipJoin:
		newName := content.Displayname
		if newName == "" {
			newName = Localpart(userID)
		}
		if err = br.Store.PutMatrixUser(ctx, &database.MatrixUser{UserID: userID, DisplayName: newName}); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to save matrix user")
		}
		prev := prevMemberContent(evt)
		switch {
		case prev == nil || prev.Membership != event.MembershipJoin:
			notice = fmt.Sprintf("> %s has joined the room", newName)
		default:
			oldName := name
			if prev.Displayname != "" {
				oldName = prev.Displayname
			}
			if oldName == newName {
				return dropped("profile change without new display name")
			}
			notice = fmt.Sprintf("> %s changed their display name to %s", oldName, newName)
		}
	case event.MembershipLeave:
		notice = fmt.Sprintf("< %s has left the room", name)
	case event.MembershipBan:
		notice = fmt.Sprintf("<! %s was banned from the room", name)
	default:
		return dropped(fmt.Sprintf("unsupported membership %s", content.Membership))
	}
	if _, err = br.Telegram.SendText(ctx, link.TelegramGroupID, notice, false, 0); err != nil {
		return err
	}
	br.Metrics.RecordRelay(sourceMatrix)
	return nil
}

func prevMemberContent(evt *event.Event) *event.MemberEventContent {
	if evt.Unsigned.PrevContent == nil || len(evt.Unsigned.PrevContent.VeryRaw) == 0 {
		return nil
	}
	var prev event.MemberEventContent
	if err := json.Unmarshal(evt.Unsigned.PrevContent.VeryRaw, &prev); err != nil {
		return nil
	}
	return &prev
}

// matrixDisplayName returns the cached display name of a Matrix user, looking
// it up and caching it on first sight.
func (br *Bridge) matrixDisplayName(ctx context.Context, userID id.UserID) string {
	log := zerolog.Ctx(ctx)
	cached, err := br.Store.GetMatrixUser(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to get cached matrix user")
	} else if cached != nil {
		if cached.DisplayName != "" {
			return cached.DisplayName
		}
		return Localpart(userID)
	}
	name, err := br.Matrix.GetDisplayName(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to get display name")
	}
	if name == "" {
		name = Localpart(userID)
	}
	if err = br.Store.PutMatrixUser(ctx, &database.MatrixUser{UserID: userID, DisplayName: name}); err != nil {
		log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to save matrix user")
	}
	return name
}

// recordMessage stores the linkage of a bridged message. Failures only lose
// reply threading for that message, so they are logged.
func (br *Bridge) recordMessage(ctx context.Context, msg *database.Message) {
	if err := br.Store.PutMessage(ctx, msg); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).
			Int64("group_id", msg.TelegramGroupID).
			Int("telegram_message_id", msg.TelegramMessageID).
			Stringer("event_id", msg.EventID).
			Msg("Failed to save message linkage")
	}
}
