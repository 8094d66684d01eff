// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"strings"

	"github.com/mymmrac/telego"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/telematrix/pkg/connector/database"
	"github.com/aiku/telematrix/pkg/connector/telegramfmt"
)

// messageKind is the closed set of Telegram message kinds the bridge handles.
type messageKind int

const (
	kindUnsupported messageKind = iota
	kindAliasCommand
	kindSticker
	kindPhoto
	kindText
)

func (k messageKind) String() string {
	switch k {
	case kindAliasCommand:
		return "alias_command"
	case kindSticker:
		return "sticker"
	case kindPhoto:
		return "photo"
	case kindText:
		return "text"
	default:
		return "unsupported"
	}
}

type telegramHandler func(ctx context.Context, msg *telego.Message, link *database.ChatLink) error

const aliasCommand = "/alias"

// classifyMessage determines how a Telegram message is bridged.
// botUsername is used to accept "/alias@botname".
func classifyMessage(msg *telego.Message, botUsername string) messageKind {
	switch {
	case isCommand(msg.Text, aliasCommand, botUsername):
		return kindAliasCommand
	case msg.Sticker != nil:
		return kindSticker
	case len(msg.Photo) > 0:
		return kindPhoto
	case msg.Text != "":
		return kindText
	default:
		return kindUnsupported
	}
}

func isCommand(text, command, botUsername string) bool {
	first, _, _ := strings.Cut(text, " ")
	first, _, _ = strings.Cut(first, "\n")
	name, target, addressed := strings.Cut(first, "@")
	if name != command {
		return false
	}
	return !addressed || botUsername == "" || strings.EqualFold(target, botUsername)
}

// HandleTelegramUpdate bridges one update received from Telegram. Updates
// that are intentionally skipped return an error wrapping errDropped.
func (br *Bridge) HandleTelegramUpdate(ctx context.Context, update telego.Update) error {
	msg := update.Message
	if msg == nil {
		return dropped("update has no message")
	}
	if msg.From == nil {
		return dropped("message has no sender")
	}
	var botUsername string
	if br.botUser != nil {
		if msg.From.ID == br.botUser.ID {
			return dropped("message from the bridge bot")
		}
		botUsername = br.botUser.Username
	}

	kind := classifyMessage(msg, botUsername)
	if kind == kindAliasCommand {
		return br.handleTelegramAliasCommand(ctx, msg)
	}
	handler, ok := br.telegramHandlers[kind]
	if !ok {
		return dropped(fmt.Sprintf("unsupported message kind %s", kind))
	}
	link, err := br.Store.GetLinkByGroup(ctx, msg.Chat.ID)
	if err != nil {
		return fmt.Errorf("failed to get link: %w", err)
	} else if link == nil {
		return dropped("unknown telegram chat")
	}
	return handler(ctx, msg, link)
}

func (br *Bridge) handleTelegramAliasCommand(ctx context.Context, msg *telego.Message) error {
	text := fmt.Sprintf("The Matrix alias for this chat is %s", br.ns.Alias(msg.Chat.ID))
	_, err := br.Telegram.SendText(ctx, msg.Chat.ID, text, false, msg.MessageID)
	return err
}

// syncProfile runs profile sync for the sender of msg. Failures don't stop
// the message from being bridged.
func (br *Bridge) syncProfile(ctx context.Context, user *telego.User) {
	if err := br.EnsureProfileSynced(ctx, user); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Int64("user_id", user.ID).Msg("Failed to sync ghost profile")
	}
}

func (br *Bridge) handleTelegramText(ctx context.Context, msg *telego.Message, link *database.ChatLink) error {
	br.syncProfile(ctx, msg.From)

	var parsed *telegramfmt.ParsedMessage
	switch {
	case msg.ForwardOrigin != nil:
		parsed = telegramfmt.Forward(br.forwardOriginName(msg.ForwardOrigin), msg.Text)
	case msg.ReplyToMessage != nil:
		target, err := br.replyTarget(ctx, msg)
		if err != nil {
			return err
		}
		parsed = telegramfmt.Reply(*target, msg.Text)
	default:
		parsed = telegramfmt.Plain(msg.Text)
	}
	_, err := br.relayToMatrix(ctx, msg, link, parsed.Content())
	return err
}

// replyTarget resolves the message msg replies to.
func (br *Bridge) replyTarget(ctx context.Context, msg *telego.Message) (*telegramfmt.ReplyTarget, error) {
	re := msg.ReplyToMessage
	if re.Text == "" && len(re.Photo) == 0 && re.Sticker == nil {
		return nil, dropped("reply to a message without text or media")
	}
	target := &telegramfmt.ReplyTarget{Text: re.Text}
	linked, err := br.Store.GetMessageByTelegram(ctx, msg.Chat.ID, re.MessageID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up reply target: %w", err)
	}
	if linked != nil {
		target.Name = linked.OriginDisplayName
		target.RoomID = linked.RoomID
		target.EventID = linked.EventID
	} else {
		target.Name = br.ghostDisplayname(re.From)
	}
	return target, nil
}

// forwardOriginName renders the original author of a forwarded message.
func (br *Bridge) forwardOriginName(origin telego.MessageOrigin) string {
	var params DisplaynameParams
	switch o := origin.(type) {
	case *telego.MessageOriginUser:
		return br.ghostDisplayname(&o.SenderUser)
	case *telego.MessageOriginHiddenUser:
		params.FullName = o.SenderUserName
	case *telego.MessageOriginChat:
		params.FullName = o.SenderChat.Title
	case *telego.MessageOriginChannel:
		params.FullName = o.Chat.Title
	}
	if params.FullName == "" {
		params.FullName = "Unknown"
	}
	return br.Config.Bridge.FormatDisplayname(params)
}

func (br *Bridge) handleTelegramPhoto(ctx context.Context, msg *telego.Message, link *database.ChatLink) error {
	br.syncProfile(ctx, msg.From)
	largest := msg.Photo[len(msg.Photo)-1]
	return br.relayTelegramMedia(ctx, msg, link, telegramMedia{
		fileID:   largest.FileID,
		fileName: fmt.Sprintf("Image_%d.jpg", br.now().UnixMilli()),
		mimeType: "image/jpeg",
		width:    largest.Width,
		height:   largest.Height,
	})
}

func (br *Bridge) handleTelegramSticker(ctx context.Context, msg *telego.Message, link *database.ChatLink) error {
	br.syncProfile(ctx, msg.From)
	sticker := msg.Sticker
	media := telegramMedia{
		fileID:   sticker.FileID,
		fileName: fmt.Sprintf("Sticker_%d.png", br.now().UnixMilli()),
		mimeType: "image/png",
		width:    sticker.Width,
		height:   sticker.Height,
		format:   formatPNG,
	}
	// Animated and video stickers can't be decoded, send their still preview.
	if (sticker.IsAnimated || sticker.IsVideo) && sticker.Thumbnail != nil {
		media.fileID = sticker.Thumbnail.FileID
		media.width = sticker.Thumbnail.Width
		media.height = sticker.Thumbnail.Height
	}
	return br.relayTelegramMedia(ctx, msg, link, media)
}

type telegramMedia struct {
	fileID   string
	fileName string
	mimeType string
	width    int
	height   int
	format   imageFormat
}

func (br *Bridge) relayTelegramMedia(ctx context.Context, msg *telego.Message, link *database.ChatLink, media telegramMedia) error {
	ghost := br.ns.GhostUserID(msg.From.ID)
	uri, size, err := br.media.TelegramToMatrix(ctx, media.fileID, ghost, media.mimeType, media.fileName, media.format)
	if err != nil {
		return fmt.Errorf("failed to bridge media: %w", err)
	}
	content := &event.MessageEventContent{
		MsgType: event.MsgImage,
		Body:    media.fileName,
		URL:     uri.CUString(),
		Info: &event.FileInfo{
			MimeType: media.mimeType,
			Size:     size,
			Width:    media.width,
			Height:   media.height,
		},
	}
	if _, err = br.relayToMatrix(ctx, msg, link, content); err != nil {
		return err
	}
	if msg.Caption != "" {
		txnID := makeTxnID(msg.MessageID, msg.Chat.ID, "caption")
		if _, err = br.sendAsGhost(ctx, msg.From, link.RoomID, telegramfmt.Plain(msg.Caption).Content(), txnID); err != nil {
			return fmt.Errorf("failed to send caption: %w", err)
		}
	}
	return nil
}

// relayToMatrix sends content as the ghost of the message sender and records
// the message linkage.
func (br *Bridge) relayToMatrix(ctx context.Context, msg *telego.Message, link *database.ChatLink, content *event.MessageEventContent) (id.EventID, error) {
	txnID := makeTxnID(msg.MessageID, msg.Chat.ID, "")
	eventID, err := br.sendAsGhost(ctx, msg.From, link.RoomID, content, txnID)
	if err != nil {
		return "", err
	}
	br.Metrics.RecordRelay(sourceTelegram)
	br.recordMessage(ctx, &database.Message{
		TelegramGroupID:   msg.Chat.ID,
		TelegramMessageID: msg.MessageID,
		RoomID:            link.RoomID,
		EventID:           eventID,
		OriginDisplayName: br.ghostDisplayname(msg.From),
	})
	return eventID, nil
}
