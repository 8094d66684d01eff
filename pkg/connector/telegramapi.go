// Copyright 2024-2026 Aiku AI

package connector

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/rs/zerolog"
)

// TelegramAPI is the subset of the Telegram Bot API used by the bridge.
type TelegramAPI interface {
	GetMe(ctx context.Context) (*telego.User, error)
	// SendText sends a text message. When replyTo is non-zero the message is
	// sent as a reply to that message.
	SendText(ctx context.Context, chatID int64, text string, isHTML bool, replyTo int) (*telego.Message, error)
	SendPhoto(ctx context.Context, chatID int64, data []byte, fileName, caption string) (*telego.Message, error)
	DownloadFile(ctx context.Context, fileID string) ([]byte, error)
	// ProfilePhotoFileID returns the file ID of the largest size of the
	// user's current profile photo, or an empty string if there is none.
	ProfilePhotoFileID(ctx context.Context, userID int64) (string, error)
	// Updates starts long polling. The channel is closed when ctx is done.
	Updates(ctx context.Context) (<-chan telego.Update, error)
}

type telegoAPI struct {
	bot          *telego.Bot
	httpClient   *http.Client
	pollTimeout  int
	maxMediaSize int64
}

var _ TelegramAPI = (*telegoAPI)(nil)

// NewTelegramAPI creates a TelegramAPI backed by a telego bot.
func NewTelegramAPI(cfg TelegramConfig, maxMediaSize int64, log zerolog.Logger, opts ...telego.BotOption) (TelegramAPI, error) {
	httpClient := &http.Client{Timeout: time.Duration(cfg.PollTimeout)*time.Second + time.Minute}
	opts = append([]telego.BotOption{
		telego.WithHTTPClient(httpClient),
		telego.WithLogger(telegoLogger{log: log.With().Str("component", "telego").Logger()}),
	}, opts...)
	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &telegoAPI{
		bot:          bot,
		httpClient:   httpClient,
		pollTimeout:  cfg.PollTimeout,
		maxMediaSize: maxMediaSize,
	}, nil
}

func (t *telegoAPI) GetMe(ctx context.Context) (*telego.User, error) {
	me, err := t.bot.GetMe(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get bot info: %w", err)
	}
	return me, nil
}

func (t *telegoAPI) SendText(ctx context.Context, chatID int64, text string, isHTML bool, replyTo int) (*telego.Message, error) {
	params := tu.Message(tu.ID(chatID), text)
	if isHTML {
		params = params.WithParseMode(telego.ModeHTML)
	}
	if replyTo != 0 {
		params = params.WithReplyParameters(&telego.ReplyParameters{MessageID: replyTo})
	}
	msg, err := t.bot.SendMessage(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to send message to %d: %w", chatID, err)
	}
	return msg, nil
}

func (t *telegoAPI) SendPhoto(ctx context.Context, chatID int64, data []byte, fileName, caption string) (*telego.Message, error) {
	params := tu.Photo(tu.ID(chatID), tu.File(tu.NameReader(bytes.NewReader(data), fileName)))
	if caption != "" {
		params = params.WithCaption(caption)
	}
	msg, err := t.bot.SendPhoto(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to send photo to %d: %w", chatID, err)
	}
	return msg, nil
}

func (t *telegoAPI) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	file, err := t.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("failed to get file %s: %w", fileID, err)
	}
	if t.maxMediaSize > 0 && int64(file.FileSize) > t.maxMediaSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMediaTooLarge, file.FileSize)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.bot.FileDownloadURL(file.FilePath), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare file download: %w", err)
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download file %s: %w", fileID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download file %s: unexpected status %d", fileID, resp.StatusCode)
	}
	return readLimited(resp.Body, t.maxMediaSize)
}

func (t *telegoAPI) ProfilePhotoFileID(ctx context.Context, userID int64) (string, error) {
	photos, err := t.bot.GetUserProfilePhotos(ctx, &telego.GetUserProfilePhotosParams{UserID: userID, Limit: 1})
	if err != nil {
		return "", fmt.Errorf("failed to get profile photos of %d: %w", userID, err)
	}
	if len(photos.Photos) == 0 || len(photos.Photos[0]) == 0 {
		return "", nil
	}
	sizes := photos.Photos[0]
	return sizes[len(sizes)-1].FileID, nil
}

func (t *telegoAPI) Updates(ctx context.Context) (<-chan telego.Update, error) {
	updates, err := t.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout:        t.pollTimeout,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start long polling: %w", err)
	}
	return updates, nil
}

// readLimited reads r fully, failing with ErrMediaTooLarge past max bytes.
func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read media: %w", err)
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrMediaTooLarge, max)
	}
	return data, nil
}

// telegoLogger routes telego's internal logging to zerolog.
type telegoLogger struct {
	log zerolog.Logger
}

func (l telegoLogger) Debugf(format string, args ...any) {
	l.log.Debug().Msgf(format, args...)
}

func (l telegoLogger) Errorf(format string, args ...any) {
	l.log.Error().Msgf(format, args...)
}
