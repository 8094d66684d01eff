// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/mymmrac/telego"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/telematrix/pkg/connector/database"
)

// errDropped marks events that were intentionally not bridged.
var errDropped = errors.New("event dropped")

func dropped(reason string) error {
	return fmt.Errorf("%w: %s", errDropped, reason)
}

// LinkStore is the persistence used by the bridge. It is implemented by
// *database.Database.
type LinkStore interface {
	GetLinkByRoom(ctx context.Context, roomID id.RoomID) (*database.ChatLink, error)
	GetLinkByGroup(ctx context.Context, groupID int64) (*database.ChatLink, error)
	PutLink(ctx context.Context, link *database.ChatLink) error
	ReplaceRoomLinks(ctx context.Context, roomID id.RoomID, link *database.ChatLink) error

	GetMatrixUser(ctx context.Context, userID id.UserID) (*database.MatrixUser, error)
	PutMatrixUser(ctx context.Context, mu *database.MatrixUser) error

	GetTgUser(ctx context.Context, telegramID int64) (*database.TgUser, error)
	PutTgUser(ctx context.Context, tu *database.TgUser) error

	GetMessageByTelegram(ctx context.Context, groupID int64, messageID int) (*database.Message, error)
	GetMessageByMatrix(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*database.Message, error)
	PutMessage(ctx context.Context, m *database.Message) error
}

var _ LinkStore = (*database.Database)(nil)

// Bridge relays events between linked Matrix rooms and Telegram groups.
type Bridge struct {
	Config    *Config
	Store     LinkStore
	Matrix    MatrixAPI
	Telegram  TelegramAPI
	Shortener Shortener
	Metrics   *Metrics
	Log       zerolog.Logger

	ns    Namespace
	media *mediaBridge
	// botUser is the Telegram account of the bridge bot, set by Run.
	botUser *telego.User

	matrixHandlers   map[string]matrixHandler
	telegramHandlers map[messageKind]telegramHandler

	now    func() time.Time
	settle func(ctx context.Context) error
}

// NewBridge wires the bridge to its collaborators. cfg must have been
// post-processed.
func NewBridge(cfg *Config, store LinkStore, matrix MatrixAPI, telegram TelegramAPI, shortener Shortener, metrics *Metrics, log zerolog.Logger) *Bridge {
	if shortener == nil {
		shortener = NoopShortener{}
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	br := &Bridge{
		Config:    cfg,
		Store:     store,
		Matrix:    matrix,
		Telegram:  telegram,
		Shortener: shortener,
		Metrics:   metrics,
		Log:       log,
		ns: Namespace{
			GhostPrefix: cfg.AppService.GhostPrefix,
			AliasPrefix: cfg.AppService.AliasPrefix,
			Domain:      cfg.Homeserver.Domain,
		},
		media: &mediaBridge{
			matrix:   matrix,
			telegram: telegram,
			maxSize:  cfg.Bridge.MaxMediaSize,
		},
		now: time.Now,
	}
	br.settle = func(ctx context.Context) error {
		return sleepContext(ctx, br.Config.Bridge.SettleDelay)
	}
	br.matrixHandlers = map[string]matrixHandler{
		eventTypeAliases:        br.handleMatrixAliases,
		event.EventMessage.Type: br.handleMatrixMessage,
		event.StateMember.Type:  br.handleMatrixMember,
	}
	br.telegramHandlers = map[messageKind]telegramHandler{
		kindText:    br.handleTelegramText,
		kindPhoto:   br.handleTelegramPhoto,
		kindSticker: br.handleTelegramSticker,
	}
	return br
}

// Run serves the appservice API and polls Telegram until ctx is cancelled or
// either side fails.
func (br *Bridge) Run(ctx context.Context) error {
	me, err := br.Telegram.GetMe(ctx)
	if err != nil {
		return err
	}
	br.botUser = me
	br.Log.Info().Int64("bot_id", me.ID).Str("bot_username", me.Username).Msg("Connected to Telegram")

	updates, err := br.Telegram.Updates(ctx)
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(br.Config.AppService.Hostname, strconv.Itoa(int(br.Config.AppService.Port)))
	server := &http.Server{
		Addr:              addr,
		Handler:           br.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		br.Log.Info().Str("addr", addr).Msg("Starting appservice API")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("appservice API failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		br.pollTelegram(ctx, updates)
		return nil
	})
	return g.Wait()
}

func (br *Bridge) pollTelegram(ctx context.Context, updates <-chan telego.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			br.safeHandleTelegramUpdate(ctx, update)
		}
	}
}

// safeHandleMatrixEvent handles one Matrix event, containing any error or
// panic so that the remaining events of the transaction are still processed.
func (br *Bridge) safeHandleMatrixEvent(ctx context.Context, evt *event.Event) {
	log := br.Log.With().
		Str("source", sourceMatrix).
		Stringer("room_id", evt.RoomID).
		Stringer("event_id", evt.ID).
		Str("event_type", evt.Type.Type).
		Logger()
	br.contain(log.WithContext(ctx), sourceMatrix, func(ctx context.Context) error {
		return br.HandleMatrixEvent(ctx, evt)
	})
}

// safeHandleTelegramUpdate is the Telegram counterpart of safeHandleMatrixEvent.
func (br *Bridge) safeHandleTelegramUpdate(ctx context.Context, update telego.Update) {
	logCtx := br.Log.With().Str("source", sourceTelegram).Int("update_id", update.UpdateID)
	if msg := update.Message; msg != nil {
		logCtx = logCtx.Int64("chat_id", msg.Chat.ID).Int("message_id", msg.MessageID)
	}
	log := logCtx.Logger()
	br.contain(log.WithContext(ctx), sourceTelegram, func(ctx context.Context) error {
		return br.HandleTelegramUpdate(ctx, update)
	})
}

func (br *Bridge) contain(ctx context.Context, source string, fn func(ctx context.Context) error) {
	log := zerolog.Ctx(ctx)
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, br.Config.Bridge.EventTimeout)
	defer cancel()
	defer func() {
		br.Metrics.ObserveHandler(source, time.Since(start))
		if r := recover(); r != nil {
			br.Metrics.RecordEvent(source, outcomePanic)
			log.Error().
				Any("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Panic while handling event")
		}
	}()
	err := fn(ctx)
	switch {
	case err == nil:
		br.Metrics.RecordEvent(source, outcomeHandled)
	case errors.Is(err, errDropped):
		br.Metrics.RecordEvent(source, outcomeDropped)
		log.Debug().Err(err).Msg("Dropped event")
	default:
		br.Metrics.RecordEvent(source, outcomeFailed)
		log.Error().Err(err).Msg("Failed to handle event")
	}
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
