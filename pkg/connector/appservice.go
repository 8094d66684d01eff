// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exhttp"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/telematrix/pkg/connector/database"
)

// Bridge-specific error codes of the appservice API.
const (
	errCodeUnauthorized = "NL.SIJMENSCHOON.TELEMATRIX_UNAUTHORIZED"
	errCodeNotFound     = "NL.SIJMENSCHOON.TELEMATRIX_NOT_FOUND"
)

// Router returns the HTTP handler of the appservice API.
func (br *Bridge) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", br.handleHealth)
	r.Handle("/metrics", br.Metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(br.requireHSToken)
		for _, prefix := range []string{"", "/_matrix/app/v1"} {
			r.Put(prefix+"/transactions/{txnID}", br.handleTransaction)
			r.Get(prefix+"/rooms/{alias}", br.handleRoomQuery)
		}
	})
	return r
}

// requireHSToken checks the homeserver token, passed either as the
// access_token query parameter or as a bearer token.
func (br *Bridge) requireHSToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("access_token")
		if token == "" {
			token, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		switch {
		case token == "":
			writeError(w, http.StatusUnauthorized, errCodeUnauthorized, "Missing access token")
		case subtle.ConstantTimeCompare([]byte(token), []byte(br.Config.AppService.HSToken)) != 1:
			writeError(w, http.StatusForbidden, mautrix.MForbidden.ErrCode, "Invalid access token")
		default:
			next.ServeHTTP(w, r)
		}
	})
}

func writeError(w http.ResponseWriter, status int, errCode, message string) {
	exhttp.WriteJSONResponse(w, status, &mautrix.RespError{ErrCode: errCode, Err: message})
}

type transaction struct {
	Events []json.RawMessage `json:"events"`
}

// handleTransaction processes the events of a transaction in order. Failures
// of individual events are logged and never reported to the homeserver.
func (br *Bridge) handleTransaction(w http.ResponseWriter, r *http.Request) {
	txnID := chi.URLParam(r, "txnID")
	log := br.Log.With().Str("txn_id", txnID).Logger()

	var txn transaction
	if err := json.NewDecoder(r.Body).Decode(&txn); err != nil {
		log.Warn().Err(err).Msg("Failed to parse transaction")
		writeError(w, http.StatusBadRequest, mautrix.MNotJSON.ErrCode, "Failed to parse transaction body")
		return
	}
	log.Debug().Int("event_count", len(txn.Events)).Msg("Received transaction")

	ctx := context.WithoutCancel(r.Context())
	for _, raw := range txn.Events {
		evt, err := parseMatrixEvent(raw)
		if err != nil {
			log.Warn().Err(err).Msg("Dropping malformed event")
			br.Metrics.RecordEvent(sourceMatrix, outcomeDropped)
			continue
		}
		br.safeHandleMatrixEvent(ctx, evt)
	}
	exhttp.WriteEmptyJSONResponse(w, http.StatusOK)
}

// legacyEventFields are top-level fields older homeservers send outside of
// the unsigned object.
type legacyEventFields struct {
	Age         int64           `json:"age"`
	UserID      id.UserID       `json:"user_id"`
	PrevContent json.RawMessage `json:"prev_content"`
}

// parseMatrixEvent decodes one transaction event, folding legacy top-level
// fields into their current locations.
func parseMatrixEvent(raw json.RawMessage) (*event.Event, error) {
	var evt event.Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, fmt.Errorf("failed to parse event: %w", err)
	}
	var legacy legacyEventFields
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return nil, fmt.Errorf("failed to parse event: %w", err)
	}
	if evt.Unsigned.Age == 0 {
		evt.Unsigned.Age = legacy.Age
	}
	if evt.Sender == "" {
		evt.Sender = legacy.UserID
	}
	if evt.Unsigned.PrevContent == nil && len(legacy.PrevContent) > 0 && string(legacy.PrevContent) != "null" {
		evt.Unsigned.PrevContent = &event.Content{VeryRaw: legacy.PrevContent}
	}
	if evt.Type.Type == "" || evt.RoomID == "" {
		return nil, errors.New("event is missing type or room ID")
	}
	return &evt, nil
}

// handleRoomQuery answers the homeserver's room alias queries. If the alias
// belongs to a linked Telegram group, a room is created for it and the link
// is moved to the new room.
func (br *Bridge) handleRoomQuery(w http.ResponseWriter, r *http.Request) {
	rawAlias, err := url.PathUnescape(chi.URLParam(r, "alias"))
	if err != nil {
		writeError(w, http.StatusNotFound, errCodeNotFound, "Invalid room alias")
		return
	}
	alias := id.RoomAlias(rawAlias)
	log := br.Log.With().Stringer("alias", alias).Logger()
	ctx := log.WithContext(r.Context())

	groupID, ok := br.ns.ParseAlias(alias)
	if !ok {
		writeError(w, http.StatusNotFound, errCodeNotFound, "Not a bridge alias")
		return
	}
	link, err := br.Store.GetLinkByGroup(ctx, groupID)
	if err != nil {
		log.Err(err).Msg("Failed to get link")
		writeError(w, http.StatusInternalServerError, mautrix.MUnknown.ErrCode, "Failed to look up link")
		return
	} else if link == nil {
		writeError(w, http.StatusNotFound, errCodeNotFound, "Telegram group is not linked")
		return
	}

	roomID, err := br.Matrix.CreateRoom(ctx, br.ns.AliasLocalpart(groupID))
	if err != nil {
		log.Err(err).Msg("Failed to create room for alias")
		writeError(w, http.StatusInternalServerError, mautrix.MUnknown.ErrCode, "Failed to create room")
		return
	}
	err = br.Store.PutLink(ctx, &database.ChatLink{RoomID: roomID, TelegramGroupID: groupID})
	if err != nil {
		log.Err(err).Stringer("room_id", roomID).Msg("Failed to save link for created room")
		writeError(w, http.StatusInternalServerError, mautrix.MUnknown.ErrCode, "Failed to save link")
		return
	}
	zerolog.Ctx(ctx).Info().Stringer("room_id", roomID).Int64("group_id", groupID).Msg("Created room for alias")
	exhttp.WriteEmptyJSONResponse(w, http.StatusOK)
}

func (br *Bridge) handleHealth(w http.ResponseWriter, _ *http.Request) {
	exhttp.WriteJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}
