// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"

	"github.com/mymmrac/telego"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/telematrix/pkg/connector/database"
)

// ghostDisplayname renders the Matrix display name of a Telegram user's ghost.
func (br *Bridge) ghostDisplayname(user *telego.User) string {
	if user == nil {
		return br.Config.Bridge.FormatDisplayname(DisplaynameParams{FullName: "Unknown"})
	}
	return br.Config.Bridge.FormatDisplayname(DisplaynameParams{
		FirstName: user.FirstName,
		LastName:  user.LastName,
		Username:  user.Username,
	})
}

// EnsureProfileSynced brings the ghost's display name and avatar in line with
// the Telegram user's current profile. Profile updates are only issued for
// fields that differ from the cached TgUser, and only fields whose update
// succeeded are saved, so failed updates are retried next time.
func (br *Bridge) EnsureProfileSynced(ctx context.Context, user *telego.User) error {
	ghost := br.ns.GhostUserID(user.ID)
	name := br.ghostDisplayname(user)

	var errs []error
	photoID, err := br.Telegram.ProfilePhotoFileID(ctx, user.ID)
	photoKnown := err == nil
	if err != nil {
		errs = append(errs, err)
	}

	cached, err := br.Store.GetTgUser(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("failed to get telegram user: %w", err)
	}
	next := &database.TgUser{TelegramUserID: user.ID}
	if cached != nil {
		*next = *cached
	}

	changed := cached == nil
	if cached == nil || cached.BridgedDisplayName != name {
		if err = br.Matrix.SetDisplayName(ctx, ghost, name); err != nil {
			errs = append(errs, err)
		} else {
			next.BridgedDisplayName = name
			changed = true
		}
	}
	if photoKnown && (cached == nil || cached.ProfilePhotoFileID != photoID) {
		if err = br.setGhostAvatar(ctx, ghost, photoID); err != nil {
			errs = append(errs, err)
		} else {
			next.ProfilePhotoFileID = photoID
			changed = true
		}
	}
	if changed {
		if err = br.Store.PutTgUser(ctx, next); err != nil {
			errs = append(errs, fmt.Errorf("failed to save telegram user: %w", err))
		}
	}
	return errors.Join(errs...)
}

// RegisterAndJoin creates the ghost of a Telegram user, sets up its profile
// and joins it to roomID. Only registration and join failures are returned.
func (br *Bridge) RegisterAndJoin(ctx context.Context, user *telego.User, roomID id.RoomID) error {
	log := zerolog.Ctx(ctx)
	ghost := br.ns.GhostUserID(user.ID)
	if err := br.Matrix.Register(ctx, br.ns.GhostLocalpart(user.ID)); err != nil {
		return err
	}

	profile := &database.TgUser{TelegramUserID: user.ID}
	photoID, err := br.Telegram.ProfilePhotoFileID(ctx, user.ID)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to get profile photo, skipping ghost avatar")
	} else if photoID != "" {
		if err = br.setGhostAvatar(ctx, ghost, photoID); err != nil {
			log.Debug().Err(err).Msg("Failed to set ghost avatar")
		} else {
			profile.ProfilePhotoFileID = photoID
		}
	}

	name := br.ghostDisplayname(user)
	if err = br.Matrix.SetDisplayName(ctx, ghost, name); err != nil {
		log.Warn().Err(err).Msg("Failed to set ghost display name")
	} else {
		profile.BridgedDisplayName = name
	}

	if err = br.Matrix.JoinRoom(ctx, ghost, roomID); err != nil {
		return err
	}
	if err = br.Store.PutTgUser(ctx, profile); err != nil {
		log.Warn().Err(err).Msg("Failed to save telegram user")
	}
	return nil
}

// setGhostAvatar uploads a Telegram photo as the ghost's avatar. An empty
// photoID clears the avatar.
func (br *Bridge) setGhostAvatar(ctx context.Context, ghost id.UserID, photoID string) error {
	var uri id.ContentURI
	if photoID != "" {
		var err error
		uri, _, err = br.media.TelegramToMatrix(ctx, photoID, ghost, "image/jpeg", "avatar.jpg", formatOriginal)
		if err != nil {
			return fmt.Errorf("failed to upload avatar: %w", err)
		}
	}
	return br.Matrix.SetAvatarURL(ctx, ghost, uri)
}

// sendAsGhost sends content to roomID as the ghost of user. If the
// homeserver rejects the send as forbidden, the ghost is registered and
// joined, and the send is retried once with a distinct transaction ID.
func (br *Bridge) sendAsGhost(ctx context.Context, user *telego.User, roomID id.RoomID, content *event.MessageEventContent, txnID string) (id.EventID, error) {
	ghost := br.ns.GhostUserID(user.ID)
	eventID, err := br.Matrix.SendMessage(ctx, ghost, roomID, content, txnID)
	if !errors.Is(err, ErrForbidden) {
		return eventID, err
	}
	zerolog.Ctx(ctx).Debug().Stringer("ghost", ghost).Msg("Ghost can't send to room, registering and joining")
	br.Metrics.RecordForbiddenRetry()
	if err = br.RegisterAndJoin(ctx, user, roomID); err != nil {
		return "", fmt.Errorf("failed to provision ghost: %w", err)
	}
	if err = br.settle(ctx); err != nil {
		return "", err
	}
	return br.Matrix.SendMessage(ctx, ghost, roomID, content, txnID+"join")
}
