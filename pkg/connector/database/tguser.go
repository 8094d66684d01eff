// Copyright 2024-2026 Aiku AI

package database

import (
	"context"
	"database/sql"

	"go.mau.fi/util/dbutil"
)

// TgUser caches the ghost state bridged for a Telegram user.
type TgUser struct {
	TelegramUserID     int64
	BridgedDisplayName string
	// ProfilePhotoFileID is empty when the user has no profile photo.
	ProfilePhotoFileID string
}

const (
	getTgUserQuery = `
		SELECT telegram_user_id, bridged_display_name, profile_photo_file_id FROM tg_user WHERE telegram_user_id=$1
	`
	upsertTgUserQuery = `
		INSERT INTO tg_user (telegram_user_id, bridged_display_name, profile_photo_file_id) VALUES ($1, $2, $3)
		ON CONFLICT (telegram_user_id) DO UPDATE
			SET bridged_display_name=excluded.bridged_display_name, profile_photo_file_id=excluded.profile_photo_file_id
	`
)

func (tu *TgUser) Scan(row dbutil.Scannable) (*TgUser, error) {
	var photoID sql.NullString
	err := row.Scan(&tu.TelegramUserID, &tu.BridgedDisplayName, &photoID)
	if err != nil {
		return nil, err
	}
	tu.ProfilePhotoFileID = photoID.String
	return tu, nil
}

// GetTgUser returns the cached Telegram user, or nil if none is stored.
func (db *Database) GetTgUser(ctx context.Context, telegramID int64) (*TgUser, error) {
	return db.tgUsers.QueryOne(ctx, getTgUserQuery, telegramID)
}

// PutTgUser inserts or updates a cached Telegram user.
func (db *Database) PutTgUser(ctx context.Context, tu *TgUser) error {
	return db.tgUsers.Exec(ctx, upsertTgUserQuery, tu.TelegramUserID, tu.BridgedDisplayName, nullString(tu.ProfilePhotoFileID))
}
