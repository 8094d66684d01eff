// Copyright 2024-2026 Aiku AI

package database

import (
	"context"
	"database/sql"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

// MatrixUser caches the display name of a real Matrix user.
type MatrixUser struct {
	UserID      id.UserID
	DisplayName string
}

const (
	getMatrixUserQuery    = `SELECT matrix_user_id, display_name FROM matrix_user WHERE matrix_user_id=$1`
	upsertMatrixUserQuery = `
		INSERT INTO matrix_user (matrix_user_id, display_name) VALUES ($1, $2)
		ON CONFLICT (matrix_user_id) DO UPDATE SET display_name=excluded.display_name
	`
)

func (mu *MatrixUser) Scan(row dbutil.Scannable) (*MatrixUser, error) {
	var displayName sql.NullString
	err := row.Scan(&mu.UserID, &displayName)
	if err != nil {
		return nil, err
	}
	mu.DisplayName = displayName.String
	return mu, nil
}

// GetMatrixUser returns the cached user, or nil if the user was never seen.
func (db *Database) GetMatrixUser(ctx context.Context, userID id.UserID) (*MatrixUser, error) {
	return db.matrixUsers.QueryOne(ctx, getMatrixUserQuery, userID)
}

// PutMatrixUser inserts or updates a cached Matrix user.
func (db *Database) PutMatrixUser(ctx context.Context, mu *MatrixUser) error {
	return db.matrixUsers.Exec(ctx, upsertMatrixUserQuery, mu.UserID, nullString(mu.DisplayName))
}
