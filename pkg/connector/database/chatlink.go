// Copyright 2024-2026 Aiku AI

package database

import (
	"context"
	"fmt"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

// ChatLink binds one Matrix room to one Telegram group.
type ChatLink struct {
	RoomID           id.RoomID
	TelegramGroupID  int64
	CreatedFromAlias bool
}

const (
	getLinkByRoomQuery = `
		SELECT matrix_room_id, telegram_group_id, created_from_alias FROM chat_link WHERE matrix_room_id=$1
	`
	getLinkByGroupQuery = `
		SELECT matrix_room_id, telegram_group_id, created_from_alias FROM chat_link WHERE telegram_group_id=$1
	`
	deleteRoomLinksQuery = `DELETE FROM chat_link WHERE matrix_room_id=$1`
	upsertLinkQuery      = `
		INSERT INTO chat_link (matrix_room_id, telegram_group_id, created_from_alias)
		VALUES ($1, $2, $3)
		ON CONFLICT (telegram_group_id) DO UPDATE
			SET matrix_room_id=excluded.matrix_room_id, created_from_alias=excluded.created_from_alias
	`
)

func (cl *ChatLink) Scan(row dbutil.Scannable) (*ChatLink, error) {
	err := row.Scan(&cl.RoomID, &cl.TelegramGroupID, &cl.CreatedFromAlias)
	if err != nil {
		return nil, err
	}
	return cl, nil
}

func (cl *ChatLink) sqlVariables() []any {
	return []any{cl.RoomID, cl.TelegramGroupID, cl.CreatedFromAlias}
}

// GetLinkByRoom returns the link of a Matrix room, or nil if the room is not linked.
func (db *Database) GetLinkByRoom(ctx context.Context, roomID id.RoomID) (*ChatLink, error) {
	return db.links.QueryOne(ctx, getLinkByRoomQuery, roomID)
}

// GetLinkByGroup returns the link of a Telegram group, or nil if the group is not linked.
func (db *Database) GetLinkByGroup(ctx context.Context, groupID int64) (*ChatLink, error) {
	return db.links.QueryOne(ctx, getLinkByGroupQuery, groupID)
}

// PutLink stores a link. A previous link of the same Telegram group is replaced.
func (db *Database) PutLink(ctx context.Context, link *ChatLink) error {
	return db.links.Exec(ctx, upsertLinkQuery, link.sqlVariables()...)
}

// ReplaceRoomLinks drops every link of roomID and, if link is non-nil, stores
// it in the same transaction.
func (db *Database) ReplaceRoomLinks(ctx context.Context, roomID id.RoomID, link *ChatLink) error {
	return db.DoTxn(ctx, nil, func(ctx context.Context) error {
		if err := db.links.Exec(ctx, deleteRoomLinksQuery, roomID); err != nil {
			return fmt.Errorf("failed to delete old links: %w", err)
		}
		if link == nil {
			return nil
		}
		if err := db.links.Exec(ctx, upsertLinkQuery, link.sqlVariables()...); err != nil {
			return fmt.Errorf("failed to insert link: %w", err)
		}
		return nil
	})
}
