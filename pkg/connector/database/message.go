// Copyright 2024-2026 Aiku AI

package database

import (
	"context"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

// Message links one bridged chat message across both networks.
type Message struct {
	TelegramGroupID   int64
	TelegramMessageID int
	RoomID            id.RoomID
	EventID           id.EventID
	OriginDisplayName string
}

const (
	getMessageBaseQuery = `
		SELECT telegram_group_id, telegram_message_id, matrix_room_id, matrix_event_id, origin_display_name FROM message
	`
	getMessageByTelegramQuery = getMessageBaseQuery + `WHERE telegram_group_id=$1 AND telegram_message_id=$2`
	getMessageByMatrixQuery   = getMessageBaseQuery + `WHERE matrix_room_id=$1 AND matrix_event_id=$2`
	insertMessageQuery        = `
		INSERT INTO message (telegram_group_id, telegram_message_id, matrix_room_id, matrix_event_id, origin_display_name)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING
	`
)

func (m *Message) Scan(row dbutil.Scannable) (*Message, error) {
	err := row.Scan(&m.TelegramGroupID, &m.TelegramMessageID, &m.RoomID, &m.EventID, &m.OriginDisplayName)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GetMessageByTelegram looks up a linkage record by its Telegram key.
func (db *Database) GetMessageByTelegram(ctx context.Context, groupID int64, messageID int) (*Message, error) {
	return db.messages.QueryOne(ctx, getMessageByTelegramQuery, groupID, messageID)
}

// GetMessageByMatrix looks up a linkage record by its Matrix key.
func (db *Database) GetMessageByMatrix(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*Message, error) {
	return db.messages.QueryOne(ctx, getMessageByMatrixQuery, roomID, eventID)
}

// PutMessage records a linkage. Records are immutable, so an existing row
// with either key is left untouched.
func (db *Database) PutMessage(ctx context.Context, m *Message) error {
	return db.messages.Exec(ctx, insertMessageQuery, m.TelegramGroupID, m.TelegramMessageID, m.RoomID, m.EventID, m.OriginDisplayName)
}
