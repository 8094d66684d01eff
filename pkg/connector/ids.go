// Copyright 2024-2026 Aiku AI

package connector

import (
	"fmt"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/id"
)

// Namespace derives ghost user IDs and room aliases for the bridge's
// homeserver domain.
type Namespace struct {
	GhostPrefix string
	// AliasPrefix is the localpart prefix of bridge room aliases.
	AliasPrefix string
	Domain      string
}

// GhostUserID returns the Matrix user ID of the ghost for a Telegram user.
func (ns Namespace) GhostUserID(telegramUserID int64) id.UserID {
	return id.NewUserID(ns.GhostLocalpart(telegramUserID), ns.Domain)
}

// GhostLocalpart returns the localpart of the ghost for a Telegram user.
func (ns Namespace) GhostLocalpart(telegramUserID int64) string {
	return ns.GhostPrefix + strconv.FormatInt(telegramUserID, 10)
}

// IsGhost reports whether userID belongs to a bridge-managed ghost. Any
// localpart with the ghost prefix counts, whatever its server.
func (ns Namespace) IsGhost(userID id.UserID) bool {
	return ns.GhostPrefix != "" && strings.HasPrefix(Localpart(userID), ns.GhostPrefix)
}

// AliasLocalpart returns the localpart of the room alias for a Telegram group.
func (ns Namespace) AliasLocalpart(groupID int64) string {
	return ns.AliasPrefix + strconv.FormatInt(groupID, 10)
}

// Alias returns the full room alias for a Telegram group.
func (ns Namespace) Alias(groupID int64) id.RoomAlias {
	return id.NewRoomAlias(ns.AliasLocalpart(groupID), ns.Domain)
}

// ParseAlias extracts the Telegram group ID from a bridge room alias. It
// returns false for aliases on other servers, without the prefix or with a
// non-numeric group.
func (ns Namespace) ParseAlias(alias id.RoomAlias) (int64, bool) {
	raw := strings.TrimPrefix(string(alias), "#")
	if len(raw) == len(alias) {
		return 0, false
	}
	localpart, server, ok := strings.Cut(raw, ":")
	if !ok || server != ns.Domain || !strings.HasPrefix(localpart, ns.AliasPrefix) {
		return 0, false
	}
	groupID, err := strconv.ParseInt(strings.TrimPrefix(localpart, ns.AliasPrefix), 10, 64)
	if err != nil {
		return 0, false
	}
	return groupID, true
}

// Localpart returns the localpart of a user ID, or the whole string if it is
// not a valid user ID.
func Localpart(userID id.UserID) string {
	localpart, _, err := userID.Parse()
	if err != nil {
		return strings.TrimPrefix(string(userID), "@")
	}
	return localpart
}

// makeTxnID builds the Matrix transaction ID for a Telegram message. The
// suffix distinguishes additional sends derived from the same message.
func makeTxnID(messageID int, chatID int64, suffix string) string {
	return fmt.Sprintf("%d:%d%s", messageID, chatID, suffix)
}
