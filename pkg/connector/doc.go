// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector implements a Matrix-Telegram bridge running as a Matrix
// application service.
//
// Each Telegram group is linked to at most one Matrix room. Links are
// created when a room publishes a bridge alias (#<prefix><group id>:<domain>)
// in its m.room.aliases state, or when the homeserver queries such an alias
// and the bridge creates the room. Telegram users appear in Matrix as ghost
// users in the appservice namespace; Matrix users appear in Telegram as a
// name prefix on messages sent by the bridge bot.
//
// # Core Types
//
// [Bridge] owns the dispatch of inbound events. Matrix events arrive through
// the appservice HTTP API served by [Bridge.Router]; Telegram updates arrive
// by long polling in [Bridge.Run]. Both paths go through a containment
// wrapper so that a failing or panicking event never affects the next one.
//
// [MatrixAPI] and [TelegramAPI] are the narrow client interfaces the bridge
// uses. Production implementations are built on mautrix and telego.
//
// [LinkStore] persists chat links, cached user profiles and the message
// linkage used for reply threading. It is implemented by the database
// sub-package.
//
// # Echo Prevention
//
// Matrix events whose sender (or member state key) carries the ghost prefix
// are dropped, as are Telegram messages sent by the bridge bot itself.
//
// # Sub-packages
//
//   - database stores links, users and messages with dbutil.
//   - matrixfmt sanitizes Matrix HTML down to the Telegram HTML subset.
//   - telegramfmt renders Telegram forwards and replies as Matrix content.
package connector
