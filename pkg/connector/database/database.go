// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package database implements the link store: the persistent mapping between
// Matrix rooms and Telegram groups, the cached identities on both sides and
// the cross-network message linkage used for reply threading.
package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/aiku/telematrix/pkg/connector/database/upgrades"
)

// Database wraps a dbutil.Database with typed queries for each table.
type Database struct {
	*dbutil.Database

	links       *dbutil.QueryHelper[*ChatLink]
	matrixUsers *dbutil.QueryHelper[*MatrixUser]
	tgUsers     *dbutil.QueryHelper[*TgUser]
	messages    *dbutil.QueryHelper[*Message]
}

// New wraps an opened dbutil database. Call Upgrade before first use.
func New(db *dbutil.Database, log zerolog.Logger) *Database {
	db.UpgradeTable = upgrades.Table
	db.VersionTable = "telematrix_version"
	db.Log = dbutil.ZeroLogger(log.With().Str("db_section", "main").Logger())
	return &Database{
		Database: db,
		links: dbutil.MakeQueryHelper(db, func(_ *dbutil.QueryHelper[*ChatLink]) *ChatLink {
			return &ChatLink{}
		}),
		matrixUsers: dbutil.MakeQueryHelper(db, func(_ *dbutil.QueryHelper[*MatrixUser]) *MatrixUser {
			return &MatrixUser{}
		}),
		tgUsers: dbutil.MakeQueryHelper(db, func(_ *dbutil.QueryHelper[*TgUser]) *TgUser {
			return &TgUser{}
		}),
		messages: dbutil.MakeQueryHelper(db, func(_ *dbutil.QueryHelper[*Message]) *Message {
			return &Message{}
		}),
	}
}

// Open opens the database at uri with the given dialect ("sqlite3" or
// "postgres") and runs pending schema upgrades.
func Open(ctx context.Context, dialect, uri string, log zerolog.Logger) (*Database, error) {
	raw, err := dbutil.NewWithDialect(uri, dialect)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
	}
	db := New(raw, log)
	if err = db.Upgrade(ctx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("failed to upgrade database: %w", err)
	}
	return db, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
