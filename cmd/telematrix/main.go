// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command telematrix is a Matrix application service that relays messages
// between linked Matrix rooms and Telegram groups.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"maunium.net/go/mauflag"

	"github.com/aiku/telematrix/pkg/connector"
	"github.com/aiku/telematrix/pkg/connector/database"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath         = mauflag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
	writeExampleConfig = mauflag.MakeFull("e", "generate-example-config", "Save the example config to the config path and quit.", "false").Bool()
	wantHelp, _        = mauflag.MakeHelpFlag()
)

func main() {
	mauflag.SetHelpTitles(
		"telematrix - A Matrix-Telegram bridge.",
		"telematrix [-he] [-c <path>]",
	)
	if err := mauflag.Parse(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		mauflag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		mauflag.PrintHelp()
		os.Exit(0)
	}

	if *writeExampleConfig {
		if err := writeExample(*configPath); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		_, _ = fmt.Fprintln(os.Stderr, "Wrote example config to", *configPath)
		return
	}

	cfg, err := connector.LoadConfig(*configPath)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		os.Exit(3)
	}
	zerolog.DefaultContextLogger = log
	log.Info().Str("version", Tag).Str("commit", Commit).Str("build_time", BuildTime).Msg("Starting telematrix")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err = run(ctx, cfg, *log); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("Bridge stopped with an error")
	}
	log.Info().Msg("Bridge stopped")
}

func run(ctx context.Context, cfg *connector.Config, log zerolog.Logger) error {
	db, err := database.Open(ctx, cfg.Database.Type, cfg.Database.URI, log.With().Str("component", "database").Logger())
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()
	if cfg.Database.MaxOpenConns > 0 {
		db.RawDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}

	matrix := connector.NewMatrixAPI(cfg.Homeserver, cfg.AppService.ASToken, cfg.Bridge.MaxMediaSize, log)
	telegram, err := connector.NewTelegramAPI(cfg.Telegram, cfg.Bridge.MaxMediaSize, log)
	if err != nil {
		return err
	}
	br := connector.NewBridge(cfg, db, matrix, telegram, connector.NewShortener(cfg.Shortener), connector.NewMetrics(), log)
	return br.Run(ctx)
}

func writeExample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite it", path)
	}
	return os.WriteFile(path, []byte(connector.ExampleConfig), 0o600)
}
