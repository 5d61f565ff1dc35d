// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command channel-cloner watches a source channel and re-posts every message
// into a target channel through a pool of worker accounts, each one made to
// look like the original sender.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.mau.fi/util/exzerolog"
	flag "maunium.net/go/mauflag"

	"github.com/aiku/channel-cloner/pkg/config"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath         = flag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
	dontSaveConfig     = flag.MakeFull("n", "no-update", "Don't save updated config to disk.", "false").Bool()
	writeExampleConfig = flag.MakeFull("e", "generate-example-config", "Save the example config to the config path and quit.", "false").Bool()
	wantHelp, _        = flag.MakeHelpFlag()
)

func main() {
	flag.SetHelpTitles(
		"channel-cloner - relay a channel through cloned worker accounts.",
		"channel-cloner [-hen] [-c <path>]",
	)
	err := flag.Parse()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	}

	if *writeExampleConfig {
		if err = writeExample(*configPath); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		_, _ = fmt.Fprintln(os.Stderr, "Wrote example config to", *configPath)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath, !*dontSaveConfig)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(10)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		os.Exit(12)
	}
	exzerolog.SetupDefaults(log)
	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Str("build_time", BuildTime).
		Str("network", cfg.Network).
		Msg("Starting channel-cloner")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err = run(ctx, cfg, *log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Channel cloner stopped with error")
		stop()
		os.Exit(1)
	}
	log.Info().Msg("Channel cloner stopped")
}

func writeExample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite it", path)
	}
	if err := os.WriteFile(path, []byte(config.ExampleConfig), 0o600); err != nil {
		return fmt.Errorf("failed to write example config: %w", err)
	}
	return nil
}
