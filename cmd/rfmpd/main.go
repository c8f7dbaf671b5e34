package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/n0call/rfmp/internal/config"
	"github.com/n0call/rfmp/internal/engine"
	"github.com/n0call/rfmp/internal/store"
	"github.com/n0call/rfmp/internal/tnc"
)

const version = "0.3.0"

func getDefaultConfig() string {
	if v := os.Getenv("RFMPD_CONFIG"); v != "" {
		return v
	}
	return "rfmpd.conf"
}

func main() {
	var (
		configFile = flag.String("config", getDefaultConfig(), "Configuration file path")
		showVer    = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVer {
		fmt.Printf("rfmpd %s\n", version)
		return
	}
	if flag.NArg() > 0 {
		*configFile = flag.Arg(0)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg := config.NewConfig(*configFile)
	if err := cfg.Load(); err != nil {
		log.Fatal().Err(err).Msg("rfmpd: load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("rfmpd: invalid config")
	}

	st, err := store.Open(store.Config{Path: cfg.GetDatabasePath()}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("rfmpd: open store")
	}
	defer st.Close()

	addr := fmt.Sprintf("%s:%d", cfg.GetTNCHost(), cfg.GetTNCPort())
	tncClient := tnc.New(addr, cfg.GetOfflineMode(), log)

	e, err := engine.New(cfg, st, tncClient, log)
	if err != nil {
		log.Fatal().Err(err).Msg("rfmpd: build engine")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("rfmpd: shutting down")
		cancel()
	}()

	log.Info().Str("callsign", cfg.GetCallsign()).Str("version", version).Msg("rfmpd starting")
	if err := e.Run(ctx); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("rfmpd: engine exited with error")
	}
	log.Info().Msg("rfmpd stopped")
}
