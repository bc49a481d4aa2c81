package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/callpilot/internal/api"
	"github.com/snarg/callpilot/internal/callstore"
	"github.com/snarg/callpilot/internal/channel"
	"github.com/snarg/callpilot/internal/config"
	"github.com/snarg/callpilot/internal/ivr"
	"github.com/snarg/callpilot/internal/lifecycle"
	"github.com/snarg/callpilot/internal/origination"
	"github.com/snarg/callpilot/internal/pbx"
	"github.com/snarg/callpilot/internal/push"
	"github.com/snarg/callpilot/internal/trunkstore"
)

// version, commit, and buildTime are injected at build time via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	var overrides config.Overrides
	var showVersion bool
	flag.StringVar(&overrides.EnvFile, "env-file", "", "Path to .env file (default: .env)")
	flag.StringVar(&overrides.FreePBXIP, "pbx-host", "", "FreePBX host (overrides FREEPBX_IP)")
	flag.StringVar(&overrides.HTTPAddr, "listen", "", "HTTP listen address (overrides HTTP_ADDR/PORT)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("%s (commit=%s, built=%s)\n", version, commit, buildTime)
		os.Exit(0)
	}

	// The PBX host may also arrive as the first positional argument.
	if overrides.FreePBXIP == "" && flag.NArg() > 0 {
		overrides.FreePBXIP = flag.Arg(0)
	}

	startTime := time.Now()

	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("invalid config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("pbx_host", cfg.FreePBXIP).
		Str("log_level", level.String()).
		Msg("callpilot starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Stores
	trunks := trunkstore.New(cfg.AssignmentTTL, log)
	defer trunks.Close()

	calls := callstore.New(log)
	calls.Start()
	defer calls.Stop()

	queue := origination.New(cfg.OriginationSpacing, origination.DefaultLimit, log)
	pushes := push.NewRegistry(log)
	defer pushes.Shutdown()
	channels := channel.NewRegistry()
	defer channels.DestroyAll()

	// PBX client + campaign catalog
	pbxc := pbx.NewClient(pbx.Options{
		Host:     cfg.FreePBXIP,
		Username: cfg.PBXUsername,
		Password: cfg.PBXPassword,
		App:      cfg.PBXAppName,
		Log:      log,
	})

	catalog := ivr.NewCatalog(cfg.CampaignCatalogURL, cfg.CampaignCatalogInterval, cfg.CampaignCatalogTimeout, log)
	if cfg.CampaignCatalogURL != "" {
		catalog.Start()
		defer catalog.Stop()
	} else {
		log.Warn().Msg("CAMPAIGN_CATALOG_URL not set — catalog is empty until /action/debug/reload")
	}

	// Trunk inventory fetcher
	if cfg.TrunkInventoryURL != "" {
		fetcher := trunkstore.NewFetcher(cfg.TrunkInventoryURL, cfg.TrunkInventoryInterval, cfg.TrunkInventoryTimeout, trunks, log)
		fetcher.Start()
		defer fetcher.Stop()
	} else {
		log.Warn().Msg("TRUNK_INVENTORY_URL not set — trunk inventory is empty")
	}

	// IVR engine + validator
	engine := ivr.NewEngine(catalog, calls, pushes, cfg.ActionBaseURL, log)
	validator := ivr.NewValidator(catalog, calls, channels, pushes, cfg.ActionBaseURL, log)

	// Channel lifecycle + PBX event demux
	manager := lifecycle.NewManager(pbxc, channels, calls, pushes, catalog, cfg.ActionBaseURL, log)
	demux := pbx.NewDemux(pbxc.EventsURL(), manager, log)
	demux.Start()
	defer demux.Stop()

	// HTTP server
	httpLog := log.With().Str("component", "http").Logger()
	srv := api.NewServer(api.ServerOptions{
		Config:    cfg,
		Trunks:    trunks,
		Calls:     calls,
		Queue:     queue,
		Channels:  channels,
		Pushes:    pushes,
		Catalog:   catalog,
		Engine:    engine,
		Validator: validator,
		Orig:      pbxc,
		SessPBX:   pbxc,
		Demux:     demux,
		Version:   fmt.Sprintf("%s (commit=%s, built=%s)", version, commit, buildTime),
		StartTime: startTime,
		Log:       httpLog,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	log.Info().
		Str("listen", cfg.ListenAddr()).
		Str("action_base_url", cfg.ActionBaseURL).
		Dur("startup_ms", time.Since(startTime)).
		Msg("callpilot ready")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("callpilot stopped")
}
