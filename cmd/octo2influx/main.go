package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata" // timezone database for minimal container images

	"github.com/yo8192/octo2influx/internal/checkpoint"
	"github.com/yo8192/octo2influx/internal/clock"
	"github.com/yo8192/octo2influx/internal/config"
	"github.com/yo8192/octo2influx/internal/influx"
	"github.com/yo8192/octo2influx/internal/logger"
	"github.com/yo8192/octo2influx/internal/metrics"
	"github.com/yo8192/octo2influx/internal/octopus"
	"github.com/yo8192/octo2influx/internal/syncer"
	"github.com/yo8192/octo2influx/internal/version"
)

// Exit codes
const (
	exitOK     = 0
	exitStore  = 1
	exitConfig = 2
)

// pushTimeout bounds the metrics push at the end of a run, which must not
// hold up the exit
const pushTimeout = 10 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	// Load configuration first (need log level from config)
	cfg, err := config.Load(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		log.Printf("Failed to load configuration: %v", err)
		return exitConfig
	}

	if cfg.ShowVersion {
		fmt.Println(version.String(config.ProgramName))
		return exitOK
	}

	// Initialize structured logger
	logger := logger.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("octo2influx starting",
		"version", version.Version,
		"config_file", cfg.ConfigFile)

	logger.Info("Configuration loaded successfully",
		"usage_series", len(cfg.Usage),
		"tariffs", len(cfg.Tariffs),
		"price_types", cfg.SortedPriceTypes(),
		"timezone", cfg.Timezone,
		"from_max_days_ago", cfg.FromMaxDaysAgo,
		"to_days_ago", cfg.ToDaysAgo,
		"influx_url", cfg.InfluxURL,
		"influx_bucket", cfg.InfluxBucket,
		"standing_charge_policy", cfg.StandingChargePolicy,
		"api_timeout_seconds", cfg.APITimeout)

	// Cancel in-flight requests on interrupt
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runMetrics := metrics.NewSync(cfg.PushgatewayURL, logger)

	api, err := octopus.NewClient(cfg, logger, octopus.WithHooks(octopus.Hooks{
		OnPage:  runMetrics.APIPage,
		OnRetry: runMetrics.APIRetry,
	}))
	if err != nil {
		logger.Error("Failed to create Octopus API client", "error", err)
		return exitConfig
	}
	store := influx.NewStore(cfg, logger, influx.WithHooks(influx.Hooks{
		OnRetry: runMetrics.StoreRetry,
	}))
	defer store.Close()

	tracker := checkpoint.NewTracker(cfg, store, clock.RealClock{})
	sync := syncer.New(cfg, api, store, tracker, runMetrics, logger)

	start := time.Now()
	report, err := sync.Run(ctx)
	runMetrics.Finish(start, err == nil && report.Count(syncer.Failed) == 0)

	pushCtx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	runMetrics.Push(pushCtx)
	cancel()

	if err != nil {
		logger.Error("Sync aborted", "error", err, "duration_seconds", time.Since(start).Seconds())
		return exitStore
	}
	logger.Info("octo2influx finished", "duration_seconds", time.Since(start).Seconds())
	return exitOK
}
