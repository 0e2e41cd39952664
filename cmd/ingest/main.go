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

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"fleet-monitor/sessions/internal/assemble"
	"fleet-monitor/sessions/internal/config"
	"fleet-monitor/sessions/internal/logging"
	"fleet-monitor/sessions/internal/metrics"
	"fleet-monitor/sessions/internal/pipeline"
	"fleet-monitor/sessions/internal/polarity"
	"fleet-monitor/sessions/internal/store"
	transport "fleet-monitor/sessions/internal/transport/http"
)

func main() {
	dir := flag.String("dir", "", "directory holding the logger exports")
	flag.Parse()
	if *dir == "" {
		fmt.Fprintln(os.Stderr, "usage: ingest -dir <exports directory>")
		os.Exit(2)
	}

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		log.Fatalf("Logger setup failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sum, err := run(ctx, cfg, *dir, logger)
	if sum != nil {
		printSummary(sum)
	}
	if err != nil {
		logger.WithField("error", err).Error("run aborted")
		os.Exit(1)
	}
	if sum.Count(assemble.StatusFailed) > 0 {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, dir string, logger *logrus.Logger) (*pipeline.Summary, error) {
	var (
		sessions assemble.Store
		fences   pipeline.GeofenceSource = store.NewGeofenceFile(cfg.GeofenceFile)
	)

	switch cfg.StoreBackend {
	case "postgres":
		ts, err := store.NewTimescaleStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		defer ts.Close()
		sessions = ts
		if cfg.GeofenceSource == "postgres" {
			fences = ts
		}
	case "sqlite":
		if cfg.GeofenceSource == "postgres" {
			return nil, errors.New("GEOFENCE_SOURCE=postgres needs STORE_BACKEND=postgres")
		}
		lite, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		defer lite.Close()
		sessions = lite
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q (want postgres or sqlite)", cfg.StoreBackend)
	}

	// Interfaces stay nil without Redis; a nil *RedisStore would not.
	var (
		locker    assemble.Locker
		polStore  polarity.Store
		publisher pipeline.Publisher
	)
	if cfg.RedisEnabled() {
		rs, err := store.NewRedisStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		defer rs.Close()
		locker, polStore, publisher = rs, rs, rs
	} else {
		logger.Warn("redis disabled: no cross-process locks, polarity is not persisted")
	}

	resolver, err := polarity.NewResolver(cfg.BeaconActiveValue, cfg.PolarityMinSample, polStore, logger)
	if err != nil {
		return nil, err
	}

	if cfg.MetricsAddr != "" {
		srv := transport.NewMetricsServer(cfg.MetricsAddr, metrics.Handler(), logger)
		if err := srv.Start(); err != nil {
			return nil, fmt.Errorf("metrics server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	runner := pipeline.NewRunner(pipeline.NewOptions(cfg), sessions, locker, fences, resolver, publisher, logger)
	return runner.Run(ctx, dir)
}

func printSummary(sum *pipeline.Summary) {
	fmt.Printf("\n── Run %s ──────────────────────────────\n", sum.RunID)
	fmt.Printf("  files:        %d (%d skipped, %d unreadable)\n", sum.Files, len(sum.Skipped), len(sum.FileErrors))
	fmt.Printf("  polarity:     active=%d (%s)\n", sum.Polarity.Active, sum.Polarity.Source)
	fmt.Printf("  sessions:     %d\n", len(sum.Outcomes))
	for _, st := range []assemble.Status{
		assemble.StatusPersisted,
		assemble.StatusReplaced,
		assemble.StatusDuplicate,
		assemble.StatusLocked,
		assemble.StatusDurationRejected,
		assemble.StatusFailed,
	} {
		fmt.Printf("    %-18s %d\n", st, sum.Count(st))
	}
	fmt.Printf("  orphans:      %d\n", len(sum.Orphans))

	for _, fe := range sum.FileErrors {
		fmt.Printf("  ✗ %v\n", fe)
	}
	for _, o := range sum.Outcomes {
		if o.Session != nil && o.Session.NeedsReview() {
			fmt.Printf("  ! %s needs review: %v\n", o.Key, o.Session.ReviewReasons)
		}
	}
}
