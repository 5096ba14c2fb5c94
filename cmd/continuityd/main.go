// Continuityd is the session continuity daemon.
//
// It watches a long-running LLM coding session for context-window
// boundaries, snapshots prioritized state into a durable journal before each
// crossing, and seeds the successor session from the journal on rollover and
// on restart.
//
// Configuration is loaded from ~/.config/continuityd/config.yaml with
// environment variable overrides. See internal/config for details.
//
// Usage:
//
//	# Start the daemon with defaults
//	continuityd
//
//	# Custom config file
//	continuityd -config /etc/continuityd/config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/continuityd/internal/boundary"
	"github.com/fyrsmithlabs/continuityd/internal/budget"
	"github.com/fyrsmithlabs/continuityd/internal/config"
	"github.com/fyrsmithlabs/continuityd/internal/continuation"
	"github.com/fyrsmithlabs/continuityd/internal/events"
	"github.com/fyrsmithlabs/continuityd/internal/ingest"
	"github.com/fyrsmithlabs/continuityd/internal/journal"
	"github.com/fyrsmithlabs/continuityd/internal/logging"
	"github.com/fyrsmithlabs/continuityd/internal/session"
	"github.com/fyrsmithlabs/continuityd/internal/snapshot"
	"github.com/fyrsmithlabs/continuityd/internal/telemetry"
	"github.com/fyrsmithlabs/continuityd/internal/token"
	"github.com/fyrsmithlabs/continuityd/pkg/server"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  continuityd           Start the continuity daemon\n")
			fmt.Fprintf(os.Stderr, "  continuityd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Daemon error: %v", err)
	}

	log.Println("Shutdown complete")
}

func printVersion() {
	fmt.Printf("continuityd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires the daemon and blocks until the context is cancelled:
//
//  1. Loads and validates configuration
//  2. Initializes logging and telemetry
//  3. Connects the event bus (optional) and opens the journal
//  4. Builds the tracker, detector, extractor, issuer and continuation
//  5. Starts the session manager, resuming from the newest snapshot
//  6. Starts the transcript tailer (optional) and the proximity poll
//  7. Serves HTTP until shutdown
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logCfg := logging.NewDefaultConfig()
	logger, err := logging.NewLogger(logCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info(ctx, "starting continuityd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Int("token_limit", cfg.Continuity.TokenLimit),
		zap.String("journal_dir", cfg.Journal.Dir),
	)

	telemetry.Version = version
	tel, err := telemetry.Setup(ctx, cfg.Observability, logger)
	if err != nil {
		// Telemetry is best effort; the daemon runs without it.
		logger.Warn(ctx, "telemetry setup failed, continuing without exporters", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	emitter, err := events.Connect(cfg.Events, logger)
	if err != nil {
		logger.Warn(ctx, "event bus unreachable, continuing without publishing", zap.Error(err))
		emitter = events.NewEmitter(nil, logger)
	}
	defer emitter.Close()

	j, err := journal.New(cfg.Journal, logger)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	if removed, err := j.Prune(ctx, time.Duration(cfg.Journal.RetentionPeriod)); err != nil {
		logger.Warn(ctx, "retention prune failed", zap.Error(err))
	} else if removed > 0 {
		logger.Info(ctx, "pruned expired journal files", zap.Int("removed", removed))
	}

	tracker, err := budget.NewTracker(cfg.Continuity.TokenLimit, budget.Thresholds{
		Approaching:  cfg.Continuity.ApproachingThreshold,
		Intermediate: cfg.Continuity.IntermediateThreshold,
		Critical:     cfg.Continuity.CriticalThreshold,
	})
	if err != nil {
		return fmt.Errorf("invalid budget configuration: %w", err)
	}
	detector, err := boundary.NewDetector(time.Duration(cfg.Continuity.DebounceWindow))
	if err != nil {
		return fmt.Errorf("invalid boundary configuration: %w", err)
	}
	extractor, err := snapshot.NewExtractor(cfg.Continuity.MaxSnapshotBytes, logger)
	if err != nil {
		return fmt.Errorf("invalid snapshot configuration: %w", err)
	}

	manager, err := session.NewManager(cfg.Continuity, session.Deps{
		Tracker:     tracker,
		Detector:    detector,
		Extractor:   extractor,
		Journal:     j,
		Issuer:      token.NewIssuer(),
		Emitter:     emitter,
		Continuer:   continuation.NewProtocol(logger),
		Logger:      logger,
		WriteBriefs: cfg.Journal.WriteBriefs,
	})
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}
	if _, err := manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	if cfg.Ingest.Enabled {
		tailer, err := ingest.NewTailer(cfg.Ingest, manager, logger)
		if err != nil {
			return fmt.Errorf("failed to create transcript tailer: %w", err)
		}
		if err := tailer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start transcript tailer: %w", err)
		}
		defer tailer.Stop()
	}

	go pollProximity(ctx, manager, time.Duration(cfg.Continuity.PollInterval), logger)

	srv, err := server.NewServer(cfg, manager, j, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	logger.Info(ctx, "server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("metrics_endpoint", "/metrics"),
		zap.Bool("events_connected", emitter.Connected()),
	)

	return srv.Start(ctx)
}

// pollProximity is the periodic boundary-proximity check. The ingestion path
// usually crosses first; the poll catches sessions that go quiet near the
// threshold.
func pollProximity(ctx context.Context, manager *session.Manager, interval time.Duration, logger *logging.Logger) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := manager.Evaluate(ctx); err != nil {
				logger.Warn(ctx, "proximity poll failed", zap.Error(err))
			}
		}
	}
}
