package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/wudi/meshroute/internal/admin"
	"github.com/wudi/meshroute/internal/config"
	"github.com/wudi/meshroute/internal/engine"
	"github.com/wudi/meshroute/internal/logging"
	"github.com/wudi/meshroute/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/meshroute.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	logLevel := flag.String("log-level", "", "Override the configured log level")
	flag.Parse()

	if *showVersion {
		fmt.Printf("meshroute %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.NewLoader().Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		os.Exit(validate(cfg))
	}

	logger, err := logging.Build(loggingOptions(cfg.Logging, *logLevel))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting meshroute",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.Int("route_rules", len(cfg.RouteRules)),
		zap.Int("destination_policies", len(cfg.DestinationPolicies)),
	)

	collector := metrics.NewCollector(prometheus.NewRegistry())
	eng := engine.New(engine.Options{
		Logger:  logger,
		Metrics: collector,
	})
	if errs := eng.Load(cfg); len(errs) > 0 {
		logging.Warn("Initial configuration loaded with rejected entries", zap.Int("rejected", len(errs)))
	}

	watcher, err := config.NewWatcher(*configPath, logger)
	if err != nil {
		logging.Error("Failed to create config watcher", zap.Error(err))
		os.Exit(1)
	}
	watcher.OnChange(func(next *config.Config) {
		errs := eng.Load(next)
		logging.Info("Config reloaded",
			zap.Uint64("snapshot_version", eng.Snapshot().Version),
			zap.Int("rejected", len(errs)),
		)
	})
	if err := watcher.Start(); err != nil {
		logging.Error("Failed to start config watcher", zap.Error(err))
		os.Exit(1)
	}
	defer watcher.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Admin.Enabled {
		srv := &http.Server{
			Addr:              ":" + strconv.Itoa(cfg.Admin.Port),
			Handler:           admin.New(eng, collector).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			logging.Info("Starting admin server", zap.Int("port", cfg.Admin.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})

		g.Go(func() error {
			<-gctx.Done()
			logging.Info("Shutting down admin server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		return sweep(gctx, eng, cfg.BreakerSweepInterval)
	})

	if err := g.Wait(); err != nil {
		logging.Error("Shutdown error", zap.Error(err))
		os.Exit(1)
	}

	logging.Info("meshroute stopped")
}

// validate compiles cfg the way a running engine would and prints every
// rejected entry. It returns the process exit code.
func validate(cfg *config.Config) int {
	eng := engine.New(engine.Options{Logger: zap.NewNop()})
	errs := eng.Load(cfg)
	if len(errs) == 0 {
		fmt.Println("Configuration is valid")
		return 0
	}
	for _, err := range errs {
		fmt.Fprintf(os.Stderr, "  %v\n", err)
	}
	fmt.Fprintf(os.Stderr, "Configuration has %d rejected entries\n", len(errs))
	return 1
}

func loggingOptions(cfg config.LoggingConfig, levelOverride string) logging.Options {
	opts := logging.Options{
		Level:  cfg.Level,
		Format: cfg.Format,
		Output: cfg.Output,
		Rotation: logging.Rotation{
			MaxSize:    cfg.Rotation.MaxSize,
			MaxBackups: cfg.Rotation.MaxBackups,
			MaxAge:     cfg.Rotation.MaxAge,
			Compress:   cfg.Rotation.Compress,
			LocalTime:  cfg.Rotation.LocalTime,
		},
	}
	if levelOverride != "" {
		opts.Level = levelOverride
	}
	return opts
}

// sweep periodically drops breaker state of versions removed from configuration.
func sweep(ctx context.Context, eng *engine.Engine, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			eng.Sweep()
		}
	}
}
