package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gbtami/fairyfishnet/internal/client"
	"github.com/gbtami/fairyfishnet/internal/config"
	"github.com/gbtami/fairyfishnet/internal/metrics"
	"github.com/gbtami/fairyfishnet/internal/uci"
	"github.com/gbtami/fairyfishnet/internal/worker"
	"github.com/gbtami/fairyfishnet/shared/logger"
)

const banner = `
.   _________         .    .
.  (..       \_    ,  |\  /|
.   \       O  \  /|  \ \/ /
.    \______    \/ |   \  /      _____ _     _     _   _      _
.       vvvv\    \ |   /  |     |  ___(_)___| |__ | \ | | ___| |_
.       \^^^^  ==   \_/   |     | |_  | / __| '_ \|  \| |/ _ \ __|
.        ` + "`" + `\_   ===    \.  |     |  _| | \__ \ | | | |\  |  __/ |_
.        / /\_   \ /      |     |_|   |_|___/_| |_|_| \_|\___|\__| %s
.        |/   \_  \|      /
.               \________/      Distributed Fairy-Stockfish analysis for pychess-variants
`

func buildRunCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to the work server and analyse positions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), banner, Version)
			return runClient(cmd.Context(), cfg)
		},
	}
}

func runClient(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		if errors.Is(err, config.ErrKeyRequired) {
			err = fmt.Errorf("%w (run \"fairyfishnet configure\" to set one up)", err)
		}
		return &ConfigError{Err: err}
	}

	key, _, err := config.ParseKey(cfg.Key, cfg.ProductionEndpoint())
	if err != nil {
		return &ConfigError{Err: err}
	}
	endpoint, err := cfg.ResolveEndpoint()
	if err != nil {
		return &ConfigError{Err: err}
	}
	res, err := cfg.Resources()
	if err != nil {
		return &ConfigError{Err: err}
	}

	appLogger, err := logger.New(&logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	log := appLogger.WithCensor(key).Logger

	log.Info("fishnet starting",
		slog.String("version", Version),
		slog.String("endpoint", endpoint),
		slog.Int("cores", res.Cores),
		slog.Int("slots", res.Slots()),
		slog.Int("hash_mb", res.HashMB))

	cl, err := client.New(client.Config{
		Endpoint: endpoint,
		Key:      key,
		Version:  Version,
		Timeout:  cfg.HTTP.Timeout,
	}, log)
	if err != nil {
		return &ConfigError{Err: err}
	}

	levels := worker.DefaultLevels()
	if len(cfg.Levels.Skill) > 0 {
		levels = worker.Levels{
			Skill:    cfg.Levels.Skill,
			MoveTime: cfg.Levels.MoveTime,
			Depth:    cfg.Levels.Depth,
		}
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
	}

	reporter := worker.NewProgressReporter(cl, res.Slots()+4, log)

	var fixed time.Duration
	if cfg.FixedBackoff {
		fixed = client.MaxFixedBackoff
	}

	workers := make([]*worker.Worker, 0, res.Slots())
	for i, threads := range res.Threads {
		name := fmt.Sprintf("><> %d", i+1)
		engineCfg := uci.Config{
			Command:      cfg.Engine.Command,
			Dir:          cfg.Engine.Dir,
			Threads:      threads,
			HashMB:       res.HashMB,
			Options:      cfg.Engine.Options,
			EvalFiles:    cfg.Engine.EvalFiles,
			StartTimeout: cfg.Engine.StartTimeout,
			Watchdog:     cfg.Engine.Watchdog,
			Logger:       log.With(slog.String("worker", name)),
		}
		w := worker.NewWorker(worker.Config{
			Name:              name,
			Threads:           threads,
			Levels:            levels,
			AnalysisNodes:     cfg.Worker.AnalysisNodes,
			AnalysisMoveTime:  cfg.Worker.AnalysisMoveTime,
			ProgressInterval:  cfg.Worker.ProgressInterval,
			MaxEngineRestarts: cfg.Worker.MaxEngineRestarts,
			StartupAttempts:   cfg.Worker.StartupAttempts,
			ReportAttempts:    cfg.Worker.ReportAttempts,
			FixedBackoff:      fixed,
			MaxBackoff:        cfg.HTTP.MaxBackoff,
		}, cl, func() worker.EngineSession { return uci.NewSession(engineCfg) }, reporter, collector, log)
		workers = append(workers, w)
	}

	pool := worker.NewPool(workers, reporter, log, cfg.Worker.StatsInterval)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	// First interrupt finishes the jobs in flight, the second one (or
	// SIGTERM) aborts them.
	go func() {
		soft := false
		for sig := range signals {
			if sig == syscall.SIGTERM || soft {
				log.Warn("shutting down now, aborting jobs in flight", slog.String("signal", sig.String()))
				cancel()
				return
			}
			soft = true
			log.Info("finishing jobs in flight, interrupt again to abort", slog.String("signal", sig.String()))
			pool.StopSoon()
		}
	}()

	var metricsServer *http.Server
	if collector != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			log.Info("metrics server listening", slog.String("addr", cfg.Metrics.Addr))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	err = pool.Run(runCtx)

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsServer.Shutdown(shutdownCtx)
		shutdownCancel()
	}

	return err
}
