// Autotune operator CLI
// Runs walk-forward parameter search cycles and supervises staged rollout
// of the winning configurations.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/autotune/internal/config"
	"github.com/quantfold/autotune/internal/events"
	"github.com/quantfold/autotune/internal/history"
	"github.com/quantfold/autotune/internal/market"
	"github.com/quantfold/autotune/internal/metrics"
	"github.com/quantfold/autotune/internal/objective"
	"github.com/quantfold/autotune/internal/pipeline"
	"github.com/quantfold/autotune/internal/store"
	"github.com/quantfold/autotune/internal/supervisor"
	"github.com/quantfold/autotune/pkg/search"
)

// ============================================================================
// CLI FLAGS
// ============================================================================

var (
	configPath = flag.String("config", "", "Path to config file (default: ./configs/config.yaml)")
	metricsDir = flag.String("observations", "./state/observations", "Directory of observed candidate metrics")
	version    = flag.String("version", "latest", "Config version for rollback")
	limit      = flag.Int("limit", 20, "Entries shown by the history command")
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: autotune [flags] <command>

Commands:
  run        Execute one search+selection cycle
  supervise  Execute one rollout supervision pass
  watch      Run search cycles and supervision on the configured interval
  rollback   Redeploy a prior config version (-version)
  history    Show archived runs (-limit)
  status     Show rollout state and deployed version

Flags:
`)
	flag.PrintDefaults()
}

// ============================================================================
// MAIN
// ============================================================================

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}
	command := flag.Arg(0)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	format := "json"
	if cfg.App.Environment == "development" {
		format = "console"
	}
	config.InitLogger(cfg.App.LogLevel, format)

	ctx, cancel := signalContext()
	defer cancel()

	app, err := buildApp(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize")
	}
	defer app.close()

	if err := app.dispatch(ctx, command); err != nil {
		log.Fatal().Err(err).Str("command", command).Msg("Command failed")
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
		cancel()
	}()
	return ctx, cancel
}

// ============================================================================
// WIRING
// ============================================================================

type app struct {
	cfg     *config.Config
	store   *store.Store
	sup     *supervisor.Supervisor
	tuner   *supervisor.Tuner
	archive *history.Archive
	pool    *pgxpool.Pool
	pub     *events.Publisher
	metrics *metrics.Server
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	st, err := store.New(cfg.Store.Dir, cfg.Store.LivePath)
	if err != nil {
		return nil, err
	}
	a.store = st

	if cfg.NATS.URL != "" {
		pub, err := events.NewPublisher(cfg.NATS)
		if err != nil {
			return nil, err
		}
		a.pub = pub
	}

	if cfg.Database.Enabled() {
		pool, err := pgxpool.New(ctx, cfg.Database.GetDSN())
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		a.pool = pool
		a.archive = history.NewArchive(pool)
		if err := a.archive.EnsureSchema(ctx); err != nil {
			return nil, err
		}
	}

	source := supervisor.NewFileMetricsSource(*metricsDir)
	a.sup = supervisor.New(supervisor.Config{
		StateFile: cfg.Supervisor.StateFile,
		LockFile:  cfg.Supervisor.LockFile,
		MaxQueue:  cfg.Supervisor.MaxQueue,
		Tiers:     cfg.Tiers,
		Promotion: cfg.Promotion,
	}, st, source, a.pub)

	pipeCfg, err := cfg.ToPipeline()
	if err != nil {
		return nil, err
	}

	evaluator := objective.NewGuarded(objective.NewCrossoverEvaluator(
		cfg.Evaluator.FastKey,
		cfg.Evaluator.SlowKey,
		cfg.Evaluator.CostBps,
		cfg.Stress.PeriodsPerYear,
	))

	agg := pipeline.New(evaluator, pipeCfg)

	dedup := search.NewShardedDedup()
	if a.archive != nil {
		bad, err := a.archive.LoadBadHashes(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to load bad parameter hashes")
		} else {
			dedup.Restore(nil, bad)
		}
	}
	agg.SetDedup(dedup)

	var provider market.Provider
	switch cfg.Data.Provider {
	case "binance":
		provider = market.NewBinanceProvider(cfg.Data.APIKey, cfg.Data.SecretKey)
	default:
		provider = market.NewCSVProvider(cfg.Data.Dir)
	}
	loader := market.NewLoader(provider, cfg.Data.Symbols, cfg.Data.Interval, cfg.Data.Lookback)

	a.tuner = supervisor.NewTuner(agg, pipeCfg.Space, loader, st, a.sup, a.archive, a.pub, cfg.Store.Retention)

	if cfg.Monitoring.EnableMetrics {
		a.metrics = metrics.NewServer(cfg.Monitoring.PrometheusPort, config.NewLogger("metrics"))
	}

	return a, nil
}

func (a *app) close() {
	if a.pub != nil {
		a.pub.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// ============================================================================
// COMMANDS
// ============================================================================

func (a *app) dispatch(ctx context.Context, command string) error {
	switch command {
	case "run":
		return a.tuner.RunCycle(ctx)

	case "supervise":
		return a.sup.Cycle(ctx)

	case "watch":
		return a.watch(ctx)

	case "rollback":
		return a.sup.Rollback(*version)

	case "history":
		return a.showHistory(ctx)

	case "status":
		return a.showStatus()

	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

// watch interleaves search cycles and supervision passes on the configured
// interval.
func (a *app) watch(ctx context.Context) error {
	if a.metrics != nil {
		if err := a.metrics.Start(); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			a.metrics.Shutdown(shutdownCtx)
		}()
	}

	interval := a.cfg.Supervisor.Interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("Starting watch loop")

	for {
		if err := a.tuner.RunCycle(ctx); err != nil {
			log.Error().Err(err).Msg("Search cycle failed")
		}
		if err := a.sup.Cycle(ctx); err != nil {
			log.Error().Err(err).Msg("Supervision cycle failed")
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("Watch loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (a *app) showHistory(ctx context.Context) error {
	if a.archive == nil {
		return fmt.Errorf("history requires a configured database")
	}

	runs, err := a.archive.RecentRuns(ctx, *limit)
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("No archived runs.")
		return nil
	}

	fmt.Printf("%-38s %-22s %-9s %-11s %-10s %s\n",
		"RUN", "STARTED", "SEGMENTS", "CANDIDATES", "COMPOSITE", "WINNER")
	for _, r := range runs {
		winner := r.WinnerHash
		if winner == "" {
			winner = "-"
		}
		fmt.Printf("%-38s %-22s %-9d %-11d %-10.4f %s\n",
			r.ID, r.StartedAt.Format(time.RFC3339), r.Segments, r.Candidates, r.Composite, winner)
	}
	return nil
}

func (a *app) showStatus() error {
	current, err := a.store.Current()
	if err != nil {
		current = "-"
	}
	fmt.Printf("Deployed version: %s\n", current)

	state, err := a.sup.State()
	if err != nil {
		return err
	}

	if live := state.Live(); live != nil {
		fmt.Printf("Live candidate:   %s (tier %s, improvement %.4f)\n", live.ID, live.Tier, live.Improvement)
	}
	if staging := state.Staging(); staging != nil {
		dwell := time.Duration(0)
		if staging.StagedAt != nil {
			dwell = time.Since(*staging.StagedAt)
		}
		fmt.Printf("Staging:          %s (tier %s, dwell %s of %s)\n",
			staging.ID, staging.Tier, dwell.Round(time.Minute), staging.MinDwell)
	} else {
		fmt.Println("Staging:          empty")
	}

	fmt.Printf("Queue:            %d candidate(s)\n", len(state.Queue))
	for i, id := range state.Queue {
		c := state.Candidates[id]
		fmt.Printf("  %d. %s (tier %s, improvement %.4f)\n", i+1, id, c.Tier, c.Improvement)
	}
	return nil
}
