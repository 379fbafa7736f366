package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/anstrom/scanpilot/internal/analysis"
	"github.com/anstrom/scanpilot/internal/command"
	"github.com/anstrom/scanpilot/internal/config"
	"github.com/anstrom/scanpilot/internal/executor"
	"github.com/anstrom/scanpilot/internal/jobs"
	"github.com/anstrom/scanpilot/internal/llm"
	"github.com/anstrom/scanpilot/internal/logging"
	"github.com/anstrom/scanpilot/internal/metrics"
	"github.com/anstrom/scanpilot/internal/orchestrator"
	"github.com/anstrom/scanpilot/internal/planner"
	"github.com/anstrom/scanpilot/internal/store"
	"github.com/anstrom/scanpilot/internal/target"
	"github.com/anstrom/scanpilot/internal/tools"
)

// lookPath resolves tool executables. Tests replace it.
var lookPath command.LookPathFunc

// runtime is the wired pipeline for one CLI invocation.
type runtime struct {
	cfg          *config.Config
	policy       *tools.Policy
	validator    *command.Validator
	prober       *target.Prober
	orchestrator *orchestrator.Orchestrator
	store        store.Store
	metrics      *metrics.PrometheusMetrics
	logger       *logging.Logger
}

// RuntimeOperation represents a function that operates on a wired pipeline.
type RuntimeOperation func(*runtime) error

// withRuntime builds the pipeline from configuration, runs operation and
// releases the store and metrics afterwards.
func withRuntime(ctx context.Context, operation RuntimeOperation) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := rt.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", closeErr)
		}
	}()

	return operation(rt)
}

func newRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	logger := logging.Default()
	rt := &runtime{
		cfg:     cfg,
		policy:  cfg.Policy(),
		metrics: metrics.NewPrometheusMetrics(),
		logger:  logger,
	}
	rt.validator = command.NewValidator(rt.policy, lookPath)

	switch cfg.Storage.Driver {
	case "postgres":
		pg, err := store.Connect(ctx, cfg.Storage.Database, logger)
		if err != nil {
			return nil, fmt.Errorf("error connecting to database: %w", err)
		}
		rt.store = pg
	default:
		rt.store = store.NewMemoryStore()
	}

	var collaborator llm.Collaborator
	if key := cfg.APIKey(); key != "" {
		collaborator = llm.NewClient(llm.Config{
			BaseURL:       cfg.LLM.BaseURL,
			Model:         cfg.LLM.Model,
			APIKey:        key,
			Temperature:   cfg.LLM.Temperature,
			Timeout:       cfg.LLM.RequestTimeout,
			RatePerMinute: cfg.LLM.RatePerMinute,
		}, logger)
	} else {
		logger.Debug("No collaborator credential configured; using rule-based planning and templates")
	}

	plan := planner.New(rt.policy,
		planner.WithCollaborator(collaborator),
		planner.WithCheck(func(argv []string) error {
			_, err := rt.validator.Validate(argv)
			return err
		}),
		planner.WithHistorySize(cfg.Planner.HistorySize),
		planner.WithLogger(logger),
		planner.WithMetrics(rt.metrics),
	)

	var analysisCollaborator llm.Collaborator
	if cfg.LLM.Analysis {
		analysisCollaborator = collaborator
	}

	deps := orchestrator.Deps{
		Planner:   plan,
		Validator: rt.validator,
		Executor:  executor.New(rt.validator, executor.WithScratchDir(cfg.Executor.ScratchDir), executor.WithLogger(logger)),
		Analyzer:  analysis.NewAnalyzer(analysisCollaborator, logger),
		Sink:      rt.store,
		History:   rt.store,
	}

	proberOpts := []target.ProberOption{target.WithLogger(logger)}
	if cfg.Probe.Nameserver != "" {
		proberOpts = append(proberOpts, target.WithResolver(target.NewDNSResolver(cfg.Probe.Nameserver, cfg.Probe.Timeout)))
	}
	rt.prober = target.NewProber(cfg.Probe.Timeout, proberOpts...)
	if cfg.Probe.Enabled {
		deps.Prober = rt.prober
	}

	rt.orchestrator = orchestrator.New(deps,
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(rt.metrics),
		orchestrator.WithHistorySize(cfg.Planner.HistorySize),
		orchestrator.WithScratchDir(cfg.Executor.ScratchDir),
		orchestrator.WithJobOptions(jobs.WithGracePeriod(cfg.Executor.GracePeriod)),
	)
	return rt, nil
}

// Close writes the metrics textfile when configured, removes scratch files
// and closes the store.
func (rt *runtime) Close() error {
	var errs []error
	if rt.cfg.Metrics.Enabled && rt.cfg.Metrics.Textfile != "" {
		if err := rt.metrics.WriteTextfile(rt.cfg.Metrics.Textfile); err != nil {
			errs = append(errs, fmt.Errorf("failed to write metrics: %w", err))
		}
	}
	if err := rt.orchestrator.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to remove bundled wordlist: %w", err))
	}
	if err := rt.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}
	return errors.Join(errs...)
}
