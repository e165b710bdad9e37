// Package app wires configuration into the pipeline and owns its lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ecmigrate/internal/config"
	"ecmigrate/internal/engine"
	"ecmigrate/internal/lockstripe"
	"ecmigrate/internal/mapping"
	"ecmigrate/internal/metrics"
	"ecmigrate/internal/orchestrator"
	"ecmigrate/internal/progress"
	"ecmigrate/internal/remote"
	"ecmigrate/internal/store"
)

// Migrator represents the main migration application
type Migrator struct {
	cfg     *config.Config
	logger  *zap.Logger
	staging store.Store
	repo    remote.Repository
	metrics *metrics.Collector
	tracker *progress.Tracker
	orch    *orchestrator.Orchestrator
}

// New creates a migrator instance with all dependencies wired.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Migrator, error) {
	staging, err := store.NewSQLiteStore(ctx, cfg.Migration.StagingDB, logger.Named("store"))
	if err != nil {
		return nil, fmt.Errorf("failed to open staging store: %w", err)
	}

	lookup, err := mapping.NewLookup(cfg.Mapping)
	if err != nil {
		staging.Close()
		return nil, err
	}

	collector := metrics.New()

	httpClient := remote.NewHTTPClient(cfg.Repository.BaseURL, cfg.Repository.Token, nil, logger.Named("remote"))
	repo := remote.NewResilientClient(httpClient,
		policySettings(cfg.Resilience.Read),
		policySettings(cfg.Resilience.Write),
		collector,
		logger.Named("resilience"),
	)

	tracker := progress.NewTracker()

	m := &Migrator{
		cfg:     cfg,
		logger:  logger,
		staging: staging,
		repo:    repo,
		metrics: collector,
		tracker: tracker,
	}
	m.orch = orchestrator.New(staging, m.buildPhases(lookup), collector, logger.Named("orchestrator"))

	return m, nil
}

func policySettings(p config.Policy) remote.PolicySettings {
	return remote.PolicySettings{
		Timeout:          p.Timeout(),
		Retries:          p.Retries,
		RetryBackoff:     p.RetryBackoff(),
		BreakerThreshold: p.BreakerThreshold,
		BreakerCooldown:  p.BreakerCooldown(),
		Bulkhead:         p.Bulkhead,
	}
}

// buildPhases assembles the phase sequence for the configured strategy.
// Exactly one discovery strategy is active per run; dry-run stops after
// discovery.
func (m *Migrator) buildPhases(lookup *mapping.Lookup) []orchestrator.PhaseRunner {
	mig := m.cfg.Migration

	var phases []orchestrator.PhaseRunner

	if mig.Strategy == config.StrategyDocumentFirst {
		search := engine.NewDocumentSearch(m.repo, m.staging, m.staging, m.staging, lookup,
			engine.DocumentSearchConfig{
				DocTypes:        m.cfg.Source.DocTypes,
				FolderTypeRoots: m.cfg.Source.FolderTypeRoots,
				CreatedFrom:     parseDate(m.cfg.Source.CreatedFrom),
				CreatedTo:       parseDate(m.cfg.Source.CreatedTo),
				PageSize:        mig.PageSize,
			}, m.tracker, m.logger.Named("search"))

		phases = append(phases, orchestrator.PhaseRunner{
			Phase: store.PhaseDocumentSearch,
			Run:   func(ctx context.Context) error { _, err := search.RunLoop(ctx); return err },
		})
	} else {
		folders := engine.NewFolderDiscovery(m.repo, m.staging, m.staging,
			engine.FolderDiscoveryConfig{
				RootID:     m.cfg.Source.RootFolderID,
				NameFilter: m.cfg.Source.FolderNameFilter,
				PageSize:   mig.PageSize,
			}, m.tracker, m.logger.Named("folders"))

		docs := engine.NewDocumentDiscovery(m.repo, m.staging, m.staging, m.staging, lookup,
			engine.DocumentDiscoveryConfig{
				FolderBatch:  mig.BatchSize,
				PageSize:     mig.PageSize,
				StuckTimeout: mig.StuckTimeout(),
			}, m.tracker, m.logger.Named("documents"))

		phases = append(phases,
			orchestrator.PhaseRunner{
				Phase: store.PhaseFolderDiscovery,
				Run:   func(ctx context.Context) error { _, err := folders.RunLoop(ctx); return err },
			},
			orchestrator.PhaseRunner{
				Phase: store.PhaseDocumentDiscovery,
				Run:   func(ctx context.Context) error { _, err := docs.RunLoop(ctx); return err },
			},
		)
	}

	if mig.DryRun {
		return phases
	}

	prepare := engine.NewFolderPreparation(m.repo, m.staging, lockstripe.New(64),
		engine.FolderPreparationConfig{
			DestRootID:  m.cfg.Target.RootFolderID,
			Parallelism: mig.PrepareParallelism,
		}, m.logger.Named("prepare"))

	move := engine.NewMoveEngine(m.repo, m.staging, m.staging,
		engine.MoveConfig{
			BatchSize:      mig.BatchSize,
			Parallelism:    mig.MoveParallelism,
			IdleDelay:      mig.IdleDelay(),
			StuckTimeout:   mig.StuckTimeout(),
			EmptyPollLimit: mig.EmptyPollLimit,
		}, m.tracker, m.metrics, m.logger.Named("move"))

	phases = append(phases,
		orchestrator.PhaseRunner{
			Phase: store.PhaseFolderPreparation,
			Run:   prepare.PrepareAll,
		},
		orchestrator.PhaseRunner{
			Phase: store.PhaseMove,
			Run:   func(ctx context.Context) error { _, err := move.RunLoop(ctx); return err },
		},
	)

	return phases
}

func parseDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}

	t, _ := time.Parse("2006-01-02", s)
	return t
}

// Run executes the migration pipeline.
func (m *Migrator) Run(ctx context.Context) error {
	m.logger.Info("starting migration",
		zap.String("strategy", m.cfg.Migration.Strategy),
		zap.String("source_root", m.cfg.Source.RootFolderID),
		zap.String("target_root", m.cfg.Target.RootFolderID),
		zap.Int("batch_size", m.cfg.Migration.BatchSize),
		zap.Bool("dry_run", m.cfg.Migration.DryRun),
	)

	if err := m.repo.Ping(ctx); err != nil {
		return fmt.Errorf("repository unreachable: %w", err)
	}

	if addr := m.cfg.Migration.MetricsAddr; addr != "" {
		go func() {
			if err := m.metrics.StartServer(addr); err != nil {
				m.logger.Error("failed to start metrics server", zap.Error(err))
			}
		}()
	}

	reporter := progress.NewReporter(m.tracker, 10*time.Second, m.logger.Named("progress"))
	reporter.Start()
	defer reporter.Stop()

	if err := m.orch.Run(ctx); err != nil {
		return err
	}

	if m.cfg.Migration.DryRun {
		return m.reportDryRun(ctx)
	}

	return nil
}

func (m *Migrator) reportDryRun(ctx context.Context) error {
	folders, err := m.staging.CountFolders(ctx, store.StatusProcessed)
	if err != nil {
		return err
	}
	ready, err := m.staging.CountFolders(ctx, store.StatusReady)
	if err != nil {
		return err
	}
	docs, err := m.staging.CountDocuments(ctx, store.StatusNew)
	if err != nil {
		return err
	}

	m.logger.Info("dry run discovery complete",
		zap.Int64("folders_staged", folders+ready),
		zap.Int64("documents_staged", docs),
	)
	return nil
}

// Status returns the aggregate pipeline status.
func (m *Migrator) Status(ctx context.Context) (*orchestrator.PipelineStatus, error) {
	return m.orch.Status(ctx)
}

// Reset sets all phase checkpoints back to NOT_STARTED.
func (m *Migrator) Reset(ctx context.Context) error {
	return m.orch.Reset(ctx)
}

// ResetPhase resets a single phase checkpoint.
func (m *Migrator) ResetPhase(ctx context.Context, phase store.Phase) error {
	return m.orch.ResetPhase(ctx, phase)
}

// Close cleans up resources
func (m *Migrator) Close() error {
	if m.staging != nil {
		return m.staging.Close()
	}

	return nil
}
