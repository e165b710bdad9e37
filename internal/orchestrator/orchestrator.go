// Package orchestrator sequences the migration phases, persisting a
// checkpoint per phase so an interrupted pipeline resumes from the last
// completed stage.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ecmigrate/internal/store"
)

// PhaseRunner binds one phase to the engine call that drives it.
type PhaseRunner struct {
	Phase store.Phase
	Run   func(ctx context.Context) error
}

// PipelineStatus is the aggregate, poll-based progress readout.
type PipelineStatus struct {
	CurrentPhase       store.Phase
	CurrentStatus      store.PhaseStatus
	Elapsed            time.Duration
	EstimatedRemaining time.Duration
	TotalProcessed     int64
	Phases             []store.Checkpoint
}

// Meter receives phase outcomes; the metrics collector implements it.
type Meter interface {
	IncPhase(phase, status string)
}

// Orchestrator runs the configured phases in fixed order. Phases are not
// parallelized: each assumes the previous phase's data is complete.
type Orchestrator struct {
	checkpoints store.CheckpointStore
	phases      []PhaseRunner
	logger      *zap.Logger
	meter       Meter
}

// New creates an orchestrator over the given phase sequence. meter may be nil.
func New(checkpoints store.CheckpointStore, phases []PhaseRunner, meter Meter, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Orchestrator{
		checkpoints: checkpoints,
		phases:      phases,
		logger:      logger,
		meter:       meter,
	}
}

// Phases returns the configured phase order.
func (o *Orchestrator) Phases() []store.Phase {
	out := make([]store.Phase, len(o.phases))
	for i, p := range o.phases {
		out[i] = p.Phase
	}

	return out
}

// Run executes the pipeline. Completed phases are skipped; the first
// failing phase marks its checkpoint FAILED and stops the pipeline so an
// operator can intervene and resume.
func (o *Orchestrator) Run(ctx context.Context) error {
	for _, phase := range o.phases {
		cp, err := o.checkpoints.GetCheckpoint(ctx, phase.Phase)
		if err != nil {
			return err
		}

		if cp.Status == store.PhaseCompleted {
			o.logger.Info("phase already completed, skipping",
				zap.String("phase", string(phase.Phase)),
			)
			continue
		}

		if cp.Status == store.PhaseInProgress {
			// Unclean shutdown; the phase's own cursor and the idempotent
			// enqueue make a re-run safe.
			o.logger.Warn("phase was interrupted, re-running",
				zap.String("phase", string(phase.Phase)),
			)
		}

		if err := o.runPhase(ctx, phase); err != nil {
			return err
		}
	}

	o.logger.Info("pipeline completed")
	return nil
}

func (o *Orchestrator) runPhase(ctx context.Context, phase PhaseRunner) error {
	o.logger.Info("phase starting", zap.String("phase", string(phase.Phase)))

	cp, err := o.checkpoints.GetCheckpoint(ctx, phase.Phase)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	cp.Status = store.PhaseInProgress
	cp.StartedAt = &now
	cp.CompletedAt = nil
	cp.ErrorMessage = ""
	if err := o.checkpoints.SaveCheckpoint(ctx, cp); err != nil {
		return err
	}

	runErr := phase.Run(ctx)

	// Reload: the engine accumulated cursor and totals while running.
	cp, err = o.checkpoints.GetCheckpoint(ctx, phase.Phase)
	if err != nil {
		return err
	}

	end := time.Now().UTC()
	cp.CompletedAt = &end

	if runErr != nil {
		cp.Status = store.PhaseFailed
		cp.ErrorMessage = runErr.Error()
		if saveErr := o.checkpoints.SaveCheckpoint(ctx, cp); saveErr != nil {
			o.logger.Error("failed to persist failed checkpoint",
				zap.String("phase", string(phase.Phase)),
				zap.Error(saveErr),
			)
		}
		if o.meter != nil {
			o.meter.IncPhase(string(phase.Phase), string(store.PhaseFailed))
		}

		return fmt.Errorf("phase %s failed: %w", phase.Phase, runErr)
	}

	cp.Status = store.PhaseCompleted
	if err := o.checkpoints.SaveCheckpoint(ctx, cp); err != nil {
		return err
	}
	if o.meter != nil {
		o.meter.IncPhase(string(phase.Phase), string(store.PhaseCompleted))
	}

	o.logger.Info("phase completed",
		zap.String("phase", string(phase.Phase)),
		zap.Int64("total_processed", cp.TotalProcessed),
		zap.Duration("duration", end.Sub(now)),
	)
	return nil
}

// Status aggregates the current phase, its state, elapsed and estimated
// remaining time, and the processed total across all phases.
func (o *Orchestrator) Status(ctx context.Context) (*PipelineStatus, error) {
	status := &PipelineStatus{}

	for _, phase := range o.phases {
		cp, err := o.checkpoints.GetCheckpoint(ctx, phase.Phase)
		if err != nil {
			return nil, err
		}

		status.Phases = append(status.Phases, *cp)
		status.TotalProcessed += cp.TotalProcessed
	}

	// Current phase is the first not yet completed, or the last one when
	// the whole pipeline is done.
	current := status.Phases[len(status.Phases)-1]
	for _, cp := range status.Phases {
		if cp.Status != store.PhaseCompleted {
			current = cp
			break
		}
	}

	status.CurrentPhase = current.Phase
	status.CurrentStatus = current.Status

	if current.StartedAt != nil {
		end := time.Now()
		if current.CompletedAt != nil {
			end = *current.CompletedAt
		}
		status.Elapsed = end.Sub(*current.StartedAt)

		if current.TotalItems > 0 && current.TotalProcessed > 0 {
			remaining := current.TotalItems - current.TotalProcessed
			if remaining > 0 {
				perItem := status.Elapsed / time.Duration(current.TotalProcessed)
				status.EstimatedRemaining = perItem * time.Duration(remaining)
			}
		}
	}

	return status, nil
}

// Reset sets every checkpoint back to NOT_STARTED. Queue data is left
// untouched: re-running re-derives from what is already staged.
func (o *Orchestrator) Reset(ctx context.Context) error {
	o.logger.Info("resetting all phase checkpoints")
	return o.checkpoints.ResetAllCheckpoints(ctx)
}

// ResetPhase resets a single checkpoint, allowing one phase to be re-run
// in isolation without redoing earlier phases.
func (o *Orchestrator) ResetPhase(ctx context.Context, phase store.Phase) error {
	o.logger.Info("resetting phase checkpoint", zap.String("phase", string(phase)))
	return o.checkpoints.ResetCheckpoint(ctx, phase)
}
