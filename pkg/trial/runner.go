// Package trial drives checkpointing trials in lock-step. It is a test
// harness: trials are given, never selected, placed or retried.
package trial

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/testground/faultline/pkg/checkpoint"
	"github.com/testground/faultline/pkg/logging"
)

// Report summarizes the run of one trial.
type Report struct {
	TrialID string
	// RestoredFrom is the step the trial was restored from, or -1 for a
	// fresh start.
	RestoredFrom int64
	// Skipped counts the checkpoints that could not be restored.
	Skipped     int
	Steps       int64
	Checkpoints int
	Durable     int
	Warnings    int
	LastResult  checkpoint.Result
}

// Runner steps one trial and checkpoints it every frequency steps.
type Runner struct {
	trainable *checkpoint.Durable
	catalog   *checkpoint.Catalog
	frequency int64
	log       *zap.SugaredLogger

	step   int64
	report Report
}

func NewRunner(trainable *checkpoint.Durable, catalog *checkpoint.Catalog, frequency int) (*Runner, error) {
	if trainable == nil {
		return nil, errors.New("trainable must be set")
	}
	if catalog == nil {
		return nil, errors.New("catalog must be set")
	}
	if frequency < 1 {
		return nil, fmt.Errorf("checkpoint frequency must be at least 1, got %d", frequency)
	}
	return &Runner{
		trainable: trainable,
		catalog:   catalog,
		frequency: int64(frequency),
		log:       logging.S().With("trial", trainable.TrialID()),
		report:    Report{TrialID: trainable.TrialID(), RestoredFrom: -1},
	}, nil
}

func (r *Runner) TrialID() string {
	return r.trainable.TrialID()
}

// Step is the number of steps the trial has completed, including those
// recovered from a checkpoint.
func (r *Runner) Step() int64 {
	return r.step
}

// Start sets the trial up with cfg and restores its latest usable
// checkpoint.
func (r *Runner) Start(ctx context.Context, cfg checkpoint.Config) (*checkpoint.Descriptor, error) {
	if err := r.trainable.Setup(cfg); err != nil {
		return nil, fmt.Errorf("failed to set up trial %s: %w", r.TrialID(), err)
	}
	return r.Restore(ctx)
}

// Restore loads the newest checkpoint of the trial that can be loaded.
// Corrupt checkpoints and checkpoints that cannot be pulled are skipped in
// favour of older ones. A nil descriptor means no checkpoint was usable and
// the trial starts fresh.
func (r *Runner) Restore(ctx context.Context) (*checkpoint.Descriptor, error) {
	descs, err := r.catalog.List(r.TrialID())
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	for i := len(descs) - 1; i >= 0; i-- {
		desc := descs[i]

		err := r.trainable.LoadCheckpoint(ctx, desc)
		if err == nil {
			r.step = desc.Step
			r.report.RestoredFrom = desc.Step
			r.log.Infow("trial restored", "step", desc.Step, "durable", desc.Durable)
			return desc, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		r.report.Skipped++
		var corrupt *checkpoint.CorruptionError
		if errors.As(err, &corrupt) {
			r.log.Warnw("skipping corrupt checkpoint", "step", desc.Step, "err", err)
		} else {
			r.log.Warnw("skipping unrestorable checkpoint", "step", desc.Step, "err", err)
		}
	}

	r.step = 0
	if len(descs) > 0 {
		r.log.Warnw("no usable checkpoint; starting fresh", "checkpoints", len(descs))
	}
	return nil, nil
}

// Advance runs one step and saves a checkpoint if the step is a multiple of
// the frequency. The returned descriptor is nil when no checkpoint was taken.
func (r *Runner) Advance(ctx context.Context) (checkpoint.Result, *checkpoint.Descriptor, error) {
	res, err := r.trainable.Step()
	if err != nil {
		return nil, nil, fmt.Errorf("trial %s failed at step %d: %w", r.TrialID(), r.step+1, err)
	}
	r.step++
	r.report.Steps++
	r.report.LastResult = res

	if r.step%r.frequency != 0 {
		return res, nil, nil
	}

	desc, err := r.trainable.SaveCheckpoint(ctx, r.step)
	if err != nil {
		return res, nil, err
	}
	if err := r.catalog.Put(desc); err != nil {
		return res, desc, fmt.Errorf("failed to record checkpoint %d: %w", desc.Step, err)
	}

	r.report.Checkpoints++
	if desc.Durable {
		r.report.Durable++
	}
	if desc.Warning != nil {
		r.report.Warnings++
	}
	return res, desc, nil
}

func (r *Runner) Report() Report {
	return r.report
}
