package trial

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/testground/faultline/pkg/checkpoint"
	"github.com/testground/faultline/pkg/logging"
)

// StepObserver is notified at the beginning of every step, before any trial
// advances.
type StepObserver interface {
	ObserveStep(ctx context.Context, step int64)
}

type StepObserverFunc func(ctx context.Context, step int64)

func (f StepObserverFunc) ObserveStep(ctx context.Context, step int64) {
	f(ctx, step)
}

// Driver advances a fixed set of trials in lock-step.
type Driver struct {
	runners   []*Runner
	observers []StepObserver
}

func NewDriver(runners []*Runner, observers ...StepObserver) *Driver {
	return &Driver{runners: runners, observers: observers}
}

// Start sets every trial up and restores it, in parallel. The first failure
// aborts the start.
func (d *Driver) Start(ctx context.Context, cfg checkpoint.Config) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range d.runners {
		r := r
		g.Go(func() error {
			_, err := r.Start(gctx, cfg)
			return err
		})
	}
	return g.Wait()
}

// Run executes steps rounds. Each round notifies the observers on the
// calling goroutine, then advances all trials in parallel. A round in which
// any trial fails ends the run; the errors of all failed trials are
// returned together with the reports.
func (d *Driver) Run(ctx context.Context, steps int64) ([]Report, error) {
	for step := int64(1); step <= steps; step++ {
		if err := ctx.Err(); err != nil {
			return d.Reports(), err
		}

		for _, o := range d.observers {
			o.ObserveStep(ctx, step)
		}

		if err := d.advance(ctx); err != nil {
			return d.Reports(), fmt.Errorf("step %d: %w", step, err)
		}
		logging.S().Debugw("step complete", "step", step, "trials", len(d.runners))
	}
	return d.Reports(), nil
}

func (d *Driver) advance(ctx context.Context) error {
	var (
		mu   sync.Mutex
		merr *multierror.Error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range d.runners {
		r := r
		g.Go(func() error {
			if _, _, err := r.Advance(gctx); err != nil {
				mu.Lock()
				merr = multierror.Append(merr, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return merr.ErrorOrNil()
}

func (d *Driver) Reports() []Report {
	out := make([]Report, 0, len(d.runners))
	for _, r := range d.runners {
		out = append(out, r.Report())
	}
	return out
}
