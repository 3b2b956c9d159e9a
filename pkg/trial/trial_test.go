package trial

import (
	"context"
	"errors"
	"io/ioutil"
	"math/rand"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testground/faultline/pkg/chaos"
	"github.com/testground/faultline/pkg/checkpoint"
	"github.com/testground/faultline/pkg/storage"
)

type env struct {
	ckpts   string
	remote  string
	catalog *checkpoint.Catalog
}

func newEnv(t *testing.T) *env {
	t.Helper()
	c, err := checkpoint.NewMemoryCatalog()
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return &env{ckpts: t.TempDir(), remote: t.TempDir(), catalog: c}
}

func (e *env) runner(t *testing.T, base checkpoint.Trainable, mode checkpoint.PersistenceMode, trialID string, freq int) *Runner {
	t.Helper()
	d, err := checkpoint.NewDurable(base, checkpoint.Options{
		Mode: mode,
		Factory: func() (storage.Client, error) {
			return storage.NewLocalClient(storage.LocalConfig{Root: e.remote})
		},
		CheckpointRoot: e.ckpts,
		RemoteRoot:     "soak",
		TrialID:        trialID,
	})
	require.NoError(t, err)
	r, err := NewRunner(d, e.catalog, freq)
	require.NoError(t, err)
	return r
}

func advance(t *testing.T, r *Runner, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, _, err := r.Advance(context.Background())
		require.NoError(t, err)
	}
}

func TestRunnerCheckpointsAtFrequency(t *testing.T) {
	e := newEnv(t)
	r := e.runner(t, new(checkpoint.SigmoidTrainable), checkpoint.ModeDurable, "trial_0", 3)

	desc, err := r.Start(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, desc)

	advance(t, r, 7)

	all, err := e.catalog.List("trial_0")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.EqualValues(t, 3, all[0].Step)
	assert.EqualValues(t, 6, all[1].Step)

	rep := r.Report()
	assert.EqualValues(t, 7, rep.Steps)
	assert.Equal(t, 2, rep.Checkpoints)
	assert.Equal(t, 2, rep.Durable)
	assert.Zero(t, rep.Warnings)
	assert.EqualValues(t, -1, rep.RestoredFrom)
	assert.EqualValues(t, 7, rep.LastResult["timestep"])
}

func TestRunnerRestoresAfterNodeLoss(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	r := e.runner(t, new(checkpoint.SigmoidTrainable), checkpoint.ModeDurable, "trial_0", 2)
	_, err := r.Start(ctx, nil)
	require.NoError(t, err)
	advance(t, r, 5)

	require.NoError(t, os.RemoveAll(e.ckpts))

	base := new(checkpoint.SigmoidTrainable)
	r2 := e.runner(t, base, checkpoint.ModeDurable, "trial_0", 2)
	desc, err := r2.Start(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, desc)
	assert.EqualValues(t, 4, desc.Step)
	assert.EqualValues(t, 4, r2.Step())
	assert.EqualValues(t, 4, base.Timestep)

	res, _, err := r2.Advance(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 5, res["timestep"])
	assert.EqualValues(t, 4, r2.Report().RestoredFrom)
}

func TestRunnerSkipsCorruptCheckpoints(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	r := e.runner(t, new(checkpoint.SigmoidTrainable), checkpoint.ModeLocal, "trial_0", 1)
	_, err := r.Start(ctx, nil)
	require.NoError(t, err)
	advance(t, r, 3)

	latest, err := e.catalog.Latest("trial_0")
	require.NoError(t, err)
	require.NoError(t, ioutil.WriteFile(latest.Path, []byte("{not json"), 0o644))

	base := new(checkpoint.SigmoidTrainable)
	r2 := e.runner(t, base, checkpoint.ModeLocal, "trial_0", 1)
	desc, err := r2.Start(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, desc)
	assert.EqualValues(t, 2, desc.Step)
	assert.EqualValues(t, 2, base.Timestep)
	assert.Equal(t, 1, r2.Report().Skipped)
}

func TestRunnerStartsFreshWithoutUsableCheckpoint(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	r := e.runner(t, new(checkpoint.SigmoidTrainable), checkpoint.ModeLocal, "trial_0", 1)
	_, err := r.Start(ctx, nil)
	require.NoError(t, err)
	advance(t, r, 2)

	// local only checkpoints do not survive the loss of the node.
	require.NoError(t, os.RemoveAll(e.ckpts))

	r2 := e.runner(t, new(checkpoint.SigmoidTrainable), checkpoint.ModeLocal, "trial_0", 1)
	desc, err := r2.Start(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, desc)
	assert.Zero(t, r2.Step())
	assert.Equal(t, 2, r2.Report().Skipped)
}

func TestNewRunnerValidation(t *testing.T) {
	e := newEnv(t)
	d, err := checkpoint.NewDurable(new(checkpoint.SigmoidTrainable), checkpoint.Options{
		CheckpointRoot: e.ckpts,
		TrialID:        "t",
	})
	require.NoError(t, err)

	_, err = NewRunner(d, e.catalog, 0)
	assert.Error(t, err)
	_, err = NewRunner(d, nil, 1)
	assert.Error(t, err)
	_, err = NewRunner(nil, e.catalog, 1)
	assert.Error(t, err)
}

func TestDriverObservesBeforeAdvancing(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	var runners []*Runner
	for _, id := range []string{"a", "b", "c"} {
		runners = append(runners, e.runner(t, new(checkpoint.SigmoidTrainable), checkpoint.ModeDurable, id, 2))
	}

	var observed []int64
	obs := StepObserverFunc(func(ctx context.Context, step int64) {
		for _, r := range runners {
			assert.Equal(t, step-1, r.Step())
		}
		observed = append(observed, step)
	})

	d := NewDriver(runners, obs)
	require.NoError(t, d.Start(ctx, checkpoint.Config{"width": 5.0}))

	reports, err := d.Run(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4}, observed)

	require.Len(t, reports, 3)
	for _, rep := range reports {
		assert.EqualValues(t, 4, rep.Steps)
		assert.Equal(t, 2, rep.Checkpoints)
		assert.Equal(t, 2, rep.Durable)
	}
}

type failingTrainable struct {
	checkpoint.SigmoidTrainable
	failAt int64
}

func (f *failingTrainable) Step() (checkpoint.Result, error) {
	if f.Timestep+1 == f.failAt {
		return nil, errors.New("diverged")
	}
	return f.SigmoidTrainable.Step()
}

func TestDriverReportsAllFailedTrials(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	runners := []*Runner{
		e.runner(t, &failingTrainable{failAt: 2}, checkpoint.ModeLocal, "a", 1),
		e.runner(t, &failingTrainable{failAt: 2}, checkpoint.ModeLocal, "b", 1),
		e.runner(t, new(checkpoint.SigmoidTrainable), checkpoint.ModeLocal, "c", 1),
	}
	d := NewDriver(runners)
	require.NoError(t, d.Start(ctx, nil))

	reports, err := d.Run(ctx, 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 2")
	assert.Contains(t, err.Error(), "trial a")
	assert.Contains(t, err.Error(), "trial b")

	require.Len(t, reports, 3)
	assert.EqualValues(t, 1, reports[0].Steps)
	assert.EqualValues(t, 2, reports[2].Steps)
}

type nopKiller struct {
	sync.Mutex
	kills int
}

func (k *nopKiller) KillNode(ctx context.Context, configID, node string, hard bool) error {
	k.Lock()
	defer k.Unlock()
	k.kills++
	return nil
}

func TestDriverWithInjector(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	k := new(nopKiller)
	inj, err := chaos.NewInjector(chaos.Config{Probability: 0.5}, k, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	r := e.runner(t, new(checkpoint.SigmoidTrainable), checkpoint.ModeDurable, "trial_0", 5)
	d := NewDriver([]*Runner{r}, StepObserverFunc(func(ctx context.Context, step int64) {
		inj.OnStepBegin(ctx, step)
	}))
	require.NoError(t, d.Start(ctx, nil))

	_, err = d.Run(ctx, 50)
	require.NoError(t, err)
	inj.Wait()

	stats := inj.Stats()
	assert.EqualValues(t, 50, stats.Steps)
	assert.EqualValues(t, stats.Injections, k.kills)
}

func TestDriverStopsOnCancel(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())

	r := e.runner(t, new(checkpoint.SigmoidTrainable), checkpoint.ModeLocal, "trial_0", 1)
	d := NewDriver([]*Runner{r}, StepObserverFunc(func(_ context.Context, step int64) {
		if step == 3 {
			cancel()
		}
	}))
	require.NoError(t, d.Start(ctx, nil))

	reports, err := d.Run(ctx, 10)
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, reports, 1)
	assert.Less(t, reports[0].Steps, int64(10))
}
