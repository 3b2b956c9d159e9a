package cmd

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/logrusorgru/aurora"
	"github.com/urfave/cli/v2"

	"github.com/testground/faultline/pkg/chaos"
	"github.com/testground/faultline/pkg/checkpoint"
	"github.com/testground/faultline/pkg/config"
	"github.com/testground/faultline/pkg/conv"
	"github.com/testground/faultline/pkg/logging"
	"github.com/testground/faultline/pkg/trial"
)

// NewSoakCommand returns the soak command with fresh flag values.
func NewSoakCommand() *cli.Command {
	return &cli.Command{
		Name:  "soak",
		Usage: "advance a fixed set of checkpointing trials in lock-step while injecting failures",
		Description: "soak runs sample trials that checkpoint to durable storage, restoring each one " +
			"from its newest usable checkpoint, and consults the failure injector once per step.",
		Action: soakCommand,
		Flags: append(append([]cli.Flag{
			&cli.IntFlag{
				Name:  "trials",
				Usage: "number of trials to run",
				Value: 4,
			},
			&cli.StringFlag{
				Name:  "trial-prefix",
				Usage: "prefix of the trial ids; trials are named <prefix><index>",
				Value: "trial_",
			},
			&cli.Int64Flag{
				Name:  "steps",
				Usage: "number of lock-step rounds to run",
				Value: 100,
			},
			&cli.IntFlag{
				Name:  "frequency",
				Usage: "checkpoint every n steps (overrides .env.toml)",
			},
			&cli.GenericFlag{
				Name:  "mode",
				Usage: "checkpoint persistence mode; values include: 'local', 'durable' (overrides .env.toml)",
				Value: &EnumValue{Allowed: []string{"local", "durable"}},
			},
			&cli.StringSliceFlag{
				Name:  "trial-cfg",
				Usage: "trial configuration, as key=value; the sample trial accepts 'width' and 'height'",
			},
			&cli.Float64Flag{
				Name:  "probability",
				Usage: "probability of injecting a failure at each step (overrides .env.toml)",
			},
			&cli.BoolFlag{
				Name:  "no-chaos",
				Usage: "disable failure injection",
			},
			&cli.Int64Flag{
				Name:  "seed",
				Usage: "seed of the failure injector; 0 seeds from the clock",
			},
			&cli.StringFlag{
				Name:  "target",
				Usage: "inject every failure into this node",
			},
		}, storageFlags()...), clusterFlags()...),
	}
}

func soakCommand(c *cli.Context) error {
	ctx, cancel := context.WithCancel(ProcessContext())
	defer cancel()

	env, err := loadEnv(c)
	if err != nil {
		return err
	}
	if err := applySoakFlags(c, env); err != nil {
		return err
	}

	trialCfg, err := conv.ParseTypedKeyValues(c.StringSlice("trial-cfg"))
	if err != nil {
		return fmt.Errorf("invalid --trial-cfg: %w", err)
	}

	mode, err := checkpoint.ParseMode(env.Checkpoint.Mode)
	if err != nil {
		return err
	}
	factory, err := storageFactory(c, env)
	if err != nil {
		return err
	}

	catalog, err := checkpoint.NewCatalog(env.Dirs().Catalog())
	if err != nil {
		return fmt.Errorf("failed to open checkpoint catalog: %w", err)
	}
	defer catalog.Close()

	n := c.Int("trials")
	if n < 1 {
		return errors.New("at least one trial is required")
	}
	runners := make([]*trial.Runner, 0, n)
	for i := 0; i < n; i++ {
		d, err := checkpoint.NewDurable(new(checkpoint.SigmoidTrainable), checkpoint.Options{
			Mode:           mode,
			Factory:        factory,
			CheckpointRoot: env.Dirs().Checkpoints(),
			RemoteRoot:     env.Storage.RemoteRoot,
			TrialID:        fmt.Sprintf("%s%d", c.String("trial-prefix"), i),
		})
		if err != nil {
			return err
		}
		r, err := trial.NewRunner(d, catalog, env.Checkpoint.Frequency)
		if err != nil {
			return err
		}
		runners = append(runners, r)
	}

	inj, err := newInjector(c, env)
	if err != nil {
		return err
	}

	driver := trial.NewDriver(runners, trial.StepObserverFunc(func(ctx context.Context, step int64) {
		inj.OnStepBegin(ctx, step)
	}))

	logging.S().Infow("starting soak",
		"trials", n,
		"steps", c.Int64("steps"),
		"mode", mode,
		"backend", env.Storage.Backend,
		"probability", env.Injector.Probability,
		"chaos", !env.Injector.Disabled)

	start := time.Now()
	if err := driver.Start(ctx, checkpoint.Config(trialCfg)); err != nil {
		return err
	}
	reports, runErr := driver.Run(ctx, c.Int64("steps"))
	inj.Wait()

	printSummary(reports, inj.Stats(), start)
	return runErr
}

func applySoakFlags(c *cli.Context, env *config.EnvConfig) error {
	if c.IsSet("frequency") {
		env.Checkpoint.Frequency = c.Int("frequency")
	}
	if c.IsSet("mode") {
		env.Checkpoint.Mode = c.Generic("mode").(*EnumValue).String()
	}
	if c.IsSet("probability") {
		env.Injector.Probability = c.Float64("probability")
	}
	if c.Bool("no-chaos") {
		env.Injector.Disabled = true
	}
	if c.IsSet("seed") {
		env.Injector.Seed = c.Int64("seed")
	}
	if c.IsSet("target") {
		env.Injector.Target = c.String("target")
	}
	return env.Validate()
}

func newInjector(c *cli.Context, env *config.EnvConfig) (*chaos.Injector, error) {
	seed := env.Injector.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	cfg := chaos.ConfigFrom(env.Injector)

	if cfg.Disabled {
		return chaos.NewInjector(cfg, nil, rng)
	}

	overrides, err := clusterOverrides(c)
	if err != nil {
		return nil, err
	}
	killer, err := chaos.NewCluster(env, overrides)
	if err != nil {
		return nil, err
	}
	logging.S().Infow("failure injector ready", "cluster", env.Injector.Cluster, "seed", seed)
	return chaos.NewInjector(cfg, killer, rng)
}

func printSummary(reports []trial.Report, stats chaos.Stats, start time.Time) {
	au := aurora.NewAurora(logging.IsTerminal())

	fmt.Printf("\nsoak finished in %s\n\n", time.Since(start).Round(time.Millisecond))
	for _, r := range reports {
		restored := "fresh start"
		if r.RestoredFrom >= 0 {
			restored = fmt.Sprintf("restored from step %d", r.RestoredFrom)
		}
		warnings := au.Green(r.Warnings)
		if r.Warnings > 0 {
			warnings = au.Yellow(r.Warnings)
		}
		fmt.Printf("%s: %s steps, %d checkpoints (%d durable, %s local only), %s, %d skipped; last result %v\n",
			au.Bold(r.TrialID),
			humanize.Comma(r.Steps),
			r.Checkpoints, r.Durable, warnings,
			restored, r.Skipped, r.LastResult)
	}

	failed := au.Green(stats.Failed)
	if stats.Failed > 0 {
		failed = au.Red(stats.Failed)
	}
	fmt.Printf("\ninjector: %s steps, %d injections (%d node terminations), %s failed kills\n",
		humanize.Comma(stats.Steps), stats.Injections, stats.Terminated, failed)
}
