package cmd

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/testground/faultline/pkg/chaos"
	"github.com/testground/faultline/pkg/config"
	"github.com/testground/faultline/pkg/healthcheck"
)

func NewHealthcheckCommand() *cli.Command {
	return &cli.Command{
		Name:   "healthcheck",
		Usage:  "checks, and optionally heals, the preconditions of a soak run",
		Action: healthcheckCommand,
		Flags: append(append([]cli.Flag{
			&cli.BoolFlag{
				Name:  "fix",
				Usage: "should try to fix the preconditions",
			},
			&cli.BoolFlag{
				Name:  "no-chaos",
				Usage: "skip the cluster checks",
			},
		}, storageFlags()...), clusterFlags()...),
	}
}

func healthcheckCommand(c *cli.Context) error {
	ctx, cancel := context.WithCancel(ProcessContext())
	defer cancel()

	env, err := loadEnv(c)
	if err != nil {
		return err
	}

	h, err := enlistChecks(c, env)
	if err != nil {
		return err
	}

	report := h.RunChecks(ctx, c.Bool("fix"))

	fmt.Printf("finished checking backend %s\n", env.Storage.Backend)
	fmt.Println(report.String())

	if !report.ChecksSucceeded() && !(c.Bool("fix") && report.FixesSucceeded()) {
		return cli.Exit("healthcheck failed", 1)
	}
	return nil
}

func enlistChecks(c *cli.Context, env *config.EnvConfig) (*healthcheck.Helper, error) {
	h := new(healthcheck.Helper)

	for _, d := range []struct{ name, dir string }{
		{"checkpoint directory", env.Dirs().Checkpoints()},
		{"remote directory", env.Dirs().Remote()},
		{"log directory", env.Dirs().Logs()},
	} {
		h.Enlist(d.name, healthcheck.DirExistsChecker(d.dir), healthcheck.DirExistsFixer(d.dir))
	}

	if env.Storage.Backend == "command" {
		h.Enlist("rsync", healthcheck.CommandExistsChecker("rsync"), nil)
	}

	factory, err := storageFactory(c, env)
	if err != nil {
		return nil, err
	}
	h.Enlist("storage round trip", healthcheck.StorageRoundTripChecker(factory, env.Storage.RemoteRoot), nil)

	if c.Bool("no-chaos") || env.Injector.Disabled {
		return h, nil
	}

	overrides, err := clusterOverrides(c)
	if err != nil {
		return nil, err
	}
	killer, err := chaos.NewCluster(env, overrides)
	if err != nil {
		h.Enlist("cluster backend", func(context.Context) (bool, string, error) {
			return false, "cluster backend unavailable.", err
		}, nil)
		return h, nil
	}

	switch k := killer.(type) {
	case chaos.NodeLister:
		h.Enlist("cluster nodes", healthcheck.ClusterNodesChecker(k, env.Injector.ClusterConfig), nil)
	case *chaos.CommandCluster:
		h.Enlist("kill command", healthcheck.CommandExistsChecker(k.Executable()), nil)
	}
	return h, nil
}
