package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/testground/faultline/pkg/config"
	"github.com/testground/faultline/pkg/conv"
	"github.com/testground/faultline/pkg/storage"
)

// DefaultRemoteRoot is the remote namespace root of backends whose targets
// are not filesystem paths.
const DefaultRemoteRoot = "faultline"

// storageFlags and clusterFlags return new flag values on every call. Slice
// and generic flags keep their parsed values, so commands must not share
// them.
func storageFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "backend",
			Usage: "durable storage backend; values include: 'local', 'command', 's3' (overrides .env.toml)",
		},
		&cli.StringSliceFlag{
			Name:  "backend-cfg",
			Usage: "override a backend setting, as key=value",
		},
		&cli.StringFlag{
			Name:  "remote-root",
			Usage: "namespace root under which trial remote paths are derived",
		},
	}
}

func clusterFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "cluster",
			Usage: "cluster backend failures are injected into; values include: 'docker', 'k8s', 'command'",
		},
		&cli.StringSliceFlag{
			Name:  "cluster-cfg",
			Usage: "override a cluster backend setting, as key=value",
		},
		&cli.StringFlag{
			Name:  "cluster-config",
			Usage: "identifier of the cluster passed to the cluster backend (config path, label value or selector)",
		},
	}
}

// loadEnv loads the environment configuration and applies the flags common
// to all commands.
func loadEnv(c *cli.Context) (*config.EnvConfig, error) {
	env := &config.EnvConfig{}
	if err := env.Load(); err != nil {
		return nil, err
	}

	if c.IsSet("backend") {
		env.Storage.Backend = c.String("backend")
	}
	if c.IsSet("remote-root") {
		env.Storage.RemoteRoot = c.String("remote-root")
	}
	if env.Storage.RemoteRoot == "" {
		env.Storage.RemoteRoot = defaultRemoteRoot(env)
	}
	if c.IsSet("cluster") {
		env.Injector.Cluster = c.String("cluster")
	}
	if c.IsSet("cluster-config") {
		env.Injector.ClusterConfig = c.String("cluster-config")
	}

	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

// defaultRemoteRoot is a filesystem path for the command backend, whose
// templates operate on plain paths, and a relative namespace otherwise.
func defaultRemoteRoot(env *config.EnvConfig) string {
	if env.Storage.Backend == "command" {
		return env.Dirs().Remote()
	}
	return DefaultRemoteRoot
}

// storageFactory returns a factory sharing one client across all trials.
func storageFactory(c *cli.Context, env *config.EnvConfig) (storage.Factory, error) {
	overrides, err := conv.ParseTypedKeyValues(c.StringSlice("backend-cfg"))
	if err != nil {
		return nil, fmt.Errorf("invalid --backend-cfg: %w", err)
	}
	f, err := storage.NewFactory(env, overrides)
	if err != nil {
		return nil, err
	}
	return storage.Shared(f), nil
}

func clusterOverrides(c *cli.Context) (map[string]interface{}, error) {
	overrides, err := conv.ParseTypedKeyValues(c.StringSlice("cluster-cfg"))
	if err != nil {
		return nil, fmt.Errorf("invalid --cluster-cfg: %w", err)
	}
	return overrides, nil
}
