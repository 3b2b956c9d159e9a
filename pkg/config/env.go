package config

import (
	"fmt"
	"time"
)

type ConfigMap map[string]interface{}

// EnvConfig contains the environment configuration. The FAULTLINE_HOME
// environment variable selects the home directory; every other value comes
// from <home>/.env.toml, falling back to defaults. Command line flags are
// applied on top by the commands.
type EnvConfig struct {
	dirs Directories

	AWS        AWSConfig            `toml:"aws"`
	Storage    StorageConfig        `toml:"storage"`
	Backends   map[string]ConfigMap `toml:"backends"`
	Checkpoint CheckpointConfig     `toml:"checkpoint"`
	Injector   InjectorConfig       `toml:"injector"`
	Clusters   map[string]ConfigMap `toml:"clusters"`
}

func (e EnvConfig) Dirs() Directories {
	return e.dirs
}

type AWSConfig struct {
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	Region          string `toml:"region"`
}

// StorageConfig selects the durable storage backend. Backend specific
// settings live in EnvConfig.Backends, keyed by backend name.
type StorageConfig struct {
	Backend string `toml:"backend" validate:"oneof=local command s3"`
	// RemoteRoot is the namespace root under which trial remote paths are
	// derived.
	RemoteRoot string `toml:"remote_root"`
	// LogDir is where storage clients write transfer diagnostics. Defaults to
	// a per-client directory under Dirs().Logs().
	LogDir string `toml:"log_dir"`
}

type CheckpointConfig struct {
	Mode      string `toml:"mode" validate:"oneof=local durable"`
	Frequency int    `toml:"frequency" validate:"gte=1"`
}

type InjectorConfig struct {
	Probability   float64  `toml:"probability" validate:"gte=0,lte=1"`
	ClusterConfig string   `toml:"cluster_config"`
	Disabled      bool     `toml:"disabled"`
	Seed          int64    `toml:"seed"`
	Target        string   `toml:"target"`
	Cluster       string   `toml:"cluster" validate:"omitempty,oneof=docker k8s command"`
	KillTimeout   Duration `toml:"kill_timeout"`
	ListTimeout   Duration `toml:"list_timeout"`
}

// Duration is a time.Duration that decodes from TOML strings such as "30s".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
