package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/testground/faultline/pkg/logging"
)

const (
	EnvFaultlineHomeDir = "FAULTLINE_HOME"

	DefaultProbability     = 0.1
	DefaultFrequency       = 1
	DefaultKillTimeout     = 2 * time.Minute
	DefaultListTimeout     = 2 * time.Second
	DefaultStorageBackend  = "local"
	DefaultCheckpointMode  = "durable"
	DefaultClusterConfigID = "/home/ubuntu/ray_bootstrap_config.yaml"
)

// Load applies fallbacks, resolves and creates the home directory layout,
// decodes the optional .env.toml file and validates the result.
func (e *EnvConfig) Load() error {
	e.applyFallbacks()

	// calculate home directory; use env var, or fall back to $HOME/faultline
	// otherwise.
	var home string
	if v, ok := os.LookupEnv(EnvFaultlineHomeDir); ok {
		home = v
	} else {
		v, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to obtain user home dir: %w", err)
		}
		home = filepath.Join(v, "faultline")
	}

	switch fi, err := os.Stat(home); {
	case os.IsNotExist(err):
		logging.S().Infof("creating home directory at %s", home)
		if err := os.MkdirAll(home, 0777); err != nil {
			return fmt.Errorf("failed to create home directory at %s: %w", home, err)
		}
	case err != nil:
		return fmt.Errorf("failed to stat home directory %s: %w", home, err)
	case !fi.IsDir():
		return fmt.Errorf("home path is not a directory %s", home)
	default:
		logging.S().Infof("using home directory: %s", home)
	}

	// ensure home and children directories exist.
	e.dirs = Directories{home}
	for _, d := range []string{
		e.dirs.Home(),
		e.dirs.Checkpoints(),
		e.dirs.Remote(),
		e.dirs.Logs(),
	} {
		if err := ensureDir(d); err != nil {
			return fmt.Errorf("failed to check/create directory %s: %w", d, err)
		}
	}

	// parse the .env.toml file, if it exists.
	f := filepath.Join(e.dirs.Home(), ".env.toml")
	if _, err := os.Stat(f); err == nil {
		if _, err = toml.DecodeFile(f, e); err != nil {
			return fmt.Errorf("found .env.toml at %s, but failed to parse: %w", f, err)
		}
		logging.S().Infof(".env.toml loaded from: %s", f)
	} else {
		logging.S().Infof("no .env.toml found at %s; running with defaults", f)
	}

	return e.Validate()
}

// LoadFrom decodes the TOML document doc on top of the fallbacks, using home
// for the directory layout without touching the filesystem.
func LoadFrom(home, doc string) (*EnvConfig, error) {
	e := &EnvConfig{dirs: Directories{home}}
	e.applyFallbacks()
	if _, err := toml.Decode(doc, e); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	return e, e.Validate()
}

func (e *EnvConfig) applyFallbacks() {
	e.Storage.Backend = DefaultStorageBackend
	e.Checkpoint.Mode = DefaultCheckpointMode
	e.Checkpoint.Frequency = DefaultFrequency
	e.Injector.Probability = DefaultProbability
	e.Injector.ClusterConfig = DefaultClusterConfigID
	e.Injector.KillTimeout = Duration(DefaultKillTimeout)
	e.Injector.ListTimeout = Duration(DefaultListTimeout)
}

// ensureDir checks whether the specified path is a directory, and if not it
// attempts to create it.
func ensureDir(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		// We need to create the directory.
		return os.MkdirAll(path, os.ModePerm)
	}

	if !fi.IsDir() {
		return fmt.Errorf("path %s exists, and it is not a directory", path)
	}
	return nil
}
