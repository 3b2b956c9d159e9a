package storage

import (
	"fmt"
	"path/filepath"
	"reflect"

	"github.com/google/uuid"

	"github.com/testground/faultline/pkg/config"
	"github.com/testground/faultline/pkg/logging"
)

// NewFactory returns a Factory for the backend selected in env. Backend
// settings are coalesced from built-in defaults, the [backends.<name>] table
// of env, and the given overrides, in ascending order of precedence.
//
// Configuration errors are reported immediately. Errors raised while
// constructing the client are deferred to the Factory call and match
// ErrStorageUnavailable.
func NewFactory(env *config.EnvConfig, overrides ...map[string]interface{}) (Factory, error) {
	name := env.Storage.Backend

	var (
		defaults map[string]interface{}
		typ      reflect.Type
	)
	switch name {
	case "local":
		defaults = map[string]interface{}{
			"root": env.Dirs().Remote(),
		}
		typ = reflect.TypeOf(LocalConfig{})
	case "command":
		defaults = map[string]interface{}{
			"sync_template":    LocalSyncTemplate,
			"pull_template":    LocalPullTemplate,
			"promote_template": LocalPromoteTemplate,
			"delete_template":  LocalDeleteTemplate,
			"shell":            "sh",
		}
		typ = reflect.TypeOf(CommandConfig{})
	case "s3":
		defaults = map[string]interface{}{
			"region":            env.AWS.Region,
			"access_key_id":     env.AWS.AccessKeyID,
			"secret_access_key": env.AWS.SecretAccessKey,
			"concurrency":       DefaultS3Concurrency,
		}
		typ = reflect.TypeOf(S3Config{})
	default:
		return nil, fmt.Errorf("unknown storage backend: %q", name)
	}

	coalesced := config.CoalescedConfig{}.Append(defaults)
	if m, ok := env.Backends[name]; ok {
		coalesced = coalesced.Append(m)
	}
	for _, o := range overrides {
		coalesced = coalesced.Append(o)
	}

	obj, err := coalesced.CoalesceIntoType(typ)
	if err != nil {
		return nil, fmt.Errorf("invalid %s backend configuration: %w", name, err)
	}

	logDir := env.Storage.LogDir
	if logDir == "" {
		logDir = filepath.Join(env.Dirs().Logs(), "storage-"+uuid.New().String()[:8])
	}

	return func() (Client, error) {
		var (
			c   Client
			err error
		)
		switch cfg := obj.(type) {
		case *LocalConfig:
			c, err = NewLocalClient(*cfg)
		case *CommandConfig:
			c, err = NewCommandClient(*cfg)
		case *S3Config:
			c, err = NewS3Client(*cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s backend: %v", ErrStorageUnavailable, name, err)
		}
		if err := c.SetLogDir(logDir); err != nil {
			logging.S().Warnw("failed to set transfer log dir", "backend", name, "dir", logDir, "err", err)
		}
		logging.S().Infow("storage client ready", "backend", name, "log_dir", logDir)
		return c, nil
	}, nil
}
