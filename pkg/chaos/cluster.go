package chaos

import (
	"fmt"
	"reflect"

	"github.com/testground/faultline/pkg/config"
)

// DefaultCluster is the cluster backend used when none is configured.
const DefaultCluster = "command"

// NewCluster builds the cluster backend selected by the [injector] section of
// env. Settings are coalesced from the [clusters.<name>] table of env and the
// given overrides.
func NewCluster(env *config.EnvConfig, overrides ...map[string]interface{}) (Killer, error) {
	name := env.Injector.Cluster
	if name == "" {
		name = DefaultCluster
	}

	var typ reflect.Type
	switch name {
	case "docker":
		typ = reflect.TypeOf(DockerConfig{})
	case "k8s":
		typ = reflect.TypeOf(K8sConfig{})
	case "command":
		typ = reflect.TypeOf(CommandClusterConfig{})
	default:
		return nil, fmt.Errorf("unknown cluster backend: %q", name)
	}

	coalesced := config.CoalescedConfig{}
	if m, ok := env.Clusters[name]; ok {
		coalesced = coalesced.Append(m)
	}
	for _, o := range overrides {
		coalesced = coalesced.Append(o)
	}

	obj, err := coalesced.CoalesceIntoType(typ)
	if err != nil {
		return nil, fmt.Errorf("invalid %s cluster configuration: %w", name, err)
	}

	switch cfg := obj.(type) {
	case *DockerConfig:
		return NewDockerCluster(*cfg)
	case *K8sConfig:
		return NewK8sCluster(*cfg)
	case *CommandClusterConfig:
		return NewCommandCluster(*cfg)
	}
	panic("unreachable")
}
