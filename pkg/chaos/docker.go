package chaos

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"github.com/testground/faultline/pkg/logging"
)

// ClusterLabel is the container label naming the cluster a container
// belongs to.
const ClusterLabel = "faultline.cluster"

type DockerConfig struct {
	// Label overrides ClusterLabel.
	Label string `toml:"label"`
}

// dockerAPI is the subset of the docker client used by DockerCluster.
type dockerAPI interface {
	ContainerList(ctx context.Context, options types.ContainerListOptions) ([]types.Container, error)
	ContainerRestart(ctx context.Context, containerID string, timeout *time.Duration) error
	ContainerRemove(ctx context.Context, containerID string, options types.ContainerRemoveOptions) error
}

// DockerCluster treats the running containers labelled
// <label>=<config id> as the nodes of a cluster.
type DockerCluster struct {
	api   dockerAPI
	label string
}

var (
	_ Killer     = (*DockerCluster)(nil)
	_ NodeLister = (*DockerCluster)(nil)
)

// NewDockerCluster connects to the docker daemon configured in the
// environment.
func NewDockerCluster(cfg DockerConfig) (*DockerCluster, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newDockerCluster(cfg, cli), nil
}

func newDockerCluster(cfg DockerConfig, api dockerAPI) *DockerCluster {
	label := cfg.Label
	if label == "" {
		label = ClusterLabel
	}
	return &DockerCluster{api: api, label: label}
}

func (d *DockerCluster) running(ctx context.Context, configID string) ([]types.Container, error) {
	return d.api.ContainerList(ctx, types.ContainerListOptions{
		Filters: filters.NewArgs(
			filters.Arg("label", d.label+"="+configID),
			filters.Arg("status", "running"),
		),
	})
}

// Nodes returns the IDs of the running containers of the cluster.
func (d *DockerCluster) Nodes(ctx context.Context, configID string) ([]string, error) {
	containers, err := d.running(ctx, configID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// KillNode restarts the container of node with no grace period, or removes it
// when hard is set. node may be a container ID, an ID prefix or a name; when
// empty the first running container is used.
func (d *DockerCluster) KillNode(ctx context.Context, configID, node string, hard bool) error {
	log := logging.S().With("cluster", configID, "node", node, "hard", hard)

	containers, err := d.running(ctx, configID)
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}

	var id string
	for _, c := range containers {
		if matchContainer(c, node) {
			id = c.ID
			break
		}
	}
	if id == "" {
		log.Debugw("container not running; nothing to kill")
		return nil
	}

	if hard {
		err = d.api.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: true})
	} else {
		zero := time.Duration(0)
		err = d.api.ContainerRestart(ctx, id, &zero)
	}
	if client.IsErrNotFound(err) {
		log.Debugw("container vanished before kill")
		return nil
	}
	return err
}

func matchContainer(c types.Container, node string) bool {
	if node == "" {
		return true
	}
	if strings.HasPrefix(c.ID, node) {
		return true
	}
	for _, n := range c.Names {
		if strings.TrimPrefix(n, "/") == node {
			return true
		}
	}
	return false
}
