package chaos

import (
	"context"
	"errors"
	"fmt"
	"io/ioutil"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/testground/faultline/pkg/config"
)

type fakeDocker struct {
	sync.Mutex
	containers []types.Container
	restarted  []string
	removed    []string
	// vanish makes every kill fail as if the container was already gone.
	vanish bool
}

func (f *fakeDocker) ContainerList(ctx context.Context, options types.ContainerListOptions) ([]types.Container, error) {
	f.Lock()
	defer f.Unlock()

	var out []types.Container
	for _, c := range f.containers {
		if c.State != "running" {
			continue
		}
		ok := true
		for _, l := range options.Filters.Get("label") {
			kv := strings.SplitN(l, "=", 2)
			if c.Labels[kv[0]] != kv[1] {
				ok = false
			}
		}
		if ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeDocker) ContainerRestart(ctx context.Context, id string, timeout *time.Duration) error {
	f.Lock()
	defer f.Unlock()
	if f.vanish {
		return errdefs.NotFound(fmt.Errorf("no such container: %s", id))
	}
	if timeout == nil || *timeout != 0 {
		return errors.New("expected zero grace period")
	}
	f.restarted = append(f.restarted, id)
	return nil
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, id string, options types.ContainerRemoveOptions) error {
	f.Lock()
	defer f.Unlock()
	if f.vanish {
		return errdefs.NotFound(fmt.Errorf("no such container: %s", id))
	}
	if !options.Force {
		return errors.New("expected forced removal")
	}
	f.removed = append(f.removed, id)
	for i, c := range f.containers {
		if c.ID == id {
			f.containers = append(f.containers[:i], f.containers[i+1:]...)
			break
		}
	}
	return nil
}

func newFakeDocker() *fakeDocker {
	labels := func(cluster string) map[string]string {
		return map[string]string{ClusterLabel: cluster}
	}
	return &fakeDocker{containers: []types.Container{
		{ID: "aaa111", Names: []string{"/head"}, State: "running", Labels: labels("c1")},
		{ID: "bbb222", Names: []string{"/worker-1"}, State: "running", Labels: labels("c1")},
		{ID: "ccc333", Names: []string{"/worker-2"}, State: "exited", Labels: labels("c1")},
		{ID: "ddd444", Names: []string{"/other"}, State: "running", Labels: labels("c2")},
	}}
}

func TestDockerClusterNodes(t *testing.T) {
	d := newDockerCluster(DockerConfig{}, newFakeDocker())

	nodes, err := d.Nodes(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"aaa111", "bbb222"}, nodes)
}

func TestDockerClusterKill(t *testing.T) {
	api := newFakeDocker()
	d := newDockerCluster(DockerConfig{}, api)
	ctx := context.Background()

	require.NoError(t, d.KillNode(ctx, "c1", "worker-1", false))
	assert.Equal(t, []string{"bbb222"}, api.restarted)

	require.NoError(t, d.KillNode(ctx, "c1", "aaa", true))
	assert.Equal(t, []string{"aaa111"}, api.removed)

	// already dead, stopped, or in another cluster.
	require.NoError(t, d.KillNode(ctx, "c1", "aaa111", true))
	require.NoError(t, d.KillNode(ctx, "c1", "worker-2", true))
	require.NoError(t, d.KillNode(ctx, "c1", "other", true))
	assert.Equal(t, []string{"aaa111"}, api.removed)

	// empty node picks the first running container.
	require.NoError(t, d.KillNode(ctx, "c1", "", false))
	assert.Equal(t, []string{"bbb222", "bbb222"}, api.restarted)
}

func TestDockerClusterKillVanishedContainer(t *testing.T) {
	api := newFakeDocker()
	api.vanish = true
	d := newDockerCluster(DockerConfig{}, api)

	assert.NoError(t, d.KillNode(context.Background(), "c1", "head", true))
	assert.NoError(t, d.KillNode(context.Background(), "c1", "head", false))
}

func pod(name, app string, phase v1.PodPhase) *v1.Pod {
	return &v1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: "default",
			Labels:    map[string]string{"app": app},
		},
		Status: v1.PodStatus{Phase: phase},
	}
}

func TestK8sClusterKill(t *testing.T) {
	cs := fake.NewSimpleClientset(
		pod("ray-head", "ray", v1.PodRunning),
		pod("ray-worker-0", "ray", v1.PodRunning),
		pod("ray-worker-1", "ray", v1.PodPending),
		pod("nginx", "web", v1.PodRunning),
	)
	k := newK8sCluster(K8sConfig{}, cs)
	ctx := context.Background()

	nodes, err := k.Nodes(ctx, "app=ray")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ray-head", "ray-worker-0"}, nodes)

	require.NoError(t, k.KillNode(ctx, "app=ray", "ray-worker-0", true))
	nodes, err = k.Nodes(ctx, "app=ray")
	require.NoError(t, err)
	assert.Equal(t, []string{"ray-head"}, nodes)

	// deleting a pod that is already gone is a no-op.
	require.NoError(t, k.KillNode(ctx, "app=ray", "ray-worker-0", false))

	require.NoError(t, k.KillNode(ctx, "app=ray", "", false))
	nodes, err = k.Nodes(ctx, "app=ray")
	require.NoError(t, err)
	assert.Empty(t, nodes)

	require.NoError(t, k.KillNode(ctx, "app=ray", "", false))

	_, err = cs.CoreV1().Pods("default").Get(ctx, "nginx", metav1.GetOptions{})
	assert.NoError(t, err)
}

func TestCommandClusterExpandsTemplate(t *testing.T) {
	c := &CommandCluster{cfg: CommandClusterConfig{Template: DefaultKillTemplate}}

	assert.Equal(t, "ray kill-random-node '/home/ubuntu/ray.yaml' --yes --hard",
		c.command("/home/ubuntu/ray.yaml", "", true))
	assert.Equal(t, "ray kill-random-node 'it'\\''s.yaml' --yes ",
		c.command("it's.yaml", "", false))
	assert.Equal(t, "ray", c.Executable())
}

func TestCommandClusterRunsCommand(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	out := filepath.Join(t.TempDir(), "killed")

	c, err := NewCommandCluster(CommandClusterConfig{
		Template: "echo {config} {node} {hard} > " + out,
	})
	require.NoError(t, err)
	require.NoError(t, c.KillNode(context.Background(), "cfg", "n1", true))

	b, err := ioutil.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "cfg n1 --hard\n", string(b))

	c, err = NewCommandCluster(CommandClusterConfig{Template: "echo cannot kill >&2; exit 3"})
	require.NoError(t, err)
	err = c.KillNode(context.Background(), "cfg", "", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot kill")
}

func TestNewClusterSelectsBackend(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	env, err := config.LoadFrom(t.TempDir(), `
[injector]
cluster = "command"

[clusters.command]
template = "true {config} {hard}"
`)
	require.NoError(t, err)

	k, err := NewCluster(env)
	require.NoError(t, err)
	c, ok := k.(*CommandCluster)
	require.True(t, ok)
	assert.Equal(t, "true {config} {hard}", c.cfg.Template)

	env.Injector.Cluster = "nomad"
	_, err = NewCluster(env)
	assert.Error(t, err)
}
