package chaos

import (
	"context"
	"fmt"

	v1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/testground/faultline/pkg/logging"
)

type K8sConfig struct {
	KubeConfigPath string `toml:"kubeconfig"`
	Namespace      string `toml:"namespace"`
}

// K8sCluster treats the running pods matching the label selector given as
// config id as the nodes of a cluster.
type K8sCluster struct {
	cs        kubernetes.Interface
	namespace string
}

var (
	_ Killer     = (*K8sCluster)(nil)
	_ NodeLister = (*K8sCluster)(nil)
)

func NewK8sCluster(cfg K8sConfig) (*K8sCluster, error) {
	k8scfg, err := clientcmd.BuildConfigFromFlags("", cfg.KubeConfigPath)
	if err != nil {
		return nil, fmt.Errorf("could not start k8s client from config: %w", err)
	}
	cs, err := kubernetes.NewForConfig(k8scfg)
	if err != nil {
		return nil, fmt.Errorf("could not create k8s clientset: %w", err)
	}
	return newK8sCluster(cfg, cs), nil
}

func newK8sCluster(cfg K8sConfig, cs kubernetes.Interface) *K8sCluster {
	ns := cfg.Namespace
	if ns == "" {
		ns = "default"
	}
	return &K8sCluster{cs: cs, namespace: ns}
}

func (k *K8sCluster) Nodes(ctx context.Context, selector string) ([]string, error) {
	pods, err := k.cs.CoreV1().Pods(k.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: selector,
	})
	if err != nil {
		return nil, err
	}

	var names []string
	for _, p := range pods.Items {
		if p.Status.Phase == v1.PodRunning && p.DeletionTimestamp == nil {
			names = append(names, p.Name)
		}
	}
	return names, nil
}

// KillNode deletes the pod named node. Without hard the pod is deleted with
// its default grace period and is expected to be recreated by its
// controller; with hard it is deleted immediately.
func (k *K8sCluster) KillNode(ctx context.Context, selector, node string, hard bool) error {
	log := logging.S().With("selector", selector, "pod", node, "hard", hard)

	if node == "" {
		names, err := k.Nodes(ctx, selector)
		if err != nil {
			return fmt.Errorf("failed to list pods: %w", err)
		}
		if len(names) == 0 {
			log.Debugw("no running pods; nothing to kill")
			return nil
		}
		node = names[0]
	}

	opts := metav1.DeleteOptions{}
	if hard {
		grace := int64(0)
		opts.GracePeriodSeconds = &grace
	}

	err := k.cs.CoreV1().Pods(k.namespace).Delete(ctx, node, opts)
	if apierrors.IsNotFound(err) {
		log.Debugw("pod already gone")
		return nil
	}
	return err
}
