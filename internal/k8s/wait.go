package k8s

import (
	"context"
	"fmt"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
)

const pollInterval = 5 * time.Second

// WaitForNodeReady polls the named node until it reports a true Ready
// condition. A node that has not registered yet is treated as not ready
// rather than as an error. On timeout the returned error wraps
// context.DeadlineExceeded.
func (c *client) WaitForNodeReady(ctx context.Context, name string, timeout time.Duration) error {
	err := wait.PollUntilContextTimeout(ctx, pollInterval, timeout, true, func(ctx context.Context) (bool, error) {
		node, err := c.clientset.CoreV1().Nodes().Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return false, nil
		}
		return NodeReady(node), nil
	})
	if err != nil {
		return fmt.Errorf("waiting for node %s to become ready: %w", name, err)
	}
	return nil
}

// WaitForDaemonSetReady polls the DaemonSet until every scheduled pod is
// ready. A DaemonSet with nothing scheduled yet counts as not ready.
func (c *client) WaitForDaemonSetReady(ctx context.Context, namespace, name string, timeout time.Duration) error {
	err := wait.PollUntilContextTimeout(ctx, pollInterval, timeout, true, func(ctx context.Context) (bool, error) {
		ds, err := c.clientset.AppsV1().DaemonSets(namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return false, nil
		}
		if ds.Status.DesiredNumberScheduled == 0 {
			return false, nil
		}
		return ds.Status.NumberReady == ds.Status.DesiredNumberScheduled, nil
	})
	if err != nil {
		return fmt.Errorf("waiting for daemonset %s/%s to become ready: %w", namespace, name, err)
	}
	return nil
}

// DaemonSetHealth checks the DaemonSet once, without polling.
func (c *client) DaemonSetHealth(ctx context.Context, namespace, name string) (bool, string, error) {
	ds, err := c.clientset.AppsV1().DaemonSets(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return false, "", fmt.Errorf("failed to get daemonset %s/%s: %w", namespace, name, err)
	}
	summary := fmt.Sprintf("%d/%d ready", ds.Status.NumberReady, ds.Status.DesiredNumberScheduled)
	if ds.Status.DesiredNumberScheduled == 0 {
		return false, "0 scheduled", nil
	}
	return ds.Status.NumberReady == ds.Status.DesiredNumberScheduled, summary, nil
}
