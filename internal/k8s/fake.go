package k8s

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Fake is an in-memory Client for exercising bootstrap, reconcile and
// status flows without a cluster. Wait methods return immediately: a
// condition that is not already met fails with a timeout error instead of
// polling.
type Fake struct {
	mu sync.Mutex

	// Nodes is the cluster view served to node lookups, keyed by name.
	Nodes map[string]*corev1.Node

	// Manifests records every payload passed to ApplyManifests.
	Manifests [][]byte

	// DeletedNodes records names passed to DeleteNode.
	DeletedNodes []string

	// ApplyErr, when set, is returned by ApplyManifests.
	ApplyErr error

	// DaemonSetsReady, when false, makes WaitForDaemonSetReady time out
	// and DaemonSetHealth report unhealthy.
	DaemonSetsReady bool

	// DaemonSetErr, when set, is returned by DaemonSetHealth.
	DaemonSetErr error
}

var _ Client = (*Fake)(nil)

// NewFake returns a Fake pre-populated with the given nodes.
func NewFake(nodes ...*corev1.Node) *Fake {
	f := &Fake{
		Nodes:           make(map[string]*corev1.Node),
		DaemonSetsReady: true,
	}
	for _, node := range nodes {
		f.Nodes[node.Name] = node
	}
	return f
}

func (f *Fake) ApplyManifests(_ context.Context, manifests []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ApplyErr != nil {
		return f.ApplyErr
	}
	f.Manifests = append(f.Manifests, manifests)
	return nil
}

func (f *Fake) ListNodes(_ context.Context) ([]corev1.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	nodes := make([]corev1.Node, 0, len(f.Nodes))
	for _, node := range f.Nodes {
		nodes = append(nodes, *node)
	}
	return nodes, nil
}

func (f *Fake) GetNode(_ context.Context, name string) (*corev1.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	node, ok := f.Nodes[name]
	if !ok {
		return nil, fmt.Errorf("failed to get node %s: not found", name)
	}
	return node.DeepCopy(), nil
}

func (f *Fake) DeleteNode(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Nodes, name)
	f.DeletedNodes = append(f.DeletedNodes, name)
	return nil
}

func (f *Fake) WaitForNodeReady(_ context.Context, name string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	node, ok := f.Nodes[name]
	if !ok || !NodeReady(node) {
		return fmt.Errorf("waiting for node %s to become ready: %w", name, context.DeadlineExceeded)
	}
	return nil
}

func (f *Fake) WaitForDaemonSetReady(_ context.Context, namespace, name string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.DaemonSetsReady {
		return fmt.Errorf("waiting for daemonset %s/%s to become ready: %w", namespace, name, context.DeadlineExceeded)
	}
	return nil
}

func (f *Fake) DaemonSetHealth(_ context.Context, _, _ string) (bool, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DaemonSetErr != nil {
		return false, "", f.DaemonSetErr
	}
	if !f.DaemonSetsReady {
		return false, "0/1 ready", nil
	}
	return true, "1/1 ready", nil
}

// SetNodeReady inserts or updates a node with the given Ready condition,
// simulating kubelet registration during a bootstrap run.
func (f *Fake) SetNodeReady(name string, ready bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	status := corev1.ConditionFalse
	if ready {
		status = corev1.ConditionTrue
	}

	node, ok := f.Nodes[name]
	if !ok {
		node = &corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: name}}
		f.Nodes[name] = node
	}

	for i, cond := range node.Status.Conditions {
		if cond.Type == corev1.NodeReady {
			node.Status.Conditions[i].Status = status
			return
		}
	}
	node.Status.Conditions = append(node.Status.Conditions, corev1.NodeCondition{
		Type:   corev1.NodeReady,
		Status: status,
	})
}

// AppliedManifestContaining reports whether any applied manifest contains
// the given substring.
func (f *Fake) AppliedManifestContaining(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.Manifests {
		if strings.Contains(string(m), substr) {
			return true
		}
	}
	return false
}
