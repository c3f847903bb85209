// Package k8s wraps the slice of the Kubernetes API meshadm drives:
// server-side apply of rendered CNI manifests, node inspection for
// verification and status, and readiness polling. Clients are built from
// kubeconfig bytes retrieved over SSH, never from files on disk.
package k8s

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/restmapper"
	"k8s.io/client-go/tools/clientcmd"
)

// Client is the cluster-side API surface used by bootstrap, reconcile and
// status. Implementations are safe for concurrent use.
type Client interface {
	// ApplyManifests applies multi-document YAML using Server-Side Apply.
	ApplyManifests(ctx context.Context, manifests []byte) error

	// ListNodes returns every node object in the cluster.
	ListNodes(ctx context.Context) ([]corev1.Node, error)

	// GetNode returns a single node by name.
	GetNode(ctx context.Context, name string) (*corev1.Node, error)

	// DeleteNode removes a node object, returning nil if it does not exist.
	DeleteNode(ctx context.Context, name string) error

	// WaitForNodeReady polls until the named node reports a true Ready
	// condition or the timeout elapses.
	WaitForNodeReady(ctx context.Context, name string, timeout time.Duration) error

	// WaitForDaemonSetReady polls until every scheduled pod of the
	// DaemonSet is ready or the timeout elapses.
	WaitForDaemonSetReady(ctx context.Context, namespace, name string, timeout time.Duration) error

	// DaemonSetHealth reports in one shot whether every scheduled pod of
	// the DaemonSet is ready, with a short human-readable summary.
	DaemonSetHealth(ctx context.Context, namespace, name string) (bool, string, error)
}

// client implements Client using k8s.io/client-go.
type client struct {
	clientset     kubernetes.Interface
	dynamicClient dynamic.Interface
	mapper        meta.RESTMapper
}

// NewFromKubeconfig creates a Client from raw kubeconfig bytes, as fetched
// from the control plane after kubeadm init.
func NewFromKubeconfig(kubeconfig []byte) (Client, error) {
	restConfig, err := clientcmd.RESTConfigFromKubeConfig(kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create REST config from kubeconfig: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes clientset: %w", err)
	}

	dynamicClient, err := dynamic.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamic client: %w", err)
	}

	discoveryClient, err := discovery.NewDiscoveryClientForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery client: %w", err)
	}

	groupResources, err := restmapper.GetAPIGroupResources(discoveryClient)
	if err != nil {
		return nil, fmt.Errorf("failed to discover API groups: %w", err)
	}

	return &client{
		clientset:     clientset,
		dynamicClient: dynamicClient,
		mapper:        restmapper.NewDiscoveryRESTMapper(groupResources),
	}, nil
}

// NewFromClients creates a Client from pre-built clients. Used by tests.
func NewFromClients(clientset kubernetes.Interface, dynamicClient dynamic.Interface, mapper meta.RESTMapper) Client {
	return &client{
		clientset:     clientset,
		dynamicClient: dynamicClient,
		mapper:        mapper,
	}
}
