// Package addons installs the pod network on a freshly initialized
// cluster. Flannel is built as typed objects and applied through
// server-side apply; Cilium is delegated to its Helm chart. Both ride the
// WireGuard mesh, so interface selection and MTU are pinned accordingly.
package addons

import (
	"context"
	"fmt"

	"github.com/meshadm/meshadm/internal/config"
	"github.com/meshadm/meshadm/internal/k8s"
)

// CNI is a pod network provider.
type CNI interface {
	// Name returns the provider name as configured in the roster.
	Name() string

	// Install makes the provider present and converged, waiting until its
	// DaemonSet reports ready. Safe to call on a cluster where the
	// provider is already installed.
	Install(ctx context.Context, client k8s.Client) error

	// DaemonSet returns the namespace and name of the provider's
	// DaemonSet, for health polling by reconcile and status.
	DaemonSet() (namespace, name string)
}

// ForConfig returns the provider the roster selects.
func ForConfig(cfg *config.Config, kubeconfig []byte) (CNI, error) {
	switch cfg.CNI.Type {
	case config.CNIFlannel:
		return NewFlannel(cfg), nil
	case config.CNICilium:
		return NewCilium(cfg, kubeconfig), nil
	default:
		return nil, fmt.Errorf("unsupported cni type %q", cfg.CNI.Type)
	}
}
