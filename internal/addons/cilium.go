package addons

import (
	"context"
	"fmt"
	"time"

	"helm.sh/helm/v3/pkg/release"

	"github.com/meshadm/meshadm/internal/addons/helm"
	"github.com/meshadm/meshadm/internal/config"
	"github.com/meshadm/meshadm/internal/k8s"
)

const (
	// CiliumNamespace and CiliumDaemonSet locate the cilium agent for
	// readiness polling.
	CiliumNamespace = "kube-system"
	CiliumDaemonSet = "cilium"

	ciliumReleaseName    = "cilium"
	ciliumRepoURL        = "https://helm.cilium.io"
	ciliumChartName      = "cilium"
	defaultCiliumVersion = "1.16.5"

	// ciliumMTU fits the vxlan header inside the WireGuard tunnel
	// (1420 on the wg device, minus 50 for vxlan).
	ciliumMTU = 1370
)

// Cilium installs the Cilium chart with tunnel routing sized for the
// WireGuard underlay.
type Cilium struct {
	// PodSupernet feeds the cluster-pool IPAM.
	PodSupernet string

	Version string
	Timeout time.Duration

	kubeconfig []byte

	// newHelmClient is swapped by tests.
	newHelmClient func(kubeconfig []byte, namespace string) (helmInstaller, error)
}

// helmInstaller is the slice of the helm client Install uses.
type helmInstaller interface {
	InstallOrUpgrade(ctx context.Context, releaseName, repoURL, chartName, version string, values map[string]interface{}) (*release.Release, error)
}

// NewCilium builds the provider from the roster and the admin kubeconfig.
func NewCilium(cfg *config.Config, kubeconfig []byte) *Cilium {
	version := cfg.CNI.Version
	if version == "" {
		version = defaultCiliumVersion
	}
	return &Cilium{
		PodSupernet: cfg.Network.PodSupernet,
		Version:     version,
		Timeout:     5 * time.Minute,
		kubeconfig:  kubeconfig,
	}
}

func (c *Cilium) Name() string { return string(config.CNICilium) }

func (c *Cilium) DaemonSet() (string, string) { return CiliumNamespace, CiliumDaemonSet }

// Values returns the chart values. Pod CIDRs come from cilium's
// cluster-pool IPAM carved from the same supernet the roster allocates
// from, and the MTU leaves headroom for the mesh.
func (c *Cilium) Values() map[string]interface{} {
	return map[string]interface{}{
		"routingMode":    "tunnel",
		"tunnelProtocol": "vxlan",
		"MTU":            ciliumMTU,
		"ipam": map[string]interface{}{
			"mode": "cluster-pool",
			"operator": map[string]interface{}{
				"clusterPoolIPv4PodCIDRList": []string{c.PodSupernet},
				"clusterPoolIPv4MaskSize":    config.NodeCIDRPrefix,
			},
		},
		"operator": map[string]interface{}{
			"replicas": 1,
		},
	}
}

// Install runs install-or-upgrade on the chart and waits for the agent
// DaemonSet to cover every node.
func (c *Cilium) Install(ctx context.Context, client k8s.Client) error {
	newClient := c.newHelmClient
	if newClient == nil {
		newClient = func(kubeconfig []byte, namespace string) (helmInstaller, error) {
			return helm.NewClient(kubeconfig, namespace)
		}
	}

	helmClient, err := newClient(c.kubeconfig, CiliumNamespace)
	if err != nil {
		return fmt.Errorf("failed to create helm client: %w", err)
	}

	if _, err := helmClient.InstallOrUpgrade(ctx, ciliumReleaseName, ciliumRepoURL, ciliumChartName, c.Version, c.Values()); err != nil {
		return fmt.Errorf("failed to install cilium chart: %w", err)
	}

	return client.WaitForDaemonSetReady(ctx, CiliumNamespace, CiliumDaemonSet, c.Timeout)
}
