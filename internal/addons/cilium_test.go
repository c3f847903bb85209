package addons

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"helm.sh/helm/v3/pkg/release"

	"github.com/meshadm/meshadm/internal/config"
	"github.com/meshadm/meshadm/internal/k8s"
)

type fakeHelm struct {
	releaseName string
	repoURL     string
	chartName   string
	version     string
	values      map[string]interface{}
	err         error
}

func (f *fakeHelm) InstallOrUpgrade(_ context.Context, releaseName, repoURL, chartName, version string, values map[string]interface{}) (*release.Release, error) {
	f.releaseName = releaseName
	f.repoURL = repoURL
	f.chartName = chartName
	f.version = version
	f.values = values
	if f.err != nil {
		return nil, f.err
	}
	return &release.Release{Name: releaseName}, nil
}

func ciliumConfig() *config.Config {
	return &config.Config{
		VPN:     config.VPNSpec{CIDR: "10.10.0.0/24", ListenPort: 51820, Interface: "wg0"},
		Network: config.NetworkSpec{PodSupernet: "10.244.0.0/16"},
		CNI:     config.CNISpec{Type: config.CNICilium},
	}
}

func TestCiliumValues(t *testing.T) {
	t.Parallel()

	c := NewCilium(ciliumConfig(), []byte("kubeconfig"))
	values := c.Values()

	assert.Equal(t, "tunnel", values["routingMode"])
	assert.Equal(t, "vxlan", values["tunnelProtocol"])
	assert.Equal(t, ciliumMTU, values["MTU"])

	ipam, ok := values["ipam"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "cluster-pool", ipam["mode"])

	operator, ok := ipam["operator"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, []string{"10.244.0.0/16"}, operator["clusterPoolIPv4PodCIDRList"])
	assert.Equal(t, config.NodeCIDRPrefix, operator["clusterPoolIPv4MaskSize"])
}

func TestNewCilium_Version(t *testing.T) {
	t.Parallel()

	cfg := ciliumConfig()
	assert.Equal(t, defaultCiliumVersion, NewCilium(cfg, nil).Version)

	cfg.CNI.Version = "1.17.0"
	assert.Equal(t, "1.17.0", NewCilium(cfg, nil).Version)
}

func TestCiliumInstall(t *testing.T) {
	t.Parallel()

	fh := &fakeHelm{}
	c := NewCilium(ciliumConfig(), []byte("kubeconfig"))
	c.newHelmClient = func(_ []byte, _ string) (helmInstaller, error) {
		return fh, nil
	}

	fake := k8s.NewFake()
	require.NoError(t, c.Install(context.Background(), fake))

	assert.Equal(t, ciliumReleaseName, fh.releaseName)
	assert.Equal(t, ciliumRepoURL, fh.repoURL)
	assert.Equal(t, ciliumChartName, fh.chartName)
	assert.Equal(t, defaultCiliumVersion, fh.version)
	assert.Equal(t, "tunnel", fh.values["routingMode"])
}

func TestCiliumInstall_HelmError(t *testing.T) {
	t.Parallel()

	fh := &fakeHelm{err: errors.New("chart not found")}
	c := NewCilium(ciliumConfig(), []byte("kubeconfig"))
	c.newHelmClient = func(_ []byte, _ string) (helmInstaller, error) {
		return fh, nil
	}

	err := c.Install(context.Background(), k8s.NewFake())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to install cilium chart")
}

func TestCiliumInstall_DaemonSetNeverReady(t *testing.T) {
	t.Parallel()

	c := NewCilium(ciliumConfig(), []byte("kubeconfig"))
	c.newHelmClient = func(_ []byte, _ string) (helmInstaller, error) {
		return &fakeHelm{}, nil
	}

	fake := k8s.NewFake()
	fake.DaemonSetsReady = false

	err := c.Install(context.Background(), fake)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
