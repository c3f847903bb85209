package addons

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	sigsyaml "sigs.k8s.io/yaml"

	"github.com/meshadm/meshadm/internal/config"
	"github.com/meshadm/meshadm/internal/k8s"
)

func flannelConfig() *config.Config {
	return &config.Config{
		VPN:     config.VPNSpec{CIDR: "10.10.0.0/24", ListenPort: 51820, Interface: "wg0"},
		Network: config.NetworkSpec{PodSupernet: "10.244.0.0/16"},
		CNI:     config.CNISpec{Type: config.CNIFlannel},
	}
}

func TestFlannelManifests(t *testing.T) {
	t.Parallel()

	f := NewFlannel(flannelConfig())

	manifests, err := f.Manifests()
	require.NoError(t, err)

	text := string(manifests)
	assert.Len(t, strings.Split(text, "---\n"), 6)

	assert.Contains(t, text, "kind: Namespace")
	assert.Contains(t, text, "kind: ServiceAccount")
	assert.Contains(t, text, "kind: ClusterRole")
	assert.Contains(t, text, "kind: ClusterRoleBinding")
	assert.Contains(t, text, "kind: ConfigMap")
	assert.Contains(t, text, "kind: DaemonSet")

	assert.Contains(t, text, `"Network": "10.244.0.0/16"`)
	assert.Contains(t, text, `"Type": "vxlan"`)
	assert.Contains(t, text, "--iface=wg0")
}

func TestFlannelManifests_Deterministic(t *testing.T) {
	t.Parallel()

	f := NewFlannel(flannelConfig())

	first, err := f.Manifests()
	require.NoError(t, err)
	second, err := f.Manifests()
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second))
}

func TestFlannelDaemonSetSpec(t *testing.T) {
	t.Parallel()

	f := NewFlannel(flannelConfig())

	manifests, err := f.Manifests()
	require.NoError(t, err)

	var ds *appsv1.DaemonSet
	for _, doc := range strings.Split(string(manifests), "---\n") {
		if strings.Contains(doc, "kind: DaemonSet") {
			ds = &appsv1.DaemonSet{}
			require.NoError(t, sigsyaml.Unmarshal([]byte(doc), ds))
		}
	}
	require.NotNil(t, ds)

	assert.Equal(t, FlannelDaemonSet, ds.Name)
	assert.Equal(t, FlannelNamespace, ds.Namespace)

	pod := ds.Spec.Template.Spec
	assert.True(t, pod.HostNetwork)
	assert.Equal(t, flannelServiceAccount, pod.ServiceAccountName)
	require.Len(t, pod.Containers, 1)
	assert.Contains(t, pod.Containers[0].Args, "--kube-subnet-mgr")
	assert.Contains(t, pod.Containers[0].Args, "--iface=wg0")
	assert.Equal(t, flannelImage+":"+defaultFlannelVersion, pod.Containers[0].Image)
	require.Len(t, pod.InitContainers, 2)
}

func TestNewFlannel_Version(t *testing.T) {
	t.Parallel()

	cfg := flannelConfig()
	assert.Equal(t, defaultFlannelVersion, NewFlannel(cfg).Version)

	cfg.CNI.Version = "v0.25.1"
	assert.Equal(t, "v0.25.1", NewFlannel(cfg).Version)
}

func TestFlannelInstall(t *testing.T) {
	t.Parallel()

	fake := k8s.NewFake()
	f := NewFlannel(flannelConfig())

	require.NoError(t, f.Install(context.Background(), fake))
	assert.True(t, fake.AppliedManifestContaining("kube-flannel"))
}

func TestFlannelInstall_DaemonSetNeverReady(t *testing.T) {
	t.Parallel()

	fake := k8s.NewFake()
	fake.DaemonSetsReady = false

	err := NewFlannel(flannelConfig()).Install(context.Background(), fake)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
