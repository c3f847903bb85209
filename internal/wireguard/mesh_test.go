package wireguard

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshadm/meshadm/internal/config"
)

func meshConfig() *config.Config {
	cfg := &config.Config{
		ClusterName: "lab",
		SSHKeyFile:  "/key",
		VPN:         config.VPNSpec{CIDR: "10.8.0.0/24"},
		Nodes: []config.NodeSpec{
			{Hostname: "cp-1", ExternalAddress: "203.0.113.10", VPNAddress: "10.8.0.11", Role: config.RoleControlPlane},
			{Hostname: "worker-1", ExternalAddress: "198.51.100.20", VPNAddress: "10.8.0.12", Role: config.RoleWorker},
			{Hostname: "worker-2", ExternalAddress: "192.0.2.30", VPNAddress: "10.8.0.13", Role: config.RoleWorker},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func meshKeys(t *testing.T, cfg *config.Config) map[string]*KeyPair {
	t.Helper()
	keys := make(map[string]*KeyPair)
	for i := range cfg.Nodes {
		pair, err := GenerateKeyPair()
		require.NoError(t, err)
		keys[cfg.Nodes[i].Hostname] = pair
	}
	return keys
}

func TestBuildMesh_FullMesh(t *testing.T) {
	t.Parallel()
	cfg := meshConfig()
	keys := meshKeys(t, cfg)
	podCIDRs := map[string]string{
		"cp-1":     "10.244.0.0/24",
		"worker-1": "10.244.1.0/24",
		"worker-2": "10.244.2.0/24",
	}

	mesh, err := BuildMesh(cfg, keys, podCIDRs)
	require.NoError(t, err)
	require.Len(t, mesh, 3)

	cp := mesh["cp-1"]
	assert.Equal(t, "10.8.0.11/24", cp.Interface.Address)
	assert.Equal(t, keys["cp-1"].PrivateKey, cp.Interface.PrivateKey)
	assert.Equal(t, config.DefaultWireGuardPort, cp.Interface.ListenPort)

	// Every node peers with the two others.
	require.Len(t, cp.Peers, 2)
	assert.Equal(t, keys["worker-1"].PublicKey, cp.Peers[0].PublicKey)
	assert.Equal(t, "198.51.100.20:51820", cp.Peers[0].Endpoint)
	assert.Equal(t, []string{"10.8.0.12/32", "10.244.1.0/24"}, cp.Peers[0].AllowedIPs)
	assert.Equal(t, DefaultKeepalive, cp.Peers[0].PersistentKeepalive)

	worker := mesh["worker-2"]
	require.Len(t, worker.Peers, 2)
	assert.Equal(t, keys["cp-1"].PublicKey, worker.Peers[0].PublicKey)
}

func TestBuildMesh_WithoutPodCIDRs(t *testing.T) {
	t.Parallel()
	cfg := meshConfig()
	keys := meshKeys(t, cfg)

	mesh, err := BuildMesh(cfg, keys, nil)
	require.NoError(t, err)

	for _, device := range mesh {
		for _, peer := range device.Peers {
			require.Len(t, peer.AllowedIPs, 1)
			assert.True(t, strings.HasSuffix(peer.AllowedIPs[0], "/32"))
		}
	}
}

func TestBuildMesh_MissingKey(t *testing.T) {
	t.Parallel()
	cfg := meshConfig()
	keys := meshKeys(t, cfg)
	delete(keys, "worker-2")

	_, err := BuildMesh(cfg, keys, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker-2")
}

func TestDeviceConfig_Render(t *testing.T) {
	t.Parallel()
	device := &DeviceConfig{
		Interface: Interface{
			Address:    "10.8.0.11/24",
			PrivateKey: "PRIV",
			ListenPort: 51820,
		},
		Peers: []Peer{
			{
				PublicKey:           "PUB1",
				Endpoint:            "198.51.100.20:51820",
				AllowedIPs:          []string{"10.8.0.12/32", "10.244.1.0/24"},
				PersistentKeepalive: 25,
			},
			{
				PublicKey:  "PUB2",
				AllowedIPs: []string{"10.8.0.13/32"},
			},
		},
	}

	rendered := device.Render()

	expected := `[Interface]
Address = 10.8.0.11/24
PrivateKey = PRIV
ListenPort = 51820

[Peer]
PublicKey = PUB1
Endpoint = 198.51.100.20:51820
AllowedIPs = 10.8.0.12/32, 10.244.1.0/24
PersistentKeepalive = 25

[Peer]
PublicKey = PUB2
AllowedIPs = 10.8.0.13/32
`
	assert.Equal(t, expected, rendered)

	// Rendering twice yields identical bytes.
	assert.Equal(t, rendered, device.Render())
}

func TestParseHandshakes(t *testing.T) {
	t.Parallel()
	output := "PUB1\t1700000000\nPUB2\t0\n\nmalformed line here\n"

	handshakes := ParseHandshakes(output)
	assert.Equal(t, int64(1700000000), handshakes["PUB1"])
	assert.Equal(t, int64(0), handshakes["PUB2"])
	assert.Len(t, handshakes, 2)
}
