package config

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wizardFixture() *WizardResult {
	return &WizardResult{
		ClusterName:       "lab",
		SSHUser:           "root",
		SSHKeyFile:        "~/.ssh/id_ed25519",
		VPNCIDR:           "10.8.0.0/24",
		PodSupernet:       DefaultPodSupernet,
		ServiceCIDR:       DefaultServiceCIDR,
		KubernetesVersion: DefaultKubernetesVersion,
		CNI:               CNIFlannel,
		WorkerCount:       2,
		ControlPlane:      WizardNode{Hostname: "cp-1", ExternalAddress: "203.0.113.10"},
		Workers: []WizardNode{
			{Hostname: "worker-1", ExternalAddress: "198.51.100.20"},
			{Hostname: "worker-2", ExternalAddress: "192.0.2.30"},
		},
	}
}

func TestWizardResultToConfig(t *testing.T) {
	t.Parallel()
	cfg, err := wizardFixture().ToConfig()
	require.NoError(t, err)

	assert.Equal(t, "lab", cfg.ClusterName)
	assert.Equal(t, "~/.ssh/id_ed25519", cfg.SSHKeyFile)
	assert.Equal(t, "10.8.0.0/24", cfg.VPN.CIDR)
	assert.Equal(t, CNIFlannel, cfg.CNI.Type)

	require.Len(t, cfg.Nodes, 3)
	cp := cfg.Nodes[0]
	assert.Equal(t, "cp-1", cp.Hostname)
	assert.Equal(t, RoleControlPlane, cp.Role)
	assert.Equal(t, "10.8.0.1", cp.VPNAddress)
	assert.Equal(t, 0, cp.Ord())

	assert.Equal(t, "10.8.0.2", cfg.Nodes[1].VPNAddress)
	assert.Equal(t, "10.8.0.3", cfg.Nodes[2].VPNAddress)
	assert.Equal(t, RoleWorker, cfg.Nodes[1].Role)
	assert.Equal(t, 2, cfg.Nodes[2].Ord())

	// Defaults are applied so the saved roster is explicit.
	assert.Equal(t, DefaultWireGuardPort, cfg.VPN.ListenPort)
	assert.Equal(t, DefaultWireGuardInterface, cfg.VPN.Interface)
	assert.Equal(t, "root", cfg.Nodes[0].SSH.User)
	assert.Equal(t, 22, cfg.Nodes[0].SSH.Port)
}

func TestWizardResultToConfig_PassesValidation(t *testing.T) {
	t.Parallel()
	cfg, err := wizardFixture().ToConfig()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
}

func TestWizardResultToConfig_NoWorkers(t *testing.T) {
	t.Parallel()
	result := wizardFixture()
	result.WorkerCount = 0
	result.Workers = nil

	cfg, err := result.ToConfig()
	require.NoError(t, err)
	require.Len(t, cfg.Nodes, 1)
	assert.Equal(t, RoleControlPlane, cfg.Nodes[0].Role)
}

func TestWizardResultToConfig_VPNTooSmall(t *testing.T) {
	t.Parallel()
	result := wizardFixture()
	result.VPNCIDR = "10.8.0.0/30"
	result.Workers = append(result.Workers,
		WizardNode{Hostname: "worker-3", ExternalAddress: "192.0.2.40"},
		WizardNode{Hostname: "worker-4", ExternalAddress: "192.0.2.50"},
	)

	_, err := result.ToConfig()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfig)
	assert.Contains(t, err.Error(), "no room")
}

func TestWizardResultToConfig_DuplicateHostname(t *testing.T) {
	t.Parallel()
	result := wizardFixture()
	result.Workers[1].Hostname = "worker-1"

	_, err := result.ToConfig()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestValidateClusterName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid", "my-cluster", false},
		{"single char", "a", false},
		{"empty", "", true},
		{"uppercase", "MyCluster", true},
		{"leading hyphen", "-cluster", true},
		{"trailing hyphen", "cluster-", true},
		{"underscore", "my_cluster", true},
		{"too long", fmt.Sprintf("%064d", 0), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := validateClusterName(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateHostname(t *testing.T) {
	t.Parallel()
	assert.NoError(t, validateHostname("worker-1"))
	assert.NoError(t, validateHostname("node1.example.com"))
	assert.Error(t, validateHostname(""))
	assert.Error(t, validateHostname("Worker"))
	assert.Error(t, validateHostname(".node"))
	assert.Error(t, validateHostname("node-"))
}

func TestValidateAddress(t *testing.T) {
	t.Parallel()
	assert.NoError(t, validateAddress("203.0.113.10"))
	assert.NoError(t, validateAddress("2001:db8::1"))
	assert.NoError(t, validateAddress("node1.example.com"))
	assert.Error(t, validateAddress(""))
	assert.Error(t, validateAddress("not an address"))
	assert.Error(t, validateAddress("10.0.0.0/24"))
}

func TestValidateCIDR(t *testing.T) {
	t.Parallel()
	assert.NoError(t, validateCIDR("10.8.0.0/24"))
	assert.Error(t, validateCIDR(""))
	assert.Error(t, validateCIDR("10.8.0.0"))
	assert.Error(t, validateCIDR("2001:db8::/64"))
}
