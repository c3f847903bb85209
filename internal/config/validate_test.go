package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshadm/meshadm/internal/util/ptr"
)

func validConfig() *Config {
	cfg := &Config{
		ClusterName: "lab",
		SSHKeyFile:  "/key",
		VPN:         VPNSpec{CIDR: "10.8.0.0/24"},
		Nodes: []NodeSpec{
			{Hostname: "cp-1", ExternalAddress: "203.0.113.10", VPNAddress: "10.8.0.11", Role: RoleControlPlane},
			{Hostname: "worker-1", ExternalAddress: "198.51.100.20", VPNAddress: "10.8.0.12", Role: RoleWorker},
		},
	}
	cfg.ApplyDefaults()
	cfg.assignOrdinals()
	return cfg
}

func TestValidate_OK(t *testing.T) {
	t.Parallel()
	require.NoError(t, validConfig().Validate())
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "missing cluster name",
			mutate: func(c *Config) { c.ClusterName = "" },
			want:   "cluster_name is required",
		},
		{
			name:   "no nodes",
			mutate: func(c *Config) { c.Nodes = nil },
			want:   "at least one node",
		},
		{
			name:   "duplicate hostname",
			mutate: func(c *Config) { c.Nodes[1].Hostname = "cp-1" },
			want:   "duplicate hostname",
		},
		{
			name:   "no control plane",
			mutate: func(c *Config) { c.Nodes[0].Role = RoleWorker },
			want:   "got none",
		},
		{
			name: "two control planes",
			mutate: func(c *Config) {
				c.Nodes[1].Role = RoleControlPlane
			},
			want: "got 2",
		},
		{
			name:   "bad role",
			mutate: func(c *Config) { c.Nodes[1].Role = "gateway" },
			want:   "role must be",
		},
		{
			name:   "missing external address",
			mutate: func(c *Config) { c.Nodes[0].ExternalAddress = "" },
			want:   "external_address is required",
		},
		{
			name: "no ssh key anywhere",
			mutate: func(c *Config) {
				c.SSHKeyFile = ""
			},
			want: "no SSH key",
		},
		{
			name: "duplicate ordinal",
			mutate: func(c *Config) {
				c.Nodes[1].Ordinal = ptr.Int(0)
			},
			want: "share ordinal",
		},
		{
			name:   "missing vpn cidr",
			mutate: func(c *Config) { c.VPN.CIDR = "" },
			want:   "vpn.cidr is required",
		},
		{
			name:   "vpn address outside cidr",
			mutate: func(c *Config) { c.Nodes[1].VPNAddress = "192.168.50.2" },
			want:   "outside vpn.cidr",
		},
		{
			name: "duplicate vpn address",
			mutate: func(c *Config) {
				c.Nodes[1].VPNAddress = c.Nodes[0].VPNAddress
			},
			want: "share vpn_address",
		},
		{
			name:   "bad pod supernet",
			mutate: func(c *Config) { c.Network.PodSupernet = "10.244.0.0" },
			want:   "pod_supernet",
		},
		{
			name:   "supernet smaller than node block",
			mutate: func(c *Config) { c.Network.PodSupernet = "10.244.0.0/26" },
			want:   "too small",
		},
		{
			name:   "bad cni type",
			mutate: func(c *Config) { c.CNI.Type = "weave" },
			want:   "cni.type",
		},
		{
			name: "backup without endpoint",
			mutate: func(c *Config) {
				c.State.Backup = BackupSpec{Enabled: true, Bucket: "b"}
			},
			want: "backup.endpoint",
		},
		{
			name: "backup without bucket",
			mutate: func(c *Config) {
				c.State.Backup = BackupSpec{Enabled: true, Endpoint: "https://s3.example"}
			},
			want: "backup.bucket",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfig)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestControlPlane(t *testing.T) {
	t.Parallel()
	cfg := validConfig()

	cp, err := cfg.ControlPlane()
	require.NoError(t, err)
	assert.Equal(t, "cp-1", cp.Hostname)

	workers := cfg.Workers()
	require.Len(t, workers, 1)
	assert.Equal(t, "worker-1", workers[0].Hostname)
}

func TestNodeKeyFile_Fallback(t *testing.T) {
	t.Parallel()
	cfg := validConfig()

	assert.Equal(t, "/key", cfg.NodeKeyFile(&cfg.Nodes[0]))

	cfg.Nodes[0].SSH.KeyFile = "/special"
	assert.Equal(t, "/special", cfg.NodeKeyFile(&cfg.Nodes[0]))
}
