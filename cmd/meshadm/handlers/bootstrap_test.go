package handlers

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshadm/meshadm/internal/bootstrap"
	"github.com/meshadm/meshadm/internal/config"
	"github.com/meshadm/meshadm/internal/remote"
	"github.com/meshadm/meshadm/internal/state"
	"github.com/meshadm/meshadm/internal/util/ptr"
)

// fixtureConfig is a three-node roster shared by the handler tests.
func fixtureConfig() *config.Config {
	cfg := &config.Config{
		ClusterName: "lab",
		SSHKeyFile:  "~/.ssh/id_ed25519",
		VPN:         config.VPNSpec{CIDR: "10.8.0.0/24"},
		Nodes: []config.NodeSpec{
			{Hostname: "cp-1", ExternalAddress: "203.0.113.10", VPNAddress: "10.8.0.1", Role: config.RoleControlPlane, Ordinal: ptr.Int(0)},
			{Hostname: "worker-1", ExternalAddress: "203.0.113.11", VPNAddress: "10.8.0.2", Role: config.RoleWorker, Ordinal: ptr.Int(1)},
			{Hostname: "worker-2", ExternalAddress: "203.0.113.12", VPNAddress: "10.8.0.3", Role: config.RoleWorker, Ordinal: ptr.Int(2)},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

// fixtureStore opens a real store in a temp dir.
func fixtureStore(t *testing.T) *state.Store {
	t.Helper()
	store, err := state.Open(filepath.Join(t.TempDir(), "state.yaml"), "lab")
	require.NoError(t, err)
	return store
}

// engineMock records engine invocations.
type engineMock struct {
	runOpts      *bootstrap.Options
	runErr       error
	teardownOpts *bootstrap.TeardownOptions
	teardownErr  error
}

func (m *engineMock) Run(_ context.Context, opts bootstrap.Options) error {
	m.runOpts = &opts
	return m.runErr
}

func (m *engineMock) Teardown(_ context.Context, opts bootstrap.TeardownOptions) error {
	m.teardownOpts = &opts
	return m.teardownErr
}

// saveAndRestoreEngineFactories saves and restores the factory variables
// shared by the bootstrap-driven handlers.
func saveAndRestoreEngineFactories(t *testing.T) {
	origLoad := loadConfig
	origOpen := openStore
	origDial := newDial
	origEngine := newEngine
	origUploader := newUploader

	t.Cleanup(func() {
		loadConfig = origLoad
		openStore = origOpen
		newDial = origDial
		newEngine = origEngine
		newUploader = origUploader
	})
}

// installEngineFixture wires the fixture roster, a temp store, and a mock
// engine into the factory variables.
func installEngineFixture(t *testing.T, mock *engineMock) (*config.Config, *state.Store) {
	t.Helper()
	cfg := fixtureConfig()
	store := fixtureStore(t)

	loadConfig = func(_ string) (*config.Config, error) { return cfg, nil }
	openStore = func(_ *config.Config, _ string) (*state.Store, error) { return store, nil }
	newDial = func(_ *config.Config) bootstrap.DialFunc {
		return func(_ *config.NodeSpec) (remote.Executor, error) {
			return nil, errors.New("no dialing in tests")
		}
	}
	newEngine = func(_ *config.Config, _ *state.Store, _ *config.Timeouts, _ bootstrap.Observer, _ bootstrap.DialFunc) Runner {
		return mock
	}
	return cfg, store
}

func TestBootstrap(t *testing.T) {
	saveAndRestoreEngineFactories(t)

	mock := &engineMock{}
	_, store := installEngineFixture(t, mock)
	require.NoError(t, store.SetStage("cp-1", state.StageVerified))
	require.NoError(t, store.SetStage("worker-1", state.StageVerified))
	require.NoError(t, store.SetStage("worker-2", state.StageVerified))

	var err error
	output := captureOutput(func() {
		err = Bootstrap(context.Background(), BootstrapOptions{ConfigPath: "meshadm.yaml", Role: "all"})
	})

	require.NoError(t, err)
	require.NotNil(t, mock.runOpts)
	assert.Equal(t, bootstrap.RoleAll, mock.runOpts.Roles)
	assert.False(t, mock.runOpts.SkipMeshCheck)

	assert.Contains(t, output, "Bootstrap summary")
	assert.Contains(t, output, "cp-1")
	assert.Contains(t, output, "worker-2")
	assert.Contains(t, output, "Cluster lab is up.")
	assert.Contains(t, output, "export KUBECONFIG=")
	assert.Contains(t, output, "meshadm reconcile --watch")
}

func TestBootstrap_InvalidRole(t *testing.T) {
	saveAndRestoreEngineFactories(t)
	loadConfig = func(_ string) (*config.Config, error) {
		t.Fatal("config should not be loaded for an invalid role")
		return nil, nil
	}

	err := Bootstrap(context.Background(), BootstrapOptions{Role: "gateway"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway")
}

func TestBootstrap_SkipMeshCheckPassesThrough(t *testing.T) {
	saveAndRestoreEngineFactories(t)

	mock := &engineMock{}
	installEngineFixture(t, mock)

	_ = captureOutput(func() {
		err := Bootstrap(context.Background(), BootstrapOptions{Role: "worker", SkipMeshCheck: true})
		require.NoError(t, err)
	})

	require.NotNil(t, mock.runOpts)
	assert.Equal(t, bootstrap.RoleWorker, mock.runOpts.Roles)
	assert.True(t, mock.runOpts.SkipMeshCheck)
}

func TestBootstrap_RunErrorStillPrintsSummary(t *testing.T) {
	saveAndRestoreEngineFactories(t)

	mock := &engineMock{runErr: errors.New("worker-1: join timed out")}
	_, store := installEngineFixture(t, mock)
	require.NoError(t, store.SetStage("cp-1", state.StageVerified))
	require.NoError(t, store.SetFailed("worker-1", state.StageInstalled, "join timed out"))

	var err error
	output := captureOutput(func() {
		err = Bootstrap(context.Background(), BootstrapOptions{Role: "all"})
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "bootstrap failed")
	assert.Contains(t, output, "Bootstrap summary")
	assert.Contains(t, output, "join timed out")
	assert.Contains(t, output, "last good: Installed")
	assert.NotContains(t, output, "Cluster lab is up.")
}

func TestBootstrap_SummaryFilteredByRole(t *testing.T) {
	saveAndRestoreEngineFactories(t)

	mock := &engineMock{}
	installEngineFixture(t, mock)

	output := captureOutput(func() {
		err := Bootstrap(context.Background(), BootstrapOptions{Role: "control-plane"})
		require.NoError(t, err)
	})

	assert.Contains(t, output, "cp-1")
	assert.NotContains(t, output, "worker-1")
}

func TestPrintNodeOutcome(t *testing.T) {
	t.Run("verified", func(t *testing.T) {
		output := captureOutput(func() {
			printNodeOutcome("cp-1", "control-plane", state.NodeState{Stage: state.StageVerified})
		})
		assert.Contains(t, output, "[OK]")
		assert.Contains(t, output, "Verified")
	})

	t.Run("failed with reason and last good", func(t *testing.T) {
		output := captureOutput(func() {
			printNodeOutcome("worker-1", "worker", state.NodeState{
				Stage:    state.StageFailed,
				LastGood: state.StagePrepared,
				Reason:   "apt-get install exited 100",
			})
		})
		assert.Contains(t, output, "[!!]")
		assert.Contains(t, output, "apt-get install exited 100")
		assert.Contains(t, output, "last good: Prepared")
	})

	t.Run("pending", func(t *testing.T) {
		output := captureOutput(func() {
			printNodeOutcome("worker-2", "worker", state.NodeState{Stage: state.StagePending})
		})
		assert.Contains(t, output, "[  ]")
		assert.Contains(t, output, "Pending")
	})
}
