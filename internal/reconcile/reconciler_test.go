package reconcile

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/meshadm/meshadm/internal/config"
	"github.com/meshadm/meshadm/internal/k8s"
	"github.com/meshadm/meshadm/internal/remote"
	"github.com/meshadm/meshadm/internal/state"
	"github.com/meshadm/meshadm/internal/util/ptr"
)

func testClusterConfig(workers int) *config.Config {
	cfg := &config.Config{
		ClusterName: "test",
		VPN:         config.VPNSpec{CIDR: "10.8.0.0/24", ListenPort: 51820, Interface: "wg0"},
		Network:     config.NetworkSpec{PodSupernet: "10.244.0.0/16", ServiceCIDR: "10.96.0.0/12"},
		Kubernetes:  config.KubernetesSpec{Version: "v1.31.0"},
		CNI:         config.CNISpec{Type: config.CNIFlannel},
		Nodes: []config.NodeSpec{
			{
				Hostname:        "cp-1",
				ExternalAddress: "203.0.113.1",
				VPNAddress:      "10.8.0.1",
				Role:            config.RoleControlPlane,
				Ordinal:         ptr.Int(0),
			},
		},
	}
	for i := 1; i <= workers; i++ {
		cfg.Nodes = append(cfg.Nodes, config.NodeSpec{
			Hostname:        fmt.Sprintf("worker-%d", i),
			ExternalAddress: fmt.Sprintf("203.0.113.%d", i+1),
			VPNAddress:      fmt.Sprintf("10.8.0.%d", i+1),
			Role:            config.RoleWorker,
			Ordinal:         ptr.Int(i),
		})
	}
	return cfg
}

func readyNode(name string) *corev1.Node {
	return nodeWithReady(name, corev1.ConditionTrue, time.Now())
}

func notReadyNode(name string, since time.Time) *corev1.Node {
	return nodeWithReady(name, corev1.ConditionFalse, since)
}

func nodeWithReady(name string, status corev1.ConditionStatus, transition time.Time) *corev1.Node {
	return &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Status: corev1.NodeStatus{
			Conditions: []corev1.NodeCondition{{
				Type:               corev1.NodeReady,
				Status:             status,
				LastTransitionTime: metav1.NewTime(transition),
			}},
		},
	}
}

// testEnv wires a reconciler to scripted executors and an in-memory
// cluster where every roster node starts out Verified and Ready.
type testEnv struct {
	cfg     *config.Config
	store   *state.Store
	execs   map[string]*remote.Fake
	cluster *k8s.Fake
}

func newTestEnv(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()

	store, err := state.Open(filepath.Join(t.TempDir(), "state.yaml"), cfg.ClusterName)
	require.NoError(t, err)
	require.NoError(t, store.SaveKubeconfig([]byte("apiVersion: v1\nkind: Config\n")))

	env := &testEnv{
		cfg:     cfg,
		store:   store,
		execs:   make(map[string]*remote.Fake),
		cluster: k8s.NewFake(),
	}
	for i := range cfg.Nodes {
		node := &cfg.Nodes[i]
		env.execs[node.Hostname] = remote.NewFake(node.Hostname)
		env.cluster.Nodes[node.Hostname] = readyNode(node.Hostname)
		require.NoError(t, store.SetStage(node.Hostname, state.StageVerified))
		require.NoError(t, store.SetPodCIDR(node.Hostname, fmt.Sprintf("10.244.%d.0/24", node.Ord())))
	}
	return env
}

func (env *testEnv) reconciler(opts Options) *Reconciler {
	timeouts := &config.Timeouts{
		Step:      time.Minute,
		Verify:    time.Minute,
		Reconcile: time.Second,
		Grace:     2 * time.Minute,
	}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	rec := New(env.cfg, env.store, timeouts, log, func(node *config.NodeSpec) (remote.Executor, error) {
		exec, ok := env.execs[node.Hostname]
		if !ok {
			return nil, fmt.Errorf("no executor for %s", node.Hostname)
		}
		return exec, nil
	}, opts)
	rec.newClient = func([]byte) (k8s.Client, error) { return env.cluster, nil }
	return rec
}

func nodeHealth(t *testing.T, report *Report, hostname string) NodeHealth {
	t.Helper()
	for _, n := range report.Nodes {
		if n.Hostname == hostname {
			return n
		}
	}
	t.Fatalf("no health entry for %s", hostname)
	return NodeHealth{}
}

func TestOnce_Converged(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testClusterConfig(2))
	report, err := env.reconciler(Options{}).Once(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Converged())
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 3, report.Ready)
	assert.True(t, report.CNIHealthy)
	assert.Contains(t, report.CNIDetail, "kube-flannel/kube-flannel-ds")

	for _, n := range report.Nodes {
		assert.True(t, n.Ready, n.Hostname)
		assert.False(t, n.Remediated, n.Hostname)
	}
	for hostname, exec := range env.execs {
		assert.Empty(t, exec.Commands, hostname)
	}
}

func TestOnce_WithinGraceLeavesNodeAlone(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testClusterConfig(1))
	env.cluster.Nodes["worker-1"] = notReadyNode("worker-1", time.Now().Add(-30*time.Second))

	report, err := env.reconciler(Options{}).Once(context.Background())
	require.NoError(t, err)

	worker := nodeHealth(t, report, "worker-1")
	assert.False(t, worker.Ready)
	assert.False(t, worker.Remediated)
	assert.Contains(t, worker.Message, "grace period")

	assert.Empty(t, env.execs["worker-1"].Commands)
	assert.Equal(t, state.StageVerified, env.store.Node("worker-1").Stage)
}

func TestOnce_PastGraceReattachesNetwork(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testClusterConfig(2))
	env.cluster.Nodes["worker-1"] = notReadyNode("worker-1", time.Now().Add(-10*time.Minute))

	report, err := env.reconciler(Options{}).Once(context.Background())
	require.NoError(t, err)

	worker := nodeHealth(t, report, "worker-1")
	assert.True(t, worker.Remediated)
	assert.False(t, report.Converged())

	exec := env.execs["worker-1"]
	upload, ok := exec.Uploads["/run/flannel/subnet.env"]
	require.True(t, ok, "subnet file not re-seeded")
	assert.Contains(t, string(upload.Content), "FLANNEL_SUBNET=10.244.1.1/24")
	assert.True(t, exec.Ran("systemctl restart containerd"))
	assert.True(t, exec.Ran("systemctl restart kubelet"))
	assert.True(t, exec.Closed)

	// Remediation alone never changes recorded state.
	assert.Equal(t, state.StageVerified, env.store.Node("worker-1").Stage)

	// Healthy nodes are untouched.
	assert.Empty(t, env.execs["cp-1"].Commands)
	assert.Empty(t, env.execs["worker-2"].Commands)
}

func TestOnce_GivesUpAfterBoundedAttempts(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testClusterConfig(1))
	env.cluster.Nodes["worker-1"] = notReadyNode("worker-1", time.Now().Add(-10*time.Minute))
	rec := env.reconciler(Options{MaxRetries: 2})

	for i := 0; i < 2; i++ {
		report, err := rec.Once(context.Background())
		require.NoError(t, err)
		assert.True(t, nodeHealth(t, report, "worker-1").Remediated, "pass %d", i+1)
	}

	report, err := rec.Once(context.Background())
	require.NoError(t, err)
	worker := nodeHealth(t, report, "worker-1")
	assert.False(t, worker.Remediated)
	assert.Equal(t, state.StageFailed, worker.Stage)

	recorded := env.store.Node("worker-1")
	assert.Equal(t, state.StageFailed, recorded.Stage)
	assert.Equal(t, state.StageNetworkAttached, recorded.LastGood)
	assert.Contains(t, recorded.Reason, "after 2 attempts")

	// Later passes leave the failed node entirely alone.
	before := len(env.execs["worker-1"].Commands)
	report, err = rec.Once(context.Background())
	require.NoError(t, err)
	assert.Contains(t, nodeHealth(t, report, "worker-1").Message, "left for the operator")
	assert.Len(t, env.execs["worker-1"].Commands, before)
}

func TestOnce_RecoveryResetsAttempts(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testClusterConfig(1))
	rec := env.reconciler(Options{MaxRetries: 1})

	env.cluster.Nodes["worker-1"] = notReadyNode("worker-1", time.Now().Add(-10*time.Minute))
	report, err := rec.Once(context.Background())
	require.NoError(t, err)
	assert.True(t, nodeHealth(t, report, "worker-1").Remediated)

	// The node recovers, clearing its attempt budget.
	env.cluster.Nodes["worker-1"] = readyNode("worker-1")
	_, err = rec.Once(context.Background())
	require.NoError(t, err)

	// A later relapse gets a fresh budget instead of an immediate Failed.
	env.cluster.Nodes["worker-1"] = notReadyNode("worker-1", time.Now().Add(-10*time.Minute))
	report, err = rec.Once(context.Background())
	require.NoError(t, err)
	assert.True(t, nodeHealth(t, report, "worker-1").Remediated)
	assert.NotEqual(t, state.StageFailed, env.store.Node("worker-1").Stage)
}

func TestOnce_RemediationFailureCountsAsAttempt(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testClusterConfig(1))
	env.cluster.Nodes["worker-1"] = notReadyNode("worker-1", time.Now().Add(-10*time.Minute))
	env.execs["worker-1"].FailOnce("systemctl restart kubelet", 1, "unit not found")
	rec := env.reconciler(Options{MaxRetries: 1})

	report, err := rec.Once(context.Background())
	require.NoError(t, err)
	worker := nodeHealth(t, report, "worker-1")
	assert.True(t, worker.Remediated)
	assert.Contains(t, worker.Message, "failed")

	report, err = rec.Once(context.Background())
	require.NoError(t, err)
	assert.Equal(t, state.StageFailed, nodeHealth(t, report, "worker-1").Stage)
}

func TestOnce_SkipsUnbootstrappedNodes(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testClusterConfig(1))
	require.NoError(t, env.store.SetStage("worker-1", state.StageInstalled))
	env.cluster.Nodes["worker-1"] = notReadyNode("worker-1", time.Now().Add(-10*time.Minute))

	report, err := env.reconciler(Options{}).Once(context.Background())
	require.NoError(t, err)

	worker := nodeHealth(t, report, "worker-1")
	assert.False(t, worker.Remediated)
	assert.Contains(t, worker.Message, "bootstrap incomplete")
	assert.Empty(t, env.execs["worker-1"].Commands)
}

func TestOnce_UnregisteredNodeReported(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testClusterConfig(1))
	delete(env.cluster.Nodes, "worker-1")

	report, err := env.reconciler(Options{}).Once(context.Background())
	require.NoError(t, err)

	worker := nodeHealth(t, report, "worker-1")
	assert.False(t, worker.Registered)
	assert.False(t, worker.Remediated)
	assert.Contains(t, worker.Message, "not registered")
	assert.Equal(t, 1, report.Ready)
	assert.Empty(t, env.execs["worker-1"].Commands)
}

func TestOnce_CNIUnhealthy(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testClusterConfig(1))
	env.cluster.DaemonSetsReady = false

	report, err := env.reconciler(Options{}).Once(context.Background())
	require.NoError(t, err)

	assert.False(t, report.CNIHealthy)
	assert.False(t, report.Converged())
	assert.Contains(t, report.CNIDetail, "0/1 ready")
}

func TestOnce_CNICheckSkippedOnAPIError(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testClusterConfig(1))
	env.cluster.DaemonSetErr = errors.New("connection refused")

	report, err := env.reconciler(Options{}).Once(context.Background())
	require.NoError(t, err)

	// API trouble must not read as a network outage.
	assert.True(t, report.CNIHealthy)
	assert.Contains(t, report.CNIDetail, "check skipped")
}

func TestOnce_CiliumRemediationSkipsSubnetFile(t *testing.T) {
	t.Parallel()

	cfg := testClusterConfig(1)
	cfg.CNI.Type = config.CNICilium
	env := newTestEnv(t, cfg)
	env.cluster.Nodes["worker-1"] = notReadyNode("worker-1", time.Now().Add(-10*time.Minute))

	report, err := env.reconciler(Options{}).Once(context.Background())
	require.NoError(t, err)

	assert.True(t, nodeHealth(t, report, "worker-1").Remediated)
	exec := env.execs["worker-1"]
	assert.Empty(t, exec.Uploads)
	assert.False(t, exec.Ran("systemctl restart containerd"))
	assert.True(t, exec.Ran("systemctl restart kubelet"))
}

func TestOnce_NoKubeconfig(t *testing.T) {
	t.Parallel()

	cfg := testClusterConfig(1)
	store, err := state.Open(filepath.Join(t.TempDir(), "state.yaml"), cfg.ClusterName)
	require.NoError(t, err)

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	rec := New(cfg, store, &config.Timeouts{Reconcile: time.Second, Grace: time.Minute}, log, nil, Options{})

	_, err = rec.Once(context.Background())
	assert.ErrorContains(t, err, "kubeconfig")
}

func TestWatch_StopsOnCancel(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testClusterConfig(1))
	rec := env.reconciler(Options{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Watch(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("watch did not stop on cancellation")
	}
}

func TestOnce_RecordsMetrics(t *testing.T) {
	nodesTotal.Reset()
	nodesReady.Reset()
	cniHealthy.Reset()
	remediationsTotal.Reset()

	env := newTestEnv(t, testClusterConfig(2))
	env.cluster.Nodes["worker-1"] = notReadyNode("worker-1", time.Now().Add(-10*time.Minute))

	_, err := env.reconciler(Options{EnableMetrics: true}).Once(context.Background())
	require.NoError(t, err)

	assert.Equal(t, float64(2), gaugeValue(t, nodesTotal, "test", "worker"))
	assert.Equal(t, float64(1), gaugeValue(t, nodesReady, "test", "worker"))
	assert.Equal(t, float64(1), gaugeValue(t, nodesTotal, "test", "control-plane"))
	assert.Equal(t, float64(1), gaugeValue(t, nodesReady, "test", "control-plane"))
	assert.Equal(t, float64(1), gaugeValue(t, cniHealthy, "test"))
	assert.Equal(t, float64(1), counterValue(t, remediationsTotal, "test", "worker-1", "success"))
}

func TestReadyCondition(t *testing.T) {
	t.Parallel()

	transition := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	status, since := readyCondition(nodeWithReady("n", corev1.ConditionTrue, transition))
	assert.Equal(t, corev1.ConditionTrue, status)
	assert.Equal(t, transition, since)

	status, since = readyCondition(nodeWithReady("n", corev1.ConditionFalse, transition))
	assert.Equal(t, corev1.ConditionFalse, status)
	assert.Equal(t, transition, since)

	status, since = readyCondition(&corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "n"}})
	assert.Equal(t, corev1.ConditionUnknown, status)
	assert.True(t, since.IsZero())
}
