package k8s

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

func testDaemonSet(namespace, name string, desired, ready int32) *appsv1.DaemonSet {
	return &appsv1.DaemonSet{
		ObjectMeta: metav1.ObjectMeta{Namespace: namespace, Name: name},
		Status: appsv1.DaemonSetStatus{
			DesiredNumberScheduled: desired,
			NumberReady:            ready,
		},
	}
}

func TestWaitForNodeReady_AlreadyReady(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, testNode("cp-1", "10.10.0.1", "", true))

	err := client.WaitForNodeReady(context.Background(), "cp-1", time.Second)
	require.NoError(t, err)
}

func TestWaitForNodeReady_Timeout(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, testNode("worker-1", "10.10.0.2", "", false))

	err := client.WaitForNodeReady(context.Background(), "worker-1", 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Contains(t, err.Error(), "worker-1")
}

func TestWaitForNodeReady_NotRegistered(t *testing.T) {
	t.Parallel()

	client := newTestClient(t)

	err := client.WaitForNodeReady(context.Background(), "worker-9", 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestWaitForDaemonSetReady_AllReady(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, testDaemonSet("kube-flannel", "kube-flannel-ds", 3, 3))

	err := client.WaitForDaemonSetReady(context.Background(), "kube-flannel", "kube-flannel-ds", time.Second)
	require.NoError(t, err)
}

func TestWaitForDaemonSetReady_PartiallyReady(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, testDaemonSet("kube-flannel", "kube-flannel-ds", 3, 2))

	err := client.WaitForDaemonSetReady(context.Background(), "kube-flannel", "kube-flannel-ds", 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestWaitForDaemonSetReady_NothingScheduled(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, testDaemonSet("kube-flannel", "kube-flannel-ds", 0, 0))

	err := client.WaitForDaemonSetReady(context.Background(), "kube-flannel", "kube-flannel-ds", 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
