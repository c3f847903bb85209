// Package reconcile watches a bootstrapped cluster and repairs the one
// failure meshadm owns end to end: a node wedged NotReady because its
// host-side network attachment came apart. Repairs are bounded per node;
// everything past the bound is reported and left for the operator.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"

	"github.com/meshadm/meshadm/internal/addons"
	"github.com/meshadm/meshadm/internal/bootstrap"
	"github.com/meshadm/meshadm/internal/config"
	"github.com/meshadm/meshadm/internal/k8s"
	"github.com/meshadm/meshadm/internal/state"
)

// DefaultMaxRetries bounds remediation attempts per node before the node
// is marked Failed and left alone.
const DefaultMaxRetries = 3

// Options tune the reconcile loop. Zero values fall back to the timeouts
// table and DefaultMaxRetries.
type Options struct {
	// Interval between passes in Watch mode.
	Interval time.Duration

	// Grace is how long a node may stay NotReady before remediation.
	Grace time.Duration

	// MaxRetries bounds remediation attempts per node.
	MaxRetries int

	// EnableMetrics publishes pass results to the process-wide
	// Prometheus registry.
	EnableMetrics bool
}

// NodeHealth is one roster node's view in a reconcile pass.
type NodeHealth struct {
	Hostname string
	Role     config.Role

	// Stage is the recorded bootstrap stage.
	Stage state.Stage

	// Registered reports whether the node object exists in the API.
	Registered bool

	// Ready reports the node's Ready condition.
	Ready bool

	// NotReadySince is when the Ready condition last changed, for nodes
	// that are not ready. Zero when the condition is missing entirely.
	NotReadySince time.Time

	// Remediated reports that this pass re-ran the network attachment.
	Remediated bool

	// Message carries the remediation outcome or the reason the node was
	// left alone.
	Message string
}

// Report summarizes one reconcile pass.
type Report struct {
	CheckedAt  time.Time
	Total      int
	Ready      int
	CNIHealthy bool
	CNIDetail  string
	Nodes      []NodeHealth
}

// Converged reports whether every node is Ready and the CNI is healthy.
func (r *Report) Converged() bool {
	return r.Ready == r.Total && r.CNIHealthy
}

// Reconciler polls node and CNI health through the API and re-runs the
// host-local network attachment on nodes stuck NotReady past the grace
// period. One reconciler serves one process; the per-node attempt counts
// live in memory and reset when a node recovers.
type Reconciler struct {
	cfg      *config.Config
	store    *state.Store
	timeouts *config.Timeouts
	log      *logrus.Logger
	dial     bootstrap.DialFunc

	// Seam for tests; production wiring keeps the default from New.
	newClient func(kubeconfig []byte) (k8s.Client, error)

	interval      time.Duration
	grace         time.Duration
	maxRetries    int
	enableMetrics bool

	mu         sync.Mutex
	client     k8s.Client
	kubeconfig []byte
	attempts   map[string]int
}

// New assembles a reconciler over the roster and state store.
func New(cfg *config.Config, store *state.Store, timeouts *config.Timeouts, log *logrus.Logger, dial bootstrap.DialFunc, opts Options) *Reconciler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = timeouts.Reconcile
	}
	grace := opts.Grace
	if grace <= 0 {
		grace = timeouts.Grace
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	return &Reconciler{
		cfg:           cfg,
		store:         store,
		timeouts:      timeouts,
		log:           log,
		dial:          dial,
		newClient:     k8s.NewFromKubeconfig,
		interval:      interval,
		grace:         grace,
		maxRetries:    maxRetries,
		enableMetrics: opts.EnableMetrics,
		attempts:      make(map[string]int),
	}
}

// Watch runs passes on the interval until the context is cancelled. Pass
// errors are logged, not returned: losing the API server for one tick
// must not stop the loop.
func (r *Reconciler) Watch(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		report, err := r.Once(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			r.log.WithError(err).Warn("reconcile pass failed")
		default:
			r.logReport(report)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Once runs a single reconcile pass and returns its report. The report
// covers every roster node whether or not anything was done to it.
func (r *Reconciler) Once(ctx context.Context) (*Report, error) {
	start := time.Now()

	client, kubeconfig, err := r.ensureClient()
	if err != nil {
		return nil, err
	}

	nodes, err := client.ListNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	byName := make(map[string]*corev1.Node, len(nodes))
	for i := range nodes {
		byName[nodes[i].Name] = &nodes[i]
	}

	report := &Report{CheckedAt: start, Total: len(r.cfg.Nodes)}
	report.CNIHealthy, report.CNIDetail = r.checkCNI(ctx, client, kubeconfig)

	cidrs := r.store.PodCIDRs()
	for i := range r.cfg.Nodes {
		spec := &r.cfg.Nodes[i]
		health := r.checkNode(ctx, spec, byName[spec.Hostname], cidrs[spec.Hostname])
		if health.Ready {
			report.Ready++
		}
		report.Nodes = append(report.Nodes, health)
	}

	r.recordPass(report, time.Since(start).Seconds())
	return report, nil
}

// checkCNI does a one-shot health check of the CNI DaemonSet. API errors
// count as healthy with the error in the detail, so a flaky control
// plane does not read as a network outage.
func (r *Reconciler) checkCNI(ctx context.Context, client k8s.Client, kubeconfig []byte) (bool, string) {
	cni, err := addons.ForConfig(r.cfg, kubeconfig)
	if err != nil {
		return true, fmt.Sprintf("check skipped: %v", err)
	}
	namespace, name := cni.DaemonSet()

	healthy, summary, err := client.DaemonSetHealth(ctx, namespace, name)
	if err != nil {
		return true, fmt.Sprintf("check skipped: %v", err)
	}
	return healthy, fmt.Sprintf("%s/%s: %s", namespace, name, summary)
}

// checkNode classifies one node and remediates it when warranted.
func (r *Reconciler) checkNode(ctx context.Context, spec *config.NodeSpec, node *corev1.Node, podCIDR string) NodeHealth {
	recorded := r.store.Node(spec.Hostname)
	health := NodeHealth{
		Hostname: spec.Hostname,
		Role:     spec.Role,
		Stage:    recorded.Stage,
	}

	if node == nil {
		// A bootstrapped node missing its API object was deleted out of
		// band. Reattaching the network cannot bring the object back.
		health.Message = "not registered with the API server"
		return health
	}
	health.Registered = true

	status, since := readyCondition(node)
	if status == corev1.ConditionTrue {
		health.Ready = true
		r.clearAttempts(spec.Hostname)
		return health
	}
	health.NotReadySince = since

	if recorded.Stage == state.StageFailed {
		health.Message = "marked failed, left for the operator"
		return health
	}
	if !recorded.Stage.AtLeast(state.StageNetworkAttached) {
		health.Message = "bootstrap incomplete, not remediating"
		return health
	}
	if wait := r.grace - time.Since(since); wait > 0 {
		health.Message = fmt.Sprintf("within grace period for another %s", wait.Round(time.Second))
		return health
	}

	attempt := r.nextAttempt(spec.Hostname)
	if attempt > r.maxRetries {
		reason := fmt.Sprintf("NotReady since %s, network reattachment did not help after %d attempts",
			since.UTC().Format(time.RFC3339), r.maxRetries)
		if err := r.store.SetFailed(spec.Hostname, state.StageNetworkAttached, reason); err != nil {
			r.log.WithError(err).WithField("node", spec.Hostname).Error("failed to record node failure")
		}
		health.Stage = state.StageFailed
		health.Message = reason
		r.recordRemediation(spec.Hostname, "gave_up")
		r.log.WithField("node", spec.Hostname).Error("giving up on node, remediation attempts exhausted")
		return health
	}

	r.log.WithFields(logrus.Fields{
		"node":    spec.Hostname,
		"attempt": fmt.Sprintf("%d/%d", attempt, r.maxRetries),
	}).Warn("node NotReady past grace period, reattaching network")

	health.Remediated = true
	if err := r.remediate(ctx, spec, podCIDR); err != nil {
		health.Message = fmt.Sprintf("reattachment attempt %d/%d failed: %v", attempt, r.maxRetries, err)
		r.recordRemediation(spec.Hostname, "error")
		r.log.WithError(err).WithField("node", spec.Hostname).Warn("network reattachment failed")
		return health
	}
	health.Message = fmt.Sprintf("reattached network (attempt %d/%d), waiting for kubelet to recover", attempt, r.maxRetries)
	r.recordRemediation(spec.Hostname, "success")
	return health
}

// remediate re-runs the host-local half of network attachment and
// bounces the kubelet, covering the host-side faults meshadm set up in
// the first place: a stale subnet file, a runtime that missed the CNI
// config, a kubelet that lost its node registration.
func (r *Reconciler) remediate(ctx context.Context, spec *config.NodeSpec, podCIDR string) error {
	exec, err := r.dial(spec)
	if err != nil {
		return err
	}
	defer exec.Close()

	ctx, cancel := context.WithTimeout(ctx, r.timeouts.Step)
	defer cancel()

	if err := bootstrap.AttachHostNetwork(ctx, r.cfg, exec, podCIDR); err != nil {
		return err
	}
	_, err = exec.Run(ctx, "systemctl restart kubelet")
	return err
}

func (r *Reconciler) ensureClient() (k8s.Client, []byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		return r.client, r.kubeconfig, nil
	}

	kubeconfig, err := r.store.Kubeconfig()
	if err != nil {
		return nil, nil, err
	}
	client, err := r.newClient(kubeconfig)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build cluster client: %w", err)
	}
	r.client = client
	r.kubeconfig = kubeconfig
	return client, kubeconfig, nil
}

func (r *Reconciler) nextAttempt(hostname string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[hostname]++
	return r.attempts[hostname]
}

func (r *Reconciler) clearAttempts(hostname string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, hostname)
}

func (r *Reconciler) logReport(report *Report) {
	fields := logrus.Fields{
		"ready":       fmt.Sprintf("%d/%d", report.Ready, report.Total),
		"cni_healthy": report.CNIHealthy,
	}
	if report.Converged() {
		r.log.WithFields(fields).Debug("cluster converged")
		return
	}
	r.log.WithFields(fields).Info("cluster not converged")
}

// recordPass publishes the pass outcome, split per role.
func (r *Reconciler) recordPass(report *Report, seconds float64) {
	if !r.enableMetrics {
		return
	}

	type roleCount struct{ total, ready int }
	perRole := make(map[config.Role]*roleCount)
	for _, n := range report.Nodes {
		c, ok := perRole[n.Role]
		if !ok {
			c = &roleCount{}
			perRole[n.Role] = c
		}
		c.total++
		if n.Ready {
			c.ready++
		}
	}
	for role, c := range perRole {
		r.recordNodeCounts(string(role), c.total, c.ready)
	}
	r.recordCNIHealth(report.CNIHealthy)
	r.recordPassDuration(seconds)
}

// readyCondition returns the node's Ready condition status and its last
// transition time. A node without the condition reports Unknown with a
// zero time, which always falls outside the grace period.
func readyCondition(node *corev1.Node) (corev1.ConditionStatus, time.Time) {
	for _, cond := range node.Status.Conditions {
		if cond.Type == corev1.NodeReady {
			return cond.Status, cond.LastTransitionTime.Time
		}
	}
	return corev1.ConditionUnknown, time.Time{}
}
