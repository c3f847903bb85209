package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/meshadm/meshadm/internal/addons"
	"github.com/meshadm/meshadm/internal/config"
	"github.com/meshadm/meshadm/internal/k8s"
	"github.com/meshadm/meshadm/internal/remote"
	"github.com/meshadm/meshadm/internal/state"
	"github.com/meshadm/meshadm/internal/util/async"
	"github.com/meshadm/meshadm/internal/util/retry"
)

// RoleFilter narrows a bootstrap run to part of the roster.
type RoleFilter string

const (
	RoleAll          RoleFilter = "all"
	RoleControlPlane RoleFilter = "control-plane"
	RoleWorker       RoleFilter = "worker"
)

// ParseRoleFilter validates a --role flag value.
func ParseRoleFilter(s string) (RoleFilter, error) {
	switch RoleFilter(s) {
	case RoleAll, RoleControlPlane, RoleWorker:
		return RoleFilter(s), nil
	}
	return "", fmt.Errorf("%w: invalid role %q (want all, control-plane or worker)", config.ErrConfig, s)
}

// Matches reports whether the filter includes the given node.
func (f RoleFilter) Matches(node *config.NodeSpec) bool {
	switch f {
	case RoleControlPlane:
		return node.IsControlPlane()
	case RoleWorker:
		return !node.IsControlPlane()
	}
	return true
}

// DialFunc opens an executor for one node. Tests swap in fakes.
type DialFunc func(node *config.NodeSpec) (remote.Executor, error)

// SSHDial returns the production dialer. The connection itself is opened
// lazily on the first command, so dialing here only resolves the key.
func SSHDial(cfg *config.Config) DialFunc {
	return func(node *config.NodeSpec) (remote.Executor, error) {
		keyFile := cfg.NodeKeyFile(node)
		if keyFile == "" {
			return nil, fmt.Errorf("%w: no SSH key configured for node %s", config.ErrConfig, node.Hostname)
		}
		key, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read SSH key for node %s: %w", node.Hostname, err)
		}
		return remote.NewSSH(&remote.SSHConfig{
			Host:       node.ExternalAddress,
			Port:       node.SSH.Port,
			User:       node.SSH.User,
			PrivateKey: key,
		})
	}
}

// Options tune a single bootstrap run.
type Options struct {
	// Roles limits which roster nodes the run touches.
	Roles RoleFilter

	// SkipMeshCheck starts bootstrapping even when the WireGuard
	// interface is missing on a node.
	SkipMeshCheck bool
}

// Engine drives the staged bootstrap over the roster. One engine serves
// one run; construct a fresh one per invocation.
type Engine struct {
	cfg      *config.Config
	store    *state.Store
	timeouts *config.Timeouts
	observer Observer
	dial     DialFunc

	// Seams for tests; production wiring keeps the defaults from New.
	newClient func(kubeconfig []byte) (k8s.Client, error)
	newCNI    func(cfg *config.Config, kubeconfig []byte) (addons.CNI, error)

	barrier *barrier

	mu          sync.Mutex
	kubeconfig  []byte
	client      k8s.Client
	joinCommand string
}

// New assembles an engine over the given roster and state store.
func New(cfg *config.Config, store *state.Store, timeouts *config.Timeouts, observer Observer, dial DialFunc) *Engine {
	if observer == nil {
		observer = NopObserver{}
	}
	return &Engine{
		cfg:       cfg,
		store:     store,
		timeouts:  timeouts,
		observer:  observer,
		dial:      dial,
		newClient: k8s.NewFromKubeconfig,
		newCNI:    addons.ForConfig,
		barrier:   newBarrier(),
	}
}

// Run drives every targeted node to Verified. Nodes progress in parallel
// and fail independently; the returned error joins all per-node failures.
// Re-running against a converged cluster is a no-op.
func (e *Engine) Run(ctx context.Context, opts Options) error {
	if opts.Roles == "" {
		opts.Roles = RoleAll
	}

	controlPlane, err := e.cfg.ControlPlane()
	if err != nil {
		return err
	}

	targets := e.targets(opts.Roles)
	if len(targets) == 0 {
		return fmt.Errorf("%w: no nodes match role %s", config.ErrConfig, opts.Roles)
	}

	// A worker-only run joins against an existing control plane, so that
	// control plane must already be verified.
	if !opts.Roles.Matches(controlPlane) {
		cpState := e.store.Node(controlPlane.Hostname)
		if cpState.Stage != state.StageVerified {
			return fmt.Errorf("%w: control plane %s is %s, bootstrap it first",
				config.ErrConfig, controlPlane.Hostname, cpState.Stage)
		}
		e.barrier.release(nil)
	}

	// Pod CIDRs are computed once up front and persisted; node goroutines
	// only ever read their own entry.
	cidrs, err := config.AllocatePodCIDRs(e.cfg.Network.PodSupernet, e.cfg.Nodes, e.store.PodCIDRs())
	if err != nil {
		return err
	}
	for hostname, cidr := range cidrs {
		if err := e.store.SetPodCIDR(hostname, cidr); err != nil {
			return err
		}
	}

	if err := e.store.BeginRun(); err != nil {
		return err
	}
	e.emit(EventRunStarted, "", "", fmt.Sprintf("bootstrapping %d node(s)", len(targets)))

	nodes, setupErrs := e.dialTargets(targets, cidrs)
	defer closeAll(nodes)

	if opts.Roles.Matches(controlPlane) && findNode(nodes, controlPlane.Hostname) == nil {
		e.barrier.release(fmt.Errorf("%w: dial failed", ErrControlPlaneUnavailable))
	}

	if !opts.SkipMeshCheck {
		if err := e.checkMesh(ctx, nodes); err != nil {
			return errors.Join(append(setupErrs, err)...)
		}
	}

	tasks := make([]async.Task, 0, len(nodes))
	for _, node := range nodes {
		tasks = append(tasks, async.Task{
			Name: node.spec.Hostname,
			Func: func(ctx context.Context) error {
				return e.runNode(ctx, node)
			},
		})
	}

	runErr := errors.Join(append(setupErrs, async.RunBounded(ctx, len(tasks), tasks))...)
	if runErr != nil {
		e.emit(EventRunCompleted, "", "", "bootstrap finished with failures")
	} else {
		e.emit(EventRunCompleted, "", "", "bootstrap complete")
	}
	return runErr
}

// nodeRun carries what a single node's progression needs.
type nodeRun struct {
	spec    *config.NodeSpec
	exec    remote.Executor
	podCIDR string
}

func (e *Engine) targets(roles RoleFilter) []*config.NodeSpec {
	var specs []*config.NodeSpec
	for i := range e.cfg.Nodes {
		if roles.Matches(&e.cfg.Nodes[i]) {
			specs = append(specs, &e.cfg.Nodes[i])
		}
	}
	return specs
}

// dialTargets opens an executor per node. A node whose dial fails is
// marked Failed and excluded; the others proceed.
func (e *Engine) dialTargets(targets []*config.NodeSpec, cidrs map[string]string) ([]*nodeRun, []error) {
	var (
		nodes []*nodeRun
		errs  []error
	)
	for _, spec := range targets {
		exec, err := e.dial(spec)
		if err != nil {
			reason := failureReason(err)
			nodeState := e.store.Node(spec.Hostname)
			if serr := e.store.SetFailed(spec.Hostname, nodeState.Resume(), reason); serr != nil {
				err = errors.Join(err, serr)
			}
			e.emit(EventStageFailed, spec.Hostname, "", reason)
			errs = append(errs, fmt.Errorf("%s: %w", spec.Hostname, err))
			continue
		}
		nodes = append(nodes, &nodeRun{spec: spec, exec: exec, podCIDR: cidrs[spec.Hostname]})
	}
	return nodes, errs
}

func findNode(nodes []*nodeRun, hostname string) *nodeRun {
	for _, node := range nodes {
		if node.spec.Hostname == hostname {
			return node
		}
	}
	return nil
}

func closeAll(nodes []*nodeRun) {
	for _, node := range nodes {
		_ = node.exec.Close()
	}
}

// checkMesh verifies the WireGuard interface exists on every node before
// any state transition happens. Without the mesh, kubeadm would bind the
// API server and kubelets to addresses that do not exist yet.
func (e *Engine) checkMesh(ctx context.Context, nodes []*nodeRun) error {
	iface := e.cfg.VPN.Interface
	tasks := make([]async.Task, 0, len(nodes))
	for _, node := range nodes {
		tasks = append(tasks, async.Task{
			Name: node.spec.Hostname,
			Func: func(ctx context.Context) error {
				_, err := node.exec.Run(ctx, "ip link show dev "+iface)
				if err == nil {
					return nil
				}
				if _, ok := remote.AsExitError(err); ok {
					return fmt.Errorf("%w: interface %s missing (run `meshadm mesh up` first, or pass --skip-mesh-check)",
						ErrMeshDown, iface)
				}
				return err
			},
		})
	}
	if err := async.RunParallel(ctx, tasks); err != nil {
		return fmt.Errorf("mesh precheck failed: %w", err)
	}
	return nil
}

// runNode walks one node through its stage sequence, resuming from the
// last completed stage recorded in state.
func (e *Engine) runNode(ctx context.Context, node *nodeRun) (err error) {
	if node.spec.IsControlPlane() {
		// Whatever happens to the control plane, waiting workers must
		// not hang on the barrier.
		defer func() {
			if err != nil {
				e.barrier.release(fmt.Errorf("%w: %v", ErrControlPlaneUnavailable, err))
				return
			}
			e.barrier.release(nil)
			e.emit(EventBarrierReleased, node.spec.Hostname, state.StageVerified, "control plane ready, workers may join")
		}()
	}

	resume := e.store.Node(node.spec.Hostname).Resume()
	current := resume

	for _, step := range e.stepsFor(node) {
		if resume.AtLeast(step.stage) {
			e.emit(EventStageSkipped, node.spec.Hostname, step.stage, "already done, skipping")
			continue
		}

		if step.afterBarrier {
			if berr := e.barrier.wait(ctx); berr != nil {
				// Not this node's failure; its state stays resumable.
				return berr
			}
		}

		e.emit(EventStageStarted, node.spec.Hostname, step.stage, step.describe)
		start := time.Now()

		if serr := e.runStep(ctx, node, step); serr != nil {
			if ctx.Err() != nil && errors.Is(serr, context.Canceled) {
				// The whole run was cancelled; leave state clean for resume.
				return serr
			}
			reason := failureReason(serr)
			if ferr := e.store.SetFailed(node.spec.Hostname, current, reason); ferr != nil {
				serr = errors.Join(serr, ferr)
			}
			e.emit(EventStageFailed, node.spec.Hostname, step.stage, reason)
			return fmt.Errorf("stage %s: %w", step.stage, serr)
		}

		if uerr := e.store.SetStage(node.spec.Hostname, step.stage); uerr != nil {
			return uerr
		}
		current = step.stage
		e.emit(EventStageCompleted, node.spec.Hostname, step.stage,
			fmt.Sprintf("done in %s", time.Since(start).Round(time.Millisecond)))
	}
	return nil
}

// runStep executes one step with its timeout, retrying only transport
// failures. Command failures and timeouts are final; the steps themselves
// are guarded so a retried script never redoes completed work.
func (e *Engine) runStep(ctx context.Context, node *nodeRun, step nodeStep) error {
	attempt := func() error {
		stepCtx, cancel := context.WithTimeout(ctx, step.timeout)
		defer cancel()

		err := step.run(stepCtx, node)
		if err == nil {
			return nil
		}
		if remote.IsUnreachable(err) {
			return err
		}
		return retry.Fatal(err)
	}

	err := retry.WithExponentialBackoff(ctx, attempt,
		retry.WithMaxRetries(e.timeouts.RetryMaxAttempts),
		retry.WithInitialDelay(e.timeouts.RetryInitialDelay),
		retry.WithJitter(0.2),
	)

	// Strip the fatal marker so state reasons carry the step error itself.
	var fatal *retry.FatalError
	if errors.As(err, &fatal) {
		return fatal.Err
	}
	return err
}

func (e *Engine) emit(eventType EventType, node string, stage state.Stage, message string) {
	e.observer.Event(Event{
		Type:      eventType,
		Node:      node,
		Stage:     stage,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// setKubeconfig installs freshly retrieved cluster credentials and drops
// any client built from older ones.
func (e *Engine) setKubeconfig(data []byte) {
	e.mu.Lock()
	e.kubeconfig = data
	e.client = nil
	e.mu.Unlock()
}

// ensureClient returns the cluster client, building it from credentials
// retrieved this run or, on resumed runs, from the saved snapshot.
func (e *Engine) ensureClient() (k8s.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client != nil {
		return e.client, nil
	}
	if e.kubeconfig == nil {
		kubeconfig, err := e.store.Kubeconfig()
		if err != nil {
			return nil, err
		}
		e.kubeconfig = kubeconfig
	}

	client, err := e.newClient(e.kubeconfig)
	if err != nil {
		return nil, err
	}
	e.client = client
	return client, nil
}

// installCNI applies the pod network addon cluster-side. Only the control
// plane's network attach calls it; applying is idempotent regardless.
func (e *Engine) installCNI(ctx context.Context) error {
	client, err := e.ensureClient()
	if err != nil {
		return err
	}

	e.mu.Lock()
	kubeconfig := e.kubeconfig
	e.mu.Unlock()

	cni, err := e.newCNI(e.cfg, kubeconfig)
	if err != nil {
		return err
	}
	return cni.Install(ctx, client)
}

func (e *Engine) setJoinCommand(cmd string) {
	e.mu.Lock()
	e.joinCommand = cmd
	e.mu.Unlock()
}

// joinCommandFor returns the kubeadm join command line, minting a fresh
// bootstrap token on the control plane when this run did not already
// produce one. Tokens are short-lived and never persisted.
func (e *Engine) joinCommandFor(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.joinCommand != "" {
		return e.joinCommand, nil
	}

	controlPlane, err := e.cfg.ControlPlane()
	if err != nil {
		return "", err
	}
	exec, err := e.dial(controlPlane)
	if err != nil {
		return "", fmt.Errorf("failed to reach control plane for join token: %w", err)
	}
	defer exec.Close()

	result, err := exec.Run(ctx, "kubeadm token create --print-join-command")
	if err != nil {
		return "", fmt.Errorf("failed to create join token on %s: %w", controlPlane.Hostname, err)
	}
	cmd := parseJoinCommand(result.Stdout)
	if cmd == "" {
		return "", fmt.Errorf("no join command in kubeadm output: %q", strings.TrimSpace(result.Stdout))
	}
	e.joinCommand = cmd
	return cmd, nil
}

// barrier gates worker joins on control-plane availability. Released
// exactly once, with nil on success.
type barrier struct {
	once sync.Once
	ch   chan struct{}
	err  error
}

func newBarrier() *barrier {
	return &barrier{ch: make(chan struct{})}
}

func (b *barrier) release(err error) {
	b.once.Do(func() {
		b.err = err
		close(b.ch)
	})
}

func (b *barrier) wait(ctx context.Context) error {
	select {
	case <-b.ch:
		return b.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
