package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/meshadm/meshadm/internal/config"
	"github.com/meshadm/meshadm/internal/remote"
	"github.com/meshadm/meshadm/internal/util/async"
)

// TeardownOptions tune a teardown run.
type TeardownOptions struct {
	// DownMesh also brings the WireGuard interface down on every node.
	DownMesh bool
}

// Teardown reverts every roster node to a clean host and clears local
// state. Workers reset before the control plane so their Node objects
// can still be removed through the API; each node's errors are collected
// and teardown keeps going.
func (e *Engine) Teardown(ctx context.Context, opts TeardownOptions) error {
	controlPlane, err := e.cfg.ControlPlane()
	if err != nil {
		return err
	}

	// Best effort: the cluster may already be gone.
	client, clientErr := e.ensureClient()

	var errs []error

	workers := e.cfg.Workers()
	tasks := make([]async.Task, 0, len(workers))
	for _, spec := range workers {
		tasks = append(tasks, async.Task{
			Name: spec.Hostname,
			Func: func(ctx context.Context) error {
				if clientErr == nil {
					_ = client.DeleteNode(ctx, spec.Hostname)
				}
				return e.resetNode(ctx, spec, opts)
			},
		})
	}
	if err := async.RunParallel(ctx, tasks); err != nil {
		errs = append(errs, err)
	}

	if err := e.resetNode(ctx, controlPlane, opts); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", controlPlane.Hostname, err))
	}

	if err := e.store.Reset(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// resetNode undoes kubeadm and CNI artifacts on one host. Every command
// tolerates the artifact already being absent, so teardown can be re-run.
func (e *Engine) resetNode(ctx context.Context, spec *config.NodeSpec, opts TeardownOptions) error {
	exec, err := e.dial(spec)
	if err != nil {
		return err
	}
	defer exec.Close()

	commands := []string{
		"kubeadm reset --force || true",
		"rm -rf /etc/cni/net.d /run/flannel",
		"systemctl restart containerd || true",
	}
	if opts.DownMesh {
		iface := e.cfg.VPN.Interface
		commands = append(commands,
			fmt.Sprintf("wg-quick down %s 2>/dev/null || true", iface),
			fmt.Sprintf("systemctl disable wg-quick@%s 2>/dev/null || true", iface),
		)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeouts.Step)
	defer cancel()
	_, err = exec.Run(ctx, remote.Script(commands...))
	return err
}
