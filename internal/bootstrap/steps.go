package bootstrap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/meshadm/meshadm/internal/config"
	"github.com/meshadm/meshadm/internal/remote"
	"github.com/meshadm/meshadm/internal/state"
)

// nodeStep is one stage transition for one node.
type nodeStep struct {
	stage    state.Stage
	describe string
	timeout  time.Duration

	// afterBarrier holds the step until the control plane is verified.
	afterBarrier bool

	run func(ctx context.Context, node *nodeRun) error
}

// stepsFor returns the stage sequence for a node. Control plane and
// workers share preparation and install; they diverge at cluster entry.
func (e *Engine) stepsFor(node *nodeRun) []nodeStep {
	prepare := nodeStep{
		stage:    state.StagePrepared,
		describe: "preparing host",
		timeout:  e.timeouts.Step,
		run:      e.prepare,
	}
	install := nodeStep{
		stage:    state.StageInstalled,
		describe: "installing container runtime and kubernetes packages",
		timeout:  e.timeouts.Step,
		run:      e.install,
	}
	verify := nodeStep{
		stage:    state.StageVerified,
		describe: "waiting for node to report Ready",
		// The API-side wait applies Timeouts.Verify itself; the step
		// budget leaves room for it to expire first.
		timeout: e.timeouts.Verify + 30*time.Second,
		run:     e.verify,
	}

	if node.spec.IsControlPlane() {
		return []nodeStep{
			prepare,
			install,
			{
				stage:    state.StageInitialized,
				describe: "initializing control plane",
				timeout:  e.timeouts.Init,
				run:      e.initControlPlane,
			},
			{
				stage:    state.StageNetworkAttached,
				describe: "attaching pod network",
				timeout:  e.timeouts.Step,
				run:      e.attachNetworkControlPlane,
			},
			verify,
		}
	}
	return []nodeStep{
		prepare,
		install,
		{
			stage:        state.StageJoined,
			describe:     "joining cluster",
			timeout:      e.timeouts.Join,
			afterBarrier: true,
			run:          e.join,
		},
		{
			stage:    state.StageNetworkAttached,
			describe: "attaching pod network",
			timeout:  e.timeouts.Step,
			run:      e.attachNetworkWorker,
		},
		verify,
	}
}

const kernelModulesConf = "overlay\nbr_netfilter\n"

const sysctlConf = `net.bridge.bridge-nf-call-iptables  = 1
net.bridge.bridge-nf-call-ip6tables = 1
net.ipv4.ip_forward                 = 1
`

// prepare disables swap and loads the kernel prerequisites kubeadm
// preflight checks for.
func (e *Engine) prepare(ctx context.Context, node *nodeRun) error {
	if err := node.exec.Upload(ctx, []byte(kernelModulesConf), "/etc/modules-load.d/k8s.conf", 0o644); err != nil {
		return err
	}
	if err := node.exec.Upload(ctx, []byte(sysctlConf), "/etc/sysctl.d/99-kubernetes.conf", 0o644); err != nil {
		return err
	}

	script := remote.Script(
		"swapoff -a",
		`sed -i '/\sswap\s/ s/^#*/#/' /etc/fstab`,
		"modprobe overlay",
		"modprobe br_netfilter",
		"sysctl --system >/dev/null",
		"export DEBIAN_FRONTEND=noninteractive",
		"apt-get update -q",
		"apt-get install -qy apt-transport-https ca-certificates curl gpg",
	)
	_, err := node.exec.Run(ctx, script)
	return err
}

// install sets up containerd and the pinned kubeadm, kubelet and kubectl
// packages, and points the kubelet at the node's VPN address.
func (e *Engine) install(ctx context.Context, node *nodeRun) error {
	version := strings.TrimPrefix(e.cfg.Kubernetes.Version, "v")
	minor := minorVersion(version)

	script := remote.Script(
		"export DEBIAN_FRONTEND=noninteractive",
		"apt-get install -qy containerd",
		"mkdir -p /etc/containerd",
		"if [ ! -f /etc/containerd/config.toml ]; then containerd config default > /etc/containerd/config.toml; sed -i 's/SystemdCgroup = false/SystemdCgroup = true/' /etc/containerd/config.toml; fi",
		"systemctl enable containerd",
		"systemctl restart containerd",
		"install -m 0755 -d /etc/apt/keyrings",
		fmt.Sprintf("curl -fsSL https://pkgs.k8s.io/core:/stable:/v%s/deb/Release.key | gpg --dearmor --yes -o /etc/apt/keyrings/kubernetes-apt-keyring.gpg", minor),
		fmt.Sprintf("echo 'deb [signed-by=/etc/apt/keyrings/kubernetes-apt-keyring.gpg] https://pkgs.k8s.io/core:/stable:/v%s/deb/ /' > /etc/apt/sources.list.d/kubernetes.list", minor),
		"apt-get update -q",
		fmt.Sprintf("apt-get install -qy kubelet=%[1]s-* kubeadm=%[1]s-* kubectl=%[1]s-*", version),
		"apt-mark hold kubelet kubeadm kubectl",
		"systemctl enable kubelet",
	)
	if _, err := node.exec.Run(ctx, script); err != nil {
		return err
	}

	// Registers the node with its mesh address instead of whatever the
	// default route would pick. Takes effect when init or join starts
	// the kubelet.
	kubeletDefaults := fmt.Sprintf("KUBELET_EXTRA_ARGS=--node-ip=%s\n", node.spec.VPNAddress)
	return node.exec.Upload(ctx, []byte(kubeletDefaults), "/etc/default/kubelet", 0o644)
}

// initControlPlane runs kubeadm init advertising the VPN address, then
// retrieves the admin kubeconfig and mints the worker join command.
func (e *Engine) initControlPlane(ctx context.Context, node *nodeRun) error {
	initCmd := strings.Join([]string{
		"kubeadm init",
		"--apiserver-advertise-address=" + node.spec.VPNAddress,
		"--apiserver-cert-extra-sans=" + node.spec.ExternalAddress,
		"--pod-network-cidr=" + e.cfg.Network.PodSupernet,
		"--service-cidr=" + e.cfg.Network.ServiceCIDR,
		"--kubernetes-version=" + e.cfg.Kubernetes.Version,
		"--node-name=" + node.spec.Hostname,
	}, " ")

	// Guarded so a retried attempt never re-inits a half-up control plane.
	script := remote.Script(
		fmt.Sprintf("if [ ! -f /etc/kubernetes/admin.conf ]; then %s; fi", initCmd),
	)
	if _, err := node.exec.Run(ctx, script); err != nil {
		return err
	}

	result, err := node.exec.Run(ctx, "cat /etc/kubernetes/admin.conf")
	if err != nil {
		return fmt.Errorf("failed to retrieve kubeconfig: %w", err)
	}
	kubeconfig := rewriteServer([]byte(result.Stdout), node.spec.VPNAddress, node.spec.ExternalAddress)
	if err := e.store.SaveKubeconfig(kubeconfig); err != nil {
		return err
	}
	e.setKubeconfig(kubeconfig)

	endpoint := net.JoinHostPort(node.spec.VPNAddress, strconv.Itoa(config.KubeAPIPort))
	if err := e.store.SetJoinEndpoint(endpoint); err != nil {
		return err
	}

	result, err = node.exec.Run(ctx, "kubeadm token create --print-join-command")
	if err != nil {
		return fmt.Errorf("failed to create join token: %w", err)
	}
	joinCmd := parseJoinCommand(result.Stdout)
	if joinCmd == "" {
		return fmt.Errorf("no join command in kubeadm output: %q", strings.TrimSpace(result.Stdout))
	}
	e.setJoinCommand(joinCmd)
	return nil
}

// join runs the kubeadm join command on a worker. The embedded endpoint
// is the control plane's VPN address, so the join itself proves the mesh
// carries traffic between the two nodes.
func (e *Engine) join(ctx context.Context, node *nodeRun) error {
	joinCmd, err := e.joinCommandFor(ctx)
	if err != nil {
		return err
	}

	script := remote.Script(
		fmt.Sprintf("if [ ! -f /etc/kubernetes/kubelet.conf ]; then %s --node-name=%s; fi", joinCmd, node.spec.Hostname),
	)
	_, err = node.exec.Run(ctx, script)
	return err
}

func (e *Engine) attachNetworkControlPlane(ctx context.Context, node *nodeRun) error {
	if err := e.attachNetworkNode(ctx, node); err != nil {
		return err
	}
	return e.installCNI(ctx)
}

func (e *Engine) attachNetworkWorker(ctx context.Context, node *nodeRun) error {
	return e.attachNetworkNode(ctx, node)
}

// flannelMTU is the WireGuard device MTU of 1420 minus VXLAN overhead.
const flannelMTU = 1370

func (e *Engine) attachNetworkNode(ctx context.Context, node *nodeRun) error {
	return AttachHostNetwork(ctx, e.cfg, node.exec, node.podCIDR)
}

// AttachHostNetwork does the host-local half of network attachment. For
// flannel that means seeding the subnet file from the node's assigned
// block, so pods scheduled before flanneld starts still get addresses
// from it, and bouncing the runtime to pick up the CNI config. The
// reconcile loop re-runs this on nodes stuck NotReady.
func AttachHostNetwork(ctx context.Context, cfg *config.Config, exec remote.Executor, podCIDR string) error {
	if cfg.CNI.Type != config.CNIFlannel {
		return nil
	}

	env, err := flannelSubnetEnv(cfg.Network.PodSupernet, podCIDR)
	if err != nil {
		return err
	}
	if err := exec.Upload(ctx, []byte(env), "/run/flannel/subnet.env", 0o644); err != nil {
		return err
	}
	_, err = exec.Run(ctx, "systemctl restart containerd")
	return err
}

// verify waits for the node object to report Ready through the API.
func (e *Engine) verify(ctx context.Context, node *nodeRun) error {
	client, err := e.ensureClient()
	if err != nil {
		return err
	}
	if err := client.WaitForNodeReady(ctx, node.spec.Hostname, e.timeouts.Verify); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: node %s not Ready within %s", ErrVerifyTimeout, node.spec.Hostname, e.timeouts.Verify)
		}
		return err
	}
	return nil
}

// flannelSubnetEnv renders the subnet file flanneld maintains at runtime,
// seeded from the node's assigned block.
func flannelSubnetEnv(supernet, podCIDR string) (string, error) {
	if podCIDR == "" {
		return "", fmt.Errorf("%w: node has no pod CIDR assigned", config.ErrConfig)
	}
	gateway, err := config.CIDRHost(podCIDR, 1)
	if err != nil {
		return "", err
	}
	prefix := podCIDR[strings.LastIndex(podCIDR, "/")+1:]
	return fmt.Sprintf("FLANNEL_NETWORK=%s\nFLANNEL_SUBNET=%s/%s\nFLANNEL_MTU=%d\nFLANNEL_IPMASQ=true\n",
		supernet, gateway, prefix, flannelMTU), nil
}

// rewriteServer points the retrieved kubeconfig at the control plane's
// public address. kubeadm writes the advertise address into admin.conf,
// and that VPN address is only routable from inside the mesh.
func rewriteServer(kubeconfig []byte, vpnAddress, externalAddress string) []byte {
	from := fmt.Sprintf("https://%s:%d", vpnAddress, config.KubeAPIPort)
	to := fmt.Sprintf("https://%s:%d", externalAddress, config.KubeAPIPort)
	return bytes.ReplaceAll(kubeconfig, []byte(from), []byte(to))
}

// parseJoinCommand extracts the join command line from kubeadm output.
func parseJoinCommand(output string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "kubeadm join ") {
			return line
		}
	}
	return ""
}

// minorVersion trims "1.31.0" to "1.31" for the package repo path.
func minorVersion(version string) string {
	parts := strings.SplitN(version, ".", 3)
	if len(parts) < 2 {
		return version
	}
	return parts[0] + "." + parts[1]
}
