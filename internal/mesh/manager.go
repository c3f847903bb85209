// Package mesh applies the planned WireGuard overlay to the roster's
// hosts: key custody, config upload and activation, and liveness from
// handshake ages.
package mesh

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meshadm/meshadm/internal/config"
	"github.com/meshadm/meshadm/internal/remote"
	"github.com/meshadm/meshadm/internal/state"
	"github.com/meshadm/meshadm/internal/util/async"
	"github.com/meshadm/meshadm/internal/wireguard"
)

// DialFunc opens an executor for one node.
type DialFunc func(node *config.NodeSpec) (remote.Executor, error)

// Manager converges the mesh across the roster.
type Manager struct {
	cfg   *config.Config
	store *state.Store
	log   *logrus.Logger
	dial  DialFunc
}

// NewManager assembles a manager over the given roster and state store.
func NewManager(cfg *config.Config, store *state.Store, log *logrus.Logger, dial DialFunc) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{cfg: cfg, store: store, log: log, dial: dial}
}

// Up converges every node onto the planned full mesh. Nodes that already
// carry a private key keep it, so repeated runs never rotate identities;
// a live interface is resynced in place instead of bounced, so adding a
// node does not drop traffic between the existing ones.
func (m *Manager) Up(ctx context.Context) error {
	keys, err := m.collectKeys(ctx)
	if err != nil {
		return err
	}

	devices, err := wireguard.BuildMesh(m.cfg, keys, m.store.PodCIDRs())
	if err != nil {
		return err
	}

	confPath := m.confPath()
	tasks := make([]async.Task, 0, len(m.cfg.Nodes))
	for i := range m.cfg.Nodes {
		node := &m.cfg.Nodes[i]
		device := devices[node.Hostname]
		tasks = append(tasks, async.Task{
			Name: node.Hostname,
			Func: func(ctx context.Context) error {
				exec, err := m.dial(node)
				if err != nil {
					return err
				}
				defer exec.Close()

				if err := exec.Upload(ctx, []byte(device.Render()), confPath, 0o600); err != nil {
					return err
				}
				if _, err := exec.Run(ctx, activateScript(m.cfg.VPN.Interface)); err != nil {
					return err
				}
				m.log.WithFields(logrus.Fields{
					"node":  node.Hostname,
					"peers": len(device.Peers),
				}).Info("mesh config applied")
				return nil
			},
		})
	}
	return async.RunParallel(ctx, tasks)
}

// activateScript brings the interface up, or syncs peers into the running
// device. syncconf does not touch addresses, which is fine: mesh addresses
// are static in the roster.
func activateScript(iface string) string {
	sync := fmt.Sprintf("/tmp/%s.sync.conf", iface)
	return remote.Script(
		"export DEBIAN_FRONTEND=noninteractive",
		"command -v wg >/dev/null 2>&1 || (apt-get update -q && apt-get install -qy wireguard)",
		fmt.Sprintf("systemctl enable wg-quick@%s >/dev/null 2>&1 || true", iface),
		fmt.Sprintf("if wg show %s >/dev/null 2>&1; then wg-quick strip %s > %s && wg syncconf %s %s && rm -f %s; else wg-quick up %s; fi",
			iface, iface, sync, iface, sync, sync, iface),
	)
}

// collectKeys returns a key pair per node, reusing any private key already
// present in the node's config. New keys are generated locally; a private
// key only ever lands in its own node's config file, and only public keys
// are recorded in state.
func (m *Manager) collectKeys(ctx context.Context) (map[string]*wireguard.KeyPair, error) {
	confPath := m.confPath()

	var mu sync.Mutex
	keys := make(map[string]*wireguard.KeyPair, len(m.cfg.Nodes))

	tasks := make([]async.Task, 0, len(m.cfg.Nodes))
	for i := range m.cfg.Nodes {
		node := &m.cfg.Nodes[i]
		tasks = append(tasks, async.Task{
			Name: node.Hostname,
			Func: func(ctx context.Context) error {
				exec, err := m.dial(node)
				if err != nil {
					return err
				}
				defer exec.Close()

				pair, err := nodeKeyPair(ctx, exec, confPath)
				if err != nil {
					return err
				}
				if err := m.store.SetPublicKey(node.Hostname, pair.PublicKey); err != nil {
					return err
				}

				mu.Lock()
				keys[node.Hostname] = pair
				mu.Unlock()
				return nil
			},
		})
	}
	if err := async.RunParallel(ctx, tasks); err != nil {
		return nil, err
	}
	return keys, nil
}

// nodeKeyPair reads the key already on the node, falling back to a fresh
// pair. A mangled on-disk key is replaced rather than fatal.
func nodeKeyPair(ctx context.Context, exec remote.Executor, confPath string) (*wireguard.KeyPair, error) {
	result, err := exec.Run(ctx, fmt.Sprintf("cat %s 2>/dev/null || true", confPath))
	if err != nil {
		return nil, err
	}
	if priv := privateKeyFromConf(result.Stdout); priv != "" {
		if pub, err := wireguard.PublicFromPrivate(priv); err == nil {
			return &wireguard.KeyPair{PrivateKey: priv, PublicKey: pub}, nil
		}
	}
	return wireguard.GenerateKeyPair()
}

// privateKeyFromConf extracts the PrivateKey value from a wg-quick config.
func privateKeyFromConf(conf string) string {
	for _, line := range strings.Split(conf, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "PrivateKey") {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(line, "PrivateKey"))
		if !strings.HasPrefix(rest, "=") {
			continue
		}
		return strings.TrimSpace(strings.TrimPrefix(rest, "="))
	}
	return ""
}

// PeerStatus is one peer as seen from a node. A zero LastHandshake means
// the peer has never completed a handshake.
type PeerStatus struct {
	Hostname      string
	PublicKey     string
	LastHandshake time.Time
}

// NodeStatus is the mesh as seen from one node.
type NodeStatus struct {
	Hostname string
	Up       bool
	Error    string
	Peers    []PeerStatus
}

// Status reports interface liveness and per-peer handshakes for every
// node in roster order. Unreachable nodes are reported in place, never
// fatal; status must work on a half-broken mesh.
func (m *Manager) Status(ctx context.Context) []NodeStatus {
	byKey := m.hostnamesByPublicKey()

	statuses := make([]NodeStatus, len(m.cfg.Nodes))
	tasks := make([]async.Task, 0, len(m.cfg.Nodes))
	for i := range m.cfg.Nodes {
		node := &m.cfg.Nodes[i]
		tasks = append(tasks, async.Task{
			Name: node.Hostname,
			Func: func(ctx context.Context) error {
				statuses[i] = m.nodeStatus(ctx, node, byKey)
				return nil
			},
		})
	}
	_ = async.RunParallel(ctx, tasks)
	return statuses
}

func (m *Manager) nodeStatus(ctx context.Context, node *config.NodeSpec, byKey map[string]string) NodeStatus {
	status := NodeStatus{Hostname: node.Hostname}

	exec, err := m.dial(node)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	defer exec.Close()

	iface := m.cfg.VPN.Interface
	result, err := exec.Run(ctx, fmt.Sprintf("wg show %s latest-handshakes", iface))
	if err != nil {
		if _, ok := remote.AsExitError(err); ok {
			status.Error = fmt.Sprintf("interface %s not up", iface)
		} else {
			status.Error = err.Error()
		}
		return status
	}

	status.Up = true
	for key, ts := range wireguard.ParseHandshakes(result.Stdout) {
		peer := PeerStatus{Hostname: byKey[key], PublicKey: key}
		if ts > 0 {
			peer.LastHandshake = time.Unix(ts, 0)
		}
		status.Peers = append(status.Peers, peer)
	}
	sort.Slice(status.Peers, func(i, j int) bool {
		return status.Peers[i].Hostname < status.Peers[j].Hostname
	})
	return status
}

// hostnamesByPublicKey inverts the public keys recorded in state, so
// status can name peers instead of printing raw keys.
func (m *Manager) hostnamesByPublicKey() map[string]string {
	byKey := make(map[string]string)
	for hostname, node := range m.store.Snapshot().Nodes {
		if node.PublicKey != "" {
			byKey[node.PublicKey] = hostname
		}
	}
	return byKey
}

// Down tears the interface down on every node and disables the unit.
// Idempotent; a node without the interface is fine.
func (m *Manager) Down(ctx context.Context) error {
	iface := m.cfg.VPN.Interface
	tasks := make([]async.Task, 0, len(m.cfg.Nodes))
	for i := range m.cfg.Nodes {
		node := &m.cfg.Nodes[i]
		tasks = append(tasks, async.Task{
			Name: node.Hostname,
			Func: func(ctx context.Context) error {
				exec, err := m.dial(node)
				if err != nil {
					return err
				}
				defer exec.Close()

				script := remote.Script(
					fmt.Sprintf("wg-quick down %s 2>/dev/null || true", iface),
					fmt.Sprintf("systemctl disable wg-quick@%s >/dev/null 2>&1 || true", iface),
				)
				if _, err := exec.Run(ctx, script); err != nil {
					return err
				}
				m.log.WithField("node", node.Hostname).Info("mesh interface down")
				return nil
			},
		})
	}
	return async.RunParallel(ctx, tasks)
}

func (m *Manager) confPath() string {
	return fmt.Sprintf("/etc/wireguard/%s.conf", m.cfg.VPN.Interface)
}
