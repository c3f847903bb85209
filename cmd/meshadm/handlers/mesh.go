package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meshadm/meshadm/internal/config"
	"github.com/meshadm/meshadm/internal/mesh"
	"github.com/meshadm/meshadm/internal/state"
)

// meshManager is the mesh API the handlers use. It matches mesh.Manager.
type meshManager interface {
	Up(ctx context.Context) error
	Status(ctx context.Context) []mesh.NodeStatus
	Down(ctx context.Context) error
}

// newMeshManager assembles a mesh manager. Factory variable - can be
// replaced in tests.
var newMeshManager = func(cfg *config.Config, store *state.Store, log *logrus.Logger, dial mesh.DialFunc) meshManager {
	return mesh.NewManager(cfg, store, log, dial)
}

// MeshOptions carries the mesh subcommands' flags.
type MeshOptions struct {
	ConfigPath string
	Verbose    bool
}

// meshSetup loads the roster and assembles a manager for it.
func meshSetup(opts MeshOptions) (*config.Config, meshManager, error) {
	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	store, err := openStore(cfg, opts.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	log := newLogger(opts.Verbose)
	return cfg, newMeshManager(cfg, store, log, mesh.DialFunc(newDial(cfg))), nil
}

// MeshUp handles 'mesh up'.
func MeshUp(ctx context.Context, opts MeshOptions) error {
	cfg, manager, err := meshSetup(opts)
	if err != nil {
		return err
	}
	if err := manager.Up(ctx); err != nil {
		return fmt.Errorf("mesh up failed: %w", err)
	}
	fmt.Printf("Mesh is up: %d node(s) peered on %s.\n", len(cfg.Nodes), cfg.VPN.Interface)
	return nil
}

// MeshStatus handles 'mesh status'.
func MeshStatus(ctx context.Context, opts MeshOptions) error {
	cfg, manager, err := meshSetup(opts)
	if err != nil {
		return err
	}
	printMeshStatus(cfg, manager.Status(ctx))
	return nil
}

// MeshDown handles 'mesh down'.
func MeshDown(ctx context.Context, opts MeshOptions) error {
	cfg, manager, err := meshSetup(opts)
	if err != nil {
		return err
	}
	if err := manager.Down(ctx); err != nil {
		return fmt.Errorf("mesh down failed: %w", err)
	}
	fmt.Printf("Mesh is down on %d node(s).\n", len(cfg.Nodes))
	return nil
}

// printMeshStatus renders per-node interface and handshake state.
func printMeshStatus(cfg *config.Config, statuses []mesh.NodeStatus) {
	fmt.Println()
	title := fmt.Sprintf("mesh %s on %s", cfg.ClusterName, cfg.VPN.Interface)
	fmt.Printf("  %s\n", titleStyle.Render(title))
	fmt.Println("  " + strings.Repeat("═", len([]rune(title))))
	fmt.Println()

	up := 0
	for _, node := range statuses {
		if node.Up {
			up++
		}
		printMeshNode(node)
	}

	fmt.Println()
	fmt.Printf("  %d/%d interfaces up\n", up, len(statuses))
	fmt.Println()
}

func printMeshNode(node mesh.NodeStatus) {
	if !node.Up {
		detail := node.Error
		if detail == "" {
			detail = "interface down"
		}
		fmt.Printf("  %s  %-16s %s\n", failedStyle.Render(crossMark), node.Hostname, detail)
		return
	}

	fmt.Printf("  %s  %-16s %d peer(s)\n", readyStyle.Render(checkMark), node.Hostname, len(node.Peers))
	for _, peer := range node.Peers {
		printMeshPeer(peer)
	}
}

func printMeshPeer(peer mesh.PeerStatus) {
	name := peer.Hostname
	if name == "" {
		name = peer.PublicKey
	}
	if peer.LastHandshake.IsZero() {
		fmt.Printf("        %s %-16s %s\n", dimStyle.Render("·"), name, warningStyle.Render("no handshake"))
		return
	}
	age := time.Since(peer.LastHandshake).Round(time.Second)
	fmt.Printf("        %s %-16s handshake %s ago\n", dimStyle.Render("·"), name, age)
}
