package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	corev1 "k8s.io/api/core/v1"

	"github.com/meshadm/meshadm/internal/config"
	"github.com/meshadm/meshadm/internal/k8s"
	"github.com/meshadm/meshadm/internal/state"
)

// newStatusClient builds the API client from the stored kubeconfig
// snapshot. Factory variable - can be replaced in tests.
var newStatusClient = func(store *state.Store) (k8s.Client, error) {
	kubeconfig, err := store.Kubeconfig()
	if err != nil {
		return nil, err
	}
	return k8s.NewFromKubeconfig(kubeconfig)
}

// StatusOptions carries the status command's flags.
type StatusOptions struct {
	ConfigPath string
	JSON       bool
	Watch      bool
}

// ClusterStatus is the full status document, also emitted for --json.
type ClusterStatus struct {
	ClusterName string       `json:"clusterName"`
	CheckedAt   time.Time    `json:"checkedAt"`
	APIError    string       `json:"apiError,omitempty"`
	Nodes       []NodeStatus `json:"nodes"`
}

// NodeStatus merges one node's roster entry, its recorded bootstrap stage,
// and what the API server reports about it.
type NodeStatus struct {
	Hostname     string `json:"hostname"`
	Role         string `json:"role"`
	Stage        string `json:"stage"`
	Reason       string `json:"reason,omitempty"`
	VPNAddress   string `json:"vpnAddress"`
	Registered   bool   `json:"registered"`
	Ready        bool   `json:"ready"`
	InternalIP   string `json:"internalIP,omitempty"`
	AssignedCIDR string `json:"assignedCIDR,omitempty"`
	ReportedCIDR string `json:"reportedCIDR,omitempty"`
}

// Status handles the status command.
func Status(ctx context.Context, opts StatusOptions) error {
	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return err
	}

	store, err := openStore(cfg, opts.ConfigPath)
	if err != nil {
		return err
	}

	gatherer := &statusGatherer{cfg: cfg, store: store}

	if opts.Watch {
		return statusWatch(ctx, gatherer, opts.JSON)
	}
	return statusShow(ctx, gatherer, opts.JSON)
}

// statusShow renders the current status once.
func statusShow(ctx context.Context, gatherer *statusGatherer, jsonOutput bool) error {
	status := gatherer.gather(ctx)
	if jsonOutput {
		return printStatusJSON(status)
	}
	printStatusFormatted(status)
	return nil
}

// statusWatch continuously renders status.
func statusWatch(ctx context.Context, gatherer *statusGatherer, jsonOutput bool) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	if err := statusShow(ctx, gatherer, jsonOutput); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !jsonOutput {
				fmt.Print("\033[H\033[2J")
			}
			if err := statusShow(ctx, gatherer, jsonOutput); err != nil {
				fmt.Printf("Error: %v\n", err)
			}
		}
	}
}

// statusGatherer assembles status documents, caching the API client once
// it can be built so watch mode picks up a cluster that appears mid-run.
type statusGatherer struct {
	cfg    *config.Config
	store  *state.Store
	client k8s.Client
}

func (g *statusGatherer) gather(ctx context.Context) *ClusterStatus {
	status := &ClusterStatus{
		ClusterName: g.cfg.ClusterName,
		CheckedAt:   time.Now().UTC(),
	}

	byName := g.liveNodes(ctx, status)

	for i := range g.cfg.Nodes {
		spec := &g.cfg.Nodes[i]
		recorded := g.store.Node(spec.Hostname)

		row := NodeStatus{
			Hostname:     spec.Hostname,
			Role:         string(spec.Role),
			Stage:        string(recorded.Stage),
			Reason:       recorded.Reason,
			VPNAddress:   spec.VPNAddress,
			AssignedCIDR: recorded.PodCIDR,
		}
		if node, ok := byName[spec.Hostname]; ok {
			row.Registered = true
			row.Ready = nodeIsReady(node)
			row.InternalIP = nodeInternalIP(node)
			row.ReportedCIDR = node.Spec.PodCIDR
		}
		status.Nodes = append(status.Nodes, row)
	}

	return status
}

// liveNodes lists cluster nodes by hostname. An unreachable API server is
// not an error; the live columns just stay empty with a note.
func (g *statusGatherer) liveNodes(ctx context.Context, status *ClusterStatus) map[string]*corev1.Node {
	if g.client == nil {
		client, err := newStatusClient(g.store)
		if err != nil {
			status.APIError = err.Error()
			return nil
		}
		g.client = client
	}

	nodes, err := g.client.ListNodes(ctx)
	if err != nil {
		status.APIError = err.Error()
		return nil
	}

	byName := make(map[string]*corev1.Node, len(nodes))
	for i := range nodes {
		byName[nodes[i].Name] = &nodes[i]
	}
	return byName
}

// nodeIsReady reads the node's Ready condition.
func nodeIsReady(node *corev1.Node) bool {
	for _, cond := range node.Status.Conditions {
		if cond.Type == corev1.NodeReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

// nodeInternalIP returns the node's InternalIP address, which on a meshed
// cluster is its VPN address.
func nodeInternalIP(node *corev1.Node) string {
	for _, addr := range node.Status.Addresses {
		if addr.Type == corev1.NodeInternalIP {
			return addr.Address
		}
	}
	return ""
}

// printStatusJSON outputs status as JSON.
func printStatusJSON(status *ClusterStatus) error {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// printStatusFormatted outputs status as formatted rows.
func printStatusFormatted(status *ClusterStatus) {
	fmt.Println()
	title := fmt.Sprintf("meshadm cluster: %s", status.ClusterName)
	fmt.Printf("  %s\n", titleStyle.Render(title))
	fmt.Println("  " + strings.Repeat("═", len(title)))
	fmt.Println()

	if status.APIError != "" {
		fmt.Println("  " + warningStyle.Render("API server unreachable; live columns unavailable"))
		fmt.Println("  " + dimStyle.Render(status.APIError))
		fmt.Println()
	}

	ready := 0
	for _, node := range status.Nodes {
		printStatusRow(node, status.APIError == "")
		if node.Ready {
			ready++
		}
	}

	fmt.Println()
	fmt.Printf("  %d/%d nodes ready\n", ready, len(status.Nodes))
	fmt.Println()
}

// printStatusRow prints one node row, with the failure reason dimmed on a
// continuation line so the columns stay aligned.
func printStatusRow(node NodeStatus, liveKnown bool) {
	indicator, style := statusIndicator(node)

	live := "-"
	if liveKnown {
		switch {
		case !node.Registered:
			live = "not registered"
		case node.Ready:
			live = "Ready"
		default:
			live = "NotReady"
		}
	}

	cidr := node.AssignedCIDR
	if node.ReportedCIDR != "" && node.ReportedCIDR != node.AssignedCIDR {
		cidr = fmt.Sprintf("%s (reported %s)", node.AssignedCIDR, node.ReportedCIDR)
	}

	fmt.Printf("  %s  %-16s %-14s %-15s %-14s %s\n",
		style.Render(indicator), node.Hostname, node.Role, node.Stage, live, cidr)
	if node.Reason != "" {
		fmt.Printf("        %s\n", dimStyle.Render(node.Reason))
	}
}

// statusIndicator picks the row marker from recorded stage and live state.
func statusIndicator(node NodeStatus) (string, lipgloss.Style) {
	verified := node.Stage == string(state.StageVerified)
	switch {
	case verified && node.Ready:
		return checkMark, readyStyle
	case node.Stage == string(state.StageFailed) || verified:
		// Verified but not Ready means the cluster lost a node meshadm
		// had finished with.
		return crossMark, failedStyle
	case node.Stage == string(state.StagePending):
		return pending, dimStyle
	default:
		return spinner, warningStyle
	}
}
