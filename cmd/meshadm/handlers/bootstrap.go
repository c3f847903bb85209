// Package handlers implements the logic behind each CLI command.
//
// Handlers are framework-agnostic: they take parsed options from the
// commands package and wire together the roster, the state store, and the
// internal engines. Collaborators are created through package-level factory
// variables so tests can swap them for fakes.
package handlers

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/meshadm/meshadm/internal/bootstrap"
	"github.com/meshadm/meshadm/internal/config"
	"github.com/meshadm/meshadm/internal/state"
)

// Runner drives bootstrap and teardown runs - matches bootstrap.Engine.
type Runner interface {
	Run(ctx context.Context, opts bootstrap.Options) error
	Teardown(ctx context.Context, opts bootstrap.TeardownOptions) error
}

// Factory function variables shared across handlers - can be replaced in tests.
var (
	// loadConfig loads and validates the roster.
	loadConfig = config.Load

	// openStore opens the state store resolved from the roster.
	openStore = func(cfg *config.Config, rosterPath string) (*state.Store, error) {
		return state.Open(cfg.StatePath(rosterPath), cfg.ClusterName)
	}

	// newDial returns the production SSH dialer for a roster.
	newDial = bootstrap.SSHDial

	// newEngine assembles a bootstrap engine.
	newEngine = func(cfg *config.Config, store *state.Store, timeouts *config.Timeouts, observer bootstrap.Observer, dial bootstrap.DialFunc) Runner {
		return bootstrap.New(cfg, store, timeouts, observer, dial)
	}

	// newUploader builds the S3 client for state backups.
	newUploader = state.NewUploader
)

// newLogger builds the CLI logger. Verbose switches on debug output.
func newLogger(verbose bool) *logrus.Logger {
	log := logrus.New()
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}

// BootstrapOptions carries the bootstrap command's flags.
type BootstrapOptions struct {
	ConfigPath    string
	Role          string
	SkipMeshCheck bool
	Verbose       bool
}

// Bootstrap handles the bootstrap command.
//
// It drives every targeted node towards Verified and prints a per-node
// summary of where each one ended up. The error is non-nil when any node
// failed, so the CLI exits zero only on a fully converged run.
func Bootstrap(ctx context.Context, opts BootstrapOptions) error {
	roles, err := bootstrap.ParseRoleFilter(opts.Role)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return err
	}

	store, err := openStore(cfg, opts.ConfigPath)
	if err != nil {
		return err
	}

	log := newLogger(opts.Verbose)
	engine := newEngine(cfg, store, config.LoadTimeouts(), bootstrap.NewLogrusObserver(log), newDial(cfg))

	runErr := engine.Run(ctx, bootstrap.Options{
		Roles:         roles,
		SkipMeshCheck: opts.SkipMeshCheck,
	})

	printBootstrapSummary(cfg, store, roles)

	if runErr != nil {
		return fmt.Errorf("bootstrap failed: %w", runErr)
	}

	pushStateBackup(ctx, cfg, store, log)
	printBootstrapSuccess(cfg, opts.ConfigPath)
	return nil
}

// printBootstrapSummary prints the terminal state of every targeted node.
func printBootstrapSummary(cfg *config.Config, store *state.Store, roles bootstrap.RoleFilter) {
	fmt.Println()
	fmt.Println(titleStyle.Render("Bootstrap summary"))
	fmt.Println(strings.Repeat("─", 40))

	for i := range cfg.Nodes {
		node := &cfg.Nodes[i]
		if !roles.Matches(node) {
			continue
		}
		printNodeOutcome(node.Hostname, string(node.Role), store.Node(node.Hostname))
	}
	fmt.Println()
}

// printNodeOutcome prints one summary row.
func printNodeOutcome(hostname, role string, ns state.NodeState) {
	switch ns.Stage {
	case state.StageVerified:
		fmt.Printf("  %s  %-16s %-14s %s\n",
			readyStyle.Render(checkMark), hostname, role, ns.Stage)
	case state.StageFailed:
		detail := string(ns.Stage)
		if ns.Reason != "" {
			detail += ": " + ns.Reason
		}
		if ns.LastGood != "" {
			detail += fmt.Sprintf(" (last good: %s)", ns.LastGood)
		}
		fmt.Printf("  %s  %-16s %-14s %s\n",
			failedStyle.Render(crossMark), hostname, role, detail)
	default:
		fmt.Printf("  %s  %-16s %-14s %s\n",
			dimStyle.Render(pending), hostname, role, ns.Stage)
	}
}

// pushStateBackup snapshots state and kubeconfig to S3 when configured.
// Backups are best effort; a failed push is a warning, never a bootstrap
// failure.
func pushStateBackup(ctx context.Context, cfg *config.Config, store *state.Store, log *logrus.Logger) {
	if !cfg.State.Backup.Enabled {
		return
	}

	uploader, err := newUploader(ctx, cfg.State.Backup)
	if err != nil {
		log.WithError(err).Warn("state backup skipped")
		return
	}
	if err := uploader.PushRun(ctx, store); err != nil {
		log.WithError(err).Warn("state backup failed")
		return
	}
	log.WithField("bucket", cfg.State.Backup.Bucket).Info("state backed up")
}

// printBootstrapSuccess outputs completion message and next steps.
func printBootstrapSuccess(cfg *config.Config, rosterPath string) {
	fmt.Printf("Cluster %s is up.\n", cfg.ClusterName)
	fmt.Println()
	fmt.Println("Access your cluster:")
	fmt.Printf("  export KUBECONFIG=%s\n", kubeconfigPathFor(cfg, rosterPath))
	fmt.Println("  kubectl get nodes")
	fmt.Println()
	fmt.Println("Keep it converged:")
	fmt.Println("  meshadm reconcile --watch")
}

// kubeconfigPathFor mirrors where the state store drops the kubeconfig
// snapshot, for user-facing hints only.
func kubeconfigPathFor(cfg *config.Config, rosterPath string) string {
	return filepath.Join(filepath.Dir(cfg.StatePath(rosterPath)), "kubeconfig")
}
