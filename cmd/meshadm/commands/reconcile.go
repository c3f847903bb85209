package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/meshadm/meshadm/cmd/meshadm/handlers"
	"github.com/meshadm/meshadm/internal/config"
	"github.com/meshadm/meshadm/internal/reconcile"
)

// Reconcile returns the command that checks a bootstrapped cluster and
// repairs nodes stuck NotReady because their host-side network attachment
// came apart.
//
// Flags:
//
//	--config, -c: Path to the roster file (default "meshadm.yaml")
//	--watch: Keep running, one pass per interval
//	--interval: Time between passes in watch mode
//	--grace-period: How long a node may be NotReady before remediation
//	--max-retries: Remediation attempts per node before giving up
//	--metrics-addr: Serve Prometheus metrics on this address (watch mode)
//	--verbose, -v: Debug-level logging
func Reconcile() *cobra.Command {
	var (
		configPath  string
		watch       bool
		interval    time.Duration
		gracePeriod time.Duration
		maxRetries  int
		metricsAddr string
		verbose     bool
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Check the cluster and repair detached node networks",
		Long: `Check the cluster and repair detached node networks.

Each pass lists the nodes the API server knows, compares them against the
roster, and checks the CNI DaemonSet. A node that has been NotReady for
longer than the grace period gets its host-side network attachment redone
over SSH and its kubelet restarted. Repairs are bounded per node; a node
that stays broken past the bound is marked failed and left for the
operator. Nodes the cluster does not know, or that never finished
bootstrapping, are reported but never touched.

One-shot by default; --watch keeps a pass running on an interval and, with
--metrics-addr, exposes Prometheus metrics.

Examples:
  # Single pass, print the report
  meshadm reconcile

  # Run continuously with metrics
  meshadm reconcile --watch --metrics-addr :9090

  # Remediate sooner and give up faster
  meshadm reconcile --watch --grace-period 30s --max-retries 1`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := handlers.ReconcileOptions{
				ConfigPath:  configPath,
				Watch:       watch,
				Interval:    interval,
				GracePeriod: gracePeriod,
				MaxRetries:  maxRetries,
				MetricsAddr: metricsAddr,
				Verbose:     verbose,
			}
			return handlers.Reconcile(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultRosterPath, "Path to the roster file")
	cmd.Flags().BoolVar(&watch, "watch", false, "Keep running, one pass per interval")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Time between passes (default from MESHADM_RECONCILE_INTERVAL)")
	cmd.Flags().DurationVar(&gracePeriod, "grace-period", 0, "NotReady time before remediation (default from MESHADM_NOTREADY_GRACE)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", reconcile.DefaultMaxRetries, "Remediation attempts per node before giving up")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Debug-level logging")

	return cmd
}
