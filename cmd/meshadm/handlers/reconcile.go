package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/meshadm/meshadm/internal/bootstrap"
	"github.com/meshadm/meshadm/internal/config"
	"github.com/meshadm/meshadm/internal/reconcile"
	"github.com/meshadm/meshadm/internal/state"
)

// reconciler is the reconcile API the handler uses. It matches
// reconcile.Reconciler.
type reconciler interface {
	Once(ctx context.Context) (*reconcile.Report, error)
	Watch(ctx context.Context) error
}

// newReconciler assembles a reconciler. Factory variable - can be
// replaced in tests.
var newReconciler = func(cfg *config.Config, store *state.Store, timeouts *config.Timeouts, log *logrus.Logger, dial bootstrap.DialFunc, opts reconcile.Options) reconciler {
	return reconcile.New(cfg, store, timeouts, log, dial, opts)
}

// ReconcileOptions carries the reconcile command's flags.
type ReconcileOptions struct {
	ConfigPath  string
	Watch       bool
	Interval    time.Duration
	GracePeriod time.Duration
	MaxRetries  int
	MetricsAddr string
	Verbose     bool
}

// Reconcile handles the reconcile command.
//
// A one-shot pass exits 0 as long as the pass itself ran; an unconverged
// cluster is reported, not treated as a command failure.
func Reconcile(ctx context.Context, opts ReconcileOptions) error {
	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return err
	}
	store, err := openStore(cfg, opts.ConfigPath)
	if err != nil {
		return err
	}

	log := newLogger(opts.Verbose)
	rec := newReconciler(cfg, store, config.LoadTimeouts(), log, newDial(cfg), reconcile.Options{
		Interval:      opts.Interval,
		Grace:         opts.GracePeriod,
		MaxRetries:    opts.MaxRetries,
		EnableMetrics: opts.MetricsAddr != "",
	})

	if opts.MetricsAddr != "" {
		serveMetrics(ctx, log, opts.MetricsAddr)
	}

	if opts.Watch {
		return rec.Watch(ctx)
	}

	report, err := rec.Once(ctx)
	if err != nil {
		return fmt.Errorf("reconcile pass failed: %w", err)
	}
	printReconcileReport(report)
	return nil
}

// serveMetrics exposes the Prometheus registry until ctx is canceled.
func serveMetrics(ctx context.Context, log *logrus.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		log.WithField("addr", addr).Info("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()
}

// printReconcileReport renders a one-shot pass.
func printReconcileReport(report *reconcile.Report) {
	fmt.Println()
	for _, node := range report.Nodes {
		printHealthRow(node)
	}

	fmt.Println()
	cni := fmt.Sprintf("%-16s %s", "CNI", report.CNIDetail)
	if report.CNIHealthy {
		fmt.Printf("  %s  %s\n", readyStyle.Render(checkMark), cni)
	} else {
		fmt.Printf("  %s  %s\n", failedStyle.Render(crossMark), cni)
	}

	fmt.Println()
	if report.Converged() {
		fmt.Printf("  Converged: %d/%d nodes ready.\n", report.Ready, report.Total)
	} else {
		fmt.Printf("  Not converged: %d/%d nodes ready.\n", report.Ready, report.Total)
	}
	fmt.Println()
}

func printHealthRow(node reconcile.NodeHealth) {
	indicator := warningStyle.Render(spinner)
	switch {
	case node.Ready:
		indicator = readyStyle.Render(checkMark)
	case node.Stage == state.StageFailed:
		indicator = failedStyle.Render(crossMark)
	}

	detail := "Ready"
	if !node.Ready {
		detail = node.Message
		if detail == "" {
			detail = "NotReady"
		}
	}
	fmt.Printf("  %s  %-16s %-14s %s\n", indicator, node.Hostname, node.Role, detail)
}
