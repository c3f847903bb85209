// Package helm installs charts programmatically from in-memory kubeconfig
// bytes, without a helm binary or files on disk.
package helm

import (
	"context"
	"fmt"
	"time"

	"helm.sh/helm/v3/pkg/action"
	"helm.sh/helm/v3/pkg/chart"
	"helm.sh/helm/v3/pkg/chart/loader"
	"helm.sh/helm/v3/pkg/cli"
	"helm.sh/helm/v3/pkg/release"
)

// Client provides Helm operations against a single namespace.
type Client struct {
	namespace    string
	actionConfig *action.Configuration
}

// NewClient creates a Helm client from kubeconfig bytes.
func NewClient(kubeconfig []byte, namespace string) (*Client, error) {
	actionConfig := new(action.Configuration)
	restGetter := NewInMemoryRESTClientGetter(kubeconfig, namespace)

	// Initialize with a no-op logger to suppress debug output.
	if err := actionConfig.Init(restGetter, namespace, "secret", func(format string, v ...interface{}) {}); err != nil {
		return nil, fmt.Errorf("failed to initialize helm action config: %w", err)
	}

	return &Client{
		namespace:    namespace,
		actionConfig: actionConfig,
	}, nil
}

// InstallOrUpgrade installs a chart or upgrades it if the release already
// exists, so repeated runs converge instead of failing.
func (c *Client) InstallOrUpgrade(ctx context.Context, releaseName, repoURL, chartName, version string, values map[string]interface{}) (*release.Release, error) {
	histClient := action.NewHistory(c.actionConfig)
	histClient.Max = 1
	if _, err := histClient.Run(releaseName); err != nil {
		return c.install(ctx, releaseName, repoURL, chartName, version, values)
	}
	return c.upgrade(ctx, releaseName, repoURL, chartName, version, values)
}

func (c *Client) install(ctx context.Context, releaseName, repoURL, chartName, version string, values map[string]interface{}) (*release.Release, error) {
	installClient := action.NewInstall(c.actionConfig)
	installClient.ReleaseName = releaseName
	installClient.Namespace = c.namespace
	installClient.CreateNamespace = true
	installClient.Wait = true
	installClient.Timeout = 10 * time.Minute

	chrt, err := loadChart(&installClient.ChartPathOptions, repoURL, chartName, version)
	if err != nil {
		return nil, err
	}

	return installClient.RunWithContext(ctx, chrt, values)
}

func (c *Client) upgrade(ctx context.Context, releaseName, repoURL, chartName, version string, values map[string]interface{}) (*release.Release, error) {
	upgradeClient := action.NewUpgrade(c.actionConfig)
	upgradeClient.Namespace = c.namespace
	upgradeClient.Wait = true
	upgradeClient.Timeout = 10 * time.Minute
	upgradeClient.ReuseValues = false

	chrt, err := loadChart(&upgradeClient.ChartPathOptions, repoURL, chartName, version)
	if err != nil {
		return nil, err
	}

	return upgradeClient.RunWithContext(ctx, releaseName, chrt, values)
}

// loadChart resolves a chart from its repository into the local helm cache
// and loads it.
func loadChart(cpo *action.ChartPathOptions, repoURL, chartName, version string) (*chart.Chart, error) {
	cpo.RepoURL = repoURL
	cpo.Version = version

	settings := cli.New()
	chartPath, err := cpo.LocateChart(chartName, settings)
	if err != nil {
		return nil, fmt.Errorf("failed to locate chart %s in repo %s: %w", chartName, repoURL, err)
	}

	chrt, err := loader.Load(chartPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load chart %s: %w", chartName, err)
	}
	return chrt, nil
}
