package handlers

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/meshadm/meshadm/internal/bootstrap"
	"github.com/meshadm/meshadm/internal/config"
)

// confirmTeardown asks the operator to type the cluster name back before
// anything is destroyed. Factory variable - can be replaced in tests.
var confirmTeardown = func(clusterName string) (bool, error) {
	fmt.Printf("This resets every node in %s and deletes local state.\n", clusterName)
	fmt.Print("Type the cluster name to confirm: ")

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false, fmt.Errorf("failed to read confirmation: %w", err)
	}
	return strings.TrimSpace(line) == clusterName, nil
}

// TeardownOptions carries the teardown command's flags.
type TeardownOptions struct {
	ConfigPath string
	Force      bool
	DownMesh   bool
	Verbose    bool
}

// Teardown handles the teardown command.
func Teardown(ctx context.Context, opts TeardownOptions) error {
	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return err
	}

	if !opts.Force {
		ok, err := confirmTeardown(cfg.ClusterName)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Aborted.")
			return nil
		}
	}

	store, err := openStore(cfg, opts.ConfigPath)
	if err != nil {
		return err
	}

	log := newLogger(opts.Verbose)
	engine := newEngine(cfg, store, config.LoadTimeouts(), bootstrap.NewLogrusObserver(log), newDial(cfg))

	if err := engine.Teardown(ctx, bootstrap.TeardownOptions{DownMesh: opts.DownMesh}); err != nil {
		return fmt.Errorf("teardown failed: %w", err)
	}

	fmt.Printf("Cluster %s torn down; local state cleared.\n", cfg.ClusterName)
	return nil
}
