package handlers

import (
	"context"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/meshadm/meshadm/internal/config"
)

// Factory function variables for init - can be replaced in tests.
var (
	// fileExists checks if a file exists.
	fileExists = func(path string) bool {
		_, err := os.Stat(path)
		return err == nil
	}

	// runWizard runs the interactive roster wizard.
	runWizard = config.RunWizard

	// writeRoster writes the roster to a file.
	writeRoster = func(cfg *config.Config, path string) error {
		return cfg.Save(path)
	}

	// stdinIsTerminal reports whether the wizard has a terminal to draw on.
	stdinIsTerminal = func() bool {
		return isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd())
	}
)

// Init runs the roster wizard and writes the result to a file.
func Init(ctx context.Context, outputPath string) error {
	if !stdinIsTerminal() {
		return fmt.Errorf("init is interactive and needs a terminal; run it from a TTY or write %s by hand", outputPath)
	}

	if fileExists(outputPath) {
		fmt.Printf("Warning: %s already exists and will be overwritten.\n\n", outputPath)
	}

	printWelcome()

	result, err := runWizard(ctx)
	if err != nil {
		return err
	}

	cfg, err := result.ToConfig()
	if err != nil {
		return err
	}

	if err := writeRoster(cfg, outputPath); err != nil {
		return fmt.Errorf("failed to write roster: %w", err)
	}

	printInitSuccess(outputPath, cfg)

	return nil
}

// printWelcome prints the welcome message.
func printWelcome() {
	fmt.Println()
	fmt.Println("meshadm - Kubernetes over a WireGuard mesh")
	fmt.Println("==========================================")
	fmt.Println()
	fmt.Println("This wizard builds a cluster roster from your machines.")
	fmt.Println("You only name each node and its public address; VPN addresses")
	fmt.Println("and pod network blocks are assigned automatically.")
	fmt.Println()
}

// printInitSuccess prints the success message with summary and next steps.
func printInitSuccess(outputPath string, cfg *config.Config) {
	fmt.Println()
	fmt.Println("Roster saved!")
	fmt.Println()
	fmt.Printf("  File: %s\n", outputPath)
	fmt.Println()

	// Summary
	fmt.Println("Cluster Summary")
	fmt.Println("---------------")
	fmt.Printf("  Name:          %s\n", cfg.ClusterName)
	fmt.Printf("  Nodes:         1 control plane, %d worker(s)\n", len(cfg.Workers()))
	fmt.Printf("  VPN network:   %s (%s, udp/%d)\n", cfg.VPN.CIDR, cfg.VPN.Interface, cfg.VPN.ListenPort)
	fmt.Printf("  Pod supernet:  %s\n", cfg.Network.PodSupernet)
	fmt.Printf("  Kubernetes:    %s\n", cfg.Kubernetes.Version)
	fmt.Printf("  Pod network:   %s\n", cfg.CNI.Type)
	fmt.Println()

	// Next steps
	fmt.Println("Next Steps")
	fmt.Println("----------")
	fmt.Printf("  1. Review %s if needed\n", outputPath)
	fmt.Println()
	fmt.Println("  2. Build the WireGuard mesh:")
	fmt.Println("     meshadm mesh up")
	fmt.Println()
	fmt.Println("  3. Bootstrap the cluster:")
	fmt.Println("     meshadm bootstrap")
	fmt.Println()
}
