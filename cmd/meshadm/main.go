// Package main is the entry point for the meshadm CLI.
//
// meshadm bootstraps and operates multi-node Kubernetes clusters over a
// WireGuard mesh. Nodes can live anywhere with an SSH-reachable address;
// meshadm wires them into a full mesh VPN, drives kubeadm over SSH, and
// keeps the resulting cluster converged.
//
// Commands: init, mesh, bootstrap, add-node, status, reconcile, teardown.
//
// For detailed usage information, run:
//
//	meshadm --help
package main

import (
	"fmt"
	"os"

	"github.com/meshadm/meshadm/cmd/meshadm/commands"
)

// Version information set by goreleaser at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.SetVersionInfo(version, commit, date)
	if err := commands.Root().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
