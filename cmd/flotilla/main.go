package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "flotilla",
	Short: "Flotilla - fleet orchestrator for marketplace compute",
	Long: `Flotilla provisions virtual machines on a decentralized compute
marketplace, keeps a warm pool of them ready to claim, and deploys
agent workloads onto them over SSH behind a TLS gateway.`,
	Version: Version,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Flotilla version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
}
