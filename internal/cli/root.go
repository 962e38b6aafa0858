// Package cli implements the opensprint command-line interface.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/opensprint/opensprint/internal/config"
)

var (
	cfgFile  string
	repoPath string
	verbose  bool
	jsonOut  bool
)

var rootCmd = &cobra.Command{
	Use:   "opensprint",
	Short: "Autonomous coding-agent orchestrator",
	Long: `opensprint schedules coding agents over a task backlog, isolates each
task on its own branch and worktree, serializes all merges to main, and
archives every attempt.

Quick start:
  opensprint run                 Run the orchestrator in this repository
  opensprint status              Show the task backlog and slot usage
  opensprint events              Inspect the event log`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .opensprint/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&repoPath, "repo", ".", "repository to orchestrate")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newEventsCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// loadConfig resolves the repository path and loads the layered config.
func loadConfig() (*config.Config, error) {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("resolve repo path: %w", err)
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("repo path: %w", err)
	}

	cfg, err := config.Load(abs, cfgFile)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}
