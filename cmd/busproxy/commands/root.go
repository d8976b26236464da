package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath   string
	scenarioPath string
	verbose      bool
	jsonOutput   bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "busproxy",
		Short: "busproxy - readiness-tracking proxies for remote bus objects",
		Long: `busproxy opens local proxies for remote account objects and makes their
state readable feature by feature.

Features:
  - Dependency-ordered feature introspection
  - Property cache with derived and sticky values
  - Serialized connection handoff
  - Effective capabilities from the live connection or protocol and profile
  - Event and snapshot history in SQLite`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (.yaml or .cue)")
	rootCmd.PersistentFlags().StringVar(&scenarioPath, "scenario", "", "in-memory bus scenario file (overrides bus.scenario_path)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newInspectCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newCapsCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
