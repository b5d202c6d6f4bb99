package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/stagecraft/pkg/engine"
)

var (
	// Global flags
	configFiles []string
	projectDir  string
	verbose     bool
	jsonOutput  bool
	metricsAddr string
	traceOutput string

	buildVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stagecraft",
		Short: "stagecraft - declarative stage orchestration",
		Long: `stagecraft merges layered configuration into one Flow, starts a stage's
containers in dependency order gated by readiness probes, and converges the
stage's compute resources through a plan/apply engine backed by a locked
SQLite state store.

Configuration sources (YAML, CUE or TOML) are merged in the order given;
later sources override earlier ones.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringArrayVarP(&configFiles, "config", "c", nil, "config file (repeatable, merged in order)")
	rootCmd.PersistentFlags().StringVarP(&projectDir, "project-dir", "C", "", "project directory (default: working directory)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address while running")
	rootCmd.PersistentFlags().StringVar(&traceOutput, "trace", "none", "trace exporter (none, stdout, otlp)")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newUpCommand())
	rootCmd.AddCommand(newDownCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newStateCommand())
	rootCmd.AddCommand(newPolicyCommand())

	return rootCmd
}

// errRunIncomplete is returned when a run finished without succeeding.
var errRunIncomplete = errors.New("run did not succeed")

// ExitCode maps a command error to a process exit status: 2 for
// configuration problems, 3 for lock contention, 1 otherwise.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case engine.HasCode(err, engine.ErrCodeValidation),
		engine.HasCode(err, engine.ErrCodeUnknownStage),
		engine.HasCode(err, engine.ErrCodeInvalidField):
		return 2
	case engine.HasCode(err, engine.ErrCodeLockTimeout):
		return 3
	default:
		return 1
	}
}
