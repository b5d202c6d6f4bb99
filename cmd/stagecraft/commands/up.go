package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/stagecraft/pkg/engine"
	"github.com/openfroyo/stagecraft/pkg/orchestrator"
)

func newUpCommand() *cobra.Command {
	var opts appOptions

	cmd := &cobra.Command{
		Use:   "up <stage>",
		Short: "Bring a stage up",
		Long: `Start the stage's containers level by level in dependency order, each
level gated on the readiness of the previous one, then converge the stage's
declared resources under the scope lock.

Existing containers are reused. Resources already matching their
declaration are left alone, so running 'up' twice is a no-op.`,
		Example: `  # Start the dev stage
  stagecraft up dev

  # Re-read resources from the providers and delete undeclared ones
  stagecraft up prod --refresh --prune --max-deletes 2`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			stage := args[0]

			log.Info().
				Str("stage", stage).
				Bool("refresh", opts.refresh).
				Bool("prune", opts.prune).
				Int("max_parallel", opts.maxParallel).
				Msg("Bringing stage up")

			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			ic := a.instrument(ctx, "cli.up", stage)
			report, err := a.orch.ApplyStageUp(ic.Ctx, stage)
			if report == nil {
				finishRun(ic, "", "", err)
				return err
			}
			finishRun(ic, report.RunID, report.Status, err)

			if jsonOutput {
				if perr := printJSON(report); perr != nil {
					return perr
				}
			} else {
				printUpReport(report)
			}
			if err != nil {
				return err
			}
			if report.Status != engine.RunStatusSucceeded {
				return fmt.Errorf("%w: %s", errRunIncomplete, report.Status)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.refresh, "refresh", false, "read actual state from providers before planning")
	cmd.Flags().BoolVar(&opts.prune, "prune", false, "delete recorded resources no longer declared")
	cmd.Flags().IntVarP(&opts.maxParallel, "max-parallel", "p", 0, "max concurrent container starts and resource actions (0 = default)")
	cmd.Flags().IntVar(&opts.maxDeletes, "max-deletes", 0, "policy limit on deletes per run (0 = unlimited)")
	cmd.Flags().BoolVar(&opts.insecureSSH, "ssh-insecure", false, "skip SSH host key verification")

	return cmd
}

func printUpReport(r *orchestrator.StageUpReport) {
	fmt.Fprintf(stdout, "Stage %s (run %s)\n", r.Stage, r.RunID)
	if r.Services != nil {
		fmt.Fprintln(stdout, "\nServices:")
		for _, s := range r.Services.Services {
			mark := "✓"
			if s.Error != "" {
				mark = "✗"
			}
			line := fmt.Sprintf("  %s [%d] %s %s", mark, s.Level, s.Service, s.State)
			if s.Reused {
				line += " (reused)"
			}
			if s.Error != "" {
				line += ": " + s.Error
			}
			fmt.Fprintln(stdout, line)
		}
	}
	if r.Plan != nil {
		fmt.Fprintln(stdout, "\nResources:")
		printPlan(r.Plan)
		printResults(r.Results)
	}
	fmt.Fprintf(stdout, "\n%s %s\n", statusMark(r.Status), r.Status)
	if r.Error != "" {
		fmt.Fprintf(stdout, "  %s\n", r.Error)
	}
}
