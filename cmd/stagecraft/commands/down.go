package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/stagecraft/pkg/engine"
	"github.com/openfroyo/stagecraft/pkg/model"
	"github.com/openfroyo/stagecraft/pkg/orchestrator"
)

func newDownCommand() *cobra.Command {
	var (
		mode string
		opts appOptions
	)

	cmd := &cobra.Command{
		Use:   "down <stage>",
		Short: "Bring a stage down",
		Long: `Stop the stage's containers in reverse dependency order, then apply
the down plan of its recorded resources:

  stop     containers stopped, resources left as they are
  suspend  containers stopped, running resources powered off
  destroy  containers removed, every recorded resource deleted

Resources are taken from the state store, so a resource removed from the
configuration is still destroyed.`,
		Example: `  # Stop containers only
  stagecraft down dev

  # Tear everything down
  stagecraft down dev --mode destroy`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			stage := args[0]

			log.Info().
				Str("stage", stage).
				Str("mode", mode).
				Msg("Bringing stage down")

			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			ic := a.instrument(ctx, "cli.down", stage)
			report, err := a.orch.ApplyStageDown(ic.Ctx, stage, model.PlanMode(mode))
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
				printDownReport(report)
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

	cmd.Flags().StringVarP(&mode, "mode", "m", string(model.PlanModeStop), "down mode (stop, suspend, destroy)")
	cmd.Flags().IntVarP(&opts.maxParallel, "max-parallel", "p", 0, "max concurrent resource actions (0 = default)")
	cmd.Flags().IntVar(&opts.maxDeletes, "max-deletes", 0, "policy limit on deletes per run (0 = unlimited)")
	cmd.Flags().BoolVar(&opts.insecureSSH, "ssh-insecure", false, "skip SSH host key verification")

	return cmd
}

func printDownReport(r *orchestrator.StageDownReport) {
	fmt.Fprintf(stdout, "Stage %s %s (run %s)\n", r.Stage, r.Mode, r.RunID)
	if r.Services != nil {
		fmt.Fprintln(stdout, "\nServices:")
		for _, s := range r.Services.Services {
			switch {
			case s.Error != "":
				fmt.Fprintf(stdout, "  ✗ %s: %s\n", s.Service, s.Error)
			case s.Missing:
				fmt.Fprintf(stdout, "  - %s not present\n", s.Service)
			case s.Removed:
				fmt.Fprintf(stdout, "  ✓ %s removed\n", s.Service)
			default:
				fmt.Fprintf(stdout, "  ✓ %s stopped\n", s.Service)
			}
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
