package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/stagecraft/pkg/engine"
	"github.com/openfroyo/stagecraft/pkg/model"
	"github.com/openfroyo/stagecraft/pkg/telemetry"
)

func newPlanCommand() *cobra.Command {
	var (
		outFile string
		dotFile string
		down    string
		opts    appOptions
	)

	cmd := &cobra.Command{
		Use:   "plan <stage>",
		Short: "Show the resource plan of a stage",
		Long: `Compute the plan that 'up' (or 'down' with --down) would apply to a
stage's resources, without taking the scope lock or changing anything.

Up plans compare the stage's declared resources with the recorded state
(or, with --refresh, with what the providers report). Down plans are
computed from the recorded state only.`,
		Example: `  # Preview what 'stagecraft up dev' would change
  stagecraft plan dev

  # Preview a destroy and save the plan
  stagecraft plan dev --down destroy --out plan.json

  # Render the service start order as a DOT graph
  stagecraft plan dev --dot services.dot`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			stage := args[0]

			log.Info().
				Str("stage", stage).
				Str("down", down).
				Str("out", outFile).
				Str("dot", dotFile).
				Bool("refresh", opts.refresh).
				Msg("Computing plan")

			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			ic := a.instrument(ctx, "cli.plan", stage)
			var plan *model.Plan
			if down != "" {
				plan, err = a.orch.PlanStageDown(ic.Ctx, stage, model.PlanMode(down))
			} else {
				plan, err = a.orch.PlanStageUp(ic.Ctx, stage)
			}
			if plan != nil {
				ic.Span.SetAttributes(telemetry.AttrPlanID.String(plan.ID))
			}
			ic.End(err)
			if err != nil {
				return err
			}

			if outFile != "" {
				data, err := json.MarshalIndent(plan, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to encode plan: %w", err)
				}
				if err := os.WriteFile(outFile, data, 0o644); err != nil {
					return fmt.Errorf("failed to write plan: %w", err)
				}
			}

			if dotFile != "" {
				flow := a.orch.Flow()
				graph, err := engine.BuildServiceGraph(flow, flow.Stage(stage).Services)
				if err != nil {
					return err
				}
				if err := os.WriteFile(dotFile, []byte(graph.ToDOT(a.orch.Scope(stage))), 0o644); err != nil {
					return fmt.Errorf("failed to write DOT graph: %w", err)
				}
			}

			if jsonOutput {
				return printJSON(plan)
			}
			printPlan(plan)
			if outFile != "" {
				fmt.Fprintf(stdout, "✓ Plan saved to %s\n", outFile)
			}
			if dotFile != "" {
				fmt.Fprintf(stdout, "✓ Service graph saved to %s\n", dotFile)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the plan as JSON to this file")
	cmd.Flags().StringVar(&dotFile, "dot", "", "write the service dependency graph as DOT to this file")
	cmd.Flags().StringVar(&down, "down", "", "plan a down run instead (stop, suspend, destroy)")
	cmd.Flags().BoolVar(&opts.refresh, "refresh", false, "read actual state from providers instead of the state store")
	cmd.Flags().BoolVar(&opts.prune, "prune", false, "delete recorded resources no longer declared")

	return cmd
}
