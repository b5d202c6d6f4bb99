package commands

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/stagecraft/pkg/engine"
	"github.com/openfroyo/stagecraft/pkg/model"
	"github.com/openfroyo/stagecraft/pkg/policy"
	"github.com/openfroyo/stagecraft/pkg/stores"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and evaluate plan policies",
		Long: `Rego policies gate every plan before it is applied. Built-in policies
are always loaded; project policies are read from the policies/ directory.`,
	}

	cmd.AddCommand(newPolicyListCommand())
	cmd.AddCommand(newPolicyCheckCommand())

	return cmd
}

func newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List loaded policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := loadPaths()
			if err != nil {
				return err
			}
			gate, err := policy.NewEngine(log.Logger)
			if err != nil {
				return err
			}
			if fileExists(paths.PolicyDir) {
				if err := gate.LoadPolicies(cmd.Context(), []string{paths.PolicyDir}); err != nil {
					return err
				}
			}

			policies := gate.ListPolicies()
			if jsonOutput {
				return printJSON(policies)
			}
			tw := newTable("NAME", "ENABLED", "SOURCE", "DESCRIPTION")
			for _, p := range policies {
				source := p.Source
				if p.Builtin {
					source = "builtin"
				}
				fmt.Fprintf(tw, "%s\t%t\t%s\t%s\n", p.Name, p.Enabled, orDash(source), p.Description)
			}
			return tw.Flush()
		},
	}
}

func newPolicyCheckCommand() *cobra.Command {
	var (
		down string
		opts appOptions
	)

	cmd := &cobra.Command{
		Use:   "check <stage>",
		Short: "Evaluate policies against a stage's plan",
		Long: `Compute the plan 'up' (or 'down' with --down) would apply and evaluate
every enabled policy against it without applying anything.`,
		Example: `  stagecraft policy check prod
  stagecraft policy check prod --down destroy --max-deletes 3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			stage := args[0]

			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			op := string(stores.OperationUp)
			var plan *model.Plan
			if down != "" {
				op = string(stores.OperationDown)
				plan, err = a.orch.PlanStageDown(ctx, stage, model.PlanMode(down))
			} else {
				plan, err = a.orch.PlanStageUp(ctx, stage)
			}
			if err != nil {
				return err
			}

			actual, err := a.store.ListResources(ctx, plan.Scope)
			if err != nil {
				return err
			}
			result, err := a.policy.EvaluatePlan(ctx, policy.Input{
				Scope:     plan.Scope,
				Operation: op,
				Plan:      plan,
				Actual:    actual,
				Timestamp: time.Now().UTC(),
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				if err := printJSON(result); err != nil {
					return err
				}
			} else {
				printPolicyResult(result)
			}
			if !result.Allowed {
				return engine.NewPermanentError(fmt.Sprintf("plan for %s rejected by policy", plan.Scope), nil).
					WithCode(engine.ErrCodePolicyViolation).
					WithOperation(op)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&down, "down", "", "check a down plan instead (stop, suspend, destroy)")
	cmd.Flags().BoolVar(&opts.prune, "prune", false, "include deletes of undeclared resources")
	cmd.Flags().IntVar(&opts.maxDeletes, "max-deletes", 0, "policy limit on deletes per run (0 = unlimited)")

	return cmd
}

func printPolicyResult(r *policy.Result) {
	for _, v := range r.Violations {
		fmt.Fprintf(stdout, "✗ %s: %s\n", v.Policy, v.Message)
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(stdout, "! %s: %s\n", w.Policy, w.Message)
	}
	if r.Allowed {
		fmt.Fprintf(stdout, "✓ Plan allowed by %d policies\n", len(r.EvaluatedPolicies))
	}
}
