package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/stagecraft/pkg/orchestrator"
)

func newStatusCommand() *cobra.Command {
	var opts appOptions

	cmd := &cobra.Command{
		Use:   "status <stage>",
		Short: "Show the status of a stage",
		Long: `Show the stage's containers and compare its declared resources with
the recorded state (or, with --refresh, with what the providers report).
Never takes the scope lock.`,
		Example: `  stagecraft status dev
  stagecraft status prod --refresh --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			st, err := a.orch.GetStageStatus(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(st)
			}
			printStageStatus(st)
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.refresh, "refresh", false, "read actual state from providers")
	cmd.Flags().BoolVar(&opts.insecureSSH, "ssh-insecure", false, "skip SSH host key verification")

	return cmd
}

func printStageStatus(st *orchestrator.StageStatus) {
	fmt.Fprintf(stdout, "Stage %s (%s)\n", st.Stage, st.Scope)

	if len(st.Services) > 0 {
		fmt.Fprintln(stdout)
		tw := newTable("SERVICE", "LEVEL", "CONTAINER", "STATE", "HEALTH")
		for _, s := range st.Services {
			state := s.State
			if !s.Present {
				state = "absent"
			}
			health := s.Health
			if health == "" {
				health = "-"
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", s.Service, s.Level, s.ContainerID, state, health)
		}
		tw.Flush()
	}

	if len(st.Resources) > 0 {
		fmt.Fprintln(stdout)
		tw := newTable("RESOURCE", "STATUS", "SYNC", "PROVIDER ID", "CHECKPOINTED")
		for _, r := range st.Resources {
			status := string(r.Status)
			if status == "" {
				status = "-"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				r.Identity, status, syncLabel(r), orDash(r.ProviderID), formatTime(r.CheckpointedAt))
		}
		tw.Flush()

		for _, r := range st.Resources {
			for _, c := range r.Pending {
				fmt.Fprintf(stdout, "  ~ %s %s: %s => %s\n", r.Identity, c.Key, formatValue(c.Before), formatValue(c.After))
			}
		}
	}

	if st.LastRun != nil {
		run := st.LastRun
		fmt.Fprintf(stdout, "\nLast run: %s %s %s at %s\n",
			run.ID, run.Operation, run.Status, formatTime(&run.StartedAt))
	}
}

func syncLabel(r orchestrator.ResourceStatus) string {
	switch {
	case r.InSync():
		return "in sync"
	case !r.Recorded:
		return "missing"
	case !r.Declared:
		return "orphaned"
	default:
		return "pending"
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
