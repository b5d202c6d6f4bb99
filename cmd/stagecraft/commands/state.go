package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/stagecraft/pkg/config"
	"github.com/openfroyo/stagecraft/pkg/stores"
)

// withStore opens the project's state store for the duration of fn.
func withStore(ctx context.Context, fn func(paths config.ProjectPaths, store *stores.SQLiteStore) error) error {
	paths, err := loadPaths()
	if err != nil {
		return err
	}
	tel, err := newTelemetry()
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer tel.Shutdown(context.WithoutCancel(ctx))

	store, err := openStore(ctx, paths, tel)
	if err != nil {
		return err
	}
	defer store.Close()

	return fn(paths, store)
}

// resolveScope accepts either a full "project/stage" scope or a stage name
// of the current project.
func resolveScope(paths config.ProjectPaths, arg string) (string, error) {
	if strings.Contains(arg, "/") {
		return arg, nil
	}
	flow, err := loadFlow(paths, log.Logger)
	if err != nil {
		return "", err
	}
	return config.Scope(flow.Name, arg), nil
}

func newStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect and repair the state store",
		Long: `Inspect resource records, runs, events and scope locks held in the
project's state database, and release stale locks.

Commands taking a scope accept either "project/stage" or a stage name of
the current project.`,
	}

	cmd.AddCommand(newStateScopesCommand())
	cmd.AddCommand(newStateListCommand())
	cmd.AddCommand(newStateRunsCommand())
	cmd.AddCommand(newStateShowCommand())
	cmd.AddCommand(newStateEventsCommand())
	cmd.AddCommand(newStateLocksCommand())
	cmd.AddCommand(newStateUnlockCommand())

	return cmd
}

func newStateScopesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "scopes",
		Short: "List scopes with resource records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(_ config.ProjectPaths, store *stores.SQLiteStore) error {
				scopes, err := store.ListScopes(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(scopes)
				}
				for _, s := range scopes {
					fmt.Fprintln(stdout, s)
				}
				return nil
			})
		},
	}
}

func newStateListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list <scope|stage>",
		Short: "List the resource records of a scope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withStore(ctx, func(paths config.ProjectPaths, store *stores.SQLiteStore) error {
				scope, err := resolveScope(paths, args[0])
				if err != nil {
					return err
				}
				records, err := store.ListResources(ctx, scope)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(records)
				}
				if len(records) == 0 {
					fmt.Fprintf(stdout, "No resources recorded for %s\n", scope)
					return nil
				}
				tw := newTable("RESOURCE", "STATUS", "PROVIDER ID", "DEPENDS ON", "CHECKPOINTED")
				for _, r := range records {
					at := r.CheckpointedAt
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
						r.Identity, r.Status, orDash(r.ProviderID), orDash(strings.Join(r.DependsOn, ",")), formatTime(&at))
				}
				return tw.Flush()
			})
		},
	}
}

func newStateRunsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs [scope|stage]",
		Short: "List recent runs, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withStore(ctx, func(paths config.ProjectPaths, store *stores.SQLiteStore) error {
				var scope string
				if len(args) == 1 {
					var err error
					if scope, err = resolveScope(paths, args[0]); err != nil {
						return err
					}
				}
				runs, err := store.ListRuns(ctx, scope, limit)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(runs)
				}
				tw := newTable("RUN", "SCOPE", "OPERATION", "MODE", "STATUS", "STARTED", "DURATION")
				for _, r := range runs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						r.ID, r.Scope, r.Operation, orDash(r.Mode), r.Status, formatTime(&r.StartedAt), runDuration(r))
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs")

	return cmd
}

func newStateShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run with its summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withStore(ctx, func(_ config.ProjectPaths, store *stores.SQLiteStore) error {
				run, err := store.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(run)
				}
				fmt.Fprintf(stdout, "Run:       %s\n", run.ID)
				fmt.Fprintf(stdout, "Scope:     %s\n", run.Scope)
				fmt.Fprintf(stdout, "Operation: %s %s\n", run.Operation, run.Mode)
				fmt.Fprintf(stdout, "Status:    %s %s\n", statusMark(run.Status), run.Status)
				fmt.Fprintf(stdout, "Started:   %s\n", formatTime(&run.StartedAt))
				fmt.Fprintf(stdout, "Completed: %s\n", formatTime(run.CompletedAt))
				if run.Error != nil {
					fmt.Fprintf(stdout, "Error:     %s\n", *run.Error)
				}
				if run.Summary != "" {
					fmt.Fprintf(stdout, "\n%s\n", run.Summary)
				}
				return nil
			})
		},
	}
}

func newStateEventsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "events <run-id>",
		Short: "List the progress events of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withStore(ctx, func(_ config.ProjectPaths, store *stores.SQLiteStore) error {
				events, err := store.ListEvents(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(events)
				}
				tw := newTable("TIME", "LEVEL", "KIND", "SUBJECT", "PHASE", "OUTCOME", "DETAIL")
				for _, e := range events {
					detail := e.Message
					if e.Error != "" {
						detail = e.Error
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						e.Timestamp.Local().Format(time.TimeOnly), e.Level, e.Kind, e.Subject, e.Phase, e.Outcome, orDash(detail))
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum number of events (0 = all)")

	return cmd
}

func newStateLocksCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "locks",
		Short: "List scope locks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withStore(ctx, func(_ config.ProjectPaths, store *stores.SQLiteStore) error {
				locks, err := store.ListLocks(ctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(locks)
				}
				now := time.Now()
				tw := newTable("SCOPE", "HOLDER", "ACQUIRED", "EXPIRES", "STATE")
				for _, l := range locks {
					state := "held"
					if l.Expired(now) {
						state = "expired"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
						l.Scope, l.Holder, formatTime(&l.AcquiredAt), formatTime(&l.ExpiresAt), state)
				}
				return tw.Flush()
			})
		},
	}
}

func newStateUnlockCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <scope|stage>",
		Short: "Forcibly release a scope lock",
		Long: `Remove the lock on a scope regardless of its holder. Only use this when
the holding process is known to be gone; a live holder loses its lease and
its next write is rejected.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withStore(ctx, func(paths config.ProjectPaths, store *stores.SQLiteStore) error {
				scope, err := resolveScope(paths, args[0])
				if err != nil {
					return err
				}
				removed, err := store.ForceUnlock(ctx, scope)
				if err != nil {
					return err
				}
				if removed {
					fmt.Fprintf(stdout, "✓ Released lock on %s\n", scope)
				} else {
					fmt.Fprintf(stdout, "No lock held on %s\n", scope)
				}
				return nil
			})
		},
	}
}

func runDuration(r stores.Run) string {
	if r.CompletedAt == nil {
		return "-"
	}
	return r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
}
