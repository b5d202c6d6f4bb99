package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/openfroyo/stagecraft/pkg/engine"
	"github.com/openfroyo/stagecraft/pkg/model"
)

// stdout is swapped in tests.
var stdout io.Writer = os.Stdout

// printJSON writes v as indented JSON.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTable returns a tab-aligned writer; call Flush when done.
func newTable(headers ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	return tw
}

// statusMark is the prefix printed before a run outcome.
func statusMark(status engine.RunStatus) string {
	switch status {
	case engine.RunStatusSucceeded:
		return "✓"
	case engine.RunStatusPartial:
		return "!"
	default:
		return "✗"
	}
}

// printPlan prints a plan's actions grouped by level.
func printPlan(plan *model.Plan) {
	if plan == nil {
		return
	}
	fmt.Fprintf(stdout, "Plan %s (%s) for %s\n", plan.ID, plan.Mode, plan.Scope)
	if !plan.HasChanges() {
		fmt.Fprintln(stdout, "  No changes. Resources are up to date.")
		return
	}
	for _, a := range plan.Actions {
		if a.Kind == model.ActionNoop {
			continue
		}
		fmt.Fprintf(stdout, "  [%d] %s %s\n", a.Level, actionSymbol(a.Kind), a.Identity)
		for _, c := range a.Diff {
			fmt.Fprintf(stdout, "        %s: %s => %s\n", c.Key, formatValue(c.Before), formatValue(c.After))
		}
	}
	s := plan.Summary
	fmt.Fprintf(stdout, "Plan: %d to create, %d to update, %d to delete.\n", s.Create, s.Update, s.Delete)
}

func actionSymbol(kind model.ActionKind) string {
	switch kind {
	case model.ActionCreate:
		return "+"
	case model.ActionUpdate:
		return "~"
	case model.ActionDelete:
		return "-"
	default:
		return " "
	}
}

// formatValue renders an attribute value for a diff line.
func formatValue(v interface{}) string {
	if v == nil {
		return "(none)"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// printResults prints per-action apply outcomes.
func printResults(results []model.ApplyResult) {
	for _, r := range results {
		switch {
		case r.Skipped:
			fmt.Fprintf(stdout, "  - %s %s skipped\n", r.Kind, r.Identity)
		case r.Succeeded:
			fmt.Fprintf(stdout, "  ✓ %s %s\n", r.Kind, r.Identity)
		default:
			fmt.Fprintf(stdout, "  ✗ %s %s: %s\n", r.Kind, r.Identity, r.Error)
		}
	}
}

// formatTime renders an optional timestamp in local time.
func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
