package cli

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/fatih/color"

	"github.com/roach88/evolve/internal/engine"
	"github.com/roach88/evolve/internal/ir"
)

// statusColor returns a color-formatted lifecycle status.
func statusColor(s ir.Status) string {
	switch s {
	case ir.StatusTested, ir.StatusEnhanced:
		return color.New(color.FgGreen).Sprint(s)
	case ir.StatusOrchestrator:
		return color.New(color.FgCyan).Sprint(s)
	case ir.StatusDraft:
		return color.New(color.FgYellow).Sprint(s)
	default:
		return color.New(color.FgRed).Sprint(s)
	}
}

func actionColor(a ir.Action) string {
	switch a {
	case ir.ActionCreated:
		return color.New(color.FgGreen).Sprint("+")
	case ir.ActionDeleted:
		return color.New(color.FgRed).Sprint("-")
	default:
		return color.New(color.FgYellow).Sprint("~")
	}
}

// renderResult prints every committed record of an operation.
func renderResult(w io.Writer, res *engine.Result, verbose bool) {
	for _, rec := range res.Records {
		renderRecord(w, rec, verbose)
	}
	if res.Manifest != nil {
		fmt.Fprintf(w, "bundle %s@%s: %d members\n", res.Manifest.Domain, res.Manifest.Version, len(res.Manifest.Components))
	}
	for _, id := range slices.Sorted(maps.Keys(res.Revalidated)) {
		v := res.Revalidated[id]
		mark := color.New(color.FgGreen).Sprint("PASS")
		if !v.Passed {
			mark = color.New(color.FgRed).Sprint("FAIL")
		}
		fmt.Fprintf(w, "  revalidated %s %s", id, mark)
		if len(v.Reasons) > 0 {
			fmt.Fprintf(w, " (%s)", strings.Join(v.Reasons, "; "))
		}
		fmt.Fprintln(w)
	}
	for _, ref := range res.Repaired {
		fmt.Fprintf(w, "  %s %s\n", color.New(color.FgYellow).Sprint("repaired"), ref)
	}
}

func renderRecord(w io.Writer, rec ir.EvolutionRecord, verbose bool) {
	c := rec.State.Component
	fmt.Fprintf(w, "%s #%d %s  %s %s", c.ID, rec.Sequence, rec.Operation, statusColor(c.Status), c.Version)
	if rec.RollbackOf != nil {
		fmt.Fprintf(w, "  (state of #%d)", *rec.RollbackOf)
	}
	if rec.Note != "" {
		fmt.Fprintf(w, "  %s", color.New(color.Faint).Sprint(rec.Note))
	}
	fmt.Fprintln(w)
	if !verbose {
		return
	}
	for _, ch := range rec.Changes {
		fmt.Fprintf(w, "    %s %s\n", actionColor(ch.Action), ch.ArtifactRef)
	}
}

// renderComponent prints the current state of a component.
func renderComponent(w io.Writer, c ir.Component) {
	fmt.Fprintf(w, "%s (%s) %s %s\n", c.ID, c.Kind, statusColor(c.Status), c.Version)
	if c.Domain != "" {
		fmt.Fprintf(w, "  domain: %s\n", c.Domain)
	}
	if len(c.Dependencies) > 0 {
		fmt.Fprintf(w, "  depends on: %s\n", strings.Join(c.Dependencies, ", "))
	}
	if len(c.Triggers) > 0 {
		fmt.Fprintf(w, "  triggers: %s\n", strings.Join(c.Triggers, ", "))
	}
	for _, ref := range c.OwnedRefs() {
		fmt.Fprintf(w, "  %s\n", ref)
	}
}
