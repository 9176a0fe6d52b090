package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/roach88/evolve/internal/engine"
	"github.com/roach88/evolve/internal/ir"
)

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print the current state of a component",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, func(s *session) error {
				c, err := s.eng.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return s.out.Success(c, func(w io.Writer) { renderComponent(w, c) })
			})
		},
	}
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "List the evolution records of a component",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, func(s *session) error {
				recs, err := s.eng.History(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return s.out.Success(recs, func(w io.Writer) {
					for _, rec := range recs {
						renderRecord(w, rec, rootOpts.Verbose)
					}
				})
			})
		},
	}
}

// NewDiffCommand creates the diff command.
func NewDiffCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "diff <id> <from> <to>",
		Short: "Show artifact changes between two records of a component",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			seqs := make([]int64, 2)
			for i, arg := range args[1:] {
				n, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					err = WrapExitError(ExitFailure, "invalid sequence", err)
					reportError(rootOpts, cmd, err)
					return err
				}
				seqs[i] = n
			}
			return withSession(rootOpts, cmd, func(s *session) error {
				diffs, err := s.eng.Diff(cmd.Context(), args[0], seqs[0], seqs[1])
				if err != nil {
					return err
				}
				return s.out.Success(diffs, func(w io.Writer) { renderDiffs(w, diffs) })
			})
		},
	}
}

func renderDiffs(w io.Writer, diffs []engine.ArtifactDiff) {
	if len(diffs) == 0 {
		fmt.Fprintln(w, "no changes")
		return
	}
	for _, d := range diffs {
		action := ir.ActionModified
		switch {
		case d.Before == "":
			action = ir.ActionCreated
		case d.After == "":
			action = ir.ActionDeleted
		}
		fmt.Fprintf(w, "%s %s\n", actionColor(action), d.Ref)
		if d.Patch != "" {
			fmt.Fprintln(w, d.Patch)
		}
	}
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <id>",
		Short: "Check live artifacts against the recorded checksums",
		Long: `Check that every artifact of the component's latest record has the
recorded checksum and is restorable from the archive. Exits 3 on any
mismatch.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, func(s *session) error {
				res, err := s.eng.Verify(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return s.out.Success(res, func(w io.Writer) {
					fmt.Fprintf(w, "%s %s #%d: %d artifacts match\n",
						color.New(color.FgGreen).Sprint("OK"), args[0], res.Record.Sequence, len(res.Record.State.Checksums))
				})
			})
		},
	}
}

// ReconcileOptions holds flags for the reconcile command.
type ReconcileOptions struct {
	*RootOptions
	All bool
}

// NewReconcileCommand creates the reconcile command.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReconcileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reconcile [id]",
		Short: "Repair the workspace and registry from recorded history",
		Long: `Rewrite artifacts whose live bytes differ from the latest record,
remove leftovers of earlier records, and re-index the registry and
trigger reservations. History is the source of truth and is not changed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.All == (len(args) == 1) {
				err := NewExitError(ExitFailure, "give either a component id or --all")
				reportError(opts.RootOptions, cmd, err)
				return err
			}
			return withSession(opts.RootOptions, cmd, func(s *session) error {
				var res *engine.Result
				var err error
				if opts.All {
					res, err = s.eng.ReconcileAll(cmd.Context())
				} else {
					res, err = s.eng.Reconcile(cmd.Context(), args[0])
				}
				if err != nil {
					return err
				}
				return s.out.Success(res, func(w io.Writer) {
					fmt.Fprintf(w, "%d components reconciled, %d artifacts repaired\n", len(res.Components), len(res.Repaired))
					renderResult(w, res, opts.Verbose)
				})
			})
		},
	}

	cmd.Flags().BoolVar(&opts.All, "all", false, "reconcile every component")

	return cmd
}

// NewGCCommand creates the gc command.
func NewGCCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Remove archived content no record refers to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, func(s *session) error {
				swept, err := s.eng.CollectGarbage(cmd.Context())
				if err != nil {
					return err
				}
				return s.out.Success(map[string]any{"removed": swept}, func(w io.Writer) {
					fmt.Fprintf(w, "%d archive objects removed\n", len(swept))
				})
			})
		},
	}
}
