package cli

import (
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/evolve/internal/engine"
)

// CapabilityOptions holds flags for the add-capability command.
type CapabilityOptions struct {
	*RootOptions
	File        string
	Name        string
	Description string
	Triggers    []string
}

// NewAddCapabilityCommand creates the add-capability command.
func NewAddCapabilityCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CapabilityOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "add-capability <id>",
		Short: "Attach a capability with trigger identifiers to a tested component",
		Long: `Attach a capability to a Tested component, reserve its triggers and
bump the minor version.

Example:
  evolve add-capability cmd:next --trigger "next task" --trigger "what next"
  evolve add-capability cmd:next --file capability.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec := engine.CapabilitySpec{Name: opts.Name, Description: opts.Description, Triggers: opts.Triggers}
			if opts.File != "" {
				var err error
				if spec, err = LoadCapabilitySpec(opts.File); err != nil {
					err = WrapExitError(ExitFailure, "failed to load capability file", err)
					reportError(opts.RootOptions, cmd, err)
					return err
				}
			}
			return withSession(opts.RootOptions, cmd, func(s *session) error {
				res, err := s.eng.AddCapability(cmd.Context(), args[0], spec)
				if err != nil {
					return err
				}
				return s.out.Success(res, func(w io.Writer) { renderResult(w, res, opts.Verbose) })
			})
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "capability file (YAML)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "capability name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "capability description")
	cmd.Flags().StringArrayVarP(&opts.Triggers, "trigger", "t", nil, "trigger identifier (repeatable)")

	return cmd
}

// NewRemoveCapabilityCommand creates the remove-capability command.
func NewRemoveCapabilityCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove-capability <id>",
		Short: "Remove a component's capability and release its triggers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, func(s *session) error {
				res, err := s.eng.RemoveCapability(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return s.out.Success(res, func(w io.Writer) { renderResult(w, res, rootOpts.Verbose) })
			})
		},
	}
}

// NewBundleCommand creates the bundle command.
func NewBundleCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "bundle <domain> <version>",
		Short: "Package every live component of a domain into a versioned bundle",
		Long: `Gate every live member of a domain and, if all pass, write a bundle
manifest and stamp each member with a bundle record. Nothing is written
when any member fails; all failures are reported.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, func(s *session) error {
				res, err := s.eng.Bundle(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				return s.out.Success(res, func(w io.Writer) { renderResult(w, res, rootOpts.Verbose) })
			})
		},
	}
}

// SplitOptions holds flags for the split command.
type SplitOptions struct {
	*RootOptions
	File    string
	Buckets []string
	Mode    string
}

// NewSplitCommand creates the split command.
func NewSplitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SplitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "split <id>",
		Short: "Partition a component's artifacts into new components",
		Long: `Split a component into children, one per bucket. Every artifact must be
assigned to exactly one bucket.

In orchestrator mode (default) the original keeps its id and depends on
the children. In retire mode it is deprecated behind a shim and its
dependents are repointed to the children.

Example:
  evolve split pm --bucket pm-core=pm/a.md,pm/b.md --bucket pm-tracking=pm/c.md
  evolve split pm --file partition.yaml --mode retire`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := opts.partition()
			if err != nil {
				reportError(opts.RootOptions, cmd, err)
				return err
			}
			return withSession(opts.RootOptions, cmd, func(s *session) error {
				res, err := s.eng.Split(cmd.Context(), args[0], spec)
				if err != nil {
					return err
				}
				return s.out.Success(res, func(w io.Writer) { renderResult(w, res, opts.Verbose) })
			})
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "partition file (YAML)")
	cmd.Flags().StringArrayVar(&opts.Buckets, "bucket", nil, "bucket as name=ref[,ref...] (repeatable)")
	cmd.Flags().StringVar(&opts.Mode, "mode", "", "orchestrator or retire (default from config)")

	return cmd
}

func (o *SplitOptions) partition() (engine.PartitionSpec, error) {
	var spec engine.PartitionSpec
	if o.File != "" {
		var err error
		if spec, err = LoadPartitionSpec(o.File); err != nil {
			return spec, WrapExitError(ExitFailure, "failed to load partition file", err)
		}
	}
	for _, b := range o.Buckets {
		bucket, err := parseBucketFlag(b)
		if err != nil {
			return spec, WrapExitError(ExitFailure, "invalid --bucket", err)
		}
		spec.Buckets = append(spec.Buckets, bucket)
	}
	if o.Mode != "" {
		spec.Mode = engine.SplitMode(o.Mode)
	}
	return spec, nil
}

// RollbackOptions holds flags for the rollback command.
type RollbackOptions struct {
	*RootOptions
	Cascade bool
}

// NewRollbackCommand creates the rollback command.
func NewRollbackCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RollbackOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "rollback <id> <sequence>",
		Short: "Restore a component to the state recorded at an earlier sequence",
		Long: `Restore a component to the state of an earlier evolution record. History
is never rewritten: the rollback appends a new record.

Rolling back a split also retires or reactivates its children. A rollback
that would break live dependents is refused unless --cascade is given,
in which case affected dependents are repointed and re-evaluated.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				err = WrapExitError(ExitFailure, "invalid sequence", err)
				reportError(opts.RootOptions, cmd, err)
				return err
			}
			return withSession(opts.RootOptions, cmd, func(s *session) error {
				res, err := s.eng.Rollback(cmd.Context(), args[0], target, opts.Cascade)
				if err != nil {
					return err
				}
				return s.out.Success(res, func(w io.Writer) { renderResult(w, res, opts.Verbose) })
			})
		},
	}

	cmd.Flags().BoolVar(&opts.Cascade, "cascade", false, "repoint and re-evaluate dependents instead of refusing")

	return cmd
}
