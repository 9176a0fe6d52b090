package cli

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/evolve/internal/engine"
	"github.com/roach88/evolve/internal/ir"
)

// CreateOptions holds flags for the create command.
type CreateOptions struct {
	*RootOptions
	File         string
	Kind         string
	Version      string
	Domain       string
	Dependencies []string
	Artifacts    []string
}

// NewCreateCommand creates the create command.
func NewCreateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CreateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "create [id]",
		Short: "Register a new component",
		Long: `Register a new component in the Draft state and write evolution record #0.

Artifacts are given as ref (adopt the bytes already in the workspace) or
ref=path (copy the file at path into the workspace). A component file
(--file) can be used instead of flags.

Example:
  evolve create cmd:next --kind command --artifact cmd/next.md=./next.md
  evolve create --file component.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := opts.request(args)
			if err != nil {
				reportError(opts.RootOptions, cmd, err)
				return err
			}
			return withSession(opts.RootOptions, cmd, func(s *session) error {
				res, err := s.eng.Create(cmd.Context(), req)
				if err != nil {
					return err
				}
				return s.out.Success(res, func(w io.Writer) { renderResult(w, res, opts.Verbose) })
			})
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "component file (YAML)")
	cmd.Flags().StringVar(&opts.Kind, "kind", string(ir.KindCommand), "component kind")
	cmd.Flags().StringVar(&opts.Version, "version", "", "initial version (default 0.1.0)")
	cmd.Flags().StringVar(&opts.Domain, "domain", "", "domain the component belongs to")
	cmd.Flags().StringSliceVar(&opts.Dependencies, "dep", nil, "dependency component id (repeatable)")
	cmd.Flags().StringArrayVar(&opts.Artifacts, "artifact", nil, "artifact ref or ref=path (repeatable)")

	return cmd
}

func (o *CreateOptions) request(args []string) (engine.CreateRequest, error) {
	if o.File != "" {
		if len(args) > 0 {
			return engine.CreateRequest{}, NewExitError(ExitFailure, "give either an id or --file, not both")
		}
		req, err := LoadCreateRequest(o.File)
		if err != nil {
			return engine.CreateRequest{}, WrapExitError(ExitFailure, "failed to load component file", err)
		}
		return req, nil
	}
	if len(args) == 0 {
		return engine.CreateRequest{}, NewExitError(ExitFailure, "component id required")
	}
	req := engine.CreateRequest{
		ID:           args[0],
		Kind:         ir.Kind(o.Kind),
		Version:      o.Version,
		Domain:       o.Domain,
		Dependencies: o.Dependencies,
	}
	for _, a := range o.Artifacts {
		in, err := parseArtifactFlag(a)
		if err != nil {
			return engine.CreateRequest{}, WrapExitError(ExitFailure, "invalid --artifact", err)
		}
		req.Artifacts = append(req.Artifacts, in)
	}
	return req, nil
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <id>",
		Short: "Run the quality gate and mark a Draft component Tested",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, func(s *session) error {
				res, err := s.eng.Validate(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return s.out.Success(res, func(w io.Writer) { renderResult(w, res, rootOpts.Verbose) })
			})
		},
	}
}

// RetireOptions holds flags for the retire command.
type RetireOptions struct {
	*RootOptions
	Status string
	Force  bool
}

// NewRetireCommand creates the retire command.
func NewRetireCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RetireOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "retire <id>",
		Short: "Archive or deprecate a component",
		Long: `Move a component to Archived or Deprecated and release its triggers.

Retiring a component that live components depend on is refused unless
--force is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(opts.RootOptions, cmd, func(s *session) error {
				res, err := s.eng.Retire(cmd.Context(), args[0], ir.Status(opts.Status), opts.Force)
				if err != nil {
					return err
				}
				return s.out.Success(res, func(w io.Writer) { renderResult(w, res, opts.Verbose) })
			})
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", string(ir.StatusArchived), "archived or deprecated")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "retire even if live components depend on it")

	return cmd
}
