package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/evolve/internal/archive"
	"github.com/roach88/evolve/internal/config"
	"github.com/roach88/evolve/internal/engine"
	"github.com/roach88/evolve/internal/gate"
	"github.com/roach88/evolve/internal/history"
	"github.com/roach88/evolve/internal/metrics"
	"github.com/roach88/evolve/internal/registry"
	"github.com/roach88/evolve/internal/store"
	"github.com/roach88/evolve/internal/workspace"
)

// session is an engine opened on the state root of one invocation.
type session struct {
	cfg    config.Config
	eng    *engine.Engine
	store  *store.Store
	ws     *workspace.FS
	logger *slog.Logger
	out    *OutputFormatter
	gather prometheus.Gatherer
}

// openSession loads configuration and wires an engine over the on-disk
// state: JSONL history, the archive, the workspace directory and the
// SQLite registry.
func openSession(opts *RootOptions, cmd *cobra.Command) (*session, error) {
	out := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	cfg, err := config.Load(opts.Config, cmd.Flags())
	if err != nil {
		return nil, WrapExitError(ExitFailure, "failed to load config", err)
	}

	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, WrapExitError(ExitFailure, "invalid log level", err)
	}
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, WrapExitError(ExitFailure, "failed to create state root", err)
	}
	hist, err := history.Open(cfg.HistoryDir())
	if err != nil {
		return nil, WrapExitError(ExitFailure, "failed to open history", err)
	}
	compression, err := archive.ParseCompression(cfg.Compression)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "invalid compression", err)
	}
	arch, err := archive.Open(cfg.ArchiveDir(), archive.Options{
		Compression: compression,
		CacheTTL:    cfg.Archive.CacheTTL,
	})
	if err != nil {
		return nil, WrapExitError(ExitFailure, "failed to open archive", err)
	}
	ws, err := workspace.OpenFS(cfg.WorkspaceDir())
	if err != nil {
		return nil, WrapExitError(ExitFailure, "failed to open workspace", err)
	}
	qg, err := buildGate(cfg.Gate)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "failed to load gate policy", err)
	}
	mode, err := engine.ParseSplitMode(cfg.SplitMode)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "invalid split mode", err)
	}

	out.VerboseLog("opening registry %s", cfg.RegistryPath())
	st, err := store.Open(cfg.RegistryPath())
	if err != nil {
		return nil, WrapExitError(ExitFailure, "failed to open registry", err)
	}

	reg := prometheus.NewRegistry()
	eng, err := engine.New(engine.Deps{
		Registry:  st,
		Triggers:  st,
		Gate:      qg,
		History:   hist,
		Archive:   arch,
		Workspace: ws,
	},
		engine.WithLogger(logger),
		engine.WithSplitMode(mode),
		engine.WithGateConcurrency(cfg.Gate.Concurrency),
		engine.WithMetrics(metrics.New(reg)),
	)
	if err != nil {
		_ = st.Close()
		return nil, WrapExitError(ExitFailure, "failed to start engine", err)
	}
	return &session{cfg: cfg, eng: eng, store: st, ws: ws, logger: logger, out: out, gather: reg}, nil
}

func buildGate(cfg config.GateConfig) (registry.QualityGate, error) {
	status := gate.NewStatus()
	if cfg.Policy == "" {
		return status, nil
	}
	src, err := os.ReadFile(cfg.Policy)
	if err != nil {
		return nil, err
	}
	policy, err := gate.CompilePolicy(cfg.Policy, string(src))
	if err != nil {
		return nil, err
	}
	return gate.All{status, policy}, nil
}

func (s *session) Close() error {
	var errs []error
	if s.cfg.MetricsFile != "" {
		if err := prometheus.WriteToTextfile(s.cfg.MetricsFile, s.gather); err != nil {
			errs = append(errs, fmt.Errorf("write metrics: %w", err))
		}
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close registry: %w", err))
	}
	return errors.Join(errs...)
}

// withSession opens a session, runs fn and reports its error through the
// formatter. The returned error carries the exit code.
func withSession(opts *RootOptions, cmd *cobra.Command, fn func(s *session) error) error {
	s, err := openSession(opts, cmd)
	if err != nil {
		reportError(opts, cmd, err)
		return err
	}
	defer func() {
		if closeErr := s.Close(); closeErr != nil {
			s.logger.Error("error closing session", "error", closeErr)
		}
	}()

	if err := fn(s); err != nil {
		if outErr := s.out.Error(err); outErr != nil {
			return errors.Join(err, outErr)
		}
		return WrapExitError(GetExitCode(err), "command failed", err)
	}
	return nil
}

func reportError(opts *RootOptions, cmd *cobra.Command, err error) {
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr(), Verbose: opts.Verbose}
	_ = out.Error(err)
}
