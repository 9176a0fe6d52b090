package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/evolve/internal/archive"
	"github.com/roach88/evolve/internal/history"
	"github.com/roach88/evolve/internal/ir"
	"github.com/roach88/evolve/internal/lock"
	"github.com/roach88/evolve/internal/metrics"
	"github.com/roach88/evolve/internal/registry"
	"github.com/roach88/evolve/internal/resolver"
	"github.com/roach88/evolve/internal/workspace"
)

const tracerName = "github.com/roach88/evolve/internal/engine"

// DefaultGateConcurrency bounds concurrent gate evaluations in Bundle.
const DefaultGateConcurrency = 4

// SplitMode selects what happens to the original component of a split.
type SplitMode string

const (
	// SplitOrchestrator keeps the original as an Orchestrator over its children.
	SplitOrchestrator SplitMode = "orchestrator"

	// SplitRetire deprecates the original behind a compatibility shim and
	// re-points its live dependents to the children.
	SplitRetire SplitMode = "retire"
)

// ParseSplitMode parses a split mode name. Empty selects SplitOrchestrator.
func ParseSplitMode(s string) (SplitMode, error) {
	switch SplitMode(s) {
	case "", SplitOrchestrator:
		return SplitOrchestrator, nil
	case SplitRetire:
		return SplitRetire, nil
	default:
		return "", fmt.Errorf("unknown split mode %q (want orchestrator or retire)", s)
	}
}

// Deps are the collaborators an Engine is built from.
type Deps struct {
	Registry  registry.ComponentRegistry
	Triggers  registry.TriggerIndex
	Gate      registry.QualityGate
	History   *history.Store
	Archive   *archive.Store
	Workspace workspace.Workspace
}

func (d Deps) check() error {
	var missing []error
	if d.Registry == nil {
		missing = append(missing, errors.New("registry"))
	}
	if d.Triggers == nil {
		missing = append(missing, errors.New("trigger index"))
	}
	if d.Gate == nil {
		missing = append(missing, errors.New("quality gate"))
	}
	if d.History == nil {
		missing = append(missing, errors.New("history store"))
	}
	if d.Archive == nil {
		missing = append(missing, errors.New("archive store"))
	}
	if d.Workspace == nil {
		missing = append(missing, errors.New("workspace"))
	}
	if len(missing) > 0 {
		return fmt.Errorf("engine: missing dependencies: %w", errors.Join(missing...))
	}
	return nil
}

// Engine runs evolution operations against its collaborators.
//
// Thread-safety: every method is safe for concurrent use. Mutations of the
// same component are serialised by the lock manager; mutations of
// different components run in parallel.
type Engine struct {
	reg      registry.ComponentRegistry
	triggers registry.TriggerIndex
	gate     registry.QualityGate
	history  *history.Store
	archive  *archive.Store
	ws       workspace.Workspace

	resolver *resolver.Resolver
	locks    *lock.Manager

	clock   Clock
	ids     IDGenerator
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	splitMode       SplitMode
	gateConcurrency int

	// gc excludes CollectGarbage from in-flight transactions, whose
	// archive writes are not yet referenced by any record.
	gc sync.RWMutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock that stamps records. Default: SystemClock.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithIDs sets the record id generator. Default: UUIDv7Generator.
func WithIDs(g IDGenerator) Option {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMetrics sets the Prometheus instruments. Default: none.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithTracerProvider sets the tracer provider. Default: the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		e.tracer = tp.Tracer(tracerName)
	}
}

// WithSplitMode sets the default split mode. Default: SplitOrchestrator.
func WithSplitMode(m SplitMode) Option {
	return func(e *Engine) {
		e.splitMode = m
	}
}

// WithGateConcurrency bounds concurrent gate evaluations in Bundle.
// Values below 1 select DefaultGateConcurrency.
func WithGateConcurrency(n int) Option {
	return func(e *Engine) {
		e.gateConcurrency = n
	}
}

// New creates an Engine. Every dependency is required.
func New(deps Deps, opts ...Option) (*Engine, error) {
	if err := deps.check(); err != nil {
		return nil, err
	}
	e := &Engine{
		reg:             deps.Registry,
		triggers:        deps.Triggers,
		gate:            deps.Gate,
		history:         deps.History,
		archive:         deps.Archive,
		ws:              deps.Workspace,
		resolver:        resolver.New(deps.Registry),
		locks:           lock.NewManager(),
		clock:           SystemClock{},
		ids:             UUIDv7Generator{},
		logger:          slog.Default(),
		tracer:          otel.Tracer(tracerName),
		splitMode:       SplitOrchestrator,
		gateConcurrency: DefaultGateConcurrency,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.gateConcurrency < 1 {
		e.gateConcurrency = DefaultGateConcurrency
	}
	if _, err := ParseSplitMode(string(e.splitMode)); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	return e, nil
}

// Resolver returns the dependency resolver over the engine's registry.
func (e *Engine) Resolver() *resolver.Resolver {
	return e.resolver
}

// Result is the success payload of an operation.
type Result struct {
	// Record is the primary record of the operation: the one appended to
	// the component the caller named.
	Record ir.EvolutionRecord `json:"record"`

	// Records lists every committed record in commit order.
	Records []ir.EvolutionRecord `json:"records"`

	// Components holds the resulting state of every touched component.
	Components []ir.Component `json:"components"`

	// Manifest is set by Bundle.
	Manifest *ir.BundleManifest `json:"manifest,omitempty"`

	// Revalidated holds gate verdicts of dependents re-evaluated after a
	// cascading rollback.
	Revalidated map[string]registry.Verdict `json:"revalidated,omitempty"`

	// Repaired lists refs rewritten or removed by Reconcile.
	Repaired []string `json:"repaired,omitempty"`
}

// Component returns the resulting state of id from the result.
func (r *Result) Component(id string) (ir.Component, bool) {
	for _, c := range r.Components {
		if c.ID == id {
			return c, true
		}
	}
	return ir.Component{}, false
}

// observe wraps an operation with a span, metrics and logging.
// Errors are returned unchanged; they are never logged and swallowed.
func (e *Engine) observe(ctx context.Context, op ir.Operation, id string, fn func(context.Context) (*Result, error)) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "evolve."+string(op),
		trace.WithAttributes(
			attribute.String("evolve.operation", string(op)),
			attribute.String("evolve.component_id", id),
		),
	)
	defer span.End()

	start := time.Now()
	res, err := fn(ctx)
	elapsed := time.Since(start)

	outcome := metrics.OutcomeOK
	switch {
	case err == nil:
		span.SetAttributes(attribute.Int("evolve.records", len(res.Records)))
		e.logger.Info("operation committed",
			"operation", op,
			"component", id,
			"records", len(res.Records),
			"duration", elapsed,
		)
	default:
		outcome = metrics.OutcomeError
		if class := ClassOf(err); class != "" {
			outcome = string(class)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		attrs := []any{"operation", op, "component", id, "error", err}
		if ee, ok := AsError(err); ok {
			attrs = append(attrs, "code", ee.Code)
		}
		if res != nil {
			// Committed, but a post-commit step failed.
			e.logger.Error("operation committed with errors", attrs...)
		} else {
			e.logger.Debug("operation aborted", attrs...)
		}
	}
	e.metrics.ObserveOperation(string(op), outcome, elapsed)
	return res, err
}
