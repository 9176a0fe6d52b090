package engine

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/roach88/evolve/internal/ir"
	"github.com/roach88/evolve/internal/metrics"
)

func spanAttr(span sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

// counterValue returns the value of the counter series with exactly the
// given labels.
func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	series:
		for _, m := range mf.GetMetric() {
			if len(m.GetLabel()) != len(labels) {
				continue
			}
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue series
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	t.Fatalf("no series %s%v", name, labels)
	return 0
}

func TestObserve_Spans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	h := newHarness(t, WithTracerProvider(tp))

	h.create(t, "cmd:next", "cmd/next.md")
	_, err := h.eng.AddCapability(context.Background(), "cmd:next", CapabilitySpec{})
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	ok := spans[0]
	assert.Equal(t, "evolve.create", ok.Name())
	assert.Equal(t, codes.Unset, ok.Status().Code)
	id, found := spanAttr(ok, "evolve.component_id")
	require.True(t, found)
	assert.Equal(t, "cmd:next", id.AsString())
	n, found := spanAttr(ok, "evolve.records")
	require.True(t, found)
	assert.Equal(t, int64(1), n.AsInt64())

	failed := spans[1]
	assert.Equal(t, "evolve.add_capability", failed.Name())
	assert.Equal(t, codes.Error, failed.Status().Code)
	require.NotEmpty(t, failed.Events())
	assert.Equal(t, "exception", failed.Events()[0].Name)
}

func TestObserve_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	h := newHarness(t, WithMetrics(m))
	ctx := context.Background()

	h.tested(t, "pm", "pm/a.md", "pm/b.md")
	_, err := h.eng.Split(ctx, "pm", PartitionSpec{Buckets: []Bucket{
		{Name: "pm-a", Artifacts: []string{"pm/a.md"}},
		{Name: "pm-b", Artifacts: []string{"pm/b.md"}},
	}})
	require.NoError(t, err)
	_, err = h.eng.Rollback(ctx, "pm", 9, false)
	require.Error(t, err)

	assert.Equal(t, 1.0, counterValue(t, reg, "evolve_operations_total", map[string]string{
		"operation": string(ir.OpSplit), "outcome": metrics.OutcomeOK,
	}))
	assert.Equal(t, 3.0, counterValue(t, reg, "evolve_records_committed_total", map[string]string{
		"operation": string(ir.OpSplit),
	}))
	assert.Equal(t, 1.0, counterValue(t, reg, "evolve_operations_total", map[string]string{
		"operation": string(ir.OpRollback), "outcome": string(ClassPrecondition),
	}))
	assert.Positive(t, counterValue(t, reg, "evolve_archive_writes_total", nil))
	n, err := testutil.GatherAndCount(reg, "evolve_operation_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestObserve_Logs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h := newHarness(t, WithLogger(logger))

	h.create(t, "cmd:next", "cmd/next.md")
	assert.Contains(t, buf.String(), `"msg":"operation committed"`)
	assert.Contains(t, buf.String(), `"component":"cmd:next"`)

	buf.Reset()
	_, err := h.eng.Validate(context.Background(), "cmd:ghost")
	require.Error(t, err)
	assert.Contains(t, buf.String(), `"msg":"operation aborted"`)
	assert.Contains(t, buf.String(), `"code":"NOT_FOUND"`)
}
