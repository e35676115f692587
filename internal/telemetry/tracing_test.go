package telemetry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStartPhaseRecordsSpan(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tr, err := NewTracer("benchfleet", "test", exp)
	require.NoError(t, err)

	_, span := tr.StartPhase(context.Background(), "preprocessing", map[string]string{"run_id": "r1"})
	EndPhase(span, nil)
	_, span = tr.StartPhase(context.Background(), "main_benchmark", nil)
	EndPhase(span, errors.New("launch failed"))
	require.NoError(t, tr.Shutdown(context.Background()))

	spans := exp.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "preprocessing", spans[0].Name)
	assert.Equal(t, codes.Unset, spans[0].Status.Code)
	assert.Equal(t, "main_benchmark", spans[1].Name)
	assert.Equal(t, codes.Error, spans[1].Status.Code)

	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	assert.Equal(t, "preprocessing", attrs["phase"])
	assert.Equal(t, "r1", attrs["run_id"])
}

func TestFileTracer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.json")
	tr, err := NewFileTracer("benchfleet", "test", path)
	require.NoError(t, err)

	_, span := tr.StartPhase(context.Background(), "postprocessing", nil)
	EndPhase(span, nil)
	require.NoError(t, tr.Shutdown(context.Background()))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"Name":"postprocessing"`)
}

func TestNoopTracer(t *testing.T) {
	tr, err := NewFileTracer("benchfleet", "test", "")
	require.NoError(t, err)
	_, span := tr.StartPhase(context.Background(), "preprocessing", nil)
	EndPhase(span, nil)
	assert.NoError(t, tr.Shutdown(context.Background()))
}
