package parser

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{"json", "keyvalue"}, r.Names())

	p, err := r.Get("json")
	require.NoError(t, err)
	assert.Equal(t, "json", p.Name())

	_, err = r.Get("csv")
	assert.Error(t, err)
}

func TestJSONParserTakesLastObject(t *testing.T) {
	log := strings.Join([]string{
		"starting server",
		`{"role": "server", "fast_qps": 1.0}`,
		"{broken",
		`{"role": "server", "fast_qps": 1200.5, "slow_qps": 80, "hit_ratio": 0.9, "total_qps": 1280.5, "num_data_points": 42}`,
		"bye",
	}, "\n")

	rec, err := JSONParser{}.Parse(strings.NewReader(log), nil, 0)
	require.NoError(t, err)
	role, ok := rec.Role()
	require.True(t, ok)
	assert.Equal(t, "server", role)
	assert.InDelta(t, 1200.5, rec.Float(KeyFastQPS), 1e-9)
	assert.InDelta(t, 80, rec.Float(KeySlowQPS), 1e-9)
	assert.Equal(t, int64(42), rec.Int(KeyNumDataPoints))
	assert.Equal(t, 0, rec[KeyExitCode])
}

func TestJSONParserNoResult(t *testing.T) {
	_, err := JSONParser{}.Parse(strings.NewReader("nothing here\n"), nil, 1)
	assert.True(t, errors.Is(err, ErrNoResult))
}

func TestKeyValueParser(t *testing.T) {
	log := "role: server\nfast_qps = 100\nslow_qps: 20.5\nsome free text\nhit_ratio: 0.75\n"
	rec, err := KeyValueParser{}.Parse(strings.NewReader(log), nil, 137)
	require.NoError(t, err)
	role, ok := rec.Role()
	require.True(t, ok)
	assert.Equal(t, "server", role)
	assert.InDelta(t, 100, rec.Float(KeyFastQPS), 1e-9)
	assert.InDelta(t, 20.5, rec.Float(KeySlowQPS), 1e-9)
	assert.InDelta(t, 0.75, rec.Float(KeyHitRatio), 1e-9)
	assert.Equal(t, 137, rec[KeyExitCode])
}

func TestRecordAccessors(t *testing.T) {
	rec := Record{"a": "2.5", "b": 3, "c": int64(4), "d": true}
	assert.InDelta(t, 2.5, rec.Float("a"), 1e-9)
	assert.Equal(t, int64(3), rec.Int("b"))
	assert.Equal(t, int64(4), rec.Int("c"))
	assert.Zero(t, rec.Float("d"))
	assert.Zero(t, rec.Float("missing"))
	_, ok := rec.Role()
	assert.False(t, ok)
}
