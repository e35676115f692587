// Package parser turns an instance's log into a metric record. Parsers are
// looked up by name so each benchmark can ship its own log format.
package parser

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// Record is one instance's parsed result.
type Record map[string]any

// Well-known record keys.
const (
	KeyRole          = "role"
	KeyFastQPS       = "fast_qps"
	KeySlowQPS       = "slow_qps"
	KeyHitRatio      = "hit_ratio"
	KeyTotalQPS      = "total_qps"
	KeyNumDataPoints = "num_data_points"
	KeyExitCode      = "exit_code"
)

// Parser parses one instance's output.
type Parser interface {
	Name() string
	Parse(stdout, stderr io.Reader, exitCode int) (Record, error)
}

// Role returns the role tag and whether it is present.
func (r Record) Role() (string, bool) {
	v, ok := r[KeyRole]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Sprint(v), true
	}
	return s, true
}

// Float returns key as a float64. Missing or non-numeric values are zero.
func (r Record) Float(key string) float64 {
	switch v := r[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	}
	return 0
}

// Int returns key as an int64, truncating floats.
func (r Record) Int(key string) int64 {
	switch v := r[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
	}
	return int64(r.Float(key))
}
