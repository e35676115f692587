// Package aggregator validates and parses each instance's log and folds the
// valid results into one FleetSummary.
package aggregator

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/3cpo-dev/benchfleet/internal/parser"
	"github.com/3cpo-dev/benchfleet/pkg/api"
)

// Status is the outcome for one instance.
type Status string

const (
	StatusSuccess    Status = "success"
	StatusParseError Status = "parse_error"
)

// Input identifies one instance's output.
type Input struct {
	Index    int
	LogPath  string
	ExitCode int
}

// InstanceResult reports how one instance was handled. ErrorType is set for
// excluded instances.
type InstanceResult struct {
	Index     int
	Status    Status
	ErrorType string
	Record    parser.Record
}

// FailureRecorder stores and merges structured failures.
type FailureRecorder interface {
	RecordFailure(benchmark, errorType, reason string, solutions []string, metadata map[string]any) error
	MergeInto(summary *api.FleetSummary)
}

type Options struct {
	Benchmark string
	// Role every valid record must carry. Defaults to "server".
	Role     string
	Fs       afero.Fs
	Parser   parser.Parser
	Recorder FailureRecorder
}

type Aggregator struct {
	opts Options
}

func New(opts Options) *Aggregator {
	if opts.Role == "" {
		opts.Role = "server"
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Parser == nil {
		opts.Parser = parser.JSONParser{}
	}
	return &Aggregator{opts: opts}
}

// Aggregate processes inputs in ascending index order. Invalid instances are
// recorded and excluded; they never fail the fleet.
func (a *Aggregator) Aggregate(spawned int, inputs []Input) (*api.FleetSummary, []InstanceResult) {
	ordered := make([]Input, len(inputs))
	copy(ordered, inputs)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	summary := &api.FleetSummary{
		SpawnedInstances: spawned,
		Role:             a.opts.Role,
		Failures:         []api.Failure{},
	}
	results := make([]InstanceResult, 0, len(ordered))
	for _, in := range ordered {
		res := a.collect(in)
		if res.Status == StatusSuccess {
			fold(summary, res.Record)
		}
		results = append(results, res)
	}
	if a.opts.Recorder != nil {
		a.opts.Recorder.MergeInto(summary)
	}
	return summary, results
}

// fold adds one valid record. hit_ratio is a running mean over successful
// instances, so the order of calls matters.
func fold(s *api.FleetSummary, rec parser.Record) {
	s.FastQPS += rec.Float(parser.KeyFastQPS)
	s.SlowQPS += rec.Float(parser.KeySlowQPS)
	s.TotalQPS += rec.Float(parser.KeyTotalQPS)
	s.NumDataPoints += rec.Int(parser.KeyNumDataPoints)
	n := float64(s.SuccessfulInstances)
	s.HitRatio = (s.HitRatio*n + rec.Float(parser.KeyHitRatio)) / (n + 1)
	s.SuccessfulInstances++
}

func (a *Aggregator) collect(in Input) InstanceResult {
	res := InstanceResult{Index: in.Index, Status: StatusParseError}
	meta := map[string]any{"server_index": in.Index, "logpath": in.LogPath}

	st, err := a.opts.Fs.Stat(in.LogPath)
	if err != nil {
		if os.IsNotExist(err) {
			res.ErrorType = api.ErrLogFileMissing
			a.record(res.ErrorType, fmt.Sprintf("Log file does not exist: %s", in.LogPath), meta)
		} else {
			res.ErrorType = api.ErrParseFailed
			meta["error"] = err.Error()
			a.record(res.ErrorType, fmt.Sprintf("Cannot stat log file: %s", in.LogPath), meta)
		}
		return res
	}
	log.Info().Int("instance", in.Index).Int64("size", st.Size()).Int("exit_code", in.ExitCode).Msg("Log file")
	if st.Size() == 0 {
		res.ErrorType = api.ErrEmptyLogFile
		meta["returncode"] = in.ExitCode
		a.record(res.ErrorType, fmt.Sprintf("Log file is empty: %s", in.LogPath), meta)
		return res
	}

	raw, err := afero.ReadFile(a.opts.Fs, in.LogPath)
	if err != nil {
		res.ErrorType = api.ErrParseFailed
		meta["error"] = err.Error()
		a.record(res.ErrorType, fmt.Sprintf("Cannot read log file: %s", in.LogPath), meta)
		return res
	}
	rec, err := a.opts.Parser.Parse(bytes.NewReader(raw), bytes.NewReader(nil), in.ExitCode)
	if err != nil {
		res.ErrorType = api.ErrParseFailed
		meta["error"] = err.Error()
		meta["parser"] = a.opts.Parser.Name()
		a.record(res.ErrorType, fmt.Sprintf("Parser %s failed for server %d: %v", a.opts.Parser.Name(), in.Index, err), meta)
		return res
	}
	res.Record = rec

	role, ok := rec.Role()
	switch {
	case !ok:
		res.ErrorType = api.ErrMissingRoleInResult
		meta["result"] = fmt.Sprint(map[string]any(rec))
		a.record(res.ErrorType, fmt.Sprintf("Parser result missing 'role' field for server %d", in.Index), meta)
	case role != a.opts.Role:
		res.ErrorType = api.ErrIncorrectRole
		meta["role"] = role
		a.record(res.ErrorType, fmt.Sprintf("Parser result has incorrect role: %s (expected '%s')", role, a.opts.Role), meta)
	default:
		res.Status = StatusSuccess
		log.Info().Int("instance", in.Index).Float64("fast_qps", rec.Float(parser.KeyFastQPS)).
			Float64("slow_qps", rec.Float(parser.KeySlowQPS)).Msg("Parsed result")
	}
	return res
}

func (a *Aggregator) record(errorType, reason string, meta map[string]any) {
	log.Error().Str("error_type", errorType).Msg(reason)
	if a.opts.Recorder == nil {
		return
	}
	if err := a.opts.Recorder.RecordFailure(a.opts.Benchmark, errorType, reason, nil, meta); err != nil {
		log.Warn().Err(err).Msg("Record failure")
	}
}
