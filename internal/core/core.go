package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/3cpo-dev/benchfleet/internal/aggregator"
	"github.com/3cpo-dev/benchfleet/internal/allocator"
	"github.com/3cpo-dev/benchfleet/internal/diagnosis"
	"github.com/3cpo-dev/benchfleet/internal/launcher"
	"github.com/3cpo-dev/benchfleet/internal/parser"
	"github.com/3cpo-dev/benchfleet/internal/supervisor"
	"github.com/3cpo-dev/benchfleet/internal/telemetry"
	"github.com/3cpo-dev/benchfleet/internal/topology"
	"github.com/3cpo-dev/benchfleet/pkg/api"
)

// Orchestrator is the entrypoint for running one benchmark fleet: discover
// topology, partition cores, launch, supervise and aggregate.
type Orchestrator struct {
	cfg       Config
	inspector *topology.Inspector
	recorder  *diagnosis.Recorder
	store     *Store
	metrics   telemetry.MetricsCollector
	tracer    *telemetry.Tracer
	parsers   *parser.Registry
	fs        afero.Fs

	now   func() time.Time
	sleep func(time.Duration)
	newID func() string

	mu      sync.Mutex
	live    []*launcher.Instance
	aborted bool
	// spawned observes every tracked instance; nil outside tests.
	spawned func(*launcher.Instance)
}

// ErrAborted stops a launch that was in progress when Abort was called.
var ErrAborted = errors.New("run aborted")

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

func WithInspector(in *topology.Inspector) Option { return func(o *Orchestrator) { o.inspector = in } }

func WithRecorder(r *diagnosis.Recorder) Option { return func(o *Orchestrator) { o.recorder = r } }

// WithStore enables run history.
func WithStore(s *Store) Option { return func(o *Orchestrator) { o.store = s } }

func WithMetrics(m telemetry.MetricsCollector) Option { return func(o *Orchestrator) { o.metrics = m } }

func WithTracer(t *telemetry.Tracer) Option { return func(o *Orchestrator) { o.tracer = t } }

func WithParsers(r *parser.Registry) Option { return func(o *Orchestrator) { o.parsers = r } }

// WithClock replaces the wall clock and sleep used for supervision.
func WithClock(now func() time.Time, sleep func(time.Duration)) Option {
	return func(o *Orchestrator) { o.now, o.sleep = now, sleep }
}

func WithIDFunc(f func() string) Option { return func(o *Orchestrator) { o.newID = f } }

func NewOrchestrator(cfg Config, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Role == "" {
		cfg.Role = "server"
	}
	o := &Orchestrator{
		cfg:     cfg,
		metrics: telemetry.NewNoopMetricsCollector(),
		tracer:  telemetry.NewNoopTracer(),
		parsers: parser.DefaultRegistry(),
		fs:      afero.NewOsFs(),
		now:     time.Now,
		sleep:   time.Sleep,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.inspector == nil {
		o.inspector = topology.NewInspector()
	}
	if o.recorder == nil {
		var err error
		if cfg.Paths.DiagnosisFile != "" {
			o.recorder, err = diagnosis.New(cfg.Paths.DiagnosisFile)
		} else {
			o.recorder, err = diagnosis.FromEnv(cfg.Paths.LogDir)
		}
		if err != nil {
			return nil, fmt.Errorf("open diagnosis file: %w", err)
		}
	}
	return o, nil
}

// Recorder returns the failure recorder shared with the fleet.
func (o *Orchestrator) Recorder() *diagnosis.Recorder { return o.recorder }

func (o *Orchestrator) Health(ctx context.Context) error {
	if o.store != nil {
		return o.store.Ping(ctx)
	}
	return ctx.Err()
}

// Abort kills and reaps every process group started so far, including those
// of a launch still in progress, which then stops with ErrAborted. It is safe
// to call from a signal handler goroutine.
func (o *Orchestrator) Abort() {
	o.mu.Lock()
	o.aborted = true
	live := &launcher.Fleet{Instances: o.live}
	o.mu.Unlock()
	if live.Len() > 0 {
		log.Warn().Int("instances", live.Len()).Msg("Aborting fleet")
		live.Release()
	}
}

// track publishes inst to Abort as soon as it is running.
func (o *Orchestrator) track(inst *launcher.Instance) error {
	o.mu.Lock()
	if o.aborted {
		o.mu.Unlock()
		return ErrAborted
	}
	o.live = append(o.live, inst)
	o.mu.Unlock()
	if o.spawned != nil {
		o.spawned(inst)
	}
	return nil
}

// plan is the result of preprocessing.
type plan struct {
	topo       topology.NumaTopology
	ranges     []topology.CPUList
	numServers int
	memPerInst float64
	env        []string
}

// Run executes one fleet. The returned report is non-nil whenever a run was
// started, including on launch errors, so callers can always print it.
func (o *Orchestrator) Run(ctx context.Context) (*api.Report, error) {
	report := &api.Report{RunID: o.newID(), StartedAt: o.now()}
	log.Info().Str("run_id", report.RunID).Str("benchmark", o.cfg.Benchmark).Msg("Starting run")
	if o.store != nil {
		if err := o.store.CreateRun(ctx, report.RunID, o.cfg.Benchmark, report.StartedAt); err != nil {
			log.Warn().Err(err).Msg("Record run start")
		}
	}

	var p plan
	err := o.phase(ctx, report.RunID, PhasePreprocessing, func(ctx context.Context) error {
		var err error
		p, err = o.prepare()
		return err
	})
	if err != nil {
		return o.finish(ctx, report, api.RunLaunchError, o.emptySummary()), err
	}

	var (
		fleet   *launcher.Fleet
		outcome supervisor.Outcome
	)
	err = o.phase(ctx, report.RunID, PhaseMainBenchmark, func(ctx context.Context) error {
		var err error
		fleet, err = o.launch(p)
		if err != nil {
			return err
		}
		outcome = o.supervise(fleet)
		return nil
	})
	if err != nil {
		var le *launcher.LaunchError
		if errors.As(err, &le) && !errors.Is(err, ErrAborted) {
			o.metrics.Failure(o.cfg.Benchmark, launchFailureType(le))
		}
		return o.finish(ctx, report, api.RunLaunchError, o.emptySummary()), err
	}
	defer fleet.Release()

	var summary *api.FleetSummary
	_ = o.phase(ctx, report.RunID, PhasePostprocessing, func(ctx context.Context) error {
		summary = o.aggregate(p, fleet, outcome)
		fleet.Release()
		return nil
	})

	status := api.RunSuccess
	switch {
	case outcome.State == supervisor.StateTimedOut:
		status = api.RunTimedOut
	case summary.SuccessfulInstances == 0:
		status = api.RunParseError
	}
	return o.finish(ctx, report, status, summary), nil
}

func launchFailureType(le *launcher.LaunchError) string {
	if errors.Is(le, launcher.ErrPortUnavailable) {
		return api.ErrPortUnavailable
	}
	return api.ErrInstanceSpawnFailed
}

// phase wraps fn in a span, a duration metric and a store record.
func (o *Orchestrator) phase(ctx context.Context, runID, name string, fn func(context.Context) error) error {
	start := o.now()
	if o.store != nil {
		if err := o.store.StartPhase(ctx, runID, name, os.Getpid(), start); err != nil {
			log.Warn().Err(err).Str("phase", name).Msg("Record phase start")
		}
	}
	ctx, span := o.tracer.StartPhase(ctx, name, map[string]string{"run_id": runID, "benchmark": o.cfg.Benchmark})
	err := fn(ctx)
	telemetry.EndPhase(span, err)

	end := o.now()
	o.metrics.PhaseDuration(name, end.Sub(start))
	if o.store != nil {
		if serr := o.store.EndPhase(ctx, runID, name, end); serr != nil {
			log.Warn().Err(serr).Str("phase", name).Msg("Record phase end")
		}
	}
	log.Debug().Str("phase", name).Dur("took", end.Sub(start)).Msg("Phase done")
	return err
}

func (o *Orchestrator) prepare() (plan, error) {
	var p plan
	topo, err := o.inspector.Discover()
	if err != nil {
		return p, fmt.Errorf("discover topology: %w", err)
	}
	affinity, err := o.inspector.Affinity()
	if err != nil {
		return p, fmt.Errorf("read affinity: %w", err)
	}
	smt := o.inspector.SMTActive()
	p.topo = topo

	p.numServers = o.cfg.NumServers
	if p.numServers == 0 {
		p.numServers = topo.NumNodes()
	}
	if last := o.cfg.PortNumberStart + p.numServers - 1; last > 65535 {
		return p, ValidationError{
			Field:   "port_number_start",
			Value:   fmt.Sprint(o.cfg.PortNumberStart),
			Message: fmt.Sprintf("%d servers need ports up to %d", p.numServers, last),
		}
	}
	memGB := o.cfg.MemsizeGB
	if memGB == 0 {
		memGB, err = o.inspector.MemTotalGB()
		if err != nil {
			return p, fmt.Errorf("system memory: %w", err)
		}
	}
	p.memPerInst = launcher.MemoryShare(memGB, p.numServers)

	p.env, err = LoadEnvFile(o.cfg.Server.EnvFile)
	if err != nil {
		return p, err
	}

	p.ranges, err = allocator.Partition(p.numServers, affinity, smt)
	if err != nil {
		return p, fmt.Errorf("partition cores: %w", err)
	}
	log.Info().Int("servers", p.numServers).Int("numa_nodes", topo.NumNodes()).Bool("smt", smt).
		Float64("memsize_gb", memGB).Msg("Fleet planned")
	return p, nil
}

func (o *Orchestrator) launch(p plan) (*launcher.Fleet, error) {
	l := launcher.New(launcher.Options{
		Benchmark: o.cfg.Benchmark,
		LogDir:    o.cfg.Paths.LogDir,
		Spec: launcher.CommandSpec{
			Entry:       o.cfg.Server.Command,
			PinTool:     o.cfg.Tools.Pin,
			NUMATool:    o.cfg.Tools.NUMA,
			BindCPU:     o.cfg.BindCPU,
			BindMem:     o.cfg.BindMem,
			Real:        o.cfg.Real,
			FastThreads: o.cfg.NumFastThreads,
			SlowThreads: o.cfg.NumSlowThreads,
		},
		Topology:   p.topo,
		CheckPorts: o.cfg.CheckPorts,
		Recorder:   o.recorder,
		Env:        p.env,
		Now:        o.now,
		OnSpawn:    o.track,
	})
	fleet, err := l.LaunchFleet(p.numServers, p.ranges, p.memPerInst, o.cfg.PortNumberStart, o.cfg.Server.Args)
	if err != nil {
		return nil, err
	}
	o.metrics.InstancesLaunched(o.cfg.Benchmark, fleet.Len())
	return fleet, nil
}

func (o *Orchestrator) supervise(fleet *launcher.Fleet) supervisor.Outcome {
	members := make([]supervisor.Member, fleet.Len())
	for i, inst := range fleet.Instances {
		members[i] = inst
	}
	s := supervisor.New(supervisor.Options{
		WarmupTime:          seconds(o.cfg.WarmupTime),
		TestTime:            seconds(o.cfg.TestTime),
		TimeoutBuffer:       seconds(o.cfg.TimeoutBuffer),
		PostprocessingLimit: seconds(o.cfg.PostprocessingTimeoutBuffer),
		PollInterval:        seconds(o.cfg.PollInterval),
		ReapGrace:           seconds(o.cfg.ReapGrace),
		Now:                 o.now,
		Sleep:               o.sleep,
		OnState:             func(st supervisor.State) { o.metrics.SupervisorState(string(st)) },
	})
	outcome := s.Run(members)
	if o.cfg.PollInterval > 0 {
		o.metrics.PollTicks(outcome.Ticks)
	}
	if outcome.State == supervisor.StateTimedOut {
		err := o.recorder.RecordFailure(o.cfg.Benchmark, api.ErrSupervisionTimedOut,
			fmt.Sprintf("Fleet did not finish within %s", outcome.Elapsed.Round(time.Second)),
			[]string{
				"Increase timeout_buffer or postprocessing_timeout_buffer",
				"Check the instance logs for a hung server",
			},
			map[string]any{"ticks": outcome.Ticks, "instances": len(members)})
		if err != nil {
			log.Warn().Err(err).Msg("Record supervision timeout")
		}
		o.metrics.Failure(o.cfg.Benchmark, api.ErrSupervisionTimedOut)
	}
	return outcome
}

func (o *Orchestrator) aggregate(p plan, fleet *launcher.Fleet, outcome supervisor.Outcome) *api.FleetSummary {
	prs, err := o.parsers.Get(o.cfg.Parser)
	if err != nil {
		log.Warn().Err(err).Msg("Falling back to the json parser")
		prs = parser.JSONParser{}
	}
	inputs := make([]aggregator.Input, fleet.Len())
	for i, inst := range fleet.Instances {
		code := -1
		if i < len(outcome.ExitCodes) {
			code = outcome.ExitCodes[i]
		}
		inputs[i] = aggregator.Input{Index: inst.Index, LogPath: inst.LogPath, ExitCode: code}
	}
	agg := aggregator.New(aggregator.Options{
		Benchmark: o.cfg.Benchmark,
		Role:      o.cfg.Role,
		Fs:        o.fs,
		Parser:    prs,
		Recorder:  o.recorder,
	})
	summary, results := agg.Aggregate(p.numServers, inputs)
	for _, r := range results {
		if r.Status != aggregator.StatusSuccess {
			o.metrics.Failure(o.cfg.Benchmark, r.ErrorType)
		}
	}
	return summary
}

// emptySummary is reported when the fleet never ran. It still carries every
// failure recorded so far.
func (o *Orchestrator) emptySummary() *api.FleetSummary {
	s := &api.FleetSummary{Role: o.cfg.Role, Failures: []api.Failure{}}
	o.recorder.MergeInto(s)
	return s
}

func (o *Orchestrator) finish(ctx context.Context, report *api.Report, status api.RunStatus, summary *api.FleetSummary) *api.Report {
	report.Status = status
	report.Summary = summary
	report.FinishedAt = o.now()
	o.metrics.Summary(o.cfg.Benchmark, summary)
	o.metrics.RunFinished(o.cfg.Benchmark, status)

	if o.store != nil {
		raw, err := json.Marshal(summary)
		if err != nil {
			log.Warn().Err(err).Msg("Encode summary")
		}
		if err := o.store.FinishRun(ctx, report.RunID, status, report.FinishedAt, summary, string(raw)); err != nil {
			log.Warn().Err(err).Msg("Record run finish")
		}
	}
	log.Info().Str("run_id", report.RunID).Str("status", string(status)).
		Int("successful", summary.SuccessfulInstances).Int("spawned", summary.SpawnedInstances).Msg("Run finished")
	return report
}
