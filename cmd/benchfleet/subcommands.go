package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/benchfleet/internal/core"
	"github.com/3cpo-dev/benchfleet/internal/telemetry"
	"github.com/3cpo-dev/benchfleet/internal/topology"
	"github.com/3cpo-dev/benchfleet/pkg/api"
)

// exit is replaced in tests.
var exit = os.Exit

// Load the config named by --config
func loadConfig(cmd *cobra.Command) (core.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	return core.LoadConfig(cfgPath)
}

// Apply run flags on top of the config file. Only flags set on the command
// line win.
func applyRunFlags(flags *pflag.FlagSet, cfg *core.Config) {
	str := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	num := func(name string, dst *int) {
		if flags.Changed(name) {
			*dst, _ = flags.GetInt(name)
		}
	}
	fl := func(name string, dst *float64) {
		if flags.Changed(name) {
			*dst, _ = flags.GetFloat64(name)
		}
	}
	flag := func(name string, dst *bool) {
		if flags.Changed(name) {
			*dst, _ = flags.GetBool(name)
		}
	}

	str("benchmark", &cfg.Benchmark)
	str("role", &cfg.Role)
	num("num-servers", &cfg.NumServers)
	fl("memsize", &cfg.MemsizeGB)
	num("port-number-start", &cfg.PortNumberStart)
	fl("warmup-time", &cfg.WarmupTime)
	fl("test-time", &cfg.TestTime)
	fl("timeout-buffer", &cfg.TimeoutBuffer)
	fl("postprocessing-timeout-buffer", &cfg.PostprocessingTimeoutBuffer)
	fl("poll-interval", &cfg.PollInterval)
	fl("reap-grace", &cfg.ReapGrace)
	flag("bind-cpu", &cfg.BindCPU)
	flag("bind-mem", &cfg.BindMem)
	flag("real", &cfg.Real)
	num("num-fast-threads", &cfg.NumFastThreads)
	num("num-slow-threads", &cfg.NumSlowThreads)
	flag("check-ports", &cfg.CheckPorts)
	str("log-dir", &cfg.Paths.LogDir)
	str("diagnosis-file", &cfg.Paths.DiagnosisFile)
	str("store", &cfg.Paths.Store)
	str("parser", &cfg.Parser)
	str("metrics-addr", &cfg.Telemetry.MetricsAddr)
	str("trace-file", &cfg.Telemetry.TraceFile)
}

// Run one benchmark fleet
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [-- server command...]",
		Short: "Launch a fleet of benchmark servers and print the aggregated summary",
		Example: "  benchfleet run --num-servers 4 --test-time 600 -- ./tao_bench_server --stats-interval=5000\n" +
			"  benchfleet run --config tao.yaml --poll-interval 0",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			applyRunFlags(cmd.Flags(), &cfg)
			if len(args) > 0 {
				cfg.Server.Command = args
			}
			return runFleet(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}
	f := cmd.Flags()
	f.String("benchmark", "", "benchmark name used in log names and diagnosis entries")
	f.String("role", "", "role every result record must carry")
	f.Int("num-servers", 0, "number of server instances (0: one per NUMA node)")
	f.Float64("memsize", 0, "total memory in GB split across instances (0: all system memory)")
	f.Int("port-number-start", 0, "port of the first instance; instance i listens on start+i")
	f.Float64("warmup-time", 0, "warmup time in seconds")
	f.Float64("test-time", 0, "test time in seconds")
	f.Float64("timeout-buffer", 0, "extra seconds added to the expected run time")
	f.Float64("postprocessing-timeout-buffer", 0, "seconds allowed for output to settle")
	f.Float64("poll-interval", 0, "seconds between log stability checks (0: fixed timeout)")
	f.Float64("reap-grace", 0, "seconds each instance gets to exit before its group is killed")
	f.Bool("bind-cpu", true, "bind instances to the NUMA nodes of their cores")
	f.Bool("bind-mem", true, "bind instance memory to the NUMA nodes of their cores")
	f.Bool("real", false, "pass --real to every instance")
	f.Int("num-fast-threads", 0, "fast thread count passed to every instance")
	f.Int("num-slow-threads", 0, "slow thread count passed to every instance")
	f.Bool("check-ports", true, "bind-test every port before launching")
	f.String("log-dir", "", "directory for instance logs")
	f.String("diagnosis-file", "", "shared diagnosis file (default: $DIAGNOSIS_FILE_PATH or a new file in the log dir)")
	f.String("store", "", "SQLite file recording run history")
	f.String("parser", "", "result parser: json or keyvalue")
	f.String("metrics-addr", "", "serve /metrics and /health on this address during the run")
	f.String("trace-file", "", "write phase spans as JSON to this file")
	return cmd
}

func runFleet(ctx context.Context, out io.Writer, cfg core.Config) error {
	var opts []core.Option

	tracer, err := telemetry.NewFileTracer("benchfleet", version, cfg.Telemetry.TraceFile)
	if err != nil {
		return fmt.Errorf("open trace file: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(sctx); err != nil {
			log.Warn().Err(err).Msg("Flush traces")
		}
	}()
	opts = append(opts, core.WithTracer(tracer))

	var store *core.Store
	if cfg.Paths.Store != "" {
		store, err = core.NewStore(cfg.Paths.Store)
		if err != nil {
			return fmt.Errorf("open run store: %w", err)
		}
		defer store.Close()
		opts = append(opts, core.WithStore(store))
	}

	var metrics *telemetry.PrometheusMetricsCollector
	if cfg.Telemetry.MetricsAddr != "" {
		metrics = telemetry.NewPrometheusMetricsCollector("")
		opts = append(opts, core.WithMetrics(metrics))
	}

	o, err := core.NewOrchestrator(cfg, opts...)
	if err != nil {
		return err
	}
	log.Info().Str("diagnosis", o.Recorder().Path()).Msg("Recording failures")

	if metrics != nil {
		ms := telemetry.NewMonitoringServer(cfg.Telemetry.MetricsAddr, metrics.Registry(), cfg.Telemetry.Profiling)
		ms.RegisterHealthCheck("orchestrator", func() telemetry.HealthCheck {
			hc := telemetry.HealthCheck{Name: "orchestrator", Status: telemetry.HealthStatusHealthy, LastChecked: time.Now()}
			hctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := o.Health(hctx); err != nil {
				hc.Status, hc.Message = telemetry.HealthStatusUnhealthy, err.Error()
			}
			return hc
		})
		if err := ms.Start(); err != nil {
			return fmt.Errorf("start monitoring server: %w", err)
		}
		log.Info().Str("addr", ms.Addr()).Msg("Serving metrics")
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = ms.Shutdown(sctx)
		}()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case sig := <-sigs:
			log.Warn().Str("signal", sig.String()).Msg("Interrupted, killing the fleet")
			o.Abort()
			exit(130)
		case <-done:
		}
	}()

	report, runErr := o.Run(ctx)
	if report != nil && report.Summary != nil {
		if err := printSummary(out, report.Summary); err != nil {
			return err
		}
	}
	if runErr != nil {
		return runErr
	}
	if report.Status != api.RunSuccess {
		return fmt.Errorf("run %s finished with status %s", report.RunID, report.Status)
	}
	return nil
}

func printSummary(out io.Writer, summary *api.FleetSummary) error {
	raw, err := json.MarshalIndent(summary, "", "    ")
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	_, err = fmt.Fprintln(out, string(raw))
	return err
}

// Show the topology a run would partition
func newTopologyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "topology",
		Short: "Show NUMA nodes, the affinity mask, SMT state and memory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printTopology(cmd.OutOrStdout(), topology.NewInspector())
		},
	}
}

func printTopology(out io.Writer, in *topology.Inspector) error {
	topo, err := in.Discover()
	if err != nil {
		return err
	}
	affinity, err := in.Affinity()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "affinity: %s (%d cpus)\n", affinity, len(affinity))
	fmt.Fprintf(out, "smt: %t\n", in.SMTActive())
	if mem, err := in.MemTotalGB(); err == nil {
		fmt.Fprintf(out, "memory: %.1f GB\n", mem)
	}
	for _, id := range topo.NodeIDs() {
		fmt.Fprintf(out, "node%d: %s\n", id, topo.Nodes[id])
	}
	return nil
}

// Show past runs
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List recorded runs, or show one run with its phase breakdown",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if path, _ := cmd.Flags().GetString("store"); path != "" {
				cfg.Paths.Store = path
			}
			if cfg.Paths.Store == "" {
				return errors.New("no run store configured: set paths.store or pass --store")
			}
			store, err := core.NewStore(cfg.Paths.Store)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				run, err := store.GetRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s %s %s spawned=%d successful=%d\n", run.ID, run.Benchmark, run.Status, run.Spawned, run.Successful)
				for _, p := range run.Phases {
					fmt.Fprintf(out, "  %-16s pid=%d %s\n", p.Phase, p.PID, p.EndedAt.Sub(p.StartedAt).Round(time.Millisecond))
				}
				return nil
			}
			limit, _ := cmd.Flags().GetInt("limit")
			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, r := range runs {
				fmt.Fprintf(out, "%s  %s  %-12s %-12s %d/%d\n", r.StartedAt.Format(time.RFC3339), r.ID, r.Benchmark, r.Status, r.Successful, r.Spawned)
			}
			return nil
		},
	}
	cmd.Flags().String("store", "", "SQLite run store (default: paths.store)")
	cmd.Flags().Int("limit", 20, "maximum number of runs to list")
	return cmd
}

// Write a default config file
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file if none exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			if path == "" {
				path = core.DefaultConfigPath()
			}
			if _, err := os.Stat(path); err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "config already exists at %s\n", path)
				return nil
			}
			cfg := core.DefaultConfig()
			cfg.Server.Command = []string{"./tao_bench_server"}
			raw, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, raw, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
}
