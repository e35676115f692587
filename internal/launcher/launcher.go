// Package launcher spawns the benchmark fleet: one pinned server per core
// range, each the leader of its own process group and writing to its own
// log file.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/3cpo-dev/benchfleet/internal/topology"
	"github.com/3cpo-dev/benchfleet/pkg/api"
)

// ErrPortUnavailable is wrapped by launch errors from the port preflight.
var ErrPortUnavailable = errors.New("port unavailable")

// LaunchError reports the instance whose launch failed. Instances started
// before it have already been released.
type LaunchError struct {
	Index int
	Err   error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch instance %d: %v", e.Index, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// FailureRecorder receives structured launch failures.
type FailureRecorder interface {
	RecordFailure(benchmark, errorType, reason string, solutions []string, metadata map[string]any) error
	RecordPortUnavailable(port int, benchmark string, errno int) error
	Env() string
}

// Options configures a Launcher.
type Options struct {
	Benchmark  string
	LogDir     string
	Spec       CommandSpec
	Topology   topology.NumaTopology
	CheckPorts bool
	Recorder   FailureRecorder
	// Env is appended to the orchestrator's environment for every child.
	Env []string
	Now func() time.Time
	// OnSpawn is called with each instance right after it starts, before
	// the next one is spawned. A non-nil error stops the launch and releases
	// every instance started so far.
	OnSpawn func(*Instance) error
}

type Launcher struct {
	opts Options
}

func New(opts Options) *Launcher {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Launcher{opts: opts}
}

// LogName returns the log file name for instance index at ts.
func LogName(benchmark string, index int, ts time.Time) string {
	return fmt.Sprintf("%s-server-%d-%s.log", benchmark, index+1, ts.Format("060102_150405"))
}

// LaunchFleet starts n instances. Instance i is pinned to ranges[i], listens
// on basePort+i and gets memPerInstance GiB. Any failure releases the
// instances already started and returns a *LaunchError.
func (l *Launcher) LaunchFleet(n int, ranges []topology.CPUList, memPerInstance float64, basePort int, commonArgs []Flag) (*Fleet, error) {
	if n <= 0 {
		return nil, fmt.Errorf("instance count must be positive, got %d", n)
	}
	if len(ranges) != n {
		return nil, fmt.Errorf("got %d core ranges for %d instances", len(ranges), n)
	}
	if len(l.opts.Spec.Entry) == 0 {
		return nil, errors.New("server command is empty")
	}
	if err := os.MkdirAll(l.opts.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	if l.opts.CheckPorts {
		for i := 0; i < n; i++ {
			if err := l.checkPort(basePort + i); err != nil {
				return nil, &LaunchError{Index: i, Err: err}
			}
		}
	}

	env := append(os.Environ(), l.opts.Env...)
	if l.opts.Recorder != nil {
		env = append(env, l.opts.Recorder.Env())
	}

	ts := l.opts.Now()
	fleet := &Fleet{Instances: make([]*Instance, 0, n)}
	for i := 0; i < n; i++ {
		inst := &Instance{
			Index:    i,
			CPUs:     ranges[i],
			MemoryGB: memPerInstance,
			Port:     basePort + i,
			LogPath:  filepath.Join(l.opts.LogDir, LogName(l.opts.Benchmark, i, ts)),
		}
		inst.Command = l.opts.Spec.Build(inst.CPUs, l.opts.Topology, inst.MemoryGB, inst.Port, commonArgs)

		log.Info().Int("instance", i).Str("cpus", inst.CPUs.String()).Int("port", inst.Port).
			Str("command", strings.Join(inst.Command, " ")).Msg("Spawning server instance")
		if err := startInstance(inst, env); err != nil {
			l.record(api.ErrInstanceSpawnFailed,
				fmt.Sprintf("Failed to spawn server instance %d: %v", i, err),
				[]string{"Check that the server command exists and is executable"},
				map[string]any{"server_index": i, "command": inst.Command, "logpath": inst.LogPath})
			// Clean up already started instances
			fleet.Release()
			return nil, &LaunchError{Index: i, Err: err}
		}
		fleet.Instances = append(fleet.Instances, inst)
		if l.opts.OnSpawn != nil {
			if err := l.opts.OnSpawn(inst); err != nil {
				log.Warn().Err(err).Int("instance", i).Msg("Launch stopped")
				fleet.Release()
				return nil, &LaunchError{Index: i, Err: err}
			}
		}
	}
	return fleet, nil
}

// strictListen clears SO_REUSEADDR before bind, so ports still held by
// TIME_WAIT or CLOSE_WAIT sockets are reported as busy.
var strictListen = net.ListenConfig{
	Control: func(network, address string, c syscall.RawConn) error {
		var serr error
		if err := c.Control(func(fd uintptr) {
			serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 0)
		}); err != nil {
			return err
		}
		return serr
	},
}

// checkPort bind-tests port on all interfaces.
func (l *Launcher) checkPort(port int) error {
	ln, err := strictListen.Listen(context.Background(), "tcp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(port)))
	if err == nil {
		ln.Close()
		log.Debug().Int("port", port).Msg("Port is available")
		return nil
	}
	errno := int(unix.EADDRINUSE)
	var e unix.Errno
	if errors.As(err, &e) {
		errno = int(e)
	}
	if l.opts.Recorder != nil {
		if rerr := l.opts.Recorder.RecordPortUnavailable(port, l.opts.Benchmark, errno); rerr != nil {
			log.Warn().Err(rerr).Msg("Record port failure")
		}
	}
	log.Error().Int("port", port).Err(err).Msg("Port is not available")
	return fmt.Errorf("%w: %d: %v", ErrPortUnavailable, port, err)
}

func (l *Launcher) record(errorType, reason string, solutions []string, metadata map[string]any) {
	if l.opts.Recorder == nil {
		return
	}
	if err := l.opts.Recorder.RecordFailure(l.opts.Benchmark, errorType, reason, solutions, metadata); err != nil {
		log.Warn().Err(err).Str("error_type", errorType).Msg("Record failure")
	}
}
