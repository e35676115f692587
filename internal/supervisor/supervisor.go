// Package supervisor blocks until a launched fleet is done. Exit codes are
// not trusted as a completion signal: after the expected run time the
// supervisor polls each log until its size stops changing, and reclaims
// every process group before returning.
package supervisor

import (
	"time"

	"github.com/rs/zerolog/log"
)

// State is a supervisor phase.
type State string

const (
	StateWarmup   State = "warmup_sleep"
	StatePoll     State = "stability_poll"
	StateStable   State = "stable"
	StateTimedOut State = "timed_out"
	StateReaped   State = "reaped"
)

// DefaultStableThreshold is the number of consecutive unchanged checks that
// mark a member quiescent.
const DefaultStableThreshold = 3

// Member is one supervised process.
type Member interface {
	Exited() bool
	Wait(timeout time.Duration) (exitCode int, exited bool)
	KillGroup() error
	FlushLog() error
	LogSize() (int64, error)
}

// Options holds the timing budget. A zero PollInterval selects the fixed
// deadline strategy instead of stability polling.
type Options struct {
	WarmupTime          time.Duration
	TestTime            time.Duration
	TimeoutBuffer       time.Duration
	PostprocessingLimit time.Duration
	PollInterval        time.Duration
	ReapGrace           time.Duration
	StableThreshold     int

	Now   func() time.Time
	Sleep func(time.Duration)
	// OnState is called on every state transition.
	OnState func(State)
}

// BaseTimeout is the time the fleet is expected to need before it can be
// observed.
func (o Options) BaseTimeout() time.Duration {
	return o.WarmupTime + o.TestTime + o.TimeoutBuffer
}

// Outcome reports how supervision ended. ExitCodes holds -1 for members
// whose exit status could not be collected.
type Outcome struct {
	State     State
	Ticks     int
	Elapsed   time.Duration
	ExitCodes []int
}

type Supervisor struct {
	opts Options
}

func New(opts Options) *Supervisor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}
	if opts.StableThreshold <= 0 {
		opts.StableThreshold = DefaultStableThreshold
	}
	if opts.ReapGrace <= 0 {
		opts.ReapGrace = time.Second
	}
	if opts.OnState == nil {
		opts.OnState = func(State) {}
	}
	return &Supervisor{opts: opts}
}

// Run supervises members to completion. It always kills every process group
// and flushes every log before returning.
func (s *Supervisor) Run(members []Member) Outcome {
	start := s.opts.Now()
	var out Outcome
	if s.opts.PollInterval > 0 {
		out = s.poll(members)
	} else {
		out = s.fixed(members, start)
	}
	out.ExitCodes = s.reap(members)
	s.opts.OnState(StateReaped)
	out.Elapsed = s.opts.Now().Sub(start)
	log.Info().Str("state", string(out.State)).Int("ticks", out.Ticks).Dur("elapsed", out.Elapsed).Msg("Fleet reaped")
	return out
}

type streak struct {
	last  int64
	count int
}

// observe folds one size reading into the streak. The first reading of a
// non-zero size opens a streak of one; growth opens a new one; zero resets.
func (st *streak) observe(size int64) {
	switch {
	case size > 0 && size == st.last:
		st.count++
	case size > 0:
		st.last, st.count = size, 1
	default:
		st.last, st.count = 0, 0
	}
}

func (s *Supervisor) poll(members []Member) Outcome {
	base := s.opts.BaseTimeout()
	s.opts.OnState(StateWarmup)
	log.Info().Dur("timeout", base).Msg("Waiting for processes to complete normally")
	s.opts.Sleep(base)

	s.opts.OnState(StatePoll)
	log.Info().Dur("budget", s.opts.PostprocessingLimit).Dur("interval", s.opts.PollInterval).
		Msg("Polling for processes to finish writing output")
	streaks := make([]streak, len(members))
	start := s.opts.Now()
	tick := 0
	for s.opts.Now().Sub(start) < s.opts.PostprocessingLimit {
		tick++
		quiet := 0
		for i, m := range members {
			if s.check(i, m, &streaks[i]) {
				quiet++
			}
		}
		if quiet == len(members) {
			log.Info().Int("tick", tick).Dur("elapsed", s.opts.Now().Sub(start)).Msg("All log files stable")
			s.opts.OnState(StateStable)
			return Outcome{State: StateStable, Ticks: tick}
		}
		log.Debug().Int("tick", tick).Int("quiescent", quiet).Int("members", len(members)).Msg("Poll")
		s.opts.Sleep(s.opts.PollInterval)
	}

	log.Warn().Dur("base", base).Dur("polling", s.opts.PostprocessingLimit).Msg("Timeout reached, killing remaining processes")
	s.opts.OnState(StateTimedOut)
	s.killAll(members)
	return Outcome{State: StateTimedOut, Ticks: tick}
}

// check flushes and measures one member and reports whether it is quiescent.
func (s *Supervisor) check(i int, m Member, st *streak) bool {
	if err := m.FlushLog(); err != nil {
		log.Debug().Err(err).Int("instance", i).Msg("Flush log")
	}
	size, err := m.LogSize()
	if err != nil {
		// an exited process cannot grow its log any further
		if m.Exited() {
			return true
		}
		log.Debug().Err(err).Int("instance", i).Msg("Stat log")
		st.last, st.count = 0, 0
		return false
	}
	st.observe(size)
	return st.count >= s.opts.StableThreshold
}

// fixed waits for each member until one shared deadline and kills the groups
// of those still running at it. It returns early once every member has exited.
func (s *Supervisor) fixed(members []Member, start time.Time) Outcome {
	total := s.opts.BaseTimeout() + s.opts.PostprocessingLimit
	deadline := start.Add(total)
	log.Info().Dur("timeout", total).Msg("Waiting for processes with a fixed timeout")

	state := StateStable
	for i, m := range members {
		remaining := deadline.Sub(s.opts.Now())
		if remaining < 0 {
			remaining = 0
		}
		if _, exited := m.Wait(remaining); exited {
			continue
		}
		if state != StateTimedOut {
			state = StateTimedOut
			s.opts.OnState(StateTimedOut)
		}
		log.Warn().Int("instance", i).Msg("Process did not exit before the deadline, killing its group")
		if err := m.KillGroup(); err != nil {
			log.Warn().Err(err).Int("instance", i).Msg("Kill group")
		}
	}
	if state == StateStable {
		s.opts.OnState(StateStable)
	}
	return Outcome{State: state}
}

func (s *Supervisor) killAll(members []Member) {
	for i, m := range members {
		if err := m.KillGroup(); err != nil {
			log.Warn().Err(err).Int("instance", i).Msg("Kill group")
		}
	}
}

// reap collects exit codes within the grace period, kills every group
// regardless and flushes every log.
func (s *Supervisor) reap(members []Member) []int {
	codes := make([]int, len(members))
	for i, m := range members {
		code, exited := m.Wait(s.opts.ReapGrace)
		if !exited {
			code = -1
		}
		codes[i] = code
		if err := m.KillGroup(); err != nil {
			log.Warn().Err(err).Int("instance", i).Msg("Final group kill")
		}
	}
	for i, m := range members {
		if err := m.FlushLog(); err != nil {
			log.Debug().Err(err).Int("instance", i).Msg("Final flush")
		}
	}
	return codes
}
