package launcher

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/3cpo-dev/benchfleet/internal/topology"
)

// Instance owns one spawned server and its process group. Release must be
// called once the instance is no longer needed; it always kills the group.
type Instance struct {
	Index    int
	CPUs     topology.CPUList
	MemoryGB float64
	Port     int
	LogPath  string
	Command  []string

	cmd  *exec.Cmd
	log  *os.File
	pgid int

	done     chan struct{}
	exitCode int

	mu       sync.Mutex
	released bool
}

func startInstance(inst *Instance, env []string) error {
	f, err := os.OpenFile(inst.LogPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create log file: %w", err)
	}
	cmd := exec.Command(inst.Command[0], inst.Command[1:]...)
	cmd.Stdout = f
	cmd.Stderr = f
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		f.Close()
		return fmt.Errorf("start %s: %w", inst.Command[0], err)
	}
	inst.cmd = cmd
	inst.log = f
	inst.pgid = cmd.Process.Pid
	inst.done = make(chan struct{})
	inst.exitCode = -1

	go func() {
		_ = cmd.Wait()
		inst.exitCode = cmd.ProcessState.ExitCode()
		close(inst.done)
	}()
	return nil
}

// PID returns the leader pid, which is also the process group id.
func (i *Instance) PID() int { return i.pgid }

// Exited reports whether the leader has exited. It never blocks.
func (i *Instance) Exited() bool {
	select {
	case <-i.done:
		return true
	default:
		return false
	}
}

// Wait blocks up to timeout for the leader to exit. A negative timeout
// waits forever.
func (i *Instance) Wait(timeout time.Duration) (exitCode int, exited bool) {
	if timeout < 0 {
		<-i.done
		return i.exitCode, true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-i.done:
		return i.exitCode, true
	case <-timer.C:
		return -1, false
	}
}

// ExitCode returns the leader's exit code once it has exited. Killed
// processes report -1.
func (i *Instance) ExitCode() (int, bool) {
	if !i.Exited() {
		return -1, false
	}
	return i.exitCode, true
}

// KillGroup sends SIGKILL to the whole process group. A group that no
// longer exists is not an error.
func (i *Instance) KillGroup() error {
	if i.pgid <= 0 {
		return nil
	}
	err := unix.Kill(-i.pgid, unix.SIGKILL)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	return fmt.Errorf("kill group %d: %w", i.pgid, err)
}

// FlushLog forces the log file contents to disk.
func (i *Instance) FlushLog() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.released {
		return os.ErrClosed
	}
	return i.log.Sync()
}

// LogSize returns the current size of the log file.
func (i *Instance) LogSize() (int64, error) {
	st, err := os.Stat(i.LogPath)
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// Release kills the group, syncs and closes the log. Safe to call more
// than once and from multiple goroutines.
func (i *Instance) Release() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.released {
		return
	}
	i.released = true
	if err := i.KillGroup(); err != nil {
		log.Warn().Err(err).Int("instance", i.Index).Msg("Final group kill failed")
	}
	_ = i.log.Sync()
	_ = i.log.Close()
}

// Fleet is the set of instances from one launch.
type Fleet struct {
	Instances []*Instance
}

// Len returns the number of launched instances.
func (f *Fleet) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Instances)
}

// Release releases every instance.
func (f *Fleet) Release() {
	if f == nil {
		return
	}
	for _, inst := range f.Instances {
		inst.Release()
	}
}
