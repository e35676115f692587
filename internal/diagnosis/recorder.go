// Package diagnosis records structured failure entries to a JSON array file
// shared between the orchestrator and its children. Writers serialize on an
// exclusive flock so concurrent instances can append safely.
package diagnosis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/3cpo-dev/benchfleet/pkg/api"
)

// EnvPath is the variable children read to find the shared failure file.
const EnvPath = "DIAGNOSIS_FILE_PATH"

const defaultBase = "failure_diagnosis"

// Recorder appends failures to one file.
type Recorder struct {
	path string
	now  func() time.Time
}

// New opens the recorder at path, creating it as an empty array if needed.
func New(path string) (*Recorder, error) {
	r := &Recorder{path: path, now: time.Now}
	if _, err := os.Stat(path); err == nil {
		return r, nil
	}
	if err := r.initFile(); err != nil {
		return nil, err
	}
	return r, nil
}

// NewInDir claims a fresh file named <base>_<pid>_<YYYYmmdd_HHMMSS>.json in
// dir so concurrent orchestrators never share one by accident.
func NewInDir(dir, base string) (*Recorder, error) {
	if base == "" {
		base = defaultBase
	}
	base = strings.TrimSuffix(base, ".json")
	name := fmt.Sprintf("%s_%d_%s.json", base, os.Getpid(), time.Now().UTC().Format("20060102_150405"))
	r := &Recorder{path: filepath.Join(dir, name), now: time.Now}
	if err := r.initFile(); err != nil {
		return nil, err
	}
	return r, nil
}

// FromEnv returns a recorder on $DIAGNOSIS_FILE_PATH when it is set, and
// otherwise claims a new file in dir.
func FromEnv(dir string) (*Recorder, error) {
	if p := os.Getenv(EnvPath); p != "" {
		return New(p)
	}
	return NewInDir(dir, defaultBase)
}

func (r *Recorder) initFile() error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create diagnosis dir: %w", err)
	}
	f, err := os.OpenFile(r.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if os.IsExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create diagnosis file: %w", err)
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("lock diagnosis file: %w", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)
	// another writer may have appended between create and lock
	if st, err := f.Stat(); err == nil && st.Size() > 0 {
		return nil
	}
	if _, err := f.WriteString("[]\n"); err != nil {
		return fmt.Errorf("create diagnosis file: %w", err)
	}
	return nil
}

// Path is exported to children through EnvPath.
func (r *Recorder) Path() string { return r.path }

// Env returns the child environment entry that points at this recorder.
func (r *Recorder) Env() string { return EnvPath + "=" + r.path }

// RecordFailure appends one entry under an exclusive lock.
func (r *Recorder) RecordFailure(benchmark, errorType, reason string, solutions []string, metadata map[string]any) error {
	if solutions == nil {
		solutions = []string{}
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	entry := api.Failure{
		Timestamp: r.now().UTC().Format("2006-01-02T15:04:05.000000Z"),
		Benchmark: benchmark,
		ErrorType: errorType,
		Reason:    reason,
		Solutions: solutions,
		Metadata:  metadata,
	}
	if err := r.appendEntry(entry); err != nil {
		return fmt.Errorf("record %s: %w", errorType, err)
	}
	log.Debug().Str("benchmark", benchmark).Str("error_type", errorType).Str("reason", reason).Msg("Recorded failure")
	return nil
}

func (r *Recorder) appendEntry(entry api.Failure) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(r.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("lock: %w", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	raw, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	records, err := decode(raw)
	if err != nil {
		log.Warn().Err(err).Str("path", r.path).Msg("Diagnosis file corrupt, starting a new array")
		records = nil
	}
	records = append(records, entry)

	out, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Write(append(out, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// decode accepts an array, a single object or empty content.
func decode(raw []byte) ([]api.Failure, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	if raw[0] == '{' {
		var one api.Failure
		if err := json.Unmarshal(raw, &one); err != nil {
			return nil, err
		}
		return []api.Failure{one}, nil
	}
	var many []api.Failure
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, err
	}
	return many, nil
}

// ReadAll returns every recorded failure. A missing or corrupt file reads as
// no failures.
func (r *Recorder) ReadAll() []api.Failure {
	records, err := r.read()
	if err != nil {
		return []api.Failure{}
	}
	return records
}

// read takes a shared lock so it never observes a writer's truncate.
func (r *Recorder) read() ([]api.Failure, error) {
	f, err := os.Open(r.path)
	if os.IsNotExist(err) {
		return []api.Failure{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH); err != nil {
		return nil, fmt.Errorf("lock: %w", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	records, err := decode(raw)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []api.Failure{}
	}
	return records, nil
}

// MergeInto sets summary.Failures to the recorded entries. A read failure
// leaves an empty list and sets FailureReadError.
func (r *Recorder) MergeInto(summary *api.FleetSummary) {
	records, err := r.read()
	if err != nil {
		summary.Failures = []api.Failure{}
		summary.FailureReadError = fmt.Sprintf("Failed to read diagnosis file: %v", err)
		return
	}
	summary.Failures = records
}

// RecordPortUnavailable records a port that could not be bound. errno is
// usually EADDRINUSE.
func (r *Recorder) RecordPortUnavailable(port int, benchmark string, errno int) error {
	return r.RecordFailure(
		benchmark,
		api.ErrPortUnavailable,
		fmt.Sprintf("Port %d is already in use (either by another process or in TIME_WAIT/CLOSE_WAIT state)", port),
		[]string{
			fmt.Sprintf("Kill the process using the port: lsof -i :%d && kill -9 <PID>", port),
			"Choose a different port: Check job options available for setting port number",
			fmt.Sprintf("Wait 60-120 seconds for TIME_WAIT to clear: netstat -an | grep %d", port),
		},
		map[string]any{"port": port, "errno": errno},
	)
}
