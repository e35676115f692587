package core

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/benchfleet/internal/launcher"
)

// Config is the benchfleet run configuration. Times are in seconds.
type Config struct {
	Benchmark string `yaml:"benchmark"`
	Role      string `yaml:"role"`
	// NumServers of 0 means one instance per NUMA node.
	NumServers int `yaml:"num_servers"`
	// MemsizeGB of 0 means all system memory.
	MemsizeGB       float64 `yaml:"memsize_gb"`
	PortNumberStart int     `yaml:"port_number_start"`

	WarmupTime                  float64 `yaml:"warmup_time"`
	TestTime                    float64 `yaml:"test_time"`
	TimeoutBuffer               float64 `yaml:"timeout_buffer"`
	PostprocessingTimeoutBuffer float64 `yaml:"postprocessing_timeout_buffer"`
	// PollInterval of 0 disables stability polling.
	PollInterval float64 `yaml:"poll_interval"`
	ReapGrace    float64 `yaml:"reap_grace"`

	BindCPU        bool `yaml:"bind_cpu"`
	BindMem        bool `yaml:"bind_mem"`
	Real           bool `yaml:"real"`
	NumFastThreads int  `yaml:"num_fast_threads"`
	NumSlowThreads int  `yaml:"num_slow_threads"`
	CheckPorts     bool `yaml:"check_ports"`

	Server    ServerConfig    `yaml:"server"`
	Tools     ToolsConfig     `yaml:"tools"`
	Paths     PathsConfig     `yaml:"paths"`
	Parser    string          `yaml:"parser"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ServerConfig struct {
	Command []string        `yaml:"command"`
	Args    []launcher.Flag `yaml:"args"`
	// EnvFile holds extra KEY=VALUE variables for every instance.
	EnvFile string `yaml:"env_file"`
}

type ToolsConfig struct {
	Pin  string `yaml:"pin"`
	NUMA string `yaml:"numa"`
}

type PathsConfig struct {
	LogDir        string `yaml:"log_dir"`
	DiagnosisFile string `yaml:"diagnosis_file"`
	Store         string `yaml:"store"`
}

type TelemetryConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
	TraceFile   string `yaml:"trace_file"`
	Profiling   bool   `yaml:"profiling"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		Benchmark:                   "tao_bench",
		Role:                        "server",
		PortNumberStart:             11211,
		TestTime:                    720,
		TimeoutBuffer:               120,
		PostprocessingTimeoutBuffer: 60,
		PollInterval:                1,
		ReapGrace:                   1,
		BindCPU:                     true,
		BindMem:                     true,
		CheckPorts:                  true,
		Tools:                       ToolsConfig{Pin: "taskset", NUMA: "numactl"},
		Paths:                       PathsConfig{LogDir: "."},
		Parser:                      "json",
	}
}

// DefaultConfigPath resolves $XDG_CONFIG_HOME/benchfleet/config.yaml or
// ~/.config/benchfleet/config.yaml.
func DefaultConfigPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "benchfleet", "config.yaml")
}

// LoadConfig reads YAML configuration over the defaults. If path is empty the
// default path is used, and a missing default file is not an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}
	f, err := os.Open(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ValidationError describes one invalid configuration value.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s=%s: %s", e.Field, e.Value, e.Message)
}

// Validate checks the configuration before a run.
func (c Config) Validate() error {
	if c.Benchmark == "" {
		return ValidationError{Field: "benchmark", Value: "", Message: "benchmark name is required"}
	}
	if len(c.Server.Command) == 0 {
		return ValidationError{Field: "server.command", Value: "", Message: "server command is required"}
	}
	if c.NumServers < 0 {
		return ValidationError{Field: "num_servers", Value: fmt.Sprint(c.NumServers), Message: "must not be negative"}
	}
	if c.MemsizeGB < 0 {
		return ValidationError{Field: "memsize_gb", Value: fmt.Sprint(c.MemsizeGB), Message: "must not be negative"}
	}
	if c.PortNumberStart <= 0 || c.PortNumberStart+c.NumServers > 65536 {
		return ValidationError{Field: "port_number_start", Value: fmt.Sprint(c.PortNumberStart), Message: "ports must fall within 1-65535"}
	}
	times := []struct {
		field string
		value float64
	}{
		{"warmup_time", c.WarmupTime},
		{"test_time", c.TestTime},
		{"timeout_buffer", c.TimeoutBuffer},
		{"postprocessing_timeout_buffer", c.PostprocessingTimeoutBuffer},
		{"poll_interval", c.PollInterval},
		{"reap_grace", c.ReapGrace},
	}
	for _, tt := range times {
		if tt.value < 0 {
			return ValidationError{Field: tt.field, Value: fmt.Sprint(tt.value), Message: "must not be negative"}
		}
	}
	if c.NumFastThreads < 0 || c.NumSlowThreads < 0 {
		return ValidationError{Field: "num_fast_threads", Value: fmt.Sprintf("%d/%d", c.NumFastThreads, c.NumSlowThreads), Message: "thread counts must not be negative"}
	}
	return nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
