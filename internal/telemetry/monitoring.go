package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck represents a health check result
type HealthCheck struct {
	Name        string            `json:"name"`
	Status      HealthStatus      `json:"status"`
	Message     string            `json:"message"`
	LastChecked time.Time         `json:"last_checked"`
	Duration    time.Duration     `json:"duration"`
	Details     map[string]string `json:"details,omitempty"`
}

// MonitoringServer serves /metrics, /health and, optionally, pprof.
type MonitoringServer struct {
	mu           sync.RWMutex
	healthChecks map[string]func() HealthCheck
	server       *http.Server
	listener     net.Listener
}

// NewMonitoringServer creates a server for the metrics in gatherer.
func NewMonitoringServer(addr string, gatherer prometheus.Gatherer, profiling bool) *MonitoringServer {
	ms := &MonitoringServer{healthChecks: make(map[string]func() HealthCheck)}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", ms.healthHandler)
	if profiling {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	ms.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ms
}

// Handler exposes the router, mainly for tests.
func (ms *MonitoringServer) Handler() http.Handler { return ms.server.Handler }

// healthHandler reports the worst status among registered checks.
func (ms *MonitoringServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	checks := ms.runHealthChecks()

	overallStatus := HealthStatusHealthy
	for _, check := range checks {
		if check.Status == HealthStatusUnhealthy {
			overallStatus = HealthStatusUnhealthy
			break
		} else if check.Status == HealthStatusDegraded {
			overallStatus = HealthStatusDegraded
		}
	}

	response := map[string]interface{}{
		"status":    overallStatus,
		"timestamp": time.Now(),
		"checks":    checks,
	}

	w.Header().Set("Content-Type", "application/json")
	if overallStatus != HealthStatusHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(response)
}

// RegisterHealthCheck registers a health check function
func (ms *MonitoringServer) RegisterHealthCheck(name string, checkFn func() HealthCheck) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.healthChecks[name] = checkFn
}

func (ms *MonitoringServer) runHealthChecks() []HealthCheck {
	ms.mu.RLock()
	names := make([]string, 0, len(ms.healthChecks))
	fns := make(map[string]func() HealthCheck, len(ms.healthChecks))
	for name, fn := range ms.healthChecks {
		names = append(names, name)
		fns[name] = fn
	}
	ms.mu.RUnlock()
	sort.Strings(names)

	checks := make([]HealthCheck, 0, len(names))
	for _, name := range names {
		start := time.Now()
		check := fns[name]()
		check.Name = name
		check.Duration = time.Since(start)
		check.LastChecked = time.Now()
		checks = append(checks, check)
	}
	return checks
}

// Start listens and serves in the background. The bound address is
// available from Addr once Start returns.
func (ms *MonitoringServer) Start() error {
	ln, err := net.Listen("tcp", ms.server.Addr)
	if err != nil {
		return err
	}
	ms.listener = ln
	log.Info().Str("addr", ln.Addr().String()).Msg("Starting monitoring server")
	go func() {
		if err := ms.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Monitoring server stopped")
		}
	}()
	return nil
}

// Addr returns the listening address, or the configured one before Start.
func (ms *MonitoringServer) Addr() string {
	if ms.listener != nil {
		return ms.listener.Addr().String()
	}
	return ms.server.Addr
}

// Shutdown gracefully shuts down the monitoring server
func (ms *MonitoringServer) Shutdown(ctx context.Context) error {
	if ms.server != nil {
		return ms.server.Shutdown(ctx)
	}
	return nil
}
