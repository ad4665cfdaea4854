// Package lifecycle is the gateway's Lifecycle Manager (spec §4.10):
// it composes the Service Container with the process-wide concerns
// that sit outside any single component — aggregated health, process
// resource stats, Prometheus metrics, and the signal-driven shutdown
// sequence. Grounded on internal/app/runtime/application.go's
// NewApplication/Run/Shutdown composition shape and cmd/gateway/main.go's
// top-level signal.Notify(SIGINT, SIGTERM) -> bounded Shutdown sequence.
package lifecycle

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/boeni-industries/aico-gateway/internal/container"
	"github.com/boeni-industries/aico-gateway/pkg/gwlog"
)

// Config controls the manager's own HTTP surface (health + metrics) and
// shutdown timing.
type Config struct {
	HealthAddr      string        // default ":9090"
	ShutdownTimeout time.Duration // default 20s
}

func (c Config) withDefaults() Config {
	if c.HealthAddr == "" {
		c.HealthAddr = ":9090"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 20 * time.Second
	}
	return c
}

// Manager owns process-level composition: starting the container in
// order, serving /health and /metrics, and driving a clean shutdown on
// SIGINT/SIGTERM.
type Manager struct {
	cfg       Config
	container *container.Container
	log       *gwlog.Logger
	startedAt time.Time

	registry *prometheus.Registry
	metrics  *metrics
	srv      *http.Server
}

// New builds a Manager around an already-populated Container. Callers
// register the services to start and stop on the Container before
// passing it here; cmd/gateway registers the upstream stub, the log
// consumer (when a DSN is set) and the protocol adapters, while the bus
// and the session/token managers are built in main and not registered. Each Manager owns a private prometheus.Registry
// (per infrastructure/metrics.NewWithRegistry's pattern) rather than
// prometheus.DefaultRegisterer, so multiple Managers — as in tests —
// never collide on collector registration.
func New(cfg Config, c *container.Container, log *gwlog.Logger) *Manager {
	if log == nil {
		log = gwlog.NewDefault("lifecycle")
	}
	registry := prometheus.NewRegistry()
	return &Manager{
		cfg:       cfg.withDefaults(),
		container: c,
		log:       log,
		registry:  registry,
		metrics:   newMetrics(registry),
	}
}

// Metrics returns the Manager's Recorder, for protocol adapters to
// attach via their own WithRecorder method at composition time.
func (m *Manager) Metrics() *metrics { return m.metrics }

// Run starts every registered service, serves the health/metrics
// endpoint, and blocks until ctx is cancelled or a SIGINT/SIGTERM is
// received, at which point it runs a bounded-timeout shutdown.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.container.StartAll(ctx); err != nil {
		return err
	}
	m.startedAt = time.Now()
	m.log.Infof("lifecycle: all services started")

	mux := http.NewServeMux()
	mux.HandleFunc("/health", m.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	m.srv = &http.Server{Addr: m.cfg.HealthAddr, Handler: mux}

	go func() {
		if err := m.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.log.Errorf("lifecycle: health/metrics server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
	case sig := <-sigCh:
		m.log.Infof("lifecycle: received signal %s, shutting down", sig)
	}

	return m.Shutdown()
}

// Shutdown stops the health/metrics server and every container
// service within ShutdownTimeout.
func (m *Manager) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ShutdownTimeout)
	defer cancel()

	if m.srv != nil {
		if err := m.srv.Shutdown(ctx); err != nil {
			m.log.Warnf("lifecycle: health server shutdown: %v", err)
		}
	}
	return m.container.StopAll(ctx)
}

type healthResponse struct {
	Status     string                      `json:"status"`
	Components map[string]componentHealth `json:"components"`
	Process    processStats                `json:"process"`
}

type componentHealth struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
}

type processStats struct {
	UptimeSeconds float64 `json:"uptime_seconds"`
	CPUPercent    float64 `json:"cpu_percent,omitempty"`
	MemoryRSSMB   float64 `json:"memory_rss_mb,omitempty"`
}

// handleHealth folds the container's per-service rollup together with
// process-wide resource stats from gopsutil, matching spec §6's health
// wire shape plus an informational "process" field.
func (m *Manager) handleHealth(w http.ResponseWriter, r *http.Request) {
	rollup := m.container.HealthRollup(r.Context())

	components := make(map[string]componentHealth, len(rollup.Components))
	for name, h := range rollup.Components {
		ch := componentHealth{Status: h.Status, Detail: h.Detail}
		if h.Err != nil {
			ch.Error = h.Err.Error()
		}
		components[name] = ch
	}

	resp := healthResponse{
		Status:     rollup.Status,
		Components: components,
		Process:    m.processStats(),
	}

	status := http.StatusOK
	if rollup.Status == "down" {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// processStats reports best-effort CPU/memory/uptime for the running
// process. gopsutil failures are swallowed into zero values — health
// reporting should never fail because resource introspection did.
func (m *Manager) processStats() processStats {
	stats := processStats{UptimeSeconds: time.Since(m.startedAt).Seconds()}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return stats
	}
	if pct, err := proc.CPUPercent(); err == nil {
		stats.CPUPercent = pct
	}
	if memInfo, err := proc.MemoryInfo(); err == nil && memInfo != nil {
		stats.MemoryRSSMB = float64(memInfo.RSS) / (1024 * 1024)
	}
	return stats
}
