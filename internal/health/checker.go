// Package health tracks the reachability of SpotBot's backing services
// (Postgres, Redis) and reports an aggregate serving status.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Dependency statuses.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// Probe checks one backing service.
type Probe interface {
	Name() string
	Ping(ctx context.Context) error
}

// ProbeFunc adapts a ping function into a Probe.
type ProbeFunc struct {
	Label string
	Fn    func(ctx context.Context) error
}

func (p ProbeFunc) Name() string                   { return p.Label }
func (p ProbeFunc) Ping(ctx context.Context) error { return p.Fn(ctx) }

// ServingFunc is called whenever the aggregate status changes. healthy is
// false while any dependency is degraded.
type ServingFunc func(healthy bool)

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(dependency string, success bool)

// Report is a point-in-time view of all dependencies.
type Report struct {
	Status       string            `json:"status"`
	Dependencies map[string]string `json:"dependencies"`
	CheckedAt    time.Time         `json:"checkedAt"`
}

// HealthChecker runs periodic dependency probes.
type HealthChecker struct {
	probes     []Probe
	failCounts map[string]int
	statuses   map[string]string
	checkedAt  time.Time
	mu         sync.RWMutex
	cfg        Config
	onServing  ServingFunc
	onMetrics  MetricsRecordFunc
	logger     *zap.Logger
}

// New creates a new HealthChecker. Every dependency starts healthy.
func New(probes []Probe, cfg Config, logger *zap.Logger) *HealthChecker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}

	statuses := make(map[string]string, len(probes))
	for _, p := range probes {
		statuses[p.Name()] = StatusHealthy
	}
	return &HealthChecker{
		probes:     probes,
		failCounts: make(map[string]int),
		statuses:   statuses,
		cfg:        cfg,
		logger:     logger,
	}
}

// SetServingFunc configures the aggregate status callback.
func (h *HealthChecker) SetServingFunc(fn ServingFunc) {
	h.onServing = fn
}

// SetMetricsRecord configures the metrics recording callback.
func (h *HealthChecker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// Start runs the check loop until ctx is cancelled.
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.CheckAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll probes every dependency concurrently.
func (h *HealthChecker) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range h.probes {
		wg.Add(1)
		go func(p Probe) {
			defer wg.Done()

			pctx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
			err := p.Ping(pctx)
			cancel()
			success := err == nil

			if h.onMetrics != nil {
				h.onMetrics(p.Name(), success)
			}

			h.mu.Lock()
			prevCount := h.failCounts[p.Name()]
			if success {
				h.failCounts[p.Name()] = 0
			} else {
				h.failCounts[p.Name()]++
			}
			count := h.failCounts[p.Name()]

			switch {
			case success && prevCount >= h.cfg.FailThreshold:
				h.statuses[p.Name()] = StatusHealthy
				h.logger.Info("health: recovered", zap.String("dependency", p.Name()))
			case !success && count == h.cfg.FailThreshold:
				h.statuses[p.Name()] = StatusDegraded
				h.logger.Warn("health: degraded",
					zap.String("dependency", p.Name()),
					zap.Int("fail_count", count),
					zap.Error(err),
				)
			}
			h.mu.Unlock()
		}(p)
	}
	wg.Wait()

	h.mu.Lock()
	h.checkedAt = time.Now().UTC()
	h.mu.Unlock()

	if h.onServing != nil {
		h.onServing(h.Healthy())
	}
}

// Healthy reports whether no dependency is degraded.
func (h *HealthChecker) Healthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.statuses {
		if s != StatusHealthy {
			return false
		}
	}
	return true
}

// Report returns the current dependency statuses.
func (h *HealthChecker) Report() Report {
	h.mu.RLock()
	defer h.mu.RUnlock()
	deps := make(map[string]string, len(h.statuses))
	status := StatusHealthy
	for name, s := range h.statuses {
		deps[name] = s
		if s != StatusHealthy {
			status = StatusDegraded
		}
	}
	return Report{Status: status, Dependencies: deps, CheckedAt: h.checkedAt}
}
