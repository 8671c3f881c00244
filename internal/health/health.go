// Package health implements spec.md §4.7 (C7): the periodic session-health
// probe, single-shot reauthentication on retry exhaustion, and the shared
// circuit breaker's failure-recording path.
//
// Grounded on the teacher's internal/data/market_data.go reconnectMonitor
// (ctx.Done()/ticker.C select loop), adapted from a WebSocket reconnect to
// an authenticated-endpoint probe, since spec.md's broker adapter is
// request/response rather than a persistent stream.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/marcusgoll/sentinel-equity/internal/eventlog"
	"github.com/marcusgoll/sentinel-equity/internal/retry"
	"github.com/marcusgoll/sentinel-equity/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultProbeInterval is spec.md §4.7's periodic probe cadence.
const DefaultProbeInterval = 5 * time.Minute

// probeLatency tracks session-probe round-trip time; target P95 < 2s per
// spec.md §4.7. Registered in init() via prometheus.Register, whose
// duplicate-registration error is ignored, so importing this package never
// panics on duplicate registration in tests.
var probeLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
	Name:    "sentinel_session_probe_latency_seconds",
	Help:    "Session health probe round-trip latency.",
	Buckets: prometheus.DefBuckets,
})

func init() {
	_ = prometheus.Register(probeLatency)
}

// Prober is the narrow broker surface the health probe exercises.
// Implemented by internal/broker.Adapter.
type Prober interface {
	// Probe calls a lightweight authenticated endpoint and reports only
	// success or failure; ProbeOnce measures the latency around it.
	Probe(ctx context.Context) error
	// Reauthenticate attempts exactly one credential refresh.
	Reauthenticate(ctx context.Context) error
}

// Monitor is SessionHealth, C7.
type Monitor struct {
	prober  Prober
	breaker *retry.CircuitBreaker
	policy  retry.Policy
	log     *eventlog.Logger
	now     func() time.Time

	mu                sync.Mutex
	sessionStart      time.Time
	lastCheck         time.Time
	checks            []types.HealthCheckRecord
	reauthCount       int
	consecutiveFails  int

	stopOnce sync.Once
	cancel   context.CancelFunc
}

func New(prober Prober, breaker *retry.CircuitBreaker, policy retry.Policy, log *eventlog.Logger) *Monitor {
	return &Monitor{
		prober:  prober,
		breaker: breaker,
		policy:  policy,
		log:     log,
		now:     time.Now,
	}
}

// Start schedules the periodic probe on a background goroutine and returns
// immediately. Call Stop to cancel it.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.sessionStart = m.now()
	m.cancel = cancel
	m.mu.Unlock()

	go m.run(runCtx, interval)
}

func (m *Monitor) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ProbeOnce(ctx)
		}
	}
}

// Stop cancels the periodic probe timer. Safe to call multiple times.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		cancel := m.cancel
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
}

// ProbeOnce runs a single health probe synchronously. Also invoked before
// every TradingBot.execute_trade() per spec.md §4.7.
func (m *Monitor) ProbeOnce(ctx context.Context) {
	start := m.now()
	_, err := retry.WithRetry(m.policy, m.sink(), func() (struct{}, error) {
		return struct{}{}, m.prober.Probe(ctx)
	})
	latency := m.now().Sub(start)
	probeLatency.Observe(latency.Seconds())

	if err == nil {
		m.recordSuccess(latency)
		return
	}

	if reauthErr := m.prober.Reauthenticate(ctx); reauthErr == nil {
		m.mu.Lock()
		m.reauthCount++
		m.mu.Unlock()
		m.recordSuccess(latency)
		return
	}

	m.recordFailure(latency)
}

func (m *Monitor) recordSuccess(latency time.Duration) {
	m.mu.Lock()
	now := m.now()
	m.lastCheck = now
	m.consecutiveFails = 0
	m.checks = append(m.checks, types.HealthCheckRecord{At: now, Passed: true, LatencyMS: latency.Milliseconds()})
	m.mu.Unlock()

	m.emit("health.passed", latency)
}

func (m *Monitor) recordFailure(latency time.Duration) {
	m.mu.Lock()
	now := m.now()
	m.lastCheck = now
	m.consecutiveFails++
	m.checks = append(m.checks, types.HealthCheckRecord{At: now, Passed: false, LatencyMS: latency.Milliseconds()})
	m.mu.Unlock()

	if m.breaker != nil {
		m.breaker.RecordFailure()
	}
	m.emit("health.failed", latency)
}

// Status reports the current session health, per spec.md §3's HealthStatus.
func (m *Monitor) Status() types.HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	var uptime float64
	if !m.sessionStart.IsZero() {
		uptime = m.now().Sub(m.sessionStart).Seconds()
	}

	checksCopy := make([]types.HealthCheckRecord, len(m.checks))
	copy(checksCopy, m.checks)

	isHealthy := m.breaker == nil || !m.breaker.IsActive()

	return types.HealthStatus{
		IsHealthy:         isHealthy,
		SessionStart:      m.sessionStart,
		UptimeS:           uptime,
		LastCheck:         m.lastCheck,
		Checks:            checksCopy,
		ReauthCount:       m.reauthCount,
		ConsecutiveFailures: m.consecutiveFails,
	}
}

func (m *Monitor) sink() retry.EventSink {
	if m.log == nil {
		return nil
	}
	return m.log
}

func (m *Monitor) emit(event string, latency time.Duration) {
	if m.log == nil {
		return
	}
	m.log.Write(eventlog.StreamHealthCheck, event, eventlog.NewCorrelationID(), map[string]any{
		"latency_ms": latency.Milliseconds(),
	})
}
