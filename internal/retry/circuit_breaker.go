package retry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/marcusgoll/sentinel-equity/pkg/types"
)

// CircuitBreaker is the process-wide singleton described in spec.md §4.1/§9:
// a sliding-window failure counter guarding a persisted trip state. Every
// subsystem that touches the broker or the trading loop is handed the same
// *CircuitBreaker instance (a "BreakerHandle").
//
// Grounded on the teacher's RiskManager kill-switch fields
// (isDisabled/disabledUntil/triggerKillSwitch), extended with disk
// persistence since spec.md requires the trip to survive a process restart.
// BreakerWindowS and BreakerFailureThreshold are spec.md §4.1's fixed
// sliding-window constants for the shared process-wide breaker. §6's config
// table does not expose either as tunable; do not confuse them with
// consecutive_loss_limit (§4.5's separate trailing trade-loss check).
const (
	BreakerWindowS          = 60
	BreakerFailureThreshold = 5
)

type CircuitBreaker struct {
	mu sync.Mutex

	windowS   float64
	threshold int

	failures []time.Time
	state    types.CircuitBreakerState

	statePath string
}

// NewCircuitBreaker constructs a breaker and recovers prior state from
// statePath. A missing file means "not tripped." A corrupt file trips the
// breaker fail-safe, per spec.md §4.5/§7.
func NewCircuitBreaker(statePath string, windowS float64, threshold int) *CircuitBreaker {
	cb := &CircuitBreaker{
		windowS:   windowS,
		threshold: threshold,
		statePath: statePath,
	}
	cb.recover()
	return cb
}

func (cb *CircuitBreaker) recover() {
	data, err := os.ReadFile(cb.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		cb.tripFailSafe("corrupt_state_file")
		return
	}
	var st types.CircuitBreakerState
	if err := json.Unmarshal(data, &st); err != nil {
		cb.tripFailSafe("corrupt_state_file")
		return
	}
	cb.state = st
}

func (cb *CircuitBreaker) tripFailSafe(reason string) {
	now := time.Now().UTC()
	cb.state = types.CircuitBreakerState{Active: true, TriggeredAt: &now, Reason: reason}
	_ = cb.persist()
}

// persist writes cb.state atomically via write-temp + rename. Caller must
// hold cb.mu.
func (cb *CircuitBreaker) persist() error {
	if cb.statePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(cb.statePath), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cb.state, "", "  ")
	if err != nil {
		return err
	}
	tmp := cb.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, cb.statePath)
}

// RecordFailure appends a failure timestamp and trips the breaker if the
// sliding-window threshold is reached.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now().UTC()
	cb.failures = append(cb.failures, now)
	cb.pruneLocked(now)

	if cb.state.Active {
		return
	}
	if len(cb.failures) >= cb.threshold {
		cb.state = types.CircuitBreakerState{Active: true, TriggeredAt: &now, Reason: "failure_threshold"}
		_ = cb.persist()
	}
}

func (cb *CircuitBreaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-time.Duration(cb.windowS) * time.Second)
	i := 0
	for ; i < len(cb.failures); i++ {
		if cb.failures[i].After(cutoff) {
			break
		}
	}
	cb.failures = cb.failures[i:]
}

// ShouldTrip reports whether the sliding window currently holds at least
// threshold failures (without recording a new one).
func (cb *CircuitBreaker) ShouldTrip() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.pruneLocked(time.Now().UTC())
	return len(cb.failures) >= cb.threshold
}

// Trip trips the breaker for an explicit reason (e.g. "daily_loss_limit",
// "consecutive_losses"), independent of the failure-count path.
func (cb *CircuitBreaker) Trip(reason string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := time.Now().UTC()
	cb.state = types.CircuitBreakerState{Active: true, TriggeredAt: &now, Reason: reason}
	_ = cb.persist()
}

// Reset clears the tripped state. Idempotent: calling it twice in a row
// leaves the same (inactive) state both times, per spec.md §8.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := time.Now().UTC()
	cb.state = types.CircuitBreakerState{Active: false, ResetAt: &now}
	cb.failures = nil
	_ = cb.persist()
}

// IsActive reports whether the breaker is currently tripped.
func (cb *CircuitBreaker) IsActive() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.Active
}

// State returns a copy of the current persisted state.
func (cb *CircuitBreaker) State() types.CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
