// Package cache provides the TTL-keyed AccountDataCache described in
// spec.md §4.3 (C3): buying power, positions, balance, day-trade count, with
// invalidation hooks and per-key single-flight coalescing.
//
// Grounded on the teacher's internal/data/store.go mutex-guarded map cache,
// generalized with a per-entry TTL and a "thundering herd" coalescing layer
// the teacher has no equivalent of.
package cache

import (
	"sync"
	"time"

	"github.com/marcusgoll/sentinel-equity/internal/eventlog"
	"github.com/marcusgoll/sentinel-equity/internal/retry"
	"github.com/marcusgoll/sentinel-equity/pkg/types"
	"github.com/shopspring/decimal"
)

// TTL classes per spec.md §3.
const (
	VolatileTTL = 60 * time.Second
	StableTTL   = 300 * time.Second
)

const (
	keyBuyingPower  = "buying_power"
	keyPositions    = "positions"
	keyBalance      = "balance"
	keyDayTrades    = "day_trades_used"
)

// entry is a generic CacheEntry<T> per spec.md §3, T erased to any here
// since Go map values must share a concrete type.
type entry struct {
	value    any
	fetchedAt time.Time
	ttl      time.Time // absolute expiry, i.e. fetchedAt + ttl
}

func (e *entry) fresh(now time.Time) bool {
	return e != nil && now.Before(e.ttl)
}

// inflight is a single-flight handle: the fetch goroutine publishes its
// result here and closes done; waiters subscribe by reading done.
type inflight struct {
	done  chan struct{}
	value any
	err   error
}

// BrokerFetcher is the narrow set of broker reads AccountDataCache refreshes
// through. Implemented by internal/broker.Adapter.
type BrokerFetcher interface {
	GetBuyingPower() (decimal.Decimal, error)
	GetPositions() ([]types.Position, error)
	GetBalance() (types.AccountBalance, error)
	GetDayTradesUsed() (int, error)
}

// Cache is the AccountDataCache singleton shared by TradingBot.
type Cache struct {
	broker BrokerFetcher
	policy retry.Policy
	sink   retry.EventSink
	clock  func() time.Time

	volatileTTL time.Duration
	stableTTL   time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	flights map[string]*inflight
}

// New constructs a Cache with spec.md §3's default TTL classes. Use
// NewWithTTLs to override them from account_cache.volatile_ttl_s/stable_ttl_s.
func New(broker BrokerFetcher, policy retry.Policy, logger *eventlog.Logger) *Cache {
	return NewWithTTLs(broker, policy, logger, VolatileTTL, StableTTL)
}

func NewWithTTLs(broker BrokerFetcher, policy retry.Policy, logger *eventlog.Logger, volatileTTL, stableTTL time.Duration) *Cache {
	var sink retry.EventSink
	if logger != nil {
		sink = logger
	}
	return &Cache{
		broker:      broker,
		policy:      policy,
		sink:        sink,
		clock:       time.Now,
		volatileTTL: volatileTTL,
		stableTTL:   stableTTL,
		entries:     make(map[string]*entry),
		flights:     make(map[string]*inflight),
	}
}

// get is the shared fetch-or-serve-stale path for one key. fetch performs
// the actual broker call under retry.WithRetry; ttl is the key's TTL class.
func get[T any](c *Cache, key string, ttl time.Duration, fetch func() (T, error)) (T, error) {
	var zero T

	c.mu.Lock()
	now := c.clock()
	if e, ok := c.entries[key]; ok && e.fresh(now) {
		c.mu.Unlock()
		return e.value.(T), nil
	}
	if fl, ok := c.flights[key]; ok {
		c.mu.Unlock()
		<-fl.done
		if fl.err != nil {
			return zero, fl.err
		}
		return fl.value.(T), nil
	}

	fl := &inflight{done: make(chan struct{})}
	c.flights[key] = fl
	staleEntry := c.entries[key]
	c.mu.Unlock()

	result, err := retry.WithRetry(c.policy, c.sink, func() (T, error) {
		return fetch()
	})

	c.mu.Lock()
	delete(c.flights, key)
	if err != nil {
		if retry.ClassOf(err) == retry.Retriable && staleEntry != nil {
			c.mu.Unlock()
			if c.sink != nil {
				c.sink.Emit("cache", "cache.stale_served", map[string]any{"key": key})
			}
			fl.value = staleEntry.value
			close(fl.done)
			return staleEntry.value.(T), nil
		}
		c.mu.Unlock()
		fl.err = err
		close(fl.done)
		return zero, err
	}

	c.entries[key] = &entry{value: result, fetchedAt: now, ttl: now.Add(ttl)}
	c.mu.Unlock()
	fl.value = result
	close(fl.done)
	return result, nil
}

func (c *Cache) GetBuyingPower() (decimal.Decimal, error) {
	return get(c, keyBuyingPower, c.volatileTTL, c.broker.GetBuyingPower)
}

func (c *Cache) GetPositions() ([]types.Position, error) {
	return get(c, keyPositions, c.stableTTL, c.broker.GetPositions)
}

func (c *Cache) GetBalance() (types.AccountBalance, error) {
	return get(c, keyBalance, c.stableTTL, c.broker.GetBalance)
}

func (c *Cache) GetDayTradesUsed() (int, error) {
	return get(c, keyDayTrades, c.stableTTL, c.broker.GetDayTradesUsed)
}

// Invalidate drops the named keys, forcing the next get to hit the broker.
func (c *Cache) Invalidate(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
}

// InvalidateAll drops every cached key. Called after order submission,
// fill, or cancel per spec.md §4.3's write path.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
}

// InvalidatePositionsOnly drops only position/balance entries, for
// positions-only changes per spec.md §4.3.
func (c *Cache) InvalidatePositionsOnly() {
	c.Invalidate(keyPositions, keyBalance)
}
