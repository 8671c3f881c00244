// Package orders implements spec.md §4.6 (C6): limit-price computation,
// retry-wrapped submission, the pending-order registry, cancellation, and
// open-order status reconciliation.
//
// Grounded on the teacher's internal/execution/order_manager.go
// (ManagedOrder/TrackOrder/RecordFill/MonitorOrders->checkOrders), adapted
// from the teacher's multi-exchange fill-tracking model to spec.md's single
// broker-adapter, limit-only v1 scope, and internal/retry.WithRetry instead
// of bespoke retry logic.
package orders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/marcusgoll/sentinel-equity/internal/cache"
	"github.com/marcusgoll/sentinel-equity/internal/eventlog"
	"github.com/marcusgoll/sentinel-equity/internal/retry"
	"github.com/marcusgoll/sentinel-equity/pkg/types"
	"github.com/marcusgoll/sentinel-equity/pkg/utils"
	"github.com/shopspring/decimal"
)

// DefaultPollInterval is spec.md §4.6's synchronize_open_orders cadence.
const DefaultPollInterval = 15 * time.Second

// DefaultMaxSlippagePct rejects a computed limit that has drifted more than
// this fraction from the reference price.
const DefaultMaxSlippagePct = "0.02"

// UnsupportedOrderTypeError flags stop/market order requests, out of scope
// for v1 per spec.md §4.6; Submit raises it and logs
// order.rejected_unsupported rather than silently coercing to a limit order.
type UnsupportedOrderTypeError struct {
	OrderType string
}

func (e *UnsupportedOrderTypeError) Error() string {
	return fmt.Sprintf("order type %q is not supported in v1; only limit orders are submitted", e.OrderType)
}

// OrderCancellationError reports a partial cancel-all failure.
type OrderCancellationError struct {
	Failed []string
}

func (e *OrderCancellationError) Error() string {
	return fmt.Sprintf("failed to cancel %d order(s): %v", len(e.Failed), e.Failed)
}

// ErrSlippageExceeded is raised when the computed limit price drifts past
// MaxSlippagePct from the reference price.
var ErrSlippageExceeded = fmt.Errorf("computed limit price exceeds max slippage")

// Gateway is the narrow broker surface OrderManager submits through.
// Implemented by internal/broker.Adapter.
type Gateway interface {
	SubmitLimitBuy(ctx context.Context, symbol string, qty int, limitPrice decimal.Decimal) (string, error)
	SubmitLimitSell(ctx context.Context, symbol string, qty int, limitPrice decimal.Decimal) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
	FetchOrder(ctx context.Context, orderID string) (types.OrderEnvelope, error)
}

// Manager is OrderManager, C6.
type Manager struct {
	gateway    Gateway
	policy     retry.Policy
	log        *eventlog.Logger
	cache      *cache.Cache
	tickSize   decimal.Decimal
	maxSlip    decimal.Decimal

	mu      sync.Mutex
	pending map[pendingKey]string // (symbol,side) -> order_id
	orders  map[string]*types.OrderEnvelope
}

type pendingKey struct {
	symbol string
	side   types.OrderSide
}

func New(gateway Gateway, policy retry.Policy, log *eventlog.Logger, acctCache *cache.Cache, tickSize decimal.Decimal) *Manager {
	maxSlip, _ := decimal.NewFromString(DefaultMaxSlippagePct)
	return &Manager{
		gateway:  gateway,
		policy:   policy,
		log:      log,
		cache:    acctCache,
		tickSize: tickSize,
		maxSlip:  maxSlip,
		pending:  make(map[pendingKey]string),
		orders:   make(map[string]*types.OrderEnvelope),
	}
}

// SetMaxSlippagePct overrides the default slippage guard, e.g. from
// order_management.max_slippage_pct.
func (m *Manager) SetMaxSlippagePct(pct decimal.Decimal) {
	m.maxSlip = pct
}

// ComputeLimitPrice applies the offset config to a reference price and
// rounds to the broker's tick size, per spec.md §4.6.
func (m *Manager) ComputeLimitPrice(side types.OrderSide, reference decimal.Decimal, offset types.OffsetConfig) (decimal.Decimal, error) {
	var raw decimal.Decimal
	switch offset.Mode {
	case types.OffsetModeBps:
		if side == types.OrderSideBuy {
			raw = reference.Mul(decimal.NewFromInt(1).Sub(offset.BuyOffset))
		} else {
			raw = reference.Mul(decimal.NewFromInt(1).Add(offset.SellOffset))
		}
	case types.OffsetModeAbsolute:
		if side == types.OrderSideBuy {
			raw = reference.Sub(offset.BuyOffset)
		} else {
			raw = reference.Add(offset.SellOffset)
		}
	default:
		return decimal.Zero, fmt.Errorf("unknown offset mode %q", offset.Mode)
	}

	limit := utils.RoundToTickSize(raw, m.tickSize)

	if !reference.IsZero() {
		drift := limit.Sub(reference).Abs().Div(reference)
		if drift.GreaterThan(m.maxSlip) {
			return decimal.Zero, fmt.Errorf("%w: drift %s exceeds max %s", ErrSlippageExceeded, drift, m.maxSlip)
		}
	}

	return limit, nil
}

// IsPending implements safety.PendingRegistry.
func (m *Manager) IsPending(symbol string, side types.OrderSide) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[pendingKey{symbol, side}]
	return ok
}

// Submit computes the limit price, submits via the retry-wrapped gateway,
// and on success registers the order in the pending registry. On persistent
// failure the pending registry is left untouched, per spec.md §4.6.
func (m *Manager) Submit(ctx context.Context, req types.OrderRequest) (types.OrderEnvelope, error) {
	if req.Type != "" && req.Type != types.OrderTypeLimit {
		m.emit("order.rejected_unsupported", "", req.Symbol, map[string]any{"order_type": string(req.Type)})
		return types.OrderEnvelope{}, &UnsupportedOrderTypeError{OrderType: string(req.Type)}
	}

	limit, err := m.ComputeLimitPrice(req.Side, req.ReferencePrice, req.Offset)
	if err != nil {
		return types.OrderEnvelope{}, err
	}

	orderID, err := retry.WithRetry(m.policy, m.sink(), func() (string, error) {
		if req.Side == types.OrderSideBuy {
			return m.gateway.SubmitLimitBuy(ctx, req.Symbol, req.Quantity, limit)
		}
		return m.gateway.SubmitLimitSell(ctx, req.Symbol, req.Quantity, limit)
	})
	if err != nil {
		return types.OrderEnvelope{}, err
	}

	now := time.Now().UTC()
	env := types.OrderEnvelope{
		OrderID:      orderID,
		Request:      req,
		LimitPrice:   limit,
		Status:       types.OrderStatusSubmitted,
		SubmittedAt:  now,
		LastStatusAt: now,
	}

	m.mu.Lock()
	m.pending[pendingKey{req.Symbol, req.Side}] = orderID
	m.orders[orderID] = &env
	m.mu.Unlock()

	if m.cache != nil {
		m.cache.InvalidateAll()
	}
	m.emit("order.submitted", orderID, req.Symbol, map[string]any{"limit_price": limit.String(), "quantity": req.Quantity})

	return env, nil
}

// CancelAll issues per-order cancels for every pending order. Partial
// failures raise OrderCancellationError naming the orders that did not
// cancel; successes clear the pending registry and invalidate the cache.
func (m *Manager) CancelAll(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.pending))
	for _, id := range m.pending {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var failed []string
	for _, id := range ids {
		if err := m.gateway.CancelOrder(ctx, id); err != nil {
			failed = append(failed, id)
			continue
		}
		m.clearOrder(id, types.OrderStatusCancelled)
		m.emit("order.cancelled", id, "", nil)
	}

	if m.cache != nil {
		m.cache.InvalidateAll()
	}

	if len(failed) > 0 {
		return &OrderCancellationError{Failed: failed}
	}
	return nil
}

// SynchronizeOpenOrders polls the gateway for every order that has not
// reached a terminal status until ctx is cancelled. Call as a goroutine;
// blocks until ctx.Done().
func (m *Manager) SynchronizeOpenOrders(ctx context.Context, pollInterval time.Duration) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pollOnce(ctx)
		}
	}
}

func (m *Manager) pollOnce(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.orders))
	for id, env := range m.orders {
		if !isTerminal(env.Status) {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		fresh, err := m.gateway.FetchOrder(ctx, id)
		if err != nil {
			continue
		}
		m.applyStatus(id, fresh)
	}
}

func (m *Manager) applyStatus(orderID string, fresh types.OrderEnvelope) {
	m.mu.Lock()
	env, ok := m.orders[orderID]
	if !ok {
		m.mu.Unlock()
		return
	}
	prevStatus := env.Status
	env.Status = fresh.Status
	env.LastStatusAt = time.Now().UTC()
	symbol := env.Request.Symbol
	side := env.Request.Side
	terminal := isTerminal(fresh.Status) && !isTerminal(prevStatus)
	if terminal {
		delete(m.pending, pendingKey{symbol, side})
	}
	m.mu.Unlock()

	if !terminal {
		return
	}
	if m.cache != nil {
		m.cache.InvalidateAll()
	}
	switch fresh.Status {
	case types.OrderStatusFilled:
		m.emit("order.filled", orderID, symbol, nil)
	case types.OrderStatusCancelled:
		m.emit("order.cancelled", orderID, symbol, nil)
	case types.OrderStatusRejected:
		m.emit("order.rejected", orderID, symbol, nil)
	}
}

func (m *Manager) clearOrder(orderID string, status types.OrderStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if env, ok := m.orders[orderID]; ok {
		delete(m.pending, pendingKey{env.Request.Symbol, env.Request.Side})
		env.Status = status
		env.LastStatusAt = time.Now().UTC()
	}
}

func isTerminal(status types.OrderStatus) bool {
	switch status {
	case types.OrderStatusFilled, types.OrderStatusCancelled, types.OrderStatusRejected:
		return true
	}
	return false
}

func (m *Manager) sink() retry.EventSink {
	if m.log == nil {
		return nil
	}
	return m.log
}

func (m *Manager) emit(event, orderID, symbol string, extra map[string]any) {
	if m.log == nil {
		return
	}
	fields := map[string]any{"order_id": orderID}
	if symbol != "" {
		fields["symbol"] = symbol
	}
	for k, v := range extra {
		fields[k] = v
	}
	m.log.Write(eventlog.StreamOrders, event, eventlog.NewCorrelationID(), fields)
}
