package broker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marcusgoll/sentinel-equity/pkg/types"
	"github.com/shopspring/decimal"
)

// PaperConfig seeds PaperAdapter's synthetic market and starting account
// state.
type PaperConfig struct {
	StartingCash decimal.Decimal
	BasePrices   map[string]decimal.Decimal // per-symbol starting price; default 100
	Seed         int64                      // ties into types.BacktestConfig.Seed for reproducible synthetic bars
}

// PaperAdapter is a fully in-memory Adapter: a deterministic seeded random
// walk stands in for live quotes and historical bars, and every order fills
// immediately at its limit price. Used for local development: when
// paper_trading is set, cmd/bot uses it as its one broker adapter, including
// as internal/marketdata.HistoricalStore's primary source. It also exercises
// types.BacktestConfig.Seed end to end for reproducible synthetic data.
//
// Grounded on the teacher's internal/execution/executor.go
// simulateExecution path (fixed-model fill simulation), generalized to
// cover every Adapter operation rather than just order fills.
type PaperAdapter struct {
	config PaperConfig
	rng    *rand.Rand

	mu        sync.Mutex
	cash      decimal.Decimal
	positions map[string]types.Position
	orders    map[string]types.OrderEnvelope
	dayTrades int
}

func NewPaperAdapter(config PaperConfig) *PaperAdapter {
	if config.StartingCash.IsZero() {
		config.StartingCash = decimal.NewFromInt(100000)
	}
	return &PaperAdapter{
		config:    config,
		rng:       rand.New(rand.NewSource(config.Seed)),
		cash:      config.StartingCash,
		positions: make(map[string]types.Position),
		orders:    make(map[string]types.OrderEnvelope),
	}
}

func (p *PaperAdapter) basePrice(symbol string) decimal.Decimal {
	if price, ok := p.config.BasePrices[symbol]; ok {
		return price
	}
	return decimal.NewFromInt(100)
}

// syntheticPrice derives a price for (symbol, at) by walking p.rng, so the
// result also depends on how far p.rng has already advanced; callers must
// hold p.mu.
func (p *PaperAdapter) syntheticPrice(symbol string, at time.Time) decimal.Decimal {
	base, _ := p.basePrice(symbol).Float64()
	steps := int(at.Unix() / 86400)
	walk := base
	for i := 0; i < steps%64; i++ {
		walk += (p.rng.Float64() - 0.5) * base * 0.01
	}
	if walk <= 0 {
		walk = base
	}
	return decimal.NewFromFloat(walk)
}

func (p *PaperAdapter) GetLatestPrice(symbol string) (types.Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now().UTC()
	return types.Quote{
		Symbol:       symbol,
		Price:        p.syntheticPrice(symbol, now),
		TimestampUTC: now,
		MarketState:  types.MarketStateRegular,
	}, nil
}

func (p *PaperAdapter) GetQuotes(symbols []string) (map[string]types.Quote, error) {
	out := make(map[string]types.Quote, len(symbols))
	for _, symbol := range symbols {
		q, err := p.GetLatestPrice(symbol)
		if err != nil {
			return nil, err
		}
		out[symbol] = q
	}
	return out, nil
}

// GetHistoricalBars synthesizes a deterministic daily bar series from
// start to end, reseeding the RNG from PaperConfig.Seed on every call:
// identical (symbol, start, end, seed) always produces identical bars,
// matching spec.md §4.9's determinism guarantee.
func (p *PaperAdapter) GetHistoricalBars(ctx context.Context, symbol string, start, end time.Time) ([]types.HistoricalBar, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rng = rand.New(rand.NewSource(p.config.Seed))

	var bars []types.HistoricalBar
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		if day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
			continue
		}
		close := p.syntheticPrice(symbol, day)
		spread := close.Mul(decimal.NewFromFloat(0.005))
		bars = append(bars, types.HistoricalBar{
			Symbol:       symbol,
			TimestampUTC: day,
			Open:         close.Sub(spread),
			High:         close.Add(spread),
			Low:          close.Sub(spread),
			Close:        close,
			Volume:       decimal.NewFromInt(100000),
		})
	}
	return bars, nil
}

func (p *PaperAdapter) GetMarketHours() (bool, time.Time, time.Time, error) {
	now := time.Now().UTC()
	return true, now, now.Add(24 * time.Hour), nil
}

func (p *PaperAdapter) submitLimit(symbol string, side types.OrderSide, qty int, limitPrice decimal.Decimal) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	orderID := uuid.NewString()
	now := time.Now().UTC()
	notional := limitPrice.Mul(decimal.NewFromInt(int64(qty)))

	switch side {
	case types.OrderSideBuy:
		if notional.GreaterThan(p.cash) {
			return "", fmt.Errorf("broker: paper account has insufficient cash for %s x%d @ %s", symbol, qty, limitPrice)
		}
		p.cash = p.cash.Sub(notional)
		p.applyFill(symbol, decimal.NewFromInt(int64(qty)), limitPrice)
	case types.OrderSideSell:
		p.cash = p.cash.Add(notional)
		p.applyFill(symbol, decimal.NewFromInt(int64(-qty)), limitPrice)
	}

	p.orders[orderID] = types.OrderEnvelope{
		OrderID: orderID,
		Request: types.OrderRequest{Symbol: symbol, Side: side, Quantity: qty, ReferencePrice: limitPrice},
		LimitPrice:   limitPrice,
		Status:       types.OrderStatusFilled,
		SubmittedAt:  now,
		LastStatusAt: now,
	}
	return orderID, nil
}

// applyFill updates the in-memory position for symbol by deltaQty at
// fillPrice, maintaining a weighted-average entry price across fills.
// Callers must hold p.mu.
func (p *PaperAdapter) applyFill(symbol string, deltaQty, fillPrice decimal.Decimal) {
	pos, ok := p.positions[symbol]
	if !ok {
		p.positions[symbol] = types.Position{Symbol: symbol, Quantity: deltaQty, AvgEntryPrice: fillPrice, CurrentPrice: fillPrice}
		return
	}
	newQty := pos.Quantity.Add(deltaQty)
	if newQty.IsZero() {
		delete(p.positions, symbol)
		return
	}
	if pos.Quantity.Sign() == deltaQty.Sign() {
		totalCost := pos.AvgEntryPrice.Mul(pos.Quantity).Add(fillPrice.Mul(deltaQty))
		pos.AvgEntryPrice = totalCost.Div(newQty)
	}
	pos.Quantity = newQty
	pos.CurrentPrice = fillPrice
	p.positions[symbol] = pos
}

func (p *PaperAdapter) SubmitLimitBuy(ctx context.Context, symbol string, qty int, limitPrice decimal.Decimal) (string, error) {
	return p.submitLimit(symbol, types.OrderSideBuy, qty, limitPrice)
}

func (p *PaperAdapter) SubmitLimitSell(ctx context.Context, symbol string, qty int, limitPrice decimal.Decimal) (string, error) {
	return p.submitLimit(symbol, types.OrderSideSell, qty, limitPrice)
}

func (p *PaperAdapter) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("broker: unknown paper order %s", orderID)
	}
	if order.Status == types.OrderStatusFilled {
		return fmt.Errorf("broker: paper order %s already filled", orderID)
	}
	order.Status = types.OrderStatusCancelled
	order.LastStatusAt = time.Now().UTC()
	p.orders[orderID] = order
	return nil
}

func (p *PaperAdapter) CancelAllOrders(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, order := range p.orders {
		if order.Status != types.OrderStatusFilled && order.Status != types.OrderStatusCancelled {
			order.Status = types.OrderStatusCancelled
			order.LastStatusAt = time.Now().UTC()
			p.orders[id] = order
		}
	}
	return nil
}

func (p *PaperAdapter) FetchOrder(ctx context.Context, orderID string) (types.OrderEnvelope, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[orderID]
	if !ok {
		return types.OrderEnvelope{}, fmt.Errorf("broker: unknown paper order %s", orderID)
	}
	return order, nil
}

func (p *PaperAdapter) LoadAccountProfile(ctx context.Context) (types.AccountBalance, error) {
	return p.GetBalance()
}

func (p *PaperAdapter) GetPositions() ([]types.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, pos)
	}
	return out, nil
}

func (p *PaperAdapter) GetBuyingPower() (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cash, nil
}

func (p *PaperAdapter) GetBalance() (types.AccountBalance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	equity := p.cash
	for _, pos := range p.positions {
		equity = equity.Add(pos.Quantity.Mul(pos.CurrentPrice))
	}
	return types.AccountBalance{
		BuyingPower:   p.cash,
		Cash:          p.cash,
		TotalEquity:   equity,
		DayTradesUsed: p.dayTrades,
	}, nil
}

func (p *PaperAdapter) GetDayTradesUsed() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dayTrades, nil
}

// Probe implements internal/health.Prober. Paper trading never
// disconnects, so the probe always succeeds.
func (p *PaperAdapter) Probe(ctx context.Context) error {
	return nil
}

// Reauthenticate implements internal/health.Prober. No credentials to
// refresh in paper mode.
func (p *PaperAdapter) Reauthenticate(ctx context.Context) error {
	return nil
}
