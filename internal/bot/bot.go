// Package bot implements spec.md §4.8 (C8): TradingBot, the per-cycle
// orchestrator wiring SessionHealth, MarketData, a Strategy, SafetyChecks,
// OrderManager, and the AccountDataCache into one trading loop, plus the
// paper-trading short-circuit.
//
// Grounded on the teacher's internal/execution/executor.go Execute method
// (kill-switch check -> signal validation -> price check -> risk check ->
// order construction -> paper-trading branch -> retry-wrapped submission),
// generalized from a multi-exchange signal executor into the single-broker
// cycle spec.md §4.8 names, with risk/order responsibilities delegated to
// internal/safety and internal/orders instead of living in this package.
package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/marcusgoll/sentinel-equity/internal/cache"
	"github.com/marcusgoll/sentinel-equity/internal/eventlog"
	"github.com/marcusgoll/sentinel-equity/internal/health"
	"github.com/marcusgoll/sentinel-equity/internal/marketdata"
	"github.com/marcusgoll/sentinel-equity/internal/orders"
	"github.com/marcusgoll/sentinel-equity/internal/safety"
	"github.com/marcusgoll/sentinel-equity/internal/strategy"
	"github.com/marcusgoll/sentinel-equity/pkg/types"
	"github.com/shopspring/decimal"
)

// Config bounds one TradingBot instance.
type Config struct {
	// PaperTrading bypasses OrderManager.Submit, recording a simulated fill
	// instead. Defaults to true: a safe default per spec.md §6.
	PaperTrading bool
	// DefaultOffset is used when a strategy signal carries no offset of its
	// own.
	DefaultOffset types.OffsetConfig
	// DefaultQuantity is used when the strategy's PositionSize returns 0.
	DefaultQuantity int
	// SimulatedSlippagePct and SimulatedCommissionPct parameterize the
	// paper-trading fill simulation.
	SimulatedSlippagePct   decimal.Decimal
	SimulatedCommissionPct decimal.Decimal
	// ConsecutiveLossWindow bounds the trailing-outcome ring buffer fed to
	// SafetyChecks.
	ConsecutiveLossWindow int
	// RiskSizer, if set, sizes an entry from risk_management.* config ahead
	// of DefaultQuantity when the strategy's own PositionSize declines to
	// size (returns 0).
	RiskSizer *safety.RiskSizer
}

// DefaultConfig mirrors the teacher's DefaultExecutorConfig's safe paper
// default and 0.1% simulated commission.
func DefaultConfig() Config {
	return Config{
		PaperTrading:           true,
		DefaultOffset:          types.OffsetConfig{Mode: types.OffsetModeBps, BuyOffset: decimal.NewFromFloat(0.001), SellOffset: decimal.NewFromFloat(0.001)},
		DefaultQuantity:        1,
		SimulatedSlippagePct:   decimal.NewFromFloat(0.0005),
		SimulatedCommissionPct: decimal.NewFromFloat(0.001),
		ConsecutiveLossWindow:  safety.DefaultMaxConsecutiveLosses,
	}
}

// Bot is TradingBot, C8. It exclusively owns SafetyChecks, the account
// cache, MarketData, OrderManager, and SessionHealth for the process.
type Bot struct {
	market  *marketdata.MarketData
	safety  *safety.Checker
	orders  *orders.Manager
	cache   *cache.Cache
	health  *health.Monitor
	log     *eventlog.Logger
	config  Config

	syncCancel context.CancelFunc
	stopOnce   sync.Once

	mu           sync.Mutex
	outcomes     []bool // newest-first trailing trade outcomes, true = loss
	dailyPnL     decimal.Decimal
	paperTrades  []types.Trade
}

// New wires a TradingBot from its already-constructed leaves. Every
// dependency is built bottom-up before this call per spec.md §9's
// construction-time dependency graph; Bot holds no owning reference back to
// any caller.
func New(market *marketdata.MarketData, checker *safety.Checker, orderMgr *orders.Manager, acctCache *cache.Cache, healthMon *health.Monitor, log *eventlog.Logger, config Config) *Bot {
	return &Bot{
		market: market,
		safety: checker,
		orders: orderMgr,
		cache:  acctCache,
		health: healthMon,
		log:    log,
		config: config,
	}
}

// Start begins the session-health timer and the order-status poller as
// background goroutines. It does not block.
func (b *Bot) Start(ctx context.Context) {
	if b.health != nil {
		b.health.Start(ctx, health.DefaultProbeInterval)
	}
	if b.orders != nil {
		syncCtx, cancel := context.WithCancel(ctx)
		b.syncCancel = cancel
		go b.orders.SynchronizeOpenOrders(syncCtx, orders.DefaultPollInterval)
	}
}

// Stop cancels the health timer, cancels every open order, and flushes the
// event log, per spec.md §4.8.
func (b *Bot) Stop() error {
	var err error
	b.stopOnce.Do(func() {
		if b.health != nil {
			b.health.Stop()
		}
		if b.syncCancel != nil {
			b.syncCancel()
		}
		if b.orders != nil {
			if cancelErr := b.orders.CancelAll(context.Background()); cancelErr != nil {
				err = cancelErr
			}
		}
		if b.log != nil {
			if closeErr := b.log.Close(); closeErr != nil && err == nil {
				err = closeErr
			}
		}
	})
	return err
}

// Cycle runs one full trading-cycle pass for symbol: session probe, quote,
// strategy evaluation, SafetyChecks, and (on approval) order submission, per
// spec.md §4.8's data-flow order. It returns nil when the cycle produced no
// actionable signal or was blocked by SafetyChecks; both are normal
// outcomes, not errors.
func (b *Bot) Cycle(ctx context.Context, symbol string, strat strategy.Strategy) error {
	if b.health != nil {
		b.health.ProbeOnce(ctx)
	}

	quote, err := b.market.GetQuote(symbol)
	if err != nil {
		return fmt.Errorf("bot: fetching quote for %s: %w", symbol, err)
	}

	bar := quoteToBar(quote)
	signal := strat.ShouldEnter(bar)
	if signal == nil {
		return nil
	}

	quantity := b.config.DefaultQuantity
	portfolio := b.portfolioView()
	if b.cache != nil {
		if sized := strat.PositionSize(*signal, portfolio); sized > 0 {
			quantity = sized
		} else if b.config.RiskSizer != nil {
			if sized := b.config.RiskSizer.Size(portfolio.TotalEquity, quote.Price); sized > 0 {
				quantity = sized
			}
		}
	}

	return b.ExecuteTrade(ctx, signal.Symbol, signal.Side, quantity, quote.Price)
}

// ExecuteTrade is spec.md §4.8's explicit execute_trade operation: a
// SafetyChecks-gated submission of one order, independent of how the
// caller arrived at symbol/side/quantity/price.
func (b *Bot) ExecuteTrade(ctx context.Context, symbol string, side types.OrderSide, quantity int, price decimal.Decimal) error {
	order, err := b.buildSafetyOrder(symbol, side, quantity, price)
	if err != nil {
		return err
	}

	result := b.safety.Validate(order)
	if !result.IsSafe {
		b.emit("trade.blocked", symbol, map[string]any{"reason": result.BlockingReason})
		return nil
	}

	if b.config.PaperTrading {
		return b.simulateFill(symbol, side, quantity, price)
	}

	req := types.OrderRequest{
		Symbol:         symbol,
		Side:           side,
		Quantity:       quantity,
		ReferencePrice: price,
		Offset:         b.config.DefaultOffset,
	}
	env, err := b.orders.Submit(ctx, req)
	if err != nil {
		return fmt.Errorf("bot: submitting order for %s: %w", symbol, err)
	}

	b.emit("trade.executed", symbol, map[string]any{
		"order_id":    env.OrderID,
		"limit_price": env.LimitPrice.String(),
		"quantity":    quantity,
		"side":        string(side),
		"paper":       false,
	})
	return nil
}

// simulateFill records a paper trade without touching the broker gateway or
// the real pending-order registry, per spec.md §4.8's paper-trading
// short-circuit. Grounded on the teacher's simulateExecution: a fixed
// slippage/commission model applied to the reference price.
func (b *Bot) simulateFill(symbol string, side types.OrderSide, quantity int, reference decimal.Decimal) error {
	slip := b.config.SimulatedSlippagePct
	fillPrice := reference
	if side == types.OrderSideBuy {
		fillPrice = reference.Mul(decimal.NewFromInt(1).Add(slip))
	} else {
		fillPrice = reference.Mul(decimal.NewFromInt(1).Sub(slip))
	}
	commission := decimal.NewFromInt(int64(quantity)).Mul(fillPrice).Mul(b.config.SimulatedCommissionPct)

	now := time.Now().UTC()
	trade := types.Trade{
		Symbol:     symbol,
		EntryTime:  now,
		EntryPrice: fillPrice,
		Quantity:   decimal.NewFromInt(int64(quantity)),
		Side:       side,
	}

	b.mu.Lock()
	b.paperTrades = append(b.paperTrades, trade)
	b.mu.Unlock()

	if b.cache != nil {
		b.cache.InvalidateAll()
	}
	b.emit("trade.executed", symbol, map[string]any{
		"fill_price": fillPrice.String(),
		"commission": commission.String(),
		"quantity":   quantity,
		"side":       string(side),
		"paper":      true,
	})
	return nil
}

// RecordOutcome appends one closed-trade win/loss result to the trailing
// window SafetyChecks' ConsecutiveLosses check reads. loss=true means the
// trade closed at a net loss.
func (b *Bot) RecordOutcome(loss bool, pnl decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outcomes = append([]bool{loss}, b.outcomes...)
	if max := b.config.ConsecutiveLossWindow * 4; max > 0 && len(b.outcomes) > max {
		b.outcomes = b.outcomes[:max]
	}
	b.dailyPnL = b.dailyPnL.Add(pnl)
}

// TrailingOutcomes implements safety.TradeLog.
func (b *Bot) TrailingOutcomes(n int) []bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > len(b.outcomes) {
		n = len(b.outcomes)
	}
	out := make([]bool, n)
	copy(out, b.outcomes[:n])
	return out
}

// ResetDailyPnL zeroes the loss accumulator SafetyChecks' daily-loss check
// reads. Nothing in this module calls it, so within one process run the
// accumulator is never reset.
func (b *Bot) ResetDailyPnL() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dailyPnL = decimal.Zero
}

func (b *Bot) buildSafetyOrder(symbol string, side types.OrderSide, quantity int, price decimal.Decimal) (safety.Order, error) {
	var buyingPower, portfolioValue decimal.Decimal
	if b.cache != nil {
		bp, err := b.cache.GetBuyingPower()
		if err != nil {
			return safety.Order{}, fmt.Errorf("bot: fetching buying power: %w", err)
		}
		buyingPower = bp

		balance, err := b.cache.GetBalance()
		if err != nil {
			return safety.Order{}, fmt.Errorf("bot: fetching balance: %w", err)
		}
		portfolioValue = balance.TotalEquity
	}

	b.mu.Lock()
	dailyPnL := b.dailyPnL
	b.mu.Unlock()

	return safety.Order{
		Symbol:         symbol,
		Side:           side,
		Quantity:       decimal.NewFromInt(int64(quantity)),
		Price:          price,
		BuyingPower:    buyingPower,
		PortfolioValue: portfolioValue,
		DailyPnL:       dailyPnL,
	}, nil
}

// portfolioView adapts the account cache into strategy.Portfolio for an
// optional PositionSize call. Errors are swallowed: a strategy that cannot
// size from a degraded cache falls back to Config.DefaultQuantity.
func (b *Bot) portfolioView() strategy.Portfolio {
	view := strategy.Portfolio{OpenPositions: map[string]types.Position{}}
	if b.cache == nil {
		return view
	}
	if balance, err := b.cache.GetBalance(); err == nil {
		view.Cash = balance.Cash
		view.TotalEquity = balance.TotalEquity
	}
	if positions, err := b.cache.GetPositions(); err == nil {
		for _, p := range positions {
			view.OpenPositions[p.Symbol] = p
		}
	}
	return view
}

func quoteToBar(q types.Quote) types.HistoricalBar {
	return types.HistoricalBar{
		Symbol:       q.Symbol,
		TimestampUTC: q.TimestampUTC,
		Open:         q.Price,
		High:         q.Price,
		Low:          q.Price,
		Close:        q.Price,
		Volume:       decimal.Zero,
	}
}

func (b *Bot) emit(event, symbol string, fields map[string]any) {
	if b.log == nil {
		return
	}
	if fields == nil {
		fields = map[string]any{}
	}
	fields["symbol"] = symbol
	b.log.Write(eventlog.StreamTrades, event, eventlog.NewCorrelationID(), fields)
}
