package bot_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/marcusgoll/sentinel-equity/internal/bot"
	"github.com/marcusgoll/sentinel-equity/internal/cache"
	"github.com/marcusgoll/sentinel-equity/internal/health"
	"github.com/marcusgoll/sentinel-equity/internal/marketdata"
	"github.com/marcusgoll/sentinel-equity/internal/orders"
	"github.com/marcusgoll/sentinel-equity/internal/retry"
	"github.com/marcusgoll/sentinel-equity/internal/safety"
	"github.com/marcusgoll/sentinel-equity/internal/strategy"
	"github.com/marcusgoll/sentinel-equity/pkg/types"
	"github.com/shopspring/decimal"
)

type stubBroker struct {
	quote       types.Quote
	buyingPower decimal.Decimal
	balance     types.AccountBalance
	positions   []types.Position
}

func (s *stubBroker) GetLatestPrice(symbol string) (types.Quote, error) { return s.quote, nil }
func (s *stubBroker) GetMarketHours() (bool, time.Time, time.Time, error) {
	return true, time.Time{}, time.Time{}, nil
}
func (s *stubBroker) GetBuyingPower() (decimal.Decimal, error)  { return s.buyingPower, nil }
func (s *stubBroker) GetPositions() ([]types.Position, error)   { return s.positions, nil }
func (s *stubBroker) GetBalance() (types.AccountBalance, error) { return s.balance, nil }
func (s *stubBroker) GetDayTradesUsed() (int, error)            { return 0, nil }

type stubGateway struct{}

func (g *stubGateway) SubmitLimitBuy(ctx context.Context, symbol string, qty int, limitPrice decimal.Decimal) (string, error) {
	return "order-1", nil
}
func (g *stubGateway) SubmitLimitSell(ctx context.Context, symbol string, qty int, limitPrice decimal.Decimal) (string, error) {
	return "order-1", nil
}
func (g *stubGateway) CancelOrder(ctx context.Context, orderID string) error { return nil }
func (g *stubGateway) FetchOrder(ctx context.Context, orderID string) (types.OrderEnvelope, error) {
	return types.OrderEnvelope{OrderID: orderID, Status: types.OrderStatusSubmitted}, nil
}

func fastPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.BaseDelay = time.Millisecond
	p.DefaultRateLimitDelay = time.Millisecond
	return p
}

func newTestBot(t *testing.T, broker *stubBroker, paperTrading bool) *bot.Bot {
	t.Helper()
	market, err := marketdata.New(broker, nil, "America/New_York", 0, 24)
	if err != nil {
		t.Fatal(err)
	}
	acctCache := cache.New(broker, fastPolicy(), nil)
	breaker := retry.NewCircuitBreaker(filepath.Join(t.TempDir(), "breaker.json"), 300, 5)
	orderMgr := orders.New(&stubGateway{}, fastPolicy(), nil, acctCache, decimal.NewFromFloat(0.01))
	checker := safety.New(breaker, market, nil, orderMgr, safety.DefaultConfig())
	healthMon := health.New(&stubProber{}, breaker, fastPolicy(), nil)

	config := bot.DefaultConfig()
	config.PaperTrading = paperTrading
	return bot.New(market, checker, orderMgr, acctCache, healthMon, nil, config)
}

type stubProber struct{}

func (p *stubProber) Probe(ctx context.Context) error        { return nil }
func (p *stubProber) Reauthenticate(ctx context.Context) error { return nil }

func TestExecuteTrade_PaperTradingRecordsSimulatedFillWithoutGateway(t *testing.T) {
	broker := &stubBroker{
		buyingPower: decimal.NewFromInt(10000),
		balance:     types.AccountBalance{BuyingPower: decimal.NewFromInt(10000), TotalEquity: decimal.NewFromInt(20000)},
	}
	b := newTestBot(t, broker, true)

	err := b.ExecuteTrade(context.Background(), "AAPL", types.OrderSideBuy, 10, decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestExecuteTrade_BlockedBySafetyChecksReturnsNilNotError(t *testing.T) {
	broker := &stubBroker{
		buyingPower: decimal.NewFromInt(1), // far below order value
		balance:     types.AccountBalance{TotalEquity: decimal.NewFromInt(20000)},
	}
	b := newTestBot(t, broker, true)

	err := b.ExecuteTrade(context.Background(), "AAPL", types.OrderSideBuy, 10, decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("expected a blocked trade to return nil, got %v", err)
	}
}

func TestExecuteTrade_LiveModeSubmitsThroughOrderManager(t *testing.T) {
	broker := &stubBroker{
		buyingPower: decimal.NewFromInt(10000),
		balance:     types.AccountBalance{TotalEquity: decimal.NewFromInt(20000)},
	}
	b := newTestBot(t, broker, false)

	err := b.ExecuteTrade(context.Background(), "AAPL", types.OrderSideBuy, 10, decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCycle_NoSignalReturnsNilWithoutTouchingOrderManager(t *testing.T) {
	broker := &stubBroker{
		quote:       types.Quote{Symbol: "AAPL", Price: decimal.NewFromInt(100), TimestampUTC: time.Now().UTC()},
		buyingPower: decimal.NewFromInt(10000),
		balance:     types.AccountBalance{TotalEquity: decimal.NewFromInt(20000)},
	}
	b := newTestBot(t, broker, true)
	mom := strategy.NewMomentum("mom-1", strategy.DefaultMomentumConfig())

	if err := b.Cycle(context.Background(), "AAPL", mom); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRecordOutcome_FeedsTrailingOutcomesForSafetyChecks(t *testing.T) {
	broker := &stubBroker{}
	b := newTestBot(t, broker, true)

	b.RecordOutcome(true, decimal.NewFromInt(-100))
	b.RecordOutcome(true, decimal.NewFromInt(-50))

	outcomes := b.TrailingOutcomes(2)
	if len(outcomes) != 2 || !outcomes[0] || !outcomes[1] {
		t.Fatalf("expected two trailing losses, got %+v", outcomes)
	}
}

func TestStop_CancelsHealthAndFlushesWithoutError(t *testing.T) {
	broker := &stubBroker{}
	b := newTestBot(t, broker, true)
	b.Start(context.Background())
	if err := b.Stop(); err != nil {
		t.Fatalf("unexpected error from Stop: %v", err)
	}
}
