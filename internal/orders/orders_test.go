package orders_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marcusgoll/sentinel-equity/internal/orders"
	"github.com/marcusgoll/sentinel-equity/internal/retry"
	"github.com/marcusgoll/sentinel-equity/pkg/types"
	"github.com/shopspring/decimal"
)

type stubGateway struct {
	submitErr   error
	orderID     string
	cancelErr   map[string]error
	fetchStatus map[string]types.OrderStatus
	cancelCalls int32
	fetchCalls  int32
	submitCount int32
}

func (g *stubGateway) SubmitLimitBuy(ctx context.Context, symbol string, qty int, limitPrice decimal.Decimal) (string, error) {
	atomic.AddInt32(&g.submitCount, 1)
	if g.submitErr != nil {
		return "", g.submitErr
	}
	return g.orderID, nil
}

func (g *stubGateway) SubmitLimitSell(ctx context.Context, symbol string, qty int, limitPrice decimal.Decimal) (string, error) {
	return g.SubmitLimitBuy(ctx, symbol, qty, limitPrice)
}

func (g *stubGateway) CancelOrder(ctx context.Context, orderID string) error {
	atomic.AddInt32(&g.cancelCalls, 1)
	if g.cancelErr != nil {
		return g.cancelErr[orderID]
	}
	return nil
}

func (g *stubGateway) FetchOrder(ctx context.Context, orderID string) (types.OrderEnvelope, error) {
	atomic.AddInt32(&g.fetchCalls, 1)
	status := types.OrderStatusSubmitted
	if g.fetchStatus != nil {
		if s, ok := g.fetchStatus[orderID]; ok {
			status = s
		}
	}
	return types.OrderEnvelope{OrderID: orderID, Status: status}, nil
}

func fastPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.BaseDelay = time.Millisecond
	p.DefaultRateLimitDelay = time.Millisecond
	return p
}

func bpsOffset() types.OffsetConfig {
	return types.OffsetConfig{
		Mode:       types.OffsetModeBps,
		BuyOffset:  decimal.NewFromFloat(0.001),
		SellOffset: decimal.NewFromFloat(0.001),
	}
}

func TestComputeLimitPrice_BpsBuyIsBelowReference(t *testing.T) {
	m := orders.New(&stubGateway{}, fastPolicy(), nil, nil, decimal.NewFromFloat(0.01))
	limit, err := m.ComputeLimitPrice(types.OrderSideBuy, decimal.NewFromInt(100), bpsOffset())
	if err != nil {
		t.Fatal(err)
	}
	if !limit.LessThan(decimal.NewFromInt(100)) {
		t.Errorf("expected buy limit below reference, got %s", limit)
	}
}

func TestComputeLimitPrice_RejectsExcessiveSlippage(t *testing.T) {
	m := orders.New(&stubGateway{}, fastPolicy(), nil, nil, decimal.NewFromFloat(0.01))
	badOffset := types.OffsetConfig{
		Mode:      types.OffsetModeAbsolute,
		BuyOffset: decimal.NewFromInt(50), // half the reference price
	}
	_, err := m.ComputeLimitPrice(types.OrderSideBuy, decimal.NewFromInt(100), badOffset)
	if !errors.Is(err, orders.ErrSlippageExceeded) {
		t.Fatalf("expected ErrSlippageExceeded, got %v", err)
	}
}

func TestSubmit_RegistersPendingOrderOnSuccess(t *testing.T) {
	gw := &stubGateway{orderID: "order-1"}
	m := orders.New(gw, fastPolicy(), nil, nil, decimal.NewFromFloat(0.01))

	req := types.OrderRequest{Symbol: "AAPL", Side: types.OrderSideBuy, Quantity: 10, ReferencePrice: decimal.NewFromInt(100), Offset: bpsOffset()}
	env, err := m.Submit(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if env.OrderID != "order-1" {
		t.Errorf("expected order-1, got %s", env.OrderID)
	}
	if !m.IsPending("AAPL", types.OrderSideBuy) {
		t.Error("expected pending registry to contain the order")
	}
}

func TestSubmit_RejectsStopOrderType(t *testing.T) {
	gw := &stubGateway{orderID: "order-1"}
	m := orders.New(gw, fastPolicy(), nil, nil, decimal.NewFromFloat(0.01))

	req := types.OrderRequest{Symbol: "AAPL", Side: types.OrderSideBuy, Type: types.OrderTypeStop, Quantity: 10, ReferencePrice: decimal.NewFromInt(100), Offset: bpsOffset()}
	_, err := m.Submit(context.Background(), req)

	var unsupported *orders.UnsupportedOrderTypeError
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected UnsupportedOrderTypeError, got %v", err)
	}
	if gw.submitCount != 0 {
		t.Error("expected gateway to never be called for an unsupported order type")
	}
}

func TestSubmit_LeavesPendingRegistryUntouchedOnPersistentFailure(t *testing.T) {
	gw := &stubGateway{submitErr: retry.New(retry.KindNetworkTimeout, errors.New("down"))}
	policy := fastPolicy()
	policy.MaxAttempts = 1
	m := orders.New(gw, policy, nil, nil, decimal.NewFromFloat(0.01))

	req := types.OrderRequest{Symbol: "AAPL", Side: types.OrderSideBuy, Quantity: 10, ReferencePrice: decimal.NewFromInt(100), Offset: bpsOffset()}
	if _, err := m.Submit(context.Background(), req); err == nil {
		t.Fatal("expected submission error")
	}
	if m.IsPending("AAPL", types.OrderSideBuy) {
		t.Error("expected pending registry to remain untouched on failure")
	}
}

func TestCancelAll_ReturnsOrderCancellationErrorOnPartialFailure(t *testing.T) {
	gw := &stubGateway{orderID: "order-1"}
	m := orders.New(gw, fastPolicy(), nil, nil, decimal.NewFromFloat(0.01))
	req := types.OrderRequest{Symbol: "AAPL", Side: types.OrderSideBuy, Quantity: 10, ReferencePrice: decimal.NewFromInt(100), Offset: bpsOffset()}
	if _, err := m.Submit(context.Background(), req); err != nil {
		t.Fatal(err)
	}

	gw.cancelErr = map[string]error{"order-1": errors.New("cancel rejected")}
	err := m.CancelAll(context.Background())
	var cancelErr *orders.OrderCancellationError
	if !errors.As(err, &cancelErr) {
		t.Fatalf("expected OrderCancellationError, got %v", err)
	}
	if len(cancelErr.Failed) != 1 {
		t.Errorf("expected 1 failed cancel, got %d", len(cancelErr.Failed))
	}
}

func TestSynchronizeOpenOrders_ClearsPendingOnTerminalStatus(t *testing.T) {
	gw := &stubGateway{orderID: "order-1", fetchStatus: map[string]types.OrderStatus{"order-1": types.OrderStatusFilled}}
	m := orders.New(gw, fastPolicy(), nil, nil, decimal.NewFromFloat(0.01))
	req := types.OrderRequest{Symbol: "AAPL", Side: types.OrderSideBuy, Quantity: 10, ReferencePrice: decimal.NewFromInt(100), Offset: bpsOffset()}
	if _, err := m.Submit(context.Background(), req); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	m.SynchronizeOpenOrders(ctx, 10*time.Millisecond)

	if m.IsPending("AAPL", types.OrderSideBuy) {
		t.Error("expected pending entry to be cleared after terminal fill status")
	}
	if atomic.LoadInt32(&gw.fetchCalls) == 0 {
		t.Error("expected at least one poll to have occurred")
	}
}
