package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/marcusgoll/sentinel-equity/internal/retry"
	"github.com/marcusgoll/sentinel-equity/pkg/types"
	"github.com/shopspring/decimal"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *HTTPAdapter) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	adapter := NewHTTPAdapter(HTTPConfig{BaseURL: srv.URL, APIKey: "key", APISecret: "secret"})
	return srv, adapter
}

func TestHTTPAdapter_GetLatestPrice_DecodesResponse(t *testing.T) {
	_, adapter := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got, want := r.Header.Get("APCA-API-KEY-ID"), "key"; got != want {
			t.Fatalf("APCA-API-KEY-ID header = %q, want %q", got, want)
		}
		json.NewEncoder(w).Encode(types.Quote{Symbol: "AAPL", Price: decimal.NewFromInt(150), MarketState: types.MarketStateRegular})
	})

	quote, err := adapter.GetLatestPrice("AAPL")
	if err != nil {
		t.Fatalf("GetLatestPrice: %v", err)
	}
	if !quote.Price.Equal(decimal.NewFromInt(150)) {
		t.Errorf("Price = %s, want 150", quote.Price)
	}
}

func TestHTTPAdapter_Do_MapsRateLimitStatus(t *testing.T) {
	_, adapter := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := adapter.GetLatestPrice("AAPL")
	if err == nil {
		t.Fatal("expected error for 429 response")
	}
	kind, ok := retry.KindOf(err)
	if !ok {
		t.Fatalf("expected a retry.TypedError, got %v", err)
	}
	if kind != retry.KindRateLimit {
		t.Errorf("Kind = %s, want %s", kind, retry.KindRateLimit)
	}
}

func TestHTTPAdapter_Do_MapsServerErrorStatus(t *testing.T) {
	_, adapter := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := adapter.GetLatestPrice("AAPL")
	kind, ok := retry.KindOf(err)
	if !ok {
		t.Fatalf("expected a retry.TypedError, got %v", err)
	}
	if kind != retry.KindServerError5xx {
		t.Errorf("Kind = %s, want %s", kind, retry.KindServerError5xx)
	}
}

func TestHTTPAdapter_SubmitLimitBuy_SendsExpectedRequest(t *testing.T) {
	_, adapter := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req limitOrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request body: %v", err)
		}
		if req.Symbol != "AAPL" || req.Side != types.OrderSideBuy || req.Qty != 10 {
			t.Fatalf("unexpected request: %+v", req)
		}
		json.NewEncoder(w).Encode(types.OrderEnvelope{OrderID: "order-1"})
	})

	orderID, err := adapter.SubmitLimitBuy(context.Background(), "AAPL", 10, decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("SubmitLimitBuy: %v", err)
	}
	if orderID != "order-1" {
		t.Errorf("orderID = %q, want order-1", orderID)
	}
}

func TestHTTPAdapter_GetBalance_DelegatesThroughLoadAccountProfile(t *testing.T) {
	_, adapter := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/account" {
			t.Fatalf("path = %s, want /v2/account", r.URL.Path)
		}
		json.NewEncoder(w).Encode(types.AccountBalance{BuyingPower: decimal.NewFromInt(5000), DayTradesUsed: 2})
	})

	balance, err := adapter.GetBalance()
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if balance.DayTradesUsed != 2 {
		t.Errorf("DayTradesUsed = %d, want 2", balance.DayTradesUsed)
	}

	used, err := adapter.GetDayTradesUsed()
	if err != nil {
		t.Fatalf("GetDayTradesUsed: %v", err)
	}
	if used != 2 {
		t.Errorf("GetDayTradesUsed() = %d, want 2", used)
	}
}

func TestHTTPAdapter_RateLimiter_ThrottlesRequests(t *testing.T) {
	var calls int
	_, base := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(types.Quote{Symbol: "AAPL"})
	})
	adapter := NewHTTPAdapter(HTTPConfig{BaseURL: base.config.BaseURL, RequestsPerSecond: 2, Burst: 1})

	start := time.Now()
	for i := 0; i < 2; i++ {
		if _, err := adapter.GetLatestPrice("AAPL"); err != nil {
			t.Fatalf("GetLatestPrice: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 400*time.Millisecond {
		t.Errorf("two calls at 2 req/s with burst 1 completed in %s, want >= 400ms", elapsed)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}
