package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/marcusgoll/sentinel-equity/internal/retry"
	"github.com/marcusgoll/sentinel-equity/pkg/types"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// HTTPTimeout is spec.md §5's hard per-call timeout for every broker call.
const HTTPTimeout = 10 * time.Second

// HTTPConfig configures HTTPAdapter.
type HTTPConfig struct {
	BaseURL           string
	APIKey            string
	APISecret         string
	RequestsPerSecond float64
	Burst             int
}

// HTTPAdapter is a REST-backed Adapter for a brokerage's trading API. Every
// call is rate-limited client-side (ahead of internal/retry's server-side
// backoff) and its response status mapped through
// internal/retry.MapHTTPStatus so WithRetry sees the right Kind.
//
// Grounded on aristath-sentinel/trader-go's evaluation client (marshal
// request, http.NewRequestWithContext, classify status, unmarshal) and
// AlejandroRuiz99-polybot's client-side token-bucket limiter in front of an
// exchange's HTTP API.
type HTTPAdapter struct {
	config     HTTPConfig
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewHTTPAdapter constructs an HTTPAdapter. A zero RequestsPerSecond
// disables the client-side limiter (useful in tests against a local
// fixture server).
func NewHTTPAdapter(config HTTPConfig) *HTTPAdapter {
	var limiter *rate.Limiter
	if config.RequestsPerSecond > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst)
	}
	return &HTTPAdapter{
		config:     config,
		httpClient: &http.Client{Timeout: HTTPTimeout},
		limiter:    limiter,
	}
}

func (a *HTTPAdapter) do(ctx context.Context, method, path string, body, out any) error {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return retry.New(retry.KindNetworkTimeout, err)
		}
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("broker: marshaling request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, HTTPTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, a.config.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("broker: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("APCA-API-KEY-ID", a.config.APIKey)
	req.Header.Set("APCA-API-SECRET-KEY", a.config.APISecret)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return retry.New(retry.KindNetworkTimeout, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		kind := retry.MapHTTPStatus(resp.StatusCode)
		return retry.New(kind, fmt.Errorf("broker: %s %s returned %d", method, path, resp.StatusCode))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (a *HTTPAdapter) GetLatestPrice(symbol string) (types.Quote, error) {
	var out types.Quote
	err := a.do(context.Background(), http.MethodGet, "/v2/stocks/"+symbol+"/quote", nil, &out)
	return out, err
}

func (a *HTTPAdapter) GetQuotes(symbols []string) (map[string]types.Quote, error) {
	out := make(map[string]types.Quote, len(symbols))
	for _, symbol := range symbols {
		q, err := a.GetLatestPrice(symbol)
		if err != nil {
			return nil, err
		}
		out[symbol] = q
	}
	return out, nil
}

func (a *HTTPAdapter) GetHistoricalBars(ctx context.Context, symbol string, start, end time.Time) ([]types.HistoricalBar, error) {
	var out []types.HistoricalBar
	path := fmt.Sprintf("/v2/stocks/%s/bars?start=%s&end=%s", symbol, start.Format(time.RFC3339), end.Format(time.RFC3339))
	err := a.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (a *HTTPAdapter) GetMarketHours() (bool, time.Time, time.Time, error) {
	var out struct {
		IsOpen    bool      `json:"isOpen"`
		NextOpen  time.Time `json:"nextOpen"`
		NextClose time.Time `json:"nextClose"`
	}
	err := a.do(context.Background(), http.MethodGet, "/v2/clock", nil, &out)
	return out.IsOpen, out.NextOpen, out.NextClose, err
}

type limitOrderRequest struct {
	Symbol   string          `json:"symbol"`
	Side     types.OrderSide `json:"side"`
	Qty      int             `json:"qty"`
	Type     string          `json:"type"`
	LimitPrice decimal.Decimal `json:"limit_price"`
	TimeInForce string       `json:"time_in_force"`
}

func (a *HTTPAdapter) submitLimit(ctx context.Context, symbol string, side types.OrderSide, qty int, limitPrice decimal.Decimal) (string, error) {
	req := limitOrderRequest{Symbol: symbol, Side: side, Qty: qty, Type: "limit", LimitPrice: limitPrice, TimeInForce: "day"}
	var out types.OrderEnvelope
	if err := a.do(ctx, http.MethodPost, "/v2/orders", req, &out); err != nil {
		return "", err
	}
	return out.OrderID, nil
}

func (a *HTTPAdapter) SubmitLimitBuy(ctx context.Context, symbol string, qty int, limitPrice decimal.Decimal) (string, error) {
	return a.submitLimit(ctx, symbol, types.OrderSideBuy, qty, limitPrice)
}

func (a *HTTPAdapter) SubmitLimitSell(ctx context.Context, symbol string, qty int, limitPrice decimal.Decimal) (string, error) {
	return a.submitLimit(ctx, symbol, types.OrderSideSell, qty, limitPrice)
}

func (a *HTTPAdapter) CancelOrder(ctx context.Context, orderID string) error {
	return a.do(ctx, http.MethodDelete, "/v2/orders/"+orderID, nil, nil)
}

func (a *HTTPAdapter) CancelAllOrders(ctx context.Context) error {
	return a.do(ctx, http.MethodDelete, "/v2/orders", nil, nil)
}

func (a *HTTPAdapter) FetchOrder(ctx context.Context, orderID string) (types.OrderEnvelope, error) {
	var out types.OrderEnvelope
	err := a.do(ctx, http.MethodGet, "/v2/orders/"+orderID, nil, &out)
	return out, err
}

func (a *HTTPAdapter) LoadAccountProfile(ctx context.Context) (types.AccountBalance, error) {
	var out types.AccountBalance
	err := a.do(ctx, http.MethodGet, "/v2/account", nil, &out)
	return out, err
}

func (a *HTTPAdapter) GetPositions() ([]types.Position, error) {
	var out []types.Position
	err := a.do(context.Background(), http.MethodGet, "/v2/positions", nil, &out)
	return out, err
}

func (a *HTTPAdapter) GetBuyingPower() (decimal.Decimal, error) {
	balance, err := a.LoadAccountProfile(context.Background())
	return balance.BuyingPower, err
}

func (a *HTTPAdapter) GetBalance() (types.AccountBalance, error) {
	return a.LoadAccountProfile(context.Background())
}

func (a *HTTPAdapter) GetDayTradesUsed() (int, error) {
	balance, err := a.LoadAccountProfile(context.Background())
	return balance.DayTradesUsed, err
}

// Probe implements internal/health.Prober: a lightweight authenticated call
// whose round-trip time is the session-health signal.
func (a *HTTPAdapter) Probe(ctx context.Context) error {
	return a.do(ctx, http.MethodGet, "/v2/account", nil, nil)
}

// Reauthenticate re-sends the configured API key/secret pair on the next
// request. HTTPAdapter carries static credentials rather than a refreshable
// token, so there is nothing to exchange here; a failing Probe after this
// call means the credentials themselves are bad, which spec.md §4.7 treats
// as a permanent auth failure.
func (a *HTTPAdapter) Reauthenticate(ctx context.Context) error {
	return a.Probe(ctx)
}
