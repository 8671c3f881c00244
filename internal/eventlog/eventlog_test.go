package eventlog_test

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/marcusgoll/sentinel-equity/internal/eventlog"
)

func TestEmit_WritesOneJSONLineToStreamDayFile(t *testing.T) {
	dir := t.TempDir()
	logger := eventlog.New(dir, nil)

	logger.Emit(eventlog.StreamOrders, "order.submitted", map[string]any{
		"symbol": "AAPL",
		"qty":    50,
	})
	if err := logger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, eventlog.StreamOrders))
	if err != nil {
		t.Fatalf("reading stream dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one day file, got %d", len(entries))
	}

	f, err := os.Open(filepath.Join(dir, eventlog.StreamOrders, entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lines := 0
	for scanner.Scan() {
		lines++
		var rec map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("line is not valid JSON: %v", err)
		}
		if rec["event"] != "order.submitted" {
			t.Errorf("expected event order.submitted, got %v", rec["event"])
		}
		if rec["symbol"] != "AAPL" {
			t.Errorf("expected symbol AAPL, got %v", rec["symbol"])
		}
	}
	if lines != 1 {
		t.Errorf("expected 1 line, got %d", lines)
	}
}

func TestEmit_SeparateStreamsGetSeparateFiles(t *testing.T) {
	dir := t.TempDir()
	logger := eventlog.New(dir, nil)

	logger.Emit(eventlog.StreamOrders, "order.submitted", nil)
	logger.Emit(eventlog.StreamTrades, "trade.executed", nil)
	logger.Close()

	for _, stream := range []string{eventlog.StreamOrders, eventlog.StreamTrades} {
		if _, err := os.Stat(filepath.Join(dir, stream)); err != nil {
			t.Errorf("expected a directory for stream %q: %v", stream, err)
		}
	}
}

func TestNewCorrelationID_ProducesDistinctValues(t *testing.T) {
	a := eventlog.NewCorrelationID()
	b := eventlog.NewCorrelationID()
	if a == b {
		t.Error("expected distinct correlation IDs")
	}
}

func TestSubscribe_ReceivesRecordsWrittenAfterSubscribing(t *testing.T) {
	dir := t.TempDir()
	logger := eventlog.New(dir, nil)
	defer logger.Close()

	records, unsubscribe := logger.Subscribe()
	defer unsubscribe()

	logger.Emit(eventlog.StreamTrades, "trade.executed", map[string]any{"symbol": "AAPL"})

	select {
	case rec := <-records:
		if rec.Event != "trade.executed" {
			t.Errorf("event = %q, want trade.executed", rec.Event)
		}
		if rec.Stream != eventlog.StreamTrades {
			t.Errorf("stream = %q, want %q", rec.Stream, eventlog.StreamTrades)
		}
	default:
		t.Fatal("expected a record on the subscription channel")
	}
}

func TestSubscribe_UnsubscribeClosesChannel(t *testing.T) {
	dir := t.TempDir()
	logger := eventlog.New(dir, nil)
	defer logger.Close()

	records, unsubscribe := logger.Subscribe()
	unsubscribe()

	logger.Emit(eventlog.StreamOrders, "order.submitted", nil)

	if _, ok := <-records; ok {
		t.Error("expected subscription channel to be closed after unsubscribe")
	}
}

func TestSubscribe_SlowSubscriberDoesNotBlockEmit(t *testing.T) {
	dir := t.TempDir()
	logger := eventlog.New(dir, nil)
	defer logger.Close()

	_, unsubscribe := logger.Subscribe()
	defer unsubscribe()

	for i := 0; i < 200; i++ {
		logger.Emit(eventlog.StreamOrders, "order.submitted", nil)
	}
}
