// Package eventlog provides the append-only, per-stream, per-day JSONL event
// sink described in spec.md §4.2 (C2).
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Known streams, matching spec.md §6's persistent state layout.
const (
	StreamTrades            = "trades"
	StreamOrders            = "orders"
	StreamHealthCheck       = "health_check"
	StreamPerformanceAlerts = "performance_alerts"
	StreamRiskManagement    = "risk_management"
	StreamRetry             = "retry"
)

// Record is one JSONL line. Fields beyond the required envelope are carried
// in Data and flattened into the top-level JSON object on write.
type Record struct {
	TimestampUTC  time.Time      `json:"ts_utc"`
	Stream        string         `json:"stream"`
	Event         string         `json:"event"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Data          map[string]any `json:"-"`
}

// streamFile holds the exclusive lock and open handle for one stream's
// current day file.
type streamFile struct {
	mu      sync.Mutex
	file    *os.File
	day     string
	path    func(day string) string
}

// Logger is the process-wide structured event sink. Grounded in the
// teacher's os.MkdirAll + os.OpenFile idiom from internal/data/store.go,
// generalized to one locked file per stream per day instead of one cache
// file.
type Logger struct {
	baseDir string
	opLog   *zap.Logger

	mu      sync.Mutex
	streams map[string]*streamFile

	subMu sync.Mutex
	subs  map[chan Record]struct{}
}

// New creates a Logger rooted at baseDir (typically "logs/"). opLog receives
// operational diagnostics (e.g. disk-full warnings); it is never the
// destination of trading events themselves.
func New(baseDir string, opLog *zap.Logger) *Logger {
	if opLog == nil {
		opLog = zap.NewNop()
	}
	return &Logger{
		baseDir: baseDir,
		opLog:   opLog.Named("eventlog"),
		streams: make(map[string]*streamFile),
		subs:    make(map[chan Record]struct{}),
	}
}

// Subscribe registers a live tap on every record written after this call,
// for internal/api's /ws/events endpoint. The returned channel is buffered
// and dropped (never blocked on) if the subscriber falls behind; call the
// returned func to unsubscribe and release the channel.
func (l *Logger) Subscribe() (<-chan Record, func()) {
	ch := make(chan Record, 64)
	l.subMu.Lock()
	l.subs[ch] = struct{}{}
	l.subMu.Unlock()

	return ch, func() {
		l.subMu.Lock()
		defer l.subMu.Unlock()
		if _, ok := l.subs[ch]; ok {
			delete(l.subs, ch)
			close(ch)
		}
	}
}

func (l *Logger) broadcast(rec Record) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for ch := range l.subs {
		select {
		case ch <- rec:
		default:
		}
	}
}

func (l *Logger) streamFor(stream string) *streamFile {
	l.mu.Lock()
	defer l.mu.Unlock()
	sf, ok := l.streams[stream]
	if !ok {
		sf = &streamFile{path: func(day string) string {
			return filepath.Join(l.baseDir, stream, day+".jsonl")
		}}
		l.streams[stream] = sf
	}
	return sf
}

// Emit writes one record to stream's current-day file, implementing
// retry.EventSink so internal/retry can emit retry.attempt/success/exhausted
// without importing this package.
func (l *Logger) Emit(stream, event string, fields map[string]any) {
	l.Write(stream, event, "", fields)
}

// Write appends a record with an explicit correlation ID.
func (l *Logger) Write(stream, event, correlationID string, fields map[string]any) {
	rec := Record{
		TimestampUTC:  time.Now().UTC(),
		Stream:        stream,
		Event:         event,
		CorrelationID: correlationID,
		Data:          fields,
	}
	if err := l.append(stream, rec); err != nil {
		// Disk-full (or any write failure) is swallowed here: logged to
		// stderr via the operational logger, never propagated, per
		// spec.md §4.2/§7.
		l.opLog.Warn("event log write failed", zap.String("stream", stream), zap.Error(err))
	}
	l.broadcast(rec)
}

func (l *Logger) append(stream string, rec Record) error {
	sf := l.streamFor(stream)
	sf.mu.Lock()
	defer sf.mu.Unlock()

	day := rec.TimestampUTC.Format("2006-01-02")
	if sf.file == nil || sf.day != day {
		if sf.file != nil {
			sf.file.Close()
		}
		path := sf.path(day)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		sf.file = f
		sf.day = day
	}

	line, err := marshalRecord(rec)
	if err != nil {
		return err
	}
	_, err = sf.file.Write(append(line, '\n'))
	return err
}

func marshalRecord(rec Record) ([]byte, error) {
	out := map[string]any{
		"ts_utc": rec.TimestampUTC.Format(time.RFC3339Nano),
		"stream": rec.Stream,
		"event":  rec.Event,
	}
	if rec.CorrelationID != "" {
		out["correlation_id"] = rec.CorrelationID
	}
	for k, v := range rec.Data {
		out[k] = v
	}
	return json.Marshal(out)
}

// NewCorrelationID generates a correlation ID for a request chain (e.g. one
// trading cycle's quote -> safety-check -> order-submit -> invalidate path).
func NewCorrelationID() string {
	return uuid.NewString()
}

// Close flushes and closes every open stream file. Safe to call once during
// process shutdown.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for _, sf := range l.streams {
		sf.mu.Lock()
		if sf.file != nil {
			if err := sf.file.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("closing stream file: %w", err)
			}
		}
		sf.mu.Unlock()
	}
	return firstErr
}
