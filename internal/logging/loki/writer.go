// Package loki provides a zerolog writer that ships log lines to Grafana Loki.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds configuration for the Loki writer.
type Config struct {
	URL           string            // Loki base URL, e.g. "http://localhost:3100"
	Labels        map[string]string // static labels on every stream
	BatchSize     int               // max buffered lines before a flush (default: 100)
	FlushInterval time.Duration     // periodic flush (default: 5s)
	Timeout       time.Duration     // HTTP timeout (default: 10s)
}

// Writer implements io.Writer. Lines are buffered and pushed in batches, one
// stream per zerolog level so Loki can filter on {level="warn"}.
type Writer struct {
	url    string
	labels map[string]string
	client *http.Client

	mu        sync.Mutex
	buffer    []entry
	batchSize int

	flushInterval time.Duration
	flushTrigger  chan struct{}
	stop          chan struct{}
	wg            sync.WaitGroup
	stopOnce      sync.Once
	flushMu       sync.Mutex

	flushErrors atomic.Uint64
}

type entry struct {
	timestamp time.Time
	level     string
	line      string
}

type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

// NewWriter creates a Loki writer. Call Start to begin background flushing.
func NewWriter(cfg Config) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	labels := make(map[string]string, len(cfg.Labels)+1)
	for k, v := range cfg.Labels {
		labels[k] = v
	}
	if _, ok := labels["job"]; !ok {
		labels["job"] = "meshdrive"
	}

	return &Writer{
		url:           cfg.URL,
		labels:        labels,
		client:        &http.Client{Timeout: cfg.Timeout},
		buffer:        make([]entry, 0, cfg.BatchSize),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		flushTrigger:  make(chan struct{}, 1),
		stop:          make(chan struct{}),
	}
}

// Write buffers one log line. It never fails so logging keeps working while
// Loki is unreachable.
func (w *Writer) Write(p []byte) (int, error) {
	line := string(bytes.TrimSpace(p))
	if line == "" {
		return len(p), nil
	}

	w.mu.Lock()
	w.buffer = append(w.buffer, entry{timestamp: time.Now(), level: levelOf(line), line: line})
	full := len(w.buffer) >= w.batchSize
	w.mu.Unlock()

	if full {
		select {
		case w.flushTrigger <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// levelOf extracts zerolog's "level" field from a JSON line.
func levelOf(line string) string {
	var fields struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal([]byte(line), &fields); err != nil || fields.Level == "" {
		return "unknown"
	}
	return fields.Level
}

// Start begins the background flush loop.
func (w *Writer) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
			case <-w.flushTrigger:
			}
			w.report(w.Flush(context.Background()))
		}
	}()
}

// Stop ends the flush loop and pushes whatever is still buffered.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		w.wg.Wait()
		w.report(w.Flush(context.Background()))
	})
}

// report writes flush failures to stderr; logging them would loop back here.
func (w *Writer) report(err error) {
	if err == nil {
		return
	}
	if n := w.flushErrors.Add(1); n <= 3 {
		fmt.Fprintf(os.Stderr, "loki: %v\n", err)
	}
}

// Flush pushes all buffered lines. Lines from a failed push are dropped.
func (w *Writer) Flush(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return nil
	}
	entries := w.buffer
	w.buffer = make([]entry, 0, w.batchSize)
	w.mu.Unlock()

	data, err := json.Marshal(w.payload(entries))
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, w.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url+"/loki/api/v1/push", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("push %d lines: %w", len(entries), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("push %d lines: server returned status %d", len(entries), resp.StatusCode)
	}
	return nil
}

func (w *Writer) payload(entries []entry) pushRequest {
	byLevel := make(map[string][][]string)
	for _, e := range entries {
		// Loki wants nanosecond timestamps as strings.
		byLevel[e.level] = append(byLevel[e.level], []string{strconv.FormatInt(e.timestamp.UnixNano(), 10), e.line})
	}

	levels := make([]string, 0, len(byLevel))
	for lvl := range byLevel {
		levels = append(levels, lvl)
	}
	sort.Strings(levels)

	req := pushRequest{Streams: make([]stream, 0, len(levels))}
	for _, lvl := range levels {
		labels := make(map[string]string, len(w.labels)+1)
		for k, v := range w.labels {
			labels[k] = v
		}
		labels["level"] = lvl
		req.Streams = append(req.Streams, stream{Stream: labels, Values: byLevel[lvl]})
	}
	return req
}

// FlushErrors returns the number of failed background pushes.
func (w *Writer) FlushErrors() uint64 {
	return w.flushErrors.Load()
}
