package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultLokiBatch    = 100
	defaultLokiInterval = 5 * time.Second
	lokiPushTimeout     = 10 * time.Second
)

var errLokiClosed = errors.New("loki writer closed")

// LokiConfig configures a LokiWriter.
type LokiConfig struct {
	Endpoint      string
	Labels        map[string]string
	BatchSize     int
	FlushInterval time.Duration
	Client        *http.Client
}

// LokiWriter is an io.Writer that ships each written line to the Loki push
// API. Writes never block on the network: lines are queued and pushed by a
// background goroutine when a batch fills or the flush interval elapses.
// Lines are dropped, and counted, when the queue is full.
type LokiWriter struct {
	endpoint string
	labels   map[string]string
	batch    int
	interval time.Duration
	client   *http.Client

	lines   chan lokiLine
	flushes chan chan error
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
	closed  atomic.Bool
	dropped atomic.Int64
}

type lokiLine struct {
	ts   time.Time
	text string
}

type pushRequest struct {
	Streams []pushStream `json:"streams"`
}

type pushStream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

// NewLokiWriter starts the background sender.
func NewLokiWriter(cfg LokiConfig) (*LokiWriter, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("loki endpoint is required")
	}
	if cfg.FlushInterval < 0 {
		return nil, fmt.Errorf("negative flush interval: %s", cfg.FlushInterval)
	}

	w := &LokiWriter{
		endpoint: cfg.Endpoint,
		labels:   map[string]string{"job": "flowguard"},
		batch:    cfg.BatchSize,
		interval: cfg.FlushInterval,
		client:   cfg.Client,
		flushes:  make(chan chan error),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for k, v := range cfg.Labels {
		w.labels[k] = v
	}
	if w.batch <= 0 {
		w.batch = defaultLokiBatch
	}
	if w.interval == 0 {
		w.interval = defaultLokiInterval
	}
	if w.client == nil {
		w.client = &http.Client{Timeout: lokiPushTimeout}
	}
	w.lines = make(chan lokiLine, 4*w.batch)

	go w.run()
	return w, nil
}

// Write queues one log line. The handler writes one record per call.
func (w *LokiWriter) Write(p []byte) (int, error) {
	if w.closed.Load() {
		return 0, errLokiClosed
	}
	line := lokiLine{ts: time.Now(), text: string(bytes.TrimRight(p, "\n"))}
	select {
	case w.lines <- line:
	default:
		w.dropped.Add(1)
	}
	return len(p), nil
}

// Flush pushes everything queued so far and waits for the result.
func (w *LokiWriter) Flush() error {
	if w.closed.Load() {
		return errLokiClosed
	}
	reply := make(chan error, 1)
	select {
	case w.flushes <- reply:
		return <-reply
	case <-w.stopped:
		return errLokiClosed
	}
}

// Dropped returns how many lines were discarded because the queue was full.
func (w *LokiWriter) Dropped() int64 {
	return w.dropped.Load()
}

// Close pushes the remaining lines and stops the sender.
func (w *LokiWriter) Close() error {
	w.once.Do(func() {
		w.closed.Store(true)
		close(w.done)
	})
	<-w.stopped
	return nil
}

func (w *LokiWriter) run() {
	defer close(w.stopped)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	pending := make([]lokiLine, 0, w.batch)
	send := func() error {
		if len(pending) == 0 {
			return nil
		}
		err := w.push(pending)
		pending = pending[:0]
		return err
	}
	drain := func() {
		for {
			select {
			case l := <-w.lines:
				pending = append(pending, l)
			default:
				return
			}
		}
	}

	for {
		select {
		case l := <-w.lines:
			pending = append(pending, l)
			if len(pending) >= w.batch {
				_ = send()
			}
		case <-ticker.C:
			_ = send()
		case reply := <-w.flushes:
			drain()
			reply <- send()
		case <-w.done:
			drain()
			_ = send()
			return
		}
	}
}

// push sends one batch, retrying with backoff. Errors are returned, never
// logged: the logger writes here.
func (w *LokiWriter) push(lines []lokiLine) error {
	values := make([][2]string, len(lines))
	for i, l := range lines {
		values[i] = [2]string{strconv.FormatInt(l.ts.UnixNano(), 10), l.text}
	}
	body, err := json.Marshal(pushRequest{Streams: []pushStream{{Stream: w.labels, Values: values}}})
	if err != nil {
		return err
	}

	backoff := 100 * time.Millisecond
	for attempt := 0; ; attempt++ {
		err = w.post(body)
		if err == nil || attempt == 2 {
			return err
		}
		select {
		case <-time.After(backoff):
		case <-w.done:
			return err
		}
		backoff *= 2
	}
}

func (w *LokiWriter) post(body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), lokiPushTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("loki push: %s", resp.Status)
	}
	return nil
}

func parseInterval(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid flush interval: %w", err)
	}
	return d, nil
}
