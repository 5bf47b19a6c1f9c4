package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"cloudlaunch/internal/logging"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Entry is a single timestamped log line reported by the workload
type Entry struct {
	Time string `json:"time"`
	Msg  string `json:"msg"`
}

// Report is the body served by the instance's status endpoint
type Report struct {
	Logs []Entry `json:"logs"`
	Done bool    `json:"done"`
}

// TransientError marks a poll failure that the watch loop retries.
// It distinguishes connectivity hiccups from permanent failures in logs.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient status poll failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Client fetches status reports from the instance's HTTP endpoint
type Client struct {
	http    *retryablehttp.Client
	baseURL string
}

// NewClient creates a status client for the given base URL, e.g. "http://1.2.3.4:8080"
func NewClient(baseURL string, retryMax int) *Client {
	c := retryablehttp.NewClient()
	c.RetryMax = retryMax
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = 1 * time.Second
	c.HTTPClient.Timeout = 10 * time.Second
	c.Logger = nil

	return &Client{
		http:    c,
		baseURL: baseURL,
	}
}

// Fetch performs one GET against the status endpoint and decodes the report
func (c *Client) Fetch(ctx context.Context) (*Report, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build status request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &TransientError{Err: fmt.Errorf("status endpoint returned HTTP %d", resp.StatusCode)}
	}

	var report Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, &TransientError{Err: fmt.Errorf("failed to decode status body: %w", err)}
	}

	return &report, nil
}

// Watcher polls the status endpoint at a fixed interval until the workload
// reports completion, emitting each log entry exactly once.
type Watcher struct {
	client   *Client
	interval time.Duration
	waitMax  time.Duration

	// OnTick, when set, runs once per poll iteration regardless of the poll's
	// outcome. Deploy uses it to mirror the remote log file locally.
	OnTick func()

	seen int
}

// NewWatcher creates a watcher around an existing client
func NewWatcher(client *Client, interval, waitMax time.Duration) *Watcher {
	return &Watcher{
		client:   client,
		interval: interval,
		waitMax:  waitMax,
	}
}

// Watch polls until the completion flag is set, the deadline passes, or ctx
// is cancelled. New log entries are passed to sink in order. Poll failures
// are logged and retried; they never end the loop.
func (w *Watcher) Watch(ctx context.Context, sink func(Entry)) error {
	deadline := time.Now().Add(w.waitMax)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.interval):
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("workload did not complete within %v", w.waitMax)
		}

		report, err := w.client.Fetch(ctx)

		if w.OnTick != nil {
			w.OnTick()
		}

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logging.Logger().Debug("status poll failed, will retry",
				zap.String("endpoint", w.client.baseURL),
				zap.Error(err))
			continue
		}

		w.emit(report, sink)

		if report.Done {
			return nil
		}
	}
}

// emit passes entries beyond the count cursor to sink. Entries are tracked by
// count, not identity; a shrinking log is clamped and flagged, never reprinted.
func (w *Watcher) emit(report *Report, sink func(Entry)) {
	total := len(report.Logs)
	if total < w.seen {
		logging.Logger().Warn("status endpoint returned fewer log entries than previously seen",
			zap.Int("previous", w.seen),
			zap.Int("current", total))
		w.seen = total
		return
	}

	for _, entry := range report.Logs[w.seen:] {
		sink(entry)
	}
	w.seen = total
}
