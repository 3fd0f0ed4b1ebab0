// Package collector pushes committed decisions and operational telemetry to
// the external results collector. Delivery is fire-and-forget with bounded
// retry: consensus never blocks on collector availability, and records that
// cannot be delivered stay in the local durable log for later replay.
package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/graphmesh/go-quorum/pkg/commitlog"
	"github.com/graphmesh/go-quorum/pkg/internal/logutil"
	obsmetrics "github.com/graphmesh/go-quorum/pkg/observability/metrics"
	"github.com/graphmesh/go-quorum/pkg/observability/tracing"
)

// ErrCollector marks recoverable collector delivery failures.
var ErrCollector = errors.New("collector: delivery failed")

const deliveryAttempts = 3

// Client talks to the collector's HTTP surface: committed records go to
// /consensusdata, free-form operational messages to /message and run
// statistics to /statistics.
type Client struct {
	base     string
	httpc    *http.Client
	logger   *log.Logger
	degraded atomic.Bool
	queue    chan commitlog.CommitRecord
}

// NewClient constructs a client for the collector at base (e.g.
// "http://10.0.0.9:5000"). A zero timeout defaults to 3s.
func NewClient(base string, timeout time.Duration, logger *log.Logger) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		base:   base,
		httpc:  &http.Client{Timeout: timeout},
		logger: logger,
		queue:  make(chan commitlog.CommitRecord, 128),
	}
}

// Degraded reports whether the client is in local-log-only mode after a
// failed delivery. The flag clears on the next successful delivery.
func (c *Client) Degraded() bool { return c.degraded.Load() }

// Enqueue hands a record to the background delivery task without blocking
// the committing round. When the queue is full the record is skipped here;
// it remains in the durable log and is picked up by Replay.
func (c *Client) Enqueue(rec commitlog.CommitRecord) {
	select {
	case c.queue <- rec:
	default:
		c.degraded.Store(true)
		obsmetrics.CollectorDegraded.Set(1)
		logutil.Warnf(c.logger, "collector queue full, record round=%d kept in local log only", rec.Round)
	}
}

// Run drains the delivery queue until ctx is done. Intended to run as its
// own goroutine, one per node.
func (c *Client) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-c.queue:
			if err := c.ReportCommit(ctx, rec); err != nil {
				logutil.Warnf(c.logger, "collector delivery failed for round %d: %v", rec.Round, err)
			}
		}
	}
}

// ReportCommit posts one CommitRecord with bounded retry and exponential
// backoff. Persistent failure flips the degraded flag; the caller's durable
// log retains the record either way.
func (c *Client) ReportCommit(ctx context.Context, rec commitlog.CommitRecord) error {
	ctx, end := tracing.StartSpan(ctx, "collector.reportCommit")
	defer end()
	if err := c.post(ctx, "/consensusdata", rec); err != nil {
		c.degraded.Store(true)
		obsmetrics.CollectorDegraded.Set(1)
		return err
	}
	c.degraded.Store(false)
	obsmetrics.CollectorDegraded.Set(0)
	return nil
}

// Message posts a free-form operational message. Best effort.
func (c *Client) Message(ctx context.Context, msg string) error {
	return c.post(ctx, "/message", map[string]string{"message": msg})
}

// Statistic is one sampled measurement attached to a run.
type Statistic struct {
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"runId"`
	Round     uint64    `json:"round"`
	Type      string    `json:"statistic_type"`
	Value     string    `json:"statistic_value"`
}

// Statistics posts a batch of run statistics. Best effort.
func (c *Client) Statistics(ctx context.Context, stats []Statistic) error {
	if len(stats) == 0 {
		return nil
	}
	return c.post(ctx, "/statistics", stats)
}

// Replay re-delivers every record in the durable log, stopping at the first
// failure. Used to catch the collector up after an outage.
func (c *Client) Replay(ctx context.Context, l *commitlog.Log) error {
	recs, err := l.Replay()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if err := c.ReportCommit(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("collector: encode: %w", err)
	}
	var lastErr error
	for attempt := 0; attempt < deliveryAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCollector, err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.httpc.Do(req)
		if err != nil {
			lastErr = err
		} else {
			b, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				obsmetrics.CollectorAttempts.WithLabelValues("ok").Inc()
				return nil
			}
			lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, string(b))
		}
		obsmetrics.CollectorAttempts.WithLabelValues("error").Inc()
		// backoff unless context is done
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrCollector, ctx.Err())
		case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
		}
	}
	return fmt.Errorf("%w: %v", ErrCollector, lastErr)
}
