// Package transport ships the final rollout report to the report backend and
// provides the http.RoundTripper middlewares shared by every outbound HTTP
// client of the deployer.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"k8s.io/utils/clock"

	deployerrors "github.com/adgo-io/deployer/internal/errors"
	"github.com/adgo-io/deployer/internal/observability"
	"github.com/adgo-io/deployer/pkg/model"
)

// ReportPath is where rollout reports are posted, relative to the base URL.
const ReportPath = "/api/v1/rollouts"

// Options configures a report Client.
type Options struct {
	BaseURL        string
	Token          string
	Version        string
	MaxRetries     int
	RequestTimeout time.Duration
}

// Client sends RolloutReports to the report backend over HTTP with streaming
// zstd compression.
type Client struct {
	httpClient *http.Client
	opts       Options
	clock      clock.PassiveClock
	metrics    *observability.Metrics
	incidents  *deployerrors.Collector
}

// NewBaseTransport returns an explicit transport instead of
// http.DefaultTransport so no mutable state is shared with other code in the
// process.
func NewBaseTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
}

// NewClient creates a report Client. Retry is handled in Send rather than by
// WithRetry because the streaming body must be re-created on each attempt.
// metrics and incidents may be nil.
func NewClient(opts Options, metrics *observability.Metrics, incidents *deployerrors.Collector) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout:   opts.RequestTimeout,
			Transport: WithAuth(opts.Token, NewBaseTransport()),
		},
		opts:      opts,
		clock:     clock.RealClock{},
		metrics:   metrics,
		incidents: incidents,
	}
}

// Send streams report to the backend. Server errors and rate limiting are
// retried up to MaxRetries times; authentication failures and other client
// errors are not. A final failure is recorded as an incident.
func (c *Client) Send(ctx context.Context, report *model.RolloutReport) (*model.ReportResponse, error) {
	start := c.clock.Now()

	var result *model.ReportResponse
	var compressedBytes int64
	var lastErr error

	maxAttempts := c.opts.MaxRetries + 1
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if c.metrics != nil {
				c.metrics.TransportRetries.Inc()
			}
			sleepWithBackoff(attempt - 1)
		}

		if err := ctx.Err(); err != nil {
			lastErr = fmt.Errorf("transport: context canceled before attempt %d: %w", attempt+1, err)
			break
		}

		resp, n, err := c.doSend(ctx, report)
		compressedBytes = n
		if err != nil {
			lastErr = err
			if !Retryable(err) {
				break
			}
			continue
		}

		result = resp
		lastErr = nil
		break
	}

	elapsed := c.clock.Since(start)
	if c.metrics != nil {
		c.metrics.ReportSendDuration.Observe(elapsed.Seconds())
		if compressedBytes > 0 {
			c.metrics.ReportSizeBytes.WithLabelValues("compressed").Observe(float64(compressedBytes))
		}
		if lastErr != nil {
			c.metrics.ReportSendTotal.WithLabelValues("error").Inc()
		} else {
			c.metrics.ReportSendTotal.WithLabelValues("success").Inc()
		}
	}

	if lastErr != nil {
		if c.incidents != nil {
			c.incidents.Report(deployerrors.Incident{
				Code:      deployerrors.ErrReportUnreachable,
				Message:   fmt.Sprintf("report send failed: %v", lastErr),
				Component: "transport",
				Err:       lastErr,
			})
		}
		return nil, lastErr
	}
	return result, nil
}

// doSend performs a single POST. Each call creates a fresh io.Pipe so it can
// be called again on retry.
func (c *Client) doSend(ctx context.Context, report *model.RolloutReport) (*model.ReportResponse, int64, error) {
	pr, pw := io.Pipe()
	cw := NewCountingWriter(pw)

	zw, err := zstd.NewWriter(cw, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = pw.Close()
		return nil, 0, fmt.Errorf("transport: failed to create zstd encoder: %w", err)
	}

	go func() {
		encodeErr := json.NewEncoder(zw).Encode(report)
		// Close zstd first to flush, then the pipe.
		closeErr := zw.Close()
		switch {
		case encodeErr != nil:
			pw.CloseWithError(fmt.Errorf("transport: JSON encode failed: %w", encodeErr))
		case closeErr != nil:
			pw.CloseWithError(fmt.Errorf("transport: zstd close failed: %w", closeErr))
		default:
			_ = pw.Close()
		}
	}()

	url := strings.TrimSuffix(c.opts.BaseURL, "/") + ReportPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		_ = pr.Close()
		return nil, 0, fmt.Errorf("transport: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "zstd")
	req.Header.Set("X-Run-ID", report.RunID)
	req.Header.Set("X-Deployer-Version", c.opts.Version)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, cw.Count(), fmt.Errorf("transport: HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	result, err := ParseResponse(resp)
	if err != nil {
		return nil, cw.Count(), err
	}
	return result, cw.Count(), nil
}
