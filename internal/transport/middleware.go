package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/adgo-io/deployer/pkg/model"
)

// sleep is replaced in tests.
var sleep = time.Sleep

// authTransport adds an Authorization: Bearer header to every request.
type authTransport struct {
	token string
	next  http.RoundTripper
}

// WithAuth wraps a RoundTripper with bearer-token authorization. An empty
// token leaves requests untouched.
func WithAuth(token string, next http.RoundTripper) http.RoundTripper {
	return &authTransport{token: token, next: next}
}

func (a *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if a.token == "" {
		return a.next.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+a.token)
	return a.next.RoundTrip(req)
}

// loggingTransport logs request method/URL and response status.
type loggingTransport struct {
	logger *slog.Logger
	next   http.RoundTripper
}

// WithLogging wraps a RoundTripper with request/response logging. Query
// strings are not logged since some APIs carry credentials there.
func WithLogging(logger *slog.Logger, next http.RoundTripper) http.RoundTripper {
	return &loggingTransport{logger: logger, next: next}
}

func (l *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := l.next.RoundTrip(req)
	elapsed := time.Since(start)

	target := req.URL.Scheme + "://" + req.URL.Host + req.URL.Path
	if err != nil {
		l.logger.Error("HTTP request failed",
			"method", req.Method,
			"url", target,
			"duration_ms", elapsed.Milliseconds(),
			"error", err,
		)
		return resp, err
	}

	l.logger.Debug("HTTP request completed",
		"method", req.Method,
		"url", target,
		"status", resp.StatusCode,
		"duration_ms", elapsed.Milliseconds(),
	)
	return resp, nil
}

// retryTransport retries network errors, 5xx and 429 with exponential
// backoff. Other statuses are returned as is.
type retryTransport struct {
	maxRetries int
	next       http.RoundTripper
}

// WithRetry wraps a RoundTripper with retry logic for transient errors.
// Requests with a body are only retried when the body can be re-created
// through GetBody.
func WithRetry(maxRetries int, next http.RoundTripper) http.RoundTripper {
	return &retryTransport{maxRetries: maxRetries, next: next}
}

func (r *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	var err error

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			if req, err = rewind(req); err != nil {
				return nil, err
			}
		}

		resp, err = r.next.RoundTrip(req)
		last := attempt == r.maxRetries
		if err != nil {
			if !last {
				sleepWithBackoff(attempt)
				continue
			}
			return nil, err
		}

		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return resp, nil
		}
		if last {
			return resp, nil
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			delay := retryAfterDelay(resp)
			drainAndClose(resp.Body)
			sleep(delay)
			continue
		}
		drainAndClose(resp.Body)
		sleepWithBackoff(attempt)
	}

	return resp, err
}

// rewind returns a copy of req with a fresh body.
func rewind(req *http.Request) (*http.Request, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return req, nil
	}
	if req.GetBody == nil {
		return nil, errors.New("transport: cannot retry request with a non-rewindable body")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("transport: rewind request body: %w", err)
	}
	clone := req.Clone(req.Context())
	clone.Body = body
	return clone, nil
}

// sleepWithBackoff sleeps for exponential backoff: 1s * 2^attempt.
func sleepWithBackoff(attempt int) {
	sleep(time.Duration(math.Pow(2, float64(attempt))) * time.Second)
}

// retryAfterDelay extracts the delay from a 429 response: the Retry-After
// header first, then retry_after_seconds in the body.
func retryAfterDelay(resp *http.Response) time.Duration {
	const defaultDelay = 5 * time.Second

	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}

	if resp.Body != nil {
		var errResp model.ReportErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil {
			if errResp.RetryAfterSeconds != nil && *errResp.RetryAfterSeconds > 0 {
				return time.Duration(*errResp.RetryAfterSeconds) * time.Second
			}
		}
	}

	return defaultDelay
}

// drainAndClose reads remaining body bytes and closes, preventing connection leaks.
func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, body)
	body.Close()
}

// StatusError is a non-200 answer of the report backend.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("transport: %s (HTTP %d)", e.Message, e.StatusCode)
	}
	return fmt.Sprintf("transport: unexpected status (HTTP %d)", e.StatusCode)
}

// Retryable reports whether a failed send may succeed when repeated: network
// errors, rate limiting and server errors.
func Retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	return true
}

// ParseResponse reads an HTTP response and returns the appropriate result or error.
func ParseResponse(resp *http.Response) (*model.ReportResponse, error) {
	defer drainAndClose(resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var result model.ReportResponse
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, fmt.Errorf("transport: failed to decode %d response: %w", resp.StatusCode, err)
		}
		return &result, nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &StatusError{StatusCode: resp.StatusCode, Message: "authentication failed"}

	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &StatusError{StatusCode: resp.StatusCode, Message: "rate limited"}

	case resp.StatusCode >= 500:
		return nil, &StatusError{StatusCode: resp.StatusCode, Message: "server error"}

	case resp.StatusCode >= 400:
		var errResp model.ReportErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp.Message != "" {
			return nil, &StatusError{StatusCode: resp.StatusCode, Message: "report rejected: " + errResp.Message}
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Message: "report rejected"}

	default:
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}
}
