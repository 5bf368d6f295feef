package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adgo-io/deployer/pkg/model"
)

// noSleep disables backoff for the duration of a test.
func noSleep(t *testing.T) *[]time.Duration {
	t.Helper()
	var slept []time.Duration
	prev := sleep
	sleep = func(d time.Duration) { slept = append(slept, d) }
	t.Cleanup(func() { sleep = prev })
	return &slept
}

func TestWithAuth_SetsBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer report-token" {
			t.Errorf("expected Authorization 'Bearer report-token', got %q", got)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := &http.Client{Transport: WithAuth("report-token", http.DefaultTransport)}
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
}

func TestWithAuth_EmptyTokenOmitsHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "" {
			t.Errorf("expected no Authorization header, got %q", got)
		}
	}))
	defer srv.Close()

	client := &http.Client{Transport: WithAuth("", http.DefaultTransport)}
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
}

func TestWithRetry_5xx_RetriesWithBody(t *testing.T) {
	slept := noSleep(t)
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != "text=hello" {
			t.Errorf("attempt %d got body %q", atomic.LoadInt32(&attempts)+1, body)
		}
		if atomic.AddInt32(&attempts, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := &http.Client{Transport: WithRetry(3, http.DefaultTransport)}
	resp, err := client.Post(srv.URL, "application/x-www-form-urlencoded", strings.NewReader("text=hello"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 after retries, got %d", resp.StatusCode)
	}
	if len(*slept) != 2 || (*slept)[0] != time.Second || (*slept)[1] != 2*time.Second {
		t.Fatalf("expected backoff [1s 2s], got %v", *slept)
	}
}

func TestWithRetry_429_RespectsRetryAfter(t *testing.T) {
	slept := noSleep(t)
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := &http.Client{Transport: WithRetry(2, http.DefaultTransport)}
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if len(*slept) != 1 || (*slept)[0] != 7*time.Second {
		t.Fatalf("expected a single 7s wait, got %v", *slept)
	}
}

func TestWithRetry_401_NoRetry(t *testing.T) {
	noSleep(t)
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := &http.Client{Transport: WithRetry(3, http.DefaultTransport)}
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("expected exactly 1 attempt for 401, got %d", got)
	}
}

func TestRetryAfterDelay_FromBody(t *testing.T) {
	secs := 12
	body, _ := json.Marshal(model.ReportErrorResponse{Error: "rate_limited", RetryAfterSeconds: &secs})
	resp := &http.Response{
		StatusCode: http.StatusTooManyRequests,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(string(body))),
	}
	if got := retryAfterDelay(resp); got != 12*time.Second {
		t.Fatalf("expected 12s, got %v", got)
	}
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantErr   string
		retryable bool
	}{
		{"created", http.StatusCreated, `{"success":true,"report_id":"r-1"}`, "", false},
		{"unauthorized", http.StatusUnauthorized, "", "authentication failed", false},
		{"forbidden", http.StatusForbidden, "", "authentication failed", false},
		{"rejected", http.StatusBadRequest, `{"message":"unknown project"}`, "report rejected: unknown project", false},
		{"rate limited", http.StatusTooManyRequests, "", "rate limited", true},
		{"server error", http.StatusBadGateway, "", "server error (HTTP 502)", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			rec.WriteHeader(tt.status)
			rec.WriteString(tt.body)

			result, err := ParseResponse(rec.Result())
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if result.ReportID != "r-1" {
					t.Fatalf("expected report id r-1, got %q", result.ReportID)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
			if Retryable(err) != tt.retryable {
				t.Fatalf("Retryable = %v, want %v", Retryable(err), tt.retryable)
			}
		})
	}
}

func TestRetryable_NetworkError(t *testing.T) {
	if !Retryable(errors.New("transport: HTTP request failed: connection refused")) {
		t.Fatal("network errors should be retryable")
	}
}
