package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewMetrics_NoRegistrationPanic(t *testing.T) {
	// Creating metrics should not panic.
	m := NewMetrics()
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
	if m.Registry == nil {
		t.Fatal("Registry is nil")
	}
}

func TestNewMetrics_CustomRegistry(t *testing.T) {
	m := NewMetrics()
	m.StepTotal.WithLabelValues("Scale Down", "succeeded").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	defaultFamilies, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("DefaultGatherer.Gather failed: %v", err)
	}

	customNames := make(map[string]bool)
	for _, f := range families {
		customNames[f.GetName()] = true
	}
	for _, f := range defaultFamilies {
		if customNames[f.GetName()] {
			t.Errorf("metric %q found in default registry, should only be in custom registry", f.GetName())
		}
	}
}

func TestNewMetrics_AllNamesHavePrefix(t *testing.T) {
	m := NewMetrics()
	m.MigrationDuration.Observe(12)
	m.TransportRetries.Inc()
	m.PollIterations.WithLabelValues("replica convergence").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("no metric families gathered")
	}
	for _, f := range families {
		if !strings.HasPrefix(f.GetName(), "deployer_") {
			t.Errorf("metric %q does not start with deployer_ prefix", f.GetName())
		}
	}
}

func TestNewMetrics_CounterVec(t *testing.T) {
	m := NewMetrics()

	m.MutationsTotal.WithLabelValues("set_replicas").Inc()
	m.MutationsTotal.WithLabelValues("set_replicas").Inc()
	m.MutationsTotal.WithLabelValues("set_image").Inc()

	pb := &dto.Metric{}
	if err := m.MutationsTotal.WithLabelValues("set_replicas").(prometheus.Metric).Write(pb); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if got := pb.GetCounter().GetValue(); got != 2 {
		t.Errorf("MutationsTotal(set_replicas) = %v, want 2", got)
	}
}

func TestNewMetrics_HistogramObserve(t *testing.T) {
	m := NewMetrics()

	m.StepDuration.WithLabelValues("Set Images").Observe(30)
	m.StepDuration.WithLabelValues("Set Images").Observe(45)

	pb := &dto.Metric{}
	if err := m.StepDuration.WithLabelValues("Set Images").(prometheus.Metric).Write(pb); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if got := pb.GetHistogram().GetSampleCount(); got != 2 {
		t.Errorf("StepDuration sample count = %v, want 2", got)
	}
}

func TestSetActive(t *testing.T) {
	m := NewMetrics()
	phases := []string{"Init", "ScalingDown", "Done"}

	SetActive(m.RolloutPhase, "ScalingDown", phases)

	for _, p := range phases {
		pb := &dto.Metric{}
		if err := m.RolloutPhase.WithLabelValues(p).(prometheus.Metric).Write(pb); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		want := 0.0
		if p == "ScalingDown" {
			want = 1
		}
		if got := pb.GetGauge().GetValue(); got != want {
			t.Errorf("RolloutPhase(%s) = %v, want %v", p, got, want)
		}
	}
}

func TestNewMetrics_NoDuplicateRegistrationPanic(t *testing.T) {
	// Each instance uses its own registry.
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("creating Metrics twice panicked: %v", r)
		}
	}()
	_ = NewMetrics()
	_ = NewMetrics()
}

func TestPush(t *testing.T) {
	var gotPath, gotMethod, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewMetrics()
	m.StepTotal.WithLabelValues("Scale Up", "succeeded").Inc()

	if err := m.Push(context.Background(), srv.URL, "production"); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if gotMethod != http.MethodPut {
		t.Errorf("method = %s, want PUT", gotMethod)
	}
	if gotPath != "/metrics/job/deployer/namespace/production" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody == "" {
		t.Error("expected a non-empty body")
	}
}

func TestPush_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if err := NewMetrics().Push(context.Background(), srv.URL, "production"); err == nil {
		t.Fatal("expected error for 500 response")
	}
}
