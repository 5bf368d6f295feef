package observability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus/push"
)

// PushJob is the Pushgateway job name the run's metrics are grouped under.
const PushJob = "deployer"

// Push sends every metric of the registry to the Pushgateway at url, grouped
// by namespace. A deployer run is too short-lived to be scraped.
func (m *Metrics) Push(ctx context.Context, url, namespace string) error {
	err := push.New(url, PushJob).
		Gatherer(m.Registry).
		Grouping("namespace", namespace).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	slog.Info("metrics pushed", "pushgateway", url, "job", PushJob)
	return nil
}
