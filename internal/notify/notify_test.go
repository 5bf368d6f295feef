package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adgo-io/deployer/internal/observability"
	"github.com/adgo-io/deployer/pkg/model"
)

type recorder struct {
	steps []string
	err   error
}

func (r *recorder) PostInitial(context.Context, model.RolloutPlan) error { return r.err }
func (r *recorder) PostStep(_ context.Context, text string) error {
	r.steps = append(r.steps, text)
	return r.err
}
func (r *recorder) PostCompletion(context.Context, model.Completion) error { return r.err }

func TestFanout_DeliversToEveryChannelDespiteFailures(t *testing.T) {
	metrics := observability.NewMetrics()
	broken := &recorder{err: errors.New("channel_not_found")}
	healthy := &recorder{}
	f := NewFanout(metrics).Add("slack", broken).Add("trello", healthy)

	err := f.PostStep(context.Background(), "Scale Down started")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "slack: channel_not_found")
	assert.Equal(t, []string{"Scale Down started"}, broken.steps)
	assert.Equal(t, []string{"Scale Down started"}, healthy.steps)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.NotificationFailures.WithLabelValues("slack")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.NotificationFailures.WithLabelValues("trello")))
}

func TestFanout_EmptyIsNoop(t *testing.T) {
	f := NewFanout(nil)
	assert.Equal(t, 0, f.Len())
	assert.NoError(t, f.PostInitial(context.Background(), model.RolloutPlan{}))
	assert.NoError(t, f.PostCompletion(context.Background(), model.Completion{Outcome: model.OutcomeSucceeded}))
}

func TestNop(t *testing.T) {
	var n Notifier = Nop{}
	assert.NoError(t, n.PostStep(context.Background(), "x"))
}
