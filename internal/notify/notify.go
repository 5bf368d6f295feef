// Package notify reports rollout progress to chat, the release board and
// e-mail.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/adgo-io/deployer/internal/observability"
	"github.com/adgo-io/deployer/pkg/model"
)

// Notifier receives the progress of one run: the initial message, a message
// per step, and exactly one completion.
type Notifier interface {
	PostInitial(ctx context.Context, plan model.RolloutPlan) error
	PostStep(ctx context.Context, text string) error
	PostCompletion(ctx context.Context, c model.Completion) error
}

// NewHTTPClient returns the client notifiers send with. rt is normally a
// chain of transport middlewares.
func NewHTTPClient(timeout time.Duration, rt http.RoundTripper) *http.Client {
	return &http.Client{Timeout: timeout, Transport: rt}
}

// Nop discards every notification. It is used when notifications are
// disabled.
type Nop struct{}

func (Nop) PostInitial(context.Context, model.RolloutPlan) error  { return nil }
func (Nop) PostStep(context.Context, string) error                { return nil }
func (Nop) PostCompletion(context.Context, model.Completion) error { return nil }

type channel struct {
	name     string
	notifier Notifier
}

// Fanout posts every notification to each configured channel. A failing
// channel does not stop delivery to the others; failures are counted per
// channel and returned joined.
type Fanout struct {
	channels []channel
	metrics  *observability.Metrics
}

// NewFanout creates an empty Fanout. metrics may be nil.
func NewFanout(metrics *observability.Metrics) *Fanout {
	return &Fanout{metrics: metrics}
}

// Add registers a channel under name.
func (f *Fanout) Add(name string, n Notifier) *Fanout {
	f.channels = append(f.channels, channel{name: name, notifier: n})
	return f
}

// Len returns the number of channels.
func (f *Fanout) Len() int { return len(f.channels) }

func (f *Fanout) PostInitial(ctx context.Context, plan model.RolloutPlan) error {
	return f.each(func(n Notifier) error { return n.PostInitial(ctx, plan) })
}

func (f *Fanout) PostStep(ctx context.Context, text string) error {
	return f.each(func(n Notifier) error { return n.PostStep(ctx, text) })
}

func (f *Fanout) PostCompletion(ctx context.Context, c model.Completion) error {
	return f.each(func(n Notifier) error { return n.PostCompletion(ctx, c) })
}

func (f *Fanout) each(fn func(Notifier) error) error {
	var errs []error
	for _, ch := range f.channels {
		if err := fn(ch.notifier); err != nil {
			slog.Warn("notification delivery failed", "channel", ch.name, "error", err)
			if f.metrics != nil {
				f.metrics.NotificationFailures.WithLabelValues(ch.name).Inc()
			}
			errs = append(errs, fmt.Errorf("%s: %w", ch.name, err))
		}
	}
	return errors.Join(errs...)
}
