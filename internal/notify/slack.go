package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/slack-go/slack"

	"github.com/adgo-io/deployer/pkg/model"
)

var migrationText = map[model.MigrationLevel]string{
	model.MigrationNone: "None",
	model.MigrationHot:  ":hotsprings: Hot",
	model.MigrationCold: ":snowflake: Cold",
}

// SlackOptions configures the Slack notifier.
type SlackOptions struct {
	APIURL     string
	Token      string
	Channel    string
	Hostname   string
	LogURLBase string
	Production bool
}

// Slack posts the run as a thread: the initial message starts it, step
// messages are replies, and the completion is a reply broadcast to the
// channel.
type Slack struct {
	api  *slack.Client
	opts SlackOptions

	mu       sync.Mutex
	threadTS string
}

// NewSlack creates a Slack notifier that sends through client. An empty
// APIURL keeps the public Slack endpoint.
func NewSlack(opts SlackOptions, client *http.Client) *Slack {
	slackOpts := []slack.Option{slack.OptionHTTPClient(client)}
	if opts.APIURL != "" {
		slackOpts = append(slackOpts, slack.OptionAPIURL(strings.TrimSuffix(opts.APIURL, "/")+"/"))
	}
	return &Slack{api: slack.New(opts.Token, slackOpts...), opts: opts}
}

func (s *Slack) environment() string {
	if s.opts.Production {
		return "Production"
	}
	return "Development"
}

func (s *Slack) PostInitial(ctx context.Context, plan model.RolloutPlan) error {
	mt := migrationText[plan.MigrationLevel]
	attachment := slack.Attachment{
		Fallback: fmt.Sprintf("Image=%s Migrations=%s", plan.Release, mt),
		Color:    "good",
		Fields: []slack.AttachmentField{
			{Title: "Image", Value: plan.Release},
			{Title: "Migrations", Value: mt},
			{Title: "Logs", Value: "kubectl logs -f " + s.opts.Hostname},
		},
	}

	ts, err := s.post(ctx,
		slack.MsgOptionText(s.environment()+" Deployment Processing", false),
		slack.MsgOptionAttachments(attachment),
	)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.threadTS = ts
	s.mu.Unlock()
	return nil
}

// PostStep replies to the run thread. When the initial message was never
// delivered there is no thread and step messages are dropped. The
// completion is still posted.
func (s *Slack) PostStep(ctx context.Context, text string) error {
	ts := s.thread()
	if ts == "" {
		slog.Debug("slack thread not started, dropping step message", "text", text)
		return nil
	}
	_, err := s.post(ctx, slack.MsgOptionText(text, false), slack.MsgOptionTS(ts))
	return err
}

func (s *Slack) PostCompletion(ctx context.Context, c model.Completion) error {
	env := s.environment()
	var (
		text        string
		attachments []slack.Attachment
	)

	if c.Outcome.Failed() {
		text = fmt.Sprintf("<!here|here>\n:fire: %s Deployment Failed :fire:", env)
		summary := slack.Attachment{
			Fallback: fmt.Sprintf("%s Deployment Error=%s", env, c.ErrorMessage),
			Color:    "danger",
			Fields: []slack.AttachmentField{
				{Title: "Deployment Error", Value: c.ErrorMessage},
				{Title: "Recovery Status", Value: c.RecoveryMessage},
			},
		}
		if c.RequiresMigrationRollback {
			summary.Fields = append(summary.Fields, slack.AttachmentField{Title: "RESOLVE ISSUES OR ROLLBACK MIGRATION"})
		}
		attachments = append(attachments, summary)

		for _, w := range c.Workloads {
			if !w.NeedsCompensation() {
				continue
			}
			a := slack.Attachment{
				Fallback: w.Name + " Error",
				Color:    "danger",
				Text:     "*" + w.Name + "*",
			}
			if w.ScaledDown {
				a.Fields = append(a.Fields, slack.AttachmentField{Title: "Requires Scale Up", Value: fmt.Sprintf("Desired Replicas: %d", w.DesiredReplicas)})
			}
			if w.ImageUpdated {
				a.Fields = append(a.Fields, slack.AttachmentField{Title: "Requires Image Rollback", Value: "Desired Image: " + w.OriginalImage})
			}
			attachments = append(attachments, a)
		}
	} else {
		text = fmt.Sprintf("<!here|here>\n:yeet: %s Deployment Completed Successfully :yeet:", env)
		attachments = []slack.Attachment{{
			Fallback: env + " Deployment Success",
			Color:    "good",
		}}
	}

	if s.opts.LogURLBase != "" {
		attachments[0].Actions = []slack.AttachmentAction{{
			Type:  "button",
			Name:  "logs",
			Text:  "View Logs",
			URL:   s.opts.LogURLBase + s.opts.Hostname,
			Style: "primary",
		}}
	}

	opts := []slack.MsgOption{
		slack.MsgOptionText(text, false),
		slack.MsgOptionAttachments(attachments...),
	}
	if ts := s.thread(); ts != "" {
		opts = append(opts, slack.MsgOptionTS(ts), slack.MsgOptionBroadcast())
	}
	_, err := s.post(ctx, opts...)
	return err
}

func (s *Slack) thread() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threadTS
}

// post sends a chat.postMessage under the deployer's bot identity and
// returns the message timestamp.
func (s *Slack) post(ctx context.Context, opts ...slack.MsgOption) (string, error) {
	icon := ":canned_food:"
	if s.opts.Production {
		icon = ":release:"
	}
	opts = append(opts,
		slack.MsgOptionUsername(s.environment()+" Deployer"),
		slack.MsgOptionIconEmoji(icon),
	)

	channel, ts, err := s.api.PostMessageContext(ctx, s.opts.Channel, opts...)
	if err != nil {
		return "", fmt.Errorf("slack: %w", err)
	}
	slog.Debug("slack message posted", "channel", channel, "ts", ts)
	return ts, nil
}
