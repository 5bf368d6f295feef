package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adgo-io/deployer/pkg/model"
)

// slackMessage is what the fake Slack API received for one chat.postMessage.
type slackMessage struct {
	Channel        string
	Username       string
	IconEmoji      string
	Text           string
	ThreadTS       string
	ReplyBroadcast bool
	Token          string
	Attachments    []slack.Attachment
}

type slackServer struct {
	*httptest.Server

	mu       sync.Mutex
	messages []slackMessage
	reply    string
}

func newSlackServer(t *testing.T) *slackServer {
	t.Helper()
	s := &slackServer{reply: `{"ok":true,"channel":"C0DEPLOY","ts":"1700000000.000100"}`}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat.postMessage" {
			http.NotFound(w, r)
			return
		}
		msg := slackMessage{
			Channel:        r.FormValue("channel"),
			Username:       r.FormValue("username"),
			IconEmoji:      r.FormValue("icon_emoji"),
			Text:           r.FormValue("text"),
			ThreadTS:       r.FormValue("thread_ts"),
			ReplyBroadcast: r.FormValue("reply_broadcast") == "true",
			Token:          r.FormValue("token"),
		}
		if msg.Token == "" {
			msg.Token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if raw := r.FormValue("attachments"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &msg.Attachments); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		s.mu.Lock()
		s.messages = append(s.messages, msg)
		reply := s.reply
		s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *slackServer) sent() []slackMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]slackMessage(nil), s.messages...)
}

func newTestSlack(srv *slackServer, production bool) *Slack {
	return NewSlack(SlackOptions{
		APIURL:     srv.URL,
		Token:      "xoxb-test",
		Channel:    "deploys",
		Hostname:   "deployer-abc12",
		LogURLBase: "https://logs.example.com/",
		Production: production,
	}, NewHTTPClient(5*time.Second, http.DefaultTransport))
}

func TestSlack_ThreadedRun(t *testing.T) {
	srv := newSlackServer(t)
	s := newTestSlack(srv, true)
	ctx := context.Background()

	require.NoError(t, s.PostInitial(ctx, model.RolloutPlan{Release: "v1.4.0", MigrationLevel: model.MigrationCold}))
	require.NoError(t, s.PostStep(ctx, "Scale Down started"))
	require.NoError(t, s.PostCompletion(ctx, model.Completion{Outcome: model.OutcomeSucceeded}))

	msgs := srv.sent()
	require.Len(t, msgs, 3)

	initial := msgs[0]
	assert.Equal(t, "deploys", initial.Channel)
	assert.Equal(t, "Production Deployer", initial.Username)
	assert.Equal(t, ":release:", initial.IconEmoji)
	assert.Equal(t, "Production Deployment Processing", initial.Text)
	assert.Empty(t, initial.ThreadTS)
	require.Len(t, initial.Attachments, 1)
	assert.Equal(t, "v1.4.0", initial.Attachments[0].Fields[0].Value)
	assert.Equal(t, ":snowflake: Cold", initial.Attachments[0].Fields[1].Value)
	assert.Equal(t, "kubectl logs -f deployer-abc12", initial.Attachments[0].Fields[2].Value)

	assert.Equal(t, "1700000000.000100", msgs[1].ThreadTS)
	assert.False(t, msgs[1].ReplyBroadcast)

	done := msgs[2]
	assert.Equal(t, "1700000000.000100", done.ThreadTS)
	assert.True(t, done.ReplyBroadcast)
	assert.Contains(t, done.Text, "Completed Successfully")
	require.Len(t, done.Attachments[0].Actions, 1)
	assert.Equal(t, "https://logs.example.com/deployer-abc12", done.Attachments[0].Actions[0].URL)

	for _, m := range msgs {
		assert.Equal(t, "xoxb-test", m.Token)
	}
}

func TestSlack_FailureListsWorkloadsNeedingCompensation(t *testing.T) {
	srv := newSlackServer(t)
	s := newTestSlack(srv, false)

	err := s.PostCompletion(context.Background(), model.Completion{
		Outcome:                   model.OutcomeManualIntervention,
		ErrorMessage:              "Backup and Migrate failed: migration job failed",
		RecoveryMessage:           "recovery refused",
		RequiresMigrationRollback: true,
		Workloads: []model.Workload{
			{Name: "web", DesiredReplicas: 3, ScaledDown: true},
			{Name: "api", OriginalImage: "repo/api:v1", ImageUpdated: true},
			{Name: "idle"},
		},
	})
	require.NoError(t, err)

	msgs := srv.sent()
	require.Len(t, msgs, 1)
	msg := msgs[0]
	assert.Equal(t, ":canned_food:", msg.IconEmoji)
	assert.Contains(t, msg.Text, ":fire: Development Deployment Failed :fire:")
	assert.False(t, msg.ReplyBroadcast, "no thread was started")

	require.Len(t, msg.Attachments, 3)
	summary := msg.Attachments[0]
	assert.Equal(t, "danger", summary.Color)
	require.Len(t, summary.Fields, 3)
	assert.Equal(t, "RESOLVE ISSUES OR ROLLBACK MIGRATION", summary.Fields[2].Title)

	assert.Equal(t, "Requires Scale Up", msg.Attachments[1].Fields[0].Title)
	assert.Equal(t, "Desired Replicas: 3", msg.Attachments[1].Fields[0].Value)
	assert.Equal(t, "Requires Image Rollback", msg.Attachments[2].Fields[0].Title)
	assert.Equal(t, "Desired Image: repo/api:v1", msg.Attachments[2].Fields[0].Value)
}

func TestSlack_APIErrorIsReturned(t *testing.T) {
	srv := newSlackServer(t)
	srv.reply = `{"ok":false,"error":"channel_not_found"}`
	s := newTestSlack(srv, false)

	err := s.PostInitial(context.Background(), model.RolloutPlan{Release: "v1.4.0"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel_not_found")
}

func TestSlack_StepsWithoutThreadAreDropped(t *testing.T) {
	srv := newSlackServer(t)
	srv.reply = `{"ok":false,"error":"not_in_channel"}`
	s := newTestSlack(srv, false)
	ctx := context.Background()

	require.Error(t, s.PostInitial(ctx, model.RolloutPlan{Release: "v1.4.0"}))
	require.Len(t, srv.sent(), 1)

	require.NoError(t, s.PostStep(ctx, "Set Images started"))
	require.NoError(t, s.PostStep(ctx, "Set Images completed"))
	assert.Len(t, srv.sent(), 1, "step messages must not be posted top-level")

	srv.mu.Lock()
	srv.reply = `{"ok":true,"channel":"C0DEPLOY","ts":"1700000000.000200"}`
	srv.mu.Unlock()
	require.NoError(t, s.PostCompletion(ctx, model.Completion{Outcome: model.OutcomeSucceeded}))

	msgs := srv.sent()
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].Text, "Completed Successfully")
	assert.Empty(t, msgs[1].ThreadTS)
	assert.False(t, msgs[1].ReplyBroadcast)
}
