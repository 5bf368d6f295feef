package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/adgo-io/deployer/pkg/model"
)

// Card is a release-board card.
type Card struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Desc     string `json:"desc"`
	ShortURL string `json:"shortUrl"`
}

// ReleaseMailer announces the cards shipped with a release.
type ReleaseMailer interface {
	SendRelease(ctx context.Context, release string, cards []Card) error
}

// TrelloOptions configures the release-board cleanup.
type TrelloOptions struct {
	APIURL string
	Key    string
	Token  string
	ListID string
}

// Trello cleans up the release list after a successful rollout: every card
// gets a "released as part of" comment and is archived, then the cards are
// handed to the mailer. Only the completion is acted upon.
type Trello struct {
	client *http.Client
	opts   TrelloOptions
	mailer ReleaseMailer
}

// NewTrello creates the release-board notifier. mailer may be nil.
func NewTrello(opts TrelloOptions, client *http.Client, mailer ReleaseMailer) *Trello {
	return &Trello{client: client, opts: opts, mailer: mailer}
}

func (t *Trello) PostInitial(context.Context, model.RolloutPlan) error { return nil }
func (t *Trello) PostStep(context.Context, string) error               { return nil }

func (t *Trello) PostCompletion(ctx context.Context, c model.Completion) error {
	if c.Outcome != model.OutcomeSucceeded {
		return nil
	}

	var cards []Card
	if err := t.do(ctx, http.MethodGet, "lists/"+t.opts.ListID+"/cards", nil, &cards); err != nil {
		return err
	}
	for _, card := range cards {
		comment := url.Values{"text": {"released as part of " + c.Plan.Release}}
		if err := t.do(ctx, http.MethodPost, "cards/"+card.ID+"/actions/comments", comment, nil); err != nil {
			return err
		}
		if err := t.do(ctx, http.MethodPut, "cards/"+card.ID, url.Values{"closed": {"true"}}, nil); err != nil {
			return err
		}
		slog.Info("release card archived", "card", card.Name, "release", c.Plan.Release)
	}

	if t.mailer == nil {
		return nil
	}
	return t.mailer.SendRelease(ctx, c.Plan.Release, cards)
}

// do calls the Trello API. Credentials travel as query parameters, the
// remaining parameters as a form body.
func (t *Trello) do(ctx context.Context, method, path string, form url.Values, out any) error {
	q := url.Values{"key": {t.opts.Key}, "token": {t.opts.Token}}
	target := strings.TrimSuffix(t.opts.APIURL, "/") + "/" + path + "?" + q.Encode()

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("trello: create request: %w", err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("trello: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("trello: %s %s: HTTP %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("trello: decode %s: %w", path, err)
	}
	return nil
}
