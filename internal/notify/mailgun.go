package notify

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/mailgun/mailgun-go/v4"
)

//go:embed templates/release.html
var templates embed.FS

var releaseTemplate = template.Must(template.ParseFS(templates, "templates/release.html"))

// MailgunOptions configures the release e-mail.
type MailgunOptions struct {
	APIURL  string
	Domain  string
	Key     string
	From    string
	To      string
	Project string
}

// Mailgun sends the release notification e-mail through the Mailgun API.
type Mailgun struct {
	mg   *mailgun.MailgunImpl
	opts MailgunOptions
}

// NewMailgun creates the mailer. An empty APIURL keeps the library's US
// endpoint.
func NewMailgun(opts MailgunOptions, client *http.Client) *Mailgun {
	mg := mailgun.NewMailgun(opts.Domain, opts.Key)
	mg.SetClient(client)
	if opts.APIURL != "" {
		mg.SetAPIBase(strings.TrimSuffix(opts.APIURL, "/"))
	}
	return &Mailgun{mg: mg, opts: opts}
}

// Subject returns the e-mail subject for release.
func (m *Mailgun) Subject(release string) string {
	return fmt.Sprintf("%s Release Notification | %s", capitalize(m.opts.Project), release)
}

// SendRelease mails the list of cards shipped with release.
func (m *Mailgun) SendRelease(ctx context.Context, release string, cards []Card) error {
	subject := m.Subject(release)
	var html bytes.Buffer
	if err := releaseTemplate.Execute(&html, struct {
		Title string
		Cards []Card
	}{subject, cards}); err != nil {
		return fmt.Errorf("mailgun: render template: %w", err)
	}

	msg := m.mg.NewMessage(m.opts.From, subject, "", m.opts.To)
	msg.SetHtml(html.String())

	resp, id, err := m.mg.Send(ctx, msg)
	if err != nil {
		return fmt.Errorf("mailgun: %w", err)
	}
	slog.Info("release e-mail sent", "to", m.opts.To, "subject", subject, "cards", len(cards), "id", id, "response", resp)
	return nil
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
