// Package backup exports the application database before a migration runs.
package backup

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/kballard/go-shellquote"
	"k8s.io/utils/clock"

	deployerrors "github.com/adgo-io/deployer/internal/errors"
)

// timestampLayout names exports so that they sort chronologically.
const timestampLayout = "20060102T150405Z"

// CommandRunner runs name with args and returns its combined output.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands on the local host.
type ExecRunner struct{}

// Run executes the command and returns stdout followed by stderr.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...) // #nosec G204
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return append(stdout.Bytes(), stderr.Bytes()...), err
}

// Options configures an Exporter.
type Options struct {
	Command     string // binary, "gcloud" by default
	Instance    string
	Database    string
	Destination string // storage prefix, e.g. gs://bucket/backups/postgresql/<db>
}

// Exporter exports the database with "gcloud sql export sql".
type Exporter struct {
	runner CommandRunner
	clock  clock.PassiveClock
	opts   Options
}

// NewExporter creates an Exporter. A nil runner runs commands locally.
func NewExporter(runner CommandRunner, clk clock.PassiveClock, opts Options) *Exporter {
	if runner == nil {
		runner = ExecRunner{}
	}
	if opts.Command == "" {
		opts.Command = "gcloud"
	}
	return &Exporter{runner: runner, clock: clk, opts: opts}
}

// DestinationURI returns the object the next export is written to:
// <destination>/<database>-<UTC timestamp>.sql.gz.
func (e *Exporter) DestinationURI() string {
	ts := e.clock.Now().UTC().Format(timestampLayout)
	return fmt.Sprintf("%s/%s-%s.sql.gz", strings.TrimSuffix(e.opts.Destination, "/"), e.opts.Database, ts)
}

// Args returns the command line arguments of an export to uri.
func (e *Exporter) Args(uri string) []string {
	return []string{
		"sql", "export", "sql",
		e.opts.Instance,
		uri,
		"--database=" + e.opts.Database,
		"--quiet",
	}
}

// Backup exports the database and returns the URI of the export. Any
// failure, including a non-zero exit status, is a BackupError.
func (e *Exporter) Backup(ctx context.Context) (string, error) {
	uri := e.DestinationURI()
	args := e.Args(uri)
	cmdline := shellquote.Join(append([]string{e.opts.Command}, args...)...)

	slog.Info("exporting database", "instance", e.opts.Instance, "database", e.opts.Database, "uri", uri)
	slog.Debug("running backup command", "command", cmdline)

	out, err := e.runner.Run(ctx, e.opts.Command, args...)
	if err != nil {
		return "", &deployerrors.BackupError{
			Command: cmdline,
			Output:  strings.TrimSpace(string(out)),
			Err:     err,
		}
	}

	slog.Info("database export complete", "uri", uri)
	return uri, nil
}
