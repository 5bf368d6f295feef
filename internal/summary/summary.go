// Package summary renders the end-of-run console summary.
package summary

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cheynewallace/tabby"
	"github.com/logrusorgru/aurora/v3"
	"sigs.k8s.io/yaml"

	"github.com/adgo-io/deployer/pkg/model"
)

// Format selects how the summary is written.
type Format string

// Summary formats.
const (
	FormatText Format = "text"
	FormatYAML Format = "yaml"
)

// Printer writes a RolloutReport to the console.
type Printer struct {
	out    io.Writer
	format Format
	au     aurora.Aurora
}

// NewPrinter creates a Printer. Colors are only emitted in text format when
// color is true.
func NewPrinter(out io.Writer, format Format, color bool) *Printer {
	return &Printer{out: out, format: format, au: aurora.NewAurora(color)}
}

// Print writes the summary of report.
func (p *Printer) Print(report *model.RolloutReport) error {
	if p.format == FormatYAML {
		data, err := yaml.Marshal(report)
		if err != nil {
			return fmt.Errorf("summary: encode report: %w", err)
		}
		_, err = p.out.Write(data)
		return err
	}

	t := tabby.NewCustom(tabwriter.NewWriter(p.out, 0, 0, 4, ' ', 0))

	t.AddHeader(p.au.Colorize("Rollout Summary", p.outcomeColor(report.Outcome)))
	t.AddLine("Run ID", report.RunID)
	t.AddLine("Project", report.Project)
	t.AddLine("Namespace", report.Namespace)
	t.AddLine("Release", report.Release)
	t.AddLine("Migration", report.MigrationLevel.String())
	t.AddLine("Outcome", p.au.Colorize(report.Outcome, p.outcomeColor(report.Outcome)))
	t.AddLine("Duration", time.Duration(report.FinishedAt-report.StartedAt)*time.Millisecond)
	if report.BackupURI != "" {
		t.AddLine("Backup", report.BackupURI)
	}
	if report.Error != "" {
		t.AddLine("Error", p.au.Red(report.Error))
	}
	if report.RecoveryError != "" {
		t.AddLine("Recovery Error", p.au.Red(report.RecoveryError))
	}
	t.AddLine()

	t.AddHeader("STEP", "STATUS", "DURATION", "ERROR")
	for _, s := range report.Steps {
		t.AddLine(s.Name, p.stepStatus(s.Status), time.Duration(s.DurationMillis)*time.Millisecond, s.Error)
	}
	t.AddLine()

	if pending := needingCompensation(report.Workloads); len(pending) > 0 {
		t.AddHeader(p.au.Red("WORKLOAD"), p.au.Red("TIER"), p.au.Red("REQUIRES"))
		for _, w := range pending {
			t.AddLine(w.Name, w.Tier, requires(w))
		}
		t.AddLine()
	}

	if len(report.Incidents) > 0 {
		t.AddHeader(p.au.Yellow("Incidents"))
		for _, inc := range report.Incidents {
			t.AddLine(inc)
		}
		t.AddLine()
	}

	t.Print()
	return nil
}

func (p *Printer) outcomeColor(o model.Outcome) aurora.Color {
	switch o {
	case model.OutcomeSucceeded:
		return aurora.GreenFg
	case model.OutcomeAborted, model.OutcomeRecovered:
		return aurora.YellowFg
	default:
		return aurora.RedFg
	}
}

func (p *Printer) stepStatus(s model.StepStatus) aurora.Value {
	switch s {
	case model.StepSucceeded:
		return p.au.Green(s)
	case model.StepFailed:
		return p.au.Red(s)
	default:
		return p.au.Yellow(s)
	}
}

func needingCompensation(workloads []model.Workload) []model.Workload {
	var out []model.Workload
	for _, w := range workloads {
		if w.NeedsCompensation() {
			out = append(out, w)
		}
	}
	return out
}

func requires(w model.Workload) string {
	var parts []string
	if w.ScaledDown {
		parts = append(parts, fmt.Sprintf("scale up to %d", w.DesiredReplicas))
	}
	if w.ImageUpdated {
		parts = append(parts, "image rollback to "+w.OriginalImage)
	}
	return strings.Join(parts, ", ")
}
