package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	_ "github.com/KimMachineGun/automemlimit"
	_ "go.uber.org/automaxprocs"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/adgo-io/deployer/internal/config"
	"github.com/adgo-io/deployer/internal/summary"
	"github.com/adgo-io/deployer/pkg/model"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// exitError carries the process exit status out of cobra.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

type flags struct {
	image     string
	migration string
	cronjobs  bool
	output    string
	noColor   bool
}

func main() {
	err := newRootCmd().Execute()
	var ee *exitError
	switch {
	case err == nil:
		os.Exit(0)
	case errors.As(err, &ee):
		os.Exit(ee.code)
	default:
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:           "deployer",
		Short:         "Roll a release out to the application tiers of one namespace",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				slog.Error("invalid configuration", "error", err)
				return &exitError{code: 1}
			}
			cfg.Version = version
			if err := cfg.Validate(); err != nil {
				slog.Error("invalid configuration", "error", err)
				return &exitError{code: 1}
			}

			logger := newLogger(cfg.LogLevel, cfg.LogFormat)
			slog.SetDefault(logger)
			klog.SetSlogLogger(logger)

			plan, err := f.plan(uuid.NewString())
			if err != nil {
				slog.Error("invalid arguments", "error", err)
				return &exitError{code: 1}
			}

			code := run(cmd.Context(), cfg, plan, summary.NewPrinter(cmd.OutOrStdout(), summary.Format(f.output), !f.noColor && isTerminal(os.Stdout)))
			if code != 0 {
				return &exitError{code: code}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&f.image, "image", "i", os.Getenv("IMAGE"), "release image or tag to roll out (env IMAGE)")
	cmd.Flags().StringVarP(&f.migration, "migration", "m", os.Getenv("MIGRATION_LEVEL"), "migration level: 0 none, 1 hot, 2 cold (env MIGRATION_LEVEL)")
	cmd.Flags().BoolVar(&f.cronjobs, "cronjobs", envBool("CRONJOBS"), "also roll the release out to CronJobs (env CRONJOBS)")
	cmd.Flags().StringVarP(&f.output, "output", "o", string(summary.FormatText), "summary format: text or yaml")
	cmd.Flags().BoolVar(&f.noColor, "no-color", false, "disable colors in the summary")

	return cmd
}

// plan validates the flags and turns them into the run's plan.
func (f *flags) plan(runID string) (model.RolloutPlan, error) {
	if strings.TrimSpace(f.image) == "" {
		return model.RolloutPlan{}, errors.New("an image is required (--image or IMAGE)")
	}
	level, err := model.ParseMigrationLevel(f.migration)
	if err != nil {
		return model.RolloutPlan{}, err
	}
	switch summary.Format(f.output) {
	case summary.FormatText, summary.FormatYAML:
	default:
		return model.RolloutPlan{}, fmt.Errorf("unknown output format %q", f.output)
	}
	return model.RolloutPlan{
		RunID:           runID,
		Release:         strings.TrimSpace(f.image),
		MigrationLevel:  level,
		IncludeCronJobs: f.cronjobs,
	}, nil
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func envBool(key string) bool {
	b, _ := strconv.ParseBool(os.Getenv(key))
	return b
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
