package main

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adgo-io/deployer/pkg/model"
)

func TestFlagsPlan(t *testing.T) {
	f := &flags{image: " v1.2.3 ", migration: "2", cronjobs: true, output: "text"}
	plan, err := f.plan("run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RolloutPlan{
		RunID:           "run-1",
		Release:         "v1.2.3",
		MigrationLevel:  model.MigrationCold,
		IncludeCronJobs: true,
	}, plan)
}

func TestFlagsPlan_Invalid(t *testing.T) {
	tests := []struct {
		name string
		f    flags
	}{
		{"missing image", flags{migration: "0", output: "text"}},
		{"missing level", flags{image: "v1", output: "text"}},
		{"bad level", flags{image: "v1", migration: "3", output: "text"}},
		{"non numeric level", flags{image: "v1", migration: "cold", output: "text"}},
		{"bad output", flags{image: "v1", migration: "0", output: "xml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.f.plan("run")
			assert.Error(t, err)
		})
	}
}

func TestRootCmd_EnvFallbacks(t *testing.T) {
	t.Setenv("IMAGE", "v9.9.9")
	t.Setenv("MIGRATION_LEVEL", "1")
	t.Setenv("CRONJOBS", "true")

	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags(nil))

	image, _ := cmd.Flags().GetString("image")
	migration, _ := cmd.Flags().GetString("migration")
	cronjobs, _ := cmd.Flags().GetBool("cronjobs")
	assert.Equal(t, "v9.9.9", image)
	assert.Equal(t, "1", migration)
	assert.True(t, cronjobs)
}

func TestRootCmd_FlagsOverrideEnv(t *testing.T) {
	t.Setenv("IMAGE", "v9.9.9")

	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"-i", "v1.0.0", "-m", "2"}))

	image, _ := cmd.Flags().GetString("image")
	migration, _ := cmd.Flags().GetString("migration")
	assert.Equal(t, "v1.0.0", image)
	assert.Equal(t, "2", migration)
}

func TestNewLogger(t *testing.T) {
	ctx := context.Background()
	assert.True(t, newLogger("debug", "json").Enabled(ctx, slog.LevelDebug))
	assert.False(t, newLogger("warn", "text").Enabled(ctx, slog.LevelInfo))
}
