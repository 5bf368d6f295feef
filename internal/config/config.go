package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adgo-io/deployer/pkg/model"
)

// Config holds all deployer configuration values. It is built once at
// process start and passed to every component that needs it.
type Config struct {
	Version string `env:"-"`

	Debug     bool   `env:"DEBUG"`    // use kubeconfig instead of in-cluster config
	Disabled  bool   `env:"DISABLED"` // disable every notifier
	AppEnv    string `env:"APP_ENV" validate:"required"`
	Project   string `env:"PROJECT" validate:"required"`
	Hostname  string `env:"HOSTNAME"`
	Namespace string `env:"NAMESPACE" validate:"required"`

	// Tiers
	Tiers     []model.Tier `env:"TIERS" validate:"min=1"`
	TierLabel string       `env:"TIER_LABEL" validate:"required"`
	TiersFile string       `env:"TIERS_FILE"`

	// Verification
	PollInterval   time.Duration `env:"POLL_INTERVAL" validate:"min=1s"`
	RolloutTimeout time.Duration `env:"ROLLOUT_TIMEOUT" validate:"min=1s"`

	// Slack
	SlackToken   string `env:"SLACK_TOKEN"`
	SlackChannel string `env:"SLACK_CHANNEL"`
	SlackAPIURL  string `env:"SLACK_API_URL" validate:"omitempty,url"`
	LogURLBase   string `env:"LOG_URL_BASE" validate:"omitempty,url"`

	// Database backup
	DatabaseInstance     string `env:"DATABASE_INSTANCE_NAME" validate:"required"`
	DatabaseName         string `env:"DATABASE_NAME" validate:"required"`
	DatabaseBackupBucket string `env:"DATABASE_BACKUP_BUCKET" validate:"required"`
	BackupCommand        string `env:"BACKUP_COMMAND" validate:"required"`

	// Migration job
	MigratorSource     string   `env:"APP_MIGRATOR_SOURCE" validate:"required"`
	MigratorSourceTier string   `env:"APP_MIGRATOR_SOURCE_TIER" validate:"required"`
	MigratorCommand    []string `env:"APP_MIGRATOR_COMMAND" validate:"min=1"`
	MigratorArgs       []string `env:"APP_MIGRATOR_ARGS"`

	// Trello release board
	TrelloSendNotification bool   `env:"TRELLO_SEND_NOTIFICATION"`
	TrelloKey              string `env:"TRELLO_KEY"`
	TrelloToken            string `env:"TRELLO_TOKEN"`
	TrelloListID           string `env:"TRELLO_LIST_ID"`
	TrelloAPIURL           string `env:"TRELLO_API_URL" validate:"omitempty,url"`

	// Mailgun release e-mail
	MailgunDomain string `env:"MAILGUN_DOMAIN"`
	MailgunKey    string `env:"MAILGUN_KEY"`
	MailgunTo     string `env:"MAILGUN_TO" validate:"omitempty,email"`
	MailgunFrom   string `env:"MAILGUN_FROM" validate:"omitempty,email"`
	MailgunAPIURL string `env:"MAILGUN_API_URL" validate:"omitempty,url"`

	// Report backend and metrics push
	ReportURL      string `env:"REPORT_URL" validate:"omitempty,url"`
	ReportToken    string `env:"REPORT_TOKEN"`
	PushgatewayURL string `env:"PUSHGATEWAY_URL" validate:"omitempty,url"`

	// HTTP clients
	MaxRetries     int           `env:"MAX_RETRIES" validate:"min=0"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" validate:"min=1s"`

	// Process
	HealthPort     int    `env:"HEALTH_PORT" validate:"min=0,max=65535"` // 0 disables the server
	DebugEndpoints bool   `env:"DEBUG_ENDPOINTS"`
	Preflight      bool   `env:"PREFLIGHT"`
	LogLevel       string `env:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	LogFormat      string `env:"LOG_FORMAT" validate:"oneof=text json"`
}

// Load reads configuration from environment variables and returns a Config
// with defaults applied for any unset values. When TIERS_FILE is set the tier
// definitions are read from that file instead of TIERS/NON_SCALABLE_TIERS.
func Load() (Config, error) {
	cfg := Config{
		Debug:     parseBool("DEBUG", false),
		Disabled:  parseBool("DISABLED", false),
		AppEnv:    envOrDefault("APP_ENV", "development"),
		Project:   envOrDefault("PROJECT", "cinnamon"),
		Hostname:  envOrDefault("HOSTNAME", "localhost"),
		Namespace: envOrDefault("NAMESPACE", "default"),

		TierLabel: envOrDefault("TIER_LABEL", "tier"),
		TiersFile: os.Getenv("TIERS_FILE"),

		PollInterval:   parseDuration("POLL_INTERVAL", 15*time.Second),
		RolloutTimeout: parseDuration("ROLLOUT_TIMEOUT", 300*time.Second),

		SlackToken:   os.Getenv("SLACK_TOKEN"),
		SlackChannel: envOrDefault("SLACK_CHANNEL", "dev-null"),
		SlackAPIURL:  envOrDefault("SLACK_API_URL", "https://slack.com/api"),
		LogURLBase:   os.Getenv("LOG_URL_BASE"),

		DatabaseInstance:     envOrDefault("DATABASE_INSTANCE_NAME", "dev-sql"),
		DatabaseName:         envOrDefault("DATABASE_NAME", "cinnamon"),
		DatabaseBackupBucket: envOrDefault("DATABASE_BACKUP_BUCKET", "gs://developers-adgo-io/backups/postgresql"),
		BackupCommand:        envOrDefault("BACKUP_COMMAND", "gcloud"),

		MigratorSource:     envOrDefault("APP_MIGRATOR_SOURCE", "gql-server-private"),
		MigratorSourceTier: envOrDefault("APP_MIGRATOR_SOURCE_TIER", "apiserver"),
		MigratorCommand:    parseStringSliceOrDefault("APP_MIGRATOR_COMMAND", []string{"npm"}),
		MigratorArgs:       parseStringSliceOrDefault("APP_MIGRATOR_ARGS", []string{"run", "--prefix", "/app", "migration:run"}),

		TrelloSendNotification: parseBool("TRELLO_SEND_NOTIFICATION", false),
		TrelloKey:              os.Getenv("TRELLO_KEY"),
		TrelloToken:            os.Getenv("TRELLO_TOKEN"),
		TrelloListID:           os.Getenv("TRELLO_LIST_ID"),
		TrelloAPIURL:           envOrDefault("TRELLO_API_URL", "https://api.trello.com/1"),

		MailgunDomain: os.Getenv("MAILGUN_DOMAIN"),
		MailgunKey:    os.Getenv("MAILGUN_KEY"),
		MailgunTo:     os.Getenv("MAILGUN_TO"),
		MailgunFrom:   envOrDefault("MAILGUN_FROM", "release@adgo.io"),
		MailgunAPIURL: envOrDefault("MAILGUN_API_URL", "https://api.mailgun.net/v3"),

		ReportURL:      os.Getenv("REPORT_URL"),
		ReportToken:    os.Getenv("REPORT_TOKEN"),
		PushgatewayURL: os.Getenv("PUSHGATEWAY_URL"),

		MaxRetries:     parseInt("MAX_RETRIES", 3),
		RequestTimeout: parseDuration("REQUEST_TIMEOUT", 30*time.Second),

		HealthPort:     parseInt("HEALTH_PORT", 8080),
		DebugEndpoints: parseBool("DEBUG_ENDPOINTS", false),
		Preflight:      parseBool("PREFLIGHT", true),
		LogLevel:       strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:      strings.ToLower(envOrDefault("LOG_FORMAT", "text")),
	}

	if cfg.TiersFile != "" {
		tiers, err := LoadTiersFile(cfg.TiersFile, cfg.TierLabel)
		if err != nil {
			return cfg, err
		}
		cfg.Tiers = tiers
		return cfg, nil
	}

	cfg.Tiers = BuildTiers(
		parseStringSliceOrDefault("TIERS", []string{"frontend", "scheduler", "worker", "gateway", "apiserver"}),
		parseStringSlice("NON_SCALABLE_TIERS"),
		cfg.TierLabel,
	)
	return cfg, nil
}

// MigratorJobName is the fixed name of the migration job, reused across runs.
func (c Config) MigratorJobName() string {
	return c.Project + "-migrator"
}

// BackupDestination is the storage prefix that receives database exports.
func (c Config) BackupDestination() string {
	return strings.TrimSuffix(c.DatabaseBackupBucket, "/") + "/" + c.DatabaseName
}

// IsProduction reports whether the deployer targets the production
// environment.
func (c Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// parseDuration tries time.ParseDuration first, then falls back to treating
// the value as integer seconds.
func parseDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}

	d, err := time.ParseDuration(v)
	if err == nil {
		return d
	}

	// Fallback: treat as integer seconds
	secs, err := strconv.Atoi(v)
	if err == nil {
		return time.Duration(secs) * time.Second
	}

	return defaultVal
}

func parseBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func parseInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func parseStringSlice(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var result []string
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			result = append(result, s)
		}
	}
	return result
}

func parseStringSliceOrDefault(key string, defaultVal []string) []string {
	if v := parseStringSlice(key); len(v) > 0 {
		return v
	}
	return defaultVal
}
