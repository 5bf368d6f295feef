package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/lo"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/utils/clock"

	"github.com/adgo-io/deployer/internal/backup"
	"github.com/adgo-io/deployer/internal/cluster"
	"github.com/adgo-io/deployer/internal/config"
	deployerrors "github.com/adgo-io/deployer/internal/errors"
	"github.com/adgo-io/deployer/internal/health"
	"github.com/adgo-io/deployer/internal/migration"
	"github.com/adgo-io/deployer/internal/notify"
	"github.com/adgo-io/deployer/internal/observability"
	"github.com/adgo-io/deployer/internal/preflight"
	"github.com/adgo-io/deployer/internal/rollout"
	"github.com/adgo-io/deployer/internal/summary"
	"github.com/adgo-io/deployer/internal/transport"
	"github.com/adgo-io/deployer/internal/verify"
	"github.com/adgo-io/deployer/pkg/model"
)

// shutdownTimeout bounds the work done after the rollout has finished:
// metrics push, report upload and health server shutdown.
const shutdownTimeout = 30 * time.Second

// run wires the deployer from cfg, executes plan and returns the process
// exit status.
func run(parent context.Context, cfg config.Config, plan model.RolloutPlan, printer *summary.Printer) int {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)
	// Signals are logged only. The rollout and its recovery always run to
	// completion, bounded by the verification timeouts.
	go func() {
		for {
			select {
			case sig := <-sigCh:
				slog.Warn("shutdown signal received, letting the rollout finish", "signal", sig)
			case <-ctx.Done():
				return
			}
		}
	}()

	slog.Info("deployer starting",
		"version", cfg.Version,
		"run_id", plan.RunID,
		"project", cfg.Project,
		"namespace", cfg.Namespace,
		"release", plan.Release,
		"migration", plan.MigrationLevel.String(),
		"cronjobs", plan.IncludeCronJobs,
	)

	templateTier, ok := lo.Find(cfg.Tiers, func(t model.Tier) bool { return t.Name == cfg.MigratorSourceTier })
	if !ok {
		slog.Error("invalid configuration", "error", "APP_MIGRATOR_SOURCE_TIER is not a configured tier", "tier", cfg.MigratorSourceTier)
		return 1
	}

	clk := clock.RealClock{}
	metrics := observability.NewMetrics()
	incidents := deployerrors.NewCollector(clk)

	restCfg, err := buildKubeConfig(cfg.Debug)
	if err != nil {
		slog.Error("failed to build kubernetes config", "error", err)
		return 1
	}
	kubeClient, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		slog.Error("failed to create kubernetes client", "error", err)
		return 1
	}

	gw := cluster.NewClient(kubeClient, cfg.Namespace)
	verifier := verify.New(gw, clk, cfg.PollInterval, cfg.RolloutTimeout, metrics)
	migrator := migration.NewRunner(gw, verifier, clk, migration.Options{
		JobName:      cfg.MigratorJobName(),
		TemplateName: cfg.MigratorSource,
		Command:      cfg.MigratorCommand,
		Args:         cfg.MigratorArgs,
		Interval:     cfg.PollInterval,
		Timeout:      cfg.RolloutTimeout,
	}, metrics)
	exporter := backup.NewExporter(nil, clk, backup.Options{
		Command:     cfg.BackupCommand,
		Instance:    cfg.DatabaseInstance,
		Database:    cfg.DatabaseName,
		Destination: cfg.BackupDestination(),
	})

	var checker rollout.PermissionChecker
	if cfg.Preflight {
		checker = preflight.NewChecker(kubeClient, cfg.Namespace)
	}

	orch := rollout.New(rollout.Dependencies{
		Gateway:   gw,
		Verifier:  verifier,
		Migrator:  migrator,
		Backup:    exporter,
		Notifier:  buildNotifier(cfg, metrics),
		Preflight: checker,
		Incidents: incidents,
		Metrics:   metrics,
		Clock:     clk,
	}, rollout.Options{
		Project:      cfg.Project,
		Namespace:    cfg.Namespace,
		Tiers:        cfg.Tiers,
		TemplateName: cfg.MigratorSource,
		TemplateTier: templateTier,
	})

	var healthSrv *health.Server
	if cfg.HealthPort > 0 {
		healthSrv = health.NewServer(cfg.HealthPort, metrics, orch, orch, incidents, cfg.DebugEndpoints)
		if err := healthSrv.Start(); err != nil {
			slog.Error("failed to start health server", "error", err)
			return 1
		}
	}

	result := orch.Run(ctx, plan)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer shutdownCancel()

	if cfg.PushgatewayURL != "" {
		if err := metrics.Push(shutdownCtx, cfg.PushgatewayURL, cfg.Namespace); err != nil {
			slog.Warn("metrics push failed", "error", err)
			incidents.Report(deployerrors.Incident{
				Code:      deployerrors.ErrMetricsPush,
				Message:   err.Error(),
				Component: "observability",
				Err:       err,
			})
		}
	}

	if cfg.ReportURL != "" {
		client := transport.NewClient(transport.Options{
			BaseURL:        cfg.ReportURL,
			Token:          cfg.ReportToken,
			Version:        cfg.Version,
			MaxRetries:     cfg.MaxRetries,
			RequestTimeout: cfg.RequestTimeout,
		}, metrics, incidents)
		if _, err := client.Send(shutdownCtx, &result.Report); err != nil {
			slog.Warn("rollout report not delivered", "error", err)
		}
	}

	if err := printer.Print(&result.Report); err != nil {
		slog.Warn("failed to print summary", "error", err)
	}

	if healthSrv != nil {
		if err := healthSrv.Stop(shutdownCtx); err != nil {
			slog.Error("health server shutdown error", "error", err)
		}
	}

	slog.Info("deployer finished", "outcome", result.Outcome, "exit_code", result.Outcome.ExitCode())
	return result.Outcome.ExitCode()
}

// buildNotifier assembles the notification channels enabled by cfg. Every
// channel shares one HTTP client with retry and request logging.
func buildNotifier(cfg config.Config, metrics *observability.Metrics) notify.Notifier {
	if cfg.Disabled {
		slog.Info("notifications disabled")
		return notify.Nop{}
	}

	rt := transport.WithLogging(slog.Default(), transport.WithRetry(cfg.MaxRetries, transport.NewBaseTransport()))
	client := notify.NewHTTPClient(cfg.RequestTimeout, rt)
	fanout := notify.NewFanout(metrics)

	if cfg.SlackToken != "" {
		fanout.Add("slack", notify.NewSlack(notify.SlackOptions{
			APIURL:     cfg.SlackAPIURL,
			Token:      cfg.SlackToken,
			Channel:    cfg.SlackChannel,
			Hostname:   cfg.Hostname,
			LogURLBase: cfg.LogURLBase,
			Production: cfg.IsProduction(),
		}, client))
	}

	if cfg.TrelloSendNotification {
		var mailer notify.ReleaseMailer
		if cfg.MailgunDomain != "" {
			mailer = notify.NewMailgun(notify.MailgunOptions{
				APIURL:  cfg.MailgunAPIURL,
				Domain:  cfg.MailgunDomain,
				Key:     cfg.MailgunKey,
				From:    cfg.MailgunFrom,
				To:      cfg.MailgunTo,
				Project: cfg.Project,
			}, client)
		}
		fanout.Add("trello", notify.NewTrello(notify.TrelloOptions{
			APIURL: cfg.TrelloAPIURL,
			Key:    cfg.TrelloKey,
			Token:  cfg.TrelloToken,
			ListID: cfg.TrelloListID,
		}, client, mailer))
	}

	slog.Info("notification channels configured", "channels", fanout.Len())
	return fanout
}

// buildKubeConfig uses the kubeconfig file (from $KUBECONFIG or the default
// ~/.kube/config) when debug is set, the in-cluster config otherwise.
func buildKubeConfig(debug bool) (*rest.Config, error) {
	if !debug {
		slog.Info("using in-cluster kubernetes config")
		return rest.InClusterConfig()
	}

	kubeconfig := os.Getenv("KUBECONFIG")
	if kubeconfig == "" {
		kubeconfig = clientcmd.RecommendedHomeFile
	}
	cfg, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, err
	}
	slog.Info("using kubeconfig file", "path", kubeconfig)
	return cfg, nil
}
