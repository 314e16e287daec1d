package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/activitysync/internal/config"
	"github.com/agentworkforce/activitysync/internal/content"
	"github.com/agentworkforce/activitysync/internal/httpapi"
	"github.com/agentworkforce/activitysync/internal/importer"
	"github.com/agentworkforce/activitysync/internal/review"
	"github.com/agentworkforce/activitysync/internal/sources"
	"github.com/agentworkforce/activitysync/internal/upsert"
	"github.com/agentworkforce/activitysync/internal/webhook"
)

// app holds every component a command can need. It is built once per
// invocation and handed to the command explicitly.
type app struct {
	cfg       config.Config
	logger    *logrus.Logger
	repo      content.Repository
	engine    *upsert.Engine
	registry  *sources.Registry
	jobs      importer.JobStore
	scheduler *importer.TimerScheduler
	orch      *importer.Orchestrator
	review    *review.Queue
	webhooks  *webhook.Registry
	gateway   *webhook.Gateway
	lookup    *sources.ThrottleGate
}

func newApp(envFile string, logOut io.Writer) (*app, error) {
	bootstrap := logrus.New()
	bootstrap.SetOutput(logOut)
	cfg, err := config.Load(envFile, bootstrap)
	if err != nil {
		return nil, err
	}
	logger, err := config.NewLogger(cfg, logOut)
	if err != nil {
		return nil, err
	}

	repo, err := content.BuildRepositoryFromDSN(cfg.ContentDSN, cfg.ContentToken)
	if err != nil {
		return nil, fmt.Errorf("content repository: %w", err)
	}
	engine := upsert.NewEngine(repo, upsert.LogNotifier{Logger: logger}, logger)
	registry := buildSourceRegistry(cfg)

	jobs, err := importer.BuildJobStoreFromDSN(cfg.JobStoreDSN)
	if err != nil {
		return nil, fmt.Errorf("job store: %w", err)
	}
	scheduler := importer.NewTimerScheduler(logger.WithField("component", "scheduler"))
	orch := importer.NewOrchestrator(jobs, registry, engine, scheduler, importer.Config{
		BatchCap:   cfg.BatchCap,
		BatchDelay: cfg.BatchDelay,
		LeaseTTL:   cfg.LeaseTTL,
		Retention:  cfg.JobRetention,
		Logger:     logger.WithField("component", "importer"),
	})
	scheduler.Bind(orch)

	queue, err := review.NewQueue(review.BuildBackend(cfg.ReviewStateFile), engine, review.Options{
		PostStatus: cfg.WebhookPostStatus,
		Logger:     logger.WithField("component", "review"),
	})
	if err != nil {
		_ = jobs.Close()
		return nil, err
	}

	endpoints, err := webhook.DefaultEndpoints(cfg.WebhookAutoPost)
	if err != nil {
		_ = jobs.Close()
		return nil, err
	}
	webhooks := webhook.NewRegistry(endpoints...)
	if err := reloadWebhookSettings(webhooks, cfg.SettingsFile); err != nil {
		_ = jobs.Close()
		return nil, err
	}
	secrets, err := webhook.NewSecretStore(cfg.SecretsFile)
	if err != nil {
		_ = jobs.Close()
		return nil, err
	}
	gateway := webhook.NewGateway(webhooks, secrets, engine, queue, webhook.Options{
		PostStatus:    cfg.WebhookPostStatus,
		MaxBodyBytes:  cfg.WebhookMaxBodyBytes,
		RatePerSecond: cfg.WebhookRatePerSecond,
		RateBurst:     cfg.WebhookRateBurst,
		Logger:        logger.WithField("component", "webhook"),
	})

	return &app{
		cfg:       cfg,
		logger:    logger,
		repo:      repo,
		engine:    engine,
		registry:  registry,
		jobs:      jobs,
		scheduler: scheduler,
		orch:      orch,
		review:    queue,
		webhooks:  webhooks,
		gateway:   gateway,
		lookup:    sources.NewThrottleGate(cfg.LookupInterval),
	}, nil
}

// buildSourceRegistry registers every adapter. Adapters without credentials
// stay registered and report themselves as unconfigured when a job starts.
func buildSourceRegistry(cfg config.Config) *sources.Registry {
	return sources.NewRegistry(
		sources.NewLastFM(cfg.LastFM),
		sources.NewListenBrainz(cfg.ListenBrainz),
		sources.NewFoursquare(cfg.Foursquare),
		sources.NewTrakt(cfg.Trakt),
		sources.NewReadwise(cfg.Readwise),
		sources.NewPinboard(cfg.Pinboard),
	)
}

func reloadWebhookSettings(registry *webhook.Registry, path string) error {
	settings, err := webhook.LoadSettings(path)
	if err != nil {
		return err
	}
	return registry.Apply(settings)
}

func (a *app) server() *httpapi.Server {
	return httpapi.NewServer(httpapi.Services{
		Orchestrator: a.orch,
		Review:       a.review,
		Gateway:      a.gateway,
		Sources:      a.registry,
		Lookup:       a.lookup,
	}, httpapi.ServerConfig{
		JWTSecret: a.cfg.JWTSecret,
		Logger:    a.logger.WithField("component", "http"),
	})
}

// watchSettings reapplies the webhook settings file whenever it changes.
// A broken file is logged and the previous settings stay in effect.
func (a *app) watchSettings(ctx context.Context) {
	path := strings.TrimSpace(a.cfg.SettingsFile)
	if path == "" {
		return
	}
	err := config.WatchSettings(ctx, path, func() {
		if err := reloadWebhookSettings(a.webhooks, path); err != nil {
			a.logger.WithError(err).WithField("path", path).Warn("Webhook settings rejected, keeping previous settings")
			return
		}
		a.logger.WithField("path", path).Info("Webhook settings reloaded")
	}, a.logger)
	if err != nil {
		a.logger.WithError(err).WithField("path", path).Warn("Webhook settings will not be reloaded")
	}
}

// recurring registers the cron entries from the configuration.
func (a *app) recurring() (*importer.Recurring, error) {
	rec := importer.NewRecurring(a.orch, a.logger.WithField("component", "cron"))
	for source, spec := range a.cfg.Schedules {
		if err := rec.AddImport(spec, string(source), importer.DefaultOptions()); err != nil {
			return nil, err
		}
	}
	if spec := strings.TrimSpace(a.cfg.GCSchedule); spec != "" {
		if err := rec.AddGC(spec, a.cfg.JobRetention); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func (a *app) Close() {
	if err := a.scheduler.Close(); err != nil {
		a.logger.WithError(err).Warn("Scheduler close failed")
	}
	if err := a.jobs.Close(); err != nil {
		a.logger.WithError(err).Warn("Job store close failed")
	}
}

func stderrOr(w io.Writer) io.Writer {
	if w == nil {
		return os.Stderr
	}
	return w
}
