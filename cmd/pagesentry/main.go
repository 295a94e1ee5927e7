// Package main wires together the page monitoring service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/pagesentry/pagesentry/internal/api"
	gcsartifacts "github.com/pagesentry/pagesentry/internal/artifacts/gcs"
	localartifacts "github.com/pagesentry/pagesentry/internal/artifacts/local"
	"github.com/pagesentry/pagesentry/internal/attachments"
	"github.com/pagesentry/pagesentry/internal/audit"
	"github.com/pagesentry/pagesentry/internal/checker"
	"github.com/pagesentry/pagesentry/internal/clock/system"
	"github.com/pagesentry/pagesentry/internal/config"
	eventsmemory "github.com/pagesentry/pagesentry/internal/events/memory"
	eventspubsub "github.com/pagesentry/pagesentry/internal/events/pubsub"
	"github.com/pagesentry/pagesentry/internal/id/uuid"
	"github.com/pagesentry/pagesentry/internal/links"
	"github.com/pagesentry/pagesentry/internal/logging"
	"github.com/pagesentry/pagesentry/internal/metrics"
	"github.com/pagesentry/pagesentry/internal/monitor"
	"github.com/pagesentry/pagesentry/internal/notify"
	"github.com/pagesentry/pagesentry/internal/probe"
	"github.com/pagesentry/pagesentry/internal/render"
	"github.com/pagesentry/pagesentry/internal/scheduler"
	"github.com/pagesentry/pagesentry/internal/settings"
	memstore "github.com/pagesentry/pagesentry/internal/store/memory"
	pgstore "github.com/pagesentry/pagesentry/internal/store/postgres"

	"gopkg.in/gomail.v2"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("service failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	clock := system.New()
	idGen := uuid.New()

	store, closeStore, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	artifactStore, err := buildArtifacts(ctx, cfg)
	if err != nil {
		return err
	}

	publisher, closeEvents, err := buildEvents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeEvents()

	browser, err := render.New(render.Config{
		UserAgent:         cfg.Browser.UserAgent,
		NavTimeout:        cfg.Browser.NavTimeout(),
		SelectorWait:      cfg.Browser.SelectorWait(),
		LinkScopeWait:     cfg.Browser.LinkScopeWait(),
		ScreenshotQuality: cfg.Browser.ScreenshotQuality,
	})
	if err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	defer browser.Close()

	httpClient := probe.New(probe.Config{
		UserAgent:       cfg.Browser.UserAgent,
		ProbeTimeout:    cfg.HTTP.ProbeTimeout(),
		DownloadTimeout: cfg.HTTP.DownloadTimeout(),
		MaxRedirects:    cfg.HTTP.MaxRedirects,
	}, logger)

	settingsSvc := settings.New(store, clock)
	auditor := audit.New(store, settingsSvc, clock, logger)
	tracker := links.New(store, auditor, clock, logger)
	attachmentMgr := attachments.New(store, browser, httpClient, httpClient, artifactStore, auditor, clock, logger)

	dispatcher, err := buildNotifier(cfg, store, clock, logger)
	if err != nil {
		return err
	}

	orchestrator, err := checker.New(checker.Config{
		Store:       store,
		Browser:     browser,
		Tracker:     tracker,
		Attachments: attachmentMgr,
		Settings:    settingsSvc,
		Notifier:    dispatcher,
		Artifacts:   artifactStore,
		Events:      publisher,
		EventTopic:  cfg.Events.Topic,
		IDs:         idGen,
		Clock:       clock,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("build checker: %w", err)
	}

	sched, err := scheduler.New(scheduler.Config{
		Store:         store,
		Runner:        orchestrator,
		MaxConcurrent: cfg.Scheduler.MaxConcurrentChecks,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}
	if err := sched.Rebuild(ctx); err != nil {
		return fmt.Errorf("load schedule: %w", err)
	}
	sched.Start(ctx)
	defer sched.Stop()

	server, err := api.New(api.Config{
		Addr:      fmt.Sprintf(":%d", cfg.Server.Port),
		Store:     store,
		Scheduler: sched,
		Settings:  settingsSvc,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("build api server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	return nil
}

func buildStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (monitor.Store, func(), error) {
	switch cfg.Database.Provider {
	case "postgres":
		store, err := pgstore.New(ctx, pgstore.Config{
			DSN:      cfg.Database.DSN,
			MaxConns: cfg.Database.MaxConns,
			MinConns: cfg.Database.MinConns,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		return store, store.Close, nil
	case "memory":
		logger.Warn("using in-memory store, data will not survive restarts")
		return memstore.NewStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown database provider %q", cfg.Database.Provider)
	}
}

func buildArtifacts(ctx context.Context, cfg config.Config) (monitor.ArtifactStore, error) {
	switch cfg.Artifacts.Provider {
	case "local":
		store, err := localartifacts.New(localartifacts.Config{BaseDir: cfg.Artifacts.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("init local artifact store: %w", err)
		}
		return store, nil
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		return gcsartifacts.New(client, gcsartifacts.Config{Bucket: cfg.Artifacts.GCSBucket})
	default:
		return nil, fmt.Errorf("unknown artifacts provider %q", cfg.Artifacts.Provider)
	}
}

func buildEvents(ctx context.Context, cfg config.Config, logger *zap.Logger) (monitor.Publisher, func(), error) {
	switch cfg.Events.Provider {
	case "pubsub":
		pub, err := eventspubsub.New(ctx, cfg.Events.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("create pubsub publisher: %w", err)
		}
		return pub, func() {
			if err := pub.Close(); err != nil {
				logger.Warn("pubsub close failed", zap.Error(err))
			}
		}, nil
	case "memory":
		return eventsmemory.New(), func() {}, nil
	case "noop":
		return nil, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown events provider %q", cfg.Events.Provider)
	}
}

func buildNotifier(cfg config.Config, store monitor.Store, clock monitor.Clock, logger *zap.Logger) (*notify.Dispatcher, error) {
	notifCfg := notify.Config{
		Log:          store,
		Webhook:      notify.NewWebhookClient(0),
		PublicWebURL: cfg.Notifications.PublicWebURL,
		AdminPhone:   cfg.Notifications.AdminPhone,
		Clock:        clock,
		Logger:       logger,
	}

	if cfg.Notifications.SMTP.Host != "" {
		notifCfg.Mail = gomail.NewDialer(
			cfg.Notifications.SMTP.Host,
			cfg.Notifications.SMTP.Port,
			cfg.Notifications.SMTP.Username,
			cfg.Notifications.SMTP.Password,
		)
		notifCfg.MailFrom = cfg.Notifications.SMTP.From
	}

	for _, providerCfg := range cfg.Notifications.SMSProviders {
		notifCfg.SMSProviders = append(notifCfg.SMSProviders, notify.NewHTTPSMSProvider(providerCfg))
	}

	return notify.New(notifCfg)
}
