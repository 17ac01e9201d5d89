// spoold runs the delivery layer as a service: the HTTP API, the
// reconciliation worker loop, and the queue depth monitor in one process.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"

	"github.com/edunexus/spool/internal/delivery"
	"github.com/edunexus/spool/internal/httpapi"
	"github.com/edunexus/spool/internal/obs"
	"github.com/edunexus/spool/internal/reconcile"
	"github.com/edunexus/spool/internal/spool"
	"github.com/edunexus/spool/internal/store"
)

type config struct {
	Addr     string `env:"SPOOL_ADDR" envDefault:":8080"`
	LogLevel string `env:"SPOOL_LOG_LEVEL" envDefault:"info"`

	DataDir  string `env:"SPOOL_DATA_DIR" envDefault:".spool"`
	QueueDSN string `env:"SPOOL_QUEUE_DSN"`

	StoreDSN      string `env:"SPOOL_STORE_DSN,required"`
	FallbackDSN   string `env:"SPOOL_FALLBACK_DSN"`
	AllowFallback bool   `env:"SPOOL_ALLOW_FALLBACK"`

	BaseURL         string `env:"SPOOL_BASE_URL"`
	DevNotifyEmail  string `env:"SPOOL_DEV_NOTIFY_EMAIL"`
	AdminAlertEmail string `env:"SPOOL_ADMIN_ALERT_EMAIL"`
	MaxAttempts     int    `env:"SPOOL_MAX_ATTEMPTS"`

	WorkerInterval  time.Duration `env:"SPOOL_WORKER_INTERVAL" envDefault:"1m"`
	MonitorInterval time.Duration `env:"SPOOL_MONITOR_INTERVAL" envDefault:"5m"`

	AlertThresholdOutbox      int `env:"SPOOL_ALERT_THRESHOLD_OUTBOX"`
	AlertThresholdSignups     int `env:"SPOOL_ALERT_THRESHOLD_SIGNUPS"`
	AlertThresholdOrgRequests int `env:"SPOOL_ALERT_THRESHOLD_ORG_REQUESTS"`
	AlertThresholdInbound     int `env:"SPOOL_ALERT_THRESHOLD_INBOUND"`

	MailFrom        string `env:"SPOOL_MAIL_FROM"`
	SendgridAPIKey  string `env:"SPOOL_SENDGRID_API_KEY"`
	SendgridBaseURL string `env:"SPOOL_SENDGRID_BASE_URL"`
	SMTPHost        string `env:"SPOOL_SMTP_HOST"`
	SMTPPort        int    `env:"SPOOL_SMTP_PORT"`
	SMTPUsername    string `env:"SPOOL_SMTP_USERNAME"`
	SMTPPassword    string `env:"SPOOL_SMTP_PASSWORD"`

	InboundDropDir string `env:"SPOOL_INBOUND_DROP_DIR"`

	AdminKey        string        `env:"SPOOL_ADMIN_KEY"`
	WebhookSecret   string        `env:"SPOOL_WEBHOOK_SECRET"`
	AdminCopyEmail  string        `env:"SPOOL_ADMIN_COPY_EMAIL"`
	RateLimitMax    int           `env:"SPOOL_RATE_LIMIT_MAX"`
	RateLimitWindow time.Duration `env:"SPOOL_RATE_LIMIT_WINDOW" envDefault:"1m"`
	MaxBodyBytes    int64         `env:"SPOOL_MAX_BODY_BYTES"`
}

func main() {
	cfg, err := env.ParseAs[config]()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	logger, err := obs.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	metrics := obs.NewMetrics()

	queues, err := buildQueues(cfg, logger)
	if err != nil {
		logger.Fatalw("failed to initialize queues", "error", err)
	}
	primary, err := store.BuildFromDSN(cfg.StoreDSN)
	if err != nil {
		logger.Fatalw("failed to initialize store", "error", err)
	}
	defer func() { _ = primary.Close() }()
	var fallback store.RecordStore
	if cfg.FallbackDSN != "" {
		fallback, err = store.BuildFromDSN(cfg.FallbackDSN)
		if err != nil {
			logger.Fatalw("failed to initialize fallback store", "error", err)
		}
		defer func() { _ = fallback.Close() }()
	}

	sender := buildSender(cfg, queues, logger)

	var inbox reconcile.InboundSource
	if cfg.InboundDropDir != "" {
		inbox = reconcile.NewDropDirSource(cfg.InboundDropDir, logger)
	}
	worker := reconcile.New(reconcile.Options{
		Queues:   queues,
		Primary:  primary,
		Fallback: fallback,
		Sender:   sender,
		Inbox:    inbox,
		Metrics:  metrics,
		Logger:   logger,
		Config: reconcile.Config{
			MaxAttempts:     cfg.MaxAttempts,
			BaseURL:         cfg.BaseURL,
			DevNotifyEmail:  cfg.DevNotifyEmail,
			AdminAlertEmail: cfg.AdminAlertEmail,
			AllowFallback:   cfg.AllowFallback,
		},
	})
	monitor := reconcile.NewMonitor(queues, sender, cfg.AdminAlertEmail, reconcile.Thresholds{
		Outbox:      cfg.AlertThresholdOutbox,
		Signups:     cfg.AlertThresholdSignups,
		OrgRequests: cfg.AlertThresholdOrgRequests,
		Inbound:     cfg.AlertThresholdInbound,
	}, logger)

	kick := make(chan struct{}, 1)
	server := httpapi.NewServer(httpapi.Options{
		Queues:  queues,
		Store:   primary,
		Sender:  sender,
		Worker:  worker,
		Metrics: metrics,
		Logger:  logger,
		Kick:    kick,
		Config: httpapi.Config{
			AdminKey:        cfg.AdminKey,
			WebhookSecret:   cfg.WebhookSecret,
			AdminCopyEmail:  cfg.AdminCopyEmail,
			RateLimitMax:    cfg.RateLimitMax,
			RateLimitWindow: cfg.RateLimitWindow,
			MaxBodyBytes:    cfg.MaxBodyBytes,
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go worker.RunLoop(ctx, cfg.WorkerInterval, kick)
	go monitor.Run(ctx, cfg.MonitorInterval)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Infow("spoold listening", "addr", cfg.Addr, "dataDir", cfg.DataDir)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalw("server failed", "error", err)
	}
	logger.Infow("spoold stopped")
}

func buildQueues(cfg config, logger *zap.SugaredLogger) (reconcile.Queues, error) {
	dsn := cfg.QueueDSN
	if dsn == "" {
		dsn = cfg.DataDir
	}
	var queues reconcile.Queues
	outboxBackend, err := spool.BuildBackendFromDSN(dsn, spool.QueueNameOutbox, logger)
	if err != nil {
		return queues, err
	}
	signupBackend, err := spool.BuildBackendFromDSN(dsn, spool.QueueNameSignups, logger)
	if err != nil {
		return queues, err
	}
	orgBackend, err := spool.BuildBackendFromDSN(dsn, spool.QueueNameOrgRequests, logger)
	if err != nil {
		return queues, err
	}
	inboundBackend, err := spool.BuildBackendFromDSN(dsn, spool.QueueNameInbound, logger)
	if err != nil {
		return queues, err
	}
	queues.Outbox = spool.NewOutboxQueue(outboxBackend, logger)
	queues.Signups = spool.NewSignupQueue(signupBackend, logger)
	queues.OrgRequests = spool.NewOrgRequestQueue(orgBackend, logger)
	queues.Inbound = spool.NewInboundQueue(inboundBackend, logger)
	return queues, nil
}

func buildSender(cfg config, queues reconcile.Queues, logger *zap.SugaredLogger) delivery.Sender {
	var providers []delivery.Provider
	if cfg.SendgridAPIKey != "" {
		providers = append(providers, delivery.NewAPIProvider(delivery.APIProviderOptions{
			BaseURL: cfg.SendgridBaseURL,
			APIKey:  cfg.SendgridAPIKey,
			From:    cfg.MailFrom,
		}))
	}
	if cfg.SMTPHost != "" {
		providers = append(providers, delivery.NewSMTPProvider(delivery.SMTPProviderOptions{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.MailFrom,
		}))
	}
	if len(providers) == 0 {
		logger.Warnw("no mail providers configured, all sends will spill to the outbox")
	}
	return delivery.NewChain(providers, reconcile.OutboxSpill{Queue: queues.Outbox}, logger)
}
