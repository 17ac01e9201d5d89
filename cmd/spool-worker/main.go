// spool-worker runs the reconciliation loop without the HTTP API, for
// deployments that put the API and the drain in separate processes. With
// --once it performs a single pass and exits, which is what the cron-style
// startup drain uses.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/edunexus/spool/internal/delivery"
	"github.com/edunexus/spool/internal/obs"
	"github.com/edunexus/spool/internal/reconcile"
	"github.com/edunexus/spool/internal/spool"
	"github.com/edunexus/spool/internal/store"
)

type config struct {
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

	WorkerInterval time.Duration `env:"SPOOL_WORKER_INTERVAL" envDefault:"1m"`

	MailFrom        string `env:"SPOOL_MAIL_FROM"`
	SendgridAPIKey  string `env:"SPOOL_SENDGRID_API_KEY"`
	SendgridBaseURL string `env:"SPOOL_SENDGRID_BASE_URL"`
	SMTPHost        string `env:"SPOOL_SMTP_HOST"`
	SMTPPort        int    `env:"SPOOL_SMTP_PORT"`
	SMTPUsername    string `env:"SPOOL_SMTP_USERNAME"`
	SMTPPassword    string `env:"SPOOL_SMTP_PASSWORD"`

	InboundDropDir string `env:"SPOOL_INBOUND_DROP_DIR"`
}

func main() {
	once := flag.Bool("once", false, "run a single reconciliation pass and exit")
	flag.Parse()

	cfg, err := env.ParseAs[config]()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	logger, err := obs.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

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
		Metrics:  obs.NewMetrics(),
		Logger:   logger,
		Config: reconcile.Config{
			MaxAttempts:     cfg.MaxAttempts,
			BaseURL:         cfg.BaseURL,
			DevNotifyEmail:  cfg.DevNotifyEmail,
			AdminAlertEmail: cfg.AdminAlertEmail,
			AllowFallback:   cfg.AllowFallback,
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *once {
		worker.SafeRunOnce(ctx)
		return
	}

	kick := make(chan struct{}, 1)
	if cfg.InboundDropDir != "" {
		if closeWatcher, err := watchDropDir(cfg.InboundDropDir, kick, logger); err != nil {
			logger.Warnw("inbound drop dir watch failed, relying on the interval", "dir", cfg.InboundDropDir, "error", err)
		} else {
			defer closeWatcher()
		}
	}
	worker.RunLoop(ctx, cfg.WorkerInterval, kick)
}

// watchDropDir kicks the worker as soon as a new inbound file lands, so a
// reply to an approval mail acts within seconds instead of on the next tick.
func watchDropDir(dir string, kick chan<- struct{}, logger *zap.SugaredLogger) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
					select {
					case kick <- struct{}{}:
					default:
					}
				}
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warnw("drop dir watcher error", "error", watchErr)
			}
		}
	}()
	return func() { _ = watcher.Close() }, nil
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
