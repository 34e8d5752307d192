package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"

	"github.com/kinoclub/billing-engine/internal/entrypoints"
	"github.com/kinoclub/billing-engine/internal/gateway"
	"github.com/kinoclub/billing-engine/internal/gateway/stars"
	"github.com/kinoclub/billing-engine/internal/gateway/yookassa"
	"github.com/kinoclub/billing-engine/internal/notify"
	"github.com/kinoclub/billing-engine/internal/pricing"
	"github.com/kinoclub/billing-engine/internal/scheduler"
	"github.com/kinoclub/billing-engine/internal/subscriptions"
	"github.com/kinoclub/billing-engine/pkg/config"
	"github.com/kinoclub/billing-engine/pkg/db"
	"github.com/kinoclub/billing-engine/pkg/logger"
	"github.com/kinoclub/billing-engine/pkg/metrics"
	"github.com/kinoclub/billing-engine/pkg/migrate"
	"github.com/kinoclub/billing-engine/pkg/pubsub"
	"github.com/kinoclub/billing-engine/pkg/redis"
)

const (
	lockKeyFormat   = "kinoclub:billing:lock:%s"
	leaseKeyFormat  = "kinoclub:billing:lease:%s"
	shutdownTimeout = 15 * time.Second
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "billing-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "billing-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithField(ctx, "env", cfg.App.Env)

	if err := run(ctx, cfg, logg); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "billing worker stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "billing worker shut down gracefully")
}

func run(ctx context.Context, cfg *config.Config, logg *logger.Logger) (err error) {
	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return fmt.Errorf("bootstrapping database: %w", err)
	}
	defer func() { err = multierr.Append(err, dbClient.Close()) }()

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		return fmt.Errorf("running dev migrations: %w", err)
	}

	redisClient, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("bootstrapping redis: %w", err)
	}
	defer func() { err = multierr.Append(err, redisClient.Close()) }()

	table, err := pricing.LoadTable(cfg.Pricing.TablePath)
	if err != nil {
		return fmt.Errorf("loading pricing table: %w", err)
	}
	resolver, err := pricing.NewResolver(table)
	if err != nil {
		return fmt.Errorf("building pricing resolver: %w", err)
	}

	gatewayClient, err := yookassa.NewClient(cfg.Gateway, logg)
	if err != nil {
		return fmt.Errorf("building payment gateway: %w", err)
	}
	var starsGateway gateway.Gateway
	if cfg.Gateway.StarsBotToken != "" {
		starsClient, err := stars.NewClient(cfg.Gateway, logg)
		if err != nil {
			return fmt.Errorf("building stars gateway: %w", err)
		}
		starsGateway = starsClient
	}

	notifier, closeNotifier, err := buildNotifier(ctx, cfg, logg)
	if err != nil {
		return fmt.Errorf("building notifier: %w", err)
	}
	defer func() { err = multierr.Append(err, closeNotifier()) }()

	repo := subscriptions.NewRepository(dbClient.DB())
	subsService, err := subscriptions.NewService(subscriptions.ServiceParams{
		Repo:     repo,
		Resolver: resolver,
		TxRunner: dbClient,
		Logger:   logg,
	})
	if err != nil {
		return fmt.Errorf("building subscription service: %w", err)
	}

	billingMetrics := metrics.NewBillingMetrics(prometheus.DefaultRegisterer)

	processor, err := scheduler.NewProcessor(scheduler.ProcessorParams{
		Store:       repo,
		Lifecycle:   subsService,
		Notifier:    notifier,
		Metrics:     billingMetrics,
		Logger:      logg,
		MaxAttempts: cfg.Scheduler.MaxChargeAttempts,
	})
	if err != nil {
		return fmt.Errorf("building charge processor: %w", err)
	}

	schedService, err := buildScheduler(cfg, logg, repo, subsService, gatewayClient, processor, notifier, billingMetrics, redisClient)
	if err != nil {
		return err
	}

	facade, err := entrypoints.NewService(entrypoints.ServiceParams{
		Subs:         subsService,
		Store:        repo,
		Gateway:      gatewayClient,
		StarsGateway: starsGateway,
		Applier:      processor,
		Resolver:     resolver,
		Logger:       logg,
		Currency:     cfg.Gateway.Currency,
	})
	if err != nil {
		return fmt.Errorf("building entrypoint facade: %w", err)
	}
	api, err := entrypoints.NewAPIHandler(entrypoints.APIHandlerParams{
		Facade: facade,
		Logger: logg,
	})
	if err != nil {
		return fmt.Errorf("building api handler: %w", err)
	}

	webhook, err := entrypoints.NewWebhookHandler(entrypoints.WebhookHandlerParams{
		Resolver: processor,
		Store:    repo,
		Logger:   logg,
	})
	if err != nil {
		return fmt.Errorf("building webhook handler: %w", err)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	api.Register(router)
	webhook.Register(router)
	router.Get("/healthz", healthHandler(dbClient, redisClient))
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              ":" + cfg.App.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logg.Info(logg.WithField(ctx, "addr", server.Addr), "http server starting")
		if serveErr := server.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", serveErr)
		}
	}()
	go func() {
		if runErr := schedService.Run(ctx); runErr != nil && !errors.Is(runErr, context.Canceled) {
			errCh <- fmt.Errorf("scheduler: %w", runErr)
		}
	}()

	select {
	case <-ctx.Done():
	case runErr := <-errCh:
		return runErr
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		err = multierr.Append(err, fmt.Errorf("http shutdown: %w", shutdownErr))
	}
	return err
}

func buildScheduler(
	cfg *config.Config,
	logg *logger.Logger,
	repo subscriptions.Repository,
	subsService *subscriptions.Service,
	gatewayClient *yookassa.Client,
	processor *scheduler.Processor,
	notifier notify.Notifier,
	billingMetrics *metrics.BillingMetrics,
	redisClient *redis.Client,
) (*scheduler.Service, error) {
	lease, err := scheduler.NewRedisLease(redisClient, leaseKey(cfg.App.Env), cfg.Scheduler.LeaseTTL)
	if err != nil {
		return nil, fmt.Errorf("building renewal lease: %w", err)
	}

	reminderJob, err := scheduler.NewReminderJob(scheduler.ReminderJobParams{
		Store:    repo,
		Notifier: notifier,
		Logger:   logg,
		Window:   cfg.Scheduler.ReminderWindow,
		Limit:    cfg.Scheduler.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("building reminder job: %w", err)
	}
	renewalJob, err := scheduler.NewRenewalJob(scheduler.RenewalJobParams{
		Store:     repo,
		Gateway:   gatewayClient,
		Processor: processor,
		Lease:     lease,
		Logger:    logg,
		Currency:  cfg.Gateway.Currency,
		Limit:     cfg.Scheduler.Limit,
		Workers:   cfg.Scheduler.Workers,
	})
	if err != nil {
		return nil, fmt.Errorf("building renewal job: %w", err)
	}
	expiryJob, err := scheduler.NewExpiryJob(scheduler.ExpiryJobParams{
		Store:       repo,
		Lifecycle:   subsService,
		Logger:      logg,
		Limit:       cfg.Scheduler.Limit,
		MaxAttempts: cfg.Scheduler.MaxChargeAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("building expiry job: %w", err)
	}

	lock, err := scheduler.NewRedisLock(redisClient, lockKey(cfg.App.Env), cfg.Scheduler.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("building scheduler lock: %w", err)
	}

	// Reminders go out before charges land; expiry sweeps what charging
	// could not save.
	registry := scheduler.NewRegistry(reminderJob, renewalJob, expiryJob)
	schedService, err := scheduler.NewService(scheduler.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  billingMetrics,
		Interval: cfg.Scheduler.Interval,
	})
	if err != nil {
		return nil, fmt.Errorf("building scheduler service: %w", err)
	}
	return schedService, nil
}

// buildNotifier wires the Pub/Sub notifier when a GCP project is configured
// and falls back to a no-op locally.
func buildNotifier(ctx context.Context, cfg *config.Config, logg *logger.Logger) (notify.Notifier, func() error, error) {
	if cfg.GCP.ProjectID == "" {
		logg.Warn(ctx, "no GCP project configured; billing notifications disabled")
		return notify.Noop{}, func() error { return nil }, nil
	}

	client, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
	if err != nil {
		return nil, nil, err
	}
	notifier, err := notify.NewPubSubNotifier(notify.PubSubNotifierParams{
		Publisher: notify.NewGCPPublisher(client.NotificationPublisher()),
		Logger:    logg,
	})
	if err != nil {
		closeErr := client.Close()
		return nil, nil, multierr.Append(err, closeErr)
	}
	return notifier, client.Close, nil
}

func healthHandler(dbClient *db.Client, redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := dbClient.Ping(ctx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := redisClient.Ping(ctx); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			return
		}
	}
}

func lockKey(env string) string {
	if env == "" {
		env = "local"
	}
	return fmt.Sprintf(lockKeyFormat, env)
}

func leaseKey(env string) string {
	if env == "" {
		env = "local"
	}
	return fmt.Sprintf(leaseKeyFormat, env)
}
