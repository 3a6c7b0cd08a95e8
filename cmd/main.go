package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	remittance "remittance_back"
	"remittance_back/pkg/cache"
	"remittance_back/pkg/config"
	"remittance_back/pkg/eligibility"
	"remittance_back/pkg/evmclient"
	"remittance_back/pkg/handler"
	"remittance_back/pkg/ledger"
	"remittance_back/pkg/middleware"
	"remittance_back/pkg/pricing"
	"remittance_back/pkg/queue"
	"remittance_back/pkg/ratefeed"
	"remittance_back/pkg/repository"
	"remittance_back/pkg/scheduler"
	"remittance_back/pkg/service"
	"remittance_back/pkg/settlement"
	"remittance_back/pkg/tronclient"
	"remittance_back/pkg/utils"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	logrus.SetFormatter(new(logrus.JSONFormatter))

	cfg, err := config.Load("configs")
	if err != nil {
		logrus.Fatalf("Ошибка при загрузке конфигурации: %s", err)
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}
	logrus.Infoln("Запуск сервера")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repos, closeStorage := openStorage(cfg)
	defer closeStorage()

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient = openRedis(ctx, cfg.RedisURL)
		defer redisClient.Close()
	}
	quotes := newQuoteStore(ctx, cfg.Quotes, redisClient)
	var limiter middleware.Limiter
	if redisClient != nil {
		limiter = cache.NewRedisRateLimiter(redisClient, "ratelimit")
	} else {
		logrus.Warn("Redis не настроен, лимиты запросов отключены")
	}

	var jobs []scheduler.Job
	var live pricing.RateSource
	if cfg.RateFeed.Enabled {
		rates := cache.NewRateCache(cfg.RateFeed.MaxAge)
		feed := ratefeed.NewFeed(cfg.RateFeed.Config, cfg.Pricing.Currencies, rates)
		feed.Job()
		live = rates
		jobs = append(jobs, scheduler.Job{Name: "rate_feed", Schedule: cfg.RateFeed.Schedule, Run: feed.Job})
	}
	resolver, err := pricing.NewResolver(cfg.Pricing, live)
	if err != nil {
		logrus.Fatalf("Ошибка в настройках тарифов: %s", err)
	}

	transfers := ledger.New(repos.Transfer)
	gate := eligibility.NewGate(cfg.Limits.Lookup, transfers)

	executor, err := newExecutor(ctx, cfg.Settlement)
	if err != nil {
		logrus.Fatalf("Ошибка при инициализации исполнителя расчетов: %s", err)
	}
	notifier, err := newNotifier(cfg.Mail)
	if err != nil {
		logrus.Fatalf("Ошибка при инициализации почты: %s", err)
	}
	orchestrator := settlement.NewOrchestrator(transfers, executor, resolver, notifier, cfg.Settlement.Orchestrator)

	dispatcher, stopDispatcher, err := newDispatcher(ctx, cfg, orchestrator)
	if err != nil {
		logrus.Fatalf("Ошибка при инициализации очереди расчетов: %s", err)
	}
	defer stopDispatcher()

	reconciler := settlement.NewReconciler(transfers, dispatcher, cfg.Reconcile.ReconcilerConfig)
	jobs = append(jobs, scheduler.Job{Name: "reconcile", Schedule: cfg.Reconcile.Schedule, Run: reconciler.Job()})
	sched := scheduler.New(jobs...)
	sched.Start()

	svc := service.NewService(service.Deps{
		Pricer:     resolver,
		Quotes:     quotes,
		Gate:       gate,
		Ledger:     transfers,
		Dispatcher: dispatcher,
		Notifier:   notifier,
		Limits:     cfg.Limits,
		Config: service.Config{
			QuoteTTL:            cfg.Quotes.TTL,
			EstimatedCompletion: cfg.Settlement.EstimatedCompletion,
		},
	})
	h := handler.NewHandler(svc, handler.Options{
		JWTSecret:        cfg.JWTSecret,
		WebhookSecret:    cfg.WebhookSecret,
		CORSOrigins:      cfg.CORSOrigins,
		Limiter:          limiter,
		TransfersPerHour: cfg.RateLimit.TransfersPerHour,
		QuotesPerMinute:  cfg.RateLimit.QuotesPerMinute,
	})

	srv := new(remittance.Server)
	go func() {
		if err := srv.Run(cfg.Port, h.InitRoute()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatalf("Ошибка при запуске сервера: %s", err)
		}
	}()
	logrus.WithFields(logrus.Fields{
		"port":     cfg.Port,
		"executor": executor.Name(),
		"storage":  cfg.Storage,
	}).Info("Сервер запущен")

	<-ctx.Done()
	logrus.Info("Остановка сервера")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Ошибка при остановке сервера: %s", err)
	}
	select {
	case <-sched.Stop().Done():
	case <-shutdownCtx.Done():
		logrus.Warn("фоновые задачи не завершились вовремя")
	}
}

func openStorage(cfg *config.Config) (*repository.Repository, func()) {
	if cfg.Storage == "memory" {
		logrus.Warn("Переводы хранятся в памяти и пропадут при перезапуске")
		return repository.NewMemoryRepository(), func() {}
	}

	db, err := repository.NewPostgresDB(cfg.DB)
	if err != nil {
		logrus.Fatalf("Ошибка при инициализации базы данных: %s", err)
	}
	if err := repository.ApplyMigrations(db); err != nil {
		logrus.Fatalf("Ошибка при применении миграций: %s", err)
	}
	logrus.Info("База данных подключена")
	return repository.NewRepository(db), func() { db.Close() }
}

func openRedis(ctx context.Context, url string) *redis.Client {
	opts, err := redis.ParseURL(url)
	if err != nil {
		logrus.Fatalf("Неверный REDIS_URL: %s", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logrus.Fatalf("Redis недоступен: %s", err)
	}
	return client
}

func newQuoteStore(ctx context.Context, cfg config.QuotesConfig, client *redis.Client) cache.QuoteStore {
	if cfg.Store == "redis" {
		if client == nil {
			logrus.Fatal("quotes.store=redis требует REDIS_URL")
		}
		return cache.NewRedisQuoteStore(client, "quote", cfg.MaxReads, cfg.Grace)
	}
	store := cache.NewMemoryQuoteStore(cfg.MaxReads, cfg.Grace)
	go store.Run(ctx, cfg.SweepInterval)
	return store
}

func newExecutor(ctx context.Context, cfg config.SettlementConfig) (settlement.Executor, error) {
	switch cfg.Executor {
	case "evm":
		return evmclient.Dial(ctx, cfg.EVM)
	case "tron":
		return tronclient.NewExecutor(cfg.Tron)
	case "simulated", "":
		logrus.Warn("Используется симулятор расчетов")
		return settlement.NewSimulatedExecutor(cfg.SimulatedConfirmAfter), nil
	}
	return nil, errors.Errorf("unknown settlement executor %q", cfg.Executor)
}

func newNotifier(cfg config.MailConfig) (settlement.Notifier, error) {
	switch cfg.Provider {
	case "mailjet":
		mailer, err := utils.NewMailjetMailer(cfg.MailjetAPIKey, cfg.MailjetSecretKey, cfg.FromEmail, cfg.FromName)
		if err != nil {
			return nil, err
		}
		return utils.NewTransferNotifier(mailer), nil
	case "smtp":
		mailer := utils.NewSMTPMailer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.FromEmail)
		return utils.NewTransferNotifier(mailer), nil
	case "none", "":
		return nil, nil
	}
	return nil, errors.Errorf("unknown mail provider %q", cfg.Provider)
}

// newDispatcher uses RabbitMQ when it is configured and an in-process pool otherwise.
func newDispatcher(ctx context.Context, cfg *config.Config, settler settlement.Settler) (settlement.Dispatcher, func(), error) {
	if cfg.RabbitMQURL == "" {
		local := settlement.NewLocalDispatcher(settler, cfg.Settlement.Workers, cfg.Settlement.QueueBuffer)
		local.Start(ctx)
		return local, local.Stop, nil
	}

	producer, err := queue.NewProducer(cfg.RabbitMQURL)
	if err != nil {
		return nil, nil, err
	}
	consumer, err := queue.NewConsumer(cfg.RabbitMQURL, cfg.Settlement.Prefetch)
	if err != nil {
		producer.Close()
		return nil, nil, err
	}
	err = consumer.ConsumeWithBindings(ctx, queue.SettlementExchange, queue.SettlementQueue, map[string]queue.Handler{
		queue.SettlementRequested: queue.SettlementHandler(settler),
	})
	if err != nil {
		consumer.Close()
		producer.Close()
		return nil, nil, err
	}
	logrus.Info("Расчеты идут через RabbitMQ")
	return queue.NewSettlementDispatcher(producer), func() {
		consumer.Close()
		producer.Close()
	}, nil
}
