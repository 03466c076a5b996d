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

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/yourorg/checkout-payments/internal/config"
	"github.com/yourorg/checkout-payments/internal/events"
	"github.com/yourorg/checkout-payments/internal/logging"
	"github.com/yourorg/checkout-payments/internal/metrics"
	"github.com/yourorg/checkout-payments/internal/monitor"
	"github.com/yourorg/checkout-payments/internal/orchestrator"
	"github.com/yourorg/checkout-payments/internal/payment"
	"github.com/yourorg/checkout-payments/internal/policy"
	"github.com/yourorg/checkout-payments/internal/provider"
	"github.com/yourorg/checkout-payments/internal/provider/card"
	"github.com/yourorg/checkout-payments/internal/provider/generic"
	providermock "github.com/yourorg/checkout-payments/internal/provider/mock"
	"github.com/yourorg/checkout-payments/internal/provider/wallet"
	"github.com/yourorg/checkout-payments/internal/registry"
	"github.com/yourorg/checkout-payments/internal/reporting"
	"github.com/yourorg/checkout-payments/internal/router"
	"github.com/yourorg/checkout-payments/internal/router/circuitbreaker"
	"github.com/yourorg/checkout-payments/internal/store"
	"github.com/yourorg/checkout-payments/internal/store/memory"
	"github.com/yourorg/checkout-payments/internal/store/postgres"
	"github.com/yourorg/checkout-payments/internal/store/redislock"
	"github.com/yourorg/checkout-payments/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "checkout-payments:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Config{
		ServiceName: cfg.ServiceName,
		Env:         string(cfg.AppEnv),
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		AddCaller:   cfg.Log.AddCaller,
	})
	if err != nil {
		return err
	}
	defer logging.Sync(logger)
	logger.Info("starting service", cfg.LogFields()...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cleanup cleanupStack
	defer cleanup.run(logger, cfg.ShutdownTimeout)

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:       cfg.Tracing.Enabled,
		ServiceName:   cfg.ServiceName,
		Environment:   string(cfg.AppEnv),
		SamplingRatio: cfg.Tracing.SamplingRatio,
	})
	if err != nil {
		return err
	}
	cleanup.add("tracing", shutdownTracing)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	orc, journal, err := buildOrchestrator(ctx, cfg, m, logger, &cleanup)
	if err != nil {
		return err
	}
	contracts, err := monitor.LoadContracts()
	if err != nil {
		return fmt.Errorf("load request contracts: %w", err)
	}

	if cfg.AppEnv == config.EnvDocker {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := setupRouter(newHandler(orc, journal, contracts, logger), m, promReg, logger, cfg.ServiceName)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		logger.Info("received shutdown signal, starting graceful shutdown")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}
	return nil
}

func setupRouter(h *handler, m *metrics.Metrics, gatherer prometheus.Gatherer, logger *zap.Logger, serviceName string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware(serviceName), metricsMiddleware(m), requestLogger(logger))

	r.GET("/healthz", healthz)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := r.Group("/v1")
	{
		checkouts := v1.Group("/checkouts")
		checkouts.POST("", h.startCheckout)
		checkouts.GET("/:orderRef", h.status)
		checkouts.POST("/:orderRef/payments", h.submitPayment)
		checkouts.POST("/:orderRef/reconciliation", h.resolveReconciliation)

		users := v1.Group("/users/:userID")
		users.POST("/payment-methods", h.saveMethod)
		users.GET("/payment-methods", h.listMethods)

		v1.GET("/reports/retrospective", h.retrospective)
	}
	return r
}

// buildOrchestrator wires providers, persistence, the in-flight guard and
// the event publisher from cfg. Every opened resource is pushed on cleanup.
func buildOrchestrator(ctx context.Context, cfg config.Config, m *metrics.Metrics, logger *zap.Logger, cleanup *cleanupStack) (*orchestrator.Orchestrator, *reporting.Journal, error) {
	rules, err := cfg.RetryRules()
	if err != nil {
		return nil, nil, err
	}
	pe, err := policy.NewPaymentPolicyEnforcer(rules)
	if err != nil {
		return nil, nil, fmt.Errorf("retry policy: %w", err)
	}

	st, err := openStore(ctx, cfg, logger, cleanup)
	if err != nil {
		return nil, nil, err
	}

	cb := circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
	})
	rtr := router.NewRouter(cb, router.Config{
		InitTimeout:    cfg.Checkout.InitTimeout,
		ProcessTimeout: cfg.Checkout.ProcessTimeout,
		SaveTimeout:    cfg.Checkout.SaveTimeout,
	}, m, logger.Named("router"))

	journal := reporting.NewJournal(cfg.Checkout.JournalCapacity)
	opts := []orchestrator.Option{
		orchestrator.WithLogger(logger.Named("orchestrator")),
		orchestrator.WithMetrics(m),
		orchestrator.WithJournal(journal),
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		cleanup.add("redis", func(context.Context) error { return rdb.Close() })
		opts = append(opts, orchestrator.WithGuard(redislock.New(rdb, cfg.Checkout.InFlightTTL)))
		logger.Info("cross-instance in-flight guard enabled", zap.String("redis_addr", cfg.Redis.Addr))
	}

	if len(cfg.Kafka.Brokers) > 0 {
		pub := events.NewKafkaPublisher(logger.Named("events"), cfg.Kafka.Brokers, cfg.Kafka.Topic)
		cleanup.add("kafka", func(context.Context) error { return pub.Close() })
		opts = append(opts, orchestrator.WithPublisher(pub))
		logger.Info("publishing payment events", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	orc := orchestrator.NewOrchestrator(buildRegistry(cfg, logger), rtr, pe, st, orchestrator.Config{
		MaxAttempts:          cfg.Checkout.MaxAttempts,
		RetryInitialInterval: cfg.Checkout.RetryInitialInterval,
		RetryMaxInterval:     cfg.Checkout.RetryMaxInterval,
	}, opts...)
	return orc, journal, nil
}

// buildRegistry registers a factory per provider type. Sandbox mode swaps
// the card and wallet backends for synthetic ones.
func buildRegistry(cfg config.Config, logger *zap.Logger) *registry.Registry {
	reg := registry.New()
	if cfg.Sandbox {
		reg.RegisterInstance(providermock.New(payment.ProviderCard))
		reg.RegisterInstance(providermock.New(payment.ProviderWallet))
		logger.Warn("sandbox mode: card and wallet payments are simulated")
	} else {
		reg.Register(payment.ProviderCard, func() (provider.Provider, error) {
			return card.New(card.Config{
				Enabled:        cfg.Card.Enabled,
				SecretKey:      cfg.Card.SecretKey,
				PublishableKey: cfg.Card.PublishableKey,
				BaseURL:        cfg.Card.BaseURL,
				HTTPTimeout:    cfg.Card.HTTPTimeout,
			}, logger.Named("card")), nil
		})
		reg.Register(payment.ProviderWallet, func() (provider.Provider, error) {
			return wallet.New(wallet.Config{
				Enabled:       cfg.Wallet.Enabled,
				BaseURL:       cfg.Wallet.BaseURL,
				ClientID:      cfg.Wallet.ClientID,
				Secret:        cfg.Wallet.Secret,
				HTTPTimeout:   cfg.Wallet.HTTPTimeout,
				RetryAttempts: cfg.Wallet.RetryAttempts,
				RetryDelay:    cfg.Wallet.RetryDelay,
			}, nil, logger), nil
		})
	}
	reg.RegisterInstance(generic.New(cfg.Generic.Enabled))
	return reg
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger, cleanup *cleanupStack) (store.Store, error) {
	if cfg.PostgresDSN == "" {
		logger.Warn("POSTGRES_DSN not set, payment outcomes are kept in memory only")
		return memory.New(), nil
	}
	if err := postgres.Migrate(ctx, cfg.PostgresDSN); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	cleanup.add("postgres", func(context.Context) error {
		pool.Close()
		return nil
	})
	return postgres.NewRepository(pool), nil
}

// cleanupStack runs registered shutdown functions in reverse order, each
// under its own timeout.
type cleanupStack struct {
	funcs []namedCleanup
}

type namedCleanup struct {
	name string
	fn   func(context.Context) error
}

func (s *cleanupStack) add(name string, fn func(context.Context) error) {
	s.funcs = append(s.funcs, namedCleanup{name: name, fn: fn})
}

func (s *cleanupStack) run(logger *zap.Logger, timeout time.Duration) {
	for i := len(s.funcs) - 1; i >= 0; i-- {
		c := s.funcs[i]
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		start := time.Now()
		err := c.fn(ctx)
		cancel()
		if err != nil {
			logger.Error("shutdown step failed", zap.String("name", c.name), zap.Error(err), zap.Duration("duration", time.Since(start)))
			continue
		}
		logger.Info("shutdown step completed", zap.String("name", c.name), zap.Duration("duration", time.Since(start)))
	}
}
