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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/admission/internal/config"
	"github.com/ehr/admission/internal/domain/admission"
	"github.com/ehr/admission/internal/domain/patient"
	"github.com/ehr/admission/internal/platform/auth"
	"github.com/ehr/admission/internal/platform/db"
	"github.com/ehr/admission/internal/platform/hl7v2"
	"github.com/ehr/admission/internal/platform/lock"
	"github.com/ehr/admission/internal/platform/metrics"
	"github.com/ehr/admission/internal/platform/middleware"
	"github.com/ehr/admission/internal/platform/queue"
	"github.com/ehr/admission/migrations"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, MLLP listener and queue consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			return runServer(ctx, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "Apply pending migrations before serving")
	return cmd
}

// lockBackend is the identity locker chosen by LOCK_BACKEND plus whatever
// it needs probed and closed.
type lockBackend struct {
	locker patient.Locker
	check  *db.Check
	close  func()
}

func newLockBackend(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (*lockBackend, error) {
	switch cfg.LockBackend {
	case config.LockPostgres:
		return &lockBackend{locker: db.NewAdvisoryLocker(pool), close: func() {}}, nil
	case config.LockRedis:
		client, err := lock.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		check := db.Check{Name: "redis", Ping: func(ctx context.Context) error { return client.Ping(ctx).Err() }}
		return &lockBackend{
			locker: lock.NewRedis(client, cfg.LockTTL, lock.WithRedisLogger(logger.With().Str("component", "lock").Logger())),
			check:  &check,
			close:  func() { client.Close() },
		}, nil
	default:
		return &lockBackend{locker: lock.NewMemory(), close: func() {}}, nil
	}
}

// newRegistry returns a registry with the process and runtime collectors.
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// newRouter builds the HTTP surface. pool may be nil in tests.
func newRouter(cfg *config.Config, svc *admission.Service, m *metrics.Metrics, pool *pgxpool.Pool, checks []db.Check, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	e.GET("/health", db.HealthHandler(pool, checks...))
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	apiV1 := e.Group("/api/v1")
	apiV1.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	if cfg.AuthSigningKey == "" {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}
	if cfg.RateLimitRPS > 0 {
		apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			BurstSize:         cfg.RateLimitBurst,
			IdleTTL:           10 * time.Minute,
		}))
	}

	admission.NewHandler(svc).RegisterRoutes(apiV1)
	hl7v2.NewHandler().RegisterRoutes(apiV1.Group("", auth.RequireRole(auth.RoleInterface, auth.RoleRegistrar)))

	return e
}

func runServer(ctx context.Context, migrate bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env, cfg.Level())
	if cfg.AuthSigningKey == "" {
		logger.Warn().Msg("AUTH_SIGNING_KEY is not set; /api/v1 accepts unauthenticated requests as admin")
	}

	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	if migrate {
		n, err := db.NewMigrator(pool, migrations.FS, "").Up(ctx)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Info().Int("applied", n).Msg("migrations applied")
	}

	locks, err := newLockBackend(ctx, cfg, pool, logger)
	if err != nil {
		return err
	}
	defer locks.close()
	logger.Info().Str("backend", cfg.LockBackend).Msg("identity lock ready")

	checks := []db.Check{db.PoolCheck(pool)}
	if locks.check != nil {
		checks = append(checks, *locks.check)
	}

	m := metrics.New(newRegistry())
	repo := patient.NewRepo(pool)
	gen := patient.NewGenerator(nil, cfg.IDGenMaxAttempts)
	engine := patient.NewEngine(repo, gen, patient.WithLocker(locks.locker))
	svc := admission.NewService(engine, repo, gen, m, logger.With().Str("component", "admission").Logger())

	g, gctx := errgroup.WithContext(ctx)

	if cfg.AMQPURL != "" {
		runQueue, closeQueue, check, err := setupQueue(cfg, svc, m, logger)
		if err != nil {
			return err
		}
		defer closeQueue()
		checks = append(checks, check)
		g.Go(func() error { return runQueue(gctx) })
	}

	if cfg.MLLPAddr != "" {
		srv := hl7v2.NewMLLPServer(cfg.MLLPAddr,
			admission.NewMLLPHandler(svc, cfg.MLLPAutoMerge, m),
			hl7v2.WithLogger(logger.With().Str("component", "mllp").Logger()),
			hl7v2.WithReadTimeout(cfg.MLLPReadTimeout),
		)
		g.Go(func() error { return srv.Serve(gctx) })
	}

	e := newRouter(cfg, svc, m, pool, checks, logger)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info().Err(err).Msg("server stopped")
	return err
}

// setupQueue connects to the broker, declares the queues and returns the
// consumer loop. The result publisher runs on its own channel because it
// puts that channel in confirm mode.
func setupQueue(cfg *config.Config, svc *admission.Service, m *metrics.Metrics, logger zerolog.Logger) (func(context.Context) error, func(), db.Check, error) {
	conn, err := queue.Dial(cfg.AMQPURL)
	if err != nil {
		return nil, nil, db.Check{}, err
	}
	fail := func(err error) (func(context.Context) error, func(), db.Check, error) {
		conn.Close()
		return nil, nil, db.Check{}, err
	}

	consumeCh, err := conn.Channel()
	if err != nil {
		return fail(fmt.Errorf("open consume channel: %w", err))
	}

	var pub admission.ResultPublisher
	if cfg.AMQPResultQueue != "" {
		publishCh, err := conn.Channel()
		if err != nil {
			return fail(fmt.Errorf("open publish channel: %w", err))
		}
		p, err := queue.NewPublisher(publishCh, cfg.AMQPResultQueue)
		if err != nil {
			return fail(err)
		}
		pub = p
	}

	qlog := logger.With().Str("component", "queue").Str("queue", cfg.AMQPQueue).Logger()
	consumer, err := queue.NewConsumer(consumeCh, cfg.AMQPQueue, cfg.AMQPPrefetch,
		admission.NewQueueHandler(svc, pub, cfg.AMQPAutoMerge, qlog), qlog, m)
	if err != nil {
		return fail(err)
	}

	closeFn := func() {
		if err := conn.Close(); err != nil {
			logger.Warn().Err(err).Msg("close rabbitmq connection")
		}
	}
	return consumer.Run, closeFn, db.Check{Name: "rabbitmq", Ping: queue.Ping(conn)}, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
