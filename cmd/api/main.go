package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	validator "github.com/go-playground/validator/v10"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	mhttp "github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/muhammadnuman-eng/ftm-checkout/internal/checkout"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/config"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/coupon"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/dispatch"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/events"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/gateway"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/health"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/lock"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/obs"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/purchase"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/ratelimit"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/reconcile"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/repo"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/resilience"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/security"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "ftm_checkout")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)

	tracingEnabled := envBool("OBS_ENABLE_TRACING", true)
	if tracingEnabled {
		sampling := envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0)
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "ftm-checkout",
			Endpoint:      cfg.OTLPEndpoint,
			Exporter:      envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio: sampling,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				ctx := context.Background()
				if err := shutdown(ctx); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if envBool("AUTO_MIGRATE", true) {
		if err := runMigrations(cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("run migrations")
		}
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "ftm-checkout"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}

	store := repo.New(pool)

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if metricsEnabled {
		if err := redisotel.InstrumentMetrics(redisClient); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}

	guard := lock.Guard{R: redisClient}

	outboundClient := resilience.HTTPClient{
		Client:      &http.Client{},
		Breaker:     resilience.NewBreaker(10, 0.5, 30*time.Second),
		BaseBackoff: 200 * time.Millisecond,
		MaxAttempts: 3,
		Jitter:      0.2,
		Timeout:     envDurationMillis("OUTBOUND_REQUEST_TIMEOUT_MS", 8000),
	}

	couponSvc := &coupon.Service{Store: store}
	resolver := purchase.Resolver{Source: store, Logger: logger}
	purchaseSvc := &purchase.Service{
		Store:    store,
		Resolver: resolver,
		AddOns:   store,
		Mappings: store,
		Coupons:  couponSvc,
		Validate: validator.New(),
		Lock:     &lock.Locker{R: redisClient},
		Logger:   logger,
	}

	var notifiers []events.Notifier
	if cfg.CommerceBaseURL != "" {
		notifiers = append(notifiers, &dispatch.Commerce{
			BaseURL:        cfg.CommerceBaseURL,
			ConsumerKey:    cfg.CommerceConsumerKey,
			ConsumerSecret: cfg.CommerceConsumerSecret,
			Client:         outboundClient,
			Logger:         logger,
		})
	}
	if cfg.AffiliateEndpoint != "" {
		notifiers = append(notifiers, &dispatch.Affiliate{
			Endpoint: cfg.AffiliateEndpoint,
			APIKey:   cfg.AffiliateAPIKey,
			Client:   outboundClient,
			Guard:    guard,
			Logger:   logger,
		})
	}
	if cfg.CRMEndpoint != "" {
		notifiers = append(notifiers, &dispatch.CRM{
			Endpoint: cfg.CRMEndpoint,
			APIKey:   cfg.CRMAPIKey,
			Client:   outboundClient,
			Logger:   logger,
		})
	}
	if cfg.AnalyticsEndpoint != "" {
		notifiers = append(notifiers, &dispatch.Analytics{
			Endpoint: cfg.AnalyticsEndpoint,
			WriteKey: cfg.AnalyticsWriteKey,
			Client:   outboundClient,
			Logger:   logger,
		})
	}
	bus := &events.Bus{
		Store:     store,
		Notifiers: notifiers,
		Logger:    logger,
		Timeout:   cfg.DispatchTimeout,
	}

	checkoutSvc := &checkout.Service{
		Resolver:  resolver,
		AddOns:    store,
		Coupons:   couponSvc,
		Purchases: purchaseSvc,
		Events:    bus,
		Logger:    logger,
	}
	checkoutHandler := &checkout.Handler{Svc: checkoutSvc, Orders: store}

	providers := map[string]gateway.Provider{}
	if cfg.PaytikoMerchantSecret != "" {
		providers["paytiko"] = gateway.Paytiko{MerchantSecret: cfg.PaytikoMerchantSecret}
	}
	if cfg.ConfirmoCallbackSecret != "" {
		providers["confirmo"] = gateway.Confirmo{CallbackPassword: cfg.ConfirmoCallbackSecret}
	}
	engine := &reconcile.Engine{
		Store:     store,
		Providers: providers,
		Replay:    guard,
		ReplayTTL: cfg.WebhookReplayTTL,
		Coupons:   couponSvc,
		Lines:     reconcile.LineItemResolver{Mappings: store, Logger: logger},
		Bus:       bus,
		Logger:    logger,
	}

	quoteRate, err := limiter.NewRateFromFormatted(cfg.QuoteRateLimit)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse quote rate limit")
	}
	limiterStore, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{Prefix: "limiter:quote"})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise rate limit store")
	}
	quoteLimiter := mhttp.NewMiddleware(limiter.New(limiterStore, quoteRate))

	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		buckets := obs.ParseBucketsCSV(envOrDefault("OBS_METRICS_BUCKETS_MS", ""))
		httpMetrics = obs.NewHTTPMetrics(metricsNamespace, buckets, nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if metricsEnabled && httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.Headers{
		Enable:     envBool("SECURE_HEADERS", true),
		EnableHSTS: envBool("SECURE_HSTS", false),
	}.Middleware)
	r.Use(security.BodyLimit{Max: int64(envInt("MAX_BODY_BYTES", 1<<20))}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	pprofEnabled := envBool("OBS_ENABLE_PPROF", true)
	if pprofEnabled {
		user := envOrDefault("SECURE_PPROF_BASIC_AUTH_USER", "")
		pass := envOrDefault("SECURE_PPROF_BASIC_AUTH_PASS", "")
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), user, pass))
	}

	healthHandler := health.Handler{
		Checker:      readinessChecker{db: pool, redis: redisClient},
		DBTimeout:    envDurationMillis("HEALTH_READY_DB_TIMEOUT_MS", 500),
		RedisTimeout: envDurationMillis("HEALTH_READY_REDIS_TIMEOUT_MS", 300),
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	checkoutLimiter := ratelimit.Handler{
		Limiter: ratelimit.Limiter{Client: redisClient, Prefix: "ratelimit:checkout:"},
		Config:  ratelimit.PerIP(time.Minute, envInt("CHECKOUT_RATE_LIMIT_PER_MINUTE", 20)),
		OnError: func(err error) { logger.Warn().Err(err).Msg("checkout rate limiter unavailable") },
	}

	r.Route("/v1", func(v chi.Router) {
		v.With(quoteLimiter.Handler).Post("/quote", checkoutHandler.Quote)
		v.With(checkoutLimiter.Middleware).Post("/checkout", checkoutHandler.Checkout)
		v.Patch("/checkout/{orderNumber}", checkoutHandler.Edit)
		v.Get("/orders/{orderNumber}", checkoutHandler.GetOrder)
		v.Post("/webhooks/{provider}", engine.Handle)
	})

	srv := &http.Server{
		Addr:    cfg.HTTPAddr(),
		Handler: r,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("server starting")
		serverErr <- srv.ListenAndServe()
	}()

	stopCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
	case <-stopCtx.Done():
		logger.Info().Msg("shutdown signal received")
		health.SetReady(false)
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), envDurationMillis("SHUTDOWN_TIMEOUT_MS", 15000))
		defer cancelShutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown failed")
		}
	}
}

func runMigrations(databaseURL string) error {
	dir := envOrDefault("MIGRATIONS_DIR", "migrations")
	m, err := migrate.New("file://"+dir, databaseURL)
	if err != nil {
		return err
	}
	defer func() { _, _ = m.Close() }()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

type readinessChecker struct {
	db    *pgxpool.Pool
	redis *redis.Client
}

func (c readinessChecker) PingDB(ctx context.Context, timeout time.Duration) error {
	if c.db == nil {
		return errors.New("db not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.db.Ping(ctx)
}

func (c readinessChecker) PingRedis(ctx context.Context, timeout time.Duration) error {
	if c.redis == nil {
		return errors.New("redis not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.redis.Ping(ctx).Err()
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDurationMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/allocs", pprof.Handler("allocs"))
	mux.Handle("/block", pprof.Handler("block"))
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/heap", pprof.Handler("heap"))
	mux.Handle("/mutex", pprof.Handler("mutex"))
	mux.Handle("/threadcreate", pprof.Handler("threadcreate"))
	return mux
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
