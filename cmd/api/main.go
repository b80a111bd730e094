// Command api runs the order service: accounts, order records and the
// admin order surface backed by Postgres.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/printease/internal/auth"
	"github.com/noah-isme/printease/internal/config"
	"github.com/noah-isme/printease/internal/db"
	"github.com/noah-isme/printease/internal/health"
	"github.com/noah-isme/printease/internal/lock"
	"github.com/noah-isme/printease/internal/order"
	"github.com/noah-isme/printease/internal/pricing"
	"github.com/noah-isme/printease/internal/ratelimit"
	"github.com/noah-isme/printease/internal/security"
	"github.com/noah-isme/printease/internal/server"
)

const serviceName = "printease-orders"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if err := cfg.RequireAPI(); err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, shutdownTracer := server.Telemetry(ctx, serviceName, cfg)
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error().Err(err).Msg("shutdown tracer")
		}
	}()

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	redisClient, err := server.ConnectRedis(startCtx, cfg.RedisURL, cfg.Obs.MetricsEnabled, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect redis")
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()
	probes := []health.Probe{health.Redis(redisClient, cfg.Obs.HealthRedisTimeout)}

	var (
		orders order.Repository
		users  auth.Users
		pool   *pgxpool.Pool
	)
	switch cfg.OrderStore {
	case "memory":
		logger.Warn().Msg("order store is in memory; records are lost on restart")
		orders = order.NewMemoryRepository()
		users = auth.NewMemoryUsers()
	default:
		if err := db.Migrate(cfg.DatabaseURL, logger); err != nil {
			logger.Fatal().Err(err).Msg("migrate database")
		}
		pool, err = db.Connect(startCtx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect database")
		}
		defer pool.Close()
		orders = order.NewPostgresRepository(pool)
		users = auth.NewPostgresUsers(pool)
		probes = append(probes, health.Postgres(pool, cfg.Obs.HealthDBTimeout))
	}

	authService, err := auth.NewService(auth.Config{
		Users:          users,
		Secret:         cfg.JWTSecret,
		AccessTokenTTL: cfg.AccessTokenTTL,
		Issuer:         cfg.JWTIssuer,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise auth service")
	}
	authHandler := &auth.Handler{
		Service:          authService,
		AccessCookieName: cfg.AccessCookieName,
		CookieDomain:     cfg.CookieDomain,
		CookieSecure:     cfg.CookieSecure,
		CookieSameSite:   http.SameSiteLaxMode,
	}
	authMiddleware := auth.Middleware{Parser: authService, AccessCookie: cfg.AccessCookieName}

	rates := pricing.RateTable{
		Currency:      cfg.CurrencyCode,
		Color:         cfg.PriceColorPerPage,
		BlackAndWhite: cfg.PriceBWPerPage,
	}
	limiter := newLimiter(cfg, redisClient, logger)

	orderHandler := &order.Handler{
		Service: &order.Service{
			Repo:     orders,
			Locker:   lock.Locker{R: redisClient, Prefix: "printease:lock:", MaxWait: cfg.OrderLockTTL},
			LockTTL:  cfg.OrderLockTTL,
			Rates:    &rates,
			Currency: cfg.CurrencyCode,
			Logger:   logger,
		},
		MaxUpload: cfg.UploadMaxBytes,
		Logger:    logger,
		LookupLimit: ratelimit.Handler{
			Limiter: limiter,
			Config:  ratelimit.Config{Key: ratelimit.ByClientIP("lookup"), Window: cfg.TrackRateWindow, Max: cfg.TrackRateLimit},
			OnError: limiterError(logger),
		}.Middleware,
	}

	r := server.NewRouter(server.Options{Name: serviceName, Config: cfg, Logger: logger, Probes: probes})
	r.Route("/api/v1", func(v chi.Router) {
		v.Use(authMiddleware.Identify)
		v.Use(security.CSRF{SessionCookie: cfg.AccessCookieName}.Middleware)

		v.Route("/auth", func(a chi.Router) {
			a.Group(func(limited chi.Router) {
				limited.Use(ratelimit.Handler{
					Limiter: limiter,
					Config:  ratelimit.Config{Key: ratelimit.ByClientIP("login"), Window: cfg.LoginRateWindow, Max: cfg.LoginRateLimit},
					OnError: limiterError(logger),
				}.Middleware)
				limited.Post("/signup", authHandler.Signup)
				limited.Post("/login", authHandler.Login)
			})
			a.Post("/logout", authHandler.Logout)
			a.With(authMiddleware.RequireAuth).Get("/me", authHandler.Me)
		})

		orderHandler.Mount(v)
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := server.Serve(ctx, srv, cfg.ShutdownTimeout, logger); err != nil {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
}

func newLimiter(cfg *config.Config, rdb *redis.Client, logger zerolog.Logger) ratelimit.Allower {
	limiter, err := ratelimit.New(cfg.RateLimitStrategy, rdb, "printease:rl:")
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise rate limiter")
	}
	return limiter
}

func limiterError(logger zerolog.Logger) func(error) {
	return func(err error) {
		logger.Warn().Err(err).Msg("rate limiter unavailable")
	}
}
