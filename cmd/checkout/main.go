// Command checkout runs the customer-facing submission server: upload
// sessions, quotes, payment and order tracking.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/printease/internal/auth"
	"github.com/noah-isme/printease/internal/checkout"
	"github.com/noah-isme/printease/internal/common"
	"github.com/noah-isme/printease/internal/config"
	"github.com/noah-isme/printease/internal/health"
	"github.com/noah-isme/printease/internal/orderclient"
	"github.com/noah-isme/printease/internal/pagecount"
	"github.com/noah-isme/printease/internal/payment"
	"github.com/noah-isme/printease/internal/pricing"
	"github.com/noah-isme/printease/internal/ratelimit"
	"github.com/noah-isme/printease/internal/resilience"
	"github.com/noah-isme/printease/internal/security"
	"github.com/noah-isme/printease/internal/server"
	"github.com/noah-isme/printease/internal/session"
	"github.com/noah-isme/printease/internal/submission"
)

const (
	serviceName   = "printease-checkout"
	sweepInterval = time.Minute
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if err := cfg.RequireCheckout(); err != nil {
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

	// Redis backs idempotency keys, webhook replay protection and rate
	// limits; without it those degrade to pass-through.
	var (
		redisClient *redis.Client
		probes      []health.Probe
	)
	if cfg.RedisURL != "" {
		startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		redisClient, err = server.ConnectRedis(startCtx, cfg.RedisURL, cfg.Obs.MetricsEnabled, logger)
		cancel()
		if err != nil {
			logger.Fatal().Err(err).Msg("connect redis")
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Error().Err(err).Msg("close redis")
			}
		}()
		probes = append(probes, health.Redis(redisClient, cfg.Obs.HealthRedisTimeout))
	} else {
		logger.Warn().Msg("REDIS_URL not set; idempotency and webhook replay protection disabled")
	}

	// Identities are only parsed here; accounts live in the order service.
	authService, err := auth.NewService(auth.Config{
		Users:          auth.NewMemoryUsers(),
		Secret:         cfg.JWTSecret,
		AccessTokenTTL: cfg.AccessTokenTTL,
		Issuer:         cfg.JWTIssuer,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise auth service")
	}
	authMiddleware := auth.Middleware{Parser: authService, AccessCookie: cfg.AccessCookieName}

	rates := pricing.RateTable{
		Currency:      cfg.CurrencyCode,
		Color:         cfg.PriceColorPerPage,
		BlackAndWhite: cfg.PriceBWPerPage,
	}

	gateway, hosted := newGateway(cfg, logger)
	orders := orderclient.New(cfg.OrderServiceURL, cfg.OrderServiceTimeout,
		resilience.NewBreaker(10, 0.5, 30*time.Second).WithTarget("order-service").WithLogger(logger))

	registry := checkout.NewRegistry(checkout.Deps{
		Counter: pagecount.Counter{Fallback: cfg.PageCountFallback, Logger: logger},
		Workers: cfg.PageCountWorkers,
		Gateway: gateway,
		Submitter: submission.Coordinator{
			Orders:  orders,
			Rates:   rates,
			Timeout: cfg.OrderServiceTimeout,
			Logger:  logger,
		},
		Rates:  rates,
		Logger: logger,
	}, cfg.SessionTTL)
	go registry.Run(ctx, sweepInterval)
	if hosted != nil {
		go sweepPayments(ctx, hosted, logger)
	}

	limiter, err := ratelimit.New(cfg.RateLimitStrategy, redisClient, "printease:rl:")
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise rate limiter")
	}
	checkoutHandler := &checkout.Handler{
		Registry:  registry,
		Orders:    orders,
		Gate:      session.DefaultGate(),
		Idem:      common.Idem{R: redisClient, TTL: cfg.IdempotencyTTL},
		MaxUpload: cfg.UploadMaxBytes,
		Logger:    logger,
		TrackLimit: ratelimit.Handler{
			Limiter: limiter,
			Config:  ratelimit.Config{Key: ratelimit.ByIdentity("track"), Window: cfg.TrackRateWindow, Max: cfg.TrackRateLimit},
			OnError: func(err error) { logger.Warn().Err(err).Msg("rate limiter unavailable") },
		}.Middleware,
	}

	r := server.NewRouter(server.Options{Name: serviceName, Config: cfg, Logger: logger, Probes: probes})
	r.Route("/api/v1", func(v chi.Router) {
		if hosted != nil {
			webhook := payment.Webhook{
				Gateways:  map[string]*payment.Hosted{hosted.Name(): hosted},
				Replay:    redisClient,
				ReplayTTL: cfg.WebhookReplayTTL,
				Logger:    logger,
			}
			v.Post("/webhooks/payment/{provider}", webhook.Handle)
		}

		v.Group(func(app chi.Router) {
			app.Use(authMiddleware.Identify)
			app.Use(security.CSRF{SessionCookie: cfg.AccessCookieName}.Middleware)
			checkoutHandler.Mount(app)
		})
	})

	srv := &http.Server{
		Addr:              cfg.CheckoutAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := server.Serve(ctx, srv, cfg.ShutdownTimeout, logger); err != nil {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
}

// newGateway picks the payment gateway. Hosted providers also return the
// *payment.Hosted that receives their webhooks.
func newGateway(cfg *config.Config, logger zerolog.Logger) (payment.Gateway, *payment.Hosted) {
	var provider payment.Provider
	switch cfg.PaymentProvider {
	case "midtrans":
		provider = payment.Midtrans{
			ServerKey: cfg.MidtransServerKey,
			BaseURL:   cfg.MidtransBaseURL,
			Sandbox:   cfg.PaymentSandbox,
			HTTP:      providerClient("midtrans", logger),
		}
	case "xendit":
		provider = payment.Xendit{
			SecretKey: cfg.XenditSecretKey,
			BaseURL:   cfg.XenditBaseURL,
			HTTP:      providerClient("xendit", logger),
		}
	default:
		logger.Warn().Msg("using sandbox payment gateway")
		return payment.Sandbox{}, nil
	}
	hosted := payment.NewHosted(provider, cfg.PaymentSessionTTL, cfg.CallbackBaseURL, logger)
	return hosted, hosted
}

func providerClient(target string, logger zerolog.Logger) *resilience.HTTPClient {
	return &resilience.HTTPClient{
		Client:      &http.Client{},
		Breaker:     resilience.NewBreaker(5, 0.5, 30*time.Second).WithTarget(target).WithLogger(logger),
		MaxAttempts: 3,
		BaseBackoff: 250 * time.Millisecond,
		Jitter:      0.2,
		Timeout:     10 * time.Second,
	}
}

func sweepPayments(ctx context.Context, hosted *payment.Hosted, logger zerolog.Logger) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := hosted.Sweep(ctx, now); n > 0 {
				logger.Info().Int("expired", n).Str("provider", hosted.Name()).Msg("expired payment sessions")
			}
		}
	}
}
