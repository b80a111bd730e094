package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	CheckoutPort       string
	DatabaseURL        string
	RedisURL           string
	JWTSecret          string
	JWTIssuer          string
	AccessTokenTTL     time.Duration
	CORSAllowedOrigins []string
	OrderStore         string
	AccessCookieName   string
	CookieDomain       string
	CookieSecure       bool
	ShutdownTimeout    time.Duration
	SecureHeaders      bool
	EnableHSTS         bool

	OrderServiceURL     string
	OrderServiceTimeout time.Duration

	CurrencyCode      string
	PriceColorPerPage int64
	PriceBWPerPage    int64
	PageCountFallback int
	PageCountWorkers  int

	PaymentProvider   string
	MidtransServerKey string
	MidtransBaseURL   string
	PaymentSandbox    bool
	XenditSecretKey   string
	XenditBaseURL     string
	PaymentSessionTTL time.Duration
	WebhookReplayTTL  time.Duration
	IdempotencyTTL    time.Duration
	CallbackBaseURL   string

	UploadMaxBytes    int64
	SessionTTL        time.Duration
	RateLimitStrategy string
	TrackRateLimit    int
	TrackRateWindow   time.Duration
	LoginRateLimit    int
	LoginRateWindow   time.Duration
	OrderLockTTL      time.Duration

	Obs ObsConfig
}

// ObsConfig groups logging, metrics, tracing and profiling switches shared by both servers.
type ObsConfig struct {
	LogFormat          string
	LogLevel           string
	MetricsEnabled     bool
	MetricsNamespace   string
	MetricsBuckets     string
	TracingEnabled     bool
	TracingExporter    string
	OTLPEndpoint       string
	TracingSampling    float64
	PprofEnabled       bool
	PprofUser          string
	PprofPass          string
	HealthDBTimeout    time.Duration
	HealthRedisTimeout time.Duration
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		CheckoutPort:       valueOrDefault(k.String("CHECKOUT_PORT"), "8081"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		JWTSecret:          k.String("JWT_SECRET"),
		JWTIssuer:          valueOrDefault(k.String("JWT_ISSUER"), "printease"),
		AccessTokenTTL:     parseDuration(k.String("ACCESS_TOKEN_TTL"), "24h"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		OrderStore:         strings.ToLower(valueOrDefault(k.String("ORDER_STORE"), "postgres")),
		AccessCookieName:   valueOrDefault(k.String("ACCESS_COOKIE_NAME"), "access_token"),
		CookieDomain:       strings.TrimSpace(k.String("COOKIE_DOMAIN")),
		CookieSecure:       parseBool(valueOrDefault(k.String("COOKIE_SECURE"), "true")),
		ShutdownTimeout:    parseDuration(k.String("SHUTDOWN_TIMEOUT"), "15s"),
		SecureHeaders:      parseBool(valueOrDefault(k.String("SECURE_HEADERS_ENABLE"), "true")),
		EnableHSTS:         parseBool(valueOrDefault(k.String("SECURE_HSTS_ENABLE"), "false")),

		OrderServiceURL:     strings.TrimRight(strings.TrimSpace(k.String("ORDER_SERVICE_URL")), "/"),
		OrderServiceTimeout: parseDuration(k.String("ORDER_SERVICE_TIMEOUT"), "30s"),

		CurrencyCode:      strings.ToUpper(valueOrDefault(k.String("CURRENCY_CODE"), "INR")),
		PriceColorPerPage: parseInt64(k.String("PRICE_COLOR_PER_PAGE"), 500),
		PriceBWPerPage:    parseInt64(k.String("PRICE_BW_PER_PAGE"), 200),
		PageCountFallback: int(parseInt64(k.String("PAGECOUNT_FALLBACK"), 1)),
		PageCountWorkers:  int(parseInt64(k.String("PAGECOUNT_CONCURRENCY"), 4)),

		PaymentProvider:   strings.ToLower(valueOrDefault(k.String("PAYMENT_PROVIDER"), "sandbox")),
		MidtransServerKey: k.String("MIDTRANS_SERVER_KEY"),
		MidtransBaseURL:   k.String("MIDTRANS_BASE_URL"),
		PaymentSandbox:    parseBool(valueOrDefault(k.String("PAYMENT_SANDBOX"), "true")),
		XenditSecretKey:   k.String("XENDIT_SECRET_KEY"),
		XenditBaseURL:     k.String("XENDIT_BASE_URL"),
		PaymentSessionTTL: parseDuration(k.String("PAYMENT_SESSION_TTL"), "15m"),
		WebhookReplayTTL:  parseDuration(k.String("WEBHOOK_REPLAY_TTL"), "24h"),
		IdempotencyTTL:    parseDuration(k.String("IDEMPOTENCY_TTL"), "10m"),
		CallbackBaseURL:   strings.TrimSpace(k.String("PAYMENT_CALLBACK_BASE_URL")),

		UploadMaxBytes:    parseInt64(k.String("UPLOAD_MAX_BYTES"), 50<<20),
		SessionTTL:        parseDuration(k.String("SESSION_TTL"), "2h"),
		RateLimitStrategy: strings.ToLower(valueOrDefault(k.String("RATE_LIMIT_STRATEGY"), "sliding")),
		TrackRateLimit:    int(parseInt64(k.String("TRACK_RATE_LIMIT"), 60)),
		TrackRateWindow:   parseDuration(k.String("TRACK_RATE_WINDOW"), "1m"),
		LoginRateLimit:    int(parseInt64(k.String("LOGIN_RATE_LIMIT"), 10)),
		LoginRateWindow:   parseDuration(k.String("LOGIN_RATE_WINDOW"), "1m"),
		OrderLockTTL:      parseDuration(k.String("ORDER_LOCK_TTL"), "30s"),

		Obs: ObsConfig{
			LogFormat:          valueOrDefault(k.String("OBS_LOG_FORMAT"), "json"),
			LogLevel:           valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
			MetricsEnabled:     parseBool(valueOrDefault(k.String("OBS_ENABLE_PROMETHEUS"), "true")),
			MetricsNamespace:   valueOrDefault(k.String("OBS_METRICS_NAMESPACE"), "printease"),
			MetricsBuckets:     k.String("OBS_METRICS_BUCKETS_MS"),
			TracingEnabled:     parseBool(valueOrDefault(k.String("OBS_ENABLE_TRACING"), "false")),
			TracingExporter:    valueOrDefault(k.String("OBS_TRACING_EXPORTER"), "otlp"),
			OTLPEndpoint:       k.String("OBS_OTLP_ENDPOINT"),
			TracingSampling:    parseFloat(k.String("OBS_TRACING_SAMPLING_RATIO"), 1.0),
			PprofEnabled:       parseBool(valueOrDefault(k.String("OBS_ENABLE_PPROF"), "false")),
			PprofUser:          k.String("SECURE_PPROF_BASIC_AUTH_USER"),
			PprofPass:          k.String("SECURE_PPROF_BASIC_AUTH_PASS"),
			HealthDBTimeout:    time.Duration(parseInt64(k.String("HEALTH_READY_DB_TIMEOUT_MS"), 500)) * time.Millisecond,
			HealthRedisTimeout: time.Duration(parseInt64(k.String("HEALTH_READY_REDIS_TIMEOUT_MS"), 300)) * time.Millisecond,
		},
	}

	if cfg.PriceColorPerPage <= 0 || cfg.PriceBWPerPage <= 0 {
		return nil, errors.New("page prices must be positive")
	}
	if cfg.PageCountFallback < 1 {
		cfg.PageCountFallback = 1
	}
	if cfg.PageCountWorkers < 1 {
		cfg.PageCountWorkers = 1
	}

	return cfg, nil
}

// RequireAPI validates the settings needed by the order service.
func (c *Config) RequireAPI() error {
	if c.OrderStore != "memory" && c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.RedisURL == "" {
		return errors.New("REDIS_URL is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	return nil
}

// RequireCheckout validates the settings needed by the checkout server.
func (c *Config) RequireCheckout() error {
	if c.OrderServiceURL == "" {
		return errors.New("ORDER_SERVICE_URL is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	switch c.PaymentProvider {
	case "midtrans":
		if c.MidtransServerKey == "" {
			return errors.New("MIDTRANS_SERVER_KEY is required")
		}
	case "xendit":
		if c.XenditSecretKey == "" {
			return errors.New("XENDIT_SECRET_KEY is required")
		}
	case "sandbox":
	default:
		return fmt.Errorf("unsupported PAYMENT_PROVIDER %q", c.PaymentProvider)
	}
	return nil
}

// HTTPAddr returns the address the order service should bind to.
func (c *Config) HTTPAddr() string {
	return listenAddr(c.Port, "8080")
}

// CheckoutAddr returns the address the checkout server should bind to.
func (c *Config) CheckoutAddr() string {
	return listenAddr(c.CheckoutPort, "8081")
}

func listenAddr(port, fallback string) string {
	port = strings.TrimSpace(port)
	if port == "" {
		port = fallback
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt64(value string, fallback int64) int64 {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseFloat(value string, fallback float64) float64 {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
