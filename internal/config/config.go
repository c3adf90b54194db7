// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server, logging,
// database, auth, LLM, billing, queue and observability settings, together
// with the static quota tables in limits.go.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// DBConfig selects the backing document store.
type DBConfig struct {
	Driver string // sqlite|postgres
	Path   string // SQLite file path
	DSN    string // Postgres DSN
}

// AuthConfig configures bearer-token verification. Either JWKSURL (RS256
// tokens from the identity provider) or HMACSecret (HS256) must be set.
type AuthConfig struct {
	JWKSURL    string
	HMACSecret string
	Issuer     string
	Audience   string
}

// LLMConfig configures the chat-completions endpoint.
type LLMConfig struct {
	BaseURL      string
	APIKey       string
	Model        string
	Temperature  float64
	MaxTokens    int
	Timeout      time.Duration
	EnhanceShape string // single|variants
}

// StripeConfig configures the billing platform.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	FrontendURL   string
	// PriceIDs maps a Stripe price id to a plan name.
	PriceIDs map[string]string
}

// QueueConfig configures background generation workers.
type QueueConfig struct {
	Workers  int
	Buffer   int
	ClaimTTL time.Duration
}

// ReaperConfig configures the rate-limit record sweep.
type ReaperConfig struct {
	Interval  time.Duration
	BatchSize int
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	GinMode           string // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool
	SwaggerEnabled bool
	APIBasePath    string

	DB     DBConfig
	Auth   AuthConfig
	LLM    LLMConfig
	Stripe StripeConfig
	Queue  QueueConfig
	Reaper ReaperConfig

	// LimitsFile optionally overrides the built-in quota tables.
	LimitsFile string

	// Edge token bucket (process-local abuse control in front of everything)
	RateRPS   float64
	RateBurst int

	CORS     CORSConfig
	Security SecurityConfig

	IdempotencyTTL time.Duration

	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 90*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		DB: DBConfig{
			Driver: strings.ToLower(getenv("DB_DRIVER", "sqlite")),
			Path:   getenv("DB_PATH", "reachmix.db"),
			DSN:    getenv("DATABASE_URL", ""),
		},
		Auth: AuthConfig{
			JWKSURL:    getenv("AUTH_JWKS_URL", ""),
			HMACSecret: getenv("AUTH_JWT_SECRET", ""),
			Issuer:     getenv("AUTH_ISSUER", ""),
			Audience:   getenv("AUTH_AUDIENCE", ""),
		},
		LLM: LLMConfig{
			BaseURL:      strings.TrimRight(getenv("OPENAI_BASE_URL", "https://api.openai.com/v1"), "/"),
			APIKey:       getenv("OPENAI_API_KEY", ""),
			Model:        getenv("OPENAI_MODEL", "gpt-4o-mini"),
			Temperature:  getfloat("OPENAI_TEMPERATURE", 0.7),
			MaxTokens:    getint("OPENAI_MAX_TOKENS", 1500),
			Timeout:      getdur("OPENAI_TIMEOUT", 60*time.Second),
			EnhanceShape: strings.ToLower(getenv("ENHANCE_SHAPE", "single")),
		},
		Stripe: StripeConfig{
			SecretKey:     getenv("STRIPE_SECRET_KEY", ""),
			WebhookSecret: getenv("STRIPE_WEBHOOK_SECRET", ""),
			FrontendURL:   strings.TrimRight(getenv("FRONTEND_URL", ""), "/"),
			PriceIDs:      priceIDs(),
		},
		Queue: QueueConfig{
			Workers:  getint("QUEUE_WORKERS", 2),
			Buffer:   getint("QUEUE_BUFFER", 100),
			ClaimTTL: getdur("QUEUE_CLAIM_TTL", 10*time.Minute),
		},
		Reaper: ReaperConfig{
			Interval:  getdur("REAPER_INTERVAL", time.Hour),
			BatchSize: getint("REAPER_BATCH_SIZE", 500),
		},
		LimitsFile: getenv("LIMITS_FILE", ""),

		RateRPS:   getfloat("RATE_RPS", 20.0),
		RateBurst: getint("RATE_BURST", 40),

		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "reachmix-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	switch cfg.DB.Driver {
	case "sqlite":
		if strings.TrimSpace(cfg.DB.Path) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(cfg.DB.DSN) == "" {
			return cfg, errors.New("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return cfg, errors.New("DB_DRIVER must be sqlite or postgres")
	}
	switch cfg.LLM.EnhanceShape {
	case "single", "variants":
	default:
		return cfg, errors.New("ENHANCE_SHAPE must be single or variants")
	}
	if cfg.LLM.MaxTokens <= 0 || cfg.LLM.Timeout <= 0 {
		return cfg, errors.New("OPENAI_MAX_TOKENS and OPENAI_TIMEOUT must be > 0")
	}
	if cfg.Queue.Workers < 1 || cfg.Queue.Buffer < 1 {
		return cfg, errors.New("QUEUE_WORKERS and QUEUE_BUFFER must be >= 1")
	}
	if cfg.Queue.ClaimTTL <= 0 {
		return cfg, errors.New("QUEUE_CLAIM_TTL must be > 0")
	}
	if cfg.Reaper.Interval <= 0 {
		return cfg, errors.New("REAPER_INTERVAL must be > 0")
	}
	if cfg.Reaper.BatchSize < 1 || cfg.Reaper.BatchSize > 500 {
		return cfg, errors.New("REAPER_BATCH_SIZE must be in [1,500]")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// priceIDs reads STRIPE_PRICE_<PLAN> variables into a price-id → plan map.
func priceIDs() map[string]string {
	out := make(map[string]string, 3)
	for _, plan := range []string{PlanStarter, PlanPro, PlanEnterprise} {
		if id := getenv("STRIPE_PRICE_"+strings.ToUpper(plan), ""); id != "" {
			out[id] = plan
		}
	}
	return out
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
