package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all process configuration. It is loaded once at startup and
// injected as an immutable value; nothing mutates it afterwards.
type Config struct {
	Environment string
	Port        string
	DatabaseURL string

	ECPay ECPayConfig

	GracePeriodDays   int
	RetryScheduleDays []int
	MaxRetryCount     int

	AdminAPIToken string

	SchedulerInterval  time.Duration
	SchedulerBatchSize int

	Tracing TracingConfig
}

// ECPayConfig carries the gateway merchant credentials and endpoints.
type ECPayConfig struct {
	MerchantID string
	HashKey    string
	HashIV     string
	BaseURL    string
	ResultURL  string
	ReturnURL  string
}

// TracingConfig mirrors the OTel exporter settings.
type TracingConfig struct {
	Enabled          bool
	ServiceName      string
	ServiceVersion   string
	ExporterEndpoint string
	ExporterProtocol string
	SamplingRatio    float64
}

var (
	ErrMissingGatewaySecrets = errors.New("missing_gateway_secrets")
	ErrMissingAdminToken     = errors.New("missing_admin_token")
)

const sandboxBaseURL = "https://payment-stage.ecpay.com.tw"

// Load reads configuration from the environment. A .env file is honored for
// local development but never required.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		ECPay: ECPayConfig{
			MerchantID: getEnv("ECPAY_MERCHANT_ID", ""),
			HashKey:    getEnv("ECPAY_HASH_KEY", ""),
			HashIV:     getEnv("ECPAY_HASH_IV", ""),
			BaseURL:    getEnv("ECPAY_BASE_URL", sandboxBaseURL),
			ResultURL:  getEnv("ECPAY_RESULT_URL", ""),
			ReturnURL:  getEnv("ECPAY_RETURN_URL", ""),
		},
		GracePeriodDays:    getEnvInt("GRACE_PERIOD_DAYS", 7),
		RetryScheduleDays:  getEnvIntList("RETRY_SCHEDULE_DAYS", []int{1, 3, 7}),
		MaxRetryCount:      getEnvInt("MAX_RETRY_COUNT", 3),
		AdminAPIToken:      getEnv("ADMIN_API_TOKEN", ""),
		SchedulerInterval:  getEnvDuration("SCHEDULER_INTERVAL", time.Hour),
		SchedulerBatchSize: getEnvInt("SCHEDULER_BATCH_SIZE", 50),
		Tracing: TracingConfig{
			Enabled:          getEnvBool("TRACING_ENABLED", false),
			ServiceName:      getEnv("TRACING_SERVICE_NAME", "billingd"),
			ServiceVersion:   getEnv("TRACING_SERVICE_VERSION", "dev"),
			ExporterEndpoint: getEnv("TRACING_EXPORTER_ENDPOINT", ""),
			ExporterProtocol: getEnv("TRACING_EXPORTER_PROTOCOL", "grpc"),
			SamplingRatio:    getEnvFloat("TRACING_SAMPLING_RATIO", 0.1),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the startup-fatal settings. Only missing secrets are
// fatal; everything else falls back to defaults.
func (c Config) Validate() error {
	if c.ECPay.MerchantID == "" || c.ECPay.HashKey == "" || c.ECPay.HashIV == "" {
		return ErrMissingGatewaySecrets
	}
	if strings.TrimSpace(c.AdminAPIToken) == "" {
		return ErrMissingAdminToken
	}
	return nil
}

func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c Config) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodDays) * 24 * time.Hour
}

// RetryDelay returns the delay before the next retry given how many
// consecutive failures the subscription has seen. failureCount is 1-based.
func (c Config) RetryDelay(failureCount int) time.Duration {
	schedule := c.RetryScheduleDays
	if len(schedule) == 0 {
		schedule = []int{1, 3, 7}
	}
	idx := failureCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	return time.Duration(schedule[idx]) * 24 * time.Hour
}

func getEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvFloat(key string, fallback float64) float64 {
	value, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvBool(key string, fallback bool) bool {
	value, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, err := time.ParseDuration(getEnv(key, ""))
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func getEnvIntList(key string, fallback []int) []int {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	parts := strings.Split(raw, ",")
	out := make([]int, 0, len(parts))
	for _, part := range parts {
		value, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || value <= 0 {
			return fallback
		}
		out = append(out, value)
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
