package config

import (
	"errors"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ECPAY_MERCHANT_ID", "2000132")
	t.Setenv("ECPAY_HASH_KEY", "5294y06JbISpM5x9")
	t.Setenv("ECPAY_HASH_IV", "v77hoKGq4kWxNNIS")
	t.Setenv("ADMIN_API_TOKEN", "test-token")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != "development" || cfg.Port != "8080" {
		t.Fatalf("unexpected defaults: %s %s", cfg.Environment, cfg.Port)
	}
	if cfg.ECPay.BaseURL != sandboxBaseURL {
		t.Fatalf("expected sandbox gateway by default, got %s", cfg.ECPay.BaseURL)
	}
	if cfg.GracePeriodDays != 7 || cfg.MaxRetryCount != 3 {
		t.Fatalf("unexpected billing defaults: %d %d", cfg.GracePeriodDays, cfg.MaxRetryCount)
	}
	if len(cfg.RetryScheduleDays) != 3 || cfg.RetryScheduleDays[0] != 1 {
		t.Fatalf("unexpected retry schedule: %v", cfg.RetryScheduleDays)
	}
	if cfg.SchedulerInterval != time.Hour || cfg.SchedulerBatchSize != 50 {
		t.Fatalf("unexpected scheduler defaults: %v %d", cfg.SchedulerInterval, cfg.SchedulerBatchSize)
	}
	if cfg.IsProduction() {
		t.Fatalf("development must not report production")
	}
}

func TestLoadOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("RETRY_SCHEDULE_DAYS", "2, 5, 9")
	t.Setenv("SCHEDULER_INTERVAL", "15m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.IsProduction() {
		t.Fatalf("expected production")
	}
	if len(cfg.RetryScheduleDays) != 3 || cfg.RetryScheduleDays[1] != 5 {
		t.Fatalf("unexpected schedule: %v", cfg.RetryScheduleDays)
	}
	if cfg.SchedulerInterval != 15*time.Minute {
		t.Fatalf("unexpected interval: %v", cfg.SchedulerInterval)
	}
}

func TestLoadRejectsBadRetrySchedule(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("RETRY_SCHEDULE_DAYS", "1,oops,3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.RetryScheduleDays) != 3 || cfg.RetryScheduleDays[0] != 1 || cfg.RetryScheduleDays[2] != 7 {
		t.Fatalf("malformed schedule must fall back to the default, got %v", cfg.RetryScheduleDays)
	}
}

func TestValidateRequiresSecrets(t *testing.T) {
	cfg := Config{AdminAPIToken: "token"}
	if err := cfg.Validate(); !errors.Is(err, ErrMissingGatewaySecrets) {
		t.Fatalf("expected ErrMissingGatewaySecrets, got %v", err)
	}

	cfg = Config{
		ECPay: ECPayConfig{MerchantID: "m", HashKey: "k", HashIV: "iv"},
	}
	if err := cfg.Validate(); !errors.Is(err, ErrMissingAdminToken) {
		t.Fatalf("expected ErrMissingAdminToken, got %v", err)
	}

	cfg.AdminAPIToken = "token"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("complete config must validate: %v", err)
	}
}

func TestRetryDelayClamps(t *testing.T) {
	cfg := Config{RetryScheduleDays: []int{1, 3, 7}}

	cases := []struct {
		failureCount int
		want         time.Duration
	}{
		{0, 24 * time.Hour},
		{1, 24 * time.Hour},
		{2, 3 * 24 * time.Hour},
		{3, 7 * 24 * time.Hour},
		{9, 7 * 24 * time.Hour},
	}
	for _, tc := range cases {
		if got := cfg.RetryDelay(tc.failureCount); got != tc.want {
			t.Fatalf("RetryDelay(%d) = %v, want %v", tc.failureCount, got, tc.want)
		}
	}

	empty := Config{}
	if got := empty.RetryDelay(2); got != 3*24*time.Hour {
		t.Fatalf("empty schedule must use the built-in default, got %v", got)
	}
}

func TestGracePeriod(t *testing.T) {
	cfg := Config{GracePeriodDays: 7}
	if got := cfg.GracePeriod(); got != 7*24*time.Hour {
		t.Fatalf("unexpected grace period %v", got)
	}
}
