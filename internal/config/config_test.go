package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_INT64", "9000000000")
	t.Setenv("TEST_FLOAT", "0.25")
	t.Setenv("TEST_BOOL", "true")
	t.Setenv("TEST_DUR", "5s")

	n, err := envInt("TEST_INT", 0)
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	n64, err := envInt64("TEST_INT64", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(9000000000), n64)

	f, err := envFloat("TEST_FLOAT", 0)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, f, 1e-9)

	b, err := envBool("TEST_BOOL", false)
	require.NoError(t, err)
	assert.True(t, b)

	d, err := envDuration("TEST_DUR", 0)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)

	// TEST_MISSING is not set.
	n, err = envInt("TEST_MISSING", 99)
	require.NoError(t, err)
	assert.Equal(t, 99, n)
	assert.Equal(t, "fallback", envStr("TEST_MISSING", "fallback"))
}

func TestEnvHelpersRejectMalformedValues(t *testing.T) {
	tests := []struct {
		key, value string
		parse      func(string) error
		want       string
	}{
		{"TEST_INT_BAD", "abc", func(k string) error { _, err := envInt(k, 0); return err }, `TEST_INT_BAD="abc" is not a valid integer`},
		{"TEST_INT64_BAD", "1.5", func(k string) error { _, err := envInt64(k, 0); return err }, `TEST_INT64_BAD="1.5" is not a valid integer`},
		{"TEST_FLOAT_BAD", "lots", func(k string) error { _, err := envFloat(k, 0); return err }, `TEST_FLOAT_BAD="lots" is not a valid float`},
		{"TEST_BOOL_BAD", "maybe", func(k string) error { _, err := envBool(k, false); return err }, `TEST_BOOL_BAD="maybe" is not a valid boolean`},
		{"TEST_DUR_BAD", "five-seconds", func(k string) error { _, err := envDuration(k, 0); return err }, `TEST_DUR_BAD="five-seconds" is not a valid duration`},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			err := tt.parse(tt.key)
			require.Error(t, err)
			assert.Equal(t, tt.want, err.Error())
		})
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "memory", cfg.AuditBackend)
	assert.Equal(t, "capability_based", cfg.RoutingPolicy)
	assert.Equal(t, 5*time.Minute, cfg.ApprovalTimeout)
	assert.True(t, cfg.ApprovalEnabled)
	assert.InDelta(t, 0.8, cfg.BudgetWarnRatio, 1e-9)
	assert.Zero(t, cfg.BudgetCallCeiling)
}

func TestLoadReadsOverrides(t *testing.T) {
	t.Setenv("SHIKUMI_AUDIT_BACKEND", "sqlite")
	t.Setenv("SHIKUMI_SQLITE_PATH", "/tmp/audit.db")
	t.Setenv("SHIKUMI_BUDGET_CALL_CEILING", "12")
	t.Setenv("SHIKUMI_RETRY_STRATEGY", "linear")
	t.Setenv("SHIKUMI_APPROVAL_AUTO_APPROVE", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.AuditBackend)
	assert.Equal(t, "/tmp/audit.db", cfg.SQLitePath)
	assert.Equal(t, int64(12), cfg.BudgetCallCeiling)
	assert.Equal(t, "linear", cfg.RetryStrategy)
	assert.True(t, cfg.ApprovalAutoApprove)
}

func TestLoadReportsEveryInvalidVariable(t *testing.T) {
	t.Setenv("SHIKUMI_PORT", "abc")
	t.Setenv("SHIKUMI_APPROVAL_TIMEOUT", "soon")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `SHIKUMI_PORT="abc"`)
	assert.Contains(t, err.Error(), `SHIKUMI_APPROVAL_TIMEOUT="soon"`)
}

func TestValidate(t *testing.T) {
	base, err := Load()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Port = 70000 }, "SHIKUMI_PORT"},
		{"backend", func(c *Config) { c.AuditBackend = "redis" }, "SHIKUMI_AUDIT_BACKEND"},
		{"postgres url", func(c *Config) { c.AuditBackend = "postgres"; c.DatabaseURL = "" }, "DATABASE_URL"},
		{"routing", func(c *Config) { c.RoutingPolicy = "random" }, "SHIKUMI_ROUTING_POLICY"},
		{"attempts", func(c *Config) { c.RetryMaxAttempts = 0 }, "SHIKUMI_RETRY_MAX_ATTEMPTS"},
		{"jitter", func(c *Config) { c.RetryJitter = 2 }, "SHIKUMI_RETRY_JITTER"},
		{"risk", func(c *Config) { c.ApprovalMinRisk = "severe" }, "SHIKUMI_APPROVAL_MIN_RISK"},
		{"ceiling", func(c *Config) { c.BudgetCallCeiling = -1 }, "SHIKUMI_BUDGET_CALL_CEILING"},
		{"warn ratio", func(c *Config) { c.BudgetWarnRatio = 0 }, "SHIKUMI_BUDGET_WARN_RATIO"},
		{"burst", func(c *Config) { c.RateLimitBurst = 0 }, "SHIKUMI_RATE_LIMIT_BURST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	assert.NoError(t, base.Validate())
}
