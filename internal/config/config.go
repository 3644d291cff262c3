// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64 // Maximum request body size in bytes.
	LogLevel            string

	// Audit trail storage.
	AuditBackend string // "memory", "file", "sqlite" or "postgres"
	AuditFile    string // JSON-lines path for the file backend.
	AuditSync    string // "full", "batch" or "none"
	SQLitePath   string
	DatabaseURL  string

	// Planning and routing.
	CatalogPath   string // YAML tool catalog and worker pool.
	RoutingPolicy string
	MaxPlanSteps  int

	// Retry policy.
	RetryStrategy    string
	RetryBaseDelay   time.Duration
	RetryMaxWait     time.Duration
	RetryMaxAttempts int
	RetryJitter      float64

	// Approval gate.
	ApprovalEnabled       bool
	ApprovalTimeout       time.Duration
	ApprovalAutoApprove   bool
	ApprovalMinRisk       string
	ApprovalPolicyFile    string // Optional rego module replacing the built-in risk policy.
	ApprovalSweepInterval time.Duration
	ApprovalRetention     time.Duration // How long resolved requests stay queryable.

	// Default per-plan budget. Zero ceilings are unbounded.
	BudgetCostCeiling  float64
	BudgetCallCeiling  int64
	BudgetTokenCeiling int64
	BudgetWarnRatio    float64

	// Memory enrichment. Empty QdrantURL disables it.
	QdrantURL           string
	QdrantAPIKey        string
	QdrantCollection    string
	OllamaURL           string
	OllamaModel         string
	EmbeddingDimensions int // Vector dimensions; must match the chosen model's output.

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// JWT settings.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration
	ApproverKeys      string // name:role:argon2hash,...

	// Rate limiting. Zero RPS disables it.
	RateLimitRPS   float64
	RateLimitBurst int
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	str := envStr
	num := func(key string, def int) int {
		v, err := envInt(key, def)
		errs = append(errs, err)
		return v
	}
	num64 := func(key string, def int64) int64 {
		v, err := envInt64(key, def)
		errs = append(errs, err)
		return v
	}
	flt := func(key string, def float64) float64 {
		v, err := envFloat(key, def)
		errs = append(errs, err)
		return v
	}
	boolean := func(key string, def bool) bool {
		v, err := envBool(key, def)
		errs = append(errs, err)
		return v
	}
	dur := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		errs = append(errs, err)
		return v
	}

	cfg := Config{
		Port:                  num("SHIKUMI_PORT", 8080),
		ReadTimeout:           dur("SHIKUMI_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:          dur("SHIKUMI_WRITE_TIMEOUT", 5*time.Minute),
		MaxRequestBodyBytes:   num64("SHIKUMI_MAX_REQUEST_BODY_BYTES", 1*1024*1024), // 1 MB default
		LogLevel:              str("SHIKUMI_LOG_LEVEL", "info"),
		AuditBackend:          str("SHIKUMI_AUDIT_BACKEND", "memory"),
		AuditFile:             str("SHIKUMI_AUDIT_FILE", "shikumi-audit.jsonl"),
		AuditSync:             str("SHIKUMI_AUDIT_SYNC", "batch"),
		SQLitePath:            str("SHIKUMI_SQLITE_PATH", "shikumi.db"),
		DatabaseURL:           str("DATABASE_URL", ""),
		CatalogPath:           str("SHIKUMI_CATALOG_PATH", ""),
		RoutingPolicy:         str("SHIKUMI_ROUTING_POLICY", "capability_based"),
		MaxPlanSteps:          num("SHIKUMI_MAX_PLAN_STEPS", 5),
		RetryStrategy:         str("SHIKUMI_RETRY_STRATEGY", "exponential"),
		RetryBaseDelay:        dur("SHIKUMI_RETRY_BASE_DELAY", 500*time.Millisecond),
		RetryMaxWait:          dur("SHIKUMI_RETRY_MAX_WAIT", 30*time.Second),
		RetryMaxAttempts:      num("SHIKUMI_RETRY_MAX_ATTEMPTS", 3),
		RetryJitter:           flt("SHIKUMI_RETRY_JITTER", 0.2),
		ApprovalEnabled:       boolean("SHIKUMI_APPROVAL_ENABLED", true),
		ApprovalTimeout:       dur("SHIKUMI_APPROVAL_TIMEOUT", 5*time.Minute),
		ApprovalAutoApprove:   boolean("SHIKUMI_APPROVAL_AUTO_APPROVE", false),
		ApprovalMinRisk:       str("SHIKUMI_APPROVAL_MIN_RISK", "high"),
		ApprovalPolicyFile:    str("SHIKUMI_APPROVAL_POLICY_FILE", ""),
		ApprovalSweepInterval: dur("SHIKUMI_APPROVAL_SWEEP_INTERVAL", 30*time.Second),
		ApprovalRetention:     dur("SHIKUMI_APPROVAL_RETENTION", time.Hour),
		BudgetCostCeiling:     flt("SHIKUMI_BUDGET_COST_CEILING", 0),
		BudgetCallCeiling:     num64("SHIKUMI_BUDGET_CALL_CEILING", 0),
		BudgetTokenCeiling:    num64("SHIKUMI_BUDGET_TOKEN_CEILING", 0),
		BudgetWarnRatio:       flt("SHIKUMI_BUDGET_WARN_RATIO", 0.8),
		QdrantURL:             str("SHIKUMI_QDRANT_URL", ""),
		QdrantAPIKey:          str("SHIKUMI_QDRANT_API_KEY", ""),
		QdrantCollection:      str("SHIKUMI_QDRANT_COLLECTION", "shikumi_memory"),
		OllamaURL:             str("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:           str("OLLAMA_MODEL", "mxbai-embed-large"),
		EmbeddingDimensions:   num("SHIKUMI_EMBEDDING_DIMENSIONS", 1024),
		OTELEndpoint:          str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:          boolean("SHIKUMI_OTEL_INSECURE", false),
		ServiceName:           str("OTEL_SERVICE_NAME", "shikumi"),
		JWTPrivateKeyPath:     str("SHIKUMI_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:      str("SHIKUMI_JWT_PUBLIC_KEY", ""),
		JWTExpiration:         dur("SHIKUMI_JWT_EXPIRATION", 24*time.Hour),
		ApproverKeys:          str("SHIKUMI_APPROVER_KEYS", ""),
		RateLimitRPS:          flt("SHIKUMI_RATE_LIMIT_RPS", 10),
		RateLimitBurst:        num("SHIKUMI_RATE_LIMIT_BURST", 20),
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var (
	auditBackends   = []string{"memory", "file", "sqlite", "postgres"}
	syncModes       = []string{"full", "batch", "none"}
	routingPolicies = []string{"round_robin", "capability_based", "load_balanced"}
	retryStrategies = []string{"exponential", "linear", "none"}
	riskLevels      = []string{"low", "medium", "high", "critical"}
)

// Validate checks that required configuration is present and in range.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Port > 0 && c.Port <= 65535, "SHIKUMI_PORT must be between 1 and 65535")
	check(c.MaxRequestBodyBytes > 0, "SHIKUMI_MAX_REQUEST_BODY_BYTES must be positive")

	check(slices.Contains(auditBackends, c.AuditBackend), "SHIKUMI_AUDIT_BACKEND must be one of %s", strings.Join(auditBackends, ", "))
	check(slices.Contains(syncModes, c.AuditSync), "SHIKUMI_AUDIT_SYNC must be one of %s", strings.Join(syncModes, ", "))
	switch c.AuditBackend {
	case "file":
		check(c.AuditFile != "", "SHIKUMI_AUDIT_FILE is required for the file backend")
	case "sqlite":
		check(c.SQLitePath != "", "SHIKUMI_SQLITE_PATH is required for the sqlite backend")
	case "postgres":
		check(c.DatabaseURL != "", "DATABASE_URL is required for the postgres backend")
	}

	check(slices.Contains(routingPolicies, c.RoutingPolicy), "SHIKUMI_ROUTING_POLICY must be one of %s", strings.Join(routingPolicies, ", "))
	check(c.MaxPlanSteps > 0, "SHIKUMI_MAX_PLAN_STEPS must be positive")

	check(slices.Contains(retryStrategies, c.RetryStrategy), "SHIKUMI_RETRY_STRATEGY must be one of %s", strings.Join(retryStrategies, ", "))
	check(c.RetryBaseDelay >= 0, "SHIKUMI_RETRY_BASE_DELAY must not be negative")
	check(c.RetryMaxWait >= c.RetryBaseDelay, "SHIKUMI_RETRY_MAX_WAIT must be at least SHIKUMI_RETRY_BASE_DELAY")
	check(c.RetryMaxAttempts >= 1, "SHIKUMI_RETRY_MAX_ATTEMPTS must be at least 1")
	check(c.RetryJitter >= 0 && c.RetryJitter <= 1, "SHIKUMI_RETRY_JITTER must be between 0 and 1")

	check(c.ApprovalTimeout > 0, "SHIKUMI_APPROVAL_TIMEOUT must be positive")
	check(slices.Contains(riskLevels, c.ApprovalMinRisk), "SHIKUMI_APPROVAL_MIN_RISK must be one of %s", strings.Join(riskLevels, ", "))
	check(c.ApprovalSweepInterval > 0, "SHIKUMI_APPROVAL_SWEEP_INTERVAL must be positive")

	check(c.BudgetCostCeiling >= 0, "SHIKUMI_BUDGET_COST_CEILING must not be negative")
	check(c.BudgetCallCeiling >= 0, "SHIKUMI_BUDGET_CALL_CEILING must not be negative")
	check(c.BudgetTokenCeiling >= 0, "SHIKUMI_BUDGET_TOKEN_CEILING must not be negative")
	check(c.BudgetWarnRatio > 0 && c.BudgetWarnRatio <= 1, "SHIKUMI_BUDGET_WARN_RATIO must be in (0, 1]")

	check(c.EmbeddingDimensions > 0, "SHIKUMI_EMBEDDING_DIMENSIONS must be positive")
	check(c.RateLimitRPS >= 0, "SHIKUMI_RATE_LIMIT_RPS must not be negative")
	check(c.RateLimitRPS == 0 || c.RateLimitBurst >= 1, "SHIKUMI_RATE_LIMIT_BURST must be at least 1 when rate limiting is on")

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envInt64(key string, defaultVal int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid float", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
