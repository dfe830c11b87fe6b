package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Env         string
	Port        string
	DatabaseURL string
	SentryDSN   string
	Issuer      string
	Audience    string

	// Token secrets. Access and refresh MUST differ; both are validated
	// at boot by Validate.
	AccessTokenSecret  string
	RefreshTokenSecret string

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	SpecialTokenTTL time.Duration

	// Risk step-up threshold applied on refresh: if the fresh assessment
	// exceeds the session's stored score by more than this, step up to MFA.
	RefreshRiskJump int

	// Rate limiter base window configuration.
	RateLimitBase   int
	RateLimitWindow time.Duration

	// Webhook delivery.
	WebhookTimeout     time.Duration
	WebhookWorkers     int
	WebhookConcurrency int

	AuditBufferSize int

	AllowRegistration bool

	// WebAuthn relying-party identity. The factor stays disabled until
	// WEBAUTHN_RP_ID is set.
	WebAuthnRPID    string
	WebAuthnRPName  string
	WebAuthnOrigins []string
}

// Load reads configuration from environment variables.
func Load() Config {
	return Config{
		Env:         getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		SentryDSN:   os.Getenv("SENTRY_DSN"),
		Issuer:      getEnv("TOKEN_ISSUER", "https://auth.gatehouse.io"),
		Audience:    getEnv("TOKEN_AUDIENCE", "gatehouse"),

		AccessTokenSecret:  os.Getenv("ACCESS_TOKEN_SECRET"),
		RefreshTokenSecret: os.Getenv("REFRESH_TOKEN_SECRET"),

		AccessTokenTTL:  getEnvAsDuration("ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL: getEnvAsDuration("REFRESH_TOKEN_TTL", 7*24*time.Hour),
		SpecialTokenTTL: getEnvAsDuration("SPECIAL_TOKEN_TTL", time.Hour),

		RefreshRiskJump: getEnvAsInt("REFRESH_RISK_JUMP", 40),

		RateLimitBase:   getEnvAsInt("RATE_LIMIT_BASE", 10),
		RateLimitWindow: getEnvAsDuration("RATE_LIMIT_WINDOW", time.Minute),

		WebhookTimeout:     getEnvAsDuration("WEBHOOK_TIMEOUT", 10*time.Second),
		WebhookWorkers:     getEnvAsInt("WEBHOOK_WORKERS", 16),
		WebhookConcurrency: getEnvAsInt("WEBHOOK_CONCURRENCY", 4),

		AuditBufferSize: getEnvAsInt("AUDIT_BUFFER_SIZE", 4096),

		AllowRegistration: getEnvAsBool("ALLOW_REGISTRATION", true),

		WebAuthnRPID:    os.Getenv("WEBAUTHN_RP_ID"),
		WebAuthnRPName:  getEnv("WEBAUTHN_RP_NAME", "Gatehouse"),
		WebAuthnOrigins: getEnvAsSlice("WEBAUTHN_ORIGINS"),
	}
}

// Validate fails fast on misconfiguration that would weaken the token
// layer: short secrets, shared secrets, or secrets with trivial entropy.
func (c Config) Validate() error {
	if len(c.AccessTokenSecret) < 32 {
		return fmt.Errorf("ACCESS_TOKEN_SECRET must be at least 32 bytes, got %d", len(c.AccessTokenSecret))
	}
	if len(c.RefreshTokenSecret) < 32 {
		return fmt.Errorf("REFRESH_TOKEN_SECRET must be at least 32 bytes, got %d", len(c.RefreshTokenSecret))
	}
	if c.AccessTokenSecret == c.RefreshTokenSecret {
		return fmt.Errorf("access and refresh token secrets must differ")
	}
	if entropy(c.AccessTokenSecret) < 3.0 {
		return fmt.Errorf("ACCESS_TOKEN_SECRET entropy too low")
	}
	if entropy(c.RefreshTokenSecret) < 3.0 {
		return fmt.Errorf("REFRESH_TOKEN_SECRET entropy too low")
	}
	if c.WebhookTimeout > 30*time.Second {
		return fmt.Errorf("WEBHOOK_TIMEOUT must not exceed 30s")
	}
	return nil
}

// entropy returns the Shannon entropy of s in bits per byte. A repeated
// single character scores 0; random bytes score close to 8.
func entropy(s string) float64 {
	if s == "" {
		return 0
	}
	var freq [256]int
	for i := 0; i < len(s); i++ {
		freq[s[i]]++
	}
	var h float64
	n := float64(len(s))
	for _, c := range freq {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}

func getEnv(name, defaultVal string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return defaultVal
}

func getEnvAsBool(name string, defaultVal bool) bool {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.ParseBool(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}

func getEnvAsInt(name string, defaultVal int) int {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}

// getEnvAsSlice splits a comma-separated variable; empty segments drop.
func getEnvAsSlice(name string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(name), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvAsDuration(name string, defaultVal time.Duration) time.Duration {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := time.ParseDuration(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}
