package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		AccessTokenSecret:  "kX9mP2vQ7wR4tY8uZ3aB6cD1eF5gH0jL",
		RefreshTokenSecret: "nM8bV4cX2zQ9wE7rT5yU3iO1pA6sD0fG",
		WebhookTimeout:     10 * time.Second,
	}
}

func TestValidateAcceptsSaneSecrets(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidateRejectsShortSecrets(t *testing.T) {
	c := validConfig()
	c.AccessTokenSecret = "short"
	require.Error(t, c.Validate())

	c = validConfig()
	c.RefreshTokenSecret = "short"
	require.Error(t, c.Validate())
}

func TestValidateRejectsSharedSecret(t *testing.T) {
	c := validConfig()
	c.RefreshTokenSecret = c.AccessTokenSecret
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "differ")
}

func TestValidateRejectsLowEntropySecret(t *testing.T) {
	c := validConfig()
	// Long enough but trivially guessable.
	c.AccessTokenSecret = strings.Repeat("a", 64)
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entropy")

	c = validConfig()
	c.RefreshTokenSecret = strings.Repeat("ab", 32)
	assert.Error(t, c.Validate())
}

func TestValidateRejectsExcessiveWebhookTimeout(t *testing.T) {
	c := validConfig()
	c.WebhookTimeout = time.Minute
	assert.Error(t, c.Validate())
}

func TestEntropy(t *testing.T) {
	assert.Equal(t, 0.0, entropy(""))
	assert.Equal(t, 0.0, entropy("aaaa"))
	assert.InDelta(t, 1.0, entropy("abab"), 1e-9)
	assert.Greater(t, entropy("kX9mP2vQ7wR4tY8uZ3aB6cD1eF5gH0jL"), 3.0)
}

func TestLoadDefaults(t *testing.T) {
	for _, name := range []string{"APP_ENV", "PORT", "ACCESS_TOKEN_TTL", "REFRESH_TOKEN_TTL", "REFRESH_RISK_JUMP", "RATE_LIMIT_BASE", "ALLOW_REGISTRATION"} {
		t.Setenv(name, "")
	}

	c := Load()
	assert.Equal(t, "development", c.Env)
	assert.Equal(t, "8080", c.Port)
	assert.Equal(t, 15*time.Minute, c.AccessTokenTTL)
	assert.Equal(t, 7*24*time.Hour, c.RefreshTokenTTL)
	assert.Equal(t, 40, c.RefreshRiskJump)
	assert.Equal(t, 10, c.RateLimitBase)
	assert.True(t, c.AllowRegistration)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ACCESS_TOKEN_TTL", "5m")
	t.Setenv("ALLOW_REGISTRATION", "false")
	t.Setenv("RATE_LIMIT_BASE", "25")

	c := Load()
	assert.Equal(t, "9090", c.Port)
	assert.Equal(t, 5*time.Minute, c.AccessTokenTTL)
	assert.False(t, c.AllowRegistration)
	assert.Equal(t, 25, c.RateLimitBase)
}

func TestEnvParseFailuresFallBack(t *testing.T) {
	t.Setenv("ACCESS_TOKEN_TTL", "not-a-duration")
	t.Setenv("RATE_LIMIT_BASE", "many")
	t.Setenv("ALLOW_REGISTRATION", "maybe")

	c := Load()
	assert.Equal(t, 15*time.Minute, c.AccessTokenTTL)
	assert.Equal(t, 10, c.RateLimitBase)
	assert.True(t, c.AllowRegistration)
}
