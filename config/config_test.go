package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/model-orchestrator/internal/provider"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, provider.NVIDIA, cfg.DefaultProvider)
	assert.True(t, cfg.EnableFallback)
	assert.True(t, cfg.EnableLoadBalancing)
	assert.True(t, cfg.EnableCaching)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 300*time.Second, cfg.ProviderTimeout)
	assert.Equal(t, 1000, cfg.CacheMaxEntries)
	assert.Equal(t, time.Hour, cfg.CacheTTL)
	assert.Equal(t, 3, cfg.BreakerThreshold)
	assert.Equal(t, 30*time.Second, cfg.BreakerCooldown)
	assert.Equal(t, int64(100000), cfg.DefaultRateLimitTPM)
	assert.Equal(t, "none", cfg.OTELExporterType)
	assert.InDelta(t, 0.7, cfg.DefaultTemperature, 1e-9)
	assert.Equal(t, 4096, cfg.DefaultMaxTokens)
	assert.Len(t, cfg.Providers, 3)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DEFAULT_AI_PROVIDER", "Cerebras")
	t.Setenv("ENABLE_FALLBACK", "false")
	t.Setenv("MAX_RETRIES", "1")
	t.Setenv("PROVIDER_TIMEOUT", "45")
	t.Setenv("CACHE_TTL", "10m")
	t.Setenv("BREAKER_FAILURE_THRESHOLD", "0")
	t.Setenv("SAMBANOVA_API_KEY", "sk-samba")
	t.Setenv("SAMBANOVA_BASE_URL", "http://localhost:9999/v1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, provider.Cerebras, cfg.DefaultProvider)
	assert.False(t, cfg.EnableFallback)
	assert.Equal(t, 1, cfg.MaxRetries)
	assert.Equal(t, 45*time.Second, cfg.ProviderTimeout)
	assert.Equal(t, 10*time.Minute, cfg.CacheTTL)
	assert.Zero(t, cfg.BreakerThreshold)
	assert.Equal(t, ProviderConfig{APIKey: "sk-samba", BaseURL: "http://localhost:9999/v1"}, cfg.Providers[provider.SambaNova])
	assert.Empty(t, cfg.Providers[provider.NVIDIA].APIKey)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"DEFAULT_AI_PROVIDER", "gemini"},
		{"ENABLE_CACHING", "maybe"},
		{"MAX_RETRIES", "three"},
		{"MAX_RETRIES", "-1"},
		{"CACHE_TTL", "forever"},
		{"DEFAULT_TEMPERATURE", "3"},
		{"DEFAULT_MAX_TOKENS", "0"},
		{"DEFAULT_RATE_LIMIT_TPM", "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.ErrorContains(t, err, tt.key)
		})
	}
}
