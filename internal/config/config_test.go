package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := NewFromViper(NewEmptyViper())

	assert.Equal(t, "memory", cfg.GetString("cache.type"))
	assert.Equal(t, "memory", cfg.GetString("store.type"))
	assert.Equal(t, "noop", cfg.GetString("events.type"))
	assert.Equal(t, 0.6, cfg.GetFloat64("aggregator.fail_safe_score"))
	assert.Equal(t, 0.6, cfg.GetFloat64("clicks.block_score"))
	assert.Equal(t, 3, cfg.GetInt("sandbox.max_retries"))
	assert.True(t, cfg.GetBool("smtp.enabled"))
	assert.Empty(t, cfg.GetStringSlice("ensemble.providers"))

	deadline, err := cfg.GetDuration("sandbox.deadline")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, deadline)

	ttl, err := cfg.GetDuration("rewriter.handle_ttl")
	require.NoError(t, err)
	assert.Equal(t, 720*time.Hour, ttl)
}

func TestGetDuration_Invalid(t *testing.T) {
	v := NewEmptyViper()
	v.Set("sandbox.deadline", "not-a-duration")
	cfg := NewFromViper(v)

	_, err := cfg.GetDuration("sandbox.deadline")
	assert.Error(t, err)
}

func TestOverridesViaViper(t *testing.T) {
	v := NewEmptyViper()
	v.Set("analyzers.trusted_domains", []string{"corp.example"})
	cfg := NewFromViper(v)

	assert.Equal(t, []string{"corp.example"}, cfg.GetStringSlice("analyzers.trusted_domains"))

	sandbox := cfg.GetSandbox()
	assert.Equal(t, "http://localhost:9090", sandbox.BackendURL)
	assert.Equal(t, 2*time.Second, sandbox.PollInterval)
}
