package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shipurjan/openchess/internal/config"
)

func TestLoad_AppliesDefaultsWithNoEnv(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 300, cfg.AbandonmentTimeoutSeconds)
	assert.Equal(t, 60, cfg.ClaimWinTimeoutSeconds)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Nil(t, cfg.CORSAllowedOrigins)
}

func TestLoad_DecodesEnvOverrides(t *testing.T) {
	t.Setenv("ABANDONMENT_TIMEOUT_SECONDS", "45")
	t.Setenv("MAX_ACTIVE_GAMES_PER_IP", "7")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 45, cfg.AbandonmentTimeoutSeconds)
	assert.Equal(t, 7, cfg.MaxActiveGamesPerIP)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
}

func TestLoad_ClampsNegativeTimeouts(t *testing.T) {
	t.Setenv("ABANDONMENT_TIMEOUT_SECONDS", "-5")
	t.Setenv("CLAIM_WIN_TIMEOUT_SECONDS", "-1")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 300, cfg.AbandonmentTimeoutSeconds)
	assert.Equal(t, 60, cfg.ClaimWinTimeoutSeconds)
}

func TestClampTimeControl_ClampsToBounds(t *testing.T) {
	initial, increment := config.ClampTimeControl(-10, -10)
	assert.Equal(t, int64(0), initial)
	assert.Equal(t, int64(0), increment)

	initial, increment = config.ClampTimeControl(99_999_999, 99_999_999)
	assert.Equal(t, int64(3*60*60*1000), initial)
	assert.Equal(t, int64(5*60*1000), increment)
}

func TestSweepInterval_ConvertsMsToDuration(t *testing.T) {
	cfg := config.Defaults()
	cfg.SweepIntervalMs = 5_000
	assert.Equal(t, 5*time.Second, cfg.SweepInterval())
}

func TestAllowOrigin_DevAllowsAllWhenListEmpty(t *testing.T) {
	cfg := config.Defaults()
	assert.True(t, cfg.AllowOrigin("https://anything.example", true))
	assert.False(t, cfg.AllowOrigin("https://anything.example", false))
}

func TestAllowOrigin_ProdChecksAllowlist(t *testing.T) {
	cfg := config.Defaults()
	cfg.CORSAllowedOrigins = []string{"https://allowed.example"}
	assert.True(t, cfg.AllowOrigin("https://allowed.example", false))
	assert.False(t, cfg.AllowOrigin("https://other.example", false))
}

func TestParseIntEnv_FallsBackOnMissingOrInvalid(t *testing.T) {
	assert.Equal(t, 42, config.ParseIntEnv("OPENCHESS_DOES_NOT_EXIST", 42))

	t.Setenv("OPENCHESS_TEST_INT", "not-a-number")
	assert.Equal(t, 7, config.ParseIntEnv("OPENCHESS_TEST_INT", 7))

	t.Setenv("OPENCHESS_TEST_INT", "99")
	assert.Equal(t, 99, config.ParseIntEnv("OPENCHESS_TEST_INT", 7))
}
