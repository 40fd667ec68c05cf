package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("TYPING_IDLE_TIMEOUT", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, time.Second, cfg.TypingIdleTimeout)
	assert.Equal(t, 256, cfg.WSSendBuffer)
}

func TestGetDurationAndInt(t *testing.T) {
	t.Setenv("X_DURATION", "250ms")
	t.Setenv("X_BAD_DURATION", "soon")
	t.Setenv("X_INT", "12")
	t.Setenv("X_NEG_INT", "-3")

	assert.Equal(t, 250*time.Millisecond, GetDuration("X_DURATION", time.Second))
	assert.Equal(t, time.Second, GetDuration("X_BAD_DURATION", time.Second))
	assert.Equal(t, 12, GetInt("X_INT", 1))
	assert.Equal(t, 1, GetInt("X_NEG_INT", 1))
	assert.Equal(t, "fallback", GetEnv("X_UNSET_KEY_FOR_TEST", "fallback"))
}
