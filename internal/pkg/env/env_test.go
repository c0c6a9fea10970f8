package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsProduction(t *testing.T) {
	Env = map[string]string{}
	tests := map[string]bool{"": true, "prod": true, "production": true, "dev": false, "staging": false}
	for value, want := range tests {
		if value == "" {
			Env = map[string]string{}
		} else {
			Env = map[string]string{"APP_ENV": value}
		}
		assert.Equal(t, want, IsProduction(), "APP_ENV=%q", value)
	}
}

func TestGetEnvIntAndDuration(t *testing.T) {
	Env = map[string]string{
		"WORKERS":      "8",
		"BAD_WORKERS":  "many",
		"TIMEOUT":      "15s",
		"TIMEOUT_SECS": "20",
		"BAD_TIMEOUT":  "soon",
	}
	t.Cleanup(func() { Env = nil })

	assert.Equal(t, 8, GetEnvInt("WORKERS", 4))
	assert.Equal(t, 4, GetEnvInt("BAD_WORKERS", 4))
	assert.Equal(t, 4, GetEnvInt("MISSING_WORKERS", 4))

	assert.Equal(t, 15*time.Second, GetEnvDuration("TIMEOUT", time.Second))
	assert.Equal(t, 20*time.Second, GetEnvDuration("TIMEOUT_SECS", time.Second))
	assert.Equal(t, time.Second, GetEnvDuration("BAD_TIMEOUT", time.Second))
}

func TestGetEnvFallsBackToProcessEnv(t *testing.T) {
	Env = map[string]string{}
	t.Setenv("LP_TEST_KEY", "from-os")
	assert.Equal(t, "from-os", GetEnv("LP_TEST_KEY", "def"))
	assert.Equal(t, "def", GetEnv("LP_TEST_MISSING", "def"))
}
