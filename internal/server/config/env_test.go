package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_parseEnv(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })
	os.Args = []string{"testbin"}

	t.Setenv(EnvPrefix+"HTTP_ADDR", ":9999")
	t.Setenv(EnvPrefix+"SESSION_VALIDITY", "48h")
	t.Setenv(EnvPrefix+"REDIS_DB", "3")

	cfg := &Config{}
	cfg.LoadDefaults()
	parseEnv(cfg)

	assert.Equal(t, ":9999", cfg.EndpointAddrHTTP)
	assert.Equal(t, 48*time.Hour, cfg.SessionValidityDuration)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.Equal(t, "secretKey", cfg.SecretKey, "unset variables keep their value")
}

func Test_parseEnv_DotenvFile(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(
		"SCHEDKEEPER_BASE_URL=https://calendar.example\nSCHEDKEEPER_LOG_LEVEL=debug\n"), 0o600))

	// process environment wins over the file
	t.Setenv(EnvPrefix+"LOG_LEVEL", "warn")
	// godotenv sets variables it loads; make sure they are cleared afterwards
	t.Setenv(EnvPrefix+"BASE_URL", "")
	require.NoError(t, os.Unsetenv(EnvPrefix+"BASE_URL"))

	os.Args = []string{"testbin", "-env", path}

	cfg := &Config{}
	cfg.LoadDefaults()
	parseEnv(cfg)

	assert.Equal(t, "https://calendar.example", cfg.BaseURL)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func Test_parseEnv_MissingDotenvIsIgnored(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })
	os.Args = []string{"testbin", "-env", filepath.Join(t.TempDir(), "absent.env")}

	cfg := &Config{}
	assert.NotPanics(t, func() { parseEnv(cfg) })
}

func Test_parseEnv_BadValuePanics(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })
	os.Args = []string{"testbin"}

	t.Setenv(EnvPrefix+"BCRYPT_COST", "lots")
	assert.Panics(t, func() { parseEnv(&Config{}) })
}
