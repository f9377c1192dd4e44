package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, `
ledger:
  seal_secret: "s3cret"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.OTP.Length)
	assert.Equal(t, 5*time.Minute, cfg.OTP.Validity)
	assert.Equal(t, 5, cfg.OTP.MaxAttempts)
	assert.Equal(t, 10*time.Minute, cfg.Session.OTPTTL)
	assert.Equal(t, "local", cfg.Lock.Driver)
	assert.Equal(t, "/graphql", cfg.GraphQL.Path)
	assert.Equal(t, "s3cret", AppConfig.Ledger.SealSecret)
}

func TestLoadConfig_FileOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
otp:
  validity: 2m
  max_attempts: 3
session:
  otp_ttl: 4m
lock:
  driver: redis
ledger:
  driver: memory
  seal_secret: "x"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 2*time.Minute, cfg.OTP.Validity)
	assert.Equal(t, 3, cfg.OTP.MaxAttempts)
	assert.Equal(t, "redis", cfg.Lock.Driver)
	assert.Equal(t, "memory", cfg.Ledger.Driver)
}

func TestLoadConfig_RejectsShortOTPSession(t *testing.T) {
	path := writeConfig(t, `
otp:
  validity: 10m
session:
  otp_ttl: 5m
ledger:
  seal_secret: "x"
`)
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfig_RequiresSealSecret(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8080
`)
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadConfig_RejectsBadVoterIDPattern(t *testing.T) {
	path := writeConfig(t, `
session:
  voter_id_pattern: "[A-Z"
ledger:
  seal_secret: "x"
`)
	_, err := LoadConfig(path)
	assert.Error(t, err)
}
