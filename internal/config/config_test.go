package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(New())
	require.NoError(t, err)
	assert.Equal(t, ":3000", cfg.ServerAddress)
	assert.Equal(t, 100, cfg.RateLimit)
	assert.Equal(t, 15*time.Minute, cfg.RateWindow)
	assert.Equal(t, "logs", cfg.LogDir)
	assert.Equal(t, 7*24*time.Hour, cfg.LogRetention)
	assert.Equal(t, 45*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 60*time.Second, cfg.SocketTimeout)
	assert.Equal(t, 10, cfg.MaxConcurrency)
	assert.Equal(t, filepath.Join("logs", "jobs.json"), cfg.StateFile)
	assert.False(t, cfg.InsecureSkipVerify)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("MAILSHIFT_SERVER_ADDRESS", "127.0.0.1:8080")
	t.Setenv("MAILSHIFT_IMAP_CONNECT_TIMEOUT", "5s")
	t.Setenv("MAILSHIFT_JOBS_MAX_CONCURRENCY", "3")

	cfg, err := Load(New())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.ServerAddress)
	assert.Equal(t, 5*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 3, cfg.MaxConcurrency)
}

func TestReadFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "mailshift.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
log:
  dir: /var/lib/mailshift
  level: debug
imap:
  insecure_skip_verify: true
`), 0o600))

	v := New()
	require.NoError(t, ReadFile(v, file))
	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/mailshift", cfg.LogDir)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.InsecureSkipVerify)
	assert.Equal(t, "/var/lib/mailshift/jobs.json", filepath.ToSlash(cfg.StateFile))

	assert.NoError(t, ReadFile(New(), ""))
	assert.Error(t, ReadFile(New(), filepath.Join(t.TempDir(), "missing.yaml")))
}

func TestValidation(t *testing.T) {
	v := New()
	v.Set(JobsMaxConcurrency, 0)
	_, err := Load(v)
	assert.ErrorContains(t, err, "max_concurrency")

	v = New()
	v.Set(LogDir, "")
	_, err = Load(v)
	assert.Error(t, err)
}
