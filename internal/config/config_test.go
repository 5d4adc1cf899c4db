package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, 2, cfg.Executor.RetryLimit)
	assert.Equal(t, 500*time.Millisecond, cfg.Executor.PollInterval)
	assert.Equal(t, 5*time.Second, cfg.Queue.DispatchDelay)
	assert.Equal(t, 5*time.Minute, cfg.Maintenance.Interval)
	assert.Equal(t, 5*time.Second, cfg.CodeRepository.Timeout)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CODELAB_SERVER_HTTP_ADDR", ":9090")
	t.Setenv("CODELAB_EXECUTOR_RETRY_LIMIT", "0")
	t.Setenv("CODELAB_QUEUE_DISPATCH_DELAY", "1s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.HTTPAddr)
	assert.Equal(t, 0, cfg.Executor.RetryLimit)
	assert.Equal(t, time.Second, cfg.Queue.DispatchDelay)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codelab.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[database]
path = "/var/lib/codelab/codelab.db"

[jobs]
workers = 8
`), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/codelab/codelab.db", cfg.Database.Path)
	assert.Equal(t, 8, cfg.Jobs.Workers)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load()
	require.NoError(t, err)

	cfg.Jobs.Workers = 0
	assert.Error(t, cfg.Validate())

	cfg.Jobs.Workers = 1
	cfg.Filesystem.TestingDir = ""
	assert.Error(t, cfg.Validate())
}
