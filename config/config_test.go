package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, DriverSQLite, cfg.Storage.Driver)
	assert.Equal(t, 100, cfg.Generation.BatchLimit)
	assert.Equal(t, 2*time.Minute, cfg.Generation.ClaimLease.Std())
	assert.Len(t, cfg.Participants, 2)
}

func TestLoad_FileOverridesAndDefaultsFillGaps(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
generation:
  claim_lease: 30s
participants:
  - id: participant-ana
    display_name: Ana
  - id: participant-bruno
    display_name: Bruno
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Generation.ClaimLease.Std())
	// Untouched sections keep their defaults.
	assert.Equal(t, DriverSQLite, cfg.Storage.Driver)
	assert.Equal(t, 100, cfg.Generation.BatchLimit)
	assert.Equal(t, "participant-ana", cfg.Participants[0].ID)
}

func TestLoad_Validation(t *testing.T) {
	t.Run("unknown driver", func(t *testing.T) {
		_, err := Load(writeConfig(t, "storage:\n  driver: oracle\n"))
		assert.Error(t, err)
	})

	t.Run("postgres without dsn", func(t *testing.T) {
		_, err := Load(writeConfig(t, "storage:\n  driver: postgres\n"))
		assert.Error(t, err)
	})

	t.Run("duplicate participant ids", func(t *testing.T) {
		_, err := Load(writeConfig(t, `
participants:
  - id: participant-1
    display_name: One
  - id: participant-1
    display_name: Also One
`))
		assert.Error(t, err)
	})

	t.Run("malformed duration", func(t *testing.T) {
		_, err := Load(writeConfig(t, "generation:\n  claim_lease: soon\n"))
		assert.Error(t, err)
	})
}

func TestLoad_DatabaseURLWinsOverFile(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env-host/shared")
	path := writeConfig(t, `
storage:
  driver: postgres
  postgres_dsn: postgres://file-host/shared
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://env-host/shared", cfg.Storage.PostgresDSN)
}
