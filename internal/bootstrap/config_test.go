package bootstrap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, `
storage:
  path: `+filepath.Join(dir, "engine.db")+`
encryption:
  key: test-secret
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "kite", cfg.App.DefaultBroker)
	assert.Equal(t, 2, cfg.Engine.PositionPollInterval)
	assert.Equal(t, "Asia/Kolkata", cfg.Engine.Timezone)
}

func TestPreFlightRejectsBadTimezone(t *testing.T) {
	path := writeConfig(t, `
engine:
  timezone: Mars/Olympus
encryption:
  key: test-secret
storage:
  path: ":memory:"
`)

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timezone")
}

func TestPreFlightRejectsMissingStorageDir(t *testing.T) {
	path := writeConfig(t, `
storage:
  path: /nonexistent-dir-for-test/engine.db
encryption:
  key: test-secret
`)

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage directory")
}

func TestPreFlightRejectsUnknownDefaultBroker(t *testing.T) {
	path := writeConfig(t, `
app:
  default_broker: zerodha2
storage:
  path: ":memory:"
encryption:
  key: test-secret
`)

	_, err := LoadConfig(path)
	require.Error(t, err)
}
