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
	path := filepath.Join(t.TempDir(), "wgsteward.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "wg0", cfg.Interface)
	assert.Equal(t, 60*time.Second, cfg.SafetyDeadline.Std())
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
interface: wg1
listen: "0.0.0.0:9000"
safety_deadline: 30s
verify_target: 10.0.1.50
log:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "wg1", cfg.Interface)
	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, 30*time.Second, cfg.SafetyDeadline.Std())
	assert.Equal(t, "10.0.1.50", cfg.VerifyTarget)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Untouched fields keep their defaults.
	assert.Equal(t, "/var/lib/wgsteward", cfg.StateDir)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "iface: wg0\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	path := writeConfig(t, "log:\n  level: loud\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log level")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
