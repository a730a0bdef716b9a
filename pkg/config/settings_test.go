package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSettings_Defaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	s, err := LoadSettings("")
	require.NoError(t, err)

	assert.True(t, s.Lockdown, "lockdown is on by default")
	assert.False(t, s.EmergencyOverride)
	assert.Equal(t, BackendFile, s.StateBackend)
	assert.Equal(t, 120*time.Second, s.AttemptTimeout)
	assert.Equal(t, filepath.Join(s.StateDir, "ledger.jsonl"), s.Ledger())
	assert.Equal(t, filepath.Join(s.StateDir, "pending"), s.PendingDir())
}

func TestLoadSettings_EnvOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	state := t.TempDir()
	t.Setenv("MODELGATE_LOCKDOWN", "false")
	t.Setenv("MODELGATE_EMERGENCY_OVERRIDE", "true")
	t.Setenv("MODELGATE_STATE_DIR", state)
	t.Setenv("MODELGATE_ATTEMPT_TIMEOUT", "5s")

	s, err := LoadSettings("")
	require.NoError(t, err)

	assert.False(t, s.Lockdown)
	assert.True(t, s.EmergencyOverride)
	assert.Equal(t, state, s.StateDir)
	assert.Equal(t, 5*time.Second, s.AttemptTimeout)
	assert.Equal(t, filepath.Join(state, "cursors"), s.CursorDir())
}

func TestLoadSettings_File(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	path := writeFile(t, dir, "settings.yaml", "state_backend: redis\nredis_addr: 10.0.0.1:6379\nlog_format: json\n")

	s, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, BackendRedis, s.StateBackend)
	assert.Equal(t, "10.0.0.1:6379", s.RedisAddr)
	assert.Equal(t, "json", s.LogFormat)
}

func TestLoadSettings_RejectsUnknownBackend(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("MODELGATE_STATE_BACKEND", "etcd")

	_, err := LoadSettings("")
	require.Error(t, err)
}

func TestAPIKey(t *testing.T) {
	t.Setenv("MG_TEST_KEY", "sk-test")
	assert.Equal(t, "sk-test", APIKey(ProviderDef{APIKeyEnv: "MG_TEST_KEY"}))
	assert.Empty(t, APIKey(ProviderDef{}))
}
