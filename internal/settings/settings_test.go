package settings

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSettings = `api_key: key-123
agent_id: dev-1
backup_mode: scheduled
backup_paths:
  - /tmp/sc/root
recursive_backup_paths:
  - /home/user/docs
keepalive_freq_seconds: 120
backup_schedule:
  weekly:
    Monday:
      - "09:00"
      - "17:30"
  monthly:
    "Last day":
      - "23:00"
send_logs: true
some_future_key: ignored
`

func writeSettings(t *testing.T, content string) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.cfg")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return NewStore(path)
}

func TestLoadParsesAllKeys(t *testing.T) {
	store := writeSettings(t, sampleSettings)

	cfg, err := store.Load()
	require.NoError(t, err)

	assert.Equal(t, "key-123", cfg.APIKey)
	assert.Equal(t, "dev-1", cfg.AgentID)
	assert.Equal(t, ModeScheduled, cfg.BackupMode)
	assert.Equal(t, []string{"/tmp/sc/root"}, cfg.BackupPaths)
	assert.Equal(t, []string{"/home/user/docs"}, cfg.RecursiveBackupPaths)
	assert.Equal(t, 120, cfg.KeepaliveFreqSeconds)
	assert.Equal(t, []string{"09:00", "17:30"}, cfg.BackupSchedule.Weekly["Monday"])
	assert.Equal(t, []string{"23:00"}, cfg.BackupSchedule.Monthly["Last day"])
	assert.True(t, cfg.SendLogs)
}

func TestLoadAppliesDefaults(t *testing.T) {
	store := writeSettings(t, "api_key: k\nagent_id: a\n")

	cfg, err := store.Load()
	require.NoError(t, err)

	assert.Equal(t, ModeScheduled, cfg.BackupMode)
	assert.Equal(t, DefaultKeepaliveFreq, cfg.KeepaliveFreqSeconds)
	assert.True(t, cfg.DriveNotificationsEnabled())
}

func TestSaveIsAtomicAndRoundTrips(t *testing.T) {
	store := writeSettings(t, sampleSettings)

	cfg, err := store.Load()
	require.NoError(t, err)

	cfg.RecursiveBackupPaths = append(cfg.RecursiveBackupPaths, "/mnt/usb")
	require.NoError(t, store.Save(cfg))

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(store.Path()))
	require.NoError(t, err)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".settings-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}

	reloaded, err := store.Load()
	require.NoError(t, err)
	assert.Contains(t, reloaded.RecursiveBackupPaths, "/mnt/usb")
	assert.Equal(t, cfg.BackupSchedule, reloaded.BackupSchedule)
}

func TestUpdateMutatesAndPersists(t *testing.T) {
	store := writeSettings(t, sampleSettings)

	disabled := false
	err := store.Update(func(c *Settings) {
		c.DriveMonitorNotifications = &disabled
	})
	require.NoError(t, err)

	cfg, err := store.Load()
	require.NoError(t, err)
	assert.False(t, cfg.DriveNotificationsEnabled())
}

func TestValidate(t *testing.T) {
	cfg := &Settings{APIKey: "k", AgentID: "a", BackupMode: ModeRealtime}
	assert.NoError(t, cfg.Validate())

	cfg = &Settings{AgentID: "a", BackupMode: ModeRealtime}
	assert.Error(t, cfg.Validate())

	cfg = &Settings{APIKey: "k", BackupMode: ModeRealtime}
	assert.Error(t, cfg.Validate())
}

func TestLoadStableSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stable_settings.cfg")
	require.NoError(t, os.WriteFile(path, []byte(`{"install_path": "/opt/stormcloud", "version": "2.3.1"}`), 0o644))

	st, err := LoadStableSettings(path)
	require.NoError(t, err)
	assert.Equal(t, "/opt/stormcloud", st.InstallPath)
	assert.Equal(t, "2.3.1", st.Version)
}

func TestLoadStableSettingsMissingInstallPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stable_settings.cfg")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": "2.3.1"}`), 0o644))

	_, err := LoadStableSettings(path)
	assert.Error(t, err)
}
