// Package settings holds the agent's declarative configuration: identifiers,
// backup paths, mode, and calendar schedule. The settings file is YAML and is
// re-read every orchestrator tick, so external edits take effect without a
// restart. Writes go through a temp-file-and-rename so the loop never
// observes a partially written file.
package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Backup dispatch modes.
const (
	ModeRealtime  = "realtime"
	ModeScheduled = "scheduled"
)

// DefaultKeepaliveFreq is used when keepalive_freq_seconds is absent or invalid.
const DefaultKeepaliveFreq = 300

// Schedule is the calendar backup schedule. Weekly maps weekday names
// ("Monday".."Sunday") to HH:MM times; Monthly maps day-of-month strings
// ("1".."31") or "Last day" to HH:MM times.
type Schedule struct {
	Weekly  map[string][]string `yaml:"weekly,omitempty" json:"weekly,omitempty"`
	Monthly map[string][]string `yaml:"monthly,omitempty" json:"monthly,omitempty"`
}

// Settings is the typed model of the agent settings file.
// Unknown keys in the file are ignored on load and dropped on save.
type Settings struct {
	APIKey                    string   `yaml:"api_key"`
	AgentID                   string   `yaml:"agent_id"`
	SecretKey                 string   `yaml:"secret_key,omitempty"`
	BackupMode                string   `yaml:"backup_mode"`
	BackupPaths               []string `yaml:"backup_paths"`
	RecursiveBackupPaths      []string `yaml:"recursive_backup_paths"`
	KeepaliveFreqSeconds      int      `yaml:"keepalive_freq_seconds"`
	BackupSchedule            Schedule `yaml:"backup_schedule"`
	SendLogs                  bool     `yaml:"send_logs"`
	DriveMonitorNotifications *bool    `yaml:"drive_monitor_notifications,omitempty"`
	ServerURL                 string   `yaml:"server_url,omitempty"`
}

// Store loads and saves the settings file. All saves are atomic.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore creates a store for the settings file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the settings file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads and parses the settings file.
func (s *Store) Load() (*Settings, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	var cfg Settings
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse settings file: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Save writes the settings atomically: marshal, write to a temp file in the
// same directory, fsync, rename over the original.
func (s *Store) Save(cfg *Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".settings-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp settings file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp settings file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp settings file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp settings file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace settings file: %w", err)
	}
	return nil
}

// Update applies mutate under the store lock: load, mutate in memory, save
// atomically. Used by the orchestrator for schedule edits and path additions.
func (s *Store) Update(mutate func(*Settings)) error {
	cfg, err := s.Load()
	if err != nil {
		return err
	}
	mutate(cfg)
	return s.Save(cfg)
}

func (c *Settings) applyDefaults() {
	if c.BackupMode != ModeRealtime && c.BackupMode != ModeScheduled {
		c.BackupMode = ModeScheduled
	}
	if c.KeepaliveFreqSeconds <= 0 {
		c.KeepaliveFreqSeconds = DefaultKeepaliveFreq
	}
}

// DriveNotificationsEnabled reports whether the drive monitor should surface
// prompts. Defaults to true when the key is absent.
func (c *Settings) DriveNotificationsEnabled() bool {
	if c.DriveMonitorNotifications == nil {
		return true
	}
	return *c.DriveMonitorNotifications
}

// Validate checks the fields the agent cannot run without.
func (c *Settings) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("settings: api_key is required")
	}
	if c.AgentID == "" {
		return fmt.Errorf("settings: agent_id is required")
	}
	if c.BackupMode != ModeRealtime && c.BackupMode != ModeScheduled {
		return fmt.Errorf("settings: backup_mode must be %q or %q", ModeRealtime, ModeScheduled)
	}
	return nil
}
