package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// StableSettings is the installer-owned config the agent reads to locate its
// install directory. The agent never writes this file.
type StableSettings struct {
	InstallPath string `json:"install_path"`
	Version     string `json:"version"`
}

// StableSettingsPath returns the stable settings location under the OS user
// config directory, e.g. ~/.config/Stormcloud/stable_settings.cfg on linux.
func StableSettingsPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve user config dir: %w", err)
	}
	return filepath.Join(base, "Stormcloud", "stable_settings.cfg"), nil
}

// LoadStableSettings reads and parses the stable settings file at path.
func LoadStableSettings(path string) (*StableSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read stable settings: %w", err)
	}

	var st StableSettings
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse stable settings: %w", err)
	}
	if st.InstallPath == "" {
		return nil, fmt.Errorf("stable settings: install_path is empty")
	}
	return &st, nil
}
