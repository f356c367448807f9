package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/stormcloudapp/stormcloud/internal/settings"
)

func main() {
	// Default to the agent loop if no args or only flags
	if len(os.Args) == 1 || (len(os.Args) > 1 && os.Args[1][0] == '-') {
		cmd := NewRunCommand()
		if len(os.Args) > 1 {
			if err := cmd.ParseFlags(os.Args[1:]); err != nil {
				log.Fatalf("Failed to parse flags: %v", err)
			}
		}
		if err := cmd.Run(context.Background()); err != nil {
			log.Fatalf("Agent failed: %v", err)
		}
		return
	}

	command := os.Args[1]

	switch command {
	case "run":
		cmd := NewRunCommand()
		if err := cmd.ParseFlags(os.Args[2:]); err != nil {
			log.Fatalf("Failed to parse flags: %v", err)
		}
		if err := cmd.Run(context.Background()); err != nil {
			log.Fatalf("Agent failed: %v", err)
		}
	case "register":
		cmd := NewRegisterCommand()
		if err := cmd.ParseFlags(os.Args[2:]); err != nil {
			log.Fatalf("Failed to parse flags: %v", err)
		}
		if err := cmd.Run(context.Background()); err != nil {
			log.Fatalf("Registration failed: %v", err)
		}
	case "history":
		cmd := NewHistoryCommand()
		if err := cmd.ParseFlags(os.Args[2:]); err != nil {
			log.Fatalf("Failed to parse flags: %v", err)
		}
		if err := cmd.Run(context.Background()); err != nil {
			log.Fatalf("History command failed: %v", err)
		}
	default:
		log.Fatalf("Unknown command: %s\nAvailable commands: run, register, history\nRun with no arguments to start the agent", command)
	}
}

// resolveInstallDir locates the agent's install directory. An explicit
// settings file pins the install dir to its parent; otherwise the
// installer-owned stable settings file decides.
func resolveInstallDir(settingsFile string) (string, error) {
	if settingsFile != "" {
		abs, err := filepath.Abs(settingsFile)
		if err != nil {
			return "", fmt.Errorf("failed to resolve settings file path: %w", err)
		}
		return filepath.Dir(abs), nil
	}

	stablePath, err := settings.StableSettingsPath()
	if err != nil {
		return "", err
	}
	st, err := settings.LoadStableSettings(stablePath)
	if err != nil {
		return "", fmt.Errorf("no --settings-file given and stable settings unavailable: %w", err)
	}
	return st.InstallPath, nil
}

// settingsFileIn returns the settings file path for an install dir.
func settingsFileIn(installDir string) string {
	return filepath.Join(installDir, "settings.cfg")
}
