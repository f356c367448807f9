package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/stormcloudapp/stormcloud/internal/settings"
	"github.com/stormcloudapp/stormcloud/internal/transport"
)

// RegisterCommand enrolls this machine as a new device and writes the
// assigned identity into the settings file.
type RegisterCommand struct {
	settingsFile string
	serverURL    string
	apiKey       string
	deviceName   string
	deviceType   string
	email        string
}

// NewRegisterCommand creates a new register command
func NewRegisterCommand() *RegisterCommand {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown-device"
	}

	return &RegisterCommand{
		serverURL:  os.Getenv("STORMCLOUD_SERVER_URL"),
		apiKey:     os.Getenv("STORMCLOUD_API_KEY"),
		deviceName: hostname,
		deviceType: "desktop",
	}
}

// ParseFlags parses command-line flags for the register command
func (c *RegisterCommand) ParseFlags(args []string) error {
	fs := flag.NewFlagSet("register", flag.ExitOnError)

	fs.StringVar(&c.settingsFile, "settings-file", c.settingsFile, "Path to the agent settings file (default: from stable settings)")
	fs.StringVar(&c.settingsFile, "s", c.settingsFile, "Shorthand for --settings-file")
	fs.StringVar(&c.serverURL, "server-url", c.serverURL, "Server base URL (default: STORMCLOUD_SERVER_URL)")
	fs.StringVar(&c.apiKey, "api-key", c.apiKey, "Customer API key (default: STORMCLOUD_API_KEY)")
	fs.StringVar(&c.deviceName, "device-name", c.deviceName, "Device name to register (default: hostname)")
	fs.StringVar(&c.deviceType, "device-type", c.deviceType, "Device type: desktop, laptop, server")
	fs.StringVar(&c.email, "email", c.email, "Contact email to attach to the device")

	return fs.Parse(args)
}

// Run registers the device and persists its identity.
func (c *RegisterCommand) Run(ctx context.Context) error {
	if c.serverURL == "" {
		return fmt.Errorf("no server URL: pass --server-url or set STORMCLOUD_SERVER_URL")
	}
	if c.apiKey == "" {
		return fmt.Errorf("no API key: pass --api-key or set STORMCLOUD_API_KEY")
	}

	installDir, err := resolveInstallDir(c.settingsFile)
	if err != nil {
		return err
	}
	settingsFile := c.settingsFile
	if settingsFile == "" {
		settingsFile = settingsFileIn(installDir)
	}

	client := transport.NewClient(transport.Config{BaseURL: c.serverURL, APIKey: c.apiKey})

	regCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	fmt.Printf("Registering %q with %s...\n", c.deviceName, c.serverURL)
	res, err := client.RegisterDevice(regCtx, transport.Survey{
		DeviceName: c.deviceName,
		DeviceType: c.deviceType,
		OSVersion:  runtime.GOOS,
		UserEmail:  c.email,
	})
	if err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}

	store := settings.NewStore(settingsFile)
	apply := func(cfg *settings.Settings) {
		cfg.APIKey = c.apiKey
		cfg.AgentID = res.AgentID
		cfg.SecretKey = res.SecretKey
		cfg.ServerURL = c.serverURL
	}

	// Preserve an existing settings file; create a fresh one otherwise.
	if _, statErr := os.Stat(settingsFile); statErr == nil {
		err = store.Update(apply)
	} else {
		cfg := &settings.Settings{
			BackupMode:           settings.ModeScheduled,
			KeepaliveFreqSeconds: settings.DefaultKeepaliveFreq,
		}
		apply(cfg)
		err = store.Save(cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}

	fmt.Printf("Registered. Agent ID %s written to %s\n", res.AgentID, settingsFile)
	fmt.Println("Add backup_paths or recursive_backup_paths to the settings file, then run 'stormcloud run'")
	return nil
}
