package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/stormcloudapp/stormcloud/internal/agent"
	"github.com/stormcloudapp/stormcloud/internal/drivemon"
	"github.com/stormcloudapp/stormcloud/internal/events"
	"github.com/stormcloudapp/stormcloud/internal/hashindex"
	"github.com/stormcloudapp/stormcloud/internal/history"
	"github.com/stormcloudapp/stormcloud/internal/logging"
	"github.com/stormcloudapp/stormcloud/internal/settings"
	"github.com/stormcloudapp/stormcloud/internal/transport"
)

// RunCommand implements the agent loop command
type RunCommand struct {
	settingsFile string
	hashDB       string
	ignoreHashDB bool
	serverURL    string
	logLevel     string
	jsonLogs     bool
}

// NewRunCommand creates a new run command
func NewRunCommand() *RunCommand {
	return &RunCommand{
		serverURL: os.Getenv("STORMCLOUD_SERVER_URL"),
		logLevel:  "info",
	}
}

// ParseFlags parses command-line flags for the run command
func (c *RunCommand) ParseFlags(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)

	fs.StringVar(&c.settingsFile, "settings-file", c.settingsFile, "Path to the agent settings file (default: from stable settings)")
	fs.StringVar(&c.settingsFile, "s", c.settingsFile, "Shorthand for --settings-file")
	fs.StringVar(&c.hashDB, "hash-db", c.hashDB, "Path to the hash index database (default: <install>/schash.db)")
	fs.BoolVar(&c.ignoreHashDB, "ignore-hash-db", false, "Bypass change detection and upload every discovered file each cycle")
	fs.StringVar(&c.serverURL, "server-url", c.serverURL, "Server base URL (overrides settings and STORMCLOUD_SERVER_URL)")
	fs.StringVar(&c.logLevel, "log-level", c.logLevel, "Log level: debug, info, warn, error")
	fs.BoolVar(&c.jsonLogs, "json-logs", false, "Emit logs as JSON")

	return fs.Parse(args)
}

// hashDBPath resolves the hash index location: an explicit --hash-db wins,
// otherwise schash.db in the install directory.
func hashDBPath(installDir, override string) string {
	if override != "" {
		return override
	}
	return filepath.Join(installDir, "schash.db")
}

// validateStartup performs pre-flight checks and prints helpful error messages
func (c *RunCommand) validateStartup(installDir, settingsFile string) error {
	if info, err := os.Stat(installDir); err != nil {
		if os.IsNotExist(err) {
			log.Printf("WARNING: Install directory does not exist: %s", installDir)
			log.Println("  - Create it with: mkdir -p " + installDir)
		}
		return fmt.Errorf("install directory unusable: %w", err)
	} else if !info.IsDir() {
		return fmt.Errorf("install path is not a directory: %s", installDir)
	}

	if _, err := os.Stat(settingsFile); err != nil {
		log.Printf("WARNING: Settings file not found: %s", settingsFile)
		log.Println("  - Run 'stormcloud register' to create one")
		return fmt.Errorf("settings file unusable: %w", err)
	}
	return nil
}

// Run starts the agent and blocks until a shutdown signal arrives.
func (c *RunCommand) Run(ctx context.Context) error {
	logger := logging.New()
	logger.SetLevel(logging.ParseLevel(c.logLevel))
	logger.SetJSON(c.jsonLogs)
	logging.SetDefault(logger)

	installDir, err := resolveInstallDir(c.settingsFile)
	if err != nil {
		return err
	}
	settingsFile := c.settingsFile
	if settingsFile == "" {
		settingsFile = settingsFileIn(installDir)
	}
	if err := c.validateStartup(installDir, settingsFile); err != nil {
		return err
	}

	store := settings.NewStore(settingsFile)
	cfg, err := store.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("settings invalid, run 'stormcloud register' first: %w", err)
	}

	serverURL := c.serverURL
	if serverURL == "" {
		serverURL = cfg.ServerURL
	}
	if serverURL == "" {
		return fmt.Errorf("no server URL: set server_url in %s or pass --server-url", settingsFile)
	}

	idx, err := hashindex.Open(hashDBPath(installDir, c.hashDB))
	if err != nil {
		return fmt.Errorf("failed to open hash index: %w", err)
	}
	defer idx.Close()

	histDir := filepath.Join(installDir, "history")
	if err := os.MkdirAll(histDir, 0o755); err != nil {
		return fmt.Errorf("failed to create history directory: %w", err)
	}
	hist, err := history.NewSQLiteStore(filepath.Join(histDir, "history.db"))
	if err != nil {
		return fmt.Errorf("failed to open history store: %w", err)
	}
	defer hist.Close()

	client := transport.NewClient(transport.Config{
		BaseURL: serverURL,
		APIKey:  cfg.APIKey,
		AgentID: cfg.AgentID,
	})
	bus := events.NewBus()

	ag := agent.New(agent.Config{
		InstallDir:      installDir,
		Settings:        store,
		Index:           idx,
		History:         hist,
		Client:          client,
		Bus:             bus,
		Log:             logger,
		IgnoreHashIndex: c.ignoreHashDB,
	})

	// Headless: new drives are logged and declined. Accepting a drive into
	// the backup set is a settings edit, which the loop picks up on reload.
	mon := drivemon.New(drivemon.Config{
		Settings: store,
		Bus:      bus,
		Log:      logger,
		Responder: drivemon.ResponderFunc(func(mountPoint string) drivemon.Response {
			logger.Info("New drive detected at %s; add it to recursive_backup_paths to include it", mountPoint)
			return drivemon.Decline
		}),
	})

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Stormcloud agent starting (install dir %s, server %s)", installDir, serverURL)
	if c.ignoreHashDB {
		logger.Warn("Change detection disabled: every file will be uploaded each cycle")
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return ag.Run(gctx) })
	g.Go(func() error { return mon.Run(gctx) })

	if err := g.Wait(); err != nil && runCtx.Err() == nil {
		return err
	}
	logger.Info("Stormcloud agent stopped")
	return nil
}
