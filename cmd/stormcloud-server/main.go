package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/stormcloudapp/stormcloud/internal/logging"
	"github.com/stormcloudapp/stormcloud/internal/server/api"
	"github.com/stormcloudapp/stormcloud/internal/server/catalog"
	"github.com/stormcloudapp/stormcloud/internal/server/vault"
)

// ServeCommand implements the backup server
type ServeCommand struct {
	port        int
	storageRoot string
	dbPath      string
	apiKey      string
	maxVersions int
	logLevel    string
	jsonLogs    bool
}

// NewServeCommand creates a new serve command
func NewServeCommand() *ServeCommand {
	port := 8443
	if p := os.Getenv("PORT"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}

	storageRoot := os.Getenv("STORMCLOUD_STORAGE_ROOT")
	if storageRoot == "" {
		storageRoot = "/var/lib/stormcloud"
	}

	return &ServeCommand{
		port:        port,
		storageRoot: storageRoot,
		apiKey:      os.Getenv("STORMCLOUD_API_KEY"),
		maxVersions: vault.DefaultMaxVersions,
		logLevel:    "info",
	}
}

// ParseFlags parses command-line flags for the serve command
func (c *ServeCommand) ParseFlags(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)

	fs.IntVar(&c.port, "port", c.port, "Port to listen on")
	fs.IntVar(&c.port, "p", c.port, "Shorthand for --port")
	fs.StringVar(&c.storageRoot, "storage-root", c.storageRoot, "Root directory for stored device files")
	fs.StringVar(&c.dbPath, "db", c.dbPath, "Catalog database path (default: <storage-root>/catalog.db)")
	fs.StringVar(&c.apiKey, "api-key", c.apiKey, "Customer API key to provision at startup (default: STORMCLOUD_API_KEY)")
	fs.IntVar(&c.maxVersions, "max-versions", c.maxVersions, "Rotated file versions to retain per file")
	fs.StringVar(&c.logLevel, "log-level", c.logLevel, "Log level: debug, info, warn, error")
	fs.BoolVar(&c.jsonLogs, "json-logs", false, "Emit logs as JSON")

	return fs.Parse(args)
}

// validateStartup performs pre-flight checks and prints helpful error messages
func (c *ServeCommand) validateStartup() error {
	if err := os.MkdirAll(c.storageRoot, 0o755); err != nil {
		log.Printf("WARNING: Cannot create storage root: %s", c.storageRoot)
		log.Println("  - Create it with: mkdir -p " + c.storageRoot)
		log.Println("  - Or point elsewhere with --storage-root")
		return fmt.Errorf("storage root unusable: %w", err)
	}

	testFile := filepath.Join(c.storageRoot, ".stormcloud-write-test")
	f, err := os.Create(testFile)
	if err != nil {
		log.Printf("WARNING: Storage root is not writable: %s", c.storageRoot)
		log.Println("  - Check directory ownership and permissions")
		return fmt.Errorf("storage root not writable: %w", err)
	}
	f.Close()
	os.Remove(testFile)

	if c.apiKey == "" {
		log.Println("WARNING: No API key provisioned (set STORMCLOUD_API_KEY or pass --api-key)")
		log.Println("  - Agents can only authenticate against previously provisioned keys")
	}
	return nil
}

// Run starts the server and blocks until a shutdown signal arrives.
func (c *ServeCommand) Run(ctx context.Context) error {
	logger := logging.New()
	logger.SetLevel(logging.ParseLevel(c.logLevel))
	logger.SetJSON(c.jsonLogs)
	logging.SetDefault(logger)

	if err := c.validateStartup(); err != nil {
		return err
	}

	dbPath := c.dbPath
	if dbPath == "" {
		dbPath = filepath.Join(c.storageRoot, "catalog.db")
	}
	cat, err := catalog.NewSQLiteCatalog(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}
	defer cat.Close()
	logger.Info("Catalog database at %s", dbPath)

	if c.apiKey != "" {
		cust, err := cat.EnsureCustomer(ctx, c.apiKey)
		if err != nil {
			return fmt.Errorf("failed to provision API key: %w", err)
		}
		logger.Info("Provisioned customer %s", cust.CustomerID)
	}

	server := api.NewServer(api.Config{
		Port:    c.port,
		Catalog: cat,
		Vault:   vault.New(filepath.Join(c.storageRoot, "device_files"), c.maxVersions),
	})

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start()
	}()

	logger.Info("Stormcloud server listening on port %d (storage root %s)", c.port, c.storageRoot)

	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-shutdownChan:
		logger.Info("Received shutdown signal, draining connections")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
	}

	logger.Info("Stormcloud server stopped")
	return nil
}

func main() {
	cmd := NewServeCommand()
	if err := cmd.ParseFlags(os.Args[1:]); err != nil {
		log.Fatalf("Failed to parse flags: %v", err)
	}
	if err := cmd.Run(context.Background()); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
