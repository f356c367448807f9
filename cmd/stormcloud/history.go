package main

import (
	"context"
	"flag"
	"fmt"
	"path/filepath"

	"github.com/stormcloudapp/stormcloud/internal/history"
)

// HistoryCommand prints past backup and restore operations.
type HistoryCommand struct {
	settingsFile string
	dbPath       string
	opType       string
	page         int
	pageSize     int
	showFiles    bool
}

// NewHistoryCommand creates a new history command
func NewHistoryCommand() *HistoryCommand {
	return &HistoryCommand{
		opType:   history.TypeBackup,
		page:     1,
		pageSize: 20,
	}
}

// ParseFlags parses command-line flags for the history command
func (c *HistoryCommand) ParseFlags(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)

	fs.StringVar(&c.settingsFile, "settings-file", c.settingsFile, "Path to the agent settings file (default: from stable settings)")
	fs.StringVar(&c.settingsFile, "s", c.settingsFile, "Shorthand for --settings-file")
	fs.StringVar(&c.dbPath, "db", c.dbPath, "History database path (default: <install>/history/history.db)")
	fs.StringVar(&c.opType, "type", c.opType, "Operation type: backup or restore")
	fs.IntVar(&c.page, "page", c.page, "Page number (1-based)")
	fs.IntVar(&c.pageSize, "page-size", c.pageSize, "Operations per page")
	fs.BoolVar(&c.showFiles, "files", false, "Show per-file outcomes")

	return fs.Parse(args)
}

// Run lists history operations.
func (c *HistoryCommand) Run(ctx context.Context) error {
	if c.opType != history.TypeBackup && c.opType != history.TypeRestore {
		return fmt.Errorf("invalid --type %q: must be %q or %q", c.opType, history.TypeBackup, history.TypeRestore)
	}

	dbPath := c.dbPath
	if dbPath == "" {
		installDir, err := resolveInstallDir(c.settingsFile)
		if err != nil {
			return err
		}
		dbPath = filepath.Join(installDir, "history", "history.db")
	}

	store, err := history.NewSQLiteStore(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open history store: %w", err)
	}
	defer store.Close()

	ops, err := store.ListHistory(ctx, c.opType, c.page, c.pageSize)
	if err != nil {
		return fmt.Errorf("failed to list history: %w", err)
	}
	if len(ops) == 0 {
		fmt.Printf("No %s operations on page %d\n", c.opType, c.page)
		return nil
	}

	fmt.Printf("=== %s history (page %d) ===\n\n", c.opType, c.page)
	for _, op := range ops {
		fmt.Printf("Operation: %s\n", op.OperationID)
		fmt.Printf("  Started:  %s\n", op.Timestamp.Local().Format("2006-01-02 15:04:05"))
		fmt.Printf("  Source:   %s\n", op.Source)
		fmt.Printf("  Status:   %s\n", op.Status)
		if op.ErrorMessage != "" {
			fmt.Printf("  Error:    %s\n", op.ErrorMessage)
		}

		if c.showFiles {
			full, ok, err := store.GetOperation(ctx, op.OperationID)
			if err != nil {
				return fmt.Errorf("failed to load operation %s: %w", op.OperationID, err)
			}
			if ok {
				for _, f := range full.Files {
					line := fmt.Sprintf("    %-7s %s", f.Status, f.FilePath)
					if f.ErrorMessage != "" {
						line += " (" + f.ErrorMessage + ")"
					}
					fmt.Println(line)
				}
			}
		}
		fmt.Println()
	}
	return nil
}
