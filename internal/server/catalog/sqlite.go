package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/stormcloudapp/stormcloud/internal/logging"
)

// SQLiteCatalog implements Catalog using SQLite.
type SQLiteCatalog struct {
	db     *sql.DB
	dbPath string
}

const schema = `
CREATE TABLE IF NOT EXISTS customers (
	customer_id TEXT PRIMARY KEY,
	api_key     TEXT NOT NULL UNIQUE,
	active      INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS devices (
	agent_id      TEXT PRIMARY KEY,
	customer_id   TEXT NOT NULL REFERENCES customers(customer_id),
	secret_key    TEXT NOT NULL,
	device_name   TEXT,
	device_type   TEXT,
	os_version    TEXT,
	user_email    TEXT,
	last_callback INTEGER,
	status        INTEGER NOT NULL DEFAULT 1,
	registered_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS files (
	file_id        INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id       TEXT NOT NULL REFERENCES devices(agent_id),
	client_path    TEXT NOT NULL,
	native_path    TEXT NOT NULL,
	size           INTEGER NOT NULL,
	latest_version INTEGER NOT NULL DEFAULT 0,
	last_backup    INTEGER NOT NULL,
	UNIQUE(agent_id, client_path)
);
CREATE TABLE IF NOT EXISTS file_versions (
	file_id    INTEGER NOT NULL REFERENCES files(file_id),
	version_id INTEGER NOT NULL,
	size       INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (file_id, version_id)
);
CREATE TABLE IF NOT EXISTS restore_queue (
	queue_id        INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id        TEXT NOT NULL REFERENCES devices(agent_id),
	file_id         INTEGER NOT NULL REFERENCES files(file_id),
	version_id      INTEGER NOT NULL DEFAULT 0,
	enqueued_at     INTEGER NOT NULL,
	keepalives_seen INTEGER NOT NULL DEFAULT 0,
	UNIQUE(agent_id, file_id)
);
CREATE INDEX IF NOT EXISTS idx_files_device ON files(agent_id);
CREATE INDEX IF NOT EXISTS idx_queue_device ON restore_queue(agent_id, enqueued_at);
`

// NewSQLiteCatalog opens (creating on first use) the catalog database.
func NewSQLiteCatalog(dbPath string) (*SQLiteCatalog, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}

	// Single writer connection; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping catalog database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create catalog schema: %w", err)
	}

	logging.Debug("Catalog opened at %s", dbPath)
	return &SQLiteCatalog{db: db, dbPath: dbPath}, nil
}

// Close closes the database connection.
func (c *SQLiteCatalog) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// CustomerForKey implements Catalog.CustomerForKey.
func (c *SQLiteCatalog) CustomerForKey(ctx context.Context, apiKey string) (Customer, error) {
	var cust Customer
	var active int
	err := c.db.QueryRowContext(ctx,
		`SELECT customer_id, api_key, active FROM customers WHERE api_key = ?`, apiKey).
		Scan(&cust.CustomerID, &cust.APIKey, &active)
	if err == sql.ErrNoRows {
		return Customer{}, ErrUnknownAPIKey
	}
	if err != nil {
		return Customer{}, fmt.Errorf("failed to query customer: %w", err)
	}
	if active == 0 {
		return Customer{}, ErrUnknownAPIKey
	}
	cust.Active = true
	return cust, nil
}

// EnsureCustomer implements Catalog.EnsureCustomer.
func (c *SQLiteCatalog) EnsureCustomer(ctx context.Context, apiKey string) (Customer, error) {
	if cust, err := c.CustomerForKey(ctx, apiKey); err == nil {
		return cust, nil
	} else if err != ErrUnknownAPIKey {
		return Customer{}, err
	}

	id := uuid.NewString()
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO customers (customer_id, api_key, active) VALUES (?, ?, 1)`, id, apiKey)
	if err != nil {
		return Customer{}, fmt.Errorf("failed to create customer: %w", err)
	}
	logging.Info("Created customer %s", id)
	return Customer{CustomerID: id, APIKey: apiKey, Active: true}, nil
}

// RegisterDevice implements Catalog.RegisterDevice.
func (c *SQLiteCatalog) RegisterDevice(ctx context.Context, apiKey string, survey DeviceSurvey) (Device, error) {
	cust, err := c.CustomerForKey(ctx, apiKey)
	if err != nil {
		return Device{}, err
	}

	dev := Device{
		AgentID:    uuid.NewString(),
		CustomerID: cust.CustomerID,
		SecretKey:  uuid.NewString(),
		DeviceName: survey.DeviceName,
		DeviceType: survey.DeviceType,
		OSVersion:  survey.OSVersion,
		UserEmail:  survey.UserEmail,
		Status:     StatusOffline,
	}

	_, err = c.db.ExecContext(ctx,
		`INSERT INTO devices (agent_id, customer_id, secret_key, device_name, device_type, os_version, user_email, status, registered_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dev.AgentID, dev.CustomerID, dev.SecretKey, dev.DeviceName, dev.DeviceType,
		dev.OSVersion, dev.UserEmail, dev.Status, time.Now().UnixNano())
	if err != nil {
		return Device{}, fmt.Errorf("failed to register device: %w", err)
	}

	logging.Info("Registered device %s (%s) for customer %s", dev.AgentID, dev.DeviceName, cust.CustomerID)
	return dev, nil
}

// Device implements Catalog.Device.
func (c *SQLiteCatalog) Device(ctx context.Context, apiKey, agentID string) (Device, error) {
	cust, err := c.CustomerForKey(ctx, apiKey)
	if err != nil {
		return Device{}, err
	}

	var dev Device
	var lastCallback sql.NullInt64
	var name, dtype, osv, email sql.NullString
	err = c.db.QueryRowContext(ctx,
		`SELECT agent_id, customer_id, secret_key, device_name, device_type, os_version, user_email, last_callback, status
		 FROM devices WHERE agent_id = ?`, agentID).
		Scan(&dev.AgentID, &dev.CustomerID, &dev.SecretKey, &name, &dtype, &osv, &email, &lastCallback, &dev.Status)
	if err == sql.ErrNoRows {
		return Device{}, ErrUnknownDevice
	}
	if err != nil {
		return Device{}, fmt.Errorf("failed to query device: %w", err)
	}
	if dev.CustomerID != cust.CustomerID {
		// The key is valid but does not own this device.
		return Device{}, ErrUnknownDevice
	}

	dev.DeviceName = name.String
	dev.DeviceType = dtype.String
	dev.OSVersion = osv.String
	dev.UserEmail = email.String
	if lastCallback.Valid {
		dev.LastCallback = time.Unix(0, lastCallback.Int64)
	}
	return dev, nil
}

// TouchKeepalive implements Catalog.TouchKeepalive.
func (c *SQLiteCatalog) TouchKeepalive(ctx context.Context, agentID string) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE devices SET last_callback = ?, status = ? WHERE agent_id = ?`,
		time.Now().UnixNano(), StatusOnline, agentID)
	if err != nil {
		return fmt.Errorf("failed to touch keepalive: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrUnknownDevice
	}
	return nil
}

// RecordBackup implements Catalog.RecordBackup. The file upsert, version bump
// and version row commit atomically.
func (c *SQLiteCatalog) RecordBackup(ctx context.Context, agentID, clientPath, nativePath string, size int64) (int, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixNano()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO files (agent_id, client_path, native_path, size, latest_version, last_backup)
		 VALUES (?, ?, ?, ?, 1, ?)
		 ON CONFLICT(agent_id, client_path) DO UPDATE SET
			native_path = excluded.native_path,
			size = excluded.size,
			latest_version = latest_version + 1,
			last_backup = excluded.last_backup`,
		agentID, clientPath, nativePath, size, now)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert file: %w", err)
	}

	var fileID int64
	var version int
	err = tx.QueryRowContext(ctx,
		`SELECT file_id, latest_version FROM files WHERE agent_id = ? AND client_path = ?`,
		agentID, clientPath).Scan(&fileID, &version)
	if err != nil {
		return 0, fmt.Errorf("failed to read back file: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO file_versions (file_id, version_id, size, created_at) VALUES (?, ?, ?, ?)`,
		fileID, version, size, now)
	if err != nil {
		return 0, fmt.Errorf("failed to insert file version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit backup record: %w", err)
	}
	return version, nil
}

// FileByPath implements Catalog.FileByPath.
func (c *SQLiteCatalog) FileByPath(ctx context.Context, agentID, clientPath string) (File, error) {
	var f File
	var lastBackup int64
	err := c.db.QueryRowContext(ctx,
		`SELECT file_id, agent_id, client_path, native_path, size, latest_version, last_backup
		 FROM files WHERE agent_id = ? AND client_path = ?`, agentID, clientPath).
		Scan(&f.FileID, &f.AgentID, &f.ClientPath, &f.NativePath, &f.Size, &f.LatestVersion, &lastBackup)
	if err == sql.ErrNoRows {
		return File{}, ErrUnknownFile
	}
	if err != nil {
		return File{}, fmt.Errorf("failed to query file: %w", err)
	}
	f.LastBackup = time.Unix(0, lastBackup)
	return f, nil
}

// EnqueueRestore implements Catalog.EnqueueRestore.
func (c *SQLiteCatalog) EnqueueRestore(ctx context.Context, agentID string, fileID int64, versionID int) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO restore_queue (agent_id, file_id, version_id, enqueued_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(agent_id, file_id) DO UPDATE SET version_id = excluded.version_id`,
		agentID, fileID, versionID, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to enqueue restore: %w", err)
	}
	return nil
}

// PendingRestores implements Catalog.PendingRestores. Observation counting and
// expiry happen in the same transaction as the read, so a device that never
// acknowledges cannot keep an entry alive forever.
func (c *SQLiteCatalog) PendingRestores(ctx context.Context, agentID string) ([]PendingRestore, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE restore_queue SET keepalives_seen = keepalives_seen + 1 WHERE agent_id = ?`, agentID); err != nil {
		return nil, fmt.Errorf("failed to count keepalive: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM restore_queue WHERE agent_id = ? AND keepalives_seen > ?`,
		agentID, MaxKeepalivesBeforeExpiry)
	if err != nil {
		return nil, fmt.Errorf("failed to expire queue entries: %w", err)
	}
	if expired, _ := res.RowsAffected(); expired > 0 {
		logging.Warn("Expired %d unacknowledged restore entries for device %s", expired, agentID)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT f.native_path, q.version_id, f.size
		 FROM restore_queue q JOIN files f ON f.file_id = q.file_id
		 WHERE q.agent_id = ? ORDER BY q.enqueued_at, q.queue_id`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query restore queue: %w", err)
	}
	defer rows.Close()

	var pending []PendingRestore
	for rows.Next() {
		var p PendingRestore
		if err := rows.Scan(&p.NativePath, &p.VersionID, &p.Size); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		pending = append(pending, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read restore queue: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit queue read: %w", err)
	}
	return pending, nil
}

// MarkRestored implements Catalog.MarkRestored. Removing an entry that is not
// queued is a no-op; acks can race expiry.
func (c *SQLiteCatalog) MarkRestored(ctx context.Context, agentID, clientPath string) error {
	_, err := c.db.ExecContext(ctx,
		`DELETE FROM restore_queue WHERE agent_id = ? AND file_id IN
			(SELECT file_id FROM files WHERE agent_id = ? AND client_path = ?)`,
		agentID, agentID, clientPath)
	if err != nil {
		return fmt.Errorf("failed to mark restored: %w", err)
	}
	return nil
}
