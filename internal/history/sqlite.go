package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/stormcloudapp/stormcloud/internal/logging"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

const schema = `
CREATE TABLE IF NOT EXISTS operations (
	operation_id   TEXT PRIMARY KEY,
	timestamp      INTEGER NOT NULL,
	source         TEXT NOT NULL,
	status         TEXT NOT NULL,
	operation_type TEXT NOT NULL,
	user_email     TEXT,
	error_message  TEXT,
	last_modified  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS file_records (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	operation_id  TEXT NOT NULL REFERENCES operations(operation_id),
	filepath      TEXT NOT NULL,
	timestamp     INTEGER NOT NULL,
	status        TEXT NOT NULL,
	error_message TEXT
);
CREATE INDEX IF NOT EXISTS idx_file_records_operation ON file_records(operation_id);
CREATE INDEX IF NOT EXISTS idx_operations_type_time ON operations(operation_type, timestamp DESC);
`

// NewSQLiteStore opens (creating on first use) the history database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	// Single writer connection; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping history database: %w", err)
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
		return nil, fmt.Errorf("failed to create history schema: %w", err)
	}

	logging.Debug("History store opened at %s", dbPath)
	return &SQLiteStore{db: db, dbPath: dbPath}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// StartOperation implements Store.StartOperation.
func (s *SQLiteStore) StartOperation(ctx context.Context, opType, source, userEmail string) (string, error) {
	if opType != TypeBackup && opType != TypeRestore {
		return "", fmt.Errorf("invalid operation type: %s", opType)
	}

	now := time.Now()
	id := NewOperationID(now)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO operations (operation_id, timestamp, source, status, operation_type, user_email, error_message, last_modified)
		 VALUES (?, ?, ?, ?, ?, ?, '', ?)`,
		id, now.UnixNano(), source, StatusInProgress, opType, userEmail, now.UnixNano())
	if err != nil {
		return "", fmt.Errorf("failed to start operation: %w", err)
	}

	logging.Debug("Started %s operation %s (source=%s)", opType, id, source)
	return id, nil
}

// AddFileRecord implements Store.AddFileRecord. The record insert and the
// last_modified bump commit atomically.
func (s *SQLiteStore) AddFileRecord(ctx context.Context, operationID, filePath, status, errorMessage string) error {
	if status != StatusSuccess && status != StatusFailed {
		return fmt.Errorf("invalid file record status: %s", status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixNano()
	res, err := tx.ExecContext(ctx,
		`UPDATE operations SET last_modified = ? WHERE operation_id = ?`, now, operationID)
	if err != nil {
		return fmt.Errorf("failed to touch operation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return &ErrUnknownOperation{OperationID: operationID}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO file_records (operation_id, filepath, timestamp, status, error_message)
		 VALUES (?, ?, ?, ?, ?)`,
		operationID, filePath, now, status, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to insert file record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit file record: %w", err)
	}
	return nil
}

// CompleteOperation implements Store.CompleteOperation. Operations already in
// a terminal state are left untouched.
func (s *SQLiteStore) CompleteOperation(ctx context.Context, operationID, finalStatus, errorMessage string) error {
	if finalStatus != StatusSuccess && finalStatus != StatusFailed {
		return fmt.Errorf("invalid final status: %s", finalStatus)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM operations WHERE operation_id = ?`, operationID).Scan(&current)
	if err == sql.ErrNoRows {
		return &ErrUnknownOperation{OperationID: operationID}
	}
	if err != nil {
		return fmt.Errorf("failed to query operation status: %w", err)
	}

	if current != StatusInProgress {
		// Already resolved; idempotent.
		return nil
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE operations SET status = ?, error_message = ?, last_modified = ? WHERE operation_id = ?`,
		finalStatus, errorMessage, time.Now().UnixNano(), operationID)
	if err != nil {
		return fmt.Errorf("failed to complete operation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit completion: %w", err)
	}

	logging.Debug("Completed operation %s (status=%s)", operationID, finalStatus)
	return nil
}

// GetOperation implements Store.GetOperation.
func (s *SQLiteStore) GetOperation(ctx context.Context, operationID string) (Operation, bool, error) {
	op, found, err := s.scanOperation(ctx, operationID)
	if err != nil || !found {
		return Operation{}, found, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT operation_id, filepath, timestamp, status, error_message
		 FROM file_records WHERE operation_id = ? ORDER BY id`, operationID)
	if err != nil {
		return Operation{}, false, fmt.Errorf("failed to query file records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var fr FileRecord
		var ts int64
		var errMsg sql.NullString
		if err := rows.Scan(&fr.OperationID, &fr.FilePath, &ts, &fr.Status, &errMsg); err != nil {
			return Operation{}, false, fmt.Errorf("failed to scan file record: %w", err)
		}
		fr.Timestamp = time.Unix(0, ts)
		fr.ErrorMessage = errMsg.String
		op.Files = append(op.Files, fr)
	}
	if err := rows.Err(); err != nil {
		return Operation{}, false, fmt.Errorf("failed to read file records: %w", err)
	}

	return op, true, nil
}

func (s *SQLiteStore) scanOperation(ctx context.Context, operationID string) (Operation, bool, error) {
	var op Operation
	var ts, lm int64
	var userEmail, errMsg sql.NullString

	err := s.db.QueryRowContext(ctx,
		`SELECT operation_id, timestamp, source, status, operation_type, user_email, error_message, last_modified
		 FROM operations WHERE operation_id = ?`, operationID).Scan(
		&op.OperationID, &ts, &op.Source, &op.Status, &op.OperationType, &userEmail, &errMsg, &lm)
	if err == sql.ErrNoRows {
		return Operation{}, false, nil
	}
	if err != nil {
		return Operation{}, false, fmt.Errorf("failed to query operation: %w", err)
	}

	op.Timestamp = time.Unix(0, ts)
	op.LastModified = time.Unix(0, lm)
	op.UserEmail = userEmail.String
	op.ErrorMessage = errMsg.String
	return op, true, nil
}

// ListHistory implements Store.ListHistory.
func (s *SQLiteStore) ListHistory(ctx context.Context, opType string, page, pageSize int) ([]Operation, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT operation_id, timestamp, source, status, operation_type, user_email, error_message, last_modified
		 FROM operations WHERE operation_type = ?
		 ORDER BY operation_id DESC LIMIT ? OFFSET ?`,
		opType, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		var op Operation
		var ts, lm int64
		var userEmail, errMsg sql.NullString
		if err := rows.Scan(&op.OperationID, &ts, &op.Source, &op.Status, &op.OperationType, &userEmail, &errMsg, &lm); err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		op.Timestamp = time.Unix(0, ts)
		op.LastModified = time.Unix(0, lm)
		op.UserEmail = userEmail.String
		op.ErrorMessage = errMsg.String
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	return ops, nil
}

// RecoverStale implements Store.RecoverStale.
func (s *SQLiteStore) RecoverStale(ctx context.Context, threshold time.Duration) (int, error) {
	cutoff := time.Now().Add(-threshold).UnixNano()

	res, err := s.db.ExecContext(ctx,
		`UPDATE operations SET status = ?, error_message = 'crash recovery', last_modified = ?
		 WHERE status = ? AND last_modified < ?`,
		StatusFailed, time.Now().UnixNano(), StatusInProgress, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale operations: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected > 0 {
		logging.Warn("Crash recovery resolved %d stale operations", affected)
	}
	return int(affected), nil
}
