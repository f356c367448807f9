// Package history records every backup and restore attempt and its per-file
// outcomes. Every mutating call runs in a single transaction that also bumps
// the owning operation's last_modified, and startup recovery resolves any
// operation a crash left in progress.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Operation statuses.
const (
	StatusInProgress = "in_progress"
	StatusSuccess    = "success"
	StatusFailed     = "failed"
)

// Operation types.
const (
	TypeBackup  = "backup"
	TypeRestore = "restore"
)

// Operation sources.
const (
	SourceRealtime  = "realtime"
	SourceScheduled = "scheduled"
	SourceUser      = "user"
)

// Operation is one backup or restore attempt. It owns zero or more
// FileRecords; its final status is failed iff any owned record failed or the
// operation raised a terminal error.
type Operation struct {
	OperationID   string       `json:"operation_id"`
	Timestamp     time.Time    `json:"timestamp"`
	Source        string       `json:"source"`
	Status        string       `json:"status"`
	OperationType string       `json:"operation_type"`
	UserEmail     string       `json:"user_email,omitempty"`
	ErrorMessage  string       `json:"error_message,omitempty"`
	LastModified  time.Time    `json:"last_modified"`
	Files         []FileRecord `json:"files,omitempty"`
}

// FileRecord is the outcome of one attempted file within an operation.
// Unchanged files are never recorded.
type FileRecord struct {
	OperationID  string    `json:"operation_id"`
	FilePath     string    `json:"filepath"`
	Timestamp    time.Time `json:"timestamp"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// Store is the transactional history store.
type Store interface {
	// StartOperation creates an operation with status in_progress and
	// returns its time-ordered id.
	StartOperation(ctx context.Context, opType, source, userEmail string) (string, error)

	// AddFileRecord appends a per-file outcome and touches the operation's
	// last_modified in the same transaction.
	AddFileRecord(ctx context.Context, operationID, filePath, status, errorMessage string) error

	// CompleteOperation resolves an operation. Calling it on an already
	// terminal operation is a no-op.
	CompleteOperation(ctx context.Context, operationID, finalStatus, errorMessage string) error

	// GetOperation returns an operation with its file records.
	GetOperation(ctx context.Context, operationID string) (Operation, bool, error)

	// ListHistory returns operations of the given type newest-first.
	// Page is 1-based.
	ListHistory(ctx context.Context, opType string, page, pageSize int) ([]Operation, error)

	// RecoverStale marks operations still in_progress whose last_modified is
	// older than threshold as failed("crash recovery"). Returns how many were
	// resolved.
	RecoverStale(ctx context.Context, threshold time.Duration) (int, error)

	Close() error
}

// NewOperationID returns a unique id whose lexicographic order matches
// creation order: a millisecond UTC timestamp plus a uuid fragment.
func NewOperationID(now time.Time) string {
	return fmt.Sprintf("%s-%s", now.UTC().Format("20060102T150405.000"), uuid.NewString()[:8])
}

// ErrUnknownOperation is returned when a file record or completion targets an
// operation id that does not exist.
type ErrUnknownOperation struct {
	OperationID string
}

func (e *ErrUnknownOperation) Error() string {
	return fmt.Sprintf("unknown operation: %s", e.OperationID)
}
