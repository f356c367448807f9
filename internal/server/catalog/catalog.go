// Package catalog is the server's database: customers and their API keys,
// registered devices, the per-device file catalog with version history, and
// the restore queue delivered through keepalives.
package catalog

import (
	"context"
	"errors"
	"time"
)

// Device statuses as stored in the devices table.
const (
	StatusOnline  = 0
	StatusOffline = 1
)

// MaxKeepalivesBeforeExpiry is how many keepalives may observe a queue entry
// before it is dropped without an acknowledgment.
const MaxKeepalivesBeforeExpiry = 50

// Sentinel errors for auth and lookup failures.
var (
	ErrUnknownAPIKey = errors.New("unknown or inactive api key")
	ErrUnknownDevice = errors.New("unknown device")
	ErrUnknownFile   = errors.New("file not in catalog")
)

// Customer is one paying account, identified by its API key.
type Customer struct {
	CustomerID string
	APIKey     string
	Active     bool
}

// DeviceSurvey carries the fields a device reports at registration.
type DeviceSurvey struct {
	DeviceName string
	DeviceType string
	OSVersion  string
	UserEmail  string
}

// Device is one registered endpoint.
type Device struct {
	AgentID      string
	CustomerID   string
	SecretKey    string
	DeviceName   string
	DeviceType   string
	OSVersion    string
	UserEmail    string
	LastCallback time.Time
	Status       int
}

// File is one catalog entry: a client path and its version history.
type File struct {
	FileID        int64
	AgentID       string
	ClientPath    string // posix-normalized, unique per device
	NativePath    string // the client's original path bytes
	Size          int64
	LatestVersion int
	LastBackup    time.Time
}

// PendingRestore is one restore queue entry as delivered in a keepalive.
type PendingRestore struct {
	NativePath string
	VersionID  int
	Size       int64
}

// Catalog is the server database contract.
type Catalog interface {
	// CustomerForKey resolves an active customer by API key.
	CustomerForKey(ctx context.Context, apiKey string) (Customer, error)

	// EnsureCustomer creates a customer for apiKey if none exists. Used at
	// bootstrap so a fresh server accepts its configured key.
	EnsureCustomer(ctx context.Context, apiKey string) (Customer, error)

	// RegisterDevice creates a device under the key's customer with a fresh
	// agent id and secret key.
	RegisterDevice(ctx context.Context, apiKey string, survey DeviceSurvey) (Device, error)

	// Device resolves a device and verifies it belongs to the key's customer.
	Device(ctx context.Context, apiKey, agentID string) (Device, error)

	// TouchKeepalive marks the device online with last_callback = now.
	TouchKeepalive(ctx context.Context, agentID string) error

	// RecordBackup upserts the catalog entry for a path and returns the new
	// version id.
	RecordBackup(ctx context.Context, agentID, clientPath, nativePath string, size int64) (int, error)

	// FileByPath looks up a catalog entry by posix path.
	FileByPath(ctx context.Context, agentID, clientPath string) (File, error)

	// EnqueueRestore queues a file for restore. Idempotent while the entry is
	// pending; a second call refreshes the requested version.
	EnqueueRestore(ctx context.Context, agentID string, fileID int64, versionID int) error

	// PendingRestores returns the device's queue in enqueue order. Each call
	// counts as one keepalive observation; entries seen
	// MaxKeepalivesBeforeExpiry times are dropped.
	PendingRestores(ctx context.Context, agentID string) ([]PendingRestore, error)

	// MarkRestored removes the queue entry for a path after the device
	// acknowledged a successful restore.
	MarkRestored(ctx context.Context, agentID, clientPath string) error

	Close() error
}
