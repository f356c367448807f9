package catalog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCatalog(t *testing.T) *SQLiteCatalog {
	t.Helper()
	c, err := NewSQLiteCatalog(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func seedDevice(t *testing.T, c *SQLiteCatalog) Device {
	t.Helper()
	ctx := context.Background()
	_, err := c.EnsureCustomer(ctx, "key-1")
	require.NoError(t, err)
	dev, err := c.RegisterDevice(ctx, "key-1", DeviceSurvey{DeviceName: "desk-01", DeviceType: "desktop"})
	require.NoError(t, err)
	return dev
}

func TestCustomerForKeyRejectsUnknownAndInactive(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	_, err := c.CustomerForKey(ctx, "nope")
	assert.ErrorIs(t, err, ErrUnknownAPIKey)

	cust, err := c.EnsureCustomer(ctx, "key-1")
	require.NoError(t, err)

	_, err = c.db.Exec(`UPDATE customers SET active = 0 WHERE customer_id = ?`, cust.CustomerID)
	require.NoError(t, err)
	_, err = c.CustomerForKey(ctx, "key-1")
	assert.ErrorIs(t, err, ErrUnknownAPIKey)
}

func TestEnsureCustomerIsIdempotent(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	first, err := c.EnsureCustomer(ctx, "key-1")
	require.NoError(t, err)
	second, err := c.EnsureCustomer(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, first.CustomerID, second.CustomerID)
}

func TestRegisterDeviceAssignsIdentity(t *testing.T) {
	c := newTestCatalog(t)
	dev := seedDevice(t, c)

	assert.NotEmpty(t, dev.AgentID)
	assert.NotEmpty(t, dev.SecretKey)

	got, err := c.Device(context.Background(), "key-1", dev.AgentID)
	require.NoError(t, err)
	assert.Equal(t, "desk-01", got.DeviceName)
	assert.Equal(t, StatusOffline, got.Status)
}

func TestDeviceRejectsForeignKey(t *testing.T) {
	c := newTestCatalog(t)
	dev := seedDevice(t, c)
	ctx := context.Background()

	_, err := c.EnsureCustomer(ctx, "key-2")
	require.NoError(t, err)

	_, err = c.Device(ctx, "key-2", dev.AgentID)
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestTouchKeepaliveMarksOnline(t *testing.T) {
	c := newTestCatalog(t)
	dev := seedDevice(t, c)
	ctx := context.Background()

	require.NoError(t, c.TouchKeepalive(ctx, dev.AgentID))

	got, err := c.Device(ctx, "key-1", dev.AgentID)
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, got.Status)
	assert.False(t, got.LastCallback.IsZero())

	assert.ErrorIs(t, c.TouchKeepalive(ctx, "ghost"), ErrUnknownDevice)
}

func TestRecordBackupIncrementsVersions(t *testing.T) {
	c := newTestCatalog(t)
	dev := seedDevice(t, c)
	ctx := context.Background()

	v1, err := c.RecordBackup(ctx, dev.AgentID, "tmp/a.txt", "/tmp/a.txt", 5)
	require.NoError(t, err)
	assert.Equal(t, 1, v1)

	v2, err := c.RecordBackup(ctx, dev.AgentID, "tmp/a.txt", "/tmp/a.txt", 7)
	require.NoError(t, err)
	assert.Equal(t, 2, v2)

	f, err := c.FileByPath(ctx, dev.AgentID, "tmp/a.txt")
	require.NoError(t, err)
	assert.Equal(t, 2, f.LatestVersion)
	assert.Equal(t, int64(7), f.Size)

	_, err = c.FileByPath(ctx, dev.AgentID, "tmp/missing.txt")
	assert.ErrorIs(t, err, ErrUnknownFile)
}

func TestRestoreQueueOrderingAndIdempotency(t *testing.T) {
	c := newTestCatalog(t)
	dev := seedDevice(t, c)
	ctx := context.Background()

	_, err := c.RecordBackup(ctx, dev.AgentID, "tmp/a.txt", "/tmp/a.txt", 1)
	require.NoError(t, err)
	_, err = c.RecordBackup(ctx, dev.AgentID, "tmp/b.txt", "/tmp/b.txt", 2)
	require.NoError(t, err)

	fa, err := c.FileByPath(ctx, dev.AgentID, "tmp/a.txt")
	require.NoError(t, err)
	fb, err := c.FileByPath(ctx, dev.AgentID, "tmp/b.txt")
	require.NoError(t, err)

	require.NoError(t, c.EnqueueRestore(ctx, dev.AgentID, fa.FileID, 0))
	require.NoError(t, c.EnqueueRestore(ctx, dev.AgentID, fb.FileID, 0))
	// Re-enqueue refreshes the version without duplicating the entry.
	require.NoError(t, c.EnqueueRestore(ctx, dev.AgentID, fa.FileID, 1))

	pending, err := c.PendingRestores(ctx, dev.AgentID)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "/tmp/a.txt", pending[0].NativePath)
	assert.Equal(t, 1, pending[0].VersionID)
	assert.Equal(t, "/tmp/b.txt", pending[1].NativePath)
}

func TestMarkRestoredRemovesEntry(t *testing.T) {
	c := newTestCatalog(t)
	dev := seedDevice(t, c)
	ctx := context.Background()

	_, err := c.RecordBackup(ctx, dev.AgentID, "tmp/a.txt", "/tmp/a.txt", 1)
	require.NoError(t, err)
	f, err := c.FileByPath(ctx, dev.AgentID, "tmp/a.txt")
	require.NoError(t, err)
	require.NoError(t, c.EnqueueRestore(ctx, dev.AgentID, f.FileID, 0))

	require.NoError(t, c.MarkRestored(ctx, dev.AgentID, "tmp/a.txt"))
	pending, err := c.PendingRestores(ctx, dev.AgentID)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Acking a path that is no longer queued is fine.
	require.NoError(t, c.MarkRestored(ctx, dev.AgentID, "tmp/a.txt"))
}

func TestQueueEntriesExpireAfterUnackedKeepalives(t *testing.T) {
	c := newTestCatalog(t)
	dev := seedDevice(t, c)
	ctx := context.Background()

	_, err := c.RecordBackup(ctx, dev.AgentID, "tmp/a.txt", "/tmp/a.txt", 1)
	require.NoError(t, err)
	f, err := c.FileByPath(ctx, dev.AgentID, "tmp/a.txt")
	require.NoError(t, err)
	require.NoError(t, c.EnqueueRestore(ctx, dev.AgentID, f.FileID, 0))

	for i := 0; i < MaxKeepalivesBeforeExpiry; i++ {
		pending, err := c.PendingRestores(ctx, dev.AgentID)
		require.NoError(t, err)
		require.Len(t, pending, 1, "keepalive %d should still see the entry", i+1)
	}

	pending, err := c.PendingRestores(ctx, dev.AgentID)
	require.NoError(t, err)
	assert.Empty(t, pending, "entry expires after the fiftieth unacked keepalive")
}
