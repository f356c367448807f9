package restore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stormcloudapp/stormcloud/internal/events"
	"github.com/stormcloudapp/stormcloud/internal/history"
	"github.com/stormcloudapp/stormcloud/internal/scpath"
	"github.com/stormcloudapp/stormcloud/internal/transport"
)

// fakeClient serves restores from an in-memory map keyed by native path.
type fakeClient struct {
	files      map[string][]byte
	acked      []string
	rangeCalls int
	failRanges int // fail the first N range calls
}

func (f *fakeClient) RestoreFile(_ context.Context, path scpath.ClientPath, _ int) ([]byte, error) {
	content, ok := f.files[path.Native()]
	if !ok {
		return nil, errors.New("no such file")
	}
	return content, nil
}

func (f *fakeClient) RestoreRange(_ context.Context, path scpath.ClientPath, _ int, offset, length int64) ([]byte, int64, error) {
	f.rangeCalls++
	if f.failRanges > 0 {
		f.failRanges--
		return nil, 0, errors.New("connection reset")
	}
	content, ok := f.files[path.Native()]
	if !ok {
		return nil, 0, errors.New("no such file")
	}
	end := offset + length
	if end > int64(len(content)) {
		end = int64(len(content))
	}
	return content[offset:end], int64(len(content)), nil
}

func (f *fakeClient) MarkFileRestored(_ context.Context, path scpath.ClientPath) error {
	f.acked = append(f.acked, path.Native())
	return nil
}

func newTestWorker(t *testing.T, client Client) (*Worker, history.Store) {
	t.Helper()
	hist, err := history.NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { hist.Close() })
	return NewWorker(client, hist, events.NewBus(), nil), hist
}

func entryFor(native string, size int64) transport.RestoreEntry {
	return transport.RestoreEntry{
		FilePath: base64.StdEncoding.EncodeToString([]byte(native)),
		Size:     size,
	}
}

func TestDrainEmptyQueueIsNoOp(t *testing.T) {
	w, hist := newTestWorker(t, &fakeClient{})
	opID, err := w.Drain(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, opID)

	ops, err := hist.ListHistory(context.Background(), history.TypeRestore, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestSingleShotRestoreWritesTarget(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "sub", "a.txt")
	client := &fakeClient{files: map[string][]byte{target: []byte("!")}}
	w, hist := newTestWorker(t, client)

	opID, err := w.Drain(context.Background(), []transport.RestoreEntry{entryFor(target, 1)})
	require.NoError(t, err)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, []byte("!"), got)
	assert.Equal(t, []string{target}, client.acked)

	op, found, err := hist.GetOperation(context.Background(), opID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, history.StatusSuccess, op.Status)
	require.Len(t, op.Files, 1)
	assert.Equal(t, history.StatusSuccess, op.Files[0].Status)
}

func TestZeroByteRestore(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "empty.bin")
	client := &fakeClient{files: map[string][]byte{target: {}}}
	w, _ := newTestWorker(t, client)

	_, err := w.Drain(context.Background(), []transport.RestoreEntry{entryFor(target, 0)})
	require.NoError(t, err)

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestChunkedRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "big.bin")
	content := make([]byte, 3*transport.RestoreChunkSize/2+17)
	for i := range content {
		content[i] = byte(i * 31)
	}
	client := &fakeClient{files: map[string][]byte{target: content}}
	w, _ := newTestWorker(t, client)

	_, err := w.Drain(context.Background(), []transport.RestoreEntry{entryFor(target, int64(len(content)))})
	require.NoError(t, err)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, 2, client.rangeCalls)

	_, err = os.Stat(target + ".temp.progress")
	assert.True(t, os.IsNotExist(err), "sidecar should be removed after success")
	_, err = os.Stat(target + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should be renamed away")
}

func TestChunkedRestoreResumesFromSidecar(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "big.bin")
	content := make([]byte, 2*transport.RestoreChunkSize+5)
	for i := range content {
		content[i] = byte(i * 7)
	}

	// First drain dies after one chunk lands, leaving a checkpoint behind.
	files := map[string][]byte{target: content}
	client := &fakeClient{files: files}
	w, hist := newTestWorker(t, client)

	w1 := NewWorker(&partialClient{inner: &fakeClient{files: files}, allow: 1}, hist, nil, nil)
	_, err := w1.Drain(context.Background(), []transport.RestoreEntry{entryFor(target, int64(len(content)))})
	require.NoError(t, err)

	var sc sidecar
	data, err := os.ReadFile(target + ".temp.progress")
	require.NoError(t, err, "failed download must leave a sidecar")
	require.NoError(t, json.Unmarshal(data, &sc))
	assert.Equal(t, int64(transport.RestoreChunkSize), sc.BytesDone)

	// Second drain resumes: only the remaining chunks are fetched.
	_, err = w.Drain(context.Background(), []transport.RestoreEntry{entryFor(target, int64(len(content)))})
	require.NoError(t, err)
	assert.Equal(t, 2, client.rangeCalls, "resume should skip the completed chunk")

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestFailedEntryDoesNotStopDrain(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.txt")
	missing := filepath.Join(dir, "missing.txt")
	client := &fakeClient{files: map[string][]byte{good: []byte("ok")}}
	w, hist := newTestWorker(t, client)

	opID, err := w.Drain(context.Background(), []transport.RestoreEntry{
		entryFor(missing, 4),
		entryFor(good, 2),
	})
	require.NoError(t, err)

	got, err := os.ReadFile(good)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), got)
	assert.Equal(t, []string{good}, client.acked, "failed entries are not acked")

	op, found, err := hist.GetOperation(context.Background(), opID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, history.StatusFailed, op.Status)
	require.Len(t, op.Files, 2)
}

// partialClient lets through allow range calls, then fails the rest.
type partialClient struct {
	inner *fakeClient
	allow int
}

func (p *partialClient) RestoreFile(ctx context.Context, path scpath.ClientPath, v int) ([]byte, error) {
	return p.inner.RestoreFile(ctx, path, v)
}

func (p *partialClient) RestoreRange(ctx context.Context, path scpath.ClientPath, v int, offset, length int64) ([]byte, int64, error) {
	if p.allow <= 0 {
		return nil, 0, errors.New("connection reset")
	}
	p.allow--
	return p.inner.RestoreRange(ctx, path, v, offset, length)
}

func (p *partialClient) MarkFileRestored(ctx context.Context, path scpath.ClientPath) error {
	return p.inner.MarkFileRestored(ctx, path)
}
