// Package restore drains the server's per-device restore queue: it downloads
// each queued file, writes it to its original path, and acknowledges the
// restore so the server drops the queue entry. Large files download in
// resumable 16 MiB chunks with a progress sidecar next to the target.
package restore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/stormcloudapp/stormcloud/internal/events"
	"github.com/stormcloudapp/stormcloud/internal/history"
	"github.com/stormcloudapp/stormcloud/internal/logging"
	"github.com/stormcloudapp/stormcloud/internal/scpath"
	"github.com/stormcloudapp/stormcloud/internal/transport"
)

// Client is the subset of the transport client the worker needs.
type Client interface {
	RestoreFile(ctx context.Context, path scpath.ClientPath, versionID int) ([]byte, error)
	RestoreRange(ctx context.Context, path scpath.ClientPath, versionID int, offset, length int64) ([]byte, int64, error)
	MarkFileRestored(ctx context.Context, path scpath.ClientPath) error
}

// Worker downloads queued restores and writes them to disk.
type Worker struct {
	client Client
	hist   history.Store
	bus    *events.Bus
	log    *logging.Logger
}

// NewWorker creates a restore worker. bus may be nil.
func NewWorker(client Client, hist history.Store, bus *events.Bus, log *logging.Logger) *Worker {
	if log == nil {
		log = logging.Default()
	}
	return &Worker{client: client, hist: hist, bus: bus, log: log}
}

// Drain processes every entry in queue. Failures are recorded per file and do
// not stop the drain; a failed entry stays in the server queue and comes back
// with the next keepalive. Returns the history operation id, or "" when the
// queue was empty.
func (w *Worker) Drain(ctx context.Context, queue []transport.RestoreEntry) (string, error) {
	if len(queue) == 0 {
		return "", nil
	}

	opID, err := w.hist.StartOperation(ctx, history.TypeRestore, history.SourceUser, "")
	if err != nil {
		return "", fmt.Errorf("starting restore operation: %w", err)
	}

	failed := 0
	for _, entry := range queue {
		path, err := scpath.FromBase64(entry.FilePath)
		if err != nil {
			w.log.Error("Restore queue entry has malformed path %q: %v", entry.FilePath, err)
			failed++
			continue
		}

		if err := w.restoreOne(ctx, opID, path, entry); err != nil {
			w.log.Error("Restore of %s failed: %v", path.Native(), err)
			w.recordFile(ctx, opID, path, history.StatusFailed, err.Error())
			failed++
			continue
		}

		w.recordFile(ctx, opID, path, history.StatusSuccess, "")
		if err := w.client.MarkFileRestored(ctx, path); err != nil {
			// The file is on disk; the server will redeliver and the next
			// drain re-downloads and re-acks.
			w.log.Warn("Restore ack for %s failed: %v", path.Native(), err)
		}
	}

	status := history.StatusSuccess
	errMsg := ""
	if failed > 0 {
		status = history.StatusFailed
		errMsg = fmt.Sprintf("%d of %d files failed to restore", failed, len(queue))
	}
	if err := w.hist.CompleteOperation(ctx, opID, status, errMsg); err != nil {
		w.log.Error("Completing restore operation %s: %v", opID, err)
	}
	return opID, nil
}

func (w *Worker) restoreOne(ctx context.Context, opID string, path scpath.ClientPath, entry transport.RestoreEntry) error {
	target := path.Native()
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("creating parent directories: %w", err)
	}

	if entry.Size <= transport.RestoreChunkSize {
		return w.restoreSingleShot(ctx, path, entry.VersionID, target)
	}
	return w.restoreChunked(ctx, path, entry, target)
}

// restoreSingleShot fetches the whole body in one request and writes it
// through a temp file.
func (w *Worker) restoreSingleShot(ctx context.Context, path scpath.ClientPath, versionID int, target string) error {
	content, err := w.client.RestoreFile(ctx, path, versionID)
	if err != nil {
		return err
	}
	w.reportProgress(target, 100)
	return writeAtomic(target, content)
}

// restoreChunked downloads in RestoreChunkSize pieces appended to
// <target>.tmp, checkpointing after each chunk in <target>.temp.progress so a
// crashed download resumes where it left off.
func (w *Worker) restoreChunked(ctx context.Context, path scpath.ClientPath, entry transport.RestoreEntry, target string) error {
	tmp := target + ".tmp"
	sidecarPath := target + ".temp.progress"

	sc, err := loadSidecar(sidecarPath, entry.VersionID)
	if err != nil {
		return err
	}
	if sc.BytesDone > 0 {
		w.log.Info("Resuming restore of %s at %d bytes", target, sc.BytesDone)
	}

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening temp file: %w", err)
	}
	defer f.Close()
	if err := f.Truncate(sc.BytesDone); err != nil {
		return fmt.Errorf("truncating temp file to checkpoint: %w", err)
	}
	if _, err := f.Seek(sc.BytesDone, 0); err != nil {
		return fmt.Errorf("seeking to checkpoint: %w", err)
	}

	total := entry.Size
	for sc.BytesDone < total {
		chunk, gotTotal, err := w.client.RestoreRange(ctx, path, entry.VersionID, sc.BytesDone, transport.RestoreChunkSize)
		if err != nil {
			return err
		}
		total = gotTotal

		if _, err := f.Write(chunk); err != nil {
			return fmt.Errorf("writing chunk: %w", err)
		}
		if err := f.Sync(); err != nil {
			return fmt.Errorf("syncing chunk: %w", err)
		}

		sc.BytesDone += int64(len(chunk))
		sc.TotalSize = total
		if err := sc.save(sidecarPath); err != nil {
			return err
		}
		w.reportProgress(target, int(sc.BytesDone*100/total))

		if len(chunk) == 0 {
			return fmt.Errorf("server returned empty chunk at offset %d of %d", sc.BytesDone, total)
		}
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("moving file into place: %w", err)
	}
	os.Remove(sidecarPath)
	return nil
}

func (w *Worker) reportProgress(file string, percent int) {
	if w.bus != nil {
		w.bus.PublishProgress(events.EventRestoreProgress, file, percent)
	}
}

func (w *Worker) recordFile(ctx context.Context, opID string, path scpath.ClientPath, status, errMsg string) {
	if err := w.hist.AddFileRecord(ctx, opID, path.Native(), status, errMsg); err != nil {
		w.log.Error("Recording restore of %s: %v", path.Native(), err)
	}
}

// sidecar is the on-disk checkpoint for a chunked download.
type sidecar struct {
	VersionID int   `json:"version_id"`
	TotalSize int64 `json:"total_size"`
	BytesDone int64 `json:"bytes_done"`
}

// loadSidecar reads an existing checkpoint. A sidecar for a different version
// is discarded and the download starts over.
func loadSidecar(path string, versionID int) (sidecar, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return sidecar{VersionID: versionID}, nil
	}
	if err != nil {
		return sidecar{}, fmt.Errorf("reading progress sidecar: %w", err)
	}

	var sc sidecar
	if err := json.Unmarshal(data, &sc); err != nil || sc.VersionID != versionID {
		return sidecar{VersionID: versionID}, nil
	}
	return sc, nil
}

func (sc sidecar) save(path string) error {
	data, err := json.Marshal(sc)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing progress sidecar: %w", err)
	}
	return nil
}

// writeAtomic writes content through a temp file and renames it over target.
func writeAtomic(target string, content []byte) error {
	tmp := target + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("opening temp file: %w", err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("moving file into place: %w", err)
	}
	return nil
}
