package agent

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stormcloudapp/stormcloud/internal/events"
	"github.com/stormcloudapp/stormcloud/internal/hashindex"
	"github.com/stormcloudapp/stormcloud/internal/history"
	"github.com/stormcloudapp/stormcloud/internal/scpath"
	"github.com/stormcloudapp/stormcloud/internal/settings"
)

// runCycle walks the configured paths and uploads every changed file. Returns
// the history operation id and whether the cycle succeeded. A cycle with no
// failed files succeeds, including one that found nothing to do.
func (a *Agent) runCycle(ctx context.Context, cfg *settings.Settings, source string) (string, bool) {
	opID, err := a.hist.StartOperation(ctx, history.TypeBackup, source, "")
	if err != nil {
		a.log.Error("Could not start backup operation: %v", err)
		return "", false
	}
	a.log.Info("Backup cycle %s started (%s)", opID, source)

	files := a.discoverFiles(cfg)

	var failed sync.Map // path -> struct{}
	var g errgroup.Group
	g.SetLimit(uploadParallelism)
	for _, path := range files {
		path := path
		g.Go(func() error {
			if ok := a.processFile(ctx, opID, path); !ok {
				failed.Store(path, struct{}{})
			}
			return nil
		})
	}
	g.Wait()

	failedCount := 0
	failed.Range(func(_, _ interface{}) bool { failedCount++; return true })

	status := history.StatusSuccess
	errMsg := ""
	if failedCount > 0 {
		status = history.StatusFailed
		errMsg = "one or more files failed to upload"
	}
	if err := a.hist.CompleteOperation(ctx, opID, status, errMsg); err != nil {
		a.log.Error("Could not complete backup operation %s: %v", opID, err)
	}

	a.log.Info("Backup cycle %s finished: %d files scanned, %d failed", opID, len(files), failedCount)
	return opID, failedCount == 0
}

// processFile applies change detection to one file and uploads it if needed.
// Unchanged files leave no trace in history. Returns false on failure.
func (a *Agent) processFile(ctx context.Context, opID, path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		// The file vanished between discovery and processing.
		a.log.Debug("Skipping %s: %v", path, err)
		return true
	}

	var digest []byte
	if a.ignoreHash {
		var err error
		if digest, err = hashindex.HashFile(path); err != nil {
			a.recordFile(ctx, opID, path, history.StatusFailed, err.Error())
			return false
		}
	} else {
		decision, d, err := a.idx.Evaluate(ctx, path, info.Size(), info.ModTime())
		if err != nil {
			a.recordFile(ctx, opID, path, history.StatusFailed, err.Error())
			return false
		}
		if decision == hashindex.DecisionUnchanged {
			return true
		}
		digest = d
	}

	cp := scpath.FromNative(path)
	version, err := a.client.UploadFile(ctx, cp, func(pct int) {
		if a.bus != nil {
			a.bus.PublishProgress(events.EventBackupProgress, path, pct)
		}
	})
	if err != nil {
		a.recordFile(ctx, opID, path, history.StatusFailed, err.Error())
		return false
	}
	a.noteVersion(path, version)

	// Only an acknowledged upload updates the index; a failed file must look
	// changed on the next cycle.
	if err := a.idx.Record(ctx, path, digest, info.Size(), info.ModTime()); err != nil {
		a.log.Error("Hash index update for %s failed: %v", path, err)
	}
	a.recordFile(ctx, opID, path, history.StatusSuccess, "")
	return true
}

func (a *Agent) recordFile(ctx context.Context, opID, path, status, errMsg string) {
	if err := a.hist.AddFileRecord(ctx, opID, path, status, errMsg); err != nil {
		a.log.Error("Recording %s in history failed: %v", path, err)
	}
}

// discoverFiles collects the regular files covered by the settings: direct
// children of backup_paths, full trees under recursive_backup_paths. The
// result is deduplicated and sorted for deterministic cycles.
func (a *Agent) discoverFiles(cfg *settings.Settings) []string {
	seen := make(map[string]struct{})

	for _, dir := range cfg.BackupPaths {
		entries, err := os.ReadDir(dir)
		if err != nil {
			a.log.Warn("Backup path %s unreadable: %v", dir, err)
			continue
		}
		for _, e := range entries {
			if e.Type().IsRegular() {
				seen[filepath.Join(dir, e.Name())] = struct{}{}
			}
		}
	}

	for _, root := range cfg.RecursiveBackupPaths {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				a.log.Warn("Walk error under %s: %v", root, err)
				return nil
			}
			if d.Type().IsRegular() {
				seen[path] = struct{}{}
			}
			return nil
		})
		if err != nil {
			a.log.Warn("Recursive backup path %s unreadable: %v", root, err)
		}
	}

	files := make([]string, 0, len(seen))
	for f := range seen {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}

// writeManifestSnapshot persists the post-cycle file-metadata manifest and
// prunes old snapshots.
func (a *Agent) writeManifestSnapshot(cfg *settings.Settings) error {
	entries := a.manifestEntries(cfg)
	dir := filepath.Join(a.installDir, "file_explorer", "manifest")
	if _, err := writeManifest(dir, time.Now(), entries); err != nil {
		return err
	}
	return pruneManifests(dir, manifestRetention)
}
