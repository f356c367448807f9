package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/stormcloudapp/stormcloud/internal/scpath"
	"github.com/stormcloudapp/stormcloud/internal/settings"
)

// manifestRetention is how many manifest snapshots the agent keeps.
const manifestRetention = 10

// manifestFilePrefix and the timestamp layout form file_metadata_YYYYMMDD_HHMMSS.json.
const (
	manifestFilePrefix      = "file_metadata_"
	manifestTimestampLayout = "20060102_150405"
)

// ManifestVersion is one known server-side copy of a file.
type ManifestVersion struct {
	VersionID int       `json:"version_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ManifestEntry is one file in the post-cycle metadata snapshot.
type ManifestEntry struct {
	ClientFullNameAndPathAsPosix string            `json:"ClientFullNameAndPathAsPosix"`
	FileSize                     int64             `json:"FileSize"`
	LastModified                 time.Time         `json:"LastModified"`
	Versions                     []ManifestVersion `json:"versions"`
}

// noteVersion remembers that the server assigned versionID to an upload of
// path. Only versions observed during this process's lifetime are known; the
// server catalog stays authoritative.
func (a *Agent) noteVersion(path string, versionID int) {
	if versionID == 0 {
		return
	}
	v := ManifestVersion{VersionID: versionID, Timestamp: time.Now().UTC()}
	existing, _ := a.versions.Load(path)
	list, _ := existing.([]ManifestVersion)
	a.versions.Store(path, append(list, v))
}

// manifestEntries builds the snapshot from every backed-up file the index
// knows within the configured paths.
func (a *Agent) manifestEntries(cfg *settings.Settings) []ManifestEntry {
	ctx := context.Background()
	var entries []ManifestEntry
	for _, path := range a.discoverFiles(cfg) {
		stored, found, err := a.idx.Lookup(ctx, path)
		if err != nil || !found {
			continue
		}

		versions := []ManifestVersion{}
		if v, ok := a.versions.Load(path); ok {
			versions = v.([]ManifestVersion)
		}
		entries = append(entries, ManifestEntry{
			ClientFullNameAndPathAsPosix: scpath.FromNative(path).Posix(),
			FileSize:                     stored.Size,
			LastModified:                 stored.MTime,
			Versions:                     versions,
		})
	}
	return entries
}

// writeManifest writes one timestamped snapshot into dir, creating it as
// needed, and returns the file name.
func writeManifest(dir string, now time.Time, entries []ManifestEntry) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating manifest directory: %w", err)
	}

	name := manifestFilePrefix + now.Format(manifestTimestampLayout) + ".json"
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("writing manifest: %w", err)
	}
	return name, nil
}

// pruneManifests removes all but the newest keep snapshots. Names sort
// lexicographically in timestamp order, so no parsing is needed.
func pruneManifests(dir string, keep int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("listing manifests: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && len(e.Name()) > len(manifestFilePrefix) && e.Name()[:len(manifestFilePrefix)] == manifestFilePrefix {
			names = append(names, e.Name())
		}
	}
	if len(names) <= keep {
		return nil
	}

	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	for _, name := range names[keep:] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("pruning manifest %s: %w", name, err)
		}
	}
	return nil
}
