// Package vault is the server's on-disk file store. Each device's files live
// under <root>/<customer>/device/<agent>/<posix-path>; prior copies of a file
// are rotated into a .SCVERS directory next to it before every overwrite, so
// the canonical name always holds a complete current file.
package vault

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/stormcloudapp/stormcloud/internal/logging"
)

const (
	// ChunkSize is the copy buffer for streamed writes.
	ChunkSize = 16 << 20

	// DefaultMaxVersions is how many rotated copies survive per file.
	DefaultMaxVersions = 3

	versionDirName = ".SCVERS"
	versionSuffix  = ".SCVER"
	partialSuffix  = ".scpart"
)

// Vault stores device files under a root directory.
type Vault struct {
	root        string
	maxVersions int
}

// New creates a vault rooted at root. maxVersions <= 0 selects the default.
func New(root string, maxVersions int) *Vault {
	if maxVersions <= 0 {
		maxVersions = DefaultMaxVersions
	}
	return &Vault{root: root, maxVersions: maxVersions}
}

// MaxVersions reports how many rotated copies this vault retains per file.
func (v *Vault) MaxVersions() int {
	return v.maxVersions
}

// CurrentPath returns the canonical on-disk location for a device file.
func (v *Vault) CurrentPath(customerID, agentID, posixPath string) string {
	return filepath.Join(v.root, customerID, "device", agentID, filepath.FromSlash(posixPath))
}

// Store writes the stream as the new current copy of the file, rotating any
// existing copy first. The write lands in a temp file and is renamed into
// place, so a crashed upload never leaves a truncated current file. Returns
// the byte count written.
func (v *Vault) Store(customerID, agentID, posixPath string, r io.Reader) (int64, error) {
	target := v.CurrentPath(customerID, agentID, posixPath)

	if _, err := os.Stat(target); err == nil {
		if err := v.rotate(target); err != nil {
			return 0, err
		}
	} else if !os.IsNotExist(err) {
		return 0, fmt.Errorf("failed to stat %s: %w", target, err)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create parent directories: %w", err)
	}

	tmp := target + partialSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}

	written, err := io.CopyBuffer(f, r, make([]byte, ChunkSize))
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to write stream: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to move file into place: %w", err)
	}

	logging.Debug("Stored %s (%d bytes)", target, written)
	return written, nil
}

// Open returns a reader over a stored file. depth selects the copy: 0 is the
// current file, n >= 2 is the n-th most recent rotated version. Returns the
// file size alongside the reader.
func (v *Vault) Open(customerID, agentID, posixPath string, depth int) (*os.File, int64, error) {
	path := v.CurrentPath(customerID, agentID, posixPath)
	if depth >= 2 {
		dir, name := filepath.Split(path)
		path = filepath.Join(dir, versionDirName, name+versionSuffix+strconv.Itoa(depth))
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

// rotate shifts existing version copies one slot deeper and parks the current
// file at SCVER2. Copies that would pass maxVersions are dropped. Highest
// numbers move first so renames never collide.
func (v *Vault) rotate(current string) error {
	dir, name := filepath.Split(current)
	versdir := filepath.Join(dir, versionDirName)
	if err := os.MkdirAll(versdir, 0o755); err != nil {
		return fmt.Errorf("failed to create version directory: %w", err)
	}

	for _, n := range v.versionNumbers(versdir, name) {
		from := filepath.Join(versdir, name+versionSuffix+strconv.Itoa(n))
		if n+1 > v.maxVersions {
			if err := os.Remove(from); err != nil {
				return fmt.Errorf("failed to drop oldest version: %w", err)
			}
			continue
		}
		to := filepath.Join(versdir, name+versionSuffix+strconv.Itoa(n+1))
		if err := os.Rename(from, to); err != nil {
			return fmt.Errorf("failed to shift version %d: %w", n, err)
		}
	}

	if err := os.Rename(current, filepath.Join(versdir, name+versionSuffix+"2")); err != nil {
		return fmt.Errorf("failed to park current version: %w", err)
	}
	return nil
}

// versionNumbers lists the existing SCVER numbers for name, descending.
func (v *Vault) versionNumbers(versdir, name string) []int {
	entries, err := os.ReadDir(versdir)
	if err != nil {
		return nil
	}

	prefix := name + versionSuffix
	var numbers []int
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), prefix)); err == nil {
			numbers = append(numbers, n)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(numbers)))
	return numbers
}
