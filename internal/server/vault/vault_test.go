package vault

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeString(t *testing.T, v *Vault, posix, content string) {
	t.Helper()
	n, err := v.Store("cust-1", "agent-1", posix, strings.NewReader(content))
	require.NoError(t, err)
	require.Equal(t, int64(len(content)), n)
}

func readVersion(t *testing.T, v *Vault, posix string, depth int) string {
	t.Helper()
	f, size, err := v.Open("cust-1", "agent-1", posix, depth)
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), size)
	return string(data)
}

func TestStoreWritesUnderDeviceLayout(t *testing.T) {
	root := t.TempDir()
	v := New(root, 0)

	storeString(t, v, "tmp/sc/root/a.txt", "hello")

	data, err := os.ReadFile(filepath.Join(root, "cust-1", "device", "agent-1", "tmp", "sc", "root", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestOverwriteRotatesPriorVersions(t *testing.T) {
	v := New(t.TempDir(), 3)

	storeString(t, v, "docs/n.txt", "v1")
	storeString(t, v, "docs/n.txt", "v2")
	storeString(t, v, "docs/n.txt", "v3")

	assert.Equal(t, "v3", readVersion(t, v, "docs/n.txt", 0))
	assert.Equal(t, "v2", readVersion(t, v, "docs/n.txt", 2))
	assert.Equal(t, "v1", readVersion(t, v, "docs/n.txt", 3))
}

func TestRotationDropsBeyondMaxVersions(t *testing.T) {
	v := New(t.TempDir(), 3)

	for _, content := range []string{"v1", "v2", "v3", "v4", "v5"} {
		storeString(t, v, "a.bin", content)
	}

	assert.Equal(t, "v5", readVersion(t, v, "a.bin", 0))
	assert.Equal(t, "v4", readVersion(t, v, "a.bin", 2))
	assert.Equal(t, "v3", readVersion(t, v, "a.bin", 3))

	_, _, err := v.Open("cust-1", "agent-1", "a.bin", 4)
	assert.True(t, os.IsNotExist(err), "versions beyond the retention limit are gone")
}

func TestZeroByteFileRoundTripsAndRotates(t *testing.T) {
	v := New(t.TempDir(), 3)

	storeString(t, v, "empty.dat", "")
	assert.Equal(t, "", readVersion(t, v, "empty.dat", 0))

	storeString(t, v, "empty.dat", "now has content")
	assert.Equal(t, "now has content", readVersion(t, v, "empty.dat", 0))
	assert.Equal(t, "", readVersion(t, v, "empty.dat", 2))
}

func TestNoPartialFileSurvivesFailedStream(t *testing.T) {
	root := t.TempDir()
	v := New(root, 3)

	storeString(t, v, "a.txt", "stable")

	_, err := v.Store("cust-1", "agent-1", "a.txt", failingReader{})
	require.Error(t, err)

	// The failed write rotated the old copy, but the canonical name holds no
	// truncated file and the temp is cleaned up.
	_, _, openErr := v.Open("cust-1", "agent-1", "a.txt", 0)
	assert.True(t, os.IsNotExist(openErr))
	assert.Equal(t, "stable", readVersion(t, v, "a.txt", 2))

	matches, err := filepath.Glob(filepath.Join(root, "cust-1", "device", "agent-1", "*"+partialSuffix))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }
