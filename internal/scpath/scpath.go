// Package scpath carries client file paths across the wire without mangling.
// A ClientPath keeps the original native bytes (Windows backslashes, non-ASCII
// and all) alongside a posix-normalized form; the wire encoding is base64 of
// the raw UTF-8 bytes, which survives JSON untouched.
package scpath

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// ClientPath is a file path as the client knows it.
type ClientPath struct {
	native string
}

// FromNative wraps a path in the client's native form.
func FromNative(path string) ClientPath {
	return ClientPath{native: path}
}

// FromBase64 decodes a wire-encoded path.
func FromBase64(encoded string) (ClientPath, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return ClientPath{}, fmt.Errorf("malformed file_path encoding: %w", err)
	}
	if len(raw) == 0 {
		return ClientPath{}, fmt.Errorf("empty file_path")
	}
	return ClientPath{native: string(raw)}, nil
}

// Base64 returns the wire encoding of the original bytes.
func (p ClientPath) Base64() string {
	return base64.StdEncoding.EncodeToString([]byte(p.native))
}

// Native returns the path exactly as the client supplied it.
func (p ClientPath) Native() string {
	return p.native
}

// Posix returns the normalized form: backslashes become forward slashes,
// doubled slashes collapse, and any leading slash is dropped so the result
// can be joined under a storage root. All other bytes are preserved.
func (p ClientPath) Posix() string {
	s := strings.ReplaceAll(p.native, `\`, "/")
	for strings.Contains(s, "//") {
		s = strings.ReplaceAll(s, "//", "/")
	}
	return strings.TrimPrefix(s, "/")
}

// IsZero reports whether the path is empty.
func (p ClientPath) IsZero() bool {
	return p.native == ""
}

func (p ClientPath) String() string {
	return p.native
}
