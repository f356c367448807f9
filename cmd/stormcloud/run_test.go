package main

import (
	"path/filepath"
	"testing"
)

func TestHashDBPathDefaultsToSchash(t *testing.T) {
	got := hashDBPath("/opt/stormcloud", "")
	want := filepath.Join("/opt/stormcloud", "schash.db")
	if got != want {
		t.Fatalf("hashDBPath default = %q, want %q", got, want)
	}

	if got := hashDBPath("/opt/stormcloud", "/tmp/other.db"); got != "/tmp/other.db" {
		t.Fatalf("hashDBPath override = %q, want /tmp/other.db", got)
	}
}
