package scpath

import "testing"

func TestBase64RoundTripPreservesBytes(t *testing.T) {
	cases := []string{
		"/tmp/sc/root/a.txt",
		`C:\Users\björn\Mes Documents\résumé.docx`,
		"/home/ユーザー/ファイル.txt",
		`D:\data\\double\slash.bin`,
	}
	for _, native := range cases {
		p := FromNative(native)
		decoded, err := FromBase64(p.Base64())
		if err != nil {
			t.Fatalf("FromBase64 failed for %q: %v", native, err)
		}
		if decoded.Native() != native {
			t.Errorf("round trip mangled %q into %q", native, decoded.Native())
		}
	}
}

func TestPosixNormalization(t *testing.T) {
	cases := []struct{ in, want string }{
		{`C:\Users\alice\doc.txt`, "C:/Users/alice/doc.txt"},
		{"/tmp/sc/root/a.txt", "tmp/sc/root/a.txt"},
		{"/tmp//sc///root/a.txt", "tmp/sc/root/a.txt"},
		{`\\server\share\f.txt`, "server/share/f.txt"},
		{`C:\données\café.txt`, "C:/données/café.txt"},
	}
	for _, c := range cases {
		if got := FromNative(c.in).Posix(); got != c.want {
			t.Errorf("Posix(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestFromBase64Rejects(t *testing.T) {
	if _, err := FromBase64("not!!base64"); err == nil {
		t.Error("invalid base64 should be rejected")
	}
	if _, err := FromBase64(""); err == nil {
		t.Error("empty path should be rejected")
	}
}
