package internal

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseByteSize(t *testing.T) {
	cases := map[string]int64{
		"1024":   1024,
		"4MiB":   4 << 20,
		"512k":   512 << 10,
		"1GB":    1_000_000_000,
		" 8 mb ": 8_000_000,
	}
	for in, want := range cases {
		got, err := ParseByteSize(in)
		if err != nil {
			t.Fatalf("%q: %v", in, err)
		}
		if got != want {
			t.Fatalf("%q: got %d want %d", in, got, want)
		}
	}
	for _, bad := range []string{"", "MiB", "12parsecs", "-1"} {
		if _, err := ParseByteSize(bad); err == nil {
			t.Fatalf("%q: expected error", bad)
		}
	}
}

func TestParseExpiry(t *testing.T) {
	cases := map[string]time.Duration{
		"":    0,
		"90m": 90 * time.Minute,
		"24h": 24 * time.Hour,
		"7d":  7 * 24 * time.Hour,
	}
	for in, want := range cases {
		got, err := ParseExpiry(in)
		if err != nil {
			t.Fatalf("%q: %v", in, err)
		}
		if got != want {
			t.Fatalf("%q: got %s want %s", in, got, want)
		}
	}
	for _, bad := range []string{"0d", "-5m", "soon"} {
		if _, err := ParseExpiry(bad); err == nil {
			t.Fatalf("%q: expected error", bad)
		}
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := ExpandPath("~/x/y"); got != filepath.Join(home, "x", "y") {
		t.Fatalf("unexpected expansion %q", got)
	}
	t.Setenv("SSHARE_TEST_DIR", "/srv/data")
	if got := ExpandPath("$SSHARE_TEST_DIR/f"); got != "/srv/data/f" {
		t.Fatalf("unexpected expansion %q", got)
	}
}

func TestEnsureParentDir(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "a", "b", "file.bin")
	if err := EnsureParentDir(target); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if info, err := os.Stat(filepath.Dir(target)); err != nil || !info.IsDir() {
		t.Fatalf("parent not created: %v", err)
	}
}
