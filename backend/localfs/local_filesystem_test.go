package localfs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/alttch/sshare/pkg/errs"
)

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestListFilesAndDirectories(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "top.bin"), 3)
	writeFile(t, filepath.Join(dir, "tree", "a.txt"), 1)
	writeFile(t, filepath.Join(dir, "tree", "sub", "b.txt"), 2)

	files, err := NewFileSystemLister(true).List(filepath.Join(dir, "top.bin"), filepath.Join(dir, "tree"))
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("got %d files: %+v", len(files), files)
	}
	want := []struct {
		rel  string
		size int64
	}{{"top.bin", 3}, {"a.txt", 1}, {"sub/b.txt", 2}}
	for i, w := range want {
		if files[i].Rel != w.rel || files[i].Size != w.size || !filepath.IsAbs(files[i].AbsPath) {
			t.Fatalf("file %d = %+v, want %s (%d bytes)", i, files[i], w.rel, w.size)
		}
	}
}

func TestListDirectoryNeedsRecursive(t *testing.T) {
	dir := t.TempDir()
	_, err := NewFileSystemLister(false).List(dir)
	if !errors.Is(err, errs.ErrUsage) {
		t.Fatalf("List(dir) = %v, want usage error", err)
	}
}

func TestListMissingFile(t *testing.T) {
	_, err := NewFileSystemLister(false).List(filepath.Join(t.TempDir(), "missing"))
	if !errors.Is(err, errs.ErrLocalIO) {
		t.Fatalf("List(missing) = %v, want local I/O error", err)
	}
}
