package backend

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alttch/sshare/pkg/integrity"
	digest "github.com/opencontainers/go-digest"
)

func TestJournalKeyIsStable(t *testing.T) {
	a := JournalKey("https://s.example/", "/tmp/a.bin")
	if a != JournalKey("https://s.example", "/tmp/a.bin") {
		t.Fatal("trailing slash changed the key")
	}
	if a == JournalKey("https://s.example", "/tmp/b.bin") {
		t.Fatal("different paths share a key")
	}
	if a == JournalKey("https://t.example", "/tmp/a.bin") {
		t.Fatal("different servers share a key")
	}
}

func TestJournalSaveLoadRemove(t *testing.T) {
	j, err := NewYamlJournal(filepath.Join(t.TempDir(), "journal"))
	if err != nil {
		t.Fatalf("NewYamlJournal: %v", err)
	}
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	j.now = func() time.Time { return clock }

	v, err := integrity.New(digest.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	v.Update([]byte("hello "))
	cp, err := v.Checkpoint()
	if err != nil {
		t.Fatal(err)
	}

	mod := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	key := JournalKey("https://s.example", "/data/a.bin")
	entry := &JournalEntry{
		Key:        key,
		Server:     "https://s.example",
		Path:       "/data/a.bin",
		Name:       "a.bin",
		Size:       11,
		ModTime:    mod,
		UploadID:   "up-1",
		Checkpoint: cp,
		Expires:    time.Hour,
	}
	if err := j.Save(entry); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if info, err := os.Stat(filepath.Join(j.Dir(), key+".yaml")); err != nil || info.Mode().Perm() != 0o600 {
		t.Fatalf("journal file: %v %v", info, err)
	}

	got, err := j.Load(key)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.UploadID != "up-1" || got.Offset() != 6 || !got.Matches(11, mod) || got.Expires != time.Hour {
		t.Fatalf("unexpected entry %+v", got)
	}
	if !got.StartedAt.Equal(clock) || !got.UpdatedAt.Equal(clock) {
		t.Fatalf("timestamps not stamped: %+v", got)
	}
	if got.Matches(12, mod) || got.Matches(11, mod.Add(time.Second)) {
		t.Fatal("Matches ignored a change")
	}

	restored, err := integrity.New(digest.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	if err := restored.Restore(got.Checkpoint); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	restored.Update([]byte("world"))
	if restored.Finalize() != digest.FromString("hello world") {
		t.Fatal("checkpoint did not survive the journal")
	}

	if err := j.Remove(key); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := j.Load(key); !errors.Is(err, ErrNoJournalEntry) {
		t.Fatalf("Load after remove = %v", err)
	}
	if err := j.Remove(key); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
}

func TestJournalListNewestFirst(t *testing.T) {
	j, err := NewYamlJournal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	clock := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, name := range []string{"old", "new"} {
		j.now = func() time.Time { return clock.Add(time.Duration(i) * time.Hour) }
		if err := j.Save(&JournalEntry{Key: JournalKey("s", name), Path: name}); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(j.Dir(), "junk.yaml"), []byte(":\n- ["), 0o600); err != nil {
		t.Fatal(err)
	}

	list, err := j.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].Path != "new" || list[1].Path != "old" {
		t.Fatalf("unexpected order: %+v", list)
	}
}

func TestJournalSaveRequiresKey(t *testing.T) {
	j, err := NewYamlJournal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := j.Save(&JournalEntry{}); err == nil {
		t.Fatal("Save accepted an entry without key")
	}
}
