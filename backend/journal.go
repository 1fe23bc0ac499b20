package backend

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/alttch/sshare/pkg/integrity"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

var ErrNoJournalEntry = errors.New("no resumable upload recorded")

// journalNamespace scopes journal keys; it never changes between releases.
var journalNamespace = uuid.MustParse("0b6e4a4e-6a37-4b7d-9c1f-1f3f5bb0c8a2")

// JournalEntry records an interrupted upload so a later run can continue the
// same server session instead of starting over.
type JournalEntry struct {
	Key      string    `yaml:"key"`
	Server   string    `yaml:"server"`
	Path     string    `yaml:"path"`
	Name     string    `yaml:"name"`
	Size     int64     `yaml:"size"`
	ModTime  time.Time `yaml:"mod_time"`
	UploadID string    `yaml:"upload_id"`
	// Checkpoint holds the digest state at the acknowledged offset.
	Checkpoint integrity.Checkpoint `yaml:"checkpoint"`
	Expires    time.Duration        `yaml:"expires,omitempty"`
	OneShot    bool                 `yaml:"one_shot,omitempty"`
	StartedAt  time.Time            `yaml:"started_at"`
	UpdatedAt  time.Time            `yaml:"updated_at"`
}

// Offset is the number of bytes the server acknowledged.
func (e *JournalEntry) Offset() int64 { return e.Checkpoint.Offset }

// Matches reports whether the entry still describes the file as it is now.
func (e *JournalEntry) Matches(size int64, modTime time.Time) bool {
	return e.Size == size && e.ModTime.Equal(modTime)
}

// JournalKey derives a stable key for uploading path to server.
func JournalKey(server, path string) string {
	return uuid.NewSHA1(journalNamespace, []byte(strings.TrimRight(server, "/")+"\x00"+path)).String()
}

type Journal interface {
	Load(key string) (*JournalEntry, error)
	Save(entry *JournalEntry) error
	Remove(key string) error
	List() ([]*JournalEntry, error)
}

// YamlJournal stores one YAML document per upload under dir.
type YamlJournal struct {
	mu  sync.Mutex
	dir string
	now func() time.Time
}

func NewYamlJournal(dir string) (*YamlJournal, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	return &YamlJournal{dir: dir, now: time.Now}, nil
}

func (j *YamlJournal) Dir() string { return j.dir }

func (j *YamlJournal) path(key string) string {
	return filepath.Join(j.dir, key+".yaml")
}

func (j *YamlJournal) Load(key string) (*JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.loadLocked(j.path(key))
}

func (j *YamlJournal) loadLocked(path string) (*JournalEntry, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoJournalEntry
	}
	if err != nil {
		return nil, err
	}
	var entry JournalEntry
	if err := yaml.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &entry, nil
}

// Save writes entry atomically, stamping UpdatedAt.
func (j *YamlJournal) Save(entry *JournalEntry) error {
	if entry.Key == "" {
		return errors.New("journal entry has no key")
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	entry.UpdatedAt = j.now().UTC()
	if entry.StartedAt.IsZero() {
		entry.StartedAt = entry.UpdatedAt
	}
	raw, err := yaml.Marshal(entry)
	if err != nil {
		return err
	}
	target := j.path(entry.Key)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, target)
}

func (j *YamlJournal) Remove(key string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	err := os.Remove(j.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// List returns every readable entry, most recently updated first.
func (j *YamlJournal) List() ([]*JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(j.dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	entries := make([]*JournalEntry, 0, len(matches))
	for _, m := range matches {
		entry, err := j.loadLocked(m)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	slices.SortFunc(entries, func(a, b *JournalEntry) int { return b.UpdatedAt.Compare(a.UpdatedAt) })
	return entries, nil
}
