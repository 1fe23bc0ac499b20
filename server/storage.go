package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alttch/sshare/backend/ghttp"
)

// shareMeta is stored next to each share as <id>.json.
type shareMeta struct {
	ghttp.ShareInfo
	Token string `json:"token"`
}

func (m *shareMeta) expired(now time.Time) bool {
	return !m.Expires.IsZero() && now.After(m.Expires)
}

var errNoShare = errors.New("share not found")

// Store keeps uploads in progress under uploads/ and finished shares under
// shares/ inside the data directory.
type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	for _, sub := range []string{"uploads", "shares"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o750); err != nil {
			return nil, fmt.Errorf("create %s: %w", sub, err)
		}
	}
	return &Store{dir: dir}, nil
}

func (s *Store) partPath(uploadID string) string {
	return filepath.Join(s.dir, "uploads", uploadID+".part")
}

func (s *Store) sharePath(id string) string {
	return filepath.Join(s.dir, "shares", id)
}

func (s *Store) metaPath(id string) string {
	return filepath.Join(s.dir, "shares", id+".json")
}

func (s *Store) CreatePart(uploadID string) error {
	f, err := os.OpenFile(s.partPath(uploadID), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	return f.Close()
}

// WritePart writes data at off and truncates anything after it.
func (s *Store) WritePart(uploadID string, off int64, data []byte) error {
	f, err := os.OpenFile(s.partPath(uploadID), os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(data, off); err != nil {
		f.Close()
		return err
	}
	if err := f.Truncate(off + int64(len(data))); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (s *Store) RemovePart(uploadID string) error {
	err := os.Remove(s.partPath(uploadID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Publish moves a finished upload into the share area and records its
// metadata.
func (s *Store) Publish(uploadID string, meta *shareMeta) error {
	if err := s.SaveMeta(meta); err != nil {
		return err
	}
	if err := os.Rename(s.partPath(uploadID), s.sharePath(meta.ID)); err != nil {
		_ = os.Remove(s.metaPath(meta.ID))
		return err
	}
	return nil
}

func (s *Store) SaveMeta(meta *shareMeta) error {
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.metaPath(meta.ID) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o640); err != nil {
		return err
	}
	return os.Rename(tmp, s.metaPath(meta.ID))
}

func (s *Store) LoadMeta(id string) (*shareMeta, error) {
	raw, err := os.ReadFile(s.metaPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errNoShare
	}
	if err != nil {
		return nil, err
	}
	var meta shareMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("share %s: corrupt metadata: %w", id, err)
	}
	return &meta, nil
}

func (s *Store) Open(id string) (*os.File, error) {
	f, err := os.Open(s.sharePath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errNoShare
	}
	return f, err
}

func (s *Store) Delete(id string) error {
	var errs []error
	for _, p := range []string{s.metaPath(id), s.sharePath(id)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PurgeExpired deletes every share whose expiry has passed and returns the
// number removed.
func (s *Store) PurgeExpired(now time.Time) (int, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "shares"))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		id, ok := strings.CutSuffix(e.Name(), ".json")
		if !ok || e.IsDir() {
			continue
		}
		meta, err := s.LoadMeta(id)
		if err != nil || !meta.expired(now) {
			continue
		}
		if err := s.Delete(id); err == nil {
			removed++
		}
	}
	return removed, nil
}
