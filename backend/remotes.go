package backend

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

var (
	ErrRemoteNotFound = errors.New("remote not found")
	ErrRemoteExists   = errors.New("remote already exists")
)

// Remote is a named share server with the credentials used to upload to it.
type Remote struct {
	Name       string    `toml:"name"`
	URL        string    `toml:"url"`
	Token      string    `toml:"token,omitempty"`
	CACertFile string    `toml:"ca_cert_file,omitempty"`
	Insecure   bool      `toml:"insecure,omitempty"`
	UUID       uuid.UUID `toml:"uuid"`
}

func (r *Remote) Validate() error {
	if r.Name == "" {
		return errors.New("name is required")
	}
	if strings.ContainsAny(r.Name, " \t/:") {
		return fmt.Errorf("name %q must not contain spaces, '/' or ':'", r.Name)
	}
	if r.URL == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(r.URL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("url %q must be an http(s) URL", r.URL)
	}
	return nil
}

type RemoteStorage interface {
	GetRemote(name string) (*Remote, error)
	GetRemoteByUUID(id uuid.UUID) (*Remote, error)
	AddRemote(r *Remote, replace bool) error
	DeleteRemote(name string) error
	ListRemotes() ([]*Remote, error)
}

// TomlRemoteStorage keeps remotes in a TOML file keyed by UUID.
type TomlRemoteStorage struct {
	mu       sync.Mutex
	filePath string
	Remotes  map[string]*Remote `toml:"remotes"`
}

func NewTomlRemoteStorage(filePath string) (*TomlRemoteStorage, error) {
	storage := &TomlRemoteStorage{
		filePath: filePath,
		Remotes:  make(map[string]*Remote),
	}
	if err := storage.loadFromFile(); err != nil {
		return nil, err
	}
	return storage, nil
}

// Path is the TOML file backing the store.
func (s *TomlRemoteStorage) Path() string { return s.filePath }

func (s *TomlRemoteStorage) loadFromFile() error {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // no file yet, treat as empty
		}
		return err
	}
	if err := toml.Unmarshal(data, s); err != nil {
		return fmt.Errorf("parse %s: %w", s.filePath, err)
	}
	if s.Remotes == nil {
		s.Remotes = make(map[string]*Remote)
	}
	return nil
}

func (s *TomlRemoteStorage) saveToFile() error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(s); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o700); err != nil {
		return err
	}
	// tokens live in this file
	if err := os.WriteFile(s.filePath, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to save remote storage: %w", err)
	}
	return nil
}

func (s *TomlRemoteStorage) GetRemote(name string) (*Remote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.findLocked(name); r != nil {
		cp := *r
		return &cp, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrRemoteNotFound, name)
}

func (s *TomlRemoteStorage) GetRemoteByUUID(id uuid.UUID) (*Remote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.Remotes[id.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRemoteNotFound, id)
	}
	cp := *r
	return &cp, nil
}

// AddRemote stores r. An existing remote with the same name is replaced only
// when replace is set; it keeps its UUID.
func (s *TomlRemoteStorage) AddRemote(r *Remote, replace bool) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.findLocked(r.Name); existing != nil {
		if !replace {
			return fmt.Errorf("%w: %s", ErrRemoteExists, r.Name)
		}
		r.UUID = existing.UUID
	}
	if r.UUID == uuid.Nil {
		r.UUID = uuid.New()
	}
	r.URL = strings.TrimRight(r.URL, "/")
	cp := *r
	s.Remotes[r.UUID.String()] = &cp
	return s.saveToFile()
}

func (s *TomlRemoteStorage) DeleteRemote(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.findLocked(name)
	if r == nil {
		return fmt.Errorf("%w: %s", ErrRemoteNotFound, name)
	}
	delete(s.Remotes, r.UUID.String())
	return s.saveToFile()
}

// ListRemotes returns copies sorted by name.
func (s *TomlRemoteStorage) ListRemotes() ([]*Remote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Remote, 0, len(s.Remotes))
	for _, r := range s.Remotes {
		cp := *r
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *Remote) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func (s *TomlRemoteStorage) findLocked(name string) *Remote {
	for _, r := range s.Remotes {
		if r.Name == name {
			return r
		}
	}
	return nil
}
