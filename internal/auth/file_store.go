package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

// FileStore keeps one JSON token file per client id in a directory.
// Writes are atomic: temp file + rename.
type FileStore struct {
	fs  afero.Fs
	dir string
	mu  sync.Mutex
}

// NewFileStore prepares dir for token files. It fails before any network
// activity when the directory cannot be created or written to.
// A nil fs means the operating system filesystem.
func NewFileStore(fs afero.Fs, dir string) (*FileStore, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if dir == "" {
		return nil, fmt.Errorf("%w: empty path", ErrCacheDirNotWritable)
	}

	if err := fs.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCacheDirNotWritable, dir, err)
	}

	probe, err := afero.TempFile(fs, dir, ".write-probe-*")
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCacheDirNotWritable, dir, err)
	}
	name := probe.Name()
	probe.Close()
	if err := fs.Remove(name); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCacheDirNotWritable, dir, err)
	}

	return &FileStore{fs: fs, dir: dir}, nil
}

// Path returns the token file used for clientID.
func (s *FileStore) Path(clientID string) string {
	safe := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, clientID)
	return filepath.Join(s.dir, "oauth-token-"+safe+".json")
}

// Load reads the token stored for clientID.
func (s *FileStore) Load(_ context.Context, clientID string) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := afero.ReadFile(s.fs, s.Path(clientID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedToken, err)
	}
	return &tok, nil
}

// Save writes tok for clientID.
func (s *FileStore) Save(_ context.Context, clientID string, tok *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	path := s.Path(clientID)
	tmpPath := path + ".tmp"

	if err := afero.WriteFile(s.fs, tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp token file: %w", err)
	}
	if err := s.fs.Rename(tmpPath, path); err != nil {
		s.fs.Remove(tmpPath)
		return fmt.Errorf("failed to rename token file: %w", err)
	}
	return nil
}

// Delete removes the token stored for clientID. Missing files are not an error.
func (s *FileStore) Delete(_ context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.Remove(s.Path(clientID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove token file: %w", err)
	}
	return nil
}
