// Package file stores tokens in a JSON document on disk. It is the default
// store: tokens survive restarts and only the owning user can read them.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/bridgeaid/client/internal/tokenstore"
)

const (
	fileMode = 0o600
	dirMode  = 0o700
)

// Store is a file-backed token store. Every write replaces the whole file
// through a temp file and rename, so a crash never leaves a partial document.
type Store struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
}

// New returns a Store writing to path. The file is created on first write.
func New(path string, logger *slog.Logger) *Store {
	return &Store{path: path, logger: logger}
}

// DefaultPath is <user config dir>/bridgeaid/tokens.json.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(dir, "bridgeaid", "tokens.json"), nil
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) Get(_ context.Context, name string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.read()
	if err != nil {
		return "", false, err
	}
	v, ok := values[name]
	return v, ok, nil
}

func (s *Store) Set(_ context.Context, name, value string) error {
	return s.update(func(values map[string]string) {
		values[name] = value
	})
}

func (s *Store) Remove(_ context.Context, name string) error {
	return s.update(func(values map[string]string) {
		delete(values, name)
	})
}

// SetPair writes both tokens in one file replacement.
func (s *Store) SetPair(_ context.Context, p tokenstore.Pair) error {
	return s.update(func(values map[string]string) {
		values[tokenstore.AccessToken] = p.Access
		values[tokenstore.RefreshToken] = p.Refresh
	})
}

// ClearPair removes both tokens in one file replacement.
func (s *Store) ClearPair(_ context.Context) error {
	return s.update(func(values map[string]string) {
		delete(values, tokenstore.AccessToken)
		delete(values, tokenstore.RefreshToken)
	})
}

// Ping verifies the file, if present, is readable and well-formed.
func (s *Store) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.read()
	return err
}

func (s *Store) update(mutate func(map[string]string)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.read()
	var corrupt *corruptError
	switch {
	case errors.As(err, &corrupt):
		// Only tokens live here, so a fresh document loses nothing usable.
		s.logger.Warn("token file is corrupt, replacing it",
			slog.String("path", s.path),
			slog.String("error", corrupt.Err.Error()),
		)
		values = make(map[string]string)
	case err != nil:
		return err
	}
	mutate(values)
	return s.write(values)
}

// corruptError reports a token file that exists but cannot be decoded.
type corruptError struct {
	Path string
	Err  error
}

func (e *corruptError) Error() string {
	return fmt.Sprintf("decode token file %s: %v", e.Path, e.Err)
}

func (e *corruptError) Unwrap() error { return e.Err }

// read returns an empty map when the file does not exist yet.
func (s *Store) read() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}

	values := make(map[string]string)
	if len(data) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, &corruptError{Path: s.path, Err: err}
	}
	return values, nil
}

func (s *Store) write(values map[string]string) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}

	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return fmt.Errorf("encode tokens: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tokens-*.json")
	if err != nil {
		return fmt.Errorf("create temp token file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp token file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp token file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp token file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace token file: %w", err)
	}
	return nil
}
