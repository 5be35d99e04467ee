// Package snapshot persists terminal screen contents across agent
// restarts. Snapshots are zstd-compressed, one file per session, so a
// viewer reconnecting after a restart sees the screen it left.
package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/termgate/termgate/internal/util/sanitize"
)

const fileExt = ".screen.zst"

// Store reads and writes screen snapshots under one directory.
type Store struct {
	dir string
}

// NewStore creates a snapshot store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(sessionID string) string {
	return filepath.Join(s.dir, sanitize.Name(sessionID, 128)+fileExt)
}

// Save compresses and writes a session's screen contents. Empty
// contents remove the snapshot instead.
func (s *Store) Save(sessionID string, screen []byte) error {
	if len(screen) == 0 {
		return s.Remove(sessionID)
	}
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return fmt.Errorf("create zstd encoder: %w", err)
	}
	compressed := enc.EncodeAll(screen, nil)
	_ = enc.Close()

	if err := os.WriteFile(s.path(sessionID), compressed, 0o600); err != nil {
		return fmt.Errorf("write snapshot for %s: %w", sessionID, err)
	}
	return nil
}

// Load returns a session's saved screen contents, or nil if none is
// stored.
func (s *Store) Load(sessionID string) ([]byte, error) {
	compressed, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot for %s: %w", sessionID, err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()

	screen, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot for %s: %w", sessionID, err)
	}
	return screen, nil
}

// Remove deletes a session's snapshot. Missing files are not errors.
func (s *Store) Remove(sessionID string) error {
	err := os.Remove(s.path(sessionID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// List returns the session ids with stored snapshots.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), fileExt); ok && !e.IsDir() {
			out = append(out, name)
		}
	}
	return out, nil
}
