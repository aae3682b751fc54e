// Package local persists resume tokens as files on disk.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/catalogcrawl/catalogcrawl/internal/crawl"
)

// TokenStore writes one JSON file per session under a root directory.
// Writes go through a temp file and rename so a crash never leaves a
// truncated token behind.
type TokenStore struct {
	root string
}

// NewTokenStore creates the root directory if needed.
func NewTokenStore(root string) (*TokenStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create token dir: %w", err)
	}
	return &TokenStore{root: root}, nil
}

// SaveToken atomically replaces the session's token file.
func (s *TokenStore) SaveToken(_ context.Context, sessionID string, token []byte) error {
	final := s.path(sessionID)
	tmp, err := os.CreateTemp(s.root, "token-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp token: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(token); err != nil {
		tmp.Close()
		return fmt.Errorf("write token: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close token: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return fmt.Errorf("rename token: %w", err)
	}
	return nil
}

// LoadToken reads the session's token file.
func (s *TokenStore) LoadToken(_ context.Context, sessionID string) ([]byte, error) {
	data, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, crawl.ErrTokenNotFound
		}
		return nil, fmt.Errorf("read token: %w", err)
	}
	return data, nil
}

func (s *TokenStore) path(sessionID string) string {
	return filepath.Join(s.root, sessionID+".json")
}
