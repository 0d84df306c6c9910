package exporter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Token is a cloud bearer token with its owning user id.
type Token struct {
	AccessToken string    `json:"access_token"`
	UserID      int64     `json:"user_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// valid reports whether the token is present and not expired.
func (t Token) valid() bool {
	return t.AccessToken != "" && time.Now().Before(t.ExpiresAt)
}

// TokenStore holds the cloud bearer token in memory with a JSON cache
// file behind it. The in-memory copy is authoritative: Set updates
// memory before touching the file, so concurrent requests observe the
// token even while the write is still in flight.
//
// Thread Safety: safe for concurrent use.
type TokenStore struct {
	path string

	mu  sync.RWMutex
	tok Token
}

// NewTokenStore creates a store backed by the given cache file path.
func NewTokenStore(path string) *TokenStore {
	return &TokenStore{path: path}
}

// Load reads a previously cached token from disk. A missing cache file
// is not an error; the store simply starts empty.
func (s *TokenStore) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading token cache: %w", err)
	}

	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return fmt.Errorf("parsing token cache: %w", err)
	}

	s.mu.Lock()
	s.tok = tok
	s.mu.Unlock()
	return nil
}

// Set stores the token in memory, then persists it to the cache file.
// The in-memory copy is retained even when the file write fails.
func (s *TokenStore) Set(tok Token) error {
	s.mu.Lock()
	s.tok = tok
	s.mu.Unlock()

	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding token cache: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating token cache directory: %w", err)
		}
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("writing token cache: %w", err)
	}
	return nil
}

// Get returns the current token and whether it is valid.
func (s *TokenStore) Get() (Token, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tok, s.tok.valid()
}

// Clear drops the in-memory token and removes the cache file.
func (s *TokenStore) Clear() error {
	s.mu.Lock()
	s.tok = Token{}
	s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing token cache: %w", err)
	}
	return nil
}
