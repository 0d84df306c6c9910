package exporter

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testToken() Token {
	return Token{
		AccessToken: "abc123",
		UserID:      44512,
		ExpiresAt:   time.Now().Add(time.Hour),
	}
}

func TestTokenStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token_cache.json")

	store := NewTokenStore(path)
	if err := store.Set(testToken()); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	// A fresh store loads the cached token from disk.
	reloaded := NewTokenStore(path)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	tok, ok := reloaded.Get()
	if !ok {
		t.Fatal("reloaded token not valid")
	}
	if tok.AccessToken != "abc123" || tok.UserID != 44512 {
		t.Errorf("reloaded token = %+v", tok)
	}
}

func TestTokenStoreMissingCacheIsEmpty(t *testing.T) {
	store := NewTokenStore(filepath.Join(t.TempDir(), "absent.json"))
	if err := store.Load(); err != nil {
		t.Fatalf("Load() on missing cache error = %v", err)
	}
	if _, ok := store.Get(); ok {
		t.Error("empty store reported a valid token")
	}
}

func TestTokenStoreMemoryBeforeFile(t *testing.T) {
	// Unwritable path (a regular file where a directory is needed): the
	// cache write fails but the in-memory token must survive, so a
	// request right after verify sees it.
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatalf("writing blocker file: %v", err)
	}
	store := NewTokenStore(filepath.Join(blocker, "cache.json"))

	if err := store.Set(testToken()); err == nil {
		t.Fatal("Set() error = nil, want cache write failure")
	}

	tok, ok := store.Get()
	if !ok || tok.AccessToken != "abc123" {
		t.Errorf("token lost after failed cache write: %+v ok=%v", tok, ok)
	}
}

func TestTokenStoreExpiry(t *testing.T) {
	store := NewTokenStore(filepath.Join(t.TempDir(), "cache.json"))
	tok := testToken()
	tok.ExpiresAt = time.Now().Add(-time.Minute)
	if err := store.Set(tok); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if _, ok := store.Get(); ok {
		t.Error("expired token reported valid")
	}
}

func TestTokenStoreClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	store := NewTokenStore(path)
	if err := store.Set(testToken()); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := store.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if _, ok := store.Get(); ok {
		t.Error("token still valid after Clear")
	}

	reloaded := NewTokenStore(path)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load() after Clear error = %v", err)
	}
	if _, ok := reloaded.Get(); ok {
		t.Error("cache file survived Clear")
	}
}
