package oauth

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileName(t *testing.T) {
	if got := FileName("qwen", 0, "default"); got != "qwen-oauth-0-default.json" {
		t.Errorf("FileName = %q", got)
	}
}

func TestStoreFindPicksLowestSequence(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	for _, seq := range []int{2, 0, 1} {
		tok := &Token{AccessToken: "at-" + FileName("qwen", seq, "default")}
		if err := s.Save(filepath.Join(dir, FileName("qwen", seq, "default")), tok); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	// Unrelated records must not match.
	if err := s.Save(filepath.Join(dir, FileName("iflow", 0, "default")), &Token{AccessToken: "other"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	path, tok, err := s.Find("qwen", "default")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if filepath.Base(path) != "qwen-oauth-0-default.json" {
		t.Errorf("path = %q", path)
	}
	if tok == nil || tok.AccessToken != "at-qwen-oauth-0-default.json" {
		t.Errorf("token = %+v", tok)
	}
}

func TestStoreFindMissing(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "does-not-exist"))
	path, tok, err := s.Find("qwen", "default")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if path != "" || tok != nil {
		t.Errorf("expected empty result, got path=%q tok=%+v", path, tok)
	}
}

func TestStoreNextPathLowestUnused(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	for _, seq := range []int{0, 2} {
		if err := s.Save(filepath.Join(dir, FileName("qwen", seq, "work")), &Token{}); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	path, err := s.NextPath("qwen", "work")
	if err != nil {
		t.Fatalf("NextPath: %v", err)
	}
	if filepath.Base(path) != "qwen-oauth-1-work.json" {
		t.Errorf("path = %q, want sequence 1", path)
	}
}

func TestStoreSaveRoundTripAndMode(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	path := filepath.Join(dir, FileName("glm", 0, "default"))

	want := &Token{
		AccessToken:  "at",
		RefreshToken: "rt",
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
		Scope:        "chat",
	}
	if err := s.Save(path, want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}

	_, got, err := s.Find("glm", "default")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got.AccessToken != want.AccessToken || got.RefreshToken != want.RefreshToken ||
		got.ExpiresAt != want.ExpiresAt || got.Scope != want.Scope {
		t.Errorf("round trip mismatch: %+v", got)
	}

	// No temp files left behind.
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if e.Name() != filepath.Base(path) {
			t.Errorf("stray file %q", e.Name())
		}
	}
}

func TestStoreDeleteMissing(t *testing.T) {
	s := NewStore(t.TempDir())
	if err := s.Delete(filepath.Join(s.Dir(), "nope.json")); err != nil {
		t.Errorf("Delete of missing file: %v", err)
	}
}
