package oauth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
)

// Store reads and writes token records under a single directory using the
// {provider}-oauth-{seq}-{alias}.json naming scheme.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) Dir() string { return s.dir }

// FileName builds the canonical token file name.
func FileName(provider string, seq int, alias string) string {
	return fmt.Sprintf("%s-oauth-%d-%s.json", provider, seq, alias)
}

var tokenFileRe = regexp.MustCompile(`^(.+)-oauth-(\d+)-(.+)\.json$`)

// Find locates the token file for (provider, alias). Multiple sequence
// numbers for the same pair pick the lowest. A nil token with empty path
// means no file exists.
func (s *Store) Find(provider, alias string) (string, *Token, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, nil
		}
		return "", nil, err
	}

	best := ""
	bestSeq := -1
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := tokenFileRe.FindStringSubmatch(e.Name())
		if m == nil || m[1] != provider || m[3] != alias {
			continue
		}
		seq, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		if bestSeq == -1 || seq < bestSeq {
			bestSeq = seq
			best = e.Name()
		}
	}
	if best == "" {
		return "", nil, nil
	}

	path := filepath.Join(s.dir, best)
	tok, err := s.load(path)
	if err != nil {
		return path, nil, err
	}
	return path, tok, nil
}

// NextPath returns the path a new token for (provider, alias) should be
// written to: the lowest sequence number not in use for that pair.
func (s *Store) NextPath(provider, alias string) (string, error) {
	used := map[int]bool{}
	entries, err := os.ReadDir(s.dir)
	if err != nil && !os.IsNotExist(err) {
		return "", err
	}
	for _, e := range entries {
		m := tokenFileRe.FindStringSubmatch(e.Name())
		if m == nil || m[1] != provider || m[3] != alias {
			continue
		}
		if seq, err := strconv.Atoi(m[2]); err == nil {
			used[seq] = true
		}
	}
	seq := 0
	for used[seq] {
		seq++
	}
	return filepath.Join(s.dir, FileName(provider, seq, alias)), nil
}

func (s *Store) load(path string) (*Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("parse token file %s: %w", filepath.Base(path), err)
	}
	return &tok, nil
}

// Save writes the token atomically: write to a temp file in the same
// directory, then rename over the target.
func (s *Store) Save(path string, tok *Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".token-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// Delete removes the token file; missing files are not an error.
func (s *Store) Delete(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
