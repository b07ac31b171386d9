// Package storage holds the file-backed stores: the per-entity directory
// store for generated output, the per-process event log, and the sqlite
// usage tracker.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ErrEntryNotFound is returned for lookups of unknown entry ids.
var ErrEntryNotFound = errors.New("entry not found")

const metaFileName = "meta.json"

// DirStore keeps one directory per entry under root, each holding a
// meta.json plus arbitrary payload files. Writes replace the whole entry
// directory atomically.
type DirStore struct {
	root string
}

func NewDirStore(root string) (*DirStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create dirstore root: %w", err)
	}
	return &DirStore{root: root}, nil
}

// Root returns the store's base directory.
func (s *DirStore) Root() string { return s.root }

func (s *DirStore) entryDir(id string) string {
	return filepath.Join(s.root, id)
}

// Put writes an entry: meta.json plus the given files, staged in a temp
// directory and swapped in with a rename.
func (s *DirStore) Put(id string, meta any, files map[string][]byte) error {
	if id == "" || id != filepath.Base(id) {
		return fmt.Errorf("invalid entry id %q", id)
	}

	tmp, err := os.MkdirTemp(s.root, ".tmp-"+id+"-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(tmp, metaFileName), metaData, 0o644); err != nil {
		return err
	}
	for name, data := range files {
		if name != filepath.Base(name) {
			return fmt.Errorf("invalid file name %q", name)
		}
		if err := os.WriteFile(filepath.Join(tmp, name), data, 0o644); err != nil {
			return err
		}
	}

	target := s.entryDir(id)
	if err := os.RemoveAll(target); err != nil {
		return err
	}
	return os.Rename(tmp, target)
}

// ReadMeta decodes an entry's meta.json into out.
func (s *DirStore) ReadMeta(id string, out any) error {
	data, err := os.ReadFile(filepath.Join(s.entryDir(id), metaFileName))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// ReadFile returns one payload file of an entry.
func (s *DirStore) ReadFile(id, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.entryDir(id), name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s/%s", ErrEntryNotFound, id, name)
	}
	return data, err
}

// List returns all entry ids, sorted.
func (s *DirStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && e.Name()[0] != '.' {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes an entry.
func (s *DirStore) Delete(id string) error {
	target := s.entryDir(id)
	if _, err := os.Stat(target); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	return os.RemoveAll(target)
}
