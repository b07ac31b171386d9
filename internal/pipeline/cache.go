package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// CacheMode controls how phases use the artifact cache.
type CacheMode string

const (
	// CacheNormal probes the cache and runs on miss.
	CacheNormal CacheMode = "normal"
	// CacheForce bypasses the probe but still writes the result.
	CacheForce CacheMode = "force"
	// CacheOnly disallows running: a miss is an error.
	CacheOnly CacheMode = "only"
)

// ErrCacheMiss is returned in CacheOnly mode when no artifact exists.
var ErrCacheMiss = errors.New("artifact not in cache")

// Cache stores phase artifacts as <dir>/<phase>/<fingerprint>.json.
// Writes are additive and atomic.
type Cache struct {
	dir string
}

func NewCache(dir string) *Cache {
	return &Cache{dir: dir}
}

func (c *Cache) path(phase, fingerprint string) string {
	return filepath.Join(c.dir, phase, fingerprint+".json")
}

// Load probes for an artifact and decodes it into out.
func (c *Cache) Load(phase, fingerprint string, out any) (bool, error) {
	data, err := os.ReadFile(c.path(phase, fingerprint))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache read %s: %w", phase, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		// A corrupt entry behaves as a miss; the rewrite replaces it.
		return false, nil
	}
	return true, nil
}

// Store writes an artifact under its fingerprint via temp and rename.
func (c *Cache) Store(phase, fingerprint string, artifact any) error {
	dir := filepath.Join(c.dir, phase)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cache dir %s: %w", phase, err)
	}

	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, fingerprint+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), c.path(phase, fingerprint))
}
