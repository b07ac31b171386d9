package pipeline

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// ScanConfig is the optional per-workspace scan configuration, read from
// scribe.yaml at the workspace root.
type ScanConfig struct {
	Project    string            `yaml:"project"`
	Ignore     []string          `yaml:"ignore"`
	Categories map[string]string `yaml:"categories"`
}

const scanConfigName = "scribe.yaml"

// defaultIgnores always apply, before any scribe.yaml additions.
var defaultIgnores = []string{
	"**/node_modules/**",
	"**/.git/**",
	"**/vendor/**",
	"**/dist/**",
	"**/build/**",
	"**/target/**",
	"**/.scribed/**",
	"**/__pycache__/**",
	"**/*.min.js",
	"**/*.lock",
	"**/*.sum",
	"**/.DS_Store",
}

var codeExtensions = map[string]bool{
	".go": true, ".ts": true, ".tsx": true, ".js": true, ".jsx": true,
	".py": true, ".rs": true, ".java": true, ".kt": true, ".rb": true,
	".c": true, ".h": true, ".cpp": true, ".hpp": true, ".cs": true,
	".swift": true, ".sql": true, ".proto": true, ".sh": true,
	".yaml": true, ".yml": true, ".json": true, ".toml": true, ".md": true,
}

// expandableRoots are split one directory deeper, so internal/queue and
// internal/events become separate components.
var expandableRoots = map[string]bool{
	"internal": true, "pkg": true, "src": true, "lib": true,
	"cmd": true, "apps": true, "packages": true, "services": true,
}

// keyFileNames are always promoted into a component's key files.
var keyFileNames = map[string]bool{
	"main.go": true, "index.ts": true, "index.js": true, "mod.rs": true,
	"__init__.py": true, "README.md": true, "go.mod": true, "package.json": true,
}

const maxKeyFiles = 8

// DiscoverResult is the discovery phase artifact.
type DiscoverResult struct {
	Graph   ComponentGraph    `json:"graph"`
	Digests map[string]string `json:"digests"`
}

// LoadScanConfig reads scribe.yaml from root, returning a zero config if
// the file is absent.
func LoadScanConfig(root string) (ScanConfig, error) {
	var cfg ScanConfig
	data, err := os.ReadFile(filepath.Join(root, scanConfigName))
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", scanConfigName, err)
	}
	return cfg, nil
}

// Discover scans the source tree under root into an initial component
// graph plus a digest of every scanned file. Pure: identical trees and
// config produce identical results.
func Discover(root string, cfg ScanConfig) (*DiscoverResult, error) {
	ignores := append(append([]string{}, defaultIgnores...), cfg.Ignore...)

	type bucket struct {
		files    []string
		keyFiles []string
	}
	buckets := make(map[string]*bucket)
	digests := make(map[string]string)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, rerr := filepath.Rel(root, path)
		if rerr != nil {
			return rerr
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}

		if ignored(rel, d.IsDir(), ignores) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !codeExtensions[strings.ToLower(filepath.Ext(rel))] {
			return nil
		}

		digest, derr := FileDigest(path)
		if derr != nil {
			return derr
		}
		digests[rel] = digest

		key := componentRoot(rel)
		b := buckets[key]
		if b == nil {
			b = &bucket{}
			buckets[key] = b
		}
		b.files = append(b.files, rel)
		if keyFileNames[filepath.Base(rel)] {
			b.keyFiles = append(b.keyFiles, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}

	project := cfg.Project
	if project == "" {
		project = filepath.Base(root)
	}

	graph := ComponentGraph{Project: project}
	categories := make(map[string]bool)
	for key, b := range buckets {
		category := categorize(key, cfg.Categories)
		categories[category] = true

		keyFiles := b.keyFiles
		if len(keyFiles) < maxKeyFiles {
			sort.Strings(b.files)
			for _, f := range b.files {
				if len(keyFiles) >= maxKeyFiles {
					break
				}
				if !contains(keyFiles, f) {
					keyFiles = append(keyFiles, f)
				}
			}
		}

		graph.Components = append(graph.Components, Component{
			ID:         ComponentID(key),
			Name:       componentName(key),
			Category:   category,
			Path:       key,
			Complexity: complexityFor(len(b.files)),
			KeyFiles:   keyFiles,
		})
	}
	for c := range categories {
		graph.Categories = append(graph.Categories, c)
	}
	graph.Sort()

	return &DiscoverResult{Graph: graph, Digests: digests}, nil
}

func ignored(rel string, isDir bool, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
		// Directory patterns like **/node_modules/** only match paths
		// below the directory, so probe with a synthetic child.
		if isDir {
			if ok, _ := doublestar.Match(p, rel+"/x"); ok {
				return true
			}
		}
	}
	return false
}

// componentRoot maps a relative file path to its owning component path.
func componentRoot(rel string) string {
	parts := strings.Split(rel, "/")
	if len(parts) == 1 {
		return "."
	}
	if expandableRoots[parts[0]] && len(parts) > 2 {
		return parts[0] + "/" + parts[1]
	}
	return parts[0]
}

func componentName(key string) string {
	if key == "." {
		return "root"
	}
	return strings.ReplaceAll(key, "/", " ")
}

func categorize(key string, overrides map[string]string) string {
	for pattern, category := range overrides {
		if ok, _ := doublestar.Match(pattern, key); ok {
			return category
		}
	}
	switch {
	case key == ".":
		return "project"
	case strings.HasPrefix(key, "cmd"):
		return "entrypoint"
	case strings.HasPrefix(key, "internal"), strings.HasPrefix(key, "pkg"),
		strings.HasPrefix(key, "lib"), strings.HasPrefix(key, "src"):
		return "library"
	case strings.Contains(key, "web"), strings.Contains(key, "ui"),
		strings.Contains(key, "frontend"):
		return "frontend"
	case strings.Contains(key, "api"), strings.Contains(key, "server"),
		strings.Contains(key, "service"):
		return "service"
	case strings.Contains(key, "test"), strings.Contains(key, "e2e"):
		return "testing"
	case strings.Contains(key, "doc"):
		return "documentation"
	default:
		return "module"
	}
}

func complexityFor(fileCount int) string {
	switch {
	case fileCount <= 3:
		return "low"
	case fileCount <= 15:
		return "medium"
	default:
		return "high"
	}
}

func contains(items []string, v string) bool {
	for _, it := range items {
		if it == v {
			return true
		}
	}
	return false
}
