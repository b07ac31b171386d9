// Package pipeline implements the incremental documentation generator:
// discover, consolidate, analyze, write, and assemble phases with
// per-phase content-addressed caching.
package pipeline

import (
	"fmt"
	"sort"
	"strings"
)

// Component is one documented unit of the source tree.
type Component struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Category     string   `json:"category"`
	Path         string   `json:"path"`
	Purpose      string   `json:"purpose,omitempty"`
	Complexity   string   `json:"complexity,omitempty"`
	KeyFiles     []string `json:"keyFiles,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	Dependents   []string `json:"dependents,omitempty"`
}

// ComponentGraph is the structural artifact produced by discovery and
// refined by consolidation.
type ComponentGraph struct {
	Project    string      `json:"project"`
	Categories []string    `json:"categories"`
	Components []Component `json:"components"`
}

// Find returns the component with the given id, or nil.
func (g *ComponentGraph) Find(id string) *Component {
	for i := range g.Components {
		if g.Components[i].ID == id {
			return &g.Components[i]
		}
	}
	return nil
}

// Sort orders components by id so serialized output is stable.
func (g *ComponentGraph) Sort() {
	sort.Slice(g.Components, func(i, j int) bool {
		return g.Components[i].ID < g.Components[j].ID
	})
	sort.Strings(g.Categories)
	for i := range g.Components {
		sort.Strings(g.Components[i].KeyFiles)
		sort.Strings(g.Components[i].Dependencies)
		sort.Strings(g.Components[i].Dependents)
	}
}

// Validate checks referential integrity: every dependency and dependent
// names an existing component, and the two edge sets mirror each other.
func (g *ComponentGraph) Validate() error {
	ids := make(map[string]bool, len(g.Components))
	for _, c := range g.Components {
		if c.ID == "" {
			return fmt.Errorf("component %q has no id", c.Name)
		}
		if ids[c.ID] {
			return fmt.Errorf("duplicate component id %q", c.ID)
		}
		ids[c.ID] = true
	}

	deps := make(map[string]map[string]bool)
	dependents := make(map[string]map[string]bool)
	for _, c := range g.Components {
		deps[c.ID] = toSet(c.Dependencies)
		dependents[c.ID] = toSet(c.Dependents)
	}

	for _, c := range g.Components {
		for dep := range deps[c.ID] {
			if !ids[dep] {
				return fmt.Errorf("component %q depends on unknown %q", c.ID, dep)
			}
			if !dependents[dep][c.ID] {
				return fmt.Errorf("missing dependent edge %q -> %q", dep, c.ID)
			}
		}
		for d := range dependents[c.ID] {
			if !ids[d] {
				return fmt.Errorf("component %q lists unknown dependent %q", c.ID, d)
			}
			if !deps[d][c.ID] {
				return fmt.Errorf("missing dependency edge %q -> %q", d, c.ID)
			}
		}
	}
	return nil
}

// RebuildDependents recomputes every dependents list from the dependency
// edges, dropping references to missing components along the way.
func (g *ComponentGraph) RebuildDependents() {
	ids := make(map[string]bool, len(g.Components))
	for _, c := range g.Components {
		ids[c.ID] = true
	}

	dependents := make(map[string][]string)
	for i := range g.Components {
		c := &g.Components[i]
		kept := c.Dependencies[:0]
		for _, dep := range c.Dependencies {
			if ids[dep] && dep != c.ID {
				kept = append(kept, dep)
				dependents[dep] = append(dependents[dep], c.ID)
			}
		}
		c.Dependencies = kept
	}
	for i := range g.Components {
		g.Components[i].Dependents = dedupe(dependents[g.Components[i].ID])
	}
}

func toSet(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	var out []string
	for _, it := range items {
		if !seen[it] {
			seen[it] = true
			out = append(out, it)
		}
	}
	sort.Strings(out)
	return out
}

// ComponentID derives a stable id from a relative path.
func ComponentID(relPath string) string {
	id := strings.ToLower(strings.Trim(relPath, "/"))
	id = strings.NewReplacer("/", "-", " ", "-", "_", "-", ".", "-").Replace(id)
	for strings.Contains(id, "--") {
		id = strings.ReplaceAll(id, "--", "-")
	}
	if id == "" {
		id = "root"
	}
	return id
}
