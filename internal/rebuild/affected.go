// Package rebuild watches workspace trees and maps file edits to the
// minimal set of components whose documentation needs regeneration.
package rebuild

import (
	"sort"
	"strings"

	"github.com/scribehq/scribed/internal/pipeline"
)

// Affected returns the ids of components touched by the changed paths:
// a component is affected when its path is a prefix of a change or one of
// its key files is the change. Paths are compared with forward slashes;
// the result is deduplicated and sorted.
func Affected(graph *pipeline.ComponentGraph, changedPaths []string) []string {
	if graph == nil || len(changedPaths) == 0 {
		return nil
	}

	normalized := make([]string, 0, len(changedPaths))
	for _, p := range changedPaths {
		if n := pipeline.NormalizePath(p); n != "" {
			normalized = append(normalized, n)
		}
	}

	seen := make(map[string]bool)
	var out []string
	for _, c := range graph.Components {
		if affects(c, normalized) && !seen[c.ID] {
			seen[c.ID] = true
			out = append(out, c.ID)
		}
	}
	sort.Strings(out)
	return out
}

func affects(c pipeline.Component, changes []string) bool {
	prefix := strings.Trim(pipeline.NormalizePath(c.Path), "/")
	for _, change := range changes {
		if prefix != "" && prefix != "." {
			if change == prefix || strings.HasPrefix(change, prefix+"/") {
				return true
			}
		}
		for _, kf := range c.KeyFiles {
			if pipeline.NormalizePath(kf) == change {
				return true
			}
		}
	}
	return false
}
