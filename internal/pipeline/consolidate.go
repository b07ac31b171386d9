package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/scribehq/scribed/internal/llm"
)

// ConsolidateOptions tunes the consolidation phase.
type ConsolidateOptions struct {
	Model   string
	SkipAI  bool
	Timeout time.Duration
	// MaxComponents triggers rule-based grouping above this count.
	MaxComponents int
}

const defaultMaxComponents = 30

// Consolidate reduces component count: rule-based grouping first, then an
// optional single AI pass suggesting further merges. An AI failure keeps
// the rule-based result instead of failing the phase.
func Consolidate(ctx context.Context, graph *ComponentGraph, opts ConsolidateOptions, invoker *llm.Invoker, log *slog.Logger) (*ComponentGraph, error) {
	if log == nil {
		log = slog.Default()
	}
	if opts.MaxComponents <= 0 {
		opts.MaxComponents = defaultMaxComponents
	}

	out := cloneGraph(graph)
	ruleConsolidate(out, opts.MaxComponents)

	if !opts.SkipAI && invoker != nil && len(out.Components) > 1 {
		if err := aiConsolidate(ctx, out, opts, invoker); err != nil {
			log.Warn("ai consolidation skipped", "error", err)
		}
	}

	out.RebuildDependents()
	out.Sort()
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("consolidated graph invalid: %w", err)
	}
	return out, nil
}

func cloneGraph(g *ComponentGraph) *ComponentGraph {
	data, _ := json.Marshal(g)
	var c ComponentGraph
	_ = json.Unmarshal(data, &c)
	return &c
}

// ruleConsolidate merges low-complexity components into a sibling of the
// same category sharing the first path segment, until the graph fits.
func ruleConsolidate(g *ComponentGraph, maxComponents int) {
	if len(g.Components) <= maxComponents {
		return
	}

	bySegment := make(map[string][]int)
	for i, c := range g.Components {
		seg := firstSegment(c.Path)
		bySegment[seg] = append(bySegment[seg], i)
	}

	absorbed := make(map[string]string)
	for _, idxs := range bySegment {
		if len(idxs) < 2 {
			continue
		}
		// The largest component of the group absorbs its low-complexity
		// same-category siblings.
		host := idxs[0]
		for _, i := range idxs[1:] {
			if len(g.Components[i].KeyFiles) > len(g.Components[host].KeyFiles) {
				host = i
			}
		}
		for _, i := range idxs {
			if i == host {
				continue
			}
			c := &g.Components[i]
			if c.Complexity != "low" || c.Category != g.Components[host].Category {
				continue
			}
			absorbed[c.ID] = g.Components[host].ID
		}
	}

	applyMerges(g, absorbed)
}

// aiConsolidate asks the model for merge suggestions and applies the
// valid ones.
func aiConsolidate(ctx context.Context, g *ComponentGraph, opts ConsolidateOptions, invoker *llm.Invoker) error {
	graphJSON, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return err
	}

	prompt := fmt.Sprintf(`Review this component graph and suggest merges of components that belong together conceptually.
Respond with JSON only: {"merges": [{"into": "<component-id>", "from": ["<component-id>", ...]}]}
Merge only components in the same category. Suggest nothing if the grouping is already sound.

%s`, graphJSON)

	res := invoker.Invoke(ctx, prompt, llm.InvokeOptions{
		Phase:   "consolidate",
		Model:   opts.Model,
		Timeout: opts.Timeout,
	})
	if !res.Success {
		return res.Err
	}

	raw, err := ExtractJSON(res.Response)
	if err != nil {
		return err
	}
	var suggestion struct {
		Merges []struct {
			Into string   `json:"into"`
			From []string `json:"from"`
		} `json:"merges"`
	}
	if err := json.Unmarshal(raw, &suggestion); err != nil {
		return err
	}

	absorbed := make(map[string]string)
	for _, m := range suggestion.Merges {
		host := g.Find(m.Into)
		if host == nil {
			continue
		}
		for _, id := range m.From {
			victim := g.Find(id)
			if victim == nil || id == m.Into || victim.Category != host.Category {
				continue
			}
			absorbed[id] = m.Into
		}
	}
	applyMerges(g, absorbed)
	return nil
}

// applyMerges folds each absorbed component into its host, chasing
// chains so a->b, b->c lands a in c.
func applyMerges(g *ComponentGraph, absorbed map[string]string) {
	if len(absorbed) == 0 {
		return
	}
	resolve := func(id string) string {
		for i := 0; i < len(absorbed); i++ {
			next, ok := absorbed[id]
			if !ok {
				return id
			}
			id = next
		}
		return id
	}

	// Drop cyclic merges so every victim resolves to a surviving host.
	for id := range absorbed {
		if _, stillAbsorbed := absorbed[resolve(id)]; stillAbsorbed {
			delete(absorbed, id)
		}
	}

	hosts := make(map[string]*Component)
	var kept []Component
	for _, c := range g.Components {
		if _, gone := absorbed[c.ID]; !gone {
			kept = append(kept, c)
		}
	}
	for i := range kept {
		hosts[kept[i].ID] = &kept[i]
	}

	for _, c := range g.Components {
		hostID, gone := absorbed[c.ID]
		if !gone {
			continue
		}
		host := hosts[resolve(hostID)]
		if host == nil {
			continue
		}
		for _, kf := range c.KeyFiles {
			if !contains(host.KeyFiles, kf) && len(host.KeyFiles) < maxKeyFiles {
				host.KeyFiles = append(host.KeyFiles, kf)
			}
		}
		for _, dep := range c.Dependencies {
			if dep != host.ID && !contains(host.Dependencies, dep) {
				host.Dependencies = append(host.Dependencies, dep)
			}
		}
		if host.Complexity == "low" {
			host.Complexity = "medium"
		}
	}

	// Redirect dependency edges that pointed at absorbed components.
	for i := range kept {
		deps := kept[i].Dependencies[:0]
		for _, dep := range kept[i].Dependencies {
			dep = resolve(dep)
			if dep != kept[i].ID && !contains(deps, dep) {
				deps = append(deps, dep)
			}
		}
		kept[i].Dependencies = deps
	}

	g.Components = kept
	g.Categories = activeCategories(g)
}

func activeCategories(g *ComponentGraph) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range g.Components {
		if !seen[c.Category] {
			seen[c.Category] = true
			out = append(out, c.Category)
		}
	}
	return out
}

func firstSegment(p string) string {
	if i := strings.IndexByte(p, '/'); i >= 0 {
		return p[:i]
	}
	return p
}
