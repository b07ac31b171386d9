package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/scribehq/scribed/internal/llm"
)

// Article is one written documentation page.
type Article struct {
	ComponentID string `json:"componentId"`
	Title       string `json:"title"`
	Markdown    string `json:"markdown"`
}

// WriteUnit pairs an analysis with its writing outcome.
type WriteUnit struct {
	ComponentID string     `json:"componentId"`
	Status      UnitStatus `json:"status"`
	Error       string     `json:"error,omitempty"`
	Article     *Article   `json:"article,omitempty"`
}

// WriteResult is the write phase artifact, ordered by component id.
type WriteResult struct {
	Units []WriteUnit `json:"units"`
}

// Completed returns the units that produced an article.
func (r *WriteResult) Completed() []WriteUnit {
	var out []WriteUnit
	for _, u := range r.Units {
		if u.Status == UnitCompleted {
			out = append(out, u)
		}
	}
	return out
}

// WriteOptions tunes the write phase.
type WriteOptions struct {
	Model       string
	Timeout     time.Duration
	Concurrency int
}

// Write fans out one tool-less AI call per completed analysis, producing
// Markdown articles. Same partial-failure policy as Analyze.
func Write(ctx context.Context, graph *ComponentGraph, analyses *AnalyzeResult, opts WriteOptions, invoker *llm.Invoker, log *slog.Logger) (*WriteResult, error) {
	if log == nil {
		log = slog.Default()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}

	inputs := analyses.Completed()
	if len(inputs) == 0 {
		return &WriteResult{Units: []WriteUnit{}}, nil
	}

	sem := make(chan struct{}, opts.Concurrency)
	results := make([]WriteUnit, len(inputs))
	var wg sync.WaitGroup

	for i, unit := range inputs {
		wg.Add(1)
		go func(i int, unit AnalyzeUnit) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = writeOne(ctx, graph, unit, opts, invoker, log)
		}(i, unit)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool {
		return results[i].ComponentID < results[j].ComponentID
	})

	failed := 0
	for _, u := range results {
		if u.Status == UnitFailed {
			failed++
		}
	}
	if failed == len(results) {
		return nil, fmt.Errorf("write: all %d articles failed", failed)
	}
	if failed > 0 {
		log.Warn("write finished with failures", "failed", failed, "total", len(results))
	}
	return &WriteResult{Units: results}, nil
}

func writeOne(ctx context.Context, graph *ComponentGraph, unit AnalyzeUnit, opts WriteOptions, invoker *llm.Invoker, log *slog.Logger) WriteUnit {
	out := WriteUnit{ComponentID: unit.ComponentID}

	comp := graph.Find(unit.ComponentID)
	title := unit.ComponentID
	if comp != nil {
		title = comp.Name
	}

	res := invoker.Invoke(ctx, writePrompt(title, unit.Analysis), llm.InvokeOptions{
		Phase:   "write",
		Model:   opts.Model,
		Timeout: opts.Timeout,
	})
	if !res.Success {
		out.Status = UnitFailed
		out.Error = res.Err.Error()
		log.Warn("article writing failed", "component", unit.ComponentID, "kind", res.Kind, "error", res.Err)
		return out
	}

	out.Status = UnitCompleted
	out.Article = &Article{
		ComponentID: unit.ComponentID,
		Title:       title,
		Markdown:    res.Response,
	}
	return out
}

func writePrompt(title string, analysis *Analysis) string {
	data, _ := json.MarshalIndent(analysis, "", "  ")
	return fmt.Sprintf(`Write a documentation article in Markdown for the component %q based on this analysis.
Start with a level-1 heading. Cover the overview, key concepts, public API, architecture, and examples.
Include the mermaid diagram in a fenced block if one is present. Do not invent APIs that are not in the analysis.

Analysis:
%s`, title, data)
}
