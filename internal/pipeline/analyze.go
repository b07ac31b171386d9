package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/scribehq/scribed/internal/llm"
)

// UnitStatus is the outcome of one fan-out unit.
type UnitStatus string

const (
	UnitCompleted UnitStatus = "completed"
	UnitFailed    UnitStatus = "failed"
)

// AnalyzeUnit pairs a component with its analysis outcome.
type AnalyzeUnit struct {
	ComponentID string     `json:"componentId"`
	Status      UnitStatus `json:"status"`
	Error       string     `json:"error,omitempty"`
	Analysis    *Analysis  `json:"analysis,omitempty"`
}

// AnalyzeResult is the analyze phase artifact, ordered by component id.
type AnalyzeResult struct {
	Units []AnalyzeUnit `json:"units"`
}

// Completed returns the units that produced an analysis.
func (r *AnalyzeResult) Completed() []AnalyzeUnit {
	var out []AnalyzeUnit
	for _, u := range r.Units {
		if u.Status == UnitCompleted {
			out = append(out, u)
		}
	}
	return out
}

// AnalyzeOptions tunes the analyze phase.
type AnalyzeOptions struct {
	Model       string
	Timeout     time.Duration
	Concurrency int
	WorkingDir  string
	Tools       []string
}

// readOnlyTools is the default toolset for analysis sessions.
var readOnlyTools = []string{"read_file", "list_directory", "search"}

// Analyze fans out one AI call per component. A failed unit is recorded
// and excluded downstream; the phase errors only when every unit fails.
func Analyze(ctx context.Context, graph *ComponentGraph, opts AnalyzeOptions, invoker *llm.Invoker, log *slog.Logger) (*AnalyzeResult, error) {
	if log == nil {
		log = slog.Default()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if len(opts.Tools) == 0 {
		opts.Tools = readOnlyTools
	}
	if len(graph.Components) == 0 {
		return &AnalyzeResult{Units: []AnalyzeUnit{}}, nil
	}

	sem := make(chan struct{}, opts.Concurrency)
	results := make([]AnalyzeUnit, len(graph.Components))
	var wg sync.WaitGroup

	for i, comp := range graph.Components {
		wg.Add(1)
		go func(i int, comp Component) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = analyzeOne(ctx, comp, opts, invoker, log)
		}(i, comp)
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
		return nil, fmt.Errorf("analyze: all %d components failed", failed)
	}
	if failed > 0 {
		log.Warn("analyze finished with failures", "failed", failed, "total", len(results))
	}
	return &AnalyzeResult{Units: results}, nil
}

func analyzeOne(ctx context.Context, comp Component, opts AnalyzeOptions, invoker *llm.Invoker, log *slog.Logger) AnalyzeUnit {
	unit := AnalyzeUnit{ComponentID: comp.ID}

	res := invoker.Invoke(ctx, analyzePrompt(comp, opts), llm.InvokeOptions{
		Phase:   "analyze",
		Model:   opts.Model,
		Timeout: opts.Timeout,
	})
	if !res.Success {
		unit.Status = UnitFailed
		unit.Error = res.Err.Error()
		log.Warn("component analysis failed", "component", comp.ID, "kind", res.Kind, "error", res.Err)
		return unit
	}

	analysis, err := ParseAnalysis(comp.ID, res.Response)
	if err != nil {
		unit.Status = UnitFailed
		unit.Error = err.Error()
		log.Warn("component analysis unparseable", "component", comp.ID, "error", err)
		return unit
	}

	unit.Status = UnitCompleted
	unit.Analysis = analysis
	return unit
}

func analyzePrompt(comp Component, opts AnalyzeOptions) string {
	keyFiles := strings.Join(comp.KeyFiles, "\n- ")
	location := comp.Path
	if opts.WorkingDir != "" {
		location = opts.WorkingDir + "/" + comp.Path
	}
	spec, _ := json.MarshalIndent(map[string]any{
		"overview":     "two-paragraph summary",
		"keyConcepts":  []string{"..."},
		"publicApi":    []map[string]string{{"name": "...", "kind": "...", "signature": "...", "description": "..."}},
		"architecture": "how the pieces fit together",
		"examples":     []map[string]any{{"title": "...", "path": "relative/file", "lines": []int{1, 20}, "description": "..."}},
		"dependencies": []string{"component ids"},
		"diagram":      "optional mermaid diagram",
	}, "", "  ")

	return fmt.Sprintf(`Analyze the component %q (category %s) rooted at %s.
Key files:
- %s

Inspect the source with these read-only tools only: %s.

Respond with a single JSON document matching this shape:
%s`, comp.Name, comp.Category, location, keyFiles, strings.Join(opts.Tools, ", "), spec)
}
