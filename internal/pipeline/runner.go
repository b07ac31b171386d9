package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/scribehq/scribed/internal/events"
	"github.com/scribehq/scribed/internal/llm"
	"github.com/scribehq/scribed/internal/storage"
)

// Phase names, in execution order.
const (
	PhaseDiscover    = "discover"
	PhaseConsolidate = "consolidate"
	PhaseAnalyze     = "analyze"
	PhaseWrite       = "write"
	PhaseAssemble    = "assemble"
)

// RunOptions tunes one pipeline run.
type RunOptions struct {
	CacheMode   CacheMode
	SkipAI      bool
	Model       string
	ModelID     string
	Concurrency int
	Timeout     time.Duration
	Tools       []string
	ProcessID   string
}

// RunResult summarizes a finished run.
type RunResult struct {
	Graph     *ComponentGraph  `json:"graph"`
	Output    *AssembledOutput `json:"-"`
	CacheHits map[string]bool  `json:"cacheHits"`
	Analyzed  int              `json:"analyzed"`
	Written   int              `json:"written"`
	Duration  time.Duration    `json:"-"`
}

// Runner executes the five pipeline phases in order against one
// workspace, caching each phase's artifact by input fingerprint.
type Runner struct {
	cache   *Cache
	invoker *llm.Invoker
	bus     *events.Bus
	log     *slog.Logger
}

func NewRunner(cache *Cache, invoker *llm.Invoker, bus *events.Bus, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		cache:   cache,
		invoker: invoker,
		bus:     bus,
		log:     log.With("component", "pipeline"),
	}
}

// Run generates documentation for the tree at root, writing the output
// into outStore.
func (r *Runner) Run(ctx context.Context, root string, outStore *storage.DirStore, opts RunOptions) (*RunResult, error) {
	started := time.Now()
	if opts.CacheMode == "" {
		opts.CacheMode = CacheNormal
	}

	result := &RunResult{CacheHits: make(map[string]bool)}

	scanCfg, err := LoadScanConfig(root)
	if err != nil {
		return nil, err
	}

	// Discover.
	discovered, hit, err := r.runDiscover(ctx, root, scanCfg, opts, result)
	if err != nil {
		return nil, err
	}
	result.CacheHits[PhaseDiscover] = hit

	// Consolidate.
	graph, hit, err := r.runConsolidate(ctx, discovered, opts, result)
	if err != nil {
		return nil, err
	}
	result.CacheHits[PhaseConsolidate] = hit
	result.Graph = graph

	// Analyze.
	analyses, hit, err := r.runAnalyze(ctx, root, graph, opts, result)
	if err != nil {
		return nil, err
	}
	result.CacheHits[PhaseAnalyze] = hit
	result.Analyzed = len(analyses.Completed())

	// Write.
	written, hit, err := r.runWrite(ctx, graph, analyses, opts, result)
	if err != nil {
		return nil, err
	}
	result.CacheHits[PhaseWrite] = hit
	result.Written = len(written.Completed())

	// Assemble.
	r.phaseStarted(PhaseAssemble, opts)
	output := Assemble(graph, written)
	output.GeneratedAt = time.Now().UTC()
	if outStore != nil {
		if err := output.WriteTree(outStore); err != nil {
			return nil, err
		}
	}
	r.phaseFinished(PhaseAssemble, opts, false, nil)
	result.Output = output

	result.Duration = time.Since(started)
	r.log.Info("pipeline run finished",
		"root", root,
		"components", len(graph.Components),
		"articles", result.Written,
		"duration", result.Duration)
	return result, nil
}

func (r *Runner) runDiscover(ctx context.Context, root string, scanCfg ScanConfig, opts RunOptions, result *RunResult) (*DiscoverResult, bool, error) {
	r.phaseStarted(PhaseDiscover, opts)

	// The discover fingerprint needs the digests, which the scan itself
	// produces; scanning is cheap, so it always runs and the cache only
	// short-circuits repeated graph construction.
	discovered, err := Discover(root, scanCfg)
	if err != nil {
		r.phaseFinished(PhaseDiscover, opts, false, err)
		return nil, false, err
	}

	fp, err := Fingerprint(map[string]any{
		"phase":   PhaseDiscover,
		"digests": discovered.Digests,
		"config":  scanCfg,
	})
	if err != nil {
		return nil, false, err
	}

	if opts.CacheMode != CacheForce {
		var cached DiscoverResult
		if ok, _ := r.cache.Load(PhaseDiscover, fp, &cached); ok {
			r.phaseFinished(PhaseDiscover, opts, true, nil)
			return &cached, true, nil
		}
	}
	if err := r.cache.Store(PhaseDiscover, fp, discovered); err != nil {
		return nil, false, err
	}
	r.phaseFinished(PhaseDiscover, opts, false, nil)
	return discovered, false, nil
}

func (r *Runner) runConsolidate(ctx context.Context, discovered *DiscoverResult, opts RunOptions, result *RunResult) (*ComponentGraph, bool, error) {
	r.phaseStarted(PhaseConsolidate, opts)

	fp, err := Fingerprint(map[string]any{
		"phase":  PhaseConsolidate,
		"graph":  discovered.Graph,
		"model":  opts.ModelID,
		"skipAI": opts.SkipAI,
	})
	if err != nil {
		return nil, false, err
	}

	if opts.CacheMode != CacheForce {
		var cached ComponentGraph
		if ok, _ := r.cache.Load(PhaseConsolidate, fp, &cached); ok {
			r.phaseFinished(PhaseConsolidate, opts, true, nil)
			return &cached, true, nil
		}
	}
	if opts.CacheMode == CacheOnly {
		err := fmt.Errorf("%w: %s", ErrCacheMiss, PhaseConsolidate)
		r.phaseFinished(PhaseConsolidate, opts, false, err)
		return nil, false, err
	}

	graph, err := Consolidate(ctx, &discovered.Graph, ConsolidateOptions{
		Model:   opts.Model,
		SkipAI:  opts.SkipAI,
		Timeout: opts.Timeout,
	}, r.invoker, r.log)
	if err != nil {
		r.phaseFinished(PhaseConsolidate, opts, false, err)
		return nil, false, err
	}
	if err := r.cache.Store(PhaseConsolidate, fp, graph); err != nil {
		return nil, false, err
	}
	r.phaseFinished(PhaseConsolidate, opts, false, nil)
	return graph, false, nil
}

func (r *Runner) runAnalyze(ctx context.Context, root string, graph *ComponentGraph, opts RunOptions, result *RunResult) (*AnalyzeResult, bool, error) {
	r.phaseStarted(PhaseAnalyze, opts)

	tools := opts.Tools
	if len(tools) == 0 {
		tools = readOnlyTools
	}
	fp, err := Fingerprint(map[string]any{
		"phase": PhaseAnalyze,
		"graph": graph,
		"model": opts.ModelID,
		"tools": tools,
	})
	if err != nil {
		return nil, false, err
	}

	if opts.CacheMode != CacheForce {
		var cached AnalyzeResult
		if ok, _ := r.cache.Load(PhaseAnalyze, fp, &cached); ok {
			r.phaseFinished(PhaseAnalyze, opts, true, nil)
			return &cached, true, nil
		}
	}
	if opts.CacheMode == CacheOnly {
		err := fmt.Errorf("%w: %s", ErrCacheMiss, PhaseAnalyze)
		r.phaseFinished(PhaseAnalyze, opts, false, err)
		return nil, false, err
	}

	analyses, err := Analyze(ctx, graph, AnalyzeOptions{
		Model:       opts.Model,
		Timeout:     opts.Timeout,
		Concurrency: opts.Concurrency,
		WorkingDir:  root,
		Tools:       tools,
	}, r.invoker, r.log)
	if err != nil {
		r.phaseFinished(PhaseAnalyze, opts, false, err)
		return nil, false, err
	}
	if err := r.cache.Store(PhaseAnalyze, fp, analyses); err != nil {
		return nil, false, err
	}
	r.phaseFinished(PhaseAnalyze, opts, false, nil)
	return analyses, false, nil
}

func (r *Runner) runWrite(ctx context.Context, graph *ComponentGraph, analyses *AnalyzeResult, opts RunOptions, result *RunResult) (*WriteResult, bool, error) {
	r.phaseStarted(PhaseWrite, opts)

	fp, err := Fingerprint(map[string]any{
		"phase":    PhaseWrite,
		"analyses": analyses,
		"model":    opts.ModelID,
	})
	if err != nil {
		return nil, false, err
	}

	if opts.CacheMode != CacheForce {
		var cached WriteResult
		if ok, _ := r.cache.Load(PhaseWrite, fp, &cached); ok {
			r.phaseFinished(PhaseWrite, opts, true, nil)
			return &cached, true, nil
		}
	}
	if opts.CacheMode == CacheOnly {
		err := fmt.Errorf("%w: %s", ErrCacheMiss, PhaseWrite)
		r.phaseFinished(PhaseWrite, opts, false, err)
		return nil, false, err
	}

	written, err := Write(ctx, graph, analyses, WriteOptions{
		Model:       opts.Model,
		Timeout:     opts.Timeout,
		Concurrency: opts.Concurrency,
	}, r.invoker, r.log)
	if err != nil {
		r.phaseFinished(PhaseWrite, opts, false, err)
		return nil, false, err
	}
	if err := r.cache.Store(PhaseWrite, fp, written); err != nil {
		return nil, false, err
	}
	r.phaseFinished(PhaseWrite, opts, false, nil)
	return written, false, nil
}

func (r *Runner) phaseStarted(phase string, opts RunOptions) {
	r.log.Debug("phase started", "phase", phase)
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.NewTypedEventForProcess(events.SourcePipeline, events.PhasePayload{
		Kind:  events.EventPhaseStarted,
		Phase: phase,
	}, opts.ProcessID))
}

func (r *Runner) phaseFinished(phase string, opts RunOptions, cacheHit bool, err error) {
	if err != nil {
		r.log.Warn("phase failed", "phase", phase, "error", err)
	} else {
		r.log.Debug("phase finished", "phase", phase, "cache_hit", cacheHit)
	}
	if r.bus == nil {
		return
	}
	payload := events.PhasePayload{
		Kind:   events.EventPhaseFinished,
		Phase:  phase,
		Cached: cacheHit,
	}
	if err != nil {
		payload.Error = err.Error()
	}
	r.bus.Publish(events.NewTypedEventForProcess(events.SourcePipeline, payload, opts.ProcessID))
}
