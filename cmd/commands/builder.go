package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/scribehq/scribed/internal/config"
	"github.com/scribehq/scribed/internal/events"
	"github.com/scribehq/scribed/internal/gateway"
	"github.com/scribehq/scribed/internal/llm"
	"github.com/scribehq/scribed/internal/pipeline"
	"github.com/scribehq/scribed/internal/process"
	"github.com/scribehq/scribed/internal/queue"
	"github.com/scribehq/scribed/internal/rebuild"
	"github.com/scribehq/scribed/internal/storage"
)

// taskBuilder turns enqueue requests into runnable tasks. It also backs
// the scheduler, which submits full regenerations without an HTTP caller.
type taskBuilder struct {
	cfg        *config.Config
	dataDir    string
	store      *process.Store
	workspaces *process.WorkspaceRegistry
	queue      *queue.Queue
	runner     *pipeline.Runner
	invoker    *llm.Invoker
	watchers   *watchManager
	log        *slog.Logger
}

// Build validates the request and produces a task whose Run closure owns
// the whole operation. The executor drives process status transitions;
// the closure only fills in results.
func (b *taskBuilder) Build(req gateway.EnqueueRequest) (*queue.Task, error) {
	switch req.Type {
	case process.TypeGenerate, process.TypeScheduled:
		return b.buildGenerate(req)
	case process.TypeRebuild, process.TypeComponent:
		return b.buildScoped(req)
	default:
		return nil, fmt.Errorf("unknown task type %q", req.Type)
	}
}

// SubmitScheduled enqueues a cron-triggered full regeneration.
func (b *taskBuilder) SubmitScheduled(workspaceID string) error {
	task, err := b.Build(gateway.EnqueueRequest{
		Type:        process.TypeScheduled,
		WorkspaceID: workspaceID,
	})
	if err != nil {
		return err
	}
	task.Priority = queue.PriorityLow
	_, err = b.queue.Enqueue(task)
	return err
}

func (b *taskBuilder) buildGenerate(req gateway.EnqueueRequest) (*queue.Task, error) {
	ws, err := b.workspaces.Get(req.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("workspace %q: %w", req.WorkspaceID, err)
	}

	title := req.Title
	if title == "" {
		title = "Generate documentation for " + ws.Name
	}
	p := process.NewProcess(req.Type, ws.ID, title)
	if err := b.store.Add(p); err != nil {
		return nil, err
	}

	root, wsID, force, pid := ws.RootPath, ws.ID, req.Force, p.ID
	return &queue.Task{
		ProcessID:   pid,
		WorkspaceID: wsID,
		Type:        req.Type,
		Title:       title,
		Run: func(ctx context.Context) error {
			return b.runGenerate(ctx, root, wsID, pid, force)
		},
	}, nil
}

func (b *taskBuilder) runGenerate(ctx context.Context, root, wsID, pid string, force bool) error {
	outStore, err := storage.NewDirStore(b.outputDir(wsID))
	if err != nil {
		return err
	}

	opts := pipeline.RunOptions{
		ProcessID: pid,
		SkipAI:    b.phase(pipeline.PhaseConsolidate).SkipAI,
		Timeout:   b.phase(pipeline.PhaseAnalyze).Timeout.Duration(),
		// Fan-out never exceeds the session pool, so no unit waits out
		// an acquire timeout behind its siblings.
		Concurrency: b.cfg.Pool.MaxSessions,
	}
	if force {
		opts.CacheMode = pipeline.CacheForce
	}
	opts.Model = b.cfg.Models.Default
	opts.ModelID = b.modelID()

	res, err := b.runner.Run(ctx, root, outStore, opts)
	if err != nil {
		return err
	}

	b.recordRunResult(pid, res)
	if err := b.workspaces.TouchBuild(wsID, time.Now().UTC()); err != nil {
		b.log.Warn("touch build failed", "workspace", wsID, "error", err)
	}
	if b.watchers != nil {
		b.watchers.setGraph(wsID, res.Graph)
	}
	return nil
}

func (b *taskBuilder) buildScoped(req gateway.EnqueueRequest) (*queue.Task, error) {
	ws, err := b.workspaces.Get(req.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("workspace %q: %w", req.WorkspaceID, err)
	}
	if len(req.Components) == 0 {
		return nil, errors.New("components required for a scoped rebuild")
	}

	title := req.Title
	if title == "" {
		title = fmt.Sprintf("Rebuild %d component(s) in %s", len(req.Components), ws.Name)
	}
	p := process.NewProcess(req.Type, ws.ID, title)
	if err := b.store.Add(p); err != nil {
		return nil, err
	}

	root, wsID, ids, pid := ws.RootPath, ws.ID, req.Components, p.ID
	return &queue.Task{
		ProcessID:   pid,
		WorkspaceID: wsID,
		Type:        req.Type,
		Title:       title,
		Run: func(ctx context.Context) error {
			return b.runScoped(ctx, root, wsID, pid, ids)
		},
	}, nil
}

// runScoped re-analyzes and rewrites only the named components, patching
// the last full output tree in place. The full graph is kept as-is; the
// fresh articles replace their predecessors and the index is rebuilt.
func (b *taskBuilder) runScoped(ctx context.Context, root, wsID, pid string, componentIDs []string) error {
	outStore, err := storage.NewDirStore(b.outputDir(wsID))
	if err != nil {
		return err
	}
	graph, articles, err := pipeline.ReadTree(outStore)
	if err != nil {
		return fmt.Errorf("no previous output for workspace %s, run a full generation first: %w", wsID, err)
	}

	scoped := &pipeline.ComponentGraph{Project: graph.Project, Categories: graph.Categories}
	for _, id := range componentIDs {
		if c := graph.Find(id); c != nil {
			scoped.Components = append(scoped.Components, *c)
		}
	}
	if len(scoped.Components) == 0 {
		return fmt.Errorf("none of the requested components exist in the last build")
	}

	analyzePhase := b.phase(pipeline.PhaseAnalyze)
	analyses, err := pipeline.Analyze(ctx, scoped, pipeline.AnalyzeOptions{
		Model:       analyzePhase.Model,
		Timeout:     analyzePhase.Timeout.Duration(),
		WorkingDir:  root,
		Concurrency: b.cfg.Pool.MaxSessions,
	}, b.invoker, b.log)
	if err != nil {
		return err
	}

	writePhase := b.phase(pipeline.PhaseWrite)
	written, err := pipeline.Write(ctx, scoped, analyses, pipeline.WriteOptions{
		Model:       writePhase.Model,
		Timeout:     writePhase.Timeout.Duration(),
		Concurrency: b.cfg.Pool.MaxSessions,
	}, b.invoker, b.log)
	if err != nil {
		return err
	}

	// Merge fresh articles over the previous ones, keyed by component.
	byID := make(map[string]pipeline.WriteUnit, len(articles))
	for i := range articles {
		a := articles[i]
		byID[a.ComponentID] = pipeline.WriteUnit{
			ComponentID: a.ComponentID,
			Status:      pipeline.UnitCompleted,
			Article:     &a,
		}
	}
	for _, u := range written.Completed() {
		byID[u.ComponentID] = u
	}
	merged := &pipeline.WriteResult{}
	for _, u := range byID {
		merged.Units = append(merged.Units, u)
	}

	out := pipeline.Assemble(graph, merged)
	out.GeneratedAt = time.Now().UTC()
	if err := out.WriteTree(outStore); err != nil {
		return err
	}

	rewritten := len(written.Completed())
	b.store.Update(pid, func(p *process.Process) error {
		p.Result = fmt.Sprintf("Rewrote %d of %d requested component(s)", rewritten, len(componentIDs))
		p.StructuredResult, _ = json.Marshal(map[string]any{
			"requested": componentIDs,
			"rewritten": rewritten,
		})
		return nil
	})
	if err := b.workspaces.TouchBuild(wsID, time.Now().UTC()); err != nil {
		b.log.Warn("touch build failed", "workspace", wsID, "error", err)
	}
	return nil
}

func (b *taskBuilder) recordRunResult(pid string, res *pipeline.RunResult) {
	b.store.Update(pid, func(p *process.Process) error {
		p.Result = fmt.Sprintf("Generated %d article(s) across %d component(s)",
			res.Written, len(res.Graph.Components))
		p.StructuredResult, _ = json.Marshal(map[string]any{
			"components": len(res.Graph.Components),
			"analyzed":   res.Analyzed,
			"written":    res.Written,
			"cacheHits":  res.CacheHits,
			"durationMs": res.Duration.Milliseconds(),
		})
		return nil
	})
}

func (b *taskBuilder) outputDir(wsID string) string {
	return filepath.Join(b.dataDir, "output", wsID)
}

func (b *taskBuilder) phase(name string) config.PhaseOverride {
	return b.cfg.Pipeline.Phases[name]
}

func (b *taskBuilder) modelID() string {
	return b.cfg.Models.Default
}

// watchManager owns one rebuild controller per registered workspace and
// follows registrations arriving over the bus while the daemon runs.
type watchManager struct {
	builder  *taskBuilder
	debounce time.Duration
	bus      *events.Bus
	log      *slog.Logger

	mu          sync.Mutex
	controllers map[string]*rebuild.Controller
	closed      bool

	sub *events.Subscription
}

func newWatchManager(builder *taskBuilder, debounce time.Duration, bus *events.Bus, log *slog.Logger) *watchManager {
	m := &watchManager{
		builder:     builder,
		debounce:    debounce,
		bus:         bus,
		log:         log.With("component", "watch-manager"),
		controllers: make(map[string]*rebuild.Controller),
	}
	m.sub = bus.Subscribe(m.onEvent, events.EventWorkspaceRegistered)
	return m
}

func (m *watchManager) onEvent(e events.Event) {
	p, ok := events.ExtractPayload[events.WorkspaceRegisteredPayload](e)
	if !ok {
		return
	}
	m.watch(p.WorkspaceID, p.RootPath)
}

// watch starts a controller for the workspace. A second call for the same
// id is a no-op so restarts and re-registrations stay idempotent.
func (m *watchManager) watch(wsID, root string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if _, ok := m.controllers[wsID]; ok {
		return
	}

	// Seed the affected-set graph from the last build, if one exists.
	// Until a graph is known, edits accumulate without triggering work.
	var graph *pipeline.ComponentGraph
	if outStore, err := storage.NewDirStore(m.builder.outputDir(wsID)); err == nil {
		if g, _, err := pipeline.ReadTree(outStore); err == nil {
			graph = g
		}
	}

	c, err := rebuild.Start(rebuild.Config{
		Root:        root,
		WorkspaceID: wsID,
		Debounce:    m.debounce,
		Graph:       graph,
		Bus:         m.bus,
		Log:         m.log,
		OnAffected: func(componentIDs, changedPaths []string) {
			m.enqueueRebuild(wsID, componentIDs, changedPaths)
		},
	})
	if err != nil {
		m.log.Warn("file watching unavailable", "workspace", wsID, "error", err)
		return
	}
	m.controllers[wsID] = c
}

func (m *watchManager) enqueueRebuild(wsID string, componentIDs, changedPaths []string) {
	task, err := m.builder.Build(gateway.EnqueueRequest{
		Type:        process.TypeRebuild,
		WorkspaceID: wsID,
		Components:  componentIDs,
		Title:       fmt.Sprintf("Rebuild after %d changed file(s)", len(changedPaths)),
	})
	if err != nil {
		m.log.Warn("rebuild task build failed", "workspace", wsID, "error", err)
		return
	}
	task.Priority = queue.PriorityHigh
	if _, err := m.builder.queue.Enqueue(task); err != nil {
		m.log.Warn("rebuild enqueue failed", "workspace", wsID, "error", err)
	}
}

// setGraph swaps the affected-set graph after a completed generation.
func (m *watchManager) setGraph(wsID string, g *pipeline.ComponentGraph) {
	m.mu.Lock()
	c, ok := m.controllers[wsID]
	m.mu.Unlock()
	if ok {
		c.SetGraph(g)
	}
}

func (m *watchManager) close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	controllers := m.controllers
	m.controllers = make(map[string]*rebuild.Controller)
	m.mu.Unlock()

	m.sub.Unsubscribe()
	for _, c := range controllers {
		c.Close()
	}
}
