package rebuild

import (
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/scribehq/scribed/internal/events"
	"github.com/scribehq/scribed/internal/pipeline"
)

// OnAffected receives the affected component ids and the raw changed
// paths after each debounce window.
type OnAffected func(componentIDs, changedPaths []string)

// ignoredDirs are never watched.
var ignoredDirs = map[string]bool{
	"node_modules": true, ".git": true, "vendor": true, "dist": true,
	"build": true, "target": true, ".scribed": true, "__pycache__": true,
}

const defaultDebounce = 2 * time.Second

// Controller debounces file-system events under one workspace root and
// surfaces affected components. fsnotify has no recursive mode, so every
// directory is added individually and new directories are added as their
// create events arrive.
type Controller struct {
	mu          sync.Mutex
	root        string
	workspaceID string
	debounce    time.Duration
	graph       *pipeline.ComponentGraph
	pending     map[string]bool
	timer       *time.Timer
	watcher     *fsnotify.Watcher
	onAffected  OnAffected
	bus         *events.Bus
	log         *slog.Logger
	closed      bool
}

// Config for a rebuild controller.
type Config struct {
	Root        string
	WorkspaceID string
	Debounce    time.Duration
	Graph       *pipeline.ComponentGraph
	OnAffected  OnAffected
	Bus         *events.Bus
	Log         *slog.Logger
}

// Start creates and starts a controller. If the platform cannot watch at
// all, the error is returned once and the controller stays inert; errors
// after start are logged and watching continues.
func Start(cfg Config) (*Controller, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{
		root:        cfg.Root,
		workspaceID: cfg.WorkspaceID,
		debounce:    cfg.Debounce,
		graph:       cfg.Graph,
		pending:     make(map[string]bool),
		onAffected:  cfg.OnAffected,
		bus:         cfg.Bus,
		log:         log.With("component", "rebuild", "workspace", cfg.WorkspaceID),
	}
	if c.debounce <= 0 {
		c.debounce = defaultDebounce
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return c, err
	}
	c.watcher = w

	if err := c.addRecursive(cfg.Root); err != nil {
		w.Close()
		c.watcher = nil
		return c, err
	}

	go c.loop()
	c.log.Info("watching", "root", cfg.Root)
	return c, nil
}

// SetGraph swaps the graph used for affected-set computation, typically
// after a completed pipeline run.
func (c *Controller) SetGraph(g *pipeline.ComponentGraph) {
	c.mu.Lock()
	c.graph = g
	c.mu.Unlock()
}

func (c *Controller) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if path != root && (ignoredDirs[name] || strings.HasPrefix(name, ".")) {
			return filepath.SkipDir
		}
		return c.watcher.Add(path)
	})
}

func (c *Controller) loop() {
	for {
		select {
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			c.handleEvent(ev)
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.log.Warn("watch error", "error", err)
		}
	}
}

func (c *Controller) handleEvent(ev fsnotify.Event) {
	rel, err := filepath.Rel(c.root, ev.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	for _, seg := range strings.Split(rel, "/") {
		if ignoredDirs[seg] || (strings.HasPrefix(seg, ".") && seg != ".") {
			return
		}
	}

	// New directories must be added while events are flowing, or edits
	// below them go unseen.
	if ev.Op.Has(fsnotify.Create) {
		if err := c.watcher.Add(ev.Name); err == nil {
			c.addRecursive(ev.Name)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.pending[rel] = true
	if c.timer == nil {
		c.timer = time.AfterFunc(c.debounce, c.fire)
	} else {
		c.timer.Reset(c.debounce)
	}
}

// fire drains the pending set and surfaces the affected components.
func (c *Controller) fire() {
	c.mu.Lock()
	if c.closed || len(c.pending) == 0 {
		c.timer = nil
		c.mu.Unlock()
		return
	}
	changed := make([]string, 0, len(c.pending))
	for p := range c.pending {
		changed = append(changed, p)
	}
	c.pending = make(map[string]bool)
	c.timer = nil
	graph := c.graph
	onAffected := c.onAffected
	c.mu.Unlock()

	affected := Affected(graph, changed)
	if len(affected) == 0 {
		return
	}
	c.log.Info("changes affect components", "components", affected, "changes", len(changed))

	if c.bus != nil {
		c.bus.Publish(events.NewTypedEvent(events.SourceRebuild, events.RebuildAffectedPayload{
			WorkspaceID:  c.workspaceID,
			ComponentIDs: affected,
			ChangedPaths: changed,
		}))
	}
	if onAffected != nil {
		onAffected(affected, changed)
	}
}

// Clear drops accumulated changes without firing.
func (c *Controller) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = make(map[string]bool)
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Close stops watching. Safe on an inert controller.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	w := c.watcher
	c.mu.Unlock()

	if w == nil {
		return nil
	}
	return w.Close()
}
