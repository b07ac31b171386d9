package process

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scribehq/scribed/internal/events"
)

// ErrWorkspaceNotFound is returned for lookups of unknown workspace ids.
var ErrWorkspaceNotFound = errors.New("workspace not found")

const workspacesFileName = "workspaces.json"

// Workspace is a registered repository root that documentation is
// generated for.
type Workspace struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	RootPath     string    `json:"rootPath"`
	RegisteredAt time.Time `json:"registeredAt"`
	LastBuildAt  time.Time `json:"lastBuildAt,omitempty"`
}

// WorkspaceRegistry persists the workspace set as a single JSON snapshot,
// rewritten atomically on every change.
type WorkspaceRegistry struct {
	mu         sync.RWMutex
	path       string
	workspaces map[string]*Workspace
	bus        *events.Bus
}

// OpenWorkspaceRegistry loads workspaces.json from dir, tolerating its
// absence.
func OpenWorkspaceRegistry(dir string, bus *events.Bus) (*WorkspaceRegistry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}

	r := &WorkspaceRegistry{
		path:       filepath.Join(dir, workspacesFileName),
		workspaces: make(map[string]*Workspace),
		bus:        bus,
	}

	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read workspaces: %w", err)
	}
	var list []*Workspace
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse workspaces: %w", err)
	}
	for _, ws := range list {
		r.workspaces[ws.ID] = ws
	}
	return r, nil
}

// ErrWorkspaceExists is returned when registering a taken workspace id.
var ErrWorkspaceExists = errors.New("workspace already exists")

// Register adds a workspace. An empty id gets one generated; re-registering
// the same root path returns the existing entry instead of duplicating it.
func (r *WorkspaceRegistry) Register(id, name, rootPath string) (*Workspace, error) {
	if rootPath == "" {
		return nil, errors.New("root path required")
	}
	abs, err := filepath.Abs(rootPath)
	if err != nil {
		return nil, fmt.Errorf("resolve root path: %w", err)
	}

	r.mu.Lock()
	if id != "" {
		if _, taken := r.workspaces[id]; taken {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrWorkspaceExists, id)
		}
	}
	for _, existing := range r.workspaces {
		if existing.RootPath == abs {
			ws := *existing
			r.mu.Unlock()
			return &ws, nil
		}
	}

	if id == "" {
		id = "ws_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:10]
	}
	ws := &Workspace{
		ID:           id,
		Name:         name,
		RootPath:     abs,
		RegisteredAt: time.Now().UTC(),
	}
	if ws.Name == "" {
		ws.Name = filepath.Base(abs)
	}
	r.workspaces[ws.ID] = ws
	err = r.saveLocked()
	snapshot := *ws
	r.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if r.bus != nil {
		r.bus.Publish(events.NewTypedEvent(events.SourceStore, events.WorkspaceRegisteredPayload{
			WorkspaceID: snapshot.ID,
			Name:        snapshot.Name,
			RootPath:    snapshot.RootPath,
		}))
	}
	return &snapshot, nil
}

// Get returns a copy of the workspace.
func (r *WorkspaceRegistry) Get(id string) (*Workspace, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ws, ok := r.workspaces[id]
	if !ok {
		return nil, ErrWorkspaceNotFound
	}
	c := *ws
	return &c, nil
}

// List returns all workspaces sorted by name.
func (r *WorkspaceRegistry) List() []*Workspace {
	r.mu.RLock()
	out := make([]*Workspace, 0, len(r.workspaces))
	for _, ws := range r.workspaces {
		c := *ws
		out = append(out, &c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Remove deletes a workspace.
func (r *WorkspaceRegistry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workspaces[id]; !ok {
		return ErrWorkspaceNotFound
	}
	delete(r.workspaces, id)
	return r.saveLocked()
}

// TouchBuild records a completed build time.
func (r *WorkspaceRegistry) TouchBuild(id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ws, ok := r.workspaces[id]
	if !ok {
		return ErrWorkspaceNotFound
	}
	ws.LastBuildAt = at.UTC()
	return r.saveLocked()
}

func (r *WorkspaceRegistry) saveLocked() error {
	list := make([]*Workspace, 0, len(r.workspaces))
	for _, ws := range r.workspaces {
		list = append(list, ws)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(r.path), workspacesFileName+".tmp-*")
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
	return os.Rename(tmp.Name(), r.path)
}
