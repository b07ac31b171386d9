package process

import (
	"errors"
	"testing"
	"time"
)

func TestWorkspaceRegisterAndList(t *testing.T) {
	dir := t.TempDir()
	r, err := OpenWorkspaceRegistry(dir, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	ws, err := r.Register("", "frontend", t.TempDir())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if ws.ID == "" || ws.Name != "frontend" {
		t.Errorf("workspace: %+v", ws)
	}

	list := r.List()
	if len(list) != 1 || list[0].ID != ws.ID {
		t.Errorf("list: %v", list)
	}
}

func TestWorkspaceRegisterSameRootDedupes(t *testing.T) {
	r, _ := OpenWorkspaceRegistry(t.TempDir(), nil)

	root := t.TempDir()
	a, _ := r.Register("", "first", root)
	b, _ := r.Register("", "second", root)

	if a.ID != b.ID {
		t.Errorf("same root produced two workspaces: %s, %s", a.ID, b.ID)
	}
	if len(r.List()) != 1 {
		t.Errorf("list: got %d, want 1", len(r.List()))
	}
}

func TestWorkspaceDefaultNameFromPath(t *testing.T) {
	r, _ := OpenWorkspaceRegistry(t.TempDir(), nil)

	root := t.TempDir()
	ws, _ := r.Register("", "", root)
	if ws.Name == "" {
		t.Error("empty name was not defaulted")
	}
}

func TestWorkspacePersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()

	r, _ := OpenWorkspaceRegistry(dir, nil)
	ws, _ := r.Register("", "api", t.TempDir())
	if err := r.TouchBuild(ws.ID, time.Now()); err != nil {
		t.Fatalf("touch: %v", err)
	}

	r2, err := OpenWorkspaceRegistry(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := r2.Get(ws.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "api" || got.LastBuildAt.IsZero() {
		t.Errorf("workspace after restart: %+v", got)
	}
}

func TestWorkspaceRemove(t *testing.T) {
	r, _ := OpenWorkspaceRegistry(t.TempDir(), nil)

	ws, _ := r.Register("", "x", t.TempDir())
	if err := r.Remove(ws.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := r.Get(ws.ID); !errors.Is(err, ErrWorkspaceNotFound) {
		t.Errorf("got %v, want ErrWorkspaceNotFound", err)
	}
	if err := r.Remove(ws.ID); !errors.Is(err, ErrWorkspaceNotFound) {
		t.Errorf("double remove: got %v", err)
	}
}
