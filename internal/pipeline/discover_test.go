package pipeline

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestDiscoverBasic(t *testing.T) {
	root := writeTree(t, map[string]string{
		"cmd/app/main.go":          "package main",
		"internal/queue/queue.go":  "package queue",
		"internal/queue/exec.go":   "package queue",
		"internal/events/bus.go":   "package events",
		"README.md":                "# demo",
		"node_modules/x/index.js":  "ignored",
		"vendor/dep/dep.go":        "ignored",
		"assets/logo.png":          "not code",
		".git/objects/ab/cd":       "ignored",
	})

	res, err := Discover(root, ScanConfig{Project: "demo"})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}

	ids := make(map[string]bool)
	for _, c := range res.Graph.Components {
		ids[c.ID] = true
	}
	for _, want := range []string{"cmd-app", "internal-queue", "internal-events", "root"} {
		if !ids[want] {
			t.Errorf("missing component %s in %v", want, ids)
		}
	}
	if ids["node-modules-x"] || ids["vendor-dep"] {
		t.Error("ignored directories produced components")
	}
	if res.Graph.Project != "demo" {
		t.Errorf("project: %s", res.Graph.Project)
	}
	if _, ok := res.Digests["internal/queue/queue.go"]; !ok {
		t.Error("missing digest for scanned file")
	}
	if _, ok := res.Digests["assets/logo.png"]; ok {
		t.Error("non-code file was digested")
	}
}

func TestDiscoverDeterministic(t *testing.T) {
	root := writeTree(t, map[string]string{
		"a/x.go": "package a",
		"b/y.go": "package b",
	})

	r1, err := Discover(root, ScanConfig{})
	if err != nil {
		t.Fatal(err)
	}
	r2, _ := Discover(root, ScanConfig{})

	fp1, _ := Fingerprint(r1)
	fp2, _ := Fingerprint(r2)
	if fp1 != fp2 {
		t.Error("repeated discovery not byte-identical")
	}
}

func TestDiscoverScanConfigOverrides(t *testing.T) {
	root := writeTree(t, map[string]string{
		"scribe.yaml": "project: custom\nignore:\n  - \"secret/**\"\ncategories:\n  \"tools*\": tooling\n",
		"tools/gen.go": "package tools",
		"secret/key.go": "package secret",
	})

	cfg, err := LoadScanConfig(root)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Project != "custom" {
		t.Errorf("project: %s", cfg.Project)
	}

	res, err := Discover(root, cfg)
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range res.Graph.Components {
		if c.ID == "secret" {
			t.Error("configured ignore not applied")
		}
		if c.ID == "tools" && c.Category != "tooling" {
			t.Errorf("category override: %s", c.Category)
		}
	}
}

func TestDiscoverKeyFilesPromoted(t *testing.T) {
	root := writeTree(t, map[string]string{
		"cmd/app/main.go": "package main",
		"cmd/app/z.go":    "package main",
	})

	res, err := Discover(root, ScanConfig{})
	if err != nil {
		t.Fatal(err)
	}
	comp := res.Graph.Find("cmd-app")
	if comp == nil {
		t.Fatal("cmd-app not found")
	}
	if len(comp.KeyFiles) == 0 || !contains(comp.KeyFiles, "cmd/app/main.go") {
		t.Errorf("key files: %v", comp.KeyFiles)
	}
}
