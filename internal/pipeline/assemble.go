package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/scribehq/scribed/internal/storage"
)

// AssembledOutput is the final pipeline artifact: the refined graph plus
// every article, ordered by component id.
type AssembledOutput struct {
	Project     string          `json:"project"`
	GeneratedAt time.Time       `json:"generatedAt"`
	Graph       *ComponentGraph `json:"graph"`
	Articles    []Article       `json:"articles"`
	Index       string          `json:"index"`
}

// ArticleMeta is the meta.json written next to each article.
type ArticleMeta struct {
	ComponentID string   `json:"componentId"`
	Title       string   `json:"title"`
	Category    string   `json:"category"`
	Path        string   `json:"path"`
	KeyFiles    []string `json:"keyFiles,omitempty"`
}

// Assemble combines the graph and written articles into the output
// artifact. Pure: no AI, deterministic ordering, so identical inputs
// serialize byte-identical (GeneratedAt excepted, stamped by the caller).
func Assemble(graph *ComponentGraph, written *WriteResult) *AssembledOutput {
	out := &AssembledOutput{
		Project: graph.Project,
		Graph:   cloneGraph(graph),
	}
	out.Graph.Sort()

	units := written.Completed()
	sort.Slice(units, func(i, j int) bool {
		return units[i].ComponentID < units[j].ComponentID
	})
	for _, u := range units {
		out.Articles = append(out.Articles, *u.Article)
	}

	out.Index = buildIndex(out.Graph, out.Articles)
	return out
}

// buildIndex renders the table-of-contents page grouped by category.
func buildIndex(graph *ComponentGraph, articles []Article) string {
	byID := make(map[string]bool, len(articles))
	for _, a := range articles {
		byID[a.ComponentID] = true
	}

	index := "# " + graph.Project + "\n\nGenerated documentation.\n"
	for _, category := range graph.Categories {
		var lines []string
		for _, c := range graph.Components {
			if c.Category != category || !byID[c.ID] {
				continue
			}
			lines = append(lines, fmt.Sprintf("- [%s](%s/article.md)", c.Name, c.ID))
		}
		if len(lines) == 0 {
			continue
		}
		index += "\n## " + category + "\n\n"
		for _, l := range lines {
			index += l + "\n"
		}
	}
	return index
}

// ReadTree loads a previously written output tree back from the store:
// the graph from the _site entry plus every article. Used by targeted
// rebuilds to patch a subset of articles without a full run.
func ReadTree(store *storage.DirStore) (*ComponentGraph, []Article, error) {
	data, err := store.ReadFile("_site", "graph.json")
	if err != nil {
		return nil, nil, fmt.Errorf("read output graph: %w", err)
	}
	var graph ComponentGraph
	if err := json.Unmarshal(data, &graph); err != nil {
		return nil, nil, fmt.Errorf("parse output graph: %w", err)
	}

	ids, err := store.List()
	if err != nil {
		return nil, nil, err
	}
	var articles []Article
	for _, id := range ids {
		if id == "_site" {
			continue
		}
		var meta ArticleMeta
		if err := store.ReadMeta(id, &meta); err != nil {
			continue
		}
		markdown, err := store.ReadFile(id, "article.md")
		if errors.Is(err, storage.ErrEntryNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		articles = append(articles, Article{
			ComponentID: meta.ComponentID,
			Title:       meta.Title,
			Markdown:    string(markdown),
		})
	}
	return &graph, articles, nil
}

// WriteTree persists the assembled output into a directory store: one
// entry per article plus the graph and index at the root.
func (o *AssembledOutput) WriteTree(store *storage.DirStore) error {
	for _, a := range o.Articles {
		comp := o.Graph.Find(a.ComponentID)
		meta := ArticleMeta{ComponentID: a.ComponentID, Title: a.Title}
		if comp != nil {
			meta.Category = comp.Category
			meta.Path = comp.Path
			meta.KeyFiles = comp.KeyFiles
		}
		files := map[string][]byte{"article.md": []byte(a.Markdown)}
		if err := store.Put(a.ComponentID, meta, files); err != nil {
			return fmt.Errorf("write article %s: %w", a.ComponentID, err)
		}
	}

	graphJSON, err := json.MarshalIndent(o.Graph, "", "  ")
	if err != nil {
		return err
	}
	rootMeta := map[string]any{
		"project":     o.Project,
		"generatedAt": o.GeneratedAt,
		"articles":    len(o.Articles),
	}
	return store.Put("_site", rootMeta, map[string][]byte{
		"graph.json": graphJSON,
		"index.md":   []byte(o.Index),
	})
}
