package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Analysis is the per-component artifact produced by the analyze phase.
type Analysis struct {
	ComponentID  string         `json:"componentId"`
	Overview     string         `json:"overview"`
	KeyConcepts  []string       `json:"keyConcepts"`
	PublicAPI    []APIEntry     `json:"publicApi"`
	Architecture string         `json:"architecture"`
	Examples     []CodeExample  `json:"examples"`
	Dependencies []string       `json:"dependencies"`
	Diagram      string         `json:"diagram,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// APIEntry describes one exported symbol.
type APIEntry struct {
	Name        string `json:"name"`
	Kind        string `json:"kind,omitempty"`
	Signature   string `json:"signature,omitempty"`
	Description string `json:"description,omitempty"`
}

// CodeExample points into the source tree.
type CodeExample struct {
	Title       string `json:"title,omitempty"`
	Path        string `json:"path"`
	Lines       []int  `json:"lines,omitempty"`
	Description string `json:"description,omitempty"`
}

// diagramKeywords are the accepted leading tokens for a kept diagram.
var diagramKeywords = []string{
	"graph", "flowchart", "sequenceDiagram", "classDiagram",
	"stateDiagram", "erDiagram", "journey", "gantt", "pie", "mindmap",
}

// ExtractJSON pulls a JSON document out of a model response. It accepts
// raw JSON, a fenced code block, or the first brace-balanced span.
func ExtractJSON(response string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(response)

	if json.Valid([]byte(trimmed)) && (strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")) {
		return json.RawMessage(trimmed), nil
	}

	if fenced := extractFence(trimmed); fenced != "" && json.Valid([]byte(fenced)) {
		return json.RawMessage(fenced), nil
	}

	if span := balancedSpan(trimmed); span != "" && json.Valid([]byte(span)) {
		return json.RawMessage(span), nil
	}

	return nil, fmt.Errorf("no JSON document in response")
}

// extractFence returns the body of the first fenced code block.
func extractFence(s string) string {
	start := strings.Index(s, "```")
	if start < 0 {
		return ""
	}
	rest := s[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		// Drop the info string ("json", "mermaid", ...).
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}

// balancedSpan returns the first {...} span with balanced braces,
// ignoring braces inside string literals.
func balancedSpan(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1]
				}
			}
		}
	}
	return ""
}

// ParseAnalysis decodes a model response into an Analysis, substituting
// type-appropriate empties for missing fields and sanitizing paths, line
// ranges, and the diagram.
func ParseAnalysis(componentID, response string) (*Analysis, error) {
	raw, err := ExtractJSON(response)
	if err != nil {
		return nil, err
	}

	var a Analysis
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode analysis: %w", err)
	}
	a.ComponentID = componentID

	if a.KeyConcepts == nil {
		a.KeyConcepts = []string{}
	}
	if a.PublicAPI == nil {
		a.PublicAPI = []APIEntry{}
	}
	if a.Examples == nil {
		a.Examples = []CodeExample{}
	}
	if a.Dependencies == nil {
		a.Dependencies = []string{}
	}

	kept := a.Examples[:0]
	for _, ex := range a.Examples {
		ex.Path = NormalizePath(ex.Path)
		if ex.Path == "" {
			continue
		}
		if len(ex.Lines) >= 2 && !validLineRange(ex.Lines[0], ex.Lines[1]) {
			ex.Lines = nil
		}
		kept = append(kept, ex)
	}
	a.Examples = kept

	a.Diagram = sanitizeDiagram(a.Diagram)
	return &a, nil
}

// NormalizePath strips a leading ./ or /, converting backslashes to
// forward slashes first.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimPrefix(p, "./")
	p = strings.TrimPrefix(p, "/")
	return p
}

func validLineRange(start, end int) bool {
	return start >= 0 && end >= start
}

// sanitizeDiagram keeps the diagram only when it opens with a recognized
// keyword after stripping an optional code fence.
func sanitizeDiagram(d string) string {
	d = strings.TrimSpace(d)
	if d == "" {
		return ""
	}
	if strings.HasPrefix(d, "```") {
		if body := extractFence(d); body != "" {
			d = body
		} else {
			d = strings.TrimPrefix(d, "```")
			if nl := strings.IndexByte(d, '\n'); nl >= 0 {
				d = d[nl+1:]
			}
			d = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(d), "```"))
		}
	}
	first := d
	if nl := strings.IndexAny(d, " \t\n"); nl >= 0 {
		first = d[:nl]
	}
	for _, kw := range diagramKeywords {
		if first == kw {
			return d
		}
	}
	return ""
}
