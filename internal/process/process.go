// Package process tracks long-running server operations: their lifecycle,
// persistence, and the workspace registry they run against.
package process

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a process.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// statusRank orders statuses for the default listing: active work first,
// then failures, then the rest.
func statusRank(s Status) int {
	switch s {
	case StatusRunning:
		return 0
	case StatusQueued:
		return 1
	case StatusFailed:
		return 2
	case StatusCompleted:
		return 3
	case StatusCancelled:
		return 4
	}
	return 5
}

// Process types.
const (
	TypeGenerate  = "generate"
	TypeRebuild   = "rebuild"
	TypeComponent = "component"
	TypeScheduled = "scheduled"
)

// Process is one tracked operation. EndTime is set exactly when the
// process first reaches a terminal status.
type Process struct {
	ID               string          `json:"id"`
	Type             string          `json:"type"`
	WorkspaceID      string          `json:"workspaceId,omitempty"`
	Title            string          `json:"title,omitempty"`
	Status           Status          `json:"status"`
	StartTime        time.Time       `json:"startTime"`
	EndTime          *time.Time      `json:"endTime,omitempty"`
	PromptPreview    string          `json:"promptPreview,omitempty"`
	FullPrompt       string          `json:"fullPrompt,omitempty"`
	Result           string          `json:"result,omitempty"`
	StructuredResult json.RawMessage `json:"structuredResult,omitempty"`
	Error            string          `json:"error,omitempty"`
	ParentProcessID  string          `json:"parentProcessId,omitempty"`
	Metadata         map[string]any  `json:"metadata,omitempty"`
}

// NewProcess creates a queued process with a fresh id.
func NewProcess(typ, workspaceID, title string) *Process {
	return &Process{
		ID:          "proc_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12],
		Type:        typ,
		WorkspaceID: workspaceID,
		Title:       title,
		Status:      StatusQueued,
		StartTime:   time.Now().UTC(),
	}
}

// Clone returns a deep copy safe to hand outside the store.
func (p *Process) Clone() *Process {
	c := *p
	if p.EndTime != nil {
		t := *p.EndTime
		c.EndTime = &t
	}
	if p.StructuredResult != nil {
		c.StructuredResult = append(json.RawMessage(nil), p.StructuredResult...)
	}
	if p.Metadata != nil {
		c.Metadata = make(map[string]any, len(p.Metadata))
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Filter selects processes in List. Zero values match everything.
type Filter struct {
	WorkspaceID     string
	Statuses        []Status
	Type            string
	Since           time.Time
	ParentProcessID string
	Limit           int
	Offset          int
}

// DefaultListLimit applies when Filter.Limit is zero.
const DefaultListLimit = 50

func (f Filter) matches(p *Process) bool {
	if f.WorkspaceID != "" && p.WorkspaceID != f.WorkspaceID {
		return false
	}
	if f.Type != "" && p.Type != f.Type {
		return false
	}
	if f.ParentProcessID != "" && p.ParentProcessID != f.ParentProcessID {
		return false
	}
	if !f.Since.IsZero() && p.StartTime.Before(f.Since) {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if p.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Stats aggregates process counts.
type Stats struct {
	Total     int            `json:"total"`
	ByStatus  map[Status]int `json:"byStatus"`
	ByType    map[string]int `json:"byType"`
	Workspace map[string]int `json:"byWorkspace"`
}
