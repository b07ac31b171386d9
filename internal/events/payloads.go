package events

import (
	"encoding/json"
	"time"
)

// EventPayload is the interface all typed payloads implement.
type EventPayload interface {
	EventType() EventType
}

// ProcessPayload carries a full process snapshot for add/update events.
type ProcessPayload struct {
	Kind    EventType `json:"-"`
	Process any       `json:"process"`
}

func (p ProcessPayload) EventType() EventType { return p.Kind }

// ProcessRemovedPayload identifies a deleted process.
type ProcessRemovedPayload struct {
	ProcessID string `json:"process_id"`
}

func (ProcessRemovedPayload) EventType() EventType { return EventProcessRemoved }

// ProcessesClearedPayload reports a bulk delete.
type ProcessesClearedPayload struct {
	Statuses []string `json:"statuses"`
	Removed  int      `json:"removed"`
}

func (ProcessesClearedPayload) EventType() EventType { return EventProcessesCleared }

// WorkspaceRegisteredPayload announces a new workspace.
type WorkspaceRegisteredPayload struct {
	WorkspaceID string `json:"workspace_id"`
	Name        string `json:"name"`
	RootPath    string `json:"root_path"`
}

func (WorkspaceRegisteredPayload) EventType() EventType { return EventWorkspaceRegistered }

// QueueUpdatedPayload carries a full queue snapshot.
type QueueUpdatedPayload struct {
	Queued  []map[string]any `json:"queued"`
	Running map[string]any   `json:"running,omitempty"`
	Stats   map[string]any   `json:"stats"`
}

func (QueueUpdatedPayload) EventType() EventType { return EventQueueUpdated }

// TaskTerminalPayload reports a task reaching a terminal state.
type TaskTerminalPayload struct {
	Kind   EventType `json:"-"`
	TaskID string    `json:"task_id"`
	Status string    `json:"status"`
	Error  string    `json:"error,omitempty"`
}

func (p TaskTerminalPayload) EventType() EventType { return p.Kind }

// LLMCallPayload reports one AI invocation, for usage accounting.
type LLMCallPayload struct {
	Phase        string `json:"phase"`
	Model        string `json:"model"`
	TokensInput  int    `json:"tokens_input,omitempty"`
	TokensOutput int    `json:"tokens_output,omitempty"`
	DurationMS   int64  `json:"duration_ms,omitempty"`
	Error        string `json:"error,omitempty"`
}

func (LLMCallPayload) EventType() EventType { return EventLLMCall }

// StreamChunkPayload carries one partial-response chunk.
type StreamChunkPayload struct {
	Text  string `json:"text"`
	Index int    `json:"index"`
}

func (StreamChunkPayload) EventType() EventType { return EventStreamChunk }

// PhasePayload reports pipeline phase progress.
type PhasePayload struct {
	Kind        EventType `json:"-"`
	WorkspaceID string    `json:"workspace_id"`
	Phase       string    `json:"phase"`
	Cached      bool      `json:"cached,omitempty"`
	FailedUnits int       `json:"failed_units,omitempty"`
	Error       string    `json:"error,omitempty"`
}

func (p PhasePayload) EventType() EventType { return p.Kind }

// RebuildAffectedPayload lists components needing re-analysis after edits.
type RebuildAffectedPayload struct {
	WorkspaceID  string   `json:"workspace_id"`
	ComponentIDs []string `json:"component_ids"`
	ChangedPaths []string `json:"changed_paths"`
}

func (RebuildAffectedPayload) EventType() EventType { return EventRebuildAffected }

// ScheduleFiredPayload reports one cron-triggered regeneration.
type ScheduleFiredPayload struct {
	ScheduleID  string `json:"schedule_id"`
	WorkspaceID string `json:"workspace_id"`
	RunCount    int    `json:"run_count"`
}

func (ScheduleFiredPayload) EventType() EventType { return EventScheduleFired }

// NewTypedEvent builds an Event from a typed payload.
func NewTypedEvent(source EventSource, payload EventPayload) Event {
	return Event{
		ID:        generateEventID(),
		Type:      payload.EventType(),
		Timestamp: time.Now(),
		Source:    source,
		Payload:   toMap(payload),
	}
}

// NewTypedEventForProcess builds an Event correlated to a process.
func NewTypedEventForProcess(source EventSource, payload EventPayload, processID string) Event {
	e := NewTypedEvent(source, payload)
	e.ProcessID = processID
	return e
}

func toMap(v any) map[string]any {
	var result map[string]any
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// ExtractPayload decodes an event's payload back into a typed struct.
func ExtractPayload[T EventPayload](e Event) (T, bool) {
	var result T
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return result, false
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, false
	}
	return result, true
}
