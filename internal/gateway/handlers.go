package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/scribehq/scribed/internal/process"
	"github.com/scribehq/scribed/internal/queue"
	"github.com/scribehq/scribed/internal/storage"
)

// --- workspaces ---

func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	list := s.workspaces.List()
	if list == nil {
		list = []*process.Workspace{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"workspaces": list})
}

func (s *Server) handleRegisterWorkspace(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		RootPath string `json:"rootPath"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.RootPath == "" {
		writeError(w, http.StatusBadRequest, "rootPath is required")
		return
	}

	ws, err := s.workspaces.Register(req.ID, req.Name, req.RootPath)
	if errors.Is(err, process.ErrWorkspaceExists) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, ws)
}

// --- processes ---

// parseProcessFilter reads the list query parameters. Unparseable values
// are dropped rather than rejected; an empty string counts as absent.
func parseProcessFilter(r *http.Request) process.Filter {
	q := r.URL.Query()
	f := process.Filter{
		WorkspaceID: q.Get("workspace"),
		Type:        q.Get("type"),
	}

	for _, raw := range strings.Split(q.Get("status"), ",") {
		st := process.Status(strings.TrimSpace(raw))
		if st.Valid() {
			f.Statuses = append(f.Statuses, st)
		}
	}

	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Since = t
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Offset = n
		}
	}
	return f
}

func (s *Server) handleListProcesses(w http.ResponseWriter, r *http.Request) {
	f := parseProcessFilter(r)
	list := s.store.List(f)
	if list == nil {
		list = []*process.Process{}
	}

	limit := f.Limit
	if limit <= 0 {
		limit = process.DefaultListLimit
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"processes": list,
		"total":     s.store.Count(f),
		"limit":     limit,
		"offset":    f.Offset,
	})
}

func (s *Server) handleCreateProcess(w http.ResponseWriter, r *http.Request) {
	var p process.Process
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	switch {
	case p.ID == "":
		writeError(w, http.StatusBadRequest, "id is required")
		return
	case p.Type == "":
		writeError(w, http.StatusBadRequest, "type is required")
		return
	case p.Status == "":
		writeError(w, http.StatusBadRequest, "status is required")
		return
	case p.StartTime.IsZero():
		writeError(w, http.StatusBadRequest, "startTime is required")
		return
	case !p.Status.Valid():
		writeError(w, http.StatusBadRequest, "invalid status "+strconv.Quote(string(p.Status)))
		return
	}

	if err := s.store.Add(&p); err != nil {
		if errors.Is(err, process.ErrExists) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, &p)
}

func (s *Server) handleGetProcess(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Process not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"process": p})
}

// processPatch is the PATCH body. Pointer fields distinguish "absent"
// from "set to zero".
type processPatch struct {
	Status           *process.Status `json:"status"`
	Title            *string         `json:"title"`
	Result           *string         `json:"result"`
	StructuredResult json.RawMessage `json:"structuredResult"`
	Error            *string         `json:"error"`
	EndTime          *time.Time      `json:"endTime"`
	PromptPreview    *string         `json:"promptPreview"`
	FullPrompt       *string         `json:"fullPrompt"`
	Metadata         map[string]any  `json:"metadata"`
}

func (s *Server) handlePatchProcess(w http.ResponseWriter, r *http.Request) {
	var patch processPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if patch.Status != nil && !patch.Status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid status "+strconv.Quote(string(*patch.Status)))
		return
	}

	p, err := s.store.Update(chi.URLParam(r, "id"), func(p *process.Process) error {
		if patch.Status != nil {
			p.Status = *patch.Status
		}
		if patch.Title != nil {
			p.Title = *patch.Title
		}
		if patch.Result != nil {
			p.Result = *patch.Result
		}
		if patch.StructuredResult != nil {
			p.StructuredResult = patch.StructuredResult
		}
		if patch.Error != nil {
			p.Error = *patch.Error
		}
		if patch.EndTime != nil {
			p.EndTime = patch.EndTime
		}
		if patch.PromptPreview != nil {
			p.PromptPreview = *patch.PromptPreview
		}
		if patch.FullPrompt != nil {
			p.FullPrompt = *patch.FullPrompt
		}
		if patch.Metadata != nil {
			p.Metadata = patch.Metadata
		}
		return nil
	})
	switch {
	case errors.Is(err, process.ErrNotFound):
		writeError(w, http.StatusNotFound, "Process not found")
	case errors.Is(err, process.ErrTerminal):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]any{"process": p})
	}
}

func (s *Server) handleDeleteProcess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	p, err := s.store.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "Process not found")
		return
	}
	// A running process loses its task before the record goes away.
	if !p.Status.Terminal() && s.queue != nil {
		s.queue.CancelByProcess(id)
	}

	if err := s.store.Remove(id); err != nil {
		if errors.Is(err, process.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Process not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBulkDeleteProcesses(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("status")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "status query parameter is required")
		return
	}
	var statuses []process.Status
	for _, part := range strings.Split(raw, ",") {
		st := process.Status(strings.TrimSpace(part))
		if st.Valid() {
			statuses = append(statuses, st)
		}
	}
	if len(statuses) == 0 {
		writeError(w, http.StatusBadRequest, "no valid statuses in "+strconv.Quote(raw))
		return
	}

	removed, err := s.store.DeleteByStatus(statuses)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleCancelProcess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	p, err := s.store.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "Process not found")
		return
	}
	if p.Status.Terminal() {
		writeError(w, http.StatusConflict,
			"process "+id+" is already in terminal state "+string(p.Status))
		return
	}

	if s.queue != nil {
		s.queue.CancelByProcess(id)
	}
	updated, err := s.store.SetStatus(id, process.StatusCancelled, "")
	if errors.Is(err, process.ErrTerminal) {
		// The task settled it first; report the state it landed in.
		updated, err = s.store.Get(id)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"process": updated})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.store.Stats()

	type workspaceCount struct {
		WorkspaceID string `json:"workspaceId"`
		Count       int    `json:"count"`
	}
	byWorkspace := make([]workspaceCount, 0, len(stats.Workspace))
	for id, n := range stats.Workspace {
		byWorkspace = append(byWorkspace, workspaceCount{WorkspaceID: id, Count: n})
	}
	sort.Slice(byWorkspace, func(i, j int) bool {
		return byWorkspace[i].WorkspaceID < byWorkspace[j].WorkspaceID
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"totalProcesses": stats.Total,
		"byStatus":       stats.ByStatus,
		"byType":         stats.ByType,
		"byWorkspace":    byWorkspace,
	})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		writeError(w, http.StatusNotFound, "usage tracking disabled")
		return
	}
	totals, err := s.usage.Totals()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	byModel, err := s.usage.ByModel()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if byModel == nil {
		byModel = []storage.ModelUsage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"totals":  totals,
		"byModel": byModel,
	})
}

// --- queue ---

func (s *Server) handleQueueSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.queue.Snapshot()
	if snap.Queued == nil {
		snap.Queued = []*queue.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queued":  snap.Queued,
		"running": snap.Running,
		"stats":   snap.Stats,
	})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	if req.Priority != "" && !req.Priority.Valid() {
		writeError(w, http.StatusBadRequest, "invalid priority "+strconv.Quote(string(req.Priority)))
		return
	}
	if s.builder == nil {
		writeError(w, http.StatusInternalServerError, "no task builder configured")
		return
	}

	task, err := s.builder.Build(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	task.Priority = req.Priority

	if _, err := s.queue.Enqueue(task); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleClearQueued(w http.ResponseWriter, r *http.Request) {
	cleared := s.queue.ClearQueued()
	writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

func (s *Server) handleQueueHistory(w http.ResponseWriter, r *http.Request) {
	history := s.queue.Snapshot().History
	if history == nil {
		history = []queue.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	s.queue.ClearHistory()
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.queue.Pause()
	writeJSON(w, http.StatusOK, map[string]bool{"isPaused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.queue.Resume()
	writeJSON(w, http.StatusOK, map[string]bool{"isPaused": false})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	switch err := s.queue.Cancel(id); {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"cancelled": id})
	case errors.Is(err, queue.ErrTaskTerminal):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, queue.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) reorderHandler(move func(string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		switch err := move(id); {
		case err == nil:
			writeJSON(w, http.StatusOK, map[string]string{"moved": id})
		case errors.Is(err, queue.ErrTaskNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
	}
}
