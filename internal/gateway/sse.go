package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/scribehq/scribed/internal/events"
	"github.com/scribehq/scribed/internal/llm"
	"github.com/scribehq/scribed/internal/process"
)

const heartbeatInterval = 15 * time.Second

// sseStream frames JSON events for a text/event-stream response. The
// mutex serializes writers: heartbeats tick on their own goroutine
// while chunks arrive from the invoker.
type sseStream struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEStream(w http.ResponseWriter) (*sseStream, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return nil, false
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseStream{w: w, flusher: flusher}, true
}

func (s *sseStream) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(append(append([]byte("data: "), data...), '\n', '\n')); err != nil {
		return
	}
	s.flusher.Flush()
}

func (s *sseStream) status(msg string) { s.send(map[string]string{"type": "status", "message": msg}) }
func (s *sseStream) chunk(text string) { s.send(map[string]string{"type": "chunk", "text": text}) }
func (s *sseStream) done(full string) {
	s.send(map[string]string{"type": "done", "fullResponse": full})
}
func (s *sseStream) fail(msg string) { s.send(map[string]string{"type": "error", "message": msg}) }
func (s *sseStream) heartbeat()      { s.send(map[string]string{"type": "heartbeat"}) }

// handleTaskStream follows one queued or running task until it settles,
// relaying its streaming chunks. A task already in history settles the
// stream immediately.
func (s *Server) handleTaskStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Subscribe before the snapshot so a terminal event between the two
	// is not lost.
	ch, sub := s.bus.SubscribeChan(
		events.EventStreamChunk,
		events.EventTaskCompleted,
		events.EventTaskFailed,
		events.EventTaskCancelled,
	)
	defer sub.Unsubscribe()

	snap := s.queue.Snapshot()
	var processID string
	found := false
	if snap.Running != nil && snap.Running.ID == id {
		processID, found = snap.Running.ProcessID, true
	}
	for _, t := range snap.Queued {
		if t.ID == id {
			processID, found = t.ProcessID, true
		}
	}
	for _, h := range snap.History {
		if h.TaskID != id {
			continue
		}
		stream, ok := newSSEStream(w)
		if !ok {
			return
		}
		s.settleFromHistory(stream, h.Status, h.Error, h.ProcessID)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	stream, ok := newSSEStream(w)
	if !ok {
		return
	}
	stream.status("following task " + id)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			stream.heartbeat()
		case e, open := <-ch:
			if !open {
				stream.fail("event stream closed")
				return
			}
			switch e.Type {
			case events.EventStreamChunk:
				if processID == "" || e.ProcessID != processID {
					continue
				}
				if p, ok := events.ExtractPayload[events.StreamChunkPayload](e); ok {
					stream.chunk(p.Text)
				}
			case events.EventTaskCompleted, events.EventTaskFailed, events.EventTaskCancelled:
				p, ok := events.ExtractPayload[events.TaskTerminalPayload](e)
				if !ok || p.TaskID != id {
					continue
				}
				s.settleFromHistory(stream, p.Status, p.Error, e.ProcessID)
				return
			}
		}
	}
}

func (s *Server) settleFromHistory(stream *sseStream, status, errMsg, processID string) {
	if status == "completed" {
		full := ""
		if processID != "" {
			if p, err := s.store.Get(processID); err == nil {
				full = p.Result
			}
		}
		stream.done(full)
		return
	}
	if errMsg == "" {
		errMsg = "task " + status
	}
	stream.fail(errMsg)
}

// handleExplore answers a one-shot prompt over SSE, streaming chunks as
// the model produces them. The exchange is recorded as a process.
func (s *Server) handleExplore(w http.ResponseWriter, r *http.Request) {
	prompt := r.URL.Query().Get("prompt")
	if prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt query parameter is required")
		return
	}
	if s.invoker == nil {
		writeError(w, http.StatusInternalServerError, "no invoker configured")
		return
	}
	workspaceID := r.URL.Query().Get("workspace")

	p := process.NewProcess("exploration", workspaceID, "Explore: "+preview(prompt, 60))
	p.Status = process.StatusRunning
	p.PromptPreview = preview(prompt, 200)
	p.FullPrompt = prompt
	if err := s.store.Add(p); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	stream, ok := newSSEStream(w)
	if !ok {
		_, _ = s.store.SetStatus(p.ID, process.StatusFailed, "streaming unsupported")
		return
	}
	stream.status("exploring")

	hb := time.NewTicker(heartbeatInterval)
	defer hb.Stop()
	hbDone := make(chan struct{})
	defer close(hbDone)
	go func() {
		for {
			select {
			case <-hbDone:
				return
			case <-hb.C:
				stream.heartbeat()
			}
		}
	}()

	result := s.invoker.Invoke(r.Context(), prompt, llm.InvokeOptions{
		Phase:     "explore",
		ProcessID: p.ID,
		OnChunk:   stream.chunk,
	})

	if result.Success {
		_, _ = s.store.Update(p.ID, func(p *process.Process) error {
			p.Status = process.StatusCompleted
			p.Result = result.Response
			return nil
		})
		stream.done(result.Response)
		return
	}

	msg := string(result.Kind)
	if result.Kind == llm.ErrKindTransport && result.Err != nil {
		msg = result.Err.Error()
	}
	status := process.StatusFailed
	if result.Kind == llm.ErrKindCancelled {
		status = process.StatusCancelled
	}
	_, _ = s.store.SetStatus(p.ID, status, msg)
	stream.fail(msg)
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Back up to a rune boundary so the cut never splits a multi-byte
	// character.
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
