package process

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/scribehq/scribed/internal/events"
)

// ErrNotFound is returned for lookups of unknown process ids.
var ErrNotFound = errors.New("process not found")

// ErrTerminal is returned when a mutation targets a process that already
// reached a terminal status.
var ErrTerminal = errors.New("process already terminal")

const logFileName = "processes.log"

// logRecord is one line of the append log. op is "put" or "delete".
type logRecord struct {
	Op      string   `json:"op"`
	Process *Process `json:"process,omitempty"`
	ID      string   `json:"id,omitempty"`
}

// Store persists processes in an append-only JSONL log under dir. The full
// state is replayed on open; Compact rewrites the log to current state.
type Store struct {
	mu        sync.RWMutex
	dir       string
	processes map[string]*Process
	file      *os.File
	writer    *bufio.Writer
	bus       *events.Bus
	log       *slog.Logger
	appended  int
}

// compactThreshold triggers automatic compaction when the log has this
// many more records than live processes.
const compactThreshold = 5000

// OpenStore replays the log under dir into memory. Non-terminal processes
// found in the log are orphans from a previous run and are marked failed.
func OpenStore(dir string, bus *events.Bus, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	s := &Store{
		dir:       dir,
		processes: make(map[string]*Process),
		bus:       bus,
		log:       log.With("component", "process-store"),
	}

	if err := s.replay(); err != nil {
		return nil, err
	}
	s.interruptOrphans()

	f, err := os.OpenFile(s.logPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open process log: %w", err)
	}
	s.file = f
	s.writer = bufio.NewWriter(f)

	// Rewrite so orphan transitions survive a second restart.
	if err := s.Compact(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) logPath() string { return filepath.Join(s.dir, logFileName) }

func (s *Store) replay() error {
	f, err := os.Open(s.logPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open process log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec logRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			// A torn last line from a crash is expected; anything else is
			// worth a warning but never fatal.
			s.log.Warn("skipping corrupt log line", "line", line, "error", err)
			continue
		}
		switch rec.Op {
		case "put":
			if rec.Process != nil && rec.Process.ID != "" {
				s.processes[rec.Process.ID] = rec.Process
			}
		case "delete":
			delete(s.processes, rec.ID)
		}
	}
	return scanner.Err()
}

// interruptOrphans fails every non-terminal process left over from a
// previous run.
func (s *Store) interruptOrphans() {
	now := time.Now().UTC()
	for _, p := range s.processes {
		if p.Status.Terminal() {
			continue
		}
		p.Status = StatusFailed
		p.Error = "interrupted"
		p.EndTime = &now
		s.log.Info("orphaned process marked failed", "process", p.ID, "type", p.Type)
	}
}

func (s *Store) appendLocked(rec logRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := s.writer.Write(append(data, '\n')); err != nil {
		return err
	}
	if err := s.writer.Flush(); err != nil {
		return err
	}
	s.appended++
	return nil
}

// ErrExists is returned when creating a process with a taken id.
var ErrExists = errors.New("process already exists")

// Add registers a new process and publishes process.added. Client-supplied
// terminal statuses get an end time stamped if missing.
func (s *Store) Add(p *Process) error {
	if p.ID == "" {
		return errors.New("process id required")
	}
	if p.Status == "" {
		p.Status = StatusQueued
	}
	if !p.Status.Valid() {
		return fmt.Errorf("invalid status %q", p.Status)
	}
	if p.StartTime.IsZero() {
		p.StartTime = time.Now().UTC()
	}
	if p.Status.Terminal() && p.EndTime == nil {
		now := time.Now().UTC()
		p.EndTime = &now
	}

	s.mu.Lock()
	if _, exists := s.processes[p.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrExists, p.ID)
	}
	stored := p.Clone()
	s.processes[p.ID] = stored
	err := s.appendLocked(logRecord{Op: "put", Process: stored})
	snapshot := stored.Clone()
	s.mu.Unlock()

	if err != nil {
		return err
	}
	s.publishProcess(events.EventProcessAdded, snapshot)
	return nil
}

// Get returns a copy of the process.
func (s *Store) Get(id string) (*Process, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.processes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

// Update applies fn to the process under the store lock and persists the
// result. Terminal processes reject status changes; EndTime is stamped on
// the first transition into a terminal status.
func (s *Store) Update(id string, fn func(*Process) error) (*Process, error) {
	s.mu.Lock()
	p, ok := s.processes[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}

	before := p.Status
	if err := fn(p); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if before.Terminal() && p.Status != before {
		p.Status = before
		s.mu.Unlock()
		return nil, ErrTerminal
	}
	if p.Status.Terminal() && p.EndTime == nil {
		now := time.Now().UTC()
		p.EndTime = &now
	}

	err := s.appendLocked(logRecord{Op: "put", Process: p})
	snapshot := p.Clone()
	needCompact := s.appended > len(s.processes)+compactThreshold
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	s.publishProcess(events.EventProcessUpdated, snapshot)
	if needCompact {
		if cerr := s.Compact(); cerr != nil {
			s.log.Warn("compaction failed", "error", cerr)
		}
	}
	return snapshot, nil
}

// SetStatus transitions the process status, recording err as the failure
// reason when the target is failed.
func (s *Store) SetStatus(id string, status Status, errMsg string) (*Process, error) {
	return s.Update(id, func(p *Process) error {
		p.Status = status
		if errMsg != "" {
			p.Error = errMsg
		}
		return nil
	})
}

// Remove deletes a process and publishes process.removed.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	if _, ok := s.processes[id]; !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.processes, id)
	err := s.appendLocked(logRecord{Op: "delete", ID: id})
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(events.NewTypedEventForProcess(events.SourceStore, events.ProcessRemovedPayload{ProcessID: id}, id))
	}
	return nil
}

// DeleteByStatus bulk-removes processes in any of the given statuses,
// publishing one process.removed per victim plus a processes.cleared
// summary. Empty statuses means all terminal statuses.
func (s *Store) DeleteByStatus(statuses []Status) (int, error) {
	match := func(st Status) bool {
		if len(statuses) == 0 {
			return st.Terminal()
		}
		for _, want := range statuses {
			if st == want {
				return true
			}
		}
		return false
	}

	s.mu.Lock()
	var removed []string
	for id, p := range s.processes {
		if match(p.Status) {
			removed = append(removed, id)
			delete(s.processes, id)
		}
	}
	var err error
	for _, id := range removed {
		if aerr := s.appendLocked(logRecord{Op: "delete", ID: id}); aerr != nil && err == nil {
			err = aerr
		}
	}
	s.mu.Unlock()

	if err != nil {
		return 0, err
	}
	if len(removed) > 0 && s.bus != nil {
		for _, id := range removed {
			s.bus.Publish(events.NewTypedEventForProcess(events.SourceStore, events.ProcessRemovedPayload{ProcessID: id}, id))
		}
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		s.bus.Publish(events.NewTypedEvent(events.SourceStore, events.ProcessesClearedPayload{
			Statuses: names,
			Removed:  len(removed),
		}))
	}
	return len(removed), nil
}

// List returns processes matching the filter, running first, then queued,
// failed, completed, cancelled, newest start time first within each group.
func (s *Store) List(f Filter) []*Process {
	s.mu.RLock()
	matched := make([]*Process, 0, len(s.processes))
	for _, p := range s.processes {
		if f.matches(p) {
			matched = append(matched, p.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		ri, rj := statusRank(matched[i].Status), statusRank(matched[j].Status)
		if ri != rj {
			return ri < rj
		}
		if !matched[i].StartTime.Equal(matched[j].StartTime) {
			return matched[i].StartTime.After(matched[j].StartTime)
		}
		return matched[i].ID < matched[j].ID
	})

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return []*Process{}
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end]
}

// Count returns how many processes match the filter, ignoring pagination.
func (s *Store) Count(f Filter) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.processes {
		if f.matches(p) {
			n++
		}
	}
	return n
}

// Stats aggregates counts over all processes.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		Total:     len(s.processes),
		ByStatus:  make(map[Status]int),
		ByType:    make(map[string]int),
		Workspace: make(map[string]int),
	}
	for _, p := range s.processes {
		stats.ByStatus[p.Status]++
		stats.ByType[p.Type]++
		if p.WorkspaceID != "" {
			stats.Workspace[p.WorkspaceID]++
		}
	}
	return stats
}

// Compact rewrites the log to exactly the live process set, atomically.
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, logFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("compact: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, p := range s.processes {
		data, err := json.Marshal(logRecord{Op: "put", Process: p})
		if err != nil {
			tmp.Close()
			return err
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if s.file != nil {
		s.writer.Flush()
		s.file.Close()
	}
	if err := os.Rename(tmp.Name(), s.logPath()); err != nil {
		return fmt.Errorf("compact rename: %w", err)
	}

	f, err := os.OpenFile(s.logPath(), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopen process log: %w", err)
	}
	s.file = f
	s.writer = bufio.NewWriter(f)
	s.appended = len(s.processes)
	return nil
}

// Close flushes and closes the log file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	s.writer.Flush()
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *Store) publishProcess(kind events.EventType, p *Process) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.NewTypedEventForProcess(events.SourceStore, events.ProcessPayload{
		Kind:    kind,
		Process: p,
	}, p.ID))
}
