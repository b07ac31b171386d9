package scheduler

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/scribehq/scribed/internal/config"
	"github.com/scribehq/scribed/internal/events"
)

// cooldown keeps an entry from firing twice inside one activation minute.
const cooldown = 60 * time.Second

// tickInterval is how often entries are checked against the clock.
const tickInterval = 30 * time.Second

// Submitter enqueues a scheduled regeneration for a workspace.
type Submitter interface {
	SubmitScheduled(workspaceID string) error
}

type entry struct {
	id          string
	workspaceID string
	cron        *CronExpr
	maxRuns     int
	runCount    int
	lastRun     time.Time
}

// entryState is the persisted slice of an entry: how often and when it
// last fired. Keyed by entry id in runs.json.
type entryState struct {
	RunCount  int       `json:"runCount"`
	LastRunAt time.Time `json:"lastRunAt"`
}

// Scheduler checks configured cron schedules twice a minute and submits a
// regeneration when one activates. Run counts survive restarts.
type Scheduler struct {
	submitter Submitter
	bus       *events.Bus
	statePath string
	log       *slog.Logger

	mu      sync.Mutex
	entries []*entry

	done     chan struct{}
	stopOnce sync.Once
}

// New builds a scheduler from the configured schedules. Entries with an
// invalid cron expression are skipped with a warning; disabled entries are
// ignored entirely.
func New(schedules []config.ScheduleConfig, submitter Submitter, bus *events.Bus, statePath string, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	s := &Scheduler{
		submitter: submitter,
		bus:       bus,
		statePath: statePath,
		log:       log.With("component", "scheduler"),
		done:      make(chan struct{}),
	}

	states := s.loadState()
	for _, sc := range schedules {
		if sc.Disabled || sc.WorkspaceID == "" {
			continue
		}
		expr, err := ParseCron(sc.Cron)
		if err != nil {
			s.log.Warn("skipping schedule", "workspace", sc.WorkspaceID, "error", err)
			continue
		}
		e := &entry{
			id:          sc.WorkspaceID + "|" + sc.Cron,
			workspaceID: sc.WorkspaceID,
			cron:        expr,
			maxRuns:     sc.MaxRuns,
		}
		if st, ok := states[e.id]; ok {
			e.runCount = st.RunCount
			e.lastRun = st.LastRunAt
		}
		s.entries = append(s.entries, e)
	}
	return s
}

// Start launches the tick loop. Stop via Stop.
func (s *Scheduler) Start() {
	s.log.Info("scheduler started", "entries", len(s.entries))
	go func() {
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Tick(time.Now())
			case <-s.done:
				return
			}
		}
	}()
}

// Stop halts the tick loop. Idempotent.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// Tick fires every entry whose schedule activates at now. Exposed so the
// clock can be driven directly.
func (s *Scheduler) Tick(now time.Time) {
	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if e.maxRuns > 0 && e.runCount >= e.maxRuns {
			continue
		}
		if !e.cron.Matches(now) || now.Sub(e.lastRun) < cooldown {
			continue
		}
		e.runCount++
		e.lastRun = now
		due = append(due, e)
	}
	if len(due) > 0 {
		s.saveStateLocked()
	}
	s.mu.Unlock()

	for _, e := range due {
		s.fire(e)
	}
}

func (s *Scheduler) fire(e *entry) {
	if err := s.submitter.SubmitScheduled(e.workspaceID); err != nil {
		s.log.Warn("scheduled submit failed", "workspace", e.workspaceID, "error", err)
		return
	}
	s.log.Info("schedule fired", "workspace", e.workspaceID, "run", e.runCount)
	if s.bus != nil {
		s.bus.Publish(events.NewTypedEvent(events.SourceScheduler, events.ScheduleFiredPayload{
			ScheduleID:  e.id,
			WorkspaceID: e.workspaceID,
			RunCount:    e.runCount,
		}))
	}
}

// Entries reports the workspace ids under management, for status output.
func (s *Scheduler) Entries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.workspaceID
	}
	return out
}

func (s *Scheduler) loadState() map[string]entryState {
	states := make(map[string]entryState)
	if s.statePath == "" {
		return states
	}
	data, err := os.ReadFile(s.statePath)
	if err != nil {
		return states
	}
	if err := json.Unmarshal(data, &states); err != nil {
		s.log.Warn("discarding corrupt schedule state", "error", err)
		return make(map[string]entryState)
	}
	return states
}

func (s *Scheduler) saveStateLocked() {
	if s.statePath == "" {
		return
	}
	states := make(map[string]entryState, len(s.entries))
	for _, e := range s.entries {
		states[e.id] = entryState{RunCount: e.runCount, LastRunAt: e.lastRun}
	}
	data, err := json.MarshalIndent(states, "", "  ")
	if err != nil {
		return
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.statePath), "runs.tmp-*")
	if err != nil {
		s.log.Warn("schedule state write failed", "error", err)
		return
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err == nil && tmp.Close() == nil {
		if err := os.Rename(tmp.Name(), s.statePath); err != nil {
			s.log.Warn("schedule state rename failed", "error", err)
		}
	} else {
		tmp.Close()
	}
}
