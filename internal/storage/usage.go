package storage

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/scribehq/scribed/internal/events"
)

// UsageTracker subscribes to llm.call events and records per-invocation
// token usage in a sqlite database, so accounting survives restarts.
type UsageTracker struct {
	db  *sql.DB
	sub *events.Subscription
	log *slog.Logger
}

const usageSchema = `
CREATE TABLE IF NOT EXISTS llm_usage (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	process_id    TEXT NOT NULL DEFAULT '',
	phase         TEXT NOT NULL DEFAULT '',
	model         TEXT NOT NULL DEFAULT '',
	tokens_input  INTEGER NOT NULL DEFAULT 0,
	tokens_output INTEGER NOT NULL DEFAULT 0,
	duration_ms   INTEGER NOT NULL DEFAULT 0,
	error         TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS llm_usage_process ON llm_usage(process_id);
CREATE INDEX IF NOT EXISTS llm_usage_model ON llm_usage(model);
`

// OpenUsageTracker opens or creates the usage database at path and
// starts recording llm.call events from bus.
func OpenUsageTracker(path string, bus *events.Bus, log *slog.Logger) (*UsageTracker, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open usage db: %w", err)
	}
	if _, err := db.Exec(usageSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init usage schema: %w", err)
	}

	t := &UsageTracker{db: db, log: log.With("component", "usage-tracker")}
	if bus != nil {
		t.sub = bus.Subscribe(t.handleEvent, events.EventLLMCall)
	}
	return t, nil
}

func (t *UsageTracker) handleEvent(e events.Event) {
	payload, ok := events.ExtractPayload[events.LLMCallPayload](e)
	if !ok {
		return
	}
	if err := t.Record(e.ProcessID, payload); err != nil {
		t.log.Warn("usage insert failed", "process", e.ProcessID, "error", err)
	}
}

// Record inserts one invocation row.
func (t *UsageTracker) Record(processID string, p events.LLMCallPayload) error {
	_, err := t.db.Exec(
		`INSERT INTO llm_usage
		 (process_id, phase, model, tokens_input, tokens_output, duration_ms, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		processID, p.Phase, p.Model, p.TokensInput, p.TokensOutput, p.DurationMS, p.Error,
		time.Now().UTC(),
	)
	return err
}

// Summary aggregates all recorded invocations.
type Summary struct {
	Calls        int   `json:"calls"`
	Failed       int   `json:"failed"`
	TokensInput  int   `json:"tokensInput"`
	TokensOutput int   `json:"tokensOutput"`
	DurationMS   int64 `json:"durationMs"`
}

// ModelUsage aggregates invocations for one model.
type ModelUsage struct {
	Model        string `json:"model"`
	Calls        int    `json:"calls"`
	TokensInput  int    `json:"tokensInput"`
	TokensOutput int    `json:"tokensOutput"`
}

// Totals returns the all-time summary.
func (t *UsageTracker) Totals() (Summary, error) {
	return t.summarize(`SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN error != '' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(tokens_input), 0),
		COALESCE(SUM(tokens_output), 0),
		COALESCE(SUM(duration_ms), 0)
		FROM llm_usage`)
}

// ByProcess returns the summary for one process.
func (t *UsageTracker) ByProcess(processID string) (Summary, error) {
	return t.summarize(`SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN error != '' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(tokens_input), 0),
		COALESCE(SUM(tokens_output), 0),
		COALESCE(SUM(duration_ms), 0)
		FROM llm_usage WHERE process_id = ?`, processID)
}

func (t *UsageTracker) summarize(query string, args ...any) (Summary, error) {
	var s Summary
	err := t.db.QueryRow(query, args...).Scan(
		&s.Calls, &s.Failed, &s.TokensInput, &s.TokensOutput, &s.DurationMS)
	return s, err
}

// ByModel returns per-model aggregates, largest token consumers first.
func (t *UsageTracker) ByModel() ([]ModelUsage, error) {
	rows, err := t.db.Query(`SELECT model, COUNT(*),
		COALESCE(SUM(tokens_input), 0), COALESCE(SUM(tokens_output), 0)
		FROM llm_usage GROUP BY model
		ORDER BY SUM(tokens_input) + SUM(tokens_output) DESC, model`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ModelUsage
	for rows.Next() {
		var m ModelUsage
		if err := rows.Scan(&m.Model, &m.Calls, &m.TokensInput, &m.TokensOutput); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Close detaches from the bus and closes the database.
func (t *UsageTracker) Close() error {
	if t.sub != nil {
		t.sub.Unsubscribe()
	}
	return t.db.Close()
}
