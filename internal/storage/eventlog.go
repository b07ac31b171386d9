package storage

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/scribehq/scribed/internal/events"
)

// EventLog persists bus events as JSONL, one file per process plus a
// _global.jsonl for uncorrelated events. Stream chunks are skipped; they
// are high-volume and their concatenation already lands on the process
// record.
type EventLog struct {
	mu  sync.Mutex
	dir string
	sub *events.Subscription
}

// NewEventLog subscribes to all bus events and appends them under dir.
func NewEventLog(dir string, bus *events.Bus) (*EventLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	l := &EventLog{dir: dir}
	if bus != nil {
		l.sub = bus.Subscribe(l.handleEvent)
	}
	return l, nil
}

// Close detaches from the bus.
func (l *EventLog) Close() {
	if l.sub != nil {
		l.sub.Unsubscribe()
	}
}

func (l *EventLog) handleEvent(e events.Event) {
	if e.Type == events.EventStreamChunk {
		return
	}
	_ = l.append(e)
}

func (l *EventLog) append(e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path(e.ProcessID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

// Read returns the logged events for one process, oldest first. A process
// with no log yields an empty slice.
func (l *EventLog) Read(processID string) ([]events.Event, error) {
	f, err := os.Open(l.path(processID))
	if os.IsNotExist(err) {
		return []events.Event{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []events.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e events.Event
		if json.Unmarshal(scanner.Bytes(), &e) == nil {
			out = append(out, e)
		}
	}
	return out, scanner.Err()
}

func (l *EventLog) path(processID string) string {
	if processID == "" {
		return filepath.Join(l.dir, "_global.jsonl")
	}
	return filepath.Join(l.dir, filepath.Base(processID)+".jsonl")
}
