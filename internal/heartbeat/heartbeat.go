// Package heartbeat provides liveness detection for the scribed daemon.
// The daemon refreshes a small JSON file on an interval; the CLI reads
// it to tell a live daemon from a stale or missing one, and to find the
// API address without any configuration.
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Status is the liveness state derived from the heartbeat file.
type Status string

const (
	StatusAlive Status = "alive"
	StatusStale Status = "stale"
	StatusDead  Status = "dead"
)

// Heartbeat is the data written to the heartbeat file.
type Heartbeat struct {
	PID        int       `json:"pid"`
	ListenAddr string    `json:"listenAddr"`
	StartedAt  time.Time `json:"startedAt"`
	Timestamp  time.Time `json:"timestamp"`
	Uptime     string    `json:"uptime"`
}

const writeInterval = 30 * time.Second

// Writer periodically refreshes the heartbeat file.
type Writer struct {
	path       string
	listenAddr string
	started    time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWriter creates a writer for path. listenAddr is the bound API
// address, recorded so readers can reach the daemon.
func NewWriter(path, listenAddr string) *Writer {
	return &Writer{path: path, listenAddr: listenAddr}
}

// Start writes once immediately and then refreshes on an interval.
// Calling Start on a running writer is a no-op.
func (w *Writer) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		return
	}

	w.started = time.Now()
	w.done = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	w.write()

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(writeInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				w.write()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts refreshing and removes the file, so a clean shutdown reads
// as dead rather than stale.
func (w *Writer) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel == nil {
		return
	}

	w.cancel()
	<-w.done
	w.cancel = nil

	os.Remove(w.path)
}

func (w *Writer) write() {
	hb := Heartbeat{
		PID:        os.Getpid(),
		ListenAddr: w.listenAddr,
		StartedAt:  w.started,
		Timestamp:  time.Now(),
		Uptime:     time.Since(w.started).Truncate(time.Second).String(),
	}

	data, err := json.MarshalIndent(hb, "", "  ")
	if err != nil {
		return
	}

	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	os.Rename(tmp, w.path)
}

// Check reads the heartbeat file and classifies it. A heartbeat older
// than maxAge is stale: the process likely died without cleanup.
func Check(path string, maxAge time.Duration) (Status, *Heartbeat, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return StatusDead, nil, nil
		}
		return StatusDead, nil, fmt.Errorf("read heartbeat: %w", err)
	}

	var hb Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return StatusDead, nil, fmt.Errorf("unmarshal heartbeat: %w", err)
	}

	if time.Since(hb.Timestamp) > maxAge {
		return StatusStale, &hb, nil
	}
	return StatusAlive, &hb, nil
}
