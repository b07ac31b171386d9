package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/scribehq/scribed/internal/config"
	"github.com/scribehq/scribed/internal/heartbeat"
)

// NewStatusCommand returns the status subcommand.
func NewStatusCommand() *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "Show scribed daemon status",
		Action: runStatus,
	}
}

func runStatus(ctx context.Context, _ *cli.Command) error {
	hbPath := filepath.Join(config.ScribedPath(), "heartbeat.json")
	status, hb, err := heartbeat.Check(hbPath, 2*time.Minute)
	if err != nil {
		return fmt.Errorf("check heartbeat: %w", err)
	}

	switch status {
	case heartbeat.StatusAlive:
		fmt.Printf("Daemon: ALIVE (PID %d, uptime %s, %s)\n", hb.PID, hb.Uptime, hb.ListenAddr)
	case heartbeat.StatusStale:
		fmt.Printf("Daemon: STALE (PID %d, last heartbeat %s ago)\n",
			hb.PID, time.Since(hb.Timestamp).Truncate(time.Second))
		return nil
	case heartbeat.StatusDead:
		fmt.Println("Daemon: NOT RUNNING")
		return nil
	}

	printStats(ctx, hb.ListenAddr)
	return nil
}

// printStats fetches live counters from the daemon. A failure here is
// reported, not fatal: the heartbeat already answered the main question.
func printStats(ctx context.Context, addr string) {
	var stats struct {
		TotalProcesses int            `json:"totalProcesses"`
		ByStatus       map[string]int `json:"byStatus"`
	}
	if err := fetchJSON(ctx, addr, "/api/stats", &stats); err != nil {
		fmt.Printf("Stats unavailable: %v\n", err)
		return
	}
	fmt.Printf("Processes: %d total", stats.TotalProcesses)
	for _, s := range []string{"running", "queued", "completed", "failed", "cancelled"} {
		if n := stats.ByStatus[s]; n > 0 {
			fmt.Printf(", %d %s", n, s)
		}
	}
	fmt.Println()

	var q struct {
		Queued []json.RawMessage `json:"queued"`
		Stats  struct {
			IsPaused bool `json:"isPaused"`
			Running  int  `json:"running"`
		} `json:"stats"`
	}
	if err := fetchJSON(ctx, addr, "/api/queue", &q); err != nil {
		fmt.Printf("Queue unavailable: %v\n", err)
		return
	}
	state := "idle"
	switch {
	case q.Stats.IsPaused:
		state = "paused"
	case q.Stats.Running > 0:
		state = "running"
	}
	fmt.Printf("Queue: %d waiting, %s\n", len(q.Queued), state)
}

func fetchJSON(ctx context.Context, addr, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+path, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
