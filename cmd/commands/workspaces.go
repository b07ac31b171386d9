package commands

import (
	"bytes"
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

// NewWorkspacesCommand returns the workspace management subcommands.
// They talk to a running daemon over its API.
func NewWorkspacesCommand() *cli.Command {
	return &cli.Command{
		Name:  "workspaces",
		Usage: "Manage registered workspaces",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List registered workspaces",
				Action: runWorkspacesList,
			},
			{
				Name:      "add",
				Usage:     "Register a workspace",
				ArgsUsage: "<id> <root-path>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "name",
						Usage: "Display name (default the id)",
					},
				},
				Action: runWorkspacesAdd,
			},
		},
	}
}

func runWorkspacesList(ctx context.Context, _ *cli.Command) error {
	addr, err := daemonAddr()
	if err != nil {
		return err
	}

	var out struct {
		Workspaces []struct {
			ID          string    `json:"id"`
			Name        string    `json:"name"`
			RootPath    string    `json:"rootPath"`
			LastBuildAt time.Time `json:"lastBuildAt"`
		} `json:"workspaces"`
	}
	if err := fetchJSON(ctx, addr, "/api/workspaces", &out); err != nil {
		return err
	}

	if len(out.Workspaces) == 0 {
		fmt.Println("No workspaces registered.")
		return nil
	}
	for _, ws := range out.Workspaces {
		built := "never built"
		if !ws.LastBuildAt.IsZero() {
			built = "built " + ws.LastBuildAt.Local().Format(time.DateTime)
		}
		fmt.Printf("%s\t%s\t%s\t(%s)\n", ws.ID, ws.Name, ws.RootPath, built)
	}
	return nil
}

func runWorkspacesAdd(ctx context.Context, cmd *cli.Command) error {
	args := cmd.Args()
	if args.Len() != 2 {
		return fmt.Errorf("usage: scribed workspaces add <id> <root-path>")
	}
	id, root := args.Get(0), args.Get(1)
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	name := cmd.String("name")
	if name == "" {
		name = id
	}

	addr, err := daemonAddr()
	if err != nil {
		return err
	}

	body, _ := json.Marshal(map[string]string{
		"id":       id,
		"name":     name,
		"rootPath": rootAbs,
	})
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		"http://"+addr+"/api/workspaces", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		var apiErr struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return fmt.Errorf("register workspace: %s", apiErr.Error)
		}
		return fmt.Errorf("register workspace: status %d", resp.StatusCode)
	}
	fmt.Printf("Registered workspace %s at %s\n", id, rootAbs)
	return nil
}

// daemonAddr resolves the API address from the heartbeat file.
func daemonAddr() (string, error) {
	hbPath := filepath.Join(config.ScribedPath(), "heartbeat.json")
	status, hb, err := heartbeat.Check(hbPath, 2*time.Minute)
	if err != nil {
		return "", err
	}
	if status != heartbeat.StatusAlive || hb.ListenAddr == "" {
		return "", fmt.Errorf("daemon is not running, start it with: scribed serve")
	}
	return hb.ListenAddr, nil
}
