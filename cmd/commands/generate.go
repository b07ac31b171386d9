package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/scribehq/scribed/internal/events"
	"github.com/scribehq/scribed/internal/llm"
	"github.com/scribehq/scribed/internal/models"
	"github.com/scribehq/scribed/internal/pipeline"
	"github.com/scribehq/scribed/internal/secrets"
	"github.com/scribehq/scribed/internal/storage"
)

// NewGenerateCommand returns the one-shot generation command. It runs
// the pipeline locally without a daemon, sharing the daemon's cache.
func NewGenerateCommand() *cli.Command {
	return &cli.Command{
		Name:  "generate",
		Usage: "Generate documentation for a directory",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "path",
				Usage: "Directory to document",
				Value: ".",
			},
			&cli.StringFlag{
				Name:  "output",
				Usage: "Output directory (default <path>/.scribed-docs)",
			},
			&cli.StringFlag{
				Name:  "model",
				Usage: "Model to use (default from config)",
			},
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Ignore cached phase artifacts",
			},
			&cli.BoolFlag{
				Name:  "cache-only",
				Usage: "Fail instead of invoking the model on a cache miss",
			},
			&cli.BoolFlag{
				Name:  "skip-ai",
				Usage: "Heuristic consolidation only, no AI refinement",
			},
		},
		Action: runGenerate,
	}
}

func runGenerate(ctx context.Context, cmd *cli.Command) error {
	log := newLogger(cmd.Bool("debug"))
	cfg := loadConfig(cmd, log)

	root, err := filepath.Abs(cmd.String("path"))
	if err != nil {
		return err
	}
	outDir := cmd.String("output")
	if outDir == "" {
		outDir = filepath.Join(root, ".scribed-docs")
	}
	outStore, err := storage.NewDirStore(outDir)
	if err != nil {
		return fmt.Errorf("open output dir: %w", err)
	}

	bus := events.NewBus(cfg.Events.SubscriberBuffer)
	defer bus.Close()

	registry := models.NewRegistry(cfg.Models, secrets.NewResolver(secrets.KeyPath()))
	pool := llm.NewPool(&llm.ModelSessionFactory{Registry: registry}, llm.PoolConfig{
		MaxSessions:    cfg.Pool.MaxSessions,
		AcquireTimeout: cfg.Pool.AcquireTimeout.Duration(),
	}, llm.SessionConfig{Model: cfg.Models.Default}, log)
	defer pool.Dispose()

	invoker := llm.NewInvoker(pool, bus)
	runner := pipeline.NewRunner(pipeline.NewCache(filepath.Join(cfg.DataDir, "cache")), invoker, bus, log)

	model := cmd.String("model")
	if model == "" {
		model = cfg.Models.Default
	}
	opts := pipeline.RunOptions{
		Model:       model,
		ModelID:     model,
		SkipAI:      cmd.Bool("skip-ai"),
		Concurrency: cfg.Pool.MaxSessions,
	}
	switch {
	case cmd.Bool("force"):
		opts.CacheMode = pipeline.CacheForce
	case cmd.Bool("cache-only"):
		opts.CacheMode = pipeline.CacheOnly
	}

	res, err := runner.Run(ctx, root, outStore, opts)
	if err != nil {
		return err
	}

	fmt.Printf("Documented %d component(s), wrote %d article(s) to %s\n",
		len(res.Graph.Components), res.Written, outDir)
	for phase, hit := range res.CacheHits {
		if hit {
			fmt.Printf("  %s: cached\n", phase)
		}
	}
	fmt.Printf("Finished in %s\n", res.Duration.Round(time.Millisecond))
	return nil
}
