// Package main provides the tax-rag CLI: initial index build, the daily
// incremental sync, the QA repair pass and an ad-hoc query command.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/promecarus/tax-rag/internal/config"
	"github.com/promecarus/tax-rag/internal/deriver"
	"github.com/promecarus/tax-rag/internal/embedding"
	"github.com/promecarus/tax-rag/internal/index"
	"github.com/promecarus/tax-rag/internal/syncer"
	"github.com/promecarus/tax-rag/internal/upstream"
)

var (
	configPath string
	runOnce    bool
)

var rootCmd = &cobra.Command{
	Use:   "tax-rag",
	Short: "Indonesian tax regulation sync tool",
	Long:  "CLI tool for keeping a Qdrant index of Indonesian tax regulations in sync with the upstream catalogue",
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Build the snapshot and index from scratch",
	Long: `Fetches the full regulation catalogue and builds every artifact.

This command:
1. Connects to Qdrant and verifies health
2. Fetches the regulation catalogue and every detail record
3. Writes the canonical snapshot and the topic reference table
4. Derives documents, generates embeddings and indexes them

Each stage reuses its artifact when it already exists, so an interrupted
build resumes instead of refetching.

Environment variables:
  OPENAI_API_KEY OpenAI API key for embeddings and QA generation (required)`,
	RunE: runInit,
}

var dailyCmd = &cobra.Command{
	Use:   "daily",
	Short: "Run the incremental sync",
	Long: `Diffs the upstream catalogue against the stored snapshot and applies
the difference: new regulations are indexed, updated ones get their metadata
patched, deleted ones are purged. Without --once the command keeps running
and fires at the configured schedule time each day.`,
	RunE: runDaily,
}

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Regenerate failed QA rows",
	Long: `Scans the QA table for rows carrying the generation failure sentinel
and retries them. Rows that fail again keep the sentinel, so the command is
safe to re-run until it reports nothing left to repair.`,
	RunE: runRepair,
}

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Search the index",
	Args:  cobra.ExactArgs(1),
	RunE:  runQuery,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.toml", "path to the TOML config file")
	dailyCmd.Flags().BoolVar(&runOnce, "once", false, "run a single cycle and exit")
	rootCmd.AddCommand(initCmd, dailyCmd, repairCmd, queryCmd)
}

func main() {
	// Load .env file if present (local development), ignore if missing
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// buildSyncer wires every component from the config. The returned cleanup
// closes the index connection and releases the lock file.
func buildSyncer(cfg *config.Config) (*syncer.Syncer, func(), error) {
	logger := slog.Default()

	topicRE, err := cfg.Sync.TopicRE()
	if err != nil {
		return nil, nil, err
	}

	idx, err := index.New(cfg.Index.Host, cfg.Index.Port, cfg.Index.Collection)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to qdrant: %w", err)
	}
	if err := idx.EnsureCollection(context.Background()); err != nil {
		idx.Close()
		return nil, nil, fmt.Errorf("ensure collection: %w", err)
	}

	client, err := embedding.NewClient()
	if err != nil {
		idx.Close()
		return nil, nil, err
	}
	embedder := embedding.NewEmbedder(client, cfg.Embedding.Model, cfg.Embedding.BatchSize)

	up := upstream.NewClient(cfg.Upstream.BaseURL, cfg.Upstream.APIURL,
		upstream.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Upstream.TimeoutSecs) * time.Second}),
		upstream.WithLogger(logger),
	)

	var drv syncer.Deriver
	var qa syncer.QAGenerator
	keepQA := false
	switch cfg.Deriver.Variant {
	case "chunk":
		size, overlap := cfg.Deriver.ChunkParams()
		chunker, err := deriver.NewChunker(size, overlap)
		if err != nil {
			idx.Close()
			return nil, nil, err
		}
		drv = chunker
	case "qa":
		gen := deriver.NewQAGenerator(client.Client(), cfg.Deriver.QAModel,
			deriver.WithQALogger(logger))
		drv = gen
		qa = gen
		keepQA = true
	default:
		idx.Close()
		return nil, nil, fmt.Errorf("unknown deriver variant %q", cfg.Deriver.Variant)
	}

	unlock, err := acquireLock(cfg.Sync.DataDir)
	if err != nil {
		idx.Close()
		return nil, nil, err
	}

	s := syncer.New(up, drv, qa, embedder, idx, logger, syncer.Options{
		DataDir:        cfg.Sync.DataDir,
		PageLimit:      cfg.Upstream.PageLimit,
		TopicFilter:    topicRE,
		IndexStatus:    cfg.Sync.StatusFilter(),
		ReembedUpdated: cfg.Sync.ReembedUpdated,
		KeepQATable:    keepQA,
	})
	cleanup := func() {
		unlock()
		idx.Close()
	}
	return s, cleanup, nil
}

// acquireLock takes the single-instance lock so two sync processes never
// race on the snapshot.
func acquireLock(dataDir string) (func(), error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "sync.lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("another sync is running (remove %s if not)", path)
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Close()
	return func() { os.Remove(path) }, nil
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	s, cleanup, err := buildSyncer(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signalContext()
	defer stop()
	fmt.Println("Starting initial build...")

	result, err := s.Initial(ctx)
	if err != nil {
		return fmt.Errorf("initial build failed: %w", err)
	}

	fmt.Println()
	fmt.Println("Initial build complete!")
	fmt.Printf("  Regulations: %d\n", result.New)
	fmt.Printf("  Documents:   %d\n", result.Documents)
	fmt.Printf("  Duration:    %s\n", result.Duration.Round(time.Second))
	return nil
}

func runDaily(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	s, cleanup, err := buildSyncer(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signalContext()
	defer stop()

	if runOnce {
		return runCycle(ctx, s)
	}

	loc, err := time.LoadLocation(cfg.Sync.Timezone)
	if err != nil {
		return fmt.Errorf("load timezone: %w", err)
	}
	at, err := time.Parse("15:04", cfg.Sync.ScheduleAt)
	if err != nil {
		return fmt.Errorf("parse schedule time %q: %w", cfg.Sync.ScheduleAt, err)
	}

	for {
		next := nextFire(time.Now().In(loc), at.Hour(), at.Minute())
		slog.Info("Waiting for next cycle", "at", next.Format(time.RFC3339))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Until(next)):
		}

		if err := runCycle(ctx, s); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// A failed cycle is retried at the next fire; the snapshot was
			// not rewritten, so the next diff starts from the same baseline.
			slog.Error("Sync cycle failed", "error", err)
		}
	}
}

// nextFire returns the next daily occurrence of hh:mm after now.
func nextFire(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func runCycle(ctx context.Context, s *syncer.Syncer) error {
	result, err := s.Daily(ctx)
	if err != nil {
		return err
	}
	fmt.Println("Sync complete!")
	fmt.Printf("  New:       %d\n", result.New)
	fmt.Printf("  Updated:   %d\n", result.Updated)
	fmt.Printf("  Deleted:   %d\n", result.Deleted)
	fmt.Printf("  Unchanged: %d\n", result.Unchanged)
	fmt.Printf("  Documents: %d\n", result.Documents)
	fmt.Printf("  Duration:  %s\n", result.Duration.Round(time.Second))
	return nil
}

func runRepair(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	s, cleanup, err := buildSyncer(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signalContext()
	defer stop()

	repaired, err := s.Repair(ctx)
	if err != nil {
		return fmt.Errorf("repair failed: %w", err)
	}
	fmt.Printf("Repaired %d regulation(s)\n", repaired)
	return nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	idx, err := index.New(cfg.Index.Host, cfg.Index.Port, cfg.Index.Collection)
	if err != nil {
		return fmt.Errorf("connect to qdrant: %w", err)
	}
	defer idx.Close()

	client, err := embedding.NewClient()
	if err != nil {
		return err
	}
	embedder := embedding.NewEmbedder(client, cfg.Embedding.Model, cfg.Embedding.BatchSize)

	vectors, err := embedder.Embed(ctx, []string{args[0]})
	if err != nil {
		return fmt.Errorf("embed query: %w", err)
	}

	hits, err := idx.Query(ctx, vectors[0], 5, cfg.Sync.StatusFilter())
	if err != nil {
		return fmt.Errorf("query index: %w", err)
	}

	if len(hits) == 0 {
		fmt.Println("No results")
		return nil
	}
	for i, hit := range hits {
		fmt.Printf("%d. [%.3f] %s\n", i+1, hit.Score, hit.DocID)
		fmt.Printf("   %s\n", hit.Text)
		if hit.Metadata.Answer != "" {
			fmt.Printf("   %s\n", hit.Metadata.Answer)
		}
		fmt.Println()
	}
	return nil
}

// signalContext cancels on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
