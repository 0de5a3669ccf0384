// Package syncer reconciles the stored regulation snapshot against the
// upstream catalogue and keeps the document index in step: new regulations
// are fully derived and indexed, updated ones get their metadata patched in
// place, deleted ones are purged, and the snapshot is rewritten atomically so
// the next run diffs against a correct baseline.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/promecarus/tax-rag/internal/deriver"
	"github.com/promecarus/tax-rag/internal/index"
	"github.com/promecarus/tax-rag/internal/regulation"
	"github.com/promecarus/tax-rag/internal/snapshot"
)

// Upstream is the catalogue the syncer fetches from.
type Upstream interface {
	FetchAllSummaries(ctx context.Context, limit int) ([]regulation.Summary, error)
	FetchDetail(ctx context.Context, permalink string) (regulation.Detail, error)
}

// Deriver turns one normalized regulation into its indexed documents.
type Deriver interface {
	Derive(ctx context.Context, reg regulation.Regulation) ([]deriver.Document, error)
}

// QAGenerator is the raw generation call the repair pass needs on top of
// Deriver. Nil when the chunking variant is active.
type QAGenerator interface {
	Generate(ctx context.Context, body string) ([]deriver.QAPair, error)
}

// Embedder produces one vector per document text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Index is the external search index the syncer reconciles against.
type Index interface {
	MaxBatchSize() int
	Upsert(ctx context.Context, docs []deriver.Document, vectors [][]float32) error
	GetByPermalink(ctx context.Context, permalink string) ([]index.StoredDocument, error)
	UpdateMetadata(ctx context.Context, docID string, meta deriver.Metadata) error
	DeleteByPermalinks(ctx context.Context, permalinks []string) error
}

// Options configures a Syncer.
type Options struct {
	// DataDir holds the snapshot, the QA table and per-cycle debug artifacts.
	DataDir string
	// PageLimit is the catalogue page size.
	PageLimit int
	// TopicFilter keeps only regulations whose flattened topic string
	// matches. Nil disables filtering.
	TopicFilter *regexp.Regexp
	// IndexStatus restricts the initial index build to regulations with this
	// document status. Empty disables the filter.
	IndexStatus string
	// ReembedUpdated re-derives and re-embeds updated regulations instead of
	// only patching document metadata. Off by default: body changes on
	// updated rows are rare and a metadata patch is orders of magnitude
	// cheaper than re-generation.
	ReembedUpdated bool
	// KeepQATable records derived QA pairs in a durable table so the repair
	// pass can find sentinel rows. Set for the QA variant only.
	KeepQATable bool
}

// Result summarizes one sync cycle.
type Result struct {
	New       int
	Updated   int
	Deleted   int
	Unchanged int
	Documents int
	Duration  time.Duration
}

// Syncer drives the incremental synchronization cycle.
type Syncer struct {
	upstream Upstream
	deriver  Deriver
	qa       QAGenerator
	embedder Embedder
	index    Index
	logger   *slog.Logger
	opts     Options
}

// New creates a Syncer. qa may be nil when the chunking variant is active.
func New(upstream Upstream, drv Deriver, qa QAGenerator, embedder Embedder, idx Index, logger *slog.Logger, opts Options) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DataDir == "" {
		opts.DataDir = "var"
	}
	if opts.PageLimit <= 0 {
		opts.PageLimit = 4000
	}
	return &Syncer{
		upstream: upstream,
		deriver:  drv,
		qa:       qa,
		embedder: embedder,
		index:    idx,
		logger:   logger,
		opts:     opts,
	}
}

// SnapshotPath is where the canonical regulation table lives.
func (s *Syncer) SnapshotPath() string {
	return filepath.Join(s.opts.DataDir, "regulation.csv")
}

// QATablePath is where the derived QA table lives.
func (s *Syncer) QATablePath() string {
	return filepath.Join(s.opts.DataDir, "qa.csv")
}

// fetchCatalogue fetches all summaries, normalizes them into the diff
// projection and applies the topic filter.
func (s *Syncer) fetchCatalogue(ctx context.Context) ([]regulation.Regulation, error) {
	summaries, err := s.upstream.FetchAllSummaries(ctx, s.opts.PageLimit)
	if err != nil {
		return nil, err
	}

	fresh := make([]regulation.Regulation, 0, len(summaries))
	for _, sum := range summaries {
		reg, err := regulation.Normalize(sum)
		if err != nil {
			return nil, fmt.Errorf("normalize %s: %w", sum.Permalink, err)
		}
		if s.opts.TopicFilter != nil && !s.opts.TopicFilter.MatchString(reg.Topics) {
			continue
		}
		fresh = append(fresh, reg)
	}
	return fresh, nil
}

// processRegulation runs the expensive path for one regulation: detail
// fetch, normalization, derivation, embedding and indexing. It returns the
// fully merged canonical row and the documents that were indexed.
func (s *Syncer) processRegulation(ctx context.Context, reg regulation.Regulation) (regulation.Regulation, []deriver.Document, error) {
	detail, err := s.upstream.FetchDetail(ctx, reg.Permalink)
	if err != nil {
		return regulation.Regulation{}, nil, err
	}
	merged := regulation.Merge(reg, detail)

	docs, err := s.deriver.Derive(ctx, merged)
	if err != nil {
		return regulation.Regulation{}, nil, fmt.Errorf("derive %s: %w", reg.Permalink, err)
	}
	if len(docs) == 0 {
		return merged, nil, nil
	}

	if err := s.indexDocuments(ctx, docs); err != nil {
		return regulation.Regulation{}, nil, err
	}
	return merged, docs, nil
}

// indexDocuments embeds and upserts a document set.
func (s *Syncer) indexDocuments(ctx context.Context, docs []deriver.Document) error {
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Text
	}
	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	if err := s.index.Upsert(ctx, docs, vectors); err != nil {
		return fmt.Errorf("index: %w", err)
	}
	return nil
}

// Daily runs one incremental sync cycle against the stored snapshot.
func (s *Syncer) Daily(ctx context.Context) (*Result, error) {
	start := time.Now()

	old, err := snapshot.Load(s.SnapshotPath())
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	fresh, err := s.fetchCatalogue(ctx)
	if err != nil {
		return nil, err
	}

	part := snapshot.Diff(old, fresh)
	s.logger.Info("Catalogue diffed",
		"new", len(part.New),
		"updated", len(part.Updated),
		"deleted", len(part.Deleted),
		"unchanged", part.Unchanged,
	)

	result := &Result{
		New:       len(part.New),
		Updated:   len(part.Updated),
		Deleted:   len(part.Deleted),
		Unchanged: part.Unchanged,
	}

	// New regulations: the full expensive path.
	newRegs := make([]regulation.Regulation, 0, len(part.New))
	var newDocs []deriver.Document
	for _, reg := range part.New {
		merged, docs, err := s.processRegulation(ctx, reg)
		if err != nil {
			return nil, err
		}
		newRegs = append(newRegs, merged)
		newDocs = append(newDocs, docs...)
		result.Documents += len(docs)
		s.logger.Info("Indexed regulation", "permalink", merged.Permalink, "documents", len(docs))
	}

	// Updated regulations: patch metadata in place, or re-derive when
	// configured. A failed patch aborts the cycle so the index never drifts.
	updatedRegs := make([]regulation.Regulation, 0, len(part.Updated))
	for _, reg := range part.Updated {
		if s.opts.ReembedUpdated {
			if err := s.index.DeleteByPermalinks(ctx, []string{reg.Permalink}); err != nil {
				return nil, err
			}
			merged, docs, err := s.processRegulation(ctx, reg)
			if err != nil {
				return nil, err
			}
			updatedRegs = append(updatedRegs, merged)
			newDocs = append(newDocs, docs...)
			result.Documents += len(docs)
			continue
		}

		stored, err := s.index.GetByPermalink(ctx, reg.Permalink)
		if err != nil {
			return nil, err
		}
		meta := deriver.Metadata{
			Permalink:      reg.Permalink,
			DocumentStatus: reg.DocumentStatus,
			Topics:         reg.Topics,
			Type:           reg.Type,
			Number:         reg.Number,
		}
		for _, doc := range stored {
			if err := s.index.UpdateMetadata(ctx, doc.DocID, meta); err != nil {
				return nil, err
			}
		}
		updatedRegs = append(updatedRegs, reg)
		s.logger.Info("Patched regulation metadata",
			"permalink", reg.Permalink, "documents", len(stored))
	}

	// Deleted regulations: purge from the index before the snapshot forgets
	// them.
	if len(part.Deleted) > 0 {
		if err := s.index.DeleteByPermalinks(ctx, part.Deleted); err != nil {
			return nil, err
		}
		s.logger.Info("Deleted regulations", "count", len(part.Deleted))
	}

	// Per-cycle debug artifacts, one per non-empty partition.
	if len(newRegs) > 0 {
		s.writeArtifact("_new.json", newRegs)
	}
	if len(updatedRegs) > 0 {
		s.writeArtifact("_update.json", updatedRegs)
	}
	if len(part.Deleted) > 0 {
		s.writeArtifact("_delete.json", part.Deleted)
	}

	next := snapshot.Merge(old, newRegs, updatedRegs, part.Deleted)
	if err := snapshot.Save(s.SnapshotPath(), next); err != nil {
		return nil, fmt.Errorf("write snapshot: %w", err)
	}

	if s.opts.KeepQATable {
		if err := s.recordQADocuments(newDocs, part.Deleted); err != nil {
			return nil, err
		}
	}

	result.Duration = time.Since(start)
	s.logger.Info("Sync complete",
		"new", result.New,
		"updated", result.Updated,
		"deleted", result.Deleted,
		"documents", result.Documents,
		"duration", result.Duration.Round(time.Millisecond),
	)
	return result, nil
}

// recordQADocuments updates the durable QA table after a cycle: fresh
// documents replace their permalink's rows and deleted permalinks drop out.
func (s *Syncer) recordQADocuments(docs []deriver.Document, deleted []string) error {
	table, err := snapshot.LoadQATable(s.QATablePath())
	if err != nil {
		return err
	}

	byPermalink := make(map[string][]snapshot.QARow)
	for _, doc := range docs {
		byPermalink[doc.Metadata.Permalink] = append(byPermalink[doc.Metadata.Permalink],
			snapshot.QARow{Question: doc.Text, Answer: doc.Metadata.Answer})
	}
	for permalink, rows := range byPermalink {
		table = snapshot.SpliceQA(table, permalink, rows)
	}
	for _, permalink := range deleted {
		table = snapshot.SpliceQA(table, permalink, nil)
	}

	return snapshot.SaveQATable(s.QATablePath(), table)
}

// writeArtifact best-effort writes a JSON debug artifact next to the
// snapshot. Artifact failures are logged, never fatal.
func (s *Syncer) writeArtifact(name string, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		s.logger.Warn("Artifact marshal failed", "name", name, "error", err)
		return
	}
	path := filepath.Join(s.opts.DataDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		s.logger.Warn("Artifact write failed", "name", name, "error", err)
	}
}
