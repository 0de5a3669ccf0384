package syncer

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/promecarus/tax-rag/internal/regulation"
	"github.com/promecarus/tax-rag/internal/snapshot"
)

// Initial performs the first full build: catalogue fetch, detail fetch for
// every regulation, snapshot write, then derivation and indexing. Each stage
// skips itself when its artifact already exists, so an interrupted build
// resumes where it stopped instead of repeating the expensive stages.
func (s *Syncer) Initial(ctx context.Context) (*Result, error) {
	start := time.Now()

	if err := os.MkdirAll(s.opts.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	summaries, err := s.loadOrFetchSummaries(ctx)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Catalogue ready",
		"regulations", len(summaries), "elapsed", time.Since(start).Round(time.Second))

	if err := s.writeTopicTable(summaries); err != nil {
		return nil, err
	}

	if err := s.buildSnapshot(ctx, summaries); err != nil {
		return nil, err
	}
	s.logger.Info("Snapshot ready", "elapsed", time.Since(start).Round(time.Second))

	result, err := s.buildIndex(ctx)
	if err != nil {
		return nil, err
	}

	result.Duration = time.Since(start)
	s.logger.Info("Initial build complete",
		"regulations", result.New,
		"documents", result.Documents,
		"duration", result.Duration.Round(time.Second),
	)
	return result, nil
}

// loadOrFetchSummaries reads the raw catalogue artifact or fetches and
// persists it.
func (s *Syncer) loadOrFetchSummaries(ctx context.Context) ([]regulation.Summary, error) {
	path := filepath.Join(s.opts.DataDir, "summaries.json")

	if data, err := os.ReadFile(path); err == nil {
		var summaries []regulation.Summary
		if err := json.Unmarshal(data, &summaries); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		s.logger.Info("Reusing catalogue artifact", "path", path)
		return summaries, nil
	}

	summaries, err := s.upstream.FetchAllSummaries(ctx, s.opts.PageLimit)
	if err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(summaries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal summaries: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	return summaries, nil
}

// writeTopicTable persists the distinct topic reference table, sorted by
// UUID, as a browsing aid next to the snapshot.
func (s *Syncer) writeTopicTable(summaries []regulation.Summary) error {
	seen := make(map[string]string)
	for _, sum := range summaries {
		for _, t := range sum.Topics {
			seen[t.UUID.String()] = t.Description
		}
	}
	uuids := make([]string, 0, len(seen))
	for id := range seen {
		uuids = append(uuids, id)
	}
	sort.Strings(uuids)

	path := filepath.Join(s.opts.DataDir, "topic.csv")
	tmp, err := os.CreateTemp(s.opts.DataDir, "topic.csv.tmp-*")
	if err != nil {
		return fmt.Errorf("create temp topic table: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write([]string{"uuid", "keterangan"}); err != nil {
		tmp.Close()
		return fmt.Errorf("write topic header: %w", err)
	}
	for _, id := range uuids {
		if err := w.Write([]string{id, seen[id]}); err != nil {
			tmp.Close()
			return fmt.Errorf("write topic row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush topic table: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp topic table: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace topic table: %w", err)
	}
	return nil
}

// buildSnapshot fetches every detail record and writes the canonical
// snapshot. Skipped when the snapshot already exists.
func (s *Syncer) buildSnapshot(ctx context.Context, summaries []regulation.Summary) error {
	if _, err := os.Stat(s.SnapshotPath()); err == nil {
		s.logger.Info("Reusing snapshot", "path", s.SnapshotPath())
		return nil
	}

	regs := make(map[string]regulation.Regulation, len(summaries))
	for i, sum := range summaries {
		reg, err := regulation.Normalize(sum)
		if err != nil {
			return fmt.Errorf("normalize %s: %w", sum.Permalink, err)
		}
		if s.opts.TopicFilter != nil && !s.opts.TopicFilter.MatchString(reg.Topics) {
			continue
		}

		detail, err := s.upstream.FetchDetail(ctx, reg.Permalink)
		if err != nil {
			return err
		}
		regs[reg.Permalink] = regulation.Merge(reg, detail)

		if (i+1)%100 == 0 {
			s.logger.Info("Fetching details", "done", i+1, "total", len(summaries))
		}
	}

	return snapshot.Save(s.SnapshotPath(), regs)
}

// buildIndex derives, embeds and indexes every snapshot row matching the
// status and topic filters, and writes the QA table for the QA variant.
// Deterministic document IDs make re-running this stage an overwrite, not a
// duplication.
func (s *Syncer) buildIndex(ctx context.Context) (*Result, error) {
	regs, err := snapshot.Load(s.SnapshotPath())
	if err != nil {
		return nil, err
	}

	permalinks := make([]string, 0, len(regs))
	for p := range regs {
		permalinks = append(permalinks, p)
	}
	sort.Strings(permalinks)

	result := &Result{}
	var table []snapshot.QARow

	for _, p := range permalinks {
		reg := regs[p]
		if s.opts.IndexStatus != "" && reg.DocumentStatus != s.opts.IndexStatus {
			continue
		}
		if s.opts.TopicFilter != nil && !s.opts.TopicFilter.MatchString(reg.Topics) {
			continue
		}

		docs, err := s.deriver.Derive(ctx, reg)
		if err != nil {
			return nil, fmt.Errorf("derive %s: %w", p, err)
		}
		if len(docs) == 0 {
			continue
		}
		if err := s.indexDocuments(ctx, docs); err != nil {
			return nil, err
		}

		result.New++
		result.Documents += len(docs)
		if s.opts.KeepQATable {
			for i, doc := range docs {
				table = append(table, snapshot.QARow{
					Permalink: p,
					Seq:       i + 1,
					Question:  doc.Text,
					Answer:    doc.Metadata.Answer,
				})
			}
		}
		s.logger.Info("Indexed regulation", "permalink", p, "documents", len(docs))
	}

	if s.opts.KeepQATable {
		if err := snapshot.SaveQATable(s.QATablePath(), table); err != nil {
			return nil, err
		}
	}
	return result, nil
}
