package syncer

import (
	"context"
	"fmt"

	"github.com/promecarus/tax-rag/internal/deriver"
	"github.com/promecarus/tax-rag/internal/snapshot"
)

// Repair is the idempotent post-pass over the QA table: it finds permalinks
// whose rows carry the generation sentinel, regenerates their QA pairs,
// re-assigns sequence numbers, splices the fresh rows back and re-indexes
// them. Permalinks that still fail keep their sentinel rows so the next
// repair run picks them up again. Returns the number of repaired permalinks.
func (s *Syncer) Repair(ctx context.Context) (int, error) {
	if s.qa == nil {
		return 0, fmt.Errorf("repair requires the qa variant")
	}

	table, err := snapshot.LoadQATable(s.QATablePath())
	if err != nil {
		return 0, err
	}

	permalinks := snapshot.SentinelPermalinks(table, deriver.Sentinel)
	if len(permalinks) == 0 {
		s.logger.Info("No sentinel rows, nothing to repair")
		return 0, nil
	}
	s.logger.Info("Repairing QA rows", "permalinks", len(permalinks))

	regs, err := snapshot.Load(s.SnapshotPath())
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, permalink := range permalinks {
		reg, ok := regs[permalink]
		if !ok {
			// The regulation left the snapshot since the sentinel was
			// written; drop its rows and stale index documents.
			table = snapshot.SpliceQA(table, permalink, nil)
			if err := s.index.DeleteByPermalinks(ctx, []string{permalink}); err != nil {
				return repaired, err
			}
			continue
		}

		pairs, err := s.qa.Generate(ctx, reg.BodyText)
		if err != nil {
			if ctx.Err() != nil {
				return repaired, err
			}
			s.logger.Warn("Repair generation failed, sentinel kept",
				"permalink", permalink, "error", err)
			continue
		}

		docs := deriver.PairsToDocuments(reg, pairs)

		// Clear first: the fresh pair count may be smaller than the stale
		// one, and leftover documents would otherwise survive the upsert.
		if err := s.index.DeleteByPermalinks(ctx, []string{permalink}); err != nil {
			return repaired, err
		}
		if err := s.indexDocuments(ctx, docs); err != nil {
			return repaired, err
		}

		rows := make([]snapshot.QARow, len(pairs))
		for i, p := range pairs {
			rows[i] = snapshot.QARow{Question: p.Question, Answer: p.Answer}
		}
		table = snapshot.SpliceQA(table, permalink, rows)
		repaired++
		s.logger.Info("Repaired regulation", "permalink", permalink, "pairs", len(pairs))
	}

	if err := snapshot.SaveQATable(s.QATablePath(), table); err != nil {
		return repaired, err
	}
	return repaired, nil
}
