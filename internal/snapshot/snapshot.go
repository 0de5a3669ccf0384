// Package snapshot persists the canonical regulation table and computes the
// diff between a stored snapshot and a freshly fetched catalogue.
package snapshot

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/promecarus/tax-rag/internal/regulation"
)

// header is the fixed snapshot column set, keyed by permalink. Dates are
// stored ISO (YYYY-MM-DD); the upstream DD-MM-YYYY form never reaches disk.
var header = []string{
	"permalink",
	"perihal",
	"tanggal_efektif",
	"status_dokumen",
	"topik",
	"jenis_peraturan",
	"nomor_peraturan",
	"body_final",
	"body_final_text_only",
	"peraturan_terbaru",
	"peraturan_sebelumnya",
	"peraturan_relevan",
	"keywords",
}

// Load reads a snapshot file into a map keyed by permalink. A missing or
// malformed file is an error: the differ must never run against a guessed
// baseline, the operator has to intervene.
func Load(path string) (map[string]regulation.Regulation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("snapshot %s: missing header", path)
	}
	if len(rows[0]) != len(header) {
		return nil, fmt.Errorf("snapshot %s: want %d columns, got %d",
			path, len(header), len(rows[0]))
	}

	regs := make(map[string]regulation.Regulation, len(rows)-1)
	for i, row := range rows[1:] {
		date, err := time.Parse(regulation.SnapshotDateLayout, row[2])
		if err != nil {
			return nil, fmt.Errorf("snapshot %s row %d: %w", path, i+2, err)
		}
		reg := regulation.Regulation{
			Permalink:      row[0],
			Subject:        row[1],
			EffectiveDate:  date,
			DocumentStatus: row[3],
			Topics:         row[4],
			Type:           row[5],
			Number:         row[6],
			BodyHTML:       row[7],
			BodyText:       row[8],
			NewerRefs:      row[9],
			OlderRefs:      row[10],
			RelatedRefs:    row[11],
			Keywords:       row[12],
		}
		regs[reg.Permalink] = reg
	}
	return regs, nil
}

// Save writes the snapshot atomically: rows go to a temp file in the same
// directory and the file is renamed over the destination, so a crash mid-write
// can never leave a truncated snapshot for the next run to diff against.
// Rows are written in permalink order for stable diffs of the artifact.
func Save(path string, regs map[string]regulation.Regulation) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(header); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot header: %w", err)
	}

	permalinks := make([]string, 0, len(regs))
	for p := range regs {
		permalinks = append(permalinks, p)
	}
	sort.Strings(permalinks)

	for _, p := range permalinks {
		reg := regs[p]
		row := []string{
			reg.Permalink,
			reg.Subject,
			reg.EffectiveDate.Format(regulation.SnapshotDateLayout),
			reg.DocumentStatus,
			reg.Topics,
			reg.Type,
			reg.Number,
			reg.BodyHTML,
			reg.BodyText,
			reg.NewerRefs,
			reg.OlderRefs,
			reg.RelatedRefs,
			reg.Keywords,
		}
		if err := w.Write(row); err != nil {
			tmp.Close()
			return fmt.Errorf("write snapshot row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}
