package snapshot

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

// QARow is one persisted question/answer pair, keyed by permalink and a
// 1-based sequence number within that permalink.
type QARow struct {
	Permalink string
	Seq       int
	Question  string
	Answer    string
}

var qaHeader = []string{"permalink", "seq", "question", "answer"}

// LoadQATable reads the QA table. A missing file yields an empty table, since
// the chunking variant never writes one.
func LoadQATable(path string) ([]QARow, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open qa table: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read qa table: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	table := make([]QARow, 0, len(rows)-1)
	for i, row := range rows[1:] {
		if len(row) != len(qaHeader) {
			return nil, fmt.Errorf("qa table row %d: want %d columns, got %d",
				i+2, len(qaHeader), len(row))
		}
		seq, err := strconv.Atoi(row[1])
		if err != nil {
			return nil, fmt.Errorf("qa table row %d: %w", i+2, err)
		}
		table = append(table, QARow{
			Permalink: row[0],
			Seq:       seq,
			Question:  row[2],
			Answer:    row[3],
		})
	}
	return table, nil
}

// SaveQATable writes the QA table atomically, ordered by permalink then
// sequence number.
func SaveQATable(path string, table []QARow) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create qa table dir: %w", err)
	}

	sorted := make([]QARow, len(table))
	copy(sorted, table)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Permalink != sorted[j].Permalink {
			return sorted[i].Permalink < sorted[j].Permalink
		}
		return sorted[i].Seq < sorted[j].Seq
	})

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp qa table: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(qaHeader); err != nil {
		tmp.Close()
		return fmt.Errorf("write qa header: %w", err)
	}
	for _, row := range sorted {
		record := []string{row.Permalink, strconv.Itoa(row.Seq), row.Question, row.Answer}
		if err := w.Write(record); err != nil {
			tmp.Close()
			return fmt.Errorf("write qa row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush qa table: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp qa table: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace qa table: %w", err)
	}
	return nil
}

// SpliceQA replaces every row of the given permalink with fresh rows,
// re-assigning 1-based sequence numbers, and leaves all other permalinks
// untouched. Running it twice with the same input is a no-op.
func SpliceQA(table []QARow, permalink string, fresh []QARow) []QARow {
	out := make([]QARow, 0, len(table)+len(fresh))
	for _, row := range table {
		if row.Permalink != permalink {
			out = append(out, row)
		}
	}
	for i, row := range fresh {
		row.Permalink = permalink
		row.Seq = i + 1
		out = append(out, row)
	}
	return out
}

// SentinelPermalinks returns the distinct permalinks having at least one row
// whose question or answer equals sentinel, in sorted order.
func SentinelPermalinks(table []QARow, sentinel string) []string {
	seen := make(map[string]struct{})
	for _, row := range table {
		if row.Question == sentinel || row.Answer == sentinel {
			seen[row.Permalink] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
