package snapshot

import (
	"github.com/promecarus/tax-rag/internal/regulation"
)

// Partition is the four-way classification of one catalogue fetch against
// the stored snapshot. The four sets are disjoint by construction.
type Partition struct {
	// New holds permalinks seen for the first time.
	New []regulation.Regulation
	// Updated holds permalinks present in both where a tracked field
	// changed. The rows carry the fresh summary projection; detail fields
	// still come from the old snapshot row.
	Updated []regulation.Regulation
	// Deleted holds permalinks gone from the catalogue.
	Deleted []string
	// Unchanged counts rows with no tracked difference; they are never
	// re-fetched or re-derived.
	Unchanged int
}

// tracked reports whether any diff-relevant field differs between the stored
// row and the fresh projection. Topics are compared as their flattened
// encoding, so reordered-but-equal topic sets never count as a change.
// Detail fields are deliberately not compared: they are trusted to be stable
// once fetched.
func tracked(old, fresh regulation.Regulation) bool {
	return old.Subject != fresh.Subject ||
		!old.EffectiveDate.Equal(fresh.EffectiveDate) ||
		old.DocumentStatus != fresh.DocumentStatus ||
		old.Topics != fresh.Topics
}

// Diff partitions the fresh catalogue projection against the stored
// snapshot. Updated rows are returned with the old row's detail fields
// carried over and the fresh summary fields applied, so the snapshot merge
// keeps bodies and refs without re-fetching them.
func Diff(old map[string]regulation.Regulation, fresh []regulation.Regulation) Partition {
	var part Partition

	seen := make(map[string]struct{}, len(fresh))
	for _, f := range fresh {
		seen[f.Permalink] = struct{}{}

		o, ok := old[f.Permalink]
		if !ok {
			part.New = append(part.New, f)
			continue
		}
		if !tracked(o, f) {
			part.Unchanged++
			continue
		}

		merged := o
		merged.Subject = f.Subject
		merged.EffectiveDate = f.EffectiveDate
		merged.DocumentStatus = f.DocumentStatus
		merged.Topics = f.Topics
		part.Updated = append(part.Updated, merged)
	}

	for permalink := range old {
		if _, ok := seen[permalink]; !ok {
			part.Deleted = append(part.Deleted, permalink)
		}
	}

	return part
}

// Merge builds the next snapshot: old rows, overlaid by new and updated rows
// (later rows win on duplicate permalinks), minus deleted rows. Merging with
// empty partitions returns a copy identical to the old snapshot.
func Merge(old map[string]regulation.Regulation, added, updated []regulation.Regulation, deleted []string) map[string]regulation.Regulation {
	next := make(map[string]regulation.Regulation, len(old)+len(added))
	for p, reg := range old {
		next[p] = reg
	}
	for _, reg := range added {
		next[reg.Permalink] = reg
	}
	for _, reg := range updated {
		next[reg.Permalink] = reg
	}
	for _, p := range deleted {
		delete(next, p)
	}
	return next
}
