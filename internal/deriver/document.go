// Package deriver turns a normalized regulation body into the atomic
// documents that get embedded and indexed: fixed-size overlapping chunks or
// LLM-generated question/answer pairs.
package deriver

// Metadata is the payload carried by every indexed document. It must always
// reflect the parent regulation's current values; the reconciler patches it
// in place when a regulation changes.
type Metadata struct {
	Permalink      string
	DocumentStatus string
	Topics         string
	Type           string
	Number         string
	// Answer is set only for QA documents, where the indexed text is the
	// question and the answer rides along as metadata.
	Answer string
}

// Document is one indexed, independently retrievable unit of text.
type Document struct {
	// ID is "<permalink>#<chunk_size>-<n>" for chunks or "<permalink>#<n>"
	// for QA pairs, n 1-based per permalink.
	ID       string
	Text     string
	Metadata Metadata
}
