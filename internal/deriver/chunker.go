package deriver

import (
	"context"
	"fmt"

	"github.com/promecarus/tax-rag/internal/regulation"
)

// Chunker splits body text into fixed-size overlapping chunks. Chunk
// boundaries count runes, not bytes, so multi-byte text never splits inside a
// character.
type Chunker struct {
	size    int
	overlap int
}

// NewChunker creates a chunker. The advance step size-overlap must be
// strictly positive or chunking would never terminate, so 0 <= overlap < size
// is enforced here.
func NewChunker(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("overlap must satisfy 0 <= overlap < size, got %d", overlap)
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

// Piece is one raw chunk before it becomes a document.
type Piece struct {
	// Label encodes chunk size and 1-based index as "<size>-<n>", so
	// re-chunking with different parameters yields distinct document IDs.
	Label string
	Text  string
}

// Chunk splits text into fixed-size pieces with the configured overlap.
func (c *Chunker) Chunk(text string) []Piece {
	runes := []rune(text)
	var pieces []Piece

	start, n := 0, 1
	for start < len(runes) {
		end := start + c.size
		if end > len(runes) {
			end = len(runes)
		}
		pieces = append(pieces, Piece{
			Label: fmt.Sprintf("%d-%d", c.size, n),
			Text:  string(runes[start:end]),
		})
		start += c.size - c.overlap
		n++
	}
	return pieces
}

// Derive builds the chunk documents for one regulation.
func (c *Chunker) Derive(_ context.Context, reg regulation.Regulation) ([]Document, error) {
	meta := Metadata{
		Permalink:      reg.Permalink,
		DocumentStatus: reg.DocumentStatus,
		Topics:         reg.Topics,
		Type:           reg.Type,
		Number:         reg.Number,
	}

	pieces := c.Chunk(reg.BodyText)
	docs := make([]Document, len(pieces))
	for i, ch := range pieces {
		docs[i] = Document{
			ID:       fmt.Sprintf("%s#%s", reg.Permalink, ch.Label),
			Text:     ch.Text,
			Metadata: meta,
		}
	}
	return docs, nil
}
