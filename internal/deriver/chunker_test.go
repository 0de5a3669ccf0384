package deriver

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promecarus/tax-rag/internal/regulation"
)

func TestNewChunker_Validation(t *testing.T) {
	_, err := NewChunker(0, 0)
	assert.Error(t, err)

	_, err = NewChunker(10, 10)
	assert.Error(t, err, "overlap == size would never advance")

	_, err = NewChunker(10, -1)
	assert.Error(t, err)

	_, err = NewChunker(10, 0)
	assert.NoError(t, err)
}

func TestChunk_CountFormula(t *testing.T) {
	// chunk count = ceil((len - overlap) / (size - overlap)) for len > 0
	cases := []struct {
		textLen, size, overlap int
	}{
		{100, 10, 0},
		{100, 10, 3},
		{512, 512, 51},
		{1000, 512, 51},
		{1, 10, 0},
		{10, 10, 5},
		{11, 10, 5},
	}

	for _, tc := range cases {
		c, err := NewChunker(tc.size, tc.overlap)
		require.NoError(t, err)

		text := strings.Repeat("a", tc.textLen)
		pieces := c.Chunk(text)

		// One chunk per start offset 0, step, 2*step, ... below len.
		step := tc.size - tc.overlap
		want := (tc.textLen + step - 1) / step
		assert.Len(t, pieces, want,
			"len=%d size=%d overlap=%d", tc.textLen, tc.size, tc.overlap)
	}
}

func TestChunk_OverlapCoverage(t *testing.T) {
	c, err := NewChunker(10, 3)
	require.NoError(t, err)

	text := "abcdefghijklmnopqrstuvwxyz"
	pieces := c.Chunk(text)

	// Each piece starts size-overlap runes after the previous one, so the
	// last overlap runes of piece i equal the first overlap runes of i+1.
	for i := 1; i < len(pieces); i++ {
		prev := pieces[i-1].Text
		cur := pieces[i].Text
		if len(prev) == 10 {
			assert.Equal(t, prev[7:], cur[:3], "piece %d overlap", i)
		}
	}

	// Concatenating with the overlap dropped reproduces the text.
	var rebuilt strings.Builder
	for i, p := range pieces {
		if i == 0 {
			rebuilt.WriteString(p.Text)
			continue
		}
		overlap := 3
		if len(p.Text) < overlap {
			overlap = len(p.Text)
		}
		rebuilt.WriteString(p.Text[overlap:])
	}
	assert.Equal(t, text, rebuilt.String())
}

func TestChunk_Labels(t *testing.T) {
	c, err := NewChunker(5, 1)
	require.NoError(t, err)

	pieces := c.Chunk("abcdefghij")
	require.NotEmpty(t, pieces)
	assert.Equal(t, "5-1", pieces[0].Label)
	assert.Equal(t, "5-2", pieces[1].Label)
}

func TestChunk_Empty(t *testing.T) {
	c, err := NewChunker(512, 51)
	require.NoError(t, err)
	assert.Empty(t, c.Chunk(""))
}

func TestChunk_MultibyteRunes(t *testing.T) {
	c, err := NewChunker(4, 1)
	require.NoError(t, err)

	pieces := c.Chunk("aéîõüxyz")
	for _, p := range pieces {
		assert.True(t, len([]rune(p.Text)) <= 4)
		assert.True(t, strings.ToValidUTF8(p.Text, "?") == p.Text,
			"chunk boundary must not split a rune")
	}
}

func TestChunkerDerive(t *testing.T) {
	c, err := NewChunker(8, 2)
	require.NoError(t, err)

	reg := regulation.Regulation{
		Permalink:      "pmk-7-2021",
		DocumentStatus: "Berlaku",
		Topics:         "2 3",
		Type:           "PMK",
		Number:         "7/2021",
		BodyText:       "Pasal 1 ketentuan umum peraturan",
	}

	docs, err := c.Derive(context.Background(), reg)
	require.NoError(t, err)
	require.NotEmpty(t, docs)

	assert.Equal(t, "pmk-7-2021#8-1", docs[0].ID)
	for _, d := range docs {
		assert.Equal(t, "pmk-7-2021", d.Metadata.Permalink)
		assert.Equal(t, "Berlaku", d.Metadata.DocumentStatus)
		assert.Equal(t, "2 3", d.Metadata.Topics)
		assert.Empty(t, d.Metadata.Answer)
	}
}
