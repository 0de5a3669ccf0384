package snapshot

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "regulation.csv")

	regs := asMap(
		reg("pmk-1-2024", "Berlaku", "2 3"),
		reg("se-4-2023", "Tidak Berlaku", "1"),
	)
	require.NoError(t, Save(path, regs))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, regs, loaded)
}

func TestSave_BodyWithDelimitersSurvives(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "regulation.csv")

	r := reg("pmk-2-2024", "Berlaku", "2")
	r.BodyText = "ayat (1), huruf a; 'tarif' berlaku"
	require.NoError(t, Save(path, asMap(r)))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, r.BodyText, loaded["pmk-2-2024"].BodyText)
}

func TestSave_AtomicReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "regulation.csv")

	require.NoError(t, Save(path, asMap(reg("a", "Berlaku", "2"))))
	require.NoError(t, Save(path, asMap(reg("b", "Berlaku", "3"))))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.NotContains(t, loaded, "a")
	assert.Contains(t, loaded, "b")

	// No temp files may linger after a successful save.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "regulation.csv", entries[0].Name())
}

func TestLoad_MissingFileIsFatal(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.csv"))
	assert.Error(t, err)
}

func TestLoad_CorruptSnapshotIsFatal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "regulation.csv")

	require.NoError(t, os.WriteFile(path, []byte("permalink,perihal\nx,y\n"), 0o644))
	_, err := Load(path)
	assert.Error(t, err, "wrong column count must not be silently repaired")

	bad := strings.Join(header, ",") + "\nx,s,not-a-date,Berlaku,2,,,,,,,,\n"
	require.NoError(t, os.WriteFile(path, []byte(bad), 0o644))
	_, err = Load(path)
	assert.Error(t, err, "unparseable date must surface")
}

func TestQATable_RoundTripAndOrder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qa.csv")

	table := []QARow{
		{Permalink: "b", Seq: 2, Question: "Q", Answer: "A"},
		{Permalink: "a", Seq: 1, Question: "Q1", Answer: "A1"},
		{Permalink: "b", Seq: 1, Question: "Q0", Answer: "A0"},
	}
	require.NoError(t, SaveQATable(path, table))

	loaded, err := LoadQATable(path)
	require.NoError(t, err)
	require.Len(t, loaded, 3)
	assert.Equal(t, "a", loaded[0].Permalink)
	assert.Equal(t, 1, loaded[1].Seq)
	assert.Equal(t, 2, loaded[2].Seq)
}

func TestQATable_MissingFileIsEmpty(t *testing.T) {
	loaded, err := LoadQATable(filepath.Join(t.TempDir(), "qa.csv"))
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestSpliceQA(t *testing.T) {
	table := []QARow{
		{Permalink: "a", Seq: 1, Question: "Q1", Answer: "A1"},
		{Permalink: "b", Seq: 1, Question: "Failed to generate.", Answer: "Failed to generate."},
		{Permalink: "c", Seq: 1, Question: "Q", Answer: "A"},
	}

	fresh := []QARow{
		{Question: "New Q1", Answer: "New A1"},
		{Question: "New Q2", Answer: "New A2"},
	}

	out := SpliceQA(table, "b", fresh)
	require.Len(t, out, 4)

	var bRows []QARow
	for _, row := range out {
		if row.Permalink == "b" {
			bRows = append(bRows, row)
		}
	}
	require.Len(t, bRows, 2)
	assert.Equal(t, 1, bRows[0].Seq)
	assert.Equal(t, 2, bRows[1].Seq)
	assert.Equal(t, "New Q1", bRows[0].Question)

	// Idempotent: splicing the same rows again changes nothing.
	again := SpliceQA(out, "b", []QARow{
		{Question: "New Q1", Answer: "New A1"},
		{Question: "New Q2", Answer: "New A2"},
	})
	assert.ElementsMatch(t, out, again)
}

func TestSentinelPermalinks(t *testing.T) {
	table := []QARow{
		{Permalink: "a", Seq: 1, Question: "Q", Answer: "A"},
		{Permalink: "b", Seq: 1, Question: "Failed to generate.", Answer: "Failed to generate."},
		{Permalink: "c", Seq: 1, Question: "Q", Answer: "Failed to generate."},
		{Permalink: "b", Seq: 2, Question: "Q", Answer: "A"},
	}

	got := SentinelPermalinks(table, "Failed to generate.")
	assert.Equal(t, []string{"b", "c"}, got)
}
