package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)

	assert.Equal(t, 4000, cfg.Upstream.PageLimit)
	assert.Equal(t, "qa", cfg.Deriver.Variant)
	assert.Equal(t, "embed_512", cfg.Deriver.EmbedName)
	assert.Equal(t, "text-embedding-3-small", cfg.Embedding.Model)
	require.NotNil(t, cfg.Sync.TopicFilter)
	assert.Equal(t, "2|3", *cfg.Sync.TopicFilter)
	assert.Equal(t, "Berlaku", cfg.Sync.StatusFilter())
	assert.False(t, cfg.Sync.ReembedUpdated)
}

func TestLoad_ExplicitEmptyDisablesFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[sync]
topic_filter = ""
index_status = ""
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	// An explicitly empty value must survive defaulting and disable the
	// filter, unlike an absent key.
	re, err := cfg.Sync.TopicRE()
	require.NoError(t, err)
	assert.Nil(t, re)
	assert.Empty(t, cfg.Sync.StatusFilter())
}

func TestLoad_FileOverridesButKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[deriver]
variant = "chunk"
embed_name = "embed_256"

[sync]
topic_filter = "2"
reembed_updated = true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "chunk", cfg.Deriver.Variant)
	assert.Equal(t, "embed_256", cfg.Deriver.EmbedName)
	require.NotNil(t, cfg.Sync.TopicFilter)
	assert.Equal(t, "2", *cfg.Sync.TopicFilter)
	assert.True(t, cfg.Sync.ReembedUpdated)
	// Untouched sections keep their defaults.
	assert.Equal(t, "localhost", cfg.Index.Host)
	assert.Equal(t, 6334, cfg.Index.Port)
}

func TestChunkParams(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		overlap int
	}{
		{"embed_512", 512, 51},
		{"embed_256", 256, 25},
		{"embed_1024", 1024, 102},
		{"embed_abc", 512, 51},
		{"", 512, 51},
		{"chunks_256", 512, 51},
	}
	for _, tc := range tests {
		size, overlap := DeriverConfig{EmbedName: tc.name}.ChunkParams()
		assert.Equal(t, tc.size, size, tc.name)
		assert.Equal(t, tc.overlap, overlap, tc.name)
	}
}

func TestTopicRE(t *testing.T) {
	re, err := SyncConfig{TopicFilter: ptr("2|3")}.TopicRE()
	require.NoError(t, err)
	assert.True(t, re.MatchString("14 2 7"))
	assert.False(t, re.MatchString("14 7"))

	re, err = SyncConfig{}.TopicRE()
	require.NoError(t, err)
	assert.Nil(t, re)

	re, err = SyncConfig{TopicFilter: ptr("")}.TopicRE()
	require.NoError(t, err)
	assert.Nil(t, re)

	_, err = SyncConfig{TopicFilter: ptr("[")}.TopicRE()
	assert.Error(t, err)
}
