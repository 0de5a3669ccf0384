// Package config loads the explicit TOML configuration for the sync job.
// Nothing here is read at import time; callers load once and pass the
// resulting struct into each component's constructor.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// UpstreamConfig contains connection details for the regulation catalogue API.
type UpstreamConfig struct {
	BaseURL     string `toml:"base_url"`
	APIURL      string `toml:"api_url"`
	PageLimit   int    `toml:"page_limit"`
	TimeoutSecs int    `toml:"timeout_secs"`
}

// DeriverConfig selects and configures the document derivation strategy.
type DeriverConfig struct {
	// Variant is "chunk" or "qa".
	Variant string `toml:"variant"`
	// EmbedName follows the original artifact naming convention: a stem of
	// the form "embed_<chunk_size>". Stems that don't parse fall back to
	// embed_512.
	EmbedName string `toml:"embed_name"`
	QAModel   string `toml:"qa_model"`
}

// IndexConfig contains connection details for the Qdrant index.
type IndexConfig struct {
	Host       string `toml:"host"`
	Port       int    `toml:"port"`
	Collection string `toml:"collection"`
}

// EmbeddingConfig configures the embedding client.
type EmbeddingConfig struct {
	Model     string `toml:"model"`
	BatchSize int    `toml:"batch_size"`
}

// SyncConfig configures the sync cycle itself.
type SyncConfig struct {
	DataDir string `toml:"data_dir"`
	// TopicFilter keeps only regulations whose flattened topic string matches
	// this regexp. Pointers so an explicit empty value in the file disables
	// the filter while an absent key falls back to the default.
	TopicFilter *string `toml:"topic_filter"`
	// IndexStatus restricts the initial build to documents with this status.
	// Explicitly empty disables the filter; absent defaults to "Berlaku".
	IndexStatus *string `toml:"index_status"`
	// ReembedUpdated re-derives and re-embeds body content for updated rows
	// instead of only patching metadata.
	ReembedUpdated bool   `toml:"reembed_updated"`
	ScheduleAt     string `toml:"schedule_at"`
	Timezone       string `toml:"timezone"`
}

// Config is the root configuration.
type Config struct {
	Upstream  UpstreamConfig  `toml:"upstream"`
	Deriver   DeriverConfig   `toml:"deriver"`
	Index     IndexConfig     `toml:"index"`
	Embedding EmbeddingConfig `toml:"embedding"`
	Sync      SyncConfig      `toml:"sync"`
}

// Load reads a config from path. A missing file returns defaults so the tool
// works out of the box against local services.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg := defaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := defaults()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

func defaults() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Upstream.PageLimit <= 0 {
		cfg.Upstream.PageLimit = 4000
	}
	if cfg.Upstream.TimeoutSecs <= 0 {
		cfg.Upstream.TimeoutSecs = 60
	}
	if cfg.Deriver.Variant == "" {
		cfg.Deriver.Variant = "qa"
	}
	if cfg.Deriver.EmbedName == "" {
		cfg.Deriver.EmbedName = "embed_512"
	}
	if cfg.Deriver.QAModel == "" {
		cfg.Deriver.QAModel = "gpt-4o-mini"
	}
	if cfg.Index.Host == "" {
		cfg.Index.Host = "localhost"
	}
	if cfg.Index.Port <= 0 {
		cfg.Index.Port = 6334
	}
	if cfg.Index.Collection == "" {
		cfg.Index.Collection = "tax-rag"
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "text-embedding-3-small"
	}
	if cfg.Embedding.BatchSize <= 0 {
		cfg.Embedding.BatchSize = 500
	}
	if cfg.Sync.DataDir == "" {
		cfg.Sync.DataDir = "var"
	}
	if cfg.Sync.TopicFilter == nil {
		cfg.Sync.TopicFilter = ptr("2|3")
	}
	if cfg.Sync.IndexStatus == nil {
		cfg.Sync.IndexStatus = ptr("Berlaku")
	}
	if cfg.Sync.ScheduleAt == "" {
		cfg.Sync.ScheduleAt = "00:00"
	}
	if cfg.Sync.Timezone == "" {
		cfg.Sync.Timezone = "Asia/Jakarta"
	}
}

var embedNameRe = regexp.MustCompile(`^embed_(\d+)$`)

// ChunkParams derives chunk size and overlap from the embed artifact name.
// A stem that doesn't match "embed_<size>" falls back to 512; overlap is
// always 10% of the size.
func (d DeriverConfig) ChunkParams() (size, overlap int) {
	size = 512
	if m := embedNameRe.FindStringSubmatch(strings.TrimSpace(d.EmbedName)); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			size = n
		}
	}
	return size, size / 10
}

// TopicRE compiles the topic filter, or returns nil when the filter is
// disabled.
func (s SyncConfig) TopicRE() (*regexp.Regexp, error) {
	if s.TopicFilter == nil || *s.TopicFilter == "" {
		return nil, nil
	}
	re, err := regexp.Compile(*s.TopicFilter)
	if err != nil {
		return nil, fmt.Errorf("compile topic filter: %w", err)
	}
	return re, nil
}

// StatusFilter returns the document status filter, empty meaning disabled.
func (s SyncConfig) StatusFilter() string {
	if s.IndexStatus == nil {
		return ""
	}
	return *s.IndexStatus
}

func ptr[T any](v T) *T { return &v }
