package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfig_Validate_RejectsNonPositiveFields(t *testing.T) {
	base := Config{MaxNumSeqs: 4, MaxNumBatchedTokens: 32, KVCacheBlockSize: 4, NumKVCacheBlocks: 8}
	cases := []struct {
		name   string
		mutate func(c Config) Config
		field  string
	}{
		{"max_num_seqs", func(c Config) Config { c.MaxNumSeqs = 0; return c }, "max_num_seqs"},
		{"max_num_batched_tokens", func(c Config) Config { c.MaxNumBatchedTokens = -1; return c }, "max_num_batched_tokens"},
		{"kvcache_block_size", func(c Config) Config { c.KVCacheBlockSize = 0; return c }, "kvcache_block_size"},
		{"num_kvcache_blocks", func(c Config) Config { c.NumKVCacheBlocks = 0; return c }, "num_kvcache_blocks"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.mutate(base).Validate()
			assert.Error(t, err)
			var cfgErr *ConfigError
			assert.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tc.field, cfgErr.Field)
		})
	}
}

func TestConfig_Validate_AcceptsWellFormedConfig(t *testing.T) {
	cfg := Config{MaxNumSeqs: 4, MaxNumBatchedTokens: 32, KVCacheBlockSize: 4, NumKVCacheBlocks: 8, EOS: 2}
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_ParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "max_num_seqs: 4\nmax_num_batched_tokens: 32\nkvcache_block_size: 4\nnum_kvcache_blocks: 8\neos: 2\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)

	assert.NoError(t, err)
	assert.Equal(t, Config{
		MaxNumSeqs:          4,
		MaxNumBatchedTokens: 32,
		KVCacheBlockSize:    4,
		NumKVCacheBlocks:    8,
		EOS:                 2,
	}, cfg)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_MissingFileReturnsError(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}
