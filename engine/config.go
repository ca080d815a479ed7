package engine

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config groups the scheduler's recognized options.
type Config struct {
	MaxNumSeqs          int `yaml:"max_num_seqs"`
	MaxNumBatchedTokens int `yaml:"max_num_batched_tokens"`
	KVCacheBlockSize    int `yaml:"kvcache_block_size"`
	NumKVCacheBlocks    int `yaml:"num_kvcache_blocks"`
	EOS                 int `yaml:"eos"`
}

// Validate reports a *ConfigError for any non-positive required field.
// Called by NewScheduler so construction fails fast.
func (c Config) Validate() error {
	if c.MaxNumSeqs <= 0 {
		return &ConfigError{Field: "max_num_seqs", Reason: "must be a positive integer"}
	}
	if c.MaxNumBatchedTokens <= 0 {
		return &ConfigError{Field: "max_num_batched_tokens", Reason: "must be a positive integer"}
	}
	if c.KVCacheBlockSize <= 0 {
		return &ConfigError{Field: "kvcache_block_size", Reason: "must be a positive integer"}
	}
	if c.NumKVCacheBlocks <= 0 {
		return &ConfigError{Field: "num_kvcache_blocks", Reason: "must be a positive integer"}
	}
	return nil
}

// LoadConfig reads a Config from a YAML file at path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
