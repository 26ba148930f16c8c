package bftree

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config carries the configuration surface named in SPEC_FULL.md §6/§10.2.
// Zero-valued fields loaded from YAML fall back to DefaultConfig's values.
type Config struct {
	// Path is the backing file the engine's leaves and mini-page merges
	// are read from and written to.
	Path string `yaml:"path"`

	LeafPageSize    uint16 `yaml:"leaf_page_size"`
	InnerNodeSize   uint16 `yaml:"inner_node_size"`
	MiniPageMinSize uint16 `yaml:"mini_page_min_size"`
	MiniPageMaxSize uint16 `yaml:"mini_page_max_size"`

	// PCache and PNeg are the admission probabilities for positive and
	// negative read caching, respectively.
	PCache float64 `yaml:"p_cache"`
	PNeg   float64 `yaml:"p_neg"`
}

// DefaultConfig returns the configuration named in SPEC_FULL.md §6.
func DefaultConfig() Config {
	return Config{
		Path:            "storage.bftree",
		LeafPageSize:    4096,
		InnerNodeSize:   4096,
		MiniPageMinSize: 64,
		MiniPageMaxSize: 4096,
		PCache:          0.01,
		PNeg:            0.01,
	}
}

// LoadConfig reads a YAML config file at path, filling any zero-valued
// field from DefaultConfig. A missing file is not an error: DefaultConfig
// is returned as-is.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var loaded Config
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	if loaded.Path != "" {
		cfg.Path = loaded.Path
	}
	if loaded.LeafPageSize != 0 {
		cfg.LeafPageSize = loaded.LeafPageSize
	}
	if loaded.InnerNodeSize != 0 {
		cfg.InnerNodeSize = loaded.InnerNodeSize
	}
	if loaded.MiniPageMinSize != 0 {
		cfg.MiniPageMinSize = loaded.MiniPageMinSize
	}
	if loaded.MiniPageMaxSize != 0 {
		cfg.MiniPageMaxSize = loaded.MiniPageMaxSize
	}
	if loaded.PCache != 0 {
		cfg.PCache = loaded.PCache
	}
	if loaded.PNeg != 0 {
		cfg.PNeg = loaded.PNeg
	}
	return cfg, nil
}
