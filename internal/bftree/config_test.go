package bftree

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg != DefaultConfig() {
		t.Fatalf("cfg = %+v, want defaults %+v", cfg, DefaultConfig())
	}
}

func TestLoadConfigOverridesOnlySetFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bftree.yaml")
	yamlContent := "p_cache: 0.5\nmini_page_min_size: 128\n"
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.PCache != 0.5 {
		t.Errorf("PCache = %v, want 0.5", cfg.PCache)
	}
	if cfg.MiniPageMinSize != 128 {
		t.Errorf("MiniPageMinSize = %v, want 128", cfg.MiniPageMinSize)
	}
	def := DefaultConfig()
	if cfg.LeafPageSize != def.LeafPageSize {
		t.Errorf("LeafPageSize changed unexpectedly: %v", cfg.LeafPageSize)
	}
	if cfg.PNeg != def.PNeg {
		t.Errorf("PNeg changed unexpectedly: %v", cfg.PNeg)
	}
}
