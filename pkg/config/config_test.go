package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	yamlContent := `
node_id: replica-7
data_dir: /var/lib/partitiontx
groups:
  - table_id: 1
    partition_id: 1
  - table_id: 1
    partition_id: 2
gc:
  batch_size: 512
cleanup:
  max_attempts: 3
`
	if err := os.WriteFile(path, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.NodeId != "replica-7" {
		t.Errorf("expected node_id replica-7, got %s", cfg.NodeId)
	}
	if len(cfg.Groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(cfg.Groups))
	}
	if cfg.Groups[1].PartitionId != 2 {
		t.Errorf("expected second group partition_id 2, got %d", cfg.Groups[1].PartitionId)
	}
	if cfg.GC.BatchSize != 512 {
		t.Errorf("expected gc.batch_size to override default, got %d", cfg.GC.BatchSize)
	}
	if cfg.Cleanup.MaxAttempts != 3 {
		t.Errorf("expected cleanup.max_attempts to override default, got %d", cfg.Cleanup.MaxAttempts)
	}
	// GC.TokensPerSecond was left unset in the YAML, so the default must
	// survive since Load starts from Default() rather than a zero Config.
	if cfg.GC.TokensPerSecond != 1000 {
		t.Errorf("expected unset gc.tokens_per_second to keep its default, got %v", cfg.GC.TokensPerSecond)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected an error for a missing config file")
	}
}
