package doctor

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basket/kvflow/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		HomeDir: dir,
		Cache:   config.CacheConfig{PageSize: 16},
		Store: config.StoreConfig{
			Driver: "sqlite",
			Path:   filepath.Join(dir, "kvflow.db"),
		},
	}
}

func TestRun_AllChecksNamed(t *testing.T) {
	cfg := testConfig(t)
	diag := Run(context.Background(), cfg, "test")

	want := []string{"Config", "Permissions", "Store", "Workflow"}
	if len(diag.Results) != len(want) {
		t.Fatalf("len(Results) = %d, want %d", len(diag.Results), len(want))
	}
	for i, name := range want {
		if diag.Results[i].Name != name {
			t.Errorf("Results[%d].Name = %q, want %q", i, diag.Results[i].Name, name)
		}
	}
}

func TestCheckConfig_Nil(t *testing.T) {
	result := checkConfig(context.Background(), nil)
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for nil config, got %s", result.Status)
	}
}

func TestCheckStore_SQLiteProbe(t *testing.T) {
	cfg := testConfig(t)
	result := checkStore(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s (%s)", result.Status, result.Message)
	}
}

func TestCheckStore_MemoryDriverSkipsProbe(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "memory"
	result := checkStore(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s", result.Status)
	}
}

func TestCheckWorkflow_NotConfigured(t *testing.T) {
	cfg := testConfig(t)
	result := checkWorkflow(context.Background(), cfg)
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP without workflow file, got %s", result.Status)
	}
}

func TestCheckWorkflow_InvalidPlan(t *testing.T) {
	cfg := testConfig(t)
	cfg.WorkflowFile = filepath.Join(cfg.HomeDir, "missing.yaml")
	result := checkWorkflow(context.Background(), cfg)
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for missing plan, got %s", result.Status)
	}
}

func TestCheckPermissions_Writable(t *testing.T) {
	cfg := testConfig(t)
	result := checkPermissions(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s (%s)", result.Status, result.Message)
	}
}
