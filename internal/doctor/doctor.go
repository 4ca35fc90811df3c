// Package doctor runs environment diagnostics for the kvflow binary:
// config validity, data directory permissions, store reachability, and
// the configured workflow plan.
package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/kvflow/internal/config"
	"github.com/basket/kvflow/internal/store"
	"github.com/basket/kvflow/internal/workflow"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkStore,
		checkWorkflow,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	return CheckResult{
		Name:    "Config",
		Status:  "PASS",
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail:  fmt.Sprintf("page_size=%d, store=%s", cfg.Cache.PageSize, cfg.Store.Driver),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Data dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Data directory writable"}
}

// checkStore opens the configured backend and round-trips a probe key.
func checkStore(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Store", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.Store.Driver == "memory" {
		return CheckResult{Name: "Store", Status: "PASS", Message: "Memory driver (nothing to probe)"}
	}

	s, err := store.Open(cfg.Store.Path)
	if err != nil {
		return CheckResult{Name: "Store", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer s.Close()

	probe := fmt.Sprintf("_doctor_probe_%d", time.Now().UnixNano())
	if err := s.Set(ctx, probe, []byte("ok")); err != nil {
		return CheckResult{Name: "Store", Status: "FAIL", Message: fmt.Sprintf("Write failed: %v", err)}
	}
	if _, ok, err := s.Get(ctx, probe); err != nil || !ok {
		return CheckResult{Name: "Store", Status: "FAIL", Message: fmt.Sprintf("Read-back failed: ok=%v err=%v", ok, err)}
	}

	return CheckResult{
		Name:    "Store",
		Status:  "PASS",
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("path=%s", cfg.Store.Path),
	}
}

func checkWorkflow(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.WorkflowFile == "" {
		return CheckResult{Name: "Workflow", Status: "SKIP", Message: "No workflow file configured"}
	}

	plan, err := workflow.LoadPlan(cfg.WorkflowFile)
	if err != nil {
		return CheckResult{Name: "Workflow", Status: "FAIL", Message: fmt.Sprintf("Plan invalid: %v", err)}
	}

	return CheckResult{
		Name:    "Workflow",
		Status:  "PASS",
		Message: fmt.Sprintf("Plan %q valid (%d steps)", plan.Name, len(plan.Steps)),
	}
}
