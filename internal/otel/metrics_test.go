package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.TaskDuration == nil {
		t.Error("TaskDuration is nil")
	}
	if m.ForwardDuration == nil {
		t.Error("ForwardDuration is nil")
	}
	if m.TokensGenerated == nil {
		t.Error("TokensGenerated is nil")
	}
	if m.PagesImported == nil {
		t.Error("PagesImported is nil")
	}
	if m.PagesExported == nil {
		t.Error("PagesExported is nil")
	}
	if m.ChainLength == nil {
		t.Error("ChainLength is nil")
	}
	if m.RecomputeRuns == nil {
		t.Error("RecomputeRuns is nil")
	}
	if m.TaskFailures == nil {
		t.Error("TaskFailures is nil")
	}
	if m.QueueDepth == nil {
		t.Error("QueueDepth is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns noop meter — metrics should still create without error.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
