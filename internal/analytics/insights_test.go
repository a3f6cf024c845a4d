package analytics

import (
	"context"
	"testing"
	"time"
)

func TestInsightTypeConstants(t *testing.T) {
	types := []InsightType{
		InsightFailureSpike,
		InsightPrimaryDegraded,
	}

	seen := make(map[InsightType]bool)
	for _, it := range types {
		if seen[it] {
			t.Errorf("duplicate insight type: %s", it)
		}
		seen[it] = true
		if it == "" {
			t.Error("insight type should not be empty")
		}
	}
}

func TestSpikeSeverity(t *testing.T) {
	tests := []struct {
		multiplier float64
		expected   Severity
	}{
		{2.1, SeverityWarning},
		{3.0, SeverityWarning},
		{4.9, SeverityWarning},
		{5.0, SeverityCritical},
		{10.0, SeverityCritical},
	}

	for _, tt := range tests {
		if got := spikeSeverity(tt.multiplier); got != tt.expected {
			t.Errorf("multiplier %.1f: expected severity %q, got %q", tt.multiplier, tt.expected, got)
		}
	}
}

func TestSpikeInsight(t *testing.T) {
	day := time.Date(2026, 6, 3, 0, 0, 0, 0, time.UTC)
	now := day.Add(30 * time.Hour)

	in := spikeInsight(day, "all_backends_failed", 12, 2, now)

	if in.ID != "spike-all_backends_failed-2026-06-03" {
		t.Errorf("unexpected ID: %s", in.ID)
	}
	if in.Type != InsightFailureSpike {
		t.Errorf("unexpected type: %s", in.Type)
	}
	if in.Severity != SeverityCritical {
		t.Errorf("6x spike should be critical, got %s", in.Severity)
	}
	if in.AffectedEntity != "all_backends_failed" {
		t.Errorf("unexpected entity: %s", in.AffectedEntity)
	}
	if !in.CreatedAt.Equal(now) {
		t.Errorf("unexpected created_at: %v", in.CreatedAt)
	}
}

func TestFallbackInsight(t *testing.T) {
	now := time.Date(2026, 6, 3, 14, 5, 0, 0, time.UTC)
	tests := []struct {
		name      string
		total     int64
		fallbacks int64
		want      bool
		severity  Severity
	}{
		{"too few requests", 10, 10, false, ""},
		{"healthy", 100, 5, false, ""},
		{"at warning share", 100, 25, true, SeverityWarning},
		{"critical share", 100, 70, true, SeverityCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, ok := fallbackInsight(tt.total, tt.fallbacks, now)
			if ok != tt.want {
				t.Fatalf("fallbackInsight(%d, %d) reported = %v, want %v", tt.total, tt.fallbacks, ok, tt.want)
			}
			if ok && in.Severity != tt.severity {
				t.Errorf("severity = %s, want %s", in.Severity, tt.severity)
			}
			if ok && in.Type != InsightPrimaryDegraded {
				t.Errorf("type = %s", in.Type)
			}
		})
	}
}

func TestSuccessRate(t *testing.T) {
	if got := successRate(0, 0); got != 0 {
		t.Errorf("empty period: got %v", got)
	}
	if got := successRate(2, 3); got != 0.667 {
		t.Errorf("2/3: got %v", got)
	}
	if got := successRate(5, 5); got != 1 {
		t.Errorf("5/5: got %v", got)
	}
}

func TestNewInsightsEngine(t *testing.T) {
	engine := NewInsightsEngine(nil)
	if engine == nil {
		t.Fatal("expected non-nil engine")
	}
	if engine.pool != nil {
		t.Error("expected nil pool when created with nil")
	}
}

func TestNilPoolIsNoop(t *testing.T) {
	engine := NewInsightsEngine(nil)
	ctx := context.Background()

	if got, err := engine.DetectSpikes(ctx); got != nil || err != nil {
		t.Errorf("DetectSpikes = %v, %v", got, err)
	}
	if got, err := engine.DetectDegradedPrimaries(ctx); got != nil || err != nil {
		t.Errorf("DetectDegradedPrimaries = %v, %v", got, err)
	}
	if got, err := engine.GenerateReport(ctx, time.Now().Add(-time.Hour), time.Now()); got != nil || err != nil {
		t.Errorf("GenerateReport = %v, %v", got, err)
	}
}
