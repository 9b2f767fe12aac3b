package domain

import (
	"testing"
	"time"
)

func TestVariantID(t *testing.T) {
	cases := []struct {
		action RLAction
		want   string
	}{
		{RLAction{MaxWorkers: 4, GradleHeapGB: 8, KotlinHeapGB: 4}, "W4_G8_K4"},
		{RLAction{MaxWorkers: 2, GradleHeapGB: 2.5, KotlinHeapGB: 1.5}, "W2_G2.5_K1.5"},
	}
	for _, tc := range cases {
		if got := tc.action.VariantID(); got != tc.want {
			t.Fatalf("VariantID(%+v) = %s, want %s", tc.action, got, tc.want)
		}
	}
}

func TestRLActionValid(t *testing.T) {
	if !(RLAction{MaxWorkers: 1, GradleHeapGB: 1, KotlinHeapGB: 1}).Valid() {
		t.Fatalf("expected valid action")
	}
	for _, a := range []RLAction{
		{GradleHeapGB: 1, KotlinHeapGB: 1},
		{MaxWorkers: 1, KotlinHeapGB: 1},
		{MaxWorkers: 1, GradleHeapGB: 1},
	} {
		if a.Valid() {
			t.Fatalf("expected %+v to be invalid", a)
		}
	}
}

func TestNextStatusNeverLeavesTerminal(t *testing.T) {
	all := []Status{StatusCreated, StatusRunning, StatusUpdated, StatusCompleted, StatusFailed, "in_progress"}
	for _, terminal := range []Status{StatusCompleted, StatusFailed} {
		for _, req := range all {
			if got := NextStatus(terminal, req); got != terminal {
				t.Fatalf("NextStatus(%s, %s) = %s", terminal, req, got)
			}
		}
	}
}

func TestNextStatusTransitions(t *testing.T) {
	cases := []struct {
		current, requested, want Status
	}{
		{"", StatusCreated, StatusCreated},
		{StatusCreated, StatusRunning, StatusRunning},
		{StatusCreated, StatusUpdated, StatusUpdated},
		{StatusRunning, StatusCreated, StatusRunning},
		{StatusUpdated, StatusRunning, StatusRunning},
		{StatusRunning, StatusCompleted, StatusCompleted},
		{StatusRunning, "", StatusRunning},
	}
	for _, tc := range cases {
		if got := NextStatus(tc.current, tc.requested); got != tc.want {
			t.Fatalf("NextStatus(%q, %q) = %q, want %q", tc.current, tc.requested, got, tc.want)
		}
	}
}

func TestResolveStatusRequiresActionForRunning(t *testing.T) {
	cases := []struct {
		current, requested Status
		hasAction          bool
		want               Status
	}{
		{StatusCreated, StatusRunning, false, StatusUpdated},
		{StatusCreated, StatusRunning, true, StatusRunning},
		{StatusUpdated, StatusRunning, false, StatusUpdated},
		{StatusRunning, "", true, StatusRunning},
		{StatusCreated, StatusUpdated, false, StatusUpdated},
		{StatusFailed, StatusRunning, true, StatusFailed},
	}
	for _, tc := range cases {
		if got := ResolveStatus(tc.current, tc.requested, tc.hasAction); got != tc.want {
			t.Fatalf("ResolveStatus(%q, %q, %v) = %q, want %q", tc.current, tc.requested, tc.hasAction, got, tc.want)
		}
	}
}

func TestBuildMetricsComplete(t *testing.T) {
	zero := 0.0
	m := BuildMetrics{BuildTime: &zero, GradleGCTime: &zero}
	if m.Complete() {
		t.Fatalf("missing kotlin_gc_time should be incomplete")
	}
	m.KotlinGCTime = &zero
	if !m.Complete() {
		t.Fatalf("zero values count as present")
	}
}

func TestExperimentBudget(t *testing.T) {
	exp := Experiment{}
	if exp.Budget() != DefaultMaxIterations {
		t.Fatalf("expected default budget, got %d", exp.Budget())
	}
	exp.MaxIterations = 2
	exp.Variants = []Variant{{}, {}}
	if !exp.Exhausted() {
		t.Fatalf("expected exhausted experiment")
	}
}

func TestExperimentID(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	if got := ExperimentID(now); got != "experiment-1700000000123" {
		t.Fatalf("unexpected id %s", got)
	}
}

func TestStatusValid(t *testing.T) {
	for _, s := range []Status{StatusCreated, StatusRunning, StatusUpdated, StatusCompleted, StatusFailed} {
		if !s.Valid() {
			t.Fatalf("%s should be valid", s)
		}
	}
	for _, s := range []Status{"", "success", "in_progress"} {
		if s.Valid() {
			t.Fatalf("%q should not be valid", s)
		}
	}
}
