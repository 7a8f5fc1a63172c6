package domain

import (
	"testing"
)

func TestNormalizeStatusMapping(t *testing.T) {
	tests := []struct {
		raw      string
		expected JobStatus
	}{
		{"queued", JobQueued},
		{"pending", JobQueued},
		{"waiting", JobQueued},
		{"processing", JobProcessing},
		{"running", JobProcessing},
		{"in_progress", JobProcessing},
		{"started", JobProcessing},
		{"completed", JobCompleted},
		{"success", JobCompleted},
		{"succeeded", JobCompleted},
		{"ok", JobCompleted},
		{"done", JobCompleted},
		{"finished", JobCompleted},
		{"failed", JobFailed},
		{"error", JobFailed},
		{"errored", JobFailed},
		{"exception", JobFailed},
		{"canceled", JobCanceled},
		{"cancelled", JobCanceled},
		{"aborted", JobCanceled},
		{"  Running  ", JobProcessing},
		{"SUCCESS", JobCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, msg := NormalizeStatus(tt.raw)
			if got != tt.expected {
				t.Fatalf("NormalizeStatus(%q) = %q, want %q", tt.raw, got, tt.expected)
			}
			if msg != "" {
				t.Fatalf("expected no diagnostic for %q, got %q", tt.raw, msg)
			}
		})
	}
}

func TestNormalizeStatusUnknown(t *testing.T) {
	got, msg := NormalizeStatus("weird-state")
	if got != JobFailed {
		t.Fatalf("unknown status should map to failed, got %q", got)
	}
	if msg != "unrecognized status: weird-state" {
		t.Fatalf("unexpected diagnostic %q", msg)
	}
}

func TestNormalizeStatusIdempotent(t *testing.T) {
	inputs := []string{"pending", "running", "done", "error", "aborted", "???"}
	for _, raw := range inputs {
		first, _ := NormalizeStatus(raw)
		second, msg := NormalizeStatus(string(first))
		if first != second {
			t.Fatalf("normalize(normalize(%q)): %q != %q", raw, second, first)
		}
		if msg != "" {
			t.Fatalf("canonical value %q produced diagnostic %q", first, msg)
		}
	}
}

func TestNormalizeProgress(t *testing.T) {
	f := func(v float64) *float64 { return &v }
	tests := []struct {
		name     string
		raw      *float64
		status   JobStatus
		prev     float64
		expected float64
	}{
		{"percent scale", f(50), JobProcessing, 0, 0.5},
		{"fraction scale", f(0.25), JobProcessing, 0, 0.25},
		{"boundary one", f(1.0), JobProcessing, 0, 1.0},
		{"missing queued", nil, JobQueued, 0.4, 0.0},
		{"missing completed", nil, JobCompleted, 0.4, 1.0},
		{"missing processing keeps stored", nil, JobProcessing, 0.4, 0.4},
		{"completed forces full", f(80), JobCompleted, 0, 1.0},
		{"negative clamps", f(-3), JobProcessing, 0, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeProgress(tt.raw, tt.status, tt.prev)
			if got != tt.expected {
				t.Fatalf("got %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []JobStatus{JobCompleted, JobFailed, JobCanceled} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []JobStatus{JobQueued, JobProcessing} {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}
