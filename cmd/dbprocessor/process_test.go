package main

import (
	"testing"
	"time"

	"dbprocessor/pipeline"
)

func TestUnseenSkipsReportedOncePerRun(t *testing.T) {
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	seen := make(map[string]bool)
	skips := []pipeline.Skip{
		{Process: pipeline.Process{ID: 1}, Date: day, Reason: "no active code for process"},
		{Process: pipeline.Process{ID: 2}, Date: day, Reason: "required input missing"},
	}

	first := unseenSkips(skips, seen)
	if len(first) != 2 {
		t.Fatalf("first pass: got %d skips, want 2", len(first))
	}

	// The same candidates come back on every later pass; they must not be
	// counted again.
	second := unseenSkips(skips, seen)
	if len(second) != 0 {
		t.Fatalf("second pass: got %d skips, want 0", len(second))
	}

	// A different date for the same process is a new candidate.
	next := unseenSkips([]pipeline.Skip{
		{Process: pipeline.Process{ID: 1}, Date: day.AddDate(0, 0, 1), Reason: "no active code for process"},
	}, seen)
	if len(next) != 1 {
		t.Fatalf("new date: got %d skips, want 1", len(next))
	}
}
