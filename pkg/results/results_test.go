package results_test

import (
	"testing"
	"time"

	"conductor/pkg/protocol"
	"conductor/pkg/results"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func TestResults_Success(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		total int
		apply func(r *results.Results)
		want  bool
	}{
		{"all processed", 2, func(r *results.Results) { r.ItemComplete(); r.ItemComplete() }, true},
		{"empty run", 0, func(*results.Results) {}, true},
		{"unprocessed item", 2, func(r *results.Results) { r.ItemComplete() }, false},
		{"failure", 1, func(r *results.Results) {
			r.ExecutionFailed(results.Failure{Description: "x"})
			r.ItemComplete()
		}, false},
		{"item error", 1, func(r *results.Results) { r.ItemError(results.Failure{Kind: results.KindItemError}) }, false},
		{"crash", 1, func(r *results.Results) { r.ItemComplete(); r.WorkerCrashed() }, false},
		{"pending is fine", 1, func(r *results.Results) { r.ExecutionPending(); r.ItemComplete() }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := results.New(tt.total)
			tt.apply(r)
			if got := r.Success(); got != tt.want {
				t.Fatalf("Success() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResults_CountersAndProgress(t *testing.T) {
	t.Parallel()

	r := results.New(4)
	if r.Progress() != 0 {
		t.Fatalf("initial progress = %v", r.Progress())
	}
	r.ExecutionPassed()
	r.ExecutionPassed()
	r.ExecutionPending()
	r.ExecutionFailed(results.Failure{Description: "boom"})
	r.ItemComplete()

	if r.Passed() != 2 || r.Pending() != 1 || r.Failed() != 1 {
		t.Fatalf("counts = %d/%d/%d", r.Passed(), r.Failed(), r.Pending())
	}
	if r.Progress() != 0.25 {
		t.Fatalf("progress = %v, want 0.25", r.Progress())
	}
	if got := r.Failures(); len(got) != 1 || got[0].Description != "boom" {
		t.Fatalf("failures = %+v", got)
	}

	for range 10 {
		r.ItemComplete()
	}
	if r.ItemsProcessed() != r.ItemsTotal() {
		t.Fatalf("processed %d exceeds total %d", r.ItemsProcessed(), r.ItemsTotal())
	}
	if results.New(0).Progress() != 0 {
		t.Fatal("progress with no items must be 0")
	}
}

func TestResults_ItemErrorDoesNotCountAsProcessed(t *testing.T) {
	t.Parallel()
	r := results.New(1)
	r.ItemError(results.FailureFromMessage(protocol.ItemError("./a", "load failed", []string{"a.go:1"})))
	if r.ItemsProcessed() != 0 {
		t.Fatal("item error must not count as processed")
	}
	f := r.Failures()[0]
	if f.Kind != results.KindItemError || f.Message != "load failed" || f.Item != "./a" {
		t.Fatalf("failure = %+v", f)
	}
}

func TestResults_Timing(t *testing.T) {
	t.Parallel()

	clock := newClock()
	r := results.New(1, results.WithClock(clock.now))
	start := clock.t

	clock.advance(2 * time.Second)
	if r.ActiveRuntime() != 2*time.Second {
		t.Fatalf("active runtime before assignment = %v", r.ActiveRuntime())
	}

	r.ItemAssigned()
	clock.advance(time.Second)
	r.ItemAssigned() // idempotent
	if !r.FirstAssignedAt().Equal(start.Add(2 * time.Second)) {
		t.Fatalf("first assigned at = %v", r.FirstAssignedAt())
	}

	clock.advance(time.Second)
	r.SuiteComplete()
	clock.advance(time.Hour)
	r.SuiteComplete() // idempotent

	if r.ActiveRuntime() != 2*time.Second {
		t.Fatalf("active runtime = %v, want 2s", r.ActiveRuntime())
	}
	if r.TotalRuntime() != 4*time.Second {
		t.Fatalf("total runtime = %v, want 4s", r.TotalRuntime())
	}
	if !r.StartedAt().Equal(start) || r.CompletedAt().IsZero() {
		t.Fatal("start/completion timestamps not recorded")
	}
}

func TestFailureFromMessage_Execution(t *testing.T) {
	t.Parallel()
	f := results.FailureFromMessage(protocol.Message{
		Type:           protocol.MsgExecutionFailed,
		File:           "./pkg",
		Description:    "TestX",
		Location:       "x_test.go:3",
		ExceptionClass: "fail",
		Message:        "nope",
	})
	if f.Kind != results.KindExecution || f.Location != "x_test.go:3" || f.ExceptionClass != "fail" {
		t.Fatalf("failure = %+v", f)
	}
}
