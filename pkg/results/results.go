// Package results accumulates the outcome of a conductor run: execution
// counts, failure records, crash count, item progress and timing.
//
// Counters only ever grow. A Results is owned by the dispatcher loop and is
// not safe for concurrent mutation.
package results

import (
	"time"

	"conductor/pkg/protocol"
)

// Kind distinguishes a failed execution from an item the backend could not
// run at all.
type Kind string

// Failure kinds.
const (
	KindExecution Kind = "execution"
	KindItemError Kind = "item_error"
)

// Failure is one entry of the failure list.
type Failure struct {
	Kind           Kind
	Item           string
	Description    string
	Location       string
	ExceptionClass string
	Message        string
	Backtrace      []string
}

// FailureFromMessage builds a Failure from an execution_failed or
// item_error message.
func FailureFromMessage(m protocol.Message) Failure {
	if m.Type == protocol.MsgItemError {
		return Failure{
			Kind:        KindItemError,
			Item:        m.File,
			Description: "error running " + m.File,
			Location:    m.File,
			Message:     m.Error,
			Backtrace:   m.Backtrace,
		}
	}
	return Failure{
		Kind:           KindExecution,
		Item:           m.File,
		Description:    m.Description,
		Location:       m.Location,
		ExceptionClass: m.ExceptionClass,
		Message:        m.Message,
		Backtrace:      m.Backtrace,
	}
}

// Results is the run accumulator.
type Results struct {
	passed, failed, pending int
	crashes                 int
	failures                []Failure

	itemsTotal     int
	itemsProcessed int

	startedAt       time.Time
	firstAssignedAt time.Time
	completedAt     time.Time

	nowFunc func() time.Time
}

// Option configures a Results.
type Option func(*Results)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Results) { r.nowFunc = now }
}

// New starts a Results for a run of total items. The start time is taken
// now.
func New(total int, opts ...Option) *Results {
	r := &Results{itemsTotal: max(total, 0), nowFunc: time.Now}
	for _, o := range opts {
		o(r)
	}
	r.startedAt = r.nowFunc()
	return r
}

// --- Mutators ---

// ExecutionPassed counts a passed execution.
func (r *Results) ExecutionPassed() { r.passed++ }

// ExecutionPending counts a pending execution.
func (r *Results) ExecutionPending() { r.pending++ }

// ExecutionFailed counts a failed execution and records it.
func (r *Results) ExecutionFailed(f Failure) {
	r.failed++
	r.failures = append(r.failures, f)
}

// ItemAssigned records the time of the first assignment. Later calls are
// no-ops.
func (r *Results) ItemAssigned() {
	if r.firstAssignedAt.IsZero() {
		r.firstAssignedAt = r.nowFunc()
	}
}

// ItemComplete counts one processed item.
func (r *Results) ItemComplete() {
	if r.itemsProcessed < r.itemsTotal {
		r.itemsProcessed++
	}
}

// ItemError records an item the backend failed to run. The item does not
// count as processed.
func (r *Results) ItemError(f Failure) {
	r.failures = append(r.failures, f)
}

// WorkerCrashed counts a worker that exited without being asked to.
func (r *Results) WorkerCrashed() { r.crashes++ }

// SuiteComplete records the completion time. Later calls are no-ops.
func (r *Results) SuiteComplete() {
	if r.completedAt.IsZero() {
		r.completedAt = r.nowFunc()
	}
}

// --- Accessors ---

// Passed is the number of passed executions.
func (r *Results) Passed() int { return r.passed }

// Failed is the number of failed executions.
func (r *Results) Failed() int { return r.failed }

// Pending is the number of pending executions.
func (r *Results) Pending() int { return r.pending }

// WorkerCrashes is the number of workers that died unexpectedly.
func (r *Results) WorkerCrashes() int { return r.crashes }

// Failures returns the failure and item-error records in arrival order.
func (r *Results) Failures() []Failure {
	return append([]Failure(nil), r.failures...)
}

// ItemsTotal is the number of items in the run.
func (r *Results) ItemsTotal() int { return r.itemsTotal }

// ItemsProcessed is the number of items that completed.
func (r *Results) ItemsProcessed() int { return r.itemsProcessed }

// StartedAt is when the Results was created.
func (r *Results) StartedAt() time.Time { return r.startedAt }

// FirstAssignedAt is when the first item was handed out, zero if none was.
func (r *Results) FirstAssignedAt() time.Time { return r.firstAssignedAt }

// CompletedAt is when the suite completed, zero while running.
func (r *Results) CompletedAt() time.Time { return r.completedAt }

// Progress is the processed fraction of items, 0 when there are none.
func (r *Results) Progress() float64 {
	if r.itemsTotal == 0 {
		return 0
	}
	return float64(r.itemsProcessed) / float64(r.itemsTotal)
}

// Success reports a clean run: no failures, no item errors, no crashes and
// every item processed. The dispatcher additionally fails a run that is
// shutting down.
func (r *Results) Success() bool {
	return r.failed == 0 && len(r.failures) == 0 && r.crashes == 0 && r.itemsProcessed == r.itemsTotal
}

// ActiveRuntime runs from the first assignment (or the start, if nothing was
// assigned) to completion (or now).
func (r *Results) ActiveRuntime() time.Duration {
	from := r.firstAssignedAt
	if from.IsZero() {
		from = r.startedAt
	}
	return r.end().Sub(from)
}

// TotalRuntime runs from the start to completion (or now).
func (r *Results) TotalRuntime() time.Duration {
	return r.end().Sub(r.startedAt)
}

func (r *Results) end() time.Time {
	if !r.completedAt.IsZero() {
		return r.completedAt
	}
	return r.nowFunc()
}
