package batch

import (
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/mantonx/pianoreel/internal/job"
)

// Outcome is the final disposition of one job in a batch
type Outcome string

const (
	OutcomeSkipped   Outcome = "skipped"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// Entry is one job's line in the report
type Entry struct {
	JobID    string        `json:"job_id"`
	Outcome  Outcome       `json:"outcome"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	Result   *job.Result   `json:"result,omitempty"`
}

// Report is the append-only, ordered record of a batch
type Report struct {
	BatchID   string
	StartedAt time.Time

	mu         sync.RWMutex
	entries    []Entry
	finishedAt time.Time
}

// Snapshot is a serializable copy of a report
type Snapshot struct {
	BatchID    string     `json:"batch_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Summary    string     `json:"summary"`
	Entries    []Entry    `json:"entries"`
}

// NewReport creates an empty report
func NewReport(batchID string) *Report {
	return &Report{BatchID: batchID, StartedAt: time.Now()}
}

// Add appends an entry
func (r *Report) Add(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

// Finish stamps the end of the batch
func (r *Report) Finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finishedAt = time.Now()
}

// Done reports whether Finish has been called
func (r *Report) Done() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.finishedAt.IsZero()
}

// Snapshot copies the report for serialization
func (r *Report) Snapshot() Snapshot {
	snap := Snapshot{
		BatchID:   r.BatchID,
		StartedAt: r.StartedAt,
		Summary:   r.Summary(),
		Entries:   r.Entries(),
	}
	r.mu.RLock()
	if !r.finishedAt.IsZero() {
		finished := r.finishedAt
		snap.FinishedAt = &finished
	}
	r.mu.RUnlock()
	return snap
}

// Entries returns a copy of the entries in the order they were added
func (r *Report) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Count returns how many entries have the given outcome
func (r *Report) Count(outcome Outcome) int {
	return lo.CountBy(r.Entries(), func(e Entry) bool { return e.Outcome == outcome })
}

// Failed returns the failed entries
func (r *Report) Failed() []Entry {
	return lo.Filter(r.Entries(), func(e Entry, _ int) bool { return e.Outcome == OutcomeFailed })
}

// Summary renders the one-line batch summary
func (r *Report) Summary() string {
	return fmt.Sprintf("%d succeeded, %d failed, %d skipped",
		r.Count(OutcomeSucceeded), r.Count(OutcomeFailed), r.Count(OutcomeSkipped))
}
