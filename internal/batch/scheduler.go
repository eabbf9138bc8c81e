package batch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/pianoreel/internal/errors"
	"github.com/mantonx/pianoreel/internal/events"
	"github.com/mantonx/pianoreel/internal/job"
	"github.com/mantonx/pianoreel/internal/logger"
	"github.com/mantonx/pianoreel/internal/utils"
)

// Runner renders one job; *job.Orchestrator implements it
type Runner interface {
	Run(ctx context.Context, j job.Job) job.Result
}

// batchAware runners tag their events with the current batch
type batchAware interface {
	SetBatchID(id string)
}

// Scheduler runs every discovered job sequentially inside timed steps
type Scheduler struct {
	logger    hclog.Logger
	steps     *logger.Steps
	runner    Runner
	layout    Layout
	publisher events.Publisher
	selection []string
	current   atomic.Pointer[Report]
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithPublisher publishes batch and skip events to a bus
func WithPublisher(p events.Publisher) Option {
	return func(s *Scheduler) { s.publisher = p }
}

// WithSelection restricts the batch to the named songs instead of
// discovering them
func WithSelection(names ...string) Option {
	return func(s *Scheduler) { s.selection = names }
}

// NewScheduler creates a scheduler
func NewScheduler(log hclog.Logger, steps *logger.Steps, runner Runner, layout Layout, opts ...Option) *Scheduler {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	s := &Scheduler{
		logger: log,
		steps:  steps,
		runner: runner,
		layout: layout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Current returns the report of the running or most recent batch, or nil
func (s *Scheduler) Current() *Report {
	return s.current.Load()
}

// Run executes one batch. Setup errors abort the batch before any job
// renders and are returned; job failures are recorded in the report and the
// batch continues.
func (s *Scheduler) Run(ctx context.Context) (*Report, error) {
	report := NewReport(utils.GenerateUUID())
	s.current.Store(report)
	defer report.Finish()

	if aware, ok := s.runner.(batchAware); ok {
		aware.SetBatchID(report.BatchID)
	}

	jobs, err := s.jobs()
	if err != nil {
		return report, err
	}
	s.logger.Debug("batch starting", "batch_id", report.BatchID, "jobs", len(jobs))
	s.publish(events.NewBatchEvent(events.EventBatchStarted, report.BatchID, map[string]interface{}{"jobs": len(jobs)}))

	if err := s.steps.Run("file verification", func() error {
		return Verify(jobs)
	}); err != nil {
		s.logger.Error("missing required file", "job", errors.GetJobID(err), "error", err)
		return report, err
	}

	err = s.steps.Run("render videos", func() error {
		for _, j := range jobs {
			if err := ctx.Err(); err != nil {
				return err
			}

			if j.Completed {
				s.steps.Log("Skipping %s", j.ID)
				report.Add(Entry{JobID: j.ID, Outcome: OutcomeSkipped})
				s.publish(events.NewJobSkippedEvent(report.BatchID, j.ID, j.OutputPath))
				continue
			}

			s.runJob(ctx, report, j)
		}
		return nil
	})

	s.publish(events.NewBatchEvent(events.EventBatchCompleted, report.BatchID, map[string]interface{}{
		"succeeded": report.Count(OutcomeSucceeded),
		"failed":    report.Count(OutcomeFailed),
		"skipped":   report.Count(OutcomeSkipped),
	}))
	return report, err
}

func (s *Scheduler) runJob(ctx context.Context, report *Report, j job.Job) {
	start := time.Now()
	var result job.Result

	err := s.steps.Run("render of "+j.ID, func() error {
		result = s.runner.Run(ctx, j)
		return result.Err
	})

	entry := Entry{JobID: j.ID, Duration: time.Since(start), Result: &result}
	if err != nil {
		entry.Outcome = OutcomeFailed
		entry.Error = err.Error()
		s.logger.Error("an error happened while processing file", "job", j.ID, "error", err)
	} else {
		entry.Outcome = OutcomeSucceeded
	}
	report.Add(entry)
}

func (s *Scheduler) jobs() ([]job.Job, error) {
	if len(s.selection) > 0 {
		return Select(s.layout, s.selection), nil
	}
	return Discover(s.layout)
}

func (s *Scheduler) publish(e events.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishAsync(e); err != nil {
		s.logger.Debug("event not published", "type", e.Type, "error", err)
	}
}
