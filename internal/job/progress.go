package job

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/schollz/progressbar/v3"

	"github.com/mantonx/pianoreel/internal/encoder"
	"github.com/mantonx/pianoreel/internal/events"
	"github.com/mantonx/pianoreel/internal/logger"
)

// reporter emits the throttled progress of one job to the step trace (or the
// log), the event bus and, optionally, a terminal progress bar. Frame writes
// and encoder status updates share one throttle.
type reporter struct {
	logger    hclog.Logger
	steps     *logger.Steps
	publisher events.Publisher
	batchID   string
	jobID     string
	frames    int
	now       func() time.Time
	bar       *progressbar.ProgressBar

	mu       sync.Mutex
	throttle *Throttle
	written  int
	percent  int
	timemark string
	drain    bool
}

func newReporter(o *Orchestrator, jobID string, frames int) *reporter {
	r := &reporter{
		logger:    o.logger,
		steps:     o.steps,
		publisher: o.publisher,
		batchID:   o.opts.BatchID,
		jobID:     jobID,
		frames:    frames,
		throttle:  NewThrottle(o.opts.ProgressInterval),
		now:       o.now,
	}
	if o.opts.ProgressBar != nil {
		r.bar = newProgressBar(o.opts.ProgressBar, jobID, frames)
	}
	return r
}

func newProgressBar(w io.Writer, description string, frames int) *progressbar.ProgressBar {
	return progressbar.NewOptions(frames,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("frames"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}

// frame records one written frame; percent is derived from the time cursor
func (r *reporter) frame(written, percent int) {
	if r.bar != nil {
		r.bar.Add(1)
	}

	r.mu.Lock()
	r.written = written
	r.percent = percent
	allowed := r.throttle.Allow(r.now())
	timemark := r.timemark
	r.mu.Unlock()
	if !allowed {
		return
	}

	r.line("Frame generation: %d%%", percent)
	if timemark != "" {
		r.line("FFMPEG timemark: %s", timemark)
	}
	publish(r.logger, r.publisher, events.NewJobProgressEvent(r.batchID, r.jobID, percent, int64(written), int64(r.frames), timemark))
}

// follow consumes encoder status updates until the channel closes. The
// returned channel is closed once the last update has been handled.
func (r *reporter) follow(updates <-chan encoder.Progress) <-chan struct{} {
	done := make(chan struct{})
	if updates == nil {
		close(done)
		return done
	}
	go func() {
		defer close(done)
		for update := range updates {
			r.encoded(update)
		}
	}()
	return done
}

// encoded records an encoder status update. While frames are still being
// written the timemark rides along with frame progress; once draining it is
// reported on its own.
func (r *reporter) encoded(update encoder.Progress) {
	if update.Timemark == "" {
		return
	}

	r.mu.Lock()
	r.timemark = update.Timemark
	if !r.drain {
		r.mu.Unlock()
		return
	}
	allowed := r.throttle.Allow(r.now())
	written, percent := r.written, r.percent
	r.mu.Unlock()
	if !allowed {
		return
	}

	r.line("FFMPEG timemark: %s", update.Timemark)
	publish(r.logger, r.publisher, events.NewJobProgressEvent(r.batchID, r.jobID, percent, int64(written), int64(r.frames), update.Timemark))
}

// draining switches encoder updates to stand-alone reporting
func (r *reporter) draining() {
	r.mu.Lock()
	r.drain = true
	r.mu.Unlock()
}

func (r *reporter) line(format string, args ...interface{}) {
	if r.steps != nil {
		r.steps.Log(format, args...)
		return
	}
	r.logger.Info(fmt.Sprintf(format, args...), "job", r.jobID)
}

func (r *reporter) finish() {
	if r.bar != nil {
		r.bar.Finish()
	}
}

func publish(logger hclog.Logger, publisher events.Publisher, event events.Event) {
	if publisher == nil {
		return
	}
	if err := publisher.PublishAsync(event); err != nil {
		logger.Debug("event not published", "type", event.Type, "error", err)
	}
}
