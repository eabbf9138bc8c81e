package job

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/pianoreel/internal/config"
	"github.com/mantonx/pianoreel/internal/encoder"
	"github.com/mantonx/pianoreel/internal/errors"
	"github.com/mantonx/pianoreel/internal/events"
	"github.com/mantonx/pianoreel/internal/logger"
	"github.com/mantonx/pianoreel/internal/metadata"
	"github.com/mantonx/pianoreel/internal/midi"
	"github.com/mantonx/pianoreel/internal/render"
	"github.com/mantonx/pianoreel/internal/utils"
)

// FrameRenderer turns one render state into an encoded image
type FrameRenderer interface {
	RenderFrame(s render.State) ([]byte, error)
}

// EncodeSession is the part of an encoder session the orchestrator drives
type EncodeSession interface {
	WriteFrame(frame []byte) error
	CloseInput() error
	Wait() error
	Timemark() string
	Progress() <-chan encoder.Progress
}

// SessionStarter starts one encoder session per job
type SessionStarter interface {
	Start(ctx context.Context, req encoder.Request) (EncodeSession, error)
}

// EncoderStarter adapts an *encoder.Encoder to SessionStarter
type EncoderStarter struct {
	Encoder *encoder.Encoder
}

// Start launches an ffmpeg session
func (s EncoderStarter) Start(ctx context.Context, req encoder.Request) (EncodeSession, error) {
	session, err := s.Encoder.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Options configures how jobs are rendered and encoded
type Options struct {
	BatchID string

	FPS           int
	MaxSeconds    float64
	Width         int
	Height        int
	PPS           float64
	Visualization string
	KeySignature  string
	AssetsDir     string

	Threads       int
	VideoCodec    string
	Preset        string
	Tune          string
	PixelFormat   string
	CRF           int
	AudioMetadata bool

	ProgressInterval time.Duration
	// Backfill re-sends the previous good frame when a frame fails to render,
	// keeping the video in sync with the audio
	Backfill bool
	// ProgressBar, when set, receives a terminal progress bar per job
	ProgressBar io.Writer
}

// OptionsFromConfig derives orchestrator options from the loaded config
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		FPS:              cfg.Render.FPS,
		MaxSeconds:       cfg.Render.MaxSeconds,
		Width:            cfg.Render.Width,
		Height:           cfg.Render.Height,
		PPS:              cfg.Render.PixelsPerSecond,
		Visualization:    cfg.Render.Visualization,
		KeySignature:     cfg.Render.KeySignature,
		AssetsDir:        cfg.Render.AssetsDir,
		Threads:          cfg.Encoder.Threads,
		VideoCodec:       cfg.Encoder.VideoCodec,
		Preset:           cfg.Encoder.Preset,
		Tune:             cfg.Encoder.Tune,
		PixelFormat:      cfg.Encoder.PixelFormat,
		CRF:              cfg.Encoder.CRF,
		AudioMetadata:    cfg.Encoder.AudioMetadata,
		ProgressInterval: cfg.Job.ProgressInterval,
		Backfill:         cfg.Job.BackfillDroppedFrames,
	}
}

// Orchestrator runs jobs one at a time. A failure of one job is reported in
// its Result and never escapes Run.
type Orchestrator struct {
	logger    hclog.Logger
	opts      Options
	starter   SessionStarter
	renderer  FrameRenderer
	validator *StateValidator
	publisher events.Publisher
	steps     *logger.Steps
	parseSong func(path string) (*midi.Song, error)
	readTags  func(path string) (metadata.Tags, error)
	now       func() time.Time
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithPublisher publishes state changes and progress to a bus
func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithSteps writes progress lines to the console step trace instead of the
// structured log
func WithSteps(steps *logger.Steps) Option {
	return func(o *Orchestrator) { o.steps = steps }
}

// WithSongParser replaces MIDI file parsing
func WithSongParser(fn func(path string) (*midi.Song, error)) Option {
	return func(o *Orchestrator) { o.parseSong = fn }
}

// WithTagReader replaces audio tag reading
func WithTagReader(fn func(path string) (metadata.Tags, error)) Option {
	return func(o *Orchestrator) { o.readTags = fn }
}

// WithClock replaces the time source used for progress throttling
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(logger hclog.Logger, starter SessionStarter, renderer FrameRenderer, opts Options, options ...Option) *Orchestrator {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if opts.FPS <= 0 {
		opts.FPS = 30
	}

	o := &Orchestrator{
		logger:    logger,
		opts:      opts,
		starter:   starter,
		renderer:  renderer,
		validator: NewStateValidator(),
		parseSong: midi.ParseFile,
		readTags:  metadata.ReadTags,
		now:       time.Now,
	}
	for _, opt := range options {
		opt(o)
	}
	return o
}

// SetBatchID tags subsequent events with a batch id
func (o *Orchestrator) SetBatchID(id string) {
	o.opts.BatchID = id
}

// run tracks the mutable state of one Run call
type run struct {
	o      *Orchestrator
	job    Job
	status Status
	result Result
}

func (r *run) transition(to Status, cause error) error {
	from := r.status
	if err := r.o.validator.ValidateTransition(r.job.ID, from, to); err != nil {
		return err
	}
	r.status = to
	r.result.Status = to
	r.o.logger.Debug("job state changed", "job", r.job.ID, "from", from, "to", to)

	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	event := events.NewJobStateEvent(r.o.opts.BatchID, r.job.ID, string(from), string(to), errMsg)
	event.Data["run_id"] = r.result.RunID
	switch to {
	case StatusPreflight:
		event.Data["output"] = r.job.OutputPath
	case StatusSucceeded, StatusFailed:
		event.Data["frames"] = r.result.Frames
		event.Data["frames_written"] = r.result.FramesWritten
		event.Data["dropped_frames"] = r.result.DroppedFrames
		event.Data["timemark"] = r.result.Timemark
		event.Data["title"] = r.result.Tags.Title
		event.Data["artist"] = r.result.Tags.Artist
	}
	publish(r.o.logger, r.o.publisher, event)
	return nil
}

// fail moves the job to failed with err unless it already reached a
// terminal state
func (r *run) fail(err error) {
	if r.o.validator.IsTerminalState(r.status) {
		return
	}
	r.result.Err = err
	if tErr := r.transition(StatusFailed, err); tErr != nil {
		r.o.logger.Error("job state error", "job", r.job.ID, "error", tErr)
		r.status = StatusFailed
		r.result.Status = StatusFailed
	}
}

// prepared is everything preflight produced for the render loop
type prepared struct {
	song  *midi.Song
	state render.State
	tags  metadata.Tags
	clock render.Clock
}

// Run renders one job to completion. It never panics; the outcome, including
// any failure, is reported in the Result.
func (o *Orchestrator) Run(ctx context.Context, j Job) (res Result) {
	r := &run{
		o:      o,
		job:    j,
		status: StatusPending,
		result: Result{
			RunID:     utils.GenerateUUID(),
			JobID:     j.ID,
			Status:    StatusPending,
			StartedAt: o.now(),
		},
	}

	defer func() {
		if p := recover(); p != nil {
			err := errors.UnexpectedError("render_job", fmt.Errorf("panic: %v", p)).WithJob(j.ID)
			o.logger.Error("unexpected failure", "job", j.ID, "error", err, "stack", string(debug.Stack()))
			r.fail(err)
		}
		r.result.FinishedAt = o.now()
		res = r.result
	}()

	if err := r.transition(StatusPreflight, nil); err != nil {
		r.fail(err)
		return
	}

	prep, err := o.preflight(ctx, j)
	if err != nil {
		r.fail(err)
		return
	}
	r.result.Tags = prep.tags
	r.result.Frames = prep.clock.FrameCount()

	if err := r.transition(StatusRendering, nil); err != nil {
		r.fail(err)
		return
	}

	partial := PartialPath(j.OutputPath)
	session, err := o.starter.Start(ctx, o.request(j, partial, prep.tags))
	if err != nil {
		r.fail(errors.Wrap(err, errors.ErrorTypeEncoder, "start_encoder"))
		o.discardOutput(j.ID, partial)
		return
	}
	defer func() {
		if r.status != StatusSucceeded {
			o.discardOutput(j.ID, partial)
		}
	}()

	// ffmpeg must never stay attached to a half-open pipe, whatever path
	// leaves this function
	closeInput := sync.OnceFunc(func() {
		if err := session.CloseInput(); err != nil {
			o.logger.Warn("failed to close encoder input", "job", j.ID, "error", err)
		}
	})
	defer closeInput()

	progress := newReporter(o, j.ID, prep.clock.FrameCount())
	defer progress.finish()
	encoderDone := progress.follow(session.Progress())

	if err := o.renderFrames(ctx, r, session, prep, progress); err != nil {
		closeInput()
		// prefer the encoder exit error over the rejected write
		if waitErr := session.Wait(); waitErr != nil && errors.GetType(err) == errors.ErrorTypeEncoder {
			err = waitErr
		}
		<-encoderDone
		r.result.Timemark = session.Timemark()
		r.fail(err)
		return
	}

	if err := r.transition(StatusDraining, nil); err != nil {
		r.fail(err)
		return
	}
	progress.draining()
	closeInput()
	err = session.Wait()
	<-encoderDone
	r.result.Timemark = session.Timemark()
	if err != nil {
		r.fail(errors.Wrap(err, errors.ErrorTypeEncoder, "drain_encoder"))
		return
	}

	if err := os.Rename(partial, j.OutputPath); err != nil {
		r.fail(errors.EncoderError("finalize_output", err).WithJob(j.ID).WithDetail("path", j.OutputPath))
		return
	}

	if err := r.transition(StatusSucceeded, nil); err != nil {
		r.fail(err)
	}
	return
}

// discardOutput removes the partial video of a job that did not succeed
func (o *Orchestrator) discardOutput(jobID, path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		o.logger.Warn("failed to remove partial output", "job", jobID, "path", path, "error", err)
	}
}

// preflight parses the song, infers hands, loads images and reads audio tags
func (o *Orchestrator) preflight(ctx context.Context, j Job) (*prepared, error) {
	song, err := o.parseSong(j.MIDIPath)
	if err != nil {
		return nil, errors.PreflightError("parse_midi", err).WithJob(j.ID).WithDetail("path", j.MIDIPath)
	}
	hands := midi.InferHands(song)

	assets := render.NewAssetLoader(o.opts.AssetsDir).Load()
	if err := assets.Wait(ctx); err != nil {
		return nil, errors.PreflightError("load_assets", err).WithJob(j.ID).WithDetail("dir", o.opts.AssetsDir)
	}

	tags, err := o.readTags(j.AudioPath)
	if err != nil {
		o.logger.Debug("no usable audio tags", "job", j.ID, "error", err)
		tags = metadata.Tags{}
	}

	state := render.NewState(song, hands, assets, render.Options{
		Width:         o.opts.Width,
		Height:        o.opts.Height,
		PPS:           o.opts.PPS,
		Visualization: o.opts.Visualization,
		KeySignature:  o.opts.KeySignature,
		Title:         tags.DisplayTitle(j.ID),
	})
	clock := render.NewClock(o.opts.FPS, song.Duration, o.opts.MaxSeconds)

	logArgs := []interface{}{
		"job", j.ID,
		"notes", len(song.Items),
		"duration", song.Duration,
		"frames", clock.FrameCount(),
		"left_track", hands.Left,
		"right_track", hands.Right,
		"images", assets.Len(),
	}
	if mem, err := utils.ReadMemory(); err == nil {
		logArgs = append(logArgs, "available_mb", mem.AvailableMB)
	}
	o.logger.Debug("preflight complete", logArgs...)

	return &prepared{song: song, state: state, tags: tags, clock: clock}, nil
}

func (o *Orchestrator) request(j Job, output string, tags metadata.Tags) encoder.Request {
	req := encoder.Request{
		JobID:       j.ID,
		AudioPath:   j.AudioPath,
		OutputPath:  output,
		FPS:         o.opts.FPS,
		Threads:     o.opts.Threads,
		VideoCodec:  o.opts.VideoCodec,
		Preset:      o.opts.Preset,
		Tune:        o.opts.Tune,
		PixelFormat: o.opts.PixelFormat,
		CRF:         o.opts.CRF,
	}
	if o.opts.AudioMetadata {
		req.Metadata = tags.FFmpegMetadata()
	}
	return req
}

// renderFrames runs the frame clock, writing one image per tick. Frame
// failures are logged and skipped; only encoder or context failures end the
// loop.
func (o *Orchestrator) renderFrames(ctx context.Context, r *run, session EncodeSession, prep *prepared, progress *reporter) error {
	clock := prep.clock
	total := clock.FrameCount()

	var previous []byte
	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return errors.UnexpectedError("render_frames", err).WithJob(r.job.ID)
		}

		t := clock.TimeAt(i)
		frame, err := o.renderer.RenderFrame(prep.state.At(t))
		if err != nil {
			r.result.DroppedFrames++
			o.logger.Error("error rendering frame", "job", r.job.ID, "time", t, "error", err)
			publish(o.logger, o.publisher, events.NewFrameFailedEvent(o.opts.BatchID, r.job.ID, t, err.Error()))
			if !o.opts.Backfill || previous == nil {
				continue
			}
			frame = previous
		} else {
			previous = frame
		}

		if err := session.WriteFrame(frame); err != nil {
			return errors.Wrap(err, errors.ErrorTypeEncoder, "write_frame")
		}
		r.result.FramesWritten++
		progress.frame(r.result.FramesWritten, clock.Progress(t))
	}
	return nil
}
