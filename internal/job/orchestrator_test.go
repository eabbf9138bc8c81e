package job

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mantonx/pianoreel/internal/encoder"
	"github.com/mantonx/pianoreel/internal/errors"
	"github.com/mantonx/pianoreel/internal/events"
	"github.com/mantonx/pianoreel/internal/logger"
	"github.com/mantonx/pianoreel/internal/metadata"
	"github.com/mantonx/pianoreel/internal/midi"
	"github.com/mantonx/pianoreel/internal/render"
)

type fakeSession struct {
	mu          sync.Mutex
	frames      [][]byte
	closeCalls  int
	rejectAfter int
	waitErr     error

	// drain is reported by the "encoder" after the input closes
	drain    []encoder.Progress
	progress chan encoder.Progress
	finished sync.Once
}

func newFakeSession() *fakeSession {
	return &fakeSession{rejectAfter: -1, progress: make(chan encoder.Progress)}
}

func (s *fakeSession) WriteFrame(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeCalls > 0 {
		return errors.EncoderError("write_frame", errors.ErrInputClosed)
	}
	if s.rejectAfter >= 0 && len(s.frames) >= s.rejectAfter {
		return errors.EncoderError("write_frame", errors.ErrInputClosed)
	}
	s.frames = append(s.frames, frame)
	return nil
}

func (s *fakeSession) CloseInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	return nil
}

func (s *fakeSession) Wait() error {
	s.finished.Do(func() {
		for _, update := range s.drain {
			s.progress <- update
		}
		close(s.progress)
	})
	return s.waitErr
}

func (s *fakeSession) Timemark() string                  { return "00:00:01.00" }
func (s *fakeSession) Progress() <-chan encoder.Progress { return s.progress }

type fakeStarter struct {
	session *fakeSession
	err     error
	calls   int
	req     encoder.Request
}

func (f *fakeStarter) Start(ctx context.Context, req encoder.Request) (EncodeSession, error) {
	f.calls++
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	// ffmpeg creates its output as soon as it starts
	if err := os.WriteFile(req.OutputPath, []byte("partial"), 0o644); err != nil {
		return nil, err
	}
	return f.session, nil
}

// fakeRenderer encodes the time cursor as the frame bytes
type fakeRenderer struct {
	fail  map[int]bool
	panic map[int]bool
	times []float64
	hook  func(i int)
}

func (r *fakeRenderer) RenderFrame(s render.State) ([]byte, error) {
	i := len(r.times)
	r.times = append(r.times, s.Time)
	if r.hook != nil {
		r.hook(i)
	}
	if r.panic[i] {
		panic("draw routine exploded")
	}
	if r.fail[i] {
		return nil, errors.FrameError("draw", stderrors.New("bad note")).WithDetail("time", s.Time)
	}
	return []byte(fmt.Sprintf("%.4f", s.Time)), nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, e events.Event) error {
	return p.PublishAsync(e)
}

func (p *recordingPublisher) PublishAsync(e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) states() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		if e.Type == events.EventJobState {
			out = append(out, e.Data["to"].(string))
		}
	}
	return out
}

func (p *recordingPublisher) count(t events.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func tenSecondSong(path string) (*midi.Song, error) {
	return &midi.Song{
		Duration: 10,
		Items: []midi.Note{
			{MIDINote: 60, Velocity: 90, Time: 0, Duration: 1, Track: 1},
			{MIDINote: 48, Velocity: 80, Time: 1, Duration: 9, Track: 2},
		},
		Tracks: []midi.Track{
			{ID: 1, NoteCount: 1, MeanPitch: 60},
			{ID: 2, NoteCount: 1, MeanPitch: 48},
		},
	}, nil
}

func noTags(path string) (metadata.Tags, error) {
	return metadata.Tags{}, stderrors.New("no tags")
}

func testJob(t *testing.T) Job {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "out", "songA"), 0o755))
	return Job{
		ID:         "songA",
		MIDIPath:   filepath.Join(root, "in", "songA", "songA.mid"),
		AudioPath:  filepath.Join(root, "in", "songA", "songA.mp3"),
		OutputPath: filepath.Join(root, "out", "songA", "songA.mp4"),
	}
}

type harness struct {
	orchestrator *Orchestrator
	starter      *fakeStarter
	renderer     *fakeRenderer
	publisher    *recordingPublisher
	logs         *bytes.Buffer
}

func newHarness(opts Options, extra ...Option) *harness {
	if opts.FPS == 0 {
		opts.FPS = 30
	}
	h := &harness{
		starter:   &fakeStarter{session: newFakeSession()},
		renderer:  &fakeRenderer{fail: map[int]bool{}, panic: map[int]bool{}},
		publisher: &recordingPublisher{},
		logs:      &bytes.Buffer{},
	}
	logger := hclog.New(&hclog.LoggerOptions{Output: h.logs, Level: hclog.Debug})
	options := append([]Option{
		WithPublisher(h.publisher),
		WithSongParser(tenSecondSong),
		WithTagReader(noTags),
	}, extra...)
	h.orchestrator = NewOrchestrator(logger, h.starter, h.renderer, opts, options...)
	return h
}

func TestRunWritesEveryFrame(t *testing.T) {
	h := newHarness(Options{BatchID: "b1"})
	j := testJob(t)

	res := h.orchestrator.Run(context.Background(), j)
	require.NoError(t, res.Err)

	assert.Equal(t, StatusSucceeded, res.Status)
	assert.True(t, res.Succeeded())
	assert.Equal(t, 301, res.Frames)
	assert.Equal(t, 301, res.FramesWritten)
	assert.Len(t, h.starter.session.frames, 301)
	assert.Equal(t, 1, h.starter.session.closeCalls)
	assert.Equal(t, "00:00:01.00", res.Timemark)
	assert.NotEmpty(t, res.RunID)

	// frames are evenly spaced from zero
	require.Len(t, h.renderer.times, 301)
	for i, at := range h.renderer.times {
		assert.InDelta(t, float64(i)/30, at, 1e-9)
	}

	assert.Equal(t, []string{"preflight", "rendering", "draining", "succeeded"}, h.publisher.states())

	req := h.starter.req
	assert.Equal(t, "songA", req.JobID)
	assert.Equal(t, j.AudioPath, req.AudioPath)
	assert.Equal(t, PartialPath(j.OutputPath), req.OutputPath)
	assert.Equal(t, 30, req.FPS)

	// the finished video replaces the partial one
	assert.FileExists(t, j.OutputPath)
	assert.NoFileExists(t, PartialPath(j.OutputPath))
}

func TestPartialPath(t *testing.T) {
	assert.Equal(t, "out/songA/songA.part.mp4", PartialPath("out/songA/songA.mp4"))
	assert.Equal(t, "out/songA/songA.part", PartialPath("out/songA/songA"))
}

func TestRejectedSessionLeavesNoOutput(t *testing.T) {
	h := newHarness(Options{})
	session := h.starter.session
	session.rejectAfter = 5
	session.waitErr = errors.EncoderError("ffmpeg", stderrors.New("exit status 1")).WithJob("songA")
	j := testJob(t)

	res := h.orchestrator.Run(context.Background(), j)
	require.Error(t, res.Err)
	assert.NoFileExists(t, j.OutputPath)
	assert.NoFileExists(t, PartialPath(j.OutputPath))

	// a second attempt renders the job again from scratch
	h.starter.session = newFakeSession()
	res = h.orchestrator.Run(context.Background(), j)
	require.NoError(t, res.Err)
	assert.Equal(t, 2, h.starter.calls)
	assert.FileExists(t, j.OutputPath)
}

func TestCancelledJobLeavesNoOutput(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(Options{})
	h.renderer.hook = func(i int) {
		if i == 3 {
			cancel()
		}
	}
	j := testJob(t)

	res := h.orchestrator.Run(ctx, j)
	assert.Equal(t, StatusFailed, res.Status)
	assert.NoFileExists(t, j.OutputPath)
	assert.NoFileExists(t, PartialPath(j.OutputPath))
}

func TestRunHonoursMaxSeconds(t *testing.T) {
	h := newHarness(Options{FPS: 25, MaxSeconds: 2})

	res := h.orchestrator.Run(context.Background(), testJob(t))
	require.NoError(t, res.Err)
	assert.Equal(t, 51, res.FramesWritten)
}

func TestFrameFailureDoesNotStopTheJob(t *testing.T) {
	h := newHarness(Options{Backfill: false})
	h.renderer.fail[1] = true

	res := h.orchestrator.Run(context.Background(), testJob(t))
	require.NoError(t, res.Err)

	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, 1, res.DroppedFrames)
	assert.Equal(t, 300, res.FramesWritten)
	require.Len(t, h.renderer.times, 301)
	assert.InDelta(t, 2.0/30, h.renderer.times[2], 1e-9)
	assert.Equal(t, 1, h.publisher.count(events.EventJobFrameFailed))
	assert.Contains(t, h.logs.String(), "error rendering frame")
	assert.Contains(t, h.logs.String(), "time=0.0333")
}

func TestFrameFailureBackfillsPreviousFrame(t *testing.T) {
	h := newHarness(Options{Backfill: true})
	h.renderer.fail[1] = true
	h.renderer.fail[0] = false

	res := h.orchestrator.Run(context.Background(), testJob(t))
	require.NoError(t, res.Err)

	frames := h.starter.session.frames
	require.Len(t, frames, 301)
	assert.Equal(t, frames[0], frames[1])
	assert.Equal(t, "0.0667", string(frames[2]))
}

func TestFirstFrameFailureHasNothingToBackfill(t *testing.T) {
	h := newHarness(Options{Backfill: true})
	h.renderer.fail[0] = true

	res := h.orchestrator.Run(context.Background(), testJob(t))
	require.NoError(t, res.Err)
	assert.Equal(t, 300, res.FramesWritten)
}

func TestEncoderRejectionClosesInputOnce(t *testing.T) {
	h := newHarness(Options{})
	session := h.starter.session
	session.rejectAfter = 5
	session.waitErr = errors.EncoderError("ffmpeg", stderrors.New("exit status 1: Conversion failed!")).WithJob("songA")

	res := h.orchestrator.Run(context.Background(), testJob(t))

	assert.Equal(t, StatusFailed, res.Status)
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, errors.ErrEncoder)
	assert.Contains(t, res.Err.Error(), "Conversion failed")
	assert.Equal(t, 1, session.closeCalls)
	assert.Equal(t, 5, res.FramesWritten)
	assert.Len(t, h.renderer.times, 6)
	assert.Equal(t, []string{"preflight", "rendering", "failed"}, h.publisher.states())
}

func TestRejectionWithoutEncoderErrorKeepsWriteError(t *testing.T) {
	h := newHarness(Options{})
	h.starter.session.rejectAfter = 0

	res := h.orchestrator.Run(context.Background(), testJob(t))
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, errors.ErrInputClosed)
	assert.Equal(t, 1, h.starter.session.closeCalls)
}

func TestDrainFailure(t *testing.T) {
	h := newHarness(Options{})
	h.starter.session.waitErr = errors.EncoderError("ffmpeg", stderrors.New("exit status 1"))

	res := h.orchestrator.Run(context.Background(), testJob(t))
	assert.Equal(t, StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, errors.ErrEncoder)
	assert.Equal(t, 301, res.FramesWritten)
	assert.Equal(t, 1, h.starter.session.closeCalls)
	assert.Equal(t, []string{"preflight", "rendering", "draining", "failed"}, h.publisher.states())
}

func TestPreflightFailureNeverStartsEncoder(t *testing.T) {
	h := newHarness(Options{}, WithSongParser(func(string) (*midi.Song, error) {
		return nil, stderrors.New("not a MIDI file")
	}))

	res := h.orchestrator.Run(context.Background(), testJob(t))
	assert.Equal(t, StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, errors.ErrPreflight)
	assert.Equal(t, "songA", errors.GetJobID(res.Err))
	assert.Equal(t, 0, h.starter.calls)
	assert.Empty(t, h.renderer.times)
	assert.Equal(t, []string{"preflight", "failed"}, h.publisher.states())
}

func TestEncoderStartFailure(t *testing.T) {
	h := newHarness(Options{})
	h.starter.err = errors.EncoderError("start", stderrors.New("executable file not found"))

	res := h.orchestrator.Run(context.Background(), testJob(t))
	assert.Equal(t, StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, errors.ErrEncoder)
	assert.Empty(t, h.renderer.times)
	assert.Equal(t, 0, h.starter.session.closeCalls)
}

func TestPanicIsContained(t *testing.T) {
	h := newHarness(Options{})
	h.renderer.panic[3] = true

	var res Result
	require.NotPanics(t, func() {
		res = h.orchestrator.Run(context.Background(), testJob(t))
	})

	assert.Equal(t, StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, errors.ErrUnexpected)
	assert.Equal(t, 1, h.starter.session.closeCalls)
	assert.False(t, res.FinishedAt.IsZero())
}

func TestCancellationStopsRendering(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(Options{})
	h.renderer.hook = func(i int) {
		if i == 9 {
			cancel()
		}
	}

	res := h.orchestrator.Run(ctx, testJob(t))
	assert.Equal(t, StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, 10, res.FramesWritten)
	assert.Equal(t, 1, h.starter.session.closeCalls)
}

func TestProgressIsThrottled(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	calls := 0
	clock := func() time.Time {
		now := start.Add(time.Duration(calls) * time.Second)
		calls++
		return now
	}

	h := newHarness(Options{ProgressInterval: 10 * time.Second}, WithClock(clock))
	res := h.orchestrator.Run(context.Background(), testJob(t))
	require.NoError(t, res.Err)

	// one update per ten simulated seconds across 301 frames
	assert.Equal(t, 31, h.publisher.count(events.EventJobProgress))

	logs := h.logs.String()
	assert.Contains(t, logs, "Frame generation: 0%")
	assert.Contains(t, logs, "Frame generation: 100%")
	assert.Equal(t, 31, strings.Count(logs, "Frame generation:"))
}

func TestDrainingReportsEncoderTimemarks(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	calls := 0
	clock := func() time.Time {
		now := start.Add(time.Duration(calls) * time.Second)
		calls++
		return now
	}

	h := newHarness(Options{MaxSeconds: 1, ProgressInterval: 2 * time.Second}, WithClock(clock))
	for i := 0; i < 20; i++ {
		h.starter.session.drain = append(h.starter.session.drain, encoder.Progress{
			Frame:    int64(i + 1),
			Timemark: fmt.Sprintf("00:00:%02d.00", i),
		})
	}

	res := h.orchestrator.Run(context.Background(), testJob(t))
	require.NoError(t, res.Err)

	// 31 frames pass the throttle every other simulated second, and so do the
	// 20 updates ffmpeg reports after the input closes
	logs := h.logs.String()
	assert.Equal(t, 16, strings.Count(logs, "Frame generation:"))
	assert.Equal(t, 10, strings.Count(logs, "FFMPEG timemark:"))
	assert.Contains(t, logs, "FFMPEG timemark: 00:00:19.00")

	h.publisher.mu.Lock()
	defer h.publisher.mu.Unlock()
	var drained []events.Event
	seenDraining := false
	for _, e := range h.publisher.events {
		if e.Type == events.EventJobState && e.Data["to"] == "draining" {
			seenDraining = true
		}
		if seenDraining && e.Type == events.EventJobProgress {
			drained = append(drained, e)
		}
	}
	require.Len(t, drained, 10)
	last := drained[len(drained)-1]
	assert.Equal(t, "00:00:19.00", last.Data["timemark"])
	assert.EqualValues(t, 100, last.Data["percent"])
}

func TestProgressLinesGoToSteps(t *testing.T) {
	var console bytes.Buffer
	steps := logger.NewSteps(&console, false)

	h := newHarness(Options{MaxSeconds: 1}, WithSteps(steps))
	h.starter.session.drain = []encoder.Progress{{Frame: 31, Timemark: "00:00:01.03"}}

	res := h.orchestrator.Run(context.Background(), testJob(t))
	require.NoError(t, res.Err)

	out := console.String()
	assert.Contains(t, out, "Frame generation: 0%")
	assert.Contains(t, out, "Frame generation: 100%")
	assert.Contains(t, out, "FFMPEG timemark: 00:00:01.03")
	assert.NotContains(t, h.logs.String(), "Frame generation:")
}

func TestProgressBarOutput(t *testing.T) {
	var bar bytes.Buffer
	h := newHarness(Options{ProgressBar: &bar, MaxSeconds: 1})

	res := h.orchestrator.Run(context.Background(), testJob(t))
	require.NoError(t, res.Err)
	assert.NotEmpty(t, bar.String())
}

func TestAudioTagsBecomeMetadata(t *testing.T) {
	h := newHarness(Options{AudioMetadata: true}, WithTagReader(func(string) (metadata.Tags, error) {
		return metadata.Tags{Title: "Nocturne", Artist: "Chopin"}, nil
	}))

	res := h.orchestrator.Run(context.Background(), testJob(t))
	require.NoError(t, res.Err)
	assert.Equal(t, map[string]string{"title": "Nocturne", "artist": "Chopin"}, h.starter.req.Metadata)
	assert.Equal(t, "Nocturne", res.Tags.Title)
}
