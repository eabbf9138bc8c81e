// Package encoder streams rendered frames into an ffmpeg subprocess.
//
// A Session owns one ffmpeg process and one output file. Frames go through a
// bounded FrameBuffer pumped into ffmpeg's stdin; stderr is parsed for
// progress. Completion is a single handle (Done/Wait) that resolves exactly
// once, after both the stdin pump and the process have finished.
package encoder

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/mantonx/pianoreel/internal/errors"
	"github.com/mantonx/pianoreel/internal/utils"
)

const (
	// DefaultBufferSize bounds the frames queued ahead of ffmpeg
	DefaultBufferSize = 20 * 1024 * 1024
	stderrTailLines   = 20
	progressBacklog   = 16
)

// Encoder starts ffmpeg sessions
type Encoder struct {
	logger     hclog.Logger
	launcher   Launcher
	registry   *Registry
	ffmpegPath string
	bufferSize int
}

// Option configures an Encoder
type Option func(*Encoder)

// WithLauncher replaces the process launcher (tests)
func WithLauncher(l Launcher) Option {
	return func(e *Encoder) { e.launcher = l }
}

// WithRegistry shares a process registry between encoders
func WithRegistry(r *Registry) Option {
	return func(e *Encoder) { e.registry = r }
}

// NewEncoder creates an encoder. An empty ffmpegPath falls back to the
// FFMPEG_PATH environment variable, then to "ffmpeg" on PATH.
func NewEncoder(logger hclog.Logger, ffmpegPath string, bufferSize int64, opts ...Option) *Encoder {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
		if customPath := os.Getenv("FFMPEG_PATH"); customPath != "" {
			ffmpegPath = customPath
		}
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	e := &Encoder{
		logger:     logger,
		launcher:   ExecLauncher{},
		ffmpegPath: ffmpegPath,
		bufferSize: int(bufferSize),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = NewRegistry(logger)
	}
	return e
}

// Registry returns the process registry used by this encoder
func (e *Encoder) Registry() *Registry {
	return e.registry
}

// Path returns the ffmpeg binary in use
func (e *Encoder) Path() string {
	return e.ffmpegPath
}

// Available checks that the ffmpeg binary can be found
func (e *Encoder) Available() error {
	_, err := exec.LookPath(e.ffmpegPath)
	return err
}

// Start launches ffmpeg for req and begins pumping frames
func (e *Encoder) Start(ctx context.Context, req Request) (*Session, error) {
	args := BuildArgs(req)
	e.logger.Debug("starting ffmpeg", "job", req.JobID, "args", strings.Join(args, " "))

	proc, err := e.launcher.Launch(ctx, e.ffmpegPath, args)
	if err != nil {
		return nil, errors.EncoderError("start", err).WithJob(req.JobID)
	}

	s := &Session{
		ID:         utils.GenerateUUID(),
		JobID:      req.JobID,
		OutputPath: req.OutputPath,
		logger:     e.logger.With("job", req.JobID),
		input:      NewFrameBuffer(e.bufferSize),
		proc:       proc,
		registry:   e.registry,
		progress:   make(chan Progress, progressBacklog),
		done:       make(chan struct{}),
	}
	e.registry.Register(proc.Pid(), s.ID, req.OutputPath)
	s.run()

	return s, nil
}

// Session is one ffmpeg process bound to one output file
type Session struct {
	ID         string
	JobID      string
	OutputPath string

	logger   hclog.Logger
	input    *FrameBuffer
	proc     Process
	registry *Registry
	progress chan Progress
	done     chan struct{}

	closeOnce  sync.Once
	finishOnce sync.Once
	err        error
	exitErr    error

	mu         sync.RWMutex
	last       Progress
	stderrTail []string

	framesWritten atomic.Int64
}

func (s *Session) run() {
	var g errgroup.Group
	g.Go(s.pump)
	g.Go(s.monitor)

	go func() {
		err := g.Wait()
		// the process exit status explains a broken stdin better than EPIPE does
		if s.exitErr != nil {
			err = s.exitErr
		}
		s.finish(err)
	}()
}

// pump copies buffered frames into ffmpeg's stdin and closes it at EOF
func (s *Session) pump() error {
	stdin := s.proc.Stdin()
	_, copyErr := io.Copy(stdin, s.input)
	closeErr := stdin.Close()

	if copyErr != nil {
		err := errors.Wrap(copyErr, errors.ErrorTypeEncoder, "write_frames")
		s.input.Abort(err)
		return err
	}
	if closeErr != nil && !stderrors.Is(closeErr, os.ErrClosed) {
		return errors.EncoderError("close_stdin", closeErr).WithJob(s.JobID)
	}
	return nil
}

// monitor parses stderr until EOF, then reaps the process
func (s *Session) monitor() error {
	scanner := newStatusScanner(s.proc.Stderr())
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		if update, ok := ParseProgressLine(line); ok {
			s.mu.Lock()
			s.last = update
			s.mu.Unlock()

			select {
			case s.progress <- update:
			default:
			}
			continue
		}

		s.mu.Lock()
		s.stderrTail = append(s.stderrTail, line)
		if len(s.stderrTail) > stderrTailLines {
			s.stderrTail = s.stderrTail[len(s.stderrTail)-stderrTailLines:]
		}
		s.mu.Unlock()
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("error reading ffmpeg output", "error", err)
		// ffmpeg blocks on a full stderr pipe and would never exit
		if _, err := io.Copy(io.Discard, s.proc.Stderr()); err != nil {
			s.logger.Debug("error draining ffmpeg output", "error", err)
		}
	}

	if err := s.proc.Wait(); err != nil {
		jobErr := errors.EncoderError("ffmpeg", err).WithJob(s.JobID)
		if tail := s.StderrTail(); len(tail) > 0 {
			jobErr = errors.EncoderError("ffmpeg", fmt.Errorf("%w: %s", err, strings.Join(tail, " | "))).WithJob(s.JobID)
		}
		s.exitErr = jobErr
		s.input.Abort(jobErr)
		return jobErr
	}
	return nil
}

func (s *Session) finish(err error) {
	s.finishOnce.Do(func() {
		s.err = err
		s.registry.Unregister(s.proc.Pid())
		close(s.progress)
		close(s.done)
		if err != nil {
			s.logger.Error("encoder failed", "output", s.OutputPath, "error", err)
		} else {
			s.logger.Debug("encoder finished", "output", s.OutputPath, "frames", s.framesWritten.Load())
		}
	})
}

// WriteFrame queues one encoded image, suspending while the buffer is full.
// After the encoder has failed it returns that failure instead.
func (s *Session) WriteFrame(frame []byte) error {
	if _, err := s.input.Write(frame); err != nil {
		if stderrors.Is(err, ErrBufferClosed) {
			return errors.EncoderError("write_frame", errors.ErrInputClosed).WithJob(s.JobID)
		}
		return errors.Wrap(err, errors.ErrorTypeEncoder, "write_frame")
	}
	s.framesWritten.Add(1)
	return nil
}

// CloseInput closes the write side. Only the first call has an effect.
func (s *Session) CloseInput() error {
	s.closeOnce.Do(func() {
		s.input.Close()
	})
	return nil
}

// InputClosed reports whether CloseInput has run
func (s *Session) InputClosed() bool {
	return s.input.Closed()
}

// Done is closed when the session reaches its terminal state
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session completes and returns its outcome
func (s *Session) Wait() error {
	<-s.done
	return s.err
}

// Progress delivers parsed status updates; closed on completion. Updates are
// dropped rather than blocking ffmpeg when nobody reads them.
func (s *Session) Progress() <-chan Progress {
	return s.progress
}

// Timemark returns the last encoded timestamp reported by ffmpeg
func (s *Session) Timemark() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last.Timemark
}

// LastProgress returns the most recent status update
func (s *Session) LastProgress() Progress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// StderrTail returns the last non-progress lines ffmpeg printed
func (s *Session) StderrTail() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.stderrTail))
	copy(out, s.stderrTail)
	return out
}

// FramesWritten returns how many frames were accepted
func (s *Session) FramesWritten() int64 {
	return s.framesWritten.Load()
}
