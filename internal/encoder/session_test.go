package encoder

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mantonx/pianoreel/internal/errors"
)

// fakeProcess stands in for ffmpeg: stdin and stderr are in-memory pipes and
// a script decides what the "encoder" does with them
type fakeProcess struct {
	pid     int
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter
	exit    chan error

	mu       sync.Mutex
	received bytes.Buffer
}

func (p *fakeProcess) Stdin() io.WriteCloser { return p.stdinW }
func (p *fakeProcess) Stderr() io.Reader     { return p.stderrR }
func (p *fakeProcess) Wait() error           { return <-p.exit }
func (p *fakeProcess) Pid() int              { return p.pid }

func (p *fakeProcess) Received() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.received.Bytes()...)
}

// consume reads stdin to EOF, recording everything
func (p *fakeProcess) consume() {
	buf := make([]byte, 4096)
	for {
		n, err := p.stdinR.Read(buf)
		p.mu.Lock()
		p.received.Write(buf[:n])
		p.mu.Unlock()
		if err != nil {
			return
		}
	}
}

type fakeLauncher struct {
	script func(p *fakeProcess)
	err    error

	mu        sync.Mutex
	processes []*fakeProcess
	args      [][]string
}

func (l *fakeLauncher) Launch(ctx context.Context, path string, args []string) (Process, error) {
	if l.err != nil {
		return nil, l.err
	}

	stdinR, stdinW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	p := &fakeProcess{
		pid:     4242,
		stdinR:  stdinR,
		stdinW:  stdinW,
		stderrR: stderrR,
		stderrW: stderrW,
		exit:    make(chan error, 1),
	}

	l.mu.Lock()
	l.processes = append(l.processes, p)
	l.args = append(l.args, args)
	l.mu.Unlock()

	go l.script(p)
	return p, nil
}

func successfulEncoder(p *fakeProcess) {
	p.consume()
	io.WriteString(p.stderrW, "frame=    3 fps=0.0 q=28.0 size=       1kB time=00:00:00.10 bitrate=  80.0kbits/s speed=1.0x\r")
	p.stderrW.Close()
	p.exit <- nil
}

func newTestEncoder(l Launcher, bufferSize int64) *Encoder {
	return NewEncoder(hclog.NewNullLogger(), "ffmpeg", bufferSize, WithLauncher(l))
}

func testRequest() Request {
	return Request{JobID: "songA", AudioPath: "songA.mp3", OutputPath: "songA.mp4", FPS: 30}
}

func TestSessionSuccess(t *testing.T) {
	launcher := &fakeLauncher{script: successfulEncoder}
	enc := newTestEncoder(launcher, 1024)

	session, err := enc.Start(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Len(t, enc.Registry().Entries(), 1)

	for _, frame := range []string{"frame-1", "frame-2", "frame-3"} {
		require.NoError(t, session.WriteFrame([]byte(frame)))
	}
	require.NoError(t, session.CloseInput())
	require.NoError(t, session.Wait())

	assert.Equal(t, "frame-1frame-2frame-3", string(launcher.processes[0].Received()))
	assert.Equal(t, int64(3), session.FramesWritten())
	assert.Equal(t, "00:00:00.10", session.Timemark())
	assert.Empty(t, enc.Registry().Entries())

	select {
	case <-session.Done():
	default:
		t.Fatal("Done not closed after Wait returned")
	}

	// the progress channel is closed on completion
	for range session.Progress() {
	}
	assert.ErrorIs(t, session.WriteFrame([]byte("late")), errors.ErrInputClosed)
}

func TestSessionEncoderFailureMidStream(t *testing.T) {
	launcher := &fakeLauncher{script: func(p *fakeProcess) {
		p.stdinR.Read(make([]byte, 4))
		io.WriteString(p.stderrW, "pipe:0: Invalid data found when processing input\n")
		p.stderrW.Close()
		p.stdinR.CloseWithError(stderrors.New("broken pipe"))
		p.exit <- stderrors.New("exit status 1")
	}}
	enc := newTestEncoder(launcher, 16)

	session, err := enc.Start(context.Background(), testRequest())
	require.NoError(t, err)

	// keep writing until the failure surfaces; writes must not hang or panic
	var writeErr error
	deadline := time.Now().Add(2 * time.Second)
	for writeErr == nil && time.Now().Before(deadline) {
		writeErr = session.WriteFrame([]byte("0123456789"))
	}
	require.Error(t, writeErr)

	require.NoError(t, session.CloseInput())
	require.NoError(t, session.CloseInput())
	assert.True(t, session.InputClosed())

	err = session.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrEncoder)
	assert.Contains(t, err.Error(), "Invalid data found")
	assert.Equal(t, "songA", errors.GetJobID(err))
	assert.Empty(t, enc.Registry().Entries())
}

func TestSessionFailureBeforeAnyFrame(t *testing.T) {
	launcher := &fakeLauncher{script: func(p *fakeProcess) {
		io.WriteString(p.stderrW, "songA.mp3: No such file or directory\n")
		p.stderrW.Close()
		p.stdinR.CloseWithError(stderrors.New("broken pipe"))
		p.exit <- stderrors.New("exit status 1")
	}}
	session, err := newTestEncoder(launcher, 1024).Start(context.Background(), testRequest())
	require.NoError(t, err)

	<-session.Done()
	assert.Error(t, session.WriteFrame([]byte("frame")))
	require.NoError(t, session.CloseInput())
	assert.ErrorContains(t, session.Wait(), "No such file or directory")
}

func TestSessionBackpressure(t *testing.T) {
	release := make(chan struct{})
	launcher := &fakeLauncher{script: func(p *fakeProcess) {
		<-release
		successfulEncoder(p)
	}}
	session, err := newTestEncoder(launcher, 8).Start(context.Background(), testRequest())
	require.NoError(t, err)

	// one frame sits in the pump, one fills the buffer
	require.NoError(t, session.WriteFrame([]byte("AAAAAAAA")))
	require.NoError(t, session.WriteFrame([]byte("BBBBBBBB")))

	third := make(chan error, 1)
	go func() { third <- session.WriteFrame([]byte("CCCCCCCC")) }()

	select {
	case <-third:
		t.Fatal("write completed while the encoder was not consuming")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-third)
	require.NoError(t, session.CloseInput())
	require.NoError(t, session.Wait())
	assert.Equal(t, "AAAAAAAABBBBBBBBCCCCCCCC", string(launcher.processes[0].Received()))
}

func TestEncoderStartFailure(t *testing.T) {
	enc := newTestEncoder(&fakeLauncher{err: stderrors.New("exec: \"ffmpeg\": executable file not found")}, 0)

	_, err := enc.Start(context.Background(), testRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrEncoder)
	assert.Empty(t, enc.Registry().Entries())
}

func TestEncoderPassesArgs(t *testing.T) {
	launcher := &fakeLauncher{script: successfulEncoder}
	session, err := newTestEncoder(launcher, 0).Start(context.Background(), testRequest())
	require.NoError(t, err)
	require.NoError(t, session.CloseInput())
	require.NoError(t, session.Wait())

	assert.Equal(t, BuildArgs(testRequest()), launcher.args[0])
}

func TestNewEncoderFFmpegPathFromEnv(t *testing.T) {
	t.Setenv("FFMPEG_PATH", "/opt/ffmpeg")
	assert.Equal(t, "/opt/ffmpeg", NewEncoder(nil, "", 0).Path())
	assert.Equal(t, "/usr/bin/ffmpeg", NewEncoder(nil, "/usr/bin/ffmpeg", 0).Path())
}

func TestSessionSurvivesOversizedStderrLine(t *testing.T) {
	launcher := &fakeLauncher{script: func(p *fakeProcess) {
		go p.consume()
		// longer than the scanner buffer and never terminated
		io.WriteString(p.stderrW, strings.Repeat("x", 2*1024*1024))
		io.WriteString(p.stderrW, "frame=    1 fps=0.0 q=28.0 size=       1kB time=00:00:00.03 bitrate=  80.0kbits/s speed=1.0x\r")
		p.stderrW.Close()
		p.exit <- nil
	}}
	enc := newTestEncoder(launcher, 1024)

	session, err := enc.Start(context.Background(), testRequest())
	require.NoError(t, err)
	require.NoError(t, session.WriteFrame([]byte("frame-1")))
	require.NoError(t, session.CloseInput())

	select {
	case <-session.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish after an unreadable stderr line")
	}
	assert.NoError(t, session.Wait())
	assert.Empty(t, enc.Registry().Entries())
}
