package encoder

import (
	"context"
	"io"
	"os/exec"
	"syscall"
)

// Process is a running encoder with its stdin and stderr attached
type Process interface {
	Stdin() io.WriteCloser
	Stderr() io.Reader
	Wait() error
	Pid() int
}

// Launcher starts encoder processes (enables fakes in tests)
type Launcher interface {
	Launch(ctx context.Context, path string, args []string) (Process, error)
}

// ExecLauncher implements Launcher using os/exec
type ExecLauncher struct{}

// Launch starts path in its own process group with piped stdin and stderr
func (ExecLauncher) Launch(ctx context.Context, path string, args []string) (Process, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return &execProcess{cmd: cmd, stdin: stdin, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr io.Reader
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stderr() io.Reader     { return p.stderr }
func (p *execProcess) Wait() error           { return p.cmd.Wait() }
func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
