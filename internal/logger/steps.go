package logger

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

const (
	ansiCyan  = "\x1b[36m"
	ansiGreen = "\x1b[32m"
	ansiReset = "\x1b[0m"
)

// Steps writes the operator-facing console trace: one timestamped line per
// message, indented two spaces per open step.
type Steps struct {
	mu    sync.Mutex
	out   io.Writer
	color bool
	depth int
	now   func() time.Time
}

// NewSteps creates a step logger writing to out
func NewSteps(out io.Writer, color bool) *Steps {
	return &Steps{
		out:   out,
		color: color,
		now:   time.Now,
	}
}

// WithClock overrides the time source (tests)
func (s *Steps) WithClock(now func() time.Time) *Steps {
	s.now = now
	return s
}

// Log writes one line at the current depth
func (s *Steps) Log(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.write(fmt.Sprintf(format, args...))
}

// Run logs the start of a named step, runs fn one level deeper and logs how
// long it took. The depth is restored even when fn fails.
func (s *Steps) Run(name string, fn func() error) error {
	s.Log("Beginning %s", s.cyan(name))
	start := s.now()

	s.mu.Lock()
	s.depth++
	s.mu.Unlock()

	err := fn()

	s.mu.Lock()
	s.depth--
	elapsed := s.now().Sub(start).Milliseconds()
	if err != nil {
		s.write(fmt.Sprintf("Failed %s after %dms: %v", s.cyan(name), elapsed, err))
	} else {
		s.write(fmt.Sprintf("Completed %s in %dms", s.cyan(name), elapsed))
	}
	s.mu.Unlock()

	return err
}

// Depth returns the number of currently open steps
func (s *Steps) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.depth
}

func (s *Steps) write(msg string) {
	stamp := "[" + s.now().Format("15:04:05") + "]"
	if s.color {
		stamp = ansiGreen + stamp + ansiReset
	}
	fmt.Fprintf(s.out, "%s %s%s\n", stamp, strings.Repeat("  ", s.depth), msg)
}

func (s *Steps) cyan(name string) string {
	if !s.color {
		return name
	}
	return ansiCyan + name + ansiReset
}
