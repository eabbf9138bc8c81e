package encoder

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Registry tracks every ffmpeg process started by this run so they can be
// terminated on shutdown
type Registry struct {
	processes map[int]*ProcessEntry
	mu        sync.RWMutex
	logger    hclog.Logger
	grace     time.Duration
}

// ProcessEntry tracks a running process
type ProcessEntry struct {
	PID        int
	SessionID  string
	OutputPath string
	StartTime  time.Time
}

// NewRegistry creates an empty registry
func NewRegistry(logger hclog.Logger) *Registry {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Registry{
		processes: make(map[int]*ProcessEntry),
		logger:    logger,
		grace:     5 * time.Second,
	}
}

// Register records a new process
func (r *Registry) Register(pid int, sessionID, outputPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.processes[pid] = &ProcessEntry{
		PID:        pid,
		SessionID:  sessionID,
		OutputPath: outputPath,
		StartTime:  time.Now(),
	}

	r.logger.Debug("registered ffmpeg process", "pid", pid, "session_id", sessionID)
}

// Unregister removes a reaped process
func (r *Registry) Unregister(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info, ok := r.processes[pid]; ok {
		delete(r.processes, pid)
		r.logger.Debug("unregistered ffmpeg process", "pid", pid, "session_id", info.SessionID)
	}
}

// Entries returns all registered processes
func (r *Registry) Entries() []*ProcessEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]*ProcessEntry, 0, len(r.processes))
	for _, entry := range r.processes {
		entries = append(entries, entry)
	}
	return entries
}

// KillAll terminates every registered process
func (r *Registry) KillAll() {
	for _, entry := range r.Entries() {
		if err := r.KillProcess(entry.PID); err != nil {
			r.logger.Error("failed to kill ffmpeg process", "pid", entry.PID, "error", err)
		}
	}
}

// KillProcess kills a process group with signal escalation (SIGTERM, then
// SIGKILL after the grace period)
func (r *Registry) KillProcess(pid int) error {
	if pid <= 0 {
		return nil
	}
	if err := syscall.Kill(pid, 0); err != nil {
		return nil
	}

	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		pgid = pid
	}

	if pgid != pid {
		syscall.Kill(-pgid, syscall.SIGTERM)
	}
	syscall.Kill(pid, syscall.SIGTERM)

	if r.waitGone(pid, r.grace) {
		return nil
	}

	r.logger.Warn("process did not terminate gracefully, sending SIGKILL", "pid", pid)
	if pgid != pid {
		syscall.Kill(-pgid, syscall.SIGKILL)
	}
	syscall.Kill(pid, syscall.SIGKILL)

	if r.waitGone(pid, 2*time.Second) {
		return nil
	}
	return fmt.Errorf("process %d could not be killed", pid)
}

func (r *Registry) waitGone(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := syscall.Kill(pid, 0); err != nil {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}
