// Package job runs one song through preflight, frame rendering and encoder
// draining, isolating every failure to the job it belongs to.
package job

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/mantonx/pianoreel/internal/metadata"
)

// Job is one song to render. It is immutable after discovery.
type Job struct {
	ID         string `json:"id"`
	MIDIPath   string `json:"midi_path"`
	AudioPath  string `json:"audio_path"`
	OutputPath string `json:"output_path"`
	Completed  bool   `json:"completed"`
}

// PartialPath is where the encoder writes a job's video until the job
// succeeds. Only a finished video ever appears at OutputPath, so a leftover
// partial file never marks a job completed.
func PartialPath(output string) string {
	ext := filepath.Ext(output)
	return strings.TrimSuffix(output, ext) + ".part" + ext
}

// Status represents the lifecycle state of a job
type Status string

const (
	StatusPending   Status = "pending"
	StatusPreflight Status = "preflight"
	StatusRendering Status = "rendering"
	StatusDraining  Status = "draining"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Result is the outcome of one orchestrator run
type Result struct {
	RunID         string        `json:"run_id"`
	JobID         string        `json:"job_id"`
	Status        Status        `json:"status"`
	Frames        int           `json:"frames"`
	FramesWritten int           `json:"frames_written"`
	DroppedFrames int           `json:"dropped_frames"`
	Timemark      string        `json:"timemark,omitempty"`
	Tags          metadata.Tags `json:"tags"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at"`
	Err           error         `json:"-"`
}

// Duration returns how long the run took
func (r Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Succeeded reports whether the video was written
func (r Result) Succeeded() bool {
	return r.Status == StatusSucceeded
}
