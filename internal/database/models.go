package database

import "time"

// Run statuses beyond the job lifecycle states
const (
	RunStatusSkipped = "skipped"
)

// RenderRun is the persisted history of one job attempt
type RenderRun struct {
	ID            string     `gorm:"primaryKey;type:varchar(64)" json:"id"`
	BatchID       string     `gorm:"index;type:varchar(64)" json:"batch_id"`
	JobID         string     `gorm:"index;type:varchar(255);not null" json:"job_id"`
	Status        string     `gorm:"type:varchar(32);not null;index" json:"status"`
	OutputPath    string     `gorm:"type:varchar(1024)" json:"output_path"`
	Progress      int        `json:"progress"`
	Frames        int        `json:"frames"`
	FramesWritten int        `json:"frames_written"`
	DroppedFrames int        `json:"dropped_frames"`
	Timemark      string     `gorm:"type:varchar(32)" json:"timemark,omitempty"`
	Error         string     `gorm:"type:text" json:"error,omitempty"`
	Title         string     `gorm:"type:varchar(512)" json:"title,omitempty"`
	Artist        string     `gorm:"type:varchar(512)" json:"artist,omitempty"`
	StartedAt     time.Time  `gorm:"not null;index" json:"started_at"`
	FinishedAt    *time.Time `gorm:"index" json:"finished_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// TableName returns the table name for GORM
func (RenderRun) TableName() string {
	return "render_runs"
}

// Finished reports whether the run reached a terminal status
func (r *RenderRun) Finished() bool {
	return r.FinishedAt != nil
}

// RunFilter selects runs for listing
type RunFilter struct {
	BatchID string
	JobID   string
	Status  string
	Limit   int
	Offset  int
}
