package database

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/mantonx/pianoreel/internal/errors"
	"github.com/mantonx/pianoreel/internal/events"
	"github.com/mantonx/pianoreel/internal/utils"
)

// ErrRunNotFound is returned when a run id is unknown
var ErrRunNotFound = stderrors.New("render run not found")

// Store records render history
type Store struct {
	db     *gorm.DB
	logger hclog.Logger

	// active maps batch/job to the run currently being recorded
	mu     sync.Mutex
	active map[string]string
}

// NewStore wraps an open database
func NewStore(db *gorm.DB, logger hclog.Logger) *Store {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Store{
		db:     db,
		logger: logger.Named("history"),
		active: make(map[string]string),
	}
}

// Migrate creates or updates the schema
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(&RenderRun{}); err != nil {
		return errors.StorageError("migrate", err)
	}
	return nil
}

// Close closes the underlying connection
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordStart inserts a new run. An empty ID is generated.
func (s *Store) RecordStart(ctx context.Context, run *RenderRun) error {
	if run.ID == "" {
		run.ID = utils.GenerateUUID()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return errors.StorageError("record_start", err).WithJob(run.JobID)
	}
	return nil
}

// RecordProgress updates the live counters of a run
func (s *Store) RecordProgress(ctx context.Context, id string, progress, framesWritten int, timemark string) error {
	updates := map[string]interface{}{
		"progress":       progress,
		"frames_written": framesWritten,
	}
	if timemark != "" {
		updates["timemark"] = timemark
	}
	return s.update(ctx, "record_progress", id, updates)
}

// RecordDroppedFrame increments the dropped frame counter of a run
func (s *Store) RecordDroppedFrame(ctx context.Context, id string) error {
	return s.update(ctx, "record_dropped_frame", id, map[string]interface{}{
		"dropped_frames": gorm.Expr("dropped_frames + ?", 1),
	})
}

// FinishInfo carries the final figures of a run
type FinishInfo struct {
	Status        string
	Frames        int
	FramesWritten int
	DroppedFrames int
	Timemark      string
	Error         string
	Title         string
	Artist        string
	FinishedAt    time.Time
}

// RecordFinish stores the terminal state of a run
func (s *Store) RecordFinish(ctx context.Context, id string, info FinishInfo) error {
	if info.FinishedAt.IsZero() {
		info.FinishedAt = time.Now()
	}
	updates := map[string]interface{}{
		"status":         info.Status,
		"frames":         info.Frames,
		"frames_written": info.FramesWritten,
		"dropped_frames": info.DroppedFrames,
		"timemark":       info.Timemark,
		"error":          info.Error,
		"title":          info.Title,
		"artist":         info.Artist,
		"finished_at":    info.FinishedAt,
	}
	if info.Status == "succeeded" {
		updates["progress"] = 100
	}
	return s.update(ctx, "record_finish", id, updates)
}

func (s *Store) update(ctx context.Context, op, id string, updates map[string]interface{}) error {
	result := s.db.WithContext(ctx).Model(&RenderRun{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return errors.StorageError(op, result.Error).WithDetail("run_id", id)
	}
	if result.RowsAffected == 0 {
		return errors.StorageError(op, ErrRunNotFound).WithDetail("run_id", id)
	}
	return nil
}

// GetRun returns one run by id
func (s *Store) GetRun(ctx context.Context, id string) (*RenderRun, error) {
	var run RenderRun
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&run).Error; err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.StorageError("get_run", ErrRunNotFound).WithDetail("run_id", id)
		}
		return nil, errors.StorageError("get_run", err).WithDetail("run_id", id)
	}
	return &run, nil
}

// ListRuns returns runs matching filter, newest first, with the total count
func (s *Store) ListRuns(ctx context.Context, filter RunFilter) ([]RenderRun, int64, error) {
	query := s.db.WithContext(ctx).Model(&RenderRun{})
	if filter.BatchID != "" {
		query = query.Where("batch_id = ?", filter.BatchID)
	}
	if filter.JobID != "" {
		query = query.Where("job_id = ?", filter.JobID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, errors.StorageError("list_runs", err)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	var runs []RenderRun
	if err := query.Order("started_at DESC").Limit(limit).Offset(filter.Offset).Find(&runs).Error; err != nil {
		return nil, 0, errors.StorageError("list_runs", err)
	}
	return runs, total, nil
}

// HandleEvent records job lifecycle events. It is meant to be subscribed to
// the event bus.
func (s *Store) HandleEvent(e events.Event) error {
	ctx := context.Background()
	key := e.BatchID + "/" + e.JobID

	switch e.Type {
	case events.EventJobSkipped:
		return s.RecordStart(ctx, &RenderRun{
			BatchID:    e.BatchID,
			JobID:      e.JobID,
			Status:     RunStatusSkipped,
			OutputPath: stringField(e.Data, "output"),
			StartedAt:  e.Timestamp,
			FinishedAt: &e.Timestamp,
		})

	case events.EventJobState:
		return s.handleState(ctx, key, e)

	case events.EventJobProgress:
		id, ok := s.activeRun(key)
		if !ok {
			return nil
		}
		return s.RecordProgress(ctx, id, intField(e.Data, "percent"), intField(e.Data, "frame"), stringField(e.Data, "timemark"))

	case events.EventJobFrameFailed:
		id, ok := s.activeRun(key)
		if !ok {
			return nil
		}
		return s.RecordDroppedFrame(ctx, id)
	}
	return nil
}

func (s *Store) handleState(ctx context.Context, key string, e events.Event) error {
	to := stringField(e.Data, "to")

	if to == "preflight" {
		run := &RenderRun{
			ID:         stringField(e.Data, "run_id"),
			BatchID:    e.BatchID,
			JobID:      e.JobID,
			Status:     to,
			OutputPath: stringField(e.Data, "output"),
			StartedAt:  e.Timestamp,
		}
		if err := s.RecordStart(ctx, run); err != nil {
			return err
		}
		s.mu.Lock()
		s.active[key] = run.ID
		s.mu.Unlock()
		return nil
	}

	id, ok := s.activeRun(key)
	if !ok {
		return fmt.Errorf("no active run for %s", key)
	}

	if to != "succeeded" && to != "failed" {
		return s.update(ctx, "record_state", id, map[string]interface{}{"status": to})
	}

	s.mu.Lock()
	delete(s.active, key)
	s.mu.Unlock()

	return s.RecordFinish(ctx, id, FinishInfo{
		Status:        to,
		Frames:        intField(e.Data, "frames"),
		FramesWritten: intField(e.Data, "frames_written"),
		DroppedFrames: intField(e.Data, "dropped_frames"),
		Timemark:      stringField(e.Data, "timemark"),
		Error:         stringField(e.Data, "error"),
		Title:         stringField(e.Data, "title"),
		Artist:        stringField(e.Data, "artist"),
		FinishedAt:    e.Timestamp,
	})
}

func (s *Store) activeRun(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.active[key]
	return id, ok
}

func stringField(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func intField(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
