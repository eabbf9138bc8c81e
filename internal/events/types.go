// Package events carries batch and job lifecycle notifications between the
// orchestrator, the history store and the live progress feed.
package events

import (
	"fmt"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	// Batch events
	EventBatchStarted   EventType = "batch.started"
	EventBatchCompleted EventType = "batch.completed"

	// Job events
	EventJobSkipped     EventType = "job.skipped"
	EventJobState       EventType = "job.state"
	EventJobProgress    EventType = "job.progress"
	EventJobFrameFailed EventType = "job.frame_failed"
)

// Event represents one notification
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	BatchID   string                 `json:"batch_id,omitempty"`
	JobID     string                 `json:"job_id,omitempty"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// EventHandler handles one delivered event
type EventHandler func(event Event) error

// EventFilter selects events for a subscription. Empty fields match all.
type EventFilter struct {
	Types  []EventType `json:"types,omitempty"`
	JobIDs []string    `json:"job_ids,omitempty"`
}

// Subscription represents an event subscription
type Subscription struct {
	ID            string       `json:"id"`
	Filter        EventFilter  `json:"filter"`
	Handler       EventHandler `json:"-"`
	Subscriber    string       `json:"subscriber"`
	Created       time.Time    `json:"created"`
	LastTriggered *time.Time   `json:"last_triggered,omitempty"`
	TriggerCount  int64        `json:"trigger_count"`
}

// EventStats represents statistics about delivered events
type EventStats struct {
	TotalEvents         int64            `json:"total_events"`
	DroppedEvents       int64            `json:"dropped_events"`
	EventsByType        map[string]int64 `json:"events_by_type"`
	ActiveSubscriptions int              `json:"active_subscriptions"`
}

// MatchesFilter checks if an event matches the given filter
func MatchesFilter(event Event, filter EventFilter) bool {
	if len(filter.Types) > 0 {
		found := false
		for _, t := range filter.Types {
			if event.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(filter.JobIDs) > 0 {
		found := false
		for _, id := range filter.JobIDs {
			if event.JobID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	return true
}

// NewJobStateEvent creates a state transition event. errMsg is empty unless
// the job entered the failed state.
func NewJobStateEvent(batchID, jobID, from, to, errMsg string) Event {
	data := map[string]interface{}{
		"from": from,
		"to":   to,
	}
	if errMsg != "" {
		data["error"] = errMsg
	}
	return Event{
		Type:      EventJobState,
		Source:    "job:" + jobID,
		BatchID:   batchID,
		JobID:     jobID,
		Message:   fmt.Sprintf("%s: %s -> %s", jobID, from, to),
		Data:      data,
		Timestamp: time.Now(),
	}
}

// NewJobProgressEvent creates a throttled progress event
func NewJobProgressEvent(batchID, jobID string, percent int, frame, total int64, timemark string) Event {
	return Event{
		Type:    EventJobProgress,
		Source:  "job:" + jobID,
		BatchID: batchID,
		JobID:   jobID,
		Message: fmt.Sprintf("Frame generation: %d%%", percent),
		Data: map[string]interface{}{
			"percent":  percent,
			"frame":    frame,
			"frames":   total,
			"timemark": timemark,
		},
		Timestamp: time.Now(),
	}
}

// NewFrameFailedEvent reports a frame that could not be rendered
func NewFrameFailedEvent(batchID, jobID string, at float64, errMsg string) Event {
	return Event{
		Type:    EventJobFrameFailed,
		Source:  "job:" + jobID,
		BatchID: batchID,
		JobID:   jobID,
		Message: fmt.Sprintf("error rendering frame at %.3fs", at),
		Data: map[string]interface{}{
			"time":  at,
			"error": errMsg,
		},
		Timestamp: time.Now(),
	}
}

// NewJobSkippedEvent reports a job whose output already exists
func NewJobSkippedEvent(batchID, jobID, outputPath string) Event {
	return Event{
		Type:      EventJobSkipped,
		Source:    "batch:" + batchID,
		BatchID:   batchID,
		JobID:     jobID,
		Message:   "Skipping " + jobID,
		Data:      map[string]interface{}{"output": outputPath},
		Timestamp: time.Now(),
	}
}

// NewBatchEvent creates a batch lifecycle event
func NewBatchEvent(eventType EventType, batchID string, data map[string]interface{}) Event {
	return Event{
		Type:      eventType,
		Source:    "batch:" + batchID,
		BatchID:   batchID,
		Message:   fmt.Sprintf("batch %s %s", batchID, eventType),
		Data:      data,
		Timestamp: time.Now(),
	}
}
