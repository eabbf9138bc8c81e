package job

import (
	"fmt"
	"sync"
)

// StateValidator enforces the job lifecycle:
// pending -> preflight -> rendering -> draining -> succeeded, with failed
// reachable from every non-terminal state
type StateValidator struct {
	transitions map[Status][]Status
	mu          sync.RWMutex
}

// TransitionError represents an invalid state transition. It indicates a
// programming error in the orchestrator, never a job failure.
type TransitionError struct {
	JobID  string
	From   Status
	To     Status
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition for job %s: %s -> %s (%s)", e.JobID, e.From, e.To, e.Reason)
}

// NewStateValidator creates a validator with the job lifecycle rules
func NewStateValidator() *StateValidator {
	return &StateValidator{
		transitions: map[Status][]Status{
			StatusPending:   {StatusPreflight, StatusFailed},
			StatusPreflight: {StatusRendering, StatusFailed},
			StatusRendering: {StatusDraining, StatusFailed},
			StatusDraining:  {StatusSucceeded, StatusFailed},
			StatusSucceeded: {},
			StatusFailed:    {},
		},
	}
}

// ValidateTransition returns a *TransitionError when from -> to is not allowed
func (sv *StateValidator) ValidateTransition(jobID string, from, to Status) error {
	sv.mu.RLock()
	defer sv.mu.RUnlock()

	validTransitions, exists := sv.transitions[from]
	if !exists {
		return &TransitionError{JobID: jobID, From: from, To: to, Reason: "no transitions defined for current state"}
	}

	for _, validState := range validTransitions {
		if validState == to {
			return nil
		}
	}

	return &TransitionError{JobID: jobID, From: from, To: to, Reason: "transition not allowed"}
}

// ValidTransitions returns the states reachable from from
func (sv *StateValidator) ValidTransitions(from Status) []Status {
	sv.mu.RLock()
	defer sv.mu.RUnlock()

	transitions := sv.transitions[from]
	result := make([]Status, len(transitions))
	copy(result, transitions)
	return result
}

// IsTerminalState checks if a state has no further transitions
func (sv *StateValidator) IsTerminalState(status Status) bool {
	sv.mu.RLock()
	defer sv.mu.RUnlock()

	transitions, exists := sv.transitions[status]
	return exists && len(transitions) == 0
}
