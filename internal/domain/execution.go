package domain

import "time"

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	// ExecutionStatusPending indicates the execution waits for a worker.
	ExecutionStatusPending ExecutionStatus = "pending"
	// ExecutionStatusRunning indicates a worker claimed the execution.
	ExecutionStatusRunning ExecutionStatus = "running"
	// ExecutionStatusSuccess indicates the reaction completed.
	ExecutionStatusSuccess ExecutionStatus = "success"
	// ExecutionStatusFailed indicates the reaction failed terminally.
	ExecutionStatusFailed ExecutionStatus = "failed"
	// ExecutionStatusSkipped indicates the admitter recorded the event
	// without dispatching it (automation no longer active).
	ExecutionStatusSkipped ExecutionStatus = "skipped"
)

// IsTerminal reports whether the status admits no further transitions.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusSuccess, ExecutionStatusFailed, ExecutionStatusSkipped:
		return true
	}
	return false
}

// IsValid reports whether the status is one of the known states.
func (s ExecutionStatus) IsValid() bool {
	switch s {
	case ExecutionStatusPending, ExecutionStatusRunning,
		ExecutionStatusSuccess, ExecutionStatusFailed, ExecutionStatusSkipped:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next preserves the
// monotonic lifecycle: pending -> running -> success|failed, with
// running -> pending reserved for retry requeues. Terminal states never
// transition.
func (s ExecutionStatus) CanTransition(next ExecutionStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case ExecutionStatusPending:
		return next == ExecutionStatusRunning
	case ExecutionStatusRunning:
		switch next {
		case ExecutionStatusSuccess, ExecutionStatusFailed, ExecutionStatusPending:
			return true
		}
	}
	return false
}

// Execution is the journal record of one admitted trigger event.
type Execution struct {
	ID              string
	AutomationID    string
	ExternalEventID string
	Status          ExecutionStatus
	AttemptCount    int
	TriggerData     map[string]any
	ResultData      map[string]any
	ErrorMessage    string
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}
