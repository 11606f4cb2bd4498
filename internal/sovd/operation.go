package sovd

import "time"

// OperationInfo describes an executable routine.
type OperationInfo struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Description      string `json:"description,omitempty"`
	RequiresSecurity bool   `json:"requires_security"`
	SecurityLevel    uint8  `json:"security_level,omitempty"`
	RequiredSession  string `json:"required_session,omitempty"`
	Href             string `json:"href"`
}

// OperationStatus enumerates execution states.
type OperationStatus string

const (
	OperationRunning   OperationStatus = "running"
	OperationCompleted OperationStatus = "completed"
	OperationFailed    OperationStatus = "failed"
	OperationStopped   OperationStatus = "stopped"
)

// OperationExecution is the handle returned by StartOperation.
type OperationExecution struct {
	ExecutionID string          `json:"execution_id"`
	OperationID string          `json:"operation_id"`
	Status      OperationStatus `json:"status"`
	// Result carries the routine status record as lowercase hex, when the
	// routine returned one.
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
