package logging

import "fmt"

// OperationError annotates an error with the operation and workflow it belongs to.
type OperationError struct {
	Operation  string
	WorkflowID string
	Err        error
}

func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	if e.WorkflowID != "" {
		return fmt.Sprintf("%s (workflow_id=%s): %v", e.Operation, e.WorkflowID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError wraps err with the operation name and workflow id.
// It returns nil when err is nil.
func NewOperationError(operation, workflowID string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, WorkflowID: workflowID, Err: err}
}
