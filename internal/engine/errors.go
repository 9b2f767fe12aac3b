package engine

import (
	"fmt"

	"buildtuner/internal/domain"
)

// ValidationError is a missing or malformed request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s is required", e.Field)
}

// ConflictError reports the live experiment that blocked a creation.
type ConflictError struct {
	ExperimentID string
	Status       domain.Status
}

func (e ConflictError) Error() string {
	return "Another experiment is currently running. Please wait for it to complete before starting a new one."
}

// DisabledError is returned while experiment creation is switched off.
// IssuesURL points operators at the place to ask for access.
type DisabledError struct {
	IssuesURL string
}

func (e DisabledError) Error() string {
	return "Experiment creation is currently disabled"
}

// Message is the guidance shown to callers.
func (e DisabledError) Message() string {
	msg := "Experiments are temporarily disabled. Please try again later."
	if e.IssuesURL != "" {
		msg += " To request access or report issues, create a new issue at: " + e.IssuesURL
	}
	return msg
}

// ConfigurationError is a failure no retry can fix, such as a missing
// dispatch token.
type ConfigurationError struct {
	Err error
}

func (e ConfigurationError) Error() string { return "configuration error: " + e.Err.Error() }
func (e ConfigurationError) Unwrap() error { return e.Err }

// DispatchError is a failed first dispatch. The experiment record stays in
// created status.
type DispatchError struct {
	ExperimentID string
	Err          error
}

func (e DispatchError) Error() string {
	return fmt.Sprintf("failed to trigger experiment %s: %v", e.ExperimentID, e.Err)
}

func (e DispatchError) Unwrap() error { return e.Err }
