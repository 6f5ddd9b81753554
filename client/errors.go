package client

import (
	"errors"
	"fmt"
)

// Precondition failures, reported before any request is made.
var (
	ErrEmptyPrompt    = errors.New("prompt text is empty")
	ErrNoServer       = errors.New("server URL is not configured")
	ErrNoWorkflow     = errors.New("workflow is not configured")
	ErrNoPromptTarget = errors.New("no prompt target found in workflow")
	ErrNoImageInput   = errors.New("workflow has no image input")
)

// Terminal run failures.
var (
	ErrMissingPromptID = errors.New("server response did not include a prompt_id")
	ErrTimedOut        = errors.New("timed out waiting for generation to complete")
	ErrNoOutput        = errors.New("generation completed but produced no output")
)

// HTTPError is returned when the server answers with a non-2xx status.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Status     string
	// Message is the server's own explanation, when it gave one.
	Message string
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.StatusCode)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}
