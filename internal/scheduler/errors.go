package scheduler

import "errors"

var (
	// ErrSessionAborted reports that the session's context was cancelled
	// mid-run. The session snapshot returned alongside it carries the
	// stopped outcome and whatever history accumulated before the cut.
	ErrSessionAborted = errors.New("session aborted")

	// ErrLLMUnavailable reports that reflection could not reach the model
	// after retries and no previous reflection existed to degrade onto.
	ErrLLMUnavailable = errors.New("llm unavailable")

	// ErrNotPaused reports a clarification answer arriving for a session
	// that is not waiting on one.
	ErrNotPaused = errors.New("session is not awaiting clarification")

	// ErrSessionRunning guards Restore against replacing a live session.
	ErrSessionRunning = errors.New("session already running")
)
