package domain

import "errors"

// Per-request failure causes. All of them are caught inside the orchestrator
// and degrade to a user-facing fallback reply; they exist so the logged cause
// is classifiable.
var (
	ErrThreadCreation = errors.New("thread creation failed")
	ErrMessageSubmit  = errors.New("message submit failed")
	ErrRunTimeout     = errors.New("run timed out")
	ErrEmptyResponse  = errors.New("empty backend response")
	ErrChannelSend    = errors.New("channel send failed")
)
