package domain

import "context"

// Run statuses reported by the backend. Anything not listed here is
// treated as still in progress.
const (
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
	RunExpired   = "expired"
)

// Run describes one assistant execution against a thread.
// Timestamps are unix seconds as reported by the backend.
type Run struct {
	ID          string
	Status      string
	CreatedAt   int64
	CompletedAt int64
}

// RunRequest carries the assistant identity and system instructions for a run.
type RunRequest struct {
	AssistantID  string
	Instructions string
}

// Backend wraps the AI completion service that models conversations as
// persistent server-side threads.
//
// StreamRun writes text fragments to the channel in arrival order and closes
// it before returning. A nil return means the run completed; a non-nil return
// means it failed (or the context ended first).
//
// StartRun, GetRun and LatestMessage form the poll-based alternative for the
// same execution, used when push streaming is not wanted.
type Backend interface {
	CreateThread(ctx context.Context) (string, error)
	DeleteThread(ctx context.Context, threadID string) error
	SubmitMessage(ctx context.Context, threadID, text string) error
	StreamRun(ctx context.Context, threadID string, req RunRequest, fragments chan<- string) error
	StartRun(ctx context.Context, threadID string, req RunRequest) (Run, error)
	GetRun(ctx context.Context, threadID, runID string) (Run, error)
	LatestMessage(ctx context.Context, threadID string) (string, error)
}

// Notifier alerts a human operator that a conversation was handed off.
// Implementations are fire-and-forget: failures are logged, never retried.
type Notifier interface {
	Notify(ctx context.Context, channel, userID string) error
}
