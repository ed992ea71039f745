package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"chatbridge/internal/domain"
	"chatbridge/internal/persona"
	"chatbridge/internal/session"
	"chatbridge/internal/transcript"
)

// Run execution modes.
const (
	ModeStream = "stream"
	ModePoll   = "poll"
)

const (
	defaultRunTimeout   = 60 * time.Second
	defaultPollInterval = 5 * time.Second
	defaultConcurrency  = 8
	notifyTimeout       = 15 * time.Second
)

// Outcome statuses for one handled request.
const (
	OutcomeCompleted = "completed"
	OutcomeTimedOut  = "timed_out"
	OutcomeFailed    = "failed"
)

// RunOutcome is the transient result of driving one backend run. It exists
// only for the duration of a request, for logging and reply selection.
type RunOutcome struct {
	Status string
	Text   string
	Cause  error
}

// Recorder appends (question, response) pairs to the diagnostic transcript.
type Recorder interface {
	Append(ctx context.Context, e transcript.Entry) error
}

// Orchestrator coordinates one conversation turn: session lookup or creation,
// message submission, run execution with streamed-output aggregation, and the
// attachment-triggered human handoff. Every failure degrades to a fixed reply;
// nothing escapes Handle as an error.
type Orchestrator struct {
	backend     domain.Backend
	sessions    *session.Store
	persona     *persona.Persona
	notifier    domain.Notifier
	recorder    Recorder
	bus         domain.MessageBus
	logger      *slog.Logger
	mode        string
	runTimeout  time.Duration
	pollEvery   time.Duration
	concurrency int

	// running tracks the cancel func of the in-flight run per user, so an
	// attachment interrupt can abort it instead of writing to a thread that
	// is about to be deleted.
	running   map[string]context.CancelFunc
	runningMu sync.Mutex

	workers   map[string]chan domain.InboundMessage
	workersMu sync.Mutex
}

// Config holds all dependencies and tuning parameters for the orchestrator.
type Config struct {
	Backend      domain.Backend
	Sessions     *session.Store
	Persona      *persona.Persona
	Notifier     domain.Notifier // optional
	Recorder     Recorder        // optional
	Bus          domain.MessageBus
	Logger       *slog.Logger
	Mode         string // ModeStream (default) or ModePoll
	RunTimeout   time.Duration
	PollInterval time.Duration
	Concurrency  int // max users processed in parallel
}

func New(cfg Config) *Orchestrator {
	if cfg.Mode == "" {
		cfg.Mode = ModeStream
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaultRunTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	return &Orchestrator{
		backend:     cfg.Backend,
		sessions:    cfg.Sessions,
		persona:     cfg.Persona,
		notifier:    cfg.Notifier,
		recorder:    cfg.Recorder,
		bus:         cfg.Bus,
		logger:      cfg.Logger,
		mode:        cfg.Mode,
		runTimeout:  cfg.RunTimeout,
		pollEvery:   cfg.PollInterval,
		concurrency: cfg.Concurrency,
		running:     make(map[string]context.CancelFunc),
		workers:     make(map[string]chan domain.InboundMessage),
	}
}

// Handle processes one inbound message and always produces a reply.
func (o *Orchestrator) Handle(ctx context.Context, msg domain.InboundMessage) domain.OutboundMessage {
	reply := func(text string) domain.OutboundMessage {
		return domain.OutboundMessage{Channel: msg.Channel, UserID: msg.UserID, Text: text}
	}

	if msg.HasAttachments() {
		o.interrupt(ctx, msg)
		return reply(o.persona.Replies.Handoff)
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		o.logger.Warn("empty message received", "channel", msg.Channel, "user", msg.UserID)
		return reply(o.persona.Replies.EmptyInput)
	}

	outcome := o.converse(ctx, msg.UserKey(), text)
	switch outcome.Status {
	case OutcomeCompleted:
		if o.recorder != nil {
			if err := o.recorder.Append(ctx, transcript.Entry{
				Channel:  msg.Channel,
				UserID:   msg.UserID,
				Question: text,
				Response: outcome.Text,
			}); err != nil {
				o.logger.Warn("cannot append transcript", "err", err)
			}
		}
		return reply(outcome.Text)
	case OutcomeTimedOut:
		o.logger.Error("run timed out", "user", msg.UserKey(), "timeout", o.runTimeout)
		return reply(o.persona.Replies.Fallback)
	default:
		o.logger.Error("conversation failed", "user", msg.UserKey(), "cause", outcome.Cause)
		return reply(o.persona.Replies.Fallback)
	}
}

// interrupt handles the attachment path: abort any in-flight run, drop the
// session, and alert the operator. The backend run path is never entered.
func (o *Orchestrator) interrupt(ctx context.Context, msg domain.InboundMessage) {
	key := msg.UserKey()
	o.cancelRun(key)
	o.sessions.Terminate(ctx, key)

	o.logger.Info("attachment received, conversation handed off",
		"channel", msg.Channel, "user", msg.UserID, "attachments", len(msg.Attachments))

	if o.notifier == nil {
		return
	}
	go func() {
		nctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := o.notifier.Notify(nctx, msg.Channel, msg.UserID); err != nil {
			o.logger.Warn("operator notification failed", "user", key, "err", err)
		}
	}()
}

// converse drives the non-interrupt path through the backend.
func (o *Orchestrator) converse(ctx context.Context, userKey, text string) RunOutcome {
	sess, err := o.sessions.GetOrCreate(ctx, userKey)
	if err != nil {
		return RunOutcome{Status: OutcomeFailed, Cause: err}
	}

	if err := o.backend.SubmitMessage(ctx, sess.ThreadID, text); err != nil {
		return RunOutcome{Status: OutcomeFailed, Cause: fmt.Errorf("%w: %v", domain.ErrMessageSubmit, err)}
	}

	runCtx, cancel := context.WithTimeout(ctx, o.runTimeout)
	defer cancel()
	o.trackRun(userKey, cancel)
	defer o.clearRun(userKey)

	req := domain.RunRequest{
		AssistantID:  o.persona.AssistantID,
		Instructions: o.persona.FullInstructions(),
	}

	var out string
	if o.mode == ModePoll {
		out, err = o.runPolling(runCtx, sess.ThreadID, req)
	} else {
		out, err = o.runStreaming(runCtx, sess.ThreadID, req)
	}
	if err != nil {
		// A timed-out run is not retried and the session stays usable; the
		// same thread serves the next turn.
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return RunOutcome{
				Status: OutcomeTimedOut,
				Cause:  fmt.Errorf("%w: no terminal status within %s", domain.ErrRunTimeout, o.runTimeout),
			}
		}
		return RunOutcome{Status: OutcomeFailed, Cause: err}
	}

	out = strings.TrimSpace(out)
	if out == "" {
		return RunOutcome{Status: OutcomeFailed, Cause: domain.ErrEmptyResponse}
	}
	return RunOutcome{Status: OutcomeCompleted, Text: out}
}

// runStreaming consumes the fragment stream, concatenating in arrival order.
func (o *Orchestrator) runStreaming(ctx context.Context, threadID string, req domain.RunRequest) (string, error) {
	fragments := make(chan string, 64)
	errCh := make(chan error, 1)
	go func() {
		errCh <- o.backend.StreamRun(ctx, threadID, req, fragments)
	}()

	var buf strings.Builder
	for f := range fragments {
		buf.WriteString(f)
	}
	// StreamRun closes the fragments channel before returning, so the range
	// exits first; block on errCh to observe the terminal status.
	if err := <-errCh; err != nil {
		return "", fmt.Errorf("run stream: %w", err)
	}
	return buf.String(), nil
}

// runPolling starts a run and waits for a terminal status at a fixed
// interval, then reads the newest thread message as the reply.
func (o *Orchestrator) runPolling(ctx context.Context, threadID string, req domain.RunRequest) (string, error) {
	run, err := o.backend.StartRun(ctx, threadID, req)
	if err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}

	ticker := time.NewTicker(o.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			r, err := o.backend.GetRun(ctx, threadID, run.ID)
			if err != nil {
				return "", fmt.Errorf("poll run: %w", err)
			}
			switch r.Status {
			case domain.RunCompleted:
				if r.CompletedAt > 0 && r.CreatedAt > 0 {
					o.logger.Info("run completed",
						"run", r.ID, "elapsed", time.Duration(r.CompletedAt-r.CreatedAt)*time.Second)
				}
				return o.backend.LatestMessage(ctx, threadID)
			case domain.RunFailed, domain.RunCancelled, domain.RunExpired:
				return "", fmt.Errorf("run %s", r.Status)
			}
			// queued / in_progress: keep waiting
		}
	}
}

func (o *Orchestrator) trackRun(userKey string, cancel context.CancelFunc) {
	o.runningMu.Lock()
	o.running[userKey] = cancel
	o.runningMu.Unlock()
}

func (o *Orchestrator) clearRun(userKey string) {
	o.runningMu.Lock()
	delete(o.running, userKey)
	o.runningMu.Unlock()
}

// cancelRun aborts the in-flight run for the user, if any.
func (o *Orchestrator) cancelRun(userKey string) {
	o.runningMu.Lock()
	cancel, ok := o.running[userKey]
	o.runningMu.Unlock()
	if ok {
		o.logger.Info("cancelling in-flight run", "user", userKey)
		cancel()
	}
}
