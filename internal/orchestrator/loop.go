package orchestrator

import (
	"context"
	"sync"

	"chatbridge/internal/domain"
)

// Run consumes the bus until ctx is cancelled. Messages from the same user
// are processed strictly in order; distinct users run in parallel, bounded
// by the configured concurrency limit.
func (o *Orchestrator) Run(ctx context.Context) {
	o.logger.Info("orchestrator started", "mode", o.mode, "concurrency", o.concurrency)

	sem := make(chan struct{}, o.concurrency)
	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("orchestrator stopping")
			wg.Wait()
			return
		case msg, ok := <-o.bus.Subscribe():
			if !ok {
				wg.Wait()
				return
			}
			o.dispatch(ctx, msg, sem, &wg)
		}
	}
}

// dispatch routes the message to the user's worker goroutine, starting one
// if none is live. Attachment messages additionally abort the user's
// in-flight run right away: with per-user serialization the interrupt would
// otherwise wait behind the very run it is supposed to cut short.
func (o *Orchestrator) dispatch(ctx context.Context, msg domain.InboundMessage, sem chan struct{}, wg *sync.WaitGroup) {
	key := msg.UserKey()

	if msg.HasAttachments() {
		o.cancelRun(key)
	}

	o.workersMu.Lock()
	q, ok := o.workers[key]
	if !ok {
		q = make(chan domain.InboundMessage, 16)
		o.workers[key] = q
		wg.Add(1)
		go o.userWorker(ctx, key, q, sem, wg)
	}
	select {
	case q <- msg:
	default:
		o.logger.Warn("user queue full, dropping message", "user", key, "event", msg.EventID)
	}
	o.workersMu.Unlock()
}

// userWorker drains one user's queue. It exits when the queue stays empty,
// re-checking under workersMu so a concurrent dispatch cannot enqueue into
// a worker that has already decided to quit.
func (o *Orchestrator) userWorker(ctx context.Context, key string, q chan domain.InboundMessage, sem chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			o.workersMu.Lock()
			delete(o.workers, key)
			o.workersMu.Unlock()
			return
		case msg := <-q:
			o.process(ctx, msg, sem)
		default:
			o.workersMu.Lock()
			if len(q) == 0 {
				delete(o.workers, key)
				o.workersMu.Unlock()
				return
			}
			o.workersMu.Unlock()
		}
	}
}

func (o *Orchestrator) process(ctx context.Context, msg domain.InboundMessage, sem chan struct{}) {
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-sem }()

	o.bus.SendOutbound(o.Handle(ctx, msg))
}
