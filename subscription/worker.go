package subscription

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"gossipnet/p2p"
)

const defaultRedialDelay = 5 * time.Second

// ConversationSpec declares one conversation a worker can initiate, for
// capability announcement during the handshake. RepliesExpected is false for
// both subscription conversations: the server side never sends, by protocol
// guarantee rather than implementation choice.
type ConversationSpec struct {
	Version         p2p.ConversationVersion
	Initiation      byte
	RepliesExpected bool
}

// WorkerConfig wires the subscription worker.
type WorkerConfig struct {
	Subscriber *Subscriber
	Targets    []Target
	Logger     *slog.Logger

	// Peerstore, when set, drives failure-aware redial backoff. Without it
	// every redial waits RedialDelay.
	Peerstore *p2p.Peerstore

	// RedialDelay is the wait between cycles that ended normally.
	RedialDelay time.Duration
}

// Worker adapts the subscriber's single-cycle call into the node's long
// running worker model: one goroutine per target peer, re-invoking the cycle
// with backoff. Retry policy lives here, never in the subscriber.
type Worker struct {
	cfg WorkerConfig

	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With(slog.String("component", "subscription_worker"))
	}
	if cfg.RedialDelay <= 0 {
		cfg.RedialDelay = defaultRedialDelay
	}
	return &Worker{cfg: cfg, quit: make(chan struct{})}
}

// Conversations declares the worker's outbound protocol footprint.
func (w *Worker) Conversations() []ConversationSpec {
	return []ConversationSpec{
		{Version: p2p.ConversationSubscribe, Initiation: p2p.MsgTypeSubscribe},
		{Version: p2p.ConversationSubscribe1, Initiation: p2p.MsgTypeSubscribe1},
	}
}

// Start launches one subscription loop per target.
func (w *Worker) Start(ctx context.Context) {
	for _, target := range w.cfg.Targets {
		t := target
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.run(ctx, t)
		}()
	}
}

// Stop signals every loop and waits for in-flight cycles to end. Cycles end
// when their connections close; callers tearing down promptly should cancel
// the Start context, which closes the dial path, and stop the transport.
func (w *Worker) Stop() {
	w.once.Do(func() { close(w.quit) })
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, target Target) {
	logger := w.cfg.Logger.With(slog.String("peer", string(target.NodeID)))
	for {
		select {
		case <-w.quit:
			return
		case <-ctx.Done():
			return
		default:
		}

		reason := w.cfg.Subscriber.SubscribeTo(ctx, target)
		delay := w.delayFor(target, reason)
		logger.Debug("Subscription cycle finished",
			slog.String("outcome", reason.label()),
			slog.Duration("redial_in", delay))

		select {
		case <-time.After(delay):
		case <-w.quit:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) delayFor(target Target, reason TerminationReason) time.Duration {
	now := time.Now()
	if w.cfg.Peerstore == nil {
		return w.cfg.RedialDelay
	}
	if reason.Normal() {
		if err := w.cfg.Peerstore.RecordSuccess(target.Addr, target.NodeID, now); err != nil {
			w.cfg.Logger.Warn("Peerstore update failed", slog.Any("error", err))
		}
		return w.cfg.RedialDelay
	}
	delay, err := w.cfg.Peerstore.RecordFailure(target.Addr, now)
	if err != nil {
		w.cfg.Logger.Warn("Peerstore update failed", slog.Any("error", err))
	}
	if delay < w.cfg.RedialDelay {
		delay = w.cfg.RedialDelay
	}
	return delay
}
