package subscription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"gossipnet/p2p"
)

const (
	// DefaultStartInterval is the initial keep-alive arm duration used until
	// the first firing ratchets the loop down.
	DefaultStartInterval = 40 * time.Second

	// KeepaliveInterval is the fixed probe cadence every loop settles on
	// after its first firing. The ratchet is one-way; a subscriber never
	// reverts to the longer start interval.
	KeepaliveInterval = 20 * time.Second
)

// Connector abstracts the connection layer: open a connection, negotiate the
// highest mutually supported conversation, and run exactly one offer to
// completion.
type Connector interface {
	WithConnectionTo(ctx context.Context, addr string, expect p2p.PeerID, offers []p2p.ConversationOffer) error
}

// Target names one peer a subscription should be held open to.
type Target struct {
	NodeID p2p.PeerID
	Addr   string
}

// ParseTarget parses the "nodeID@host:port" form used in configuration.
func ParseTarget(raw string) (Target, error) {
	node, addr, found := strings.Cut(strings.TrimSpace(raw), "@")
	if !found || strings.TrimSpace(node) == "" || strings.TrimSpace(addr) == "" {
		return Target{}, fmt.Errorf("invalid subscription target %q: want nodeID@host:port", raw)
	}
	if _, _, err := net.SplitHostPort(strings.TrimSpace(addr)); err != nil {
		return Target{}, fmt.Errorf("invalid subscription target address: %w", err)
	}
	return Target{NodeID: p2p.PeerID(strings.TrimSpace(node)), Addr: strings.TrimSpace(addr)}, nil
}

// TerminationReason is the single funnel for every way a subscription ends.
// Cause is nil when the remote cleanly ended the exchange or the caller
// cancelled it.
type TerminationReason struct {
	Cause   error
	Elapsed time.Duration
}

// Normal reports whether the subscription ended with a clean disconnect.
func (r TerminationReason) Normal() bool { return r.Cause == nil }

func (r TerminationReason) String() string {
	if r.Normal() {
		return "normal"
	}
	return "exceptional: " + r.Cause.Error()
}

func (r TerminationReason) label() string {
	if r.Normal() {
		return "normal"
	}
	return "exceptional"
}

// SubscriberConfig wires a Subscriber's collaborators. Table and Durations
// are shared with every other subscriber task; everything else is private.
type SubscriberConfig struct {
	Connector Connector
	Table     *StatusTable
	Durations *DurationRecord
	Logger    *slog.Logger

	// StartInterval overrides the initial keep-alive arm duration.
	StartInterval time.Duration

	// KeepaliveInterval overrides the ratcheted probe cadence.
	KeepaliveInterval time.Duration
}

// Subscriber drives outbound subscriptions, one blocking call per peer.
type Subscriber struct {
	cfg     SubscriberConfig
	metrics *subscriptionMetrics
}

func NewSubscriber(cfg SubscriberConfig) *Subscriber {
	if cfg.Table == nil {
		cfg.Table = NewStatusTable()
	}
	if cfg.Durations == nil {
		cfg.Durations = NewDurationRecord()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With(slog.String("component", "subscriber"))
	}
	if cfg.StartInterval <= 0 {
		cfg.StartInterval = DefaultStartInterval
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = KeepaliveInterval
	}
	return &Subscriber{cfg: cfg, metrics: newSubscriptionMetrics()}
}

// SubscribeTo opens one subscription to the target peer and blocks until it
// terminates. The status table holds an entry for the peer for exactly the
// duration of the call; the elapsed lifetime is merged into the shared
// max-duration record on every exit path. Each call is independent; retrying
// is the caller's decision.
func (s *Subscriber) SubscribeTo(ctx context.Context, target Target) TerminationReason {
	peer := target.NodeID
	logger := s.cfg.Logger.With(slog.String("peer", string(peer)))
	start := time.Now()

	s.cfg.Table.MarkSubscribing(peer)
	s.metrics.observePeerStatus(peer, StatusSubscribing)

	var reason TerminationReason
	defer func() {
		s.cfg.Table.Remove(peer)
		s.metrics.clearPeerStatus(peer)
		s.cfg.Durations.Observe(reason.Elapsed)
		s.metrics.observeMaxDuration(s.cfg.Durations.Max().Seconds())
		s.metrics.recordTermination(reason.label())
	}()

	offers := []p2p.ConversationOffer{
		{
			Version: p2p.ConversationSubscribe,
			Run: func(ctx context.Context, conv p2p.Conversation) error {
				return s.runCurrent(ctx, peer, conv)
			},
		},
		{
			Version: p2p.ConversationSubscribe1,
			Run: func(ctx context.Context, conv p2p.Conversation) error {
				return s.runLegacy(ctx, peer, conv)
			},
		},
	}

	err := s.cfg.Connector.WithConnectionTo(ctx, target.Addr, peer, offers)
	reason = TerminationReason{Cause: classifyClose(err), Elapsed: time.Since(start)}

	if reason.Normal() {
		logger.Info("Subscription ended",
			slog.String("reason", "normal"),
			slog.Duration("elapsed", reason.Elapsed))
	} else {
		logger.Warn("Subscription ended",
			slog.String("reason", "exceptional"),
			slog.Duration("elapsed", reason.Elapsed),
			slog.Any("error", reason.Cause))
	}
	return reason
}

// runCurrent drives the current-version conversation: one Subscribe, then an
// unbounded keep-alive loop. The first firing ratchets the timer down to the
// fixed probe cadence.
func (s *Subscriber) runCurrent(ctx context.Context, peer p2p.PeerID, conv p2p.Conversation) error {
	s.cfg.Table.MarkSubscribed(peer)
	s.metrics.observePeerStatus(peer, StatusSubscribed)

	if err := conv.Send(p2p.NewSubscribeMessage()); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}

	timer := NewKeepaliveTimer(s.cfg.StartInterval)
	defer timer.Stop()
	for {
		timer.Start()
		if err := timer.Wait(ctx); err != nil {
			return err
		}
		if err := conv.Send(p2p.NewKeepAliveMessage()); err != nil {
			return err
		}
		s.metrics.recordKeepalive()
		timer.SetDuration(s.cfg.KeepaliveInterval)
	}
}

// runLegacy drives the legacy conversation: one Subscribe1, then a single
// receive that exists only to detect disconnection. No keep-alives, and no
// reply is ever expected; data arriving here is a protocol violation.
func (s *Subscriber) runLegacy(ctx context.Context, peer p2p.PeerID, conv p2p.Conversation) error {
	s.cfg.Table.MarkSubscribed(peer)
	s.metrics.observePeerStatus(peer, StatusSubscribed)

	if err := conv.Send(p2p.NewSubscribe1Message()); err != nil {
		return fmt.Errorf("send subscribe1: %w", err)
	}

	msg, err := conv.Recv()
	if err != nil {
		return err
	}
	return fmt.Errorf("unexpected %s message on legacy subscription", p2p.MessageTypeName(msg.Type))
}

// classifyClose maps a conversation outcome onto the termination taxonomy: a
// clean remote close or a deliberate caller cancellation is not an error,
// everything else keeps its cause.
func classifyClose(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, context.Canceled):
		return nil
	default:
		return err
	}
}
