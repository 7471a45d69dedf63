package subscription

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"gossipnet/p2p"
	"gossipnet/peerqueue"
)

// BucketWriter is the slice of the outbound peer queue the listener mutates.
// Adds and removes are independent atomic operations; the queue provides the
// atomicity.
type BucketWriter interface {
	AddPeer(id peerqueue.BucketID, peer p2p.PeerID, nodeType p2p.NodeType) bool
	RemovePeer(id peerqueue.BucketID, peer p2p.PeerID) bool
}

// ListenerConfig wires the listener's collaborators.
type ListenerConfig struct {
	Queue  BucketWriter
	Bucket peerqueue.BucketID
	Logger *slog.Logger
}

// Listener serves inbound subscription conversations: it registers the peer
// in the outbound queue bucket for as long as the conversation lives and
// never sends a reply.
type Listener struct {
	cfg     ListenerConfig
	metrics *subscriptionMetrics
}

func NewListener(cfg ListenerConfig) *Listener {
	if cfg.Bucket == "" {
		cfg.Bucket = peerqueue.BucketSubscribers
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With(slog.String("component", "subscription_listener"))
	}
	return &Listener{cfg: cfg, metrics: newSubscriptionMetrics()}
}

// Register installs both conversation versions on the server.
func (l *Listener) Register(srv *p2p.Server) {
	srv.Handle(p2p.ConversationSubscribe, l.HandleSubscribe)
	srv.Handle(p2p.ConversationSubscribe1, l.HandleSubscribe1)
}

// HandleSubscribe serves the current-version conversation: one Subscribe,
// then keep-alives until disconnect.
func (l *Listener) HandleSubscribe(ctx context.Context, conv p2p.Conversation) error {
	release, err := l.accept(conv, p2p.MsgTypeSubscribe)
	if err != nil || release == nil {
		return err
	}
	defer release()

	logger := l.logFor(conv)
	for {
		msg, err := conv.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if msg.Type != p2p.MsgTypeSubscribeKeepAlive {
			logger.Warn("Unexpected message in subscription loop",
				slog.String("type", p2p.MessageTypeName(msg.Type)))
			return nil
		}
	}
}

// HandleSubscribe1 serves the legacy conversation: one Subscribe1, then a
// single receive whose arrival or whose connection closure is itself the
// termination signal.
func (l *Listener) HandleSubscribe1(ctx context.Context, conv p2p.Conversation) error {
	release, err := l.accept(conv, p2p.MsgTypeSubscribe1)
	if err != nil || release == nil {
		return err
	}
	defer release()

	if _, err := conv.Recv(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// accept performs the shared initiation step: one bounded receive expecting
// exactly the initiation message, then bucket registration. The returned
// release function is non-nil only when the add actually changed bucket
// membership; a nil release with a nil error means the conversation should
// close without entering the receive loop and without a removal call.
func (l *Listener) accept(conv p2p.Conversation, want byte) (func(), error) {
	logger := l.logFor(conv)

	msg, err := conv.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	if msg.Type != want {
		logger.Warn("Unexpected initiation message",
			slog.String("type", p2p.MessageTypeName(msg.Type)),
			slog.String("expected", p2p.MessageTypeName(want)))
		l.metrics.recordRegistration("rejected")
		return nil, nil
	}

	peer := conv.Peer()
	if !l.cfg.Queue.AddPeer(l.cfg.Bucket, peer, conv.NodeType()) {
		logger.Debug("Peer already registered, closing duplicate subscription")
		l.metrics.recordRegistration("duplicate")
		return nil, nil
	}
	l.metrics.recordRegistration("registered")
	logger.Info("Peer subscribed",
		slog.String("node_type", string(conv.NodeType())),
		slog.String("version", conv.Version().String()))

	return func() {
		l.cfg.Queue.RemovePeer(l.cfg.Bucket, peer)
		logger.Info("Peer unsubscribed")
	}, nil
}

func (l *Listener) logFor(conv p2p.Conversation) *slog.Logger {
	return l.cfg.Logger.With(
		slog.String("peer", string(conv.Peer())),
		slog.String("conversation", conv.ConversationID()))
}
