package p2p

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConversationHandler serves one inbound conversation. The handler owns the
// conversation for its whole lifetime; the server closes the connection when
// it returns.
type ConversationHandler func(ctx context.Context, conv Conversation) error

// Server accepts inbound connections, authenticates them, and dispatches each
// to the handler registered for the negotiated conversation version.
type Server struct {
	identity *Identity
	params   NetParams
	logger   *slog.Logger
	nonces   *nonceCache
	now      func() time.Time

	mu       sync.RWMutex
	handlers map[ConversationVersion]ConversationHandler

	listenMu sync.Mutex
	listener net.Listener

	connMu sync.Mutex
	conns  map[net.Conn]struct{}

	ctx    context.Context
	cancel context.CancelFunc

	quit chan struct{}
	wg   sync.WaitGroup
}

func NewServer(identity *Identity, params NetParams, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default().With(slog.String("component", "p2p_server"))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		identity: identity,
		params:   params.withDefaults(),
		logger:   logger,
		nonces:   newNonceCache(0),
		now:      time.Now,
		handlers: make(map[ConversationVersion]ConversationHandler),
		conns:    make(map[net.Conn]struct{}),
		ctx:      ctx,
		cancel:   cancel,
		quit:     make(chan struct{}),
	}
}

// Handle registers the handler driving one conversation version. Must be
// called before Start.
func (s *Server) Handle(version ConversationVersion, handler ConversationHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[version] = handler
}

// SupportedConversations lists the versions the server will advertise.
func (s *Server) SupportedConversations() []ConversationVersion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := make([]ConversationVersion, 0, len(s.handlers))
	for v := range s.handlers {
		versions = append(versions, v)
	}
	return versions
}

// Start begins accepting connections on addr. Non-blocking; conversations run
// one goroutine each until the connection ends.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listenMu.Lock()
	s.listener = ln
	s.listenMu.Unlock()

	s.logger.Info("Subscription listener started", slog.String("address", ln.Addr().String()))

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Addr returns the bound listen address, or empty before Start.
func (s *Server) Addr() string {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes the listener and every live connection, then waits for
// in-flight conversations to unwind. Conversations blocked in a receive see
// the close as a read error and return.
func (s *Server) Stop() {
	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
	s.cancel()
	s.listenMu.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.listenMu.Unlock()
	s.connMu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.connMu.Unlock()
	s.wg.Wait()
}

// trackConn registers a live connection for teardown on Stop. Returns false
// once the server is stopping.
func (s *Server) trackConn(raw net.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	select {
	case <-s.quit:
		return false
	default:
	}
	s.conns[raw] = struct{}{}
	return true
}

func (s *Server) untrackConn(raw net.Conn) {
	s.connMu.Lock()
	delete(s.conns, raw)
	s.connMu.Unlock()
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		raw, err := ln.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("Accept failed", slog.Any("error", err))
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleInbound(raw)
		}()
	}
}

func (s *Server) handleInbound(raw net.Conn) {
	defer raw.Close()
	if !s.trackConn(raw) {
		return
	}
	defer s.untrackConn(raw)

	hs := handshakeConfig{
		identity:      s.identity,
		networkID:     s.params.NetworkID,
		networkName:   s.params.NetworkName,
		clientVersion: s.params.ClientVersion,
		nodeType:      s.params.NodeType,
		conversations: s.SupportedConversations(),
		nonces:        s.nonces,
		now:           s.now,
	}

	reader := bufio.NewReader(raw)
	ctx, cancel := context.WithTimeout(context.Background(), s.params.HandshakeTimeout)
	remote, err := hs.exchangeHello(ctx, raw, reader, s.params.MaxMessageBytes)
	cancel()
	if err != nil {
		s.logger.Warn("Inbound handshake failed",
			slog.String("remote", raw.RemoteAddr().String()),
			slog.Any("error", err))
		return
	}

	version, err := negotiate(hs.conversations, remote.Conversations)
	if err != nil {
		s.logger.Warn("Inbound negotiation failed",
			slog.String("peer", string(remote.nodeID)),
			slog.Any("error", err))
		return
	}
	s.mu.RLock()
	handler := s.handlers[version]
	s.mu.RUnlock()
	if handler == nil {
		s.logger.Warn("No handler for negotiated conversation",
			slog.String("version", version.String()))
		return
	}

	conn := newConn(raw, reader, remote, version, uuid.NewString(), s.params)
	s.logger.Debug("Inbound conversation negotiated",
		slog.String("conversation", conn.ConversationID()),
		slog.String("version", version.String()),
		slog.String("peer", string(conn.Peer())))

	if err := handler(s.ctx, conn); err != nil {
		s.logger.Debug("Inbound conversation ended",
			slog.String("conversation", conn.ConversationID()),
			slog.Any("error", err))
	}
}
