package p2p

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ConversationOffer pairs a version the caller can run with the function that
// drives it once negotiated.
type ConversationOffer struct {
	Version ConversationVersion
	Run     func(ctx context.Context, conv Conversation) error
}

// Dialer opens outbound connections and runs exactly one negotiated
// conversation per connection.
type Dialer struct {
	identity *Identity
	params   NetParams
	logger   *slog.Logger
	nonces   *nonceCache
	dialFn   func(ctx context.Context, addr string) (net.Conn, error)
	now      func() time.Time
}

func NewDialer(identity *Identity, params NetParams, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default().With(slog.String("component", "p2p_dialer"))
	}
	return &Dialer{
		identity: identity,
		params:   params.withDefaults(),
		logger:   logger,
		nonces:   newNonceCache(0),
		dialFn:   defaultDial,
		now:      time.Now,
	}
}

func defaultDial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// WithConnectionTo dials addr, performs the handshake, negotiates the highest
// conversation version shared with the remote, and runs the matching offer to
// completion. When expect is non-empty the authenticated remote identity must
// match it. The call only returns once the conversation ends; any transport
// or negotiation problem surfaces as the returned error.
func (d *Dialer) WithConnectionTo(ctx context.Context, addr string, expect PeerID, offers []ConversationOffer) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ErrDialTargetEmpty
	}
	if len(offers) == 0 {
		return fmt.Errorf("p2p: no conversation offers for %s", addr)
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.params.HandshakeTimeout)
	raw, err := d.dialFn(dialCtx, addr)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer raw.Close()

	versions := make([]ConversationVersion, 0, len(offers))
	for _, offer := range offers {
		versions = append(versions, offer.Version)
	}
	hs := handshakeConfig{
		identity:      d.identity,
		networkID:     d.params.NetworkID,
		networkName:   d.params.NetworkName,
		clientVersion: d.params.ClientVersion,
		nodeType:      d.params.NodeType,
		conversations: versions,
		nonces:        d.nonces,
		now:           d.now,
	}

	reader := bufio.NewReader(raw)
	hsCtx, cancel := context.WithTimeout(ctx, d.params.HandshakeTimeout)
	remote, err := hs.exchangeHello(hsCtx, raw, reader, d.params.MaxMessageBytes)
	cancel()
	if err != nil {
		return fmt.Errorf("handshake with %s: %w", addr, err)
	}
	if expect != "" && remote.nodeID != expect {
		return fmt.Errorf("remote identity mismatch: expected %s got %s", expect, remote.nodeID)
	}

	version, err := negotiate(versions, remote.Conversations)
	if err != nil {
		return err
	}
	var chosen *ConversationOffer
	for i := range offers {
		if offers[i].Version == version {
			chosen = &offers[i]
			break
		}
	}
	if chosen == nil {
		return fmt.Errorf("p2p: negotiated %s without a matching offer", version)
	}

	conn := newConn(raw, reader, remote, version, uuid.NewString(), d.params)
	d.logger.Debug("Outbound conversation negotiated",
		slog.String("conversation", conn.ConversationID()),
		slog.String("version", version.String()),
		slog.String("peer", string(conn.Peer())))

	// Cancellation closes the transport so a conversation blocked in a
	// receive unwinds immediately instead of riding out the read timeout.
	runDone := make(chan struct{})
	defer close(runDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = raw.Close()
		case <-runDone:
		}
	}()

	return chosen.Run(ctx, conn)
}
