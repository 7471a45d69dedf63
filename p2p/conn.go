package p2p

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

const (
	defaultHandshakeTimeout = 5 * time.Second
	defaultReadTimeout      = 90 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	defaultMaxMessageBytes  = 1 << 16
	defaultMsgRate          = 8.0
	defaultMsgBurst         = 32.0
)

// NetParams bundles the transport settings shared by the dialer and the
// server.
type NetParams struct {
	NetworkID        uint64
	NetworkName      string
	ClientVersion    string
	NodeType         NodeType
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	MaxMessageBytes  int
	RateMsgsPerSec   float64
	RateBurst        float64
}

func (p NetParams) withDefaults() NetParams {
	if p.HandshakeTimeout <= 0 {
		p.HandshakeTimeout = defaultHandshakeTimeout
	}
	if p.ReadTimeout <= 0 {
		p.ReadTimeout = defaultReadTimeout
	}
	if p.WriteTimeout <= 0 {
		p.WriteTimeout = defaultWriteTimeout
	}
	if p.MaxMessageBytes <= 0 {
		p.MaxMessageBytes = defaultMaxMessageBytes
	}
	if p.RateMsgsPerSec <= 0 {
		p.RateMsgsPerSec = defaultMsgRate
	}
	if p.RateBurst <= 0 {
		p.RateBurst = defaultMsgBurst
	}
	return p
}

// Conversation is one negotiated bidirectional exchange over one connection.
// It is owned by a single goroutine for its whole lifetime.
type Conversation interface {
	// Send writes one message.
	Send(msg *Message) error

	// Recv performs one bounded receive. A clean remote close surfaces as
	// io.EOF.
	Recv() (*Message, error)

	// Peer returns the authenticated identifier of the remote node.
	Peer() PeerID

	// NodeType returns the classification the remote advertised during the
	// handshake.
	NodeType() NodeType

	// Version returns the negotiated conversation version.
	Version() ConversationVersion

	// ConversationID correlates log lines for this conversation.
	ConversationID() string

	// Close tears down the underlying connection.
	Close() error
}

// Conn is the transport-backed Conversation. Send and Recv are not safe for
// concurrent use with themselves.
type Conn struct {
	conn   net.Conn
	reader *bufio.Reader

	peer     PeerID
	nodeType NodeType
	version  ConversationVersion
	convID   string

	readTimeout  time.Duration
	writeTimeout time.Duration
	maxMsgBytes  int
	limiter      *tokenBucket
	now          func() time.Time
}

func newConn(raw net.Conn, reader *bufio.Reader, remote *helloPacket, version ConversationVersion, convID string, params NetParams) *Conn {
	return &Conn{
		conn:         raw,
		reader:       reader,
		peer:         remote.nodeID,
		nodeType:     NodeType(remote.NodeType),
		version:      version,
		convID:       convID,
		readTimeout:  params.ReadTimeout,
		writeTimeout: params.WriteTimeout,
		maxMsgBytes:  params.MaxMessageBytes,
		limiter:      newTokenBucket(params.RateMsgsPerSec, params.RateBurst),
		now:          time.Now,
	}
}

// Peer returns the authenticated identifier of the remote node.
func (c *Conn) Peer() PeerID { return c.peer }

// NodeType returns the classification the remote node advertised during the
// handshake.
func (c *Conn) NodeType() NodeType { return c.nodeType }

// Version returns the negotiated conversation version.
func (c *Conn) Version() ConversationVersion { return c.version }

// ConversationID returns the identifier used to correlate log lines for this
// conversation.
func (c *Conn) ConversationID() string { return c.convID }

// Send writes one message within the configured write timeout.
func (c *Conn) Send(msg *Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()
	return writeFrame(ctx, c.conn, msg)
}

// Recv performs one bounded receive. A clean remote close surfaces as io.EOF;
// oversized frames and rate-limit violations fail before any message reaches
// the caller.
func (c *Conn) Recv() (*Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.readTimeout)
	defer cancel()

	payload, err := readFrame(ctx, c.conn, c.reader, c.maxMsgBytes)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty frame from %s", c.peer)
	}
	if !c.limiter.allow(c.now()) {
		return nil, ErrRateLimited
	}

	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}
	return &msg, nil
}

// Close tears down the underlying connection. Safe to call more than once.
func (c *Conn) Close() error {
	return c.conn.Close()
}
