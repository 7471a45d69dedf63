package p2p

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const (
	frameProtocolVersion uint32 = 1

	handshakeNonceSize                   = 32
	handshakeSkewAllowance time.Duration = 5 * time.Minute
)

// helloMessage is the signed portion of the handshake. Conversations lists
// every sub-protocol version the sender is prepared to run; the protocol-level
// guarantee that subscription conversations never receive replies is part of
// what each advertised version commits to.
type helloMessage struct {
	FrameVersion  uint32   `json:"frameVersion"`
	NetworkID     uint64   `json:"networkId"`
	NetworkName   string   `json:"networkName"`
	NodePubHex    string   `json:"nodeIdPub"`
	NodeType      string   `json:"nodeType"`
	Conversations []uint32 `json:"conversations"`
	Nonce         string   `json:"nonce"`
	Timestamp     int64    `json:"ts"`
	ClientVersion string   `json:"clientVersion"`
}

type helloPacket struct {
	helloMessage
	Signature string `json:"sig"`

	nodeID PeerID
	pubKey *ecdsa.PublicKey
}

// handshakeConfig carries everything needed to build and verify hellos. Both
// the dialer and the server embed one.
type handshakeConfig struct {
	identity      *Identity
	networkID     uint64
	networkName   string
	clientVersion string
	nodeType      NodeType
	conversations []ConversationVersion
	nonces        *nonceCache
	now           func() time.Time
}

func (h *handshakeConfig) clock() time.Time {
	if h.now != nil {
		return h.now()
	}
	return time.Now()
}

func (h *handshakeConfig) buildHello() (*helloPacket, error) {
	nonce := make([]byte, handshakeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate handshake nonce: %w", err)
	}

	now := h.clock()
	pubKey := h.identity.PrivateKey.PubKey().PublicKey
	payload := helloMessage{
		FrameVersion:  frameProtocolVersion,
		NetworkID:     h.networkID,
		NetworkName:   h.networkName,
		NodePubHex:    encodeHex(ethcrypto.FromECDSAPub(pubKey)),
		NodeType:      string(h.nodeType),
		Conversations: conversationsWire(h.conversations),
		Nonce:         encodeHex(nonce),
		Timestamp:     now.Unix(),
		ClientVersion: h.clientVersion,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal hello payload: %w", err)
	}
	sig, err := ethcrypto.Sign(helloDigest(body, payload.Timestamp), h.identity.PrivateKey.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("sign hello: %w", err)
	}

	packet := &helloPacket{helloMessage: payload, Signature: encodeHex(sig)}
	packet.nodeID = h.identity.NodeID
	packet.pubKey = pubKey
	if !h.nonces.Remember(packet.Nonce, now) {
		return nil, fmt.Errorf("nonce collision detected")
	}
	return packet, nil
}

func (h *handshakeConfig) verifyHello(packet *helloPacket) error {
	if packet == nil {
		return fmt.Errorf("nil hello packet")
	}
	if packet.FrameVersion != frameProtocolVersion {
		return fmt.Errorf("unsupported frame version %d", packet.FrameVersion)
	}
	if packet.ClientVersion == "" {
		return fmt.Errorf("hello missing client version")
	}
	if strings.TrimSpace(packet.NodeType) == "" {
		return fmt.Errorf("hello missing node type")
	}
	if len(packet.Conversations) == 0 {
		return fmt.Errorf("hello advertises no conversations")
	}
	if packet.NetworkID != h.networkID {
		return fmt.Errorf("network ID mismatch: remote %d local %d", packet.NetworkID, h.networkID)
	}
	if packet.NetworkName != h.networkName {
		return fmt.Errorf("network name mismatch: remote %q", packet.NetworkName)
	}
	nonceBytes, err := decodeHex(packet.Nonce)
	if err != nil {
		return fmt.Errorf("invalid nonce encoding: %w", err)
	}
	if len(nonceBytes) != handshakeNonceSize {
		return fmt.Errorf("invalid hello nonce length: %d", len(nonceBytes))
	}

	ts := time.Unix(packet.Timestamp, 0)
	now := h.clock()
	if now.Sub(ts) > handshakeSkewAllowance || ts.Sub(now) > handshakeSkewAllowance {
		return fmt.Errorf("hello timestamp skew too large")
	}

	pub, err := parseHelloPub(packet.NodePubHex)
	if err != nil {
		return fmt.Errorf("invalid node public key: %w", err)
	}

	payloadJSON, err := json.Marshal(packet.helloMessage)
	if err != nil {
		return fmt.Errorf("marshal hello for verification: %w", err)
	}
	sigBytes, err := decodeHex(packet.Signature)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sigBytes) != 65 {
		return fmt.Errorf("invalid hello signature length: %d", len(sigBytes))
	}
	recovered, err := ethcrypto.SigToPub(helloDigest(payloadJSON, packet.Timestamp), sigBytes)
	if err != nil {
		return fmt.Errorf("recover signature: %w", err)
	}
	if !bytes.Equal(ethcrypto.FromECDSAPub(recovered), ethcrypto.FromECDSAPub(pub)) {
		return fmt.Errorf("signature does not match declared node key")
	}

	if !h.nonces.Remember(packet.Nonce, now) {
		return fmt.Errorf("hello nonce replay detected")
	}

	packet.nodeID = DeriveNodeID(pub)
	packet.pubKey = pub
	return nil
}

// exchangeHello writes our hello, reads the remote one within the context
// deadline, and verifies it.
func (h *handshakeConfig) exchangeHello(ctx context.Context, conn net.Conn, reader *bufio.Reader, maxBytes int) (*helloPacket, error) {
	local, err := h.buildHello()
	if err != nil {
		return nil, fmt.Errorf("prepare hello: %w", err)
	}
	if err := writeFrame(ctx, conn, local); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}

	payload, err := readFrame(ctx, conn, reader, maxBytes)
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty hello from peer")
	}

	var remote helloPacket
	if err := json.Unmarshal(payload, &remote); err != nil {
		return nil, fmt.Errorf("decode hello: %w", err)
	}
	if err := h.verifyHello(&remote); err != nil {
		return nil, err
	}
	return &remote, nil
}

// negotiate picks the highest conversation version present on both sides.
func negotiate(local []ConversationVersion, remote []uint32) (ConversationVersion, error) {
	offered := make(map[ConversationVersion]struct{}, len(remote))
	for _, v := range remote {
		offered[ConversationVersion(v)] = struct{}{}
	}
	var best ConversationVersion
	for _, v := range local {
		if _, ok := offered[v]; ok && v > best {
			best = v
		}
	}
	if best == 0 {
		return 0, ErrNoCommonConversation
	}
	return best, nil
}

func conversationsWire(versions []ConversationVersion) []uint32 {
	wire := make([]uint32, 0, len(versions))
	for _, v := range versions {
		wire = append(wire, uint32(v))
	}
	sort.Slice(wire, func(i, j int) bool { return wire[i] < wire[j] })
	return wire
}

func parseHelloPub(value string) (*ecdsa.PublicKey, error) {
	if strings.TrimSpace(value) == "" {
		return nil, fmt.Errorf("missing public key")
	}
	raw, err := decodeHex(value)
	if err != nil {
		return nil, err
	}
	return ethcrypto.UnmarshalPubkey(raw)
}

func encodeHex(data []byte) string {
	if len(data) == 0 {
		return "0x"
	}
	return "0x" + hex.EncodeToString(data)
}

func decodeHex(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		value = value[2:]
	}
	if value == "" {
		return []byte{}, nil
	}
	if len(value)%2 == 1 {
		value = "0" + value
	}
	return hex.DecodeString(value)
}

func helloDigest(payload []byte, timestamp int64) []byte {
	return ethcrypto.Keccak256([]byte(fmt.Sprintf("gossipnet|hello|%s|%d", payload, timestamp)))
}
