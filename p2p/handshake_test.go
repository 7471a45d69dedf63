package p2p

import (
	"errors"
	"strings"
	"testing"
	"time"

	"gossipnet/crypto"
)

func newTestIdentity(t *testing.T) *Identity {
	t.Helper()
	priv, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &Identity{PrivateKey: priv, NodeID: DeriveNodeID(priv.PubKey().PublicKey)}
}

func newTestHandshake(t *testing.T, networkID uint64) *handshakeConfig {
	t.Helper()
	return &handshakeConfig{
		identity:      newTestIdentity(t),
		networkID:     networkID,
		networkName:   "gossipnet-test",
		clientVersion: "gossipd/test",
		nodeType:      NodeTypeEdge,
		conversations: []ConversationVersion{ConversationSubscribe1, ConversationSubscribe},
		nonces:        newNonceCache(0),
	}
}

func TestHelloRoundTrip(t *testing.T) {
	alice := newTestHandshake(t, 7)
	bob := newTestHandshake(t, 7)

	packet, err := alice.buildHello()
	if err != nil {
		t.Fatalf("build hello: %v", err)
	}
	if err := bob.verifyHello(packet); err != nil {
		t.Fatalf("verify hello: %v", err)
	}
	if packet.nodeID != alice.identity.NodeID {
		t.Fatalf("recovered node ID %s, want %s", packet.nodeID, alice.identity.NodeID)
	}
	if len(packet.Conversations) != 2 || packet.Conversations[0] != 1 || packet.Conversations[1] != 2 {
		t.Fatalf("conversations not advertised in wire order: %v", packet.Conversations)
	}
}

func TestHelloReplayRejected(t *testing.T) {
	alice := newTestHandshake(t, 7)
	bob := newTestHandshake(t, 7)

	packet, err := alice.buildHello()
	if err != nil {
		t.Fatalf("build hello: %v", err)
	}
	if err := bob.verifyHello(packet); err != nil {
		t.Fatalf("first verify: %v", err)
	}
	if err := bob.verifyHello(packet); err == nil || !strings.Contains(err.Error(), "replay") {
		t.Fatalf("replayed hello should be rejected, got %v", err)
	}
}

func TestHelloNetworkMismatch(t *testing.T) {
	alice := newTestHandshake(t, 7)
	bob := newTestHandshake(t, 8)

	packet, err := alice.buildHello()
	if err != nil {
		t.Fatalf("build hello: %v", err)
	}
	if err := bob.verifyHello(packet); err == nil || !strings.Contains(err.Error(), "network ID mismatch") {
		t.Fatalf("cross-network hello should be rejected, got %v", err)
	}
}

func TestHelloSkewRejected(t *testing.T) {
	alice := newTestHandshake(t, 7)
	bob := newTestHandshake(t, 7)
	bob.now = func() time.Time { return time.Now().Add(handshakeSkewAllowance + time.Minute) }

	packet, err := alice.buildHello()
	if err != nil {
		t.Fatalf("build hello: %v", err)
	}
	if err := bob.verifyHello(packet); err == nil || !strings.Contains(err.Error(), "skew") {
		t.Fatalf("stale hello should be rejected, got %v", err)
	}
}

func TestHelloTamperRejected(t *testing.T) {
	alice := newTestHandshake(t, 7)
	bob := newTestHandshake(t, 7)

	packet, err := alice.buildHello()
	if err != nil {
		t.Fatalf("build hello: %v", err)
	}
	packet.ClientVersion = "gossipd/forged"
	if err := bob.verifyHello(packet); err == nil {
		t.Fatal("tampered hello should fail signature verification")
	}
}

func TestNegotiate(t *testing.T) {
	local := []ConversationVersion{ConversationSubscribe1, ConversationSubscribe}

	version, err := negotiate(local, []uint32{1, 2})
	if err != nil || version != ConversationSubscribe {
		t.Fatalf("want highest common version %s, got %s err %v", ConversationSubscribe, version, err)
	}

	version, err = negotiate(local, []uint32{1})
	if err != nil || version != ConversationSubscribe1 {
		t.Fatalf("want legacy fallback, got %s err %v", version, err)
	}

	version, err = negotiate(local, []uint32{2, 9})
	if err != nil || version != ConversationSubscribe {
		t.Fatalf("unknown remote versions should be ignored, got %s err %v", version, err)
	}

	if _, err = negotiate(local, []uint32{7}); !errors.Is(err, ErrNoCommonConversation) {
		t.Fatalf("want ErrNoCommonConversation, got %v", err)
	}
	if _, err = negotiate(local, nil); !errors.Is(err, ErrNoCommonConversation) {
		t.Fatalf("want ErrNoCommonConversation for empty remote, got %v", err)
	}
}

func TestNonceCachePrunes(t *testing.T) {
	cache := newNonceCache(time.Minute)
	base := time.Now()

	if !cache.Remember("a", base) {
		t.Fatal("fresh nonce should be accepted")
	}
	if cache.Remember("a", base.Add(time.Second)) {
		t.Fatal("repeat within TTL should be rejected")
	}
	if !cache.Remember("a", base.Add(2*time.Minute)) {
		t.Fatal("nonce should be forgotten after its TTL")
	}
}
