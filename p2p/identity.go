package p2p

import (
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gossipnet/crypto"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// PeerID is the opaque, comparable handle naming a remote node. It is derived
// from the node key and owned by the transport layer.
type PeerID string

// NodeType classifies a node's role for peer-queue bucketing.
type NodeType string

const (
	NodeTypeCore  NodeType = "core"
	NodeTypeRelay NodeType = "relay"
	NodeTypeEdge  NodeType = "edge"
)

// Identity encapsulates the persistent node identity material used by the
// transport layer.
type Identity struct {
	PrivateKey *crypto.PrivateKey
	NodeID     PeerID
}

type identityDisk struct {
	PrivateKey string `json:"privateKey"`
}

// LoadOrCreateIdentity reads a secp256k1 private key from disk, generating
// one if absent. The derived NodeID is the keccak256 hash of the uncompressed
// public key, 0x-prefixed hex.
func LoadOrCreateIdentity(path string) (*Identity, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("identity path must be provided")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create identity directory: %w", err)
	}

	if data, err := os.ReadFile(path); err == nil {
		return decodeIdentity(data)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read identity file: %w", err)
	}

	privKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	payload, err := json.MarshalIndent(&identityDisk{PrivateKey: hex.EncodeToString(privKey.Bytes())}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode identity: %w", err)
	}
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return nil, fmt.Errorf("persist identity: %w", err)
	}
	return &Identity{PrivateKey: privKey, NodeID: DeriveNodeID(privKey.PubKey().PublicKey)}, nil
}

func decodeIdentity(data []byte) (*Identity, error) {
	var stored identityDisk
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("decode identity file: %w", err)
	}
	raw, err := hex.DecodeString(strings.TrimSpace(stored.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("decode identity key material: %w", err)
	}
	privKey, err := crypto.PrivateKeyFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("parse identity key: %w", err)
	}
	return &Identity{PrivateKey: privKey, NodeID: DeriveNodeID(privKey.PubKey().PublicKey)}, nil
}

// DeriveNodeID computes the canonical peer identifier for a public key.
func DeriveNodeID(pub *ecdsa.PublicKey) PeerID {
	if pub == nil {
		return ""
	}
	pubBytes := ethcrypto.FromECDSAPub(pub)
	if len(pubBytes) == 0 {
		return ""
	}
	hash := ethcrypto.Keccak256(pubBytes[1:])
	return PeerID("0x" + hex.EncodeToString(hash))
}
