package p2p

import "errors"

var (
	// ErrNoCommonConversation indicates the handshake completed but the two
	// sides share no conversation version.
	ErrNoCommonConversation = errors.New("p2p: no common conversation version")

	// ErrMessageTooLarge indicates an inbound frame exceeded the configured
	// size bound and was rejected before decoding.
	ErrMessageTooLarge = errors.New("p2p: message exceeds size limit")

	// ErrRateLimited indicates the per-connection inbound budget was
	// exhausted.
	ErrRateLimited = errors.New("p2p: inbound rate limit exceeded")

	// ErrDialTargetEmpty is returned for blank dial targets.
	ErrDialTargetEmpty = errors.New("p2p: empty dial target")
)
