// Package subscription implements the peer subscription manager: the client
// and server state machines that keep long-lived keep-alive conversations
// open between this node and its peers, the shared status table observed by
// diagnostics, and the worker that drives subscription cycles.
package subscription

import (
	"sync"
	"sync/atomic"
	"time"

	"gossipnet/p2p"
)

// Status describes how far a subscription to one peer has progressed.
type Status uint8

const (
	// StatusSubscribing marks an attempt that has started but whose
	// handshake has not completed.
	StatusSubscribing Status = iota + 1

	// StatusSubscribed marks an attempt whose handshake completed and whose
	// conversation is live.
	StatusSubscribed
)

func (s Status) String() string {
	switch s {
	case StatusSubscribing:
		return "subscribing"
	case StatusSubscribed:
		return "subscribed"
	default:
		return "unknown"
	}
}

// Combine merges two statuses for the same peer. Subscribed absorbs
// Subscribing; equal inputs are idempotent. Total over every input pair so a
// zero value on either side yields the other.
func Combine(a, b Status) Status {
	switch {
	case a == StatusSubscribed || b == StatusSubscribed:
		return StatusSubscribed
	case a == StatusSubscribing || b == StatusSubscribing:
		return StatusSubscribing
	default:
		return 0
	}
}

// StatusTable is the concurrent peer-to-status mapping shared by every
// subscriber task. An entry is present exactly while that peer has an active
// or starting subscription from this node; removal is absence, never a status
// value.
type StatusTable struct {
	mu      sync.RWMutex
	entries map[p2p.PeerID]Status
}

func NewStatusTable() *StatusTable {
	return &StatusTable{entries: make(map[p2p.PeerID]Status)}
}

// Alter performs one atomic read-modify-write for a peer. fn receives the
// current status and whether an entry exists, and returns the new status and
// whether an entry should remain. No partial update is ever visible.
func (t *StatusTable) Alter(peer p2p.PeerID, fn func(current Status, ok bool) (Status, bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	current, ok := t.entries[peer]
	next, keep := fn(current, ok)
	if keep {
		t.entries[peer] = next
	} else {
		delete(t.entries, peer)
	}
}

// MarkSubscribing records the start of a subscription attempt, merging with
// any status already present.
func (t *StatusTable) MarkSubscribing(peer p2p.PeerID) {
	t.Alter(peer, func(current Status, ok bool) (Status, bool) {
		if !ok {
			return StatusSubscribing, true
		}
		return Combine(current, StatusSubscribing), true
	})
}

// MarkSubscribed upgrades a peer after the subscribe handshake completes.
func (t *StatusTable) MarkSubscribed(peer p2p.PeerID) {
	t.Alter(peer, func(current Status, ok bool) (Status, bool) {
		return Combine(current, StatusSubscribed), true
	})
}

// Remove drops the entry for a terminated subscription.
func (t *StatusTable) Remove(peer p2p.PeerID) {
	t.Alter(peer, func(Status, bool) (Status, bool) {
		return 0, false
	})
}

// Get reads one peer's status.
func (t *StatusTable) Get(peer p2p.PeerID) (Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	status, ok := t.entries[peer]
	return status, ok
}

// Snapshot returns a point-in-time copy for diagnostics.
func (t *StatusTable) Snapshot() map[p2p.PeerID]Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[p2p.PeerID]Status, len(t.entries))
	for peer, status := range t.entries {
		out[peer] = status
	}
	return out
}

// DurationRecord tracks the longest subscription lifetime observed across all
// peers. Updates are monotone; the value never decreases.
type DurationRecord struct {
	max atomic.Int64
}

func NewDurationRecord() *DurationRecord {
	return &DurationRecord{}
}

// Observe merges one terminated subscription's elapsed time via max(old, d).
func (r *DurationRecord) Observe(d time.Duration) {
	for {
		old := r.max.Load()
		if int64(d) <= old {
			return
		}
		if r.max.CompareAndSwap(old, int64(d)) {
			return
		}
	}
}

// Max returns the largest elapsed duration seen so far.
func (r *DurationRecord) Max() time.Duration {
	return time.Duration(r.max.Load())
}
