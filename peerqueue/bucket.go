// Package peerqueue holds the outbound peer-queue buckets: named partitions
// of the peers a node pushes announcements to, classified by role and
// discovery source. The subscription listener is the only writer in this
// repository; consumers drain the buckets through Snapshot.
package peerqueue

import (
	"sync"

	"gossipnet/p2p"
)

// BucketID names one partition of the outbound peer queue.
type BucketID string

// BucketSubscribers collects peers that hold an active inbound subscription
// with this node.
const BucketSubscribers BucketID = "subscribers"

// Queue is the set of buckets, safe for concurrent mutation. Each mutation is
// a single atomic operation; callers must not assume two calls form a
// transaction.
type Queue struct {
	mu      sync.RWMutex
	buckets map[BucketID]map[p2p.PeerID]p2p.NodeType
}

func New() *Queue {
	return &Queue{buckets: make(map[BucketID]map[p2p.PeerID]p2p.NodeType)}
}

// Update applies transform to the named bucket under the queue lock and
// reports whether membership changed. The transform receives the live member
// map and may mutate it freely.
func (q *Queue) Update(id BucketID, transform func(members map[p2p.PeerID]p2p.NodeType)) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	members := q.buckets[id]
	if members == nil {
		members = make(map[p2p.PeerID]p2p.NodeType)
		q.buckets[id] = members
	}

	before := make(map[p2p.PeerID]p2p.NodeType, len(members))
	for peer, nt := range members {
		before[peer] = nt
	}

	transform(members)

	if len(members) != len(before) {
		return true
	}
	for peer, nt := range members {
		if prev, ok := before[peer]; !ok || prev != nt {
			return true
		}
	}
	return false
}

// AddPeer inserts peer into the bucket tagged with its node type, reporting
// whether membership changed.
func (q *Queue) AddPeer(id BucketID, peer p2p.PeerID, nodeType p2p.NodeType) bool {
	return q.Update(id, func(members map[p2p.PeerID]p2p.NodeType) {
		members[peer] = nodeType
	})
}

// RemovePeer deletes peer from the bucket, reporting whether it was present.
func (q *Queue) RemovePeer(id BucketID, peer p2p.PeerID) bool {
	return q.Update(id, func(members map[p2p.PeerID]p2p.NodeType) {
		delete(members, peer)
	})
}

// Contains reports bucket membership for a single peer.
func (q *Queue) Contains(id BucketID, peer p2p.PeerID) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, ok := q.buckets[id][peer]
	return ok
}

// Snapshot returns a point-in-time copy of one bucket.
func (q *Queue) Snapshot(id BucketID) map[p2p.PeerID]p2p.NodeType {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make(map[p2p.PeerID]p2p.NodeType, len(q.buckets[id]))
	for peer, nt := range q.buckets[id] {
		out[peer] = nt
	}
	return out
}
