package peerqueue

import (
	"fmt"
	"sync"
	"testing"

	"gossipnet/p2p"
)

func TestAddRemoveReportsMembershipChange(t *testing.T) {
	q := New()
	peer := p2p.PeerID("0xabc")

	if !q.AddPeer(BucketSubscribers, peer, p2p.NodeTypeEdge) {
		t.Fatal("first add should change membership")
	}
	if q.AddPeer(BucketSubscribers, peer, p2p.NodeTypeEdge) {
		t.Fatal("repeated add should be a no-op")
	}
	if !q.Contains(BucketSubscribers, peer) {
		t.Fatal("peer should be in the bucket")
	}
	if !q.RemovePeer(BucketSubscribers, peer) {
		t.Fatal("remove of a present peer should change membership")
	}
	if q.RemovePeer(BucketSubscribers, peer) {
		t.Fatal("remove of an absent peer should be a no-op")
	}
	if q.Contains(BucketSubscribers, peer) {
		t.Fatal("peer should be gone")
	}
}

func TestAddPeerNodeTypeRetagChanges(t *testing.T) {
	q := New()
	peer := p2p.PeerID("0xabc")

	q.AddPeer(BucketSubscribers, peer, p2p.NodeTypeEdge)
	if !q.AddPeer(BucketSubscribers, peer, p2p.NodeTypeRelay) {
		t.Fatal("re-adding with a different node type should report a change")
	}
	if got := q.Snapshot(BucketSubscribers)[peer]; got != p2p.NodeTypeRelay {
		t.Fatalf("node type not updated: got %s", got)
	}
}

func TestBucketsAreIndependent(t *testing.T) {
	q := New()
	peer := p2p.PeerID("0xabc")

	q.AddPeer(BucketSubscribers, peer, p2p.NodeTypeEdge)
	other := BucketID("relays")
	if q.Contains(other, peer) {
		t.Fatal("peer should not leak across buckets")
	}
	q.AddPeer(other, peer, p2p.NodeTypeRelay)
	q.RemovePeer(BucketSubscribers, peer)
	if !q.Contains(other, peer) {
		t.Fatal("removal in one bucket should not affect another")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	q := New()
	peer := p2p.PeerID("0xabc")
	q.AddPeer(BucketSubscribers, peer, p2p.NodeTypeEdge)

	snap := q.Snapshot(BucketSubscribers)
	delete(snap, peer)
	if !q.Contains(BucketSubscribers, peer) {
		t.Fatal("mutating a snapshot must not touch the bucket")
	}
}

func TestUpdateTransformDetection(t *testing.T) {
	q := New()
	peer := p2p.PeerID("0xabc")
	q.AddPeer(BucketSubscribers, peer, p2p.NodeTypeEdge)

	changed := q.Update(BucketSubscribers, func(members map[p2p.PeerID]p2p.NodeType) {
		// Touch nothing.
	})
	if changed {
		t.Fatal("identity transform should not report a change")
	}

	changed = q.Update(BucketSubscribers, func(members map[p2p.PeerID]p2p.NodeType) {
		delete(members, peer)
		members[peer] = p2p.NodeTypeEdge
	})
	if changed {
		t.Fatal("delete-then-readd of the same entry should not report a change")
	}
}

func TestConcurrentMutation(t *testing.T) {
	q := New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			peer := p2p.PeerID(fmt.Sprintf("0x%02d", n))
			for j := 0; j < 100; j++ {
				q.AddPeer(BucketSubscribers, peer, p2p.NodeTypeEdge)
				q.Contains(BucketSubscribers, peer)
				q.RemovePeer(BucketSubscribers, peer)
			}
		}(i)
	}
	wg.Wait()
	if got := len(q.Snapshot(BucketSubscribers)); got != 0 {
		t.Fatalf("bucket should drain to empty, got %d members", got)
	}
}
