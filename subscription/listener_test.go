package subscription

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gossipnet/p2p"
)

func newTestListener(bucket *recordingBucket) *Listener {
	return NewListener(ListenerConfig{Queue: bucket})
}

func TestHandleSubscribeLifecycle(t *testing.T) {
	bucket := newRecordingBucket()
	listener := newTestListener(bucket)

	conv := newFakeConv(testPeer)
	conv.recvs = []recvStep{
		{msg: p2p.NewSubscribeMessage()},
		{msg: p2p.NewKeepAliveMessage()},
		{msg: p2p.NewKeepAliveMessage()},
		// Exhausted script reads as a clean remote close.
	}

	err := listener.HandleSubscribe(context.Background(), conv)
	require.NoError(t, err)

	adds, removes := bucket.counts()
	assert.Equal(t, 1, adds)
	assert.Equal(t, 1, removes)
	assert.False(t, bucket.contains(testPeer), "registration must not outlive the conversation")
}

func TestHandleSubscribeWrongInitiation(t *testing.T) {
	bucket := newRecordingBucket()
	listener := newTestListener(bucket)

	conv := newFakeConv(testPeer)
	conv.recvs = []recvStep{{msg: p2p.NewKeepAliveMessage()}}

	err := listener.HandleSubscribe(context.Background(), conv)
	require.NoError(t, err)

	adds, removes := bucket.counts()
	assert.Equal(t, 0, adds, "bucket must stay untouched on a bad initiation")
	assert.Equal(t, 0, removes)
}

func TestHandleSubscribeCloseBeforeInitiation(t *testing.T) {
	bucket := newRecordingBucket()
	listener := newTestListener(bucket)

	conv := newFakeConv(testPeer)

	err := listener.HandleSubscribe(context.Background(), conv)
	require.NoError(t, err)

	adds, removes := bucket.counts()
	assert.Equal(t, 0, adds)
	assert.Equal(t, 0, removes)
}

func TestHandleSubscribeDuplicatePeer(t *testing.T) {
	bucket := newRecordingBucket()
	bucket.denyAdd = true
	listener := newTestListener(bucket)

	conv := newFakeConv(testPeer)
	conv.recvs = []recvStep{
		{msg: p2p.NewSubscribeMessage()},
		{msg: p2p.NewKeepAliveMessage()},
	}

	err := listener.HandleSubscribe(context.Background(), conv)
	require.NoError(t, err)

	adds, removes := bucket.counts()
	assert.Equal(t, 1, adds)
	assert.Equal(t, 0, removes, "a no-op add must never trigger a removal")
	assert.Equal(t, 1, conv.recvCalls(), "duplicate registration must skip the receive loop")
}

func TestHandleSubscribeUnexpectedLoopMessage(t *testing.T) {
	bucket := newRecordingBucket()
	listener := newTestListener(bucket)

	conv := newFakeConv(testPeer)
	conv.recvs = []recvStep{
		{msg: p2p.NewSubscribeMessage()},
		{msg: p2p.NewSubscribeMessage()}, // out of place after initiation
	}

	err := listener.HandleSubscribe(context.Background(), conv)
	require.NoError(t, err)

	adds, removes := bucket.counts()
	assert.Equal(t, 1, adds)
	assert.Equal(t, 1, removes, "release must run even on a protocol violation")
}

func TestHandleSubscribeTransportError(t *testing.T) {
	bucket := newRecordingBucket()
	listener := newTestListener(bucket)

	transportErr := errors.New("read: connection reset")
	conv := newFakeConv(testPeer)
	conv.recvs = []recvStep{
		{msg: p2p.NewSubscribeMessage()},
		{err: transportErr},
	}

	err := listener.HandleSubscribe(context.Background(), conv)
	assert.ErrorIs(t, err, transportErr)

	_, removes := bucket.counts()
	assert.Equal(t, 1, removes, "release must run on transport faults")
	assert.False(t, bucket.contains(testPeer))
}

func TestHandleSubscribe1Lifecycle(t *testing.T) {
	bucket := newRecordingBucket()
	listener := newTestListener(bucket)

	conv := newFakeConv(testPeer)
	conv.recvs = []recvStep{{msg: p2p.NewSubscribe1Message()}}

	err := listener.HandleSubscribe1(context.Background(), conv)
	require.NoError(t, err)

	adds, removes := bucket.counts()
	assert.Equal(t, 1, adds)
	assert.Equal(t, 1, removes)
	assert.False(t, bucket.contains(testPeer))
}

func TestHandleSubscribe1DataBeforeClose(t *testing.T) {
	bucket := newRecordingBucket()
	listener := newTestListener(bucket)

	conv := newFakeConv(testPeer)
	conv.recvs = []recvStep{
		{msg: p2p.NewSubscribe1Message()},
		{msg: p2p.NewKeepAliveMessage()},
	}

	err := listener.HandleSubscribe1(context.Background(), conv)
	require.NoError(t, err)

	_, removes := bucket.counts()
	assert.Equal(t, 1, removes)
}
