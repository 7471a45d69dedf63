package subscription

import (
	"context"
	"io"
	"sync"

	"gossipnet/p2p"
	"gossipnet/peerqueue"
)

// fakeConv scripts one side of a conversation for state-machine tests.
type fakeConv struct {
	mu       sync.Mutex
	peer     p2p.PeerID
	nodeType p2p.NodeType
	version  p2p.ConversationVersion

	sent      []*p2p.Message
	sendLimit int // sends beyond this count fail with sendErr; -1 = unlimited
	sendErr   error
	onSend    func(count int)

	recvs []recvStep
}

type recvStep struct {
	msg *p2p.Message
	err error
}

func newFakeConv(peer p2p.PeerID) *fakeConv {
	return &fakeConv{
		peer:      peer,
		nodeType:  p2p.NodeTypeEdge,
		version:   p2p.ConversationSubscribe,
		sendLimit: -1,
		sendErr:   io.ErrClosedPipe,
	}
}

func (c *fakeConv) Send(msg *p2p.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.onSend != nil {
		c.onSend(len(c.sent))
	}
	if c.sendLimit >= 0 && len(c.sent) >= c.sendLimit {
		return c.sendErr
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConv) Recv() (*p2p.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.recvs) == 0 {
		return nil, io.EOF
	}
	step := c.recvs[0]
	c.recvs = c.recvs[1:]
	return step.msg, step.err
}

func (c *fakeConv) Peer() p2p.PeerID                    { return c.peer }
func (c *fakeConv) NodeType() p2p.NodeType              { return c.nodeType }
func (c *fakeConv) Version() p2p.ConversationVersion    { return c.version }
func (c *fakeConv) ConversationID() string              { return "test-conversation" }
func (c *fakeConv) Close() error                        { return nil }

func (c *fakeConv) sentTypes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]byte, 0, len(c.sent))
	for _, msg := range c.sent {
		types = append(types, msg.Type)
	}
	return types
}

func (c *fakeConv) recvCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.recvs)
}

// fakeConnector simulates the connection layer's version negotiation against
// a remote that supports the given versions.
type fakeConnector struct {
	conv      *fakeConv
	remote    []p2p.ConversationVersion
	dialErr   error
	onConnect func()
}

func (f *fakeConnector) WithConnectionTo(ctx context.Context, addr string, expect p2p.PeerID, offers []p2p.ConversationOffer) error {
	if f.dialErr != nil {
		return f.dialErr
	}
	if f.onConnect != nil {
		f.onConnect()
	}

	supported := make(map[p2p.ConversationVersion]struct{}, len(f.remote))
	for _, v := range f.remote {
		supported[v] = struct{}{}
	}
	var chosen *p2p.ConversationOffer
	for i := range offers {
		if _, ok := supported[offers[i].Version]; !ok {
			continue
		}
		if chosen == nil || offers[i].Version > chosen.Version {
			chosen = &offers[i]
		}
	}
	if chosen == nil {
		return p2p.ErrNoCommonConversation
	}
	f.conv.version = chosen.Version
	return chosen.Run(ctx, f.conv)
}

// recordingBucket tracks listener add/remove calls.
type recordingBucket struct {
	mu      sync.Mutex
	members map[p2p.PeerID]p2p.NodeType
	adds    int
	removes int
	denyAdd bool
}

func newRecordingBucket() *recordingBucket {
	return &recordingBucket{members: make(map[p2p.PeerID]p2p.NodeType)}
}

func (b *recordingBucket) AddPeer(id peerqueue.BucketID, peer p2p.PeerID, nodeType p2p.NodeType) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.adds++
	if b.denyAdd {
		return false
	}
	if _, ok := b.members[peer]; ok {
		return false
	}
	b.members[peer] = nodeType
	return true
}

func (b *recordingBucket) RemovePeer(id peerqueue.BucketID, peer p2p.PeerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removes++
	if _, ok := b.members[peer]; !ok {
		return false
	}
	delete(b.members, peer)
	return true
}

func (b *recordingBucket) counts() (adds, removes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.adds, b.removes
}

func (b *recordingBucket) contains(peer p2p.PeerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.members[peer]
	return ok
}
