package p2p

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
)

const (
	defaultBaseBackoff = time.Second
	defaultMaxBackoff  = 10 * time.Minute
)

// PeerstoreEntry captures the dial metadata persisted for each subscription
// target.
type PeerstoreEntry struct {
	Addr     string    `json:"addr"`
	NodeID   string    `json:"nodeID"`
	LastSeen time.Time `json:"lastSeen"`
	Fails    int       `json:"fails"`
}

// Peerstore is a concurrency-safe persistent registry of dial metadata. The
// subscription worker consults it for retry backoff between cycles.
type Peerstore struct {
	mu sync.RWMutex

	db     *leveldb.DB
	byAddr map[string]*PeerstoreEntry

	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// NewPeerstore opens (or creates) a peerstore backed by LevelDB at the given
// path.
func NewPeerstore(path string, baseBackoff, maxBackoff time.Duration) (*Peerstore, error) {
	if path == "" {
		return nil, errors.New("peerstore path required")
	}
	if baseBackoff <= 0 {
		baseBackoff = defaultBaseBackoff
	}
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	db, err := leveldb.OpenFile(filepath.Clean(path), nil)
	if err != nil {
		return nil, fmt.Errorf("open peerstore: %w", err)
	}

	store := &Peerstore{
		db:          db,
		byAddr:      make(map[string]*PeerstoreEntry),
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}
	if err := store.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close flushes and closes the underlying database.
func (ps *Peerstore) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.db == nil {
		return nil
	}
	err := ps.db.Close()
	ps.db = nil
	ps.byAddr = nil
	return err
}

// Get returns the stored record for an address.
func (ps *Peerstore) Get(addr string) (PeerstoreEntry, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	rec := ps.byAddr[addr]
	if rec == nil {
		return PeerstoreEntry{}, false
	}
	return *rec, true
}

// RecordSuccess clears failure bookkeeping after a subscription cycle that
// reached the remote peer.
func (ps *Peerstore) RecordSuccess(addr string, nodeID PeerID, now time.Time) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	rec := ps.byAddr[addr]
	if rec == nil {
		rec = &PeerstoreEntry{Addr: addr}
	}
	rec.NodeID = string(nodeID)
	rec.LastSeen = now
	rec.Fails = 0
	return ps.putLocked(rec)
}

// RecordFailure bumps the consecutive-failure count and returns the delay the
// caller should wait before the next attempt.
func (ps *Peerstore) RecordFailure(addr string, now time.Time) (time.Duration, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	rec := ps.byAddr[addr]
	if rec == nil {
		rec = &PeerstoreEntry{Addr: addr}
	}
	rec.Fails++
	err := ps.putLocked(rec)
	return ps.backoffLocked(rec.Fails), err
}

// Backoff returns the current retry delay for an address without mutating it.
func (ps *Peerstore) Backoff(addr string) time.Duration {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	rec := ps.byAddr[addr]
	if rec == nil {
		return 0
	}
	return ps.backoffLocked(rec.Fails)
}

func (ps *Peerstore) backoffLocked(fails int) time.Duration {
	if fails <= 0 {
		return 0
	}
	delay := ps.baseBackoff
	for i := 1; i < fails; i++ {
		delay *= 2
		if delay >= ps.maxBackoff {
			return ps.maxBackoff
		}
	}
	if delay > ps.maxBackoff {
		delay = ps.maxBackoff
	}
	return delay
}

func (ps *Peerstore) putLocked(rec *PeerstoreEntry) error {
	ps.byAddr[rec.Addr] = rec
	if ps.db == nil {
		return nil
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode peerstore entry: %w", err)
	}
	return ps.db.Put([]byte(rec.Addr), payload, nil)
}

func (ps *Peerstore) load() error {
	iter := ps.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		var rec PeerstoreEntry
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return fmt.Errorf("decode peerstore entry %q: %w", iter.Key(), err)
		}
		entry := rec
		ps.byAddr[entry.Addr] = &entry
	}
	return iter.Error()
}
