package session

import (
	"sync"

	"github.com/mccartykim/wong-bittorrent/hash2k"
)

// LowIDThreshold is the server-assigned client id boundary below which a
// client is considered to be behind NAT and unable to accept inbound
// connections directly (spec §4.8).
const LowIDThreshold = 16_777_216

// lowIDCallbacks matches indirect callback requests, issued to the server
// on behalf of a transfer that wants to reach a LowID peer, back to the
// transfer that asked: the eventual inbound socket the peer opens to us
// carries no a-priori link to the request, so the session needs the
// client id it asked the server to relay to as the join key (spec §4.8
// "a callback table keyed by short-id").
type lowIDCallbacks struct {
	mu  sync.Mutex
	byID map[uint32]hash2k.FileHash
}

func newLowIDCallbacks() *lowIDCallbacks {
	return &lowIDCallbacks{byID: make(map[uint32]hash2k.FileHash)}
}

// Register records that fileHash's transfer is awaiting an indirect
// callback connection from the peer identified by clientID.
func (t *lowIDCallbacks) Register(clientID uint32, fileHash hash2k.FileHash) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[clientID] = fileHash
}

// Resolve looks up and clears the pending callback for clientID, if any.
func (t *lowIDCallbacks) Resolve(clientID uint32) (hash2k.FileHash, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fh, ok := t.byID[clientID]
	if ok {
		delete(t.byID, clientID)
	}
	return fh, ok
}

// Forget drops a pending callback without resolving it, e.g. when the
// requesting transfer is removed before the peer calls back.
func (t *lowIDCallbacks) Forget(clientID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, clientID)
}

// Len reports the number of callbacks currently pending.
func (t *lowIDCallbacks) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}
