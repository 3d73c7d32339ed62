// Package policy implements the peer policy: the candidate pool of known
// peer addresses, duplicate/self-connection resolution, and round-robin
// outbound connection selection, per spec §4.5.
//
// Grounded on the teacher's tracker.Peer (IP/Port pair) and download.go's
// peers map[string]*peerConn bookkeeping, generalized into a bounded,
// address-sorted candidate deque. The size bound is backed by
// github.com/hashicorp/golang-lru's Cache, the same top-level package
// gfx-labs-erigon's headerdownload struct imports for its canonical-hash
// cache; here it holds PeerAddress entries and the policy runs its own
// erase pass over the cache's keys rather than relying on LRU recency,
// since §4.5's eviction order is flag/failcount-driven, not LRU.
package policy

import (
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// ConnectionSource records how a PeerAddress was learned.
type ConnectionSource int

const (
	SourceUnknown ConnectionSource = iota
	SourceServer                   // learned from the index server's get-sources reply
	SourceIncoming                 // an inbound connection we hadn't seen before
	SourcePex                      // peer exchange (spec Non-goal, reserved for future use)
)

// Flags records durable facts about a PeerAddress across connection
// attempts.
type Flags struct {
	Seed      bool
	Banned    bool
	FailCount int
}

// PeerAddress is one candidate peer known to the policy.
type PeerAddress struct {
	Addr      string // "ip:port", the sort/lookup key
	IP        net.IP
	Port      uint16
	Source    ConnectionSource
	Flags     Flags
	Connected bool
	Outgoing  bool
	LastTry   time.Time
}

func addrKey(ip net.IP, port uint16) string {
	return net.JoinHostPort(ip.String(), strconv.Itoa(int(port)))
}

// Policy holds the candidate pool and connection-selection state for one
// transfer's swarm.
type Policy struct {
	mu sync.Mutex

	maxSize            int
	allowMultiplePerIP bool
	coolDown           time.Duration
	failLimit          int

	cache  *lru.Cache // addr -> *PeerAddress
	sorted []string   // addr keys, kept sorted for connect_one_peer's cursor
	cursor int
}

// Config configures a Policy.
type Config struct {
	MaxPeerlistSize    int
	AllowMultiplePerIP bool
	ReconnectCoolDown  time.Duration
	FailCountLimit     int // candidates at or above this fail count are not connectable (I4)
}

// New constructs a Policy. AddPeer and NewConnection both run an explicit
// erase pass (evictOneLocked) before the cache would otherwise grow past
// MaxPeerlistSize, preferring non-connected, non-seed, high-failcount
// entries over the cache's own LRU-oldest choice.
func New(cfg Config) *Policy {
	if cfg.MaxPeerlistSize <= 0 {
		cfg.MaxPeerlistSize = 500
	}
	if cfg.ReconnectCoolDown <= 0 {
		cfg.ReconnectCoolDown = 30 * time.Second
	}
	if cfg.FailCountLimit <= 0 {
		cfg.FailCountLimit = 5
	}

	p := &Policy{
		maxSize:            cfg.MaxPeerlistSize,
		allowMultiplePerIP: cfg.AllowMultiplePerIP,
		coolDown:           cfg.ReconnectCoolDown,
		failLimit:          cfg.FailCountLimit,
	}
	cache, _ := lru.NewWithEvict(cfg.MaxPeerlistSize, p.onEvict)
	p.cache = cache
	return p
}

func (p *Policy) onEvict(key interface{}, value interface{}) {
	addr := key.(string)
	for i, a := range p.sorted {
		if a == addr {
			p.sorted = append(p.sorted[:i], p.sorted[i+1:]...)
			break
		}
	}
}

// AddPeer inserts or updates a candidate by address (spec §4.5
// add_peer). If the pool is at MaxPeerlistSize, an explicit erase pass
// runs first, preferring to drop non-connected, non-seed, high-failcount
// entries over letting the cache's own LRU eviction pick arbitrarily.
func (p *Policy) AddPeer(ip net.IP, port uint16, source ConnectionSource, flags Flags) *PeerAddress {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := addrKey(ip, port)

	if v, ok := p.cache.Get(key); ok {
		existing := v.(*PeerAddress)
		existing.Source = source
		existing.Flags = flags
		return existing
	}

	if p.cache.Len() >= p.maxSize {
		p.evictOneLocked()
	}

	pa := &PeerAddress{
		Addr:   key,
		IP:     ip,
		Port:   port,
		Source: source,
		Flags:  flags,
	}
	p.cache.Add(key, pa)
	p.insertSortedLocked(key)
	return pa
}

func (p *Policy) insertSortedLocked(key string) {
	i := sort.SearchStrings(p.sorted, key)
	p.sorted = append(p.sorted, "")
	copy(p.sorted[i+1:], p.sorted[i:])
	p.sorted[i] = key
}

// evictOneLocked drops the first candidate found that is not connected,
// not a seed, and has the highest fail count among such candidates; if
// none qualify, it falls back to evicting the cache's own LRU-oldest
// entry (spec §4.5: "an erase pass drops non-connected, non-seed,
// high-failcount entries first").
func (p *Policy) evictOneLocked() {
	var worst *PeerAddress
	var worstKey string
	for _, key := range p.cache.Keys() {
		v, ok := p.cache.Peek(key.(string))
		if !ok {
			continue
		}
		pa := v.(*PeerAddress)
		if pa.Connected || pa.Flags.Seed {
			continue
		}
		if worst == nil || pa.Flags.FailCount > worst.Flags.FailCount {
			worst = pa
			worstKey = key.(string)
		}
	}
	if worst != nil {
		p.cache.Remove(worstKey)
		return
	}
	if keys := p.cache.Keys(); len(keys) > 0 {
		p.cache.RemoveOldest()
	}
}

// ConnResult reports the outcome of NewConnection's bookkeeping.
type ConnResult int

const (
	// ConnAccepted: the new socket is the peer's live connection.
	ConnAccepted ConnResult = iota
	// ConnSelfConnection: local and remote endpoints coincide; both
	// sockets must be dropped.
	ConnSelfConnection
	// ConnDuplicateDropNew: an existing outgoing-and-connected entry
	// wins; the caller must close the new socket.
	ConnDuplicateDropNew
	// ConnDuplicateDropExisting: the new connection wins over a
	// not-outgoing existing one; the caller must close the old socket
	// and keep the new one.
	ConnDuplicateDropExisting
)

// NewConnection handles both outbound-completion and inbound-accept,
// resolving self-connections and duplicate-peer races per spec §4.5
// steps 1-4. localAddr/remoteAddr identify the new socket; outgoing
// reports whether this side initiated the connection. When the policy
// disallows multiple connections per IP, lookup is by IP alone;
// otherwise it is the exact ip:port endpoint.
func (p *Policy) NewConnection(remoteIP net.IP, remotePort uint16, localAddr, remoteAddr string, outgoing bool) ConnResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := addrKey(remoteIP, remotePort)
	existing := p.findExistingLocked(remoteIP, key)

	if existing == nil {
		pa := &PeerAddress{Addr: key, IP: remoteIP, Port: remotePort, Connected: true, Outgoing: outgoing}
		if p.cache.Len() >= p.maxSize {
			p.evictOneLocked()
		}
		p.cache.Add(key, pa)
		p.insertSortedLocked(key)
		return ConnAccepted
	}

	if !existing.Connected {
		existing.Connected = true
		existing.Outgoing = outgoing
		return ConnAccepted
	}

	// Already connected: both sockets' local-vs-remote endpoints
	// coinciding means we dialed ourselves.
	if localAddr == remoteAddr {
		existing.Connected = false
		return ConnSelfConnection
	}

	// A genuine duplicate: keep the outgoing-and-connected side.
	if existing.Outgoing {
		return ConnDuplicateDropNew
	}
	existing.Outgoing = outgoing
	return ConnDuplicateDropExisting
}

// findExistingLocked looks up a PeerAddress by exact endpoint, or (when
// multiple connections per IP are disallowed) by IP alone.
func (p *Policy) findExistingLocked(ip net.IP, exactKey string) *PeerAddress {
	if p.allowMultiplePerIP {
		if v, ok := p.cache.Get(exactKey); ok {
			return v.(*PeerAddress)
		}
		return nil
	}
	for _, k := range p.cache.Keys() {
		v, ok := p.cache.Peek(k.(string))
		if !ok {
			continue
		}
		pa := v.(*PeerAddress)
		if pa.IP.Equal(ip) {
			return pa
		}
	}
	return nil
}

// Disconnect marks a peer no longer connected (spec §4.5 candidate-count
// bookkeeping, I4).
func (p *Policy) Disconnect(ip net.IP, port uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := addrKey(ip, port)
	if v, ok := p.cache.Get(key); ok {
		v.(*PeerAddress).Connected = false
	}
}

// Ban marks a candidate banned so ConnectOnePeer skips it.
func (p *Policy) Ban(ip net.IP, port uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := addrKey(ip, port)
	if v, ok := p.cache.Get(key); ok {
		v.(*PeerAddress).Flags.Banned = true
	}
}

// RecordFailure increments a candidate's fail count and stamps LastTry,
// starting its reconnect cool-down.
func (p *Policy) RecordFailure(ip net.IP, port uint16, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := addrKey(ip, port)
	if v, ok := p.cache.Get(key); ok {
		pa := v.(*PeerAddress)
		pa.Flags.FailCount++
		pa.LastTry = now
	}
}

// isCandidateLocked reports whether pa satisfies the candidate predicate
// (I4): no live connection, not banned, under the fail-count limit, and
// not a seed-only peer once the transfer has finished downloading (a
// seed has nothing left to offer a completed transfer).
func (p *Policy) isCandidateLocked(pa *PeerAddress, finished bool) bool {
	if pa.Connected || pa.Flags.Banned {
		return false
	}
	if pa.Flags.FailCount >= p.failLimit {
		return false
	}
	if finished && pa.Flags.Seed {
		return false
	}
	return true
}

// ConnectOnePeer returns the next candidate to dial under a round-robin
// cursor over the address-sorted candidate list, skipping non-candidates
// (I4) and peers still within their reconnect cool-down (spec §4.5
// connect_one_peer). It returns nil if no candidate currently qualifies.
func (p *Policy) ConnectOnePeer(now time.Time, finished bool) *PeerAddress {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.sorted)
	if n == 0 {
		return nil
	}

	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		key := p.sorted[idx]
		v, ok := p.cache.Peek(key)
		if !ok {
			continue
		}
		pa := v.(*PeerAddress)
		if !p.isCandidateLocked(pa, finished) {
			continue
		}
		if !pa.LastTry.IsZero() && now.Sub(pa.LastTry) < p.coolDown {
			continue
		}
		p.cursor = (idx + 1) % n
		return pa
	}
	return nil
}

// CandidateCount returns the number of policy peers satisfying the
// candidate predicate (I4): connection == null, connectable, failcount
// under the limit, and not seed-only once finished is true.
func (p *Policy) CandidateCount(finished bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, key := range p.cache.Keys() {
		v, ok := p.cache.Peek(key.(string))
		if !ok {
			continue
		}
		if p.isCandidateLocked(v.(*PeerAddress), finished) {
			n++
		}
	}
	return n
}

// Size returns the number of known candidate addresses.
func (p *Policy) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cache.Len()
}

// Lookup returns the PeerAddress for ip:port, if known.
func (p *Policy) Lookup(ip net.IP, port uint16) (*PeerAddress, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.cache.Get(addrKey(ip, port))
	if !ok {
		return nil, false
	}
	return v.(*PeerAddress), true
}
