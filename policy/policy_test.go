package policy

import (
	"net"
	"testing"
	"time"
)

func ip(s string) net.IP { return net.ParseIP(s) }

func TestAddPeerInsertsAndUpdates(t *testing.T) {
	p := New(Config{MaxPeerlistSize: 10})

	pa := p.AddPeer(ip("1.2.3.4"), 4662, SourceServer, Flags{})
	if pa.Addr == "" {
		t.Fatalf("expected a non-empty address key")
	}
	if p.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", p.Size())
	}

	updated := p.AddPeer(ip("1.2.3.4"), 4662, SourceIncoming, Flags{Seed: true})
	if p.Size() != 1 {
		t.Fatalf("Size() after re-add = %d, want 1 (update in place)", p.Size())
	}
	if updated.Source != SourceIncoming || !updated.Flags.Seed {
		t.Fatalf("expected AddPeer to update source/flags in place, got %+v", updated)
	}
}

func TestAddPeerEvictsNonConnectedHighFailcountFirst(t *testing.T) {
	p := New(Config{MaxPeerlistSize: 2})

	p.AddPeer(ip("10.0.0.1"), 1, SourceServer, Flags{FailCount: 5})
	second := p.AddPeer(ip("10.0.0.2"), 2, SourceServer, Flags{FailCount: 1})
	second.Connected = true // simulate an active connection

	// Pool is full; adding a third candidate must evict the
	// non-connected, higher-failcount entry (10.0.0.1), not the
	// connected one, regardless of LRU recency.
	p.AddPeer(ip("10.0.0.3"), 3, SourceServer, Flags{})

	if p.Size() != 2 {
		t.Fatalf("Size() = %d, want 2 after bounded insert", p.Size())
	}
	if _, ok := p.Lookup(ip("10.0.0.1"), 1); ok {
		t.Fatalf("expected the high-failcount, non-connected candidate to be evicted")
	}
	if _, ok := p.Lookup(ip("10.0.0.2"), 2); !ok {
		t.Fatalf("expected the connected candidate to survive eviction")
	}
}

func TestNewConnectionAcceptsFirstThenDetectsDuplicate(t *testing.T) {
	p := New(Config{MaxPeerlistSize: 10, AllowMultiplePerIP: true})

	res := p.NewConnection(ip("1.2.3.4"), 4662, "127.0.0.1:9999", "1.2.3.4:4662", true)
	if res != ConnAccepted {
		t.Fatalf("first connection result = %v, want ConnAccepted", res)
	}
	// The peer is now connected, so it is not a candidate (I4).
	if p.CandidateCount(false) != 0 {
		t.Fatalf("CandidateCount(false) = %d, want 0 while connected", p.CandidateCount(false))
	}

	// A second, inbound connection from the same peer while the
	// existing outgoing one is still connected: the outgoing side wins.
	res2 := p.NewConnection(ip("1.2.3.4"), 4662, "127.0.0.1:6000", "1.2.3.4:7000", false)
	if res2 != ConnDuplicateDropNew {
		t.Fatalf("duplicate connection result = %v, want ConnDuplicateDropNew", res2)
	}
}

func TestNewConnectionDetectsSelfConnection(t *testing.T) {
	p := New(Config{MaxPeerlistSize: 10, AllowMultiplePerIP: true})

	p.NewConnection(ip("1.2.3.4"), 4662, "127.0.0.1:9999", "1.2.3.4:4662", true)

	res := p.NewConnection(ip("1.2.3.4"), 4662, "9.9.9.9:1", "9.9.9.9:1", false)
	if res != ConnSelfConnection {
		t.Fatalf("result = %v, want ConnSelfConnection", res)
	}
	// Self-connection marks the entry not-connected again, so it becomes
	// a candidate once more.
	if p.CandidateCount(false) != 1 {
		t.Fatalf("CandidateCount(false) after self-connection = %d, want 1", p.CandidateCount(false))
	}
}

func TestDisconnectRestoresCandidateCount(t *testing.T) {
	p := New(Config{MaxPeerlistSize: 10})
	p.NewConnection(ip("1.2.3.4"), 4662, "a", "b", true)
	if p.CandidateCount(false) != 0 {
		t.Fatalf("CandidateCount(false) = %d, want 0 while connected", p.CandidateCount(false))
	}

	p.Disconnect(ip("1.2.3.4"), 4662)
	if p.CandidateCount(false) != 1 {
		t.Fatalf("CandidateCount(false) after disconnect = %d, want 1", p.CandidateCount(false))
	}
}

func TestCandidateCountExcludesBannedOverLimitAndFinishedSeeds(t *testing.T) {
	p := New(Config{MaxPeerlistSize: 10, FailCountLimit: 2})

	p.AddPeer(ip("1.0.0.1"), 1, SourceServer, Flags{})
	p.AddPeer(ip("1.0.0.2"), 2, SourceServer, Flags{FailCount: 2})
	p.AddPeer(ip("1.0.0.3"), 3, SourceServer, Flags{Seed: true})
	p.Ban(ip("1.0.0.1"), 1)

	// Only 1.0.0.3 (the seed) is under the fail limit and unbanned while
	// the transfer is still downloading.
	if got := p.CandidateCount(false); got != 1 {
		t.Fatalf("CandidateCount(false) = %d, want 1", got)
	}
	// Once the transfer has finished, a seed-only peer has nothing left
	// to offer and drops out of the candidate set.
	if got := p.CandidateCount(true); got != 0 {
		t.Fatalf("CandidateCount(true) = %d, want 0", got)
	}
}

func TestConnectOnePeerSkipsBannedAndConnected(t *testing.T) {
	p := New(Config{MaxPeerlistSize: 10, ReconnectCoolDown: time.Millisecond})

	p.AddPeer(ip("1.0.0.1"), 1, SourceServer, Flags{})
	p.AddPeer(ip("1.0.0.2"), 2, SourceServer, Flags{})
	p.AddPeer(ip("1.0.0.3"), 3, SourceServer, Flags{})

	p.Ban(ip("1.0.0.1"), 1)
	pa2, _ := p.Lookup(ip("1.0.0.2"), 2)
	pa2.Connected = true

	now := time.Now()
	got := p.ConnectOnePeer(now, false)
	if got == nil {
		t.Fatalf("expected a connectable candidate")
	}
	if got.Port != 3 {
		t.Fatalf("got port %d, want 3 (only non-banned, non-connected candidate)", got.Port)
	}
}

func TestConnectOnePeerRespectsRoundRobinCursor(t *testing.T) {
	p := New(Config{MaxPeerlistSize: 10})
	p.AddPeer(ip("1.0.0.1"), 1, SourceServer, Flags{})
	p.AddPeer(ip("1.0.0.2"), 2, SourceServer, Flags{})

	now := time.Now()
	first := p.ConnectOnePeer(now, false)
	second := p.ConnectOnePeer(now, false)

	if first == nil || second == nil {
		t.Fatalf("expected two distinct candidates")
	}
	if first.Addr == second.Addr {
		t.Fatalf("expected round-robin cursor to advance between calls, got the same candidate twice: %s", first.Addr)
	}
}

func TestConnectOnePeerRespectsCoolDown(t *testing.T) {
	p := New(Config{MaxPeerlistSize: 10, ReconnectCoolDown: time.Hour})
	p.AddPeer(ip("1.0.0.1"), 1, SourceServer, Flags{})

	now := time.Now()
	p.RecordFailure(ip("1.0.0.1"), 1, now)

	if got := p.ConnectOnePeer(now.Add(time.Minute), false); got != nil {
		t.Fatalf("expected candidate still within cool-down to be skipped, got %+v", got)
	}
	if got := p.ConnectOnePeer(now.Add(2*time.Hour), false); got == nil {
		t.Fatalf("expected candidate to be connectable again once cool-down elapses")
	}
}

func TestConnectOnePeerSkipsPeersOverFailLimit(t *testing.T) {
	p := New(Config{MaxPeerlistSize: 10, FailCountLimit: 1})
	p.AddPeer(ip("1.0.0.1"), 1, SourceServer, Flags{FailCount: 1})
	p.AddPeer(ip("1.0.0.2"), 2, SourceServer, Flags{})

	now := time.Now()
	got := p.ConnectOnePeer(now, false)
	if got == nil || got.Port != 2 {
		t.Fatalf("expected the under-limit candidate (port 2), got %+v", got)
	}
}
