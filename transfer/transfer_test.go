package transfer

import (
	"net"
	"testing"
	"time"

	"github.com/mccartykim/wong-bittorrent/hash2k"
	"github.com/mccartykim/wong-bittorrent/peerconn"
	"github.com/mccartykim/wong-bittorrent/picker"
	"github.com/mccartykim/wong-bittorrent/policy"
	"github.com/mccartykim/wong-bittorrent/wire"
)

func testConfig() Config {
	return Config{
		FileHash:         hash2k.FileHash{1, 2, 3},
		FileLength:       100,
		PieceSize:        100,
		BlockSize:        10,
		ConnectSpeed:     2,
		RequestQueueSize: 4,
		EndgameThreshold: 2,
		MaxPeerlistSize:  10,
	}
}

// newAttachedPeer builds a peerconn.Conn over a net.Pipe, wired to addr,
// and attaches it to tr as an active peer.
func newAttachedPeer(t *testing.T, tr *Transfer, addr string) (*peerconn.Conn, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	c := peerconn.New(local, addr, 4, peerconn.Hello{})
	c.State = peerconn.StateActive
	tr.AttachConn(c)
	return c, remote
}

func TestNewTransferStartsDownloadingEmpty(t *testing.T) {
	tr := New(testConfig())
	if tr.State() != StateDownloading {
		t.Fatalf("State() = %v, want downloading", tr.State())
	}
	if tr.IsComplete() {
		t.Fatal("fresh transfer should not be complete")
	}
}

func TestFromResumeRehydratesHavePieces(t *testing.T) {
	cfg := testConfig()
	bf := picker.NewBitfield(1)
	bf.Set(0)
	hashSet := hash2k.HashSet{hash2k.SumBytes(nil)}

	tr := FromResume(cfg, bf, hashSet)
	if tr.State() != StateChecking {
		t.Fatalf("State() = %v, want checking", tr.State())
	}
	if !tr.IsComplete() {
		t.Fatal("expected the rehydrated single piece to already be marked have")
	}
}

func TestAttachConnRegistersEmptyBitfieldAndPeerCount(t *testing.T) {
	tr := New(testConfig())
	c, remote := newAttachedPeer(t, tr, "1.2.3.4:4662")
	defer remote.Close()
	defer c.Close()

	if _, ok := tr.Peers()["1.2.3.4:4662"]; !ok {
		t.Fatal("expected the attached connection to be registered")
	}
	// An empty bitfield means the peer isn't yet a pick candidate.
	blocks, err := tr.Picker().Pick("1.2.3.4:4662", 4)
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if len(blocks) != 0 {
		t.Fatalf("expected no picks against an empty bitfield, got %v", blocks)
	}
}

func TestTickRequestsBlocksFromActivePeers(t *testing.T) {
	tr := New(testConfig())
	c, remote := newAttachedPeer(t, tr, "1.2.3.4:4662")
	defer remote.Close()
	defer c.Close()

	full := picker.NewBitfield(tr.Picker().NumPieces())
	full.Set(0)
	tr.HandlePeerBitfield(c.Addr(), full)

	// Drain whatever request frames the tick writes so the pipe doesn't block.
	done := make(chan int)
	go func() {
		count := 0
		for {
			f, err := wire.ReadFrame(remote, 0)
			if err != nil {
				done <- count
				return
			}
			if f.Opcode == wire.OpRequestParts32 {
				count++
			}
		}
	}()

	if _, err := tr.Tick(time.Now()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	remote.Close()

	got := <-done
	if got == 0 {
		t.Fatal("expected Tick to request at least one block from the active peer")
	}
	if c.Outstanding() == 0 {
		t.Fatal("expected the connection to have outstanding requests recorded")
	}
}

func TestTickSkipsRequestsWhilePaused(t *testing.T) {
	tr := New(testConfig())
	c, remote := newAttachedPeer(t, tr, "1.2.3.4:4662")
	defer remote.Close()
	defer c.Close()

	full := picker.NewBitfield(tr.Picker().NumPieces())
	full.Set(0)
	tr.HandlePeerBitfield(c.Addr(), full)
	tr.Pause()

	readErr := make(chan error, 1)
	go func() {
		_, err := wire.ReadFrame(remote, 0)
		readErr <- err
	}()

	if _, err := tr.Tick(time.Now()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	remote.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	select {
	case err := <-readErr:
		if err == nil {
			t.Fatal("expected no request frame to arrive while paused")
		}
	case <-time.After(100 * time.Millisecond):
	}
	if c.Outstanding() != 0 {
		t.Fatalf("Outstanding() = %d, want 0 while paused", c.Outstanding())
	}
}

func TestVerifyPieceSuccessMarksHaveAndFinishes(t *testing.T) {
	cfg := testConfig()
	cfg.FileHash = hash2k.SumBytes(nil) // single-piece file identifier
	tr := New(cfg)

	ok, failure, err := tr.VerifyPiece(0, cfg.FileHash, nil)
	if err != nil {
		t.Fatalf("VerifyPiece: %v", err)
	}
	if !ok || failure != nil {
		t.Fatalf("expected a clean success, got ok=%v failure=%+v", ok, failure)
	}
	if !tr.IsComplete() {
		t.Fatal("expected the transfer to be complete after its only piece verifies")
	}

	result, err := tr.Tick(time.Now())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if !result.JustFinished {
		t.Fatal("expected Tick to report JustFinished once the transfer completes")
	}
	if tr.State() != StateSeeding {
		t.Fatalf("State() = %v, want seeding", tr.State())
	}
}

func TestVerifyPieceFailureResetsAndBansPeer(t *testing.T) {
	cfg := testConfig()
	cfg.FileHash = hash2k.SumBytes([]byte("expected"))
	tr := New(cfg)
	c, remote := newAttachedPeer(t, tr, "1.2.3.4:4662")
	defer remote.Close()
	defer c.Close()

	wrong := hash2k.SumBytes([]byte("wrong bytes"))
	ok, failure, err := tr.VerifyPiece(0, wrong, c)
	if err != nil {
		t.Fatalf("VerifyPiece: %v", err)
	}
	if ok {
		t.Fatal("expected verification to fail on a hash mismatch")
	}
	if failure == nil || !failure.Blamed || failure.Peer != c.Addr() {
		t.Fatalf("expected the last-writer peer to be blamed, got %+v", failure)
	}
	if c.BanScore() == 0 {
		t.Fatal("expected the offending peer's ban score to increase")
	}
	if tr.IsComplete() {
		t.Fatal("a failed piece must not be marked complete")
	}
}

func TestVerifyPieceAbortsAfterMaxFailures(t *testing.T) {
	cfg := testConfig()
	cfg.FileHash = hash2k.SumBytes([]byte("expected"))
	tr := New(cfg)

	wrong := hash2k.SumBytes([]byte("wrong"))
	var lastErr error
	for i := 0; i < MaxHashFailures; i++ {
		_, _, lastErr = tr.VerifyPiece(0, wrong, nil)
	}
	if lastErr == nil {
		t.Fatal("expected the final repeated failure to return an error")
	}
	if tr.State() != StateAborted {
		t.Fatalf("State() = %v, want aborted after repeated hash failures", tr.State())
	}
}

func TestRemovePeerClearsPickerAndPolicy(t *testing.T) {
	tr := New(testConfig())
	tr.policy.NewConnection(net.ParseIP("1.2.3.4"), 4662, "local:1", "1.2.3.4:4662", true)
	c, remote := newAttachedPeer(t, tr, "1.2.3.4:4662")
	defer remote.Close()
	defer c.Close()

	full := picker.NewBitfield(tr.Picker().NumPieces())
	full.Set(0)
	tr.HandlePeerBitfield(c.Addr(), full)

	tr.RemovePeer(c.Addr())

	if _, ok := tr.Peers()[c.Addr()]; ok {
		t.Fatal("expected RemovePeer to drop the connection from the active set")
	}
	// Disconnect clears Connected, so the peer becomes a candidate again.
	if tr.policy.CandidateCount(false) != 1 {
		t.Fatalf("CandidateCount(false) = %d, want 1 after RemovePeer", tr.policy.CandidateCount(false))
	}
}

func TestConnectCandidatesRespectsConnectSpeedAndPauseAbort(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectSpeed = 1
	tr := New(cfg)

	tr.AddPeerAddress(net.ParseIP("10.0.0.1"), 1, policy.SourceServer)
	tr.AddPeerAddress(net.ParseIP("10.0.0.2"), 2, policy.SourceServer)

	candidates := tr.ConnectCandidates(time.Now())
	if len(candidates) != 1 {
		t.Fatalf("len(candidates) = %d, want 1 (ConnectSpeed bound)", len(candidates))
	}

	tr.Pause()
	if got := tr.ConnectCandidates(time.Now()); got != nil {
		t.Fatalf("expected no candidates while paused, got %v", got)
	}

	tr.Abort()
	if got := tr.ConnectCandidates(time.Now()); got != nil {
		t.Fatalf("expected no candidates while aborted, got %v", got)
	}
	if tr.State() != StateAborted {
		t.Fatalf("State() = %v, want aborted", tr.State())
	}
}

func TestPauseResumeTransitions(t *testing.T) {
	tr := New(testConfig())
	tr.Pause()
	if tr.State() != StatePaused {
		t.Fatalf("State() = %v, want paused", tr.State())
	}
	tr.Resume()
	if tr.State() != StateDownloading {
		t.Fatalf("State() after Resume = %v, want downloading", tr.State())
	}

	// Resume on an already-complete transfer lands in seeding, not
	// downloading.
	cfg := testConfig()
	cfg.FileHash = hash2k.SumBytes(nil)
	tr2 := New(cfg)
	if _, _, err := tr2.VerifyPiece(0, cfg.FileHash, nil); err != nil {
		t.Fatalf("VerifyPiece: %v", err)
	}
	tr2.Pause()
	tr2.Resume()
	if tr2.State() != StateSeeding {
		t.Fatalf("State() = %v, want seeding after resuming a complete transfer", tr2.State())
	}
}
