// Package transfer implements the per-file coordinator, per spec §4.7:
// the state machine (checking/downloading/finished/seeding/paused/aborted)
// that drives one file from an empty bitfield (or rehydrated resume data)
// to completion, requesting blocks from the picker on behalf of its active
// peer connections and reacting to disk-write and piece-verification
// results.
//
// Grounded on the teacher's download.Download (Config/New/Run), restructured
// from a goroutine-per-peer worker pool around a context.Context into the
// single event-loop tick model spec §5 requires: Tick is called once per
// loop iteration instead of each peer running its own downloadFromPeer
// goroutine, and dialing/disk I/O are pushed out to the session (which owns
// the non-blocking reactor and the disk worker thread) rather than performed
// inline here.
package transfer

import (
	"net"
	"time"

	"github.com/mccartykim/wong-bittorrent/ed2kerr"
	"github.com/mccartykim/wong-bittorrent/hash2k"
	"github.com/mccartykim/wong-bittorrent/peerconn"
	"github.com/mccartykim/wong-bittorrent/picker"
	"github.com/mccartykim/wong-bittorrent/policy"
)

// State is the transfer's lifecycle state (spec §4.7).
type State int

const (
	StateChecking State = iota
	StateDownloading
	StateFinished
	StateSeeding
	StatePaused
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateChecking:
		return "checking"
	case StateDownloading:
		return "downloading"
	case StateFinished:
		return "finished"
	case StateSeeding:
		return "seeding"
	case StatePaused:
		return "paused"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// MaxHashFailures bounds how many times a single piece may fail
// verification before the transfer gives up and aborts (spec §7: "only
// repeated failure aborts the transfer with an alert").
const MaxHashFailures = 5

// Config fixes a transfer's static parameters, set once at add_transfer
// time (spec §4.7, §6 configuration options).
type Config struct {
	FileHash         hash2k.FileHash
	FileLength       int64
	PieceSize        int64
	BlockSize        int
	ConnectSpeed     int // max new outbound connections requested per tick
	RequestQueueSize int
	Sequential       bool
	EndgameThreshold int

	MaxPeerlistSize    int
	AllowMultiplePerIP bool
	ReconnectCoolDown  time.Duration

	Local peerconn.Hello
}

func (c Config) withDefaults() Config {
	if c.ConnectSpeed <= 0 {
		c.ConnectSpeed = 4
	}
	if c.RequestQueueSize <= 0 {
		c.RequestQueueSize = 4
	}
	if c.PieceSize <= 0 {
		c.PieceSize = hash2k.PieceSize
	}
	if c.BlockSize <= 0 {
		c.BlockSize = hash2k.BlockSizeSmall
	}
	return c
}

// PieceHashFailed is reported when a verified download's bytes don't match
// the expected PieceHash, so the session can log/alert it (spec §7).
type PieceHashFailed struct {
	Piece  int
	Peer   string
	Blamed bool // true if the offending peer's ban score was bumped
}

// Transfer drives one file. All mutation happens from Tick and the
// Handle*/Complete* callbacks invoked by the session's event loop; nothing
// here blocks or spawns goroutines of its own.
type Transfer struct {
	cfg   Config
	state State

	picker *picker.Picker
	policy *policy.Policy

	peers map[string]*peerconn.Conn // addr -> active connection

	hashSet      hash2k.HashSet
	hashFailures []int // per-piece failure count, indexed like hashSet

	banScoreOnHashFail int
}

// New constructs a fresh Transfer with no resume data: empty bitfield,
// starting in downloading (spec §4.7 step 2).
func New(cfg Config) *Transfer {
	cfg = cfg.withDefaults()
	numPieces := int(hash2k.DivCeil(cfg.FileLength, cfg.PieceSize))

	return &Transfer{
		cfg: cfg,
		state: StateDownloading,
		picker: picker.New(cfg.PieceSize, cfg.BlockSize, cfg.FileLength, cfg.Sequential, cfg.EndgameThreshold),
		policy: policy.New(policy.Config{
			MaxPeerlistSize:    cfg.MaxPeerlistSize,
			AllowMultiplePerIP: cfg.AllowMultiplePerIP,
			ReconnectCoolDown:  cfg.ReconnectCoolDown,
		}),
		peers:              make(map[string]*peerconn.Conn),
		hashFailures:       make([]int, numPieces),
		banScoreOnHashFail: 10,
	}
}

// FromResume constructs a Transfer rehydrated from resume data: the known
// HashSet and a have-bitfield, entering checking (spec §4.7 step 1). No
// piece is re-verified here or by Tick: a checking transfer requests
// blocks like a downloading one and leaves checking only when it
// completes, going straight to seeding.
func FromResume(cfg Config, have picker.Bitfield, hashSet hash2k.HashSet) *Transfer {
	t := New(cfg)
	t.state = StateChecking
	t.hashSet = hashSet
	for i := 0; i < t.picker.NumPieces(); i++ {
		if have.Has(i) {
			t.picker.HavePiece(i)
		}
	}
	return t
}

// State returns the transfer's current lifecycle state.
func (t *Transfer) State() State { return t.state }

// FileHash returns the transfer's identifying hash.
func (t *Transfer) FileHash() hash2k.FileHash { return t.cfg.FileHash }

// Picker exposes the transfer's picker, for the session/peer-read loop to
// drive Pick/MarkRequested/MarkFinished directly against incoming frames.
func (t *Transfer) Picker() *picker.Picker { return t.picker }

// BlockSize returns the configured block size in bytes.
func (t *Transfer) BlockSize() int { return t.cfg.BlockSize }

// PieceSize returns the configured piece size in bytes.
func (t *Transfer) PieceSize() int64 { return t.cfg.PieceSize }

// FileLength returns the transfer's total file length in bytes.
func (t *Transfer) FileLength() int64 { return t.cfg.FileLength }

// RequestQueueSize returns the configured per-peer request pipeline depth.
func (t *Transfer) RequestQueueSize() int { return t.cfg.RequestQueueSize }

// Policy exposes the transfer's peer policy for address-learning and
// connection bookkeeping (get-sources replies, incoming accepts).
func (t *Transfer) Policy() *policy.Policy { return t.policy }

// AddPeerAddress learns of a candidate peer address without connecting to
// it yet (spec §4.5 add_peer, fed by get-sources replies or peer exchange).
func (t *Transfer) AddPeerAddress(ip net.IP, port uint16, source policy.ConnectionSource) {
	t.policy.AddPeer(ip, port, source, policy.Flags{})
}

// ConnectCandidates returns up to connect_speed candidates the session
// should dial this tick (spec §4.7 "ask policy for up to connect_speed new
// peer connections"). It does not mutate connection state; the caller must
// follow a successful dial with AttachConn.
func (t *Transfer) ConnectCandidates(now time.Time) []*policy.PeerAddress {
	if t.state == StatePaused || t.state == StateAborted {
		return nil
	}
	finished := t.picker.IsComplete()
	out := make([]*policy.PeerAddress, 0, t.cfg.ConnectSpeed)
	for i := 0; i < t.cfg.ConnectSpeed; i++ {
		pa := t.policy.ConnectOnePeer(now, finished)
		if pa == nil {
			break
		}
		out = append(out, pa)
	}
	return out
}

// AttachConn registers an already-handshaken connection as active, per
// spec §4.6's identified->active transition, and gives the picker an empty
// bitfield for it until the peer announces one.
func (t *Transfer) AttachConn(c *peerconn.Conn) {
	t.peers[c.Addr()] = c
	t.picker.SetPeerBitfield(c.Addr(), picker.NewBitfield(t.picker.NumPieces()))
}

// RemovePeer drops addr from the active set and tells the picker and
// policy to forget it, re-queuing any blocks it held (spec §4.5 disconnect
// handling, §5 cancellation).
func (t *Transfer) RemovePeer(addr string) {
	delete(t.peers, addr)
	t.picker.RemovePeer(addr)
	if host, portStr, err := net.SplitHostPort(addr); err == nil {
		if ip := net.ParseIP(host); ip != nil {
			if port, err := parsePort(portStr); err == nil {
				t.policy.Disconnect(ip, port)
			}
		}
	}
}

func parsePort(s string) (uint16, error) {
	var v int
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, ed2kerr.New(ed2kerr.KindSerialization, ed2kerr.CodeDecodePacketError, "invalid port")
		}
		v = v*10 + int(r-'0')
	}
	if v < 0 || v > 65535 {
		return 0, ed2kerr.New(ed2kerr.KindSerialization, ed2kerr.CodeDecodePacketError, "port out of range")
	}
	return uint16(v), nil
}

// HandlePeerBitfield records a peer's full advertised bitfield, replacing
// whatever empty/partial one AttachConn or prior have-messages installed.
func (t *Transfer) HandlePeerBitfield(addr string, bf picker.Bitfield) {
	t.picker.SetPeerBitfield(addr, bf)
}

// HandlePeerHave records a single-piece have announcement from addr.
func (t *Transfer) HandlePeerHave(addr string, pieceIndex int) {
	t.picker.PeerHavePiece(addr, pieceIndex)
}

// TickResult reports what happened during one Tick call, for the session
// to turn into alerts (spec §6 transfer_finished).
type TickResult struct {
	JustFinished bool
}

// Tick drives one event-loop iteration for this transfer (spec §4.7): for
// every active peer under its request queue bound, pick and request more
// blocks; then check for overall completion. Paused transfers skip both
// the request step (outgoing requests suspended) and the completion
// check, which runs only in downloading or checking; Resume moves a
// complete paused transfer to seeding. Aborted transfers do nothing. A transfer that
// completes passes through finished on its way to seeding within the same
// tick (spec §4.7: "on completion enter finished then seeding"); JustFinished
// tells the caller that transition happened just now.
func (t *Transfer) Tick(now time.Time) (TickResult, error) {
	if t.state == StateAborted {
		return TickResult{}, nil
	}

	if t.state != StatePaused {
		for addr, conn := range t.peers {
			if conn.State != peerconn.StateActive {
				continue
			}
			want := t.cfg.RequestQueueSize - conn.Outstanding()
			if want <= 0 {
				continue
			}
			blocks, err := t.picker.Pick(addr, want)
			if err != nil {
				continue
			}
			for _, b := range blocks {
				if err := conn.RequestBlock(t.cfg.FileHash, b, int64(t.cfg.BlockSize)); err != nil {
					continue
				}
				t.picker.MarkRequested(b, addr)
			}
		}
	}

	var result TickResult
	if (t.state == StateDownloading || t.state == StateChecking) && t.picker.IsComplete() {
		// finished is instantaneous: nothing waits in it, so the
		// transfer lands directly in seeding. The alert still names
		// both transitions via JustFinished.
		t.state = StateSeeding
		result.JustFinished = true
	}

	return result, nil
}

// CompleteBlockWrite is called once a block's bytes are durably written to
// disk (spec §4.3/§4.7's "process disk write completions"). It returns the
// peers whose duplicate endgame request for the same block should now be
// cancelled.
func (t *Transfer) CompleteBlockWrite(b picker.Block, winner string) []string {
	return t.picker.MarkFinished(b, winner)
}

// VerifyPiece checks a freshly completed piece's bytes against its expected
// PieceHash. On success it marks the piece have in the picker (triggering
// completion/have-announcement on the session side); on failure it resets
// the piece so its blocks re-enter the pool and bumps the offending peer's
// ban score, aborting the transfer once a piece has failed MaxHashFailures
// times (spec §7's self-healing recovery, §8 scenario 6).
func (t *Transfer) VerifyPiece(index int, computed hash2k.PieceHash, lastWriter *peerconn.Conn) (ok bool, failure *PieceHashFailed, err error) {
	expected, err := t.expectedPieceHash(index)
	if err != nil {
		return false, nil, err
	}

	if computed == expected {
		t.picker.HavePiece(index)
		return true, nil, nil
	}

	t.picker.ResetPiece(index)
	t.hashFailures[index]++

	var blamed bool
	if lastWriter != nil {
		lastWriter.IncrementBanScore(t.banScoreOnHashFail)
		blamed = true
	}
	failure = &PieceHashFailed{Piece: index, Blamed: blamed}
	if lastWriter != nil {
		failure.Peer = lastWriter.Addr()
	}

	if t.hashFailures[index] >= MaxHashFailures {
		t.state = StateAborted
		return false, failure, ed2kerr.New(ed2kerr.KindTransfer, ed2kerr.CodeMismatchingHash, "piece repeatedly failed verification")
	}

	return false, failure, nil
}

func (t *Transfer) expectedPieceHash(index int) (hash2k.PieceHash, error) {
	if len(t.hashSet) == 0 {
		// Single-piece file: the file identifier is the piece's own digest.
		if index != 0 {
			return hash2k.PieceHash{}, ed2kerr.New(ed2kerr.KindTransfer, ed2kerr.CodeInvalidHandle, "piece index out of range for single-piece file")
		}
		return t.cfg.FileHash, nil
	}
	if index < 0 || index >= len(t.hashSet) {
		return hash2k.PieceHash{}, ed2kerr.New(ed2kerr.KindTransfer, ed2kerr.CodeInvalidHandle, "piece index out of range")
	}
	return t.hashSet[index], nil
}

// Pause suspends outgoing requests but keeps existing sockets open for
// incoming activity (spec §4.7).
func (t *Transfer) Pause() {
	if t.state == StateAborted {
		return
	}
	t.state = StatePaused
}

// Resume reverses Pause, returning to downloading (or seeding, if the
// transfer had already completed before being paused).
func (t *Transfer) Resume() {
	if t.state != StatePaused {
		return
	}
	if t.picker.IsComplete() {
		t.state = StateSeeding
	} else {
		t.state = StateDownloading
	}
}

// Abort closes all peers and marks the transfer terminal; it never
// transitions out of aborted.
func (t *Transfer) Abort() {
	for addr, c := range t.peers {
		_ = c.Close()
		delete(t.peers, addr)
	}
	t.state = StateAborted
}

// IsComplete reports whether every piece has verified.
func (t *Transfer) IsComplete() bool { return t.picker.IsComplete() }

// Peers returns the current active connection set, keyed by address.
func (t *Transfer) Peers() map[string]*peerconn.Conn { return t.peers }
