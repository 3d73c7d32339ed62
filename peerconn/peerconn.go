// Package peerconn implements the per-peer wire protocol state machine,
// per spec §4.6: frame/tag marshalling over a socket, the
// connecting/hello_sent/identified/active/closing state axis, and the
// per-direction idle/requesting/receiving_part/sending_part axis.
//
// Grounded on the teacher's peer.Conn (Handshake/ReadMessage/SendMessage
// framing around a net.Conn, HasPiece/SetPiece bitfield helpers),
// generalized from the BitTorrent handshake and 9-message set onto the
// ed2k hello/file-request/sending-part opcode set defined in wire/.
package peerconn

import (
	"fmt"
	"net"
	"time"

	"github.com/mccartykim/wong-bittorrent/ed2kerr"
	"github.com/mccartykim/wong-bittorrent/hash2k"
	"github.com/mccartykim/wong-bittorrent/picker"
	"github.com/mccartykim/wong-bittorrent/wire"
)

// State is the connection's main lifecycle state (spec §4.6).
type State int

const (
	StateConnecting State = iota
	StateHelloSent
	StateIdentified
	StateActive
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHelloSent:
		return "hello_sent"
	case StateIdentified:
		return "identified"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// DirState is the per-direction activity state: a connection tracks one
// independently for its upload side and its download side.
type DirState int

const (
	DirIdle DirState = iota
	DirRequesting
	DirReceivingPart
	DirSendingPart
)

// PeerTimeout is the default per-direction inactivity timeout (spec §4.6).
const PeerTimeout = 120 * time.Second

// MaxFrameSize bounds peer-connection frames, using the same ceiling as
// wire.MaxServerFrameSize for server-connection frames as a conservative default (spec §4.6 names the
// server bound explicitly and is silent on peer frames beyond "oversize
// messages fail").
const MaxFrameSize = wire.MaxServerFrameSize

// Hello carries the handshake fields exchanged before a connection may
// enter StateActive (spec §4.6).
type Hello struct {
	ClientHash hash2k.Digest
	TCPPort    uint16
	ClientName string
	Version    uint32
	Extensions uint32
}

// Conn is one peer connection's protocol state machine.
type Conn struct {
	netConn net.Conn
	addr    string

	State State

	Download DirState
	Upload   DirState

	Local  Hello
	Remote Hello
	helloObserved bool

	Bitfield picker.Bitfield

	requestQueueSize int
	outstanding      int

	lastActivity time.Time
	banScore     int
}

// New wraps an already-dialed or already-accepted net.Conn in a fresh
// Conn, starting in StateConnecting.
func New(nc net.Conn, addr string, requestQueueSize int, local Hello) *Conn {
	if requestQueueSize <= 0 {
		requestQueueSize = 4
	}
	return &Conn{
		netConn:          nc,
		addr:             addr,
		State:            StateConnecting,
		Local:            local,
		requestQueueSize: requestQueueSize,
		lastActivity:     time.Now(),
	}
}

// Addr returns the remote endpoint string this Conn was constructed with.
func (c *Conn) Addr() string { return c.addr }

// SendHello writes this side's hello frame and transitions to
// StateHelloSent. The payload carries the client hash, TCP port,
// client-name tag, version, and extension flags per spec §4.6.
func (c *Conn) SendHello() error {
	payload, err := encodeHello(c.Local)
	if err != nil {
		return err
	}
	if err := wire.WriteFrame(c.netConn, &wire.Frame{
		Proto:   wire.ProtoEDonkey,
		Opcode:  wire.OpHello,
		Payload: payload,
	}); err != nil {
		return err
	}
	if c.State == StateConnecting {
		c.State = StateHelloSent
	}
	c.touch()
	return nil
}

// ReceiveHello reads and decodes a peer's hello (or hello-answer) frame.
// Both sides must observe the other's hello before the connection may
// enter StateActive (spec §4.6).
func (c *Conn) ReceiveHello() error {
	frame, err := wire.ReadFrame(c.netConn, MaxFrameSize)
	if err != nil {
		return err
	}
	if frame.Opcode != wire.OpHello && frame.Opcode != wire.OpHelloAnswer {
		return ed2kerr.New(ed2kerr.KindProtocol, ed2kerr.CodeDecodePacketError, fmt.Sprintf("expected hello, got opcode 0x%02x", frame.Opcode))
	}
	hello, err := decodeHello(frame.Payload)
	if err != nil {
		return err
	}
	c.Remote = hello
	c.helloObserved = true
	c.State = StateIdentified
	c.touch()
	return nil
}

// Activate transitions to StateActive once the peer's hello has been
// observed; it does not check whether a file request has been sent.
func (c *Conn) Activate() error {
	if !c.helloObserved {
		return ed2kerr.New(ed2kerr.KindProtocol, ed2kerr.CodeInvalidHandle, "cannot activate before observing peer hello")
	}
	c.State = StateActive
	return nil
}

// RequestFile sends a file-request frame naming fileHash (spec §4.6: "the
// connection issues a file request naming a FileHash").
func (c *Conn) RequestFile(fileHash hash2k.FileHash) error {
	if err := wire.WriteFrame(c.netConn, &wire.Frame{
		Proto:   wire.ProtoEDonkey,
		Opcode:  wire.OpFileRequest,
		Payload: fileHash[:],
	}); err != nil {
		return err
	}
	c.touch()
	return nil
}

// CanRequestMore reports whether the connection's outstanding request
// count is below request_queue_size (spec §4.6 request pipeline).
func (c *Conn) CanRequestMore() bool {
	return c.outstanding < c.requestQueueSize
}

// Outstanding returns the current outstanding block-request count.
func (c *Conn) Outstanding() int { return c.outstanding }

// requestParts32Max is the largest end offset the 32-bit request-parts
// variant can address; blocks ending beyond it must use the 64-bit variant.
const requestParts32Max = int64(^uint32(0))

// RequestBlock sends a request-parts frame for block and records it as
// outstanding, transitioning Download to requesting. Files whose block
// end offset exceeds the 32-bit variant's range use the 64-bit opcode
// (spec §6).
func (c *Conn) RequestBlock(fileHash hash2k.FileHash, b picker.Block, blockSize int64) error {
	if !c.CanRequestMore() {
		return ed2kerr.New(ed2kerr.KindProtocol, ed2kerr.CodeInvalidArgument, "request queue full")
	}
	start := int64(b.Offset) * blockSize
	end := start + blockSize

	opcode := wire.OpRequestParts32
	payload := encodeRequestParts(fileHash, start, end)
	if end > requestParts32Max {
		opcode = wire.OpRequestParts64
		payload = encodeRequestParts64(fileHash, start, end)
	}

	if err := wire.WriteFrame(c.netConn, &wire.Frame{
		Proto:   wire.ProtoEDonkey,
		Opcode:  opcode,
		Payload: payload,
	}); err != nil {
		return err
	}
	c.outstanding++
	c.Download = DirRequesting
	c.touch()
	return nil
}

// ReceivedPart records that one requested block's bytes arrived,
// decrementing the outstanding counter and moving Download to
// receiving_part. Download stays there until the next RequestBlock moves
// it to requesting; nothing resets it to idle.
func (c *Conn) ReceivedPart() {
	if c.outstanding > 0 {
		c.outstanding--
	}
	c.Download = DirReceivingPart
}

// DecodeSendingPart parses an incoming sending-part frame (bytes a peer
// is delivering for a block we requested).
func (c *Conn) DecodeSendingPart(f *wire.Frame) (fileHash hash2k.FileHash, start, end int64, data []byte, err error) {
	if f.Opcode != wire.OpSendingPart {
		return fileHash, 0, 0, nil, ed2kerr.New(ed2kerr.KindProtocol, ed2kerr.CodeDecodePacketError, "expected sending-part frame")
	}
	return decodeSendingPart(f.Payload)
}

// DecodeRequestParts parses an incoming request-parts frame (a peer
// asking us, the upload side, for bytes), accepting either the 32-bit or
// 64-bit offset variant (spec §6).
func (c *Conn) DecodeRequestParts(f *wire.Frame) (fileHash hash2k.FileHash, start, end int64, err error) {
	switch f.Opcode {
	case wire.OpRequestParts32:
		return decodeRequestParts(f.Payload)
	case wire.OpRequestParts64:
		return decodeRequestParts64(f.Payload)
	default:
		return fileHash, 0, 0, ed2kerr.New(ed2kerr.KindProtocol, ed2kerr.CodeDecodePacketError, "expected request-parts frame")
	}
}

// BeginSending marks the upload direction busy shipping a requested part.
func (c *Conn) BeginSending() { c.Upload = DirSendingPart }

// SetIdle resets dir to idle once its current operation completes.
func (c *Conn) SetIdle(dir *DirState) { *dir = DirIdle }

// SendPart writes a sending-part frame carrying data for [start, start+len(data)).
func (c *Conn) SendPart(fileHash hash2k.FileHash, start int64, data []byte) error {
	payload := encodeSendingPart(fileHash, start, start+int64(len(data)), data)
	if err := wire.WriteFrame(c.netConn, &wire.Frame{
		Proto:   wire.ProtoEDonkey,
		Opcode:  wire.OpSendingPart,
		Payload: payload,
	}); err != nil {
		return err
	}
	c.touch()
	return nil
}

// SendHave announces a newly verified piece to the peer.
func (c *Conn) SendHave(fileHash hash2k.FileHash, pieceIndex uint32) error {
	payload := append(append([]byte{}, fileHash[:]...), encodeUint32LE(pieceIndex)...)
	if err := wire.WriteFrame(c.netConn, &wire.Frame{
		Proto:   wire.ProtoEDonkey,
		Opcode:  wire.OpFileStatus,
		Payload: payload,
	}); err != nil {
		return err
	}
	c.touch()
	return nil
}

// ReadFrame reads the next frame from the peer, enforcing the per-peer
// frame size ceiling (spec §4.6 invalid-packet-size).
func (c *Conn) ReadFrame() (*wire.Frame, error) {
	f, err := wire.ReadFrame(c.netConn, MaxFrameSize)
	if err != nil {
		return nil, err
	}
	c.touch()
	return f, nil
}

// IncrementBanScore penalises a peer for a protocol violation (e.g. a
// piece hash mismatch, spec §4.6).
func (c *Conn) IncrementBanScore(n int) { c.banScore += n }

// BanScore returns the connection's accumulated ban score.
func (c *Conn) BanScore() int { return c.banScore }

func (c *Conn) touch() { c.lastActivity = time.Now() }

// CheckTimeout reports whether the connection has been idle for longer
// than PeerTimeout as of now (spec §4.6 "timed-out" closes the socket).
// It only reports; it does not close the connection, and neither
// Transfer.Tick nor the session calls it.
func (c *Conn) CheckTimeout(now time.Time) bool {
	return now.Sub(c.lastActivity) > PeerTimeout
}

// Close closes the underlying socket and transitions to StateClosing.
func (c *Conn) Close() error {
	c.State = StateClosing
	return c.netConn.Close()
}
