// Package wire implements the ed2k frame, opcode, and tag wire formats
// (spec §6): every multi-byte integer is little-endian, and every message
// is framed as protocol-id(1) | length(4) | opcode(1) | payload(length-1).
//
// Grounded on the teacher's bencode.readerDecoder: the same
// "read-one-byte-at-a-time, track position, surface parse errors as typed
// values" discipline is reused here, retargeted from bencode's
// list/dict/int grammar onto ed2k's fixed binary frame and tag shapes.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/mccartykim/wong-bittorrent/ed2kerr"
)

// ProtoID identifies which protocol family a frame belongs to.
type ProtoID byte

// Protocol ids in use on the wire, per spec §6.
const (
	ProtoEDonkey       ProtoID = 0xE3
	ProtoEMuleExtended ProtoID = 0xC5
	ProtoCompressed    ProtoID = 0xD4
)

func (p ProtoID) valid() bool {
	switch p {
	case ProtoEDonkey, ProtoEMuleExtended, ProtoCompressed:
		return true
	default:
		return false
	}
}

// MaxServerFrameSize bounds a single server-connection frame; larger
// frames fail with invalid-packet-size (spec §4.6).
const MaxServerFrameSize = 250_000

// Frame is one decoded ed2k protocol message.
type Frame struct {
	Proto   ProtoID
	Opcode  byte
	Payload []byte
}

// ReadFrame reads and decodes one frame from r, rejecting frames whose
// declared payload length exceeds maxSize.
func ReadFrame(r io.Reader, maxSize int) (*Frame, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, ed2kerr.Wrap(ed2kerr.KindSerialization, ed2kerr.CodeUnexpectedEOF, "frame header", err)
		}
		return nil, err
	}

	proto := ProtoID(hdr[0])
	if !proto.valid() {
		return nil, ed2kerr.New(ed2kerr.KindProtocol, ed2kerr.CodeUnsupportedProtocol, "unknown proto id")
	}

	length := binary.LittleEndian.Uint32(hdr[1:5])
	if length == 0 {
		return nil, ed2kerr.New(ed2kerr.KindSerialization, ed2kerr.CodeDecodePacketError, "zero-length frame has no opcode")
	}
	if maxSize > 0 && int(length) > maxSize {
		return nil, ed2kerr.New(ed2kerr.KindProtocol, ed2kerr.CodeInvalidPacketSize, "frame exceeds max size")
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, ed2kerr.Wrap(ed2kerr.KindSerialization, ed2kerr.CodeUnexpectedEOF, "frame payload", err)
	}

	return &Frame{
		Proto:   proto,
		Opcode:  body[0],
		Payload: body[1:],
	}, nil
}

// WriteFrame encodes and writes f to w.
func WriteFrame(w io.Writer, f *Frame) error {
	length := uint32(1 + len(f.Payload))
	var hdr [5]byte
	hdr[0] = byte(f.Proto)
	binary.LittleEndian.PutUint32(hdr[1:5], length)

	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write([]byte{f.Opcode}); err != nil {
		return err
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return err
		}
	}
	return nil
}
