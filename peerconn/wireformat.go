package peerconn

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/mccartykim/wong-bittorrent/ed2kerr"
	"github.com/mccartykim/wong-bittorrent/hash2k"
	"github.com/mccartykim/wong-bittorrent/wire"
)

// Tag name ids used in hello payloads. Chosen arbitrarily since spec §6
// only fixes the tag type codes, not the name-id-to-meaning mapping.
const (
	tagNamePort       byte = 0x01
	tagNameClientName byte = 0x02
	tagNameVersion    byte = 0x03
	tagNameExtensions byte = 0x04
)

func encodeHello(h Hello) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.Write(h.ClientHash[:]); err != nil {
		return nil, err
	}

	tags := []wire.Tag{
		{NameID: tagNamePort, Type: wire.TagUint16, Value: h.TCPPort},
		{NameID: tagNameVersion, Type: wire.TagUint32, Value: h.Version},
		{NameID: tagNameExtensions, Type: wire.TagUint32, Value: h.Extensions},
	}
	if st, ok := wire.ShortStringTag(len(h.ClientName)); ok {
		tags = append(tags, wire.Tag{NameID: tagNameClientName, Type: st, Value: h.ClientName})
	} else if h.ClientName != "" {
		tags = append(tags, wire.Tag{NameID: tagNameClientName, Type: wire.TagString, Value: h.ClientName})
	}

	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(tags)))
	if _, err := buf.Write(countBuf[:]); err != nil {
		return nil, err
	}
	for _, t := range tags {
		if err := wire.EncodeTag(&buf, t); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func decodeHello(payload []byte) (Hello, error) {
	r := bytes.NewReader(payload)
	var h Hello

	if _, err := io.ReadFull(r, h.ClientHash[:]); err != nil {
		return Hello{}, ed2kerr.Wrap(ed2kerr.KindSerialization, ed2kerr.CodeUnexpectedEOF, "hello client hash", err)
	}

	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return Hello{}, ed2kerr.Wrap(ed2kerr.KindSerialization, ed2kerr.CodeUnexpectedEOF, "hello tag count", err)
	}
	count := binary.LittleEndian.Uint32(countBuf[:])

	for i := uint32(0); i < count; i++ {
		tag, err := wire.DecodeTag(r)
		if err != nil {
			return Hello{}, err
		}
		switch tag.NameID {
		case tagNamePort:
			if v, ok := tag.Value.(uint16); ok {
				h.TCPPort = v
			}
		case tagNameVersion:
			if v, ok := tag.Value.(uint32); ok {
				h.Version = v
			}
		case tagNameExtensions:
			if v, ok := tag.Value.(uint32); ok {
				h.Extensions = v
			}
		case tagNameClientName:
			if v, ok := tag.Value.(string); ok {
				h.ClientName = v
			}
		}
	}
	return h, nil
}

// encodeRequestParts builds a 32-bit-offset request-parts payload:
// file_hash(16) | start(4) | end(4).
func encodeRequestParts(fileHash hash2k.FileHash, start, end int64) []byte {
	buf := make([]byte, 16+4+4)
	copy(buf, fileHash[:])
	binary.LittleEndian.PutUint32(buf[16:], uint32(start))
	binary.LittleEndian.PutUint32(buf[20:], uint32(end))
	return buf
}

// decodeRequestParts parses a 32-bit-offset request-parts payload.
func decodeRequestParts(payload []byte) (fileHash hash2k.FileHash, start, end int64, err error) {
	if len(payload) != 16+4+4 {
		return fileHash, 0, 0, ed2kerr.New(ed2kerr.KindProtocol, ed2kerr.CodeDecodePacketError, "request-parts payload size mismatch")
	}
	copy(fileHash[:], payload[:16])
	start = int64(binary.LittleEndian.Uint32(payload[16:20]))
	end = int64(binary.LittleEndian.Uint32(payload[20:24]))
	return fileHash, start, end, nil
}

// encodeRequestParts64 builds a 64-bit-offset request-parts payload:
// file_hash(16) | start(8) | end(8), for files whose offsets exceed the
// 32-bit variant's range (spec §6 lists both as opcodes the core must
// handle).
func encodeRequestParts64(fileHash hash2k.FileHash, start, end int64) []byte {
	buf := make([]byte, 16+8+8)
	copy(buf, fileHash[:])
	binary.LittleEndian.PutUint64(buf[16:], uint64(start))
	binary.LittleEndian.PutUint64(buf[24:], uint64(end))
	return buf
}

// decodeRequestParts64 parses a 64-bit-offset request-parts payload.
func decodeRequestParts64(payload []byte) (fileHash hash2k.FileHash, start, end int64, err error) {
	if len(payload) != 16+8+8 {
		return fileHash, 0, 0, ed2kerr.New(ed2kerr.KindProtocol, ed2kerr.CodeDecodePacketError, "request-parts64 payload size mismatch")
	}
	copy(fileHash[:], payload[:16])
	start = int64(binary.LittleEndian.Uint64(payload[16:24]))
	end = int64(binary.LittleEndian.Uint64(payload[24:32]))
	return fileHash, start, end, nil
}

// encodeSendingPart builds a sending-part payload: file_hash(16) |
// start(4) | end(4) | data.
func encodeSendingPart(fileHash hash2k.FileHash, start, end int64, data []byte) []byte {
	buf := make([]byte, 16+4+4+len(data))
	copy(buf, fileHash[:])
	binary.LittleEndian.PutUint32(buf[16:], uint32(start))
	binary.LittleEndian.PutUint32(buf[20:], uint32(end))
	copy(buf[24:], data)
	return buf
}

// decodeSendingPart parses a sending-part payload.
func decodeSendingPart(payload []byte) (fileHash hash2k.FileHash, start, end int64, data []byte, err error) {
	if len(payload) < 16+4+4 {
		return fileHash, 0, 0, nil, ed2kerr.New(ed2kerr.KindProtocol, ed2kerr.CodeDecodePacketError, "sending-part payload too short")
	}
	copy(fileHash[:], payload[:16])
	start = int64(binary.LittleEndian.Uint32(payload[16:20]))
	end = int64(binary.LittleEndian.Uint32(payload[20:24]))
	data = payload[24:]
	return fileHash, start, end, data, nil
}

func encodeUint32LE(v uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return buf
}
