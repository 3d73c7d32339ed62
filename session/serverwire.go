package session

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"

	"github.com/mccartykim/wong-bittorrent/ed2kerr"
	"github.com/mccartykim/wong-bittorrent/hash2k"
	"github.com/mccartykim/wong-bittorrent/wire"
)

// Tag name ids used in server-connection payloads. Arbitrary, as spec §6
// fixes only the tag type codes, mirroring peerconn's own "chosen
// arbitrarily" hello tag ids.
const (
	tagNameNick     byte = 0x01
	tagNameFileName byte = 0x02
	tagNameFileSize byte = 0x03
	tagNameKeywords byte = 0x04
)

// encodeLogin builds a login payload: client_hash(16) | ip(4) | port(2) |
// tag_count(4) | tags. The server fills in our public ip when it can't be
// determined locally, so ip is sent zeroed.
func encodeLogin(clientHash hash2k.Digest, listenPort uint16, nick string) []byte {
	var buf bytes.Buffer
	buf.Write(clientHash[:])
	buf.Write([]byte{0, 0, 0, 0})
	writeUint16(&buf, listenPort)

	tags := []wire.Tag{}
	if st, ok := wire.ShortStringTag(len(nick)); ok {
		tags = append(tags, wire.Tag{NameID: tagNameNick, Type: st, Value: nick})
	} else if nick != "" {
		tags = append(tags, wire.Tag{NameID: tagNameNick, Type: wire.TagString, Value: nick})
	}
	writeUint32(&buf, uint32(len(tags)))
	for _, t := range tags {
		wire.EncodeTag(&buf, t)
	}
	return buf.Bytes()
}

// decodeIDChange parses an id-change payload: client_id(4).
func decodeIDChange(payload []byte) (uint32, error) {
	if len(payload) < 4 {
		return 0, ed2kerr.New(ed2kerr.KindSerialization, ed2kerr.CodeUnexpectedEOF, "id-change payload too short")
	}
	return binary.LittleEndian.Uint32(payload[:4]), nil
}

// decodeServerStatus parses a server-status payload: users(4) | files(4).
func decodeServerStatus(payload []byte) (users, files int, err error) {
	if len(payload) < 8 {
		return 0, 0, ed2kerr.New(ed2kerr.KindSerialization, ed2kerr.CodeUnexpectedEOF, "server-status payload too short")
	}
	users = int(binary.LittleEndian.Uint32(payload[:4]))
	files = int(binary.LittleEndian.Uint32(payload[4:8]))
	return users, files, nil
}

// decodeServerMessage parses a server-message payload: length(2) | text.
func decodeServerMessage(payload []byte) (string, error) {
	if len(payload) < 2 {
		return "", ed2kerr.New(ed2kerr.KindSerialization, ed2kerr.CodeUnexpectedEOF, "server-message length")
	}
	n := binary.LittleEndian.Uint16(payload[:2])
	if len(payload) < 2+int(n) {
		return "", ed2kerr.New(ed2kerr.KindSerialization, ed2kerr.CodeUnexpectedEOF, "server-message text")
	}
	return string(payload[2 : 2+int(n)]), nil
}

// sharedFile describes one local file announced via offer-files.
type sharedFile struct {
	FileHash hash2k.FileHash
	Name     string
	Size     int64
}

// encodeOfferFiles builds an offer-files payload: count(4) | per-file
// (file_hash(16) | tag_count(4) | tags[name, size]).
func encodeOfferFiles(files []sharedFile) []byte {
	var buf bytes.Buffer
	writeUint32(&buf, uint32(len(files)))
	for _, f := range files {
		buf.Write(f.FileHash[:])
		tags := []wire.Tag{
			{NameID: tagNameFileSize, Type: wire.TagUint32, Value: uint32(f.Size)},
		}
		if st, ok := wire.ShortStringTag(len(f.Name)); ok {
			tags = append(tags, wire.Tag{NameID: tagNameFileName, Type: st, Value: f.Name})
		} else {
			tags = append(tags, wire.Tag{NameID: tagNameFileName, Type: wire.TagString, Value: f.Name})
		}
		writeUint32(&buf, uint32(len(tags)))
		for _, t := range tags {
			wire.EncodeTag(&buf, t)
		}
	}
	return buf.Bytes()
}

// encodeSearchRequest builds a search-request payload: tag_count(4) |
// tags[keywords].
func encodeSearchRequest(keywords string) []byte {
	var buf bytes.Buffer
	tags := []wire.Tag{{NameID: tagNameKeywords, Type: wire.TagString, Value: keywords}}
	writeUint32(&buf, uint32(len(tags)))
	for _, t := range tags {
		wire.EncodeTag(&buf, t)
	}
	return buf.Bytes()
}

// decodeSearchResult parses a search-result payload: count(4) | per-hit
// (file_hash(16) | tag_count(4) | tags[name, size]).
func decodeSearchResult(payload []byte) ([]SearchHit, error) {
	r := bytes.NewReader(payload)
	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, ed2kerr.Wrap(ed2kerr.KindSerialization, ed2kerr.CodeUnexpectedEOF, "search-result count", err)
	}
	count := binary.LittleEndian.Uint32(countBuf[:])

	hits := make([]SearchHit, 0, count)
	for i := uint32(0); i < count; i++ {
		var hit SearchHit
		if _, err := io.ReadFull(r, hit.FileHash[:]); err != nil {
			return nil, ed2kerr.Wrap(ed2kerr.KindSerialization, ed2kerr.CodeUnexpectedEOF, "search-result file hash", err)
		}
		var tagCountBuf [4]byte
		if _, err := io.ReadFull(r, tagCountBuf[:]); err != nil {
			return nil, ed2kerr.Wrap(ed2kerr.KindSerialization, ed2kerr.CodeUnexpectedEOF, "search-result tag count", err)
		}
		tagCount := binary.LittleEndian.Uint32(tagCountBuf[:])
		for j := uint32(0); j < tagCount; j++ {
			tag, err := wire.DecodeTag(r)
			if err != nil {
				return nil, err
			}
			switch tag.NameID {
			case tagNameFileName:
				if v, ok := tag.Value.(string); ok {
					hit.Name = v
				}
			case tagNameFileSize:
				if v, ok := tag.Value.(uint32); ok {
					hit.Size = int64(v)
				}
			}
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// encodeGetSources builds a get-sources payload: file_hash(16).
func encodeGetSources(fileHash hash2k.FileHash) []byte {
	return append([]byte{}, fileHash[:]...)
}

// foundSource is one peer entry in a found-sources reply.
type foundSource struct {
	ClientID uint32
	IP       net.IP
	Port     uint16
}

// decodeFoundSources parses a found-sources payload: file_hash(16) |
// count(2) | per-peer(client_id(4) | ip(4) | port(2)).
func decodeFoundSources(payload []byte) (hash2k.FileHash, []foundSource, error) {
	var fileHash hash2k.FileHash
	if len(payload) < 18 {
		return fileHash, nil, ed2kerr.New(ed2kerr.KindSerialization, ed2kerr.CodeUnexpectedEOF, "found-sources header too short")
	}
	copy(fileHash[:], payload[:16])
	count := binary.LittleEndian.Uint16(payload[16:18])

	const entrySize = 10
	off := 18
	if len(payload) < off+int(count)*entrySize {
		return fileHash, nil, ed2kerr.New(ed2kerr.KindSerialization, ed2kerr.CodeUnexpectedEOF, "found-sources peer list truncated")
	}

	sources := make([]foundSource, 0, count)
	for i := uint16(0); i < count; i++ {
		base := off + int(i)*entrySize
		clientID := binary.LittleEndian.Uint32(payload[base : base+4])
		ip := net.IPv4(payload[base+4], payload[base+5], payload[base+6], payload[base+7])
		port := binary.LittleEndian.Uint16(payload[base+8 : base+10])
		sources = append(sources, foundSource{ClientID: clientID, IP: ip, Port: port})
	}
	return fileHash, sources, nil
}

// encodeCallbackRequest builds a callback-request payload: target
// client_id(4).
func encodeCallbackRequest(targetClientID uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, targetClientID)
	return buf
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}
