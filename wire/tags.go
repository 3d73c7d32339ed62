package wire

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/mccartykim/wong-bittorrent/ed2kerr"
)

// TagType is the 1-byte type code prefixing every tag value (spec §6).
type TagType byte

const (
	TagHash16    TagType = 0x01
	TagString    TagType = 0x02
	TagUint32    TagType = 0x03
	TagFloat32   TagType = 0x04
	TagBool      TagType = 0x05
	TagBoolArray TagType = 0x06
	TagBlob      TagType = 0x07
	TagUint16    TagType = 0x08
	TagUint8     TagType = 0x09
	TagBsob      TagType = 0x0A
	TagUint64    TagType = 0x0B
)

// Short-string optimisation: TagStr1..TagStr22 inline a 1..22 byte string
// without a separate length prefix, the length implied by the type code.
const (
	tagStr1Base = 0x11 // TagStr1 == tagStr1Base, TagStr22 == tagStr1Base+21
	shortStrMin = 1
	shortStrMax = 22
)

// IsShortString reports whether t is one of the STR1..STR22 codes, and if
// so returns the implied string length.
func IsShortString(t TagType) (length int, ok bool) {
	if int(t) < tagStr1Base || int(t) > tagStr1Base+shortStrMax-1 {
		return 0, false
	}
	return int(t) - tagStr1Base + 1, true
}

// ShortStringTag returns the TagType encoding a short string of the given
// length, which must be in [1, 22].
func ShortStringTag(length int) (TagType, bool) {
	if length < shortStrMin || length > shortStrMax {
		return 0, false
	}
	return TagType(tagStr1Base + length - 1), true
}

// maxBlobSize bounds a TagBlob payload; larger values fail with
// blob-too-long (spec §7).
const maxBlobSize = 16 * 1024 * 1024

// Tag is one metadata field: a 1-byte name id (or an inline string name,
// per the eMule extension — this engine uses the compact numeric form),
// a type code, and the decoded value.
type Tag struct {
	NameID byte
	Type   TagType
	Value  any
}

// EncodeTag writes t to w in wire form: nameID(1) | type(1) | value.
// Short-string types fold their implied length into the type byte and
// encode no separate length prefix.
func EncodeTag(w io.Writer, t Tag) error {
	if _, err := w.Write([]byte{t.NameID, byte(t.Type)}); err != nil {
		return err
	}
	return encodeTagValue(w, t.Type, t.Value)
}

func encodeTagValue(w io.Writer, typ TagType, value any) error {
	if length, ok := IsShortString(typ); ok {
		s, ok := value.(string)
		if !ok || len(s) != length {
			return ed2kerr.New(ed2kerr.KindSerialization, ed2kerr.CodeInvalidTagType, "short string length mismatch")
		}
		_, err := io.WriteString(w, s)
		return err
	}

	switch typ {
	case TagHash16:
		b, ok := value.([16]byte)
		if !ok {
			return ed2kerr.New(ed2kerr.KindSerialization, ed2kerr.CodeInvalidTagType, "expected [16]byte for TagHash16")
		}
		_, err := w.Write(b[:])
		return err

	case TagString:
		s, ok := value.(string)
		if !ok {
			return ed2kerr.New(ed2kerr.KindSerialization, ed2kerr.CodeInvalidTagType, "expected string for TagString")
		}
		var lenBuf [2]byte
		binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(s)))
		if _, err := w.Write(lenBuf[:]); err != nil {
			return err
		}
		_, err := io.WriteString(w, s)
		return err

	case TagUint32:
		v, ok := value.(uint32)
		if !ok {
			return ed2kerr.New(ed2kerr.KindSerialization, ed2kerr.CodeInvalidTagType, "expected uint32")
		}
		return binary.Write(w, binary.LittleEndian, v)

	case TagFloat32:
		v, ok := value.(float32)
		if !ok {
			return ed2kerr.New(ed2kerr.KindSerialization, ed2kerr.CodeInvalidTagType, "expected float32")
		}
		return binary.Write(w, binary.LittleEndian, math.Float32bits(v))

	case TagBool:
		v, ok := value.(bool)
		if !ok {
			return ed2kerr.New(ed2kerr.KindSerialization, ed2kerr.CodeInvalidTagType, "expected bool")
		}
		b := byte(0)
		if v {
			b = 1
		}
		_, err := w.Write([]byte{b})
		return err

	case TagBoolArray:
		v, ok := value.([]bool)
		if !ok {
			return ed2kerr.New(ed2kerr.KindSerialization, ed2kerr.CodeInvalidTagType, "expected []bool")
		}
		var countBuf [2]byte
		binary.LittleEndian.PutUint16(countBuf[:], uint16(len(v)))
		if _, err := w.Write(countBuf[:]); err != nil {
			return err
		}
		packed := make([]byte, (len(v)+7)/8)
		for i, bit := range v {
			if bit {
				packed[i/8] |= 1 << uint(i%8)
			}
		}
		_, err := w.Write(packed)
		return err

	case TagBlob:
		b, ok := value.([]byte)
		if !ok {
			return ed2kerr.New(ed2kerr.KindSerialization, ed2kerr.CodeInvalidTagType, "expected []byte for TagBlob")
		}
		if len(b) > maxBlobSize {
			return ed2kerr.New(ed2kerr.KindSerialization, ed2kerr.CodeBlobTooLong, "blob exceeds max size")
		}
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
		if _, err := w.Write(lenBuf[:]); err != nil {
			return err
		}
		_, err := w.Write(b)
		return err

	case TagUint16:
		v, ok := value.(uint16)
		if !ok {
			return ed2kerr.New(ed2kerr.KindSerialization, ed2kerr.CodeInvalidTagType, "expected uint16")
		}
		return binary.Write(w, binary.LittleEndian, v)

	case TagUint8:
		v, ok := value.(uint8)
		if !ok {
			return ed2kerr.New(ed2kerr.KindSerialization, ed2kerr.CodeInvalidTagType, "expected uint8")
		}
		_, err := w.Write([]byte{v})
		return err

	case TagBsob:
		b, ok := value.([]byte)
		if !ok {
			return ed2kerr.New(ed2kerr.KindSerialization, ed2kerr.CodeInvalidTagType, "expected []byte for TagBsob")
		}
		if len(b) > 255 {
			return ed2kerr.New(ed2kerr.KindSerialization, ed2kerr.CodeBlobTooLong, "bsob exceeds 255 bytes")
		}
		if _, err := w.Write([]byte{byte(len(b))}); err != nil {
			return err
		}
		_, err := w.Write(b)
		return err

	case TagUint64:
		v, ok := value.(uint64)
		if !ok {
			return ed2kerr.New(ed2kerr.KindSerialization, ed2kerr.CodeInvalidTagType, "expected uint64")
		}
		return binary.Write(w, binary.LittleEndian, v)

	default:
		return ed2kerr.New(ed2kerr.KindSerialization, ed2kerr.CodeInvalidTagType, "unknown tag type")
	}
}

// DecodeTag reads one tag from r.
func DecodeTag(r io.Reader) (Tag, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Tag{}, ed2kerr.Wrap(ed2kerr.KindSerialization, ed2kerr.CodeUnexpectedEOF, "tag header", err)
	}
	typ := TagType(hdr[1])

	value, err := decodeTagValue(r, typ)
	if err != nil {
		return Tag{}, err
	}
	return Tag{NameID: hdr[0], Type: typ, Value: value}, nil
}

func decodeTagValue(r io.Reader, typ TagType) (any, error) {
	if length, ok := IsShortString(typ); ok {
		buf := make([]byte, length)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, ed2kerr.Wrap(ed2kerr.KindSerialization, ed2kerr.CodeUnexpectedEOF, "short string value", err)
		}
		return string(buf), nil
	}

	switch typ {
	case TagHash16:
		var b [16]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, ed2kerr.Wrap(ed2kerr.KindSerialization, ed2kerr.CodeUnexpectedEOF, "hash16 value", err)
		}
		return b, nil

	case TagString:
		var lenBuf [2]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, ed2kerr.Wrap(ed2kerr.KindSerialization, ed2kerr.CodeUnexpectedEOF, "string length", err)
		}
		length := binary.LittleEndian.Uint16(lenBuf[:])
		buf := make([]byte, length)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, ed2kerr.Wrap(ed2kerr.KindSerialization, ed2kerr.CodeUnexpectedEOF, "string value", err)
		}
		return string(buf), nil

	case TagUint32:
		var v uint32
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return nil, ed2kerr.Wrap(ed2kerr.KindSerialization, ed2kerr.CodeUnexpectedEOF, "uint32 value", err)
		}
		return v, nil

	case TagFloat32:
		var bits uint32
		if err := binary.Read(r, binary.LittleEndian, &bits); err != nil {
			return nil, ed2kerr.Wrap(ed2kerr.KindSerialization, ed2kerr.CodeUnexpectedEOF, "float32 value", err)
		}
		return math.Float32frombits(bits), nil

	case TagBool:
		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, ed2kerr.Wrap(ed2kerr.KindSerialization, ed2kerr.CodeUnexpectedEOF, "bool value", err)
		}
		return b[0] != 0, nil

	case TagBoolArray:
		var countBuf [2]byte
		if _, err := io.ReadFull(r, countBuf[:]); err != nil {
			return nil, ed2kerr.Wrap(ed2kerr.KindSerialization, ed2kerr.CodeUnexpectedEOF, "bool array count", err)
		}
		count := int(binary.LittleEndian.Uint16(countBuf[:]))
		packed := make([]byte, (count+7)/8)
		if _, err := io.ReadFull(r, packed); err != nil {
			return nil, ed2kerr.Wrap(ed2kerr.KindSerialization, ed2kerr.CodeUnexpectedEOF, "bool array bits", err)
		}
		out := make([]bool, count)
		for i := range out {
			out[i] = packed[i/8]&(1<<uint(i%8)) != 0
		}
		return out, nil

	case TagBlob:
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, ed2kerr.Wrap(ed2kerr.KindSerialization, ed2kerr.CodeUnexpectedEOF, "blob length", err)
		}
		length := binary.LittleEndian.Uint32(lenBuf[:])
		if length > maxBlobSize {
			return nil, ed2kerr.New(ed2kerr.KindSerialization, ed2kerr.CodeBlobTooLong, "blob exceeds max size")
		}
		buf := make([]byte, length)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, ed2kerr.Wrap(ed2kerr.KindSerialization, ed2kerr.CodeUnexpectedEOF, "blob value", err)
		}
		return buf, nil

	case TagUint16:
		var v uint16
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return nil, ed2kerr.Wrap(ed2kerr.KindSerialization, ed2kerr.CodeUnexpectedEOF, "uint16 value", err)
		}
		return v, nil

	case TagUint8:
		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, ed2kerr.Wrap(ed2kerr.KindSerialization, ed2kerr.CodeUnexpectedEOF, "uint8 value", err)
		}
		return b[0], nil

	case TagBsob:
		var lenB [1]byte
		if _, err := io.ReadFull(r, lenB[:]); err != nil {
			return nil, ed2kerr.Wrap(ed2kerr.KindSerialization, ed2kerr.CodeUnexpectedEOF, "bsob length", err)
		}
		buf := make([]byte, lenB[0])
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, ed2kerr.Wrap(ed2kerr.KindSerialization, ed2kerr.CodeUnexpectedEOF, "bsob value", err)
		}
		return buf, nil

	case TagUint64:
		var v uint64
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return nil, ed2kerr.Wrap(ed2kerr.KindSerialization, ed2kerr.CodeUnexpectedEOF, "uint64 value", err)
		}
		return v, nil

	default:
		return nil, ed2kerr.New(ed2kerr.KindSerialization, ed2kerr.CodeInvalidTagType, "unknown tag type")
	}
}
