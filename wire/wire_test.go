package wire

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	f := &Frame{Proto: ProtoEDonkey, Opcode: OpHello, Payload: []byte{1, 2, 3, 4}}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, f); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, err := ReadFrame(&buf, 0)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Proto != f.Proto || got.Opcode != f.Opcode || !bytes.Equal(got.Payload, f.Payload) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, f)
	}
}

func TestReadFrameRejectsOversize(t *testing.T) {
	f := &Frame{Proto: ProtoEDonkey, Opcode: OpMessage, Payload: make([]byte, 100)}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, f); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	_, err := ReadFrame(&buf, 50)
	if err == nil {
		t.Fatalf("expected invalid-packet-size error for oversize frame")
	}
}

func TestReadFrameRejectsUnknownProto(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0x99, 2, 0, 0, 0, OpHello, 0x00})
	_, err := ReadFrame(buf, 0)
	if err == nil {
		t.Fatalf("expected unsupported-protocol error for unknown proto id")
	}
}

func TestTagRoundTrip(t *testing.T) {
	cases := []Tag{
		{NameID: 1, Type: TagHash16, Value: [16]byte{1, 2, 3}},
		{NameID: 2, Type: TagString, Value: "hello world"},
		{NameID: 3, Type: TagUint32, Value: uint32(123456)},
		{NameID: 4, Type: TagFloat32, Value: float32(3.5)},
		{NameID: 5, Type: TagBool, Value: true},
		{NameID: 6, Type: TagBool, Value: false},
		{NameID: 7, Type: TagBoolArray, Value: []bool{true, false, true, true, false, false, false, false, true}},
		{NameID: 8, Type: TagBlob, Value: []byte{0xDE, 0xAD, 0xBE, 0xEF}},
		{NameID: 9, Type: TagUint16, Value: uint16(5000)},
		{NameID: 10, Type: TagUint8, Value: uint8(200)},
		{NameID: 11, Type: TagBsob, Value: []byte{1, 2, 3, 4, 5}},
		{NameID: 12, Type: TagUint64, Value: uint64(1) << 40},
	}

	for _, want := range cases {
		var buf bytes.Buffer
		if err := EncodeTag(&buf, want); err != nil {
			t.Fatalf("EncodeTag(%+v): %v", want, err)
		}
		got, err := DecodeTag(&buf)
		if err != nil {
			t.Fatalf("DecodeTag after encoding %+v: %v", want, err)
		}
		assertTagEqual(t, want, got)
	}
}

func assertTagEqual(t *testing.T, want, got Tag) {
	t.Helper()
	if want.NameID != got.NameID || want.Type != got.Type {
		t.Fatalf("tag header mismatch: got %+v, want %+v", got, want)
	}
	switch wv := want.Value.(type) {
	case []byte:
		gv, ok := got.Value.([]byte)
		if !ok || !bytes.Equal(wv, gv) {
			t.Fatalf("tag value mismatch: got %v, want %v", got.Value, want.Value)
		}
	case []bool:
		gv, ok := got.Value.([]bool)
		if !ok || len(gv) != len(wv) {
			t.Fatalf("tag value mismatch: got %v, want %v", got.Value, want.Value)
		}
		for i := range wv {
			if wv[i] != gv[i] {
				t.Fatalf("tag bool array mismatch at %d: got %v, want %v", i, gv, wv)
			}
		}
	default:
		if want.Value != got.Value {
			t.Fatalf("tag value mismatch: got %v (%T), want %v (%T)", got.Value, got.Value, want.Value, want.Value)
		}
	}
}

func TestShortStringTagRoundTrip(t *testing.T) {
	for length := 1; length <= 22; length++ {
		typ, ok := ShortStringTag(length)
		if !ok {
			t.Fatalf("ShortStringTag(%d) not ok", length)
		}
		s := bytes.Repeat([]byte("a"), length)
		want := Tag{NameID: 0x01, Type: typ, Value: string(s)}

		var buf bytes.Buffer
		if err := EncodeTag(&buf, want); err != nil {
			t.Fatalf("EncodeTag short string len %d: %v", length, err)
		}
		got, err := DecodeTag(&buf)
		if err != nil {
			t.Fatalf("DecodeTag short string len %d: %v", length, err)
		}
		assertTagEqual(t, want, got)
	}
}

func TestShortStringTagRejectsOutOfRange(t *testing.T) {
	if _, ok := ShortStringTag(0); ok {
		t.Fatalf("expected ShortStringTag(0) to be rejected")
	}
	if _, ok := ShortStringTag(23); ok {
		t.Fatalf("expected ShortStringTag(23) to be rejected")
	}
}

func TestBlobTooLongRejected(t *testing.T) {
	tag := Tag{NameID: 1, Type: TagBlob, Value: make([]byte, maxBlobSize+1)}
	var buf bytes.Buffer
	if err := EncodeTag(&buf, tag); err == nil {
		t.Fatalf("expected blob-too-long error encoding oversize blob")
	}
}
