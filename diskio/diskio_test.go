package diskio

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/mccartykim/wong-bittorrent/hash2k"
)

func TestWriteBlockAndReadBack(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer s.CloseAll()

	fh := hash2k.FileHash{1}
	if err := s.Open(fh, "file.bin", 32*1024); err != nil {
		t.Fatalf("Open: %v", err)
	}

	block0 := bytes.Repeat([]byte{0xAA}, 16*1024)
	block1 := bytes.Repeat([]byte{0xBB}, 16*1024)

	if err := s.WriteBlock(fh, 0, block0); err != nil {
		t.Fatalf("WriteBlock(0): %v", err)
	}
	if err := s.WriteBlock(fh, 16*1024, block1); err != nil {
		t.Fatalf("WriteBlock(1): %v", err)
	}

	got0, err := s.ReadBlock(fh, 0, 16*1024)
	if err != nil {
		t.Fatalf("ReadBlock(0): %v", err)
	}
	if !bytes.Equal(got0, block0) {
		t.Fatal("block 0 read-back mismatch")
	}

	got1, err := s.ReadBlock(fh, 16*1024, 16*1024)
	if err != nil {
		t.Fatalf("ReadBlock(1): %v", err)
	}
	if !bytes.Equal(got1, block1) {
		t.Fatal("block 1 read-back mismatch")
	}
}

func TestWriteBlockRejectsOutOfRange(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer s.CloseAll()

	fh := hash2k.FileHash{2}
	if err := s.Open(fh, "small.bin", 100); err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := s.WriteBlock(fh, 90, bytes.Repeat([]byte{1}, 20)); err == nil {
		t.Fatal("expected an error writing past the declared file length")
	}
}

func TestWriteBlockUnknownHandle(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer s.CloseAll()

	if err := s.WriteBlock(hash2k.FileHash{9}, 0, []byte("x")); err == nil {
		t.Fatal("expected an invalid-handle error for an unopened transfer")
	}
}

func TestCloseWithDeleteFilesRemovesFile(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	fh := hash2k.FileHash{3}
	if err := s.Open(fh, "gone.bin", 10); err != nil {
		t.Fatalf("Open: %v", err)
	}
	path := filepath.Join(dir, "gone.bin")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file to exist before Close: %v", err)
	}

	if err := s.Close(fh, true); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected the backing file to be removed")
	}
}

func TestCloseWithoutDeleteKeepsFile(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	fh := hash2k.FileHash{4}
	if err := s.Open(fh, "kept.bin", 10); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Close(fh, false); err != nil {
		t.Fatalf("Close: %v", err)
	}

	path := filepath.Join(dir, "kept.bin")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected the backing file to survive a non-deleting close: %v", err)
	}
}
