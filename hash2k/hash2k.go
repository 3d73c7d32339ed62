// Package hash2k implements the ed2k hashing primitives: a streaming
// 128-bit digest (MD4 family) and the file-hash composition rule that
// turns a byte stream into a sequence of piece digests plus a root file
// digest.
//
// Grounded on the teacher's metainfo.ParseFromBytes, which computes a
// single SHA1 over a byte buffer to produce an info hash; generalized here
// to a streaming, multi-piece MD4 composition since an ed2k file identifier
// is a hash *of hashes* rather than a single pass over the whole file.
package hash2k

import (
	"hash"
	"io"

	"golang.org/x/crypto/md4"
)

// PieceSize is the fixed ed2k piece size in bytes (9,728,000).
const PieceSize = 9_728_000

// Block sizes the engine parameterises between, per spec §4.1.
const (
	BlockSizeLarge = 180 * 1024  // 184,320 bytes
	BlockSizeSmall = 16 * 1024   // 16,384 bytes
)

// Digest is a 128-bit MD4-family digest: a FileHash when it identifies a
// whole file, a PieceHash when it identifies one piece.
type Digest [16]byte

// FileHash and PieceHash are aliases for Digest, kept distinct in the API
// to document intent at call sites (per spec §3's data model).
type (
	FileHash  = Digest
	PieceHash = Digest
)

// HashSet is the ordered sequence of PieceHash values for a transfer. For
// files shorter than one piece, the HashSet is empty and the FileHash
// equals the single piece's digest directly (spec §3).
type HashSet []PieceHash

// Hasher is a streaming 128-bit digest with update/finalise/reset
// operations, matching the shape the engine's piece-verification and
// whole-file hashing paths both need.
type Hasher struct {
	h hash.Hash
}

// NewHasher returns a reset streaming digest.
func NewHasher() *Hasher {
	return &Hasher{h: md4.New()}
}

// Update feeds bytes into the running digest. Never returns an error: the
// underlying md4.Hash never fails on Write.
func (hsh *Hasher) Update(p []byte) {
	_, _ = hsh.h.Write(p)
}

// Finalise returns the digest of everything written so far without
// resetting the internal state (io.Writer contract: further Update calls
// keep accumulating).
func (hsh *Hasher) Finalise() Digest {
	var d Digest
	sum := hsh.h.Sum(nil)
	copy(d[:], sum)
	return d
}

// Reset clears the hasher back to its initial state so it can be reused
// for the next piece.
func (hsh *Hasher) Reset() {
	hsh.h.Reset()
}

// SumBytes is a convenience one-shot digest of p.
func SumBytes(p []byte) Digest {
	hsh := NewHasher()
	hsh.Update(p)
	return hsh.Finalise()
}

// DivCeil computes ceiling division of a by b. DivCeil(0, n) = 0 for any
// positive n, matching spec §8's boundary laws.
func DivCeil(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// NumPieces returns how many pieces a file of the given length is split
// into, per the fixed PieceSize partition. A zero-length file has zero
// pieces (it hashes directly as a single digest, spec §4.1).
func NumPieces(fileLength int64) int64 {
	return DivCeil(fileLength, PieceSize)
}

// ComposeFileHash streams r (exactly fileLength bytes) and returns the
// ed2k file identifier together with the HashSet of per-piece digests.
//
// Composition rule (spec §4.1):
//   - fileLength < PieceSize: the file identifier equals the single digest
//     over the whole file; HashSet is empty (the HashSet "equals" the
//     FileHash per spec §3, represented here as no separate piece list).
//   - otherwise: compute one digest per PieceSize-byte piece (the last may
//     be shorter), and the file identifier is the digest of the
//     concatenation of all piece digests in order.
//   - a file whose length is an exact multiple of PieceSize still gets a
//     final zero-length piece digest appended (the MD4 of empty input) —
//     the canonical eDonkey "terminal hash" convention, per Open Question
//     (a)'s resolution in SPEC_FULL.md.
func ComposeFileHash(r io.Reader, fileLength int64) (FileHash, HashSet, error) {
	if fileLength < PieceSize {
		hsh := NewHasher()
		if _, err := io.CopyN(hsh, r, fileLength); err != nil && err != io.EOF {
			return FileHash{}, nil, err
		}
		return hsh.Finalise(), nil, nil
	}

	var pieces HashSet
	remaining := fileLength
	for remaining > 0 {
		n := int64(PieceSize)
		if remaining < n {
			n = remaining
		}
		hsh := NewHasher()
		if _, err := io.CopyN(hsh, r, n); err != nil && err != io.EOF {
			return FileHash{}, nil, err
		}
		pieces = append(pieces, hsh.Finalise())
		remaining -= n
	}

	if fileLength%PieceSize == 0 {
		// Terminal hash: append the MD4 of the empty piece.
		pieces = append(pieces, SumBytes(nil))
	}

	return composeFromPieces(pieces), pieces, nil
}

// composeFromPieces is the "digest of the concatenation of piece digests"
// step, factored out so ComposeFileHash and re-verification after a
// partial download (where pieces are already known) share it.
func composeFromPieces(pieces HashSet) FileHash {
	hsh := NewHasher()
	for _, p := range pieces {
		hsh.Update(p[:])
	}
	return hsh.Finalise()
}

// ComposeFromHashSet recomputes the file identifier from an already-known
// HashSet, used when resume data supplies the piece hashes directly.
func ComposeFromHashSet(pieces HashSet) FileHash {
	return composeFromPieces(pieces)
}

// Write implements io.Writer so Hasher can be used as an io.CopyN
// destination.
func (hsh *Hasher) Write(p []byte) (int, error) {
	hsh.Update(p)
	return len(p), nil
}
