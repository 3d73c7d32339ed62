// Package picker implements the block-level piece picker: the decision
// engine that chooses which block of which piece each peer should request
// next, per spec §4.4.
//
// Grounded on the teacher's pieces.Manager (PickPiece/MarkRequested/
// ReceiveBlock/VerifyPiece/IsComplete state machine), generalized from
// whole-piece granularity to block granularity and from "first needed
// piece the peer has" to rarest-first/sequential/endgame/priority-aware
// selection. Rarest-first candidate ordering is scored with
// gopkg.in/karalabe/cookiejar.v2/collections/prque, the priority queue the
// go-ethereum-lineage corpus uses for the same "lowest count wins" piece
// ordering problem.
package picker

import (
	"sync"
	"time"

	"gopkg.in/karalabe/cookiejar.v2/collections/prque"

	"github.com/mccartykim/wong-bittorrent/ed2kerr"
)

// BlockState is the per-block download state (spec §3 PieceState).
type BlockState int

const (
	BlockNone BlockState = iota
	BlockRequested
	BlockWriting
	BlockFinished
)

// Block identifies one request-granularity unit: a block offset (in
// blocks, not bytes) within a piece.
type Block struct {
	Piece  int
	Offset int
}

// PendingBlock is an outstanding request for a Block, tracked per
// requesting peer so endgame duplicates can be told apart.
type PendingBlock struct {
	Block       Block
	Peer        string
	RequestedAt time.Time
}

type pieceRecord struct {
	index          int
	length         int64 // actual byte length of this piece (last piece may be short)
	numBlocks      int
	blockState     []BlockState
	have           bool
	priority       int // boost level; higher picks first
	finishedBlocks int
}

// Picker is the per-transfer piece/block picker. All mutation is expected
// to happen from the single event-loop context (spec §5); the mutex
// exists to make the type safe to use from tests and from the disk worker
// callback path without re-deriving the whole locking discipline there.
type Picker struct {
	mu sync.Mutex

	pieceSize   int64
	blockSize   int
	totalLength int64
	numPieces   int
	pieces      []*pieceRecord

	sequential       bool
	endgameThreshold int
	remainingBlocks  int

	availability  []int
	peerBitfields map[string]Bitfield

	pendingByBlock map[Block][]*PendingBlock
}

// New constructs a Picker for a file of totalLength bytes, split into
// pieces of pieceSize bytes and blocks of blockSize bytes within each
// piece. endgameThreshold is the E from spec §4.4: once fewer than E
// blocks remain anywhere in the transfer, picking starts duplicating
// requests.
func New(pieceSize int64, blockSize int, totalLength int64, sequential bool, endgameThreshold int) *Picker {
	numPieces := int(divCeil(totalLength, pieceSize))
	if totalLength == 0 {
		numPieces = 0
	}

	p := &Picker{
		pieceSize:        pieceSize,
		blockSize:        blockSize,
		totalLength:      totalLength,
		numPieces:        numPieces,
		pieces:           make([]*pieceRecord, numPieces),
		sequential:       sequential,
		endgameThreshold: endgameThreshold,
		availability:     make([]int, numPieces),
		peerBitfields:    make(map[string]Bitfield),
		pendingByBlock:   make(map[Block][]*PendingBlock),
	}

	remaining := totalLength
	for i := 0; i < numPieces; i++ {
		length := pieceSize
		if remaining < pieceSize {
			length = remaining
		}
		numBlocks := int(divCeil(length, int64(blockSize)))
		if numBlocks == 0 {
			numBlocks = 1
		}
		p.pieces[i] = &pieceRecord{
			index:      i,
			length:     length,
			numBlocks:  numBlocks,
			blockState: make([]BlockState, numBlocks),
		}
		p.remainingBlocks += numBlocks
		remaining -= length
	}

	return p
}

func divCeil(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// BoostPiece raises a piece's selection priority (e.g. the first two
// pieces of an audio/video file, spec §4.4).
func (p *Picker) BoostPiece(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index >= 0 && index < len(p.pieces) {
		p.pieces[index].priority++
	}
}

// SetPeerBitfield registers the full advertised bitfield for a peer,
// called once on identification (spec §4.6 "active" transition).
func (p *Picker) SetPeerBitfield(peer string, bf Bitfield) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if old, ok := p.peerBitfields[peer]; ok {
		for i := 0; i < p.numPieces; i++ {
			if old.Has(i) {
				p.availability[i]--
			}
		}
	}
	clone := bf.Clone()
	p.peerBitfields[peer] = clone
	for i := 0; i < p.numPieces; i++ {
		if clone.Has(i) {
			p.availability[i]++
		}
	}
}

// PeerHavePiece records a single-piece "have" announcement from peer
// (spec §4.6 have message).
func (p *Picker) PeerHavePiece(peer string, index int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if index < 0 || index >= p.numPieces {
		return
	}
	bf, ok := p.peerBitfields[peer]
	if !ok {
		bf = NewBitfield(p.numPieces)
	}
	if bf.Has(index) {
		return
	}
	bf.Set(index)
	p.peerBitfields[peer] = bf
	p.availability[index]++
}

// RemovePeer drops all bookkeeping for peer: its advertised availability
// contribution and any outstanding requests it held, which are re-queued
// for other peers to pick up (spec §4.5 disconnect handling, §5
// cancellation).
func (p *Picker) RemovePeer(peer string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removePeerLocked(peer)
}

func (p *Picker) removePeerLocked(peer string) {
	if bf, ok := p.peerBitfields[peer]; ok {
		for i := 0; i < p.numPieces; i++ {
			if bf.Has(i) {
				p.availability[i]--
			}
		}
		delete(p.peerBitfields, peer)
	}

	for block, pendings := range p.pendingByBlock {
		kept := pendings[:0]
		for _, pb := range pendings {
			if pb.Peer == peer {
				continue
			}
			kept = append(kept, pb)
		}
		if len(kept) == 0 {
			delete(p.pendingByBlock, block)
			p.setBlockStateLocked(block, BlockNone)
		} else {
			p.pendingByBlock[block] = kept
		}
	}
}

func (p *Picker) setBlockStateLocked(b Block, state BlockState) {
	if b.Piece < 0 || b.Piece >= len(p.pieces) {
		return
	}
	pr := p.pieces[b.Piece]
	if b.Offset < 0 || b.Offset >= len(pr.blockState) {
		return
	}
	pr.blockState[b.Offset] = state
}

// Pick selects up to n blocks that peer should request next. It does not
// mutate any state: the caller must follow up with MarkRequested for each
// returned Block to maintain invariant I3 (spec §3).
func (p *Picker) Pick(peer string, n int) ([]Block, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	bf, ok := p.peerBitfields[peer]
	if !ok {
		return nil, ed2kerr.New(ed2kerr.KindTransport, ed2kerr.CodeInvalidHandle, "peer has no registered bitfield")
	}

	endgame := p.remainingBlocks < p.endgameThreshold

	order := p.candidateOrder(bf)

	var out []Block
	for _, idx := range order {
		if len(out) >= n {
			break
		}
		pr := p.pieces[idx]
		if pr.have {
			continue
		}
		for off := 0; off < pr.numBlocks && len(out) < n; off++ {
			block := Block{Piece: idx, Offset: off}
			state := pr.blockState[off]

			switch state {
			case BlockNone:
				out = append(out, block)
			case BlockRequested:
				if !endgame {
					continue
				}
				if p.alreadyRequestedByLocked(block, peer) {
					continue
				}
				out = append(out, block)
			default:
				continue
			}
		}
	}

	return out, nil
}

func (p *Picker) alreadyRequestedByLocked(b Block, peer string) bool {
	for _, pb := range p.pendingByBlock[b] {
		if pb.Peer == peer {
			return true
		}
	}
	return false
}

// candidateOrder returns the piece indices peer has (and we don't), in
// priority order: boosted pieces first, then sequential or rarest-first
// per configuration.
func (p *Picker) candidateOrder(bf Bitfield) []int {
	if p.sequential {
		var out []int
		for i := 0; i < p.numPieces; i++ {
			if bf.Has(i) && !p.pieces[i].have {
				out = append(out, i)
			}
		}
		return out
	}

	pq := prque.New()
	for i := 0; i < p.numPieces; i++ {
		pr := p.pieces[i]
		if pr.have || !bf.Has(i) {
			continue
		}
		// Higher priority pops first: boosted pieces dominate, then
		// rarer pieces (lower availability) rank higher. The small
		// index-proportional term breaks ties deterministically in
		// favour of earlier pieces.
		priority := float32(pr.priority)*1_000_000 - float32(p.availability[i])*1000 - float32(i)/float32(p.numPieces+1)
		pq.Push(i, priority)
	}

	out := make([]int, 0, pq.Size())
	for pq.Size() > 0 {
		v, _ := pq.Pop()
		out = append(out, v.(int))
	}
	return out
}

// MarkRequested records that peer has requested block, per spec §4.4.
func (p *Picker) MarkRequested(b Block, peer string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.setBlockStateLocked(b, BlockRequested)
	p.pendingByBlock[b] = append(p.pendingByBlock[b], &PendingBlock{
		Block: b,
		Peer:  peer,
	})
}

// MarkWriting records that block's bytes have arrived and are being
// persisted to disk (spec §4.3/§4.6).
func (p *Picker) MarkWriting(b Block) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setBlockStateLocked(b, BlockWriting)
}

// MarkFinished records that block's bytes are durably written (spec I1).
// It returns the list of peers other than winner whose duplicate
// (endgame) requests for the same block should now be cancelled.
func (p *Picker) MarkFinished(b Block, winner string) (otherPeers []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if b.Piece < 0 || b.Piece >= len(p.pieces) {
		return nil
	}
	pr := p.pieces[b.Piece]
	if b.Offset < 0 || b.Offset >= len(pr.blockState) {
		return nil
	}

	wasFinished := pr.blockState[b.Offset] == BlockFinished
	pr.blockState[b.Offset] = BlockFinished

	for _, pb := range p.pendingByBlock[b] {
		if pb.Peer != winner {
			otherPeers = append(otherPeers, pb.Peer)
		}
	}
	delete(p.pendingByBlock, b)

	if !wasFinished {
		pr.finishedBlocks++
		p.remainingBlocks--
	}

	return otherPeers
}

// AbortRequest cancels a single outstanding request for block from peer
// (timeout, disconnect, or explicit cancel), per spec §5. If no other peer
// still holds a request for the block, its state reverts to none so it
// re-enters the pick pool.
func (p *Picker) AbortRequest(b Block, peer string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pendings := p.pendingByBlock[b]
	kept := pendings[:0]
	for _, pb := range pendings {
		if pb.Peer == peer {
			continue
		}
		kept = append(kept, pb)
	}
	if len(kept) == 0 {
		delete(p.pendingByBlock, b)
		p.setBlockStateLocked(b, BlockNone)
	} else {
		p.pendingByBlock[b] = kept
	}
}

// HavePiece marks a whole piece verified: all PendingBlocks for it are
// cleared and any duplicate outstanding (endgame) requests are cancelled,
// per spec §4.4.
func (p *Picker) HavePiece(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if index < 0 || index >= len(p.pieces) {
		return
	}
	pr := p.pieces[index]
	if pr.have {
		return
	}
	pr.have = true

	for off := 0; off < pr.numBlocks; off++ {
		block := Block{Piece: index, Offset: off}
		if pr.blockState[off] != BlockFinished {
			p.remainingBlocks--
		}
		pr.blockState[off] = BlockFinished
		delete(p.pendingByBlock, block)
	}
	pr.finishedBlocks = pr.numBlocks
}

// ResetPiece reverts a piece to entirely unrequested/undownloaded state,
// used after a failed hash verification (spec §7's self-healing recovery
// and scenario 6 in §8): its blocks re-enter the picker for other peers.
func (p *Picker) ResetPiece(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if index < 0 || index >= len(p.pieces) {
		return
	}
	pr := p.pieces[index]
	wasHave := pr.have
	finishedBefore := pr.finishedBlocks

	pr.have = false
	for off := 0; off < pr.numBlocks; off++ {
		block := Block{Piece: index, Offset: off}
		pr.blockState[off] = BlockNone
		delete(p.pendingByBlock, block)
	}
	pr.finishedBlocks = 0

	if wasHave {
		p.remainingBlocks += pr.numBlocks
	} else {
		p.remainingBlocks += finishedBefore
	}
}

// IsComplete reports whether every piece has been verified.
func (p *Picker) IsComplete() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.numPieces == 0 {
		return p.totalLength == 0
	}
	for _, pr := range p.pieces {
		if !pr.have {
			return false
		}
	}
	return true
}

// HaveBitfield returns the local have-bitfield (spec §3 Bitfield).
func (p *Picker) HaveBitfield() Bitfield {
	p.mu.Lock()
	defer p.mu.Unlock()

	bf := NewBitfield(p.numPieces)
	for i, pr := range p.pieces {
		if pr.have {
			bf.Set(i)
		}
	}
	return bf
}

// PieceLength returns the byte length of piece index (the last piece may
// be shorter than pieceSize).
func (p *Picker) PieceLength(index int) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.pieces) {
		return 0
	}
	return p.pieces[index].length
}

// PieceComplete reports whether every block of piece index has finished
// downloading, without marking the piece have: this is the signal the
// event loop uses to know a piece is ready for hash verification (spec
// §4.7's "once all of a piece's blocks have landed").
func (p *Picker) PieceComplete(index int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.pieces) {
		return false
	}
	pr := p.pieces[index]
	return pr.finishedBlocks == pr.numBlocks
}

// BlockOffset returns the Block containing absolute byte offset into the
// whole file, given the picker's own piece/block sizes.
func (p *Picker) BlockOffset(byteOffset int64) Block {
	piece := int(byteOffset / p.pieceSize)
	withinPiece := byteOffset - int64(piece)*p.pieceSize
	return Block{Piece: piece, Offset: int(withinPiece / int64(p.blockSize))}
}

// NumPieces returns the total piece count.
func (p *Picker) NumPieces() int {
	return p.numPieces
}

// RemainingBlocks returns the count of not-yet-finished blocks across the
// whole transfer, the quantity spec §4.4's endgame threshold compares
// against.
func (p *Picker) RemainingBlocks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remainingBlocks
}

// CandidateCount returns the number of distinct peers whose registered
// bitfield currently includes at least one not-yet-had piece, a building
// block for spec §4.5's candidate accounting (I4); policy tracks the full
// I4 definition, this exposes the picker-local half of it (peer interest).
func (p *Picker) CandidateCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	count := 0
	for _, bf := range p.peerBitfields {
		for i := 0; i < p.numPieces; i++ {
			if bf.Has(i) && !p.pieces[i].have {
				count++
				break
			}
		}
	}
	return count
}
