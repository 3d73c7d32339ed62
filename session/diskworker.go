package session

import (
	"context"

	"github.com/mccartykim/wong-bittorrent/diskio"
	"github.com/mccartykim/wong-bittorrent/hash2k"
	"github.com/mccartykim/wong-bittorrent/picker"
)

// diskJobKind distinguishes the two job shapes the disk worker handles
// (spec §4.3/§4.7: persisting a finished block, and re-hashing a piece's
// bytes once all its blocks have landed).
type diskJobKind int

const (
	jobWriteBlock diskJobKind = iota
	jobVerifyPiece
)

// diskJob is one unit of work submitted to the disk worker. Offset is
// always the absolute byte offset into the transfer's backing file; the
// event loop computes it from piece/block geometry before submitting,
// so the worker needs no knowledge of piece or block sizes.
type diskJob struct {
	kind     diskJobKind
	fileHash hash2k.FileHash
	block    picker.Block // valid for jobWriteBlock
	piece    int          // valid for jobVerifyPiece
	offset   int64
	length   int64  // valid for jobVerifyPiece
	data     []byte // valid for jobWriteBlock
	winner   string // peer that supplied this block/piece's bytes, for blame on hash failure
}

// diskResult reports a completed disk job back to the event loop (spec
// §5 "publish result").
type diskResult struct {
	kind     diskJobKind
	fileHash hash2k.FileHash
	block    picker.Block
	piece    int
	digest   hash2k.PieceHash
	winner   string
	err      error
}

// runDiskWorker drains jobs and publishes results until ctx is cancelled
// or in is closed, per spec §5's "the event loop and the disk worker
// communicate exclusively through two message queues". Grounded on the
// teacher's diskio.Writer usage inside download.go's single-goroutine
// disk access pattern, generalized into its own dedicated goroutine with
// channel-based handoff instead of being called inline from a peer
// worker.
func runDiskWorker(ctx context.Context, store *diskio.Store, in <-chan diskJob, out chan<- diskResult) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-in:
			if !ok {
				return
			}
			res := processDiskJob(store, job)
			select {
			case out <- res:
			case <-ctx.Done():
				return
			}
		}
	}
}

func processDiskJob(store *diskio.Store, job diskJob) diskResult {
	switch job.kind {
	case jobWriteBlock:
		err := store.WriteBlock(job.fileHash, job.offset, job.data)
		return diskResult{kind: jobWriteBlock, fileHash: job.fileHash, block: job.block, winner: job.winner, err: err}

	case jobVerifyPiece:
		data, err := store.ReadBlock(job.fileHash, job.offset, job.length)
		if err != nil {
			return diskResult{kind: jobVerifyPiece, fileHash: job.fileHash, piece: job.piece, winner: job.winner, err: err}
		}
		return diskResult{
			kind:     jobVerifyPiece,
			fileHash: job.fileHash,
			piece:    job.piece,
			digest:   hash2k.SumBytes(data),
			winner:   job.winner,
		}

	default:
		return diskResult{fileHash: job.fileHash, err: nil}
	}
}
