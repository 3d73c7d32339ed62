package session

import (
	"context"

	"github.com/mccartykim/wong-bittorrent/hash2k"
	"github.com/mccartykim/wong-bittorrent/peerconn"
	"github.com/mccartykim/wong-bittorrent/wire"
)

// frameEvent carries one inbound frame (or a terminal read error) from a
// peer connection's dedicated read goroutine to the event loop. Grounded
// on the teacher's downloadFromPeer read loop, split out of its
// goroutine-owns-everything shape so frame *handling* stays on the event
// loop thread per spec §5, with only the blocking read itself living on
// its own goroutine.
type frameEvent struct {
	fileHash hash2k.FileHash
	addr     string
	frame    *wire.Frame
	err      error
}

// runPeerReadLoop blocks on conn.ReadFrame until it errors or ctx is
// cancelled, forwarding every frame read. It exits (and reports the
// error, if any) the moment a read fails; the caller is responsible for
// tearing down the connection's transfer-side bookkeeping on that event.
func runPeerReadLoop(ctx context.Context, fileHash hash2k.FileHash, conn *peerconn.Conn, out chan<- frameEvent) {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			sendFrameEvent(ctx, out, frameEvent{fileHash: fileHash, addr: conn.Addr(), err: err})
			return
		}
		sendFrameEvent(ctx, out, frameEvent{fileHash: fileHash, addr: conn.Addr(), frame: frame})
		if ctx.Err() != nil {
			return
		}
	}
}

func sendFrameEvent(ctx context.Context, out chan<- frameEvent, ev frameEvent) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}
