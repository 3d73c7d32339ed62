package session

import (
	"context"
	"net"
	"time"

	"github.com/mccartykim/wong-bittorrent/hash2k"
	"github.com/mccartykim/wong-bittorrent/peerconn"
)

// dialTimeout bounds an outbound peer connect attempt, spec §4.5
// peer_connect_timeout.
const dialTimeout = 15 * time.Second

// dialResult reports the outcome of one outbound connect attempt back to
// the event loop over a channel, rather than the caller blocking on it:
// grounded on the teacher's connectToPeer/peerWorker goroutine-per-dial
// shape, generalized so the dialing goroutine never touches Transfer or
// Picker state directly (spec §5 confines mutation to the event loop).
type dialResult struct {
	fileHash hash2k.FileHash
	addr     string
	conn     *peerconn.Conn
	err      error
}

// dialPeer dials addr, performs the hello/file-request handshake, and
// sends the outcome on results. It is meant to be launched with `go` once
// per connect candidate a Transfer.ConnectCandidates call returns.
func dialPeer(ctx context.Context, addr string, fileHash hash2k.FileHash, local peerconn.Hello, requestQueueSize int, results chan<- dialResult) {
	dialer := net.Dialer{Timeout: dialTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		sendDialResult(ctx, results, dialResult{fileHash: fileHash, addr: addr, err: err})
		return
	}

	conn := peerconn.New(nc, addr, requestQueueSize, local)
	if err := conn.SendHello(); err != nil {
		nc.Close()
		sendDialResult(ctx, results, dialResult{fileHash: fileHash, addr: addr, err: err})
		return
	}
	if err := conn.ReceiveHello(); err != nil {
		nc.Close()
		sendDialResult(ctx, results, dialResult{fileHash: fileHash, addr: addr, err: err})
		return
	}
	if err := conn.Activate(); err != nil {
		nc.Close()
		sendDialResult(ctx, results, dialResult{fileHash: fileHash, addr: addr, err: err})
		return
	}
	if err := conn.RequestFile(fileHash); err != nil {
		nc.Close()
		sendDialResult(ctx, results, dialResult{fileHash: fileHash, addr: addr, err: err})
		return
	}

	sendDialResult(ctx, results, dialResult{fileHash: fileHash, addr: addr, conn: conn})
}

func sendDialResult(ctx context.Context, results chan<- dialResult, r dialResult) {
	select {
	case results <- r:
	case <-ctx.Done():
	}
}
