package session

import (
	"context"
	"net"

	"github.com/mccartykim/wong-bittorrent/ed2kerr"
	"github.com/mccartykim/wong-bittorrent/peerconn"
	"github.com/mccartykim/wong-bittorrent/policy"
	"github.com/mccartykim/wong-bittorrent/wire"
)

// runAcceptLoop listens on listenAddr and hands each accepted socket to
// s.handleInbound, one goroutine per connection. Grounded on the
// teacher's download.go peerWorker pattern (one goroutine per peer
// socket), mirrored onto the accept side that download.go never needed
// (it only ever dialed out).
func (s *Session) runAcceptLoop(ctx context.Context, listenAddr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", listenAddr)
	if err != nil {
		return ed2kerr.Wrap(ed2kerr.KindTransport, ed2kerr.CodeTimedOut, "listen for inbound peers", err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		go s.handleInbound(ctx, nc)
	}
}

// handleInbound performs the responder side of the hello handshake: the
// initiator sends hello first, we answer, then read the file-request that
// tells us which transfer this socket is for (spec §4.6). A socket naming
// a FileHash we don't have active is dropped.
func (s *Session) handleInbound(ctx context.Context, nc net.Conn) {
	addr := nc.RemoteAddr().String()
	conn := peerconn.New(nc, addr, s.cfg.RequestQueueSize, s.cfg.Local)

	if err := conn.ReceiveHello(); err != nil {
		nc.Close()
		return
	}
	if err := conn.SendHello(); err != nil {
		nc.Close()
		return
	}

	frame, err := conn.ReadFrame()
	if err != nil || frame.Opcode != wire.OpFileRequest || len(frame.Payload) < 16 {
		nc.Close()
		return
	}
	var fileHash [16]byte
	copy(fileHash[:], frame.Payload[:16])

	s.mu.Lock()
	t, ok := s.transfers[fileHash]
	s.mu.Unlock()
	if !ok {
		nc.Close()
		return
	}

	if err := conn.Activate(); err != nil {
		nc.Close()
		return
	}

	host, port, err := splitHostPort(addr)
	if err != nil {
		nc.Close()
		return
	}
	switch t.Policy().NewConnection(host, port, nc.LocalAddr().String(), addr, false) {
	case policy.ConnAccepted:
		t.AttachConn(conn)
		s.alerts.Push(Alert{Kind: AlertPeerConnected, FileHash: fileHash, Peer: addr})
		go runPeerReadLoop(ctx, fileHash, conn, s.frameEvents)
	default:
		conn.Close()
	}
}
