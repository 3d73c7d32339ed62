// Package session implements the single-threaded event loop: the
// transfer registry, server connection, disk worker handoff, and alert
// queue that together drive every Transfer forward, per spec §4.8.
//
// Grounded on the teacher's main.go (flag/config parsing, signal-driven
// context cancellation, graceful shutdown) and download.Download's
// top-level Run loop, restructured from a single download's worker-pool
// shape into a registry of independent transfers ticked from one place.
package session

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/mccartykim/wong-bittorrent/ed2kerr"
	"github.com/mccartykim/wong-bittorrent/hash2k"
	"github.com/mccartykim/wong-bittorrent/wire"
)

// ServerConfig configures the long-lived index-server connection (spec
// §6: server_hostname, server_port, server_keep_alive_timeout,
// server_reconnect_timeout).
type ServerConfig struct {
	Hostname           string
	Port               uint16
	ClientHash         hash2k.Digest
	ListenPort         uint16
	Nick               string
	KeepAliveTimeout   time.Duration
	ReconnectMin       time.Duration
	ReconnectMax       time.Duration
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.Port == 0 {
		c.Port = 4661
	}
	if c.KeepAliveTimeout <= 0 {
		c.KeepAliveTimeout = 200 * time.Second
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = 5 * time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 60 * time.Second
	}
	return c
}

// serverEventKind distinguishes the events a ServerConn publishes to the
// event loop.
type serverEventKind int

const (
	evConnectionLost serverEventKind = iota
	evConnectionInitialized
	evServerMessage
	evFoundSources
	evSearchResult
)

// serverEvent is one decoded notification from the index server, handed
// to the event loop over a channel (spec §5 message-queue discipline).
type serverEvent struct {
	kind     serverEventKind
	clientID uint32
	users    int
	files    int
	text     string
	fileHash hash2k.FileHash
	sources  []foundSource
	results  []SearchHit
	err      error
}

// ServerConn owns the TCP session to the index server: login, keep-alive
// reads, and a bounded reconnect backoff (spec §4.8 "its reconnect
// backoff is bounded"). Grounded on myelnet-go-hop-exchange's
// exchange/replication.go backoff-guarded reconnect loop, using
// github.com/jpillora/backoff for the bounded exponential delay.
type ServerConn struct {
	cfg    ServerConfig
	events chan serverEvent

	mu       sync.Mutex
	conn     net.Conn
	clientID uint32
}

// NewServerConn constructs a ServerConn that has not yet dialed.
func NewServerConn(cfg ServerConfig) *ServerConn {
	return &ServerConn{cfg: cfg.withDefaults(), events: make(chan serverEvent, 64)}
}

// Events returns the channel of decoded server notifications.
func (sc *ServerConn) Events() <-chan serverEvent { return sc.events }

// ClientID returns the id assigned by the server's id-change reply, or 0
// before login completes.
func (sc *ServerConn) ClientID() uint32 {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.clientID
}

// Run dials, logs in, and reads frames until ctx is cancelled,
// reconnecting with bounded exponential backoff on any failure.
func (sc *ServerConn) Run(ctx context.Context) error {
	b := &backoff.Backoff{Min: sc.cfg.ReconnectMin, Max: sc.cfg.ReconnectMax, Factor: 2, Jitter: true}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := sc.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sc.publish(serverEvent{kind: evConnectionLost, err: err})

		d := b.Duration()
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (sc *ServerConn) runOnce(ctx context.Context) error {
	addr := net.JoinHostPort(sc.cfg.Hostname, strconv.Itoa(int(sc.cfg.Port)))
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return ed2kerr.Wrap(ed2kerr.KindTransport, ed2kerr.CodeTimedOut, "dial index server", err)
	}
	defer conn.Close()

	if err := sc.login(conn); err != nil {
		return err
	}

	sc.mu.Lock()
	sc.conn = conn
	sc.mu.Unlock()
	defer func() {
		sc.mu.Lock()
		sc.conn = nil
		sc.mu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		conn.SetReadDeadline(time.Now().Add(sc.cfg.KeepAliveTimeout))
		frame, err := wire.ReadFrame(conn, wire.MaxServerFrameSize)
		if err != nil {
			return err
		}
		sc.handleFrame(frame)
	}
}

func (sc *ServerConn) login(conn net.Conn) error {
	payload := encodeLogin(sc.cfg.ClientHash, sc.cfg.ListenPort, sc.cfg.Nick)
	if err := wire.WriteFrame(conn, &wire.Frame{Proto: wire.ProtoEDonkey, Opcode: wire.OpLogin, Payload: payload}); err != nil {
		return err
	}

	var users, files int
	for i := 0; i < 4; i++ { // bounded: id-change and server-status may arrive in either order, plus a greeting message
		frame, err := wire.ReadFrame(conn, wire.MaxServerFrameSize)
		if err != nil {
			return err
		}
		switch frame.Opcode {
		case wire.OpIDChange:
			id, err := decodeIDChange(frame.Payload)
			if err != nil {
				return err
			}
			sc.mu.Lock()
			sc.clientID = id
			sc.mu.Unlock()
		case wire.OpServerStatus:
			u, f, err := decodeServerStatus(frame.Payload)
			if err != nil {
				return err
			}
			users, files = u, f
			sc.publish(serverEvent{kind: evConnectionInitialized, clientID: sc.ClientID(), users: users, files: files})
			return nil
		case wire.OpServerMessage:
			text, err := decodeServerMessage(frame.Payload)
			if err != nil {
				return err
			}
			sc.publish(serverEvent{kind: evServerMessage, text: text})
		default:
			return ed2kerr.New(ed2kerr.KindProtocol, ed2kerr.CodeInvalidOpcodeForState, fmt.Sprintf("unexpected opcode 0x%02x during login", frame.Opcode))
		}
	}
	return ed2kerr.New(ed2kerr.KindProtocol, ed2kerr.CodeDecodePacketError, "server never sent server-status after login")
}

func (sc *ServerConn) handleFrame(frame *wire.Frame) {
	switch frame.Opcode {
	case wire.OpServerMessage:
		if text, err := decodeServerMessage(frame.Payload); err == nil {
			sc.publish(serverEvent{kind: evServerMessage, text: text})
		}
	case wire.OpIDChange:
		if id, err := decodeIDChange(frame.Payload); err == nil {
			sc.mu.Lock()
			sc.clientID = id
			sc.mu.Unlock()
		}
	case wire.OpFoundSources:
		if fh, sources, err := decodeFoundSources(frame.Payload); err == nil {
			sc.publish(serverEvent{kind: evFoundSources, fileHash: fh, sources: sources})
		}
	case wire.OpSearchResult:
		if hits, err := decodeSearchResult(frame.Payload); err == nil {
			sc.publish(serverEvent{kind: evSearchResult, results: hits})
		}
	}
}

func (sc *ServerConn) publish(ev serverEvent) {
	select {
	case sc.events <- ev:
	default:
		// Event channel full: the event loop has fallen behind. Dropping
		// here rather than blocking keeps the read loop (and thus the
		// keep-alive deadline) alive; pop_alert backpressure is a
		// caller problem, not a transport one.
	}
}

// send writes a frame to the live connection, if any.
func (sc *ServerConn) send(opcode byte, payload []byte) error {
	sc.mu.Lock()
	conn := sc.conn
	sc.mu.Unlock()
	if conn == nil {
		return ed2kerr.New(ed2kerr.KindTransport, ed2kerr.CodeSessionClosing, "no live server connection")
	}
	return wire.WriteFrame(conn, &wire.Frame{Proto: wire.ProtoEDonkey, Opcode: opcode, Payload: payload})
}

// OfferFiles announces the local share to the server (spec §6 offer-files).
func (sc *ServerConn) OfferFiles(files []sharedFile) error {
	return sc.send(wire.OpOfferFiles, encodeOfferFiles(files))
}

// PostSearch issues a keyword search-request.
func (sc *ServerConn) PostSearch(keywords string) error {
	return sc.send(wire.OpSearchRequest, encodeSearchRequest(keywords))
}

// PostSourcesRequest asks the server for peers sharing fileHash.
func (sc *ServerConn) PostSourcesRequest(fileHash hash2k.FileHash) error {
	return sc.send(wire.OpGetSources, encodeGetSources(fileHash))
}

// RequestCallback asks the server to relay a connect-back request to a
// LowID peer identified by targetClientID (spec §4.8 LowID mechanism).
func (sc *ServerConn) RequestCallback(targetClientID uint32) error {
	return sc.send(wire.OpCallbackRequest, encodeCallbackRequest(targetClientID))
}
