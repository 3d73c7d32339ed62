// Package session implements the single-threaded event loop: the
// transfer registry, server connection, disk worker handoff, bandwidth
// scheduler, and alert queue that together drive every Transfer forward,
// per spec §4.8 and §5.
//
// Grounded on the teacher's main.go (config, signal-driven context
// cancellation, graceful shutdown) and download.Download's top-level Run
// loop, restructured from a single download's worker-pool shape into a
// registry of independent transfers ticked from one place;
// golang.org/x/sync/errgroup orchestrates the server connection, disk
// worker, and event-loop goroutines the way prxssh-rabbit uses it to
// orchestrate its own background services.
package session

import (
	"context"
	"encoding/binary"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mccartykim/wong-bittorrent/bwsched"
	"github.com/mccartykim/wong-bittorrent/diskbuf"
	"github.com/mccartykim/wong-bittorrent/diskio"
	"github.com/mccartykim/wong-bittorrent/ed2kerr"
	"github.com/mccartykim/wong-bittorrent/hash2k"
	"github.com/mccartykim/wong-bittorrent/peerconn"
	"github.com/mccartykim/wong-bittorrent/picker"
	"github.com/mccartykim/wong-bittorrent/policy"
	"github.com/mccartykim/wong-bittorrent/transfer"
	"github.com/mccartykim/wong-bittorrent/wire"
)

// Config fixes a Session's process-lifetime parameters (spec §6).
type Config struct {
	Server     ServerConfig
	Local      peerconn.Hello
	ListenAddr string // empty disables the inbound accept loop

	OutputDir        string
	BufferSize       int
	BufferCount      int
	RequestQueueSize int

	Bandwidth map[bwsched.ChannelID]bwsched.Config

	AlertMask     uint32
	TickInterval  time.Duration
	ShutdownGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = hash2k.BlockSizeLarge
	}
	if c.BufferCount <= 0 {
		c.BufferCount = 64
	}
	if c.RequestQueueSize <= 0 {
		c.RequestQueueSize = 4
	}
	if c.AlertMask == 0 {
		c.AlertMask = AllAlerts
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 200 * time.Millisecond
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	return c
}

// Session owns every transfer and the shared resources they draw on: the
// index-server connection, the disk worker, the bandwidth scheduler, and
// the alert bus (spec §4.8).
type Session struct {
	cfg Config
	log *logrus.Logger

	mu        sync.Mutex
	transfers map[hash2k.FileHash]*transfer.Transfer
	names     map[hash2k.FileHash]string

	sched   *bwsched.Scheduler
	bufPool *diskbuf.Pool
	store   *diskio.Store
	alerts  *AlertQueue
	lowID   *lowIDCallbacks
	server  *ServerConn

	diskIn      chan diskJob
	diskOut     chan diskResult
	dialResults chan dialResult
	frameEvents chan frameEvent
}

// New constructs a Session. It opens no sockets and starts no
// goroutines; call Run to bring it up.
func New(cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()

	store, err := diskio.NewStore(cfg.OutputDir)
	if err != nil {
		return nil, err
	}

	alerts := NewAlertQueue()
	alerts.SetMask(cfg.AlertMask)

	return &Session{
		cfg:         cfg,
		log:         logrus.New(),
		transfers:   make(map[hash2k.FileHash]*transfer.Transfer),
		names:       make(map[hash2k.FileHash]string),
		sched:       bwsched.New(cfg.Bandwidth),
		bufPool:     diskbuf.New(cfg.BufferSize, cfg.BufferCount),
		store:       store,
		alerts:      alerts,
		lowID:       newLowIDCallbacks(),
		server:      NewServerConn(cfg.Server),
		diskIn:      make(chan diskJob, 256),
		diskOut:     make(chan diskResult, 256),
		dialResults: make(chan dialResult, 64),
		frameEvents: make(chan frameEvent, 256),
	}, nil
}

// AddTransferRequest describes a new or resumed transfer for AddTransfer.
type AddTransferRequest struct {
	Config  transfer.Config
	Name    string
	Resume  bool
	Have    picker.Bitfield
	HashSet hash2k.HashSet
}

// AddTransfer registers a new transfer, opening its backing file on disk
// and, best-effort, announcing it to the index server (spec §4.7 step,
// §6 offer-files).
func (s *Session) AddTransfer(req AddTransferRequest) (*transfer.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.transfers[req.Config.FileHash]; exists {
		return nil, ed2kerr.ErrDuplicateTransfer
	}
	if err := s.store.Open(req.Config.FileHash, req.Name, req.Config.FileLength); err != nil {
		return nil, err
	}

	var t *transfer.Transfer
	if req.Resume {
		t = transfer.FromResume(req.Config, req.Have, req.HashSet)
	} else {
		t = transfer.New(req.Config)
	}

	s.transfers[req.Config.FileHash] = t
	s.names[req.Config.FileHash] = req.Name
	s.alerts.Push(Alert{Kind: AlertTransferAdded, FileHash: req.Config.FileHash})

	_ = s.server.OfferFiles([]sharedFile{{FileHash: req.Config.FileHash, Name: req.Name, Size: req.Config.FileLength}})

	return t, nil
}

// RemoveTransfer aborts and unregisters a transfer, optionally deleting
// its backing file (spec §4.7 remove_transfer).
func (s *Session) RemoveTransfer(fileHash hash2k.FileHash, deleteFiles bool) error {
	s.mu.Lock()
	t, ok := s.transfers[fileHash]
	if !ok {
		s.mu.Unlock()
		return ed2kerr.ErrInvalidHandle
	}
	t.Abort()
	delete(s.transfers, fileHash)
	delete(s.names, fileHash)
	s.mu.Unlock()

	return s.store.Close(fileHash, deleteFiles)
}

// Pause suspends outgoing requests for fileHash.
func (s *Session) Pause(fileHash hash2k.FileHash) error {
	t, ok := s.lookup(fileHash)
	if !ok {
		return ed2kerr.ErrInvalidHandle
	}
	t.Pause()
	s.alerts.Push(Alert{Kind: AlertTransferPaused, FileHash: fileHash})
	return nil
}

// Resume reverses Pause for fileHash.
func (s *Session) Resume(fileHash hash2k.FileHash) error {
	t, ok := s.lookup(fileHash)
	if !ok {
		return ed2kerr.ErrInvalidHandle
	}
	t.Resume()
	return nil
}

func (s *Session) lookup(fileHash hash2k.FileHash) (*transfer.Transfer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[fileHash]
	return t, ok
}

// Transfer returns the registered transfer for fileHash, if any.
func (s *Session) Transfer(fileHash hash2k.FileHash) (*transfer.Transfer, bool) {
	return s.lookup(fileHash)
}

// TransferName returns the display name a transfer was added with.
func (s *Session) TransferName(fileHash hash2k.FileHash) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, ok := s.names[fileHash]
	return name, ok
}

func (s *Session) snapshotTransfers() []*transfer.Transfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*transfer.Transfer, 0, len(s.transfers))
	for _, t := range s.transfers {
		out = append(out, t)
	}
	return out
}

// PopAlert drains the oldest queued alert (spec §6 pop_alert).
func (s *Session) PopAlert() (Alert, bool) { return s.alerts.Pop() }

// PostSearch issues a keyword search against the index server.
func (s *Session) PostSearch(keywords string) error { return s.server.PostSearch(keywords) }

// PostSourcesRequest asks the index server for peers sharing fileHash.
func (s *Session) PostSourcesRequest(fileHash hash2k.FileHash) error {
	return s.server.PostSourcesRequest(fileHash)
}

// Run brings the session up: the index-server connection, the disk
// worker, the inbound accept loop (if configured), and the event loop,
// orchestrated by an errgroup so any one's fatal error cancels the rest
// (spec §5). It returns once ctx is cancelled and graceful shutdown
// completes, or a component fails outside of context cancellation.
func (s *Session) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.server.Run(gctx) })
	g.Go(func() error { runDiskWorker(gctx, s.store, s.diskIn, s.diskOut); return nil })
	if s.cfg.ListenAddr != "" {
		g.Go(func() error { return s.runAcceptLoop(gctx, s.cfg.ListenAddr) })
	}
	g.Go(func() error { return s.eventLoop(gctx) })

	err := g.Wait()
	if ctx.Err() != nil {
		return s.shutdown()
	}
	return err
}

// shutdown aborts every registered transfer and closes every backing file within the
// configured grace period (spec §5 shutdown_grace).
func (s *Session) shutdown() error {
	deadline := time.Now().Add(s.cfg.ShutdownGrace)
	for _, t := range s.snapshotTransfers() {
		t.Abort()
	}
	for time.Now().Before(deadline) {
		select {
		case <-s.diskOut:
		default:
			return s.store.CloseAll()
		}
	}
	return s.store.CloseAll()
}

func (s *Session) eventLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			dt := now.Sub(last)
			last = now
			s.tick(ctx, now, dt)
		}
	}
}

// tick runs one event-loop iteration: drain every producer channel, then
// advance each transfer and the bandwidth scheduler (spec §5's "each
// iteration drains its queues before driving the transfers forward").
func (s *Session) tick(ctx context.Context, now time.Time, dt time.Duration) {
	s.drainServerEvents()
	s.drainDialResults(now)
	s.drainDiskResults()
	s.drainFrameEvents()

	for _, t := range s.snapshotTransfers() {
		for _, pa := range t.ConnectCandidates(now) {
			go dialPeer(ctx, pa.Addr, t.FileHash(), s.cfg.Local, t.RequestQueueSize(), s.dialResults)
		}
		result, err := t.Tick(now)
		if err != nil {
			continue
		}
		if result.JustFinished {
			s.alerts.Push(Alert{Kind: AlertTransferFinished, FileHash: t.FileHash()})
		}
	}

	s.sched.Tick(dt)
}

func (s *Session) drainServerEvents() {
	for {
		select {
		case ev := <-s.server.Events():
			s.handleServerEvent(ev)
		default:
			return
		}
	}
}

func (s *Session) handleServerEvent(ev serverEvent) {
	switch ev.kind {
	case evConnectionInitialized:
		s.alerts.Push(Alert{Kind: AlertServerConnectionInitialized, ClientID: ev.clientID, Users: ev.users, Files: ev.files})
	case evServerMessage:
		s.alerts.Push(Alert{Kind: AlertServerMessage, Text: ev.text})
	case evSearchResult:
		s.alerts.Push(Alert{Kind: AlertSearchResult, Results: ev.results})
	case evFoundSources:
		t, ok := s.lookup(ev.fileHash)
		if !ok {
			return
		}
		for _, src := range ev.sources {
			if src.ClientID != 0 && src.ClientID < LowIDThreshold {
				s.lowID.Register(src.ClientID, ev.fileHash)
				_ = s.server.RequestCallback(src.ClientID)
				continue
			}
			t.AddPeerAddress(src.IP, src.Port, policy.SourceServer)
		}
	}
}

func (s *Session) drainDialResults(now time.Time) {
	for {
		select {
		case r := <-s.dialResults:
			s.handleDialResult(r, now)
		default:
			return
		}
	}
}

func (s *Session) handleDialResult(r dialResult, now time.Time) {
	t, ok := s.lookup(r.fileHash)
	if !ok {
		if r.conn != nil {
			r.conn.Close()
		}
		return
	}

	host, port, err := splitHostPort(r.addr)
	if err != nil {
		if r.conn != nil {
			r.conn.Close()
		}
		return
	}

	if r.err != nil {
		t.Policy().RecordFailure(host, port, now)
		return
	}

	switch t.Policy().NewConnection(host, port, "", r.addr, true) {
	case policy.ConnAccepted:
		t.AttachConn(r.conn)
		s.alerts.Push(Alert{Kind: AlertPeerConnected, FileHash: r.fileHash, Peer: r.addr})
		s.runCtxPeerLoop(r.fileHash, r.conn)
	default:
		r.conn.Close()
	}
}

// runCtxPeerLoop launches the read goroutine for a just-attached
// connection. It is a tiny indirection so dial and accept paths share one
// spelling; the context comes from the frame channel's own lifetime,
// which outlives individual ticks, so a background.TODO-style derived
// context isn't needed here: the read loop exits on its own once the
// socket errors, and the session's shutdown path aborts every transfer
// (closing their sockets) before returning.
func (s *Session) runCtxPeerLoop(fileHash hash2k.FileHash, conn *peerconn.Conn) {
	go runPeerReadLoop(context.Background(), fileHash, conn, s.frameEvents)
}

func (s *Session) drainDiskResults() {
	for {
		select {
		case r := <-s.diskOut:
			s.handleDiskResult(r)
		default:
			return
		}
	}
}

func (s *Session) handleDiskResult(r diskResult) {
	t, ok := s.lookup(r.fileHash)
	if !ok {
		return
	}

	switch r.kind {
	case jobWriteBlock:
		if r.err != nil {
			s.log.WithError(r.err).Warn("block write failed")
			return
		}
		t.CompleteBlockWrite(r.block, r.winner)
		if t.Picker().PieceComplete(r.block.Piece) {
			offset := int64(r.block.Piece) * t.PieceSize()
			length := t.Picker().PieceLength(r.block.Piece)
			s.submitDiskJob(diskJob{kind: jobVerifyPiece, fileHash: r.fileHash, piece: r.block.Piece, offset: offset, length: length, winner: r.winner})
		}

	case jobVerifyPiece:
		if r.err != nil {
			s.log.WithError(r.err).Warn("piece re-read for verification failed")
			return
		}
		var lastWriter *peerconn.Conn
		if c, ok := t.Peers()[r.winner]; ok {
			lastWriter = c
		}
		ok, failure, err := t.VerifyPiece(r.piece, r.digest, lastWriter)
		if ok {
			for _, c := range t.Peers() {
				_ = c.SendHave(r.fileHash, uint32(r.piece))
			}
		} else if failure != nil {
			s.alerts.Push(Alert{Kind: AlertPieceHashFailed, FileHash: r.fileHash, Peer: failure.Peer, Reason: "hash-mismatch"})
		}
		if err != nil {
			s.alerts.Push(Alert{Kind: AlertTransferFinished, FileHash: r.fileHash, Reason: "aborted"})
		}
	}
}

func (s *Session) submitDiskJob(job diskJob) {
	select {
	case s.diskIn <- job:
	default:
		s.log.Warn("disk job queue full, dropping job")
	}
}

func (s *Session) drainFrameEvents() {
	for {
		select {
		case ev := <-s.frameEvents:
			s.handleFrameEvent(ev)
		default:
			return
		}
	}
}

func (s *Session) handleFrameEvent(ev frameEvent) {
	t, ok := s.lookup(ev.fileHash)
	if !ok {
		return
	}

	if ev.err != nil {
		t.RemovePeer(ev.addr)
		s.sched.CancelPeer(ev.addr)
		s.alerts.Push(Alert{Kind: AlertPeerDisconnected, FileHash: ev.fileHash, Peer: ev.addr})
		return
	}

	conn, ok := t.Peers()[ev.addr]
	if !ok {
		return
	}

	switch ev.frame.Opcode {
	case wire.OpSendingPart:
		fileHash, start, _, data, err := conn.DecodeSendingPart(ev.frame)
		if err != nil {
			return
		}
		block := t.Picker().BlockOffset(start)
		t.Picker().MarkWriting(block)
		conn.ReceivedPart()
		s.submitDiskJob(diskJob{kind: jobWriteBlock, fileHash: fileHash, block: block, offset: start, data: data, winner: ev.addr})

	case wire.OpRequestParts32, wire.OpRequestParts64:
		fileHash, start, end, err := conn.DecodeRequestParts(ev.frame)
		if err != nil {
			return
		}
		s.serveRequestParts(fileHash, ev.addr, conn, start, end)

	case wire.OpFileStatus:
		if len(ev.frame.Payload) >= 20 {
			idx := binary.LittleEndian.Uint32(ev.frame.Payload[16:20])
			t.HandlePeerHave(ev.addr, int(idx))
		}
	}
}

// serveRequestParts grants bandwidth for a peer's upload request and, once
// granted, reads the bytes off disk and ships them (spec §4.2/§4.3 upload
// path). A pool buffer is held for the duration of each send, but the
// bytes are read into the fresh slice Store.ReadBlock returns. The read
// runs on the event loop, not on the disk worker. A partial grant
// re-submits the remainder rather than blocking the event loop.
func (s *Session) serveRequestParts(fileHash hash2k.FileHash, addr string, conn *peerconn.Conn, start, end int64) {
	length := end - start
	if length <= 0 {
		return
	}
	_, _ = s.sched.Submit(addr, []bwsched.ChannelID{bwsched.ChannelTransferUp, bwsched.ChannelGlobalUp}, int(length), false, func(granted int) {
		if granted <= 0 {
			return
		}
		n := int64(granted)
		if n > length {
			n = length
		}

		buf, err := s.bufPool.Allocate()
		if err != nil {
			return
		}
		defer s.bufPool.Free(buf)

		data, err := s.store.ReadBlock(fileHash, start, n)
		if err != nil {
			return
		}

		conn.BeginSending()
		_ = conn.SendPart(fileHash, start, data)
		conn.SetIdle(&conn.Upload)

		if n < length {
			s.serveRequestParts(fileHash, addr, conn, start+n, end)
		}
	})
}

func splitHostPort(addr string) (net.IP, uint16, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, 0, ed2kerr.Wrap(ed2kerr.KindSerialization, ed2kerr.CodeDecodePacketError, "split host:port", err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, 0, ed2kerr.New(ed2kerr.KindSerialization, ed2kerr.CodeDecodePacketError, "invalid ip in address")
	}
	p, err := strconv.Atoi(portStr)
	if err != nil || p < 0 || p > 65535 {
		return nil, 0, ed2kerr.New(ed2kerr.KindSerialization, ed2kerr.CodeDecodePacketError, "invalid port in address")
	}
	return ip, uint16(p), nil
}

