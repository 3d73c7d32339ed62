// Package bwsched implements the bandwidth scheduler: per-channel token
// buckets, a strictly-FIFO-per-priority request queue, and per-direction
// multi-channel grants, per spec §4.2.
//
// Grounded on the teacher's download.go tick/select loop shape (a fixed
// interval driving a drain pass over queued work); token buckets use
// golang.org/x/time/rate, the same library the go-ethereum-lineage p2p
// sync code (op-node/p2p/sync.go) builds its per-peer and global request
// limiters on top of.
package bwsched

import (
	"container/list"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mccartykim/wong-bittorrent/ed2kerr"
)

// ChannelID names one of the scheduler's token buckets. A request may
// assert membership in up to five channels at once (spec §4.2): its own
// transfer's upload/download channel plus the two global channels, plus
// one more reserved for future per-swarm-group accounting.
type ChannelID int

const (
	ChannelTransferUp ChannelID = iota
	ChannelTransferDown
	ChannelGlobalUp
	ChannelGlobalDown
	ChannelExtra
	numChannels
)

// Unlimited, passed as Config.BytesPerSec, marks a channel with no cap: its
// shadow counter is treated as always-full rather than refilled per tick.
// A Config with BytesPerSec of exactly 0 is a real, finite channel that
// never refills (its Burst is a one-time budget).
const Unlimited = -1

// Bucket is a single token bucket: rate bytes/sec, with the given burst
// capacity.
type bucket struct {
	limiter *rate.Limiter
}

func newBucket(bytesPerSec float64, burst int) *bucket {
	if bytesPerSec < 0 {
		return &bucket{limiter: rate.NewLimiter(rate.Inf, burst)}
	}
	return &bucket{limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst)}
}

// Request is a single pending grant request against up to five channels.
// rate.Limiter has no token-peek API, so the scheduler tracks its own
// shadow byte counter per channel, refilled on each Tick, instead of
// calling into the limiter directly per request.
type Request struct {
	ID          uint64
	Peer        string
	Channels    [5]ChannelID
	NumChans    int
	Bytes       int
	Prioritised bool

	// notify is invoked with the number of bytes granted (may be less
	// than Bytes if the caller should re-request the remainder) once the
	// scheduler grants or partially grants this request.
	notify func(granted int)

	zeroNotified bool
}

// Scheduler is the bandwidth scheduler for one session. All mutation
// happens from the single event-loop goroutine (spec §5); the mutex
// exists to let tests and the disk-worker completion path enqueue
// requests safely without re-deriving that discipline here.
type Scheduler struct {
	mu sync.Mutex

	buckets map[ChannelID]*bucket
	shadow  map[ChannelID]float64 // byte token counters, refilled each Tick

	queues map[bool]*list.List // keyed by Prioritised: true queue drains first

	nextID uint64
}

// Config describes the configured rate/burst for one channel.
type Config struct {
	BytesPerSec float64
	Burst       int
}

// New constructs a Scheduler with the given per-channel configuration.
// Channels absent from cfg default to unlimited.
func New(cfg map[ChannelID]Config) *Scheduler {
	s := &Scheduler{
		buckets: make(map[ChannelID]*bucket),
		shadow:  make(map[ChannelID]float64),
		queues: map[bool]*list.List{
			true:  list.New(),
			false: list.New(),
		},
	}
	for id := ChannelID(0); id < numChannels; id++ {
		c, ok := cfg[id]
		if !ok {
			c = Config{BytesPerSec: Unlimited, Burst: 1 << 30}
		}
		s.buckets[id] = newBucket(c.BytesPerSec, c.Burst)
		s.shadow[id] = float64(c.Burst)
	}
	return s
}

// Submit enqueues a bandwidth request. notify is called from a subsequent
// Tick with the number of bytes granted; the caller re-submits for any
// remainder. A request stalled at the head of its queue is additionally
// notified once with 0 for that stall. Submit never blocks.
func (s *Scheduler) Submit(peer string, channels []ChannelID, bytes int, prioritised bool, notify func(granted int)) (uint64, error) {
	if len(channels) == 0 || len(channels) > 5 {
		return 0, ed2kerr.New(ed2kerr.KindProtocol, ed2kerr.CodeInvalidArgument, "request must assert 1-5 channel memberships")
	}
	if bytes <= 0 {
		return 0, ed2kerr.New(ed2kerr.KindProtocol, ed2kerr.CodeInvalidArgument, "request bytes must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	req := &Request{
		ID:          s.nextID,
		Peer:        peer,
		NumChans:    len(channels),
		Bytes:       bytes,
		Prioritised: prioritised,
		notify:      notify,
	}
	copy(req.Channels[:], channels)

	s.queues[prioritised].PushBack(req)
	return req.ID, nil
}

// CancelPeer removes every queued request belonging to peer (spec §4.2
// disconnect cancellation: "all its queued requests are removed and
// their queued_bytes subtracted"). It reports the total bytes that were
// still queued for that peer.
func (s *Scheduler) CancelPeer(peer string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cancelled int
	for _, prioritised := range []bool{true, false} {
		q := s.queues[prioritised]
		for e := q.Front(); e != nil; {
			next := e.Next()
			req := e.Value.(*Request)
			if req.Peer == peer {
				cancelled += req.Bytes
				q.Remove(e)
			}
			e = next
		}
	}
	return cancelled
}

// grantNotice pairs a pending notify callback with its outcome, so Tick
// can fire callbacks after releasing s.mu instead of from inside
// drainQueue: notify closures are free to call back into the scheduler
// (e.g. Submit for a partial-grant remainder), and invoking them while
// s.mu is held would deadlock against that re-entrant call.
type grantNotice struct {
	notify  func(granted int)
	granted int
}

// Tick refills every channel's bucket by rate*dt and then drains the
// queue: prioritised requests first, each queue strictly FIFO, granting
// min_i(available_i) bytes and debiting every channel the request
// traverses. A request that cannot be fully satisfied is granted what is
// available and, if it received zero bytes, stays at the head of its
// queue and has its notify called once with 0 for that stall, so a zero
// grant still wakes the peer.
func (s *Scheduler) Tick(dt time.Duration) {
	s.mu.Lock()

	for id, b := range s.buckets {
		if b.limiter.Limit() == rate.Inf {
			s.shadow[id] = 1 << 30
			continue
		}
		s.shadow[id] += float64(b.limiter.Limit()) * dt.Seconds()
		if burstCap := float64(b.limiter.Burst()); s.shadow[id] > burstCap {
			s.shadow[id] = burstCap
		}
	}

	var notices []grantNotice
	for _, prioritised := range []bool{true, false} {
		notices = append(notices, s.drainQueue(s.queues[prioritised])...)
	}

	s.mu.Unlock()

	for _, n := range notices {
		n.notify(n.granted)
	}
}

// drainQueue grants bytes against the shadow counters and returns the
// notify callbacks to fire, without invoking them itself: the caller
// fires them once s.mu is released.
func (s *Scheduler) drainQueue(q *list.List) []grantNotice {
	var notices []grantNotice
	for {
		e := q.Front()
		if e == nil {
			return notices
		}
		req := e.Value.(*Request)

		grant := req.Bytes
		for i := 0; i < req.NumChans; i++ {
			if avail := int(s.shadow[req.Channels[i]]); avail < grant {
				grant = avail
			}
		}
		if grant < 0 {
			grant = 0
		}

		if grant == 0 {
			// Front-of-queue is unsatisfiable this tick; stop draining
			// this priority class so later requests don't jump ahead
			// (strict FIFO, spec §4.2 failure semantics). Wake the peer
			// once per stall, not on every tick it remains blocked.
			if !req.zeroNotified {
				req.zeroNotified = true
				if req.notify != nil {
					notices = append(notices, grantNotice{req.notify, 0})
				}
			}
			return notices
		}

		for i := 0; i < req.NumChans; i++ {
			s.shadow[req.Channels[i]] -= float64(grant)
		}

		q.Remove(e)
		if req.notify != nil {
			notices = append(notices, grantNotice{req.notify, grant})
		}

		if grant < req.Bytes {
			// Partially satisfied: the caller's notify callback is
			// responsible for re-submitting the remainder.
			return notices
		}
	}
}

// QueueDepth returns the number of requests currently queued, split by
// priority, for diagnostics and tests.
func (s *Scheduler) QueueDepth() (prioritised, normal int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queues[true].Len(), s.queues[false].Len()
}
