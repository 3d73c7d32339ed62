// Package diskbuf implements the bounded free-list of fixed-size block
// buffers shared by the receive path (socket -> buffer -> disk write) and
// the hash path (disk read -> buffer -> hasher), per spec §4.3.
//
// Grounded on the teacher's diskio.Writer: a mutex-guarded struct holding a
// map of resources (there, open *os.File handles; here, byte-slice
// buffers), with the same "cache of reusable resources behind one lock"
// shape.
package diskbuf

import (
	"sync"

	"github.com/mccartykim/wong-bittorrent/ed2kerr"
)

// Pool is a bounded free-list of fixed-size byte buffers. All mutation is
// serialised on the event-loop thread (spec §4.3); the mutex guards the
// free-list so Allocate and Free are also safe from other goroutines.
type Pool struct {
	mu         sync.Mutex
	bufferSize int
	total      int
	free       [][]byte
}

// New creates a pool of n buffers of the given size, all initially free.
func New(bufferSize, n int) *Pool {
	p := &Pool{
		bufferSize: bufferSize,
		total:      n,
		free:       make([][]byte, 0, n),
	}
	for i := 0; i < n; i++ {
		p.free = append(p.free, make([]byte, bufferSize))
	}
	return p
}

// Allocate returns a free buffer, or a storage/out-of-memory error if the
// pool is exhausted.
func (p *Pool) Allocate() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return nil, ed2kerr.New(ed2kerr.KindStorage, ed2kerr.CodeFileUnavailable, "buffer pool exhausted")
	}

	n := len(p.free) - 1
	buf := p.free[n]
	p.free = p.free[:n]
	return buf, nil
}

// Free returns buf to the pool. buf must have been obtained from Allocate
// on this pool and not be reused by the caller afterward.
func (p *Pool) Free(buf []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.free = append(p.free, buf[:cap(buf)][:p.bufferSize])
}

// InUse returns the number of buffers currently checked out.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total - len(p.free)
}

// Total returns the total number of buffers the pool was created with,
// satisfying the invariant in_use + free = total_allocated (spec §4.3).
func (p *Pool) Total() int {
	return p.total
}

// BufferSize returns the fixed size of each buffer in the pool.
func (p *Pool) BufferSize() int {
	return p.bufferSize
}
