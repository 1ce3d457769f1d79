// SPDX-License-Identifier: AGPL-3.0-only

// Package linearpool implements a page-chained bump allocator. An Arena
// serves many small, same-lifetime allocations by carving them out of
// large fixed-size pages and releases them all at once, trading per-object
// bookkeeping for a single cursor advance on the hot path.
package linearpool

import (
	"unsafe"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const (
	// DefaultTargetPageSize is the page size used when no average
	// allocation size hint is given to New.
	DefaultTargetPageSize = 16 * 1024

	// minObjectsPerPage is the floor applied to the sizing policy, so a
	// very large average allocation size hint can't produce a page that
	// holds fewer than this many objects.
	minObjectsPerPage = 4
)

// pageHeaderSize is the per-page descriptor overhead, charged against the
// target page size by the sizing policy exactly like an in-band header
// would be.
const pageHeaderSize = int(unsafe.Sizeof(page{}))

// page is a fixed-capacity block in the arena's chain. buf is the usable
// region; its length is pageSize-pageHeaderSize and never changes for the
// arena's lifetime. Pages are created only by the arena and their buffers
// returned only by Release, never individually.
type page struct {
	next *page
	buf  []byte
}

// Arena is a bump allocator over an append-only, exclusively owned chain
// of fixed-size pages. Alloc carves from the tail page and chains a new
// page when the tail runs out; Release walks the chain once and returns
// every page.
//
// An Arena is NOT concurrency safe: Alloc, RewindTo, MemUsage and Release
// mutate the bump cursor and tail pointer without synchronization and must
// be serialized by the caller. Growing and releasing independent arenas
// from different goroutines is safe: the optional UsageTracker and Pool
// are internally synchronized.
type Arena struct {
	pageSize     int
	maxAllocSize int

	pages   *page // chain head, set on first growth
	current *page // chain tail, the page being filled
	next    int   // bump cursor: offset into current.buf

	numPages int // pages allocated so far
	pool     Pool
	logger   log.Logger
	tracker  *UsageTracker
}

// New creates an empty arena; no page is allocated until the first Alloc.
//
// averageAllocSize is a hint: when positive, the page size is chosen so
// that a whole number of average-sized objects fits a target-sized page
// (floored at minObjectsPerPage objects); when zero or negative the
// default target page size is used directly. The page size and the
// derived max allocation size are fixed for the arena's lifetime.
//
// pages, logger and tracker are all optional: a nil Pool means page
// buffers are heap allocated and dropped on Release, a nil logger
// silences diagnostics and a nil tracker disables accounting.
func New(averageAllocSize int, pages Pool, logger log.Logger, tracker *UsageTracker) *Arena {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	pageSize := DefaultTargetPageSize
	if averageAllocSize > 0 {
		count := (DefaultTargetPageSize - pageHeaderSize) / averageAllocSize
		if count < minObjectsPerPage {
			count = minObjectsPerPage
		}
		pageSize = count*averageAllocSize + pageHeaderSize
	}

	return &Arena{
		pageSize:     pageSize,
		maxAllocSize: pageSize - pageHeaderSize,
		pool:         pages,
		logger:       logger,
		tracker:      tracker,
	}
}

// Alloc returns a slice of exactly size bytes carved from the current
// page, chaining a new page first when the remaining space doesn't fit.
// The returned memory is NOT zeroed (page buffers may be recycled through
// the page source); callers are expected to construct into it. There is
// no alignment guarantee beyond byte addressing: callers needing specific
// alignment must pad size themselves.
//
// Requests larger than MaxAllocSize can never fit a page; they return nil
// after emitting a warning, with no page allocated as a side effect.
// Requests of zero or negative size return nil silently.
func (a *Arena) Alloc(size int) []byte {
	if size <= 0 {
		return nil
	}
	if size > a.maxAllocSize {
		level.Warn(a.logger).Log("msg", "allocation request exceeds the arena's max allocation size", "size", size, "max_alloc_size", a.maxAllocSize)
		a.tracker.trackRejected()
		return nil
	}

	// The fill bound is inclusive: a request that parks the cursor exactly
	// at the end of the page is satisfied in place.
	if a.current == nil || a.next+size > len(a.current.buf) {
		a.grow()
	}

	b := a.current.buf[a.next : a.next+size : a.next+size]
	a.next += size
	return b
}

// grow chains a brand-new page as the tail and resets the bump cursor to
// its start. A failure to obtain the backing buffer follows the runtime's
// out of memory convention; no partially linked page is ever observable.
func (a *Arena) grow() {
	usable := a.pageSize - pageHeaderSize

	var buf []byte
	if a.pool != nil {
		buf = a.pool.Get(usable)
	} else {
		buf = make([]byte, usable)
	}

	p := &page{buf: buf}
	if a.current != nil {
		a.current.next = p
	} else {
		a.pages = p
	}
	a.current = p
	a.next = 0
	a.numPages++

	a.tracker.trackPageAlloc(a.pageSize)
}

// RewindTo retracts the bump cursor to the first byte of b, so space that
// was provisionally claimed and then abandoned (e.g. a speculative
// construction that failed) is reused by the next Alloc.
//
// The rewind is honored only when b's first byte lies within the current
// page's usable range; a target in an earlier, already-sealed page (or
// foreign memory entirely) is a deliberate silent no-op: the arena never
// reclaims across page boundaries. This is not a general free: it moves
// the single shared cursor, so callers must guarantee strict stack
// discipline (last allocated, first rewound) and must not retain
// allocations made past the rewind point.
func (a *Arena) RewindTo(b []byte) {
	if a.current == nil || len(b) == 0 {
		return
	}

	// Address containment check only, half-open on the page end. No
	// pointer is dereferenced or re-materialized from an integer.
	start := uintptr(unsafe.Pointer(unsafe.SliceData(a.current.buf)))
	end := start + uintptr(len(a.current.buf))
	ptr := uintptr(unsafe.Pointer(unsafe.SliceData(b)))
	if ptr < start || ptr >= end {
		return
	}

	a.next = int(ptr - start)
}

// Copy allocates len(src) bytes and copies src into them. It fails (and
// diagnoses) exactly like Alloc when src exceeds MaxAllocSize. Empty
// input returns nil without diagnostics.
func (a *Arena) Copy(src []byte) []byte {
	if len(src) == 0 {
		return nil
	}
	dst := a.Alloc(len(src))
	copy(dst, src)
	return dst
}

// CopyString is Copy for a string source.
func (a *Arena) CopyString(s string) []byte {
	if len(s) == 0 {
		return nil
	}
	dst := a.Alloc(len(s))
	copy(dst, s)
	return dst
}

// MemUsage returns the total bytes reserved by the arena: the page size
// times the number of chained pages, regardless of how much of each page
// has actually been carved out. It is monotonically non-decreasing under
// Alloc, unaffected by RewindTo and zero after Release.
func (a *Arena) MemUsage() int {
	total := 0
	for p := a.pages; p != nil; p = p.next {
		total += a.pageSize
	}
	return total
}

// NumPages returns the number of pages chained so far.
func (a *Arena) NumPages() int { return a.numPages }

// Remaining returns the free bytes left in the current page, or zero when
// no page has been chained yet.
func (a *Arena) Remaining() int {
	if a.current == nil {
		return 0
	}
	return len(a.current.buf) - a.next
}

// PageSize returns the fixed per-page reservation, header included.
func (a *Arena) PageSize() int { return a.pageSize }

// MaxAllocSize returns the largest request Alloc can satisfy.
func (a *Arena) MaxAllocSize() int { return a.maxAllocSize }

// Release walks the chain head to tail exactly once, returning every page
// buffer to the page source and unwinding the tracker's accounting. After
// Release the arena is empty and may be reused, but slices previously
// returned by Alloc must no longer be accessed. This is the only
// reclamation path: individual allocations are never released.
func (a *Arena) Release() {
	for p := a.pages; p != nil; {
		next := p.next

		if a.pool != nil {
			a.pool.Put(p.buf)
		}
		a.tracker.trackPageRelease(a.pageSize)

		// Make sure a released page doesn't retain references.
		p.buf = nil
		p.next = nil
		p = next
	}

	a.pages = nil
	a.current = nil
	a.next = 0
	a.numPages = 0
}
