// SPDX-License-Identifier: AGPL-3.0-only

package linearpool

import (
	"sync"
)

// Pool is an abstraction for a source of page buffers, so page memory can
// be recycled across arenas instead of going back to the heap on every
// Release.
type Pool interface {
	// Get returns a buffer of length sz.
	Get(sz int) []byte

	// Put puts a buffer back into the pool.
	Put(s []byte)
}

type pagePool struct {
	p sync.Pool
}

// NewPagePool returns a sync.Pool backed Pool. Get reuses a pooled buffer
// whenever its capacity suffices, reslicing it to the requested length,
// and falls back to the heap otherwise. Recycled buffers carry whatever
// bytes the previous owner wrote; this matches the arena's contract that
// allocated memory is not zeroed.
func NewPagePool() Pool {
	return &pagePool{}
}

func (p *pagePool) Get(sz int) []byte {
	if b, ok := p.p.Get().([]byte); ok && cap(b) >= sz {
		return b[:sz]
	}
	return make([]byte, sz)
}

func (p *pagePool) Put(s []byte) {
	if s == nil {
		return
	}
	p.p.Put(s) //nolint:staticcheck
}
