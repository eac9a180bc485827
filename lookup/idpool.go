// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package lookup

import (
	"math"
	"sync/atomic"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/spin"
)

const (
	idPoolEmpty    = 1 << 62
	idPoolTurnMask = idPoolEmpty>>32 - 1
)

// IDPool recycles small integer entry identities for a dynamic lookup
// table: Get draws a fresh or previously-freed id, Put returns one for
// reuse. It is a lock-free MPMC bounded queue
// (https://nikitakoval.org/publications/ppopp20-queues.pdf) that hands
// out bare identities (the module's buffer allocators, by contrast, are
// mutex-guarded freelists) —
// tables are assumed small (§4.11), so a bounded ring is the right shape.
// Safe for concurrent use.
type IDPool struct {
	capacity  uint32
	mask      uint32
	entries   []atomic.Uint64
	remapM    uint32
	remapN    uint32
	remapMask uint32

	head, tail atomic.Uint32
}

// NewIDPool creates a pool prestocked with ids [0, capacity). capacity
// is rounded up to the next power of two.
func NewIDPool(capacity int) *IDPool {
	if capacity < 1 || capacity > math.MaxUint32 {
		panic("lookup: capacity must be between 1 and MaxUint32")
	}
	capacity--
	capacity |= capacity >> 1
	capacity |= capacity >> 2
	capacity |= capacity >> 4
	capacity |= capacity >> 8
	capacity |= capacity >> 16
	capacity++

	remapM := min(uint32(8), uint32(capacity))
	remapN := max(uint32(1), uint32(capacity)/remapM)

	p := &IDPool{
		capacity:  uint32(capacity),
		mask:      uint32(capacity - 1),
		entries:   make([]atomic.Uint64, capacity),
		remapM:    remapM,
		remapN:    remapN,
		remapMask: remapN - 1,
	}
	for i := range p.entries {
		p.entries[i].Store(uint64(i))
	}
	p.tail.Store(p.capacity)
	return p
}

func (p *IDPool) remap(cursor uint32) int {
	q, r := cursor/p.remapN, cursor&p.remapMask
	return int(r*p.remapM + q%p.remapM)
}

func (p *IDPool) empty(turn uint32) uint64 {
	return idPoolEmpty | uint64(turn&idPoolTurnMask)
}

// Get draws an id from the pool. Returns iox.ErrWouldBlock if every id
// is currently checked out.
func (p *IDPool) Get() (uint32, error) {
	var sw spin.Wait
	for {
		h, t := p.head.Load(), p.tail.Load()
		hi := p.remap(h & p.mask)
		e := p.entries[hi].Load()

		if h != p.head.Load() {
			sw.Once()
			continue
		}
		if h == t {
			return 0, iox.ErrWouldBlock
		}
		nextTurn := (h/p.capacity + 1) & idPoolTurnMask
		if e == p.empty(nextTurn) {
			p.head.CompareAndSwap(h, h+1)
			sw.Once()
			continue
		}
		ok := p.entries[hi].CompareAndSwap(e, p.empty(nextTurn))
		p.head.CompareAndSwap(h, h+1)
		if ok {
			return uint32(e), nil
		}
		sw.Once()
	}
}

// Put returns id to the pool.
func (p *IDPool) Put(id uint32) error {
	var sw spin.Wait
	e := uint64(id)
	for {
		h, t := p.head.Load(), p.tail.Load()
		if t != p.tail.Load() {
			sw.Once()
			continue
		}
		if t == h+p.capacity {
			return iox.ErrWouldBlock
		}
		turn, ti := (t/p.capacity)&idPoolTurnMask, p.remap(t)
		ok := p.entries[ti].CompareAndSwap(p.empty(turn), e)
		p.tail.CompareAndSwap(t, t+1)
		if ok {
			return nil
		}
		sw.Once()
	}
}

// Cap returns the pool's capacity.
func (p *IDPool) Cap() int { return int(p.capacity) }
