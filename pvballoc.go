// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pvbm

import (
	"unsafe"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/pvbm/internal"
)

const (
	pvbufNumClass      = 16
	pvbufMaxSlots      = 64
	pvbufMapSize       = int(unsafe.Sizeof(uint64(0)))
	pvbufDefaultClass  = 1 // "size class 2" per §4.5 step 1, zero-based
	pvbufDefaultFract  = 32768
)

// PvbufClassInit describes the backing memory and object count for one
// pvbuf allocator table entry (§6 Init API).
type PvbufClassInit struct {
	NumObjs int
	Base    []byte
}

// PvbufInitTable enumerates the 16 pvbuf size classes (1..16 cache lines).
type PvbufInitTable [pvbufNumClass]PvbufClassInit

// PvbufObjSize returns the backing object size in bytes for pvbuf size
// class sizeClass (0..15), i.e. (sizeClass+1) cache lines.
func PvbufObjSize(sizeClass uint8) int {
	return (int(sizeClass) + 1) * internal.CacheLineSize
}

// pvbufNumSlots returns how many iovec slots fit in a size-class object,
// after the 8-byte iovec_map header, capped at 64 (the map is one uint64).
func pvbufNumSlots(sizeClass uint8) int {
	n := (PvbufObjSize(sizeClass) - pvbufMapSize) / 8
	if n > pvbufMaxSlots {
		n = pvbufMaxSlots
	}
	return n
}

// PvbufAllocatorEntry wraps an ObjAllocator for one pvbuf size class, with
// a fallback allocator used when this entry is exhausted (§4.5).
type PvbufAllocatorEntry struct {
	sizeClass uint8
	alloc     *ObjAllocator
	smaller   *PvbufAllocatorEntry
}

// PvbufTable is the 16-entry size-class array of pvbuf allocators (§3.3).
type PvbufTable struct {
	entries [pvbufNumClass]*PvbufAllocatorEntry
	pbufs   *PbufTable
}

func newPvbufTable(init PvbufInitTable, pbufs *PbufTable) *PvbufTable {
	t := &PvbufTable{pbufs: pbufs}
	var smaller *PvbufAllocatorEntry
	for i := 0; i < pvbufNumClass; i++ {
		ci := init[i]
		if ci.NumObjs == 0 {
			continue
		}
		objSize := PvbufObjSize(uint8(i))
		e := &PvbufAllocatorEntry{
			sizeClass: uint8(i),
			alloc:     NewObjAllocator(ci.Base, ci.NumObjs, objSize, "pvbuf", 0),
			smaller:   smaller,
		}
		t.entries[i] = e
		smaller = e
	}
	return t
}

// AllocEmpty pulls a bare pvbuf from the given size class with its
// iovec_map zeroed and no slots occupied. Does not walk the fallback
// chain to a smaller class: a caller asking for a specific size class
// wants that class or nothing, per §4.5's "alloc_empty(size_class)".
func (t *PvbufTable) AllocEmpty(sizeClass uint8) (Paddr, *Pvbuf, error) {
	if int(sizeClass) >= pvbufNumClass {
		panic("pvbm: pvbuf size class out of range")
	}
	e := t.entries[sizeClass]
	if e == nil {
		return 0, nil, iox.ErrWouldBlock
	}
	return t.allocEmptyFrom(e)
}

func (t *PvbufTable) allocEmptyFrom(e *PvbufAllocatorEntry) (Paddr, *Pvbuf, error) {
	ptr, zindex, ok := e.alloc.Alloc()
	if !ok {
		return 0, nil, iox.ErrWouldBlock
	}
	*(*uint64)(ptr) = 0 // zero iovec_map; slot bytes are read only when their map bit is set
	pv := &Pvbuf{mem: ptr, numSlots: pvbufNumSlots(e.sizeClass)}
	return MakePvbufPaddr(e.sizeClass, zindex), pv, nil
}

// Free returns the pvbuf object backing p to its owning allocator. The
// caller must have already freed/cleared every occupied slot.
func (t *PvbufTable) Free(p Paddr) {
	e := t.entries[p.PvbufSizeClass()]
	e.alloc.FreeByIndex(p.PvbufIndex())
}

// nextChunkSize implements the §4.5/§9 size-balancing policy: prefer the
// smallest pbuf class that still satisfies remaining in one shot, unless
// doing so would waste more than 1/fract of the chosen class's capacity,
// in which case it steps down one class at a time. With the default
// fract (32768) any nonzero slack triggers a step down, so chunks fill
// their pbufs to the brim (e.g. 1000 bytes become 512+256+128+64+40);
// only a small fract lets a chunk leave slack in a larger class.
func nextChunkSize(remaining int, fract int) int {
	chunk := remaining
	if chunk > pbufMaxLength {
		chunk = pbufMaxLength
	}
	shift := pbufSizeToShift(chunk)
	capacity := 1 << shift
	slack := capacity - chunk
	for shift > pbufMinShift && slack*fract > capacity {
		shift--
		capacity = 1 << shift
		if chunk > capacity {
			chunk = capacity
		}
		slack = capacity - chunk
	}
	return chunk
}

// Alloc implements pvbuf_alloc (§4.5): it picks an initial pvbuf size
// class, fills its slots starting at pvbufOff with pbufs drawn from the
// pbuf table until sizeHint bytes are covered (or the node runs out of
// slots), and steps down to progressively smaller pvbuf size classes if
// the pvbuf node itself cannot be allocated. Exhaustion of the pbuf
// table while filling is a genuine resource-exhaustion error, not a
// reason to try a different pvbuf size class.
func (t *PvbufTable) Alloc(sizeHint int, fract int, pvbufOff int) (Paddr, *Pvbuf, error) {
	if fract <= 0 {
		fract = t.pbufs.Fract
		if fract <= 0 {
			fract = pvbufDefaultFract
		}
	}
	startIdx := pvbufDefaultClass
	if t.entries[startIdx] == nil {
		startIdx = 0
	}
	var lastErr error = iox.ErrWouldBlock
	for e := t.entries[startIdx]; e != nil; e = e.smaller {
		paddr, pv, err := t.allocEmptyFrom(e)
		if err != nil {
			lastErr = err
			continue
		}
		filled, fillErr := t.fillSlots(pv, sizeHint, fract, pvbufOff)
		if fillErr != nil {
			t.freeFilled(pv, pvbufOff)
			t.Free(paddr)
			return 0, nil, fillErr
		}
		return paddr.SetLength(uint32(filled)), pv, nil
	}
	return 0, nil, lastErr
}

func (t *PvbufTable) fillSlots(pv *Pvbuf, sizeHint int, fract int, startSlot int) (int, error) {
	filled := 0
	slot := startSlot
	for filled < sizeHint && slot < pv.numSlots {
		chunk := nextChunkSize(sizeHint-filled, fract)
		paddr, _, err := t.pbufs.Alloc(chunk, false, false)
		if err != nil {
			return filled, err
		}
		pv.setEnt(slot, paddr)
		filled += chunk
		slot++
	}
	return filled, nil
}

func (t *PvbufTable) freeFilled(pv *Pvbuf, startSlot int) {
	for i := startSlot; i < pv.numSlots; i++ {
		if pv.Occupied(i) {
			t.pbufs.Free(pv.Get(i))
			pv.clearEnt(i)
		}
	}
}

// Stats aggregates per-size-class counters for the diagnostic interface.
func (t *PvbufTable) Stats() []ObjAllocatorStats {
	var out []ObjAllocatorStats
	for _, e := range t.entries {
		if e != nil {
			out = append(out, e.alloc.Stats())
		}
	}
	return out
}
