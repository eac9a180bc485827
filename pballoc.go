// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pvbm

import (
	"sync/atomic"
	"unsafe"

	"code.hybscloud.com/iox"
)

const (
	pbufMinShift     = 6  // 64 B
	pbufMaxShift     = 20 // 1 MiB
	pbufNumSizeClass = pbufMaxShift - pbufMinShift + 1
)

// PbufClassInit describes the backing memory and object count for one
// pbuf allocator table entry (§6 Init API).
type PbufClassInit struct {
	NumObjs int
	Base    []byte
}

// PbufInitTable enumerates the 15 pbuf size classes (shifts 6..20
// inclusive, 64 B .. 1 MiB).
type PbufInitTable [pbufNumSizeClass]PbufClassInit

// PbufAllocatorEntry wraps an ObjAllocator for one pbuf size class,
// together with a per-object atomic refcount array and a fallback
// allocator used when this entry is exhausted (§4.3, §3.3). Unlike the
// pvbuf table's size classes, a pbuf's payload must physically fit its
// object, so the fallback chain escalates to the next larger populated
// class rather than a smaller one.
type PbufAllocatorEntry struct {
	shift    uint8
	alloc    *ObjAllocator
	refcnt   []atomic.Uint32
	fallback *PbufAllocatorEntry
}

// PbufTable is the 15-entry size-class array of pbuf allocators (§3.3).
type PbufTable struct {
	entries [pbufNumSizeClass]*PbufAllocatorEntry

	// Fract governs the "step down to a smaller allocator" size-balancing
	// policy used by the pvbuf allocator (§4.5, §9): when the unused tail
	// of the last pbuf placed would exceed 1/Fract of the allocation, a
	// smaller pbuf class is preferred. Defaults to 32768 per spec.
	Fract int

	// AllocOneRef makes every newly allocated pbuf a tag-0011
	// single-reference buffer by default (§6 Init API alloc_one_ref).
	AllocOneRef bool
}

func pbufShiftIndex(shift uint8) int { return int(shift) - pbufMinShift }

// newPbufTable builds a PbufTable from init, wiring each entry's
// fallback to the next larger populated class, so an exhausted class
// degrades to wasting headroom in a bigger object rather than failing
// outright (§4.3).
func newPbufTable(init PbufInitTable) *PbufTable {
	t := &PbufTable{Fract: 32768}
	for i := 0; i < pbufNumSizeClass; i++ {
		ci := init[i]
		if ci.NumObjs == 0 {
			continue
		}
		shift := uint8(pbufMinShift + i)
		objSize := 1 << shift
		t.entries[i] = &PbufAllocatorEntry{
			shift:  shift,
			alloc:  NewObjAllocator(ci.Base, ci.NumObjs, objSize, "pbuf", 0),
			refcnt: make([]atomic.Uint32, ci.NumObjs),
		}
	}
	var larger *PbufAllocatorEntry
	for i := pbufNumSizeClass - 1; i >= 0; i-- {
		e := t.entries[i]
		if e == nil {
			continue
		}
		e.fallback = larger
		larger = e
	}
	return t
}

func pbufSizeToShift(size int) uint8 {
	if size <= 0 {
		return pbufMinShift
	}
	shift := uint8(pbufMinShift)
	for (1 << shift) < size {
		shift++
		if shift > pbufMaxShift {
			break
		}
	}
	return shift
}

// Alloc rounds size up to the nearest supported size shift (6..20) and
// pulls an object from that class, falling back to progressively
// larger classes per §4.3 if the native class is unpopulated or
// exhausted. When
// tailAligned is set, the in-pbuf offset is chosen so the payload abuts
// the pbuf's end, maximizing prepend headroom. singleRef forces a
// tag-0011 paddr for this allocation regardless of AllocOneRef.
func (t *PbufTable) Alloc(size int, tailAligned bool, singleRef bool) (Paddr, []byte, error) {
	shift := pbufSizeToShift(size)
	if shift > pbufMaxShift {
		panic("pvbm: requested pbuf size exceeds 1 MiB maximum class")
	}
	idx := pbufShiftIndex(shift)
	for idx < pbufNumSizeClass && t.entries[idx] == nil {
		idx++ // native class unpopulated: start at the next larger populated one
	}
	if idx == pbufNumSizeClass {
		return 0, nil, iox.ErrWouldBlock
	}
	for e := t.entries[idx]; e != nil; e = e.fallback {
		if p, data, ok := t.allocFrom(e, size, tailAligned, singleRef); ok {
			return p, data, nil
		}
	}
	return 0, nil, iox.ErrWouldBlock
}

func (t *PbufTable) allocFrom(e *PbufAllocatorEntry, size int, tailAligned bool, singleRef bool) (Paddr, []byte, bool) {
	ptr, zindex, ok := e.alloc.Alloc()
	if !ok {
		return 0, nil, false
	}
	objSize := 1 << e.shift
	data := unsafe.Slice((*byte)(ptr), objSize)

	intraOffset := 0
	if tailAligned && size < objSize {
		intraOffset = objSize - size
	}

	single := singleRef || t.AllocOneRef
	slot := zindex - e.alloc.BaseIndex()
	if !single {
		e.refcnt[slot].Store(1)
	}
	paddr := MakePbufPaddr(single, e.shift, zindex, uint32(intraOffset), uint32(size))
	return paddr, data[intraOffset : intraOffset+size], true
}

func (t *PbufTable) entryFor(p Paddr) *PbufAllocatorEntry {
	return t.entries[pbufShiftIndex(p.PbufSizeShift())]
}

// Data returns the payload bytes backing pbuf paddr p (from its intra-
// object offset, for p.Length() bytes).
func (t *PbufTable) Data(p Paddr) []byte {
	e := t.entryFor(p)
	ptr := e.alloc.IndexToObj(p.PbufZIndex())
	objSize := 1 << e.shift
	data := unsafe.Slice((*byte)(ptr), objSize)
	return data[p.PbufIntraOffset() : p.PbufIntraOffset()+p.Length()]
}

// BumpRefcnt atomically increments the refcount for the object backing
// p. Forbidden on single-reference paddrs (§4.3).
func (t *PbufTable) BumpRefcnt(p Paddr) {
	if p.IsSingleRef() {
		panic("pvbm: BumpRefcnt called on single-reference pbuf")
	}
	e := t.entryFor(p)
	e.refcnt[p.PbufZIndex()-e.alloc.BaseIndex()].Add(1)
}

// Free releases p. For single-reference paddrs this asserts the
// refcount slot is still zero and returns the object directly; for
// shared paddrs it atomically decrements and frees the object only on
// last reference (§4.3, §3.1 invariants).
func (t *PbufTable) Free(p Paddr) {
	e := t.entryFor(p)
	slot := p.PbufZIndex() - e.alloc.BaseIndex()
	if p.IsSingleRef() {
		if e.refcnt[slot].Load() != 0 {
			panic("pvbm: single-reference pbuf has nonzero refcount at free")
		}
		e.alloc.FreeByIndex(p.PbufZIndex())
		return
	}
	if e.refcnt[slot].Add(^uint32(0)) == 0 { // decrement, check for last ref
		e.alloc.FreeByIndex(p.PbufZIndex())
	}
}

// Headroom returns the unused prefix space (in bytes) available before
// p's payload within its owning pbuf object.
func (t *PbufTable) Headroom(p Paddr) int {
	return int(p.PbufIntraOffset())
}

// Tailroom returns the unused suffix space (in bytes) available after
// p's payload within its owning pbuf object.
func (t *PbufTable) Tailroom(p Paddr) int {
	objSize := 1 << p.PbufSizeShift()
	used := int(p.PbufIntraOffset()) + int(p.Length())
	return objSize - used
}

// Stats aggregates per-size-class counters for the diagnostic interface.
func (t *PbufTable) Stats() []ObjAllocatorStats {
	var out []ObjAllocatorStats
	for _, e := range t.entries {
		if e != nil {
			out = append(out, e.alloc.Stats())
		}
	}
	return out
}
