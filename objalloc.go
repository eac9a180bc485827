// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pvbm

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

// objAllocMagic guards against use of a wild or uninitialized allocator.
const objAllocMagic = 0x70766265 // "pvbe"

// ObjAllocator is a freelist allocator over a homogeneous, contiguous,
// caller-supplied region of max_objs*obj_size bytes. Free objects are
// threaded into a singly-linked list through their first machine word;
// alloc and free serialize on a mutex. This is the building block for
// both the pbuf and pvbuf allocator tables (§4.2).
type ObjAllocator struct {
	_ noCopy

	mu sync.Mutex

	base      unsafe.Pointer
	objSize   uintptr
	numObjs   uint32
	baseIndex uint32
	name      string
	magic     uint32

	freeHead unsafe.Pointer // nil when the freelist is empty

	numFree    atomic.Uint32
	allocs     atomic.Uint64
	allocFails atomic.Uint64
}

// ObjAllocatorStats is a snapshot of an ObjAllocator's counters, used by
// the diagnostic interface (show_buffer_manager, §6).
type ObjAllocatorStats struct {
	Name       string
	Capacity   uint32
	NumFree    uint32
	Allocs     uint64
	AllocFails uint64
}

// NewObjAllocator threads a freelist through base and publishes the
// allocator's magic number. base must be at least numObjs*objSize bytes
// and must outlive the allocator. baseIndex is the index reported for
// the first object (0 is reserved to mean "null index"; callers that
// want 0 to denote "no object" should pass baseIndex >= 1).
func NewObjAllocator(base []byte, numObjs int, objSize int, name string, baseIndex uint32) *ObjAllocator {
	if numObjs < 1 {
		panic("pvbm: numObjs must be >= 1")
	}
	if objSize < int(unsafe.Sizeof(uintptr(0))) {
		panic("pvbm: objSize must be large enough to hold a freelist pointer")
	}
	if len(base) < numObjs*objSize {
		panic("pvbm: backing region smaller than numObjs*objSize")
	}
	a := &ObjAllocator{
		base:      unsafe.Pointer(unsafe.SliceData(base)),
		objSize:   uintptr(objSize),
		numObjs:   uint32(numObjs),
		baseIndex: baseIndex,
		name:      name,
		magic:     objAllocMagic,
	}
	// Thread the freelist front-to-back; object i's first word points to
	// object i+1, the last object's first word is nil.
	for i := numObjs - 1; i >= 0; i-- {
		obj := unsafe.Add(a.base, uintptr(i)*a.objSize)
		*(*unsafe.Pointer)(obj) = a.freeHead
		a.freeHead = obj
	}
	a.numFree.Store(uint32(numObjs))
	return a
}

func (a *ObjAllocator) checkMagic() {
	if a.magic != objAllocMagic {
		panic("pvbm: object allocator magic mismatch (wild pointer or uninitialized allocator)")
	}
}

// Alloc pops the freelist head and returns the object's pointer and
// absolute index (including baseIndex). ok is false if the allocator is
// exhausted.
func (a *ObjAllocator) Alloc() (ptr unsafe.Pointer, index uint32, ok bool) {
	a.checkMagic()
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.freeHead == nil {
		a.allocFails.Add(1)
		return nil, 0, false
	}
	obj := a.freeHead
	a.freeHead = *(*unsafe.Pointer)(obj)
	a.numFree.Add(^uint32(0)) // -1
	a.allocs.Add(1)
	if debugValidateAllocators {
		a.debugValidate()
	}
	return obj, a.ObjToIndex(obj), true
}

// Free pushes ptr back onto the freelist. Detects double-free by
// walking the existing list when debug validation is enabled (§4.2).
func (a *ObjAllocator) Free(ptr unsafe.Pointer) {
	a.checkMagic()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freeLocked(ptr)
}

func (a *ObjAllocator) freeLocked(ptr unsafe.Pointer) {
	if debugValidateAllocators {
		for p := a.freeHead; p != nil; p = *(*unsafe.Pointer)(p) {
			if p == ptr {
				panic("pvbm: double free detected")
			}
		}
	}
	*(*unsafe.Pointer)(ptr) = a.freeHead
	a.freeHead = ptr
	a.numFree.Add(1)
	if debugValidateAllocators {
		a.debugValidate()
	}
}

// FreeByIndex is equivalent to Free(a.IndexToObj(i)).
func (a *ObjAllocator) FreeByIndex(i uint32) {
	a.Free(a.IndexToObj(i))
}

// IndexToObj returns the object pointer for absolute index i. O(1).
func (a *ObjAllocator) IndexToObj(i uint32) unsafe.Pointer {
	a.checkMagic()
	if i < a.baseIndex || i >= a.baseIndex+a.numObjs {
		panic("pvbm: object index out of range")
	}
	return unsafe.Add(a.base, uintptr(i-a.baseIndex)*a.objSize)
}

// BaseIndex returns the index assigned to this allocator's first object.
func (a *ObjAllocator) BaseIndex() uint32 { return a.baseIndex }

// ObjToIndex returns the absolute index of object pointer p. O(1).
func (a *ObjAllocator) ObjToIndex(p unsafe.Pointer) uint32 {
	a.checkMagic()
	off := uintptr(p) - uintptr(a.base)
	if off%a.objSize != 0 || off/a.objSize >= uintptr(a.numObjs) {
		panic("pvbm: pointer does not belong to this allocator")
	}
	return a.baseIndex + uint32(off/a.objSize)
}

// Stats returns a snapshot of this allocator's counters. Reads outside
// the mutex are advisory (§4.2).
func (a *ObjAllocator) Stats() ObjAllocatorStats {
	return ObjAllocatorStats{
		Name:       a.name,
		Capacity:   a.numObjs,
		NumFree:    a.numFree.Load(),
		Allocs:     a.allocs.Load(),
		AllocFails: a.allocFails.Load(),
	}
}

// debugValidate walks the freelist and asserts its length matches
// numFree. Caller must hold a.mu.
func (a *ObjAllocator) debugValidate() {
	n := uint32(0)
	for p := a.freeHead; p != nil; p = *(*unsafe.Pointer)(p) {
		n++
		if n > a.numObjs {
			panic("pvbm: freelist longer than capacity (corruption)")
		}
	}
	if n != a.numFree.Load() {
		panic("pvbm: freelist length does not match numFree counter")
	}
}
