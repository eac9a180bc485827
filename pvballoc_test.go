// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pvbm_test

import (
	"testing"

	"code.hybscloud.com/pvbm"
)

func TestPvbufTable_AllocEmptyBasic(t *testing.T) {
	m := newTestManager(t, map[int]int{6: 10})
	p, pv, err := m.PvbufTable().AllocEmpty(2)
	if err != nil {
		t.Fatalf("AllocEmpty: %v", err)
	}
	if p.Tag() != pvbm.TagPvbuf {
		t.Fatalf("tag = %v, want pvbuf", p.Tag())
	}
	if p.PvbufSizeClass() != 2 {
		t.Fatalf("size class = %d, want 2", p.PvbufSizeClass())
	}
	for i := 0; i < pv.NumSlots(); i++ {
		if pv.Occupied(i) {
			t.Fatalf("slot %d occupied on a fresh node", i)
		}
	}
}

func TestPvbufTable_AllocEmptyUnpopulatedClassErrors(t *testing.T) {
	// newTestManager populates every pvbuf class, so build a manager
	// whose pvbuf class 0 is left unpopulated.
	var pbufInit pvbm.PbufInitTable
	pbufInit[0] = pvbm.PbufClassInit{NumObjs: 10, Base: make([]byte, 10*64)}
	var pvbufInit pvbm.PvbufInitTable
	pvbufInit[2] = pvbm.PvbufClassInit{NumObjs: 4, Base: make([]byte, 4*pvbm.PvbufObjSize(2))}
	m, err := pvbm.Init(pbufInit, pvbufInit)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	_, _, err = m.PvbufTable().AllocEmpty(0)
	if err == nil {
		t.Fatalf("expected error allocating from an unpopulated size class")
	}
}

// TestPvbufTable_AllocFillsSlotsForSizeHint exercises Alloc's size-hint
// chunking: 300 bytes at the default fract must be coverable using only
// the 64B/128B/256B pbuf classes and land within one pvbuf node.
func TestPvbufTable_AllocFillsSlotsForSizeHint(t *testing.T) {
	m := newTestManager(t, map[int]int{6: 50, 7: 50, 8: 50})
	root, pv, err := m.PvbufTable().Alloc(300, 0, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if root.Length() != 300 {
		t.Fatalf("stored length = %d, want 300", root.Length())
	}
	var covered uint32
	for i := 0; i < pv.NumSlots(); i++ {
		if pv.Occupied(i) {
			covered += pv.Get(i).Length()
		}
	}
	if covered != 300 {
		t.Fatalf("slots cover %d bytes, want 300", covered)
	}
}

// TestPvbufTable_AllocOffsetLeavesPrefixSlotsFree checks pvbufOff: slots
// below the offset stay unoccupied so a later Prepend has room.
func TestPvbufTable_AllocOffsetLeavesPrefixSlotsFree(t *testing.T) {
	m := newTestManager(t, map[int]int{6: 50, 7: 50})
	_, pv, err := m.PvbufTable().Alloc(64, 0, 3)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	for i := 0; i < 3; i++ {
		if pv.Occupied(i) {
			t.Fatalf("slot %d occupied despite pvbufOff=3", i)
		}
	}
	if !pv.Occupied(3) {
		t.Fatalf("slot 3 should be the first occupied slot")
	}
}

// TestPvbufTable_AllocExhaustionReturnsWithoutLeaking covers the failure
// path: when the pbuf table cannot cover sizeHint, Alloc must return an
// error and free everything it provisionally allocated rather than
// leaking a partially filled node.
func TestPvbufTable_AllocExhaustionReturnsWithoutLeaking(t *testing.T) {
	m := newTestManager(t, map[int]int{6: 1})
	if _, _, err := m.PvbufTable().Alloc(1000, 0, 0); err == nil {
		t.Fatalf("expected exhaustion error covering 1000 bytes with a single 64B object")
	}
	// The one 64B object must be free again: a request that only needs
	// it must succeed, not fail from a leaked allocation.
	if _, _, err := m.PbufTable().Alloc(64, false, false); err != nil {
		t.Fatalf("64B object was not returned to the pool after Alloc failure: %v", err)
	}
}

func TestPvbufTable_Stats(t *testing.T) {
	m := newTestManager(t, map[int]int{6: 10})
	if _, _, err := m.PvbufTable().AllocEmpty(2); err != nil {
		t.Fatalf("AllocEmpty: %v", err)
	}
	found := false
	for _, s := range m.PvbufTable().Stats() {
		if s.Allocs > 0 {
			found = true
		}
	}
	if !found {
		t.Fatalf("Stats reported no allocations after AllocEmpty")
	}
}
