// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pvbm_test

import (
	"testing"

	"code.hybscloud.com/pvbm"
)

// TestExternalPaddrFreedThroughPopHdrs confirms a caller-registered
// region's Free callback fires when a pvbuf tree holding one of its
// paddrs as a prefix is trimmed away via PopHdrs(compress=true).
func TestExternalPaddrFreedThroughPopHdrs(t *testing.T) {
	m := newTestManager(t, map[int]int{6: 40, 7: 40, 8: 40})
	var freedCount int
	m.RegisterShortRegion(0, 0, pvbm.RegionOps{
		Free:       func(pvbm.Paddr) { freedCount++ },
		BumpRefcnt: func(pvbm.Paddr) {},
	})

	data := fillPattern(100, 1)
	root := allocFilled(t, m, data)

	ext := pvbm.MakeShortPaddr(0, 0, 30)
	root, err := pvbm.Prepend(m, root, ext, 30, false)
	if err != nil {
		t.Fatalf("Prepend: %v", err)
	}

	root, dropped := pvbm.PopHdrs(m, root, 30, true, nil)
	if dropped != 30 {
		t.Fatalf("dropped = %d, want 30", dropped)
	}
	if freedCount != 1 {
		t.Fatalf("external region Free callback fired %d times, want 1", freedCount)
	}
	rest := linearize(t, m, root)
	if !bytesEqual(rest, data) {
		t.Fatalf("remainder mismatch after popping the external prefix")
	}
}

// TestExternalPaddrBumpRefcntOnClone confirms Clone bumps an external
// short-address region's refcount through its registered callback, the
// same way it bumps a native pbuf's atomic refcount, when the cloned
// range overlaps that region's leaf.
func TestExternalPaddrBumpRefcntOnClone(t *testing.T) {
	m := newTestManager(t, map[int]int{6: 10})
	var bumps int
	m.RegisterShortRegion(0, 0, pvbm.RegionOps{
		Free:       func(pvbm.Paddr) {},
		BumpRefcnt: func(pvbm.Paddr) { bumps++ },
	})

	root, _, err := m.PvbufTable().AllocEmpty(0)
	if err != nil {
		t.Fatalf("AllocEmpty: %v", err)
	}
	ext := pvbm.MakeShortPaddr(0, 0, 64)
	root, err = pvbm.Append(m, root, ext, 64, false)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	bumps = 0 // count only the bumps Clone makes, not Append's
	if _, _, err := pvbm.Clone(m, root, 0, 64); err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if bumps == 0 {
		t.Fatalf("expected Clone to bump the external region's refcount at least once")
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
