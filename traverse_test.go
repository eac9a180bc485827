// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pvbm_test

import (
	"testing"

	"code.hybscloud.com/pvbm"
)

// rfc1071 is a reference one's-complement checksum computed directly
// over a flat buffer, independent of any leaf boundaries, to check
// Checksum's cross-leaf carry handling.
func rfc1071(data []byte) uint16 {
	var sum uint32
	for i := 0; i < len(data); i += 2 {
		if i+1 < len(data) {
			sum += uint32(data[i])<<8 | uint32(data[i+1])
		} else {
			sum += uint32(data[i]) << 8
		}
	}
	for sum>>16 != 0 {
		sum = sum&0xFFFF + sum>>16
	}
	return ^uint16(sum)
}

// TestChecksum_MatchesFlatReferenceAcrossLeafBoundaries builds a packet
// out of several odd-length leaves (forcing a carried byte across leaf
// boundaries) and checks Checksum against a reference computed over the
// equivalent flat buffer.
func TestChecksum_MatchesFlatReferenceAcrossLeafBoundaries(t *testing.T) {
	m := newTestManager(t, map[int]int{6: 10, 7: 10})
	data := fillPattern(201, 0x11)
	root := allocFilled(t, m, data)

	var chunk1 []byte
	p1, d1, err := m.PbufTable().Alloc(7, false, false)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	chunk1 = fillPattern(7, 0x55)
	copy(d1, chunk1)
	root, err = pvbm.Append(m, root, p1, 7, false)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	want := rfc1071(append(append([]byte{}, data...), chunk1...))
	got := pvbm.Checksum(m, root, uint32(len(data)+len(chunk1)), 0)
	if got != want {
		t.Fatalf("Checksum = %#04x, want %#04x", got, want)
	}
}

// TestChecksum_OffsetAndLengthWindow checks that Checksum respects a
// sub-range of the logical stream rather than always summing the whole
// packet.
func TestChecksum_OffsetAndLengthWindow(t *testing.T) {
	m := newTestManager(t, map[int]int{6: 10, 7: 10})
	data := fillPattern(150, 0x02)
	root := allocFilled(t, m, data)

	got := pvbm.Checksum(m, root, 50, 20)
	want := rfc1071(data[20:70])
	if got != want {
		t.Fatalf("windowed Checksum = %#04x, want %#04x", got, want)
	}
}

func TestMakeIovecs_OneEntryPerLeaf(t *testing.T) {
	m := newTestManager(t, map[int]int{6: 10, 7: 10})
	data := fillPattern(64, 9)
	root := allocFilled(t, m, data)
	p2, d2, err := m.PbufTable().Alloc(32, false, false)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	copy(d2, fillPattern(32, 3))
	root, err = pvbm.Append(m, root, p2, 32, false)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	out := make([]pvbm.IoVec, 4)
	n, err := pvbm.MakeIovecs(m, root, out, 96, 0)
	if err != nil {
		t.Fatalf("MakeIovecs: %v", err)
	}
	if n != 2 {
		t.Fatalf("MakeIovecs produced %d entries, want 2 (one per leaf)", n)
	}
	var total uint64
	for i := 0; i < n; i++ {
		total += out[i].Len
	}
	if total != 96 {
		t.Fatalf("iovec total length = %d, want 96", total)
	}
}

func TestMakeIovecs_TooFewSlotsReturnsErrMore(t *testing.T) {
	m := newTestManager(t, map[int]int{6: 10, 7: 10})
	data := fillPattern(64, 9)
	root := allocFilled(t, m, data)
	p2, d2, err := m.PbufTable().Alloc(32, false, false)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	copy(d2, fillPattern(32, 3))
	root, err = pvbm.Append(m, root, p2, 32, false)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	out := make([]pvbm.IoVec, 1)
	if _, err := pvbm.MakeIovecs(m, root, out, 96, 0); err == nil {
		t.Fatalf("expected iox.ErrMore when out is too short for every leaf")
	}
}

func TestCalcLength_TrustsStoredValue(t *testing.T) {
	m := newTestManager(t, map[int]int{6: 10, 7: 10})
	data := fillPattern(90, 0x33)
	root := allocFilled(t, m, data)
	if pvbm.CalcLength(m, root) != pvbm.CalcLengthDeep(m, root) {
		t.Fatalf("CalcLength and CalcLengthDeep disagree on a freshly allocated pvbuf")
	}
}

func TestCopyTo_PartialStreamShorterThanDst(t *testing.T) {
	m := newTestManager(t, map[int]int{6: 10})
	data := fillPattern(20, 7)
	root := allocFilled(t, m, data)

	dst := make([]byte, 100)
	n := pvbm.CopyTo(m, root, dst, 0)
	if n != 20 {
		t.Fatalf("CopyTo returned %d, want 20 (shorter than dst)", n)
	}
	if !bytesEqual(dst[:20], data) {
		t.Fatalf("CopyTo content mismatch")
	}
}

func TestCopyFrom_OverwritesInPlaceWithoutGrowing(t *testing.T) {
	m := newTestManager(t, map[int]int{6: 10, 7: 10})
	data := fillPattern(100, 4)
	root := allocFilled(t, m, data)

	patch := fillPattern(10, 0xEE)
	n := pvbm.CopyFrom(m, root, patch, 40)
	if n != 10 {
		t.Fatalf("CopyFrom wrote %d bytes, want 10", n)
	}
	want := append([]byte{}, data...)
	copy(want[40:50], patch)
	got := linearize(t, m, root)
	if !bytesEqual(got, want) {
		t.Fatalf("CopyFrom mismatch: got=%x want=%x", got, want)
	}
}
