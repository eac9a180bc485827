// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pvbm

import (
	"unsafe"

	"code.hybscloud.com/iox"
)

// Iterate walks root's leaves in packet order (increasing slot index,
// recursing into child pvbufs) and invokes fn with each leaf's bytes.
// Long-address leaves are included using the external region's mapped
// view (§4.10).
func Iterate(m *Manager, root Paddr, fn func(data []byte) error) error {
	return IterateIovec(m, root, func(_ *Paddr, data []byte) error { return fn(data) })
}

// IterateIovec is Iterate's richer variant: fn additionally receives a
// pointer to the slot holding the leaf's paddr, so callers may rewrite
// it in place (e.g. to mark a segment consumed).
func IterateIovec(m *Manager, root Paddr, fn func(slot *Paddr, data []byte) error) error {
	pv := m.resolvePvbuf(root)
	for i := 0; i < pv.numSlots; i++ {
		if !pv.Occupied(i) {
			continue
		}
		p := pv.Get(i)
		switch p.Tag() {
		case TagPvbuf:
			if err := IterateIovec(m, p, fn); err != nil {
				return err
			}
		case TagLong:
			if p.LongWordNum() == 1 {
				continue
			}
			word2 := pv.Get(i + 1)
			if err := fn(pv.slotPtr(i), m.longData(p, word2)); err != nil {
				return err
			}
		default:
			if err := fn(pv.slotPtr(i), m.leafData(p)); err != nil {
				return err
			}
		}
	}
	return nil
}

// leafData returns the byte view of a non-pvbuf, non-long leaf paddr.
func (m *Manager) leafData(p Paddr) []byte {
	switch p.Tag() {
	case TagPbufShared, TagPbufSingle:
		return m.pbufTable.Data(p)
	case TagShort:
		return m.shortData(p)
	default:
		panic("pvbm: leafData called on a non-leaf paddr variant")
	}
}

func (m *Manager) shortData(p Paddr) []byte {
	ops := m.shortRegions[p.ShortRegion()]
	ptr := unsafe.Pointer(ops.Base + uintptr(p.ShortOffset()))
	return unsafe.Slice((*byte)(ptr), p.Length())
}

func (m *Manager) longData(word1, word2 Paddr) []byte {
	region := m.longRegions[word1.LongRegion()]
	off := LongOffset(word1, word2)
	ptr := unsafe.Pointer(region.Base + uintptr(off))
	return unsafe.Slice((*byte)(ptr), word1.Length())
}

// CalcLength returns root's length, trusting a nonzero stored value;
// falls back to a full deep traversal when the stored length is 0
// ("not tracked").
func CalcLength(m *Manager, root Paddr) uint32 {
	if l := root.Length(); l != 0 {
		return l
	}
	return CalcLengthDeep(m, root)
}

// CalcLengthDeep always sums leaf lengths via a full traversal, ignoring
// any stored length fields. Test code compares this against CalcLength
// to catch bookkeeping bugs (§4.10, §8).
func CalcLengthDeep(m *Manager, root Paddr) uint32 {
	var total uint32
	_ = Iterate(m, root, func(data []byte) error {
		total += uint32(len(data))
		return nil
	})
	return total
}

// Checksum computes the RFC-1071 one's-complement Internet checksum over
// [offset, offset+length) of root's logical byte stream, carrying an odd
// trailing byte from one leaf across into the next (§4.10).
func Checksum(m *Manager, root Paddr, length uint32, offset uint32) uint16 {
	var sum uint32
	var pendingByte byte
	var pending bool
	skip, remaining := offset, length
	_ = Iterate(m, root, func(data []byte) error {
		if remaining == 0 {
			return nil
		}
		if skip > 0 {
			if uint32(len(data)) <= skip {
				skip -= uint32(len(data))
				return nil
			}
			data = data[skip:]
			skip = 0
		}
		if uint32(len(data)) > remaining {
			data = data[:remaining]
		}
		remaining -= uint32(len(data))
		if len(data) == 0 {
			return nil
		}
		i := 0
		if pending {
			sum += uint32(pendingByte)<<8 | uint32(data[0])
			i = 1
			pending = false
		}
		for ; i+1 < len(data); i += 2 {
			sum += uint32(data[i])<<8 | uint32(data[i+1])
		}
		if i < len(data) {
			pendingByte = data[i]
			pending = true
		}
		return nil
	})
	if pending {
		sum += uint32(pendingByte) << 8
	}
	for sum>>16 != 0 {
		sum = sum&0xFFFF + sum>>16
	}
	return ^uint16(sum)
}

// MakeIovecs fills out with {Base, Len} pairs covering [offset,
// offset+length) of root's logical byte stream, one IoVec per leaf, for
// direct use with readv/writev/io_uring (§4.10). Returns iox.ErrMore if
// out is too short to hold every leaf in range.
func MakeIovecs(m *Manager, root Paddr, out []IoVec, length uint32, offset uint32) (int, error) {
	var n int
	var walkErr error
	skip, remaining := offset, length
	_ = Iterate(m, root, func(data []byte) error {
		if remaining == 0 || walkErr != nil {
			return nil
		}
		if skip > 0 {
			if uint32(len(data)) <= skip {
				skip -= uint32(len(data))
				return nil
			}
			data = data[skip:]
			skip = 0
		}
		if uint32(len(data)) > remaining {
			data = data[:remaining]
		}
		remaining -= uint32(len(data))
		if len(data) == 0 {
			return nil
		}
		if n >= len(out) {
			walkErr = iox.ErrMore
			return nil
		}
		out[n] = IoVec{Base: unsafe.SliceData(data), Len: uint64(len(data))}
		n++
		return nil
	})
	if walkErr != nil {
		return n, walkErr
	}
	return n, nil
}

// CopyTo copies len(dst) bytes starting at offset in root's logical byte
// stream into dst, spanning as many leaves as necessary, and returns the
// number of bytes actually copied (fewer than len(dst) if the packet is
// shorter). This is copy_to (§6 Runtime API).
func CopyTo(m *Manager, root Paddr, dst []byte, offset uint32) int {
	var n int
	skip, remaining := offset, uint32(len(dst))
	_ = Iterate(m, root, func(data []byte) error {
		if remaining == 0 {
			return nil
		}
		if skip > 0 {
			if uint32(len(data)) <= skip {
				skip -= uint32(len(data))
				return nil
			}
			data = data[skip:]
			skip = 0
		}
		if uint32(len(data)) > remaining {
			data = data[:remaining]
		}
		n += copy(dst[n:], data)
		remaining -= uint32(len(data))
		return nil
	})
	return n
}

// CopyFrom overwrites len(src) bytes starting at offset in root's logical
// byte stream with src's contents in place, spanning as many leaves as
// necessary, and returns the number of bytes actually written (fewer than
// len(src) if the packet is shorter). It never grows root; use Prepend,
// Append, or Pullup/Pulltail first if more room is needed. This is
// copy_from (§6 Runtime API).
func CopyFrom(m *Manager, root Paddr, src []byte, offset uint32) int {
	var n int
	skip, remaining := offset, uint32(len(src))
	_ = IterateIovec(m, root, func(_ *Paddr, data []byte) error {
		if remaining == 0 {
			return nil
		}
		if skip > 0 {
			if uint32(len(data)) <= skip {
				skip -= uint32(len(data))
				return nil
			}
			data = data[skip:]
			skip = 0
		}
		if uint32(len(data)) > remaining {
			data = data[:remaining]
		}
		written := copy(data, src[n:])
		n += written
		remaining -= uint32(written)
		return nil
	})
	return n
}

// Slots returns the top-level occupied-slot paddrs of a pvbuf node
// without recursing into children, in increasing slot order. Segment
// (§4.9) builds each produced packet as one top-level slot of its result;
// callers walk them with Slots rather than reaching into the tree
// directly.
func Slots(m *Manager, root Paddr) []Paddr {
	pv := m.resolvePvbuf(root)
	out := make([]Paddr, 0, pv.numSlots)
	for i := 0; i < pv.numSlots; i++ {
		if pv.Occupied(i) {
			out = append(out, pv.Get(i))
		}
	}
	return out
}

// collectRange walks root and returns the leaf paddrs overlapping
// [offset, offset+length), sliced at the boundaries and with their
// refcounts bumped, plus the total bytes collected. Used by Clone (§4.9).
// A long-address leaf contributes both its words to out, consecutively,
// so Clone's "one leaf entry per slot" placement keeps them adjacent per
// §3.2's two-slot invariant; only its word1 is refcount-bumped (§3.2).
func (m *Manager) collectRange(root Paddr, offset, length uint32) ([]Paddr, uint32) {
	var out []Paddr
	var total uint32
	skip, remaining := offset, length
	var walk func(p Paddr)
	walk = func(p Paddr) {
		pv := m.resolvePvbuf(p)
		for i := 0; i < pv.numSlots && remaining > 0; i++ {
			if !pv.Occupied(i) {
				continue
			}
			child := pv.Get(i)
			if child.Tag() == TagLong {
				if child.LongWordNum() == 1 {
					continue // handled together with the word1 slot before it
				}
				word2 := pv.Get(i + 1)
				leafLen := child.Length()
				if skip >= leafLen {
					skip -= leafLen
					continue
				}
				w1, w2 := child, word2
				if skip > 0 {
					w1, w2 = advanceLongFront(w1, w2, skip)
					skip = 0
				}
				if w1.Length() > remaining {
					w1 = shrinkLongBack(w1, w1.Length()-remaining)
				}
				m.bumpRefcntPaddr(w1)
				out = append(out, w1, w2)
				total += w1.Length()
				remaining -= w1.Length()
				continue
			}
			if child.Tag() == TagPvbuf {
				walk(child)
				continue
			}
			leafLen := child.Length()
			if skip >= leafLen {
				skip -= leafLen
				continue
			}
			sliced := child
			if skip > 0 {
				sliced = advanceFront(sliced, skip)
				skip = 0
			}
			if sliced.Length() > remaining {
				sliced = shrinkBack(sliced, sliced.Length()-remaining)
			}
			m.bumpRefcntPaddr(sliced)
			out = append(out, sliced)
			total += sliced.Length()
			remaining -= sliced.Length()
		}
	}
	walk(root)
	return out, total
}
