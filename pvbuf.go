// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pvbm

import (
	"fmt"
	"strings"
	"unsafe"
)

// Pvbuf is a view over one vector-of-iovecs tree node: a 64-bit
// occupancy bitmap (iovec_map) followed by up to 64 Paddr slots, backed
// by memory drawn from a PvbufTable entry (§3.2). Multiple *Pvbuf values
// may be constructed over the same underlying object; they all observe
// the same bytes.
type Pvbuf struct {
	mem      unsafe.Pointer
	numSlots int
}

// NumSlots reports how many iovec slots this node has.
func (v *Pvbuf) NumSlots() int { return v.numSlots }

func (v *Pvbuf) mapPtr() *uint64 { return (*uint64)(v.mem) }

func (v *Pvbuf) slotPtr(i int) *Paddr {
	if i < 0 || i >= v.numSlots {
		panic("pvbm: pvbuf slot index out of range")
	}
	return (*Paddr)(unsafe.Add(v.mem, pvbufMapSize+i*int(unsafe.Sizeof(Paddr(0)))))
}

// Occupied reports whether slot i currently holds a paddr.
func (v *Pvbuf) Occupied(i int) bool {
	return *v.mapPtr()&(uint64(1)<<uint(i)) != 0
}

// Get returns the paddr in slot i, or the null paddr if unoccupied.
func (v *Pvbuf) Get(i int) Paddr {
	if !v.Occupied(i) {
		return 0
	}
	return *v.slotPtr(i)
}

// setEnt is set_paddr_ent: it never touches refcounts (§4.6).
func (v *Pvbuf) setEnt(i int, p Paddr) {
	*v.slotPtr(i) = p
	if p.IsNull() {
		*v.mapPtr() &^= uint64(1) << uint(i)
	} else {
		*v.mapPtr() |= uint64(1) << uint(i)
	}
}

func (v *Pvbuf) clearEnt(i int) { v.setEnt(i, 0) }

// setEntBump is set_paddr_ent_and_bump_refcnt: the caller's reference to
// p survives this call; the new slot gains an independent one (§4.6).
func (v *Pvbuf) setEntBump(m *Manager, i int, p Paddr) {
	if !p.IsNull() {
		m.bumpRefcntPaddr(p)
	}
	v.setEnt(i, p)
}

func (v *Pvbuf) firstOccupiedIdx() int {
	for i := 0; i < v.numSlots; i++ {
		if v.Occupied(i) {
			return i
		}
	}
	return v.numSlots
}

func (v *Pvbuf) lastOccupiedIdx() int {
	for i := v.numSlots - 1; i >= 0; i-- {
		if v.Occupied(i) {
			return i
		}
	}
	return -1
}

func isPvbufEmpty(m *Manager, p Paddr) bool {
	pv := m.resolvePvbuf(p)
	return pv.firstOccupiedIdx() == pv.numSlots
}

// combinedLength folds add bytes into an existing tracked length,
// collapsing to the untracked/unknown state (0) on overflow, per the
// iovec length-bookkeeping rule in §4.6.
func combinedLength(existing uint32, add uint32) uint32 {
	if existing == 0 {
		return 0
	}
	sum := uint64(existing) + uint64(add)
	if sum > uint64(^uint32(0)) {
		return 0
	}
	return uint32(sum)
}

func subtractedLength(existing uint32, sub uint32) uint32 {
	if existing == 0 || sub >= existing {
		return 0
	}
	return existing - sub
}

// advanceFront returns p with its offset advanced and length reduced by
// n bytes, used when popping a prefix shorter than the leaf's length.
func advanceFront(p Paddr, n uint32) Paddr {
	switch p.Tag() {
	case TagPbufShared, TagPbufSingle:
		return MakePbufPaddr(p.IsSingleRef(), p.PbufSizeShift(), p.PbufZIndex(), p.PbufIntraOffset()+n, p.Length()-n)
	case TagShort:
		return MakeShortPaddr(p.ShortRegion(), p.ShortOffset()+uint64(n), p.Length()-n)
	default:
		panic("pvbm: cannot slice this paddr variant at its front")
	}
}

// shrinkBack returns p with its length reduced by n bytes from the end,
// used when popping a suffix shorter than the leaf's length.
func shrinkBack(p Paddr, n uint32) Paddr {
	switch p.Tag() {
	case TagPbufShared, TagPbufSingle:
		return MakePbufPaddr(p.IsSingleRef(), p.PbufSizeShift(), p.PbufZIndex(), p.PbufIntraOffset(), p.Length()-n)
	case TagShort:
		return MakeShortPaddr(p.ShortRegion(), p.ShortOffset(), p.Length()-n)
	default:
		panic("pvbm: cannot slice this paddr variant at its tail")
	}
}

// advanceLongFront is advanceFront's long-address counterpart: it
// rebuilds both words of the pair with the combined offset advanced by
// n bytes and word1's length reduced by n.
func advanceLongFront(word1, word2 Paddr, n uint32) (Paddr, Paddr) {
	off := LongOffset(word1, word2) + uint64(n)
	nw1, nw2 := MakeLongPaddr(word1.LongRegion(), off)
	return nw1.SetLength(word1.Length() - n), nw2
}

// shrinkLongBack is shrinkBack's long-address counterpart: only word1
// carries a length field, so word2 is unaffected.
func shrinkLongBack(word1 Paddr, n uint32) Paddr {
	return word1.SetLength(word1.Length() - n)
}

// checkLongPair asserts word1, word2 are the two words of one
// MakeLongPaddr pair, in order.
func checkLongPair(word1, word2 Paddr) {
	if word1.Tag() != TagLong || word2.Tag() != TagLong || word1.LongWordNum() != 0 || word2.LongWordNum() != 1 {
		panic("pvbm: requires (word1, word2) of one long address pair, in order")
	}
}

// Prepend implements §4.6's prefix-first insertion policy for a
// single-slot payload (pbuf, short address, or another pvbuf).
// Long-address payloads occupy two adjacent slots; use PrependLong for
// those instead.
func Prepend(m *Manager, root Paddr, payload Paddr, length uint32, compress bool) (Paddr, error) {
	if payload.Tag() == TagLong {
		panic("pvbm: Prepend does not accept a bare long-address word; use PrependLong")
	}
	return prependWords(m, root, []Paddr{payload}, length, compress)
}

// PrependLong is Prepend's two-slot variant for a long-address payload
// (§4.6: "place the payload in slot i-1, i-2 for long-address"). word1
// and word2 must be the two words of one MakeLongPaddr pair, in order.
func PrependLong(m *Manager, root Paddr, word1, word2 Paddr, length uint32, compress bool) (Paddr, error) {
	checkLongPair(word1, word2)
	return prependWords(m, root, []Paddr{word1, word2}, length, compress)
}

// prependWords places the 1 or 2 words of a payload immediately before
// root's first occupied slot if there is room, unwraps a singleton
// compress-eligible pvbuf payload, or else wraps root in a new layer.
// Only words[0] (the payload's "head" word) is refcount-bumped: for a
// long address, word2 carries no independent ownership (§3.2).
func prependWords(m *Manager, root Paddr, words []Paddr, length uint32, compress bool) (Paddr, error) {
	pv := m.resolvePvbuf(root)
	n := len(words)
	if i := pv.firstOccupiedIdx(); i >= n {
		placeWordsAt(m, pv, i-n, words)
		return root.SetLength(combinedLength(root.Length(), length)), nil
	}
	if compress && n == 1 && words[0].Tag() == TagPvbuf {
		if unwrapped, ok := m.tryUnwrapSingleton(words[0]); ok {
			if unwrapped.IsNull() {
				return root, nil
			}
			return prependWords(m, root, []Paddr{unwrapped}, length, compress)
		}
	}
	newRoot, npv, err := m.pvbufTable.AllocEmpty(pvbufDefaultClass)
	if err != nil {
		return root, err
	}
	tail := npv.numSlots - 1
	npv.setEnt(tail, root)
	placeWordsAt(m, npv, tail-n, words)
	return newRoot.SetLength(combinedLength(root.Length(), length)), nil
}

// Append is the mirror image of Prepend, growing from the high-index
// end, for a single-slot payload. Use AppendLong for a long-address
// payload.
func Append(m *Manager, root Paddr, payload Paddr, length uint32, compress bool) (Paddr, error) {
	if payload.Tag() == TagLong {
		panic("pvbm: Append does not accept a bare long-address word; use AppendLong")
	}
	return appendWords(m, root, []Paddr{payload}, length, compress)
}

// AppendLong is Append's two-slot variant for a long-address payload.
// word1 and word2 must be the two words of one MakeLongPaddr pair, in
// order; they are placed in that order, starting right after root's
// last occupied slot.
func AppendLong(m *Manager, root Paddr, word1, word2 Paddr, length uint32, compress bool) (Paddr, error) {
	checkLongPair(word1, word2)
	return appendWords(m, root, []Paddr{word1, word2}, length, compress)
}

func appendWords(m *Manager, root Paddr, words []Paddr, length uint32, compress bool) (Paddr, error) {
	pv := m.resolvePvbuf(root)
	n := len(words)
	start := pv.lastOccupiedIdx() + 1
	if start+n <= pv.numSlots {
		placeWordsAt(m, pv, start, words)
		return root.SetLength(combinedLength(root.Length(), length)), nil
	}
	if compress && n == 1 && words[0].Tag() == TagPvbuf {
		if unwrapped, ok := m.tryUnwrapSingleton(words[0]); ok {
			if unwrapped.IsNull() {
				return root, nil
			}
			return appendWords(m, root, []Paddr{unwrapped}, length, compress)
		}
	}
	newRoot, npv, err := m.pvbufTable.AllocEmpty(pvbufDefaultClass)
	if err != nil {
		return root, err
	}
	npv.setEnt(0, root)
	placeWordsAt(m, npv, 1, words)
	return newRoot.SetLength(combinedLength(root.Length(), length)), nil
}

// placeWordsAt writes words into consecutive slots starting at start,
// bumping the refcount only for words[0] (§3.2/§4.6: a long address's
// second word is not independently reference-counted). A pvbuf payload
// is not bumped at all: pvbuf nodes are single-owner, so placing one
// moves it into the tree.
func placeWordsAt(m *Manager, pv *Pvbuf, start int, words []Paddr) {
	for k, w := range words {
		if k == 0 && w.Tag() != TagPvbuf {
			pv.setEntBump(m, start+k, w)
		} else {
			pv.setEnt(start+k, w)
		}
	}
}

// tryUnwrapSingleton frees payload and returns its sole child if payload
// has at most one occupied slot, per the compress-on-full-prefix rule.
func (m *Manager) tryUnwrapSingleton(payload Paddr) (Paddr, bool) {
	ppv := m.resolvePvbuf(payload)
	count, idx := 0, -1
	for i := 0; i < ppv.numSlots; i++ {
		if ppv.Occupied(i) {
			count++
			idx = i
			if count > 1 {
				return 0, false
			}
		}
	}
	var inner Paddr
	if count == 1 {
		inner = ppv.Get(idx)
	}
	m.pvbufTable.Free(payload)
	return inner, true
}

// PopHdrs implements pop_hdrs (§4.7): drops the first n bytes of the
// logical stream, optionally copying them into copyout in order, and
// returns the (possibly unchanged) root plus the number of bytes
// actually dropped.
func PopHdrs(m *Manager, root Paddr, n uint32, compress bool, copyout []byte) (Paddr, uint32) {
	pv := m.resolvePvbuf(root)
	out := copyout
	var dropped uint32
	for i := 0; i < pv.numSlots && n > 0; i++ {
		if !pv.Occupied(i) {
			continue
		}
		child := pv.Get(i)
		if child.Tag() == TagLong && child.LongWordNum() == 1 {
			continue
		}
		if child.Tag() == TagPvbuf {
			newChild, d := PopHdrs(m, child, n, compress, out)
			n -= d
			dropped += d
			if out != nil {
				out = out[d:]
			}
			if isPvbufEmpty(m, newChild) {
				m.pvbufTable.Free(newChild)
				pv.clearEnt(i)
			} else {
				pv.setEnt(i, newChild)
			}
			continue
		}
		leafLen := safeLength(child)
		if n >= leafLen {
			if out != nil {
				copy(out, m.leafData(child))
				out = out[leafLen:]
			}
			m.freePaddr(child)
			pv.clearEnt(i)
			if child.Tag() == TagLong {
				pv.clearEnt(i + 1)
			}
			n -= leafLen
			dropped += leafLen
			continue
		}
		if out != nil {
			copy(out, m.leafData(child)[:n])
			out = out[n:]
		}
		pv.setEnt(i, advanceFront(child, n))
		dropped += n
		n = 0
	}
	return root.SetLength(subtractedLength(root.Length(), dropped)), dropped
}

// PopTrailers is the mirror of PopHdrs, dropping bytes from the end of
// the logical stream. copyout, if non-nil, receives the dropped bytes in
// stream order (written from its tail backward as leaves are consumed).
func PopTrailers(m *Manager, root Paddr, n uint32, compress bool, copyout []byte) (Paddr, uint32) {
	pv := m.resolvePvbuf(root)
	outEnd := 0
	if copyout != nil {
		outEnd = len(copyout)
	}
	var dropped uint32
	for i := pv.numSlots - 1; i >= 0 && n > 0; i-- {
		if !pv.Occupied(i) {
			continue
		}
		child := pv.Get(i)
		if child.Tag() == TagLong {
			if child.LongWordNum() == 0 {
				continue // handled together with the word-2 slot above it
			}
			word1 := pv.Get(i - 1)
			leafLen := word1.Length()
			if n < leafLen {
				panic("pvbm: partial trim of a long-address payload is not supported")
			}
			if copyout != nil {
				lo := outEnd - int(leafLen)
				copy(copyout[lo:outEnd], m.longData(word1, child))
				outEnd = lo
			}
			m.freePaddr(word1)
			pv.clearEnt(i)
			pv.clearEnt(i - 1)
			n -= leafLen
			dropped += leafLen
			continue
		}
		if child.Tag() == TagPvbuf {
			var childCopyout []byte
			if copyout != nil {
				childCopyout = copyout[:outEnd]
			}
			newChild, d := PopTrailers(m, child, n, compress, childCopyout)
			n -= d
			dropped += d
			outEnd -= int(d)
			if isPvbufEmpty(m, newChild) {
				m.pvbufTable.Free(newChild)
				pv.clearEnt(i)
			} else {
				pv.setEnt(i, newChild)
			}
			continue
		}
		leafLen := child.Length()
		if n >= leafLen {
			if copyout != nil {
				lo := outEnd - int(leafLen)
				copy(copyout[lo:outEnd], m.leafData(child))
				outEnd = lo
			}
			m.freePaddr(child)
			pv.clearEnt(i)
			n -= leafLen
			dropped += leafLen
			continue
		}
		if copyout != nil {
			data := m.leafData(child)
			lo := outEnd - int(n)
			copy(copyout[lo:outEnd], data[len(data)-int(n):])
			outEnd = lo
		}
		pv.setEnt(i, shrinkBack(child, n))
		dropped += n
		n = 0
	}
	return root.SetLength(subtractedLength(root.Length(), dropped)), dropped
}

// safeLength reads p's length field, treating the second word of a long
// address (which carries none) as zero instead of panicking.
func safeLength(p Paddr) uint32 {
	if p.Tag() == TagLong && p.LongWordNum() == 1 {
		return 0
	}
	return p.Length()
}

// Pullup implements pullup (§4.8), steps 1 and 3: if the first leaf
// already covers n bytes it is returned directly; otherwise a fresh
// n-byte pbuf is allocated, filled via PopHdrs, and prepended. Step 2's
// in-place tailroom extension is a permitted optimization, not a
// correctness requirement (§4.8 says "may"); it is not implemented here.
func Pullup(m *Manager, root Paddr, n uint32, compress bool) (Paddr, []byte, error) {
	pv := m.resolvePvbuf(root)
	if i := pv.firstOccupiedIdx(); i < pv.numSlots {
		leaf := pv.Get(i)
		if leaf.Tag() != TagPvbuf && leaf.Tag() != TagLong && leaf.Length() >= n {
			return root, m.leafData(leaf)[:n], nil
		}
	}
	paddr, data, err := m.pbufTable.Alloc(int(n), true, false)
	if err != nil {
		return root, nil, err
	}
	newRoot, dropped := PopHdrs(m, root, n, compress, data)
	if dropped < n {
		paddr = paddr.SetLength(dropped)
		data = data[:dropped]
	}
	newRoot, err = Prepend(m, newRoot, paddr, dropped, false)
	if err != nil {
		m.pbufTable.Free(paddr)
		return newRoot, nil, err
	}
	m.pbufTable.Free(paddr) // Prepend took its own reference; drop the allocation's
	return newRoot, data, nil
}

// Pulltail is the mirror of Pullup. Its compress argument is ignored and
// compression is forced off internally: the open question in §9 flags an
// out-of-order corruption risk when the tail spans multiple leaves, and
// this repo keeps that restriction rather than attempting an unproven fix.
func Pulltail(m *Manager, root Paddr, n uint32, compress bool) (Paddr, []byte, error) {
	_ = compress
	pv := m.resolvePvbuf(root)
	if j := pv.lastOccupiedIdx(); j >= 0 {
		leaf := pv.Get(j)
		if leaf.Tag() != TagPvbuf && leaf.Tag() != TagLong && leaf.Length() >= n {
			data := m.leafData(leaf)
			return root, data[uint32(len(data))-n:], nil
		}
	}
	paddr, data, err := m.pbufTable.Alloc(int(n), false, false)
	if err != nil {
		return root, nil, err
	}
	newRoot, dropped := PopTrailers(m, root, n, false, data)
	if dropped < n {
		paddr = paddr.SetLength(dropped)
		data = data[uint32(len(data))-dropped:]
	}
	newRoot, err = Append(m, newRoot, paddr, dropped, false)
	if err != nil {
		m.pbufTable.Free(paddr)
		return newRoot, nil, err
	}
	m.pbufTable.Free(paddr) // Append took its own reference; drop the allocation's
	return newRoot, data, nil
}

// Clone implements clone (§4.9): it produces an independent paddr
// referencing the same underlying payload bytes from [offset,
// offset+length), bumping refcounts on every pbuf/external leaf it
// touches and slicing offsets/lengths at the boundaries.
func Clone(m *Manager, root Paddr, offset, length uint32) (Paddr, uint32, error) {
	leaves, retlen := m.collectRange(root, offset, length)
	if len(leaves) > pvbufMaxSlots {
		panic("pvbm: clone range spans more leaves than one pvbuf node can hold")
	}
	newRoot, npv, err := m.pvbufTable.AllocEmpty(pvbufNumClass - 1)
	if err != nil {
		for _, l := range leaves {
			m.freePaddr(l)
		}
		return 0, 0, err
	}
	for i, l := range leaves {
		npv.setEnt(i, l)
	}
	return newRoot.SetLength(retlen), retlen, nil
}

// SegmentFunc is invoked once per produced segment and returns the
// number of bytes it added, so the caller's segment-length bookkeeping
// stays accurate (§4.9). Segment stores seg itself in its result: cb may
// mutate seg's bytes or slots in place through the Manager, but a new
// root that cb obtains (such as the new layer Prepend returns when seg's
// slot 0 is occupied, as it is for every Clone result) is not stored.
type SegmentFunc func(seg Paddr) (added uint32)

// Segment implements segment (§4.9): it slices [offset, offset+total)
// into chunks of at most segSize bytes, each its own pvbuf built via
// Clone, optionally post-processed by cb, and collects them as the
// top-level slots of one packet-vector pvbuf.
func Segment(m *Manager, root Paddr, offset, total, segSize uint32, cb SegmentFunc) (Paddr, uint32, error) {
	segRoot, segPv, err := m.pvbufTable.AllocEmpty(pvbufNumClass - 1)
	if err != nil {
		return 0, 0, err
	}
	var slot int
	var totalOut uint32
	pos, remaining := offset, total
	for remaining > 0 {
		segLen := segSize
		if segLen > remaining {
			segLen = remaining
		}
		seg, retlen, err := Clone(m, root, pos, segLen)
		if err != nil {
			for i := 0; i < slot; i++ {
				m.freePaddr(segPv.Get(i))
			}
			m.pvbufTable.Free(segRoot)
			return 0, 0, err
		}
		if cb != nil {
			retlen = combinedLength(retlen, cb(seg))
			if retlen == 0 {
				retlen = segLen // cb-added bytes pushed length past tracking; keep a usable floor
			}
		}
		if slot >= segPv.numSlots {
			panic("pvbm: segment produced more chunks than one pvbuf node can hold")
		}
		segPv.setEnt(slot, seg)
		slot++
		totalOut += retlen
		pos += segLen
		remaining -= segLen
	}
	return segRoot.SetLength(totalOut), totalOut, nil
}

// String implements pvbuf_print: a depth-indented dump of occupied
// slots, their tags, and lengths.
func (v *Pvbuf) String() string {
	var b strings.Builder
	v.print(&b, 0)
	return b.String()
}

// PvbufPrint implements pvbuf_print(root) (§6 Diagnostic interface):
// given just a root paddr, it resolves the backing node and returns the
// same depth-indented dump as (*Pvbuf).String.
func PvbufPrint(m *Manager, root Paddr) string {
	return m.resolvePvbuf(root).String()
}

func (v *Pvbuf) print(b *strings.Builder, depth int) {
	indent := strings.Repeat("  ", depth)
	fmt.Fprintf(b, "%spvbuf slots=%d map=%#016x\n", indent, v.numSlots, *v.mapPtr())
	for i := 0; i < v.numSlots; i++ {
		if !v.Occupied(i) {
			continue
		}
		p := v.Get(i)
		fmt.Fprintf(b, "%s  [%d] tag=%s len=%d\n", indent, i, p.Tag(), safeLength(p))
	}
}
