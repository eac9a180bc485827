// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pvbm

import (
	"fmt"
	"io"
	"strings"
)

// Manager owns the pbuf and pvbuf allocator tables plus the external
// region registries, and is the handle every pvbm operation takes as its
// first argument (§6 init API).
type Manager struct {
	pbufTable  *PbufTable
	pvbufTable *PvbufTable

	shortRegions ShortAddrConfig
	longRegions  LongAddrConfig

	randomSize bool
}

// InitOption configures optional Init behavior (§6: random_size?,
// alloc_one_ref?, short_addr_config, long_addr_config).
type InitOption func(*Manager)

// WithRandomSize records the random-size flag on the Manager (§4.5 step
// 1). PvbufTable.Alloc does not read it: its initial size class is
// always the fixed default, whether or not the flag is set.
func WithRandomSize(enabled bool) InitOption {
	return func(m *Manager) { m.randomSize = enabled }
}

// WithAllocOneRef makes every newly allocated pbuf a tag-0011
// single-reference buffer by default.
func WithAllocOneRef(enabled bool) InitOption {
	return func(m *Manager) { m.pbufTable.AllocOneRef = enabled }
}

// WithShortAddrConfig registers the three short-address regions at init.
func WithShortAddrConfig(cfg ShortAddrConfig) InitOption {
	return func(m *Manager) { m.shortRegions = cfg }
}

// WithLongAddrConfig registers the 64 long-address regions at init.
func WithLongAddrConfig(cfg LongAddrConfig) InitOption {
	return func(m *Manager) { m.longRegions = cfg }
}

// Init builds a Manager from caller-supplied, pre-sized memory regions.
// The manager never allocates process memory itself — pbufInit and
// pvbufInit must each carry a backing []byte sized to its NumObjs*objSize
// for every populated entry.
func Init(pbufInit PbufInitTable, pvbufInit PvbufInitTable, opts ...InitOption) (*Manager, error) {
	m := &Manager{
		pbufTable: newPbufTable(pbufInit),
	}
	m.pvbufTable = newPvbufTable(pvbufInit, m.pbufTable)
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// PbufTable returns the manager's pbuf allocator table.
func (m *Manager) PbufTable() *PbufTable { return m.pbufTable }

// PvbufTable returns the manager's pvbuf allocator table.
func (m *Manager) PvbufTable() *PvbufTable { return m.pvbufTable }

// Close is a no-op: the manager never allocates process memory of its
// own (§1 Non-goals), so there is nothing to release here. It exists so
// callers composing pvbm into a larger io.Closer-shaped system have a hook.
func (m *Manager) Close() error { return nil }

// resolvePvbuf builds a *Pvbuf view over the object backing pvbuf paddr p.
func (m *Manager) resolvePvbuf(p Paddr) *Pvbuf {
	sc := p.PvbufSizeClass()
	e := m.pvbufTable.entries[sc]
	if e == nil {
		panic("pvbm: pvbuf size class has no allocator")
	}
	ptr := e.alloc.IndexToObj(p.PvbufIndex())
	return &Pvbuf{mem: ptr, numSlots: pvbufNumSlots(sc)}
}

// freePaddr releases p through whichever path its tag dispatches to:
// pbuf tables, recursive pvbuf-tree teardown, or an external region's
// Free callback.
func (m *Manager) freePaddr(p Paddr) {
	if p.IsNull() {
		return
	}
	switch p.Tag() {
	case TagPbufShared, TagPbufSingle:
		m.pbufTable.Free(p)
	case TagPvbuf:
		m.freePvbufTree(p)
	case TagShort:
		m.shortOps(p.ShortRegion()).Free(p)
	case TagLong:
		// Only word 1 carries region/length; the external owner is
		// responsible for reconstructing the full offset if it needs to.
		m.longOps(p.LongRegion()).Free(p)
	}
}

func (m *Manager) freePvbufTree(p Paddr) {
	pv := m.resolvePvbuf(p)
	for i := 0; i < pv.numSlots; i++ {
		if !pv.Occupied(i) {
			continue
		}
		child := pv.Get(i)
		if child.Tag() == TagLong && child.LongWordNum() == 1 {
			continue // freed together with its word-1 slot
		}
		m.freePaddr(child)
	}
	m.pvbufTable.Free(p)
}

// bumpRefcntPaddr increments whatever reference count p's variant
// maintains. Pvbuf nodes are not themselves refcounted (they are
// single-owner, §3.2/§9); bumping one is a contract violation.
func (m *Manager) bumpRefcntPaddr(p Paddr) {
	switch p.Tag() {
	case TagPbufShared, TagPbufSingle:
		m.pbufTable.BumpRefcnt(p)
	case TagPvbuf:
		panic("pvbm: pvbuf nodes are not reference-counted")
	case TagShort:
		m.shortOps(p.ShortRegion()).BumpRefcnt(p)
	case TagLong:
		m.longOps(p.LongRegion()).BumpRefcnt(p)
	}
}

// String implements show_buffer_manager: per-size-class num_free/allocs/
// alloc_fails for both tables (§6 diagnostic interface).
func (m *Manager) String() string {
	var b strings.Builder
	b.WriteString("pvbm manager:\n")
	b.WriteString("  pbuf classes:\n")
	for _, s := range m.pbufTable.Stats() {
		fmt.Fprintf(&b, "    %-8s cap=%-8d free=%-8d allocs=%-10d fails=%d\n",
			s.Name, s.Capacity, s.NumFree, s.Allocs, s.AllocFails)
	}
	b.WriteString("  pvbuf classes:\n")
	for _, s := range m.pvbufTable.Stats() {
		fmt.Fprintf(&b, "    %-8s cap=%-8d free=%-8d allocs=%-10d fails=%d\n",
			s.Name, s.Capacity, s.NumFree, s.Allocs, s.AllocFails)
	}
	return b.String()
}

// WriteTo writes the same report as String to w, implementing
// show_buffer_manager(cli) as an io.WriterTo (§6).
func (m *Manager) WriteTo(w io.Writer) (int64, error) {
	s := m.String()
	n, err := io.WriteString(w, s)
	return int64(n), err
}
