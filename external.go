// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pvbm

// RegionOps is the caller-supplied vtable for one external (short- or
// long-address) memory region: Free releases a paddr pointing into the
// region, BumpRefcnt increments whatever reference count the region's
// owner maintains for it. The manager never assumes a thread-safety
// discipline for external memory — both callbacks are the external
// owner's responsibility (§4.4, §5).
type RegionOps struct {
	Free       func(Paddr)
	BumpRefcnt func(Paddr)
}

const (
	numShortRegions = 3
	numLongRegions  = 64
)

// RegionInit pairs a region's base address with its ops vtable, as
// supplied at Init time via ShortAddrConfig/LongAddrConfig (§6).
type RegionInit struct {
	Base uintptr
	Ops  RegionOps
}

// ShortAddrConfig configures the three short-address regions.
type ShortAddrConfig [numShortRegions]RegionInit

// LongAddrConfig configures the 64 long-address regions.
type LongAddrConfig [numLongRegions]RegionInit

// RegisterShortRegion installs ops for short-address region id (0..2),
// overriding whatever ShortAddrConfig supplied at Init.
func (m *Manager) RegisterShortRegion(id uint8, base uintptr, ops RegionOps) {
	if int(id) >= numShortRegions {
		panic("pvbm: short region id out of range")
	}
	m.shortRegions[id] = RegionInit{Base: base, Ops: ops}
}

// RegisterLongRegion installs ops for long-address region id (0..63).
func (m *Manager) RegisterLongRegion(id uint8, base uintptr, ops RegionOps) {
	if int(id) >= numLongRegions {
		panic("pvbm: long region id out of range")
	}
	m.longRegions[id] = RegionInit{Base: base, Ops: ops}
}

func (m *Manager) shortOps(region uint8) RegionOps {
	if int(region) >= numShortRegions || m.shortRegions[region].Ops.Free == nil {
		panic("pvbm: short address region not registered")
	}
	return m.shortRegions[region].Ops
}

func (m *Manager) longOps(region uint8) RegionOps {
	if int(region) >= numLongRegions || m.longRegions[region].Ops.Free == nil {
		panic("pvbm: long address region not registered")
	}
	return m.longRegions[region].Ops
}
