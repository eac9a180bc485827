// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pvbm_test

import (
	"testing"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/pvbm"
	"code.hybscloud.com/spin"
)

// Object allocator benchmarks

func BenchmarkObjAllocator_AllocFree(b *testing.B) {
	a := pvbm.NewObjAllocator(make([]byte, 1024*64), 1024, 64, "bench", 0)
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			ptr, _, ok := a.Alloc()
			if !ok {
				b.Fatal("allocator exhausted")
			}
			spin.Yield()
			a.Free(ptr)
		}
	})
}

// Pbuf/pvbuf table benchmarks

func benchPbufManager(b *testing.B, objsPerShift int) *pvbm.Manager {
	b.Helper()
	var pbufInit pvbm.PbufInitTable
	for shift := 6; shift <= 10; shift++ {
		pbufInit[shift-6] = pvbm.PbufClassInit{
			NumObjs: objsPerShift,
			Base:    make([]byte, objsPerShift*(1<<shift)),
		}
	}
	var pvbufInit pvbm.PvbufInitTable
	for class := 0; class < 16; class++ {
		pvbufInit[class] = pvbm.PvbufClassInit{
			NumObjs: objsPerShift,
			Base:    make([]byte, objsPerShift*pvbm.PvbufObjSize(uint8(class))),
		}
	}
	m, err := pvbm.Init(pbufInit, pvbufInit)
	if err != nil {
		b.Fatalf("Init: %v", err)
	}
	return m
}

func BenchmarkPbufTable_AllocFree_64B(b *testing.B) {
	m := benchPbufManager(b, 4096)
	tbl := m.PbufTable()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			p, _, err := tbl.Alloc(50, false, false)
			if err != nil {
				b.Fatal(err)
			}
			tbl.Free(p)
		}
	})
}

func BenchmarkPbufTable_AllocFree_1KB(b *testing.B) {
	m := benchPbufManager(b, 4096)
	tbl := m.PbufTable()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			p, _, err := tbl.Alloc(1000, false, false)
			if err != nil {
				b.Fatal(err)
			}
			tbl.Free(p)
		}
	})
}

func BenchmarkPvbufTable_AllocEmpty(b *testing.B) {
	m := benchPbufManager(b, 4096)
	tbl := m.PvbufTable()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p, _, err := tbl.AllocEmpty(2)
		if err != nil {
			b.Fatal(err)
		}
		tbl.Free(p)
	}
}

func BenchmarkPvbufTable_Alloc1000Bytes(b *testing.B) {
	m := benchPbufManager(b, 4096)
	tbl := m.PvbufTable()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p, _, err := tbl.Alloc(1000, 0, 0)
		if err != nil {
			b.Fatal(err)
		}
		_, dropped := pvbm.PopHdrs(m, p, 1000, false, nil)
		if dropped != 1000 {
			b.Fatalf("dropped = %d, want 1000", dropped)
		}
	}
}

// Traversal benchmarks

func BenchmarkChecksum_1KB(b *testing.B) {
	m := benchPbufManager(b, 256)
	root, _, err := m.PvbufTable().Alloc(1000, 0, 0)
	if err != nil {
		b.Fatalf("Alloc: %v", err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = pvbm.Checksum(m, root, 1000, 0)
	}
}

func BenchmarkMakeIovecs_1KB(b *testing.B) {
	m := benchPbufManager(b, 256)
	root, _, err := m.PvbufTable().Alloc(1000, 0, 0)
	if err != nil {
		b.Fatalf("Alloc: %v", err)
	}
	out := make([]pvbm.IoVec, 64)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := pvbm.MakeIovecs(m, root, out, 1000, 0); err != nil {
			b.Fatal(err)
		}
	}
}

// Memory alignment benchmarks

func BenchmarkAlignedMemBlock(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = pvbm.AlignedMemBlock()
	}
}

func BenchmarkCacheLineAlignedMem_1KB(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = pvbm.CacheLineAlignedMem(1024)
	}
}

// IoVec benchmarks

func BenchmarkIoVecFromBytesSlice_8(b *testing.B) {
	slices := make([][]byte, 8)
	for i := range slices {
		slices[i] = make([]byte, 256)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = pvbm.IoVecFromBytesSlice(slices)
	}
}

// High-contention benchmarks demonstrating backoff behavior.
//
// These simulate buffer exhaustion: a small pbuf class under heavy
// parallel alloc/free pressure, acknowledging that a refused allocation
// is an external resource-availability event (iox.Backoff), matching
// the contention benchmarks the pool allocator these tables build on
// was exercised with.

func BenchmarkPbufTable_HighContention_TinyPool(b *testing.B) {
	m := benchPbufManager(b, 16)
	tbl := m.PbufTable()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		var ba iox.Backoff
		for pb.Next() {
			p, _, err := tbl.Alloc(50, false, false)
			for err != nil {
				ba.Wait()
				p, _, err = tbl.Alloc(50, false, false)
			}
			tbl.Free(p)
		}
	})
}
