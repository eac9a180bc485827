// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package pvbm implements a packet-vector buffer manager: zero-copy
// scatter/gather packet representation through a reference-counted,
// address-tagged 64-bit handle (Paddr), a tree-of-iovecs node (Pvbuf),
// and the allocators that produce both.
//
// # Paddr
//
// A Paddr is a 64-bit tagged handle encoding one of five variants: a
// two-word long address, a pvbuf, a shared pbuf, a single-reference
// pbuf, or a short address into caller-managed memory. See paddr.go.
//
// # Allocators
//
// ObjAllocator is a mutex-guarded freelist allocator over a
// caller-supplied, pre-sized memory region (the manager never allocates
// process memory itself). PbufTable and PvbufTable are size-class arrays
// of ObjAllocators — 15 power-of-two classes (64 B .. 1 MiB) for pbufs,
// 16 cache-line-multiple classes (1..16 lines) for pvbufs. Each table
// falls back to a different neighbor under pressure: a pbuf's payload
// must still fit, so it escalates to the next larger populated class;
// a pvbuf node is an interchangeable container, so it steps down to the
// next smaller one instead.
//
// # Pvbuf tree
//
// A Pvbuf is a vector-of-iovecs node: a 64-bit occupancy bitmap plus up
// to 64 slots, each holding a Paddr. Prepend, Append, PopHdrs,
// PopTrailers, Pullup, Pulltail, Clone, and Segment mutate this tree
// while preserving the occupancy-bitmap invariant and per-pbuf refcount
// discipline; Iterate, CalcLength, Checksum, and MakeIovecs are the
// read-only traversal utilities built on top of it.
//
// # External regions
//
// Short and long addresses extend into caller-managed memory (DPDK
// mempools, registered RDMA memory, …) through a RegionOps vtable of
// free/bump-refcnt callbacks registered with the Manager; the manager
// never assumes ownership of that memory's thread-safety discipline.
//
// # Lookup tables
//
// The lookup subpackage is an independent utility: plain, ternary, and
// longest-prefix-match tables over user-projected keys, in static
// (fixed-entry-slice) and dynamic (add/change/del by id) flavors.
//
// # Concurrency
//
// Each ObjAllocator serializes alloc/free on its own mutex. Per-pbuf
// refcounts are atomic and are the only cross-thread synchronization
// point for pbufs; a last-reference free acquires the owning
// allocator's mutex. Pvbufs themselves are not internally thread-safe —
// a packet is owned by exactly one component at a time, and ownership
// transfers by handing off its Paddr through an external channel.
//
// # Dependencies
//
// pvbm depends on:
//   - iox: Semantic error types (ErrWouldBlock, ErrMore) for allocator
//     exhaustion and short iovec buffers
//   - spin: Spin-wait primitives, used by the lookup subpackage's id
//     pool (lookup/idpool.go) rather than by this package directly
package pvbm
