// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pvbm

// PageSize defines the standard memory page size (4 KiB) used when a
// caller asks region.go's helpers to assemble a page-aligned memory
// region for a pbuf or pvbuf allocator.
var PageSize uintptr = 4096

// SetPageSize updates the package-level page size used for alignment.
func SetPageSize(size int) {
	PageSize = uintptr(size)
}

// noCopy is a sentinel used to prevent copying of synchronization
// primitives; embed it in any struct holding a mutex or atomic counters
// that must not be copied after first use.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
