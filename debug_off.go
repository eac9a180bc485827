// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build !pvbmdebug

package pvbm

// debugValidateAllocators is off by default; build with -tags pvbmdebug
// (see debug_on.go) to validate every allocator mutation during
// development.
const debugValidateAllocators = false
