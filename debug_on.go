// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build pvbmdebug

package pvbm

// debugValidateAllocators gates the O(n) freelist-walk validation and
// double-free scan described as optional in §4.2. This file is only
// compiled with the pvbmdebug build tag; see debug_off.go for the
// default.
const debugValidateAllocators = true
