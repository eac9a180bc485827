// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package lookup provides plain, ternary, and longest-prefix-match
// lookup tables over user-projected keys, in static (fixed-entry-slice)
// and dynamic (add/change/delete by id) flavors. It is a standalone
// utility: nothing else in this module imports it.
package lookup

// MakeKey is the generic substitute for the macro-generated make_key
// field-projection: it applies project to args and returns the packed
// key. Callers that already have a key in hand should call a table's
// LookupByKey directly instead.
func MakeKey[A any, K any](args A, project func(A) K) K {
	return project(args)
}
