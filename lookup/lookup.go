// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package lookup

import "sync"

// EntryID names an entry added to a dynamic table. It is returned by Add
// and consumed by Change/Del.
type EntryID uint32

// ByteKey is implemented by key types used with ternary and
// longest-prefix-match tables: Bytes must return a stable, canonical
// byte layout for the key (§4.11), e.g. a concatenated
// source/destination address pair.
type ByteKey interface {
	Bytes() []byte
}

// Entry is one static plain-table row.
type Entry[K comparable, V any] struct {
	Key   K
	Value V
}

// Table is an exact-match lookup table (§3.4, §4.11). A static table is
// built once from a fixed entry set; a dynamic table supports Add,
// Change and Del by EntryID, without needing the original key back, the
// same contract TernaryTable and LPMTable offer. Both share the same
// Lookup path. Zero value is not usable; build with NewStaticTable or
// NewDynamicTable.
type Table[K comparable, V any] struct {
	mu      sync.RWMutex
	byKey   map[K]entryVal[EntryID, V]
	byID    map[EntryID]K
	ids     *IDPool
	miss    V
	dynamic bool
}

type entryVal[ID, V any] struct {
	id    ID
	value V
}

// NewStaticTable builds a read-mostly table from a fixed entry set.
// Lookups that match nothing return miss.
func NewStaticTable[K comparable, V any](entries []Entry[K, V], miss V) *Table[K, V] {
	t := &Table[K, V]{byKey: make(map[K]entryVal[EntryID, V], len(entries)), miss: miss}
	for i, e := range entries {
		t.byKey[e.Key] = entryVal[EntryID, V]{id: EntryID(i), value: e.Value}
	}
	return t
}

// NewDynamicTable builds an empty table backed by an id pool of the
// given capacity (tables are assumed small, §4.11); Add fails with
// iox.ErrWouldBlock once that capacity is exhausted.
func NewDynamicTable[K comparable, V any](capacity int, miss V) *Table[K, V] {
	return &Table[K, V]{
		byKey:   make(map[K]entryVal[EntryID, V]),
		byID:    make(map[EntryID]K),
		ids:     NewIDPool(capacity),
		miss:    miss,
		dynamic: true,
	}
}

// Add inserts key/value into a dynamic table and returns its id.
func (t *Table[K, V]) Add(key K, value V) (EntryID, error) {
	if !t.dynamic {
		panic("lookup: Add called on a static table")
	}
	id, err := t.ids.Get()
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	t.byKey[key] = entryVal[EntryID, V]{id: EntryID(id), value: value}
	t.byID[EntryID(id)] = key
	t.mu.Unlock()
	return EntryID(id), nil
}

// Change replaces the value of the entry identified by id. Panics if id
// is unknown.
func (t *Table[K, V]) Change(id EntryID, value V) {
	if !t.dynamic {
		panic("lookup: Change called on a static table")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	key, ok := t.byID[id]
	if !ok {
		panic("lookup: Change on unknown entry id")
	}
	t.byKey[key] = entryVal[EntryID, V]{id: id, value: value}
}

// Del removes the entry identified by id, returning it to the id pool
// for reuse.
func (t *Table[K, V]) Del(id EntryID) {
	if !t.dynamic {
		panic("lookup: Del called on a static table")
	}
	t.mu.Lock()
	key, ok := t.byID[id]
	if ok {
		delete(t.byID, id)
		delete(t.byKey, key)
	}
	t.mu.Unlock()
	if ok {
		_ = t.ids.Put(uint32(id))
	}
}

// Lookup returns the value for key, or miss with ok=false when absent.
func (t *Table[K, V]) Lookup(key K) (V, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.byKey[key]
	if !ok {
		return t.miss, false
	}
	return e.value, true
}

// LookupByKey is Lookup under another name: the args-projecting and
// key-first call paths coincide once the key is in hand (§4.11's
// T_lookup_by_key bypasses only the make_key projection, which here is
// the caller-side MakeKey helper, not a step Lookup itself performs).
func (t *Table[K, V]) LookupByKey(key K) (V, bool) {
	return t.Lookup(key)
}

// TernaryEntry is one ternary-match row: a probe key matches when
// (key ^ probe) & mask == 0 across every byte of Key.Bytes(). Ties
// between matching entries are broken by Position, highest wins.
type TernaryEntry[K ByteKey, V any] struct {
	Key      K
	Mask     K
	Position int
	Value    V
}

type ternaryRow[K ByteKey, V any] struct {
	entry TernaryEntry[K, V]
	id    EntryID
}

// TernaryTable is a ternary (value/mask) lookup table (§3.4, §4.11).
type TernaryTable[K ByteKey, V any] struct {
	mu      sync.RWMutex
	rows    map[EntryID]ternaryRow[K, V]
	ids     *IDPool
	miss    V
	dynamic bool
}

// NewStaticTernaryTable builds a read-mostly ternary table.
func NewStaticTernaryTable[K ByteKey, V any](entries []TernaryEntry[K, V], miss V) *TernaryTable[K, V] {
	t := &TernaryTable[K, V]{rows: make(map[EntryID]ternaryRow[K, V], len(entries)), miss: miss}
	for i, e := range entries {
		t.rows[EntryID(i)] = ternaryRow[K, V]{entry: e, id: EntryID(i)}
	}
	return t
}

// NewDynamicTernaryTable builds an empty ternary table with the given
// entry capacity.
func NewDynamicTernaryTable[K ByteKey, V any](capacity int, miss V) *TernaryTable[K, V] {
	return &TernaryTable[K, V]{
		rows:    make(map[EntryID]ternaryRow[K, V]),
		ids:     NewIDPool(capacity),
		miss:    miss,
		dynamic: true,
	}
}

// Add inserts a ternary entry and returns its id.
func (t *TernaryTable[K, V]) Add(key, mask K, position int, value V) (EntryID, error) {
	if !t.dynamic {
		panic("lookup: Add called on a static table")
	}
	id, err := t.ids.Get()
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	t.rows[EntryID(id)] = ternaryRow[K, V]{entry: TernaryEntry[K, V]{Key: key, Mask: mask, Position: position, Value: value}, id: EntryID(id)}
	t.mu.Unlock()
	return EntryID(id), nil
}

// Change replaces the value of an existing ternary entry.
func (t *TernaryTable[K, V]) Change(id EntryID, value V) {
	if !t.dynamic {
		panic("lookup: Change called on a static table")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.rows[id]
	if !ok {
		panic("lookup: Change on unknown entry id")
	}
	r.entry.Value = value
	t.rows[id] = r
}

// Del removes a ternary entry by id.
func (t *TernaryTable[K, V]) Del(id EntryID) {
	if !t.dynamic {
		panic("lookup: Del called on a static table")
	}
	t.mu.Lock()
	_, ok := t.rows[id]
	if ok {
		delete(t.rows, id)
	}
	t.mu.Unlock()
	if ok {
		_ = t.ids.Put(uint32(id))
	}
}

// Lookup returns the value of the highest-Position entry whose key/mask
// matches probe, or miss with ok=false when nothing matches.
func (t *TernaryTable[K, V]) Lookup(probe K) (V, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pb := probe.Bytes()
	bestPos := -1
	var bestVal V
	found := false
	for _, r := range t.rows {
		if ternaryMatch(r.entry.Key.Bytes(), r.entry.Mask.Bytes(), pb) && r.entry.Position > bestPos {
			bestPos = r.entry.Position
			bestVal = r.entry.Value
			found = true
		}
	}
	if !found {
		return t.miss, false
	}
	return bestVal, true
}

// LookupByKey is Lookup under another name, for symmetry with Table's
// and LPMTable's same-named method (§4.11's T_lookup_by_key).
func (t *TernaryTable[K, V]) LookupByKey(probe K) (V, bool) {
	return t.Lookup(probe)
}

func ternaryMatch(key, mask, probe []byte) bool {
	if len(key) != len(mask) || len(key) != len(probe) {
		panic("lookup: key/mask/probe length mismatch")
	}
	for i := range key {
		if (key[i]^probe[i])&mask[i] != 0 {
			return false
		}
	}
	return true
}

// LPMEntry is one longest-prefix-match row: Key.Bytes()[:PrefixLen bits]
// must equal the probe's corresponding prefix.
type LPMEntry[K ByteKey, V any] struct {
	Key       K
	PrefixLen int
	Value     V
}

type lpmRow[K ByteKey, V any] struct {
	entry LPMEntry[K, V]
}

// LPMTable is a longest-prefix-match lookup table (§3.4, §4.11).
type LPMTable[K ByteKey, V any] struct {
	mu      sync.RWMutex
	rows    map[EntryID]lpmRow[K, V]
	ids     *IDPool
	miss    V
	dynamic bool
}

// NewStaticLPMTable builds a read-mostly LPM table.
func NewStaticLPMTable[K ByteKey, V any](entries []LPMEntry[K, V], miss V) *LPMTable[K, V] {
	t := &LPMTable[K, V]{rows: make(map[EntryID]lpmRow[K, V], len(entries)), miss: miss}
	for i, e := range entries {
		t.rows[EntryID(i)] = lpmRow[K, V]{entry: e}
	}
	return t
}

// NewDynamicLPMTable builds an empty LPM table with the given entry
// capacity.
func NewDynamicLPMTable[K ByteKey, V any](capacity int, miss V) *LPMTable[K, V] {
	return &LPMTable[K, V]{
		rows:    make(map[EntryID]lpmRow[K, V]),
		ids:     NewIDPool(capacity),
		miss:    miss,
		dynamic: true,
	}
}

// Add inserts a prefix entry and returns its id.
func (t *LPMTable[K, V]) Add(key K, prefixLen int, value V) (EntryID, error) {
	if !t.dynamic {
		panic("lookup: Add called on a static table")
	}
	id, err := t.ids.Get()
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	t.rows[EntryID(id)] = lpmRow[K, V]{entry: LPMEntry[K, V]{Key: key, PrefixLen: prefixLen, Value: value}}
	t.mu.Unlock()
	return EntryID(id), nil
}

// Change replaces the value of an existing prefix entry.
func (t *LPMTable[K, V]) Change(id EntryID, value V) {
	if !t.dynamic {
		panic("lookup: Change called on a static table")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.rows[id]
	if !ok {
		panic("lookup: Change on unknown entry id")
	}
	r.entry.Value = value
	t.rows[id] = r
}

// Del removes a prefix entry by id.
func (t *LPMTable[K, V]) Del(id EntryID) {
	if !t.dynamic {
		panic("lookup: Del called on a static table")
	}
	t.mu.Lock()
	_, ok := t.rows[id]
	if ok {
		delete(t.rows, id)
	}
	t.mu.Unlock()
	if ok {
		_ = t.ids.Put(uint32(id))
	}
}

// Lookup returns the value of the longest matching prefix for probe, or
// miss with ok=false when nothing matches.
func (t *LPMTable[K, V]) Lookup(probe K) (V, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pb := probe.Bytes()
	bestLen := -1
	var bestVal V
	found := false
	for _, r := range t.rows {
		if lpmMatch(r.entry.Key.Bytes(), pb, r.entry.PrefixLen) && r.entry.PrefixLen > bestLen {
			bestLen = r.entry.PrefixLen
			bestVal = r.entry.Value
			found = true
		}
	}
	if !found {
		return t.miss, false
	}
	return bestVal, true
}

// LookupByKey is Lookup under another name, for symmetry with Table's
// and TernaryTable's same-named method (§4.11's T_lookup_by_key).
func (t *LPMTable[K, V]) LookupByKey(probe K) (V, bool) {
	return t.Lookup(probe)
}

func lpmMatch(key, probe []byte, prefixLen int) bool {
	if prefixLen < 0 || prefixLen > len(key)*8 || len(key) != len(probe) {
		panic("lookup: prefix length or key length out of range")
	}
	fullBytes := prefixLen / 8
	remBits := prefixLen % 8
	for i := 0; i < fullBytes; i++ {
		if key[i] != probe[i] {
			return false
		}
	}
	if remBits == 0 {
		return true
	}
	mask := byte(0xFF << (8 - remBits))
	return key[fullBytes]&mask == probe[fullBytes]&mask
}
