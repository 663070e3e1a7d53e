// Package intmap implements StaticIntMap, the single-writer /
// multi-reader int-keyed map that backs every node of a TagStore.
//
// Two variants are provided behind the same type: a dense Array variant
// for small, densely-packed keys, and an open-addressed, quadratic-probed
// Hash variant for the general case. Both publish their backing storage
// through a single atomic pointer so that readers never take a lock:
// a reader acquire-loads the current table, probes it with plain atomic
// loads, and returns. Writers must be externally serialized — for the
// tag handler, the enclosing TagStore's mutex is that serialization.
//
// The concurrency argument is the same one used throughout the
// corpus this was grounded on (compare the sharded atomic-pointer chains
// in a lock-free string interner): a writer stores the value of a slot
// before it stores the slot's key, and a reader that observes a live key
// is guaranteed — by Go's sequential-consistency guarantee on individual
// atomic words — to observe the value write that preceded it.
package intmap

import (
	"sync/atomic"

	"tagstore/logger"
	"tagstore/tagerr"
)

// DefaultInitialCapacity is used when a map is lazily allocated on its
// first Put without an explicit capacity.
const DefaultInitialCapacity = 8

// LoadFactor bounds how full the hash variant's table may get before a
// Put triggers a grow-rehash, and how empty it may get before a Remove
// triggers a shrink-rehash.
const LoadFactor = 0.7

// Kind selects a StaticIntMap's storage strategy.
type Kind int

const (
	// Hash selects the open-addressed, quadratic-probed variant.
	// Appropriate when keys are sparse or the key space is large.
	Hash Kind = iota
	// Array selects the dense, directly-indexed variant. Appropriate
	// only when keys are small and densely packed.
	Array
)

const (
	emptyKey     int64 = 0
	tombstoneKey int64 = -1
)

// hashTable is the immutable record published behind StaticIntMap's
// atomic pointer for the Hash variant. keys[i] uses the stored-key
// convention: 0 means empty, -1 means tombstone, any other value is a
// live user key plus one.
type hashTable[T any] struct {
	keys   []atomic.Int64
	values []atomic.Pointer[T]
}

func newHashTable[T any](length int) *hashTable[T] {
	return &hashTable[T]{
		keys:   make([]atomic.Int64, length),
		values: make([]atomic.Pointer[T], length),
	}
}

// arrayTable is the immutable record published for the Array variant.
type arrayTable[T any] struct {
	values []atomic.Pointer[T]
}

// StaticIntMap is a concurrent int-keyed map with exactly one writer at
// a time and any number of concurrent, lock-free readers.
type StaticIntMap[T any] struct {
	kind Kind

	hash atomic.Pointer[hashTable[T]]
	arr  atomic.Pointer[arrayTable[T]]

	size atomic.Int64

	// initialCapacity is the table size allocated on the first Put and
	// the floor a shrink-rehash never goes below. Defaults to
	// DefaultInitialCapacity; callers that want a different floor (e.g.
	// TagStore honoring config.StaticIntMapInitialCapacity) use
	// NewHashMapWithCapacity.
	initialCapacity int64
}

// NewHashMap creates an empty Hash-variant StaticIntMap. The table is
// allocated lazily on the first Put, at DefaultInitialCapacity.
func NewHashMap[T any]() *StaticIntMap[T] {
	return &StaticIntMap[T]{kind: Hash, initialCapacity: DefaultInitialCapacity}
}

// NewHashMapWithCapacity creates an empty Hash-variant StaticIntMap
// whose first allocation (and shrink-rehash floor) is capacity, rounded
// up to the next power of two.
func NewHashMapWithCapacity[T any](capacity int) *StaticIntMap[T] {
	c := int64(1)
	for c < int64(capacity) {
		c <<= 1
	}
	return &StaticIntMap[T]{kind: Hash, initialCapacity: c}
}

// NewArrayMap creates an empty Array-variant StaticIntMap.
func NewArrayMap[T any]() *StaticIntMap[T] {
	return &StaticIntMap[T]{kind: Array}
}

// Kind reports which storage strategy this map uses.
func (m *StaticIntMap[T]) Kind() Kind { return m.kind }

func (m *StaticIntMap[T]) initialCapacityOrDefault() int64 {
	if m.initialCapacity <= 0 {
		return DefaultInitialCapacity
	}
	return m.initialCapacity
}

// Size returns the number of live entries. Safe to call concurrently;
// may be momentarily stale with respect to an in-flight Put/Remove.
func (m *StaticIntMap[T]) Size() int64 { return m.size.Load() }

// probe computes the i-th quadratic probe offset for storedKey into a
// table of the given mask (length-1, length a power of two). Per spec
// this realizes step ½·(i+i²), which on a power-of-two table visits
// every slot exactly once as i ranges over [0, length).
func probe(storedKey, i, mask int64) int64 {
	return ((storedKey << 1) + i + i*i) >> 1 & mask
}

// Get returns the value stored for k, if any. Lock-free: never blocks,
// never takes the map's (nonexistent) lock, safe to call concurrently
// with a single writer's Put/Remove.
func (m *StaticIntMap[T]) Get(k int) (T, bool) {
	if m.kind == Array {
		return m.getArray(k)
	}
	return m.getHash(k)
}

func (m *StaticIntMap[T]) getHash(k int) (zero T, _ bool) {
	table := m.hash.Load()
	if table == nil || len(table.keys) == 0 {
		return zero, false
	}
	length := int64(len(table.keys))
	mask := length - 1
	storedKey := int64(k) + 1

	for i := int64(0); i < length; i++ {
		idx := probe(storedKey, i, mask)
		sk := table.keys[idx].Load()
		if sk == emptyKey {
			return zero, false
		}
		if sk == storedKey {
			v := table.values[idx].Load()
			if v == nil {
				return zero, false
			}
			return *v, true
		}
		// tombstone or mismatched live key: keep probing.
	}
	return zero, false
}

func (m *StaticIntMap[T]) getArray(k int) (zero T, _ bool) {
	table := m.arr.Load()
	if table == nil || k < 0 || k >= len(table.values) {
		return zero, false
	}
	v := table.values[k].Load()
	if v == nil {
		return zero, false
	}
	return *v, true
}

// Put installs v at k. The caller must guarantee no other goroutine is
// concurrently calling Put/Remove/Rehash/UpdateContent on this map (for
// a TagStore this is the store's mutex).
func (m *StaticIntMap[T]) Put(k int, v T) error {
	if k < 0 {
		return tagerr.UsageError("StaticIntMap.Put: negative key %d", k)
	}
	if m.kind == Array {
		m.putArray(k, v)
		return nil
	}
	return m.putHash(k, v)
}

func (m *StaticIntMap[T]) putHash(k int, v T) error {
	table := m.hash.Load()
	if table == nil || len(table.keys) == 0 {
		table = newHashTable[T](int(m.initialCapacityOrDefault()))
		m.hash.Store(table)
	}

	storedKey := int64(k) + 1
	length := int64(len(table.keys))
	mask := length - 1

	firstTombstone := int64(-1)
	matched := int64(-1)
	empty := int64(-1)

	for i := int64(0); i < length; i++ {
		idx := probe(storedKey, i, mask)
		sk := table.keys[idx].Load()
		switch sk {
		case storedKey:
			matched = idx
		case emptyKey:
			empty = idx
		case tombstoneKey:
			if firstTombstone < 0 {
				firstTombstone = idx
			}
			continue
		default:
			continue
		}
		break
	}

	if matched >= 0 {
		table.values[matched].Store(&v)
		table.keys[matched].Store(storedKey) // already storedKey; keeps write order uniform
		return nil
	}

	var dest int64
	switch {
	case firstTombstone >= 0:
		dest = firstTombstone
	case empty >= 0:
		dest = empty
	default:
		return tagerr.InvariantViolation("StaticIntMap.Put: no free slot in table of length %d", length)
	}

	table.values[dest].Store(&v)
	table.keys[dest].Store(storedKey)

	newSize := m.size.Add(1)
	if float64(newSize+1) >= float64(length)*LoadFactor {
		m.rehashHash(length * 2)
	}
	return nil
}

func (m *StaticIntMap[T]) putArray(k int, v T) {
	table := m.arr.Load()
	if table == nil || k >= len(table.values) {
		newLen := k*2 + 1
		if table != nil && len(table.values) > newLen {
			newLen = len(table.values)
		}
		grown := &arrayTable[T]{values: make([]atomic.Pointer[T], newLen)}
		if table != nil {
			for i := range table.values {
				if p := table.values[i].Load(); p != nil {
					grown.values[i].Store(p)
				}
			}
		}
		table = grown
		m.arr.Store(table)
	}

	was := table.values[k].Load()
	table.values[k].Store(&v)
	if was == nil {
		m.size.Add(1)
	}
}

// Remove deletes k, if present. External synchronization rules are the
// same as Put.
func (m *StaticIntMap[T]) Remove(k int) {
	if m.kind == Array {
		m.removeArray(k)
		return
	}
	m.removeHash(k)
}

func (m *StaticIntMap[T]) removeHash(k int) {
	table := m.hash.Load()
	if table == nil || len(table.keys) == 0 {
		return
	}
	storedKey := int64(k) + 1
	length := int64(len(table.keys))
	mask := length - 1

	for i := int64(0); i < length; i++ {
		idx := probe(storedKey, i, mask)
		sk := table.keys[idx].Load()
		if sk == emptyKey {
			return // miss
		}
		if sk == storedKey {
			table.keys[idx].Store(tombstoneKey)
			table.values[idx].Store(nil)

			newSize := m.size.Add(-1)
			switch {
			case newSize == 0:
				m.hash.Store(newHashTable[T](0))
			case float64(newSize+1) <= (1-LoadFactor)*float64(length):
				m.rehashHash(length / 2)
			}
			return
		}
		// tombstone or mismatched live key: keep probing.
	}
}

func (m *StaticIntMap[T]) removeArray(k int) {
	table := m.arr.Load()
	if table == nil || k < 0 || k >= len(table.values) {
		return
	}
	if was := table.values[k].Swap(nil); was != nil {
		m.size.Add(-1)
	}
}

// rehashHash allocates a fresh table of newLen, copies every live entry
// over into the first empty slot of its probe sequence (tombstones are
// dropped, not copied), then
// atomically publishes the new table.
func (m *StaticIntMap[T]) rehashHash(newLen int64) {
	if floor := m.initialCapacityOrDefault(); newLen < floor {
		newLen = floor
	}
	old := m.hash.Load()
	oldLen := 0
	if old != nil {
		oldLen = len(old.keys)
	}
	logger.TraceIf("intmap", "rehashing hash table from %d to %d slots", oldLen, newLen)
	fresh := newHashTable[T](int(newLen))
	mask := newLen - 1

	if old != nil {
		for i := range old.keys {
			sk := old.keys[i].Load()
			if sk == emptyKey || sk == tombstoneKey {
				continue
			}
			v := old.values[i].Load()
			for probeStep := int64(0); probeStep < newLen; probeStep++ {
				idx := probe(sk, probeStep, mask)
				if fresh.keys[idx].Load() == emptyKey {
					fresh.values[idx].Store(v)
					fresh.keys[idx].Store(sk)
					break
				}
			}
		}
	}
	m.hash.Store(fresh)
}

// ForValues walks every live value in iteration order. Lock-free; the
// map may be concurrently mutated by its single writer during the walk,
// in which case newly-inserted or newly-removed entries may or may not
// be observed, but no live entry is ever torn.
func (m *StaticIntMap[T]) ForValues(f func(T)) {
	if m.kind == Array {
		table := m.arr.Load()
		if table == nil {
			return
		}
		for i := range table.values {
			if v := table.values[i].Load(); v != nil {
				f(*v)
			}
		}
		return
	}

	table := m.hash.Load()
	if table == nil {
		return
	}
	for i := range table.keys {
		sk := table.keys[i].Load()
		if sk == emptyKey || sk == tombstoneKey {
			continue
		}
		if v := table.values[i].Load(); v != nil {
			f(*v)
		}
	}
}

// Copy returns a structurally independent snapshot: a new StaticIntMap
// whose backing storage is a fresh copy of every slot, taken via opaque
// loads with the key read before the value. The snapshot does not deep
// copy the values themselves — that is the caller's concern when T is a
// reference type.
func (m *StaticIntMap[T]) Copy() *StaticIntMap[T] {
	out := &StaticIntMap[T]{kind: m.kind, initialCapacity: m.initialCapacity}
	if m.kind == Array {
		table := m.arr.Load()
		if table == nil {
			return out
		}
		fresh := &arrayTable[T]{values: make([]atomic.Pointer[T], len(table.values))}
		for i := range table.values {
			if v := table.values[i].Load(); v != nil {
				fresh.values[i].Store(v)
			}
		}
		out.arr.Store(fresh)
		out.size.Store(m.size.Load())
		return out
	}

	table := m.hash.Load()
	if table == nil {
		return out
	}
	fresh := newHashTable[T](len(table.keys))
	for i := range table.keys {
		sk := table.keys[i].Load() // key read before value: preserves the write-ordering invariant
		v := table.values[i].Load()
		fresh.keys[i].Store(sk)
		if v != nil {
			fresh.values[i].Store(v)
		}
	}
	out.hash.Store(fresh)
	out.size.Store(m.size.Load())
	return out
}

// UpdateContent atomically replaces this map's entire backing storage
// with other's. Both maps must be the same Kind, matching the contract
// that StaticIntMap.updateContent only accepts its own variant.
func (m *StaticIntMap[T]) UpdateContent(other *StaticIntMap[T]) error {
	if other == nil {
		return tagerr.UsageError("StaticIntMap.UpdateContent: nil source map")
	}
	if m.kind != other.kind {
		return tagerr.UsageError("StaticIntMap.UpdateContent: kind mismatch (%v vs %v)", m.kind, other.kind)
	}
	if m.kind == Array {
		m.arr.Store(other.arr.Load())
	} else {
		m.hash.Store(other.hash.Load())
	}
	m.size.Store(other.size.Load())
	return nil
}

// Clear drops all entries, resetting the map as if newly constructed.
func (m *StaticIntMap[T]) Clear() {
	if m.kind == Array {
		m.arr.Store(nil)
	} else {
		m.hash.Store(nil)
	}
	m.size.Store(0)
}
