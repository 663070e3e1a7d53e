package tagstore

import (
	"runtime"
	"sync/atomic"

	"tagstore/compound"
)

// nbtSlot is the concrete cached-serialized-form state for a leaf
// entry. A nil *nbtSlot pointer means stale; the package-level
// nbtComputingSentinel means another goroutine is computing it right
// now; any other pointer is a published result. Distinguished by
// identity, not by field inspection, per spec's sentinel design note.
type nbtSlot struct {
	tag compound.BinaryTag
}

var nbtComputingSentinel = &nbtSlot{}

// Entry holds one StaticIntMap slot's worth of state: either a leaf
// value plus its serialized-form cache, or a path entry pointing at a
// child Node. It is never both at once.
type Entry struct {
	tag   TagInfo
	child *Node // non-nil iff this is a path entry

	value atomic.Pointer[any] // leaf value; unused for path entries
	nbt   atomic.Pointer[nbtSlot]
}

func newLeafEntry(tag TagInfo, value any) *Entry {
	e := &Entry{tag: tag}
	e.value.Store(&value)
	return e
}

func newPathEntry(tag TagInfo, child *Node) *Entry {
	return &Entry{tag: tag, child: child}
}

func (e *Entry) isPath() bool { return e.child != nil }

// Value returns the entry's current contents: the child *Node for a
// path entry, or the leaf value (acquire-loaded) otherwise.
func (e *Entry) Value() any {
	if e.isPath() {
		return e.child
	}
	p := e.value.Load()
	if p == nil {
		return nil
	}
	return *p
}

// updateValue is the leaf hot path: release-store the new value, then
// release-store nil into the nbt cache, in that order, so that a reader
// observing a stale nbt cache also observes the new value (spec §4.3's
// "entry value/nbt cache" ordering contract).
func (e *Entry) updateValue(v any) {
	e.value.Store(&v)
	e.nbt.Store(nil)
}

// updatedNbt returns this entry's serialized form, computing and
// publishing it if stale. For a path entry this simply delegates to the
// child node's own compound cache. Implements the CAE/spin-wait
// "deferred publication" protocol spec §4.3 describes: compute once,
// publish if nothing invalidated the cache in the meantime, otherwise
// hand the freshly computed value to the caller without publishing.
func (e *Entry) updatedNbt(s *TagStore) (compound.BinaryTag, error) {
	if e.isPath() {
		return e.child.compound(s)
	}

	compute := func() compound.BinaryTag {
		return e.tag.writeBinary(e.Value())
	}

	for {
		cur := e.nbt.Load()
		switch cur {
		case nil:
			if e.nbt.CompareAndSwap(nil, nbtComputingSentinel) {
				bin := compute()
				e.nbt.CompareAndSwap(nbtComputingSentinel, &nbtSlot{tag: bin})
				return bin, nil
			}
			// lost the race to install the computing sentinel; reobserve.
		case nbtComputingSentinel:
			for {
				s2 := e.nbt.Load()
				if s2 == nbtComputingSentinel {
					runtime.Gosched()
					continue
				}
				if s2 == nil {
					return compute(), nil // ad hoc, no publish
				}
				return s2.tag, nil
			}
		default:
			return cur.tag, nil
		}
	}
}
