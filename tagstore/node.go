package tagstore

import (
	"runtime"
	"sync/atomic"

	"tagstore/compound"
	"tagstore/config"
	"tagstore/intmap"
)

// compoundSlot is the concrete cached-compound state for a Node. A nil
// *compoundSlot pointer means stale; the package-level
// compoundComputingSentinel means another goroutine is materializing
// it; any other pointer is a published compound.
type compoundSlot struct {
	tag *compound.Compound
}

var compoundComputingSentinel = &compoundSlot{}

// Node owns one StaticIntMap<Entry> and the lazily-computed cached
// compound for the subtree rooted at it. parent is a back-edge used
// only by invalidate; it is an ordinary pointer, not a weak reference,
// so a reachable child keeps its parent reachable. Ownership flows down
// (a node keeps its children alive via the entries map), and Go's garbage collector
// reclaims the up-edge/down-edge cycle this creates without any special
// handling, unlike the non-GC languages this design targets.
type Node struct {
	entries       *intmap.StaticIntMap[*Entry]
	compoundCache atomic.Pointer[compoundSlot]
	parent        atomic.Pointer[Node]
}

func newNode(cfg *config.Config) *Node {
	return &Node{entries: intmap.NewHashMapWithCapacity[*Entry](cfg.StaticIntMapInitialCapacity)}
}

func (n *Node) setParent(p *Node) { n.parent.Store(p) }

// invalidate walks from n up to the root, opaque-storing nil into every
// compoundCache along the way, so the next read recomputes.
func (n *Node) invalidate() {
	for cur := n; cur != nil; cur = cur.parent.Load() {
		cur.compoundCache.Store(nil)
	}
}

// compound returns the subtree's materialized compound, computing and
// (cache permitting) publishing it if stale.
func (n *Node) compound(s *TagStore) (*compound.Compound, error) {
	if !s.cfg.TagHandlerCacheEnabled {
		return n.computeCompound(s)
	}

	for {
		cur := n.compoundCache.Load()
		switch cur {
		case nil:
			if n.compoundCache.CompareAndSwap(nil, compoundComputingSentinel) {
				c, err := n.computeCompound(s)
				if err != nil {
					n.compoundCache.CompareAndSwap(compoundComputingSentinel, nil)
					return nil, err
				}
				n.compoundCache.CompareAndSwap(compoundComputingSentinel, &compoundSlot{tag: c})
				return c, nil
			}
		case compoundComputingSentinel:
			for {
				s2 := n.compoundCache.Load()
				if s2 == compoundComputingSentinel {
					runtime.Gosched()
					continue
				}
				if s2 == nil {
					return n.computeCompound(s) // ad hoc, no publish
				}
				return s2.tag, nil
			}
		default:
			return cur.tag, nil
		}
	}
}

func (n *Node) computeCompound(s *TagStore) (*compound.Compound, error) {
	b := compound.NewBuilder()
	var walkErr error

	n.entries.ForValues(func(e *Entry) {
		if walkErr != nil {
			return
		}
		bin, err := e.updatedNbt(s)
		if err != nil {
			walkErr = err
			return
		}
		if bin == nil {
			return
		}
		if e.isPath() {
			if child, ok := bin.(*compound.Compound); ok && child.Size() == 0 && !s.cfg.SerializeEmptyCompound {
				return
			}
		}
		b.Put(e.tag.Key(), bin)
	})

	if walkErr != nil {
		return nil, walkErr
	}
	return b.Build(), nil
}
