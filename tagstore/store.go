// Package tagstore implements the hierarchical, index-addressed
// attribute store (a "tag handler") built on intmap.StaticIntMap: lock-
// free reads, mutex-protected writes, and an incrementally invalidated
// cached serialized view per subtree.
package tagstore

import (
	"sync"
	"sync/atomic"

	"tagstore/compound"
	"tagstore/config"
	"tagstore/intmap"
	"tagstore/internal/pools"
	"tagstore/logger"
	"tagstore/tagerr"
)

// ReadOnlyView is a snapshot cheap enough to hand to event handlers:
// a materialized compound wrapped so callers cannot mutate it.
type ReadOnlyView struct {
	compound *compound.Compound
}

func (v *ReadOnlyView) Get(key string) (compound.BinaryTag, bool) { return v.compound.Get(key) }
func (v *ReadOnlyView) Keys() []string                            { return v.compound.Keys() }
func (v *ReadOnlyView) Size() int                                 { return v.compound.Size() }

// TagStore is a tree of Nodes, one StaticIntMap<Entry> per node, with a
// single mutex serializing every write (set/remove/update/clear/
// updateContent/path-allocation) and a lock-free read path.
type TagStore struct {
	mu   sync.Mutex
	root atomic.Pointer[Node]

	resolver TagResolver
	cfg      *config.Config

	readable atomic.Pointer[ReadOnlyView]
	size     atomic.Int64
}

// New creates an empty TagStore. resolver is consulted by UpdateContent
// to turn a Compound's keys back into TagInfo; cfg selects the caching
// and empty-compound-pruning behavior. A nil cfg falls back to
// config.Default().
func New(resolver TagResolver, cfg *config.Config) *TagStore {
	if cfg == nil {
		cfg = config.Default()
	}
	s := &TagStore{resolver: resolver, cfg: cfg}
	s.root.Store(newNode(cfg))
	return s
}

// traverseRead walks path without taking any lock. Returns nil if any
// segment is absent or occupied by a non-path entry.
func (s *TagStore) traverseRead(path []PathSegment) *Node {
	node := s.root.Load()
	for _, seg := range path {
		e, ok := node.entries.Get(seg.Index)
		if !ok || !e.isPath() {
			return nil
		}
		node = e.child
	}
	return node
}

// traverseWrite walks path, allocating intermediate nodes as needed
// when present is true. Caller must hold s.mu. When present is false,
// traverseWrite never allocates and returns (nil, nil) on any missing
// segment.
func (s *TagStore) traverseWrite(path []PathSegment, present bool) (*Node, error) {
	node := s.root.Load()
	for _, seg := range path {
		e, ok := node.entries.Get(seg.Index)
		if ok && e.isPath() {
			node = e.child
			continue
		}
		if !present {
			return nil, nil
		}

		child := newNode(s.cfg)
		if ok && !e.isPath() {
			// A leaf occupied this slot; if it serialized to a compound,
			// seed the new child from it instead of discarding it.
			s.size.Add(-1)
			if bin, err := e.updatedNbt(s); err == nil {
				if seed, isCompound := bin.(*compound.Compound); isCompound {
					logger.TraceIf("tagstore", "displacing leaf at index %d with path node %q, seeding from its compound", seg.Index, seg.Name)
					if seeded, serr := s.nodeFromCompound(seed); serr == nil {
						child = seeded
						s.size.Add(countLeaves(seeded))
					}
				}
			}
		}
		child.setParent(node)

		entry := newPathEntry(&pathTagInfo{name: seg.Name, index: seg.Index}, child)
		if err := node.entries.Put(seg.Index, entry); err != nil {
			return nil, err
		}
		node = child
	}
	return node, nil
}

// nodeFromCompound rebuilds a subtree from a serialized compound via
// the registered TagResolver, the external collaborator that handles
// tag discovery per spec §4.3.
func (s *TagStore) nodeFromCompound(c *compound.Compound) (*Node, error) {
	node, _, err := s.nodeAndCountFromCompound(c)
	return node, err
}

func (s *TagStore) nodeAndCountFromCompound(c *compound.Compound) (*Node, int64, error) {
	node := newNode(s.cfg)
	var count int64
	for _, key := range c.Keys() {
		bin, _ := c.Get(key)
		info, ok := s.resolver.ResolveKey(key)
		if !ok {
			return nil, 0, tagerr.UsageError("tagstore: updateContent: unresolvable key %q", key)
		}
		if nested, isCompound := bin.(*compound.Compound); isCompound && info.NbtType() == compound.TypeCompound {
			child, childCount, err := s.nodeAndCountFromCompound(nested)
			if err != nil {
				return nil, 0, err
			}
			child.setParent(node)
			if err := node.entries.Put(info.Index(), newPathEntry(info, child)); err != nil {
				return nil, 0, err
			}
			count += childCount
			continue
		}
		value := info.readBinary(bin)
		if err := node.entries.Put(info.Index(), newLeafEntry(info, value)); err != nil {
			return nil, 0, err
		}
		count++
	}
	return node, count, nil
}

func (s *TagStore) clearReadableCopy() { s.readable.Store(nil) }

// GetTag is a pure, lock-free read: walks tag's path, returns the
// leaf's current value, or tag.Default() on any miss. A view tag has no
// slot of its own; it reads the whole compound of the node its path
// addresses.
func GetTag[T any](s *TagStore, tag *Tag[T]) T {
	node := s.traverseRead(tag.path)
	if node == nil {
		return tag.Default()
	}
	if tag.IsView() {
		c, err := node.compound(s)
		if err != nil {
			return tag.Default()
		}
		return tag.copyVal(tag.serializer.Read(c))
	}
	e, ok := node.entries.Get(tag.index)
	if !ok || e.isPath() {
		return tag.Default()
	}
	v := e.Value()
	if v == nil {
		return tag.Default()
	}
	return tag.copyVal(v.(T))
}

// countLeaves recursively counts the live leaf tags in n's subtree, used
// to rebalance TagStore.size when a view tag wholesale-replaces a node's
// contents.
func countLeaves(n *Node) int64 {
	var count int64
	n.entries.ForValues(func(e *Entry) {
		if e.isPath() {
			count += countLeaves(e.child)
			return
		}
		count++
	})
	return count
}

// setViewTag implements SetTag for a view tag: value must serialize to
// a *compound.Compound, which replaces the whole contents of the node
// tag's path addresses (via the same resolver-driven reconstruction
// updateContent uses) rather than occupying a slot of its own. Entries
// of that node not present in the compound are dropped.
func setViewTag[T any](s *TagStore, tag *Tag[T], value *T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, err := s.traverseWrite(tag.path, true)
	if err != nil {
		return err
	}

	prevCount := countLeaves(target)

	if value == nil {
		empty := intmap.NewHashMapWithCapacity[*Entry](s.cfg.StaticIntMapInitialCapacity)
		if err := target.entries.UpdateContent(empty); err != nil {
			return err
		}
		s.size.Add(-prevCount)
		target.invalidate()
		s.clearReadableCopy()
		return nil
	}

	bin := tag.writeBinary(*value)
	c, ok := bin.(*compound.Compound)
	if !ok {
		return tagerr.UsageError("tagstore: view tag %q must serialize to a compound, got %T", tag.Key(), bin)
	}

	fresh, count, err := s.nodeAndCountFromCompound(c)
	if err != nil {
		return err
	}
	if err := target.entries.UpdateContent(fresh.entries); err != nil {
		return err
	}
	target.entries.ForValues(func(e *Entry) {
		if e.isPath() {
			e.child.setParent(target)
		}
	})
	s.size.Add(count - prevCount)
	target.invalidate()
	s.clearReadableCopy()
	return nil
}

// SetTag writes value at tag, or removes the entry when value is nil.
// Hits the lock-free hot path when the target node already exists and
// the slot is occupied by a value-sharing entry; otherwise takes the
// store mutex and re-traverses (another writer may have mutated the
// path in between).
func SetTag[T any](s *TagStore, tag *Tag[T], value *T) error {
	if tag.IsView() {
		return setViewTag(s, tag, value)
	}

	if value != nil {
		if node := s.traverseRead(tag.path); node != nil {
			if existing, ok := node.entries.Get(tag.index); ok && !existing.isPath() && existing.tag.sharesValue(tag) {
				existing.updateValue(tag.copyVal(*value))
				node.invalidate()
				s.clearReadableCopy()
				return nil
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	target, err := s.traverseWrite(tag.path, true)
	if err != nil {
		return err
	}

	existing, hasExisting := target.entries.Get(tag.index)

	if value == nil {
		if hasExisting {
			target.entries.Remove(tag.index)
			if existing.isPath() {
				s.size.Add(-countLeaves(existing.child))
			} else {
				s.size.Add(-1)
			}
		}
		target.invalidate()
		s.clearReadableCopy()
		return nil
	}

	if hasExisting && !existing.isPath() {
		existing.updateValue(tag.copyVal(*value))
	} else {
		e := newLeafEntry(tag, tag.copyVal(*value))
		if err := target.entries.Put(tag.index, e); err != nil {
			return err
		}
		if hasExisting {
			s.size.Add(-countLeaves(existing.child))
		}
		s.size.Add(1)
	}
	target.invalidate()
	s.clearReadableCopy()
	return nil
}

// updateTagCore is the shared implementation behind UpdateTag and its
// three before/after convenience variants: one atomic read-modify-write
// under the store mutex. Callers must not re-enter the store from fn
// (spec's Open Question (b): unsupported, a contract not a runtime
// check).
func updateTagCore[T any](s *TagStore, tag *Tag[T], fn func(T) T) (before, after T, err error) {
	if tag.IsView() {
		return updateViewTagCore(s, tag, fn)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	target, terr := s.traverseWrite(tag.path, true)
	if terr != nil {
		err = terr
		return
	}

	before = tag.Default()
	existing, hasExisting := target.entries.Get(tag.index)
	var displaced *Node
	if hasExisting && !existing.isPath() {
		if v := existing.Value(); v != nil {
			before = tag.copyVal(v.(T))
		}
	} else {
		if hasExisting {
			displaced = existing.child
		}
		hasExisting = false
	}

	after = fn(before)

	if hasExisting {
		existing.updateValue(tag.copyVal(after))
	} else {
		e := newLeafEntry(tag, tag.copyVal(after))
		if perr := target.entries.Put(tag.index, e); perr != nil {
			err = perr
			return
		}
		s.size.Add(1)
		if displaced != nil {
			s.size.Add(-countLeaves(displaced))
		}
	}
	target.invalidate()
	s.clearReadableCopy()
	return
}

// updateViewTagCore is updateTagCore for a view tag: fn runs against the
// whole compound of the node tag's path addresses, read and written back
// through the same replace-the-node's-contents mechanism as setViewTag.
func updateViewTagCore[T any](s *TagStore, tag *Tag[T], fn func(T) T) (before, after T, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, terr := s.traverseWrite(tag.path, true)
	if terr != nil {
		err = terr
		return
	}

	before = tag.Default()
	if c, cerr := target.compound(s); cerr == nil {
		before = tag.copyVal(tag.serializer.Read(c))
	}
	prevCount := countLeaves(target)

	after = fn(before)

	bin := tag.writeBinary(after)
	c, ok := bin.(*compound.Compound)
	if !ok {
		err = tagerr.UsageError("tagstore: view tag %q must serialize to a compound, got %T", tag.Key(), bin)
		return
	}

	fresh, count, cerr := s.nodeAndCountFromCompound(c)
	if cerr != nil {
		err = cerr
		return
	}
	if perr := target.entries.UpdateContent(fresh.entries); perr != nil {
		err = perr
		return
	}
	target.entries.ForValues(func(e *Entry) {
		if e.isPath() {
			e.child.setParent(target)
		}
	})
	s.size.Add(count - prevCount)
	target.invalidate()
	s.clearReadableCopy()
	return
}

// UpdateTag atomically replaces tag's value with fn(currentValue).
func UpdateTag[T any](s *TagStore, tag *Tag[T], fn func(T) T) error {
	_, _, err := updateTagCore(s, tag, fn)
	return err
}

// UpdateTagGetBefore is UpdateTag, returning the value as it was before fn ran.
func UpdateTagGetBefore[T any](s *TagStore, tag *Tag[T], fn func(T) T) (T, error) {
	before, _, err := updateTagCore(s, tag, fn)
	return before, err
}

// UpdateTagGetAfter is UpdateTag, returning fn's result.
func UpdateTagGetAfter[T any](s *TagStore, tag *Tag[T], fn func(T) T) (T, error) {
	_, after, err := updateTagCore(s, tag, fn)
	return after, err
}

// UpdateTagGetBoth is UpdateTag, returning both the before and after values.
func UpdateTagGetBoth[T any](s *TagStore, tag *Tag[T], fn func(T) T) (before, after T, err error) {
	return updateTagCore(s, tag, fn)
}

// AsCompound materializes the root node's cached serialized form,
// computing it if stale. Lock-free.
func (s *TagStore) AsCompound() (*compound.Compound, error) {
	return s.root.Load().compound(s)
}

// ReadableCopy returns a snapshot cheap enough to hand to event
// handlers, lazily cached until the next write.
func (s *TagStore) ReadableCopy() (*ReadOnlyView, error) {
	if cached := s.readable.Load(); cached != nil {
		return cached, nil
	}
	c, err := s.AsCompound()
	if err != nil {
		return nil, err
	}
	view := &ReadOnlyView{compound: c}
	s.readable.CompareAndSwap(nil, view)
	return view, nil
}

// Copy deep-clones the store: every node, every live entry, with
// values passed through their tag's copyValue. A child whose cloned
// compound serializes empty is pruned from the clone when
// SerializeEmptyCompound is false.
func (s *TagStore) Copy() (*TagStore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := &TagStore{resolver: s.resolver, cfg: s.cfg}
	root, size, err := s.cloneNode(s.root.Load())
	if err != nil {
		return nil, err
	}
	clone.root.Store(root)
	clone.size.Store(size)
	return clone, nil
}

func (s *TagStore) cloneNode(n *Node) (*Node, int64, error) {
	out := newNode(s.cfg)
	var count int64
	var walkErr error

	n.entries.ForValues(func(e *Entry) {
		if walkErr != nil {
			return
		}
		if e.isPath() {
			childClone, childCount, err := s.cloneNode(e.child)
			if err != nil {
				walkErr = err
				return
			}
			if childCount == 0 && !s.cfg.SerializeEmptyCompound {
				if c, cerr := childClone.compound(s); cerr == nil && c.Size() == 0 {
					return // pruned from the clone's output
				}
			}
			childClone.setParent(out)
			if err := out.entries.Put(e.tag.Index(), newPathEntry(e.tag, childClone)); err != nil {
				walkErr = err
				return
			}
			count += childCount
			return
		}

		copied := e.tag.copyValue(e.Value())
		if err := out.entries.Put(e.tag.Index(), newLeafEntry(e.tag, copied)); err != nil {
			walkErr = err
			return
		}
		count++
	})

	if walkErr != nil {
		return nil, 0, walkErr
	}
	return out, count, nil
}

// UpdateContent wholesale-replaces the store's contents from c, via
// nodeFromCompound's resolver-driven reconstruction, then atomically
// swaps the root node's backing map and opaque-stores c as its cache.
func (s *TagStore) UpdateContent(c *compound.Compound) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh, count, err := s.nodeAndCountFromCompound(c)
	if err != nil {
		return err
	}

	root := s.root.Load()
	if err := root.entries.UpdateContent(fresh.entries); err != nil {
		return err
	}
	root.entries.ForValues(func(e *Entry) {
		if e.isPath() {
			e.child.setParent(root)
		}
	})
	root.compoundCache.Store(&compoundSlot{tag: c})
	s.size.Store(count)
	s.clearReadableCopy()
	return nil
}

// ClearTags drops all entries, resetting the store as if newly
// constructed.
func (s *TagStore) ClearTags() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.root.Store(newNode(s.cfg))
	s.size.Store(0)
	s.clearReadableCopy()
}

// Size returns the total live leaf-tag count across the tree,
// maintained incrementally by the write path.
func (s *TagStore) Size() int64 { return s.size.Load() }

// ForEachTag walks every leaf tag in the tree, lock-free, calling fn
// with the path of intermediate node names leading to it. The path
// slice passed to fn is only valid for the duration of that call; fn
// must copy it to retain it.
func (s *TagStore) ForEachTag(fn func(path []string, tag TagInfo, value any)) {
	forEachTagNode(s.root.Load(), nil, fn)
}

func forEachTagNode(n *Node, path []string, fn func([]string, TagInfo, any)) {
	n.entries.ForValues(func(e *Entry) {
		if e.isPath() {
			sp := pools.GetStringSlice()
			*sp = append(*sp, path...)
			*sp = append(*sp, e.tag.Key())
			forEachTagNode(e.child, *sp, fn)
			pools.PutStringSlice(sp)
			return
		}
		fn(path, e.tag, e.Value())
	})
}
