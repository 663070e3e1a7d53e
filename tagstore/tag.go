package tagstore

import "tagstore/compound"

// PathSegment names one step of intermediate subtree a tag is nested
// under: Name is the key the segment serializes under, Index is its
// slot in the parent node's StaticIntMap. An empty path places the tag
// at the store's root.
type PathSegment struct {
	Name  string
	Index int
}

// Serializer converts between a typed value and its BinaryTag form.
// NbtType names the shape Write produces; a TypeCompound tag whose
// serialized value is a nested compound is rebuilt as a path node by
// UpdateContent. View tags are marked separately, at the Tag level, by
// View.
type Serializer[T any] struct {
	Write   func(value T) compound.BinaryTag
	Read    func(tag compound.BinaryTag) T
	NbtType compound.NbtType
}

// TagInfo is the type-erased view of a Tag[T] that the store's
// internals (Entry, Node) operate on, since a single node's
// StaticIntMap<Entry> holds entries whose original Tag[T] instantiate T
// differently from one another.
type TagInfo interface {
	Key() string
	Index() int
	PathSegments() []PathSegment
	IsView() bool
	NbtType() compound.NbtType

	writeBinary(value any) compound.BinaryTag
	readBinary(tag compound.BinaryTag) any
	copyValue(value any) any
	defaultValue() any
	sharesValue(other TagInfo) bool
}

// Tag is a caller-visible handle identifying one attribute: its key,
// its allocator-assigned index, the path of intermediate subtrees it is
// nested under, and the serializer/default/copy functions needed to
// read and write it.
type Tag[T any] struct {
	key        string
	index      int
	path       []PathSegment
	isView     bool
	serializer Serializer[T]
	defaultVal func() T
	copyVal    func(T) T
}

// NewTag constructs a root-level, non-view tag. Use Path and View to
// derive variants; Tag values are immutable once built, so deriving
// never mutates the receiver.
func NewTag[T any](key string, index int, serializer Serializer[T], defaultValue func() T, copyValue func(T) T) *Tag[T] {
	if copyValue == nil {
		copyValue = func(v T) T { return v }
	}
	if defaultValue == nil {
		var zero T
		defaultValue = func() T { return zero }
	}
	return &Tag[T]{
		key:        key,
		index:      index,
		serializer: serializer,
		defaultVal: defaultValue,
		copyVal:    copyValue,
	}
}

// Path returns a copy of t nested under the given path segments.
func (t *Tag[T]) Path(segments ...PathSegment) *Tag[T] {
	clone := *t
	clone.path = append([]PathSegment(nil), segments...)
	return &clone
}

// View returns a copy of t marked as a view tag: its value is written
// and read as a whole sub-compound rather than a single slot.
func (t *Tag[T]) View() *Tag[T] {
	clone := *t
	clone.isView = true
	return &clone
}

func (t *Tag[T]) Key() string            { return t.key }
func (t *Tag[T]) Index() int             { return t.index }
func (t *Tag[T]) PathSegments() []PathSegment { return t.path }
func (t *Tag[T]) IsView() bool           { return t.isView }
func (t *Tag[T]) NbtType() compound.NbtType { return t.serializer.NbtType }

// Default returns a fresh default value via copyValue(defaultValue()),
// matching the "get with default" contract: callers must never be
// handed a reference that aliases the tag's internal default factory.
func (t *Tag[T]) Default() T {
	return t.copyVal(t.defaultVal())
}

func (t *Tag[T]) writeBinary(value any) compound.BinaryTag {
	return t.serializer.Write(value.(T))
}

func (t *Tag[T]) readBinary(tag compound.BinaryTag) any {
	return t.serializer.Read(tag)
}

func (t *Tag[T]) copyValue(value any) any {
	return t.copyVal(value.(T))
}

func (t *Tag[T]) defaultValue() any {
	return t.Default()
}

// sharesValue reports whether an existing entry's tag can be swapped
// in-place for a new write with this tag: same index (same allocator
// slot) and a compatible serializer shape, per spec §3's "share value"
// relation.
func (t *Tag[T]) sharesValue(other TagInfo) bool {
	return t.index == other.Index() && t.serializer.NbtType == other.NbtType()
}

// pathTagInfo is the synthetic TagInfo installed for an
// automatically-allocated intermediate node: it carries only the
// bookkeeping a path entry needs (name and index for serialization and
// map placement), never a typed value.
type pathTagInfo struct {
	name  string
	index int
}

func (p *pathTagInfo) Key() string               { return p.name }
func (p *pathTagInfo) Index() int                { return p.index }
func (p *pathTagInfo) PathSegments() []PathSegment { return nil }
func (p *pathTagInfo) IsView() bool              { return false }
func (p *pathTagInfo) NbtType() compound.NbtType { return compound.TypeCompound }
func (p *pathTagInfo) writeBinary(any) compound.BinaryTag { return nil }
func (p *pathTagInfo) readBinary(compound.BinaryTag) any  { return nil }
func (p *pathTagInfo) copyValue(v any) any                { return v }
func (p *pathTagInfo) defaultValue() any                  { return nil }
func (p *pathTagInfo) sharesValue(other TagInfo) bool {
	_, ok := other.(*pathTagInfo)
	return ok && p.index == other.Index()
}
