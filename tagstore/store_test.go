package tagstore

import (
	"sync"
	"testing"

	"tagstore/allocator"
	"tagstore/compound"
	"tagstore/config"
)

func intSerializer() Serializer[int] {
	return Serializer[int]{
		Write: func(v int) compound.BinaryTag { return compound.IntTag(v) },
		Read: func(t compound.BinaryTag) int {
			if it, ok := t.(compound.IntTag); ok {
				return int(it)
			}
			return 0
		},
		NbtType: compound.TypeInt,
	}
}

func stringSerializer() Serializer[string] {
	return Serializer[string]{
		Write: func(v string) compound.BinaryTag { return compound.StringTag(v) },
		Read: func(t compound.BinaryTag) string {
			if st, ok := t.(compound.StringTag); ok {
				return string(st)
			}
			return ""
		},
		NbtType: compound.TypeString,
	}
}

func newTestStore(t *testing.T) (*TagStore, *allocator.KeyAllocator, *TagRegistry) {
	t.Helper()
	alloc := allocator.New()
	reg := NewTagRegistry()
	return New(reg, config.Default()), alloc, reg
}

func intTag(alloc *allocator.KeyAllocator, reg *TagRegistry, key string) *Tag[int] {
	idx := alloc.Allocate(key, uint64(compound.TypeInt))
	tag := NewTag(key, idx, intSerializer(), func() int { return 0 }, nil)
	RegisterTag(reg, tag)
	return tag
}

func stringTag(alloc *allocator.KeyAllocator, reg *TagRegistry, key string) *Tag[string] {
	idx := alloc.Allocate(key, uint64(compound.TypeString))
	tag := NewTag(key, idx, stringSerializer(), func() string { return "" }, nil)
	RegisterTag(reg, tag)
	return tag
}

func TestScenario1_FlatGetSet(t *testing.T) {
	s, alloc, reg := newTestStore(t)
	k := intTag(alloc, reg, "k")

	if err := SetTag(s, k, ptr(7)); err != nil {
		t.Fatalf("SetTag: %v", err)
	}
	if got := GetTag(s, k); got != 7 {
		t.Fatalf("GetTag = %d, want 7", got)
	}

	c, err := s.AsCompound()
	if err != nil {
		t.Fatalf("AsCompound: %v", err)
	}
	want := compound.NewBuilder().Put("k", compound.IntTag(7)).Build()
	if !c.Equal(want) {
		t.Fatalf("AsCompound = %v, want %v", c, want)
	}
}

func TestScenario2_NestedPath(t *testing.T) {
	s, alloc, reg := newTestStore(t)
	pathIdx := alloc.Allocate("p", uint64(compound.TypeCompound))
	k := intTag(alloc, reg, "k").Path(PathSegment{Name: "p", Index: pathIdx})

	if err := SetTag(s, k, ptr(5)); err != nil {
		t.Fatalf("SetTag: %v", err)
	}
	c, err := s.AsCompound()
	if err != nil {
		t.Fatalf("AsCompound: %v", err)
	}
	inner, ok := c.Get("p")
	if !ok {
		t.Fatal(`AsCompound missing "p"`)
	}
	innerCompound, ok := inner.(*compound.Compound)
	if !ok {
		t.Fatalf(`"p" = %T, want *compound.Compound`, inner)
	}
	want := compound.NewBuilder().Put("k", compound.IntTag(5)).Build()
	if !innerCompound.Equal(want) {
		t.Fatalf("nested compound = %v, want %v", innerCompound, want)
	}
}

func TestScenario3_ConcurrentPathRace(t *testing.T) {
	s, alloc, reg := newTestStore(t)
	pathIdx := alloc.Allocate("p", uint64(compound.TypeCompound))
	k := intTag(alloc, reg, "k").Path(PathSegment{Name: "p", Index: pathIdx})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); SetTag(s, k, ptr(1)) }()
	go func() { defer wg.Done(); SetTag(s, k, ptr(2)) }()
	wg.Wait()

	got := GetTag(s, k)
	if got != 1 && got != 2 {
		t.Fatalf("GetTag after race = %d, want 1 or 2", got)
	}

	c, err := s.AsCompound()
	if err != nil {
		t.Fatalf("AsCompound: %v", err)
	}
	inner, _ := c.Get("p")
	innerCompound := inner.(*compound.Compound)
	v, _ := innerCompound.Get("k")
	iv := int(v.(compound.IntTag))
	if iv != 1 && iv != 2 {
		t.Fatalf("raced compound value = %d, want 1 or 2", iv)
	}
}

func TestGetDefaultOnMiss(t *testing.T) {
	s, alloc, reg := newTestStore(t)
	k := intTag(alloc, reg, "k")
	if got := GetTag(s, k); got != 0 {
		t.Fatalf("GetTag on miss = %d, want default 0", got)
	}
}

func TestRemoveTagViaNilValue(t *testing.T) {
	s, alloc, reg := newTestStore(t)
	k := intTag(alloc, reg, "k")
	SetTag(s, k, ptr(42))
	if got := GetTag(s, k); got != 42 {
		t.Fatalf("GetTag = %d, want 42", got)
	}
	if err := SetTag[int](s, k, nil); err != nil {
		t.Fatalf("SetTag(nil): %v", err)
	}
	if got := GetTag(s, k); got != 0 {
		t.Fatalf("GetTag after remove = %d, want default 0", got)
	}
	if s.Size() != 0 {
		t.Fatalf("Size() after remove = %d, want 0", s.Size())
	}
}

func TestUpdateTagVariants(t *testing.T) {
	s, alloc, reg := newTestStore(t)
	k := intTag(alloc, reg, "counter")

	inc := func(v int) int { return v + 1 }

	if err := UpdateTag(s, k, inc); err != nil {
		t.Fatalf("UpdateTag: %v", err)
	}
	if got := GetTag(s, k); got != 1 {
		t.Fatalf("after UpdateTag, GetTag = %d, want 1", got)
	}

	before, err := UpdateTagGetBefore(s, k, inc)
	if err != nil || before != 1 {
		t.Fatalf("UpdateTagGetBefore = %d, %v; want 1, nil", before, err)
	}
	if got := GetTag(s, k); got != 2 {
		t.Fatalf("GetTag = %d, want 2", got)
	}

	after, err := UpdateTagGetAfter(s, k, inc)
	if err != nil || after != 3 {
		t.Fatalf("UpdateTagGetAfter = %d, %v; want 3, nil", after, err)
	}

	b, a, err := UpdateTagGetBoth(s, k, inc)
	if err != nil || b != 3 || a != 4 {
		t.Fatalf("UpdateTagGetBoth = %d, %d, %v; want 3, 4, nil", b, a, err)
	}
}

func TestForEachTag(t *testing.T) {
	s, alloc, reg := newTestStore(t)
	pathIdx := alloc.Allocate("p", uint64(compound.TypeCompound))
	root := intTag(alloc, reg, "root")
	nested := intTag(alloc, reg, "nested").Path(PathSegment{Name: "p", Index: pathIdx})

	SetTag(s, root, ptr(1))
	SetTag(s, nested, ptr(2))

	seen := map[string]int{}
	s.ForEachTag(func(path []string, tag TagInfo, value any) {
		key := ""
		for _, p := range path {
			key += p + "/"
		}
		key += tag.Key()
		seen[key] = value.(int)
	})

	if seen["root"] != 1 {
		t.Fatalf(`seen["root"] = %d, want 1`, seen["root"])
	}
	if seen["p/nested"] != 2 {
		t.Fatalf(`seen["p/nested"] = %d, want 2`, seen["p/nested"])
	}
	if s.Size() != 2 {
		t.Fatalf("Size() = %d, want 2", s.Size())
	}
}

func TestCopyIsIndependentDeepClone(t *testing.T) {
	s, alloc, reg := newTestStore(t)
	k := intTag(alloc, reg, "k")
	SetTag(s, k, ptr(1))

	clone, err := s.Copy()
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	SetTag(s, k, ptr(2))

	if got := GetTag(clone, k); got != 1 {
		t.Fatalf("clone GetTag = %d, want 1 (independent of later writes)", got)
	}
	if got := GetTag(s, k); got != 2 {
		t.Fatalf("original GetTag = %d, want 2", got)
	}
}

func TestUpdateContentRoundTrip(t *testing.T) {
	s, alloc, reg := newTestStore(t)
	pathIdx := alloc.Allocate("p", uint64(compound.TypeCompound))
	RegisterTag(reg, NewTag("p", pathIdx, viewSerializer(), nil, nil))
	root := intTag(alloc, reg, "root")
	nested := stringTag(alloc, reg, "nested").Path(PathSegment{Name: "p", Index: pathIdx})

	SetTag(s, root, ptr(9))
	SetTag(s, nested, ptr("hi"))

	c, err := s.AsCompound()
	if err != nil {
		t.Fatalf("AsCompound: %v", err)
	}

	fresh := New(reg, config.Default())
	if err := fresh.UpdateContent(c); err != nil {
		t.Fatalf("UpdateContent: %v", err)
	}

	if got := GetTag(fresh, root); got != 9 {
		t.Fatalf("GetTag(root) on reconstructed store = %d, want 9", got)
	}
	if got := GetTag(fresh, nested); got != "hi" {
		t.Fatalf("GetTag(nested) on reconstructed store = %q, want hi", got)
	}

	c2, err := fresh.AsCompound()
	if err != nil {
		t.Fatalf("AsCompound on reconstructed store: %v", err)
	}
	if !c.Equal(c2) {
		t.Fatalf("round-trip compound mismatch: %v != %v", c, c2)
	}
}

func TestClearTags(t *testing.T) {
	s, alloc, reg := newTestStore(t)
	k := intTag(alloc, reg, "k")
	SetTag(s, k, ptr(1))
	s.ClearTags()
	if got := GetTag(s, k); got != 0 {
		t.Fatalf("GetTag after ClearTags = %d, want default 0", got)
	}
	if s.Size() != 0 {
		t.Fatalf("Size() after ClearTags = %d, want 0", s.Size())
	}
}

func viewSerializer() Serializer[*compound.Compound] {
	return Serializer[*compound.Compound]{
		Write:   func(v *compound.Compound) compound.BinaryTag { return v },
		Read:    func(t compound.BinaryTag) *compound.Compound { c, _ := t.(*compound.Compound); return c },
		NbtType: compound.TypeCompound,
	}
}

// A view tag has no slot of its own: setting it replaces the contents
// of the node its path addresses with its compound, and getting it
// reads that whole node back as one compound.
func TestViewTagRoundTrip(t *testing.T) {
	s, alloc, reg := newTestStore(t)
	xTag := intTag(alloc, reg, "x")

	idx := alloc.Allocate("snapshot", uint64(compound.TypeCompound))
	view := NewTag("snapshot", idx, viewSerializer(), func() *compound.Compound { return compound.NewBuilder().Build() }, nil).View()

	snapshot := compound.NewBuilder().Put("x", compound.IntTag(1)).Build()
	if err := SetTag(s, view, &snapshot); err != nil {
		t.Fatalf("SetTag(view): %v", err)
	}
	if !view.IsView() {
		t.Fatal("expected IsView() to report true")
	}

	got := GetTag(s, view)
	if got == nil || !got.Equal(snapshot) {
		t.Fatalf("GetTag(view) = %v, want %v", got, snapshot)
	}

	if got := GetTag(s, xTag); got != 1 {
		t.Fatalf("GetTag(x) = %d, want 1 (view merges into the node rather than occupying its own slot)", got)
	}

	c, err := s.AsCompound()
	if err != nil {
		t.Fatalf("AsCompound: %v", err)
	}
	if _, ok := c.Get("snapshot"); ok {
		t.Fatal(`AsCompound contains a "snapshot" key; a view tag must not create a slot of its own`)
	}
	if s.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", s.Size())
	}
}

func TestViewTagRemoveClearsMergedNode(t *testing.T) {
	s, alloc, reg := newTestStore(t)
	xTag := intTag(alloc, reg, "x")
	idx := alloc.Allocate("snapshot", uint64(compound.TypeCompound))
	view := NewTag("snapshot", idx, viewSerializer(), func() *compound.Compound { return compound.NewBuilder().Build() }, nil).View()

	snapshot := compound.NewBuilder().Put("x", compound.IntTag(1)).Build()
	SetTag(s, view, &snapshot)
	if err := SetTag[*compound.Compound](s, view, nil); err != nil {
		t.Fatalf("SetTag(view, nil): %v", err)
	}
	if got := GetTag(s, xTag); got != 0 {
		t.Fatalf("GetTag(x) after view removal = %d, want default 0", got)
	}
	if s.Size() != 0 {
		t.Fatalf("Size() = %d, want 0", s.Size())
	}
}

func TestUpdateViewTag(t *testing.T) {
	s, alloc, reg := newTestStore(t)
	xTag := intTag(alloc, reg, "x")
	idx := alloc.Allocate("snapshot", uint64(compound.TypeCompound))
	view := NewTag("snapshot", idx, viewSerializer(), func() *compound.Compound { return compound.NewBuilder().Build() }, nil).View()

	SetTag(s, view, ptr(compound.NewBuilder().Put("x", compound.IntTag(1)).Build()))

	after, err := UpdateTagGetAfter(s, view, func(c *compound.Compound) *compound.Compound {
		v, _ := c.Get("x")
		n := int(v.(compound.IntTag))
		return compound.NewBuilder().Put("x", compound.IntTag(n+1)).Build()
	})
	if err != nil {
		t.Fatalf("UpdateTagGetAfter(view): %v", err)
	}
	want := compound.NewBuilder().Put("x", compound.IntTag(2)).Build()
	if !after.Equal(want) {
		t.Fatalf("UpdateTagGetAfter(view) = %v, want %v", after, want)
	}
	if got := GetTag(s, xTag); got != 2 {
		t.Fatalf("GetTag(x) = %d, want 2", got)
	}
}

func TestReadableCopyCachesUntilNextWrite(t *testing.T) {
	s, alloc, reg := newTestStore(t)
	k := intTag(alloc, reg, "k")
	SetTag(s, k, ptr(1))

	v1, err := s.ReadableCopy()
	if err != nil {
		t.Fatalf("ReadableCopy: %v", err)
	}
	v2, err := s.ReadableCopy()
	if err != nil {
		t.Fatalf("ReadableCopy: %v", err)
	}
	if v1 != v2 {
		t.Fatal("expected ReadableCopy to return the same cached snapshot across calls")
	}

	SetTag(s, k, ptr(2))
	v3, err := s.ReadableCopy()
	if err != nil {
		t.Fatalf("ReadableCopy: %v", err)
	}
	if v3 == v1 {
		t.Fatal("expected ReadableCopy to recompute after a write")
	}
	got, _ := v3.Get("k")
	if int(got.(compound.IntTag)) != 2 {
		t.Fatalf("ReadableCopy after write = %v, want 2", got)
	}
}

func ptr[T any](v T) *T { return &v }
