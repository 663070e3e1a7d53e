package compound

import "testing"

func TestBuilderPutAndGet(t *testing.T) {
	c := NewBuilder().
		Put("health", IntTag(20)).
		Put("name", StringTag("zombie")).
		Build()

	if c.Size() != 2 {
		t.Fatalf("Size() = %d, want 2", c.Size())
	}
	v, ok := c.Get("health")
	if !ok || v != IntTag(20) {
		t.Fatalf("Get(\"health\") = %v, %v; want IntTag(20), true", v, ok)
	}
	if _, ok := c.Get("missing"); ok {
		t.Fatal("Get(\"missing\") reported found")
	}
}

func TestBuilderPreservesInsertionOrder(t *testing.T) {
	c := NewBuilder().
		Put("z", IntTag(1)).
		Put("a", IntTag(2)).
		Put("m", IntTag(3)).
		Build()

	want := []string{"z", "a", "m"}
	got := c.Keys()
	if len(got) != len(want) {
		t.Fatalf("Keys() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Keys()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBuilderPutOverwritesInPlace(t *testing.T) {
	c := NewBuilder().
		Put("a", IntTag(1)).
		Put("b", IntTag(2)).
		Put("a", IntTag(3)).
		Build()

	if c.Size() != 2 {
		t.Fatalf("Size() = %d, want 2 (overwrite must not duplicate the key)", c.Size())
	}
	want := []string{"a", "b"}
	got := c.Keys()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Keys() = %v, want order preserved as %v", got, want)
		}
	}
	v, _ := c.Get("a")
	if v != IntTag(3) {
		t.Fatalf("Get(\"a\") = %v, want IntTag(3)", v)
	}
}

func TestEqualStructural(t *testing.T) {
	a := NewBuilder().Put("x", IntTag(1)).Put("y", StringTag("hi")).Build()
	b := NewBuilder().Put("y", StringTag("hi")).Put("x", IntTag(1)).Build()
	if !a.Equal(b) {
		t.Fatal("expected Equal to ignore key order")
	}
}

func TestEqualDetectsDifference(t *testing.T) {
	a := NewBuilder().Put("x", IntTag(1)).Build()
	b := NewBuilder().Put("x", IntTag(2)).Build()
	if a.Equal(b) {
		t.Fatal("expected Equal to detect differing values")
	}
}

func TestEqualRecursesIntoNestedCompounds(t *testing.T) {
	innerA := NewBuilder().Put("hp", IntTag(5)).Build()
	innerB := NewBuilder().Put("hp", IntTag(5)).Build()
	a := NewBuilder().Put("stats", innerA).Build()
	b := NewBuilder().Put("stats", innerB).Build()
	if !a.Equal(b) {
		t.Fatal("expected Equal to recurse into equal nested compounds")
	}

	innerC := NewBuilder().Put("hp", IntTag(6)).Build()
	c := NewBuilder().Put("stats", innerC).Build()
	if a.Equal(c) {
		t.Fatal("expected Equal to detect differing nested compounds")
	}
}

func TestNbtTypeString(t *testing.T) {
	cases := map[NbtType]string{
		TypeInt:      "int",
		TypeLong:     "long",
		TypeDouble:   "double",
		TypeString:   "string",
		TypeBool:     "bool",
		TypeCompound: "compound",
	}
	for ty, want := range cases {
		if got := ty.String(); got != want {
			t.Fatalf("%v.String() = %q, want %q", ty, got, want)
		}
	}
}

func TestScalarTagTypes(t *testing.T) {
	if IntTag(1).Type() != TypeInt {
		t.Fatal("IntTag.Type() mismatch")
	}
	if LongTag(1).Type() != TypeLong {
		t.Fatal("LongTag.Type() mismatch")
	}
	if DoubleTag(1).Type() != TypeDouble {
		t.Fatal("DoubleTag.Type() mismatch")
	}
	if StringTag("s").Type() != TypeString {
		t.Fatal("StringTag.Type() mismatch")
	}
	if BoolTag(true).Type() != TypeBool {
		t.Fatal("BoolTag.Type() mismatch")
	}
}

func TestCompoundIsItselfABinaryTag(t *testing.T) {
	c := NewBuilder().Build()
	var tag BinaryTag = c
	if tag.Type() != TypeCompound {
		t.Fatalf("Compound.Type() = %v, want TypeCompound", tag.Type())
	}
}

func TestNilCompoundIsEmptyAndSafe(t *testing.T) {
	var c *Compound
	if c.Size() != 0 {
		t.Fatalf("nil Compound.Size() = %d, want 0", c.Size())
	}
	if _, ok := c.Get("anything"); ok {
		t.Fatal("nil Compound.Get reported found")
	}
	if c.Keys() != nil {
		t.Fatalf("nil Compound.Keys() = %v, want nil", c.Keys())
	}
}
