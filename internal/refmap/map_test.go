package refmap

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tangzhangming/refmap/internal/location"
)

// mustPanic 断言 fn 触发 panic 且消息包含 substr
func mustPanic(t *testing.T, substr string, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		if r == nil {
			t.Fatalf("expected panic containing %q", substr)
		}
		if msg, ok := r.(string); ok && !strings.Contains(msg, substr) {
			t.Fatalf("panic %q does not contain %q", msg, substr)
		}
	}()
	fn()
}

// TestMapCounts 测试条目计数
func TestMapCounts(t *testing.T) {
	m := NewMap(8, 2)
	m.SetRef(location.Reg(0))
	m.SetNarrowRef(location.Stack(9))
	m.SetCalleeSaved(location.Stack(2), location.Reg(5))
	m.SetDerived(location.Stack(4), location.Reg(0))

	if m.Count() != 4 {
		t.Errorf("Count() = %d, want 4", m.Count())
	}
	if m.NumRefs() != 2 {
		t.Errorf("NumRefs() = %d, want 2", m.NumRefs())
	}
	if m.Offset() != -1 {
		t.Errorf("Offset() = %d, want -1 before insertion", m.Offset())
	}
}

// TestMapContractViolations 测试记录约束
func TestMapContractViolations(t *testing.T) {
	t.Run("twice", func(t *testing.T) {
		m := NewMap(4, 0)
		m.SetRef(location.Stack(1))
		mustPanic(t, "twice", func() { m.SetNarrowRef(location.Stack(1)) })
	})
	t.Run("outside frame", func(t *testing.T) {
		m := NewMap(4, 0)
		mustPanic(t, "too big", func() { m.SetRef(location.Stack(4)) })
	})
	t.Run("callee saved stack", func(t *testing.T) {
		m := NewMap(4, 0)
		mustPanic(t, "callee save", func() { m.SetCalleeSaved(location.Stack(0), location.Stack(1)) })
	})
}

// TestSetDerivedSameLocation 测试派生指针与基址相同退化为普通引用
func TestSetDerivedSameLocation(t *testing.T) {
	m := NewMap(4, 0)
	m.SetDerived(location.Stack(2), location.Stack(2))

	c := m.Cursor(AllKinds)
	if got := c.Current(); got.Kind != HeapRef || got.Loc != location.Stack(2) {
		t.Errorf("got %s, want s2=Ref", got)
	}
	if m.NumRefs() != 1 {
		t.Errorf("NumRefs() = %d, want 1", m.NumRefs())
	}
}

// TestDeepCopy 测试深拷贝
func TestDeepCopy(t *testing.T) {
	m := NewMap(8, 0)
	m.SetRef(location.Stack(3))
	m.SetCalleeSaved(location.Stack(2), location.Reg(5))

	c := m.DeepCopy()
	if !m.Equals(c) {
		t.Fatalf("copy %s differs from %s", c, m)
	}

	c.SetRef(location.Stack(0))
	if m.Equals(c) {
		t.Error("modifying the copy changed equality")
	}
	if m.Count() != 2 {
		t.Errorf("original Count() = %d after modifying copy", m.Count())
	}
}

// TestCanonicalOrder 测试规范顺序
func TestCanonicalOrder(t *testing.T) {
	m := NewMap(8, 0)
	m.SetCalleeSaved(location.Stack(2), location.Reg(5))
	m.SetRef(location.Reg(0))
	m.SetRef(location.Stack(3))
	m.SetDerived(location.Stack(4), location.Reg(0))

	want := []Value{
		NewValue(location.Stack(2), CalleeSaved, location.Reg(5)),
		NewValue(location.Reg(0), HeapRef, location.Bad),
		NewValue(location.Stack(4), DerivedRef, location.Reg(0)),
		NewValue(location.Stack(3), HeapRef, location.Bad),
	}
	got := newSorter(m).values
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("canonical order mismatch (-want +got):\n%s", diff)
	}

	data := canonicalData(m)
	if len(data) != m.DataSize() {
		t.Errorf("canonical data is %d bytes, want %d", len(data), m.DataSize())
	}
	if err := checkCanonical(got); err != nil {
		t.Errorf("checkCanonical: %v", err)
	}
}

// TestCanonicalIndependentOfInsertion 测试插入顺序不同的 Map 规范编码相同
func TestCanonicalIndependentOfInsertion(t *testing.T) {
	a := NewMap(16, 0)
	a.SetRef(location.Stack(8))
	a.SetRef(location.Stack(2))
	a.SetDerived(location.Stack(10), location.Stack(2))
	a.SetDerived(location.Stack(6), location.Stack(2))
	a.SetNarrowRef(location.Reg(7))

	b := NewMap(16, 0)
	b.SetNarrowRef(location.Reg(7))
	b.SetDerived(location.Stack(6), location.Stack(2))
	b.SetRef(location.Stack(2))
	b.SetDerived(location.Stack(10), location.Stack(2))
	b.SetRef(location.Stack(8))

	if a.Equals(b) {
		t.Fatal("raw encodings should differ")
	}
	if diff := cmp.Diff(canonicalData(a), canonicalData(b)); diff != "" {
		t.Errorf("canonical data differs (-a +b):\n%s", diff)
	}

	var locs []location.Location
	for _, v := range newSorter(a).values {
		locs = append(locs, v.Loc)
	}
	want := []location.Location{
		location.Reg(7), location.Stack(2), location.Stack(6), location.Stack(10), location.Stack(8),
	}
	if diff := cmp.Diff(want, locs); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}
}

// TestDerivedWithoutBase 测试缺少基址的派生指针
func TestDerivedWithoutBase(t *testing.T) {
	m := NewMap(8, 0)
	m.SetDerived(location.Stack(4), location.Stack(2))
	mustPanic(t, "failed to find base", func() { canonicalData(m) })
}

// TestDerivedNarrowBase 测试压缩引用不能作为派生指针的基址
func TestDerivedNarrowBase(t *testing.T) {
	t.Run("base first", func(t *testing.T) {
		m := NewMap(8, 0)
		m.SetNarrowRef(location.Stack(2))
		mustPanic(t, "based on narrow ref", func() { m.SetDerived(location.Stack(4), location.Stack(2)) })
	})
	t.Run("derived first", func(t *testing.T) {
		m := NewMap(8, 0)
		m.SetDerived(location.Stack(4), location.Stack(2))
		m.SetNarrowRef(location.Stack(2))
		mustPanic(t, "based on narrow ref", func() { canonicalData(m) })

		set := NewSet(nil)
		set.Add(0, m)
		mustPanic(t, "based on narrow ref", func() { Build(set, BuildOptions{}) })
	})
}

// TestCheckCanonical 测试规范顺序检查
func TestCheckCanonical(t *testing.T) {
	bad := [][]Value{
		{
			NewValue(location.Stack(3), HeapRef, location.Bad),
			NewValue(location.Reg(0), HeapRef, location.Bad),
		},
		{
			NewValue(location.Reg(0), HeapRef, location.Bad),
			NewValue(location.Stack(2), CalleeSaved, location.Reg(5)),
		},
		{
			NewValue(location.Reg(0), HeapRef, location.Bad),
			NewValue(location.Stack(4), DerivedRef, location.Reg(1)),
		},
	}
	for i, vals := range bad {
		if err := checkCanonical(vals); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}
