package refmap

import (
	"fmt"
	"iter"
	"slices"
)

// Exploded ImmutableMap 的物化副本：每个常用掩码一个扁平数组，
// 热路径上遍历数组而不再解码。
type Exploded struct {
	refs    []Value // HeapRef | NarrowRef
	saved   []Value // CalleeSaved
	derived []Value // DerivedRef
}

func newExploded(m *ImmutableMap) *Exploded {
	e := &Exploded{
		refs:    copyValues(m, RefKinds),
		saved:   copyValues(m, CalleeSaved),
		derived: copyValues(m, DerivedRef),
	}
	for _, mask := range []Kind{RefKinds, CalleeSaved, DerivedRef} {
		vals := e.Values(mask)
		i := 0
		for c := m.Cursor(mask); !c.Done(); c.Next() {
			if i >= len(vals) || vals[i] != c.Current() {
				panic(fmt.Sprintf("refmap: exploded values for %s diverge at %d", mask, i))
			}
			i++
		}
	}
	return e
}

func copyValues(m *ImmutableMap, mask Kind) []Value {
	n := 0
	for c := m.Cursor(mask); !c.Done(); c.Next() {
		n++
	}
	vals := make([]Value, 0, n)
	for c := m.Cursor(mask); !c.Done(); c.Next() {
		vals = append(vals, c.Current())
	}
	return vals
}

// covers 是否物化了该掩码
func (e *Exploded) covers(mask Kind) bool {
	return mask == RefKinds || mask == CalleeSaved || mask == DerivedRef
}

// Values 掩码对应的数组，只支持物化过的三种掩码
func (e *Exploded) Values(mask Kind) []Value {
	switch mask {
	case RefKinds:
		return e.refs
	case CalleeSaved:
		return e.saved
	case DerivedRef:
		return e.derived
	}
	panic(fmt.Sprintf("refmap: no exploded values for mask %#x", uint8(mask)))
}

// Count 掩码对应的条目数
func (e *Exploded) Count(mask Kind) int {
	return len(e.Values(mask))
}

func (e *Exploded) all(mask Kind) iter.Seq[Value] {
	return slices.Values(e.Values(mask))
}

// Explode 首次调用时物化，之后返回同一个实例。
// 并发调用时只有一个结果被发布，其余丢弃自己的副本。
func (m *ImmutableMap) Explode() *Exploded {
	if e := m.exploded.Load(); e != nil {
		return e
	}
	e := newExploded(m)
	if m.exploded.CompareAndSwap(nil, e) {
		return e
	}
	return m.exploded.Load()
}

// Exploded 已物化的副本，尚未物化时为 nil
func (m *ImmutableMap) Exploded() *Exploded {
	return m.exploded.Load()
}
