package refmap

import "fmt"

// sorter 把 Map 的条目整理成规范顺序:
//
//	CalleeSaved*（保持原顺序）
//	Ref 按代价升序，每个 DerivedRef 紧跟在其基址之后，
//	同一基址的多个 DerivedRef 按自身代价升序
//
// 只有规范顺序下的字节流才能逐字节比较去重。
type sorter struct {
	values []Value
	start  int // 引用区起点
}

func newSorter(m *Map) *sorter {
	s := &sorter{values: make([]Value, 0, m.Count())}

	for v := range m.All(CalleeSaved) {
		s.insert(v, len(s.values))
	}

	s.start = len(s.values)
	for v := range m.All(RefKinds) {
		s.insert(v, s.findPosition(v))
	}

	for v := range m.All(DerivedRef) {
		s.insert(v, s.findDerivedPosition(v))
	}

	if len(s.values) != m.Count() {
		panic(fmt.Sprintf("refmap: sorted %d of %d values", len(s.values), m.Count()))
	}
	return s
}

// findPosition 第一个代价大于 v 的位置
func (s *sorter) findPosition(v Value) int {
	cost := v.Loc.Cost()
	i := s.start
	for ; i < len(s.values); i++ {
		if s.values[i].Loc.Cost() > cost {
			return i
		}
	}
	return i
}

// findDerivedPosition 基址之后、同基址中第一个代价大于 v 的位置
func (s *sorter) findDerivedPosition(v Value) int {
	base := v.Content
	cost := v.Loc.Cost()
	for i := s.start; i < len(s.values); i++ {
		if s.values[i].Loc != base || s.values[i].Kind == DerivedRef {
			continue
		}
		if s.values[i].Kind != HeapRef {
			panic(fmt.Sprintf("refmap: derived %s based on narrow ref %s", v.Loc, base))
		}
		n := i + 1
		for ; n < len(s.values); n++ {
			next := s.values[n]
			if next.Kind != DerivedRef || next.Content != base || next.Loc.Cost() > cost {
				break
			}
		}
		return n
	}
	panic(fmt.Sprintf("refmap: failed to find base %s for derived %s", base, v.Loc))
}

func (s *sorter) insert(v Value, pos int) {
	s.values = append(s.values, Value{})
	copy(s.values[pos+1:], s.values[pos:])
	s.values[pos] = v
}

// encode 按规范顺序编码
func (s *sorter) encode(sizeHint int) []byte {
	buf := make([]byte, 0, sizeHint)
	for _, v := range s.values {
		buf = v.appendTo(buf)
	}
	return buf
}

// canonicalData 返回 m 的规范顺序编码，长度与原始编码一致
func canonicalData(m *Map) []byte {
	data := newSorter(m).encode(m.DataSize())
	if len(data) != m.DataSize() {
		panic(fmt.Sprintf("refmap: canonical encoding is %d bytes, want %d", len(data), m.DataSize()))
	}
	return data
}

// checkCanonical 检查条目是否满足规范顺序
func checkCanonical(vals []Value) error {
	i := 0
	for i < len(vals) && vals[i].Kind == CalleeSaved {
		i++
	}
	lastCost := -1
	var base Value
	for ; i < len(vals); i++ {
		v := vals[i]
		switch v.Kind {
		case CalleeSaved:
			return fmt.Errorf("callee-saved %s after references", v.Loc)
		case DerivedRef:
			if base.Kind == 0 || (base.Loc != v.Content) {
				return fmt.Errorf("derived %s not placed after its base %s", v.Loc, v.Content)
			}
			if i > 0 && vals[i-1].Kind == DerivedRef && vals[i-1].Loc.Cost() > v.Loc.Cost() {
				return fmt.Errorf("derived %s out of cost order", v.Loc)
			}
		default:
			if v.Loc.Cost() < lastCost {
				return fmt.Errorf("reference %s out of cost order", v.Loc)
			}
			lastCost = v.Loc.Cost()
			base = v
		}
	}
	return nil
}
