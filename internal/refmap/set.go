package refmap

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// minMapAllocation Set 的初始容量
const minMapAllocation = 8

// Set 一个编译方法的全部 Map，按代码偏移升序追加
type Set struct {
	maps   []*Map
	sealed bool // 已打包，不再允许追加
	log    *zap.Logger
}

// NewSet 创建 Set，log 为 nil 时不输出日志
func NewSet(log *zap.Logger) *Set {
	if log == nil {
		log = zap.NewNop()
	}
	return &Set{
		maps: make([]*Map, 0, minMapAllocation),
		log:  log,
	}
}

// Size Map 数量
func (s *Set) Size() int { return len(s.maps) }

// At 第 i 个 Map
func (s *Set) At(i int) *Map { return s.maps[i] }

// grow 容量翻倍
func (s *Set) grow() {
	grown := make([]*Map, len(s.maps), 2*cap(s.maps))
	copy(grown, s.maps)
	s.maps = grown
}

// Add 在代码偏移 pcOffset 处追加 m，返回其序号。
// 与上一个偏移重复是致命错误；偏移递减只记录警告。
func (s *Set) Add(pcOffset int, m *Map) int {
	if s.sealed {
		panic("refmap: cannot grow a sealed map set")
	}
	if len(s.maps) == cap(s.maps) {
		s.grow()
	}
	m.setOffset(pcOffset)

	if n := len(s.maps); n > 0 {
		last := s.maps[n-1]
		if last.offset == m.offset {
			panic(fmt.Sprintf("refmap: map inserted twice at offset %d", m.offset))
		}
		if last.offset > m.offset {
			s.log.Warn("maps not sorted",
				zap.Int("index", n-1), zap.Int("offset", last.offset),
				zap.Int("next_index", n), zap.Int("next_offset", m.offset))
		}
	}

	m.index = len(s.maps)
	s.maps = append(s.maps, m)
	return m.index
}

// FindMapAtOffset 查找代码偏移处的 Map，不存在是致命错误
func (s *Set) FindMapAtOffset(pcOffset int) *Map {
	if len(s.maps) == 0 {
		panic("refmap: must have pointer maps")
	}
	for _, m := range s.maps {
		if m.offset == pcOffset {
			return m
		}
	}
	panic(fmt.Sprintf("refmap: map not found at offset %d", pcOffset))
}

// FindMapForAddress 通过所属代码对象把 pc 换算成代码偏移后查找
func (s *Set) FindMapForAddress(code CodeBlob, pc uintptr) *Map {
	return s.FindMapAtOffset(codeOffset(code, pc))
}

// SingularMap 只有一个安全点时返回其 Map
func (s *Set) SingularMap() *Map {
	if len(s.maps) != 1 {
		panic(fmt.Sprintf("refmap: expected a single gc point, have %d", len(s.maps)))
	}
	return s.maps[0]
}

// String 返回所有 Map 的描述
func (s *Set) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "RefMapSet contains %d maps\n", len(s.maps))
	for i, m := range s.maps {
		fmt.Fprintf(&sb, "#%d %s\n", i, m)
	}
	return sb.String()
}

// codeOffset pc 相对代码起始地址的偏移
func codeOffset(code CodeBlob, pc uintptr) int {
	begin := code.CodeBegin()
	if pc < begin {
		panic(fmt.Sprintf("refmap: pc %#x below code begin %#x", pc, begin))
	}
	return int(pc - begin)
}
