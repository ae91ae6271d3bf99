package refmap

import (
	"encoding/binary"
	"fmt"
	"iter"
	"strings"

	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/tangzhangming/refmap/internal/arena"
)

// ImmutableSet 内存布局（小端，8 字节对齐，不含指针，可整体复制）:
//
//	偏移 0:  pair_count (int32)
//	偏移 4:  total_size (int32)
//	偏移 8:  pair_count × (pc_offset int32, map_offset int32)，按 pc_offset 升序
//	之后:    ImmutableMap 区，每个 = count int32, num_refs int32, 规范顺序编码
//
// map_offset 相对 blob 起点。
const (
	setHeaderSize = 8
	pairSize      = 8
	mapHeaderSize = 8
	blobAlign     = 8
)

// pairsEnd pair 表结束位置（已对齐）
func pairsEnd(count int) int {
	return arena.AlignUp(setHeaderSize, blobAlign) + arena.AlignUp(count*pairSize, blobAlign)
}

// Pair 代码偏移到 Map 偏移的映射
type Pair struct {
	PCOffset  int
	MapOffset int
}

// ImmutableSet 一个编译方法的只读引用映射集合
type ImmutableSet struct {
	arena *arena.Arena
	count int
	size  int
	maps  []*ImmutableMap // 按 pair 序号，重复的 Map 共享同一实例
}

// Count pair 数量
func (s *ImmutableSet) Count() int { return s.count }

// Size blob 字节数
func (s *ImmutableSet) Size() int { return s.size }

// Bytes 可重定位的 blob
func (s *ImmutableSet) Bytes() []byte {
	return s.arena.Bytes()[:s.size:s.size]
}

// PairAt 第 i 个 pair
func (s *ImmutableSet) PairAt(i int) Pair {
	if i < 0 || i >= s.count {
		panic(fmt.Sprintf("refmap: pair index %d out of range [0,%d)", i, s.count))
	}
	off := setHeaderSize + i*pairSize
	return Pair{
		PCOffset:  int(s.arena.Int32(off)),
		MapOffset: int(s.arena.Int32(off + 4)),
	}
}

// MapAt 第 i 个 pair 对应的 Map
func (s *ImmutableSet) MapAt(i int) *ImmutableMap {
	return s.maps[i]
}

// FindSlotForOffset 代码偏移对应的 pair 序号，不存在是致命错误。
// 未排序的集合也能找到。
func (s *ImmutableSet) FindSlotForOffset(pcOffset int) int {
	for i := 0; i < s.count; i++ {
		if s.PairAt(i).PCOffset == pcOffset {
			return i
		}
	}
	panic(fmt.Sprintf("refmap: map not found at offset %d", pcOffset))
}

// FindMapAtOffset 代码偏移处的 Map
func (s *ImmutableSet) FindMapAtOffset(pcOffset int) *ImmutableMap {
	return s.maps[s.FindSlotForOffset(pcOffset)]
}

// FindMapForAddress 通过所属代码对象换算 pc 后查找
func (s *ImmutableSet) FindMapForAddress(code CodeBlob, pc uintptr) *ImmutableMap {
	return s.FindMapAtOffset(codeOffset(code, pc))
}

// Release 释放 blob 内存，之后不可再使用
func (s *ImmutableSet) Release() error {
	for _, m := range s.maps {
		m.data = nil
	}
	return s.arena.Free()
}

// Verify 检查 blob 布局，返回所有发现的问题
func (s *ImmutableSet) Verify() error {
	return verifyBlob(s.Bytes())
}

// String 按 Map 分组列出共享它的代码偏移
func (s *ImmutableSet) String() string {
	var sb strings.Builder
	var last *ImmutableMap
	for i := 0; i < s.count; i++ {
		m := s.maps[i]
		if m != last {
			if last != nil {
				sb.WriteByte('\n')
			}
			sb.WriteString(m.String())
			sb.WriteString(" pc offsets: ")
		}
		last = m
		fmt.Fprintf(&sb, "%d ", s.PairAt(i).PCOffset)
	}
	return sb.String()
}

// Load 从 blob 重建 ImmutableSet（复制一份，不引用 blob）
func Load(blob []byte) (*ImmutableSet, error) {
	if err := verifyBlob(blob); err != nil {
		return nil, fmt.Errorf("refmap: invalid blob: %w", err)
	}
	a := arena.New(len(blob))
	a.Write(a.Alloc(len(blob), blobAlign), blob)

	s := &ImmutableSet{arena: a, size: len(blob)}
	s.count = int(a.Int32(0))
	s.maps = make([]*ImmutableMap, s.count)
	shared := make(map[int]*ImmutableMap)
	for i := 0; i < s.count; i++ {
		off := s.PairAt(i).MapOffset
		m, ok := shared[off]
		if !ok {
			var err error
			if m, err = viewMap(a.Bytes(), off); err != nil {
				return nil, err
			}
			shared[off] = m
		}
		s.maps[i] = m
	}
	if err := a.Seal(); err != nil {
		return nil, err
	}
	return s, nil
}

// ImmutableMap 打包后的只读引用映射
//
// 构造后只有两个延迟缓存字段会被修改：物化数组和快速路径入口。
type ImmutableMap struct {
	offset  int // 在 blob 中的偏移
	count   int
	numRefs int
	data    []byte

	exploded atomic.Pointer[Exploded]
	stub     atomic.Pointer[stubState]
}

// viewMap 在 blob 的 off 处建立 Map 视图
func viewMap(blob []byte, off int) (*ImmutableMap, error) {
	if off < 0 || off+mapHeaderSize > len(blob) {
		return nil, fmt.Errorf("map offset %d outside blob of %d bytes", off, len(blob))
	}
	count := int(int32(binary.LittleEndian.Uint32(blob[off:])))
	numRefs := int(int32(binary.LittleEndian.Uint32(blob[off+4:])))
	if count < 0 || numRefs < 0 || numRefs > count {
		return nil, fmt.Errorf("map at %d has invalid counts %d/%d", off, count, numRefs)
	}
	start := off + mapHeaderSize
	n, ok := streamLength(blob[start:], count)
	if !ok {
		return nil, fmt.Errorf("map at %d: value stream overruns blob", off)
	}
	return &ImmutableMap{
		offset:  off,
		count:   count,
		numRefs: numRefs,
		data:    blob[start : start+n : start+n],
	}, nil
}

// Offset 在 blob 中的字节偏移
func (m *ImmutableMap) Offset() int { return m.offset }

// Count 条目数
func (m *ImmutableMap) Count() int { return m.count }

// NumRefs 普通引用条目数
func (m *ImmutableMap) NumRefs() int { return m.numRefs }

// Data 规范顺序的编码数据
func (m *ImmutableMap) Data() []byte { return m.data }

// NrOfBytes 头部加数据的字节数（未对齐）
func (m *ImmutableMap) NrOfBytes() int {
	return mapHeaderSize + len(m.data)
}

// Cursor 按掩码遍历条目
func (m *ImmutableMap) Cursor(mask Kind) Cursor {
	return newCursor(m.data, m.count, mask)
}

// All 按掩码遍历，已物化的掩码直接遍历数组
func (m *ImmutableMap) All(mask Kind) iter.Seq[Value] {
	if e := m.exploded.Load(); e != nil && e.covers(mask) {
		return e.all(mask)
	}
	return values(m.data, m.count, mask)
}

// HasDerived 是否包含派生指针
func (m *ImmutableMap) HasDerived() bool {
	c := m.Cursor(DerivedRef)
	return !c.Done()
}

// String 返回 ImmutableRefMap{...} 形式
func (m *ImmutableMap) String() string {
	var sb strings.Builder
	sb.WriteString("ImmutableRefMap{")
	for c := m.Cursor(AllKinds); !c.Done(); c.Next() {
		sb.WriteString(c.Current().String())
		sb.WriteByte(' ')
	}
	sb.WriteByte('}')
	return sb.String()
}

// verifyBlob 检查 blob 的头部、pair 表和每个 Map
func verifyBlob(blob []byte) error {
	if len(blob) < setHeaderSize {
		return fmt.Errorf("blob of %d bytes has no header", len(blob))
	}
	count := int(int32(binary.LittleEndian.Uint32(blob)))
	size := int(int32(binary.LittleEndian.Uint32(blob[4:])))

	var errs error
	if size != len(blob) {
		errs = multierr.Append(errs, fmt.Errorf("header size %d, blob is %d bytes", size, len(blob)))
	}
	if count < 0 || pairsEnd(count) > len(blob) {
		return multierr.Append(errs, fmt.Errorf("pair table of %d entries does not fit", count))
	}

	checked := make(map[int]bool)
	pcs := make(map[int]int, count)
	for i := 0; i < count; i++ {
		off := setHeaderSize + i*pairSize
		pc := int(int32(binary.LittleEndian.Uint32(blob[off:])))
		mapOff := int(int32(binary.LittleEndian.Uint32(blob[off+4:])))

		// 偏移递减只是警告，重复才是错误
		if pc < 0 {
			errs = multierr.Append(errs, fmt.Errorf("pair %d: negative pc offset %d", i, pc))
		} else if prev, ok := pcs[pc]; ok {
			errs = multierr.Append(errs, fmt.Errorf("pair %d: pc offset %d already used by pair %d", i, pc, prev))
		} else {
			pcs[pc] = i
		}

		if mapOff < pairsEnd(count) || mapOff%blobAlign != 0 {
			errs = multierr.Append(errs, fmt.Errorf("pair %d: bad map offset %d", i, mapOff))
			continue
		}
		if checked[mapOff] {
			continue
		}
		checked[mapOff] = true

		m, err := viewMap(blob, mapOff)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("pair %d: %w", i, err))
			continue
		}
		vals := make([]Value, 0, m.count)
		refs := 0
		for v := range m.All(AllKinds) {
			vals = append(vals, v)
			if v.IsRef() {
				refs++
			}
		}
		if refs != m.numRefs {
			errs = multierr.Append(errs, fmt.Errorf("pair %d: map has %d refs, header says %d", i, refs, m.numRefs))
		}
		if err := checkCanonical(vals); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("pair %d: %w", i, err))
		}
	}
	return errs
}
