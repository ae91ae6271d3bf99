package refmap

import (
	"bytes"
	"fmt"

	"go.uber.org/zap"

	"github.com/tangzhangming/refmap/internal/arena"
)

// guardSize 校验模式下 blob 尾部的保护字节数
const (
	guardSize = 8
	guardByte = 0xff
)

// BuildOptions 打包选项
type BuildOptions struct {
	// Verify 写入尾部保护字节并在填充后校验布局
	Verify bool

	// Seal 使用映射内存并在填充后设为只读
	Seal bool

	Logger *zap.Logger
}

// mappingKind 每个 Map 在打包时的归类
type mappingKind int

const (
	mappingNew       mappingKind = iota // 首次出现，占用空间
	mappingDuplicate                    // 与上一个非空 NEW 完全相同
	mappingEmpty                        // 空 Map，共享唯一的空实例
)

// String 返回归类名称
func (k mappingKind) String() string {
	switch k {
	case mappingNew:
		return "new"
	case mappingDuplicate:
		return "duplicate"
	case mappingEmpty:
		return "empty"
	}
	return "unknown"
}

// mapping 打包计划中的一项
type mapping struct {
	kind   mappingKind
	offset int    // 相对 Map 区起点的偏移
	size   int    // 占用字节数（仅 NEW 非零）
	m      *Map
	data   []byte // 规范顺序编码
}

// builder 两遍打包器：先计算大小，再一次性分配并填充
type builder struct {
	set  *Set
	opts BuildOptions
	log  *zap.Logger

	mapping []mapping

	emptyOffset int // 空 Map 的偏移，-1 表示尚未出现
	last        int // 上一个非空 NEW 在 mapping 中的序号，-1 表示没有
	offset      int // Map 区已计划的字节数
	required    int // 总字节数（含保护字节）

	arena *arena.Arena
	maps  map[int]*ImmutableMap
}

// Build 把 Set 打包为 ImmutableSet。
// 打包后 Set 不再允许追加。
func Build(set *Set, opts BuildOptions) *ImmutableSet {
	b := newBuilder(set, opts)
	b.heapSize()
	s := b.generate()
	set.sealed = true
	return s
}

func newBuilder(set *Set, opts BuildOptions) *builder {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &builder{
		set:         set,
		opts:        opts,
		log:         log,
		mapping:     make([]mapping, set.Size()),
		emptyOffset: -1,
		last:        -1,
		required:    -1,
	}
}

// sizeFor 一个 Map 在 blob 中占用的字节数
func sizeFor(dataSize int) int {
	return arena.AlignUp(mapHeaderSize+dataSize, blobAlign)
}

// heapSize 第一遍：归类每个 Map 并计算总大小
func (b *builder) heapSize() int {
	for i := 0; i < b.set.Size(); i++ {
		m := b.set.At(i)
		mp := &b.mapping[i]
		mp.m = m

		switch {
		case m.Count() == 0:
			mp.kind = mappingEmpty
			if b.emptyOffset < 0 {
				b.emptyOffset = b.offset
				mp.size = sizeFor(0)
			}
			mp.offset = b.emptyOffset
		case b.isLastDuplicate(m, mp):
			mp.kind = mappingDuplicate
			mp.offset = b.mapping[b.last].offset
		default:
			mp.kind = mappingNew
			mp.offset = b.offset
			mp.size = sizeFor(len(mp.data))
			b.last = i
		}
		b.offset += mp.size
	}

	total := pairsEnd(b.set.Size()) + b.offset
	if b.opts.Verify {
		total += guardSize
	}
	b.required = total
	return total
}

// isLastDuplicate 规范编码是否与上一个非空 NEW 相同；顺带缓存 m 的规范编码
func (b *builder) isLastDuplicate(m *Map, mp *mapping) bool {
	mp.data = canonicalData(m)
	if b.last < 0 {
		return false
	}
	prev := &b.mapping[b.last]
	return prev.m.Count() == m.Count() && bytes.Equal(prev.data, mp.data)
}

// blobSize 不含保护字节的大小
func (b *builder) blobSize() int {
	if b.opts.Verify {
		return b.required - guardSize
	}
	return b.required
}

// generate 第二遍：分配并填充
func (b *builder) generate() *ImmutableSet {
	if b.required < 0 {
		panic("refmap: heapSize must run before generate")
	}
	if b.opts.Seal {
		a, err := arena.NewMapped(b.required)
		if err != nil {
			panic(fmt.Sprintf("refmap: allocate %d bytes: %v", b.required, err))
		}
		b.arena = a
	} else {
		b.arena = arena.New(b.required)
	}

	size := b.blobSize()
	if b.opts.Verify {
		b.arena.Fill(size, guardSize, guardByte)
	}

	s := b.fill(size)

	if b.arena.Used() != size {
		panic(fmt.Sprintf("refmap: wrote %d bytes, computed %d", b.arena.Used(), size))
	}
	if b.opts.Verify {
		b.verify(s)
	}
	if b.opts.Seal {
		if err := b.arena.Seal(); err != nil {
			panic(fmt.Sprintf("refmap: %v", err))
		}
	}

	b.log.Debug("built ref map set",
		zap.Int("pairs", s.count),
		zap.Int("bytes", size),
		zap.Int("distinct_maps", len(b.maps)))
	return s
}

// fill 写入头部、pair 表和所有 NEW Map
func (b *builder) fill(size int) *ImmutableSet {
	count := b.set.Size()
	a := b.arena

	hdr := a.Alloc(setHeaderSize, blobAlign)
	a.PutInt32(hdr, int32(count))
	a.PutInt32(hdr+4, int32(size))

	pairs := a.Alloc(count*pairSize, blobAlign)
	mapsStart := pairsEnd(count)

	s := &ImmutableSet{
		arena: a,
		count: count,
		size:  size,
		maps:  make([]*ImmutableMap, count),
	}
	b.maps = make(map[int]*ImmutableMap)

	for i := range b.mapping {
		mp := &b.mapping[i]
		off := mapsStart + mp.offset

		a.PutInt32(pairs+i*pairSize, int32(mp.m.Offset()))
		a.PutInt32(pairs+i*pairSize+4, int32(off))

		if mp.size > 0 {
			b.fillMap(mp, off)
		}
		s.maps[i] = b.maps[off]
	}
	return s
}

// fillMap 在 off 处构造一个 ImmutableMap
func (b *builder) fillMap(mp *mapping, off int) {
	a := b.arena
	if got := a.Alloc(mp.size, blobAlign); got != off {
		panic(fmt.Sprintf("refmap: map planned at %d, allocated at %d", off, got))
	}
	a.PutInt32(off, int32(mp.m.Count()))
	a.PutInt32(off+4, int32(mp.m.NumRefs()))
	a.Write(off+mapHeaderSize, mp.data)

	start := off + mapHeaderSize
	end := start + len(mp.data)
	b.maps[off] = &ImmutableMap{
		offset:  off,
		count:   mp.m.Count(),
		numRefs: mp.m.NumRefs(),
		data:    a.Bytes()[start:end:end],
	}
}

// verify 检查保护字节未被覆盖并校验布局
func (b *builder) verify(s *ImmutableSet) {
	buf := b.arena.Bytes()
	for i := b.required - guardSize; i < b.required; i++ {
		if buf[i] != guardByte {
			panic("refmap: overwritten memory check")
		}
	}
	lastPC := -1
	for i := 0; i < s.count; i++ {
		p := s.PairAt(i)
		if p.MapOffset+s.maps[i].NrOfBytes() > s.size {
			panic(fmt.Sprintf("refmap: map of pair %d exceeds blob", i))
		}
		if p.PCOffset < lastPC {
			b.log.Warn("maps not sorted",
				zap.Int("index", i-1), zap.Int("offset", lastPC),
				zap.Int("next_index", i), zap.Int("next_offset", p.PCOffset))
		}
		lastPC = p.PCOffset
	}
	if err := s.Verify(); err != nil {
		panic(fmt.Sprintf("refmap: built blob fails verification: %v", err))
	}
}
