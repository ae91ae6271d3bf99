package refmap

import (
	"bytes"
	"fmt"
	"iter"
	"strings"

	"github.com/tangzhangming/refmap/internal/location"
)

// initialMapBytes 新 Map 的初始缓冲区大小，大部分 Map 都很小
const initialMapBytes = 32

// Map 编译期间的可变引用映射，对应一个代码偏移
type Map struct {
	offset  int    // 代码偏移（-1 表示未分配）
	index   int    // 在所属 Set 中的序号
	count   int    // 条目数
	numRefs int    // HeapRef + NarrowRef 条目数
	data    []byte // 编码后的条目流

	// used 每个位置的占用情况，用于检查重复记录
	used []Kind
}

// NewMap 创建 Map
// frameSize 为帧大小（栈槽数），argCount 为参数槽数
func NewMap(frameSize, argCount int) *Map {
	if frameSize < 0 || argCount < 0 {
		panic(fmt.Sprintf("refmap: invalid frame size %d/%d", frameSize, argCount))
	}
	return &Map{
		offset: -1,
		index:  -1,
		data:   make([]byte, 0, initialMapBytes),
		used:   make([]Kind, location.RegisterCount+frameSize+argCount),
	}
}

// Offset 代码偏移
func (m *Map) Offset() int { return m.offset }

// Index 在所属 Set 中的序号
func (m *Map) Index() int { return m.index }

// Count 条目数
func (m *Map) Count() int { return m.count }

// NumRefs 普通引用条目数
func (m *Map) NumRefs() int { return m.numRefs }

// DataSize 编码数据长度
func (m *Map) DataSize() int { return len(m.data) }

// setOffset 由 Set.Add 调用，只能调用一次
func (m *Map) setOffset(offset int) {
	if m.offset != -1 {
		panic(fmt.Sprintf("refmap: map already assigned to offset %d", m.offset))
	}
	m.offset = offset
}

// SetRef 记录堆引用
func (m *Map) SetRef(loc location.Location) {
	m.set(loc, HeapRef, location.Bad)
}

// SetNarrowRef 记录压缩堆引用
func (m *Map) SetNarrowRef(loc location.Location) {
	m.set(loc, NarrowRef, location.Bad)
}

// SetCalleeSaved 记录 loc 中保存着调用者的寄存器 callerReg
func (m *Map) SetCalleeSaved(loc, callerReg location.Location) {
	if !callerReg.IsReg() {
		panic(fmt.Sprintf("refmap: trying to callee save a stack location %s", callerReg))
	}
	m.set(loc, CalleeSaved, callerReg)
}

// SetDerived 记录派生指针 loc，其基址位于 base。
// loc 与 base 相同时退化为普通引用。基址必须是 HeapRef，不能是压缩引用。
func (m *Map) SetDerived(loc, base location.Location) {
	if loc == base {
		m.SetRef(loc)
		return
	}
	if base.IsValid() && int(base) < len(m.used) && m.used[base] == NarrowRef {
		panic(fmt.Sprintf("refmap: derived %s based on narrow ref %s", loc, base))
	}
	m.set(loc, DerivedRef, base)
}

func (m *Map) set(loc location.Location, kind Kind, content location.Location) {
	if !loc.IsValid() || int(loc) >= len(m.used) {
		panic(fmt.Sprintf("refmap: location %s too big for frame", loc))
	}
	if m.used[loc] != 0 {
		panic(fmt.Sprintf("refmap: cannot insert %s twice", loc))
	}
	m.used[loc] = kind

	m.data = NewValue(loc, kind, content).appendTo(m.data)
	m.count++
	if kind&RefKinds != 0 {
		m.numRefs++
	}
}

// DeepCopy 深拷贝，新 Map 未分配偏移
func (m *Map) DeepCopy() *Map {
	c := &Map{
		offset: -1,
		index:  -1,
		data:   make([]byte, 0, len(m.data)),
		used:   make([]Kind, len(m.used)),
	}
	for v := range m.All(AllKinds) {
		c.set(v.Loc, v.Kind, v.Content)
	}
	return c
}

// Equals 条目数与编码字节完全一致
func (m *Map) Equals(other *Map) bool {
	return m.count == other.count && bytes.Equal(m.data, other.data)
}

// Cursor 按掩码遍历条目
func (m *Map) Cursor(mask Kind) Cursor {
	return newCursor(m.data, m.count, mask)
}

// All 按掩码遍历条目
func (m *Map) All(mask Kind) iter.Seq[Value] {
	return values(m.data, m.count, mask)
}

// String 返回 RefMap{...off=N} 形式
func (m *Map) String() string {
	var sb strings.Builder
	sb.WriteString("RefMap{")
	for v := range m.All(AllKinds) {
		sb.WriteString(v.String())
		sb.WriteByte(' ')
	}
	fmt.Fprintf(&sb, "off=%d}", m.offset)
	return sb.String()
}
