// Package refmap 记录 JIT 编译代码中每个安全点上所有持有堆引用的位置。
//
// 一个编译方法在编译期间产生一组可变的 Map（每个代码偏移一个），
// 编译结束后由 Build 打包为一块连续、只读、可重定位的 ImmutableSet。
// 垃圾回收器和栈遍历器在方法的整个生命周期内通过 ImmutableMap 枚举根。
//
// 条目编码（变长）:
//
//	uvarint(location<<2 | tag) [uvarint(content)]
//
// tag 为 Kind 标志位的序号；仅 CalleeSaved 和 DerivedRef 带第二个位置。
// 寄存器编号小于 32，因此寄存器条目只占 1 字节。
package refmap

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/tangzhangming/refmap/internal/location"
)

// Kind 条目类型（位标志，可组合为掩码）
type Kind uint8

const (
	HeapRef     Kind = 1 << iota // 堆引用
	NarrowRef                    // 压缩堆引用
	CalleeSaved                  // 被调用者保存的调用者寄存器
	DerivedRef                   // 派生指针（基址 + 偏移）

	// RefKinds 所有普通引用
	RefKinds = HeapRef | NarrowRef

	// AllKinds 所有类型
	AllKinds = HeapRef | NarrowRef | CalleeSaved | DerivedRef
)

const (
	tagBits = 2
	tagMask = 1<<tagBits - 1
)

// String 返回类型名称
func (k Kind) String() string {
	switch k {
	case HeapRef:
		return "Ref"
	case NarrowRef:
		return "NarrowRef"
	case CalleeSaved:
		return "CalleeSaved"
	case DerivedRef:
		return "Derived"
	}
	return fmt.Sprintf("Kind(%#x)", uint8(k))
}

// isSingle 是否恰好是一个类型
func (k Kind) isSingle() bool {
	return k != 0 && k&AllKinds == k && bits.OnesCount8(uint8(k)) == 1
}

// tag 编码用的 2 位序号
func (k Kind) tag() uint64 {
	return uint64(bits.TrailingZeros8(uint8(k)))
}

// hasContent 该类型是否带第二个位置
func (k Kind) hasContent() bool {
	return k == CalleeSaved || k == DerivedRef
}

// Value 一个存活值描述
//
// Content 的含义取决于 Kind:
//   - CalleeSaved: 保存在 Loc 中的调用者寄存器
//   - DerivedRef:  派生指针的基址所在位置
//   - 其他:        location.Bad
type Value struct {
	Loc     location.Location
	Kind    Kind
	Content location.Location
}

// NewValue 创建条目
func NewValue(loc location.Location, kind Kind, content location.Location) Value {
	if !kind.hasContent() {
		content = location.Bad
	}
	return Value{Loc: loc, Kind: kind, Content: content}
}

// IsRef 是否为普通（含压缩）引用
func (v Value) IsRef() bool {
	return v.Kind&RefKinds != 0
}

// appendTo 将条目编码追加到 buf
func (v Value) appendTo(buf []byte) []byte {
	if !v.Kind.isSingle() {
		panic(fmt.Sprintf("refmap: invalid kind %#x", uint8(v.Kind)))
	}
	if !v.Loc.IsValid() {
		panic("refmap: invalid location")
	}
	buf = binary.AppendUvarint(buf, uint64(v.Loc)<<tagBits|v.Kind.tag())
	if v.Kind.hasContent() {
		if !v.Content.IsValid() {
			panic(fmt.Sprintf("refmap: %s entry without content location", v.Kind))
		}
		buf = binary.AppendUvarint(buf, uint64(v.Content))
	}
	return buf
}

// encodedLen 条目编码长度
func (v Value) encodedLen() int {
	var tmp [2 * binary.MaxVarintLen64]byte
	return len(v.appendTo(tmp[:0]))
}

// readValue 从 buf 开头解码一个条目，返回消耗的字节数。
// 数据截断或越界时返回 0。
func readValue(buf []byte) (Value, int) {
	head, n := binary.Uvarint(buf)
	if n <= 0 || head>>tagBits > uint64(maxLocation) {
		return Value{}, 0
	}
	v := Value{
		Loc:     location.Location(head >> tagBits),
		Kind:    Kind(1) << (head & tagMask),
		Content: location.Bad,
	}
	if v.Kind.hasContent() {
		content, m := binary.Uvarint(buf[n:])
		if m <= 0 || content > uint64(maxLocation) {
			return Value{}, 0
		}
		v.Content = location.Location(content)
		n += m
	}
	return v, n
}

// maxLocation 可编码的最大位置值
const maxLocation = location.Location(1<<31 - 1)

// String 返回 loc=Kind 形式
func (v Value) String() string {
	switch v.Kind {
	case CalleeSaved:
		return fmt.Sprintf("%s=Callers_%s", v.Loc, v.Content)
	case DerivedRef:
		return fmt.Sprintf("%s=Derived_%s", v.Loc, v.Content)
	}
	return fmt.Sprintf("%s=%s", v.Loc, v.Kind)
}
