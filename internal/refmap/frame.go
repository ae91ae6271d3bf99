package refmap

import (
	"fmt"
	"unsafe"

	"github.com/tangzhangming/refmap/internal/derived"
	"github.com/tangzhangming/refmap/internal/location"
)

// FrameID 帧标识，用于判断帧的新旧
type FrameID uintptr

// Frame 栈遍历器提供的帧
type Frame interface {
	// Code 所属编译代码
	Code() CodeBlob

	// PC 当前指令地址
	PC() uintptr

	// ID 帧标识
	ID() FrameID

	// IsOlder 本帧是否比 id 对应的帧更老（更靠近栈底）
	IsOlder(id FrameID) bool

	// LocationOf 位置的存储地址；寄存器未被保存时返回 nil
	LocationOf(loc location.Location, rm RegisterMap) unsafe.Pointer
}

// RegisterMap 栈遍历过程中寄存器的当前保存位置
type RegisterMap interface {
	// Location 寄存器 reg 当前的保存地址，未知时为 nil
	Location(reg location.Location) unsafe.Pointer

	// SetLocation 记录寄存器 reg 当前保存在 addr
	SetLocation(reg location.Location, addr unsafe.Pointer)

	// IncludeArgumentRefs 参数中的引用是否已由调用者处理
	IncludeArgumentRefs() bool

	// UpdatedFor 上次 UpdateRegisterMap 所用的帧
	UpdatedFor() (FrameID, bool)

	// SetUpdatedFor 记录本次更新所用的帧
	SetUpdatedFor(id FrameID)
}

// CodeBlob 编译代码对象
type CodeBlob interface {
	// CodeBegin 指令起始地址
	CodeBegin() uintptr

	// RefMaps 该代码的 ImmutableSet
	RefMaps() *ImmutableSet

	// CallerMustScanArguments 调用者是否必须自己扫描参数引用
	CallerMustScanArguments() bool
}

// RefVisitor 普通引用访问器
type RefVisitor interface {
	VisitRef(p *uintptr)
	VisitNarrowRef(p *uint32)
}

// DerivedVisitor 派生指针访问器
type DerivedVisitor interface {
	VisitDerived(base, derived *uintptr)
}

// RootVisit 一次根扫描的访问器
type RootVisit struct {
	Refs RefVisitor

	// Derived 为 nil 时派生指针交给 Ledger 记录，两者都为 nil 时 Map 不能含派生指针
	Derived DerivedVisitor

	// Ledger 本次回收周期的派生指针表
	Ledger *derived.Table
}

// ledgerVisitor 把派生指针转交给 Table
type ledgerVisitor struct {
	table *derived.Table
}

func (v ledgerVisitor) VisitDerived(base, derivedLoc *uintptr) {
	v.table.Record(derivedLoc, base)
}

// FindMap 帧当前 pc 对应的 ImmutableMap
func FindMap(fr Frame) *ImmutableMap {
	code := fr.Code()
	if code == nil {
		panic("refmap: no code blob")
	}
	m := code.RefMaps().FindMapForAddress(code, fr.PC())
	if m == nil {
		panic("refmap: no ptr map found")
	}
	return m
}

// VisitFrameRoots 访问帧中所有根
func VisitFrameRoots(fr Frame, rm RegisterMap, v RootVisit) {
	FindMap(fr).VisitRoots(fr, rm, v)
}

// UpdateRegisterMap 为下一个（调用者）帧更新被调用者保存寄存器的位置
func UpdateRegisterMap(fr Frame, rm RegisterMap) {
	FindMap(fr).UpdateRegisterMap(fr, rm)
}

// VisitRoots 访问帧中的引用。
// 先处理派生指针再处理普通引用：普通引用访问器可能移动基址对象。
// 空引用被跳过。
func (m *ImmutableMap) VisitRoots(fr Frame, rm RegisterMap, v RootVisit) {
	dv := v.Derived
	if dv == nil && v.Ledger != nil {
		dv = ledgerVisitor{table: v.Ledger}
	}
	if dv == nil && m.HasDerived() {
		panic("refmap: derived pointers need a derived visitor or a ledger")
	}

	if dv != nil {
		for d := range m.All(DerivedRef) {
			loc := fr.LocationOf(d.Loc, rm)
			if loc == nil {
				panic(fmt.Sprintf("refmap: missing saved register %s", d.Loc))
			}
			baseLoc := fr.LocationOf(d.Content, rm)
			if baseLoc == nil || *(*uintptr)(baseLoc) == 0 {
				continue
			}
			dv.VisitDerived((*uintptr)(baseLoc), (*uintptr)(loc))
		}
	}

	if v.Refs == nil {
		return
	}
	for r := range m.All(RefKinds) {
		loc := fr.LocationOf(r.Loc, rm)
		if loc == nil {
			panic(fmt.Sprintf("refmap: missing saved register %s", r.Loc))
		}
		if r.Kind == NarrowRef {
			p := (*uint32)(loc)
			if *p == 0 {
				continue
			}
			v.Refs.VisitNarrowRef(p)
			continue
		}
		p := (*uintptr)(loc)
		if *p == 0 {
			continue
		}
		v.Refs.VisitRef(p)
	}
}

// UpdateRegisterMap 把每个 CalleeSaved 条目的保存地址登记为调用者寄存器的位置。
// 未列出的寄存器保持原位置。同一帧不能更新两次。
func (m *ImmutableMap) UpdateRegisterMap(fr Frame, rm RegisterMap) {
	code := fr.Code()
	if code == nil {
		panic("refmap: no code blob")
	}
	if id, ok := rm.UpdatedFor(); ok && !fr.IsOlder(id) {
		panic("refmap: already updated this register map; do not update it twice")
	}
	rm.SetUpdatedFor(fr.ID())

	if !rm.IncludeArgumentRefs() && code.CallerMustScanArguments() {
		panic("refmap: include argument refs should already be set")
	}

	// 先收集再写入，避免覆盖后续条目需要的位置
	saved := make([]Value, 0, 8)
	for v := range m.All(CalleeSaved) {
		saved = append(saved, v)
	}
	addrs := make([]unsafe.Pointer, len(saved))
	for i, v := range saved {
		addrs[i] = fr.LocationOf(v.Loc, rm)
	}
	for i, v := range saved {
		rm.SetLocation(v.Content, addrs[i])
	}
}

// AllDo 按掩码枚举所有条目，供诊断使用
func (m *ImmutableMap) AllDo(mask Kind, fn func(Value)) {
	for v := range m.All(mask) {
		fn(v)
	}
}
