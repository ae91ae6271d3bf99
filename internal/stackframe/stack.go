// Package stackframe 提供模拟的线程栈、帧和寄存器映射，
// 实现 refmap 需要的 Frame / RegisterMap / CodeBlob 接口。
//
// 栈由 8 字节字组成，帧从高地址向低地址压入；栈槽按 4 字节编号，
// 因此 8 字节引用应放在偶数槽。
package stackframe

import (
	"fmt"
	"unsafe"

	"github.com/tangzhangming/refmap/internal/location"
	"github.com/tangzhangming/refmap/internal/refmap"
)

const wordSize = int(unsafe.Sizeof(uintptr(0)))

// Code 模拟的编译代码对象
type Code struct {
	Begin        uintptr
	Maps         *refmap.ImmutableSet
	MustScanArgs bool
}

// CodeBegin 指令起始地址
func (c *Code) CodeBegin() uintptr { return c.Begin }

// RefMaps 引用映射集合
func (c *Code) RefMaps() *refmap.ImmutableSet { return c.Maps }

// CallerMustScanArguments 调用者是否必须扫描参数
func (c *Code) CallerMustScanArguments() bool { return c.MustScanArgs }

// Frame 模拟栈帧
type Frame struct {
	code  *Code
	pc    uintptr
	words []uintptr // 帧内存
}

// Code 所属代码
func (f *Frame) Code() refmap.CodeBlob { return f.code }

// PC 当前指令地址
func (f *Frame) PC() uintptr { return f.pc }

// ID 帧起始地址
func (f *Frame) ID() refmap.FrameID {
	return refmap.FrameID(uintptr(unsafe.Pointer(&f.words[0])))
}

// IsOlder 栈向低地址增长，地址更高的帧更老
func (f *Frame) IsOlder(id refmap.FrameID) bool {
	return f.ID() > id
}

// LocationOf 寄存器查寄存器映射，栈槽按字节偏移计算
func (f *Frame) LocationOf(loc location.Location, rm refmap.RegisterMap) unsafe.Pointer {
	if loc.IsReg() {
		return rm.Location(loc)
	}
	off := loc.StackOffset()
	if off+location.StackSlotSize > len(f.words)*wordSize {
		panic(fmt.Sprintf("stackframe: %s outside frame of %d words", loc, len(f.words)))
	}
	return unsafe.Add(unsafe.Pointer(&f.words[0]), off)
}

// Slot 栈槽处的 8 字节字
func (f *Frame) Slot(slot int) *uintptr {
	return (*uintptr)(f.LocationOf(location.Stack(slot), nil))
}

// NarrowSlot 栈槽处的 4 字节字
func (f *Frame) NarrowSlot(slot int) *uint32 {
	return (*uint32)(f.LocationOf(location.Stack(slot), nil))
}

// Stack 模拟线程栈
type Stack struct {
	mem    []uintptr
	sp     int      // 栈顶（字序号），向下增长
	frames []*Frame // 先压入的在前
}

// NewStack 创建 words 个字的栈
func NewStack(words int) *Stack {
	return &Stack{mem: make([]uintptr, words), sp: words}
}

// Push 压入一帧，slots 为 4 字节栈槽数
func (s *Stack) Push(code *Code, pcOffset, slots int) *Frame {
	words := (slots*location.StackSlotSize + wordSize - 1) / wordSize
	if words == 0 {
		words = 1
	}
	if words > s.sp {
		panic("stackframe: stack overflow")
	}
	s.sp -= words
	f := &Frame{
		code:  code,
		pc:    code.Begin + uintptr(pcOffset),
		words: s.mem[s.sp : s.sp+words : s.sp+words],
	}
	s.frames = append(s.frames, f)
	return f
}

// Frames 从最新到最老
func (s *Stack) Frames() []*Frame {
	out := make([]*Frame, len(s.frames))
	for i, f := range s.frames {
		out[len(s.frames)-1-i] = f
	}
	return out
}

// RegisterFile 模拟的物理寄存器组
type RegisterFile [location.RegisterCount]uintptr

// RegisterMap 寄存器当前保存位置
type RegisterMap struct {
	locs        [location.RegisterCount]unsafe.Pointer
	includeArgs bool
	updatedFor  refmap.FrameID
	updated     bool
}

// NewRegisterMap 以 regs 作为所有寄存器的初始位置；regs 为 nil 时位置未知
func NewRegisterMap(regs *RegisterFile, includeArgs bool) *RegisterMap {
	rm := &RegisterMap{includeArgs: includeArgs}
	if regs != nil {
		for i := range regs {
			rm.locs[i] = unsafe.Pointer(&regs[i])
		}
	}
	return rm
}

// Location 寄存器当前保存地址
func (rm *RegisterMap) Location(reg location.Location) unsafe.Pointer {
	return rm.locs[reg.Register()]
}

// SetLocation 记录寄存器保存地址
func (rm *RegisterMap) SetLocation(reg location.Location, addr unsafe.Pointer) {
	rm.locs[reg.Register()] = addr
}

// IncludeArgumentRefs 参数引用是否已处理
func (rm *RegisterMap) IncludeArgumentRefs() bool { return rm.includeArgs }

// UpdatedFor 上次更新所用的帧
func (rm *RegisterMap) UpdatedFor() (refmap.FrameID, bool) {
	return rm.updatedFor, rm.updated
}

// SetUpdatedFor 记录本次更新所用的帧
func (rm *RegisterMap) SetUpdatedFor(id refmap.FrameID) {
	rm.updatedFor = id
	rm.updated = true
}

// Reset 清除更新记录
func (rm *RegisterMap) Reset() {
	rm.updated = false
	rm.updatedFor = 0
}

// Walk 从最新帧到最老帧扫描根，每帧之后为调用者更新寄存器位置
func Walk(s *Stack, rm *RegisterMap, v refmap.RootVisit) {
	for _, f := range s.Frames() {
		m := refmap.FindMap(f)
		m.VisitRoots(f, rm, v)
		m.UpdateRegisterMap(f, rm)
	}
}
