// stubgen.go - 引用映射快速路径桩生成
//
// 为一个 ImmutableMap 生成两段机器码（System V 调用约定）:
//
//	freeze(sp, buf): 把帧中每个引用依次复制到 buf[i]（每项 8 字节）
//	thaw(sp, buf):   把 buf[i] 写回帧中对应的位置
//
// 只支持全部引用都在栈上的 Map；寄存器引用和派生指针会让生成失败，
// 调用者随后永久回退到解码路径。

package jit

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/tangzhangming/refmap/internal/refmap"
)

// 桩参数寄存器
const (
	stubSP   = RDI
	stubBuf  = RSI
	stubTemp = RAX
)

// 生成失败的原因
var (
	ErrUnsupportedArch = errors.New("jit: stubs are only generated on amd64")
	ErrRegisterRef     = errors.New("jit: reference held in a register")
	ErrDerivedRef      = errors.New("jit: map contains derived pointers")
)

// StubGenerator 实现 refmap.StubGenerator
type StubGenerator struct {
	m      *refmap.ImmutableMap
	mem    []byte // 可执行内存
	freeze uintptr
	thaw   uintptr
}

// NewStubGenerator 创建生成器，可直接作为 refmap.StubFactory 使用
func NewStubGenerator(m *refmap.ImmutableMap) refmap.StubGenerator {
	return &StubGenerator{m: m}
}

// Generate 汇编并装入可执行内存
func (g *StubGenerator) Generate() error {
	if runtime.GOARCH != "amd64" {
		return ErrUnsupportedArch
	}
	freeze, thaw, err := AssembleStubs(g.m)
	if err != nil {
		return err
	}

	mem, err := allocExecutable(len(freeze) + len(thaw))
	if err != nil {
		return fmt.Errorf("jit: allocate stub memory: %w", err)
	}
	copy(mem, freeze)
	copy(mem[len(freeze):], thaw)
	if err := protectExecutable(mem); err != nil {
		freeExecutable(mem)
		return fmt.Errorf("jit: protect stub memory: %w", err)
	}

	g.mem = mem
	g.freeze = getCodePointer(mem)
	g.thaw = g.freeze + uintptr(len(freeze))
	return nil
}

// FreezeStub 冻结桩入口
func (g *StubGenerator) FreezeStub() uintptr { return g.freeze }

// ThawStub 解冻桩入口
func (g *StubGenerator) ThawStub() uintptr { return g.thaw }

// Release 释放已分配的可执行内存
func (g *StubGenerator) Release() {
	if g.mem != nil {
		freeExecutable(g.mem)
		g.mem = nil
	}
	g.freeze, g.thaw = 0, 0
}

// AssembleStubs 生成 freeze / thaw 两段机器码
func AssembleStubs(m *refmap.ImmutableMap) (freeze, thaw []byte, err error) {
	if m.HasDerived() {
		return nil, nil, ErrDerivedRef
	}

	refs := make([]refmap.Value, 0, m.NumRefs())
	for v := range m.All(refmap.RefKinds) {
		if v.Loc.IsReg() {
			return nil, nil, fmt.Errorf("%w: %s", ErrRegisterRef, v.Loc)
		}
		refs = append(refs, v)
	}

	asm := NewX64Assembler()
	for i, v := range refs {
		emitCopy(asm, v, stubSP, int32(v.Loc.StackOffset()), stubBuf, int32(i*8))
	}
	asm.Ret()
	freeze = append([]byte(nil), asm.Code()...)

	asm.Reset()
	for i, v := range refs {
		emitCopy(asm, v, stubBuf, int32(i*8), stubSP, int32(v.Loc.StackOffset()))
	}
	asm.Ret()
	thaw = append([]byte(nil), asm.Code()...)
	return freeze, thaw, nil
}

// emitCopy 经由临时寄存器复制一个引用，压缩引用只复制 4 字节
func emitCopy(asm *X64Assembler, v refmap.Value, src X64Reg, srcOff int32, dst X64Reg, dstOff int32) {
	if v.Kind == refmap.NarrowRef {
		asm.Mov32RegMem(stubTemp, src, srcOff)
		asm.Mov32MemReg(dst, dstOff, stubTemp)
		return
	}
	asm.MovRegMem(stubTemp, src, srcOff)
	asm.MovMemReg(dst, dstOff, stubTemp)
}
