// x64_asm.go - 桩代码用的 x86-64 指令编码
//
// 只编码通用寄存器与 [base+disp] 之间的 mov 以及 ret:
//
//	[REX] 8B/89 ModR/M [disp8|disp32]
//
// base 的低 3 位不能是 100（rsp/r12，需要 SIB）或 101（rbp/r13，mod=00 时为 RIP 相对）。
// 桩只用 rdi/rsi 作基址。

package jit

import (
	"encoding/binary"
	"fmt"
)

// X64Reg 通用寄存器编号（硬件编码）
type X64Reg uint8

const (
	RAX X64Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

const (
	opStore = 0x89 // mov r/m, reg
	opLoad  = 0x8B // mov reg, r/m
	opRet   = 0xC3

	rexW = 0x08
	rexR = 0x04
	rexB = 0x01

	modNoDisp = 0x00
	modDisp8  = 0x40
	modDisp32 = 0x80
)

// X64Assembler 指令缓冲
type X64Assembler struct {
	buf []byte
}

// NewX64Assembler 创建汇编器
func NewX64Assembler() *X64Assembler {
	return &X64Assembler{buf: make([]byte, 0, 64)}
}

// Reset 清空已生成的代码
func (a *X64Assembler) Reset() {
	a.buf = a.buf[:0]
}

// Code 已生成的机器码
func (a *X64Assembler) Code() []byte {
	return a.buf
}

// mov 编码 op reg, [base+disp]；wide 为 true 时操作数为 64 位
func (a *X64Assembler) mov(op byte, wide bool, reg, base X64Reg, disp int32) {
	if low := base & 7; low == RSP || low == RBP {
		panic(fmt.Sprintf("jit: base register %d needs a SIB or forced displacement", base))
	}

	var rex byte
	if wide {
		rex |= rexW
	}
	if reg >= R8 {
		rex |= rexR
	}
	if base >= R8 {
		rex |= rexB
	}
	if rex != 0 {
		a.buf = append(a.buf, 0x40|rex)
	}

	mod := byte(modDisp32)
	if disp == 0 {
		mod = modNoDisp
	} else if disp >= -128 && disp <= 127 {
		mod = modDisp8
	}
	a.buf = append(a.buf, op, mod|byte(reg&7)<<3|byte(base&7))

	switch mod {
	case modDisp8:
		a.buf = append(a.buf, byte(int8(disp)))
	case modDisp32:
		a.buf = binary.LittleEndian.AppendUint32(a.buf, uint32(disp))
	}
}

// MovRegMem mov dst, qword [base+disp]
func (a *X64Assembler) MovRegMem(dst, base X64Reg, disp int32) {
	a.mov(opLoad, true, dst, base, disp)
}

// MovMemReg mov qword [base+disp], src
func (a *X64Assembler) MovMemReg(base X64Reg, disp int32, src X64Reg) {
	a.mov(opStore, true, src, base, disp)
}

// Mov32RegMem mov dst32, dword [base+disp]
func (a *X64Assembler) Mov32RegMem(dst, base X64Reg, disp int32) {
	a.mov(opLoad, false, dst, base, disp)
}

// Mov32MemReg mov dword [base+disp], src32
func (a *X64Assembler) Mov32MemReg(base X64Reg, disp int32, src X64Reg) {
	a.mov(opStore, false, src, base, disp)
}

// Ret 返回
func (a *X64Assembler) Ret() {
	a.buf = append(a.buf, opRet)
}
