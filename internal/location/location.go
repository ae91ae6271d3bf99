// Package location 定义引用映射使用的位置标识：物理寄存器或栈槽。
//
// 编码方式:
//
//	[0, RegisterCount)        物理寄存器
//	[RegisterCount, ...)      栈槽（槽号 = 值 - RegisterCount，每槽 4 字节）
//	Bad (-1)                  无效位置
package location

import (
	"fmt"
	"strconv"
)

const (
	// RegisterCount 寄存器编号上限，同时也是第一个栈槽的编码值
	RegisterCount = 32

	// StackSlotSize 栈槽大小（字节）
	StackSlotSize = 4
)

// Location 寄存器或栈槽
type Location int32

// Bad 无效位置
const Bad Location = -1

// Reg 返回第 n 个寄存器
func Reg(n int) Location {
	if n < 0 || n >= RegisterCount {
		panic(fmt.Sprintf("location: register %d out of range", n))
	}
	return Location(n)
}

// Stack 返回第 slot 个栈槽
func Stack(slot int) Location {
	if slot < 0 {
		panic(fmt.Sprintf("location: negative stack slot %d", slot))
	}
	return Location(RegisterCount + slot)
}

// IsValid 是否为有效位置
func (l Location) IsValid() bool {
	return l >= 0
}

// IsReg 是否为寄存器
func (l Location) IsReg() bool {
	return l >= 0 && l < RegisterCount
}

// IsStack 是否为栈槽
func (l Location) IsStack() bool {
	return l >= RegisterCount
}

// Register 寄存器编号
func (l Location) Register() int {
	if !l.IsReg() {
		panic(fmt.Sprintf("location: %s is not a register", l))
	}
	return int(l)
}

// StackSlot 栈槽编号
func (l Location) StackSlot() int {
	if !l.IsStack() {
		panic(fmt.Sprintf("location: %s is not a stack slot", l))
	}
	return int(l) - RegisterCount
}

// StackOffset 栈槽相对帧基址的字节偏移
func (l Location) StackOffset() int {
	return l.StackSlot() * StackSlotSize
}

// Cost 排序代价：寄存器为 0，栈槽为其字节偏移
func (l Location) Cost() int {
	if l.IsReg() {
		return 0
	}
	return l.StackOffset()
}

// String 返回 r<n> / s<n> 形式
func (l Location) String() string {
	switch {
	case l.IsReg():
		return fmt.Sprintf("r%d", int(l))
	case l.IsStack():
		return fmt.Sprintf("s%d", l.StackSlot())
	default:
		return "bad"
	}
}

// Parse 解析 r<n> / s<n> 形式的位置
func Parse(s string) (Location, error) {
	if len(s) < 2 {
		return Bad, fmt.Errorf("invalid location %q", s)
	}
	n, err := strconv.Atoi(s[1:])
	if err != nil {
		return Bad, fmt.Errorf("invalid location %q: %w", s, err)
	}
	switch s[0] {
	case 'r':
		if n < 0 || n >= RegisterCount {
			return Bad, fmt.Errorf("register out of range: %q", s)
		}
		return Location(n), nil
	case 's':
		if n < 0 {
			return Bad, fmt.Errorf("stack slot out of range: %q", s)
		}
		return Location(RegisterCount + n), nil
	}
	return Bad, fmt.Errorf("invalid location %q", s)
}
