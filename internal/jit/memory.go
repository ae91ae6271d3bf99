// memory.go - 可执行内存管理
//
// 桩代码先以 RW 权限写入，再改为 RX 权限执行（W^X）。

package jit

import (
	"unsafe"
)

// getCodePointer 获取代码的函数指针
// 返回代码第一个字节的地址作为函数入口点
func getCodePointer(code []byte) uintptr {
	if len(code) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&code[0]))
}
