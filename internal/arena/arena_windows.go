//go:build windows

package arena

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// mapMemory 使用 VirtualAlloc 分配可读写内存
func mapMemory(size int) ([]byte, error) {
	alignedSize := AlignUp(size, 4096)
	addr, err := windows.VirtualAlloc(0, uintptr(alignedSize), windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), alignedSize), nil
}

// protectMemory 设为只读
func protectMemory(buf []byte) error {
	var old uint32
	return windows.VirtualProtect(uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)), windows.PAGE_READONLY, &old)
}

func unmapMemory(buf []byte) error {
	return windows.VirtualFree(uintptr(unsafe.Pointer(&buf[0])), 0, windows.MEM_RELEASE)
}
