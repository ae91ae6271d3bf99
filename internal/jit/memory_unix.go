//go:build unix

// memory_unix.go - Unix/Linux/macOS 平台可执行内存分配

package jit

import (
	"golang.org/x/sys/unix"
)

// allocExecutable 分配可读写内存，写入后需调用 protectExecutable
func allocExecutable(size int) ([]byte, error) {
	if size <= 0 {
		size = 1
	}

	// 对齐到页面大小
	pageSize := unix.Getpagesize()
	alignedSize := (size + pageSize - 1) &^ (pageSize - 1)

	return unix.Mmap(-1, 0, alignedSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

// protectExecutable 改为只读可执行
func protectExecutable(mem []byte) error {
	return unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC)
}

// freeExecutable 释放可执行内存
func freeExecutable(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	return unix.Munmap(mem)
}
