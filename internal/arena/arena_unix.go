//go:build unix

package arena

import "golang.org/x/sys/unix"

// mapMemory 按页对齐分配匿名可读写内存
func mapMemory(size int) ([]byte, error) {
	pageSize := unix.Getpagesize()
	alignedSize := AlignUp(size, pageSize)
	return unix.Mmap(-1, 0, alignedSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

// protectMemory 设为只读
func protectMemory(buf []byte) error {
	return unix.Mprotect(buf, unix.PROT_READ)
}

func unmapMemory(buf []byte) error {
	return unix.Munmap(buf)
}
