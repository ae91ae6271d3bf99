//go:build !unix && !windows

package arena

// mapMemory 平台不支持映射内存，返回 nil 让调用方使用 Go 堆
func mapMemory(size int) ([]byte, error) { return nil, nil }

func protectMemory(buf []byte) error { return nil }

func unmapMemory(buf []byte) error { return nil }
