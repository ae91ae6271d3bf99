// Package arena 提供只增不减的字节区分配器。
//
// 一个 Arena 先确定总大小，之后按偏移顺序分配，不支持单独释放。
// 内容写完后可以 Seal 为只读；映射内存的 Arena 在 Seal 后由操作系统保证只读。
package arena

import (
	"encoding/binary"
	"fmt"
)

// Arena 字节区
type Arena struct {
	buf    []byte
	raw    []byte // 映射得到的完整页
	used   int
	mapped bool // 由 mmap/VirtualAlloc 分配
	sealed bool
}

// New 在 Go 堆上创建大小为 size 的 Arena
func New(size int) *Arena {
	if size < 0 {
		panic(fmt.Sprintf("arena: negative size %d", size))
	}
	return &Arena{buf: make([]byte, size)}
}

// NewMapped 创建由匿名映射内存支持的 Arena，平台不支持时退回 Go 堆
func NewMapped(size int) (*Arena, error) {
	if size <= 0 {
		return New(size), nil
	}
	buf, err := mapMemory(size)
	if err != nil {
		return nil, fmt.Errorf("arena: map %d bytes: %w", size, err)
	}
	if buf == nil {
		return New(size), nil
	}
	return &Arena{buf: buf[:size:size], raw: buf, mapped: true}, nil
}

// AlignUp 把 n 向上对齐到 align（2 的幂）
func AlignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// Alloc 分配 n 字节并按 align 对齐起点，返回偏移。
// 空间不足是致命错误。
func (a *Arena) Alloc(n, align int) int {
	a.checkWritable()
	off := AlignUp(a.used, align)
	if n < 0 || off+n > len(a.buf) {
		panic(fmt.Sprintf("arena: out of space: need %d at %d, cap %d", n, off, len(a.buf)))
	}
	a.used = off + n
	return off
}

// Used 已分配字节数
func (a *Arena) Used() int { return a.used }

// Cap 总大小
func (a *Arena) Cap() int { return len(a.buf) }

// Bytes 全部内容
func (a *Arena) Bytes() []byte { return a.buf }

// Sealed 是否已只读
func (a *Arena) Sealed() bool { return a.sealed }

// PutInt32 在 off 处写入小端 int32
func (a *Arena) PutInt32(off int, v int32) {
	a.checkWritable()
	binary.LittleEndian.PutUint32(a.buf[off:], uint32(v))
}

// Int32 读取 off 处的小端 int32
func (a *Arena) Int32(off int) int32 {
	return int32(binary.LittleEndian.Uint32(a.buf[off:]))
}

// Write 在 off 处写入 data
func (a *Arena) Write(off int, data []byte) {
	a.checkWritable()
	copy(a.buf[off:off+len(data)], data)
}

// Fill 用 b 填充 [off, off+n)
func (a *Arena) Fill(off, n int, b byte) {
	a.checkWritable()
	for i := off; i < off+n; i++ {
		a.buf[i] = b
	}
}

func (a *Arena) checkWritable() {
	if a.sealed {
		panic("arena: write after seal")
	}
}

// Seal 将 Arena 设为只读
func (a *Arena) Seal() error {
	if a.sealed {
		return nil
	}
	if a.mapped {
		if err := protectMemory(a.raw); err != nil {
			return fmt.Errorf("arena: seal: %w", err)
		}
	}
	a.sealed = true
	return nil
}

// Free 释放映射内存；Go 堆 Arena 交给 GC
func (a *Arena) Free() error {
	raw := a.raw
	a.buf, a.raw = nil, nil
	a.used = 0
	if a.mapped && len(raw) > 0 {
		a.mapped = false
		if err := unmapMemory(raw); err != nil {
			return fmt.Errorf("arena: free: %w", err)
		}
	}
	return nil
}
