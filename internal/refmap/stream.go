package refmap

import "iter"

// Cursor 顺序解码器
//
// 只能从数据开头向前推进，按掩码跳过不匹配的条目。
// 典型用法:
//
//	for c := m.Cursor(RefKinds); !c.Done(); c.Next() {
//		v := c.Current()
//	}
type Cursor struct {
	data  []byte
	pos   int  // 已消耗的字节数
	mask  Kind // 类型过滤掩码
	size  int  // 条目总数
	index int  // 已解码的条目数
	cur   Value
	valid bool
}

func newCursor(data []byte, count int, mask Kind) Cursor {
	c := Cursor{data: data, size: count, mask: mask}
	c.findNext()
	return c
}

// findNext 解码直到遇到匹配的条目或数据结束
func (c *Cursor) findNext() {
	for c.index < c.size {
		c.index++
		v, n := readValue(c.data[c.pos:])
		if n == 0 {
			panic("refmap: corrupt value stream")
		}
		c.pos += n
		if v.Kind&c.mask != 0 {
			c.cur = v
			c.valid = true
			return
		}
	}
	c.valid = false
}

// Done 是否已无匹配条目
func (c *Cursor) Done() bool {
	return !c.valid
}

// Next 前进到下一个匹配条目
func (c *Cursor) Next() {
	if !c.valid {
		panic("refmap: cursor advanced past end")
	}
	c.findNext()
}

// Current 当前条目
func (c *Cursor) Current() Value {
	if !c.valid {
		panic("refmap: cursor has no current value")
	}
	return c.cur
}

// values 以 iter.Seq 形式遍历
func values(data []byte, count int, mask Kind) iter.Seq[Value] {
	return func(yield func(Value) bool) {
		for c := newCursor(data, count, mask); !c.Done(); c.Next() {
			if !yield(c.Current()) {
				return
			}
		}
	}
}

// streamLength 校验并计算 count 个条目占用的字节数
func streamLength(data []byte, count int) (int, bool) {
	pos := 0
	for i := 0; i < count; i++ {
		_, n := readValue(data[pos:])
		if n == 0 {
			return pos, false
		}
		pos += n
	}
	return pos, true
}
