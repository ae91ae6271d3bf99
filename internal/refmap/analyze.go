package refmap

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// Report 打包去重统计
//
// 打包只合并相邻的重复 Map；GlobalDuplicates 和 GlobalBytes
// 给出全局去重还能额外节省多少，用来评估是否值得改变策略。
type Report struct {
	Maps               int // Map 总数
	Empty              int // 空 Map 数
	New                int // 实际占用空间的非空 Map 数
	AdjacentDuplicates int // 与上一个非空 Map 共享的数量
	GlobalDuplicates   int // NEW 中与更早的非相邻 Map 内容相同的数量
	PackedBytes        int // 当前策略下的 blob 大小
	GlobalBytes        int // 全局去重下的 blob 大小
}

// fingerprint Map 规范编码的摘要
type fingerprint [blake2b.Size256]byte

func fingerprintOf(count int, data []byte) fingerprint {
	h, _ := blake2b.New256(nil)
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(count))
	h.Write(hdr[:])
	h.Write(data)
	var fp fingerprint
	copy(fp[:], h.Sum(nil))
	return fp
}

// Analyze 按打包规则归类 set 中的 Map，并统计全局去重的潜在收益。
// 不修改 set。
func Analyze(set *Set) Report {
	b := newBuilder(set, BuildOptions{})
	b.heapSize()

	r := Report{
		Maps:        set.Size(),
		PackedBytes: b.blobSize(),
	}
	r.GlobalBytes = r.PackedBytes

	seen := make(map[fingerprint]bool)
	for _, mp := range b.mapping {
		switch mp.kind {
		case mappingEmpty:
			r.Empty++
		case mappingDuplicate:
			r.AdjacentDuplicates++
		case mappingNew:
			r.New++
			fp := fingerprintOf(mp.m.Count(), mp.data)
			if seen[fp] {
				r.GlobalDuplicates++
				r.GlobalBytes -= mp.size
			}
			seen[fp] = true
		}
	}
	return r
}
