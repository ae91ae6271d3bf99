package refmap

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/multierr"

	"github.com/tangzhangming/refmap/internal/location"
)

// buildSet 依次在 0, 4, 8... 处添加 maps 并打包
func buildSet(t *testing.T, maps ...*Map) *ImmutableSet {
	t.Helper()
	s := NewSet(nil)
	for i, m := range maps {
		s.Add(i*4, m)
	}
	return Build(s, BuildOptions{Verify: true})
}

// TestBuildLayout 测试 blob 的字节布局
func TestBuildLayout(t *testing.T) {
	m := NewMap(4, 0)
	m.SetRef(location.Reg(0))
	s := buildSet(t, m)

	want := []byte{
		1, 0, 0, 0, 32, 0, 0, 0, // count, size
		0, 0, 0, 0, 16, 0, 0, 0, // pc 0 -> map 16
		1, 0, 0, 0, 1, 0, 0, 0, // count, numRefs
		0x00, 0, 0, 0, 0, 0, 0, 0, // r0=Ref
	}
	if diff := cmp.Diff(want, s.Bytes()); diff != "" {
		t.Errorf("blob mismatch (-want +got):\n%s", diff)
	}
	if s.Count() != 1 || s.Size() != 32 {
		t.Errorf("Count()=%d Size()=%d", s.Count(), s.Size())
	}
	if got := s.PairAt(0); got != (Pair{PCOffset: 0, MapOffset: 16}) {
		t.Errorf("PairAt(0) = %+v", got)
	}
}

// TestBuildAdjacentDuplicates 测试相邻重复与空 Map 共享
func TestBuildAdjacentDuplicates(t *testing.T) {
	s := buildSet(t, refMap(0), refMap(0), NewMap(16, 0), NewMap(16, 0))

	if s.PairAt(0).MapOffset != s.PairAt(1).MapOffset {
		t.Errorf("map@0 and map@4 should share storage: %d vs %d", s.PairAt(0).MapOffset, s.PairAt(1).MapOffset)
	}
	if s.MapAt(0) != s.MapAt(1) {
		t.Error("map@0 and map@4 should share one ImmutableMap")
	}
	if s.PairAt(2).MapOffset != s.PairAt(3).MapOffset {
		t.Errorf("empty maps should share the singleton offset: %d vs %d", s.PairAt(2).MapOffset, s.PairAt(3).MapOffset)
	}
	if s.MapAt(2).Count() != 0 {
		t.Errorf("empty map has %d values", s.MapAt(2).Count())
	}
}

// TestBuildNonAdjacentDuplicate 测试被其他 Map 隔开的重复不共享
func TestBuildNonAdjacentDuplicate(t *testing.T) {
	s := buildSet(t, refMap(0), refMap(1), refMap(0))

	if s.PairAt(0).MapOffset == s.PairAt(2).MapOffset {
		t.Error("non-adjacent duplicate must not share storage")
	}
	if !bytes.Equal(s.MapAt(0).Data(), s.MapAt(2).Data()) {
		t.Error("twins should still have identical data")
	}
}

// TestBuildEmptyBetweenDuplicates 测试中间的空 Map 不打断相邻重复
func TestBuildEmptyBetweenDuplicates(t *testing.T) {
	s := buildSet(t, refMap(0), NewMap(16, 0), refMap(0))
	if s.PairAt(0).MapOffset != s.PairAt(2).MapOffset {
		t.Error("duplicate separated only by an empty map should share storage")
	}
}

// TestBuildCanonicalDuplicate 测试插入顺序不同但规范编码相同的 Map 去重
func TestBuildCanonicalDuplicate(t *testing.T) {
	s := buildSet(t, refMap(2, 4), refMap(4, 2))
	if s.MapAt(0) != s.MapAt(1) {
		t.Error("maps equal in canonical order should be merged")
	}
}

// TestBuildSizePrediction 测试计算大小与实际写入一致
func TestBuildSizePrediction(t *testing.T) {
	tests := []struct {
		name string
		maps func() []*Map
		want int
	}{
		{"no maps", func() []*Map { return nil }, 8},
		{"all empty", func() []*Map {
			return []*Map{NewMap(4, 0), NewMap(4, 0), NewMap(4, 0)}
		}, pairsEnd(3) + 8},
		{"all unique", func() []*Map {
			var ms []*Map
			for i := 0; i < 5; i++ {
				ms = append(ms, refMap(i))
			}
			return ms
		}, pairsEnd(5) + 5*16},
		{"mixed", func() []*Map {
			saved := NewMap(16, 0)
			saved.SetCalleeSaved(location.Stack(2), location.Reg(5))
			saved.SetRef(location.Reg(0))
			saved.SetDerived(location.Stack(4), location.Reg(0))
			return []*Map{refMap(0), refMap(0), NewMap(16, 0), saved, refMap(1, 3, 5, 7, 9, 11)}
		}, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set := NewSet(nil)
			for i, m := range tt.maps() {
				set.Add(i*4, m)
			}
			b := newBuilder(set, BuildOptions{Verify: true})
			predicted := b.heapSize()
			s := b.generate()

			if predicted != s.Size()+guardSize {
				t.Errorf("predicted %d, built %d (+%d guard)", predicted, s.Size(), guardSize)
			}
			if b.arena.Used() != s.Size() {
				t.Errorf("wrote %d bytes, size %d", b.arena.Used(), s.Size())
			}
			if tt.want >= 0 && s.Size() != tt.want {
				t.Errorf("Size() = %d, want %d", s.Size(), tt.want)
			}
		})
	}
}

// TestBuildSealsSet 测试打包后 Set 不能再追加
func TestBuildSealsSet(t *testing.T) {
	set := NewSet(nil)
	set.Add(0, refMap(0))
	Build(set, BuildOptions{})
	mustPanic(t, "sealed", func() { set.Add(4, refMap(1)) })
}

// TestBuildMapped 测试映射内存并只读
func TestBuildMapped(t *testing.T) {
	set := NewSet(nil)
	set.Add(0, refMap(0, 2))
	set.Add(8, refMap(4))
	s := Build(set, BuildOptions{Verify: true, Seal: true})

	if !s.arena.Sealed() {
		t.Error("arena not sealed")
	}
	if got := s.FindMapAtOffset(8).String(); got != "ImmutableRefMap{s4=Ref }" {
		t.Errorf("map@8 = %q", got)
	}
	if err := s.Release(); err != nil {
		t.Errorf("Release: %v", err)
	}
}

// TestImmutableFind 测试打包后的查找
func TestImmutableFind(t *testing.T) {
	s := buildSet(t, refMap(0), refMap(1), refMap(2))

	if got := s.FindSlotForOffset(4); got != 1 {
		t.Errorf("FindSlotForOffset(4) = %d, want 1", got)
	}
	if got := s.FindMapAtOffset(8); got != s.MapAt(2) {
		t.Errorf("FindMapAtOffset(8) = %s", got)
	}
	mustPanic(t, "not found at offset 6", func() { s.FindMapAtOffset(6) })
	mustPanic(t, "out of range", func() { s.PairAt(3) })
}

// TestImmutableMapContents 测试打包后的内容为规范顺序
func TestImmutableMapContents(t *testing.T) {
	m := NewMap(8, 0)
	m.SetCalleeSaved(location.Stack(2), location.Reg(5))
	m.SetRef(location.Reg(0))
	m.SetRef(location.Stack(3))
	m.SetDerived(location.Stack(4), location.Reg(0))
	im := buildSet(t, m).MapAt(0)

	if im.Count() != 4 || im.NumRefs() != 2 {
		t.Errorf("Count()=%d NumRefs()=%d", im.Count(), im.NumRefs())
	}
	if !im.HasDerived() {
		t.Error("HasDerived() = false")
	}
	if want := "ImmutableRefMap{s2=Callers_r5 r0=Ref s4=Derived_r0 s3=Ref }"; im.String() != want {
		t.Errorf("String() = %q, want %q", im.String(), want)
	}
	if im.NrOfBytes() != mapHeaderSize+m.DataSize() {
		t.Errorf("NrOfBytes() = %d", im.NrOfBytes())
	}

	plain := buildSet(t, refMap(1)).MapAt(0)
	if plain.HasDerived() {
		t.Error("HasDerived() = true for map without derived pointers")
	}
}

// TestLoad 测试从 blob 重建
func TestLoad(t *testing.T) {
	orig := buildSet(t, refMap(0), refMap(0), NewMap(16, 0), refMap(1, 3))
	blob := append([]byte(nil), orig.Bytes()...)

	s, err := Load(blob)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.String() != orig.String() {
		t.Errorf("loaded set differs:\n%s\nwant:\n%s", s, orig)
	}
	if s.MapAt(0) != s.MapAt(1) {
		t.Error("loaded duplicates should share one ImmutableMap")
	}

	// 修改原 blob 不影响已加载的副本
	blob[0] = 0xAA
	if s.Count() != 4 {
		t.Errorf("Count() = %d after modifying source blob", s.Count())
	}
}

// TestLoadCorrupt 测试损坏的 blob
func TestLoadCorrupt(t *testing.T) {
	good := buildSet(t, refMap(0), refMap(1)).Bytes()

	corrupt := func(fn func(b []byte)) []byte {
		b := append([]byte(nil), good...)
		fn(b)
		return b
	}

	tests := []struct {
		name string
		blob []byte
		errs int
	}{
		{"short", good[:4], 1},
		{"size", corrupt(func(b []byte) { binary.LittleEndian.PutUint32(b[4:], 99) }), 1},
		{"duplicate pc", corrupt(func(b []byte) { binary.LittleEndian.PutUint32(b[16:], 0) }), 1},
		{"negative pc", corrupt(func(b []byte) { binary.LittleEndian.PutUint32(b[16:], 0xffffffff) }), 1},
		{"misaligned map", corrupt(func(b []byte) { binary.LittleEndian.PutUint32(b[12:], 25) }), 1},
		{"ref count", corrupt(func(b []byte) {
			off := binary.LittleEndian.Uint32(b[12:])
			binary.LittleEndian.PutUint32(b[off+4:], 0)
		}), 1},
		{"size and duplicate pc", corrupt(func(b []byte) {
			binary.LittleEndian.PutUint32(b[4:], 99)
			binary.LittleEndian.PutUint32(b[16:], 0)
		}), 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := verifyBlob(tt.blob)
			if err == nil {
				t.Fatal("expected verification error")
			}
			if n := len(multierr.Errors(err)); n != tt.errs {
				t.Errorf("got %d errors, want %d: %v", n, tt.errs, err)
			}
			if _, err := Load(tt.blob); err == nil {
				t.Error("Load accepted a corrupt blob")
			}
		})
	}
}
