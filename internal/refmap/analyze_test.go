package refmap

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

// TestAnalyze 测试去重统计
func TestAnalyze(t *testing.T) {
	set := NewSet(nil)
	for i, m := range []*Map{refMap(0), refMap(0), NewMap(16, 0), refMap(1), refMap(0)} {
		set.Add(i*4, m)
	}

	got := Analyze(set)
	want := Report{
		Maps:               5,
		Empty:              1,
		New:                3,
		AdjacentDuplicates: 1,
		GlobalDuplicates:   1,
		PackedBytes:        pairsEnd(5) + 8 + 3*16,
		GlobalBytes:        pairsEnd(5) + 8 + 2*16,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}

	// 不修改 set，打包结果与统计一致
	s := Build(set, BuildOptions{})
	if s.Size() != got.PackedBytes {
		t.Errorf("built %d bytes, report says %d", s.Size(), got.PackedBytes)
	}
}
