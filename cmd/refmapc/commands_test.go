package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap/zaptest"

	"github.com/tangzhangming/refmap/internal/config"
)

func newTestEnv(t *testing.T) (*env, *bytes.Buffer) {
	t.Helper()
	colorsEnabled = false
	var buf bytes.Buffer
	return &env{cfg: config.Default(), log: zaptest.NewLogger(t), out: &buf}, &buf
}

func writeMethod(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "demo.toml")
	if err := os.WriteFile(path, []byte(src), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// withFlags 临时修改全局选项
func withFlags(t *testing.T, format, output string) {
	t.Helper()
	oldFormat, oldOutput := *formatFlag, *outputFlag
	*formatFlag, *outputFlag = format, output
	t.Cleanup(func() { *formatFlag, *outputFlag = oldFormat, oldOutput })
}

// TestBuildAndLoad 测试打包、保存和重新加载
func TestBuildAndLoad(t *testing.T) {
	e, out := newTestEnv(t)
	blob := filepath.Join(t.TempDir(), "demo.bin")
	withFlags(t, "text", blob)

	if err := e.build([]string{writeMethod(t, demoMethod)}); err != nil {
		t.Fatalf("build: %v", err)
	}
	text := out.String()
	for _, want := range []string{"Demo.run: 4 pairs", "adjacent duplicates 1", "written"} {
		if !strings.Contains(text, want) {
			t.Errorf("build output missing %q:\n%s", want, text)
		}
	}

	out.Reset()
	*outputFlag = ""
	if err := e.load([]string{blob}); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !strings.Contains(out.String(), "verified") {
		t.Errorf("load output:\n%s", out.String())
	}
}

// TestBuildJSON 测试 JSON 输出
func TestBuildJSON(t *testing.T) {
	e, out := newTestEnv(t)
	withFlags(t, "json", "")

	if err := e.build([]string{writeMethod(t, demoMethod)}); err != nil {
		t.Fatalf("build: %v", err)
	}
	var got setJSON
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("invalid json: %v\n%s", err, out.String())
	}
	if got.Name != "Demo.run" || len(got.Pairs) != 4 || got.Report == nil {
		t.Fatalf("unexpected json: %+v", got)
	}
	if got.Pairs[0].MapOffset != got.Pairs[1].MapOffset {
		t.Error("adjacent duplicates should share a map offset")
	}
	want := []string{"s6=Callers_r5", "r0=Ref", "s8=Derived_r0", "s4=Ref", "s11=NarrowRef"}
	if strings.Join(got.Pairs[3].Values, " ") != strings.Join(want, " ") {
		t.Errorf("pair 3 values = %v, want %v", got.Pairs[3].Values, want)
	}
}

// TestLoadCorruptBlob 测试加载损坏的 blob
func TestLoadCorruptBlob(t *testing.T) {
	e, _ := newTestEnv(t)
	path := filepath.Join(t.TempDir(), "bad.bin")
	if err := os.WriteFile(path, []byte{1, 0, 0, 0, 99, 0, 0, 0}, 0644); err != nil {
		t.Fatal(err)
	}
	if err := e.load([]string{path}); err == nil {
		t.Error("expected error for corrupt blob")
	}
}

// TestScan 测试模拟扫描恢复所有派生指针
func TestScan(t *testing.T) {
	for _, explode := range []bool{false, true} {
		e, out := newTestEnv(t)
		e.cfg.Scan.Explode = explode
		e.cfg.Scan.TraceDerived = true

		if err := e.scan([]string{writeMethod(t, demoMethod)}); err != nil {
			t.Fatalf("explode=%v: scan: %v", explode, err)
		}
		text := out.String()
		for _, want := range []string{"frames:  4", "refs:    5 (1 narrow)", "derived: 1 recorded", "all derived pointers restored"} {
			if !strings.Contains(text, want) {
				t.Errorf("explode=%v: output missing %q:\n%s", explode, want, text)
			}
		}
	}
}

// TestUnsortedMethod 测试偏移递减的方法只产生警告
func TestUnsortedMethod(t *testing.T) {
	src := "frame_size = 8\n[[maps]]\npc = 8\nvalues = [\"ref s2\"]\n[[maps]]\npc = 4\nvalues = [\"ref s4\", \"derived s6 s4\"]\n"
	path := writeMethod(t, src)

	e, out := newTestEnv(t)
	withFlags(t, "text", "")
	if err := e.build([]string{path}); err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.Contains(out.String(), "2 pairs") {
		t.Errorf("build output:\n%s", out.String())
	}

	e, out = newTestEnv(t)
	if err := e.scan([]string{path}); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if !strings.Contains(out.String(), "all derived pointers restored") {
		t.Errorf("scan output:\n%s", out.String())
	}
}

// TestScanOddSlot 测试 8 字节引用位于奇数栈槽
func TestScanOddSlot(t *testing.T) {
	e, _ := newTestEnv(t)
	path := writeMethod(t, "frame_size = 8\n[[maps]]\npc = 0\nvalues = [\"ref s3\"]\n")
	if err := e.scan([]string{path}); err == nil {
		t.Error("expected alignment error")
	}
}

// TestStubs 测试快速路径生成报告
func TestStubs(t *testing.T) {
	e, out := newTestEnv(t)
	if err := e.stubs([]string{writeMethod(t, demoMethod)}); err != nil {
		t.Fatalf("stubs: %v", err)
	}
	// 4 个 pair 共 3 个不同的 Map；含寄存器和派生指针的 Map 回退
	if n := strings.Count(out.String(), "pc "); n != 3 {
		t.Errorf("reported %d maps, want 3:\n%s", n, out.String())
	}
	if !strings.Contains(out.String(), "pc   12 fallback") {
		t.Errorf("map@12 should fall back:\n%s", out.String())
	}

	e, out = newTestEnv(t)
	e.cfg.Scan.FastPath = false
	if err := e.stubs([]string{writeMethod(t, demoMethod)}); err != nil {
		t.Fatalf("stubs: %v", err)
	}
	if !strings.Contains(out.String(), "disabled") {
		t.Errorf("output:\n%s", out.String())
	}
}
