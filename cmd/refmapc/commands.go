package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"unsafe"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"github.com/tangzhangming/refmap/internal/config"
	"github.com/tangzhangming/refmap/internal/derived"
	"github.com/tangzhangming/refmap/internal/jit"
	"github.com/tangzhangming/refmap/internal/location"
	"github.com/tangzhangming/refmap/internal/refmap"
	"github.com/tangzhangming/refmap/internal/stackframe"
)

// env 命令执行环境
type env struct {
	cfg *config.Config
	log *zap.Logger
	out io.Writer
}

// compile 读取方法描述并打包
func (e *env) compile(args []string) (*Method, *refmap.ImmutableSet, refmap.Report, error) {
	if len(args) != 1 {
		return nil, nil, refmap.Report{}, fmt.Errorf("请指定一个方法描述文件")
	}
	method, err := LoadMethod(args[0])
	if err != nil {
		return nil, nil, refmap.Report{}, err
	}
	set, err := method.BuildSet(e.log)
	if err != nil {
		return nil, nil, refmap.Report{}, fmt.Errorf("%s: %w", args[0], err)
	}
	report := refmap.Analyze(set)
	s := refmap.Build(set, e.cfg.BuildOptions(e.log))
	e.log.Debug("compiled method",
		zap.String("method", method.Name),
		zap.Int("maps", set.Size()),
		zap.Int("bytes", s.Size()))
	return method, s, report, nil
}

// build 打包并输出
func (e *env) build(args []string) error {
	method, s, report, err := e.compile(args)
	if err != nil {
		return err
	}

	switch *formatFlag {
	case "text":
		printSet(e.out, method.Name, s)
		printReport(e.out, report)
	case "json":
		if err := writeJSON(e.out, method.Name, s, &report); err != nil {
			return err
		}
	default:
		return fmt.Errorf("不支持的输出格式: %s", *formatFlag)
	}

	if *outputFlag != "" {
		if err := os.WriteFile(*outputFlag, s.Bytes(), 0644); err != nil {
			return fmt.Errorf("failed to write blob: %w", err)
		}
		fmt.Fprintf(e.out, "%s %s (%d bytes)\n", green("written"), *outputFlag, s.Size())
	}
	return nil
}

// load 加载并校验 blob
func (e *env) load(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("请指定一个 blob 文件")
	}
	blob, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read blob: %w", err)
	}
	s, err := refmap.Load(blob)
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	defer s.Release()

	if *formatFlag == "json" {
		return writeJSON(e.out, args[0], s, nil)
	}
	printSet(e.out, args[0], s)
	fmt.Fprintln(e.out, green("verified"))
	return nil
}

// stubs 为每个不同的 Map 生成快速路径桩
func (e *env) stubs(args []string) error {
	_, s, _, err := e.compile(args)
	if err != nil {
		return err
	}
	if !e.cfg.Scan.FastPath {
		fmt.Fprintln(e.out, yellow("fast path disabled"))
		return nil
	}

	seen := make(map[*refmap.ImmutableMap]bool)
	for i := 0; i < s.Count(); i++ {
		m := s.MapAt(i)
		if seen[m] {
			continue
		}
		seen[m] = true

		m.GenerateStub(jit.NewStubGenerator)
		pc := s.PairAt(i).PCOffset
		if _, _, ok := m.Stubs(); ok {
			freeze, thaw, _ := jit.AssembleStubs(m)
			fmt.Fprintf(e.out, "pc %4d %s freeze=%dB thaw=%dB\n", pc, green("ready"), len(freeze), len(thaw))
			continue
		}
		fmt.Fprintf(e.out, "pc %4d %s %v\n", pc, yellow("fallback"), m.StubError())
	}
	return nil
}

// 模拟扫描使用的地址
const (
	codeBase      = uintptr(0x400000)
	heapBase      = uintptr(0x10000000)
	relocation    = uintptr(0x01000000)
	narrowMove    = uint32(0x100)
	derivedOffset = uintptr(16)
	objectSpacing = uintptr(0x40)
	frameSpacing  = uintptr(0x1000)
)

// mover 模拟移动对象的回收器
type mover struct {
	refs, narrow int
}

func (v *mover) VisitRef(p *uintptr) {
	*p += relocation
	v.refs++
}

func (v *mover) VisitNarrowRef(p *uint32) {
	*p += narrowMove
	v.narrow++
}

// derivedSlot 等待修正的派生指针
type derivedSlot struct {
	loc, base *uintptr
}

// scan 为每个安全点压入一帧，扫描根后修正派生指针
func (e *env) scan(args []string) error {
	method, s, _, err := e.compile(args)
	if err != nil {
		return err
	}
	code := &stackframe.Code{Begin: codeBase, Maps: s}

	words := 0
	for i := 0; i < s.Count(); i++ {
		words += (method.Slots()*location.StackSlotSize+7)/8 + 1
	}
	stack := stackframe.NewStack(words)

	ledger := derived.NewTable(e.log, e.cfg.Scan.TraceDerived)
	ledger.Activate()
	visitor := &mover{}
	regs := make([]*stackframe.RegisterFile, 0, s.Count())
	var pending []derivedSlot

	for i := 0; i < s.Count(); i++ {
		pc := s.PairAt(i).PCOffset
		fr := stack.Push(code, pc, method.Slots())
		rf := new(stackframe.RegisterFile)
		regs = append(regs, rf)
		rm := stackframe.NewRegisterMap(rf, true)

		m := refmap.FindMap(fr)
		if e.cfg.Scan.Explode {
			m.Explode()
		}
		ds, err := populate(fr, rm, m, uintptr(i)*frameSpacing)
		if err != nil {
			return fmt.Errorf("pc %d: %w", pc, err)
		}
		pending = append(pending, ds...)

		refmap.VisitFrameRoots(fr, rm, refmap.RootVisit{Refs: visitor, Ledger: ledger})
	}

	recorded := ledger.Len()
	ledger.ApplyRelocations()

	bad := 0
	for _, d := range pending {
		if *d.loc != *d.base+derivedOffset {
			bad++
		}
	}

	fmt.Fprintf(e.out, "%s %s\n", bold("scan"), method.Name)
	fmt.Fprintf(e.out, "  frames:  %d\n", s.Count())
	fmt.Fprintf(e.out, "  refs:    %d (%d narrow)\n", visitor.refs+visitor.narrow, visitor.narrow)
	fmt.Fprintf(e.out, "  derived: %d recorded\n", recorded)
	if bad > 0 {
		return fmt.Errorf("%d derived pointers not restored", bad)
	}
	fmt.Fprintln(e.out, green("  all derived pointers restored"))
	return nil
}

// populate 在帧中写入模拟的对象地址，返回派生指针槽
func populate(fr *stackframe.Frame, rm refmap.RegisterMap, m *refmap.ImmutableMap, base uintptr) ([]derivedSlot, error) {
	next := heapBase + base
	for v := range m.All(refmap.RefKinds) {
		p := fr.LocationOf(v.Loc, rm)
		next += objectSpacing
		if v.Kind == refmap.NarrowRef {
			*(*uint32)(p) = uint32(next >> 3)
			continue
		}
		if err := checkWordSlot(v.Loc); err != nil {
			return nil, err
		}
		*(*uintptr)(p) = next
	}

	var ds []derivedSlot
	for v := range m.All(refmap.DerivedRef) {
		if err := checkWordSlot(v.Loc); err != nil {
			return nil, err
		}
		loc := (*uintptr)(fr.LocationOf(v.Loc, rm))
		b := (*uintptr)(fr.LocationOf(v.Content, rm))
		*loc = *b + derivedOffset
		ds = append(ds, derivedSlot{loc: loc, base: b})
	}
	return ds, nil
}

// checkWordSlot 8 字节引用必须位于寄存器或偶数栈槽
func checkWordSlot(loc location.Location) error {
	if loc.IsStack() && uintptr(loc.StackOffset())%unsafe.Sizeof(uintptr(0)) != 0 {
		return fmt.Errorf("%s is not word aligned", loc)
	}
	return nil
}

// printSet 以文本打印打包结果
func printSet(w io.Writer, name string, s *refmap.ImmutableSet) {
	fmt.Fprintf(w, "%s %s: %d pairs, %d bytes\n", bold("refmap"), name, s.Count(), s.Size())
	for _, line := range strings.Split(s.String(), "\n") {
		if line != "" {
			fmt.Fprintf(w, "  %s\n", cyan(line))
		}
	}
}

// printReport 打印去重统计
func printReport(w io.Writer, r refmap.Report) {
	fmt.Fprintf(w, "maps: %d (empty %d, new %d, adjacent duplicates %d)\n",
		r.Maps, r.Empty, r.New, r.AdjacentDuplicates)
	fmt.Fprintf(w, "packed: %d bytes", r.PackedBytes)
	if r.GlobalDuplicates > 0 {
		fmt.Fprintf(w, ", %s", yellow(fmt.Sprintf("global dedup would save %d bytes (%d maps)",
			r.PackedBytes-r.GlobalBytes, r.GlobalDuplicates)))
	}
	fmt.Fprintln(w)
}

// setJSON JSON 输出
type setJSON struct {
	Name   string         `json:"name"`
	Size   int            `json:"size"`
	Pairs  []pairJSON     `json:"pairs"`
	Report *refmap.Report `json:"report,omitempty"`
}

type pairJSON struct {
	PC        int      `json:"pc"`
	MapOffset int      `json:"map_offset"`
	Values    []string `json:"values"`
}

// writeJSON 以 JSON 输出打包结果
func writeJSON(w io.Writer, name string, s *refmap.ImmutableSet, report *refmap.Report) error {
	out := setJSON{Name: name, Size: s.Size(), Report: report}
	for i := 0; i < s.Count(); i++ {
		p := s.PairAt(i)
		pj := pairJSON{PC: p.PCOffset, MapOffset: p.MapOffset, Values: []string{}}
		s.MapAt(i).AllDo(refmap.AllKinds, func(v refmap.Value) {
			pj.Values = append(pj.Values, v.String())
		})
		out.Pairs = append(out.Pairs, pj)
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode json: %w", err)
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}
