package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"

	"github.com/tangzhangming/refmap/internal/location"
	"github.com/tangzhangming/refmap/internal/refmap"
)

// Method 方法描述文件
//
//	name = "Demo.run"
//	frame_size = 16
//	arg_count = 2
//
//	[[maps]]
//	pc = 0
//	values = ["ref s3", "saved s2 r5", "derived s4 r0"]
type Method struct {
	Name      string      `toml:"name"`
	FrameSize int         `toml:"frame_size"`
	ArgCount  int         `toml:"arg_count"`
	Maps      []MapSource `toml:"maps"`
}

// MapSource 一个安全点
type MapSource struct {
	PC     int      `toml:"pc"`
	Values []string `toml:"values"`
}

// LoadMethod 读取方法描述
func LoadMethod(path string) (*Method, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read method file: %w", err)
	}
	return ParseMethod(data)
}

// ParseMethod 解析方法描述
func ParseMethod(data []byte) (*Method, error) {
	var m Method
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse method file: %w", err)
	}
	if m.FrameSize < 0 || m.ArgCount < 0 {
		return nil, fmt.Errorf("invalid frame size %d/%d", m.FrameSize, m.ArgCount)
	}
	if len(m.Maps) == 0 {
		return nil, fmt.Errorf("method %q has no maps", m.Name)
	}
	return &m, nil
}

// Slots 帧总槽数
func (m *Method) Slots() int {
	return m.FrameSize + m.ArgCount
}

// descriptor 解析后的一条描述
type descriptor struct {
	kind    refmap.Kind
	loc     location.Location
	content location.Location
}

// parseDescriptor 解析 "ref s3" / "narrow r2" / "saved s2 r5" / "derived s4 r0"
func parseDescriptor(s string) (descriptor, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return descriptor{}, fmt.Errorf("empty descriptor")
	}

	var d descriptor
	want := 2
	switch fields[0] {
	case "ref":
		d.kind = refmap.HeapRef
	case "narrow":
		d.kind = refmap.NarrowRef
	case "saved":
		d.kind, want = refmap.CalleeSaved, 3
	case "derived":
		d.kind, want = refmap.DerivedRef, 3
	default:
		return d, fmt.Errorf("unknown kind %q in %q", fields[0], s)
	}
	if len(fields) != want {
		return d, fmt.Errorf("%q: expected %d fields, got %d", s, want, len(fields))
	}

	var err error
	if d.loc, err = location.Parse(fields[1]); err != nil {
		return d, err
	}
	d.content = location.Bad
	if want == 3 {
		if d.content, err = location.Parse(fields[2]); err != nil {
			return d, err
		}
		if d.kind == refmap.CalleeSaved && !d.content.IsReg() {
			return d, fmt.Errorf("%q: saved value must be a register", s)
		}
	}
	return d, nil
}

// apply 把描述写入 Map
func (d descriptor) apply(m *refmap.Map) {
	switch d.kind {
	case refmap.HeapRef:
		m.SetRef(d.loc)
	case refmap.NarrowRef:
		m.SetNarrowRef(d.loc)
	case refmap.CalleeSaved:
		m.SetCalleeSaved(d.loc, d.content)
	case refmap.DerivedRef:
		m.SetDerived(d.loc, d.content)
	}
}

// BuildSet 按描述构造 Set。描述错误作为 error 返回，不触发 panic。
func (m *Method) BuildSet(log *zap.Logger) (*refmap.Set, error) {
	set := refmap.NewSet(log)
	limit := location.Location(location.RegisterCount + m.Slots())
	pcs := make(map[int]bool)
	for _, src := range m.Maps {
		if pcs[src.PC] {
			return nil, fmt.Errorf("pc %d: duplicate safepoint", src.PC)
		}
		pcs[src.PC] = true

		ds := make([]descriptor, 0, len(src.Values))
		kinds := make(map[location.Location]refmap.Kind)
		for _, s := range src.Values {
			d, err := parseDescriptor(s)
			if err != nil {
				return nil, fmt.Errorf("pc %d: %w", src.PC, err)
			}
			if d.loc >= limit {
				return nil, fmt.Errorf("pc %d: %s outside frame of %d slots", src.PC, d.loc, m.Slots())
			}
			if kinds[d.loc] != 0 {
				return nil, fmt.Errorf("pc %d: %s recorded twice", src.PC, d.loc)
			}
			kinds[d.loc] = d.kind
			ds = append(ds, d)
		}

		rm := refmap.NewMap(m.FrameSize, m.ArgCount)
		for _, d := range ds {
			if d.kind == refmap.DerivedRef && d.loc != d.content && kinds[d.content] != refmap.HeapRef {
				return nil, fmt.Errorf("pc %d: base %s of derived %s is not a heap reference", src.PC, d.content, d.loc)
			}
			d.apply(rm)
		}
		set.Add(src.PC, rm)
	}
	return set, nil
}
