// Package derived 实现派生指针表。
//
// 派生指针 = 基址引用 + 常量偏移。根扫描期间把派生槽改写为指向基址槽，
// 并记下偏移；对象移动完成后 ApplyRelocations 用基址的新值加偏移恢复派生指针。
//
// 一个 Table 只服务一个回收周期:
//
//	Activate -> Record... (可并发) -> ApplyRelocations（清空并停用）
package derived

import (
	"sync"
	"unsafe"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// entry 一条待修正的派生指针
type entry struct {
	loc    *uintptr // 派生指针所在槽（扫描期间指向基址槽）
	offset uintptr  // 派生值 - 基址值
}

// Table 派生指针表
type Table struct {
	mu      sync.Mutex
	entries []entry
	active  atomic.Bool

	trace bool
	log   *zap.Logger
}

// NewTable 创建派生指针表，trace 为 true 时记录每次登记和修正
func NewTable(log *zap.Logger, trace bool) *Table {
	if log == nil {
		log = zap.NewNop()
	}
	return &Table{
		entries: make([]entry, 0, 10),
		trace:   trace,
		log:     log,
	}
}

// Activate 开始一个回收周期，重复激活是致命错误
func (t *Table) Activate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.entries) != 0 {
		panic("derived: table not empty; ApplyRelocations was not called after last cycle")
	}
	if !t.active.CompareAndSwap(false, true) {
		panic("derived: table already active")
	}
}

// Active 是否处于回收周期中
func (t *Table) Active() bool {
	return t.active.Load()
}

// Len 已登记条目数
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Record 登记派生指针 derivedLoc，其基址位于 baseLoc。
// 派生槽被改写为基址槽的地址。
func (t *Table) Record(derivedLoc, baseLoc *uintptr) {
	if !t.active.Load() {
		panic("derived: record on inactive table")
	}
	if derivedLoc == baseLoc {
		panic("derived: base and derived in same location")
	}
	baseAddr := uintptr(unsafe.Pointer(baseLoc))
	if *derivedLoc == baseAddr {
		panic("derived: location already added")
	}

	offset := *derivedLoc - *baseLoc
	if t.trace {
		t.log.Debug("add derived pointer",
			zap.Uintptr("at", uintptr(unsafe.Pointer(derivedLoc))),
			zap.Uintptr("derived", *derivedLoc),
			zap.Uintptr("base", *baseLoc),
			zap.Uintptr("base_at", baseAddr),
			zap.Int64("offset", int64(offset)))
	}

	t.mu.Lock()
	*derivedLoc = baseAddr
	t.entries = append(t.entries, entry{loc: derivedLoc, offset: offset})
	t.mu.Unlock()
}

// VisitDerived 作为根扫描的派生指针访问器
func (t *Table) VisitDerived(base, derivedLoc *uintptr) {
	t.Record(derivedLoc, base)
}

// ApplyRelocations 用基址槽的当前值加偏移恢复每个派生指针，然后清空并停用
func (t *Table) ApplyRelocations() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, e := range t.entries {
		baseLoc := (*uintptr)(unsafe.Pointer(*e.loc))
		base := *baseLoc
		*e.loc = base + e.offset

		if t.trace {
			t.log.Debug("update derived pointer",
				zap.Uintptr("at", uintptr(unsafe.Pointer(e.loc))),
				zap.Uintptr("derived", *e.loc),
				zap.Uintptr("base", base),
				zap.Int64("offset", int64(e.offset)))
		}
		t.entries[i] = entry{}
	}
	t.entries = t.entries[:0]
	t.active.Store(false)
}
