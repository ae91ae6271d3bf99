package refmap

// StubGenerator 为一个 ImmutableMap 生成快速路径机器码的外部生成器
type StubGenerator interface {
	// Generate 生成代码，失败时返回错误
	Generate() error

	// FreezeStub 成功后冻结入口地址
	FreezeStub() uintptr

	// ThawStub 成功后解冻入口地址
	ThawStub() uintptr

	// Release 失败后释放生成器占用的资源
	Release()
}

// StubFactory 为 Map 构造生成器
type StubFactory func(m *ImmutableMap) StubGenerator

// StubStatus 快速路径状态
type StubStatus int

const (
	StubUnset      StubStatus = iota // 尚未请求
	StubInProgress                   // 有线程正在生成
	StubFailed                       // 生成失败，永久使用解码路径
	StubReady                        // 入口地址可用
)

// String 返回状态名称
func (s StubStatus) String() string {
	switch s {
	case StubUnset:
		return "unset"
	case StubInProgress:
		return "in-progress"
	case StubFailed:
		return "failed"
	case StubReady:
		return "ready"
	}
	return "unknown"
}

// stubState 通过单个原子指针发布的快速路径状态
type stubState struct {
	status StubStatus
	freeze uintptr
	thaw   uintptr
	err    error
}

// stubInProgress 生成中的哨兵
var stubInProgress = &stubState{status: StubInProgress}

// GenerateStub 首次调用时尝试生成快速路径。
// 只有赢得 CAS 的调用者会调用生成器；其余调用者立即返回，不等待。
// 失败不重试。
func (m *ImmutableMap) GenerateStub(factory StubFactory) {
	if m.stub.Load() != nil {
		return
	}
	if !m.stub.CompareAndSwap(nil, stubInProgress) {
		return
	}

	gen := factory(m)
	if err := gen.Generate(); err != nil {
		m.stub.Store(&stubState{status: StubFailed, err: err})
		gen.Release()
		return
	}
	m.stub.Store(&stubState{
		status: StubReady,
		freeze: gen.FreezeStub(),
		thaw:   gen.ThawStub(),
	})
}

// Stubs 返回快速路径入口；ok 为 false 时调用者必须使用解码路径
func (m *ImmutableMap) Stubs() (freeze, thaw uintptr, ok bool) {
	st := m.stub.Load()
	if st == nil || st.status != StubReady {
		return 0, 0, false
	}
	return st.freeze, st.thaw, true
}

// StubStatus 当前快速路径状态
func (m *ImmutableMap) StubStatus() StubStatus {
	st := m.stub.Load()
	if st == nil {
		return StubUnset
	}
	return st.status
}

// StubError 生成失败的原因
func (m *ImmutableMap) StubError() error {
	if st := m.stub.Load(); st != nil {
		return st.err
	}
	return nil
}
