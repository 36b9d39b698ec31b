// machine.go - 模拟执行机
//
// Machine 逐条解释汇编器记录的指令清单，不解码字节流。代码装在 CodeBase，
// 运行时的内建代码、运行时函数和反优化入口都在代码之外的固定地址上，
// 控制流到达这些地址时交给宿主钩子处理或停止执行。
//
// 执行在以下情况结束：
//   - 返回到 Run 压入的哨兵地址，结果在 eax
//   - 控制流到达反优化入口，Result.Deopt 给出反优化点与原因
//   - 出错（int3、除零、非法内存访问、未知目标、超过步数上限）

// Package sim 在宿主上模拟执行生成的 IA-32 代码，供测试和调试使用。
package sim

import (
	"errors"
	"fmt"

	"github.com/tangzhangming/lithium/internal/asm/ia32"
	"github.com/tangzhangming/lithium/internal/codegen"
	"github.com/tangzhangming/lithium/internal/deopt"
	"github.com/tangzhangming/lithium/internal/runtime"
)

// 地址布局
const (
	// CodeBase 代码装载地址
	CodeBase uint32 = 0x08000000
	// StackTop 初始栈顶，栈向低地址增长
	StackTop uint32 = 0x0C000000
	// ReturnSentinel Run 压入的返回地址
	ReturnSentinel uint32 = 0x0BAD0000

	defaultMaxSteps = 1 << 20
)

var (
	// ErrTrap 执行到 int3
	ErrTrap = errors.New("sim: breakpoint trap")
	// ErrDivide 除零或商溢出
	ErrDivide = errors.New("sim: divide error")
	// ErrUnknownTarget 控制流到达没有钩子的地址
	ErrUnknownTarget = errors.New("sim: unknown control transfer target")
	// ErrStepLimit 超过步数上限
	ErrStepLimit = errors.New("sim: step limit exceeded")
)

// Hook 模拟代码之外的可调用目标
//
// 调用时返回地址已在 [esp]。钩子返回 ret 时额外弹出的参数字节数。
type Hook func(m *Machine) (argBytes int, err error)

// RuntimeFunc 模拟运行时函数，args 按压栈顺序排列
type RuntimeFunc func(m *Machine, args []uint32) (uint32, error)

// Deopt 触发的反优化
type Deopt struct {
	ID   int
	Type deopt.BailoutType
	// Pc 跳向反优化入口的调用指令偏移
	Pc     int
	Reason deopt.Reason
}

// Result 一次执行的结果
type Result struct {
	EAX   uint32
	Deopt *Deopt
	Steps int
}

// Deoptimized 执行是否以反优化结束
func (r *Result) Deoptimized() bool { return r.Deopt != nil }

// CallRecord 一次对代码之外目标的调用
type CallRecord struct {
	Pc     int
	Target uint32
}

// Machine 模拟执行机
type Machine struct {
	Regs [8]uint32
	// XMM 每个寄存器两个 64 位通道，[0] 为低位
	XMM [8][2]uint64

	CF, PF, ZF, SF, OF bool

	Mem      *Memory
	MaxSteps int

	// Calls 按时间顺序记录的外部调用
	Calls []CallRecord
	// RuntimeCalls 经 CEntry 调用的运行时函数
	RuntimeCalls []runtime.FunctionID
	// ContextSlots 新分配的函数上下文的槽数
	ContextSlots int

	iso      *runtime.Isolate
	code     *codegen.Code
	index    map[int]int
	hooks    map[uint32]Hook
	runtimes map[runtime.FunctionID]RuntimeFunc
	maps     map[runtime.InstanceType]uint32

	pc       int
	lastCall int
	stop     *Deopt
	halted   bool
}

// New 为代码对象创建执行机，并安装默认的内建代码与运行时函数
func New(iso *runtime.Isolate, code *codegen.Code) *Machine {
	m := &Machine{
		Mem:      NewMemory(),
		MaxSteps: defaultMaxSteps,
		iso:      iso,
		code:     code,
		index:    make(map[int]int, len(code.Listing)),
		hooks:    make(map[uint32]Hook),
		runtimes: make(map[runtime.FunctionID]RuntimeFunc),
		lastCall: -1,
	}
	for i, in := range code.Listing {
		if in.Op != ia32.DATA {
			m.index[in.Offset] = i
		}
	}
	m.Regs[ia32.ESP] = StackTop
	m.installDefaults()
	return m
}

// SetHook 安装内建代码钩子
func (m *Machine) SetHook(b runtime.Builtin, h Hook) {
	m.hooks[uint32(m.iso.Builtin(b))] = h
}

// SetHookAt 在任意地址安装钩子
func (m *Machine) SetHookAt(addr uint32, h Hook) {
	m.hooks[addr] = h
}

// SetRuntime 替换运行时函数
func (m *Machine) SetRuntime(id runtime.FunctionID, f RuntimeFunc) {
	m.runtimes[id] = f
}

// Isolate 返回执行机使用的 Isolate
func (m *Machine) Isolate() *runtime.Isolate { return m.iso }

// ============================================================================
// 栈
// ============================================================================

// Push 压入一个字
func (m *Machine) Push(v uint32) error {
	m.Regs[ia32.ESP] -= 4
	return m.Mem.Write32(m.Regs[ia32.ESP], v)
}

// Pop 弹出一个字
func (m *Machine) Pop() (uint32, error) {
	v, err := m.Mem.Read32(m.Regs[ia32.ESP])
	if err != nil {
		return 0, err
	}
	m.Regs[ia32.ESP] += 4
	return v, nil
}

// StackArg 读取钩子的第 i 个栈参数，0 是离返回地址最近的一个
func (m *Machine) StackArg(i int) (uint32, error) {
	return m.Mem.Read32(m.Regs[ia32.ESP] + uint32(4*(i+1)))
}

// ============================================================================
// 执行
// ============================================================================

// Run 从代码偏移 entry 开始执行
//
// 调用者事先压好参数；Run 再压入哨兵返回地址。
func (m *Machine) Run(entry int) (*Result, error) {
	if err := m.Push(ReturnSentinel); err != nil {
		return nil, err
	}
	return m.Enter(entry)
}

// Enter 不压入返回地址，直接从 entry 开始执行
//
// 用于从已经建好的帧中途进入，例如 OSR；帧里的返回地址应是 ReturnSentinel。
func (m *Machine) Enter(entry int) (*Result, error) {
	m.pc = entry
	m.halted, m.stop = false, nil
	steps := 0
	for !m.halted && m.stop == nil {
		if steps >= m.MaxSteps {
			return nil, fmt.Errorf("%w after %d steps at pc %d", ErrStepLimit, steps, m.pc)
		}
		i, ok := m.index[m.pc]
		if !ok {
			return nil, fmt.Errorf("sim: pc %d is not an instruction boundary", m.pc)
		}
		in := &m.code.Listing[i]
		next := in.Offset + in.Size
		m.pc = next
		if err := m.step(in, next); err != nil {
			return nil, fmt.Errorf("sim: pc %d %s: %w", in.Offset, in.String(), err)
		}
		steps++
	}
	return &Result{EAX: m.Regs[ia32.EAX], Deopt: m.stop, Steps: steps}, nil
}

// codeAddr 代码偏移对应的绝对地址
func codeAddr(offset int) uint32 { return CodeBase + uint32(offset) }

func (m *Machine) inCode(addr uint32) bool {
	return addr >= CodeBase && addr < CodeBase+uint32(len(m.code.Instructions))
}

// transfer 把控制流转到绝对地址
func (m *Machine) transfer(addr uint32) error {
	if addr == ReturnSentinel {
		m.halted = true
		return nil
	}
	if m.inCode(addr) {
		m.pc = int(addr - CodeBase)
		return nil
	}
	if id, t, ok := deopt.LookupEntry(m.iso, runtime.Address(addr)); ok {
		d := &Deopt{ID: id, Type: t, Pc: m.lastCall}
		if site, ok := m.code.DeoptSiteAt(m.lastCall); ok {
			d.Reason = site.Reason
		}
		m.stop = d
		return nil
	}
	return fmt.Errorf("%w 0x%08x", ErrUnknownTarget, addr)
}

// call 压入返回地址后转到目标；外部目标交给钩子并立即返回
func (m *Machine) call(pc int, next int, target uint32) error {
	m.lastCall = pc
	if err := m.Push(codeAddr(next)); err != nil {
		return err
	}
	h, ok := m.hooks[target]
	if !ok {
		return m.transfer(target)
	}
	m.Calls = append(m.Calls, CallRecord{Pc: pc, Target: target})
	argBytes, err := h(m)
	if err != nil {
		return err
	}
	ret, err := m.Pop()
	if err != nil {
		return err
	}
	m.Regs[ia32.ESP] += uint32(argBytes)
	return m.transfer(ret)
}

// ============================================================================
// 条件码
// ============================================================================

func (m *Machine) condition(cc ia32.Condition) bool {
	switch cc {
	case ia32.Overflow:
		return m.OF
	case ia32.NoOverflow:
		return !m.OF
	case ia32.Below:
		return m.CF
	case ia32.AboveEqual:
		return !m.CF
	case ia32.Equal:
		return m.ZF
	case ia32.NotEqual:
		return !m.ZF
	case ia32.BelowEqual:
		return m.CF || m.ZF
	case ia32.Above:
		return !m.CF && !m.ZF
	case ia32.Negative:
		return m.SF
	case ia32.Positive:
		return !m.SF
	case ia32.ParityEven:
		return m.PF
	case ia32.ParityOdd:
		return !m.PF
	case ia32.Less:
		return m.SF != m.OF
	case ia32.GreaterEqual:
		return m.SF == m.OF
	case ia32.LessEqual:
		return m.ZF || m.SF != m.OF
	case ia32.Greater:
		return !m.ZF && m.SF == m.OF
	}
	return true
}

// EFLAGS 中的位置
const (
	flagCF = 1 << 0
	flagPF = 1 << 2
	flagZF = 1 << 6
	flagSF = 1 << 7
	flagOF = 1 << 11
	// 第 1 位恒为 1
	flagReserved = 1 << 1
)

func (m *Machine) eflags() uint32 {
	v := uint32(flagReserved)
	for _, f := range []struct {
		set bool
		bit uint32
	}{{m.CF, flagCF}, {m.PF, flagPF}, {m.ZF, flagZF}, {m.SF, flagSF}, {m.OF, flagOF}} {
		if f.set {
			v |= f.bit
		}
	}
	return v
}

func (m *Machine) setEflags(v uint32) {
	m.CF = v&flagCF != 0
	m.PF = v&flagPF != 0
	m.ZF = v&flagZF != 0
	m.SF = v&flagSF != 0
	m.OF = v&flagOF != 0
}

// setResultFlags 按结果设置 ZF SF PF
func (m *Machine) setResultFlags(r uint32, bits uint) {
	mask := uint32(1)<<bits - 1
	if bits == 32 {
		mask = 0xFFFFFFFF
	}
	r &= mask
	m.ZF = r == 0
	m.SF = r>>(bits-1)&1 != 0
	m.PF = parity(uint8(r))
}

func parity(b uint8) bool {
	b ^= b >> 4
	b ^= b >> 2
	b ^= b >> 1
	return b&1 == 0
}
