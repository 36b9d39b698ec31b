package codegen_test

import (
	"errors"
	"math"
	"testing"

	"github.com/tangzhangming/lithium/internal/asm/ia32"
	"github.com/tangzhangming/lithium/internal/codegen"
	"github.com/tangzhangming/lithium/internal/lir"
	"github.com/tangzhangming/lithium/internal/runtime"
	"github.com/tangzhangming/lithium/internal/sim"
)

// setDouble 把 v 放进分配索引 index 对应的 XMM 寄存器低通道
func setDouble(m *sim.Machine, index int, v float64) {
	m.XMM[ia32.XMMFromAllocationIndex(index)][0] = math.Float64bits(v)
}

func doubleAt(m *sim.Machine, index int) float64 {
	return math.Float64frombits(m.XMM[ia32.XMMFromAllocationIndex(index)][0])
}

// callsTo 调用 target 的指令
func callsTo(code *codegen.Code, target uint32) []ia32.Inst {
	var out []ia32.Inst
	for _, in := range code.Listing {
		if in.Op == ia32.CALL && in.Args[0].Kind == ia32.ArgAddr && in.Args[0].Addr == target {
			out = append(out, in)
		}
	}
	return out
}

// ============================================================================
// 双精度比较
// ============================================================================

// compareDoubles B0 比较 xmm1 与 xmm2，B1 返回 1，B2 返回 2
func compareDoubles(op lir.Token, trueBlock, falseBlock int) *lir.Chunk {
	c := newFunction("cmpd", 0)
	startBlock(c, 0)
	c.Add(&lir.Instruction{Op: lir.OpCompareNumericAndBranch, Token: op,
		Inputs:    []lir.Operand{lir.DoubleReg(0), lir.DoubleReg(1)},
		Hydrogen:  &lir.Value{Repr: lir.ReprDouble},
		TrueBlock: trueBlock, FalseBlock: falseBlock})
	for _, v := range []int32{1, 2} {
		startBlock(c, 0)
		c.Add(&lir.Instruction{Op: lir.OpConstantI, Result: lir.Reg(0), Imm: v})
		c.Add(ret())
	}
	return c
}

func TestCompareDoublesNaNTakesFalseBranch(t *testing.T) {
	nan := math.NaN()
	tests := []struct {
		op          lir.Token
		left, right float64
		want        bool
	}{
		{lir.TokenLt, 1, 2, true},
		{lir.TokenLt, 2, 1, false},
		{lir.TokenLt, nan, 1, false},
		{lir.TokenGt, 1, nan, false},
		{lir.TokenGte, 3, 3, true},
		{lir.TokenLte, nan, nan, false},
		{lir.TokenEq, nan, nan, false},
		{lir.TokenEq, math.Copysign(0, -1), 0, true},
	}
	layouts := []struct {
		name              string
		trueBlock, falsey int
	}{
		{"true falls through", 1, 2},
		{"false falls through", 2, 1},
	}
	for _, l := range layouts {
		t.Run(l.name, func(t *testing.T) {
			for _, tt := range tests {
				code, iso := compile(t, compareDoubles(tt.op, l.trueBlock, l.falsey))
				_, res := invoke(t, code, iso, func(m *sim.Machine) []uint32 {
					setDouble(m, 0, tt.left)
					setDouble(m, 1, tt.right)
					return nil
				})
				want := uint32(l.falsey)
				if tt.want {
					want = uint32(l.trueBlock)
				}
				if res.Deoptimized() || res.EAX != want {
					t.Errorf("%v %s %v took block %d, want %d", tt.left, tt.op, tt.right, res.EAX, want)
				}
			}
		})
	}
}

func TestCompareConstantDoublesFolds(t *testing.T) {
	c := newFunction("cmpk", 0)
	startBlock(c, 0)
	c.Add(&lir.Instruction{Op: lir.OpCompareNumericAndBranch, Token: lir.TokenNe,
		Inputs:    []lir.Operand{c.DoubleConstant(math.NaN()), c.DoubleConstant(1)},
		Hydrogen:  &lir.Value{Repr: lir.ReprDouble},
		TrueBlock: 2, FalseBlock: 1})
	for _, v := range []int32{1, 2} {
		startBlock(c, 0)
		c.Add(&lir.Instruction{Op: lir.OpConstantI, Result: lir.Reg(0), Imm: v})
		c.Add(ret())
	}
	code, iso := compile(t, c)
	if n := countOps(code, ia32.UCOMISD); n != 0 {
		t.Errorf("constant comparison emitted ucomisd\n%s", code.Disassemble())
	}
	// NaN != 1 成立
	m, res := invoke(t, code, iso, nil)
	expectReturn(t, m, res, 2)
}

// ============================================================================
// 动态对齐
// ============================================================================

func TestDynamicFrameAlignment(t *testing.T) {
	cfg := codegen.DefaultConfig()
	cfg.DebugCode = true
	tests := []struct {
		name   string
		params int
		slots  int
		padded bool
	}{
		// 哨兵返回地址和接收者之后 esp 是 8 的倍数，需要补一个字
		{"padded", 0, 1, true},
		{"padded with spill area", 0, 3, true},
		{"aligned", 1, 1, false},
		{"aligned with spill area", 1, 3, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newFunction("aligned", tt.params)
			c.Info.UsesDoubles = true
			c.SpillSlotCount = tt.slots
			startBlock(c, 0)
			c.Add(&lir.Instruction{Op: lir.OpConstantI, Result: lir.Reg(0), Imm: 77})
			c.Add(ret())
			code, iso := compile(t, c, codegen.WithConfig(cfg))

			args := make([]int32, tt.params)
			m, res := invoke(t, code, iso, ints(args...))
			expectReturn(t, m, res, 77)

			// 补齐时接收者原来的位置被写入填充标记
			top, err := m.Mem.Read32(sim.StackTop - runtime.PointerSize)
			if err != nil {
				t.Fatal(err)
			}
			if zapped := top == 0x12345678; zapped != tt.padded {
				t.Errorf("word below stack top = %#x, padded = %v", top, tt.padded)
			}
		})
	}
}

func TestNoDynamicAlignmentWithoutDoubles(t *testing.T) {
	c := newFunction("plain", 0)
	c.SpillSlotCount = 1
	startBlock(c, 0)
	c.Add(&lir.Instruction{Op: lir.OpConstantI, Result: lir.Reg(0), Imm: 1})
	c.Add(ret())
	code, iso := compile(t, c)
	m, res := invoke(t, code, iso, nil)
	expectReturn(t, m, res, 1)
	if top, _ := m.Mem.Read32(sim.StackTop - runtime.PointerSize); top != m.Root(runtime.RootUndefined) {
		t.Errorf("receiver slot = %#x, frame was padded", top)
	}
}

// ============================================================================
// OSR
// ============================================================================

// osrFunction OSR 入口之后返回未优化帧中的第一个局部变量
func osrFunction(params int) *lir.Chunk {
	c := newFunction("osr", params)
	c.Info.OSRAstID = 5
	c.Info.UnoptimizedFrameSlots = 1
	c.SpillSlotCount = 2
	env := entryEnv(c)
	env.AstID = 5

	startBlock(c, 0)
	c.Add(&lir.Instruction{Op: lir.OpGoto, Block: 1})
	b := c.StartBlock()
	b.IsOSREntry = true
	c.Add(&lir.Instruction{Op: lir.OpOsrEntry, Env: env})
	c.Add(&lir.Instruction{Op: lir.OpUnknownOSRValue, Result: lir.Slot(1)})
	// 对齐状态占据槽 0，原来的局部变量被移到槽 1
	c.Add(move(lir.Slot(1), lir.Reg(0)))
	c.Add(ret())
	return c
}

// enterOSR 模拟未优化帧：接收者、参数、返回地址、ebp、上下文、函数和一个局部变量
func enterOSR(t *testing.T, code *codegen.Code, iso *runtime.Isolate, params int, local uint32) (*sim.Machine, *sim.Result) {
	t.Helper()
	m := sim.New(iso, code)
	push := func(v uint32) {
		if err := m.Push(v); err != nil {
			t.Fatal(err)
		}
	}
	push(m.Root(runtime.RootUndefined))
	for i := 0; i < params; i++ {
		push(runtime.SmiFromInt(int32(i)))
	}
	push(sim.ReturnSentinel)
	push(sim.StackTop)
	m.Regs[ia32.EBP] = m.Regs[ia32.ESP]
	push(0)
	push(testClosure)
	push(local)

	res, err := m.Enter(code.DeoptData.OSRPcOffset)
	if err != nil {
		t.Fatalf("Enter() error = %v\n%s", err, code.Disassemble())
	}
	return m, res
}

func TestOsrEntry(t *testing.T) {
	for _, tt := range []struct {
		params int
		padded bool
	}{
		// ebp 落在 8 字节边界之外时整帧下移一个字
		{0, true},
		{1, false},
	} {
		code, iso := compile(t, osrFunction(tt.params))
		data := code.DeoptData
		if data == nil || data.OSRAstID != 5 || data.OSRPcOffset < 0 {
			t.Fatalf("osr deopt data = %+v", data)
		}
		// 入口序言一个对齐循环；OsrEntry 与 UnknownOSRValue 共用一个 OSR 序言
		if n := countOps(code, ia32.DEC); n != 2 {
			t.Errorf("params %d: alignment loops = %d, want 2", tt.params, n)
		}

		local := runtime.SmiFromInt(42)
		m, res := enterOSR(t, code, iso, tt.params, local)
		expectReturn(t, m, res, local)
		if m.Regs[ia32.EBP] != sim.StackTop {
			t.Errorf("params %d: ebp = %#x after return, want caller's", tt.params, m.Regs[ia32.EBP])
		}
		top, _ := m.Mem.Read32(sim.StackTop - runtime.PointerSize)
		if zapped := top == 0x12345678; zapped != tt.padded {
			t.Errorf("params %d: word below stack top = %#x, padded = %v", tt.params, top, tt.padded)
		}
	}
}

func TestOsrNeedsExtraSlot(t *testing.T) {
	c := osrFunction(0)
	c.SpillSlotCount = 1
	_, err := codegen.Generate(c, runtime.NewIsolate())
	var abort *codegen.AbortError
	if !errors.As(err, &abort) || abort.Reason != codegen.OSREntryNotFound {
		t.Errorf("Generate() error = %v, want osr entry abort", err)
	}
}

// ============================================================================
// 惰性反优化补丁空间
// ============================================================================

func TestLazyDeoptPatchSpace(t *testing.T) {
	const callee = 0x02000001
	c := newFunction("calls", 0)
	c.Info.HasNonDeferredCalls = true
	target := c.ObjectConstant(callee)
	startBlock(c, 0)
	for i := 0; i < 2; i++ {
		env := entryEnv(c)
		env.AstID = 2 + i
		c.Add(&lir.Instruction{Op: lir.OpCallWithDescriptor, Result: lir.Reg(0),
			Inputs: []lir.Operand{target}, Pointers: lir.NewPointerMap()})
		c.Add(&lir.Instruction{Op: lir.OpLazyBailout, Env: env})
	}
	c.Add(ret())
	code, iso := compile(t, c)

	entry := uint32(callee + runtime.CodeHeaderSize - runtime.HeapObjectTag)
	calls := callsTo(code, entry)
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2\n%s", len(calls), code.Disassemble())
	}
	entries := code.DeoptData.Entries
	if len(entries) != 2 {
		t.Fatalf("deopt entries = %d", len(entries))
	}
	for i, e := range entries {
		if want := calls[i].Offset + calls[i].Size; e.Pc != want {
			t.Errorf("lazy pc %d = %d, want return address %d", i, e.Pc, want)
		}
	}
	// 第二次调用紧跟第一个惰性点，中间必须填充
	if gap := calls[1].Offset - entries[0].Pc; gap < ia32.PatchSize {
		t.Errorf("second call starts %d bytes after lazy pc, want >= %d\n%s", gap, ia32.PatchSize, code.Disassemble())
	}
	padded := false
	for _, in := range code.Listing {
		if in.Op == ia32.NOP && in.Offset >= entries[0].Pc && in.Offset < calls[1].Offset {
			padded = true
		}
	}
	if !padded {
		t.Errorf("no padding between lazy pc and next call\n%s", code.Disassemble())
	}
	if last := entries[1].Pc; last+ia32.PatchSize > code.SafepointTableOffset {
		t.Errorf("lazy pc %d too close to safepoint table at %d", last, code.SafepointTableOffset)
	}

	m, res := invoke(t, code, iso, func(m *sim.Machine) []uint32 {
		m.SetHookAt(entry, func(m *sim.Machine) (int, error) {
			m.Regs[ia32.EAX] = runtime.SmiFromInt(int32(len(m.Calls)))
			return 0, nil
		})
		return nil
	})
	expectReturn(t, m, res, runtime.SmiFromInt(2))
}

func TestStubSkipsLazyDeoptPadding(t *testing.T) {
	const callee = 0x02000001
	c := lir.NewChunk("stub", 0)
	c.Info.IsStub = true
	c.Info.HasNonDeferredCalls = true
	target := c.ObjectConstant(callee)
	c.StartBlock()
	c.Add(&lir.Instruction{Op: lir.OpCallWithDescriptor, Result: lir.Reg(0),
		Inputs: []lir.Operand{target}, Pointers: lir.NewPointerMap()})
	c.Add(&lir.Instruction{Op: lir.OpCallWithDescriptor, Result: lir.Reg(0),
		Inputs: []lir.Operand{target}, Pointers: lir.NewPointerMap()})
	c.Add(ret())
	code, _ := compile(t, c)
	if n := countOps(code, ia32.NOP); n != 0 {
		t.Errorf("stub emitted %d nops\n%s", n, code.Disassemble())
	}
}
