package codegen_test

import (
	"errors"
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tangzhangming/lithium/internal/asm/ia32"
	"github.com/tangzhangming/lithium/internal/codegen"
	"github.com/tangzhangming/lithium/internal/deopt"
	"github.com/tangzhangming/lithium/internal/lir"
	"github.com/tangzhangming/lithium/internal/runtime"
	"github.com/tangzhangming/lithium/internal/sim"
)

// ============================================================================
// 测试辅助
// ============================================================================

const testClosure = 0x01000101

// newFunction 创建有 params 个形参的 JS 函数
func newFunction(name string, params int) *lir.Chunk {
	c := lir.NewChunk(name, params)
	c.Info.Closure = testClosure
	return c
}

// entryEnv 函数入口处的环境：接收者和全部形参
func entryEnv(c *lir.Chunk) *lir.Environment {
	n := c.ParameterCount + 1
	env := &lir.Environment{
		Closure:         testClosure,
		FrameType:       lir.FrameJSFunction,
		AstID:           1,
		ParameterCount:  n,
		TranslationSize: n,
		Values:          make([]lir.Operand, n),
		Tagged:          make([]bool, n),
	}
	for i := 0; i < n; i++ {
		env.Values[i] = lir.Slot(c.ParameterStackSlot(i))
		env.Tagged[i] = true
	}
	return env
}

// startBlock 开始新块，并在块首把形参 1..n 依次载入分配索引 0..n-1 的寄存器
func startBlock(c *lir.Chunk, load int) {
	b := c.StartBlock()
	if load == 0 {
		return
	}
	moves := c.Label(b.ID).GetMove(lir.GapBefore)
	for i := 1; i <= load; i++ {
		moves.Add(lir.Slot(c.ParameterStackSlot(i)), lir.Reg(i-1))
	}
}

func move(from, to lir.Operand) *lir.Instruction {
	gap := &lir.Instruction{Op: lir.OpGap}
	gap.GetMove(lir.GapBefore).Add(from, to)
	return gap
}

func ret() *lir.Instruction {
	return &lir.Instruction{Op: lir.OpReturn, Inputs: []lir.Operand{lir.Reg(0)}}
}

func int32Value(flags lir.Flag) *lir.Value {
	return &lir.Value{Repr: lir.ReprInteger32, Flags: flags}
}

func compile(t *testing.T, c *lir.Chunk, opts ...codegen.Option) (*codegen.Code, *runtime.Isolate) {
	t.Helper()
	iso := runtime.NewIsolate()
	code, err := codegen.Generate(c, iso, opts...)
	if err != nil {
		t.Fatalf("Generate(%s) error = %v", c.Info.Name, err)
	}
	return code, iso
}

// invoke 压入接收者和参数后从入口执行；args 在执行机创建后求值
func invoke(t *testing.T, code *codegen.Code, iso *runtime.Isolate, args func(m *sim.Machine) []uint32) (*sim.Machine, *sim.Result) {
	t.Helper()
	m := sim.New(iso, code)
	m.Regs[ia32.EBP] = sim.StackTop
	var values []uint32
	if args != nil {
		values = args(m)
	}
	if err := m.Push(m.Root(runtime.RootUndefined)); err != nil {
		t.Fatal(err)
	}
	for _, v := range values {
		if err := m.Push(v); err != nil {
			t.Fatal(err)
		}
	}
	res, err := m.Run(0)
	if err != nil {
		t.Fatalf("Run() error = %v\n%s", err, code.Disassemble())
	}
	return m, res
}

func ints(vs ...int32) func(*sim.Machine) []uint32 {
	return func(*sim.Machine) []uint32 {
		out := make([]uint32, len(vs))
		for i, v := range vs {
			out[i] = uint32(v)
		}
		return out
	}
}

// expectReturn 正常返回并且参数全部弹出
func expectReturn(t *testing.T, m *sim.Machine, res *sim.Result, want uint32) {
	t.Helper()
	if res.Deoptimized() {
		t.Fatalf("deoptimized with %s, want return %#x", res.Deopt.Reason, want)
	}
	if res.EAX != want {
		t.Errorf("eax = %#x, want %#x", res.EAX, want)
	}
	if m.Regs[ia32.ESP] != sim.StackTop {
		t.Errorf("esp = %#x after return, want %#x", m.Regs[ia32.ESP], sim.StackTop)
	}
}

func expectDeopt(t *testing.T, res *sim.Result, reason deopt.Reason, bailout deopt.BailoutType) {
	t.Helper()
	if !res.Deoptimized() {
		t.Fatalf("returned %#x, want deopt %s", res.EAX, reason)
	}
	if res.Deopt.Reason != reason {
		t.Errorf("deopt reason = %s, want %s", res.Deopt.Reason, reason)
	}
	if res.Deopt.Type != bailout {
		t.Errorf("bailout type = %s, want %s", res.Deopt.Type, bailout)
	}
}

func countOps(code *codegen.Code, op ia32.Mnemonic) int {
	n := 0
	for _, in := range code.Listing {
		if in.Op == op {
			n++
		}
	}
	return n
}

// ============================================================================
// 整数运算
// ============================================================================

func addFunction(flags lir.Flag) *lir.Chunk {
	c := newFunction("add", 2)
	env := entryEnv(c)
	startBlock(c, 2)
	c.Add(&lir.Instruction{
		Op:       lir.OpAddI,
		Result:   lir.Reg(0),
		Inputs:   []lir.Operand{lir.Reg(0), lir.Reg(1)},
		Hydrogen: int32Value(flags),
		Env:      env,
	})
	c.Add(ret())
	return c
}

func TestAddIOverflowDeoptimizes(t *testing.T) {
	code, iso := compile(t, addFunction(lir.FlagCanOverflow))

	m, res := invoke(t, code, iso, ints(40, 2))
	expectReturn(t, m, res, 42)

	for _, args := range [][2]int32{{math.MaxInt32, 1}, {math.MinInt32, -1}} {
		_, res := invoke(t, code, iso, ints(args[0], args[1]))
		expectDeopt(t, res, deopt.ReasonOverflow, deopt.Eager)
		if res.Deopt.ID != 0 {
			t.Errorf("deopt id = %d, want 0", res.Deopt.ID)
		}
	}

	if n := code.DeoptData.DeoptCount(); n != 1 {
		t.Fatalf("deopt entries = %d, want 1", n)
	}
	if pc := code.DeoptData.Entries[0].Pc; pc != -1 {
		t.Errorf("eager entry pc = %d, want -1", pc)
	}
}

func TestAddIWithoutOverflowCheckWraps(t *testing.T) {
	code, iso := compile(t, addFunction(0))
	if code.DeoptData != nil {
		t.Errorf("unexpected deopt data: %d entries", code.DeoptData.DeoptCount())
	}
	m, res := invoke(t, code, iso, ints(math.MaxInt32, 1))
	expectReturn(t, m, res, 0x80000000)
}

// TestAddIDistinctResultKeepsOverflowCheck 结果寄存器与左操作数不同时仍检查溢出
func TestAddIDistinctResultKeepsOverflowCheck(t *testing.T) {
	build := func(result int, flags lir.Flag) *lir.Chunk {
		c := newFunction("add3addr", 2)
		env := entryEnv(c)
		startBlock(c, 2)
		c.Add(&lir.Instruction{Op: lir.OpAddI, Result: lir.Reg(result),
			Inputs: []lir.Operand{lir.Reg(0), lir.Reg(1)}, Hydrogen: int32Value(flags), Env: env})
		c.Add(move(lir.Reg(result), lir.Reg(0)))
		c.Add(ret())
		return c
	}

	for _, tt := range []struct {
		name   string
		result int
	}{
		{"fresh register", 2},
		{"right operand", 1},
	} {
		t.Run(tt.name, func(t *testing.T) {
			code, iso := compile(t, build(tt.result, lir.FlagCanOverflow))
			if n := countOps(code, ia32.LEA); n != 0 {
				t.Errorf("overflow-checked add uses lea\n%s", code.Disassemble())
			}
			m, res := invoke(t, code, iso, ints(40, 2))
			expectReturn(t, m, res, 42)
			for _, args := range [][2]int32{{math.MaxInt32, 1}, {math.MinInt32, -1}} {
				_, res := invoke(t, code, iso, ints(args[0], args[1]))
				expectDeopt(t, res, deopt.ReasonOverflow, deopt.Eager)
			}
		})
	}

	t.Run("unchecked", func(t *testing.T) {
		code, iso := compile(t, build(2, 0))
		if n := countOps(code, ia32.LEA); n != 1 {
			t.Errorf("lea count = %d, want 1\n%s", n, code.Disassemble())
		}
		m, res := invoke(t, code, iso, ints(math.MaxInt32, 1))
		expectReturn(t, m, res, 0x80000000)
	})
}

// ============================================================================
// 除法
// ============================================================================

func TestDivisionByZeroDeoptimizes(t *testing.T) {
	divFlags := lir.FlagCanBeDivByZero | lir.FlagCanOverflow
	tests := []struct {
		name  string
		build func(c *lir.Chunk, env *lir.Environment)
		args  [2]int32
		want  int32
	}{
		{"div-i", func(c *lir.Chunk, env *lir.Environment) {
			c.Add(&lir.Instruction{Op: lir.OpDivI, Result: lir.Reg(0),
				Inputs: []lir.Operand{lir.Reg(0), lir.Reg(1)}, Temps: []lir.Operand{lir.Reg(2)},
				Hydrogen: int32Value(divFlags), Env: env})
		}, [2]int32{-12, 4}, -3},
		{"flooring-div-i", func(c *lir.Chunk, env *lir.Environment) {
			c.Add(&lir.Instruction{Op: lir.OpFlooringDivI, Result: lir.Reg(0),
				Inputs: []lir.Operand{lir.Reg(0), lir.Reg(1)}, Temps: []lir.Operand{lir.Reg(2)},
				Hydrogen: int32Value(divFlags), Env: env})
		}, [2]int32{-7, 2}, -4},
		{"mod-i", func(c *lir.Chunk, env *lir.Environment) {
			c.Add(&lir.Instruction{Op: lir.OpModI, Result: lir.Reg(2),
				Inputs:   []lir.Operand{lir.Reg(0), lir.Reg(1)},
				Hydrogen: int32Value(divFlags), Env: env})
			c.Add(move(lir.Reg(2), lir.Reg(0)))
		}, [2]int32{-7, 3}, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newFunction(tt.name, 2)
			env := entryEnv(c)
			startBlock(c, 2)
			tt.build(c, env)
			c.Add(ret())
			code, iso := compile(t, c)

			m, res := invoke(t, code, iso, ints(tt.args[0], tt.args[1]))
			expectReturn(t, m, res, uint32(tt.want))

			_, res = invoke(t, code, iso, ints(tt.args[0], 0))
			expectDeopt(t, res, deopt.ReasonDivisionByZero, deopt.Eager)
		})
	}
}

func TestDivIMinIntByMinusOneDeoptimizes(t *testing.T) {
	c := newFunction("div", 2)
	env := entryEnv(c)
	startBlock(c, 2)
	c.Add(&lir.Instruction{Op: lir.OpDivI, Result: lir.Reg(0),
		Inputs: []lir.Operand{lir.Reg(0), lir.Reg(1)}, Temps: []lir.Operand{lir.Reg(2)},
		Hydrogen: int32Value(lir.FlagCanOverflow), Env: env})
	c.Add(ret())
	code, iso := compile(t, c)

	_, res := invoke(t, code, iso, ints(math.MinInt32, -1))
	expectDeopt(t, res, deopt.ReasonOverflow, deopt.Eager)

	// 不能整除时结果不是 int32
	_, res = invoke(t, code, iso, ints(7, 2))
	expectDeopt(t, res, deopt.ReasonLostPrecision, deopt.Eager)
}

func TestConstantZeroDivisorDeoptimizesUnconditionally(t *testing.T) {
	for _, op := range []lir.Opcode{lir.OpDivByConstI, lir.OpDivByPowerOf2I, lir.OpModByConstI, lir.OpModByPowerOf2I, lir.OpFlooringDivByConstI} {
		t.Run(op.String(), func(t *testing.T) {
			c := newFunction("div0", 1)
			env := entryEnv(c)
			startBlock(c, 0)
			c.Add(move(lir.Slot(c.ParameterStackSlot(1)), lir.Reg(1)))
			c.Add(&lir.Instruction{Op: op, Result: lir.Reg(2), Inputs: []lir.Operand{lir.Reg(1)},
				Temps: []lir.Operand{lir.Reg(3)}, Imm: 0, Hydrogen: int32Value(0), Env: env})
			c.Add(move(lir.Reg(2), lir.Reg(0)))
			c.Add(ret())
			code, iso := compile(t, c)

			_, res := invoke(t, code, iso, ints(9))
			expectDeopt(t, res, deopt.ReasonDivisionByZero, deopt.Eager)
		})
	}
}

func TestDivByConstI(t *testing.T) {
	tests := []struct {
		divisor  int32
		dividend int32
		want     int32
		deopt    bool
	}{
		{3, 9, 3, false},
		{3, -9, -3, false},
		{7, 700, 100, false},
		{-5, 25, -5, false},
		{3, 10, 0, true},
	}
	for _, tt := range tests {
		c := newFunction("divc", 1)
		env := entryEnv(c)
		startBlock(c, 0)
		c.Add(move(lir.Slot(c.ParameterStackSlot(1)), lir.Reg(1)))
		c.Add(&lir.Instruction{Op: lir.OpDivByConstI, Result: lir.Reg(2), Inputs: []lir.Operand{lir.Reg(1)},
			Imm: tt.divisor, Hydrogen: int32Value(0), Env: env})
		c.Add(move(lir.Reg(2), lir.Reg(0)))
		c.Add(ret())
		code, iso := compile(t, c)

		m, res := invoke(t, code, iso, ints(tt.dividend))
		if tt.deopt {
			expectDeopt(t, res, deopt.ReasonLostPrecision, deopt.Eager)
			continue
		}
		expectReturn(t, m, res, uint32(tt.want))
	}
}

// ============================================================================
// 分支
// ============================================================================

// branchFunction B0 按参数分支到 B1 或 B2，B1 返回 1，B2 返回 2
func branchFunction(trueBlock, falseBlock int) *lir.Chunk {
	c := newFunction("branch", 1)
	startBlock(c, 1)
	c.Add(&lir.Instruction{Op: lir.OpBranch, Inputs: []lir.Operand{lir.Reg(0)},
		Hydrogen: int32Value(0), TrueBlock: trueBlock, FalseBlock: falseBlock})
	for _, v := range []int32{1, 2} {
		startBlock(c, 0)
		c.Add(&lir.Instruction{Op: lir.OpConstantI, Result: lir.Reg(0), Imm: v})
		c.Add(ret())
	}
	return c
}

func TestBranchEmission(t *testing.T) {
	tests := []struct {
		name              string
		trueBlock         int
		falseBlock        int
		jumps, condJumps  int
		onZero, onNonZero uint32
	}{
		{"same target", 2, 2, 1, 0, 2, 2},
		{"true falls through", 1, 2, 0, 1, 2, 1},
		{"false falls through", 2, 1, 0, 1, 1, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, iso := compile(t, branchFunction(tt.trueBlock, tt.falseBlock))
			if n := countOps(code, ia32.JMP); n != tt.jumps {
				t.Errorf("jmp count = %d, want %d\n%s", n, tt.jumps, code.Disassemble())
			}
			if n := countOps(code, ia32.JCC); n != tt.condJumps {
				t.Errorf("jcc count = %d, want %d\n%s", n, tt.condJumps, code.Disassemble())
			}
			m, res := invoke(t, code, iso, ints(0))
			expectReturn(t, m, res, tt.onZero)
			m, res = invoke(t, code, iso, ints(5))
			expectReturn(t, m, res, tt.onNonZero)
		})
	}
}

func TestReplacedBlockIsSkipped(t *testing.T) {
	c := newFunction("goto", 0)
	startBlock(c, 0)
	c.Add(&lir.Instruction{Op: lir.OpGoto, Block: 1})
	startBlock(c, 0)
	c.Add(&lir.Instruction{Op: lir.OpGoto, Block: 2})
	startBlock(c, 0)
	c.Add(&lir.Instruction{Op: lir.OpConstantI, Result: lir.Reg(0), Imm: 7})
	c.Add(ret())
	c.Blocks[1].Replacement = 2

	code, iso := compile(t, c)
	if n := countOps(code, ia32.JMP); n != 0 {
		t.Errorf("jmp count = %d, want 0\n%s", n, code.Disassemble())
	}
	m, res := invoke(t, code, iso, nil)
	expectReturn(t, m, res, 7)
}

// ============================================================================
// 检查
// ============================================================================

func TestBoundsCheck(t *testing.T) {
	build := func(allowEquality bool) *lir.Chunk {
		c := newFunction("bounds", 2)
		env := entryEnv(c)
		startBlock(c, 2)
		c.Add(&lir.Instruction{Op: lir.OpBoundsCheck, Inputs: []lir.Operand{lir.Reg(0), lir.Reg(1)},
			Keyed: lir.KeyedAccess{KeyRepr: lir.ReprInteger32}, Check: lir.CheckInfo{AllowEquality: allowEquality},
			Env: env})
		c.Add(ret())
		return c
	}

	code, iso := compile(t, build(false))
	m, res := invoke(t, code, iso, ints(2, 3))
	expectReturn(t, m, res, 2)
	for _, index := range []int32{3, 4, -1} {
		_, res := invoke(t, code, iso, ints(index, 3))
		expectDeopt(t, res, deopt.ReasonOutOfBounds, deopt.Eager)
	}

	code, iso = compile(t, build(true))
	m, res = invoke(t, code, iso, ints(3, 3))
	expectReturn(t, m, res, 3)
}

func TestBoundsCheckConstantIndex(t *testing.T) {
	c := newFunction("bounds", 1)
	env := entryEnv(c)
	startBlock(c, 1)
	index := c.Int32Constant(3)
	c.Add(&lir.Instruction{Op: lir.OpBoundsCheck, Inputs: []lir.Operand{index, lir.Reg(0)},
		Keyed: lir.KeyedAccess{KeyRepr: lir.ReprInteger32}, Env: env})
	c.Add(ret())
	code, iso := compile(t, c)

	m, res := invoke(t, code, iso, ints(4))
	expectReturn(t, m, res, 4)
	_, res = invoke(t, code, iso, ints(3))
	expectDeopt(t, res, deopt.ReasonOutOfBounds, deopt.Eager)
}

// ============================================================================
// 跳转表
// ============================================================================

// tripleAdd 连续三次 eax += ecx；shared 为真时三个守卫共用一个环境
func tripleAdd(shared bool) *lir.Chunk {
	c := newFunction("add3", 2)
	env := entryEnv(c)
	startBlock(c, 2)
	for i := 0; i < 3; i++ {
		e := env
		if !shared {
			e = entryEnv(c)
			e.AstID = 10 + i
		}
		c.Add(&lir.Instruction{Op: lir.OpAddI, Result: lir.Reg(0),
			Inputs: []lir.Operand{lir.Reg(0), lir.Reg(1)}, Hydrogen: int32Value(lir.FlagCanOverflow), Env: e})
	}
	c.Add(ret())
	return c
}

func TestIdenticalGuardsShareJumpTableEntry(t *testing.T) {
	metrics := codegen.NewMetrics(prometheus.NewRegistry())
	code, iso := compile(t, tripleAdd(true), codegen.WithMetrics(metrics))

	if n := len(code.DeoptSites); n != 1 {
		t.Errorf("jump table entries = %d, want 1\n%s", n, code.Disassemble())
	}
	if n := code.DeoptData.DeoptCount(); n != 1 {
		t.Errorf("deopt entries = %d, want 1", n)
	}
	if n := countOps(code, ia32.JCC); n != 3 {
		t.Errorf("jcc count = %d, want 3", n)
	}
	if v := testutil.ToFloat64(metrics.JumpTableEntries); v != 1 {
		t.Errorf("jump table metric = %v, want 1", v)
	}
	if v := testutil.ToFloat64(metrics.DeoptGuards.WithLabelValues("overflow", "eager")); v != 3 {
		t.Errorf("guard metric = %v, want 3", v)
	}
	if v := testutil.ToFloat64(metrics.Compilations.WithLabelValues("success")); v != 1 {
		t.Errorf("compilations metric = %v, want 1", v)
	}

	m, res := invoke(t, code, iso, ints(1, 2))
	expectReturn(t, m, res, 7)
	// 第二次加法溢出
	_, res = invoke(t, code, iso, ints(math.MaxInt32-3, 2))
	expectDeopt(t, res, deopt.ReasonOverflow, deopt.Eager)
}

func TestJumpTableEntriesNotSharedWhenTracing(t *testing.T) {
	cfg := codegen.DefaultConfig()
	cfg.TraceDeopt = true
	code, _ := compile(t, tripleAdd(true), codegen.WithConfig(cfg))
	if n := len(code.DeoptSites); n != 3 {
		t.Errorf("jump table entries = %d, want 3", n)
	}
	if n := code.DeoptData.DeoptCount(); n != 1 {
		t.Errorf("deopt entries = %d, want 1", n)
	}
}

func TestDistinctEnvironmentsGetDistinctEntries(t *testing.T) {
	code, iso := compile(t, tripleAdd(false))
	if n := code.DeoptData.DeoptCount(); n != 3 {
		t.Fatalf("deopt entries = %d, want 3", n)
	}
	if n := len(code.DeoptSites); n != 3 {
		t.Errorf("jump table entries = %d, want 3", n)
	}
	for i, e := range code.DeoptData.Entries {
		if e.AstID != 10+i {
			t.Errorf("entry %d ast id = %d, want %d", i, e.AstID, 10+i)
		}
	}
	// 第三次加法溢出
	_, res := invoke(t, code, iso, ints(math.MaxInt32-4, 2))
	expectDeopt(t, res, deopt.ReasonOverflow, deopt.Eager)
	if res.Deopt.ID != 2 {
		t.Errorf("deopt id = %d, want 2", res.Deopt.ID)
	}
}

func TestFramelessStubDeoptBuildsFrame(t *testing.T) {
	c := addFunction(lir.FlagCanOverflow)
	c.Info.IsStub = true
	code, iso := compile(t, c)
	if len(code.NoFrameRanges) != 0 {
		t.Errorf("frameless stub recorded no-frame ranges %v", code.NoFrameRanges)
	}
	if n := countOps(code, ia32.PUSH); n == 0 {
		t.Errorf("stub jump table pushes no entry address\n%s", code.Disassemble())
	}

	m, res := invoke(t, code, iso, ints(1, 2))
	expectReturn(t, m, res, 3)
	_, res = invoke(t, code, iso, ints(math.MaxInt32, 1))
	expectDeopt(t, res, deopt.ReasonOverflow, deopt.Lazy)
}

// ============================================================================
// 空洞
// ============================================================================

func TestLoadKeyedHole(t *testing.T) {
	build := func(mode lir.HoleMode) *lir.Chunk {
		c := newFunction("load", 2)
		env := entryEnv(c)
		startBlock(c, 2)
		c.Add(&lir.Instruction{Op: lir.OpLoadKeyed, Result: lir.Reg(0), Inputs: []lir.Operand{lir.Reg(0), lir.Reg(1)},
			Keyed: lir.KeyedAccess{
				Kind:       lir.FastHoleyElements,
				BaseOffset: runtime.FixedArrayHeaderSize - runtime.HeapObjectTag,
				KeyRepr:    lir.ReprInteger32,
				HoleMode:   mode,
			},
			Env: env})
		c.Add(ret())
		return c
	}
	array := func(t *testing.T, key int32) func(m *sim.Machine) []uint32 {
		return func(m *sim.Machine) []uint32 {
			arr, err := m.NewFixedArray([]uint32{runtime.SmiFromInt(5), m.Root(runtime.RootTheHole)})
			if err != nil {
				t.Fatal(err)
			}
			return []uint32{arr, uint32(key)}
		}
	}

	t.Run("convert to undefined", func(t *testing.T) {
		code, iso := compile(t, build(lir.HoleConvertToUndefined))
		m, res := invoke(t, code, iso, array(t, 0))
		expectReturn(t, m, res, runtime.SmiFromInt(5))
		m, res = invoke(t, code, iso, array(t, 1))
		expectReturn(t, m, res, m.Root(runtime.RootUndefined))
	})
	t.Run("deoptimize", func(t *testing.T) {
		code, iso := compile(t, build(lir.HoleDeopt))
		m, res := invoke(t, code, iso, array(t, 0))
		expectReturn(t, m, res, runtime.SmiFromInt(5))
		_, res = invoke(t, code, iso, array(t, 1))
		expectDeopt(t, res, deopt.ReasonHole, deopt.Eager)
	})
	t.Run("never", func(t *testing.T) {
		code, iso := compile(t, build(lir.HoleNever))
		if code.DeoptData != nil {
			t.Error("hole-never load registered a deopt")
		}
		m, res := invoke(t, code, iso, array(t, 1))
		expectReturn(t, m, res, m.Root(runtime.RootTheHole))
	})
}

// ============================================================================
// 安全点与翻译
// ============================================================================

func TestRuntimeCallRecordsSafepoint(t *testing.T) {
	c := newFunction("call", 1)
	c.SpillSlotCount = 1
	c.Info.HasNonDeferredCalls = true
	env := entryEnv(c)
	startBlock(c, 0)
	c.Add(move(lir.Slot(c.ParameterStackSlot(1)), lir.Slot(0)))
	c.Add(&lir.Instruction{Op: lir.OpCallRuntime, Result: lir.Reg(0),
		Call:     lir.CallInfo{Runtime: runtime.FuncStackGuard, FormalParameterCount: -1},
		Pointers: lir.NewPointerMap(lir.Slot(0), lir.Reg(1), lir.Slot(0))})
	c.Add(&lir.Instruction{Op: lir.OpLazyBailout, Env: env})
	c.Add(ret())
	code, iso := compile(t, c)

	centry := uint32(iso.Builtin(runtime.BuiltinCEntry))
	var returnPc []int
	for _, in := range code.Listing {
		if in.Op == ia32.CALL && in.Args[0].Kind == ia32.ArgAddr && in.Args[0].Addr == centry {
			returnPc = append(returnPc, in.Offset+in.Size)
		}
	}
	if len(returnPc) != 1 {
		t.Fatalf("centry calls = %d, want 1\n%s", len(returnPc), code.Disassemble())
	}

	table, err := code.SafepointTable()
	if err != nil {
		t.Fatal(err)
	}
	e, ok := table.FindEntry(returnPc[0])
	if !ok {
		t.Fatalf("no safepoint at return address %d", returnPc[0])
	}
	if !e.HasSlot(0) || len(e.Slots) != 1 {
		t.Errorf("safepoint slots = %v, want [0]", e.Slots)
	}
	if e.HasRegisters {
		t.Errorf("simple safepoint records registers %v", e.Registers)
	}
	if !e.HasDeoptimizationIndex() || e.DeoptIndex != 0 {
		t.Errorf("safepoint deopt index = %d, want 0", e.DeoptIndex)
	}
	if pc := code.DeoptData.Entries[0].Pc; pc != returnPc[0] {
		t.Errorf("lazy deopt pc = %d, want %d", pc, returnPc[0])
	}

	m, res := invoke(t, code, iso, ints(11))
	expectReturn(t, m, res, m.Root(runtime.RootUndefined))
	if len(m.RuntimeCalls) != 1 || m.RuntimeCalls[0] != runtime.FuncStackGuard {
		t.Errorf("runtime calls = %v, want [stack guard]", m.RuntimeCalls)
	}
}

func TestFunctionEntryStackCheck(t *testing.T) {
	c := newFunction("entry", 0)
	env := entryEnv(c)
	startBlock(c, 0)
	c.Add(&lir.Instruction{Op: lir.OpStackCheck, Hydrogen: &lir.Value{Flags: lir.FlagIsFunctionEntry},
		Env: env, Pointers: lir.NewPointerMap()})
	c.Add(&lir.Instruction{Op: lir.OpLazyBailout, Env: env})
	c.Add(&lir.Instruction{Op: lir.OpConstantI, Result: lir.Reg(0), Imm: 1})
	c.Add(ret())
	code, iso := compile(t, c)

	stackCheck := uint32(iso.Builtin(runtime.BuiltinStackCheck))
	m, res := invoke(t, code, iso, nil)
	expectReturn(t, m, res, 1)
	for _, call := range m.Calls {
		if call.Target == stackCheck {
			t.Errorf("stack check called with esp above the limit")
		}
	}

	m, res = invoke(t, code, iso, func(m *sim.Machine) []uint32 {
		if err := m.Mem.Write32(uint32(iso.External(runtime.ExtStackLimit)), sim.StackTop); err != nil {
			t.Fatal(err)
		}
		return nil
	})
	expectReturn(t, m, res, 1)
	if len(m.Calls) != 1 || m.Calls[0].Target != stackCheck {
		t.Fatalf("calls = %v, want one stack check", m.Calls)
	}

	table, err := code.SafepointTable()
	if err != nil {
		t.Fatal(err)
	}
	for _, in := range code.Listing {
		if in.Offset == m.Calls[0].Pc {
			if _, ok := table.FindEntry(in.Offset + in.Size); !ok {
				t.Errorf("no safepoint after stack check call at %d", in.Offset)
			}
		}
	}
}

func TestDeoptimizeTranslation(t *testing.T) {
	const outerClosure, innerClosure = 0x01000201, 0x01000301
	c := newFunction("inlined", 1)
	c.SpillSlotCount = 1
	outer := &lir.Environment{
		Closure:         outerClosure,
		FrameType:       lir.FrameJSFunction,
		AstID:           4,
		ParameterCount:  1,
		TranslationSize: 1,
		Values:          []lir.Operand{lir.Slot(c.ParameterStackSlot(0))},
		Tagged:          []bool{true},
	}
	seven := c.Int32Constant(7)
	inner := &lir.Environment{
		Closure:         innerClosure,
		FrameType:       lir.FrameJSFunction,
		AstID:           9,
		ParameterCount:  2,
		TranslationSize: 5,
		Values: []lir.Operand{
			lir.Slot(c.ParameterStackSlot(0)), lir.Reg(1), lir.Reg(2), seven, lir.Materialize(),
			lir.Slot(0), lir.Reg(1),
		},
		Tagged:  []bool{true, true, false, false, false, true, true},
		Objects: []lir.ObjectMaterialization{{Length: 2, DuplicateOf: -1}},
		Outer:   outer,
	}
	startBlock(c, 0)
	c.Add(&lir.Instruction{Op: lir.OpDeoptimize, Reason: deopt.ReasonInsufficientTypeFeedback, Soft: true, Env: inner})
	c.Add(ret())
	if err := c.Verify(); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	code, iso := compile(t, c)

	frames, err := code.DeoptData.Frames(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(frames))
	}
	if f := frames[0]; f.Kind != deopt.OpJSFrame || f.AstID != 4 || f.ParameterCount != 1 || f.Height != 0 {
		t.Errorf("outer frame = %+v", f)
	}
	f := frames[1]
	if f.Kind != deopt.OpJSFrame || f.AstID != 9 || f.ParameterCount != 2 || f.Height != 3 {
		t.Errorf("inner frame ast %d params %d height %d", f.AstID, f.ParameterCount, f.Height)
	}
	want := []deopt.Slot{
		{Kind: deopt.OpStackSlot, Index: c.ParameterStackSlot(0)},
		{Kind: deopt.OpRegister, Index: int(ia32.ECX)},
		{Kind: deopt.OpInt32Register, Index: int(ia32.EDX)},
		{Kind: deopt.OpLiteral, Index: 2},
		{Kind: deopt.OpCapturedObject, Index: 0, Fields: []deopt.Slot{
			{Kind: deopt.OpStackSlot, Index: 0},
			{Kind: deopt.OpRegister, Index: int(ia32.ECX)},
		}},
	}
	if len(f.Slots) != len(want) {
		t.Fatalf("inner slots = %+v", f.Slots)
	}
	for i := range want {
		got := f.Slots[i]
		if got.Kind != want[i].Kind || got.Index != want[i].Index || len(got.Fields) != len(want[i].Fields) {
			t.Errorf("slot %d = %+v, want %+v", i, got, want[i])
			continue
		}
		for j := range want[i].Fields {
			if got.Fields[j].Kind != want[i].Fields[j].Kind || got.Fields[j].Index != want[i].Fields[j].Index {
				t.Errorf("slot %d field %d = %+v, want %+v", i, j, got.Fields[j], want[i].Fields[j])
			}
		}
	}

	lits := code.DeoptData.Literals
	if len(lits) != 3 {
		t.Fatalf("literals = %+v", lits)
	}
	if !lits[0].IdenticalTo(deopt.ObjectLiteral(outerClosure)) || !lits[1].IdenticalTo(deopt.ObjectLiteral(innerClosure)) {
		t.Errorf("closure literals = %+v", lits[:2])
	}
	if !lits[2].IdenticalTo(deopt.NumberLiteral(7)) {
		t.Errorf("constant literal = %+v", lits[2])
	}

	_, res := invoke(t, code, iso, ints(1))
	expectDeopt(t, res, deopt.ReasonInsufficientTypeFeedback, deopt.Soft)
}

// 对象 0 的第二个字段是对象 1，对象 2 与对象 0 是同一个
func TestNestedCapturedObjectTranslation(t *testing.T) {
	c := newFunction("captured", 0)
	env := &lir.Environment{
		Closure:         testClosure,
		FrameType:       lir.FrameJSFunction,
		AstID:           3,
		ParameterCount:  1,
		TranslationSize: 3,
		Values: []lir.Operand{
			lir.Slot(c.ParameterStackSlot(0)), lir.Materialize(), lir.Materialize(),
			lir.Reg(1), lir.Materialize(), c.Int32Constant(7),
		},
		Tagged: []bool{true, false, false, true, false, false},
		Objects: []lir.ObjectMaterialization{
			{Length: 2, DuplicateOf: -1},
			{Length: 1, DuplicateOf: -1},
			{DuplicateOf: 0},
		},
	}
	startBlock(c, 0)
	c.Add(&lir.Instruction{Op: lir.OpDeoptimize, Reason: deopt.ReasonInsufficientTypeFeedback, Env: env})
	c.Add(ret())
	if err := c.Verify(); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	code, iso := compile(t, c)

	frames, err := code.DeoptData.Frames(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	f := &frames[0]
	if f.Height != 2 || len(f.Slots) != 3 {
		t.Fatalf("frame height %d slots %+v", f.Height, f.Slots)
	}
	if s := f.Slots[0]; s.Kind != deopt.OpStackSlot {
		t.Errorf("receiver slot = %+v", s)
	}

	outer := f.Slots[1]
	if outer.Kind != deopt.OpCapturedObject || outer.Index != 0 || len(outer.Fields) != 2 {
		t.Fatalf("object 0 = %+v", outer)
	}
	if fld := outer.Fields[0]; fld.Kind != deopt.OpRegister || fld.Index != int(ia32.ECX) {
		t.Errorf("object 0 field 0 = %+v", fld)
	}
	inner := outer.Fields[1]
	if inner.Kind != deopt.OpCapturedObject || inner.Index != 1 || len(inner.Fields) != 1 {
		t.Fatalf("object 1 = %+v", inner)
	}
	lit := inner.Fields[0]
	if lit.Kind != deopt.OpLiteral || !code.DeoptData.Literals[lit.Index].IdenticalTo(deopt.NumberLiteral(7)) {
		t.Errorf("object 1 field = %+v", lit)
	}

	dup := f.Slots[2]
	if dup.Kind != deopt.OpDuplicatedObject || dup.Index != 0 {
		t.Errorf("third value = %+v, want duplicate of object 0", dup)
	}
	if f.ObjectCount() != 3 {
		t.Errorf("ObjectCount() = %d, want 3", f.ObjectCount())
	}
	if o := f.Object(2); o == nil || o.Kind != deopt.OpCapturedObject || o.Index != 0 {
		t.Errorf("Object(2) = %+v, want object 0", o)
	}

	_, res := invoke(t, code, iso, nil)
	expectDeopt(t, res, deopt.ReasonInsufficientTypeFeedback, deopt.Eager)
}

// ============================================================================
// 间隙与中止
// ============================================================================

func TestGapSwap(t *testing.T) {
	c := newFunction("swap", 2)
	startBlock(c, 2)
	gap := &lir.Instruction{Op: lir.OpGap}
	gap.GetMove(lir.GapBefore).Add(lir.Reg(0), lir.Reg(1)).Add(lir.Reg(1), lir.Reg(0))
	c.Add(gap)
	c.Add(&lir.Instruction{Op: lir.OpSubI, Result: lir.Reg(0), Inputs: []lir.Operand{lir.Reg(0), lir.Reg(1)},
		Hydrogen: int32Value(0)})
	c.Add(ret())
	code, iso := compile(t, c)

	m, res := invoke(t, code, iso, ints(3, 10))
	expectReturn(t, m, res, 7)
}

func TestUnsupportedOperandAborts(t *testing.T) {
	c := newFunction("bad", 0)
	startBlock(c, 0)
	// 没有环境的守卫
	c.Add(&lir.Instruction{Op: lir.OpDeoptimize, Reason: deopt.ReasonNone})
	c.Add(ret())

	metrics := codegen.NewMetrics(nil)
	_, err := codegen.Generate(c, runtime.NewIsolate(), codegen.WithMetrics(metrics))
	if err == nil {
		t.Fatal("Generate() succeeded, want abort")
	}
	var abort *codegen.AbortError
	if !errors.Is(err, codegen.ErrAborted) || !errors.As(err, &abort) || abort.Reason != codegen.UnexpectedOperand {
		t.Errorf("error = %v, want unexpected operand abort", err)
	}
	if v := testutil.ToFloat64(metrics.Compilations.WithLabelValues("aborted")); v != 1 {
		t.Errorf("aborted metric = %v, want 1", v)
	}
}

func TestGenerateTwice(t *testing.T) {
	cg := codegen.New(addFunction(0), runtime.NewIsolate())
	if _, err := cg.Generate(); err != nil {
		t.Fatal(err)
	}
	if _, err := cg.Generate(); err == nil {
		t.Error("second Generate() succeeded")
	}
}
