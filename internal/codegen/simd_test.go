package codegen_test

import (
	"testing"

	"github.com/tangzhangming/lithium/internal/asm/ia32"
	"github.com/tangzhangming/lithium/internal/codegen"
	"github.com/tangzhangming/lithium/internal/deopt"
	"github.com/tangzhangming/lithium/internal/lir"
	"github.com/tangzhangming/lithium/internal/runtime"
	"github.com/tangzhangming/lithium/internal/sim"
)

// packLanes 四个 32 位通道打包成 SIMD 负载
func packLanes(l [4]uint32) [2]uint64 {
	return [2]uint64{uint64(l[0]) | uint64(l[1])<<32, uint64(l[2]) | uint64(l[3])<<32}
}

func unpackLanes(v [2]uint64) [4]uint32 {
	return [4]uint32{uint32(v[0]), uint32(v[0] >> 32), uint32(v[1]), uint32(v[1] >> 32)}
}

// simdFunction 把 params 个装箱参数拆到 SIMD 寄存器 0..params-1，
// 执行 op 写入 SIMD 寄存器 2，再装箱返回
func simdFunction(kind lir.OperandKind, params int, op func(c *lir.Chunk) *lir.Instruction) *lir.Chunk {
	c := newFunction("simd", params)
	env := entryEnv(c)
	startBlock(c, params)
	for i := 0; i < params; i++ {
		c.Add(&lir.Instruction{Op: lir.OpTaggedToSIMD128, Result: lir.SIMDReg(kind, i),
			Inputs: []lir.Operand{lir.Reg(i)}, Temps: []lir.Operand{lir.Reg(2)}, Env: env})
	}
	in := op(c)
	in.Result = lir.SIMDReg(kind, 2)
	in.Env = env
	c.Add(in)
	c.Add(&lir.Instruction{Op: lir.OpSIMD128ToTagged, Result: lir.Reg(0), Inputs: []lir.Operand{lir.SIMDReg(kind, 2)},
		Temps: []lir.Operand{lir.Reg(1)}, Pointers: lir.NewPointerMap()})
	c.Add(ret())
	return c
}

func selectors(c *lir.Chunk, sel []int32) []lir.Operand {
	ops := make([]lir.Operand, len(sel))
	for i, s := range sel {
		ops[i] = c.Int32Constant(s)
	}
	return ops
}

func swizzle(kind lir.OperandKind, sel ...int32) func(c *lir.Chunk) *lir.Instruction {
	return func(c *lir.Chunk) *lir.Instruction {
		return &lir.Instruction{Op: lir.OpSIMDSwizzle,
			Inputs: append([]lir.Operand{lir.SIMDReg(kind, 0)}, selectors(c, sel)...)}
	}
}

func shuffle(kind lir.OperandKind, sel ...int32) func(c *lir.Chunk) *lir.Instruction {
	return func(c *lir.Chunk) *lir.Instruction {
		return &lir.Instruction{Op: lir.OpSIMDShuffle,
			Inputs: append([]lir.Operand{lir.SIMDReg(kind, 0), lir.SIMDReg(kind, 1)}, selectors(c, sel)...)}
	}
}

// boxed 参数依次为 t 类型的装箱对象
func boxed(t *testing.T, typ runtime.InstanceType, values ...[2]uint64) func(m *sim.Machine) []uint32 {
	return func(m *sim.Machine) []uint32 {
		out := make([]uint32, len(values))
		for i, v := range values {
			obj, err := m.NewSIMD128(typ, v)
			if err != nil {
				t.Fatal(err)
			}
			out[i] = obj
		}
		return out
	}
}

// expectSIMD 返回值是 t 类型、负载为 want 的装箱对象
func expectSIMD(t *testing.T, m *sim.Machine, res *sim.Result, typ runtime.InstanceType, want [2]uint64) {
	t.Helper()
	if res.Deoptimized() {
		t.Fatalf("deoptimized with %s", res.Deopt.Reason)
	}
	if got, err := m.InstanceTypeOf(res.EAX); err != nil || got != typ {
		t.Fatalf("result type = %v, %v, want %v", got, err, typ)
	}
	got, err := m.SIMD128Value(res.EAX)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("lanes = %#x, want %#x", unpackLanes(got), unpackLanes(want))
	}
	if m.Regs[ia32.ESP] != sim.StackTop {
		t.Errorf("esp = %#x after return", m.Regs[ia32.ESP])
	}
}

var (
	leftLanes  = [4]uint32{10, 11, 12, 13}
	rightLanes = [4]uint32{20, 21, 22, 23}
)

func TestInt32x4Swizzle(t *testing.T) {
	code, iso := compile(t, simdFunction(lir.KindInt32x4Register, 1, swizzle(lir.KindInt32x4Register, 3, 2, 1, 0)))
	if countOps(code, ia32.PSHUFD) != 1 {
		t.Errorf("swizzle is not a single pshufd\n%s", code.Disassemble())
	}
	m, res := invoke(t, code, iso, boxed(t, runtime.Int32x4Type, packLanes(leftLanes)))
	expectSIMD(t, m, res, runtime.Int32x4Type, packLanes([4]uint32{13, 12, 11, 10}))
}

func TestInt32x4Shuffle(t *testing.T) {
	tests := []struct {
		name string
		sel  []int32
		op   ia32.Mnemonic
		want [4]uint32
	}{
		{"left only", []int32{1, 0, 3, 2}, ia32.PSHUFD, [4]uint32{11, 10, 13, 12}},
		{"right only", []int32{5, 4, 7, 6}, ia32.PSHUFD, [4]uint32{21, 20, 23, 22}},
		{"left low right high", []int32{0, 1, 4, 5}, ia32.SHUFPS, [4]uint32{10, 11, 20, 21}},
		{"right low left high", []int32{4, 5, 2, 3}, ia32.SHUFPS, [4]uint32{20, 21, 12, 13}},
		// 经栈复制的组合不出现 pshufd 与 shufps
		{"interleave", []int32{0, 4, 1, 5}, ia32.NOP, [4]uint32{10, 20, 11, 21}},
		{"mixed high half", []int32{3, 3, 6, 1}, ia32.NOP, [4]uint32{13, 13, 22, 11}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, iso := compile(t, simdFunction(lir.KindInt32x4Register, 2, shuffle(lir.KindInt32x4Register, tt.sel...)))
			if tt.op != ia32.NOP && countOps(code, tt.op) == 0 {
				t.Errorf("shuffle %v emits no %s\n%s", tt.sel, tt.op, code.Disassemble())
			}
			if tt.op == ia32.NOP && countOps(code, ia32.PSHUFD)+countOps(code, ia32.SHUFPS) != 0 {
				t.Errorf("shuffle %v should go through the stack\n%s", tt.sel, code.Disassemble())
			}
			m, res := invoke(t, code, iso, boxed(t, runtime.Int32x4Type, packLanes(leftLanes), packLanes(rightLanes)))
			expectSIMD(t, m, res, runtime.Int32x4Type, packLanes(tt.want))
		})
	}
}

func TestFloat64x2Shuffle(t *testing.T) {
	left := [2]uint64{0x3ff0000000000000, 0x4000000000000000}
	right := [2]uint64{0x4008000000000000, 0x4010000000000000}
	tests := []struct {
		name string
		op   func(c *lir.Chunk) *lir.Instruction
		want [2]uint64
	}{
		{"swizzle", swizzle(lir.KindFloat64x2Register, 1, 0), [2]uint64{left[1], left[0]}},
		{"shuffle", shuffle(lir.KindFloat64x2Register, 1, 2), [2]uint64{left[1], right[0]}},
		{"shuffle from right", shuffle(lir.KindFloat64x2Register, 3, 0), [2]uint64{right[1], left[0]}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, iso := compile(t, simdFunction(lir.KindFloat64x2Register, 2, tt.op))
			if countOps(code, ia32.SHUFPD) != 1 {
				t.Errorf("emits %d shufpd, want 1\n%s", countOps(code, ia32.SHUFPD), code.Disassemble())
			}
			m, res := invoke(t, code, iso, boxed(t, runtime.Float64x2Type, left, right))
			expectSIMD(t, m, res, runtime.Float64x2Type, tt.want)
		})
	}
}

func TestNonConstantLaneSelectorDeoptimizes(t *testing.T) {
	c := simdFunction(lir.KindInt32x4Register, 1, func(c *lir.Chunk) *lir.Instruction {
		sel := selectors(c, []int32{0, 1, 2})
		return &lir.Instruction{Op: lir.OpSIMDSwizzle,
			Inputs: append([]lir.Operand{lir.SIMDReg(lir.KindInt32x4Register, 0), lir.Reg(1)}, sel...)}
	})
	code, iso := compile(t, c)
	_, res := invoke(t, code, iso, boxed(t, runtime.Int32x4Type, packLanes(leftLanes)))
	expectDeopt(t, res, deopt.ReasonNonConstantLaneSelector, deopt.Eager)
}

func TestSIMD128ToTaggedRuntimeAllocation(t *testing.T) {
	cfg := codegen.DefaultConfig()
	cfg.InlineNew = false
	c := simdFunction(lir.KindInt32x4Register, 1, swizzle(lir.KindInt32x4Register, 0, 0, 1, 1))
	code, iso := compile(t, c, codegen.WithConfig(cfg))
	m, res := invoke(t, code, iso, boxed(t, runtime.Int32x4Type, packLanes(leftLanes)))
	expectSIMD(t, m, res, runtime.Int32x4Type, packLanes([4]uint32{10, 10, 11, 11}))
	if len(m.RuntimeCalls) != 1 || m.RuntimeCalls[0] != runtime.FuncAllocateInt32x4 {
		t.Errorf("runtime calls = %v, want [allocate int32x4]", m.RuntimeCalls)
	}

	calls := callsTo(code, uint32(iso.Builtin(runtime.BuiltinCEntrySaveDoubles)))
	if len(calls) != 1 {
		t.Fatalf("centry calls = %d\n%s", len(calls), code.Disassemble())
	}
	table, err := code.SafepointTable()
	if err != nil {
		t.Fatal(err)
	}
	if e, ok := table.FindEntry(calls[0].Offset + calls[0].Size); !ok || !e.HasRegisters {
		t.Errorf("no register safepoint after allocation call")
	}
}

func TestTaggedToSIMD128Checks(t *testing.T) {
	code, iso := compile(t, simdFunction(lir.KindInt32x4Register, 1, swizzle(lir.KindInt32x4Register, 0, 1, 2, 3)))

	_, res := invoke(t, code, iso, ints(4<<1))
	expectDeopt(t, res, deopt.ReasonSmi, deopt.Eager)

	_, res = invoke(t, code, iso, boxed(t, runtime.Float32x4Type, packLanes(leftLanes)))
	expectDeopt(t, res, deopt.ReasonNotASIMD128, deopt.Eager)

	m, res := invoke(t, code, iso, boxed(t, runtime.Int32x4Type, packLanes(leftLanes)))
	expectSIMD(t, m, res, runtime.Int32x4Type, packLanes(leftLanes))
}
