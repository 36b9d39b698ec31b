// simd.go - 128 位 SIMD 运算
//
// 四通道类型（Float32x4、Int32x4）与双通道类型（Float64x2）共用 XMM 寄存器。
// 通道选择子必须是常量，非常量选择子无条件反优化。
//
// 操作数约定：
//
//	SIMDBinary   0 左（同时是结果），1 右；Token 为运算符
//	SIMDSwizzle  0 输入，1.. 每个结果通道的源通道
//	SIMDShuffle  0 左，1 右，2.. 每个结果通道的源通道；右操作数的通道编号从通道数开始

package codegen

import (
	"fmt"

	"github.com/tangzhangming/lithium/internal/asm/ia32"
	"github.com/tangzhangming/lithium/internal/deopt"
	"github.com/tangzhangming/lithium/internal/lir"
	"github.com/tangzhangming/lithium/internal/runtime"
)

// simdKind SIMD 类型在对象模型中的描述
type simdKind struct {
	lanes     int
	mapRoot   runtime.RootIndex
	instance  runtime.InstanceType
	allocator runtime.FunctionID
}

var simdKinds = map[lir.Representation]simdKind{
	lir.ReprFloat32x4: {4, runtime.RootFloat32x4Map, runtime.Float32x4Type, runtime.FuncAllocateFloat32x4},
	lir.ReprInt32x4:   {4, runtime.RootInt32x4Map, runtime.Int32x4Type, runtime.FuncAllocateInt32x4},
	lir.ReprFloat64x2: {2, runtime.RootFloat64x2Map, runtime.Float64x2Type, runtime.FuncAllocateFloat64x2},
}

// simdRepresentation 由寄存器或栈槽种类推出 SIMD 表示
func simdRepresentation(op lir.Operand) lir.Representation {
	switch op.Kind {
	case lir.KindFloat32x4Register, lir.KindFloat32x4StackSlot:
		return lir.ReprFloat32x4
	case lir.KindInt32x4Register, lir.KindInt32x4StackSlot:
		return lir.ReprInt32x4
	case lir.KindFloat64x2Register, lir.KindFloat64x2StackSlot:
		return lir.ReprFloat64x2
	}
	return lir.ReprNone
}

func (cg *CodeGen) simdKindOf(repr lir.Representation) (simdKind, bool) {
	k, ok := simdKinds[repr]
	if !ok {
		cg.abort(UnexpectedOperand, fmt.Sprintf("representation %s is not simd", repr))
	}
	return k, ok
}

// ============================================================================
// 算术
// ============================================================================

func (cg *CodeGen) doSIMDBinary(instr *lir.Instruction) {
	a := cg.masm
	left := cg.toSIMD128Register(instr.Left())
	right := cg.toSIMD128Register(instr.Right())
	if cg.toSIMD128Register(instr.Result) != left {
		cg.abort(UnexpectedOperand, "simd result must reuse the left register")
		return
	}

	repr := simdRepresentation(instr.Result)
	switch instr.Token {
	case lir.TokenBitAnd:
		a.Andps(left, right)
		return
	case lir.TokenBitOr:
		a.Orps(left, right)
		return
	case lir.TokenBitXor:
		a.Xorps(left, right)
		return
	}

	var op func(dst, src ia32.XMMRegister)
	switch repr {
	case lir.ReprFloat32x4:
		op = map[lir.Token]func(dst, src ia32.XMMRegister){
			lir.TokenAdd: a.Addps, lir.TokenSub: a.Subps, lir.TokenMul: a.Mulps, lir.TokenDiv: a.Divps,
		}[instr.Token]
	case lir.ReprFloat64x2:
		op = map[lir.Token]func(dst, src ia32.XMMRegister){
			lir.TokenAdd: a.Addpd, lir.TokenSub: a.Subpd, lir.TokenMul: a.Mulpd, lir.TokenDiv: a.Divpd,
		}[instr.Token]
	case lir.ReprInt32x4:
		if instr.Token == lir.TokenMul && !cg.config.EnableSSE41 {
			cg.abort(UnsupportedFeature, "int32x4 multiply needs sse4.1")
			return
		}
		op = map[lir.Token]func(dst, src ia32.XMMRegister){
			lir.TokenAdd: a.Paddd, lir.TokenSub: a.Psubd, lir.TokenMul: a.Pmulld,
		}[instr.Token]
	}
	if op == nil {
		cg.abort(UnexpectedOperand, fmt.Sprintf("simd %s %s", repr, instr.Token))
		return
	}
	op(left, right)
}

// ============================================================================
// 通道重排
// ============================================================================

// laneSelectors 读取常量选择子；遇到非常量选择子时发出无条件反优化并返回 false
func (cg *CodeGen) laneSelectors(instr *lir.Instruction, first, lanes, limit int) ([]int, bool) {
	sel := make([]int, lanes)
	for i := range sel {
		op := instr.Input(first + i)
		if !op.IsConstant() {
			cg.deoptimizeIf(ia32.NoCondition, instr, deopt.ReasonNonConstantLaneSelector)
			return nil, false
		}
		v := int(cg.toInteger32(op))
		if v < 0 || v >= limit {
			cg.abort(UnexpectedOperand, fmt.Sprintf("lane selector %d out of range", v))
			return nil, false
		}
		sel[i] = v
	}
	return sel, true
}

// shuffleImm 四个 2 位通道号拼成 shufps/pshufd 立即数
func shuffleImm(s0, s1, s2, s3 int) uint8 {
	return uint8(s0&3 | (s1&3)<<2 | (s2&3)<<4 | (s3&3)<<6)
}

func (cg *CodeGen) doSIMDSwizzle(instr *lir.Instruction) {
	a := cg.masm
	input := cg.toSIMD128Register(instr.Input(0))
	result := cg.toSIMD128Register(instr.Result)
	k, ok := cg.simdKindOf(simdRepresentation(instr.Result))
	if !ok {
		return
	}
	sel, ok := cg.laneSelectors(instr, 1, k.lanes, k.lanes)
	if !ok {
		return
	}
	if k.lanes == 4 {
		a.Pshufd(result, input, shuffleImm(sel[0], sel[1], sel[2], sel[3]))
		return
	}
	a.Movaps(ia32.DoubleScratch, input)
	a.Shufpd(ia32.DoubleScratch, ia32.DoubleScratch, uint8(sel[0]|sel[1]<<1))
	a.Movaps(result, ia32.DoubleScratch)
}

// doSIMDShuffle 两个输入的通道组合
//
// 四通道：全部来自同一输入时用一次 pshufd；前两个通道与后两个通道各来自
// 一个输入时用一次 shufps；其余组合经栈逐通道复制。双通道的四种组合都
// 能用一次 shufpd 完成。
func (cg *CodeGen) doSIMDShuffle(instr *lir.Instruction) {
	a := cg.masm
	left := cg.toSIMD128Register(instr.Input(0))
	right := cg.toSIMD128Register(instr.Input(1))
	result := cg.toSIMD128Register(instr.Result)
	k, ok := cg.simdKindOf(simdRepresentation(instr.Result))
	if !ok {
		return
	}
	sel, ok := cg.laneSelectors(instr, 2, k.lanes, 2*k.lanes)
	if !ok {
		return
	}
	scratch := ia32.DoubleScratch
	fromLeft := func(s int) bool { return s < k.lanes }
	pick := func(s int) ia32.XMMRegister {
		if fromLeft(s) {
			return left
		}
		return right
	}

	if k.lanes == 2 {
		a.Movaps(scratch, pick(sel[0]))
		a.Shufpd(scratch, pick(sel[1]), uint8(sel[0]&1|(sel[1]&1)<<1))
		a.Movaps(result, scratch)
		return
	}

	lowLeft := fromLeft(sel[0]) && fromLeft(sel[1])
	lowRight := !fromLeft(sel[0]) && !fromLeft(sel[1])
	highLeft := fromLeft(sel[2]) && fromLeft(sel[3])
	highRight := !fromLeft(sel[2]) && !fromLeft(sel[3])
	imm := shuffleImm(sel[0], sel[1], sel[2], sel[3])

	switch {
	case lowLeft && highLeft:
		a.Pshufd(result, left, imm)
	case lowRight && highRight:
		a.Pshufd(result, right, imm)
	case (lowLeft || lowRight) && (highLeft || highRight):
		a.Movaps(scratch, pick(sel[0]))
		a.Shufps(scratch, pick(sel[2]), imm)
		a.Movaps(result, scratch)
	default:
		cg.shuffleThroughStack(left, right, result, sel)
	}
}

// shuffleThroughStack 两个输入依次存到栈上，再逐个 32 位通道复制到结果区
//
// push [esp+d] 在减小 esp 之前计算地址，pop [esp+d] 在增大 esp 之后计算
// 地址，因此每对 push/pop 中 d 都相对同一个 esp。
func (cg *CodeGen) shuffleThroughStack(left, right, result ia32.XMMRegister, sel []int) {
	a := cg.masm
	const lane = runtime.Int32Size
	const frame = 3 * runtime.Simd128Size
	a.SubOpImm(ia32.R(ia32.ESP), ia32.Imm(frame))
	a.MovupsStore(ia32.Mem(ia32.ESP, 0), left)
	a.MovupsStore(ia32.Mem(ia32.ESP, runtime.Simd128Size), right)
	for i, s := range sel {
		a.PushOp(ia32.Mem(ia32.ESP, int32(s*lane)))
		a.PopOp(ia32.Mem(ia32.ESP, int32(2*runtime.Simd128Size+i*lane)))
	}
	a.MovupsLoad(result, ia32.Mem(ia32.ESP, 2*runtime.Simd128Size))
	a.AddOpImm(ia32.R(ia32.ESP), ia32.Imm(frame))
}

// ============================================================================
// 装箱与拆箱
// ============================================================================

func (cg *CodeGen) doSIMD128ToTagged(instr *lir.Instruction) {
	a := cg.masm
	input := cg.toSIMD128Register(instr.Input(0))
	reg := cg.toRegister(instr.Result)
	k, ok := cg.simdKindOf(simdRepresentation(instr.Input(0)))
	if !ok {
		return
	}

	d := cg.addDeferred(instr, func(cg *CodeGen, d *deferredCode) {
		cg.deferredSIMD128ToTagged(d.instr, k.allocator)
	})
	if cg.config.InlineNew {
		cg.allocate(allocation{
			size:    runtime.Simd128ObjectSize,
			sizeReg: ia32.NoReg,
			result:  reg,
			temp:    cg.toRegister(instr.Temp(0)),
		}, &d.entry)
		a.MovOpImm(ia32.FieldOperand(reg, runtime.HeapObjectMapOffset), cg.rootImmediate(k.mapRoot))
	} else {
		a.Jmp(&d.entry)
	}
	cg.bindExit(d)
	a.MovupsStore(ia32.FieldOperand(reg, runtime.Simd128ValueOffset), input)
}

func (cg *CodeGen) deferredSIMD128ToTagged(instr *lir.Instruction, allocator runtime.FunctionID) {
	reg := cg.toRegister(instr.Result)
	cg.masm.MovRegImm(reg, ia32.Imm(0))
	cg.pushSafepointRegisters(func() {
		cg.callRuntimeFromDeferred(allocator, 0, instr, lir.None)
		cg.storeToSafepointRegisterSlot(reg, ia32.EAX)
	})
}

func (cg *CodeGen) doTaggedToSIMD128(instr *lir.Instruction) {
	input := cg.toRegister(instr.Input(0))
	temp := cg.toRegister(instr.Temp(0))
	result := cg.toSIMD128Register(instr.Result)
	k, ok := cg.simdKindOf(simdRepresentation(instr.Result))
	if !ok {
		return
	}
	cg.testSmi(ia32.R(input))
	cg.deoptimizeIf(ia32.Zero, instr, deopt.ReasonSmi)
	cg.cmpObjectType(input, k.instance, temp)
	cg.deoptimizeIf(ia32.NotEqual, instr, deopt.ReasonNotASIMD128)
	cg.masm.MovupsLoad(result, ia32.FieldOperand(input, runtime.Simd128ValueOffset))
}
