// arith.go - 常量与整数运算

package codegen

import (
	"math"

	"github.com/tangzhangming/lithium/internal/asm/ia32"
	"github.com/tangzhangming/lithium/internal/deopt"
	"github.com/tangzhangming/lithium/internal/lir"
	"github.com/tangzhangming/lithium/internal/runtime"
)

// ============================================================================
// 常量
// ============================================================================

func (cg *CodeGen) doConstantI(instr *lir.Instruction) {
	cg.moveImmediate(cg.toRegister(instr.Result), ia32.Imm(instr.Imm))
}

func (cg *CodeGen) doConstantS(instr *lir.Instruction) {
	cg.moveImmediate(cg.toRegister(instr.Result), ia32.Imm(int32(runtime.SmiFromInt(instr.Imm))))
}

// moveImmediate 0 用 xor 清零
func (cg *CodeGen) moveImmediate(dst ia32.Register, imm ia32.Immediate) {
	if imm.Value == 0 && imm.RMode == ia32.RelocNone {
		cg.masm.Xor(dst, ia32.R(dst))
		return
	}
	cg.masm.MovRegImm(dst, imm)
}

func (cg *CodeGen) doConstantD(instr *lir.Instruction) {
	a := cg.masm
	result := cg.toDoubleRegister(instr.Result)
	bits := math.Float64bits(instr.Double)
	lower, upper := uint32(bits), uint32(bits>>32)
	if bits == 0 {
		a.Xorps(result, result)
		return
	}

	temp := cg.toRegister(instr.Temp(0))
	if cg.config.EnableSSE41 {
		if lower != 0 {
			a.MovRegImm(temp, immU32(lower))
			a.Movd(result, ia32.R(temp))
		} else {
			a.Xorps(result, result)
		}
		a.MovRegImm(temp, immU32(upper))
		a.Pinsrd(result, ia32.R(temp), 1)
		return
	}

	a.MovRegImm(temp, immU32(upper))
	a.Movd(result, ia32.R(temp))
	a.Psllq(result, 32)
	if lower != 0 {
		a.MovRegImm(temp, immU32(lower))
		a.Movd(ia32.DoubleScratch, ia32.R(temp))
		a.Orps(result, ia32.DoubleScratch)
	}
}

func (cg *CodeGen) doConstantT(instr *lir.Instruction) {
	result := cg.toRegister(instr.Result)
	c := instr.Input(0)
	if cg.constant(c).Kind == lir.ConstSmi {
		cg.moveImmediate(result, cg.toImmediate(c, lir.ReprTagged))
		return
	}
	cg.masm.MovRegImm(result, cg.constantImmediate(c))
}

func (cg *CodeGen) doConstantE(instr *lir.Instruction) {
	c := cg.constant(instr.Input(0))
	cg.masm.Lea(cg.toRegister(instr.Result), ia32.MemAbs(c.Address, ia32.RelocExternalReference))
}

// ============================================================================
// 加减乘
// ============================================================================

func (cg *CodeGen) doAddI(instr *lir.Instruction) {
	a := cg.masm
	left, right := instr.Left(), instr.Right()
	repr := instr.Hydrogen.Representation()

	if !left.Equals(instr.Result) {
		base := cg.toRegister(left)
		result := cg.toRegister(instr.Result)
		// lea 不设置标志位，只用于不会溢出的加法
		if !instr.CheckFlag(lir.FlagCanOverflow) {
			if right.IsConstant() {
				a.Lea(result, ia32.Mem(base, cg.toRepresentation(right, repr)))
			} else {
				a.Lea(result, ia32.MemIndex(base, cg.toRegister(right), ia32.Times1, 0))
			}
			return
		}
		if right.Equals(instr.Result) {
			// 加法可交换，避免覆盖右操作数
			a.Add(result, ia32.R(base))
			cg.deoptimizeIf(ia32.Overflow, instr, deopt.ReasonOverflow)
			return
		}
		a.MovRegReg(result, base)
		left = instr.Result
	}

	if right.IsConstant() {
		a.AddOpImm(cg.toOperand(left), cg.toImmediate(right, repr))
	} else {
		a.Add(cg.toRegister(left), cg.toOperand(right))
	}
	if instr.CheckFlag(lir.FlagCanOverflow) {
		cg.deoptimizeIf(ia32.Overflow, instr, deopt.ReasonOverflow)
	}
}

func (cg *CodeGen) doSubI(instr *lir.Instruction) {
	a := cg.masm
	left, right := instr.Left(), instr.Right()
	if right.IsConstant() {
		a.SubOpImm(cg.toOperand(left), cg.toImmediate(right, instr.Hydrogen.Representation()))
	} else {
		a.Sub(cg.toRegister(left), cg.toOperand(right))
	}
	if instr.CheckFlag(lir.FlagCanOverflow) {
		cg.deoptimizeIf(ia32.Overflow, instr, deopt.ReasonOverflow)
	}
}

func (cg *CodeGen) doMulI(instr *lir.Instruction) {
	a := cg.masm
	left := cg.toRegister(instr.Left())
	right := instr.Right()
	minusZero := instr.CheckFlag(lir.FlagBailoutOnMinusZero)
	canOverflow := instr.CheckFlag(lir.FlagCanOverflow)

	if minusZero {
		a.MovRegReg(cg.toRegister(instr.Temp(0)), left)
	}

	if right.IsConstant() {
		k := cg.toInteger32(right)
		switch {
		case k == -1:
			a.Neg(ia32.R(left))
		case k == 0:
			a.Xor(left, ia32.R(left))
		case k == 2:
			a.Add(left, ia32.R(left))
		case !canOverflow:
			// 不会溢出时用不设溢出标志的等价指令
			switch k {
			case 1:
			case 3:
				a.Lea(left, ia32.MemIndex(left, left, ia32.Times2, 0))
			case 4:
				a.Shl(ia32.R(left), 2)
			case 5:
				a.Lea(left, ia32.MemIndex(left, left, ia32.Times4, 0))
			case 8:
				a.Shl(ia32.R(left), 3)
			case 9:
				a.Lea(left, ia32.MemIndex(left, left, ia32.Times8, 0))
			case 16:
				a.Shl(ia32.R(left), 4)
			default:
				a.ImulImm(left, ia32.R(left), k)
			}
		default:
			a.ImulImm(left, ia32.R(left), k)
		}
	} else {
		if instr.Hydrogen.Representation() == lir.ReprSmi {
			cg.smiUntag(left)
		}
		a.Imul(left, cg.toOperand(right))
	}

	if canOverflow {
		cg.deoptimizeIf(ia32.Overflow, instr, deopt.ReasonOverflow)
	}

	if minusZero {
		// 结果为 0 时检查另一侧的符号
		var done ia32.Label
		temp := cg.toRegister(instr.Temp(0))
		a.Test(left, ia32.R(left))
		a.J(ia32.NotZero, &done)
		if right.IsConstant() {
			switch k := cg.toInteger32(right); {
			case k < 0:
				cg.deoptimizeIf(ia32.NoCondition, instr, deopt.ReasonMinusZero)
			case k == 0:
				a.CmpOpImm(ia32.R(temp), ia32.Imm(0))
				cg.deoptimizeIf(ia32.Less, instr, deopt.ReasonMinusZero)
			}
		} else {
			a.Or(temp, cg.toOperand(right))
			cg.deoptimizeIf(ia32.Sign, instr, deopt.ReasonMinusZero)
		}
		a.Bind(&done)
	}
}

// ============================================================================
// 位运算与移位
// ============================================================================

func (cg *CodeGen) doBitI(instr *lir.Instruction) {
	a := cg.masm
	left := cg.toRegister(instr.Left())
	right := instr.Right()

	if right.IsConstant() {
		v := cg.toRepresentation(right, instr.Hydrogen.Representation())
		switch instr.Token {
		case lir.TokenBitAnd:
			a.AndOpImm(ia32.R(left), ia32.Imm(v))
		case lir.TokenBitOr:
			a.OrOpImm(ia32.R(left), ia32.Imm(v))
		case lir.TokenBitXor:
			if v == -1 {
				a.Not(ia32.R(left))
			} else {
				a.XorOpImm(ia32.R(left), ia32.Imm(v))
			}
		default:
			cg.abort(UnexpectedOperand, "bit operation "+instr.Token.String())
		}
		return
	}

	op := cg.toOperand(right)
	switch instr.Token {
	case lir.TokenBitAnd:
		a.And(left, op)
	case lir.TokenBitOr:
		a.Or(left, op)
	case lir.TokenBitXor:
		a.Xor(left, op)
	default:
		cg.abort(UnexpectedOperand, "bit operation "+instr.Token.String())
	}
}

var shiftMnemonics = map[lir.Token]ia32.Mnemonic{
	lir.TokenShl: ia32.SHL,
	lir.TokenSar: ia32.SAR,
	lir.TokenShr: ia32.SHR,
	lir.TokenRor: ia32.ROR,
}

func (cg *CodeGen) doShiftI(instr *lir.Instruction) {
	a := cg.masm
	left := cg.toRegister(instr.Left())
	right := instr.Right()
	m, ok := shiftMnemonics[instr.Token]
	if !ok {
		cg.abort(UnexpectedOperand, "shift operation "+instr.Token.String())
		return
	}

	if right.IsRegister() {
		if cg.toRegister(right) != ia32.ECX {
			cg.abort(UnexpectedOperand, "shift count must be in ecx")
			return
		}
		a.ShiftCl(m, ia32.R(left))
		if instr.Token == lir.TokenShr && instr.CanDeopt {
			a.Test(left, ia32.R(left))
			cg.deoptimizeIf(ia32.Sign, instr, deopt.ReasonNegativeValue)
		}
		return
	}

	count := uint8(cg.toInteger32(right) & 0x1F)
	switch instr.Token {
	case lir.TokenRor, lir.TokenShr:
		if count != 0 {
			a.ShiftImm(m, ia32.R(left), count)
		} else if instr.CanDeopt {
			// 无符号结果超出 int32 范围
			a.Test(left, ia32.R(left))
			cg.deoptimizeIf(ia32.Sign, instr, deopt.ReasonNegativeValue)
		}
	case lir.TokenSar:
		if count != 0 {
			a.Sar(ia32.R(left), count)
		}
	case lir.TokenShl:
		if count == 0 {
			return
		}
		if instr.Hydrogen.Representation() == lir.ReprSmi && instr.CanDeopt {
			if count != 1 {
				a.Shl(ia32.R(left), count-1)
			}
			cg.smiTag(left)
			cg.deoptimizeIf(ia32.Overflow, instr, deopt.ReasonOverflow)
		} else {
			a.Shl(ia32.R(left), count)
		}
	}
}

// ============================================================================
// Math.min / Math.max / Math.abs
// ============================================================================

func (cg *CodeGen) doMathMinMax(instr *lir.Instruction) {
	a := cg.masm
	left, right := instr.Left(), instr.Right()
	isMin := instr.Token == lir.TokenMin
	repr := instr.Hydrogen.Representation()

	if repr.IsSmiOrInteger32() {
		var returnLeft ia32.Label
		cc := ia32.GreaterEqual
		if isMin {
			cc = ia32.LessEqual
		}
		if right.IsConstant() {
			op := cg.toOperand(left)
			imm := cg.toImmediate(right, repr)
			a.CmpOpImm(op, imm)
			a.J(cc, &returnLeft)
			a.MovOpImm(op, imm)
		} else {
			l := cg.toRegister(left)
			op := cg.toOperand(right)
			a.Cmp(l, op)
			a.J(cc, &returnLeft)
			a.MovRegOp(l, op)
		}
		a.Bind(&returnLeft)
		return
	}

	var checkNaNLeft, checkZero, returnLeft, returnRight ia32.Label
	cc := ia32.Above
	if isMin {
		cc = ia32.Below
	}
	l := cg.toDoubleRegister(left)
	r := cg.toDoubleRegister(right)
	a.Ucomisd(l, r)
	a.J(ia32.ParityEven, &checkNaNLeft)
	a.J(ia32.Equal, &checkZero)
	a.J(cc, &returnLeft)
	a.Jmp(&returnRight)

	a.Bind(&checkZero)
	a.Xorps(ia32.DoubleScratch, ia32.DoubleScratch)
	a.Ucomisd(l, ia32.DoubleScratch)
	a.J(ia32.NotEqual, &returnLeft)
	// 两侧都是 ±0：min 取并集符号，max 用加法
	if isMin {
		a.Orps(l, r)
	} else {
		a.Addsd(l, r)
	}
	a.Jmp(&returnLeft)

	a.Bind(&checkNaNLeft)
	a.Ucomisd(l, l)
	a.J(ia32.ParityEven, &returnLeft)
	a.Bind(&returnRight)
	a.Movaps(l, r)
	a.Bind(&returnLeft)
}

// emitIntegerMathAbs 取反溢出（最小整数）时反优化
func (cg *CodeGen) emitIntegerMathAbs(instr *lir.Instruction) {
	a := cg.masm
	input := cg.toRegister(instr.Input(0))
	var positive ia32.Label
	a.Test(input, ia32.R(input))
	a.J(ia32.NotSign, &positive)
	a.Neg(ia32.R(input))
	cg.deoptimizeIf(ia32.Negative, instr, deopt.ReasonOverflow)
	a.Bind(&positive)
}

func (cg *CodeGen) doMathAbs(instr *lir.Instruction) {
	a := cg.masm
	r := instr.Hydrogen.Representation()
	switch {
	case r == lir.ReprDouble:
		input := cg.toDoubleRegister(instr.Input(0))
		a.Xorps(ia32.DoubleScratch, ia32.DoubleScratch)
		a.Subsd(ia32.DoubleScratch, input)
		a.Andps(input, ia32.DoubleScratch)
		return
	case r.IsSmiOrInteger32():
		cg.emitIntegerMathAbs(instr)
		return
	}

	d := cg.addDeferred(instr, (*CodeGen).deferredMathAbsTaggedHeapNumber)
	cg.jumpIfNotSmi(cg.toRegister(instr.Input(0)), &d.entry)
	cg.emitIntegerMathAbs(instr)
	cg.bindExit(d)
}

// deferredMathAbsTaggedHeapNumber 负的堆数值复制一份并清除符号位
func (cg *CodeGen) deferredMathAbsTaggedHeapNumber(d *deferredCode) {
	a := cg.masm
	instr := d.instr
	input := cg.toRegister(instr.Input(0))
	cg.compareRootMap(input, runtime.RootHeapNumberMap)
	cg.deoptimizeIf(ia32.NotEqual, instr, deopt.ReasonNotAHeapNumber)

	tmp := ia32.EAX
	if input == ia32.EAX {
		tmp = ia32.ECX
	}
	tmp2 := ia32.ECX
	if tmp == ia32.ECX || input == ia32.ECX {
		tmp2 = ia32.EDX
	}

	exponent := runtime.HeapNumberValueOffset + runtime.Int32Size
	mantissa := runtime.HeapNumberValueOffset
	cg.pushSafepointRegisters(func() {
		var slow, allocated, done ia32.Label
		a.MovRegOp(tmp, ia32.FieldOperand(input, exponent))
		a.TestOpImm(ia32.R(tmp), immU32(uint32(runtime.DoubleSignMask>>32)))
		a.J(ia32.Zero, &done)

		cg.allocateHeapNumber(tmp, tmp2, &slow)
		a.Jmp(&allocated)

		a.Bind(&slow)
		cg.callRuntimeFromDeferred(runtime.FuncAllocateHeapNumber, 0, instr, lir.None)
		if tmp != ia32.EAX {
			a.MovRegReg(tmp, ia32.EAX)
		}
		cg.loadFromSafepointRegisterSlot(input, input)

		a.Bind(&allocated)
		a.MovRegOp(tmp2, ia32.FieldOperand(input, exponent))
		a.AndOpImm(ia32.R(tmp2), immU32(^uint32(runtime.DoubleSignMask>>32)))
		a.MovOpReg(ia32.FieldOperand(tmp, exponent), tmp2)
		a.MovRegOp(tmp2, ia32.FieldOperand(input, mantissa))
		a.MovOpReg(ia32.FieldOperand(tmp, mantissa), tmp2)
		cg.storeToSafepointRegisterSlot(input, tmp)
		a.Bind(&done)
	})
}
