// divmod.go - 整数除法与取模
//
// 常量除数用魔数乘法代替 idiv；2 的幂用移位。寄存器约定：
//
//	DivI / FlooringDivI   被除数 eax（也是结果），除数不在 eax/edx，Temps[0] = edx
//	ModI                  被除数 eax，结果 edx
//	DivByConstI           结果 edx
//	ModByConstI           结果 eax
//	FlooringDivByConstI   结果 edx；Temps[0] 与 eax/edx/被除数都不同
//
// 常量除数放在 Imm 中。

package codegen

import (
	"math"
	"math/bits"

	"github.com/tangzhangming/lithium/internal/asm/ia32"
	"github.com/tangzhangming/lithium/internal/deopt"
	"github.com/tangzhangming/lithium/internal/lir"
)

// ============================================================================
// 魔数
// ============================================================================

// divisionMagic 有符号除以常量的乘数与移位量
type divisionMagic struct {
	multiplier uint32
	shift      uint
}

// signedDivisionMagic 按 Hacker's Delight 10-1 计算 d 的魔数，d 不能是 0、1、-1
func signedDivisionMagic(d uint32) divisionMagic {
	const min = uint32(1) << 31
	neg := d&min != 0
	ad := d
	if neg {
		ad = -d
	}
	t := min + d>>31
	anc := t - 1 - t%ad
	p := uint(31)
	q1, r1 := min/anc, min-(min/anc)*anc
	q2, r2 := min/ad, min-(min/ad)*ad
	for {
		p++
		q1, r1 = 2*q1, 2*r1
		if r1 >= anc {
			q1++
			r1 -= anc
		}
		q2, r2 = 2*q2, 2*r2
		if r2 >= ad {
			q2++
			r2 -= ad
		}
		delta := ad - r2
		if !(q1 < delta || (q1 == delta && r1 == 0)) {
			break
		}
	}
	mul := q2 + 1
	if neg {
		mul = -mul
	}
	return divisionMagic{multiplier: mul, shift: p - 32}
}

// abs32 最小整数的绝对值按无符号解释
func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

// powerOf2Shift |d| 的 log2；d 必须是 2 的幂或最小整数
func powerOf2Shift(d int32) uint8 {
	return uint8(bits.TrailingZeros32(uint32(abs32(d))))
}

// truncatingDiv 向零截断的 dividend / divisor，结果在 edx，破坏 eax
//
// divisor 为正；dividend 不能是 eax 或 edx。
func (cg *CodeGen) truncatingDiv(dividend ia32.Register, divisor int32) {
	a := cg.masm
	if dividend == ia32.EAX || dividend == ia32.EDX {
		cg.abort(UnexpectedOperand, "truncating division clobbers eax and edx")
		return
	}
	mag := signedDivisionMagic(uint32(divisor))
	a.MovRegImm(ia32.EAX, immU32(mag.multiplier))
	a.Imul1(ia32.R(dividend))
	negMul := mag.multiplier&(1<<31) != 0
	if divisor > 0 && negMul {
		a.Add(ia32.EDX, ia32.R(dividend))
	}
	if divisor < 0 && !negMul && mag.multiplier > 0 {
		a.Sub(ia32.EDX, ia32.R(dividend))
	}
	if mag.shift > 0 {
		a.Sar(ia32.R(ia32.EDX), uint8(mag.shift))
	}
	// 负数结果加 1 向零取整
	a.MovRegReg(ia32.EAX, dividend)
	a.Shr(ia32.R(ia32.EAX), 31)
	a.Add(ia32.EDX, ia32.R(ia32.EAX))
}

// ============================================================================
// 取模
// ============================================================================

func (cg *CodeGen) doModByPowerOf2I(instr *lir.Instruction) {
	a := cg.masm
	dividend := cg.toRegister(instr.Input(0))
	divisor := instr.Imm
	if divisor == 0 {
		cg.deoptimizeIf(ia32.NoCondition, instr, deopt.ReasonDivisionByZero)
		return
	}
	mask := divisor - 1
	if divisor < 0 {
		mask = -(divisor + 1)
	}

	var notNegative, done ia32.Label
	if instr.CheckFlag(lir.FlagLeftCanBeNegative) {
		a.Test(dividend, ia32.R(dividend))
		a.J(ia32.NotSign, &notNegative)
		// 对最小整数同样成立
		a.Neg(ia32.R(dividend))
		a.AndOpImm(ia32.R(dividend), ia32.Imm(mask))
		a.Neg(ia32.R(dividend))
		if instr.CheckFlag(lir.FlagBailoutOnMinusZero) {
			cg.deoptimizeIf(ia32.Zero, instr, deopt.ReasonMinusZero)
		}
		a.Jmp(&done)
	}
	a.Bind(&notNegative)
	a.AndOpImm(ia32.R(dividend), ia32.Imm(mask))
	a.Bind(&done)
}

func (cg *CodeGen) doModByConstI(instr *lir.Instruction) {
	a := cg.masm
	dividend := cg.toRegister(instr.Input(0))
	divisor := instr.Imm
	if divisor == 0 {
		cg.deoptimizeIf(ia32.NoCondition, instr, deopt.ReasonDivisionByZero)
		return
	}

	cg.truncatingDiv(dividend, abs32(divisor))
	a.ImulImm(ia32.EDX, ia32.R(ia32.EDX), abs32(divisor))
	a.MovRegReg(ia32.EAX, dividend)
	a.Sub(ia32.EAX, ia32.R(ia32.EDX))

	if instr.CheckFlag(lir.FlagBailoutOnMinusZero) {
		var notZero ia32.Label
		a.J(ia32.NotZero, &notZero)
		a.CmpOpImm(ia32.R(dividend), ia32.Imm(0))
		cg.deoptimizeIf(ia32.Less, instr, deopt.ReasonMinusZero)
		a.Bind(&notZero)
	}
}

func (cg *CodeGen) doModI(instr *lir.Instruction) {
	a := cg.masm
	left := cg.toRegister(instr.Left())
	right := cg.toRegister(instr.Right())
	result := cg.toRegister(instr.Result)
	if left != ia32.EAX || result != ia32.EDX || right == ia32.EAX || right == ia32.EDX {
		cg.abort(UnexpectedOperand, "mod-i requires eax dividend and edx result")
		return
	}

	var done ia32.Label
	// x % 0 会触发除法异常
	if instr.CheckFlag(lir.FlagCanBeDivByZero) {
		a.Test(right, ia32.R(right))
		cg.deoptimizeIf(ia32.Zero, instr, deopt.ReasonDivisionByZero)
	}

	// 最小整数 % -1 同样触发异常
	if instr.CheckFlag(lir.FlagCanOverflow) {
		var noOverflow ia32.Label
		a.CmpOpImm(ia32.R(left), ia32.Imm(math.MinInt32))
		a.J(ia32.NotEqual, &noOverflow)
		a.CmpOpImm(ia32.R(right), ia32.Imm(-1))
		if instr.CheckFlag(lir.FlagBailoutOnMinusZero) {
			cg.deoptimizeIf(ia32.Equal, instr, deopt.ReasonMinusZero)
		} else {
			a.J(ia32.NotEqual, &noOverflow)
			a.Xor(result, ia32.R(result))
			a.Jmp(&done)
		}
		a.Bind(&noOverflow)
	}

	a.Cdq()
	if instr.CheckFlag(lir.FlagBailoutOnMinusZero) {
		var positive ia32.Label
		a.Test(left, ia32.R(left))
		a.J(ia32.NotSign, &positive)
		a.Idiv(ia32.R(right))
		a.Test(result, ia32.R(result))
		cg.deoptimizeIf(ia32.Zero, instr, deopt.ReasonMinusZero)
		a.Jmp(&done)
		a.Bind(&positive)
	}
	a.Idiv(ia32.R(right))
	a.Bind(&done)
}

// ============================================================================
// 截断除法
// ============================================================================

func (cg *CodeGen) doDivByPowerOf2I(instr *lir.Instruction) {
	a := cg.masm
	dividend := cg.toRegister(instr.Input(0))
	result := cg.toRegister(instr.Result)
	divisor := instr.Imm
	if divisor == 0 {
		cg.deoptimizeIf(ia32.NoCondition, instr, deopt.ReasonDivisionByZero)
		return
	}

	// 0 / -x 得到 -0
	if instr.CheckFlag(lir.FlagBailoutOnMinusZero) && divisor < 0 {
		a.Test(dividend, ia32.R(dividend))
		cg.deoptimizeIf(ia32.Zero, instr, deopt.ReasonMinusZero)
	}
	if instr.CheckFlag(lir.FlagCanOverflow) && divisor == -1 {
		a.CmpOpImm(ia32.R(dividend), ia32.Imm(math.MinInt32))
		cg.deoptimizeIf(ia32.Zero, instr, deopt.ReasonOverflow)
	}
	// 余数不为 0 时结果不是整数
	if !instr.CheckFlag(lir.FlagAllUsesTruncatingToInt32) && divisor != 1 && divisor != -1 {
		mask := divisor - 1
		if divisor < 0 {
			mask = -(divisor + 1)
		}
		a.TestOpImm(ia32.R(dividend), ia32.Imm(mask))
		cg.deoptimizeIf(ia32.NotZero, instr, deopt.ReasonLostPrecision)
	}

	a.MovRegReg(result, dividend)
	if shift := powerOf2Shift(divisor); shift > 0 {
		// 负数先加上 2^shift - 1 再右移
		if shift > 1 {
			a.Sar(ia32.R(result), 31)
		}
		a.Shr(ia32.R(result), 32-shift)
		a.Add(result, ia32.R(dividend))
		a.Sar(ia32.R(result), shift)
	}
	if divisor < 0 {
		a.Neg(ia32.R(result))
	}
}

func (cg *CodeGen) doDivByConstI(instr *lir.Instruction) {
	a := cg.masm
	dividend := cg.toRegister(instr.Input(0))
	divisor := instr.Imm
	if divisor == 0 {
		cg.deoptimizeIf(ia32.NoCondition, instr, deopt.ReasonDivisionByZero)
		return
	}

	if instr.CheckFlag(lir.FlagBailoutOnMinusZero) && divisor < 0 {
		a.Test(dividend, ia32.R(dividend))
		cg.deoptimizeIf(ia32.Zero, instr, deopt.ReasonMinusZero)
	}

	cg.truncatingDiv(dividend, abs32(divisor))
	if divisor < 0 {
		a.Neg(ia32.R(ia32.EDX))
	}

	if !instr.CheckFlag(lir.FlagAllUsesTruncatingToInt32) {
		a.MovRegReg(ia32.EAX, ia32.EDX)
		a.ImulImm(ia32.EAX, ia32.R(ia32.EAX), divisor)
		a.Sub(ia32.EAX, ia32.R(dividend))
		cg.deoptimizeIf(ia32.NotEqual, instr, deopt.ReasonLostPrecision)
	}
}

// emitDivChecks DivI 与 FlooringDivI 共用的除零、-0 与溢出检查
func (cg *CodeGen) emitDivChecks(instr *lir.Instruction, dividend, divisor ia32.Register) {
	a := cg.masm
	if instr.CheckFlag(lir.FlagCanBeDivByZero) {
		a.Test(divisor, ia32.R(divisor))
		cg.deoptimizeIf(ia32.Zero, instr, deopt.ReasonDivisionByZero)
	}

	if instr.CheckFlag(lir.FlagBailoutOnMinusZero) {
		var notZero ia32.Label
		a.Test(dividend, ia32.R(dividend))
		a.J(ia32.NotZero, &notZero)
		a.Test(divisor, ia32.R(divisor))
		cg.deoptimizeIf(ia32.Sign, instr, deopt.ReasonMinusZero)
		a.Bind(&notZero)
	}

	if instr.CheckFlag(lir.FlagCanOverflow) {
		var notMinInt ia32.Label
		a.CmpOpImm(ia32.R(dividend), ia32.Imm(math.MinInt32))
		a.J(ia32.NotZero, &notMinInt)
		a.CmpOpImm(ia32.R(divisor), ia32.Imm(-1))
		cg.deoptimizeIf(ia32.Zero, instr, deopt.ReasonOverflow)
		a.Bind(&notMinInt)
	}
}

// divRegisters 校验 idiv 的固定寄存器
func (cg *CodeGen) divRegisters(instr *lir.Instruction) (dividend, divisor, remainder ia32.Register, ok bool) {
	dividend = cg.toRegister(instr.Left())
	divisor = cg.toRegister(instr.Right())
	remainder = cg.toRegister(instr.Temp(0))
	if dividend != ia32.EAX || remainder != ia32.EDX || divisor == ia32.EAX || divisor == ia32.EDX ||
		cg.toRegister(instr.Result) != ia32.EAX {
		cg.abort(UnexpectedOperand, instr.Op.String()+" requires eax dividend and edx remainder")
		return dividend, divisor, remainder, false
	}
	return dividend, divisor, remainder, true
}

func (cg *CodeGen) doDivI(instr *lir.Instruction) {
	a := cg.masm
	dividend, divisor, remainder, ok := cg.divRegisters(instr)
	if !ok {
		return
	}
	cg.emitDivChecks(instr, dividend, divisor)
	a.Cdq()
	a.Idiv(ia32.R(divisor))
	if !instr.CheckFlag(lir.FlagAllUsesTruncatingToInt32) {
		a.Test(remainder, ia32.R(remainder))
		cg.deoptimizeIf(ia32.NotZero, instr, deopt.ReasonLostPrecision)
	}
}

// ============================================================================
// 向下取整除法
// ============================================================================

func (cg *CodeGen) doFlooringDivByPowerOf2I(instr *lir.Instruction) {
	a := cg.masm
	dividend := cg.toRegister(instr.Input(0))
	divisor := instr.Imm

	switch divisor {
	case 0:
		cg.deoptimizeIf(ia32.NoCondition, instr, deopt.ReasonDivisionByZero)
		return
	case 1:
		return
	}
	shift := powerOf2Shift(divisor)
	if divisor > 1 {
		a.Sar(ia32.R(dividend), shift)
		return
	}

	// 负除数：先取反再处理边界
	a.Neg(ia32.R(dividend))
	if instr.CheckFlag(lir.FlagBailoutOnMinusZero) {
		cg.deoptimizeIf(ia32.Zero, instr, deopt.ReasonMinusZero)
	}
	if divisor == -1 {
		if instr.CheckFlag(lir.FlagLeftCanBeMinInt) {
			cg.deoptimizeIf(ia32.Overflow, instr, deopt.ReasonOverflow)
		}
		return
	}
	if !instr.CheckFlag(lir.FlagLeftCanBeMinInt) {
		a.Sar(ia32.R(dividend), shift)
		return
	}

	var notMinInt, done ia32.Label
	a.J(ia32.NoOverflow, &notMinInt)
	a.MovRegImm(dividend, ia32.Imm(math.MinInt32/divisor))
	a.Jmp(&done)
	a.Bind(&notMinInt)
	a.Sar(ia32.R(dividend), shift)
	a.Bind(&done)
}

func (cg *CodeGen) doFlooringDivByConstI(instr *lir.Instruction) {
	a := cg.masm
	dividend := cg.toRegister(instr.Input(0))
	divisor := instr.Imm
	if divisor == 0 {
		cg.deoptimizeIf(ia32.NoCondition, instr, deopt.ReasonDivisionByZero)
		return
	}

	if instr.CheckFlag(lir.FlagBailoutOnMinusZero) && divisor < 0 {
		a.Test(dividend, ia32.R(dividend))
		cg.deoptimizeIf(ia32.Zero, instr, deopt.ReasonMinusZero)
	}

	// 被除数与除数同号时向下取整等于截断
	if (divisor > 0 && !instr.CheckFlag(lir.FlagLeftCanBeNegative)) ||
		(divisor < 0 && !instr.CheckFlag(lir.FlagLeftCanBePositive)) {
		cg.truncatingDiv(dividend, abs32(divisor))
		if divisor < 0 {
			a.Neg(ia32.R(ia32.EDX))
		}
		return
	}

	temp := cg.toRegister(instr.Temp(0))
	if temp == dividend || temp == ia32.EAX || temp == ia32.EDX {
		cg.abort(UnexpectedOperand, "flooring division temp overlaps eax, edx or the dividend")
		return
	}
	var needsAdjustment, done ia32.Label
	cc, bias := ia32.Less, int32(1)
	if divisor < 0 {
		cc, bias = ia32.Greater, -1
	}
	a.CmpOpImm(ia32.R(dividend), ia32.Imm(0))
	a.J(cc, &needsAdjustment)
	cg.truncatingDiv(dividend, abs32(divisor))
	if divisor < 0 {
		a.Neg(ia32.R(ia32.EDX))
	}
	a.Jmp(&done)
	a.Bind(&needsAdjustment)
	a.Lea(temp, ia32.Mem(dividend, bias))
	cg.truncatingDiv(temp, abs32(divisor))
	if divisor < 0 {
		a.Neg(ia32.R(ia32.EDX))
	}
	a.Dec(ia32.R(ia32.EDX))
	a.Bind(&done)
}

func (cg *CodeGen) doFlooringDivI(instr *lir.Instruction) {
	a := cg.masm
	dividend, divisor, remainder, ok := cg.divRegisters(instr)
	if !ok {
		return
	}
	cg.emitDivChecks(instr, dividend, divisor)
	a.Cdq()
	a.Idiv(ia32.R(divisor))

	// 余数与除数异号时商减 1
	var done ia32.Label
	a.Test(remainder, ia32.R(remainder))
	a.J(ia32.Zero, &done)
	a.Xor(remainder, ia32.R(divisor))
	a.Sar(ia32.R(remainder), 31)
	a.Add(dividend, ia32.R(remainder))
	a.Bind(&done)
}
