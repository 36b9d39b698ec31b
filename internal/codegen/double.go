// double.go - 双精度运算与泛型算术

package codegen

import (
	"github.com/tangzhangming/lithium/internal/asm/ia32"
	"github.com/tangzhangming/lithium/internal/deopt"
	"github.com/tangzhangming/lithium/internal/lir"
	"github.com/tangzhangming/lithium/internal/runtime"
)

// roundsd 舍入模式
const roundDown = 1

func (cg *CodeGen) doArithmeticD(instr *lir.Instruction) {
	a := cg.masm
	left := cg.toDoubleRegister(instr.Left())
	right := cg.toDoubleRegister(instr.Right())
	result := cg.toDoubleRegister(instr.Result)

	if instr.Token == lir.TokenMod {
		cg.emitModTwoDoubles(result, left, right)
		return
	}
	if result != left {
		cg.abort(UnexpectedOperand, "double arithmetic result must reuse the left register")
		return
	}
	switch instr.Token {
	case lir.TokenAdd:
		a.Addsd(left, right)
	case lir.TokenSub:
		a.Subsd(left, right)
	case lir.TokenMul:
		a.Mulsd(left, right)
	case lir.TokenDiv:
		a.Divsd(left, right)
		// 自身 movaps 保留，部分 CPU 上 divsd 之后它更快
		a.Movaps(result, result)
	default:
		cg.abort(UnexpectedOperand, "double operation "+instr.Token.String())
	}
}

// emitModTwoDoubles 调用运行时的取模函数
//
// 约定：[esp] 被除数，[esp+8] 除数，结果写回 [esp]；调用方清理参数，
// eax、ecx、edx 与全部 XMM 寄存器被破坏。
func (cg *CodeGen) emitModTwoDoubles(result, left, right ia32.XMMRegister) {
	a := cg.masm
	a.SubOpImm(ia32.R(ia32.ESP), ia32.Imm(2*runtime.DoubleSize))
	a.MovsdStore(ia32.Mem(ia32.ESP, 0), left)
	a.MovsdStore(ia32.Mem(ia32.ESP, runtime.DoubleSize), right)
	a.MovRegImm(ia32.EAX, ia32.ImmReloc(uint32(cg.isolate.External(runtime.ExtModTwoDoubles)), ia32.RelocExternalReference))
	a.CallOp(ia32.R(ia32.EAX))
	a.MovsdLoad(result, ia32.Mem(ia32.ESP, 0))
	a.AddOpImm(ia32.R(ia32.ESP), ia32.Imm(2*runtime.DoubleSize))
}

// doArithmeticT 带标记的泛型算术交给 BinaryOpIC：edx 左、eax 右、结果 eax
func (cg *CodeGen) doArithmeticT(instr *lir.Instruction) {
	if cg.toRegister(instr.Left()) != ia32.EDX || cg.toRegister(instr.Right()) != ia32.EAX ||
		cg.toRegister(instr.Result) != ia32.EAX {
		cg.abort(UnexpectedOperand, "generic arithmetic expects edx, eax")
		return
	}
	cg.callCode(runtime.BuiltinBinaryOpIC, instr)
}

func (cg *CodeGen) doMathSqrt(instr *lir.Instruction) {
	a := cg.masm
	output := cg.toDoubleRegister(instr.Result)
	input := instr.Input(0)
	if input.IsDoubleRegister() {
		a.Sqrtsd(output, cg.toDoubleRegister(input))
		return
	}
	a.MovsdLoad(output, cg.toOperand(input))
	a.Sqrtsd(output, output)
}

func (cg *CodeGen) doMathFloor(instr *lir.Instruction) {
	a := cg.masm
	output := cg.toRegister(instr.Result)
	input := cg.toDoubleRegister(instr.Input(0))
	scratch := ia32.DoubleScratch

	if cg.config.EnableSSE41 {
		if instr.CheckFlag(lir.FlagBailoutOnMinusZero) {
			var nonZero ia32.Label
			a.Xorps(scratch, scratch)
			a.Ucomisd(input, scratch)
			a.J(ia32.NotEqual, &nonZero)
			a.Movmskpd(output, input)
			a.TestOpImm(ia32.R(output), ia32.Imm(1))
			cg.deoptimizeIf(ia32.NotZero, instr, deopt.ReasonMinusZero)
			a.Bind(&nonZero)
		}
		a.Roundsd(scratch, input, roundDown)
		a.Cvttsd2si(output, scratch)
		// 溢出时 cvttsd2si 返回最小整数
		a.CmpOpImm(ia32.R(output), ia32.Imm(1))
		cg.deoptimizeIf(ia32.Overflow, instr, deopt.ReasonOverflow)
		return
	}

	var negativeSign, done ia32.Label
	a.Xorps(scratch, scratch)
	a.Ucomisd(input, scratch)
	cg.deoptimizeIf(ia32.ParityEven, instr, deopt.ReasonNaN)
	a.J(ia32.Below, &negativeSign)

	if instr.CheckFlag(lir.FlagBailoutOnMinusZero) {
		var positiveSign ia32.Label
		a.J(ia32.Above, &positiveSign)
		a.Movmskpd(output, input)
		a.TestOpImm(ia32.R(output), ia32.Imm(1))
		cg.deoptimizeIf(ia32.NotZero, instr, deopt.ReasonMinusZero)
		a.MovRegImm(output, ia32.Imm(0))
		a.Jmp(&done)
		a.Bind(&positiveSign)
	}

	// 非负数直接截断
	a.Cvttsd2si(output, input)
	a.CmpOpImm(ia32.R(output), ia32.Imm(1))
	cg.deoptimizeIf(ia32.Overflow, instr, deopt.ReasonOverflow)
	a.Jmp(&done)

	// 负数截断后比较，不相等再减 1
	a.Bind(&negativeSign)
	a.Cvttsd2si(output, input)
	cg.cvtsi2sdClear(scratch, ia32.R(output))
	a.Ucomisd(input, scratch)
	a.J(ia32.Equal, &done)
	a.SubOpImm(ia32.R(output), ia32.Imm(1))
	cg.deoptimizeIf(ia32.Overflow, instr, deopt.ReasonOverflow)

	a.Bind(&done)
}
