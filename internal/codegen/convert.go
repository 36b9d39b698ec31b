// convert.go - 表示转换
//
// 整数、双精度与带标记值之间的装箱、拆箱与截断。装箱的慢路径在延迟代码
// 中调用运行时分配堆数；拆箱的失败路径直接反优化。

package codegen

import (
	"github.com/tangzhangming/lithium/internal/asm/ia32"
	"github.com/tangzhangming/lithium/internal/deopt"
	"github.com/tangzhangming/lithium/internal/lir"
	"github.com/tangzhangming/lithium/internal/runtime"
	"github.com/tangzhangming/lithium/internal/safepoint"
)

func (cg *CodeGen) doInteger32ToDouble(instr *lir.Instruction) {
	cg.cvtsi2sdClear(cg.toDoubleRegister(instr.Result), cg.toOperand(instr.Input(0)))
}

func (cg *CodeGen) doUint32ToDouble(instr *lir.Instruction) {
	cg.loadUint32(cg.toDoubleRegister(instr.Result), cg.toRegister(instr.Input(0)))
}

// ============================================================================
// 装箱
// ============================================================================

// doNumberTagI Smi 标记溢出时转为堆数
func (cg *CodeGen) doNumberTagI(instr *lir.Instruction) {
	reg := cg.toRegister(instr.Input(0))
	d := cg.addDeferred(instr, func(cg *CodeGen, d *deferredCode) {
		cg.deferredNumberTagIU(d.instr, true)
	})
	cg.smiTag(reg)
	cg.masm.J(ia32.Overflow, &d.entry)
	cg.bindExit(d)
}

// doNumberTagU 超出 Smi 范围的无符号数转为堆数
func (cg *CodeGen) doNumberTagU(instr *lir.Instruction) {
	reg := cg.toRegister(instr.Input(0))
	d := cg.addDeferred(instr, func(cg *CodeGen, d *deferredCode) {
		cg.deferredNumberTagIU(d.instr, false)
	})
	cg.masm.CmpOpImm(ia32.R(reg), ia32.Imm(runtime.SmiMaxValue))
	cg.masm.J(ia32.Above, &d.entry)
	cg.smiTag(reg)
	cg.bindExit(d)
}

func (cg *CodeGen) deferredNumberTagIU(instr *lir.Instruction, signed bool) {
	a := cg.masm
	reg := cg.toRegister(instr.Input(0))
	tmp := cg.toRegister(instr.Temp(0))
	scratch := ia32.DoubleScratch

	if signed {
		// 溢出说明原值的第 30、31 位不一致，撤销标记后翻转符号位即可还原
		cg.smiUntag(reg)
		a.XorOpImm(ia32.R(reg), immU32(0x80000000))
		cg.cvtsi2sdClear(scratch, ia32.R(reg))
	} else {
		cg.loadUint32(scratch, reg)
	}

	var slow, done ia32.Label
	if cg.config.InlineNew {
		cg.allocateHeapNumber(reg, tmp, &slow)
		a.Jmp(&done)
	}

	a.Bind(&slow)
	// reg 在指针映射中，先放一个合法值
	a.MovRegImm(reg, ia32.Imm(0))
	cg.pushSafepointRegisters(func() {
		a.MovRegOp(ia32.ContextRegister, ia32.Mem(ia32.EBP, contextOffset))
		cg.callRuntimeRaw(runtime.FuncAllocateHeapNumber, 0, true)
		cg.recordSafepointWithRegisters(instr.Pointers, 0, safepoint.NoLazyDeopt)
		cg.storeToSafepointRegisterSlot(reg, ia32.EAX)
	})

	a.Bind(&done)
	a.MovsdStore(ia32.FieldOperand(reg, runtime.HeapNumberValueOffset), scratch)
}

func (cg *CodeGen) doNumberTagD(instr *lir.Instruction) {
	a := cg.masm
	reg := cg.toRegister(instr.Result)
	d := cg.addDeferred(instr, (*CodeGen).deferredNumberTagD)
	if cg.config.InlineNew {
		cg.allocateHeapNumber(reg, cg.toRegister(instr.Temp(0)), &d.entry)
	} else {
		a.Jmp(&d.entry)
	}
	cg.bindExit(d)
	a.MovsdStore(ia32.FieldOperand(reg, runtime.HeapNumberValueOffset), cg.toDoubleRegister(instr.Input(0)))
}

func (cg *CodeGen) deferredNumberTagD(d *deferredCode) {
	instr := d.instr
	reg := cg.toRegister(instr.Result)
	cg.masm.MovRegImm(reg, ia32.Imm(0))
	cg.pushSafepointRegisters(func() {
		cg.masm.MovRegOp(ia32.ContextRegister, ia32.Mem(ia32.EBP, contextOffset))
		cg.callRuntimeRaw(runtime.FuncAllocateHeapNumber, 0, true)
		cg.recordSafepointWithRegisters(instr.Pointers, 0, safepoint.NoLazyDeopt)
		cg.storeToSafepointRegisterSlot(reg, ia32.EAX)
	})
}

// doSmiTag 无符号输入检查高两位，有符号输入检查标记溢出
func (cg *CodeGen) doSmiTag(instr *lir.Instruction) {
	a := cg.masm
	input := cg.toRegister(instr.Input(0))
	canOverflow := instr.CheckFlag(lir.FlagCanOverflow)
	uint32Input := instr.CheckFlag(lir.FlagUint32)
	if canOverflow && uint32Input {
		a.TestOpImm(ia32.R(input), immU32(0xc0000000))
		cg.deoptimizeIf(ia32.NotZero, instr, deopt.ReasonOverflow)
	}
	cg.smiTag(input)
	if canOverflow && !uint32Input {
		cg.deoptimizeIf(ia32.Overflow, instr, deopt.ReasonOverflow)
	}
}

// doSmiUntag CanDeopt 表示输入可能不是 Smi
func (cg *CodeGen) doSmiUntag(instr *lir.Instruction) {
	result := cg.toRegister(instr.Input(0))
	if instr.CanDeopt {
		cg.testSmi(ia32.R(result))
		cg.deoptimizeIf(ia32.NotZero, instr, deopt.ReasonNotASmi)
	}
	cg.smiUntag(result)
}

// ============================================================================
// 拆箱
// ============================================================================

func (cg *CodeGen) doNumberUntagD(instr *lir.Instruction) {
	a := cg.masm
	input := cg.toRegister(instr.Input(0))
	temp := cg.toRegister(instr.Temp(0))
	result := cg.toDoubleRegister(instr.Result)

	var loadSmi, done ia32.Label
	if !instr.Hydrogen.HasType(lir.TypeSmi) {
		convertUndefined := instr.CheckFlag(lir.FlagCanConvertUndefinedToNaN)
		var convert ia32.Label

		cg.jumpIfSmi(input, &loadSmi)
		cg.compareRootMap(input, runtime.RootHeapNumberMap)
		if convertUndefined {
			a.J(ia32.NotEqual, &convert)
		} else {
			cg.deoptimizeIf(ia32.NotEqual, instr, deopt.ReasonNotAHeapNumber)
		}
		cg.loadHeapNumberValue(result, input)

		if instr.CheckFlag(lir.FlagBailoutOnMinusZero) {
			a.Xorps(ia32.DoubleScratch, ia32.DoubleScratch)
			a.Ucomisd(result, ia32.DoubleScratch)
			a.J(ia32.NotZero, &done)
			a.Movmskpd(temp, result)
			a.TestOpImm(ia32.R(temp), ia32.Imm(1))
			cg.deoptimizeIf(ia32.NotZero, instr, deopt.ReasonMinusZero)
		}
		a.Jmp(&done)

		if convertUndefined {
			a.Bind(&convert)
			cg.compareRoot(ia32.R(input), runtime.RootUndefined)
			cg.deoptimizeIf(ia32.NotEqual, instr, deopt.ReasonNotAHeapNumberUndefined)
			// 全 1 是一个 NaN
			a.Pcmpeqd(result, result)
			a.Jmp(&done)
		}
	}

	a.Bind(&loadSmi)
	a.MovRegReg(temp, input)
	cg.smiUntag(temp)
	cg.cvtsi2sdClear(result, ia32.R(temp))
	a.Bind(&done)
}

// doTaggedToI 先乐观地撤销 Smi 标记，堆对象的标记位移入进位标志后进入延迟代码
func (cg *CodeGen) doTaggedToI(instr *lir.Instruction) {
	input := cg.toRegister(instr.Input(0))
	if instr.Hydrogen.HasType(lir.TypeSmi) {
		cg.smiUntag(input)
		return
	}
	d := cg.addDeferred(instr, (*CodeGen).deferredTaggedToI)
	cg.smiUntag(input)
	cg.masm.J(ia32.Carry, &d.entry)
	cg.bindExit(d)
}

func (cg *CodeGen) deferredTaggedToI(d *deferredCode) {
	a := cg.masm
	instr := d.instr
	input := cg.toRegister(instr.Input(0))
	done := &d.done

	// 恢复标记
	a.Lea(input, ia32.MemIndex(input, input, ia32.Times1, runtime.HeapObjectTag))

	if instr.CheckFlag(lir.FlagAllUsesTruncatingToInt32) {
		var noHeapNumber, checkBools, checkFalse ia32.Label
		cg.compareRootMap(input, runtime.RootHeapNumberMap)
		a.J(ia32.NotEqual, &noHeapNumber)
		cg.loadHeapNumberValue(ia32.DoubleScratch, input)
		cg.truncateDoubleToI(input, ia32.DoubleScratch)
		a.Jmp(done)

		// undefined 与 false 截断为 0，true 截断为 1
		a.Bind(&noHeapNumber)
		cg.compareRoot(ia32.R(input), runtime.RootUndefined)
		a.J(ia32.NotEqual, &checkBools)
		a.MovRegImm(input, ia32.Imm(0))
		a.Jmp(done)

		a.Bind(&checkBools)
		cg.compareRoot(ia32.R(input), runtime.RootTrue)
		a.J(ia32.NotEqual, &checkFalse)
		a.MovRegImm(input, ia32.Imm(1))
		a.Jmp(done)

		a.Bind(&checkFalse)
		cg.compareRoot(ia32.R(input), runtime.RootFalse)
		cg.deoptimizeIf(ia32.NotEqual, instr, deopt.ReasonNotAHeapNumberUndefinedBoolean)
		a.MovRegImm(input, ia32.Imm(0))
		a.Jmp(done)
		return
	}

	scratch := cg.toDoubleRegister(instr.Temp(0))
	cg.compareRootMap(input, runtime.RootHeapNumberMap)
	cg.deoptimizeIf(ia32.NotEqual, instr, deopt.ReasonNotAHeapNumber)
	cg.loadHeapNumberValue(ia32.DoubleScratch, input)
	a.Cvttsd2si(input, ia32.DoubleScratch)
	cg.cvtsi2sdClear(scratch, ia32.R(input))
	a.Ucomisd(ia32.DoubleScratch, scratch)
	cg.deoptimizeIf(ia32.NotEqual, instr, deopt.ReasonLostPrecision)
	cg.deoptimizeIf(ia32.ParityEven, instr, deopt.ReasonNaN)
	if instr.CheckFlag(lir.FlagBailoutOnMinusZero) {
		a.Test(input, ia32.R(input))
		a.J(ia32.NotZero, done)
		a.Movmskpd(input, ia32.DoubleScratch)
		a.AndOpImm(ia32.R(input), ia32.Imm(1))
		cg.deoptimizeIf(ia32.NotZero, instr, deopt.ReasonMinusZero)
	}
	a.Jmp(done)
}

// ============================================================================
// 双精度到整数
// ============================================================================

// emitDoubleToI 精确转换，丢失精度、NaN 与 -0 分别反优化
func (cg *CodeGen) emitDoubleToI(instr *lir.Instruction, result ia32.Register, input ia32.XMMRegister) {
	a := cg.masm
	scratch := ia32.DoubleScratch
	a.Cvttsd2si(result, input)
	cg.cvtsi2sdClear(scratch, ia32.R(result))
	a.Ucomisd(scratch, input)
	cg.deoptimizeIf(ia32.NotEqual, instr, deopt.ReasonLostPrecision)
	cg.deoptimizeIf(ia32.ParityEven, instr, deopt.ReasonNaN)
	if instr.CheckFlag(lir.FlagBailoutOnMinusZero) {
		var done ia32.Label
		a.Test(result, ia32.R(result))
		a.J(ia32.NotZero, &done)
		a.Movmskpd(result, input)
		a.AndOpImm(ia32.R(result), ia32.Imm(1))
		cg.deoptimizeIf(ia32.NotZero, instr, deopt.ReasonMinusZero)
		a.Bind(&done)
	}
}

func (cg *CodeGen) doDoubleToI(instr *lir.Instruction) {
	result := cg.toRegister(instr.Result)
	input := cg.toDoubleRegister(instr.Input(0))
	if instr.CheckFlag(lir.FlagAllUsesTruncatingToInt32) {
		cg.truncateDoubleToI(result, input)
		return
	}
	cg.emitDoubleToI(instr, result, input)
}

func (cg *CodeGen) doDoubleToSmi(instr *lir.Instruction) {
	result := cg.toRegister(instr.Result)
	cg.emitDoubleToI(instr, result, cg.toDoubleRegister(instr.Input(0)))
	cg.smiTag(result)
	cg.deoptimizeIf(ia32.Overflow, instr, deopt.ReasonOverflow)
}

// ============================================================================
// 钳制到 [0, 255]
// ============================================================================

// clampUint8 负数变 0，大于 255 变 255
func (cg *CodeGen) clampUint8(reg ia32.Register) {
	a := cg.masm
	var done ia32.Label
	a.TestOpImm(ia32.R(reg), immU32(0xFFFFFF00))
	a.J(ia32.Zero, &done)
	cg.saturateUint8(reg)
	a.Bind(&done)
}

// saturateUint8 已知超出 [0, 255]：负数得 0，正数得 255
func (cg *CodeGen) saturateUint8(reg ia32.Register) {
	a := cg.masm
	a.Sar(ia32.R(reg), 31)
	a.Not(ia32.R(reg))
	a.AndOpImm(ia32.R(reg), ia32.Imm(255))
}

// clampDoubleToUint8 就近取偶后钳制；转换失败（NaN 或超出范围）时按符号取 0 或 255
func (cg *CodeGen) clampDoubleToUint8(input, scratch ia32.XMMRegister, result ia32.Register) {
	a := cg.masm
	var convFailure, done ia32.Label
	a.Xorps(scratch, scratch)
	a.Cvtsd2si(result, input)
	a.TestOpImm(ia32.R(result), immU32(0xFFFFFF00))
	a.J(ia32.Zero, &done)
	a.CmpOpImm(ia32.R(result), ia32.Imm(1))
	a.J(ia32.Overflow, &convFailure)
	cg.saturateUint8(result)
	a.Jmp(&done)

	a.Bind(&convFailure)
	a.MovRegImm(result, ia32.Imm(0))
	// NaN 的比较结果为无序，落入 Below 取 0
	a.Ucomisd(input, scratch)
	a.J(ia32.Below, &done)
	a.MovRegImm(result, ia32.Imm(255))
	a.Bind(&done)
}

func (cg *CodeGen) doClampIToUint8(instr *lir.Instruction) {
	cg.clampUint8(cg.toRegister(instr.Result))
}

func (cg *CodeGen) doClampDToUint8(instr *lir.Instruction) {
	cg.clampDoubleToUint8(cg.toDoubleRegister(instr.Input(0)), ia32.DoubleScratch, cg.toRegister(instr.Result))
}
