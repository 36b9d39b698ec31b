// control.go - 控制流、伪指令与反优化相关指令

package codegen

import (
	"github.com/tangzhangming/lithium/internal/asm/ia32"
	"github.com/tangzhangming/lithium/internal/deopt"
	"github.com/tangzhangming/lithium/internal/lir"
	"github.com/tangzhangming/lithium/internal/runtime"
	"github.com/tangzhangming/lithium/internal/safepoint"
)

// ============================================================================
// 块与跳转
// ============================================================================

// nextEmittedBlock 当前块之后第一个会发出代码的块，没有时返回 -1
func (cg *CodeGen) nextEmittedBlock() int {
	for i := cg.currentBlock + 1; i < len(cg.chunk.Blocks); i++ {
		if !cg.chunk.Blocks[i].HasReplacement() {
			return i
		}
	}
	return -1
}

func (cg *CodeGen) isNextEmittedBlock(block int) bool {
	return cg.chunk.LookupDestination(block) == cg.nextEmittedBlock()
}

// blockLabel 块（沿替换链解析之后）的标签
func (cg *CodeGen) blockLabel(block int) *ia32.Label {
	return cg.blockLabels[cg.chunk.LookupDestination(block)]
}

func (cg *CodeGen) trueLabel(instr *lir.Instruction) *ia32.Label  { return cg.blockLabel(instr.TrueBlock) }
func (cg *CodeGen) falseLabel(instr *lir.Instruction) *ia32.Label { return cg.blockLabel(instr.FalseBlock) }

func (cg *CodeGen) emitGoto(block int) {
	if !cg.isNextEmittedBlock(block) {
		cg.masm.Jmp(cg.blockLabel(block))
	}
}

// emitBranch 按条件跳到真或假目标
//
// 两个目标相同或 cc 为 NoCondition 时只发出无条件跳转；目标是下一个
// 发出的块时省略那一侧的跳转。
func (cg *CodeGen) emitBranch(instr *lir.Instruction, cc ia32.Condition) {
	left := cg.chunk.LookupDestination(instr.TrueBlock)
	right := cg.chunk.LookupDestination(instr.FalseBlock)
	next := cg.nextEmittedBlock()
	a := cg.masm

	switch {
	case left == right || cc == ia32.NoCondition:
		cg.emitGoto(left)
	case left == next:
		a.J(cc.Negate(), cg.blockLabels[right])
	case right == next:
		a.J(cc, cg.blockLabels[left])
	default:
		a.J(cc, cg.blockLabels[left])
		a.Jmp(cg.blockLabels[right])
	}
}

// emitFalseBranch 条件成立时跳到假目标，否则落入后续检查
func (cg *CodeGen) emitFalseBranch(instr *lir.Instruction, cc ia32.Condition) {
	if cc == ia32.NoCondition {
		cg.masm.Jmp(cg.falseLabel(instr))
		return
	}
	cg.masm.J(cc, cg.falseLabel(instr))
}

func (cg *CodeGen) doLabel(instr *lir.Instruction) {
	cg.masm.Bind(cg.blockLabels[instr.Block])
	cg.currentBlock = instr.Block
	cg.doGap(instr)
}

func (cg *CodeGen) doGap(instr *lir.Instruction) {
	for pos := lir.GapBefore; pos < lir.NumGapPositions; pos++ {
		if m := instr.Moves[pos]; m != nil {
			cg.resolver.Resolve(m)
		}
	}
}

func (cg *CodeGen) doGoto(instr *lir.Instruction) {
	cg.emitGoto(instr.Block)
}

// ============================================================================
// 分支
// ============================================================================

func (cg *CodeGen) doBranch(instr *lir.Instruction) {
	a := cg.masm
	value := instr.Hydrogen
	r := value.Representation()

	switch {
	case r.IsSmiOrInteger32():
		reg := cg.toRegister(instr.Input(0))
		a.Test(reg, ia32.R(reg))
		cg.emitBranch(instr, ia32.NotZero)
		return
	case r == lir.ReprDouble:
		reg := cg.toDoubleRegister(instr.Input(0))
		a.Xorps(ia32.DoubleScratch, ia32.DoubleScratch)
		a.Ucomisd(reg, ia32.DoubleScratch)
		// NaN 的 ZF 为 1，落入假分支
		cg.emitBranch(instr, ia32.NotEqual)
		return
	case r.IsSIMD128():
		cg.emitBranch(instr, ia32.NoCondition)
		return
	}

	reg := cg.toRegister(instr.Input(0))
	switch {
	case value.HasType(lir.TypeBoolean):
		a.CmpOpImm(ia32.R(reg), cg.rootImmediate(runtime.RootTrue))
		cg.emitBranch(instr, ia32.Equal)
		return
	case value.HasType(lir.TypeSmi):
		a.Test(reg, ia32.R(reg))
		cg.emitBranch(instr, ia32.NotEqual)
		return
	case value.HasType(lir.TypeJSArray):
		a.CmpOpImm(ia32.FieldOperand(reg, runtime.JSArrayLengthOffset), ia32.Imm(0))
		cg.emitBranch(instr, ia32.NotEqual)
		return
	case value.HasType(lir.TypeJSObject):
		cg.emitBranch(instr, ia32.NoCondition)
		return
	case value.HasType(lir.TypeHeapNumber):
		a.MovsdLoad(ia32.DoubleScratch, ia32.FieldOperand(reg, runtime.HeapNumberValueOffset))
		cg.compareDoubleScratchWithZero()
		cg.emitBranch(instr, ia32.NotEqual)
		return
	}

	// 通用 ToBoolean
	t, f := cg.trueLabel(instr), cg.falseLabel(instr)
	a.CmpOpImm(ia32.R(reg), cg.rootImmediate(runtime.RootUndefined))
	a.J(ia32.Equal, f)
	a.CmpOpImm(ia32.R(reg), cg.rootImmediate(runtime.RootTrue))
	a.J(ia32.Equal, t)
	a.CmpOpImm(ia32.R(reg), cg.rootImmediate(runtime.RootFalse))
	a.J(ia32.Equal, f)
	a.CmpOpImm(ia32.R(reg), cg.rootImmediate(runtime.RootNull))
	a.J(ia32.Equal, f)
	// Smi：0 为假
	a.Test(reg, ia32.R(reg))
	a.J(ia32.Equal, f)
	cg.jumpIfSmi(reg, t)

	mapReg := cg.toRegister(instr.Temp(0))
	a.MovRegOp(mapReg, ia32.FieldOperand(reg, runtime.HeapObjectMapOffset))
	// 字符串需要查看长度，交给未优化代码
	cg.cmpInstanceType(mapReg, runtime.FirstNonStringType)
	cg.deoptimizeIf(ia32.Below, instr, deopt.ReasonUnexpectedObject)

	var notHeapNumber ia32.Label
	a.CmpOpImm(ia32.R(mapReg), cg.rootImmediate(runtime.RootHeapNumberMap))
	a.J(ia32.NotEqual, &notHeapNumber)
	a.MovsdLoad(ia32.DoubleScratch, ia32.FieldOperand(reg, runtime.HeapNumberValueOffset))
	cg.compareDoubleScratchWithZero()
	a.J(ia32.Equal, f)
	a.Jmp(t)
	a.Bind(&notHeapNumber)
	// 其余堆对象都为真
	a.Jmp(t)
}

// compareDoubleScratchWithZero 用 0.0 比较 xmm0，+0、-0 和 NaN 置 ZF
//
// 借用 xmm1 作为零值，结束时原样恢复且不改变标志。
func (cg *CodeGen) compareDoubleScratchWithZero() {
	a := cg.masm
	a.SubOpImm(ia32.R(ia32.ESP), ia32.Imm(runtime.DoubleSize))
	a.MovsdStore(ia32.Mem(ia32.ESP, 0), ia32.XMM1)
	a.Xorps(ia32.XMM1, ia32.XMM1)
	a.Ucomisd(ia32.DoubleScratch, ia32.XMM1)
	a.MovsdLoad(ia32.XMM1, ia32.Mem(ia32.ESP, 0))
	a.Lea(ia32.ESP, ia32.Mem(ia32.ESP, runtime.DoubleSize))
}

// tokenToCondition 比较运算符对应的条件码
func tokenToCondition(op lir.Token, unsigned bool) ia32.Condition {
	switch op {
	case lir.TokenEq, lir.TokenEqStrict:
		return ia32.Equal
	case lir.TokenNe, lir.TokenNeStrict:
		return ia32.NotEqual
	case lir.TokenLt:
		if unsigned {
			return ia32.Below
		}
		return ia32.Less
	case lir.TokenGt:
		if unsigned {
			return ia32.Above
		}
		return ia32.Greater
	case lir.TokenLte:
		if unsigned {
			return ia32.BelowEqual
		}
		return ia32.LessEqual
	case lir.TokenGte:
		if unsigned {
			return ia32.AboveEqual
		}
		return ia32.GreaterEqual
	}
	return ia32.NoCondition
}

// evalComparison 对两个常量求比较结果；NaN 参与时除 != 外都为假
func evalComparison(op lir.Token, l, r float64) bool {
	switch op {
	case lir.TokenEq, lir.TokenEqStrict:
		return l == r
	case lir.TokenNe, lir.TokenNeStrict:
		return l != r
	case lir.TokenLt:
		return l < r
	case lir.TokenGt:
		return l > r
	case lir.TokenLte:
		return l <= r
	case lir.TokenGte:
		return l >= r
	}
	return false
}

func (cg *CodeGen) doCompareNumericAndBranch(instr *lir.Instruction) {
	a := cg.masm
	left, right := instr.Left(), instr.Right()
	isDouble := instr.Hydrogen.Representation() == lir.ReprDouble
	unsigned := isDouble || instr.CheckFlag(lir.FlagUint32)
	cc := tokenToCondition(instr.Token, unsigned)
	if cc == ia32.NoCondition {
		cg.abort(UnexpectedOperand, "comparison token "+instr.Token.String())
		return
	}

	if left.IsConstant() && right.IsConstant() {
		next := instr.FalseBlock
		if evalComparison(instr.Token, cg.toDouble(left), cg.toDouble(right)) {
			next = instr.TrueBlock
		}
		cg.emitGoto(next)
		return
	}

	if isDouble {
		a.Ucomisd(cg.toDoubleRegister(left), cg.toDoubleRegister(right))
		// 无序结果不看其余标志，直接走假分支
		a.J(ia32.ParityEven, cg.falseLabel(instr))
	} else {
		repr := instr.Hydrogen.Representation()
		switch {
		case right.IsConstant():
			a.CmpOpImm(cg.toOperand(left), cg.toImmediate(right, repr))
		case left.IsConstant():
			a.CmpOpImm(cg.toOperand(right), cg.toImmediate(left, repr))
			cc = cc.Commute()
		default:
			a.Cmp(cg.toRegister(left), cg.toOperand(right))
		}
	}
	cg.emitBranch(instr, cc)
}

func (cg *CodeGen) doCmpObjectEqAndBranch(instr *lir.Instruction) {
	left := cg.toRegister(instr.Left())
	if right := instr.Right(); right.IsConstant() {
		cg.masm.CmpOpImm(ia32.R(left), cg.constantImmediate(right))
	} else {
		cg.masm.Cmp(left, cg.toOperand(right))
	}
	cg.emitBranch(instr, ia32.Equal)
}

func (cg *CodeGen) doCmpHoleAndBranch(instr *lir.Instruction) {
	a := cg.masm
	if instr.Hydrogen.Representation() != lir.ReprDouble {
		a.CmpOpImm(ia32.R(cg.toRegister(instr.Input(0))), cg.rootImmediate(runtime.RootTheHole))
		cg.emitBranch(instr, ia32.Equal)
		return
	}

	input := cg.toDoubleRegister(instr.Input(0))
	a.Ucomisd(input, input)
	// 有序值不可能是空洞 NaN
	cg.emitFalseBranch(instr, ia32.ParityOdd)

	a.SubOpImm(ia32.R(ia32.ESP), ia32.Imm(runtime.DoubleSize))
	a.MovsdStore(ia32.Mem(ia32.ESP, 0), input)
	a.AddOpImm(ia32.R(ia32.ESP), ia32.Imm(runtime.DoubleSize))
	a.CmpOpImm(ia32.Mem(ia32.ESP, -runtime.Int32Size), immU32(runtime.HoleNanUpper32))
	cg.emitBranch(instr, ia32.Equal)
}

func (cg *CodeGen) doCompareMinusZeroAndBranch(instr *lir.Instruction) {
	a := cg.masm
	if instr.Hydrogen.Representation() == lir.ReprDouble {
		scratch := cg.toRegister(instr.Temp(0))
		value := cg.toDoubleRegister(instr.Input(0))
		a.Xorps(ia32.DoubleScratch, ia32.DoubleScratch)
		a.Ucomisd(ia32.DoubleScratch, value)
		cg.emitFalseBranch(instr, ia32.NotEqual)
		cg.emitFalseBranch(instr, ia32.ParityEven)
		a.Movmskpd(scratch, value)
		a.TestOpImm(ia32.R(scratch), ia32.Imm(1))
		cg.emitBranch(instr, ia32.NotZero)
		return
	}

	value := cg.toRegister(instr.Input(0))
	f := cg.falseLabel(instr)
	cg.jumpIfSmi(value, f)
	cg.compareRootMap(value, runtime.RootHeapNumberMap)
	a.J(ia32.NotEqual, f)
	// -0 的高位字是 0x80000000，减 1 溢出
	a.CmpOpImm(ia32.FieldOperand(value, runtime.HeapNumberValueOffset+runtime.Int32Size), ia32.Imm(1))
	cg.emitFalseBranch(instr, ia32.NoOverflow)
	a.CmpOpImm(ia32.FieldOperand(value, runtime.HeapNumberValueOffset), ia32.Imm(0))
	cg.emitBranch(instr, ia32.Equal)
}

func (cg *CodeGen) doIsSmiAndBranch(instr *lir.Instruction) {
	cg.testSmi(cg.toOperand(instr.Input(0)))
	cg.emitBranch(instr, ia32.Zero)
}

func (cg *CodeGen) doCmpMapAndBranch(instr *lir.Instruction) {
	if len(instr.Check.Maps) == 0 {
		cg.abort(UnexpectedOperand, "cmp-map without a map")
		return
	}
	cg.compareMap(cg.toRegister(instr.Input(0)), instr.Check.Maps[0])
	cg.emitBranch(instr, ia32.Equal)
}

// instanceTypeTest 实例类型区间对应的比较值与条件
func instanceTypeTest(first, last runtime.InstanceType) (runtime.InstanceType, ia32.Condition) {
	switch {
	case first == last:
		return first, ia32.Equal
	case last == runtime.LastType:
		return first, ia32.AboveEqual
	}
	return last, ia32.BelowEqual
}

func (cg *CodeGen) doHasInstanceTypeAndBranch(instr *lir.Instruction) {
	input := cg.toRegister(instr.Input(0))
	temp := cg.toRegister(instr.Temp(0))
	if instr.Hydrogen == nil || !instr.Hydrogen.Type.IsHeapObject() {
		cg.jumpIfSmi(input, cg.falseLabel(instr))
	}
	t, cc := instanceTypeTest(instr.Check.FirstType, instr.Check.LastType)
	cg.cmpObjectType(input, t, temp)
	cg.emitBranch(instr, cc)
}

// ============================================================================
// 返回
// ============================================================================

func (cg *CodeGen) emitReturn(instr *lir.Instruction, dynamicAlignment bool) {
	a := cg.masm
	extra := 1
	if dynamicAlignment {
		extra = 2
	}

	count := instr.Input(1)
	if !count.IsValid() || count.IsConstant() {
		n := cg.chunk.ParameterCount
		if count.IsValid() {
			n = int(cg.toInteger32(count))
		}
		if dynamicAlignment && cg.config.DebugCode {
			var ok ia32.Label
			a.CmpOpImm(ia32.Mem(ia32.ESP, int32((n+extra)*runtime.PointerSize)), ia32.Imm(alignmentZapValue))
			a.J(ia32.Equal, &ok)
			a.Int3()
			a.Bind(&ok)
		}
		a.Ret((n + extra) * runtime.PointerSize)
		return
	}

	// 存根按运行时给出的 Smi 参数个数弹栈
	reg := cg.toRegister(count)
	cg.smiUntag(reg)
	ret := ia32.ECX
	if reg == ia32.ECX {
		ret = ia32.EBX
	}
	a.Pop(ret)
	if dynamicAlignment {
		a.Inc(ia32.R(reg))
	}
	a.Shl(ia32.R(reg), runtime.PointerShift)
	a.Add(ia32.ESP, ia32.R(reg))
	a.JmpOp(ia32.R(ret))
}

func (cg *CodeGen) doReturn(instr *lir.Instruction) {
	a := cg.masm
	if cg.config.Trace && !cg.info.IsStub {
		// 运行时调用原样返回 eax
		a.Push(ia32.EAX)
		a.MovRegOp(ia32.ContextRegister, ia32.Mem(ia32.EBP, contextOffset))
		cg.callRuntimeRaw(runtime.FuncTraceExit, 1, false)
	}
	if cg.info.SavesCallerDoubles {
		cg.restoreCallerDoubles()
	}
	if cg.dynamicFrameAlignment {
		a.MovRegOp(ia32.EDX, ia32.Mem(ia32.EBP, dynamicAlignmentStateOffset))
	}
	noFrameStart := -1
	if cg.needsEagerFrame() {
		a.MovRegReg(ia32.ESP, ia32.EBP)
		a.Pop(ia32.EBP)
		noFrameStart = a.PcOffset()
	}
	if cg.dynamicFrameAlignment {
		var noPadding ia32.Label
		a.CmpOpImm(ia32.R(ia32.EDX), ia32.Imm(noAlignmentPadding))
		a.J(ia32.Equal, &noPadding)
		cg.emitReturn(instr, true)
		a.Bind(&noPadding)
	}
	cg.emitReturn(instr, false)
	if noFrameStart >= 0 {
		cg.noFrameRanges = append(cg.noFrameRanges, NoFrameRange{Start: noFrameStart, End: a.PcOffset()})
	}
}

// ============================================================================
// OSR、栈检查与反优化
// ============================================================================

func (cg *CodeGen) doUnknownOSRValue(*lir.Instruction) {
	cg.generateOsrPrologue()
}

func (cg *CodeGen) doOsrEntry(instr *lir.Instruction) {
	cg.registerEnvironment(instr.Env, safepoint.NoLazyDeopt)
	cg.generateOsrPrologue()
}

func (cg *CodeGen) doStackCheck(instr *lir.Instruction) {
	a := cg.masm
	env := instr.Env
	if env == nil {
		cg.abort(UnexpectedOperand, "stack check without an environment")
		return
	}
	limit := cg.externalOperand(runtime.ExtStackLimit)

	if instr.CheckFlag(lir.FlagIsFunctionEntry) {
		var done ia32.Label
		a.Cmp(ia32.ESP, limit)
		a.J(ia32.AboveEqual, &done)
		cg.callCode(runtime.BuiltinStackCheck, instr)
		a.Bind(&done)
		return
	}

	// 回边：慢路径在延迟代码中，返回点登记惰性反优化
	d := cg.addDeferred(instr, func(cg *CodeGen, d *deferredCode) {
		cg.pushSafepointRegisters(func() {
			cg.masm.MovRegOp(ia32.ContextRegister, ia32.Mem(ia32.EBP, contextOffset))
			cg.callRuntimeRaw(runtime.FuncStackGuard, 0, true)
			cg.recordSafepointWithLazyDeopt(d.instr, true)
			cg.safepoints.RecordLazyDeoptimizationIndex(cg.registered[d.instr.Env].deoptIndex)
		})
	})
	a.Cmp(ia32.ESP, limit)
	a.J(ia32.Below, &d.entry)
	cg.ensureSpaceForLazyDeopt(ia32.PatchSize)
	cg.bindExit(d)
	cg.registerEnvironment(env, safepoint.LazyDeopt)
}

func (cg *CodeGen) doLazyBailout(instr *lir.Instruction) {
	cg.lastLazyDeoptPc = cg.masm.PcOffset()
	if instr.Env == nil {
		cg.abort(UnexpectedOperand, "lazy bailout without an environment")
		return
	}
	reg := cg.registerEnvironment(instr.Env, safepoint.LazyDeopt)
	cg.safepoints.RecordLazyDeoptimizationIndex(reg.deoptIndex)
}

func (cg *CodeGen) doDeoptimize(instr *lir.Instruction) {
	t := deopt.Eager
	if instr.Soft {
		t = deopt.Soft
	}
	if cg.info.IsStub && t == deopt.Eager {
		t = deopt.Lazy
	}
	cg.deoptimizeIfType(ia32.NoCondition, instr, instr.Reason, t)
}

// ============================================================================
// 上下文与参数
// ============================================================================

func (cg *CodeGen) doContext(instr *lir.Instruction) {
	result := cg.toRegister(instr.Result)
	if cg.info.IsStub {
		if result != ia32.ContextRegister {
			cg.masm.MovRegReg(result, ia32.ContextRegister)
		}
		return
	}
	cg.masm.MovRegOp(result, ia32.Mem(ia32.EBP, contextOffset))
}

func (cg *CodeGen) doDrop(instr *lir.Instruction) {
	cg.masm.AddOpImm(ia32.R(ia32.ESP), ia32.Imm(instr.Imm*runtime.PointerSize))
}

func (cg *CodeGen) doPushArgument(instr *lir.Instruction) {
	cg.emitPushTaggedOperand(instr.Input(0))
}

// emitPushTaggedOperand 压入带标记的值
func (cg *CodeGen) emitPushTaggedOperand(op lir.Operand) {
	if op.IsConstant() {
		cg.masm.PushImm(cg.constantImmediate(op))
		return
	}
	if op.IsRegister() {
		cg.masm.Push(cg.toRegister(op))
		return
	}
	cg.masm.PushOp(cg.toOperand(op))
}

// immU32 按位解释的 32 位立即数
func immU32(v uint32) ia32.Immediate {
	return ia32.Imm(int32(v))
}
