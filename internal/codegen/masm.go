// masm.go - 宏指令序列
//
// 运行时调用、写屏障、内联分配以及若干标记检查。它们只依赖 runtime
// 描述的调用约定和对象布局。

package codegen

import (
	"github.com/tangzhangming/lithium/internal/asm/ia32"
	"github.com/tangzhangming/lithium/internal/lir"
	"github.com/tangzhangming/lithium/internal/runtime"
	"github.com/tangzhangming/lithium/internal/safepoint"
)

// ============================================================================
// 调用
// ============================================================================

func (cg *CodeGen) builtinTarget(b runtime.Builtin) uint32 {
	return uint32(cg.isolate.Builtin(b))
}

// callRuntimeRaw 经 CEntry 调用运行时函数，参数已在栈上
func (cg *CodeGen) callRuntimeRaw(id runtime.FunctionID, argc int, saveDoubles bool) {
	a := cg.masm
	a.MovRegImm(ia32.EAX, ia32.Imm(int32(argc)))
	a.MovRegImm(ia32.EBX, ia32.ImmReloc(uint32(cg.isolate.RuntimeEntry(id)), ia32.RelocExternalReference))
	centry := runtime.BuiltinCEntry
	if saveDoubles {
		centry = runtime.BuiltinCEntrySaveDoubles
	}
	a.CallAddr(cg.builtinTarget(centry), ia32.RelocCodeTarget)
}

// callRuntime 主路径上的运行时调用，返回点可惰性反优化
func (cg *CodeGen) callRuntime(id runtime.FunctionID, argc int, instr *lir.Instruction, saveDoubles bool) {
	cg.callRuntimeRaw(id, argc, saveDoubles)
	cg.recordSafepointWithLazyDeopt(instr, false)
}

// loadContextFromDeferred 延迟代码中恢复上下文寄存器
func (cg *CodeGen) loadContextFromDeferred(context lir.Operand) {
	a := cg.masm
	switch {
	case context.IsRegister():
		if r := cg.toRegister(context); r != ia32.ContextRegister {
			a.MovRegReg(ia32.ContextRegister, r)
		}
	case context.IsStackSlot():
		a.MovRegOp(ia32.ContextRegister, cg.toOperand(context))
	case context.IsConstant():
		a.MovRegImm(ia32.ContextRegister, cg.toImmediate(context, lir.ReprTagged))
	default:
		if cg.frameIsBuilt {
			a.MovRegOp(ia32.ContextRegister, ia32.Mem(ia32.EBP, contextOffset))
		}
	}
}

// callRuntimeFromDeferred 在保存了全部寄存器的延迟代码中调用运行时
func (cg *CodeGen) callRuntimeFromDeferred(id runtime.FunctionID, argc int, instr *lir.Instruction, context lir.Operand) {
	cg.loadContextFromDeferred(context)
	cg.callRuntimeRaw(id, argc, true)
	cg.recordSafepointWithRegisters(instr.Pointers, argc, safepoint.NoLazyDeopt)
}

// callCode 调用内建代码
func (cg *CodeGen) callCode(b runtime.Builtin, instr *lir.Instruction) {
	cg.callCodeGeneric(b, instr, false)
}

func (cg *CodeGen) callCodeGeneric(b runtime.Builtin, instr *lir.Instruction, withRegisters bool) {
	cg.masm.CallAddr(cg.builtinTarget(b), ia32.RelocCodeTarget)
	cg.recordSafepointWithLazyDeopt(instr, withRegisters)
	// IC 返回点之后的 nop 表示调用方没有内联 Smi 快速路径
	if b == runtime.BuiltinBinaryOpIC || b == runtime.BuiltinCompareIC {
		cg.masm.Nop(1)
	}
}

// ============================================================================
// 写屏障
// ============================================================================

// checkPageFlag 当 object 所在页的标志与 mask 无交集时跳到 skip，破坏 scratch
func (cg *CodeGen) checkPageFlag(object, scratch ia32.Register, mask uint8, skip *ia32.Label) {
	a := cg.masm
	if scratch != object {
		a.MovRegReg(scratch, object)
	}
	a.AndOpImm(ia32.R(scratch), ia32.Imm(^runtime.PageAlignmentMask))
	a.TestbOpImm(ia32.Mem(scratch, runtime.MemoryChunkFlagsOf), mask)
	a.J(ia32.Zero, skip)
}

// recordWrite 在 object 的 slot 处存入 value 之后通知垃圾回收器
//
// 只破坏 scratch；value 是 Smi 或页标志表明不需要记录时直接跳过。
func (cg *CodeGen) recordWrite(object ia32.Register, slot ia32.Operand, value, scratch ia32.Register, smiCheck bool) {
	a := cg.masm
	var done ia32.Label
	if smiCheck {
		a.TestOpImm(ia32.R(value), ia32.Imm(runtime.SmiTagMask))
		a.J(ia32.Zero, &done)
	}
	cg.checkPageFlag(value, scratch, runtime.PointersToHereAreInterestingMask, &done)
	cg.checkPageFlag(object, scratch, runtime.PointersFromHereAreInterestingMask, &done)
	a.Lea(scratch, slot)
	a.Push(object)
	a.Push(scratch)
	a.CallAddr(cg.builtinTarget(runtime.BuiltinRecordWrite), ia32.RelocCodeTarget)
	a.Bind(&done)
	if cg.config.DebugCode {
		a.MovRegImm(scratch, ia32.Imm(int32(runtime.SmiFromInt(0x2a2a))))
	}
}

// recordWriteField 字段存储的写屏障
func (cg *CodeGen) recordWriteField(object ia32.Register, offset int, value, scratch ia32.Register, smiCheck bool) {
	cg.recordWrite(object, ia32.FieldOperand(object, offset), value, scratch, smiCheck)
}

// recordWriteForMap 改写对象 map 后的写屏障，map 永远不是 Smi
func (cg *CodeGen) recordWriteForMap(object ia32.Register, mapAddr uint32, scratch1, scratch2 ia32.Register) {
	a := cg.masm
	a.MovRegImm(scratch1, ia32.ImmReloc(mapAddr, ia32.RelocEmbeddedObject))
	cg.recordWrite(object, ia32.FieldOperand(object, runtime.HeapObjectMapOffset), scratch1, scratch2, false)
}

// ============================================================================
// 内联分配
// ============================================================================

// allocation 内联分配参数
type allocation struct {
	// size 常量大小；sizeReg 有效时忽略
	size        int
	sizeReg     ia32.Register
	result      ia32.Register
	temp        ia32.Register
	space       runtime.AllocationSpace
	doubleAlign bool
}

// allocate 从线性分配区划出一块内存，结果带堆对象标记；空间不足时跳到 gcRequired
func (cg *CodeGen) allocate(al allocation, gcRequired *ia32.Label) {
	a := cg.masm
	if !cg.config.InlineNew {
		if cg.config.DebugCode {
			a.MovRegImm(al.result, ia32.Imm(0x7091))
			a.MovRegImm(al.temp, ia32.Imm(0x7191))
		}
		a.Jmp(gcRequired)
		return
	}
	top := cg.externalOperand(runtime.AllocationTop(al.space))
	limit := cg.externalOperand(runtime.AllocationLimit(al.space))

	a.MovRegOp(al.result, top)
	if al.doubleAlign {
		var aligned ia32.Label
		a.TestOpImm(ia32.R(al.result), ia32.Imm(runtime.DoubleSize-1))
		a.J(ia32.Zero, &aligned)
		if al.space == runtime.OldSpace {
			a.Cmp(al.result, limit)
			a.J(ia32.AboveEqual, gcRequired)
		}
		a.MovOpImm(ia32.Mem(al.result, 0), cg.rootImmediate(runtime.RootOnePointerFillerMap))
		a.AddOpImm(ia32.R(al.result), ia32.Imm(runtime.PointerSize))
		a.Bind(&aligned)
	}

	if al.sizeReg != ia32.NoReg {
		if al.temp != al.sizeReg {
			a.MovRegReg(al.temp, al.sizeReg)
		}
		a.Add(al.temp, ia32.R(al.result))
	} else {
		// 进位检查依赖 add 设置的标志，不能用 lea
		a.MovRegReg(al.temp, al.result)
		a.AddOpImm(ia32.R(al.temp), ia32.Imm(int32(al.size)))
	}
	a.J(ia32.Carry, gcRequired)
	a.Cmp(al.temp, limit)
	a.J(ia32.Above, gcRequired)
	a.MovOpReg(top, al.temp)
	a.Inc(ia32.R(al.result))
}

// allocateHeapNumber 分配未初始化的堆数，只写入 map
func (cg *CodeGen) allocateHeapNumber(result, temp ia32.Register, gcRequired *ia32.Label) {
	cg.allocate(allocation{
		size:    runtime.HeapNumberSize,
		sizeReg: ia32.NoReg,
		result:  result,
		temp:    temp,
	}, gcRequired)
	cg.masm.MovOpImm(ia32.FieldOperand(result, runtime.HeapObjectMapOffset), cg.rootImmediate(runtime.RootHeapNumberMap))
}

// ============================================================================
// 标记与类型检查
// ============================================================================

func (cg *CodeGen) smiTag(r ia32.Register) {
	cg.masm.Add(r, ia32.R(r))
}

func (cg *CodeGen) smiUntag(r ia32.Register) {
	cg.masm.Sar(ia32.R(r), runtime.SmiTagSize)
}

// testSmi 之后 Zero 表示是 Smi
func (cg *CodeGen) testSmi(op ia32.Operand) {
	cg.masm.TestOpImm(op, ia32.Imm(runtime.SmiTagMask))
}

func (cg *CodeGen) jumpIfSmi(r ia32.Register, l *ia32.Label) {
	cg.testSmi(ia32.R(r))
	cg.masm.J(ia32.Zero, l)
}

func (cg *CodeGen) jumpIfNotSmi(r ia32.Register, l *ia32.Label) {
	cg.testSmi(ia32.R(r))
	cg.masm.J(ia32.NotZero, l)
}

// compareMap 比较对象的 map，之后 Equal 表示匹配
func (cg *CodeGen) compareMap(object ia32.Register, mapAddr uint32) {
	cg.masm.CmpOpImm(ia32.FieldOperand(object, runtime.HeapObjectMapOffset), ia32.ImmReloc(mapAddr, ia32.RelocEmbeddedObject))
}

// compareRootMap 与根对象表中的 map 比较
func (cg *CodeGen) compareRootMap(object ia32.Register, r runtime.RootIndex) {
	cg.masm.CmpOpImm(ia32.FieldOperand(object, runtime.HeapObjectMapOffset), cg.rootImmediate(r))
}

// cmpObjectType 载入 map 并比较实例类型
func (cg *CodeGen) cmpObjectType(object ia32.Register, t runtime.InstanceType, mapReg ia32.Register) {
	cg.masm.MovRegOp(mapReg, ia32.FieldOperand(object, runtime.HeapObjectMapOffset))
	cg.cmpInstanceType(mapReg, t)
}

func (cg *CodeGen) cmpInstanceType(mapReg ia32.Register, t runtime.InstanceType) {
	cg.masm.CmpbOpImm(ia32.FieldOperand(mapReg, runtime.MapInstanceTypeOffset), int8(t))
}

func (cg *CodeGen) loadRoot(dst ia32.Register, r runtime.RootIndex) {
	cg.masm.MovRegImm(dst, cg.rootImmediate(r))
}

func (cg *CodeGen) compareRoot(op ia32.Operand, r runtime.RootIndex) {
	cg.masm.CmpOpImm(op, cg.rootImmediate(r))
}

// loadHeapNumberValue 从堆数载入双精度值
func (cg *CodeGen) loadHeapNumberValue(dst ia32.XMMRegister, object ia32.Register) {
	cg.masm.MovsdLoad(dst, ia32.FieldOperand(object, runtime.HeapNumberValueOffset))
}

// ============================================================================
// 双精度辅助
// ============================================================================

// loadDoubleConstant 把双精度常量装入 XMM，0.0 用 xorps
func (cg *CodeGen) loadDoubleConstant(dst ia32.XMMRegister, bits uint64) {
	a := cg.masm
	if bits == 0 {
		a.Xorps(dst, dst)
		return
	}
	lo := int32(uint32(bits))
	hi := int32(uint32(bits >> 32))
	a.PushImm(ia32.Imm(hi))
	a.PushImm(ia32.Imm(lo))
	a.MovsdLoad(dst, ia32.Mem(ia32.ESP, 0))
	a.AddOpImm(ia32.R(ia32.ESP), ia32.Imm(runtime.DoubleSize))
}

// truncateDoubleToI 截断为 int32；快速转换溢出时调用 DoubleToI
func (cg *CodeGen) truncateDoubleToI(result ia32.Register, input ia32.XMMRegister) {
	a := cg.masm
	var done ia32.Label
	a.Cvttsd2si(result, input)
	// 0x80000000 - 1 溢出
	a.CmpOpImm(ia32.R(result), ia32.Imm(1))
	a.J(ia32.NoOverflow, &done)
	if result != ia32.EAX {
		a.Push(ia32.EAX)
	}
	a.SubOpImm(ia32.R(ia32.ESP), ia32.Imm(runtime.DoubleSize))
	a.MovsdStore(ia32.Mem(ia32.ESP, 0), input)
	a.CallAddr(cg.builtinTarget(runtime.BuiltinDoubleToI), ia32.RelocCodeTarget)
	if result != ia32.EAX {
		a.MovRegReg(result, ia32.EAX)
		a.Pop(ia32.EAX)
	}
	a.Bind(&done)
}

// cvtsi2sdClear 先清零目的寄存器以断开对旧值的依赖
func (cg *CodeGen) cvtsi2sdClear(dst ia32.XMMRegister, src ia32.Operand) {
	cg.masm.Xorps(dst, dst)
	cg.masm.Cvtsi2sd(dst, src)
}

// loadUint32 把无符号 32 位整数转换为双精度
func (cg *CodeGen) loadUint32(dst ia32.XMMRegister, src ia32.Register) {
	a := cg.masm
	var done ia32.Label
	a.CmpOpImm(ia32.R(src), ia32.Imm(0))
	cg.cvtsi2sdClear(dst, ia32.R(src))
	a.J(ia32.NotSign, &done)
	// 加上 2^32
	cg.loadDoubleConstant(ia32.DoubleScratch, 0x41F0000000000000)
	a.Addsd(dst, ia32.DoubleScratch)
	a.Bind(&done)
}
