// frame.go - 栈帧布局与操作数解析
//
// 有帧时（ebp 基址）：
//
//	[ebp+8+4k]   参数（接收者在最高地址）
//	[ebp+4]      返回地址
//	[ebp+0]      调用者 ebp
//	[ebp-4]      上下文
//	[ebp-8]      函数或存根标记
//	[ebp-12-4i]  溢出槽 i，槽 0 保存动态对齐状态
//
// 无帧存根只能访问参数，地址相对 esp 计算，[esp] 是返回地址。

package codegen

import (
	"fmt"

	"github.com/tangzhangming/lithium/internal/asm/ia32"
	"github.com/tangzhangming/lithium/internal/lir"
	"github.com/tangzhangming/lithium/internal/runtime"
)

const (
	contextOffset               = -1 * runtime.PointerSize
	functionOffset              = -2 * runtime.PointerSize
	fixedFrameSizeFromFp        = 2 * runtime.PointerSize
	callerSPOffset              = 2 * runtime.PointerSize
	dynamicAlignmentStateOffset = -3 * runtime.PointerSize

	// 动态对齐状态
	noAlignmentPadding     = 0
	alignmentPaddingPushed = 2
	alignmentZapValue      = 0x12345678

	// 调试模式填充新栈槽的值
	slotsZapValue = -0x41102111 // 0xbeefdeef

	// stubFrameMarker 存根帧在函数位置放置的 Smi 标记
	stubFrameMarker = 6 << runtime.SmiTagSize

	// fastNewContextMaximumSlots 快速上下文存根支持的最大槽数
	fastNewContextMaximumSlots = 64

	// numSafepointRegisters pushad 保存的寄存器数
	numSafepointRegisters = 8
)

// stackSlotOffset 返回槽相对 ebp 的偏移
func stackSlotOffset(index int) int32 {
	if index >= 0 {
		return int32(-(index+1)*runtime.PointerSize - fixedFrameSizeFromFp)
	}
	// 参数：跳过保存的 ebp 和返回地址
	return int32(-(index+1)*runtime.PointerSize + 2*runtime.PointerSize)
}

// argumentsOffsetWithoutFrame 返回无帧时参数相对 esp 的偏移
func argumentsOffsetWithoutFrame(index int) int32 {
	return int32(-(index+1)*runtime.PointerSize + runtime.PointerSize)
}

// safepointRegisterSlot pushad 之后寄存器 r 的保存位置
func safepointRegisterSlot(r ia32.Register) ia32.Operand {
	return ia32.Mem(ia32.ESP, int32((numSafepointRegisters-1-int(r.Code()))*runtime.PointerSize))
}

// ============================================================================
// 操作数解析
// ============================================================================

func (cg *CodeGen) toRegister(op lir.Operand) ia32.Register {
	if !op.IsRegister() {
		cg.abort(UnexpectedOperand, fmt.Sprintf("%s is not a register", op))
		return ia32.EAX
	}
	return ia32.RegisterFromAllocationIndex(op.Index)
}

func (cg *CodeGen) toDoubleRegister(op lir.Operand) ia32.XMMRegister {
	if !op.IsDoubleRegister() {
		cg.abort(UnexpectedOperand, fmt.Sprintf("%s is not a double register", op))
		return ia32.XMM1
	}
	return ia32.XMMFromAllocationIndex(op.Index)
}

func (cg *CodeGen) toSIMD128Register(op lir.Operand) ia32.XMMRegister {
	if !op.IsSIMD128Register() {
		cg.abort(UnexpectedOperand, fmt.Sprintf("%s is not a simd register", op))
		return ia32.XMM1
	}
	return ia32.XMMFromAllocationIndex(op.Index)
}

// toXMMRegister 双精度或 SIMD 寄存器
func (cg *CodeGen) toXMMRegister(op lir.Operand) ia32.XMMRegister {
	if !op.IsXMMRegister() {
		cg.abort(UnexpectedOperand, fmt.Sprintf("%s is not an xmm register", op))
		return ia32.XMM1
	}
	return ia32.XMMFromAllocationIndex(op.Index)
}

// toOperand 把通用寄存器或栈槽解析为机器操作数
func (cg *CodeGen) toOperand(op lir.Operand) ia32.Operand {
	if op.IsRegister() {
		return ia32.R(cg.toRegister(op))
	}
	if !op.IsAnyStackSlot() {
		cg.abort(UnexpectedOperand, fmt.Sprintf("%s has no memory location", op))
		return ia32.Mem(ia32.EBP, 0)
	}
	if cg.needsEagerFrame() {
		return ia32.Mem(ia32.EBP, stackSlotOffset(op.Index))
	}
	if op.Index >= 0 {
		cg.abort(FramelessSpillSlot, op.String())
		return ia32.Mem(ia32.ESP, 0)
	}
	return ia32.Mem(ia32.ESP, argumentsOffsetWithoutFrame(op.Index))
}

// highOperand 双精度栈槽的高 32 位
func (cg *CodeGen) highOperand(op lir.Operand) ia32.Operand {
	if !op.IsDoubleStackSlot() {
		cg.abort(UnexpectedOperand, fmt.Sprintf("%s is not a double stack slot", op))
	}
	return cg.toOperand(op).WithOffset(runtime.PointerSize)
}

// ============================================================================
// 常量
// ============================================================================

func (cg *CodeGen) constant(op lir.Operand) lir.Constant {
	return cg.chunk.Constant(op)
}

func (cg *CodeGen) isInteger32(op lir.Operand) bool {
	if !op.IsConstant() {
		return false
	}
	k := cg.constant(op).Kind
	return k == lir.ConstInt32 || k == lir.ConstSmi
}

func (cg *CodeGen) isSmi(op lir.Operand) bool {
	return op.IsConstant() && cg.constant(op).Kind == lir.ConstSmi
}

func (cg *CodeGen) toInteger32(op lir.Operand) int32 {
	return cg.constant(op).Int32Value()
}

// toRepresentation 按表示解释整数常量：Smi 和 Tagged 返回标记后的值
func (cg *CodeGen) toRepresentation(op lir.Operand, r lir.Representation) int32 {
	v := cg.toInteger32(op)
	if r == lir.ReprInteger32 {
		return v
	}
	return int32(runtime.SmiFromInt(v))
}

func (cg *CodeGen) toDouble(op lir.Operand) float64 {
	return cg.constant(op).DoubleValue()
}

// toImmediate 常量的立即数形式
func (cg *CodeGen) toImmediate(op lir.Operand, r lir.Representation) ia32.Immediate {
	c := cg.constant(op)
	switch c.Kind {
	case lir.ConstExternal:
		return ia32.ImmReloc(c.Address, ia32.RelocExternalReference)
	case lir.ConstObject:
		return ia32.ImmReloc(c.Address, ia32.RelocEmbeddedObject)
	case lir.ConstDouble:
		if !c.HasInt32Value() {
			cg.abort(UnexpectedOperand, fmt.Sprintf("double constant %v has no immediate form", c.Double))
			return ia32.Imm(0)
		}
	}
	if r == lir.ReprInteger32 {
		return ia32.Imm(c.Int32Value())
	}
	return ia32.Imm(int32(runtime.SmiFromInt(c.Int32Value())))
}

// constantImmediate 按常量自身的种类生成立即数
func (cg *CodeGen) constantImmediate(op lir.Operand) ia32.Immediate {
	if cg.constant(op).Kind == lir.ConstInt32 {
		return cg.toImmediate(op, lir.ReprInteger32)
	}
	return cg.toImmediate(op, lir.ReprTagged)
}

// rootImmediate 根对象的嵌入地址
func (cg *CodeGen) rootImmediate(r runtime.RootIndex) ia32.Immediate {
	return ia32.ImmReloc(uint32(cg.isolate.Root(r)), ia32.RelocEmbeddedObject)
}

// externalOperand 外部引用指向的内存单元
func (cg *CodeGen) externalOperand(e runtime.ExternalReference) ia32.Operand {
	return ia32.MemAbs(uint32(cg.isolate.External(e)), ia32.RelocExternalReference)
}
