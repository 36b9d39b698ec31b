// memory.go - 字段、元素与上下文槽的读写，以及内联分配
//
// 带标记的存储按需发出写屏障。元素操作数按元素宽度缩放键：Smi 键自带
// 一位标记，缩放时少移一位；比例因子最大为 8，更宽的元素先预缩放键。

package codegen

import (
	"fmt"

	"github.com/tangzhangming/lithium/internal/asm/ia32"
	"github.com/tangzhangming/lithium/internal/deopt"
	"github.com/tangzhangming/lithium/internal/lir"
	"github.com/tangzhangming/lithium/internal/runtime"
)

// maxScaleShift SIB 比例因子支持的最大移位
const maxScaleShift = int(ia32.Times8)

// ============================================================================
// 上下文槽
// ============================================================================

func (cg *CodeGen) doLoadContextSlot(instr *lir.Instruction) {
	a := cg.masm
	context := cg.toRegister(instr.Input(0))
	result := cg.toRegister(instr.Result)
	a.MovRegOp(result, ia32.FieldOperand(context, runtime.ContextSlotOffset(instr.SlotIndex)))

	switch instr.HoleMode {
	case lir.HoleDeopt:
		cg.compareRoot(ia32.R(result), runtime.RootTheHole)
		cg.deoptimizeIf(ia32.Equal, instr, deopt.ReasonHole)
	case lir.HoleConvertToUndefined:
		var notHole ia32.Label
		cg.compareRoot(ia32.R(result), runtime.RootTheHole)
		a.J(ia32.NotEqual, &notHole)
		cg.loadRoot(result, runtime.RootUndefined)
		a.Bind(&notHole)
	}
}

// doStoreContextSlot 槽中是空洞时按策略反优化或跳过赋值
func (cg *CodeGen) doStoreContextSlot(instr *lir.Instruction) {
	a := cg.masm
	context := cg.toRegister(instr.Input(0))
	value := cg.toRegister(instr.Input(1))
	offset := runtime.ContextSlotOffset(instr.SlotIndex)
	target := ia32.FieldOperand(context, offset)

	var skip ia32.Label
	switch instr.HoleMode {
	case lir.HoleDeopt:
		cg.compareRoot(target, runtime.RootTheHole)
		cg.deoptimizeIf(ia32.Equal, instr, deopt.ReasonHole)
	case lir.HoleConvertToUndefined:
		cg.compareRoot(target, runtime.RootTheHole)
		a.J(ia32.Equal, &skip)
	}

	a.MovOpReg(target, value)
	if instr.Field.WriteBarrier {
		cg.recordWriteField(context, offset, value, cg.toRegister(instr.Temp(0)), instr.Field.ValueMayBeSmi)
	}
	a.Bind(&skip)
}

func (cg *CodeGen) doLoadRoot(instr *lir.Instruction) {
	cg.loadRoot(cg.toRegister(instr.Result), instr.Root)
}

// ============================================================================
// 命名字段
// ============================================================================

// externalFieldOperand 外部内存字段：常量对象是绝对地址，否则是原始指针加偏移
func (cg *CodeGen) externalFieldOperand(object lir.Operand, offset int) ia32.Operand {
	if object.IsConstant() {
		return ia32.MemAbs(cg.constant(object).Address, ia32.RelocExternalReference)
	}
	return ia32.Mem(cg.toRegister(object), int32(offset))
}

func (cg *CodeGen) doLoadNamedField(instr *lir.Instruction) {
	a := cg.masm
	access := instr.Field
	if access.IsExternal {
		a.MovRegOp(cg.toRegister(instr.Result), cg.externalFieldOperand(instr.Input(0), access.Offset))
		return
	}

	object := cg.toRegister(instr.Input(0))
	if access.Repr == lir.ReprDouble {
		a.MovsdLoad(cg.toDoubleRegister(instr.Result), ia32.FieldOperand(object, access.Offset))
		return
	}
	result := cg.toRegister(instr.Result)
	if !access.InObject {
		a.MovRegOp(result, ia32.FieldOperand(object, runtime.JSObjectPropertiesOffset))
		object = result
	}
	a.MovRegOp(result, ia32.FieldOperand(object, access.Offset))
}

// doStoreNamedField 可选的 map 迁移、属性存储和写屏障
func (cg *CodeGen) doStoreNamedField(instr *lir.Instruction) {
	a := cg.masm
	access := instr.Field
	valueOp := instr.Input(1)

	if access.IsExternal {
		operand := cg.externalFieldOperand(instr.Input(0), access.Offset)
		if valueOp.IsConstant() {
			a.MovOpImm(operand, ia32.Imm(cg.toInteger32(valueOp)))
		} else {
			a.MovOpReg(operand, cg.toRegister(valueOp))
		}
		return
	}

	object := cg.toRegister(instr.Input(0))
	if cg.config.DebugCode {
		var notSmi ia32.Label
		cg.jumpIfNotSmi(object, &notSmi)
		a.Int3()
		a.Bind(&notSmi)
	}

	if access.Repr == lir.ReprDouble {
		a.MovsdStore(ia32.FieldOperand(object, access.Offset), cg.toDoubleRegister(valueOp))
		return
	}

	if access.Transition != 0 {
		a.MovOpImm(ia32.FieldOperand(object, runtime.HeapObjectMapOffset),
			ia32.ImmReloc(access.Transition, ia32.RelocEmbeddedObject))
		if access.WriteBarrier {
			cg.recordWriteForMap(object, access.Transition, cg.toRegister(instr.Temp(1)), cg.toRegister(instr.Temp(0)))
		}
	}

	writeRegister := object
	if !access.InObject {
		writeRegister = cg.toRegister(instr.Temp(0))
		a.MovRegOp(writeRegister, ia32.FieldOperand(object, runtime.JSObjectPropertiesOffset))
	}

	operand := ia32.FieldOperand(writeRegister, access.Offset)
	if valueOp.IsConstant() {
		a.MovOpImm(operand, cg.toImmediate(valueOp, access.Repr))
		return
	}
	value := cg.toRegister(valueOp)
	a.MovOpReg(operand, value)

	if access.WriteBarrier {
		temp := object
		if access.InObject {
			temp = cg.toRegister(instr.Temp(0))
		}
		cg.recordWriteField(writeRegister, access.Offset, value, temp, access.ValueMayBeSmi)
	}
}

// ============================================================================
// 键控元素
// ============================================================================

// prepareKey 键不能直接作为比例因子时原地改写键寄存器
//
// 单字节元素的 Smi 键先撤销标记；宽于 8 字节的元素先把键预缩放到最大比例因子。
func (cg *CodeGen) prepareKey(key lir.Operand, keyRepr lir.Representation, kind lir.ElementsKind) {
	if key.IsConstant() {
		return
	}
	shift := kind.ShiftSize()
	if keyRepr == lir.ReprSmi {
		shift -= runtime.SmiTagSize
	}
	switch {
	case shift < 0:
		cg.smiUntag(cg.toRegister(key))
	case shift > maxScaleShift:
		cg.masm.Shl(ia32.R(cg.toRegister(key)), uint8(shift-maxScaleShift))
	}
}

// arrayOperand 元素的内存操作数，键已经过 prepareKey
func (cg *CodeGen) arrayOperand(elements, key lir.Operand, keyRepr lir.Representation, kind lir.ElementsKind, baseOffset int) ia32.Operand {
	base := cg.toRegister(elements)
	shift := kind.ShiftSize()
	if key.IsConstant() {
		v := cg.toInteger32(key)
		if uint32(v)&0xF0000000 != 0 {
			cg.abort(UnexpectedOperand, fmt.Sprintf("array index constant %d too big", v))
		}
		return ia32.Mem(base, v<<uint(shift)+int32(baseOffset))
	}
	if keyRepr == lir.ReprSmi {
		shift -= runtime.SmiTagSize
	}
	if shift < 0 {
		shift = 0
	} else if shift > maxScaleShift {
		shift = maxScaleShift
	}
	return ia32.MemIndex(base, cg.toRegister(key), ia32.ScaleFactor(shift), int32(baseOffset))
}

func (cg *CodeGen) doLoadKeyed(instr *lir.Instruction) {
	switch k := instr.Keyed.Kind; {
	case k.IsTyped():
		cg.loadKeyedTypedArray(instr)
	case k.IsFastDouble():
		cg.loadKeyedFixedDoubleArray(instr)
	default:
		cg.loadKeyedFixedArray(instr)
	}
}

func (cg *CodeGen) loadKeyedTypedArray(instr *lir.Instruction) {
	a := cg.masm
	ka := instr.Keyed
	key := instr.Input(1)
	cg.prepareKey(key, ka.KeyRepr, ka.Kind)
	operand := cg.arrayOperand(instr.Input(0), key, ka.KeyRepr, ka.Kind, ka.BaseOffset)

	switch ka.Kind {
	case lir.Float32x4Elements, lir.Int32x4Elements, lir.Float64x2Elements:
		a.MovupsLoad(cg.toSIMD128Register(instr.Result), operand)
	case lir.Float32Elements:
		result := cg.toDoubleRegister(instr.Result)
		a.MovssLoad(result, operand)
		a.Cvtss2sd(result, result)
	case lir.Float64Elements:
		a.MovsdLoad(cg.toDoubleRegister(instr.Result), operand)
	case lir.Int8Elements:
		a.MovsxbRegOp(cg.toRegister(instr.Result), operand)
	case lir.Uint8Elements, lir.Uint8ClampedElements:
		a.MovzxbRegOp(cg.toRegister(instr.Result), operand)
	case lir.Int16Elements:
		a.MovsxwRegOp(cg.toRegister(instr.Result), operand)
	case lir.Uint16Elements:
		a.MovzxwRegOp(cg.toRegister(instr.Result), operand)
	case lir.Int32Elements:
		a.MovRegOp(cg.toRegister(instr.Result), operand)
	case lir.Uint32Elements:
		result := cg.toRegister(instr.Result)
		a.MovRegOp(result, operand)
		// 结果按有符号数使用时，最高位为 1 的值无法表示
		if !instr.CheckFlag(lir.FlagUint32) {
			a.Test(result, ia32.R(result))
			cg.deoptimizeIf(ia32.Negative, instr, deopt.ReasonNegativeValue)
		}
	default:
		cg.abort(UnexpectedOperand, fmt.Sprintf("typed load of elements kind %d", ka.Kind))
	}
}

// loadKeyedFixedDoubleArray 空洞 NaN 只看高 32 位
func (cg *CodeGen) loadKeyedFixedDoubleArray(instr *lir.Instruction) {
	a := cg.masm
	ka := instr.Keyed
	elements, key := instr.Input(0), instr.Input(1)
	if ka.HoleMode == lir.HoleDeopt {
		upper := cg.arrayOperand(elements, key, ka.KeyRepr, lir.FastDoubleElements, ka.BaseOffset+runtime.Int32Size)
		a.CmpOpImm(upper, immU32(runtime.HoleNanUpper32))
		cg.deoptimizeIf(ia32.Equal, instr, deopt.ReasonHole)
	}
	operand := cg.arrayOperand(elements, key, ka.KeyRepr, lir.FastDoubleElements, ka.BaseOffset)
	a.MovsdLoad(cg.toDoubleRegister(instr.Result), operand)
}

func (cg *CodeGen) loadKeyedFixedArray(instr *lir.Instruction) {
	a := cg.masm
	ka := instr.Keyed
	result := cg.toRegister(instr.Result)
	a.MovRegOp(result, cg.arrayOperand(instr.Input(0), instr.Input(1), ka.KeyRepr, lir.FastElements, ka.BaseOffset))

	switch ka.HoleMode {
	case lir.HoleDeopt:
		if ka.Kind.IsFastSmi() {
			cg.testSmi(ia32.R(result))
			cg.deoptimizeIf(ia32.NotEqual, instr, deopt.ReasonNotASmi)
		} else {
			cg.compareRoot(ia32.R(result), runtime.RootTheHole)
			cg.deoptimizeIf(ia32.Equal, instr, deopt.ReasonHole)
		}
	case lir.HoleConvertToUndefined:
		var done ia32.Label
		cg.compareRoot(ia32.R(result), runtime.RootTheHole)
		a.J(ia32.NotEqual, &done)
		if cg.info.IsStub {
			// 存根只有在数组保护单元有效时才能把空洞换成 undefined
			cg.loadRoot(result, runtime.RootArrayProtector)
			a.CmpOpImm(ia32.FieldOperand(result, runtime.PropertyCellValueOffset),
				ia32.Imm(int32(runtime.SmiFromInt(runtime.ArrayProtectorValid))))
			cg.deoptimizeIf(ia32.NotEqual, instr, deopt.ReasonHole)
		}
		cg.loadRoot(result, runtime.RootUndefined)
		a.Bind(&done)
	}
}

func (cg *CodeGen) doStoreKeyed(instr *lir.Instruction) {
	switch k := instr.Keyed.Kind; {
	case k.IsTyped():
		cg.storeKeyedTypedArray(instr)
	case k.IsFastDouble():
		cg.storeKeyedFixedDoubleArray(instr)
	default:
		cg.storeKeyedFixedArray(instr)
	}
}

func (cg *CodeGen) storeKeyedTypedArray(instr *lir.Instruction) {
	a := cg.masm
	ka := instr.Keyed
	key, valueOp := instr.Input(1), instr.Input(2)
	cg.prepareKey(key, ka.KeyRepr, ka.Kind)
	operand := cg.arrayOperand(instr.Input(0), key, ka.KeyRepr, ka.Kind, ka.BaseOffset)

	switch ka.Kind {
	case lir.Float32x4Elements, lir.Int32x4Elements, lir.Float64x2Elements:
		a.MovupsStore(operand, cg.toSIMD128Register(valueOp))
	case lir.Float32Elements:
		a.Cvtsd2ss(ia32.DoubleScratch, cg.toDoubleRegister(valueOp))
		a.MovssStore(operand, ia32.DoubleScratch)
	case lir.Float64Elements:
		a.MovsdStore(operand, cg.toDoubleRegister(valueOp))
	case lir.Int8Elements, lir.Uint8Elements, lir.Uint8ClampedElements:
		value := cg.toRegister(valueOp)
		if !value.IsByteRegister() {
			cg.abort(UnexpectedOperand, fmt.Sprintf("byte store from %s", value))
			return
		}
		a.MovbOpReg(operand, value)
	case lir.Int16Elements, lir.Uint16Elements:
		a.MovwOpReg(operand, cg.toRegister(valueOp))
	case lir.Int32Elements, lir.Uint32Elements:
		a.MovOpReg(operand, cg.toRegister(valueOp))
	default:
		cg.abort(UnexpectedOperand, fmt.Sprintf("typed store of elements kind %d", ka.Kind))
	}
}

// storeKeyedFixedDoubleArray 需要时先把 signaling NaN 变为 quiet NaN
func (cg *CodeGen) storeKeyedFixedDoubleArray(instr *lir.Instruction) {
	a := cg.masm
	ka := instr.Keyed
	operand := cg.arrayOperand(instr.Input(0), instr.Input(1), ka.KeyRepr, lir.FastDoubleElements, ka.BaseOffset)
	value := cg.toDoubleRegister(instr.Input(2))
	if ka.CanonicalizeNaN {
		a.Xorps(ia32.DoubleScratch, ia32.DoubleScratch)
		a.Subsd(value, ia32.DoubleScratch)
	}
	a.MovsdStore(operand, value)
}

func (cg *CodeGen) storeKeyedFixedArray(instr *lir.Instruction) {
	a := cg.masm
	ka := instr.Keyed
	elements, key, valueOp := instr.Input(0), instr.Input(1), instr.Input(2)
	operand := cg.arrayOperand(elements, key, ka.KeyRepr, lir.FastElements, ka.BaseOffset)

	if valueOp.IsConstant() {
		a.MovOpImm(operand, cg.constantImmediate(valueOp))
		return
	}
	value := cg.toRegister(valueOp)
	a.MovOpReg(operand, value)
	if ka.WriteBarrier {
		cg.recordWrite(cg.toRegister(elements), operand, value, cg.toRegister(instr.Temp(0)), ka.ValueMayBeSmi)
	}
}

// ============================================================================
// 分配
// ============================================================================

// maxRegularObjectSize 超过该大小的常量分配总是走运行时
const maxRegularObjectSize = 1 << (runtime.PageSizeBits - 1)

// doAllocate 内联分配，失败时在延迟代码中调用运行时；可选地用单字填充 map 预填对象
func (cg *CodeGen) doAllocate(instr *lir.Instruction) {
	a := cg.masm
	al := instr.Alloc
	result := cg.toRegister(instr.Result)
	temp := cg.toRegister(instr.Temp(0))
	d := cg.addDeferred(instr, (*CodeGen).deferredAllocate)

	req := allocation{
		sizeReg:     ia32.NoReg,
		result:      result,
		temp:        temp,
		space:       al.Space,
		doubleAlign: al.DoubleAlign,
	}
	if al.Size != 0 {
		if al.Size <= maxRegularObjectSize {
			req.size = al.Size
			cg.allocate(req, &d.entry)
		} else {
			a.Jmp(&d.entry)
		}
	} else {
		req.sizeReg = cg.toRegister(instr.Input(0))
		cg.allocate(req, &d.entry)
	}
	cg.bindExit(d)

	if !al.PrefillFiller {
		return
	}
	if al.Size != 0 {
		a.MovRegImm(temp, ia32.Imm(int32(al.Size/runtime.PointerSize-1)))
	} else {
		temp = cg.toRegister(instr.Input(0))
		a.Shr(ia32.R(temp), runtime.PointerShift)
		a.Dec(ia32.R(temp))
	}
	var loop ia32.Label
	a.Bind(&loop)
	a.MovOpImm(ia32.FieldOperandIndex(result, temp, ia32.TimesPointerSize, 0), cg.rootImmediate(runtime.RootOnePointerFillerMap))
	a.Dec(ia32.R(temp))
	a.J(ia32.NotZero, &loop)
}

// deferredAllocate 以 Smi 形式压入大小与标志，调用 AllocateInTargetSpace
func (cg *CodeGen) deferredAllocate(d *deferredCode) {
	a := cg.masm
	instr := d.instr
	al := instr.Alloc
	result := cg.toRegister(instr.Result)
	// result 在指针映射中，先放一个合法值
	a.MovRegImm(result, ia32.Imm(0))

	cg.pushSafepointRegisters(func() {
		if al.Size == 0 {
			size := cg.toRegister(instr.Input(0))
			cg.smiTag(size)
			a.Push(size)
		} else {
			if !runtime.IsValidSmi(int64(al.Size)) || al.Size < 0 {
				a.Int3()
				return
			}
			a.PushImm(ia32.Imm(int32(runtime.SmiFromInt(int32(al.Size)))))
		}
		a.PushImm(ia32.Imm(int32(runtime.SmiFromInt(allocateFlags(al)))))
		cg.callRuntimeFromDeferred(runtime.FuncAllocateInTargetSpace, 2, instr, lir.None)
		cg.storeToSafepointRegisterSlot(result, ia32.EAX)
	})
}

// allocateFlags 运行时分配标志：位 0 双字对齐，其余位为目标空间
func allocateFlags(al lir.AllocInfo) int32 {
	flags := int32(al.Space) << 1
	if al.DoubleAlign {
		flags |= 1
	}
	return flags
}
