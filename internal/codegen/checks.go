// checks.go - 类型与边界守卫

package codegen

import (
	"fmt"

	"github.com/tangzhangming/lithium/internal/asm/ia32"
	"github.com/tangzhangming/lithium/internal/deopt"
	"github.com/tangzhangming/lithium/internal/lir"
	"github.com/tangzhangming/lithium/internal/runtime"
	"github.com/tangzhangming/lithium/internal/safepoint"
)

func (cg *CodeGen) doCheckSmi(instr *lir.Instruction) {
	cg.testSmi(cg.toOperand(instr.Input(0)))
	cg.deoptimizeIf(ia32.NotZero, instr, deopt.ReasonNotASmi)
}

// doCheckNonSmi 静态类型已保证是堆对象时不发出检查
func (cg *CodeGen) doCheckNonSmi(instr *lir.Instruction) {
	if instr.Hydrogen != nil && instr.Hydrogen.Type.IsHeapObject() {
		return
	}
	cg.testSmi(cg.toOperand(instr.Input(0)))
	cg.deoptimizeIf(ia32.Zero, instr, deopt.ReasonSmi)
}

// doCheckInstanceType 区间检查；区间只含一个类型时比较相等，末端是最后一个类型时省略上界
func (cg *CodeGen) doCheckInstanceType(instr *lir.Instruction) {
	a := cg.masm
	input := cg.toRegister(instr.Input(0))
	temp := cg.toRegister(instr.Temp(0))
	first, last := instr.Check.FirstType, instr.Check.LastType

	a.MovRegOp(temp, ia32.FieldOperand(input, runtime.HeapObjectMapOffset))
	cg.cmpInstanceType(temp, first)
	if first == last {
		cg.deoptimizeIf(ia32.NotEqual, instr, deopt.ReasonWrongInstanceType)
		return
	}
	cg.deoptimizeIf(ia32.Below, instr, deopt.ReasonWrongInstanceType)
	if last != runtime.LastType {
		cg.cmpInstanceType(temp, last)
		cg.deoptimizeIf(ia32.Above, instr, deopt.ReasonWrongInstanceType)
	}
}

func (cg *CodeGen) doCheckValue(instr *lir.Instruction) {
	cg.masm.CmpOpImm(cg.toOperand(instr.Input(0)), ia32.ImmReloc(instr.Check.Object, ia32.RelocEmbeddedObject))
	cg.deoptimizeIf(ia32.NotEqual, instr, deopt.ReasonValueMismatch)
}

// doCheckMaps 与候选 map 逐个比较
//
// 没有候选 map 时只是稳定性依赖，不发出代码。有迁移目标时，最后一次比较
// 失败先尝试迁移实例，成功后回到比较序列开头重新检查。
func (cg *CodeGen) doCheckMaps(instr *lir.Instruction) {
	a := cg.masm
	maps := instr.Check.Maps
	if len(maps) == 0 {
		return
	}
	reg := cg.toRegister(instr.Input(0))

	var d *deferredCode
	if instr.Check.HasMigrationTarget {
		d = cg.addDeferred(instr, (*CodeGen).deferredInstanceMigration)
		checkMaps := new(ia32.Label)
		d.setExit(checkMaps)
		a.Bind(checkMaps)
	}

	var success ia32.Label
	for _, m := range maps[:len(maps)-1] {
		cg.compareMap(reg, m)
		a.J(ia32.Equal, &success)
	}
	cg.compareMap(reg, maps[len(maps)-1])
	if d != nil {
		a.J(ia32.NotEqual, &d.entry)
	} else {
		cg.deoptimizeIf(ia32.NotEqual, instr, deopt.ReasonWrongMap)
	}
	a.Bind(&success)
}

func (cg *CodeGen) deferredInstanceMigration(d *deferredCode) {
	a := cg.masm
	instr := d.instr
	object := cg.toRegister(instr.Input(0))
	cg.pushSafepointRegisters(func() {
		a.Push(object)
		a.Xor(ia32.ContextRegister, ia32.R(ia32.ContextRegister))
		cg.callRuntimeRaw(runtime.FuncTryMigrateInstance, 1, true)
		cg.recordSafepointWithRegisters(instr.Pointers, 1, safepoint.NoLazyDeopt)
		// 迁移失败时返回 Smi
		cg.testSmi(ia32.R(ia32.EAX))
	})
	cg.deoptimizeIf(ia32.Zero, instr, deopt.ReasonInstanceMigrationFailed)
}

// doBoundsCheck 键越界时反优化
//
// 128 位访问比较字节偏移：(index << shift) + 访问字节数 不能超过 length << shift，
// 键和长度各自按自己的表示去掉 Smi 标记。其余情况直接比较，要求两者表示相同。
func (cg *CodeGen) doBoundsCheck(instr *lir.Instruction) {
	a := cg.masm
	index, length := instr.Input(0), instr.Input(1)
	ka := instr.Keyed
	repr, lengthRepr := ka.KeyRepr, ka.LengthRepresentation()
	cc := ia32.AboveEqual
	if instr.Check.AllowEquality {
		cc = ia32.Above
	}

	switch {
	case ka.SIMD128AccessBytes() > 0:
		cc = ia32.Above
		indexBytes := cg.toRegister(instr.Temp(0))
		lengthBytes := cg.toRegister(instr.Temp(1))
		cg.loadScaled(indexBytes, index, repr, byteShift(ka.Kind, repr))
		a.AddOpImm(ia32.R(indexBytes), ia32.Imm(int32(ka.SIMD128AccessBytes())))
		cg.loadScaled(lengthBytes, length, lengthRepr, byteShift(ka.Kind, lengthRepr))
		a.Cmp(indexBytes, ia32.R(lengthBytes))
	case lengthRepr != repr:
		cg.abort(UnexpectedOperand, fmt.Sprintf("bounds check key %s against length %s", repr, lengthRepr))
		return
	case index.IsConstant():
		a.CmpOpImm(cg.toOperand(length), cg.toImmediate(index, repr))
		cc = cc.Commute()
	case length.IsConstant():
		a.CmpOpImm(cg.toOperand(index), cg.toImmediate(length, repr))
	default:
		a.Cmp(cg.toRegister(index), cg.toOperand(length))
	}

	if cg.config.DebugCode && instr.Check.SkipCheck {
		var done ia32.Label
		a.J(cc.Negate(), &done)
		a.Int3()
		a.Bind(&done)
		return
	}
	cg.deoptimizeIf(cc, instr, deopt.ReasonOutOfBounds)
}

// byteShift 把 repr 表示的元素下标换算成字节偏移的左移位数
func byteShift(kind lir.ElementsKind, repr lir.Representation) int {
	shift := kind.ShiftSize()
	if repr == lir.ReprSmi {
		shift -= runtime.SmiTagSize
	}
	return shift
}

// loadScaled 把操作数载入 dst 并左移 shift 位
func (cg *CodeGen) loadScaled(dst ia32.Register, op lir.Operand, repr lir.Representation, shift int) {
	a := cg.masm
	if op.IsConstant() {
		a.MovRegImm(dst, cg.toImmediate(op, repr))
	} else {
		a.MovRegOp(dst, cg.toOperand(op))
	}
	switch {
	case shift > 0:
		a.Shl(ia32.R(dst), uint8(shift))
	case shift < 0:
		// 单字节元素的 Smi 下标
		a.Sar(ia32.R(dst), uint8(-shift))
	}
}
