// calls.go - 调用
//
// 所有调用在返回点登记安全点。调用之后的惰性反优化由随后的 LazyBailout
// 指令登记，补丁空间在那里预留。

package codegen

import (
	"github.com/tangzhangming/lithium/internal/asm/ia32"
	"github.com/tangzhangming/lithium/internal/lir"
	"github.com/tangzhangming/lithium/internal/runtime"
)

// dontAdaptArguments 目标自行处理任意个数的实参
const dontAdaptArguments = -1

// codeEntry 代码对象中第一条指令的地址
func codeEntry(code uint32) uint32 {
	return code + runtime.CodeHeaderSize - runtime.HeapObjectTag
}

// callFunctionEntry 切换到被调函数的上下文后经函数入口调用；调用自身时直接跳回代码起点
func (cg *CodeGen) callFunctionEntry(instr *lir.Instruction) {
	a := cg.masm
	a.MovRegOp(ia32.ContextRegister, ia32.FieldOperand(ia32.FunctionRegister, runtime.JSFunctionContextOffset))
	if instr.Call.Target != 0 && instr.Call.Target == cg.info.Closure {
		a.Call(&cg.entryLabel)
	} else {
		a.CallOp(ia32.FieldOperand(ia32.FunctionRegister, runtime.JSFunctionCodeEntryOffset))
	}
	cg.recordSafepointWithLazyDeopt(instr, false)
}

// callKnownFunction 形参与实参个数一致或目标不需要适配时直接调用，否则经参数适配器
func (cg *CodeGen) callKnownFunction(instr *lir.Instruction) {
	a := cg.masm
	formal, arity := instr.Call.FormalParameterCount, instr.Call.Arity
	dontAdapt := formal == dontAdaptArguments
	if dontAdapt || formal == arity {
		if dontAdapt {
			a.MovRegImm(ia32.EAX, ia32.Imm(int32(arity)))
		}
		cg.callFunctionEntry(instr)
		return
	}
	a.MovRegOp(ia32.ContextRegister, ia32.FieldOperand(ia32.FunctionRegister, runtime.JSFunctionContextOffset))
	a.MovRegImm(ia32.EAX, ia32.Imm(int32(arity)))
	a.MovRegImm(ia32.EBX, ia32.Imm(int32(formal)))
	cg.callCode(runtime.BuiltinArgumentsAdaptor, instr)
}

func (cg *CodeGen) doCallJSFunction(instr *lir.Instruction) {
	if !cg.expectRegisters(instr, ia32.FunctionRegister) {
		return
	}
	cg.masm.MovRegImm(ia32.EAX, ia32.Imm(int32(instr.Call.Arity)))
	cg.callFunctionEntry(instr)
}

// doInvokeFunction 目标已知时按形参个数直接调用，未知时交给 CallFunction 处理适配
func (cg *CodeGen) doInvokeFunction(instr *lir.Instruction) {
	if !cg.expectRegisters(instr, ia32.FunctionRegister) {
		return
	}
	if instr.Call.Target != 0 {
		cg.callKnownFunction(instr)
		return
	}
	cg.masm.MovRegImm(ia32.EAX, ia32.Imm(int32(instr.Call.Arity)))
	cg.callCode(runtime.BuiltinCallFunction, instr)
}

// doCallWithDescriptor 目标是常量代码对象或寄存器中的代码对象
func (cg *CodeGen) doCallWithDescriptor(instr *lir.Instruction) {
	a := cg.masm
	target := instr.Input(0)
	if target.IsConstant() {
		a.CallAddr(codeEntry(cg.constant(target).Address), ia32.RelocCodeTarget)
	} else {
		reg := cg.toRegister(target)
		a.AddOpImm(ia32.R(reg), ia32.Imm(runtime.CodeHeaderSize-runtime.HeapObjectTag))
		a.CallOp(ia32.R(reg))
	}
	cg.recordSafepointWithLazyDeopt(instr, false)
}

func (cg *CodeGen) doCallFunction(instr *lir.Instruction) {
	if !cg.expectRegisters(instr, ia32.FunctionRegister) {
		return
	}
	cg.masm.MovRegImm(ia32.EAX, ia32.Imm(int32(instr.Call.Arity)))
	cg.callCode(runtime.BuiltinCallFunction, instr)
}

// doCallNew 优化代码中不带构造反馈单元，ebx 为 undefined
func (cg *CodeGen) doCallNew(instr *lir.Instruction) {
	if !cg.expectRegisters(instr, ia32.FunctionRegister) {
		return
	}
	cg.loadRoot(ia32.EBX, runtime.RootUndefined)
	cg.masm.MovRegImm(ia32.EAX, ia32.Imm(int32(instr.Call.Arity)))
	cg.callCode(runtime.BuiltinConstruct, instr)
}

func (cg *CodeGen) doCallRuntime(instr *lir.Instruction) {
	cg.callRuntime(instr.Call.Runtime, instr.Call.Arity, instr, instr.Call.SaveDoubles)
}

func (cg *CodeGen) doCallStub(instr *lir.Instruction) {
	cg.callCode(instr.Call.Builtin, instr)
}

// doCmpT 泛型比较经 CompareIC，eax 与 0 的关系即比较结果
func (cg *CodeGen) doCmpT(instr *lir.Instruction) {
	a := cg.masm
	cg.callCode(runtime.BuiltinCompareIC, instr)

	result := cg.toRegister(instr.Result)
	var trueValue, done ia32.Label
	a.Test(ia32.EAX, ia32.R(ia32.EAX))
	a.J(tokenToCondition(instr.Token, false), &trueValue)
	cg.loadRoot(result, runtime.RootFalse)
	a.Jmp(&done)
	a.Bind(&trueValue)
	cg.loadRoot(result, runtime.RootTrue)
	a.Bind(&done)
}

// expectRegisters 固定寄存器约定：Inputs[0] 是函数，结果在 eax
func (cg *CodeGen) expectRegisters(instr *lir.Instruction, function ia32.Register) bool {
	if cg.toRegister(instr.Input(0)) != function {
		cg.abort(UnexpectedOperand, "call target must be in "+function.String())
		return false
	}
	if instr.Result.IsValid() && cg.toRegister(instr.Result) != ia32.EAX {
		cg.abort(UnexpectedOperand, "call result must be in eax")
		return false
	}
	return true
}
