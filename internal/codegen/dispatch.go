// dispatch.go - 指令降级分发表
//
// 每个操作码对应一个处理函数，表在 init 中一次性填好。缺少处理函数的
// 操作码会使代码生成以 UnsupportedOpcode 中止。
//
// 操作数约定（Inputs / Temps 的下标）：
//
//	二元运算            0 左操作数（同时是结果），1 右操作数
//	Branch              0 被测值；Temps[0] 载入 map 的暂存寄存器
//	Return              0 返回值（eax），1 参数个数（不含接收者，可省略）
//	LoadNamedField      0 对象
//	StoreNamedField     0 对象，1 值；Temps[0] 写屏障暂存，Temps[1] map 暂存
//	LoadKeyed           0 后备存储，1 键
//	StoreKeyed          0 后备存储，1 键，2 值；Temps[0] 写屏障暂存
//	BoundsCheck         0 索引，1 长度
//	Allocate            0 大小（Alloc.Size 为 0 时）；Temps[0] 暂存
//	StoreContextSlot    0 上下文，1 值；Temps[0] 写屏障暂存
//	ConstantT/E         0 常量；ConstantI/S 取 Imm，ConstantD 取 Double 并以 Temps[0] 暂存
//	常量除数            Imm；MathMinMax 由 Token 区分最小与最大
//	类型转换            Temps[0] 暂存（NumberTagI/U/D、NumberUntagD、TaggedToI）
//	调用                0 函数（edi）、目标或上下文，其余为描述符参数
//	SIMD                见 simd.go

package codegen

import (
	"fmt"

	"github.com/tangzhangming/lithium/internal/lir"
)

type handler func(cg *CodeGen, instr *lir.Instruction)

var handlers [lir.NumOpcodes]handler

func init() {
	h := &handlers

	// 控制流
	h[lir.OpGap] = (*CodeGen).doGap
	h[lir.OpLabel] = (*CodeGen).doLabel
	h[lir.OpGoto] = (*CodeGen).doGoto
	h[lir.OpBranch] = (*CodeGen).doBranch
	h[lir.OpCompareNumericAndBranch] = (*CodeGen).doCompareNumericAndBranch
	h[lir.OpCmpObjectEqAndBranch] = (*CodeGen).doCmpObjectEqAndBranch
	h[lir.OpCmpHoleAndBranch] = (*CodeGen).doCmpHoleAndBranch
	h[lir.OpCompareMinusZeroAndBranch] = (*CodeGen).doCompareMinusZeroAndBranch
	h[lir.OpIsSmiAndBranch] = (*CodeGen).doIsSmiAndBranch
	h[lir.OpCmpMapAndBranch] = (*CodeGen).doCmpMapAndBranch
	h[lir.OpHasInstanceTypeAndBranch] = (*CodeGen).doHasInstanceTypeAndBranch
	h[lir.OpReturn] = (*CodeGen).doReturn
	h[lir.OpParameter] = (*CodeGen).doNothing
	h[lir.OpUnknownOSRValue] = (*CodeGen).doUnknownOSRValue
	h[lir.OpOsrEntry] = (*CodeGen).doOsrEntry
	h[lir.OpStackCheck] = (*CodeGen).doStackCheck
	h[lir.OpLazyBailout] = (*CodeGen).doLazyBailout
	h[lir.OpDeoptimize] = (*CodeGen).doDeoptimize
	h[lir.OpDummy] = (*CodeGen).doNothing
	h[lir.OpDummyUse] = (*CodeGen).doNothing
	h[lir.OpContext] = (*CodeGen).doContext
	h[lir.OpDrop] = (*CodeGen).doDrop
	h[lir.OpPushArgument] = (*CodeGen).doPushArgument

	// 常量
	h[lir.OpConstantI] = (*CodeGen).doConstantI
	h[lir.OpConstantS] = (*CodeGen).doConstantS
	h[lir.OpConstantD] = (*CodeGen).doConstantD
	h[lir.OpConstantT] = (*CodeGen).doConstantT
	h[lir.OpConstantE] = (*CodeGen).doConstantE

	// 整数运算
	h[lir.OpAddI] = (*CodeGen).doAddI
	h[lir.OpSubI] = (*CodeGen).doSubI
	h[lir.OpMulI] = (*CodeGen).doMulI
	h[lir.OpDivI] = (*CodeGen).doDivI
	h[lir.OpDivByPowerOf2I] = (*CodeGen).doDivByPowerOf2I
	h[lir.OpDivByConstI] = (*CodeGen).doDivByConstI
	h[lir.OpFlooringDivI] = (*CodeGen).doFlooringDivI
	h[lir.OpFlooringDivByPowerOf2I] = (*CodeGen).doFlooringDivByPowerOf2I
	h[lir.OpFlooringDivByConstI] = (*CodeGen).doFlooringDivByConstI
	h[lir.OpModI] = (*CodeGen).doModI
	h[lir.OpModByPowerOf2I] = (*CodeGen).doModByPowerOf2I
	h[lir.OpModByConstI] = (*CodeGen).doModByConstI
	h[lir.OpBitI] = (*CodeGen).doBitI
	h[lir.OpShiftI] = (*CodeGen).doShiftI
	h[lir.OpMathMinMax] = (*CodeGen).doMathMinMax
	h[lir.OpMathAbs] = (*CodeGen).doMathAbs

	// 浮点运算
	h[lir.OpArithmeticD] = (*CodeGen).doArithmeticD
	h[lir.OpArithmeticT] = (*CodeGen).doArithmeticT
	h[lir.OpMathSqrt] = (*CodeGen).doMathSqrt
	h[lir.OpMathFloor] = (*CodeGen).doMathFloor

	// 类型转换
	h[lir.OpInteger32ToDouble] = (*CodeGen).doInteger32ToDouble
	h[lir.OpUint32ToDouble] = (*CodeGen).doUint32ToDouble
	h[lir.OpNumberTagI] = (*CodeGen).doNumberTagI
	h[lir.OpNumberTagU] = (*CodeGen).doNumberTagU
	h[lir.OpNumberTagD] = (*CodeGen).doNumberTagD
	h[lir.OpSmiTag] = (*CodeGen).doSmiTag
	h[lir.OpSmiUntag] = (*CodeGen).doSmiUntag
	h[lir.OpTaggedToI] = (*CodeGen).doTaggedToI
	h[lir.OpNumberUntagD] = (*CodeGen).doNumberUntagD
	h[lir.OpDoubleToI] = (*CodeGen).doDoubleToI
	h[lir.OpDoubleToSmi] = (*CodeGen).doDoubleToSmi
	h[lir.OpClampIToUint8] = (*CodeGen).doClampIToUint8
	h[lir.OpClampDToUint8] = (*CodeGen).doClampDToUint8

	// 检查
	h[lir.OpCheckSmi] = (*CodeGen).doCheckSmi
	h[lir.OpCheckNonSmi] = (*CodeGen).doCheckNonSmi
	h[lir.OpCheckMaps] = (*CodeGen).doCheckMaps
	h[lir.OpCheckValue] = (*CodeGen).doCheckValue
	h[lir.OpCheckInstanceType] = (*CodeGen).doCheckInstanceType
	h[lir.OpBoundsCheck] = (*CodeGen).doBoundsCheck

	// 内存访问
	h[lir.OpLoadNamedField] = (*CodeGen).doLoadNamedField
	h[lir.OpStoreNamedField] = (*CodeGen).doStoreNamedField
	h[lir.OpLoadKeyed] = (*CodeGen).doLoadKeyed
	h[lir.OpStoreKeyed] = (*CodeGen).doStoreKeyed
	h[lir.OpLoadContextSlot] = (*CodeGen).doLoadContextSlot
	h[lir.OpStoreContextSlot] = (*CodeGen).doStoreContextSlot
	h[lir.OpLoadRoot] = (*CodeGen).doLoadRoot
	h[lir.OpAllocate] = (*CodeGen).doAllocate

	// 调用
	h[lir.OpCallJSFunction] = (*CodeGen).doCallJSFunction
	h[lir.OpCallWithDescriptor] = (*CodeGen).doCallWithDescriptor
	h[lir.OpCallFunction] = (*CodeGen).doCallFunction
	h[lir.OpCallNew] = (*CodeGen).doCallNew
	h[lir.OpCallRuntime] = (*CodeGen).doCallRuntime
	h[lir.OpCallStub] = (*CodeGen).doCallStub
	h[lir.OpInvokeFunction] = (*CodeGen).doInvokeFunction
	h[lir.OpCmpT] = (*CodeGen).doCmpT

	// SIMD
	h[lir.OpSIMDBinary] = (*CodeGen).doSIMDBinary
	h[lir.OpSIMDShuffle] = (*CodeGen).doSIMDShuffle
	h[lir.OpSIMDSwizzle] = (*CodeGen).doSIMDSwizzle
	h[lir.OpSIMD128ToTagged] = (*CodeGen).doSIMD128ToTagged
	h[lir.OpTaggedToSIMD128] = (*CodeGen).doTaggedToSIMD128
}

// compile 降级一条指令
func (cg *CodeGen) compile(instr *lir.Instruction) {
	var fn handler
	if instr.Op > lir.OpInvalid && instr.Op < lir.NumOpcodes {
		fn = handlers[instr.Op]
	}
	if fn == nil {
		cg.abort(UnsupportedOpcode, fmt.Sprintf("no lowering for %s", instr.Op))
		return
	}
	fn(cg, instr)
}

func (cg *CodeGen) doNothing(*lir.Instruction) {}
