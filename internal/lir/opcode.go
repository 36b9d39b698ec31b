// opcode.go - LIR 操作码
//
// 操作码是一个稠密枚举，代码生成器用它直接索引处理函数表。
// 新增操作码时需要同时在 opcodeNames 中登记名称，并在代码生成器中
// 注册处理函数，否则代码生成会以 "unimplemented" 中止。

// Package lir 定义优化编译器后端消费的线性中间表示（LIR）。
//
// LIR 指令流由上游的图构建与寄存器分配阶段产生，操作数在进入代码生成
// 之前已经分配好固定的种类与索引。本包只描述数据，不做任何分配或优化。
package lir

import "fmt"

// Opcode LIR 操作码
type Opcode int

const (
	OpInvalid Opcode = iota

	// ========================================================================
	// 控制流与伪指令
	// ========================================================================

	OpGap
	OpLabel
	OpGoto
	OpBranch
	OpCompareNumericAndBranch
	OpCmpObjectEqAndBranch
	OpCmpHoleAndBranch
	OpCompareMinusZeroAndBranch
	OpIsSmiAndBranch
	OpCmpMapAndBranch
	OpHasInstanceTypeAndBranch
	OpReturn
	OpParameter
	OpUnknownOSRValue
	OpOsrEntry
	OpStackCheck
	OpLazyBailout
	OpDeoptimize
	OpDummy
	OpDummyUse
	OpContext
	OpDrop
	OpPushArgument

	// ========================================================================
	// 常量
	// ========================================================================

	OpConstantI
	OpConstantS
	OpConstantD
	OpConstantT
	OpConstantE

	// ========================================================================
	// 整数运算
	// ========================================================================

	OpAddI
	OpSubI
	OpMulI
	OpDivI
	OpDivByPowerOf2I
	OpDivByConstI
	OpFlooringDivI
	OpFlooringDivByPowerOf2I
	OpFlooringDivByConstI
	OpModI
	OpModByPowerOf2I
	OpModByConstI
	OpBitI
	OpShiftI
	OpMathMinMax
	OpMathAbs

	// ========================================================================
	// 浮点运算
	// ========================================================================

	OpArithmeticD
	OpArithmeticT
	OpMathSqrt
	OpMathFloor

	// ========================================================================
	// 类型转换
	// ========================================================================

	OpInteger32ToDouble
	OpUint32ToDouble
	OpNumberTagI
	OpNumberTagU
	OpNumberTagD
	OpSmiTag
	OpSmiUntag
	OpTaggedToI
	OpNumberUntagD
	OpDoubleToI
	OpDoubleToSmi
	OpClampIToUint8
	OpClampDToUint8

	// ========================================================================
	// 检查
	// ========================================================================

	OpCheckSmi
	OpCheckNonSmi
	OpCheckMaps
	OpCheckValue
	OpCheckInstanceType
	OpBoundsCheck

	// ========================================================================
	// 内存访问
	// ========================================================================

	OpLoadNamedField
	OpStoreNamedField
	OpLoadKeyed
	OpStoreKeyed
	OpLoadContextSlot
	OpStoreContextSlot
	OpLoadRoot
	OpAllocate

	// ========================================================================
	// 调用
	// ========================================================================

	OpCallJSFunction
	OpCallWithDescriptor
	OpCallFunction
	OpCallNew
	OpCallRuntime
	OpCallStub
	OpInvokeFunction
	OpCmpT

	// ========================================================================
	// SIMD
	// ========================================================================

	OpSIMDBinary
	OpSIMDShuffle
	OpSIMDSwizzle
	OpSIMD128ToTagged
	OpTaggedToSIMD128

	NumOpcodes
)

var opcodeNames = [NumOpcodes]string{
	OpInvalid:                   "invalid",
	OpGap:                       "gap",
	OpLabel:                     "label",
	OpGoto:                      "goto",
	OpBranch:                    "branch",
	OpCompareNumericAndBranch:   "compare-numeric-and-branch",
	OpCmpObjectEqAndBranch:      "cmp-object-eq-and-branch",
	OpCmpHoleAndBranch:          "cmp-hole-and-branch",
	OpCompareMinusZeroAndBranch: "cmp-minus-zero-and-branch",
	OpIsSmiAndBranch:            "is-smi-and-branch",
	OpCmpMapAndBranch:           "cmp-map-and-branch",
	OpHasInstanceTypeAndBranch:  "has-instance-type-and-branch",
	OpReturn:                    "return",
	OpParameter:                 "parameter",
	OpUnknownOSRValue:           "unknown-osr-value",
	OpOsrEntry:                  "osr-entry",
	OpStackCheck:                "stack-check",
	OpLazyBailout:               "lazy-bailout",
	OpDeoptimize:                "deoptimize",
	OpDummy:                     "dummy",
	OpDummyUse:                  "dummy-use",
	OpContext:                   "context",
	OpDrop:                      "drop",
	OpPushArgument:              "push-argument",
	OpConstantI:                 "constant-i",
	OpConstantS:                 "constant-s",
	OpConstantD:                 "constant-d",
	OpConstantT:                 "constant-t",
	OpConstantE:                 "constant-e",
	OpAddI:                      "add-i",
	OpSubI:                      "sub-i",
	OpMulI:                      "mul-i",
	OpDivI:                      "div-i",
	OpDivByPowerOf2I:            "div-by-power-of-2-i",
	OpDivByConstI:               "div-by-const-i",
	OpFlooringDivI:              "flooring-div-i",
	OpFlooringDivByPowerOf2I:    "flooring-div-by-power-of-2-i",
	OpFlooringDivByConstI:       "flooring-div-by-const-i",
	OpModI:                      "mod-i",
	OpModByPowerOf2I:            "mod-by-power-of-2-i",
	OpModByConstI:               "mod-by-const-i",
	OpBitI:                      "bit-i",
	OpShiftI:                    "shift-i",
	OpMathMinMax:                "math-min-max",
	OpMathAbs:                   "math-abs",
	OpArithmeticD:               "arithmetic-d",
	OpArithmeticT:               "arithmetic-t",
	OpMathSqrt:                  "math-sqrt",
	OpMathFloor:                 "math-floor",
	OpInteger32ToDouble:         "int32-to-double",
	OpUint32ToDouble:            "uint32-to-double",
	OpNumberTagI:                "number-tag-i",
	OpNumberTagU:                "number-tag-u",
	OpNumberTagD:                "number-tag-d",
	OpSmiTag:                    "smi-tag",
	OpSmiUntag:                  "smi-untag",
	OpTaggedToI:                 "tagged-to-i",
	OpNumberUntagD:              "number-untag-d",
	OpDoubleToI:                 "double-to-i",
	OpDoubleToSmi:               "double-to-smi",
	OpClampIToUint8:             "clamp-i-to-uint8",
	OpClampDToUint8:             "clamp-d-to-uint8",
	OpCheckSmi:                  "check-smi",
	OpCheckNonSmi:               "check-non-smi",
	OpCheckMaps:                 "check-maps",
	OpCheckValue:                "check-value",
	OpCheckInstanceType:         "check-instance-type",
	OpBoundsCheck:               "bounds-check",
	OpLoadNamedField:            "load-named-field",
	OpStoreNamedField:           "store-named-field",
	OpLoadKeyed:                 "load-keyed",
	OpStoreKeyed:                "store-keyed",
	OpLoadContextSlot:           "load-context-slot",
	OpStoreContextSlot:          "store-context-slot",
	OpLoadRoot:                  "load-root",
	OpAllocate:                  "allocate",
	OpCallJSFunction:            "call-js-function",
	OpCallWithDescriptor:        "call-with-descriptor",
	OpCallFunction:              "call-function",
	OpCallNew:                   "call-new",
	OpCallRuntime:               "call-runtime",
	OpCallStub:                  "call-stub",
	OpInvokeFunction:            "invoke-function",
	OpCmpT:                      "cmp-t",
	OpSIMDBinary:                "simd-binary",
	OpSIMDShuffle:               "simd-shuffle",
	OpSIMDSwizzle:               "simd-swizzle",
	OpSIMD128ToTagged:           "simd128-to-tagged",
	OpTaggedToSIMD128:           "tagged-to-simd128",
}

// String 返回操作码名称
func (op Opcode) String() string {
	if op >= 0 && op < NumOpcodes && opcodeNames[op] != "" {
		return opcodeNames[op]
	}
	return fmt.Sprintf("opcode(%d)", int(op))
}

// IsCall 检查操作码是否是调用类指令
//
// 调用类指令在发出之前需要为惰性反优化补丁保留空间。
func (op Opcode) IsCall() bool {
	switch op {
	case OpCallJSFunction, OpCallWithDescriptor, OpCallFunction, OpCallNew,
		OpCallRuntime, OpCallStub, OpInvokeFunction, OpArithmeticT, OpCmpT:
		return true
	}
	return false
}

// IsControl 检查操作码是否结束一个基本块
func (op Opcode) IsControl() bool {
	switch op {
	case OpGoto, OpBranch, OpCompareNumericAndBranch, OpCmpObjectEqAndBranch,
		OpCmpHoleAndBranch, OpCompareMinusZeroAndBranch, OpIsSmiAndBranch,
		OpCmpMapAndBranch, OpHasInstanceTypeAndBranch, OpReturn, OpDeoptimize:
		return true
	}
	return false
}

// IsGap 检查是否是带并行移动的间隙指令（Label 也是间隙）
func (op Opcode) IsGap() bool {
	return op == OpGap || op == OpLabel
}

// ============================================================================
// 运算符记号
// ============================================================================

// Token 算术、位运算与比较运算符
type Token int

const (
	TokenNone Token = iota
	TokenAdd
	TokenSub
	TokenMul
	TokenDiv
	TokenMod
	TokenBitAnd
	TokenBitOr
	TokenBitXor
	TokenShl
	TokenSar
	TokenShr
	TokenRor
	TokenMin
	TokenMax
	TokenEq
	TokenNe
	TokenEqStrict
	TokenNeStrict
	TokenLt
	TokenGt
	TokenLte
	TokenGte
)

var tokenNames = [...]string{
	"none", "+", "-", "*", "/", "%", "&", "|", "^", "<<", ">>", ">>>", "ror",
	"min", "max", "==", "!=", "===", "!==", "<", ">", "<=", ">=",
}

// String 返回运算符文本
func (t Token) String() string {
	if t >= 0 && int(t) < len(tokenNames) {
		return tokenNames[t]
	}
	return fmt.Sprintf("token(%d)", int(t))
}

// IsCompare 检查是否是比较运算符
func (t Token) IsCompare() bool {
	return t >= TokenEq && t <= TokenGte
}
