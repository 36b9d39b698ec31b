// reason.go - 反优化原因与 bailout 类型

// Package deopt 实现反优化所需的元数据：翻译（Translation）的编码与解码、
// 反优化原因、跳转表条目以及写入代码对象的反优化输入数据。
package deopt

import "fmt"

// BailoutType bailout 方式
type BailoutType int

const (
	// Eager 守卫失败时立即离开优化代码
	Eager BailoutType = iota
	// Lazy 调用返回时才离开优化代码
	Lazy
	// Soft 类型反馈不足，不计入反优化次数
	Soft
)

// String 返回类型名
func (t BailoutType) String() string {
	switch t {
	case Eager:
		return "eager"
	case Lazy:
		return "lazy"
	case Soft:
		return "soft"
	}
	return fmt.Sprintf("bailout(%d)", int(t))
}

// Reason 反优化原因
//
// 每个守卫都带一个可区分的原因，只用于诊断，不影响恢复语义。
type Reason int

const (
	ReasonNone Reason = iota
	ReasonDivisionByZero
	ReasonMinusZero
	ReasonOverflow
	ReasonLostPrecision
	ReasonLostPrecisionOrNaN
	ReasonNaN
	ReasonOutOfBounds
	ReasonHole
	ReasonNotASmi
	ReasonSmi
	ReasonNotAHeapNumber
	ReasonNotAHeapNumberUndefined
	ReasonNotAHeapNumberUndefinedBoolean
	ReasonNotASIMD128
	ReasonWrongMap
	ReasonInstanceMigrationFailed
	ReasonNegativeValue
	ReasonValueMismatch
	ReasonWrongInstanceType
	ReasonUnexpectedObject
	ReasonForcedDeoptToRuntime
	ReasonTooManyArguments
	ReasonInsufficientTypeFeedback
	ReasonNonConstantLaneSelector
	NumReasons
)

var reasonNames = [NumReasons]string{
	"no reason",
	"division by zero",
	"minus zero",
	"overflow",
	"lost precision",
	"lost precision or NaN",
	"NaN",
	"out of bounds",
	"hole",
	"not a Smi",
	"Smi",
	"not a heap number",
	"not a heap number/undefined",
	"not a heap number/undefined/true/false",
	"not a SIMD128 value",
	"wrong map",
	"instance migration failed",
	"negative value",
	"value mismatch",
	"wrong instance type",
	"unexpected object",
	"forced deopt to runtime",
	"too many arguments",
	"insufficient type feedback",
	"non-constant lane selector",
}

// String 返回原因文本
func (r Reason) String() string {
	if r >= 0 && r < NumReasons {
		return reasonNames[r]
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// Info 守卫点的诊断信息
type Info struct {
	// Position 源位置
	Position int
	Reason   Reason
	// InliningID 内联函数编号，0 表示最外层
	InliningID int
}
