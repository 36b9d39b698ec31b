// environment.go - 反优化环境
//
// Environment 描述某个程序点上解释器可见的完整状态。Values 的前
// TranslationSize 个元素是帧中的逻辑槽（参数、局部变量、表达式栈），
// 之后依次是所有待物化对象的字段。遇到物化标记时按 ObjectMaterialization
// 中登记的顺序消费对象；重复对象只消费对象编号，不消费字段。
//
// Environment 在代码生成期间是只读的；注册状态由代码生成器单独维护。

package lir

// FrameType 帧类型
type FrameType int

const (
	FrameJSFunction FrameType = iota
	FrameJSConstruct
	FrameArgumentsAdaptor
	FrameStub
	FrameJSGetter
	FrameJSSetter
)

var frameTypeNames = [...]string{"js", "construct", "adaptor", "stub", "getter", "setter"}

// String 返回帧类型名
func (f FrameType) String() string {
	if int(f) < len(frameTypeNames) {
		return frameTypeNames[f]
	}
	return "?"
}

// ObjectMaterialization 一个待物化对象的描述
type ObjectMaterialization struct {
	// Length 字段个数（对 arguments 对象是实参个数）
	Length int
	// IsArguments 物化为 arguments 对象而不是普通对象
	IsArguments bool
	// DuplicateOf 大于等于 0 时表示与该编号的对象是同一个对象
	DuplicateOf int
}

// IsDuplicate 是否是对先前对象的引用
func (m ObjectMaterialization) IsDuplicate() bool {
	return m.DuplicateOf >= 0
}

// Environment 反优化环境
type Environment struct {
	// Closure 函数身份（字面量对象地址）
	Closure uint32
	// FrameType 帧类型
	FrameType FrameType
	// AstID 恢复执行的源位置
	AstID int
	// ParameterCount 参数个数（含接收者）
	ParameterCount int
	// TranslationSize 帧中逻辑槽个数
	TranslationSize int
	// Values 逻辑槽与对象字段
	Values []Operand
	// Tagged 与 Values 对应：值是否是带标记的指针
	Tagged []bool
	// Uint32 与 Values 对应：int32 位置是否应按无符号解释
	Uint32 []bool
	// Objects 待物化对象，按出现顺序
	Objects []ObjectMaterialization
	// ArgumentsStackHeight 调用点已压入栈的参数个数
	ArgumentsStackHeight int
	// Outer 内联时的外层（调用者）环境
	Outer *Environment
}

// HasTaggedValueAt 检查槽位是否是带标记值
func (e *Environment) HasTaggedValueAt(i int) bool {
	return i < len(e.Tagged) && e.Tagged[i]
}

// HasUint32ValueAt 检查槽位是否按 uint32 解释
func (e *Environment) HasUint32ValueAt(i int) bool {
	return i < len(e.Uint32) && e.Uint32[i]
}

// Depth 返回内联深度（最外层为 1）
func (e *Environment) Depth() int {
	n := 0
	for env := e; env != nil; env = env.Outer {
		n++
	}
	return n
}

// JSFrameCount 返回链上 JS 帧的数量
func (e *Environment) JSFrameCount() int {
	n := 0
	for env := e; env != nil; env = env.Outer {
		if env.FrameType == FrameJSFunction {
			n++
		}
	}
	return n
}

// Chain 返回从最外层到当前环境的链
func (e *Environment) Chain() []*Environment {
	var chain []*Environment
	for env := e; env != nil; env = env.Outer {
		chain = append(chain, env)
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}
