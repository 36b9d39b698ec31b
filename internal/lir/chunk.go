// chunk.go - LIR 编译单元
//
// Chunk 是一个函数（或存根）的完整 LIR：指令流、基本块、常量表以及
// 寄存器分配的结果。块 i 的第一条指令是它的 Label。

package lir

import (
	"math"

	"github.com/tangzhangming/lithium/internal/runtime"
)

// ============================================================================
// 常量
// ============================================================================

// ConstantKind 常量种类
type ConstantKind int

const (
	ConstInt32 ConstantKind = iota
	ConstSmi
	ConstDouble
	ConstObject
	ConstExternal
)

// Constant 常量表条目
type Constant struct {
	Kind    ConstantKind
	Int32   int32
	Double  float64
	Address uint32
	// InNewSpace 对象在新生代，嵌入代码后可能移动
	InNewSpace bool
}

// HasInt32Value 常量可以当作 int32 使用
func (c Constant) HasInt32Value() bool {
	switch c.Kind {
	case ConstInt32, ConstSmi:
		return true
	case ConstDouble:
		i := int32(c.Double)
		return float64(i) == c.Double && !(c.Double == 0 && math.Signbit(c.Double))
	}
	return false
}

// Int32Value 返回 int32 值
func (c Constant) Int32Value() int32 {
	if c.Kind == ConstDouble {
		return int32(c.Double)
	}
	return c.Int32
}

// HasSmiValue 常量是合法的 Smi
func (c Constant) HasSmiValue() bool {
	return c.HasInt32Value() && runtime.IsValidSmi(int64(c.Int32Value()))
}

// DoubleValue 返回双精度值
func (c Constant) DoubleValue() float64 {
	if c.Kind == ConstDouble {
		return c.Double
	}
	return float64(c.Int32)
}

// ============================================================================
// 基本块与编译信息
// ============================================================================

// Block 基本块
type Block struct {
	ID int
	// Label 块首 Label 指令在指令流中的下标
	Label        int
	IsLoopHeader bool
	IsOSREntry   bool
	// Replacement 大于等于 0 时本块为空，跳转应转发到该块
	Replacement int
}

// HasReplacement 块是否被替换
func (b *Block) HasReplacement() bool { return b.Replacement >= 0 }

// ContextParameter 需要复制到函数上下文的参数
type ContextParameter struct {
	// ParameterIndex 参数下标（0 为接收者）
	ParameterIndex int
	// SlotIndex 上下文槽下标
	SlotIndex int
}

// CompilationInfo 编译单元元信息
type CompilationInfo struct {
	Name string
	// IsStub 代码存根；否则是优化的 JS 函数
	IsStub bool
	// IsSloppy 非严格模式函数，需要修补接收者
	IsSloppy bool
	// Closure 函数身份
	Closure uint32
	// HeapSlots 需要分配的函数上下文槽数（0 表示不需要）
	HeapSlots         int
	ContextParameters []ContextParameter
	// OSRAstID OSR 入口的源位置，-1 表示非 OSR 编译
	OSRAstID int
	// UnoptimizedFrameSlots OSR 时未优化帧已有的槽数
	UnoptimizedFrameSlots int
	SavesCallerDoubles    bool
	// RequiresFrame 存根也需要构建帧
	RequiresFrame bool
	// HasNonDeferredCalls 主路径中存在调用
	HasNonDeferredCalls bool
	// UsesDoubles 函数使用双精度栈槽（动态对齐的前提）
	UsesDoubles      bool
	InlinedFunctions []uint32
	OptimizationID   int
}

// IsOSR 是否是 OSR 编译
func (c *CompilationInfo) IsOSR() bool { return c.OSRAstID >= 0 }

// ============================================================================
// Chunk
// ============================================================================

// Chunk 编译单元
type Chunk struct {
	Info         CompilationInfo
	Instructions []*Instruction
	Blocks       []*Block
	Constants    []Constant
	// SpillSlotCount 溢出槽个数（双精度槽占两个，SIMD 槽占四个）
	SpillSlotCount int
	// ParameterCount 形参个数，不含接收者
	ParameterCount int
	// AllocatedDoubleRegisters 被分配过的 XMM 寄存器
	AllocatedDoubleRegisters RegisterSet
}

// NewChunk 创建编译单元
func NewChunk(name string, parameterCount int) *Chunk {
	return &Chunk{
		Info:           CompilationInfo{Name: name, OSRAstID: -1},
		ParameterCount: parameterCount,
	}
}

// StackSlotCount 返回帧中需要保留的槽数
func (c *Chunk) StackSlotCount() int {
	return c.SpillSlotCount
}

// ParameterStackSlot 返回参数对应的负数槽号
//
// 接收者是下标 0，第一个形参是下标 1；结果总为负，以便与溢出槽区分。
func (c *Chunk) ParameterStackSlot(index int) int {
	return index - c.ParameterCount - 1
}

// StartBlock 开始一个新块，追加它的 Label
func (c *Chunk) StartBlock() *Block {
	b := &Block{ID: len(c.Blocks), Label: len(c.Instructions), Replacement: -1}
	c.Blocks = append(c.Blocks, b)
	c.Add(&Instruction{Op: OpLabel, Block: b.ID})
	return b
}

// Add 追加指令
func (c *Chunk) Add(in *Instruction) *Instruction {
	if in.Pointers != nil {
		in.Pointers.LithiumPosition = len(c.Instructions)
	}
	c.Instructions = append(c.Instructions, in)
	return in
}

// AddConstant 追加常量并返回常量操作数
func (c *Chunk) AddConstant(k Constant) Operand {
	c.Constants = append(c.Constants, k)
	return Const(len(c.Constants) - 1)
}

// Int32Constant 追加 int32 常量
func (c *Chunk) Int32Constant(v int32) Operand {
	return c.AddConstant(Constant{Kind: ConstInt32, Int32: v})
}

// SmiConstant 追加 Smi 常量
func (c *Chunk) SmiConstant(v int32) Operand {
	return c.AddConstant(Constant{Kind: ConstSmi, Int32: v})
}

// DoubleConstant 追加双精度常量
func (c *Chunk) DoubleConstant(v float64) Operand {
	return c.AddConstant(Constant{Kind: ConstDouble, Double: v})
}

// ObjectConstant 追加对象常量
func (c *Chunk) ObjectConstant(addr uint32) Operand {
	return c.AddConstant(Constant{Kind: ConstObject, Address: addr})
}

// Constant 返回常量操作数对应的常量
func (c *Chunk) Constant(op Operand) Constant {
	return c.Constants[op.Index]
}

// Label 返回块的 Label 指令
func (c *Chunk) Label(block int) *Instruction {
	return c.Instructions[c.Blocks[block].Label]
}

// LookupDestination 沿替换链找到实际发出代码的块
func (c *Chunk) LookupDestination(block int) int {
	for i := 0; i < len(c.Blocks); i++ {
		b := c.Blocks[block]
		if !b.HasReplacement() {
			return block
		}
		block = b.Replacement
	}
	return block
}

// IsGapAt 指令流下标处是否是间隙
func (c *Chunk) IsGapAt(index int) bool {
	return index >= 0 && index < len(c.Instructions) && c.Instructions[index].Op.IsGap()
}
