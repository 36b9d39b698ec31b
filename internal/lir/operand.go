// operand.go - LIR 操作数
//
// 操作数是带种类标记的值类型：种类在寄存器分配时确定，之后不再改变，
// 代码生成器只负责把它解析为具体的机器位置。

package lir

import "fmt"

// OperandKind 操作数种类
type OperandKind uint8

const (
	KindInvalid OperandKind = iota
	KindConstant
	KindStackSlot
	KindDoubleStackSlot
	KindFloat32x4StackSlot
	KindFloat64x2StackSlot
	KindInt32x4StackSlot
	KindRegister
	KindDoubleRegister
	KindFloat32x4Register
	KindFloat64x2Register
	KindInt32x4Register

	// KindMaterialization 环境中的“待物化对象”标记，不对应任何位置
	KindMaterialization
)

var kindNames = [...]string{
	"invalid", "const", "slot", "dslot", "f32x4slot", "f64x2slot", "i32x4slot",
	"reg", "dreg", "f32x4reg", "f64x2reg", "i32x4reg", "materialize",
}

// String 返回种类名称
func (k OperandKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Operand LIR 操作数
//
// 寄存器类操作数的 Index 是分配索引，栈槽类是槽号（负数表示传入参数），
// 常量是 Chunk 常量表下标。
type Operand struct {
	Kind  OperandKind
	Index int
}

// None 表示空操作数
var None = Operand{}

// Reg 构造通用寄存器操作数
func Reg(index int) Operand { return Operand{KindRegister, index} }

// DoubleReg 构造双精度寄存器操作数
func DoubleReg(index int) Operand { return Operand{KindDoubleRegister, index} }

// Slot 构造栈槽操作数
func Slot(index int) Operand { return Operand{KindStackSlot, index} }

// DoubleSlot 构造双精度栈槽操作数
func DoubleSlot(index int) Operand { return Operand{KindDoubleStackSlot, index} }

// Const 构造常量操作数
func Const(index int) Operand { return Operand{KindConstant, index} }

// Materialize 构造物化标记
func Materialize() Operand { return Operand{KindMaterialization, 0} }

// SIMDReg 构造 SIMD 寄存器操作数
func SIMDReg(kind OperandKind, index int) Operand { return Operand{kind, index} }

// IsValid 检查操作数是否存在
func (o Operand) IsValid() bool { return o.Kind != KindInvalid }

// IsRegister 通用寄存器
func (o Operand) IsRegister() bool { return o.Kind == KindRegister }

// IsDoubleRegister 双精度寄存器
func (o Operand) IsDoubleRegister() bool { return o.Kind == KindDoubleRegister }

// IsSIMD128Register 任意 128 位 SIMD 寄存器
func (o Operand) IsSIMD128Register() bool {
	return o.Kind == KindFloat32x4Register || o.Kind == KindFloat64x2Register ||
		o.Kind == KindInt32x4Register
}

// IsXMMRegister 所有位于 XMM 寄存器中的操作数
func (o Operand) IsXMMRegister() bool {
	return o.IsDoubleRegister() || o.IsSIMD128Register()
}

// IsStackSlot 单字栈槽
func (o Operand) IsStackSlot() bool { return o.Kind == KindStackSlot }

// IsDoubleStackSlot 双精度栈槽
func (o Operand) IsDoubleStackSlot() bool { return o.Kind == KindDoubleStackSlot }

// IsSIMD128StackSlot 任意 128 位 SIMD 栈槽
func (o Operand) IsSIMD128StackSlot() bool {
	return o.Kind == KindFloat32x4StackSlot || o.Kind == KindFloat64x2StackSlot ||
		o.Kind == KindInt32x4StackSlot
}

// IsAnyStackSlot 任意栈槽
func (o Operand) IsAnyStackSlot() bool {
	return o.IsStackSlot() || o.IsDoubleStackSlot() || o.IsSIMD128StackSlot()
}

// IsConstant 常量
func (o Operand) IsConstant() bool { return o.Kind == KindConstant }

// IsMaterialization 物化标记
func (o Operand) IsMaterialization() bool { return o.Kind == KindMaterialization }

// Equals 检查两个操作数是否指向同一位置
func (o Operand) Equals(other Operand) bool {
	return o.Kind == other.Kind && o.Index == other.Index
}

// String 返回操作数文本
func (o Operand) String() string {
	switch o.Kind {
	case KindInvalid:
		return "(0)"
	case KindMaterialization:
		return "[materialize]"
	case KindConstant:
		return fmt.Sprintf("[constant:%d]", o.Index)
	}
	return fmt.Sprintf("[%s:%d]", o.Kind, o.Index)
}

// ============================================================================
// 并行移动
// ============================================================================

// MoveOperands 一次移动
type MoveOperands struct {
	Source      Operand
	Destination Operand
}

// IsRedundant 源与目标相同或目标为空
func (m MoveOperands) IsRedundant() bool {
	return !m.Destination.IsValid() || m.Source.Equals(m.Destination)
}

// ParallelMove 语义上同时发生的一组移动
type ParallelMove struct {
	Moves []MoveOperands
}

// Add 添加一次移动
func (p *ParallelMove) Add(from, to Operand) *ParallelMove {
	p.Moves = append(p.Moves, MoveOperands{from, to})
	return p
}

// IsRedundant 所有移动都是冗余的
func (p *ParallelMove) IsRedundant() bool {
	if p == nil {
		return true
	}
	for _, m := range p.Moves {
		if !m.IsRedundant() {
			return false
		}
	}
	return true
}

// GapPosition 间隙内的四个移动位置
type GapPosition int

const (
	GapBefore GapPosition = iota
	GapStart
	GapEnd
	GapAfter
	NumGapPositions
)

// ============================================================================
// 寄存器集合
// ============================================================================

// RegisterSet 寄存器分配索引的位集合
type RegisterSet uint32

// Add 加入一个索引
func (s RegisterSet) Add(index int) RegisterSet { return s | 1<<uint(index) }

// Contains 检查索引是否在集合中
func (s RegisterSet) Contains(index int) bool { return s&(1<<uint(index)) != 0 }

// Len 集合大小
func (s RegisterSet) Len() int {
	n := 0
	for v := s; v != 0; v &= v - 1 {
		n++
	}
	return n
}

// ForEach 按索引升序遍历集合
func (s RegisterSet) ForEach(fn func(index int)) {
	for i := 0; s != 0; i++ {
		if s&1 != 0 {
			fn(i)
		}
		s >>= 1
	}
}
