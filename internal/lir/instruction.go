// instruction.go - LIR 指令
//
// Instruction 是扁平结构：公共字段（操作码、操作数、环境、指针映射、
// 高层值）加上若干按操作码解释的附加参数。构造之后只读。

package lir

import (
	"fmt"
	"strings"

	"github.com/tangzhangming/lithium/internal/deopt"
	"github.com/tangzhangming/lithium/internal/runtime"
)

// ============================================================================
// 元素种类
// ============================================================================

// ElementsKind 数组元素存储种类
type ElementsKind int

const (
	FastSmiElements ElementsKind = iota
	FastHoleySmiElements
	FastElements
	FastHoleyElements
	FastDoubleElements
	FastHoleyDoubleElements
	Int8Elements
	Uint8Elements
	Uint8ClampedElements
	Int16Elements
	Uint16Elements
	Int32Elements
	Uint32Elements
	Float32Elements
	Float64Elements
	Float32x4Elements
	Int32x4Elements
	Float64x2Elements
)

// IsFastSmi Smi 元素
func (k ElementsKind) IsFastSmi() bool {
	return k == FastSmiElements || k == FastHoleySmiElements
}

// IsFastObject 任意带标记的快速元素
func (k ElementsKind) IsFastObject() bool {
	return k <= FastHoleyElements
}

// IsFastDouble 双精度快速元素
func (k ElementsKind) IsFastDouble() bool {
	return k == FastDoubleElements || k == FastHoleyDoubleElements
}

// IsHoley 可能包含空洞
func (k ElementsKind) IsHoley() bool {
	return k == FastHoleySmiElements || k == FastHoleyElements || k == FastHoleyDoubleElements
}

// IsTyped 类型化数组元素
func (k ElementsKind) IsTyped() bool {
	return k >= Int8Elements
}

// IsSIMD128 SIMD 类型化数组元素
func (k ElementsKind) IsSIMD128() bool {
	return k >= Float32x4Elements
}

// ShiftSize 元素字节宽度的 log2
func (k ElementsKind) ShiftSize() int {
	switch k {
	case Int8Elements, Uint8Elements, Uint8ClampedElements:
		return 0
	case Int16Elements, Uint16Elements:
		return 1
	case Int32Elements, Uint32Elements, Float32Elements:
		return 2
	case FastDoubleElements, FastHoleyDoubleElements, Float64Elements:
		return 3
	case Float32x4Elements, Int32x4Elements, Float64x2Elements:
		return 4
	}
	return runtime.PointerShift
}

// HoleMode 空洞处理策略
type HoleMode int

const (
	// HoleNever 不检查空洞
	HoleNever HoleMode = iota
	// HoleDeopt 读到空洞时反优化
	HoleDeopt
	// HoleConvertToUndefined 读到空洞时替换为 undefined
	HoleConvertToUndefined
)

// ============================================================================
// 附加参数
// ============================================================================

// FieldAccess 命名字段访问
type FieldAccess struct {
	// Offset 未标记的字段偏移
	Offset int
	// InObject 字段在对象内；否则在 properties 后备存储中
	InObject bool
	// Repr 字段表示
	Repr Representation
	// IsExternal 对象操作数是原始外部指针
	IsExternal bool
	// WriteBarrier 存储后需要写屏障
	WriteBarrier bool
	// ValueMayBeSmi 写屏障需要先检查 Smi
	ValueMayBeSmi bool
	// Transition 非零时先把对象 map 改为该地址
	Transition uint32
}

// KeyedAccess 键控元素访问
type KeyedAccess struct {
	Kind ElementsKind
	// BaseOffset 未标记的元素起始偏移
	BaseOffset int
	// KeyRepr 键的表示（Smi 键需要额外的标记位调整）
	KeyRepr Representation
	// HoleMode 空洞策略
	HoleMode HoleMode
	// WriteBarrier 存储后需要写屏障
	WriteBarrier bool
	// ValueMayBeSmi 写屏障需要先检查 Smi
	ValueMayBeSmi bool
	// CanonicalizeNaN 存储双精度数前规范化 NaN
	CanonicalizeNaN bool
	// LengthRepr 边界检查中长度的表示，ReprNone 表示与键相同
	LengthRepr Representation
	// AccessBytes 一次 128 位访问实际读写的字节数（4、8、12、16），0 表示不是 SIMD 访问
	AccessBytes int
}

// LengthRepresentation 长度的表示
func (k KeyedAccess) LengthRepresentation() Representation {
	if k.LengthRepr == ReprNone {
		return k.KeyRepr
	}
	return k.LengthRepr
}

// SIMD128AccessBytes 128 位访问的字节数，SIMD 元素种类默认整个 128 位
func (k KeyedAccess) SIMD128AccessBytes() int {
	if k.AccessBytes > 0 {
		return k.AccessBytes
	}
	if k.Kind.IsSIMD128() {
		return runtime.Simd128Size
	}
	return 0
}

// CheckInfo 检查指令参数
type CheckInfo struct {
	Maps               []uint32
	HasMigrationTarget bool
	Object             uint32
	FirstType          runtime.InstanceType
	LastType           runtime.InstanceType
	AllowEquality      bool
	SkipCheck          bool
}

// AllocInfo 分配指令参数
type AllocInfo struct {
	// Size 常量大小；为 0 时使用 Inputs[0]
	Size        int
	DoubleAlign bool
	Space       runtime.AllocationSpace
	// PrefillFiller 分配后用单字填充 map 填满对象
	PrefillFiller bool
}

// CallInfo 调用参数
type CallInfo struct {
	Arity   int
	Runtime runtime.FunctionID
	Builtin runtime.Builtin
	// SaveDoubles 运行时调用需要保存 XMM 寄存器
	SaveDoubles bool
	// FormalParameterCount 已知目标的形参个数，-1 表示未知
	FormalParameterCount int
	// Target 直接调用的代码对象地址
	Target uint32
}

// ============================================================================
// 指令
// ============================================================================

// Instruction LIR 指令
type Instruction struct {
	Op       Opcode
	Result   Operand
	Inputs   []Operand
	Temps    []Operand
	Env      *Environment
	Pointers *PointerMap
	Hydrogen *Value

	// Block Label 所在块或 Goto 目标
	Block      int
	TrueBlock  int
	FalseBlock int
	// Moves 间隙中的并行移动
	Moves [NumGapPositions]*ParallelMove

	Token     Token
	Imm       int32
	Double    float64
	CanDeopt  bool
	Reason    deopt.Reason
	Soft      bool
	Root      runtime.RootIndex
	SlotIndex int
	HoleMode  HoleMode

	Field FieldAccess
	Keyed KeyedAccess
	Check CheckInfo
	Alloc AllocInfo
	Call  CallInfo
}

// Input 返回第 i 个输入
func (in *Instruction) Input(i int) Operand {
	if i < len(in.Inputs) {
		return in.Inputs[i]
	}
	return None
}

// Temp 返回第 i 个临时操作数
func (in *Instruction) Temp(i int) Operand {
	if i < len(in.Temps) {
		return in.Temps[i]
	}
	return None
}

// Left 二元运算左操作数
func (in *Instruction) Left() Operand { return in.Input(0) }

// Right 二元运算右操作数
func (in *Instruction) Right() Operand { return in.Input(1) }

// HasEnvironment 指令带反优化环境
func (in *Instruction) HasEnvironment() bool { return in.Env != nil }

// HasPointerMap 指令带指针映射
func (in *Instruction) HasPointerMap() bool { return in.Pointers != nil }

// CheckFlag 查询高层值标志
func (in *Instruction) CheckFlag(f Flag) bool { return in.Hydrogen.CheckFlag(f) }

// GetMove 返回间隙位置上的并行移动，不存在时创建
func (in *Instruction) GetMove(pos GapPosition) *ParallelMove {
	if in.Moves[pos] == nil {
		in.Moves[pos] = &ParallelMove{}
	}
	return in.Moves[pos]
}

// String 返回指令文本
func (in *Instruction) String() string {
	var sb strings.Builder
	sb.WriteString(in.Op.String())
	if in.Result.IsValid() {
		fmt.Fprintf(&sb, " %s =", in.Result)
	}
	for _, op := range in.Inputs {
		sb.WriteByte(' ')
		sb.WriteString(op.String())
	}
	if len(in.Temps) > 0 {
		sb.WriteString(" temps:")
		for _, op := range in.Temps {
			sb.WriteByte(' ')
			sb.WriteString(op.String())
		}
	}
	switch in.Op {
	case OpLabel, OpGoto:
		fmt.Fprintf(&sb, " B%d", in.Block)
	}
	if in.TrueBlock != in.FalseBlock || in.TrueBlock != 0 {
		fmt.Fprintf(&sb, " then B%d else B%d", in.TrueBlock, in.FalseBlock)
	}
	return sb.String()
}
