// registers.go - IA-32 寄存器与条件码
//
// 通用寄存器编码即 ModR/M 中的 3 位寄存器号，没有 REX 扩展。
// XMM 寄存器同样只有 xmm0..xmm7。

// Package ia32 实现 IA-32（含 SSE2/SSE4.1）机器码汇编器。
//
// 汇编器是顺序写入的代码缓冲区：支持标签的创建、绑定与回填，
// 相对偏移修正，以及重定位信息的记录。每条发出的指令同时记录一条
// 结构化清单（Inst），供反汇编输出与模拟执行使用。
package ia32

import "fmt"

// ============================================================================
// 通用寄存器
// ============================================================================

// Register IA-32 通用寄存器
type Register int8

const (
	EAX Register = iota
	ECX
	EDX
	EBX
	ESP
	EBP
	ESI
	EDI

	NoReg Register = -1
)

var registerNames = [...]string{"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi"}

// String 返回寄存器名称
func (r Register) String() string {
	if r >= 0 && int(r) < len(registerNames) {
		return registerNames[r]
	}
	return "noreg"
}

// Code 寄存器的 3 位编码
func (r Register) Code() byte {
	return byte(r) & 7
}

// IsValid 是否是合法寄存器
func (r Register) IsValid() bool {
	return r >= EAX && r <= EDI
}

// IsByteRegister 是否有可寻址的低 8 位（al, cl, dl, bl）
func (r Register) IsByteRegister() bool {
	return r >= EAX && r <= EBX
}

// 固定用途寄存器
const (
	// ContextRegister 当前上下文
	ContextRegister = ESI
	// FunctionRegister 当前 JS 函数
	FunctionRegister = EDI
	// ResultRegister 调用结果
	ResultRegister = EAX
)

// NumAllocatableRegisters 可分配通用寄存器个数
const NumAllocatableRegisters = 6

var allocatableRegisters = [NumAllocatableRegisters]Register{EAX, ECX, EDX, EBX, ESI, EDI}

// RegisterFromAllocationIndex 分配索引到寄存器
func RegisterFromAllocationIndex(index int) Register {
	return allocatableRegisters[index]
}

// AllocationIndexOf 寄存器到分配索引，不可分配时返回 -1
func AllocationIndexOf(r Register) int {
	for i, reg := range allocatableRegisters {
		if reg == r {
			return i
		}
	}
	return -1
}

// ============================================================================
// XMM 寄存器
// ============================================================================

// XMMRegister SSE 寄存器
type XMMRegister int8

const (
	XMM0 XMMRegister = iota
	XMM1
	XMM2
	XMM3
	XMM4
	XMM5
	XMM6
	XMM7

	NoXMM XMMRegister = -1
)

// String 返回寄存器名称
func (x XMMRegister) String() string {
	if x >= 0 && x <= XMM7 {
		return fmt.Sprintf("xmm%d", int(x))
	}
	return "noxmm"
}

// Code 寄存器的 3 位编码
func (x XMMRegister) Code() byte {
	return byte(x) & 7
}

// NumAllocatableXMMRegisters 可分配 XMM 寄存器个数（xmm0 保留为暂存）
const NumAllocatableXMMRegisters = 7

// DoubleScratch 暂存双精度寄存器
const DoubleScratch = XMM0

// XMMFromAllocationIndex 分配索引到 XMM 寄存器
func XMMFromAllocationIndex(index int) XMMRegister {
	return XMMRegister(index + 1)
}

// ============================================================================
// 条件码
// ============================================================================

// Condition x86 条件码，数值即 Jcc/SETcc/CMOVcc 中的 4 位编码
type Condition int8

const (
	NoCondition  Condition = -1
	Overflow     Condition = 0
	NoOverflow   Condition = 1
	Below        Condition = 2
	AboveEqual   Condition = 3
	Equal        Condition = 4
	NotEqual     Condition = 5
	BelowEqual   Condition = 6
	Above        Condition = 7
	Negative     Condition = 8
	Positive     Condition = 9
	ParityEven   Condition = 10
	ParityOdd    Condition = 11
	Less         Condition = 12
	GreaterEqual Condition = 13
	LessEqual    Condition = 14
	Greater      Condition = 15

	Always Condition = 16

	Carry    = Below
	NotCarry = AboveEqual
	Zero     = Equal
	NotZero  = NotEqual
	Sign     = Negative
	NotSign  = Positive
)

var conditionNames = [...]string{
	"o", "no", "c", "nc", "z", "nz", "na", "a", "s", "ns", "pe", "po", "l", "ge", "le", "g",
}

// String 返回条件码助记符
func (c Condition) String() string {
	if c >= 0 && int(c) < len(conditionNames) {
		return conditionNames[c]
	}
	if c == Always {
		return "mp"
	}
	return "?"
}

// Negate 返回相反条件
func (c Condition) Negate() Condition {
	return c ^ 1
}

// Commute 交换比较操作数后的等价条件
func (c Condition) Commute() Condition {
	switch c {
	case Below:
		return Above
	case Above:
		return Below
	case AboveEqual:
		return BelowEqual
	case BelowEqual:
		return AboveEqual
	case Less:
		return Greater
	case Greater:
		return Less
	case GreaterEqual:
		return LessEqual
	case LessEqual:
		return GreaterEqual
	}
	return c
}
