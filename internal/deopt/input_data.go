// input_data.go - 反优化输入数据、字面量池、跳转表条目与入口表

package deopt

import (
	"math"

	"github.com/tangzhangming/lithium/internal/runtime"
)

// ============================================================================
// 字面量
// ============================================================================

// LiteralKind 字面量种类
type LiteralKind int

const (
	LiteralObject LiteralKind = iota
	LiteralNumber
)

// Literal 反优化字面量：堆对象引用或数值
type Literal struct {
	Kind    LiteralKind
	Address runtime.Address
	Number  float64
}

// ObjectLiteral 构造对象字面量
func ObjectLiteral(addr runtime.Address) Literal {
	return Literal{Kind: LiteralObject, Address: addr}
}

// NumberLiteral 构造数值字面量
func NumberLiteral(v float64) Literal {
	return Literal{Kind: LiteralNumber, Number: v}
}

// IdenticalTo 按身份比较：对象比较地址，数值比较位模式
func (l Literal) IdenticalTo(o Literal) bool {
	if l.Kind != o.Kind {
		return false
	}
	if l.Kind == LiteralObject {
		return l.Address == o.Address
	}
	return math.Float64bits(l.Number) == math.Float64bits(o.Number)
}

// LiteralPool 去重的字面量表
type LiteralPool struct {
	list []Literal
}

// Define 返回字面量下标，已存在时复用
func (p *LiteralPool) Define(l Literal) int {
	for i, e := range p.list {
		if e.IdenticalTo(l) {
			return i
		}
	}
	p.list = append(p.list, l)
	return len(p.list) - 1
}

// Len 字面量个数
func (p *LiteralPool) Len() int { return len(p.list) }

// Literals 返回字面量副本
func (p *LiteralPool) Literals() []Literal {
	out := make([]Literal, len(p.list))
	copy(out, p.list)
	return out
}

// ============================================================================
// 反优化输入数据
// ============================================================================

// Entry 一个反优化点
type Entry struct {
	AstID                int `json:"ast_id"`
	TranslationIndex     int `json:"translation_index"`
	ArgumentsStackHeight int `json:"arguments_stack_height"`
	// Pc 惰性反优化点的返回地址偏移；急切反优化为 -1
	Pc int `json:"pc"`
}

// InputData 写入代码对象的反优化元数据
type InputData struct {
	TranslationByteArray []byte    `json:"translation_byte_array"`
	Literals             []Literal `json:"literals"`
	InlinedFunctionCount int       `json:"inlined_function_count"`
	OptimizationID       int       `json:"optimization_id"`
	OSRAstID             int       `json:"osr_ast_id"`
	OSRPcOffset          int       `json:"osr_pc_offset"`
	Entries              []Entry   `json:"entries"`
}

// DeoptCount 反优化点个数
func (d *InputData) DeoptCount() int {
	if d == nil {
		return 0
	}
	return len(d.Entries)
}

// Frames 解码第 i 个反优化点的翻译
func (d *InputData) Frames(i int) ([]Frame, error) {
	return Decode(d.TranslationByteArray, d.Entries[i].TranslationIndex)
}

// ============================================================================
// 跳转表条目
// ============================================================================

// JumpTableEntry 共享的反优化跳板
type JumpTableEntry struct {
	Address     runtime.Address
	Info        Info
	BailoutType BailoutType
	NeedsFrame  bool
}

// IsEquivalentTo 两个条目可以共用一个跳板
//
// 原因也参与比较，以便跳板上记录的诊断原因保持准确。
func (e *JumpTableEntry) IsEquivalentTo(o *JumpTableEntry) bool {
	return e.Address == o.Address && e.BailoutType == o.BailoutType &&
		e.NeedsFrame == o.NeedsFrame && e.Info.Reason == o.Info.Reason
}

// ============================================================================
// 反优化入口表
// ============================================================================

// EntryAddress 返回反优化点 id 的入口地址；超出表大小时返回 false
func EntryAddress(iso *runtime.Isolate, id int, t BailoutType) (runtime.Address, bool) {
	if id < 0 || id >= iso.MaxDeoptEntries() || t < Eager || t > Soft {
		return 0, false
	}
	return iso.DeoptEntryBase(int(t)) + runtime.Address(id*runtime.DeoptTableEntrySize), true
}

// LookupEntry 反查入口地址对应的反优化点与类型
func LookupEntry(iso *runtime.Isolate, addr runtime.Address) (int, BailoutType, bool) {
	for t := Eager; t <= Soft; t++ {
		base := iso.DeoptEntryBase(int(t))
		if addr < base {
			continue
		}
		off := int(addr - base)
		if off%runtime.DeoptTableEntrySize != 0 {
			continue
		}
		id := off / runtime.DeoptTableEntrySize
		if id < iso.MaxDeoptEntries() {
			return id, t, true
		}
	}
	return 0, 0, false
}
