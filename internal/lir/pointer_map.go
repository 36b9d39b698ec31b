// pointer_map.go - 指针映射
//
// 指针映射记录一条指令执行时所有持有堆对象引用的位置。寄存器分配器
// 可能重复登记同一位置，Normalized 负责去重。

package lir

// PointerMap 活跃指针位置集合
type PointerMap struct {
	Pointers []Operand
	// LithiumPosition 指令在 LIR 流中的位置
	LithiumPosition int
}

// NewPointerMap 创建指针映射
func NewPointerMap(ops ...Operand) *PointerMap {
	return &PointerMap{Pointers: ops}
}

// RecordPointer 登记一个指针位置，参数槽不登记（调用方负责扫描参数）
func (p *PointerMap) RecordPointer(op Operand) {
	if op.IsStackSlot() && op.Index < 0 {
		return
	}
	p.Pointers = append(p.Pointers, op)
}

// Normalized 返回去重后的指针位置，保持首次出现的顺序
//
// 只有非负的单字栈槽和通用寄存器可以持有指针，其它种类被丢弃。
func (p *PointerMap) Normalized() []Operand {
	if p == nil {
		return nil
	}
	out := make([]Operand, 0, len(p.Pointers))
	for _, op := range p.Pointers {
		if !(op.IsStackSlot() && op.Index >= 0) && !op.IsRegister() {
			continue
		}
		dup := false
		for _, seen := range out {
			if seen.Equals(op) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, op)
		}
	}
	return out
}

// IsEmpty 映射中没有任何指针
func (p *PointerMap) IsEmpty() bool {
	return p == nil || len(p.Normalized()) == 0
}
