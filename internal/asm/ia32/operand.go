// operand.go - 内存操作数、立即数与重定位模式
//
// Operand 是 ModR/M 的 r/m 部分：要么是一个寄存器，要么是
// [base + index*scale + disp] 形式的内存地址。

package ia32

import (
	"fmt"
	"strings"
)

// ScaleFactor SIB 比例因子
type ScaleFactor uint8

const (
	Times1 ScaleFactor = iota
	Times2
	Times4
	Times8

	TimesHalfPointerSize = Times2
	TimesPointerSize     = Times4
)

// RelocMode 重定位模式
type RelocMode uint8

const (
	RelocNone RelocMode = iota
	// RelocEmbeddedObject 嵌入的堆对象地址，GC 移动对象后需要更新
	RelocEmbeddedObject
	// RelocCodeTarget 调用内建代码的 pc 相对偏移
	RelocCodeTarget
	// RelocRuntimeEntry 调用反优化入口的 pc 相对偏移
	RelocRuntimeEntry
	// RelocExternalReference 外部引用的绝对地址
	RelocExternalReference
	// RelocInternalReference 指向本代码内部的绝对地址
	RelocInternalReference
)

var relocNames = [...]string{"none", "embedded object", "code target", "runtime entry", "external reference", "internal reference"}

// String 返回模式名
func (m RelocMode) String() string {
	if int(m) < len(relocNames) {
		return relocNames[m]
	}
	return "?"
}

// IsPCRelative 模式对应的字段是 pc 相对偏移
func (m RelocMode) IsPCRelative() bool {
	return m == RelocCodeTarget || m == RelocRuntimeEntry
}

// RelocInfo 一条重定位记录
type RelocInfo struct {
	// Pc 32 位字段在代码中的偏移
	Pc     int       `json:"pc"`
	Mode   RelocMode `json:"mode"`
	Target uint32    `json:"target"`
}

// Immediate 立即数
type Immediate struct {
	Value int32
	RMode RelocMode
}

// Imm 构造普通立即数
func Imm(v int32) Immediate { return Immediate{Value: v} }

// ImmReloc 构造需要重定位的立即数
func ImmReloc(v uint32, mode RelocMode) Immediate {
	return Immediate{Value: int32(v), RMode: mode}
}

// IsInt8 立即数可以用 8 位编码
func (i Immediate) IsInt8() bool {
	return i.RMode == RelocNone && i.Value >= -128 && i.Value <= 127
}

// ============================================================================
// Operand
// ============================================================================

// Operand r/m 操作数
type Operand struct {
	isReg bool
	reg   Register
	base  Register
	index Register
	scale ScaleFactor
	disp  int32
	rmode RelocMode
}

// R 寄存器操作数
func R(r Register) Operand {
	return Operand{isReg: true, reg: r, base: NoReg, index: NoReg}
}

// Mem [base + disp]
func Mem(base Register, disp int32) Operand {
	return Operand{reg: NoReg, base: base, index: NoReg, disp: disp}
}

// MemIndex [base + index*scale + disp]
func MemIndex(base, index Register, scale ScaleFactor, disp int32) Operand {
	if index == ESP {
		panic("ia32: esp cannot be an index register")
	}
	return Operand{reg: NoReg, base: base, index: index, scale: scale, disp: disp}
}

// MemScaled [index*scale + disp32]
func MemScaled(index Register, scale ScaleFactor, disp int32) Operand {
	return Operand{reg: NoReg, base: NoReg, index: index, scale: scale, disp: disp}
}

// MemAbs [disp32]，可带重定位
func MemAbs(addr uint32, mode RelocMode) Operand {
	return Operand{reg: NoReg, base: NoReg, index: NoReg, disp: int32(addr), rmode: mode}
}

// FieldOperand 堆对象字段：对象指针带标记，偏移未标记
func FieldOperand(object Register, offset int) Operand {
	return Mem(object, int32(offset-1))
}

// FieldOperandIndex 堆对象中按索引寻址的字段
func FieldOperandIndex(object, index Register, scale ScaleFactor, offset int) Operand {
	return MemIndex(object, index, scale, int32(offset-1))
}

// IsReg 操作数是寄存器
func (o Operand) IsReg() bool { return o.isReg }

// Reg 返回寄存器（仅当 IsReg）
func (o Operand) Reg() Register { return o.reg }

// IsRegister 操作数是指定寄存器
func (o Operand) IsRegister(r Register) bool { return o.isReg && o.reg == r }

// Base 基址寄存器
func (o Operand) Base() Register { return o.base }

// Index 索引寄存器
func (o Operand) Index() Register { return o.index }

// Scale 比例因子
func (o Operand) Scale() ScaleFactor { return o.scale }

// Disp 位移
func (o Operand) Disp() int32 { return o.disp }

// RMode 位移的重定位模式
func (o Operand) RMode() RelocMode { return o.rmode }

// UsesRegister 操作数是否读取寄存器 r
func (o Operand) UsesRegister(r Register) bool {
	if o.isReg {
		return o.reg == r
	}
	return o.base == r || o.index == r
}

// WithOffset 返回位移增加 delta 的新操作数
func (o Operand) WithOffset(delta int32) Operand {
	if o.isReg {
		panic("ia32: register operand has no offset")
	}
	o.disp += delta
	return o
}

// String 返回 Intel 风格文本
func (o Operand) String() string {
	if o.isReg {
		return o.reg.String()
	}
	var parts []string
	if o.base != NoReg {
		parts = append(parts, o.base.String())
	}
	if o.index != NoReg {
		parts = append(parts, fmt.Sprintf("%s*%d", o.index, 1<<o.scale))
	}
	if o.disp != 0 || len(parts) == 0 {
		if len(parts) == 0 {
			parts = append(parts, fmt.Sprintf("0x%x", uint32(o.disp)))
		} else if o.disp < 0 {
			return "[" + strings.Join(parts, "+") + fmt.Sprintf("-0x%x]", -int64(o.disp))
		} else {
			parts = append(parts, fmt.Sprintf("0x%x", o.disp))
		}
	}
	return "[" + strings.Join(parts, "+") + "]"
}
