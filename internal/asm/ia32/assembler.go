// assembler.go - IA-32 汇编器核心
//
// 本文件实现代码缓冲区、ModR/M/SIB 编码、标签与跳转、调用、
// 填充与数据伪指令。
//
// IA-32 指令编码格式：
// [前缀] [操作码] [ModR/M] [SIB] [位移] [立即数]
//
// 前向跳转一律使用 32 位相对偏移，绑定标签时回填；后向跳转在
// 偏移可以用 8 位表示时使用短格式。

package ia32

import (
	"encoding/binary"
	"fmt"
)

// ============================================================================
// 标签
// ============================================================================

// Label 代码位置标签
//
// 零值是未使用的标签。标签被引用后不能移动（清单保存其指针）。
type Label struct {
	pos      int
	bound    bool
	links    []int // 待回填的 rel32 字段位置
	absLinks []int // 待回填的绝对地址字段位置
}

// IsBound 已绑定
func (l *Label) IsBound() bool { return l.bound }

// IsLinked 未绑定但已被引用
func (l *Label) IsLinked() bool { return !l.bound && (len(l.links) > 0 || len(l.absLinks) > 0) }

// IsUnused 既未绑定也未引用
func (l *Label) IsUnused() bool { return !l.bound && !l.IsLinked() }

// Pos 绑定位置
func (l *Label) Pos() int {
	if !l.bound {
		panic("ia32: position of unbound label")
	}
	return l.pos
}

// ============================================================================
// 汇编器
// ============================================================================

// 常用编码长度
const (
	// CallSize call rel32 的长度
	CallSize = 5
	// JmpSize jmp rel32 的长度
	JmpSize = 5
	// PatchSize 惰性反优化补丁（call rel32）需要的字节数
	PatchSize = CallSize
)

// Assembler IA-32 汇编器
type Assembler struct {
	buf     []byte
	listing []Inst
	relocs  []RelocInfo
}

// New 创建汇编器
func New() *Assembler {
	return &Assembler{buf: make([]byte, 0, 1024)}
}

// PcOffset 当前代码偏移
func (a *Assembler) PcOffset() int { return len(a.buf) }

// Code 返回机器码副本
func (a *Assembler) Code() []byte {
	out := make([]byte, len(a.buf))
	copy(out, a.buf)
	return out
}

// Listing 返回指令清单
func (a *Assembler) Listing() []Inst { return a.listing }

// Relocations 返回重定位记录
func (a *Assembler) Relocations() []RelocInfo { return a.relocs }

// SizeOfCodeGeneratedSince 从标签位置到当前的字节数
func (a *Assembler) SizeOfCodeGeneratedSince(l *Label) int {
	return a.PcOffset() - l.Pos()
}

// ============================================================================
// 底层编码方法
// ============================================================================

func (a *Assembler) emit(bytes ...byte) {
	a.buf = append(a.buf, bytes...)
}

func (a *Assembler) emitU32(v uint32) {
	a.buf = binary.LittleEndian.AppendUint32(a.buf, v)
}

func (a *Assembler) emitU16(v uint16) {
	a.buf = binary.LittleEndian.AppendUint16(a.buf, v)
}

func (a *Assembler) emitImm32(imm Immediate) {
	if imm.RMode != RelocNone {
		a.relocs = append(a.relocs, RelocInfo{Pc: len(a.buf), Mode: imm.RMode, Target: uint32(imm.Value)})
	}
	a.emitU32(uint32(imm.Value))
}

func (a *Assembler) emitDisp32(disp int32, mode RelocMode) {
	a.emitImm32(Immediate{Value: disp, RMode: mode})
}

func (a *Assembler) patchU32(pos int, v uint32) {
	binary.LittleEndian.PutUint32(a.buf[pos:], v)
}

func isInt8(v int32) bool { return v >= -128 && v <= 127 }

// emitOperand 写入 ModR/M（以及 SIB 与位移），reg 为 ModR/M.reg 字段
func (a *Assembler) emitOperand(reg byte, op Operand) {
	reg &= 7
	if op.isReg {
		a.emit(0xC0 | reg<<3 | op.reg.Code())
		return
	}
	base, index := op.base, op.index
	switch {
	case base == NoReg && index == NoReg:
		// [disp32]
		a.emit(reg<<3 | 0x05)
		a.emitDisp32(op.disp, op.rmode)
	case base == NoReg:
		// [index*scale + disp32]
		a.emit(reg<<3 | 0x04)
		a.emit(byte(op.scale)<<6 | index.Code()<<3 | 0x05)
		a.emitDisp32(op.disp, op.rmode)
	default:
		var mod byte
		switch {
		case op.rmode != RelocNone:
			mod = 2
		case op.disp == 0 && base != EBP:
			mod = 0
		case isInt8(op.disp):
			mod = 1
		default:
			mod = 2
		}
		if index != NoReg || base == ESP {
			idx := byte(4)
			if index != NoReg {
				idx = index.Code()
			}
			a.emit(mod<<6 | reg<<3 | 0x04)
			a.emit(byte(op.scale)<<6 | idx<<3 | base.Code())
		} else {
			a.emit(mod<<6 | reg<<3 | base.Code())
		}
		switch mod {
		case 1:
			a.emit(byte(int8(op.disp)))
		case 2:
			a.emitDisp32(op.disp, op.rmode)
		}
	}
}

// record 登记一条清单记录
func (a *Assembler) record(start int, op Mnemonic, cc Condition, args ...Arg) {
	in := Inst{Offset: start, Size: len(a.buf) - start, Op: op, Cond: cc}
	copy(in.Args[:], args)
	a.listing = append(a.listing, in)
}

// ============================================================================
// 标签绑定
// ============================================================================

// Bind 把标签绑定到当前位置并回填所有引用
func (a *Assembler) Bind(l *Label) {
	if l.bound {
		panic(fmt.Sprintf("ia32: label bound twice (at %d and %d)", l.pos, a.PcOffset()))
	}
	l.pos = a.PcOffset()
	l.bound = true
	for _, p := range l.links {
		a.patchU32(p, uint32(int32(l.pos-(p+4))))
	}
	for _, p := range l.absLinks {
		a.patchU32(p, uint32(l.pos))
	}
	l.links, l.absLinks = nil, nil
}

// emitLabelRel32 写入指向标签的 rel32 字段
func (a *Assembler) emitLabelRel32(l *Label) {
	if l.bound {
		a.emitU32(uint32(int32(l.pos - (a.PcOffset() + 4))))
		return
	}
	l.links = append(l.links, a.PcOffset())
	a.emitU32(0)
}

// ============================================================================
// 跳转指令
// ============================================================================

// Jmp 无条件跳转到标签
func (a *Assembler) Jmp(l *Label) {
	start := a.PcOffset()
	if l.bound {
		if offs := int32(l.pos - (start + 2)); isInt8(offs) {
			a.emit(0xEB, byte(int8(offs)))
			a.record(start, JMP, NoCondition, labelArg(l))
			return
		}
	}
	a.emit(0xE9)
	a.emitLabelRel32(l)
	a.record(start, JMP, NoCondition, labelArg(l))
}

// JmpAddr 跳转到代码之外的绝对地址
func (a *Assembler) JmpAddr(target uint32, mode RelocMode) {
	start := a.PcOffset()
	a.emit(0xE9)
	a.emitRel32To(target, mode)
	a.record(start, JMP, NoCondition, addrArg(target))
}

// JmpOp 间接跳转
func (a *Assembler) JmpOp(op Operand) {
	start := a.PcOffset()
	a.emit(0xFF)
	a.emitOperand(4, op)
	a.record(start, JMP, NoCondition, ArgOf(op))
}

// J 条件跳转到标签
func (a *Assembler) J(cc Condition, l *Label) {
	if cc == Always {
		a.Jmp(l)
		return
	}
	start := a.PcOffset()
	if l.bound {
		if offs := int32(l.pos - (start + 2)); isInt8(offs) {
			a.emit(0x70|byte(cc), byte(int8(offs)))
			a.record(start, JCC, cc, labelArg(l))
			return
		}
	}
	a.emit(0x0F, 0x80|byte(cc))
	a.emitLabelRel32(l)
	a.record(start, JCC, cc, labelArg(l))
}

// JAddr 条件跳转到代码之外的绝对地址
func (a *Assembler) JAddr(cc Condition, target uint32, mode RelocMode) {
	start := a.PcOffset()
	a.emit(0x0F, 0x80|byte(cc))
	a.emitRel32To(target, mode)
	a.record(start, JCC, cc, addrArg(target))
}

// emitRel32To 写入指向绝对地址的 rel32，按代码基址 0 计算，安装时重定位
func (a *Assembler) emitRel32To(target uint32, mode RelocMode) {
	pc := a.PcOffset()
	a.relocs = append(a.relocs, RelocInfo{Pc: pc, Mode: mode, Target: target})
	a.emitU32(target - uint32(pc+4))
}

// ============================================================================
// 函数调用指令
// ============================================================================

// Call 调用标签
func (a *Assembler) Call(l *Label) {
	start := a.PcOffset()
	a.emit(0xE8)
	a.emitLabelRel32(l)
	a.record(start, CALL, NoCondition, labelArg(l))
}

// CallAddr 调用代码之外的绝对地址
func (a *Assembler) CallAddr(target uint32, mode RelocMode) {
	start := a.PcOffset()
	a.emit(0xE8)
	a.emitRel32To(target, mode)
	a.record(start, CALL, NoCondition, addrArg(target))
}

// CallOp 间接调用
func (a *Assembler) CallOp(op Operand) {
	start := a.PcOffset()
	a.emit(0xFF)
	a.emitOperand(2, op)
	a.record(start, CALL, NoCondition, ArgOf(op))
}

// Ret 返回并弹出 bytes 字节参数
func (a *Assembler) Ret(bytes int) {
	start := a.PcOffset()
	if bytes == 0 {
		a.emit(0xC3)
	} else {
		a.emit(0xC2)
		a.emitU16(uint16(bytes))
	}
	a.record(start, RET, NoCondition, immArg(int32(bytes)))
}

// Int3 断点
func (a *Assembler) Int3() {
	start := a.PcOffset()
	a.emit(0xCC)
	a.record(start, INT3, NoCondition)
}

// ============================================================================
// 填充与数据
// ============================================================================

// 推荐的多字节 NOP 序列
var nopSequences = [...][]byte{
	nil,
	{0x90},
	{0x66, 0x90},
	{0x0F, 0x1F, 0x00},
	{0x0F, 0x1F, 0x40, 0x00},
	{0x0F, 0x1F, 0x44, 0x00, 0x00},
	{0x66, 0x0F, 0x1F, 0x44, 0x00, 0x00},
	{0x0F, 0x1F, 0x80, 0x00, 0x00, 0x00, 0x00},
	{0x0F, 0x1F, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00},
}

// Nop 发出恰好 n 字节的空操作
func (a *Assembler) Nop(n int) {
	for n > 0 {
		k := n
		if k >= len(nopSequences) {
			k = len(nopSequences) - 1
		}
		start := a.PcOffset()
		a.emit(nopSequences[k]...)
		a.record(start, NOP, NoCondition, immArg(int32(k)))
		n -= k
	}
}

// Align 用 NOP 填充到 m 字节对齐
func (a *Assembler) Align(m int) {
	if r := a.PcOffset() % m; r != 0 {
		a.Nop(m - r)
	}
}

// DataBytes 写入原始数据
func (a *Assembler) DataBytes(b []byte) {
	start := a.PcOffset()
	a.emit(b...)
	data := make([]byte, len(b))
	copy(data, b)
	a.listing = append(a.listing, Inst{Offset: start, Size: len(b), Op: DATA, Data: data})
}

// Dd 写入 32 位数据
func (a *Assembler) Dd(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	a.DataBytes(b[:])
}

// DdLabel 写入标签的代码内偏移（内部引用，安装时加上基址）
func (a *Assembler) DdLabel(l *Label) {
	start := a.PcOffset()
	a.relocs = append(a.relocs, RelocInfo{Pc: start, Mode: RelocInternalReference})
	if l.bound {
		a.emitU32(uint32(l.pos))
	} else {
		l.absLinks = append(l.absLinks, start)
		a.emitU32(0)
	}
	a.listing = append(a.listing, Inst{Offset: start, Size: 4, Op: DATA, Args: [3]Arg{labelArg(l)}})
}
