// instructions.go - 整数指令
//
// 方法命名沿用“操作 + 操作数形式”的约定：
//   - XxxRegOp:  reg ← r/m
//   - XxxOpReg:  r/m ← reg
//   - XxxOpImm:  r/m ← imm
// 只接受寄存器的形式省略后缀。

package ia32

// ============================================================================
// 数据移动指令
// ============================================================================

// MovRegReg mov dst, src
func (a *Assembler) MovRegReg(dst, src Register) {
	a.MovRegOp(dst, R(src))
}

// MovRegOp mov dst, r/m32
func (a *Assembler) MovRegOp(dst Register, src Operand) {
	start := a.PcOffset()
	a.emit(0x8B)
	a.emitOperand(dst.Code(), src)
	a.record(start, MOV, NoCondition, regArg(dst), ArgOf(src))
}

// MovOpReg mov r/m32, src
func (a *Assembler) MovOpReg(dst Operand, src Register) {
	start := a.PcOffset()
	a.emit(0x89)
	a.emitOperand(src.Code(), dst)
	a.record(start, MOV, NoCondition, ArgOf(dst), regArg(src))
}

// MovRegImm mov dst, imm32
func (a *Assembler) MovRegImm(dst Register, imm Immediate) {
	start := a.PcOffset()
	a.emit(0xB8 | dst.Code())
	a.emitImm32(imm)
	a.record(start, MOV, NoCondition, regArg(dst), immArg(imm.Value))
}

// MovOpImm mov r/m32, imm32
func (a *Assembler) MovOpImm(dst Operand, imm Immediate) {
	if dst.IsReg() {
		a.MovRegImm(dst.Reg(), imm)
		return
	}
	start := a.PcOffset()
	a.emit(0xC7)
	a.emitOperand(0, dst)
	a.emitImm32(imm)
	a.record(start, MOV, NoCondition, ArgOf(dst), immArg(imm.Value))
}

// MovbOpReg mov_b r/m8, src8
func (a *Assembler) MovbOpReg(dst Operand, src Register) {
	if !src.IsByteRegister() {
		panic("ia32: " + src.String() + " has no byte form")
	}
	start := a.PcOffset()
	a.emit(0x88)
	a.emitOperand(src.Code(), dst)
	a.record(start, MOVB, NoCondition, ArgOf(dst), regArg(src))
}

// MovbOpImm mov_b r/m8, imm8
func (a *Assembler) MovbOpImm(dst Operand, imm int8) {
	start := a.PcOffset()
	a.emit(0xC6)
	a.emitOperand(0, dst)
	a.emit(byte(imm))
	a.record(start, MOVB, NoCondition, ArgOf(dst), immArg(int32(imm)))
}

// MovwOpReg mov_w r/m16, src16
func (a *Assembler) MovwOpReg(dst Operand, src Register) {
	start := a.PcOffset()
	a.emit(0x66, 0x89)
	a.emitOperand(src.Code(), dst)
	a.record(start, MOVW, NoCondition, ArgOf(dst), regArg(src))
}

// MovwOpImm mov_w r/m16, imm16
func (a *Assembler) MovwOpImm(dst Operand, imm int16) {
	start := a.PcOffset()
	a.emit(0x66, 0xC7)
	a.emitOperand(0, dst)
	a.emitU16(uint16(imm))
	a.record(start, MOVW, NoCondition, ArgOf(dst), immArg(int32(imm)))
}

// MovzxbRegOp movzx dst, r/m8
func (a *Assembler) MovzxbRegOp(dst Register, src Operand) {
	a.twoByte(MOVZXB, 0xB6, dst, src)
}

// MovsxbRegOp movsx dst, r/m8
func (a *Assembler) MovsxbRegOp(dst Register, src Operand) {
	a.twoByte(MOVSXB, 0xBE, dst, src)
}

// MovzxwRegOp movzx dst, r/m16
func (a *Assembler) MovzxwRegOp(dst Register, src Operand) {
	a.twoByte(MOVZXW, 0xB7, dst, src)
}

// MovsxwRegOp movsx dst, r/m16
func (a *Assembler) MovsxwRegOp(dst Register, src Operand) {
	a.twoByte(MOVSXW, 0xBF, dst, src)
}

func (a *Assembler) twoByte(m Mnemonic, opc byte, dst Register, src Operand) {
	start := a.PcOffset()
	a.emit(0x0F, opc)
	a.emitOperand(dst.Code(), src)
	a.record(start, m, NoCondition, regArg(dst), ArgOf(src))
}

// Lea lea dst, m
func (a *Assembler) Lea(dst Register, src Operand) {
	if src.IsReg() {
		panic("ia32: lea needs a memory operand")
	}
	start := a.PcOffset()
	a.emit(0x8D)
	a.emitOperand(dst.Code(), src)
	a.record(start, LEA, NoCondition, regArg(dst), ArgOf(src))
}

// ============================================================================
// 栈操作指令
// ============================================================================

// Push push r32
func (a *Assembler) Push(r Register) {
	start := a.PcOffset()
	a.emit(0x50 | r.Code())
	a.record(start, PUSH, NoCondition, regArg(r))
}

// PushImm push imm32
func (a *Assembler) PushImm(imm Immediate) {
	start := a.PcOffset()
	if imm.IsInt8() {
		a.emit(0x6A, byte(int8(imm.Value)))
	} else {
		a.emit(0x68)
		a.emitImm32(imm)
	}
	a.record(start, PUSH, NoCondition, immArg(imm.Value))
}

// PushOp push r/m32
func (a *Assembler) PushOp(op Operand) {
	if op.IsReg() {
		a.Push(op.Reg())
		return
	}
	start := a.PcOffset()
	a.emit(0xFF)
	a.emitOperand(6, op)
	a.record(start, PUSH, NoCondition, ArgOf(op))
}

// Pop pop r32
func (a *Assembler) Pop(r Register) {
	start := a.PcOffset()
	a.emit(0x58 | r.Code())
	a.record(start, POP, NoCondition, regArg(r))
}

// PopOp pop r/m32
func (a *Assembler) PopOp(op Operand) {
	if op.IsReg() {
		a.Pop(op.Reg())
		return
	}
	start := a.PcOffset()
	a.emit(0x8F)
	a.emitOperand(0, op)
	a.record(start, POP, NoCondition, ArgOf(op))
}

// Pushad 按 eax, ecx, edx, ebx, esp, ebp, esi, edi 顺序压入全部通用寄存器
func (a *Assembler) Pushad() {
	start := a.PcOffset()
	a.emit(0x60)
	a.record(start, PUSHAD, NoCondition)
}

// Popad 恢复 Pushad 保存的寄存器（忽略保存的 esp）
func (a *Assembler) Popad() {
	start := a.PcOffset()
	a.emit(0x61)
	a.record(start, POPAD, NoCondition)
}

// Pushfd 压入标志寄存器
func (a *Assembler) Pushfd() {
	start := a.PcOffset()
	a.emit(0x9C)
	a.record(start, PUSHFD, NoCondition)
}

// Popfd 弹出标志寄存器
func (a *Assembler) Popfd() {
	start := a.PcOffset()
	a.emit(0x9D)
	a.record(start, POPFD, NoCondition)
}

// ============================================================================
// 算术与逻辑指令
// ============================================================================

// aluOps ALU 指令组中的 /digit 编号
var aluOps = map[Mnemonic]byte{ADD: 0, OR: 1, ADC: 2, SBB: 3, AND: 4, SUB: 5, XOR: 6, CMP: 7}

func (a *Assembler) aluRegOp(m Mnemonic, dst Register, src Operand) {
	start := a.PcOffset()
	a.emit(aluOps[m]<<3 | 0x03)
	a.emitOperand(dst.Code(), src)
	a.record(start, m, NoCondition, regArg(dst), ArgOf(src))
}

func (a *Assembler) aluOpReg(m Mnemonic, dst Operand, src Register) {
	start := a.PcOffset()
	a.emit(aluOps[m]<<3 | 0x01)
	a.emitOperand(src.Code(), dst)
	a.record(start, m, NoCondition, ArgOf(dst), regArg(src))
}

func (a *Assembler) aluOpImm(m Mnemonic, dst Operand, imm Immediate) {
	start := a.PcOffset()
	if imm.IsInt8() {
		a.emit(0x83)
		a.emitOperand(aluOps[m], dst)
		a.emit(byte(int8(imm.Value)))
	} else {
		a.emit(0x81)
		a.emitOperand(aluOps[m], dst)
		a.emitImm32(imm)
	}
	a.record(start, m, NoCondition, ArgOf(dst), immArg(imm.Value))
}

// Add add dst, r/m32
func (a *Assembler) Add(dst Register, src Operand) { a.aluRegOp(ADD, dst, src) }

// AddOpReg add r/m32, src
func (a *Assembler) AddOpReg(dst Operand, src Register) { a.aluOpReg(ADD, dst, src) }

// AddOpImm add r/m32, imm
func (a *Assembler) AddOpImm(dst Operand, imm Immediate) { a.aluOpImm(ADD, dst, imm) }

// Adc adc dst, r/m32
func (a *Assembler) Adc(dst Register, src Operand) { a.aluRegOp(ADC, dst, src) }

// AdcOpImm adc r/m32, imm
func (a *Assembler) AdcOpImm(dst Operand, imm Immediate) { a.aluOpImm(ADC, dst, imm) }

// Sub sub dst, r/m32
func (a *Assembler) Sub(dst Register, src Operand) { a.aluRegOp(SUB, dst, src) }

// SubOpReg sub r/m32, src
func (a *Assembler) SubOpReg(dst Operand, src Register) { a.aluOpReg(SUB, dst, src) }

// SubOpImm sub r/m32, imm
func (a *Assembler) SubOpImm(dst Operand, imm Immediate) { a.aluOpImm(SUB, dst, imm) }

// Sbb sbb dst, r/m32
func (a *Assembler) Sbb(dst Register, src Operand) { a.aluRegOp(SBB, dst, src) }

// And and dst, r/m32
func (a *Assembler) And(dst Register, src Operand) { a.aluRegOp(AND, dst, src) }

// AndOpImm and r/m32, imm
func (a *Assembler) AndOpImm(dst Operand, imm Immediate) { a.aluOpImm(AND, dst, imm) }

// Or or dst, r/m32
func (a *Assembler) Or(dst Register, src Operand) { a.aluRegOp(OR, dst, src) }

// OrOpImm or r/m32, imm
func (a *Assembler) OrOpImm(dst Operand, imm Immediate) { a.aluOpImm(OR, dst, imm) }

// Xor xor dst, r/m32
func (a *Assembler) Xor(dst Register, src Operand) { a.aluRegOp(XOR, dst, src) }

// XorOpImm xor r/m32, imm
func (a *Assembler) XorOpImm(dst Operand, imm Immediate) { a.aluOpImm(XOR, dst, imm) }

// Cmp cmp reg, r/m32
func (a *Assembler) Cmp(left Register, right Operand) { a.aluRegOp(CMP, left, right) }

// CmpOpReg cmp r/m32, reg
func (a *Assembler) CmpOpReg(left Operand, right Register) { a.aluOpReg(CMP, left, right) }

// CmpOpImm cmp r/m32, imm
func (a *Assembler) CmpOpImm(left Operand, imm Immediate) { a.aluOpImm(CMP, left, imm) }

// CmpbOpImm cmp r/m8, imm8
func (a *Assembler) CmpbOpImm(left Operand, imm int8) {
	start := a.PcOffset()
	a.emit(0x80)
	a.emitOperand(7, left)
	a.emit(byte(imm))
	a.record(start, CMPB, NoCondition, ArgOf(left), immArg(int32(imm)))
}

// Test test r/m32, reg
func (a *Assembler) Test(left Register, right Operand) {
	start := a.PcOffset()
	a.emit(0x85)
	a.emitOperand(left.Code(), right)
	a.record(start, TEST, NoCondition, ArgOf(right), regArg(left))
}

// TestOpImm test r/m32, imm32
func (a *Assembler) TestOpImm(op Operand, imm Immediate) {
	start := a.PcOffset()
	a.emit(0xF7)
	a.emitOperand(0, op)
	a.emitImm32(imm)
	a.record(start, TEST, NoCondition, ArgOf(op), immArg(imm.Value))
}

// TestbOpImm test r/m8, imm8
func (a *Assembler) TestbOpImm(op Operand, imm uint8) {
	if op.IsReg() && !op.Reg().IsByteRegister() {
		a.TestOpImm(op, Imm(int32(imm)))
		return
	}
	start := a.PcOffset()
	a.emit(0xF6)
	a.emitOperand(0, op)
	a.emit(imm)
	a.record(start, TESTB, NoCondition, ArgOf(op), immArg(int32(imm)))
}

func (a *Assembler) group3(m Mnemonic, digit byte, op Operand) {
	start := a.PcOffset()
	a.emit(0xF7)
	a.emitOperand(digit, op)
	a.record(start, m, NoCondition, ArgOf(op))
}

// Not not r/m32
func (a *Assembler) Not(op Operand) { a.group3(NOT, 2, op) }

// Neg neg r/m32
func (a *Assembler) Neg(op Operand) { a.group3(NEG, 3, op) }

// Mul1 edx:eax = eax * r/m32（无符号）
func (a *Assembler) Mul1(op Operand) { a.group3(MUL1, 4, op) }

// Imul1 edx:eax = eax * r/m32（有符号）
func (a *Assembler) Imul1(op Operand) { a.group3(IMUL1, 5, op) }

// Div eax = edx:eax / r/m32（无符号），edx = 余数
func (a *Assembler) Div(op Operand) { a.group3(DIV, 6, op) }

// Idiv eax = edx:eax / r/m32（有符号），edx = 余数
func (a *Assembler) Idiv(op Operand) { a.group3(IDIV, 7, op) }

// Inc inc r/m32
func (a *Assembler) Inc(op Operand) {
	start := a.PcOffset()
	if op.IsReg() {
		a.emit(0x40 | op.Reg().Code())
	} else {
		a.emit(0xFF)
		a.emitOperand(0, op)
	}
	a.record(start, INC, NoCondition, ArgOf(op))
}

// Dec dec r/m32
func (a *Assembler) Dec(op Operand) {
	start := a.PcOffset()
	if op.IsReg() {
		a.emit(0x48 | op.Reg().Code())
	} else {
		a.emit(0xFF)
		a.emitOperand(1, op)
	}
	a.record(start, DEC, NoCondition, ArgOf(op))
}

// Imul imul dst, r/m32
func (a *Assembler) Imul(dst Register, src Operand) {
	start := a.PcOffset()
	a.emit(0x0F, 0xAF)
	a.emitOperand(dst.Code(), src)
	a.record(start, IMUL, NoCondition, regArg(dst), ArgOf(src))
}

// ImulImm imul dst, r/m32, imm
func (a *Assembler) ImulImm(dst Register, src Operand, imm int32) {
	start := a.PcOffset()
	if isInt8(imm) {
		a.emit(0x6B)
		a.emitOperand(dst.Code(), src)
		a.emit(byte(int8(imm)))
	} else {
		a.emit(0x69)
		a.emitOperand(dst.Code(), src)
		a.emitU32(uint32(imm))
	}
	a.record(start, IMUL, NoCondition, regArg(dst), ArgOf(src), immArg(imm))
}

// Cdq edx:eax = 符号扩展 eax
func (a *Assembler) Cdq() {
	start := a.PcOffset()
	a.emit(0x99)
	a.record(start, CDQ, NoCondition)
}

// ============================================================================
// 移位指令
// ============================================================================

var shiftDigits = map[Mnemonic]byte{ROL: 0, ROR: 1, SHL: 4, SHR: 5, SAR: 7}

// ShiftImm 按立即数移位
func (a *Assembler) ShiftImm(m Mnemonic, op Operand, count uint8) {
	start := a.PcOffset()
	if count == 1 {
		a.emit(0xD1)
		a.emitOperand(shiftDigits[m], op)
	} else {
		a.emit(0xC1)
		a.emitOperand(shiftDigits[m], op)
		a.emit(count & 31)
	}
	a.record(start, m, NoCondition, ArgOf(op), immArg(int32(count&31)))
}

// ShiftCl 按 cl 移位
func (a *Assembler) ShiftCl(m Mnemonic, op Operand) {
	start := a.PcOffset()
	a.emit(0xD3)
	a.emitOperand(shiftDigits[m], op)
	a.record(start, m, NoCondition, ArgOf(op), regArg(ECX))
}

// Shl shl r/m32, imm8
func (a *Assembler) Shl(op Operand, count uint8) { a.ShiftImm(SHL, op, count) }

// Shr shr r/m32, imm8
func (a *Assembler) Shr(op Operand, count uint8) { a.ShiftImm(SHR, op, count) }

// Sar sar r/m32, imm8
func (a *Assembler) Sar(op Operand, count uint8) { a.ShiftImm(SAR, op, count) }

// ============================================================================
// 条件指令
// ============================================================================

// Setcc setcc r8
func (a *Assembler) Setcc(cc Condition, r Register) {
	if !r.IsByteRegister() {
		panic("ia32: setcc needs a byte register")
	}
	start := a.PcOffset()
	a.emit(0x0F, 0x90|byte(cc))
	a.emitOperand(0, R(r))
	a.record(start, SETCC, cc, regArg(r))
}

// Cmov cmovcc dst, r/m32
func (a *Assembler) Cmov(cc Condition, dst Register, src Operand) {
	start := a.PcOffset()
	a.emit(0x0F, 0x40|byte(cc))
	a.emitOperand(dst.Code(), src)
	a.record(start, CMOVCC, cc, regArg(dst), ArgOf(src))
}
