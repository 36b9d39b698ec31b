// listing.go - 指令清单
//
// 汇编器在写入机器码的同时记录每条指令的结构化形式。清单与字节流一一对应：
// Offset/Size 指向字节流中的编码。反汇编输出和模拟器都读取清单，
// 因此不需要单独的指令解码器。

package ia32

import (
	"fmt"
	"strings"
)

// Mnemonic 指令助记符
type Mnemonic uint8

const (
	INVALID Mnemonic = iota
	MOV
	MOVB
	MOVW
	MOVZXB
	MOVSXB
	MOVZXW
	MOVSXW
	LEA
	PUSH
	POP
	PUSHAD
	POPAD
	PUSHFD
	POPFD
	ADD
	OR
	ADC
	SBB
	AND
	SUB
	XOR
	CMP
	TEST
	TESTB
	CMPB
	NEG
	NOT
	INC
	DEC
	IMUL
	IMUL1
	MUL1
	IDIV
	DIV
	CDQ
	ROL
	ROR
	SHL
	SHR
	SAR
	SETCC
	CMOVCC
	JMP
	JCC
	CALL
	RET
	INT3
	NOP
	DATA

	MOVD
	MOVSD
	MOVSS
	MOVAPS
	MOVUPS
	ADDSD
	SUBSD
	MULSD
	DIVSD
	SQRTSD
	MINSD
	MAXSD
	UCOMISD
	XORPS
	ANDPS
	ORPS
	ANDPD
	XORPD
	CVTSI2SD
	CVTTSD2SI
	CVTSD2SI
	CVTSS2SD
	CVTSD2SS
	MOVMSKPD
	PCMPEQD
	PSLLQ
	PSRLQ
	PEXTRD
	PINSRD
	ADDPS
	SUBPS
	MULPS
	DIVPS
	ADDPD
	SUBPD
	MULPD
	DIVPD
	PADDD
	PSUBD
	PMULLD
	SHUFPS
	SHUFPD
	PSHUFD
	ROUNDSD
	numMnemonics
)

var mnemonicNames = [numMnemonics]string{
	INVALID: "(bad)", MOV: "mov", MOVB: "mov_b", MOVW: "mov_w", MOVZXB: "movzx_b",
	MOVSXB: "movsx_b", MOVZXW: "movzx_w", MOVSXW: "movsx_w", LEA: "lea", PUSH: "push",
	POP: "pop", PUSHAD: "pushad", POPAD: "popad", PUSHFD: "pushfd", POPFD: "popfd", ADD: "add", OR: "or", ADC: "adc", SBB: "sbb", AND: "and", SUB: "sub",
	XOR: "xor", CMP: "cmp", TEST: "test", TESTB: "test_b", CMPB: "cmpb", NEG: "neg",
	NOT: "not", INC: "inc", DEC: "dec", IMUL: "imul", IMUL1: "imul", MUL1: "mul",
	IDIV: "idiv", DIV: "div", CDQ: "cdq", ROL: "rol", ROR: "ror", SHL: "shl", SHR: "shr",
	SAR: "sar", SETCC: "set", CMOVCC: "cmov", JMP: "jmp", JCC: "j", CALL: "call",
	RET: "ret", INT3: "int3", NOP: "nop", DATA: "dd",
	MOVD: "movd", MOVSD: "movsd", MOVSS: "movss", MOVAPS: "movaps", MOVUPS: "movups",
	ADDSD: "addsd", SUBSD: "subsd", MULSD: "mulsd", DIVSD: "divsd", SQRTSD: "sqrtsd",
	MINSD: "minsd", MAXSD: "maxsd", UCOMISD: "ucomisd", XORPS: "xorps", ANDPS: "andps",
	ORPS: "orps", ANDPD: "andpd", XORPD: "xorpd", CVTSI2SD: "cvtsi2sd",
	CVTTSD2SI: "cvttsd2si", CVTSD2SI: "cvtsd2si", CVTSS2SD: "cvtss2sd", CVTSD2SS: "cvtsd2ss",
	MOVMSKPD: "movmskpd", PCMPEQD: "pcmpeqd", PSLLQ: "psllq", PSRLQ: "psrlq",
	PEXTRD: "pextrd", PINSRD: "pinsrd", ADDPS: "addps", SUBPS: "subps", MULPS: "mulps",
	DIVPS: "divps", ADDPD: "addpd", SUBPD: "subpd", MULPD: "mulpd", DIVPD: "divpd",
	PADDD: "paddd", PSUBD: "psubd", PMULLD: "pmulld", SHUFPS: "shufps",
	SHUFPD: "shufpd", PSHUFD: "pshufd", ROUNDSD: "roundsd",
}

// String 返回助记符文本
func (m Mnemonic) String() string {
	if m < numMnemonics && mnemonicNames[m] != "" {
		return mnemonicNames[m]
	}
	return fmt.Sprintf("op%d", int(m))
}

// ArgKind 清单参数种类
type ArgKind uint8

const (
	ArgNone ArgKind = iota
	ArgReg
	ArgXMM
	ArgMem
	ArgImm
	ArgLabel
	ArgAddr
)

// Arg 清单中的一个参数
type Arg struct {
	Kind  ArgKind
	Reg   Register
	XMM   XMMRegister
	Mem   Operand
	Imm   int32
	Label *Label
	// Addr 绝对目标地址（调用或跳转到代码之外）
	Addr uint32
}

// ArgOf 把 r/m 操作数转为清单参数
func ArgOf(op Operand) Arg {
	if op.IsReg() {
		return Arg{Kind: ArgReg, Reg: op.Reg()}
	}
	return Arg{Kind: ArgMem, Mem: op}
}

func regArg(r Register) Arg { return Arg{Kind: ArgReg, Reg: r} }
func xmmArg(x XMMRegister) Arg { return Arg{Kind: ArgXMM, XMM: x} }
func immArg(v int32) Arg { return Arg{Kind: ArgImm, Imm: v} }
func labelArg(l *Label) Arg { return Arg{Kind: ArgLabel, Label: l} }
func addrArg(addr uint32) Arg { return Arg{Kind: ArgAddr, Addr: addr} }

// String 返回参数文本
func (a Arg) String() string {
	switch a.Kind {
	case ArgReg:
		return a.Reg.String()
	case ArgXMM:
		return a.XMM.String()
	case ArgMem:
		return a.Mem.String()
	case ArgImm:
		if a.Imm < 0 || a.Imm > 9 {
			return fmt.Sprintf("0x%x", uint32(a.Imm))
		}
		return fmt.Sprintf("%d", a.Imm)
	case ArgLabel:
		if a.Label != nil && a.Label.IsBound() {
			return fmt.Sprintf("%d", a.Label.Pos())
		}
		return "<unbound>"
	case ArgAddr:
		return fmt.Sprintf("0x%08x", a.Addr)
	}
	return ""
}

// Inst 清单中的一条指令
type Inst struct {
	Offset int
	Size   int
	Op     Mnemonic
	Cond   Condition
	Args   [3]Arg
	// Data DATA 伪指令的原始字节
	Data []byte
}

// NumArgs 参数个数
func (in *Inst) NumArgs() int {
	n := 0
	for _, a := range in.Args {
		if a.Kind != ArgNone {
			n++
		}
	}
	return n
}

// String 返回指令文本
func (in *Inst) String() string {
	var sb strings.Builder
	sb.WriteString(in.Op.String())
	switch in.Op {
	case JCC, SETCC, CMOVCC:
		sb.WriteString(in.Cond.String())
	case DATA:
		fmt.Fprintf(&sb, " %d bytes", len(in.Data))
		return sb.String()
	}
	for i, a := range in.Args {
		if a.Kind == ArgNone {
			break
		}
		if i == 0 {
			sb.WriteByte(' ')
		} else {
			sb.WriteByte(',')
		}
		sb.WriteString(a.String())
	}
	return sb.String()
}

// Disassemble 返回整段代码的文本清单
func Disassemble(code []byte, listing []Inst) string {
	var sb strings.Builder
	for i := range listing {
		in := &listing[i]
		end := in.Offset + in.Size
		if end > len(code) {
			end = len(code)
		}
		hex := fmt.Sprintf("%x", code[in.Offset:end])
		if len(hex) > 20 {
			hex = hex[:18] + ".."
		}
		fmt.Fprintf(&sb, "%6d  %-20s  %s\n", in.Offset, hex, in.String())
	}
	return sb.String()
}
