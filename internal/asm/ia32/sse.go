// sse.go - SSE2/SSE4.1 指令
//
// 标量双精度运算使用 F2 前缀，标量单精度使用 F3 前缀，
// 压缩整数与压缩双精度使用 66 前缀，压缩单精度没有前缀。

package ia32

// sseNoImm 表示指令没有 imm8
const sseNoImm = -1

// xmmRM 把 XMM 寄存器当作 ModR/M 的 r/m 部分
func xmmRM(x XMMRegister) Operand {
	return Operand{isReg: true, reg: Register(x), base: NoReg, index: NoReg}
}

// sse 发出 [prefix] 0F opc ModR/M [imm8] 并登记清单
func (a *Assembler) sse(m Mnemonic, prefix byte, opc []byte, reg byte, rm Operand, imm int, args ...Arg) {
	start := a.PcOffset()
	if prefix != 0 {
		a.emit(prefix)
	}
	a.emit(0x0F)
	a.emit(opc...)
	a.emitOperand(reg, rm)
	if imm != sseNoImm {
		a.emit(byte(imm))
	}
	a.record(start, m, NoCondition, args...)
}

// ============================================================================
// 数据移动
// ============================================================================

// Movd movd xmm, r/m32
func (a *Assembler) Movd(dst XMMRegister, src Operand) {
	a.sse(MOVD, 0x66, []byte{0x6E}, dst.Code(), src, sseNoImm, xmmArg(dst), ArgOf(src))
}

// MovdToOp movd r/m32, xmm
func (a *Assembler) MovdToOp(dst Operand, src XMMRegister) {
	a.sse(MOVD, 0x66, []byte{0x7E}, src.Code(), dst, sseNoImm, ArgOf(dst), xmmArg(src))
}

// MovsdLoad movsd xmm, m64
func (a *Assembler) MovsdLoad(dst XMMRegister, src Operand) {
	a.sse(MOVSD, 0xF2, []byte{0x10}, dst.Code(), src, sseNoImm, xmmArg(dst), ArgOf(src))
}

// MovsdStore movsd m64, xmm
func (a *Assembler) MovsdStore(dst Operand, src XMMRegister) {
	a.sse(MOVSD, 0xF2, []byte{0x11}, src.Code(), dst, sseNoImm, ArgOf(dst), xmmArg(src))
}

// MovssLoad movss xmm, m32
func (a *Assembler) MovssLoad(dst XMMRegister, src Operand) {
	a.sse(MOVSS, 0xF3, []byte{0x10}, dst.Code(), src, sseNoImm, xmmArg(dst), ArgOf(src))
}

// MovssStore movss m32, xmm
func (a *Assembler) MovssStore(dst Operand, src XMMRegister) {
	a.sse(MOVSS, 0xF3, []byte{0x11}, src.Code(), dst, sseNoImm, ArgOf(dst), xmmArg(src))
}

// Movaps movaps dst, src（寄存器之间的完整 128 位复制）
func (a *Assembler) Movaps(dst, src XMMRegister) {
	a.sse(MOVAPS, 0, []byte{0x28}, dst.Code(), xmmRM(src), sseNoImm, xmmArg(dst), xmmArg(src))
}

// MovupsLoad movups xmm, m128
func (a *Assembler) MovupsLoad(dst XMMRegister, src Operand) {
	a.sse(MOVUPS, 0, []byte{0x10}, dst.Code(), src, sseNoImm, xmmArg(dst), ArgOf(src))
}

// MovupsStore movups m128, xmm
func (a *Assembler) MovupsStore(dst Operand, src XMMRegister) {
	a.sse(MOVUPS, 0, []byte{0x11}, src.Code(), dst, sseNoImm, ArgOf(dst), xmmArg(src))
}

// ============================================================================
// 标量双精度运算
// ============================================================================

func (a *Assembler) sd(m Mnemonic, opc byte, dst, src XMMRegister) {
	a.sse(m, 0xF2, []byte{opc}, dst.Code(), xmmRM(src), sseNoImm, xmmArg(dst), xmmArg(src))
}

// Addsd dst += src
func (a *Assembler) Addsd(dst, src XMMRegister) { a.sd(ADDSD, 0x58, dst, src) }

// Subsd dst -= src
func (a *Assembler) Subsd(dst, src XMMRegister) { a.sd(SUBSD, 0x5C, dst, src) }

// Mulsd dst *= src
func (a *Assembler) Mulsd(dst, src XMMRegister) { a.sd(MULSD, 0x59, dst, src) }

// Divsd dst /= src
func (a *Assembler) Divsd(dst, src XMMRegister) { a.sd(DIVSD, 0x5E, dst, src) }

// Sqrtsd dst = sqrt(src)
func (a *Assembler) Sqrtsd(dst, src XMMRegister) { a.sd(SQRTSD, 0x51, dst, src) }

// Minsd dst = min(dst, src)，有 NaN 或 ±0 时返回 src
func (a *Assembler) Minsd(dst, src XMMRegister) { a.sd(MINSD, 0x5D, dst, src) }

// Maxsd dst = max(dst, src)，有 NaN 或 ±0 时返回 src
func (a *Assembler) Maxsd(dst, src XMMRegister) { a.sd(MAXSD, 0x5F, dst, src) }

// Ucomisd 无序比较，NaN 置 PF=ZF=CF=1
func (a *Assembler) Ucomisd(left, right XMMRegister) {
	a.sse(UCOMISD, 0x66, []byte{0x2E}, left.Code(), xmmRM(right), sseNoImm, xmmArg(left), xmmArg(right))
}

// Cvtsi2sd xmm = (double) r/m32
func (a *Assembler) Cvtsi2sd(dst XMMRegister, src Operand) {
	a.sse(CVTSI2SD, 0xF2, []byte{0x2A}, dst.Code(), src, sseNoImm, xmmArg(dst), ArgOf(src))
}

// Cvttsd2si r32 = (int32) 截断 xmm，越界时为 0x80000000
func (a *Assembler) Cvttsd2si(dst Register, src XMMRegister) {
	a.sse(CVTTSD2SI, 0xF2, []byte{0x2C}, dst.Code(), xmmRM(src), sseNoImm, regArg(dst), xmmArg(src))
}

// Cvtsd2si 按当前舍入模式（就近取偶）转换
func (a *Assembler) Cvtsd2si(dst Register, src XMMRegister) {
	a.sse(CVTSD2SI, 0xF2, []byte{0x2D}, dst.Code(), xmmRM(src), sseNoImm, regArg(dst), xmmArg(src))
}

// Cvtss2sd 单精度转双精度
func (a *Assembler) Cvtss2sd(dst, src XMMRegister) {
	a.sse(CVTSS2SD, 0xF3, []byte{0x5A}, dst.Code(), xmmRM(src), sseNoImm, xmmArg(dst), xmmArg(src))
}

// Cvtsd2ss 双精度转单精度
func (a *Assembler) Cvtsd2ss(dst, src XMMRegister) {
	a.sse(CVTSD2SS, 0xF2, []byte{0x5A}, dst.Code(), xmmRM(src), sseNoImm, xmmArg(dst), xmmArg(src))
}

// Movmskpd 把两个双精度的符号位取到 r32 的低 2 位
func (a *Assembler) Movmskpd(dst Register, src XMMRegister) {
	a.sse(MOVMSKPD, 0x66, []byte{0x50}, dst.Code(), xmmRM(src), sseNoImm, regArg(dst), xmmArg(src))
}

// Roundsd 按 mode 舍入（SSE4.1），mode 1 为向下取整
func (a *Assembler) Roundsd(dst, src XMMRegister, mode uint8) {
	a.sse(ROUNDSD, 0x66, []byte{0x3A, 0x0B}, dst.Code(), xmmRM(src), int(mode), xmmArg(dst), xmmArg(src), immArg(int32(mode)))
}

// ============================================================================
// 按位运算
// ============================================================================

func (a *Assembler) bitwise(m Mnemonic, prefix, opc byte, dst, src XMMRegister) {
	a.sse(m, prefix, []byte{opc}, dst.Code(), xmmRM(src), sseNoImm, xmmArg(dst), xmmArg(src))
}

// Xorps 按位异或
func (a *Assembler) Xorps(dst, src XMMRegister) { a.bitwise(XORPS, 0, 0x57, dst, src) }

// Andps 按位与
func (a *Assembler) Andps(dst, src XMMRegister) { a.bitwise(ANDPS, 0, 0x54, dst, src) }

// Orps 按位或
func (a *Assembler) Orps(dst, src XMMRegister) { a.bitwise(ORPS, 0, 0x56, dst, src) }

// Andpd 按位与（双精度域）
func (a *Assembler) Andpd(dst, src XMMRegister) { a.bitwise(ANDPD, 0x66, 0x54, dst, src) }

// Xorpd 按位异或（双精度域）
func (a *Assembler) Xorpd(dst, src XMMRegister) { a.bitwise(XORPD, 0x66, 0x57, dst, src) }

// Pcmpeqd 按 32 位比较相等，常用于生成全 1
func (a *Assembler) Pcmpeqd(dst, src XMMRegister) { a.bitwise(PCMPEQD, 0x66, 0x76, dst, src) }

// Psllq 每个 64 位通道左移
func (a *Assembler) Psllq(x XMMRegister, count uint8) {
	a.sse(PSLLQ, 0x66, []byte{0x73}, 6, xmmRM(x), int(count), xmmArg(x), immArg(int32(count)))
}

// Psrlq 每个 64 位通道逻辑右移
func (a *Assembler) Psrlq(x XMMRegister, count uint8) {
	a.sse(PSRLQ, 0x66, []byte{0x73}, 2, xmmRM(x), int(count), xmmArg(x), immArg(int32(count)))
}

// Pextrd r/m32 = xmm[lane]（SSE4.1）
func (a *Assembler) Pextrd(dst Operand, src XMMRegister, lane uint8) {
	a.sse(PEXTRD, 0x66, []byte{0x3A, 0x16}, src.Code(), dst, int(lane), ArgOf(dst), xmmArg(src), immArg(int32(lane)))
}

// Pinsrd xmm[lane] = r/m32（SSE4.1）
func (a *Assembler) Pinsrd(dst XMMRegister, src Operand, lane uint8) {
	a.sse(PINSRD, 0x66, []byte{0x3A, 0x22}, dst.Code(), src, int(lane), xmmArg(dst), ArgOf(src), immArg(int32(lane)))
}

// ============================================================================
// 压缩运算（SIMD128）
// ============================================================================

func (a *Assembler) packed(m Mnemonic, prefix byte, opc []byte, dst, src XMMRegister) {
	a.sse(m, prefix, opc, dst.Code(), xmmRM(src), sseNoImm, xmmArg(dst), xmmArg(src))
}

// Addps 4 x float32 加
func (a *Assembler) Addps(dst, src XMMRegister) { a.packed(ADDPS, 0, []byte{0x58}, dst, src) }

// Subps 4 x float32 减
func (a *Assembler) Subps(dst, src XMMRegister) { a.packed(SUBPS, 0, []byte{0x5C}, dst, src) }

// Mulps 4 x float32 乘
func (a *Assembler) Mulps(dst, src XMMRegister) { a.packed(MULPS, 0, []byte{0x59}, dst, src) }

// Divps 4 x float32 除
func (a *Assembler) Divps(dst, src XMMRegister) { a.packed(DIVPS, 0, []byte{0x5E}, dst, src) }

// Addpd 2 x float64 加
func (a *Assembler) Addpd(dst, src XMMRegister) { a.packed(ADDPD, 0x66, []byte{0x58}, dst, src) }

// Subpd 2 x float64 减
func (a *Assembler) Subpd(dst, src XMMRegister) { a.packed(SUBPD, 0x66, []byte{0x5C}, dst, src) }

// Mulpd 2 x float64 乘
func (a *Assembler) Mulpd(dst, src XMMRegister) { a.packed(MULPD, 0x66, []byte{0x59}, dst, src) }

// Divpd 2 x float64 除
func (a *Assembler) Divpd(dst, src XMMRegister) { a.packed(DIVPD, 0x66, []byte{0x5E}, dst, src) }

// Paddd 4 x int32 加
func (a *Assembler) Paddd(dst, src XMMRegister) { a.packed(PADDD, 0x66, []byte{0xFE}, dst, src) }

// Psubd 4 x int32 减
func (a *Assembler) Psubd(dst, src XMMRegister) { a.packed(PSUBD, 0x66, []byte{0xFA}, dst, src) }

// Pmulld 4 x int32 乘，取低 32 位（SSE4.1）
func (a *Assembler) Pmulld(dst, src XMMRegister) {
	a.packed(PMULLD, 0x66, []byte{0x38, 0x40}, dst, src)
}

// Shufps dst 的低两个通道取自 dst，高两个通道取自 src，按 imm 的 2 位字段选择
func (a *Assembler) Shufps(dst, src XMMRegister, imm uint8) {
	a.sse(SHUFPS, 0, []byte{0xC6}, dst.Code(), xmmRM(src), int(imm), xmmArg(dst), xmmArg(src), immArg(int32(imm)))
}

// Shufpd dst 的低通道取自 dst，高通道取自 src，按 imm 的 1 位字段选择
func (a *Assembler) Shufpd(dst, src XMMRegister, imm uint8) {
	a.sse(SHUFPD, 0x66, []byte{0xC6}, dst.Code(), xmmRM(src), int(imm), xmmArg(dst), xmmArg(src), immArg(int32(imm)))
}

// Pshufd dst 的四个通道都取自 src
func (a *Assembler) Pshufd(dst, src XMMRegister, imm uint8) {
	a.sse(PSHUFD, 0x66, []byte{0x70}, dst.Code(), xmmRM(src), int(imm), xmmArg(dst), xmmArg(src), immArg(int32(imm)))
}
