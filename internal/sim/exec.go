// exec.go - 整数指令的解释执行

package sim

import (
	"fmt"
	"math/bits"

	"github.com/tangzhangming/lithium/internal/asm/ia32"
)

// ============================================================================
// 操作数访问
// ============================================================================

// Address 计算内存操作数的有效地址
func (m *Machine) Address(op ia32.Operand) uint32 {
	var addr uint32
	if op.Base() != ia32.NoReg {
		addr = m.Regs[op.Base()]
	}
	if op.Index() != ia32.NoReg {
		addr += m.Regs[op.Index()] << uint(op.Scale())
	}
	return addr + uint32(op.Disp())
}

func (m *Machine) read32(a ia32.Arg) (uint32, error) {
	switch a.Kind {
	case ia32.ArgReg:
		return m.Regs[a.Reg], nil
	case ia32.ArgMem:
		return m.Mem.Read32(m.Address(a.Mem))
	case ia32.ArgImm:
		return uint32(a.Imm), nil
	case ia32.ArgAddr:
		return a.Addr, nil
	case ia32.ArgLabel:
		return codeAddr(a.Label.Pos()), nil
	}
	return 0, fmt.Errorf("sim: operand %s has no 32-bit value", a)
}

func (m *Machine) write32(a ia32.Arg, v uint32) error {
	switch a.Kind {
	case ia32.ArgReg:
		m.Regs[a.Reg] = v
		return nil
	case ia32.ArgMem:
		return m.Mem.Write32(m.Address(a.Mem), v)
	}
	return fmt.Errorf("sim: operand %s is not writable", a)
}

// reg8 寄存器编码 0..3 是 al..bl，4..7 是 ah..bh
func (m *Machine) reg8(r ia32.Register) uint8 {
	if r < ia32.ESP {
		return uint8(m.Regs[r])
	}
	return uint8(m.Regs[r-4] >> 8)
}

func (m *Machine) setReg8(r ia32.Register, v uint8) {
	if r < ia32.ESP {
		m.Regs[r] = m.Regs[r]&^0xFF | uint32(v)
		return
	}
	m.Regs[r-4] = m.Regs[r-4]&^0xFF00 | uint32(v)<<8
}

func (m *Machine) read8(a ia32.Arg) (uint8, error) {
	switch a.Kind {
	case ia32.ArgReg:
		return m.reg8(a.Reg), nil
	case ia32.ArgMem:
		return m.Mem.Read8(m.Address(a.Mem))
	case ia32.ArgImm:
		return uint8(a.Imm), nil
	}
	return 0, fmt.Errorf("sim: operand %s has no 8-bit value", a)
}

func (m *Machine) read16(a ia32.Arg) (uint16, error) {
	switch a.Kind {
	case ia32.ArgReg:
		return uint16(m.Regs[a.Reg]), nil
	case ia32.ArgMem:
		return m.Mem.Read16(m.Address(a.Mem))
	case ia32.ArgImm:
		return uint16(a.Imm), nil
	}
	return 0, fmt.Errorf("sim: operand %s has no 16-bit value", a)
}

// jumpTarget 跳转或调用的绝对目标
func (m *Machine) jumpTarget(a ia32.Arg) (uint32, error) {
	if a.Kind == ia32.ArgLabel {
		if !a.Label.IsBound() {
			return 0, fmt.Errorf("sim: jump to unbound label")
		}
		return codeAddr(a.Label.Pos()), nil
	}
	return m.read32(a)
}

// ============================================================================
// 单步
// ============================================================================

func (m *Machine) step(in *ia32.Inst, next int) error {
	if isSSE(in.Op) {
		return m.stepSSE(in)
	}
	a0, a1 := in.Args[0], in.Args[1]
	switch in.Op {
	case ia32.NOP:
		return nil
	case ia32.INT3:
		return ErrTrap
	case ia32.DATA:
		return fmt.Errorf("sim: executing data")

	case ia32.MOV:
		v, err := m.read32(a1)
		if err != nil {
			return err
		}
		return m.write32(a0, v)
	case ia32.MOVB:
		v, err := m.read8(a1)
		if err != nil {
			return err
		}
		if a0.Kind == ia32.ArgReg {
			m.setReg8(a0.Reg, v)
			return nil
		}
		return m.Mem.Write8(m.Address(a0.Mem), v)
	case ia32.MOVW:
		v, err := m.read16(a1)
		if err != nil {
			return err
		}
		return m.Mem.Write16(m.Address(a0.Mem), v)
	case ia32.MOVZXB, ia32.MOVSXB:
		v, err := m.read8(a1)
		if err != nil {
			return err
		}
		if in.Op == ia32.MOVSXB {
			m.Regs[a0.Reg] = uint32(int32(int8(v)))
		} else {
			m.Regs[a0.Reg] = uint32(v)
		}
		return nil
	case ia32.MOVZXW, ia32.MOVSXW:
		v, err := m.read16(a1)
		if err != nil {
			return err
		}
		if in.Op == ia32.MOVSXW {
			m.Regs[a0.Reg] = uint32(int32(int16(v)))
		} else {
			m.Regs[a0.Reg] = uint32(v)
		}
		return nil
	case ia32.LEA:
		m.Regs[a0.Reg] = m.Address(a1.Mem)
		return nil

	case ia32.PUSH:
		// 地址在 esp 减小之前计算
		v, err := m.read32(a0)
		if err != nil {
			return err
		}
		return m.Push(v)
	case ia32.POP:
		// 地址在 esp 增大之后计算
		v, err := m.Pop()
		if err != nil {
			return err
		}
		return m.write32(a0, v)
	case ia32.PUSHAD:
		esp := m.Regs[ia32.ESP]
		for r := ia32.EAX; r <= ia32.EDI; r++ {
			v := m.Regs[r]
			if r == ia32.ESP {
				v = esp
			}
			if err := m.Push(v); err != nil {
				return err
			}
		}
		return nil
	case ia32.POPAD:
		for r := ia32.EDI; r >= ia32.EAX; r-- {
			v, err := m.Pop()
			if err != nil {
				return err
			}
			if r != ia32.ESP {
				m.Regs[r] = v
			}
		}
		return nil
	case ia32.PUSHFD:
		return m.Push(m.eflags())
	case ia32.POPFD:
		v, err := m.Pop()
		if err != nil {
			return err
		}
		m.setEflags(v)
		return nil

	case ia32.ADD, ia32.OR, ia32.ADC, ia32.SBB, ia32.AND, ia32.SUB, ia32.XOR, ia32.CMP, ia32.TEST:
		return m.alu(in.Op, a0, a1)
	case ia32.CMPB, ia32.TESTB:
		x, err := m.read8(a0)
		if err != nil {
			return err
		}
		y := uint8(a1.Imm)
		if in.Op == ia32.TESTB {
			m.logicFlags(uint32(x&y), 8)
			return nil
		}
		m.subFlags(uint32(x), uint32(y), 0, 8)
		return nil
	case ia32.NEG, ia32.NOT, ia32.INC, ia32.DEC:
		return m.unary(in.Op, a0)

	case ia32.IMUL:
		x, err := m.read32(a1)
		if err != nil {
			return err
		}
		y := m.Regs[a0.Reg]
		if in.Args[2].Kind == ia32.ArgImm {
			y = uint32(in.Args[2].Imm)
		}
		full := int64(int32(x)) * int64(int32(y))
		r := int32(full)
		m.Regs[a0.Reg] = uint32(r)
		m.CF = full != int64(r)
		m.OF = m.CF
		m.setResultFlags(uint32(r), 32)
		return nil
	case ia32.IMUL1, ia32.MUL1:
		x, err := m.read32(a0)
		if err != nil {
			return err
		}
		eax := m.Regs[ia32.EAX]
		if in.Op == ia32.IMUL1 {
			full := int64(int32(eax)) * int64(int32(x))
			m.Regs[ia32.EAX], m.Regs[ia32.EDX] = uint32(full), uint32(uint64(full)>>32)
			m.CF = full != int64(int32(full))
		} else {
			hi, lo := bits.Mul32(eax, x)
			m.Regs[ia32.EAX], m.Regs[ia32.EDX] = lo, hi
			m.CF = hi != 0
		}
		m.OF = m.CF
		return nil
	case ia32.IDIV, ia32.DIV:
		return m.divide(in.Op == ia32.IDIV, a0)
	case ia32.CDQ:
		m.Regs[ia32.EDX] = uint32(int32(m.Regs[ia32.EAX]) >> 31)
		return nil

	case ia32.ROL, ia32.ROR, ia32.SHL, ia32.SHR, ia32.SAR:
		count := uint8(a1.Imm)
		if a1.Kind == ia32.ArgReg {
			count = uint8(m.Regs[ia32.ECX])
		}
		return m.shift(in.Op, a0, count&31)

	case ia32.SETCC:
		var v uint8
		if m.condition(in.Cond) {
			v = 1
		}
		m.setReg8(a0.Reg, v)
		return nil
	case ia32.CMOVCC:
		v, err := m.read32(a1)
		if err != nil {
			return err
		}
		if m.condition(in.Cond) {
			m.Regs[a0.Reg] = v
		}
		return nil

	case ia32.JMP:
		target, err := m.jumpTarget(a0)
		if err != nil {
			return err
		}
		return m.transfer(target)
	case ia32.JCC:
		if !m.condition(in.Cond) {
			return nil
		}
		target, err := m.jumpTarget(a0)
		if err != nil {
			return err
		}
		return m.transfer(target)
	case ia32.CALL:
		target, err := m.jumpTarget(a0)
		if err != nil {
			return err
		}
		return m.call(in.Offset, next, target)
	case ia32.RET:
		ret, err := m.Pop()
		if err != nil {
			return err
		}
		m.Regs[ia32.ESP] += uint32(a0.Imm)
		return m.transfer(ret)
	}
	return fmt.Errorf("sim: unsupported instruction %s", in.Op)
}

// ============================================================================
// 算术辅助
// ============================================================================

func (m *Machine) logicFlags(r uint32, width uint) {
	m.CF, m.OF = false, false
	m.setResultFlags(r, width)
}

func (m *Machine) addFlags(x, y, carry uint32, width uint) uint32 {
	r := x + y + carry
	if width == 32 {
		_, c := bits.Add32(x, y, carry)
		m.CF = c != 0
	} else {
		m.CF = r>>width != 0
	}
	sign := uint32(1) << (width - 1)
	m.OF = (x^r)&(y^r)&sign != 0
	m.setResultFlags(r, width)
	return r
}

func (m *Machine) subFlags(x, y, borrow uint32, width uint) uint32 {
	r := x - y - borrow
	if width == 32 {
		_, b := bits.Sub32(x, y, borrow)
		m.CF = b != 0
	} else {
		m.CF = uint64(x) < uint64(y)+uint64(borrow)
	}
	sign := uint32(1) << (width - 1)
	m.OF = (x^y)&(x^r)&sign != 0
	m.setResultFlags(r, width)
	return r
}

func (m *Machine) alu(op ia32.Mnemonic, dst, src ia32.Arg) error {
	x, err := m.read32(dst)
	if err != nil {
		return err
	}
	y, err := m.read32(src)
	if err != nil {
		return err
	}
	var carry uint32
	if m.CF {
		carry = 1
	}
	var r uint32
	switch op {
	case ia32.ADD:
		r = m.addFlags(x, y, 0, 32)
	case ia32.ADC:
		r = m.addFlags(x, y, carry, 32)
	case ia32.SUB, ia32.CMP:
		r = m.subFlags(x, y, 0, 32)
	case ia32.SBB:
		r = m.subFlags(x, y, carry, 32)
	case ia32.AND, ia32.TEST:
		r = x & y
		m.logicFlags(r, 32)
	case ia32.OR:
		r = x | y
		m.logicFlags(r, 32)
	case ia32.XOR:
		r = x ^ y
		m.logicFlags(r, 32)
	}
	if op == ia32.CMP || op == ia32.TEST {
		return nil
	}
	return m.write32(dst, r)
}

func (m *Machine) unary(op ia32.Mnemonic, dst ia32.Arg) error {
	x, err := m.read32(dst)
	if err != nil {
		return err
	}
	var r uint32
	switch op {
	case ia32.NOT:
		r = ^x
	case ia32.NEG:
		r = m.subFlags(0, x, 0, 32)
		m.CF = x != 0
	case ia32.INC, ia32.DEC:
		cf := m.CF
		if op == ia32.INC {
			r = m.addFlags(x, 1, 0, 32)
		} else {
			r = m.subFlags(x, 1, 0, 32)
		}
		m.CF = cf
	}
	return m.write32(dst, r)
}

func (m *Machine) divide(signed bool, src ia32.Arg) error {
	d, err := m.read32(src)
	if err != nil {
		return err
	}
	if d == 0 {
		return ErrDivide
	}
	dividend := uint64(m.Regs[ia32.EDX])<<32 | uint64(m.Regs[ia32.EAX])
	if signed {
		n, dv := int64(dividend), int64(int32(d))
		q, rem := n/dv, n%dv
		if q != int64(int32(q)) {
			return ErrDivide
		}
		m.Regs[ia32.EAX], m.Regs[ia32.EDX] = uint32(q), uint32(rem)
		return nil
	}
	q, rem := dividend/uint64(d), dividend%uint64(d)
	if q>>32 != 0 {
		return ErrDivide
	}
	m.Regs[ia32.EAX], m.Regs[ia32.EDX] = uint32(q), uint32(rem)
	return nil
}

// shift 移位次数为 0 时不改变标志
func (m *Machine) shift(op ia32.Mnemonic, dst ia32.Arg, count uint8) error {
	x, err := m.read32(dst)
	if err != nil {
		return err
	}
	if count == 0 {
		return nil
	}
	c := uint(count)
	var r uint32
	switch op {
	case ia32.SHL:
		r = x << c
		m.CF = x>>(32-c)&1 != 0
		m.OF = (r>>31 != 0) != m.CF
		m.setResultFlags(r, 32)
	case ia32.SHR:
		r = x >> c
		m.CF = x>>(c-1)&1 != 0
		m.OF = x>>31 != 0
		m.setResultFlags(r, 32)
	case ia32.SAR:
		r = uint32(int32(x) >> c)
		m.CF = uint32(int32(x)>>(c-1))&1 != 0
		m.OF = false
		m.setResultFlags(r, 32)
	case ia32.ROL:
		r = bits.RotateLeft32(x, int(c))
		m.CF = r&1 != 0
	case ia32.ROR:
		r = bits.RotateLeft32(x, -int(c))
		m.CF = r>>31 != 0
	}
	return m.write32(dst, r)
}
