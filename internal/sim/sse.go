// sse.go - SSE 指令的解释执行

package sim

import (
	"fmt"
	"math"

	"github.com/tangzhangming/lithium/internal/asm/ia32"
)

func isSSE(op ia32.Mnemonic) bool {
	return op >= ia32.MOVD && op <= ia32.ROUNDSD
}

// ============================================================================
// XMM 访问
// ============================================================================

// Double 读取 XMM 寄存器低通道的双精度数
func (m *Machine) Double(x ia32.XMMRegister) float64 {
	return math.Float64frombits(m.XMM[x][0])
}

// SetDouble 写入 XMM 寄存器低通道，高通道清零
func (m *Machine) SetDouble(x ia32.XMMRegister, v float64) {
	m.XMM[x] = [2]uint64{math.Float64bits(v), 0}
}

func lanes32(v [2]uint64) [4]uint32 {
	return [4]uint32{uint32(v[0]), uint32(v[0] >> 32), uint32(v[1]), uint32(v[1] >> 32)}
}

func fromLanes32(l [4]uint32) [2]uint64 {
	return [2]uint64{uint64(l[0]) | uint64(l[1])<<32, uint64(l[2]) | uint64(l[3])<<32}
}

// Lanes32 读取 XMM 寄存器的四个 32 位通道
func (m *Machine) Lanes32(x ia32.XMMRegister) [4]uint32 { return lanes32(m.XMM[x]) }

// SetLanes32 写入 XMM 寄存器的四个 32 位通道
func (m *Machine) SetLanes32(x ia32.XMMRegister, l [4]uint32) { m.XMM[x] = fromLanes32(l) }

// read128 读取 XMM 或 128 位内存操作数
func (m *Machine) read128(a ia32.Arg) ([2]uint64, error) {
	switch a.Kind {
	case ia32.ArgXMM:
		return m.XMM[a.XMM], nil
	case ia32.ArgMem:
		addr := m.Address(a.Mem)
		lo, err := m.Mem.Read64(addr)
		if err != nil {
			return [2]uint64{}, err
		}
		hi, err := m.Mem.Read64(addr + 8)
		if err != nil {
			return [2]uint64{}, err
		}
		return [2]uint64{lo, hi}, nil
	}
	return [2]uint64{}, fmt.Errorf("sim: operand %s has no 128-bit value", a)
}

// read64 读取 XMM 低通道或 64 位内存操作数
func (m *Machine) read64(a ia32.Arg) (uint64, error) {
	if a.Kind == ia32.ArgMem {
		return m.Mem.Read64(m.Address(a.Mem))
	}
	v, err := m.read128(a)
	return v[0], err
}

// ============================================================================
// 单步
// ============================================================================

func (m *Machine) stepSSE(in *ia32.Inst) error {
	a0, a1, a2 := in.Args[0], in.Args[1], in.Args[2]
	switch in.Op {
	case ia32.MOVD:
		if a0.Kind == ia32.ArgXMM {
			v, err := m.read32(a1)
			if err != nil {
				return err
			}
			m.XMM[a0.XMM] = [2]uint64{uint64(v), 0}
			return nil
		}
		return m.write32(a0, uint32(m.XMM[a1.XMM][0]))
	case ia32.MOVSD:
		if a0.Kind == ia32.ArgXMM {
			v, err := m.read64(a1)
			if err != nil {
				return err
			}
			if a1.Kind == ia32.ArgMem {
				m.XMM[a0.XMM] = [2]uint64{v, 0}
			} else {
				m.XMM[a0.XMM][0] = v
			}
			return nil
		}
		return m.Mem.Write64(m.Address(a0.Mem), m.XMM[a1.XMM][0])
	case ia32.MOVSS:
		if a0.Kind == ia32.ArgXMM {
			v, err := m.Mem.Read32(m.Address(a1.Mem))
			if err != nil {
				return err
			}
			m.XMM[a0.XMM] = [2]uint64{uint64(v), 0}
			return nil
		}
		return m.Mem.Write32(m.Address(a0.Mem), uint32(m.XMM[a1.XMM][0]))
	case ia32.MOVAPS, ia32.MOVUPS:
		v, err := m.read128(a1)
		if err != nil {
			return err
		}
		if a0.Kind == ia32.ArgXMM {
			m.XMM[a0.XMM] = v
			return nil
		}
		addr := m.Address(a0.Mem)
		if err := m.Mem.Write64(addr, v[0]); err != nil {
			return err
		}
		return m.Mem.Write64(addr+8, v[1])

	case ia32.ADDSD, ia32.SUBSD, ia32.MULSD, ia32.DIVSD, ia32.SQRTSD, ia32.MINSD, ia32.MAXSD:
		src, err := m.read64(a1)
		if err != nil {
			return err
		}
		x, y := m.Double(a0.XMM), math.Float64frombits(src)
		var r float64
		switch in.Op {
		case ia32.ADDSD:
			r = x + y
		case ia32.SUBSD:
			r = x - y
		case ia32.MULSD:
			r = x * y
		case ia32.DIVSD:
			r = x / y
		case ia32.SQRTSD:
			r = math.Sqrt(y)
		case ia32.MINSD:
			// NaN 或两个零时取 src
			r = y
			if x < y {
				r = x
			}
		case ia32.MAXSD:
			r = y
			if x > y {
				r = x
			}
		}
		m.XMM[a0.XMM][0] = math.Float64bits(r)
		return nil
	case ia32.UCOMISD:
		src, err := m.read64(a1)
		if err != nil {
			return err
		}
		x, y := m.Double(a0.XMM), math.Float64frombits(src)
		m.OF, m.SF = false, false
		switch {
		case math.IsNaN(x) || math.IsNaN(y):
			m.ZF, m.PF, m.CF = true, true, true
		case x > y:
			m.ZF, m.PF, m.CF = false, false, false
		case x < y:
			m.ZF, m.PF, m.CF = false, false, true
		default:
			m.ZF, m.PF, m.CF = true, false, false
		}
		return nil

	case ia32.XORPS, ia32.ANDPS, ia32.ORPS, ia32.ANDPD, ia32.XORPD:
		src, err := m.read128(a1)
		if err != nil {
			return err
		}
		dst := &m.XMM[a0.XMM]
		for i := range dst {
			switch in.Op {
			case ia32.XORPS, ia32.XORPD:
				dst[i] ^= src[i]
			case ia32.ANDPS, ia32.ANDPD:
				dst[i] &= src[i]
			case ia32.ORPS:
				dst[i] |= src[i]
			}
		}
		return nil
	case ia32.PCMPEQD:
		src, err := m.read128(a1)
		if err != nil {
			return err
		}
		x, y := m.Lanes32(a0.XMM), lanes32(src)
		for i := range x {
			if x[i] == y[i] {
				x[i] = 0xFFFFFFFF
			} else {
				x[i] = 0
			}
		}
		m.SetLanes32(a0.XMM, x)
		return nil

	case ia32.CVTSI2SD:
		v, err := m.read32(a1)
		if err != nil {
			return err
		}
		m.XMM[a0.XMM][0] = math.Float64bits(float64(int32(v)))
		return nil
	case ia32.CVTTSD2SI, ia32.CVTSD2SI:
		v := m.Double(a1.XMM)
		if in.Op == ia32.CVTSD2SI {
			v = math.RoundToEven(v)
		} else {
			v = math.Trunc(v)
		}
		m.Regs[a0.Reg] = doubleToInt32Indefinite(v)
		return nil
	case ia32.CVTSS2SD:
		f := math.Float32frombits(uint32(m.XMM[a1.XMM][0]))
		m.XMM[a0.XMM][0] = math.Float64bits(float64(f))
		return nil
	case ia32.CVTSD2SS:
		f := float32(m.Double(a1.XMM))
		lo := m.XMM[a0.XMM][0]
		m.XMM[a0.XMM][0] = lo&^0xFFFFFFFF | uint64(math.Float32bits(f))
		return nil
	case ia32.MOVMSKPD:
		v := m.XMM[a1.XMM]
		m.Regs[a0.Reg] = uint32(v[0]>>63) | uint32(v[1]>>63)<<1
		return nil
	case ia32.PSLLQ, ia32.PSRLQ:
		n := uint(uint8(a1.Imm))
		dst := &m.XMM[a0.XMM]
		for i := range dst {
			switch {
			case n > 63:
				dst[i] = 0
			case in.Op == ia32.PSLLQ:
				dst[i] <<= n
			default:
				dst[i] >>= n
			}
		}
		return nil
	case ia32.PEXTRD:
		l := m.Lanes32(a1.XMM)
		return m.write32(a0, l[a2.Imm&3])
	case ia32.PINSRD:
		v, err := m.read32(a1)
		if err != nil {
			return err
		}
		l := m.Lanes32(a0.XMM)
		l[a2.Imm&3] = v
		m.SetLanes32(a0.XMM, l)
		return nil

	case ia32.ADDPS, ia32.SUBPS, ia32.MULPS, ia32.DIVPS:
		src, err := m.read128(a1)
		if err != nil {
			return err
		}
		x, y := m.Lanes32(a0.XMM), lanes32(src)
		for i := range x {
			p, q := math.Float32frombits(x[i]), math.Float32frombits(y[i])
			var r float32
			switch in.Op {
			case ia32.ADDPS:
				r = p + q
			case ia32.SUBPS:
				r = p - q
			case ia32.MULPS:
				r = p * q
			case ia32.DIVPS:
				r = p / q
			}
			x[i] = math.Float32bits(r)
		}
		m.SetLanes32(a0.XMM, x)
		return nil
	case ia32.ADDPD, ia32.SUBPD, ia32.MULPD, ia32.DIVPD:
		src, err := m.read128(a1)
		if err != nil {
			return err
		}
		dst := &m.XMM[a0.XMM]
		for i := range dst {
			p, q := math.Float64frombits(dst[i]), math.Float64frombits(src[i])
			var r float64
			switch in.Op {
			case ia32.ADDPD:
				r = p + q
			case ia32.SUBPD:
				r = p - q
			case ia32.MULPD:
				r = p * q
			case ia32.DIVPD:
				r = p / q
			}
			dst[i] = math.Float64bits(r)
		}
		return nil
	case ia32.PADDD, ia32.PSUBD, ia32.PMULLD:
		src, err := m.read128(a1)
		if err != nil {
			return err
		}
		x, y := m.Lanes32(a0.XMM), lanes32(src)
		for i := range x {
			switch in.Op {
			case ia32.PADDD:
				x[i] += y[i]
			case ia32.PSUBD:
				x[i] -= y[i]
			case ia32.PMULLD:
				x[i] *= y[i]
			}
		}
		m.SetLanes32(a0.XMM, x)
		return nil

	case ia32.SHUFPS:
		src, err := m.read128(a1)
		if err != nil {
			return err
		}
		x, y, imm := m.Lanes32(a0.XMM), lanes32(src), uint32(a2.Imm)
		m.SetLanes32(a0.XMM, [4]uint32{x[imm&3], x[imm>>2&3], y[imm>>4&3], y[imm>>6&3]})
		return nil
	case ia32.SHUFPD:
		src, err := m.read128(a1)
		if err != nil {
			return err
		}
		x, imm := m.XMM[a0.XMM], uint32(a2.Imm)
		m.XMM[a0.XMM] = [2]uint64{x[imm&1], src[imm>>1&1]}
		return nil
	case ia32.PSHUFD:
		src, err := m.read128(a1)
		if err != nil {
			return err
		}
		y, imm := lanes32(src), uint32(a2.Imm)
		m.SetLanes32(a0.XMM, [4]uint32{y[imm&3], y[imm>>2&3], y[imm>>4&3], y[imm>>6&3]})
		return nil
	case ia32.ROUNDSD:
		src, err := m.read64(a1)
		if err != nil {
			return err
		}
		v := math.Float64frombits(src)
		switch a2.Imm & 3 {
		case 0:
			v = math.RoundToEven(v)
		case 1:
			v = math.Floor(v)
		case 2:
			v = math.Ceil(v)
		case 3:
			v = math.Trunc(v)
		}
		m.XMM[a0.XMM][0] = math.Float64bits(v)
		return nil
	}
	return fmt.Errorf("sim: unsupported instruction %s", in.Op)
}

// doubleToInt32Indefinite 已取整的值转 int32，越界与 NaN 得到 0x80000000
func doubleToInt32Indefinite(v float64) uint32 {
	if math.IsNaN(v) || v < math.MinInt32 || v > math.MaxInt32 {
		return 0x80000000
	}
	return uint32(int32(v))
}
