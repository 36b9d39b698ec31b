// gap_resolver.go - 并行移动解析
//
// 一个并行移动中的所有移动在语义上同时发生。解析器按依赖关系深度
// 优先地串行化它们：目的位置仍被别的移动读取时先执行那个移动；遇到环
// 时把环上一个值压栈，环的其余部分完成后再弹回目的位置。
//
// IA-32 没有空闲的通用暂存寄存器。内存到内存的移动优先借用一个只作为
// 目的、不作为源的寄存器，找不到时临时压栈保存一个寄存器。

package codegen

import (
	"math"

	"github.com/tangzhangming/lithium/internal/asm/ia32"
	"github.com/tangzhangming/lithium/internal/lir"
	"github.com/tangzhangming/lithium/internal/runtime"
)

type gapMove struct {
	src, dst   lir.Operand
	pending    bool
	eliminated bool
}

// blocks 该移动仍需读取 op
func (m *gapMove) blocks(op lir.Operand) bool {
	return !m.eliminated && m.src.Equals(op)
}

type gapResolver struct {
	cg    *CodeGen
	moves []*gapMove

	// 用于找到环
	root int

	inCycle   bool
	savedDest lir.Operand
	// savedSize 环上保存值占用的栈字节数
	savedSize int

	// espDelta 解析期间压栈的字节数，esp 相对的操作数需要补偿
	espDelta int32

	sourceUses      [ia32.NumAllocatableRegisters]int
	destinationUses [ia32.NumAllocatableRegisters]int
}

func newGapResolver(cg *CodeGen) *gapResolver {
	return &gapResolver{cg: cg}
}

// Resolve 发出实现并行移动的指令序列
func (r *gapResolver) Resolve(pm *lir.ParallelMove) {
	if pm.IsRedundant() {
		return
	}
	r.buildInitialMoveList(pm)

	for i, m := range r.moves {
		// 常量源不阻塞任何移动，放到最后执行以保持目的寄存器空闲
		if !m.eliminated && !m.src.IsConstant() {
			r.root = i
			r.performMove(i)
			if r.inCycle {
				r.restoreValue()
			}
		}
	}
	for i, m := range r.moves {
		if !m.eliminated {
			r.emitMove(i)
		}
	}
	r.finish()
}

func (r *gapResolver) buildInitialMoveList(pm *lir.ParallelMove) {
	r.moves = r.moves[:0]
	r.sourceUses = [ia32.NumAllocatableRegisters]int{}
	r.destinationUses = [ia32.NumAllocatableRegisters]int{}
	for _, m := range pm.Moves {
		if m.IsRedundant() {
			continue
		}
		r.addMove(&gapMove{src: m.Source, dst: m.Destination})
	}
}

func (r *gapResolver) addMove(m *gapMove) {
	if m.src.IsRegister() {
		r.sourceUses[m.src.Index]++
	}
	if m.dst.IsRegister() {
		r.destinationUses[m.dst.Index]++
	}
	r.moves = append(r.moves, m)
}

func (r *gapResolver) removeMove(i int) {
	m := r.moves[i]
	if m.src.IsRegister() {
		r.sourceUses[m.src.Index]--
	}
	if m.dst.IsRegister() {
		r.destinationUses[m.dst.Index]--
	}
	m.eliminated = true
}

func (r *gapResolver) finish() {
	if r.espDelta != 0 {
		r.cg.abort(GapMoveUnresolvable, "unbalanced stack after parallel move")
	}
	r.moves = r.moves[:0]
	r.inCycle = false
	r.savedSize = 0
}

func (r *gapResolver) performMove(index int) {
	// 以 pending 标记正在处理的移动，深度优先执行所有读取其目的位置的移动
	m := r.moves[index]
	m.pending = true
	for i, other := range r.moves {
		if other.blocks(m.dst) && !other.pending {
			r.performMove(i)
		}
	}
	m.pending = false

	// 仍被起点移动阻塞说明成环
	if root := r.moves[r.root]; root != m && root.blocks(m.dst) {
		r.breakCycle(index)
		return
	}
	r.emitMove(index)
}

// breakCycle 把当前移动的源压栈，目的位置在环结束后恢复
func (r *gapResolver) breakCycle(index int) {
	a := r.cg.masm
	m := r.moves[index]
	r.inCycle = true
	r.savedDest = m.dst
	switch {
	case m.src.IsRegister() || m.src.IsStackSlot():
		if m.src.IsRegister() {
			a.Push(r.cg.toRegister(m.src))
		} else {
			a.PushOp(r.operand(m.src))
		}
		r.savedSize = runtime.PointerSize
	case m.src.IsDoubleRegister() || m.src.IsDoubleStackSlot():
		a.SubOpImm(ia32.R(ia32.ESP), ia32.Imm(runtime.DoubleSize))
		r.espDelta += runtime.DoubleSize
		if m.src.IsDoubleRegister() {
			a.MovsdStore(ia32.Mem(ia32.ESP, 0), r.cg.toDoubleRegister(m.src))
		} else {
			a.MovsdLoad(ia32.DoubleScratch, r.operand(m.src))
			a.MovsdStore(ia32.Mem(ia32.ESP, 0), ia32.DoubleScratch)
		}
		r.espDelta -= runtime.DoubleSize
		r.savedSize = runtime.DoubleSize
	case m.src.IsSIMD128Register() || m.src.IsSIMD128StackSlot():
		a.SubOpImm(ia32.R(ia32.ESP), ia32.Imm(runtime.Simd128Size))
		r.espDelta += runtime.Simd128Size
		if m.src.IsSIMD128Register() {
			a.MovupsStore(ia32.Mem(ia32.ESP, 0), r.cg.toSIMD128Register(m.src))
		} else {
			a.MovupsLoad(ia32.DoubleScratch, r.operand(m.src))
			a.MovupsStore(ia32.Mem(ia32.ESP, 0), ia32.DoubleScratch)
		}
		r.espDelta -= runtime.Simd128Size
		r.savedSize = runtime.Simd128Size
	default:
		r.cg.abort(GapMoveUnresolvable, m.src.String())
		return
	}
	r.espDelta += int32(r.savedSize)
	r.removeMove(index)
}

// restoreValue 把环上保存的值写回目的位置
func (r *gapResolver) restoreValue() {
	a := r.cg.masm
	dst := r.savedDest
	switch r.savedSize {
	case runtime.PointerSize:
		r.espDelta -= runtime.PointerSize
		if dst.IsRegister() {
			a.Pop(r.cg.toRegister(dst))
		} else {
			// pop 的内存操作数在 esp 增加之后计算地址
			a.PopOp(r.operand(dst))
		}
	case runtime.DoubleSize:
		if dst.IsDoubleRegister() {
			a.MovsdLoad(r.cg.toDoubleRegister(dst), ia32.Mem(ia32.ESP, 0))
		} else {
			a.MovsdLoad(ia32.DoubleScratch, ia32.Mem(ia32.ESP, 0))
			a.MovsdStore(r.operand(dst), ia32.DoubleScratch)
		}
		a.AddOpImm(ia32.R(ia32.ESP), ia32.Imm(runtime.DoubleSize))
		r.espDelta -= runtime.DoubleSize
	case runtime.Simd128Size:
		if dst.IsSIMD128Register() {
			a.MovupsLoad(r.cg.toSIMD128Register(dst), ia32.Mem(ia32.ESP, 0))
		} else {
			a.MovupsLoad(ia32.DoubleScratch, ia32.Mem(ia32.ESP, 0))
			a.MovupsStore(r.operand(dst), ia32.DoubleScratch)
		}
		a.AddOpImm(ia32.R(ia32.ESP), ia32.Imm(runtime.Simd128Size))
		r.espDelta -= runtime.Simd128Size
	}
	r.inCycle = false
	r.savedSize = 0
}

// operand 解析栈槽操作数并补偿解析器自身的压栈
func (r *gapResolver) operand(op lir.Operand) ia32.Operand {
	o := r.cg.toOperand(op)
	if !o.IsReg() && o.Base() == ia32.ESP && r.espDelta != 0 {
		o = o.WithOffset(r.espDelta)
	}
	return o
}

// freeRegisterNot 返回一个不被读取、稍后会被覆盖的寄存器
func (r *gapResolver) freeRegisterNot(reg ia32.Register) (ia32.Register, bool) {
	skip := ia32.AllocationIndexOf(reg)
	for i := 0; i < ia32.NumAllocatableRegisters; i++ {
		if i != skip && r.sourceUses[i] == 0 && r.destinationUses[i] > 0 {
			return ia32.RegisterFromAllocationIndex(i), true
		}
	}
	return ia32.NoReg, false
}

// withScratch 在一个暂存寄存器可用的情况下执行 fn
func (r *gapResolver) withScratch(fn func(tmp ia32.Register)) {
	if tmp, ok := r.freeRegisterNot(ia32.NoReg); ok {
		fn(tmp)
		return
	}
	// 没有空闲寄存器：选一个不作为源的寄存器临时保存
	spill := ia32.EAX
	for i := 0; i < ia32.NumAllocatableRegisters; i++ {
		if r.sourceUses[i] == 0 {
			spill = ia32.RegisterFromAllocationIndex(i)
			break
		}
	}
	r.cg.masm.Push(spill)
	r.espDelta += runtime.PointerSize
	fn(spill)
	r.cg.masm.Pop(spill)
	r.espDelta -= runtime.PointerSize
}

func (r *gapResolver) emitMove(index int) {
	cg := r.cg
	a := cg.masm
	m := r.moves[index]
	src, dst := m.src, m.dst

	switch {
	case src.IsRegister():
		s := cg.toRegister(src)
		if dst.IsRegister() {
			a.MovRegReg(cg.toRegister(dst), s)
		} else {
			a.MovOpReg(r.operand(dst), s)
		}

	case src.IsStackSlot():
		if dst.IsRegister() {
			a.MovRegOp(cg.toRegister(dst), r.operand(src))
		} else {
			r.withScratch(func(tmp ia32.Register) {
				a.MovRegOp(tmp, r.operand(src))
				a.MovOpReg(r.operand(dst), tmp)
			})
		}

	case src.IsConstant():
		r.emitConstantMove(src, dst)

	case src.IsDoubleRegister():
		s := cg.toDoubleRegister(src)
		if dst.IsDoubleRegister() {
			a.Movaps(cg.toDoubleRegister(dst), s)
		} else {
			a.MovsdStore(r.operand(dst), s)
		}

	case src.IsDoubleStackSlot():
		if dst.IsDoubleRegister() {
			a.MovsdLoad(cg.toDoubleRegister(dst), r.operand(src))
		} else {
			a.MovsdLoad(ia32.DoubleScratch, r.operand(src))
			a.MovsdStore(r.operand(dst), ia32.DoubleScratch)
		}

	case src.IsSIMD128Register():
		s := cg.toSIMD128Register(src)
		if dst.IsSIMD128Register() {
			a.Movaps(cg.toSIMD128Register(dst), s)
		} else {
			a.MovupsStore(r.operand(dst), s)
		}

	case src.IsSIMD128StackSlot():
		if dst.IsSIMD128Register() {
			a.MovupsLoad(cg.toSIMD128Register(dst), r.operand(src))
		} else {
			a.MovupsLoad(ia32.DoubleScratch, r.operand(src))
			a.MovupsStore(r.operand(dst), ia32.DoubleScratch)
		}

	default:
		cg.abort(GapMoveUnresolvable, src.String()+" -> "+dst.String())
	}
	r.removeMove(index)
}

func (r *gapResolver) emitConstantMove(src, dst lir.Operand) {
	cg := r.cg
	a := cg.masm
	c := cg.constant(src)

	switch {
	case dst.IsRegister():
		reg := cg.toRegister(dst)
		imm := r.constantImmediate(src, c)
		if imm.Value == 0 && imm.RMode == ia32.RelocNone {
			a.Xor(reg, ia32.R(reg))
		} else {
			a.MovRegImm(reg, imm)
		}

	case dst.IsDoubleRegister():
		reg := cg.toDoubleRegister(dst)
		bits := math.Float64bits(c.DoubleValue())
		if bits == 0 {
			a.Xorps(reg, reg)
			return
		}
		a.PushImm(ia32.Imm(int32(uint32(bits >> 32))))
		a.PushImm(ia32.Imm(int32(uint32(bits))))
		a.MovsdLoad(reg, ia32.Mem(ia32.ESP, 0))
		a.AddOpImm(ia32.R(ia32.ESP), ia32.Imm(runtime.DoubleSize))

	case dst.IsDoubleStackSlot():
		bits := math.Float64bits(c.DoubleValue())
		a.MovOpImm(r.operand(dst), ia32.Imm(int32(uint32(bits))))
		a.MovOpImm(r.operand(dst).WithOffset(runtime.PointerSize), ia32.Imm(int32(uint32(bits>>32))))

	case dst.IsStackSlot():
		a.MovOpImm(r.operand(dst), r.constantImmediate(src, c))

	default:
		cg.abort(GapMoveUnresolvable, src.String()+" -> "+dst.String())
	}
}

// constantImmediate 整数常量移入带标记的位置时使用 Smi 形式
func (r *gapResolver) constantImmediate(src lir.Operand, c lir.Constant) ia32.Immediate {
	if c.Kind == lir.ConstDouble {
		// 带标记位置上的双精度常量必须能表示为 Smi
		return r.cg.toImmediate(src, lir.ReprTagged)
	}
	return r.cg.constantImmediate(src)
}
