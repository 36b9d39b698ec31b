// safepoint.go - 安全点表构建器
//
// 每个可能触发 GC 的调用点登记一个安全点，记录此刻持有堆引用的栈槽和
// 寄存器。代码生成结束时把全部安全点序列化到代码尾部。
//
// 表格式（小端 32 位字）：
//
//	length        安全点个数
//	entry_size    每个位图的字节数
//	{pc, info}    length 项，按 pc 升序
//	bitmap        length 个位图，每个 entry_size 字节
//
// info 的低 24 位是反优化索引（全 1 表示无），接下来 7 位是压栈参数个数，
// 最高位表示该安全点保存了寄存器。位图的前 8 位对应通用寄存器，
// 之后第 8+i 位对应栈槽 i。

// Package safepoint 构建和解析安全点表。
package safepoint

import (
	"encoding/binary"

	"github.com/tangzhangming/lithium/internal/asm/ia32"
)

// Kind 安全点种类
type Kind uint8

const (
	// Simple 只记录栈槽，寄存器已按调用约定溢出
	Simple Kind = iota
	// WithRegisters 寄存器被压栈保存，寄存器中的指针同样记录
	WithRegisters
)

// DeoptMode 安全点是否可以触发惰性反优化
type DeoptMode uint8

const (
	NoLazyDeopt DeoptMode = iota
	LazyDeopt
)

const (
	// NoDeoptimizationIndex 没有关联反优化入口
	NoDeoptimizationIndex = 1<<24 - 1
	// NumSafepointRegisters 位图中寄存器部分的位数
	NumSafepointRegisters = 8
	// MaxArguments info 中可表示的最大参数个数
	MaxArguments = 1<<7 - 1

	deoptIndexMask   = 1<<24 - 1
	argumentsShift   = 24
	argumentsMask    = MaxArguments << argumentsShift
	hasRegistersFlag = 1 << 31
	headerSize       = 8
	entrySize        = 8
)

type info struct {
	pc         int
	arguments  int
	deoptIndex int
	registers  []ia32.Register
	slots      []int
	withRegs   bool
}

// Safepoint 正在定义的安全点，用来登记指针位置
type Safepoint struct {
	info *info
}

// DefinePointerSlot 登记一个持有指针的栈槽
func (s Safepoint) DefinePointerSlot(index int) {
	if index < 0 {
		panic("safepoint: parameter slots are not recorded")
	}
	s.info.slots = append(s.info.slots, index)
}

// DefinePointerRegister 登记一个持有指针的寄存器，只对 WithRegisters 有效
func (s Safepoint) DefinePointerRegister(r ia32.Register) {
	if !s.info.withRegs {
		return
	}
	s.info.registers = append(s.info.registers, r)
}

// Builder 安全点表构建器
type Builder struct {
	infos    []*info
	lastLazy int
	emitted  bool
	offset   int
}

// NewBuilder 创建构建器
func NewBuilder() *Builder {
	return &Builder{}
}

// DefineSafepoint 在 pc 处定义一个安全点
//
// NoLazyDeopt 的安全点同时推进“最后惰性安全点”位置，使之后的
// RecordLazyDeoptimizationIndex 不会改写它。
func (b *Builder) DefineSafepoint(pc int, kind Kind, arguments int, mode DeoptMode) Safepoint {
	if arguments < 0 || arguments > MaxArguments {
		panic("safepoint: argument count out of range")
	}
	if n := len(b.infos); n > 0 && b.infos[n-1].pc > pc {
		panic("safepoint: pc offsets must not decrease")
	}
	in := &info{
		pc:         pc,
		arguments:  arguments,
		deoptIndex: NoDeoptimizationIndex,
		withRegs:   kind == WithRegisters,
	}
	b.infos = append(b.infos, in)
	if mode == NoLazyDeopt {
		b.lastLazy = len(b.infos)
	}
	return Safepoint{info: in}
}

// RecordLazyDeoptimizationIndex 把反优化索引写入最近一批惰性安全点
func (b *Builder) RecordLazyDeoptimizationIndex(index int) {
	for ; b.lastLazy < len(b.infos); b.lastLazy++ {
		b.infos[b.lastLazy].deoptIndex = index
	}
}

// BumpLastLazySafepointIndex 跳过已有安全点，后续索引只作用于新安全点
func (b *Builder) BumpLastLazySafepointIndex() {
	b.lastLazy = len(b.infos)
}

// Len 已定义的安全点个数
func (b *Builder) Len() int { return len(b.infos) }

// Offset 表在代码中的偏移，Emit 之后有效
func (b *Builder) Offset() int {
	if !b.emitted {
		panic("safepoint: table not emitted")
	}
	return b.offset
}

// BytesPerEntry 位图字节数
func BytesPerEntry(slotCount int) int {
	return (NumSafepointRegisters + slotCount + 7) / 8
}

// Emit 把表写入汇编器，slotCount 是帧中的栈槽个数
func (b *Builder) Emit(a *ia32.Assembler, slotCount int) {
	a.Align(4)
	b.offset = a.PcOffset()
	a.DataBytes(b.encode(slotCount))
	b.emitted = true
}

func (b *Builder) encode(slotCount int) []byte {
	bytesPerEntry := BytesPerEntry(slotCount)
	out := make([]byte, 0, headerSize+len(b.infos)*(entrySize+bytesPerEntry))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(b.infos)))
	out = binary.LittleEndian.AppendUint32(out, uint32(bytesPerEntry))
	for _, in := range b.infos {
		out = binary.LittleEndian.AppendUint32(out, uint32(in.pc))
		out = binary.LittleEndian.AppendUint32(out, encodeInfo(in))
	}
	for _, in := range b.infos {
		bits := make([]byte, bytesPerEntry)
		for _, r := range in.registers {
			bits[0] |= 1 << uint(r)
		}
		for _, s := range in.slots {
			if s >= slotCount {
				panic("safepoint: slot index beyond frame")
			}
			i := NumSafepointRegisters + s
			bits[i>>3] |= 1 << uint(i&7)
		}
		out = append(out, bits...)
	}
	return out
}

func encodeInfo(in *info) uint32 {
	v := uint32(in.deoptIndex&deoptIndexMask) | uint32(in.arguments)<<argumentsShift
	if in.withRegs {
		v |= hasRegistersFlag
	}
	return v
}
