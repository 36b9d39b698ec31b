// table.go - 安全点表解析

package safepoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/tangzhangming/lithium/internal/asm/ia32"
)

// ErrCorrupt 表数据损坏
var ErrCorrupt = errors.New("safepoint: corrupt table")

// Entry 解析后的一个安全点
type Entry struct {
	Pc         int
	DeoptIndex int
	Arguments  int
	// HasRegisters 该点保存了寄存器，Registers 有意义
	HasRegisters bool
	Registers    []ia32.Register
	Slots        []int
}

// HasDeoptimizationIndex 关联了反优化入口
func (e *Entry) HasDeoptimizationIndex() bool {
	return e.DeoptIndex != NoDeoptimizationIndex
}

// HasSlot 栈槽 i 持有指针
func (e *Entry) HasSlot(i int) bool {
	for _, s := range e.Slots {
		if s == i {
			return true
		}
	}
	return false
}

// HasRegister 寄存器 r 持有指针
func (e *Entry) HasRegister(r ia32.Register) bool {
	for _, reg := range e.Registers {
		if reg == r {
			return true
		}
	}
	return false
}

// Table 解析后的安全点表
type Table struct {
	BytesPerEntry int
	Entries       []Entry
}

// Parse 从代码中 offset 处解析表
func Parse(code []byte, offset int) (*Table, error) {
	if offset < 0 || offset+headerSize > len(code) {
		return nil, fmt.Errorf("header at %d: %w", offset, ErrCorrupt)
	}
	data := code[offset:]
	length := int(binary.LittleEndian.Uint32(data))
	bytesPerEntry := int(binary.LittleEndian.Uint32(data[4:]))
	if bytesPerEntry*8 < NumSafepointRegisters {
		return nil, fmt.Errorf("entry size %d: %w", bytesPerEntry, ErrCorrupt)
	}
	need := headerSize + length*(entrySize+bytesPerEntry)
	if length < 0 || need > len(data) {
		return nil, fmt.Errorf("%d entries need %d bytes, have %d: %w", length, need, len(data), ErrCorrupt)
	}

	t := &Table{BytesPerEntry: bytesPerEntry, Entries: make([]Entry, length)}
	bitmaps := data[headerSize+length*entrySize:]
	for i := 0; i < length; i++ {
		p := headerSize + i*entrySize
		pc := int(binary.LittleEndian.Uint32(data[p:]))
		v := binary.LittleEndian.Uint32(data[p+4:])
		e := Entry{
			Pc:           pc,
			DeoptIndex:   int(v & deoptIndexMask),
			Arguments:    int(v&argumentsMask) >> argumentsShift,
			HasRegisters: v&hasRegistersFlag != 0,
		}
		if i > 0 && pc < t.Entries[i-1].Pc {
			return nil, fmt.Errorf("entry %d out of order: %w", i, ErrCorrupt)
		}
		bits := bitmaps[i*bytesPerEntry : (i+1)*bytesPerEntry]
		for r := 0; r < NumSafepointRegisters; r++ {
			if bits[0]&(1<<uint(r)) != 0 {
				if !e.HasRegisters {
					return nil, fmt.Errorf("entry %d has register bits without registers: %w", i, ErrCorrupt)
				}
				e.Registers = append(e.Registers, ia32.Register(r))
			}
		}
		for b := NumSafepointRegisters; b < bytesPerEntry*8; b++ {
			if bits[b>>3]&(1<<uint(b&7)) != 0 {
				e.Slots = append(e.Slots, b-NumSafepointRegisters)
			}
		}
		t.Entries[i] = e
	}
	return t, nil
}

// FindEntry 查找 pc 处的安全点
func (t *Table) FindEntry(pc int) (*Entry, bool) {
	i := sort.Search(len(t.Entries), func(i int) bool { return t.Entries[i].Pc >= pc })
	if i < len(t.Entries) && t.Entries[i].Pc == pc {
		return &t.Entries[i], true
	}
	return nil, false
}

// Len 安全点个数
func (t *Table) Len() int { return len(t.Entries) }
