// memory.go - 稀疏分页内存
//
// 32 位地址空间按 4KB 分页，只有写过的页才分配。读取未分配的页得到 0，
// 零页（低 64KB）的任何访问都视为空指针错误。

package sim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	pageBits = 12
	pageSize = 1 << pageBits
	pageMask = pageSize - 1

	// nullRegionEnd 低于此地址的访问报告为空指针错误
	nullRegionEnd = 0x10000
)

// ErrFault 非法内存访问
var ErrFault = errors.New("sim: memory fault")

// Memory 稀疏分页内存
type Memory struct {
	pages map[uint32]*[pageSize]byte
}

// NewMemory 创建空内存
func NewMemory() *Memory {
	return &Memory{pages: make(map[uint32]*[pageSize]byte)}
}

func checkAddr(addr uint32, n int) error {
	if addr < nullRegionEnd || uint64(addr)+uint64(n) > math.MaxUint32+1 {
		return fmt.Errorf("%w: %d bytes at 0x%08x", ErrFault, n, addr)
	}
	return nil
}

func (m *Memory) page(addr uint32, create bool) *[pageSize]byte {
	p := m.pages[addr>>pageBits]
	if p == nil && create {
		p = new([pageSize]byte)
		m.pages[addr>>pageBits] = p
	}
	return p
}

// Read 读取 n 字节
func (m *Memory) Read(addr uint32, n int) ([]byte, error) {
	if err := checkAddr(addr, n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	for i := 0; i < n; {
		a := addr + uint32(i)
		chunk := pageSize - int(a&pageMask)
		if chunk > n-i {
			chunk = n - i
		}
		if p := m.page(a, false); p != nil {
			copy(out[i:i+chunk], p[a&pageMask:])
		}
		i += chunk
	}
	return out, nil
}

// Write 写入字节
func (m *Memory) Write(addr uint32, b []byte) error {
	if err := checkAddr(addr, len(b)); err != nil {
		return err
	}
	for i := 0; i < len(b); {
		a := addr + uint32(i)
		p := m.page(a, true)
		i += copy(p[a&pageMask:], b[i:])
	}
	return nil
}

// Read8 读取一个字节
func (m *Memory) Read8(addr uint32) (uint8, error) {
	b, err := m.Read(addr, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Read16 读取 16 位小端整数
func (m *Memory) Read16(addr uint32) (uint16, error) {
	b, err := m.Read(addr, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// Read32 读取 32 位小端整数
func (m *Memory) Read32(addr uint32) (uint32, error) {
	b, err := m.Read(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Read64 读取 64 位小端整数
func (m *Memory) Read64(addr uint32) (uint64, error) {
	b, err := m.Read(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Write8 写入一个字节
func (m *Memory) Write8(addr uint32, v uint8) error {
	return m.Write(addr, []byte{v})
}

// Write16 写入 16 位小端整数
func (m *Memory) Write16(addr uint32, v uint16) error {
	return m.Write(addr, binary.LittleEndian.AppendUint16(nil, v))
}

// Write32 写入 32 位小端整数
func (m *Memory) Write32(addr uint32, v uint32) error {
	return m.Write(addr, binary.LittleEndian.AppendUint32(nil, v))
}

// Write64 写入 64 位小端整数
func (m *Memory) Write64(addr uint32, v uint64) error {
	return m.Write(addr, binary.LittleEndian.AppendUint64(nil, v))
}
