// codespace.go - 代码空间
//
// Space 从操作系统按页申请内存，把代码对象复制进去、按装载地址完成
// 重定位后封为只读。代码在目标地址空间中的装载地址从 Base 开始按区域
// 连续分配，与宿主指针无关。
//
// 惰性反优化补丁是唯一允许的后续写入：PatchForLazyDeopt 临时解封所在
// 页面，在每个惰性反优化点写入 call rel32，再重新封为只读。

// Package codespace 管理安装生成代码的内存。
package codespace

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tangzhangming/lithium/internal/asm/ia32"
	"github.com/tangzhangming/lithium/internal/codegen"
	"github.com/tangzhangming/lithium/internal/deopt"
	"github.com/tangzhangming/lithium/internal/runtime"
)

const (
	// DefaultBase 第一个区域的装载地址
	DefaultBase runtime.Address = 0x08000000

	// DefaultRegionSize 每次向系统申请的字节数
	DefaultRegionSize = 256 << 10
)

var (
	// ErrEmptyCode 代码对象没有机器码
	ErrEmptyCode = errors.New("codespace: empty code object")
	// ErrPatchOverlap 相邻惰性反优化点之间放不下补丁
	ErrPatchOverlap = errors.New("codespace: lazy deopt patches overlap")
	// ErrFreed 空间已释放
	ErrFreed = errors.New("codespace: space freed")
)

// region 一次 mmap 得到的连续页面
type region struct {
	mem  []byte
	used int
	addr runtime.Address
}

func (r *region) available() int { return len(r.mem) - r.used }

// Space 代码空间
type Space struct {
	mu         sync.Mutex
	regions    []*region
	current    *region
	regionSize int
	pageSize   int
	next       runtime.Address
	freed      bool
	logger     *zap.Logger
}

// Option 代码空间选项
type Option func(*Space)

// WithBase 设置装载基址
func WithBase(addr runtime.Address) Option {
	return func(s *Space) { s.next = addr }
}

// WithRegionSize 设置区域大小
func WithRegionSize(n int) Option {
	return func(s *Space) { s.regionSize = n }
}

// WithLogger 设置日志
func WithLogger(l *zap.Logger) Option {
	return func(s *Space) { s.logger = l }
}

// New 创建代码空间
func New(opts ...Option) *Space {
	s := &Space{
		regionSize: DefaultRegionSize,
		pageSize:   pageSize(),
		next:       DefaultBase,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.regionSize = alignUp(s.regionSize, s.pageSize)
	return s
}

// PageSize 页面大小
func (s *Space) PageSize() int { return s.pageSize }

// Installed 已安装的代码
type Installed struct {
	Code *codegen.Code
	// Address 代码在目标地址空间中的起始地址
	Address runtime.Address
	mem     []byte
}

// Size 占用的字节数（按页对齐）
func (in *Installed) Size() int { return len(in.mem) }

// Bytes 返回已安装机器码的副本
func (in *Installed) Bytes() []byte {
	out := make([]byte, len(in.Code.Instructions))
	copy(out, in.mem)
	return out
}

// Contains 地址是否落在这段代码中
func (in *Installed) Contains(addr runtime.Address) bool {
	return addr >= in.Address && addr < in.Address+runtime.Address(len(in.Code.Instructions))
}

// Install 复制代码、完成重定位并封为只读
func (s *Space) Install(code *codegen.Code) (*Installed, error) {
	n := len(code.Instructions)
	if n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyCode, code.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.freed {
		return nil, ErrFreed
	}

	size := alignUp(n, s.pageSize)
	if s.current == nil || s.current.available() < size {
		if err := s.grow(size); err != nil {
			return nil, err
		}
	}
	r := s.current
	mem := r.mem[r.used : r.used+size]
	in := &Installed{Code: code, Address: r.addr + runtime.Address(r.used), mem: mem}
	r.used += size

	copy(mem, code.Instructions)
	relocate(mem, code.Relocations, in.Address)
	if err := protect(mem, readOnly); err != nil {
		return nil, fmt.Errorf("codespace: seal %s: %w", code.Name, err)
	}
	s.logger.Debug("code installed",
		zap.String("name", code.Name),
		zap.Uint32("address", uint32(in.Address)),
		zap.Int("size", n))
	return in, nil
}

// grow 申请新区域，至少能放下 size 字节
func (s *Space) grow(size int) error {
	n := s.regionSize
	if size > n {
		n = size
	}
	mem, err := allocPages(n)
	if err != nil {
		return fmt.Errorf("codespace: allocate %d bytes: %w", n, err)
	}
	r := &region{mem: mem, addr: s.next}
	s.next += runtime.Address(n)
	s.regions = append(s.regions, r)
	s.current = r
	return nil
}

// relocate 按装载地址修正 32 位字段
//
// 汇编器按基址 0 生成代码：pc 相对的外部调用减去基址，内部绝对引用加上基址。
func relocate(mem []byte, relocs []ia32.RelocInfo, base runtime.Address) {
	for _, r := range relocs {
		field := mem[r.Pc : r.Pc+4]
		v := binary.LittleEndian.Uint32(field)
		switch {
		case r.Mode.IsPCRelative():
			v -= uint32(base)
		case r.Mode == ia32.RelocInternalReference:
			v += uint32(base)
		default:
			continue
		}
		binary.LittleEndian.PutUint32(field, v)
	}
}

// PatchForLazyDeopt 在每个惰性反优化点写入对反优化入口的调用
//
// 返回写入的补丁个数。代码生成时的填充保证补丁互不重叠且不越过
// 安全点表；违反时返回 ErrPatchOverlap，代码保持原样。
func (s *Space) PatchForLazyDeopt(in *Installed, iso *runtime.Isolate) (int, error) {
	data := in.Code.DeoptData
	if data.DeoptCount() == 0 {
		return 0, nil
	}
	limit := in.Code.SafepointTableOffset
	if limit <= 0 {
		limit = len(in.Code.Instructions)
	}

	type patch struct {
		pc     int
		target runtime.Address
	}
	var patches []patch
	prev := -ia32.PatchSize
	for i, e := range data.Entries {
		if e.Pc == -1 {
			continue
		}
		if e.Pc < prev+ia32.PatchSize || e.Pc+ia32.PatchSize > limit {
			return 0, fmt.Errorf("%w: deopt %d at pc %d (previous %d, limit %d)", ErrPatchOverlap, i, e.Pc, prev, limit)
		}
		target, ok := deopt.EntryAddress(iso, i, deopt.Lazy)
		if !ok {
			return 0, fmt.Errorf("codespace: deopt %d has no lazy entry", i)
		}
		patches = append(patches, patch{pc: e.Pc, target: target})
		prev = e.Pc
	}
	if len(patches) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.freed {
		return 0, ErrFreed
	}
	if err := protect(in.mem, readWrite); err != nil {
		return 0, fmt.Errorf("codespace: unseal %s: %w", in.Code.Name, err)
	}
	for _, p := range patches {
		at := in.mem[p.pc : p.pc+ia32.PatchSize]
		at[0] = 0xE8
		rel := uint32(p.target) - (uint32(in.Address) + uint32(p.pc+ia32.PatchSize))
		binary.LittleEndian.PutUint32(at[1:], rel)
	}
	if err := protect(in.mem, readOnly); err != nil {
		return 0, fmt.Errorf("codespace: seal %s: %w", in.Code.Name, err)
	}
	s.logger.Debug("lazy deopt patched",
		zap.String("name", in.Code.Name),
		zap.Int("sites", len(patches)))
	return len(patches), nil
}

// Stats 返回已申请与已使用的字节数
func (s *Space) Stats() (totalSize, usedSize int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.regions {
		totalSize += len(r.mem)
		usedSize += r.used
	}
	return
}

// Free 释放全部区域，之前安装的代码不可再访问
func (s *Space) Free() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var lastErr error
	for _, r := range s.regions {
		if err := freePages(r.mem); err != nil {
			lastErr = err
		}
	}
	s.regions = nil
	s.current = nil
	s.freed = true
	return lastErr
}

func alignUp(n, align int) int {
	return (n + align - 1) / align * align
}
