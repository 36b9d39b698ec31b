package pipeline

import (
	"go.uber.org/atomic"
)

// Stats 编译统计，可被多个 CompileAll 调用共享
type Stats struct {
	compiled atomic.Int64
	aborted  atomic.Int64
	failed   atomic.Int64
	bytes    atomic.Int64
}

// Compiled 成功生成的单元数
func (s *Stats) Compiled() int64 { return s.compiled.Load() }

// Aborted 被代码生成器中止的单元数
func (s *Stats) Aborted() int64 { return s.aborted.Load() }

// Failed 因其他原因失败的单元数（空 Chunk、安装失败等）
func (s *Stats) Failed() int64 { return s.failed.Load() }

// Bytes 成功生成的机器码总字节数
func (s *Stats) Bytes() int64 { return s.bytes.Load() }

// Reset 清零
func (s *Stats) Reset() {
	s.compiled.Store(0)
	s.aborted.Store(0)
	s.failed.Store(0)
	s.bytes.Store(0)
}
