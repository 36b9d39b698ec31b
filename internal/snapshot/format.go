// Package snapshot 把生成的代码对象连同它们的元数据写成带版本的快照，
// 并把启动快照与若干上下文快照打包为一个 blob。
package snapshot

import (
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/blake2b"
)

// ============================================================================
// 快照格式定义
// ============================================================================

const (
	// MagicNumber 快照魔数 "LITH"
	MagicNumber uint32 = 0x4C495448

	// DefaultBuildID 默认构建标识，版本散列由它导出
	DefaultBuildID = "lithium-ia32"

	// DigestSize 负载摘要字节数
	DigestSize = blake2b.Size256

	// HeaderSize 头部：魔数、版本散列、预留数、负载长度、负载摘要
	HeaderSize = 4*4 + DigestSize

	// CodeAlignment 代码空间中代码对象的对齐
	CodeAlignment = 16
)

// 头部字段偏移
const (
	magicOffset           = 0
	versionHashOffset     = 4
	numReservationsOffset = 8
	payloadLengthOffset   = 12
	digestOffset          = 16
)

// 代码标志位
const (
	CodeFlagStub uint8 = 1 << 0 // 代码存根
)

var (
	// ErrVersionMismatch 快照由不同的构建生成，或者根本不是快照
	ErrVersionMismatch = errors.New("snapshot: version mismatch")
	// ErrChecksum 负载摘要不符
	ErrChecksum = errors.New("snapshot: checksum mismatch")
	// ErrTruncated 数据比头部声明的短
	ErrTruncated = errors.New("snapshot: truncated data")
)

// VersionHash 由构建标识导出版本散列
func VersionHash(buildID string) uint32 {
	sum := blake2b.Sum256([]byte(buildID))
	return binary.BigEndian.Uint32(sum[:4])
}

// ============================================================================
// 预留
// ============================================================================

// Reservation 反序列化前需要预留的一块空间
//
// 最高位标记某个空间的最后一块。
type Reservation uint32

const reservationLastBit Reservation = 1 << 31

// NewReservation 构造预留
func NewReservation(size uint32, last bool) Reservation {
	r := Reservation(size) &^ reservationLastBit
	if last {
		r |= reservationLastBit
	}
	return r
}

// ChunkSize 块大小
func (r Reservation) ChunkSize() uint32 { return uint32(r &^ reservationLastBit) }

// IsLast 是否是空间的最后一块
func (r Reservation) IsLast() bool { return r&reservationLastBit != 0 }

// ============================================================================
// 选项
// ============================================================================

type options struct {
	buildID string
}

// Option 序列化与反序列化选项
type Option func(*options)

// WithBuildID 指定构建标识
func WithBuildID(id string) Option {
	return func(o *options) { o.buildID = id }
}

func newOptions(opts []Option) options {
	o := options{buildID: DefaultBuildID}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
