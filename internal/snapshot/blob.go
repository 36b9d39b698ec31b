// blob.go - 启动快照与上下文快照的打包
//
// blob 布局（大端 u32）：
//
//	0                   代码空间首页大小
//	4                   上下文个数 n
//	8 + 4*i             第 i 个上下文快照的偏移
//	8 + 4*n             启动快照
//	...                 上下文快照依次排列
//
// 每段都是一份完整的快照数据，各自带版本散列与摘要。

package snapshot

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// 代码空间页面参数
const (
	PageSize        = 1 << 20
	PageObjectStart = 0x100
	PageAreaSize    = PageSize - PageObjectStart

	// codeSpaceAllowance 为小脚本额外预留的代码空间
	codeSpaceAllowance = 32 << 10
)

const (
	firstPageSizeOffset      = 0
	numberOfContextsOffset   = 4
	firstContextOffsetOffset = 8
)

func startupOffset(numContexts int) int {
	return firstContextOffsetOffset + 4*numContexts
}

func contextOffsetOffset(i int) int {
	return firstContextOffsetOffset + 4*i
}

// CreateBlob 把启动快照和上下文快照打包为一个 blob
func CreateBlob(startup []byte, contexts [][]byte, opts ...Option) ([]byte, error) {
	startupData, err := ReadData(startup, opts...)
	if err != nil {
		return nil, fmt.Errorf("startup snapshot: %w", err)
	}
	var contextRequirement uint32
	for i, c := range contexts {
		d, err := ReadData(c, opts...)
		if err != nil {
			return nil, fmt.Errorf("context snapshot %d: %w", i, err)
		}
		contextRequirement = maxRequirement(contextRequirement, d.Reservations)
	}
	startupRequirement := maxRequirement(0, startupData.Reservations)

	// 首页放得下启动快照和两个上下文时就不必分配整页
	required := startupRequirement + 2*contextRequirement + PageObjectStart + codeSpaceAllowance
	if required > PageAreaSize {
		required = PageAreaSize
	}

	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, required)
	binary.Write(buf, binary.BigEndian, uint32(len(contexts)))
	offset := startupOffset(len(contexts)) + len(startup)
	for _, c := range contexts {
		binary.Write(buf, binary.BigEndian, uint32(offset))
		offset += len(c)
	}
	buf.Write(startup)
	for _, c := range contexts {
		buf.Write(c)
	}
	return buf.Bytes(), nil
}

// maxRequirement 按空间累加预留块，取每个空间的最大值
func maxRequirement(current uint32, reservations []Reservation) uint32 {
	var sum uint32
	for _, r := range reservations {
		sum += r.ChunkSize()
		if r.IsLast() {
			if sum > current {
				current = sum
			}
			sum = 0
		}
	}
	return current
}

// NumContexts 返回 blob 中上下文快照的个数
func NumContexts(blob []byte) (int, error) {
	if len(blob) < firstContextOffsetOffset {
		return 0, fmt.Errorf("%w: blob header", ErrTruncated)
	}
	n := int(binary.BigEndian.Uint32(blob[numberOfContextsOffset:]))
	if n < 0 || startupOffset(n) > len(blob) {
		return 0, fmt.Errorf("%w: %d context offsets", ErrTruncated, n)
	}
	return n, nil
}

// FirstPageSize 返回代码空间首页的大小
func FirstPageSize(blob []byte) (uint32, error) {
	if len(blob) < firstContextOffsetOffset {
		return 0, fmt.Errorf("%w: blob header", ErrTruncated)
	}
	return binary.BigEndian.Uint32(blob[firstPageSizeOffset:]), nil
}

// ExtractStartup 返回启动快照
func ExtractStartup(blob []byte) ([]byte, error) {
	n, err := NumContexts(blob)
	if err != nil {
		return nil, err
	}
	end := len(blob)
	if n > 0 {
		if end, err = contextOffset(blob, 0); err != nil {
			return nil, err
		}
	}
	start := startupOffset(n)
	if end < start {
		return nil, fmt.Errorf("%w: startup snapshot ends before it starts", ErrTruncated)
	}
	return blob[start:end], nil
}

// ExtractContext 返回第 i 个上下文快照
func ExtractContext(blob []byte, i int) ([]byte, error) {
	n, err := NumContexts(blob)
	if err != nil {
		return nil, err
	}
	if i < 0 || i >= n {
		return nil, fmt.Errorf("snapshot: context %d out of range (%d contexts)", i, n)
	}
	start, err := contextOffset(blob, i)
	if err != nil {
		return nil, err
	}
	end := len(blob)
	if i < n-1 {
		if end, err = contextOffset(blob, i+1); err != nil {
			return nil, err
		}
	}
	if end < start {
		return nil, fmt.Errorf("%w: context %d ends before it starts", ErrTruncated, i)
	}
	return blob[start:end], nil
}

func contextOffset(blob []byte, i int) (int, error) {
	off := int(binary.BigEndian.Uint32(blob[contextOffsetOffset(i):]))
	if off > len(blob) {
		return 0, fmt.Errorf("%w: context %d at %d past end %d", ErrTruncated, i, off, len(blob))
	}
	return off, nil
}
