package snapshot

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/segmentio/encoding/json"

	"github.com/tangzhangming/lithium/internal/asm/ia32"
	"github.com/tangzhangming/lithium/internal/codegen"
	"github.com/tangzhangming/lithium/internal/deopt"
)

// 负载布局：
//
//	字符串池   u32 个数，每项 u32 长度 + 字节
//	代码段     u32 个数，每项 名字下标、标志、栈槽数、安全点表偏移、机器码
//	元数据清单 u32 长度 + JSON
//
// 机器码原样保存，重定位与反优化数据在清单中。

// codeMeta 清单中一个代码对象的元数据
type codeMeta struct {
	Relocations   []ia32.RelocInfo       `json:"relocations,omitempty"`
	NoFrameRanges []codegen.NoFrameRange `json:"no_frame_ranges,omitempty"`
	DeoptSites    []siteMeta             `json:"deopt_sites,omitempty"`
	DeoptData     *deopt.InputData       `json:"deopt_data,omitempty"`
}

type siteMeta struct {
	Pc      int               `json:"pc"`
	ID      int               `json:"id"`
	Reason  deopt.Reason      `json:"reason"`
	Bailout deopt.BailoutType `json:"bailout"`
}

type manifest struct {
	BuildID string     `json:"build_id"`
	Codes   []codeMeta `json:"codes"`
}

// Serializer 代码快照序列化器
type Serializer struct {
	buf         *bytes.Buffer
	stringPool  []string
	stringIndex map[string]uint32
	opts        options
}

// NewSerializer 创建序列化器
func NewSerializer(opts ...Option) *Serializer {
	return &Serializer{
		buf:         new(bytes.Buffer),
		stringIndex: make(map[string]uint32),
		opts:        newOptions(opts),
	}
}

// Serialize 序列化一组代码对象
func Serialize(codes []*codegen.Code, opts ...Option) ([]byte, error) {
	return NewSerializer(opts...).Serialize(codes)
}

// Serialize 序列化一组代码对象，返回完整的快照数据
func (s *Serializer) Serialize(codes []*codegen.Code) ([]byte, error) {
	for _, c := range codes {
		if c == nil {
			return nil, fmt.Errorf("snapshot: nil code object")
		}
		s.addString(c.Name)
	}

	s.buf.Reset()
	s.buf.Write(s.serializeStringPool())
	reservations := s.writeCodes(codes)
	if err := s.writeManifest(codes); err != nil {
		return nil, fmt.Errorf("snapshot: manifest: %w", err)
	}
	return NewData(VersionHash(s.opts.buildID), reservations, s.buf.Bytes()), nil
}

// addString 添加字符串到池，返回索引
func (s *Serializer) addString(str string) uint32 {
	if idx, ok := s.stringIndex[str]; ok {
		return idx
	}
	idx := uint32(len(s.stringPool))
	s.stringPool = append(s.stringPool, str)
	s.stringIndex[str] = idx
	return idx
}

// serializeStringPool 序列化字符串池
func (s *Serializer) serializeStringPool() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, uint32(len(s.stringPool)))
	for _, str := range s.stringPool {
		binary.Write(buf, binary.BigEndian, uint32(len(str)))
		buf.WriteString(str)
	}
	return buf.Bytes()
}

// writeCodes 写入代码段，返回代码空间的预留
func (s *Serializer) writeCodes(codes []*codegen.Code) []Reservation {
	binary.Write(s.buf, binary.BigEndian, uint32(len(codes)))
	reservations := make([]Reservation, 0, len(codes)+1)
	for i, c := range codes {
		var flags uint8
		if c.IsStub {
			flags |= CodeFlagStub
		}
		binary.Write(s.buf, binary.BigEndian, s.stringIndex[c.Name])
		s.buf.WriteByte(flags)
		binary.Write(s.buf, binary.BigEndian, uint32(c.StackSlots))
		binary.Write(s.buf, binary.BigEndian, uint32(c.SafepointTableOffset))
		binary.Write(s.buf, binary.BigEndian, uint32(len(c.Instructions)))
		s.buf.Write(c.Instructions)

		size := uint32(alignUp(len(c.Instructions), CodeAlignment))
		reservations = append(reservations, NewReservation(size, i == len(codes)-1))
	}
	if len(codes) == 0 {
		reservations = append(reservations, NewReservation(0, true))
	}
	return reservations
}

// writeManifest 写入元数据清单
func (s *Serializer) writeManifest(codes []*codegen.Code) error {
	m := manifest{BuildID: s.opts.buildID, Codes: make([]codeMeta, len(codes))}
	for i, c := range codes {
		meta := codeMeta{
			Relocations:   c.Relocations,
			NoFrameRanges: c.NoFrameRanges,
			DeoptData:     c.DeoptData,
		}
		for _, site := range c.DeoptSites {
			meta.DeoptSites = append(meta.DeoptSites, siteMeta{
				Pc:      site.Pc,
				ID:      site.ID,
				Reason:  site.Reason,
				Bailout: site.BailoutType,
			})
		}
		m.Codes[i] = meta
	}
	data, err := json.Marshal(&m)
	if err != nil {
		return err
	}
	binary.Write(s.buf, binary.BigEndian, uint32(len(data)))
	s.buf.Write(data)
	return nil
}
