package snapshot

import (
	"encoding/binary"
	"fmt"

	"github.com/segmentio/encoding/json"

	"github.com/tangzhangming/lithium/internal/codegen"
)

// Deserializer 代码快照反序列化器
type Deserializer struct {
	data       []byte
	pos        int
	stringPool []string
	opts       options
}

// NewDeserializer 创建反序列化器
func NewDeserializer(opts ...Option) *Deserializer {
	return &Deserializer{opts: newOptions(opts)}
}

// Deserialize 反序列化快照数据
func Deserialize(raw []byte, opts ...Option) ([]*codegen.Code, error) {
	return NewDeserializer(opts...).Deserialize(raw)
}

// Deserialize 校验快照并还原代码对象
//
// 还原的代码对象不带指令清单，只能安装执行，不能反汇编或模拟。
func (d *Deserializer) Deserialize(raw []byte) ([]*codegen.Code, error) {
	data, err := ReadData(raw, WithBuildID(d.opts.buildID))
	if err != nil {
		return nil, err
	}
	d.data, d.pos = data.Payload, 0

	if err := d.readStringPool(); err != nil {
		return nil, err
	}
	codes, err := d.readCodes()
	if err != nil {
		return nil, err
	}
	if len(data.Reservations) < len(codes) {
		return nil, fmt.Errorf("%w: %d reservations for %d code objects", ErrTruncated, len(data.Reservations), len(codes))
	}
	if err := d.readManifest(codes); err != nil {
		return nil, err
	}
	return codes, nil
}

// readStringPool 读取字符串池
func (d *Deserializer) readStringPool() error {
	count, err := d.readU32()
	if err != nil {
		return err
	}
	if int(count) > len(d.data)/4 {
		return fmt.Errorf("%w: string pool of %d entries", ErrTruncated, count)
	}
	d.stringPool = make([]string, count)
	for i := range d.stringPool {
		b, err := d.readBytes()
		if err != nil {
			return err
		}
		d.stringPool[i] = string(b)
	}
	return nil
}

// readCodes 读取代码段
func (d *Deserializer) readCodes() ([]*codegen.Code, error) {
	count, err := d.readU32()
	if err != nil {
		return nil, err
	}
	if int(count) > len(d.data) {
		return nil, fmt.Errorf("%w: %d code objects", ErrTruncated, count)
	}
	codes := make([]*codegen.Code, 0, count)
	for i := uint32(0); i < count; i++ {
		nameIdx, err := d.readU32()
		if err != nil {
			return nil, err
		}
		if int(nameIdx) >= len(d.stringPool) {
			return nil, fmt.Errorf("snapshot: code %d: name index %d out of range", i, nameIdx)
		}
		flags, err := d.readU8()
		if err != nil {
			return nil, err
		}
		slots, err := d.readU32()
		if err != nil {
			return nil, err
		}
		safepoints, err := d.readU32()
		if err != nil {
			return nil, err
		}
		instr, err := d.readBytes()
		if err != nil {
			return nil, err
		}
		codes = append(codes, &codegen.Code{
			Name:                 d.stringPool[nameIdx],
			IsStub:               flags&CodeFlagStub != 0,
			Instructions:         append([]byte(nil), instr...),
			StackSlots:           int(slots),
			SafepointTableOffset: int(safepoints),
		})
	}
	return codes, nil
}

// readManifest 读取元数据清单并挂到代码对象上
func (d *Deserializer) readManifest(codes []*codegen.Code) error {
	raw, err := d.readBytes()
	if err != nil {
		return err
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("snapshot: manifest: %w", err)
	}
	if len(m.Codes) != len(codes) {
		return fmt.Errorf("snapshot: manifest describes %d code objects, payload has %d", len(m.Codes), len(codes))
	}
	for i, meta := range m.Codes {
		c := codes[i]
		c.Relocations = meta.Relocations
		c.NoFrameRanges = meta.NoFrameRanges
		c.DeoptData = meta.DeoptData
		for _, s := range meta.DeoptSites {
			c.DeoptSites = append(c.DeoptSites, codegen.DeoptSite{
				Pc:          s.Pc,
				ID:          s.ID,
				Reason:      s.Reason,
				BailoutType: s.Bailout,
			})
		}
	}
	return nil
}

func (d *Deserializer) readU8() (uint8, error) {
	if d.pos >= len(d.data) {
		return 0, fmt.Errorf("%w: payload ends at %d", ErrTruncated, d.pos)
	}
	val := d.data[d.pos]
	d.pos++
	return val, nil
}

func (d *Deserializer) readU32() (uint32, error) {
	if d.pos+4 > len(d.data) {
		return 0, fmt.Errorf("%w: payload ends at %d", ErrTruncated, d.pos)
	}
	val := binary.BigEndian.Uint32(d.data[d.pos:])
	d.pos += 4
	return val, nil
}

// readBytes 读取 u32 长度前缀的字节串
func (d *Deserializer) readBytes() ([]byte, error) {
	n, err := d.readU32()
	if err != nil {
		return nil, err
	}
	if uint64(d.pos)+uint64(n) > uint64(len(d.data)) {
		return nil, fmt.Errorf("%w: %d bytes at %d", ErrTruncated, n, d.pos)
	}
	b := d.data[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return b, nil
}
