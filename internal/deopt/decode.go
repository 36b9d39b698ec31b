// decode.go - 翻译的解码
//
// 解码器把一条翻译还原为帧与槽的树：捕获对象的字段作为子槽，重复对象
// 保留对先前对象编号的引用。对象编号在每一帧内按出现顺序分配（重复对象
// 也占一个编号），与编码时环境中的对象下标一致。

package deopt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// ErrCorrupt 翻译字节流损坏
var ErrCorrupt = errors.New("deopt: corrupt translation")

// Iterator 翻译字节流的顺序读取器
type Iterator struct {
	data []byte
	pos  int
}

// NewIterator 从给定索引开始读取
func NewIterator(data []byte, index int) *Iterator {
	return &Iterator{data: data, pos: index}
}

// HasNext 是否还有数据
func (it *Iterator) HasNext() bool { return it.pos < len(it.data) }

// Next 读取一个整数
func (it *Iterator) Next() (int32, error) {
	if it.pos >= len(it.data) {
		return 0, fmt.Errorf("%w: truncated at %d", ErrCorrupt, it.pos)
	}
	v, n := binary.Varint(it.data[it.pos:])
	if n <= 0 {
		return 0, fmt.Errorf("%w: bad varint at %d", ErrCorrupt, it.pos)
	}
	it.pos += n
	return int32(v), nil
}

// Skip 跳过 n 个整数
func (it *Iterator) Skip(n int) error {
	for i := 0; i < n; i++ {
		if _, err := it.Next(); err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
// 解码结果
// ============================================================================

// Slot 解码后的一个值
type Slot struct {
	// Kind 存储命令或对象命令
	Kind Opcode
	// Index 寄存器号、槽号、字面量下标；对象命令为对象编号，
	// 重复对象为被引用对象的编号
	Index int
	// Fields 捕获对象或 arguments 对象的字段
	Fields []Slot
}

// Frame 解码后的一帧
type Frame struct {
	Kind           Opcode
	AstID          int
	LiteralID      int
	ParameterCount int
	Height         int
	Slots          []Slot

	objects []*Slot
}

// Object 按编号返回对象槽，重复对象解析到原始对象
func (f *Frame) Object(id int) *Slot {
	for id >= 0 && id < len(f.objects) {
		s := f.objects[id]
		if s.Kind != OpDuplicatedObject {
			return s
		}
		id = s.Index
	}
	return nil
}

// ObjectCount 帧中对象编号个数
func (f *Frame) ObjectCount() int { return len(f.objects) }

// Decode 解码从 index 开始的一条翻译
func Decode(data []byte, index int) ([]Frame, error) {
	it := NewIterator(data, index)
	op, err := it.Next()
	if err != nil {
		return nil, err
	}
	if Opcode(op) != OpBegin {
		return nil, fmt.Errorf("%w: expected BEGIN at %d, got %s", ErrCorrupt, index, Opcode(op))
	}
	frameCount, err := it.Next()
	if err != nil {
		return nil, err
	}
	if _, err := it.Next(); err != nil { // JS 帧个数
		return nil, err
	}
	if frameCount < 0 {
		return nil, fmt.Errorf("%w: negative frame count", ErrCorrupt)
	}
	frames := make([]Frame, 0, frameCount)
	for i := 0; i < int(frameCount); i++ {
		f, err := decodeFrame(it)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		frames = append(frames, f)
	}
	return frames, nil
}

func decodeFrame(it *Iterator) (Frame, error) {
	var f Frame
	op, err := it.Next()
	if err != nil {
		return f, err
	}
	f.Kind = Opcode(op)
	if !f.Kind.IsFrame() {
		return f, fmt.Errorf("%w: expected frame command, got %s", ErrCorrupt, f.Kind)
	}
	var header [4]int32
	for i := range header {
		if header[i], err = it.Next(); err != nil {
			return f, err
		}
	}
	f.AstID, f.LiteralID = int(header[0]), int(header[1])
	f.ParameterCount, f.Height = int(header[2]), int(header[3])
	count := f.ParameterCount + f.Height
	if count < 0 {
		return f, fmt.Errorf("%w: negative slot count", ErrCorrupt)
	}
	f.Slots = make([]Slot, 0, count)
	for i := 0; i < count; i++ {
		s, err := decodeSlot(it, &f)
		if err != nil {
			return f, err
		}
		f.Slots = append(f.Slots, s)
	}
	// objects 中的指针指向临时槽，按树重建以指向最终位置
	f.objects = f.objects[:0]
	var relink func(s *Slot)
	relink = func(s *Slot) {
		if s.Kind.IsObject() {
			f.objects = append(f.objects, s)
		}
		for i := range s.Fields {
			relink(&s.Fields[i])
		}
	}
	for i := range f.Slots {
		relink(&f.Slots[i])
	}
	return f, nil
}

// decodeSlot 读取一个值；对象命令递归读取其全部字段
func decodeSlot(it *Iterator, f *Frame) (Slot, error) {
	op, err := it.Next()
	if err != nil {
		return Slot{}, err
	}
	kind := Opcode(op)
	if kind < OpDuplicatedObject || kind > OpLiteral {
		return Slot{}, fmt.Errorf("%w: unexpected %s inside frame", ErrCorrupt, kind)
	}
	arg, err := it.Next()
	if err != nil {
		return Slot{}, err
	}
	switch kind {
	case OpDuplicatedObject:
		if arg < 0 || int(arg) >= len(f.objects) {
			return Slot{}, fmt.Errorf("%w: duplicate of unknown object %d", ErrCorrupt, arg)
		}
		s := Slot{Kind: kind, Index: int(arg)}
		f.objects = append(f.objects, &s)
		return s, nil
	case OpCapturedObject, OpArgumentsObject:
		if arg < 0 {
			return Slot{}, fmt.Errorf("%w: negative field count", ErrCorrupt)
		}
		s := Slot{Kind: kind, Index: len(f.objects)}
		f.objects = append(f.objects, &s)
		s.Fields = make([]Slot, 0, arg)
		for i := 0; i < int(arg); i++ {
			field, err := decodeSlot(it, f)
			if err != nil {
				return Slot{}, err
			}
			s.Fields = append(s.Fields, field)
		}
		return s, nil
	}
	return Slot{Kind: kind, Index: int(arg)}, nil
}

// ============================================================================
// 打印
// ============================================================================

// Format 以文本形式列出一条翻译的全部命令
func Format(data []byte, index int) (string, error) {
	var sb strings.Builder
	it := NewIterator(data, index)
	op, err := it.Next()
	if err != nil {
		return "", err
	}
	if Opcode(op) != OpBegin {
		return "", fmt.Errorf("%w: expected BEGIN", ErrCorrupt)
	}
	first := true
	for it.HasNext() {
		if !first {
			op, err = it.Next()
			if err != nil {
				return "", err
			}
			if Opcode(op) == OpBegin {
				break
			}
		}
		first = false
		code := Opcode(op)
		n := code.NumberOfOperands()
		if n < 0 {
			return "", fmt.Errorf("%w: unknown opcode %d", ErrCorrupt, op)
		}
		sb.WriteString(code.String())
		for i := 0; i < n; i++ {
			v, err := it.Next()
			if err != nil {
				return "", err
			}
			fmt.Fprintf(&sb, " %d", v)
		}
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}
