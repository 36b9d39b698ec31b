// translation.go - 翻译命令的编码
//
// 翻译是环境链的紧凑编码：一个 Begin 命令，随后对链上每一帧从最外层开始
// 写一个帧命令，再按原顺序为帧中每个逻辑槽写一个存储命令。遇到待物化对象
// 时写 CapturedObject / ArgumentsObject 并紧跟它的全部字段。
//
// 每个命令是一个操作码加若干操作数，全部用 zig-zag 变长整数编码。
// 翻译只在同一次构建内使用，因此格式本身不带版本。

package deopt

import (
	"encoding/binary"
	"fmt"
)

// Opcode 翻译命令
type Opcode int32

const (
	OpBegin Opcode = iota
	OpJSFrame
	OpConstructStubFrame
	OpGetterStubFrame
	OpSetterStubFrame
	OpArgumentsAdaptorFrame
	OpCompiledStubFrame
	OpDuplicatedObject
	OpArgumentsObject
	OpCapturedObject
	OpRegister
	OpInt32Register
	OpUint32Register
	OpDoubleRegister
	OpFloat32x4Register
	OpFloat64x2Register
	OpInt32x4Register
	OpStackSlot
	OpInt32StackSlot
	OpUint32StackSlot
	OpDoubleStackSlot
	OpFloat32x4StackSlot
	OpFloat64x2StackSlot
	OpInt32x4StackSlot
	OpLiteral
	numOpcodes
)

var opcodeInfo = [numOpcodes]struct {
	name     string
	operands int
}{
	OpBegin:                 {"BEGIN", 2},
	OpJSFrame:               {"JS_FRAME", 4},
	OpConstructStubFrame:    {"CONSTRUCT_STUB_FRAME", 4},
	OpGetterStubFrame:       {"GETTER_STUB_FRAME", 4},
	OpSetterStubFrame:       {"SETTER_STUB_FRAME", 4},
	OpArgumentsAdaptorFrame: {"ARGUMENTS_ADAPTOR_FRAME", 4},
	OpCompiledStubFrame:     {"COMPILED_STUB_FRAME", 4},
	OpDuplicatedObject:      {"DUPLICATED_OBJECT", 1},
	OpArgumentsObject:       {"ARGUMENTS_OBJECT", 1},
	OpCapturedObject:        {"CAPTURED_OBJECT", 1},
	OpRegister:              {"REGISTER", 1},
	OpInt32Register:         {"INT32_REGISTER", 1},
	OpUint32Register:        {"UINT32_REGISTER", 1},
	OpDoubleRegister:        {"DOUBLE_REGISTER", 1},
	OpFloat32x4Register:     {"FLOAT32x4_REGISTER", 1},
	OpFloat64x2Register:     {"FLOAT64x2_REGISTER", 1},
	OpInt32x4Register:       {"INT32x4_REGISTER", 1},
	OpStackSlot:             {"STACK_SLOT", 1},
	OpInt32StackSlot:        {"INT32_STACK_SLOT", 1},
	OpUint32StackSlot:       {"UINT32_STACK_SLOT", 1},
	OpDoubleStackSlot:       {"DOUBLE_STACK_SLOT", 1},
	OpFloat32x4StackSlot:    {"FLOAT32x4_STACK_SLOT", 1},
	OpFloat64x2StackSlot:    {"FLOAT64x2_STACK_SLOT", 1},
	OpInt32x4StackSlot:      {"INT32x4_STACK_SLOT", 1},
	OpLiteral:               {"LITERAL", 1},
}

// String 返回命令名
func (op Opcode) String() string {
	if op >= 0 && op < numOpcodes {
		return opcodeInfo[op].name
	}
	return fmt.Sprintf("OPCODE(%d)", int32(op))
}

// NumberOfOperands 返回命令的操作数个数
func (op Opcode) NumberOfOperands() int {
	if op >= 0 && op < numOpcodes {
		return opcodeInfo[op].operands
	}
	return -1
}

// IsFrame 是否是帧命令
func (op Opcode) IsFrame() bool {
	return op >= OpJSFrame && op <= OpCompiledStubFrame
}

// IsObject 是否是对象命令
func (op Opcode) IsObject() bool {
	return op == OpCapturedObject || op == OpArgumentsObject || op == OpDuplicatedObject
}

// ============================================================================
// 缓冲区
// ============================================================================

// Buffer 翻译字节缓冲区，一个编译单元共享一个
type Buffer struct {
	data []byte
}

// Add 追加一个有符号整数
func (b *Buffer) Add(v int32) {
	b.data = binary.AppendVarint(b.data, int64(v))
}

// Len 当前长度，也是下一条翻译的索引
func (b *Buffer) Len() int { return len(b.data) }

// Bytes 返回编码结果
func (b *Buffer) Bytes() []byte {
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// ============================================================================
// 翻译构建器
// ============================================================================

// Translation 一条翻译的构建器
type Translation struct {
	buf   *Buffer
	index int
}

// NewTranslation 在缓冲区中开始一条新翻译
func NewTranslation(buf *Buffer, frameCount, jsFrameCount int) *Translation {
	t := &Translation{buf: buf, index: buf.Len()}
	t.emit(OpBegin, int32(frameCount), int32(jsFrameCount))
	return t
}

// Index 翻译在缓冲区中的起始偏移
func (t *Translation) Index() int { return t.index }

func (t *Translation) emit(op Opcode, operands ...int32) {
	t.buf.Add(int32(op))
	for _, v := range operands {
		t.buf.Add(v)
	}
}

// BeginFrame 写入一个帧命令
func (t *Translation) BeginFrame(kind Opcode, astID, literalID, parameterCount, height int) {
	if !kind.IsFrame() {
		panic(fmt.Sprintf("deopt: %s is not a frame command", kind))
	}
	t.emit(kind, int32(astID), int32(literalID), int32(parameterCount), int32(height))
}

// BeginJSFrame 开始 JS 函数帧
func (t *Translation) BeginJSFrame(astID, literalID, parameterCount, height int) {
	t.BeginFrame(OpJSFrame, astID, literalID, parameterCount, height)
}

// BeginCapturedObject 开始一个逃逸分析捕获的对象
func (t *Translation) BeginCapturedObject(length int) {
	t.emit(OpCapturedObject, int32(length))
}

// BeginArgumentsObject 开始一个 arguments 对象
func (t *Translation) BeginArgumentsObject(length int) {
	t.emit(OpArgumentsObject, int32(length))
}

// DuplicateObject 引用先前已写出的对象
func (t *Translation) DuplicateObject(objectIndex int) {
	t.emit(OpDuplicatedObject, int32(objectIndex))
}

// Store 写入一个存储命令
func (t *Translation) Store(kind Opcode, index int) {
	if kind < OpRegister || kind > OpLiteral {
		panic(fmt.Sprintf("deopt: %s is not a store command", kind))
	}
	t.emit(kind, int32(index))
}

// StoreRegister 带标记的寄存器
func (t *Translation) StoreRegister(reg int) { t.Store(OpRegister, reg) }

// StoreInt32Register int32 寄存器
func (t *Translation) StoreInt32Register(reg int) { t.Store(OpInt32Register, reg) }

// StoreUint32Register uint32 寄存器
func (t *Translation) StoreUint32Register(reg int) { t.Store(OpUint32Register, reg) }

// StoreDoubleRegister 双精度寄存器
func (t *Translation) StoreDoubleRegister(reg int) { t.Store(OpDoubleRegister, reg) }

// StoreStackSlot 带标记的栈槽
func (t *Translation) StoreStackSlot(index int) { t.Store(OpStackSlot, index) }

// StoreInt32StackSlot int32 栈槽
func (t *Translation) StoreInt32StackSlot(index int) { t.Store(OpInt32StackSlot, index) }

// StoreUint32StackSlot uint32 栈槽
func (t *Translation) StoreUint32StackSlot(index int) { t.Store(OpUint32StackSlot, index) }

// StoreDoubleStackSlot 双精度栈槽
func (t *Translation) StoreDoubleStackSlot(index int) { t.Store(OpDoubleStackSlot, index) }

// StoreLiteral 字面量池下标
func (t *Translation) StoreLiteral(id int) { t.Store(OpLiteral, id) }
