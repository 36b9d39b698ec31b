// layout.go - 对象与堆布局常量
//
// 优化编译器后端只通过这些常量理解对象模型：字段偏移、标记方案、
// 空洞 NaN 的位模式以及页标志。所有偏移都是未加标记的字节偏移，
// 访问堆对象字段时需要减去 HeapObjectTag。

// Package runtime 描述代码生成器所消费的运行时契约。
//
// 对象模型、垃圾回收器和运行时调用分发都在本模块之外实现，
// 这里只保留编译期需要的只读视图：布局常量、根对象表、外部引用、
// 运行时函数与内建代码的入口地址，以及反优化入口表的位置。
package runtime

// Address 目标机器上的 32 位地址
type Address uint32

// ============================================================================
// 字长与标记
// ============================================================================

const (
	PointerSize  = 4
	Int32Size    = 4
	DoubleSize   = 8
	Simd128Size  = 16
	PointerShift = 2

	// Smi 为 31 位整数左移一位，最低位为 0
	SmiTag       = 0
	SmiTagSize   = 1
	SmiTagMask   = 1
	SmiShiftSize = 0
	SmiMinValue  = -(1 << 30)
	SmiMaxValue  = 1<<30 - 1

	// 堆对象指针最低位为 1
	HeapObjectTag     = 1
	HeapObjectTagMask = 3

	// 空洞 NaN：高低 32 位相同，不会由任何算术运算产生
	HoleNanUpper32 uint32 = 0xFFF7FFFF
	HoleNanLower32 uint32 = 0xFFF7FFFF
	HoleNanInt64   uint64 = uint64(HoleNanUpper32)<<32 | uint64(HoleNanLower32)

	// 双精度数的指数与符号位
	DoubleSignMask   uint64 = 1 << 63
	DoubleExponentOf uint32 = 0x7FF00000
)

// IsValidSmi 检查整数是否可以表示为 Smi
func IsValidSmi(v int64) bool {
	return v >= SmiMinValue && v <= SmiMaxValue
}

// SmiFromInt 将整数编码为 Smi 字
func SmiFromInt(v int32) uint32 {
	return uint32(v) << SmiTagSize
}

// ============================================================================
// 对象布局
// ============================================================================

const (
	HeapObjectMapOffset = 0

	HeapNumberValueOffset = 4
	HeapNumberSize        = 12

	// 128 位 SIMD 装箱对象：map + 16 字节负载
	Simd128ValueOffset = 4
	Simd128ObjectSize  = 20

	FixedArrayLengthOffset = 4
	FixedArrayHeaderSize   = 8

	JSObjectPropertiesOffset = 4
	JSObjectElementsOffset   = 8
	JSObjectHeaderSize       = 12

	JSArrayLengthOffset = 12

	JSFunctionSharedOffset    = 12
	JSFunctionContextOffset   = 16
	JSFunctionCodeEntryOffset = 20
	JSFunctionSize            = 24

	JSGlobalObjectGlobalProxyOffset = 12

	PropertyCellValueOffset = 4

	// ArrayProtectorValid 数组保护单元有效时的 Smi 值
	ArrayProtectorValid = 1

	// 代码对象头部之后紧跟指令
	CodeHeaderSize = 32

	MapInstanceTypeOffset = 8
	MapBitFieldOffset     = 9
	MapBitField3Offset    = 12
	MapSize               = 16

	// Map 位域3 中的“已废弃”标志
	MapIsDeprecatedMask = 1 << 24
)

// ============================================================================
// 上下文布局
// ============================================================================

const (
	ContextClosureIndex      = 0
	ContextPreviousIndex     = 1
	ContextExtensionIndex    = 2
	ContextGlobalObjectIndex = 3
	ContextMinSlots          = 4
)

// ContextSlotOffset 返回上下文槽的未标记偏移
func ContextSlotOffset(index int) int {
	return FixedArrayHeaderSize + index*PointerSize
}

// FixedArrayElementOffset 返回 FixedArray 元素的未标记偏移
func FixedArrayElementOffset(index int) int {
	return FixedArrayHeaderSize + index*PointerSize
}

// ============================================================================
// 实例类型
// ============================================================================

// InstanceType Map 中记录的实例类型
type InstanceType uint8

const (
	FirstNonStringType InstanceType = 0x80
)

const (
	SymbolType InstanceType = FirstNonStringType + iota
	HeapNumberType
	Float32x4Type
	Int32x4Type
	Float64x2Type
	OddballType
	FixedArrayType
	FixedDoubleArrayType
	FixedTypedArrayType
	JSObjectType
	JSArrayType
	JSFunctionType
	JSGlobalObjectType
	JSGlobalProxyType
	LastType = JSGlobalProxyType
)

// ============================================================================
// 内存页
// ============================================================================

const (
	PageSizeBits       = 20
	PageAlignmentMask  = 1<<PageSizeBits - 1
	MemoryChunkFlagsOf = 4

	PointersToHereAreInterestingMask   = 1 << 2
	PointersFromHereAreInterestingMask = 1 << 1
)

// ============================================================================
// 新对象空间分配
// ============================================================================

// AllocationSpace 分配目标空间
type AllocationSpace int

const (
	NewSpace AllocationSpace = iota
	OldSpace
)

// String 返回空间名称
func (s AllocationSpace) String() string {
	if s == OldSpace {
		return "old"
	}
	return "new"
}
