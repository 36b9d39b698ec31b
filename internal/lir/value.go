// value.go - 高层值的只读视图
//
// 每条 LIR 指令可以回链到产生它的高层 IR 值。代码生成器只读取其中的
// 表示、类型与标志：这些静态标志而不是动态检查决定要发出哪些守卫。

package lir

// Representation 值的机器表示
type Representation int

const (
	ReprNone Representation = iota
	ReprSmi
	ReprInteger32
	ReprDouble
	ReprFloat32x4
	ReprFloat64x2
	ReprInt32x4
	ReprHeapObject
	ReprTagged
	ReprExternal
)

var reprNames = [...]string{"none", "s", "i", "d", "f32x4", "f64x2", "i32x4", "h", "t", "x"}

// String 返回表示的简写
func (r Representation) String() string {
	if int(r) < len(reprNames) {
		return reprNames[r]
	}
	return "?"
}

// IsSmiOrInteger32 Smi 或 int32
func (r Representation) IsSmiOrInteger32() bool {
	return r == ReprSmi || r == ReprInteger32
}

// IsSIMD128 任意 128 位 SIMD 表示
func (r Representation) IsSIMD128() bool {
	return r == ReprFloat32x4 || r == ReprFloat64x2 || r == ReprInt32x4
}

// IsTagged 带标记的表示
func (r Representation) IsTagged() bool {
	return r == ReprTagged || r == ReprSmi || r == ReprHeapObject
}

// HType 静态已知的值类型
type HType int

const (
	TypeAny HType = iota
	TypeTagged
	TypeSmi
	TypeNumber
	TypeBoolean
	TypeHeapNumber
	TypeString
	TypeHeapObject
	TypeJSObject
	TypeJSArray
)

// IsHeapObject 类型保证是堆对象
func (t HType) IsHeapObject() bool {
	switch t {
	case TypeHeapNumber, TypeString, TypeHeapObject, TypeJSObject, TypeJSArray, TypeBoolean:
		return true
	}
	return false
}

// Flag 值标志
type Flag uint32

const (
	FlagCanOverflow Flag = 1 << iota
	FlagBailoutOnMinusZero
	FlagCanBeDivByZero
	FlagLeftCanBeNegative
	FlagLeftCanBePositive
	FlagLeftCanBeMinInt
	FlagRightCanBeNegative
	FlagAllUsesTruncatingToInt32
	FlagUint32
	FlagCanBeMinusZero
	FlagIsFunctionEntry
	FlagDeoptimizeOnUndefined
	FlagCanConvertUndefinedToNaN
	FlagTruncatingToNumber
	FlagCanBeNaN
)

// Value 高层 IR 值的只读视图
type Value struct {
	ID       int
	Repr     Representation
	Type     HType
	Flags    Flag
	Position int
}

// CheckFlag 检查标志；nil 值上所有标志都不成立
func (v *Value) CheckFlag(f Flag) bool {
	return v != nil && v.Flags&f != 0
}

// Representation 返回值的表示
func (v *Value) Representation() Representation {
	if v == nil {
		return ReprNone
	}
	return v.Repr
}

// HasType 检查静态类型
func (v *Value) HasType(t HType) bool {
	return v != nil && v.Type == t
}
