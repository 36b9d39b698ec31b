// isolate.go - 编译期只读的运行时视图
//
// Isolate 汇总代码生成需要嵌入机器码的所有地址：根对象、外部引用、
// 运行时函数、内建代码以及反优化入口表。编译期间它是只读的，
// 因此多个编译单元可以并发共享同一个 Isolate。

package runtime

import "fmt"

// ============================================================================
// 根对象
// ============================================================================

// RootIndex 根对象表索引
type RootIndex int

const (
	RootUndefined RootIndex = iota
	RootTheHole
	RootTrue
	RootFalse
	RootNull
	RootHeapNumberMap
	RootFixedArrayMap
	RootFixedDoubleArrayMap
	RootOnePointerFillerMap
	RootFloat32x4Map
	RootInt32x4Map
	RootFloat64x2Map
	RootEmptyFixedArray
	RootArrayProtector
	NumRoots
)

var rootNames = [NumRoots]string{
	"undefined", "the_hole", "true", "false", "null",
	"heap_number_map", "fixed_array_map", "fixed_double_array_map",
	"one_pointer_filler_map", "float32x4_map", "int32x4_map", "float64x2_map",
	"empty_fixed_array", "array_protector",
}

// String 返回根对象名称
func (r RootIndex) String() string {
	if r >= 0 && r < NumRoots {
		return rootNames[r]
	}
	return fmt.Sprintf("root(%d)", int(r))
}

// ============================================================================
// 外部引用
// ============================================================================

// ExternalReference 机器码中引用的运行时内部地址
type ExternalReference int

const (
	ExtNewSpaceAllocationTop ExternalReference = iota
	ExtNewSpaceAllocationLimit
	ExtOldSpaceAllocationTop
	ExtOldSpaceAllocationLimit
	ExtStackLimit
	ExtStressDeoptCount
	ExtModTwoDoubles
	ExtIsolate
	NumExternalReferences
)

var externalNames = [NumExternalReferences]string{
	"new_space_allocation_top", "new_space_allocation_limit",
	"old_space_allocation_top", "old_space_allocation_limit",
	"stack_limit", "stress_deopt_count", "mod_two_doubles", "isolate",
}

// String 返回外部引用名称
func (e ExternalReference) String() string {
	if e >= 0 && e < NumExternalReferences {
		return externalNames[e]
	}
	return fmt.Sprintf("external(%d)", int(e))
}

// AllocationTop 返回目标空间的分配顶指针地址
func AllocationTop(space AllocationSpace) ExternalReference {
	if space == OldSpace {
		return ExtOldSpaceAllocationTop
	}
	return ExtNewSpaceAllocationTop
}

// AllocationLimit 返回目标空间的分配上限地址
func AllocationLimit(space AllocationSpace) ExternalReference {
	if space == OldSpace {
		return ExtOldSpaceAllocationLimit
	}
	return ExtNewSpaceAllocationLimit
}

// ============================================================================
// 运行时函数
// ============================================================================

// FunctionID 运行时函数标识
type FunctionID int

const (
	FuncStackGuard FunctionID = iota
	FuncNewFunctionContext
	FuncTryMigrateInstance
	FuncAllocateHeapNumber
	FuncAllocateInTargetSpace
	FuncAllocateFloat32x4
	FuncAllocateInt32x4
	FuncAllocateFloat64x2
	FuncTraceEnter
	FuncTraceExit
	FuncAbort
	NumFunctions
)

// Function 运行时函数描述
type Function struct {
	ID         FunctionID
	Name       string
	NArgs      int
	ResultSize int
}

var functions = [NumFunctions]Function{
	{FuncStackGuard, "StackGuard", 0, 1},
	{FuncNewFunctionContext, "NewFunctionContext", 1, 1},
	{FuncTryMigrateInstance, "TryMigrateInstance", 1, 1},
	{FuncAllocateHeapNumber, "AllocateHeapNumber", 0, 1},
	{FuncAllocateInTargetSpace, "AllocateInTargetSpace", 2, 1},
	{FuncAllocateFloat32x4, "AllocateFloat32x4", 0, 1},
	{FuncAllocateInt32x4, "AllocateInt32x4", 0, 1},
	{FuncAllocateFloat64x2, "AllocateFloat64x2", 0, 1},
	{FuncTraceEnter, "TraceEnter", 0, 1},
	{FuncTraceExit, "TraceExit", 1, 1},
	{FuncAbort, "Abort", 1, 1},
}

// FunctionForID 返回运行时函数描述
func FunctionForID(id FunctionID) *Function {
	if id < 0 || id >= NumFunctions {
		return nil
	}
	return &functions[id]
}

// String 返回运行时函数名
func (id FunctionID) String() string {
	if f := FunctionForID(id); f != nil {
		return f.Name
	}
	return fmt.Sprintf("runtime(%d)", int(id))
}

// ============================================================================
// 内建代码
// ============================================================================

// Builtin 内建代码对象标识
//
// 内建代码由运行时提供，后端只把它们当作不透明的调用目标：
//   - CEntry: ebx = 运行时函数入口，eax = 参数个数，参数在栈上，返回时弹出参数
//   - StackCheck: 无参数，保留所有寄存器
//   - RecordWrite: 栈上依次压入 object, slot 地址；返回时弹出 8 字节，保留所有寄存器
//   - FastNewContext: edi = 函数，返回 eax
//   - CallFunction / Construct: edi = 函数，eax = 参数个数
//   - BinaryOpIC / CompareIC: edx = 左操作数，eax = 右操作数，结果在 eax
//   - DoubleToI: 栈上 8 字节双精度数，结果在 eax，返回时弹出 8 字节
//   - CEntrySaveDoubles: 与 CEntry 相同，另外保存并恢复全部 XMM 寄存器
//   - ArgumentsAdaptor: edi = 函数，eax = 实参个数，ebx = 形参个数
type Builtin int

const (
	BuiltinCEntry Builtin = iota
	BuiltinStackCheck
	BuiltinRecordWrite
	BuiltinFastNewContext
	BuiltinCallFunction
	BuiltinConstruct
	BuiltinBinaryOpIC
	BuiltinCompareIC
	BuiltinDoubleToI
	BuiltinCEntrySaveDoubles
	BuiltinArgumentsAdaptor
	NumBuiltins
)

var builtinNames = [NumBuiltins]string{
	"CEntry", "StackCheck", "RecordWrite", "FastNewContext",
	"CallFunction", "Construct", "BinaryOpIC", "CompareIC", "DoubleToI",
	"CEntrySaveDoubles", "ArgumentsAdaptor",
}

// String 返回内建代码名
func (b Builtin) String() string {
	if b >= 0 && b < NumBuiltins {
		return builtinNames[b]
	}
	return fmt.Sprintf("builtin(%d)", int(b))
}

// ============================================================================
// Isolate
// ============================================================================

// 反优化入口表
const (
	// DeoptTableEntrySize 每个反优化入口的字节数（push imm32 + jmp rel32）
	DeoptTableEntrySize = 10

	// DefaultMaxDeoptEntries 每种 bailout 类型的入口数量上限
	DefaultMaxDeoptEntries = 16384

	// NumBailoutTypes 反优化入口表的种类数（eager, lazy, soft）
	NumBailoutTypes = 3
)

// Isolate 编译期间只读的运行时视图
type Isolate struct {
	roots            [NumRoots]Address
	externals        [NumExternalReferences]Address
	runtimeEntries   [NumFunctions]Address
	builtins         [NumBuiltins]Address
	deoptEntryBase   [NumBailoutTypes]Address
	maxDeoptEntries  int
	heapRegionStart  Address
	heapRegionLength uint32
}

// 默认地址布局，只用于确定性测试和模拟执行
const (
	rootsBase     Address = 0x00100000
	externalsBase Address = 0x00200000
	runtimeBase   Address = 0x00300000
	builtinsBase  Address = 0x00400000
	deoptBase     Address = 0x00500000
	heapBase      Address = 0x01000000
	heapLength            = 0x00400000
)

// IsolateOption Isolate 配置选项
type IsolateOption func(*Isolate)

// WithMaxDeoptEntries 设置反优化入口表大小
func WithMaxDeoptEntries(n int) IsolateOption {
	return func(i *Isolate) {
		i.maxDeoptEntries = n
	}
}

// NewIsolate 创建具有确定性地址布局的 Isolate
func NewIsolate(opts ...IsolateOption) *Isolate {
	iso := &Isolate{
		maxDeoptEntries:  DefaultMaxDeoptEntries,
		heapRegionStart:  heapBase,
		heapRegionLength: heapLength,
	}
	for r := RootIndex(0); r < NumRoots; r++ {
		// 根对象地址带堆对象标记
		iso.roots[r] = rootsBase + Address(r)*0x20 + HeapObjectTag
	}
	for e := ExternalReference(0); e < NumExternalReferences; e++ {
		iso.externals[e] = externalsBase + Address(e)*0x10
	}
	for f := FunctionID(0); f < NumFunctions; f++ {
		iso.runtimeEntries[f] = runtimeBase + Address(f)*0x40
	}
	for b := Builtin(0); b < NumBuiltins; b++ {
		iso.builtins[b] = builtinsBase + Address(b)*0x100
	}
	for t := 0; t < NumBailoutTypes; t++ {
		iso.deoptEntryBase[t] = deoptBase + Address(t)*0x40000
	}
	for _, opt := range opts {
		opt(iso)
	}
	return iso
}

// Root 返回根对象地址（已标记）
func (iso *Isolate) Root(r RootIndex) Address {
	return iso.roots[r]
}

// LookupRoot 反查根对象
func (iso *Isolate) LookupRoot(addr Address) (RootIndex, bool) {
	for r, a := range iso.roots {
		if a == addr {
			return RootIndex(r), true
		}
	}
	return 0, false
}

// External 返回外部引用地址
func (iso *Isolate) External(e ExternalReference) Address {
	return iso.externals[e]
}

// LookupExternal 反查外部引用
func (iso *Isolate) LookupExternal(addr Address) (ExternalReference, bool) {
	for e, a := range iso.externals {
		if a == addr {
			return ExternalReference(e), true
		}
	}
	return 0, false
}

// RuntimeEntry 返回运行时函数的入口地址
func (iso *Isolate) RuntimeEntry(id FunctionID) Address {
	return iso.runtimeEntries[id]
}

// LookupRuntimeEntry 反查运行时函数
func (iso *Isolate) LookupRuntimeEntry(addr Address) (FunctionID, bool) {
	for f, a := range iso.runtimeEntries {
		if a == addr {
			return FunctionID(f), true
		}
	}
	return 0, false
}

// Builtin 返回内建代码入口地址
func (iso *Isolate) Builtin(b Builtin) Address {
	return iso.builtins[b]
}

// LookupBuiltin 反查内建代码
func (iso *Isolate) LookupBuiltin(addr Address) (Builtin, bool) {
	for b, a := range iso.builtins {
		if a == addr {
			return Builtin(b), true
		}
	}
	return 0, false
}

// DeoptEntryBase 返回某种 bailout 类型的入口表基址
func (iso *Isolate) DeoptEntryBase(kind int) Address {
	return iso.deoptEntryBase[kind]
}

// MaxDeoptEntries 返回每种类型可用的入口数
func (iso *Isolate) MaxDeoptEntries() int {
	return iso.maxDeoptEntries
}

// HeapRegion 返回模拟堆的地址范围
func (iso *Isolate) HeapRegion() (Address, uint32) {
	return iso.heapRegionStart, iso.heapRegionLength
}
