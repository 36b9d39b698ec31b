// hooks.go - 模拟堆、内建代码与运行时函数
//
// 模拟堆把 Isolate 给出的堆区间一分为二：前半为新生代，后半为老生代。
// 根对象就地初始化在根对象地址上，其余 map 在老生代分配。
// 默认只安装不依赖语言语义的内建代码；CallFunction、BinaryOpIC 等
// 由测试按需通过 SetHook 提供。

package sim

import (
	"errors"
	"fmt"
	"math"

	"github.com/tangzhangming/lithium/internal/asm/ia32"
	"github.com/tangzhangming/lithium/internal/runtime"
)

// ErrOutOfMemory 模拟堆耗尽
var ErrOutOfMemory = errors.New("sim: heap exhausted")

const (
	// pageHeaderSize 每个内存页开头保留给页标志的字节数
	pageHeaderSize = 16
	// stackReserve 栈上限到初始栈顶的距离
	stackReserve = 0x00100000
	// DefaultContextSlots 默认上下文分配的槽数
	DefaultContextSlots = 64 + runtime.ContextMinSlots
)

// ============================================================================
// 初始化
// ============================================================================

func (m *Machine) installDefaults() {
	m.ContextSlots = DefaultContextSlots
	m.maps = make(map[runtime.InstanceType]uint32)

	start, length := m.iso.HeapRegion()
	half := uint32(start) + length/2
	m.must(m.Mem.Write32(m.external(runtime.ExtNewSpaceAllocationTop), uint32(start)+pageHeaderSize))
	m.must(m.Mem.Write32(m.external(runtime.ExtNewSpaceAllocationLimit), half))
	m.must(m.Mem.Write32(m.external(runtime.ExtOldSpaceAllocationTop), half+pageHeaderSize))
	m.must(m.Mem.Write32(m.external(runtime.ExtOldSpaceAllocationLimit), uint32(start)+length))
	m.must(m.Mem.Write32(m.external(runtime.ExtStackLimit), StackTop-stackReserve))

	for root, t := range map[runtime.RootIndex]runtime.InstanceType{
		runtime.RootHeapNumberMap:       runtime.HeapNumberType,
		runtime.RootFixedArrayMap:       runtime.FixedArrayType,
		runtime.RootFixedDoubleArrayMap: runtime.FixedDoubleArrayType,
		runtime.RootFloat32x4Map:        runtime.Float32x4Type,
		runtime.RootInt32x4Map:          runtime.Int32x4Type,
		runtime.RootFloat64x2Map:        runtime.Float64x2Type,
	} {
		addr := uint32(m.iso.Root(root))
		m.must(m.Mem.Write8(addr-runtime.HeapObjectTag+runtime.MapInstanceTypeOffset, uint8(t)))
		m.maps[t] = addr
	}
	oddball := m.Map(runtime.OddballType)
	for _, r := range []runtime.RootIndex{runtime.RootUndefined, runtime.RootTheHole, runtime.RootTrue, runtime.RootFalse, runtime.RootNull} {
		m.must(m.WriteField(uint32(m.iso.Root(r)), runtime.HeapObjectMapOffset, oddball))
	}
	empty := uint32(m.iso.Root(runtime.RootEmptyFixedArray))
	m.must(m.WriteField(empty, runtime.HeapObjectMapOffset, uint32(m.iso.Root(runtime.RootFixedArrayMap))))
	m.must(m.WriteField(empty, runtime.FixedArrayLengthOffset, runtime.SmiFromInt(0)))
	m.must(m.WriteField(uint32(m.iso.Root(runtime.RootArrayProtector)), runtime.PropertyCellValueOffset,
		runtime.SmiFromInt(runtime.ArrayProtectorValid)))

	m.SetHook(runtime.BuiltinCEntry, m.centry(false))
	m.SetHook(runtime.BuiltinCEntrySaveDoubles, m.centry(true))
	m.SetHook(runtime.BuiltinStackCheck, func(*Machine) (int, error) { return 0, nil })
	m.SetHook(runtime.BuiltinRecordWrite, func(*Machine) (int, error) { return 2 * runtime.PointerSize, nil })
	m.SetHook(runtime.BuiltinDoubleToI, doubleToI)
	m.SetHook(runtime.BuiltinFastNewContext, func(m *Machine) (int, error) {
		ctx, err := m.NewContext(m.Regs[ia32.EDI])
		m.Regs[ia32.EAX] = ctx
		return 0, err
	})
	m.SetHookAt(m.external(runtime.ExtModTwoDoubles), modTwoDoubles)

	m.SetRuntime(runtime.FuncStackGuard, func(m *Machine, _ []uint32) (uint32, error) {
		return m.Root(runtime.RootUndefined), nil
	})
	m.SetRuntime(runtime.FuncNewFunctionContext, func(m *Machine, args []uint32) (uint32, error) {
		return m.NewContext(args[0])
	})
	m.SetRuntime(runtime.FuncTryMigrateInstance, func(*Machine, []uint32) (uint32, error) {
		// 迁移失败
		return runtime.SmiFromInt(0), nil
	})
	m.SetRuntime(runtime.FuncAllocateHeapNumber, func(m *Machine, _ []uint32) (uint32, error) {
		return m.NewHeapNumber(0)
	})
	for f, t := range map[runtime.FunctionID]runtime.InstanceType{
		runtime.FuncAllocateFloat32x4: runtime.Float32x4Type,
		runtime.FuncAllocateInt32x4:   runtime.Int32x4Type,
		runtime.FuncAllocateFloat64x2: runtime.Float64x2Type,
	} {
		t := t
		m.SetRuntime(f, func(m *Machine, _ []uint32) (uint32, error) {
			return m.NewSIMD128(t, [2]uint64{})
		})
	}
	m.SetRuntime(runtime.FuncAllocateInTargetSpace, func(m *Machine, args []uint32) (uint32, error) {
		size := int32(args[0]) >> runtime.SmiTagSize
		flags := int32(args[1]) >> runtime.SmiTagSize
		space := runtime.AllocationSpace(flags >> 1)
		return m.Allocate(int(size), space, flags&1 != 0)
	})
	m.SetRuntime(runtime.FuncTraceEnter, func(m *Machine, _ []uint32) (uint32, error) {
		return m.Root(runtime.RootUndefined), nil
	})
	m.SetRuntime(runtime.FuncTraceExit, func(_ *Machine, args []uint32) (uint32, error) {
		return args[0], nil
	})
	m.SetRuntime(runtime.FuncAbort, func(_ *Machine, args []uint32) (uint32, error) {
		return 0, fmt.Errorf("sim: abort(%d)", int32(args[0])>>runtime.SmiTagSize)
	})
}

// must 初始化只写固定的合法地址
func (m *Machine) must(err error) {
	if err != nil {
		panic(err)
	}
}

func (m *Machine) external(e runtime.ExternalReference) uint32 {
	return uint32(m.iso.External(e))
}

// Root 根对象的带标记地址
func (m *Machine) Root(r runtime.RootIndex) uint32 {
	return uint32(m.iso.Root(r))
}

// ============================================================================
// 内建代码
// ============================================================================

// centry ebx 是运行时函数入口，eax 是参数个数；返回时弹出参数
func (m *Machine) centry(saveDoubles bool) Hook {
	return func(m *Machine) (int, error) {
		id, ok := m.iso.LookupRuntimeEntry(runtime.Address(m.Regs[ia32.EBX]))
		if !ok {
			return 0, fmt.Errorf("%w: runtime entry 0x%08x", ErrUnknownTarget, m.Regs[ia32.EBX])
		}
		f, ok := m.runtimes[id]
		if !ok {
			return 0, fmt.Errorf("sim: runtime function %s not installed", id)
		}
		argc := int(m.Regs[ia32.EAX])
		args := make([]uint32, argc)
		for i := range args {
			v, err := m.StackArg(argc - 1 - i)
			if err != nil {
				return 0, err
			}
			args[i] = v
		}
		m.RuntimeCalls = append(m.RuntimeCalls, id)
		saved := m.XMM
		result, err := f(m, args)
		if err != nil {
			return 0, fmt.Errorf("runtime %s: %w", id, err)
		}
		if saveDoubles {
			m.XMM = saved
		}
		m.Regs[ia32.EAX] = result
		return argc * runtime.PointerSize, nil
	}
}

// doubleToI 栈上的双精度数按 ToInt32 截断
func doubleToI(m *Machine) (int, error) {
	bits, err := m.Mem.Read64(m.Regs[ia32.ESP] + runtime.PointerSize)
	if err != nil {
		return 0, err
	}
	m.Regs[ia32.EAX] = ToInt32(math.Float64frombits(bits))
	return runtime.DoubleSize, nil
}

// modTwoDoubles [esp+4] 被除数，[esp+12] 除数，结果写回 [esp+4]；参数由调用方清理
func modTwoDoubles(m *Machine) (int, error) {
	base := m.Regs[ia32.ESP] + runtime.PointerSize
	x, err := m.Mem.Read64(base)
	if err != nil {
		return 0, err
	}
	y, err := m.Mem.Read64(base + runtime.DoubleSize)
	if err != nil {
		return 0, err
	}
	r := math.Mod(math.Float64frombits(x), math.Float64frombits(y))
	return 0, m.Mem.Write64(base, math.Float64bits(r))
}

// ToInt32 ECMAScript ToInt32
func ToInt32(v float64) uint32 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	v = math.Trunc(v)
	v = math.Mod(v, 1<<32)
	if v < 0 {
		v += 1 << 32
	}
	return uint32(uint64(v))
}

// ============================================================================
// 堆
// ============================================================================

// Allocate 在目标空间分配 size 字节，返回带标记的地址
func (m *Machine) Allocate(size int, space runtime.AllocationSpace, doubleAlign bool) (uint32, error) {
	topAddr := m.external(runtime.AllocationTop(space))
	limitAddr := m.external(runtime.AllocationLimit(space))
	top, err := m.Mem.Read32(topAddr)
	if err != nil {
		return 0, err
	}
	limit, err := m.Mem.Read32(limitAddr)
	if err != nil {
		return 0, err
	}
	if doubleAlign && top&(runtime.DoubleSize-1) != 0 {
		if err := m.Mem.Write32(top, m.Root(runtime.RootOnePointerFillerMap)); err != nil {
			return 0, err
		}
		top += runtime.PointerSize
	}
	if size < 0 || uint64(top)+uint64(size) > uint64(limit) {
		return 0, fmt.Errorf("%w: %d bytes in %s space", ErrOutOfMemory, size, space)
	}
	if err := m.Mem.Write32(topAddr, top+uint32(size)); err != nil {
		return 0, err
	}
	return top + runtime.HeapObjectTag, nil
}

// Map 返回实例类型对应的 map，首次使用时在老生代分配
func (m *Machine) Map(t runtime.InstanceType) uint32 {
	if addr, ok := m.maps[t]; ok {
		return addr
	}
	addr, err := m.Allocate(runtime.MapSize, runtime.OldSpace, false)
	m.must(err)
	m.must(m.Mem.Write8(addr-runtime.HeapObjectTag+runtime.MapInstanceTypeOffset, uint8(t)))
	m.maps[t] = addr
	return addr
}

// ReadField 读取堆对象字段，offset 为未标记偏移
func (m *Machine) ReadField(object uint32, offset int) (uint32, error) {
	return m.Mem.Read32(object - runtime.HeapObjectTag + uint32(offset))
}

// WriteField 写入堆对象字段
func (m *Machine) WriteField(object uint32, offset int, v uint32) error {
	return m.Mem.Write32(object-runtime.HeapObjectTag+uint32(offset), v)
}

// InstanceTypeOf 堆对象的实例类型
func (m *Machine) InstanceTypeOf(object uint32) (runtime.InstanceType, error) {
	mp, err := m.ReadField(object, runtime.HeapObjectMapOffset)
	if err != nil {
		return 0, err
	}
	t, err := m.Mem.Read8(mp - runtime.HeapObjectTag + runtime.MapInstanceTypeOffset)
	return runtime.InstanceType(t), err
}

// NewHeapNumber 分配堆数
func (m *Machine) NewHeapNumber(v float64) (uint32, error) {
	obj, err := m.Allocate(runtime.HeapNumberSize, runtime.NewSpace, false)
	if err != nil {
		return 0, err
	}
	if err := m.WriteField(obj, runtime.HeapObjectMapOffset, m.Root(runtime.RootHeapNumberMap)); err != nil {
		return 0, err
	}
	return obj, m.Mem.Write64(obj-runtime.HeapObjectTag+runtime.HeapNumberValueOffset, math.Float64bits(v))
}

// HeapNumberValue 读取堆数的值
func (m *Machine) HeapNumberValue(obj uint32) (float64, error) {
	bits, err := m.Mem.Read64(obj - runtime.HeapObjectTag + runtime.HeapNumberValueOffset)
	return math.Float64frombits(bits), err
}

// NewSIMD128 分配 SIMD 装箱对象
func (m *Machine) NewSIMD128(t runtime.InstanceType, v [2]uint64) (uint32, error) {
	obj, err := m.Allocate(runtime.Simd128ObjectSize, runtime.NewSpace, false)
	if err != nil {
		return 0, err
	}
	if err := m.WriteField(obj, runtime.HeapObjectMapOffset, m.Map(t)); err != nil {
		return 0, err
	}
	base := obj - runtime.HeapObjectTag + runtime.Simd128ValueOffset
	if err := m.Mem.Write64(base, v[0]); err != nil {
		return 0, err
	}
	return obj, m.Mem.Write64(base+8, v[1])
}

// SIMD128Value 读取 SIMD 装箱对象的负载
func (m *Machine) SIMD128Value(obj uint32) ([2]uint64, error) {
	base := obj - runtime.HeapObjectTag + runtime.Simd128ValueOffset
	lo, err := m.Mem.Read64(base)
	if err != nil {
		return [2]uint64{}, err
	}
	hi, err := m.Mem.Read64(base + 8)
	return [2]uint64{lo, hi}, err
}

// NewFixedArray 分配元素已初始化的 FixedArray
func (m *Machine) NewFixedArray(elements []uint32) (uint32, error) {
	obj, err := m.Allocate(runtime.FixedArrayHeaderSize+len(elements)*runtime.PointerSize, runtime.NewSpace, false)
	if err != nil {
		return 0, err
	}
	if err := m.WriteField(obj, runtime.HeapObjectMapOffset, m.Root(runtime.RootFixedArrayMap)); err != nil {
		return 0, err
	}
	if err := m.WriteField(obj, runtime.FixedArrayLengthOffset, runtime.SmiFromInt(int32(len(elements)))); err != nil {
		return 0, err
	}
	for i, e := range elements {
		if err := m.WriteField(obj, runtime.FixedArrayElementOffset(i), e); err != nil {
			return 0, err
		}
	}
	return obj, nil
}

// NewFixedDoubleArray 分配双精度数组，元素 8 字节对齐
func (m *Machine) NewFixedDoubleArray(elements []float64) (uint32, error) {
	obj, err := m.Allocate(runtime.FixedArrayHeaderSize+len(elements)*runtime.DoubleSize, runtime.NewSpace, true)
	if err != nil {
		return 0, err
	}
	if err := m.WriteField(obj, runtime.HeapObjectMapOffset, m.Root(runtime.RootFixedDoubleArrayMap)); err != nil {
		return 0, err
	}
	if err := m.WriteField(obj, runtime.FixedArrayLengthOffset, runtime.SmiFromInt(int32(len(elements)))); err != nil {
		return 0, err
	}
	base := obj - runtime.HeapObjectTag + runtime.FixedArrayHeaderSize
	for i, e := range elements {
		if err := m.Mem.Write64(base+uint32(i*runtime.DoubleSize), math.Float64bits(e)); err != nil {
			return 0, err
		}
	}
	return obj, nil
}

// NewObject 分配实例类型为 t 的对象，fields 依次写在 map 之后
func (m *Machine) NewObject(t runtime.InstanceType, fields ...uint32) (uint32, error) {
	obj, err := m.Allocate(runtime.PointerSize*(1+len(fields)), runtime.NewSpace, false)
	if err != nil {
		return 0, err
	}
	if err := m.WriteField(obj, runtime.HeapObjectMapOffset, m.Map(t)); err != nil {
		return 0, err
	}
	for i, f := range fields {
		if err := m.WriteField(obj, runtime.PointerSize*(i+1), f); err != nil {
			return 0, err
		}
	}
	return obj, nil
}

// NewContext 分配函数上下文，closure 与 previous 槽取自参数和 esi
func (m *Machine) NewContext(closure uint32) (uint32, error) {
	slots := make([]uint32, m.ContextSlots)
	for i := range slots {
		slots[i] = m.Root(runtime.RootUndefined)
	}
	slots[runtime.ContextClosureIndex] = closure
	slots[runtime.ContextPreviousIndex] = m.Regs[ia32.ESI]
	return m.NewFixedArray(slots)
}
