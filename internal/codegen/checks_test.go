package codegen_test

import (
	"errors"
	"testing"

	"github.com/tangzhangming/lithium/internal/codegen"
	"github.com/tangzhangming/lithium/internal/deopt"
	"github.com/tangzhangming/lithium/internal/lir"
	"github.com/tangzhangming/lithium/internal/runtime"
	"github.com/tangzhangming/lithium/internal/sim"
)

// ============================================================================
// map 检查
// ============================================================================

// checkMaps 检查 eax 的 map 后原样返回
func checkMaps(iso *runtime.Isolate, migrate bool, roots ...runtime.RootIndex) *lir.Chunk {
	c := newFunction("maps", 1)
	env := entryEnv(c)
	maps := make([]uint32, len(roots))
	for i, r := range roots {
		maps[i] = uint32(iso.Root(r))
	}
	startBlock(c, 1)
	c.Add(&lir.Instruction{Op: lir.OpCheckMaps, Inputs: []lir.Operand{lir.Reg(0)},
		Check: lir.CheckInfo{Maps: maps, HasMigrationTarget: migrate},
		Pointers: lir.NewPointerMap(lir.Reg(0)), Env: env})
	c.Add(ret())
	return c
}

func compileWith(t *testing.T, build func(iso *runtime.Isolate) *lir.Chunk, opts ...codegen.Option) (*codegen.Code, *runtime.Isolate) {
	t.Helper()
	iso := runtime.NewIsolate()
	c := build(iso)
	code, err := codegen.Generate(c, iso, opts...)
	if err != nil {
		t.Fatalf("Generate(%s) error = %v", c.Info.Name, err)
	}
	return code, iso
}

func TestCheckMapsMigration(t *testing.T) {
	code, iso := compileWith(t, func(iso *runtime.Isolate) *lir.Chunk {
		return checkMaps(iso, true, runtime.RootFixedArrayMap)
	})
	var object uint32
	fixedArray := func(m *sim.Machine) []uint32 {
		arr, err := m.NewFixedArray(nil)
		if err != nil {
			t.Fatal(err)
		}
		object = arr
		return []uint32{arr}
	}
	heapNumber := func(m *sim.Machine) []uint32 {
		num, err := m.NewHeapNumber(1)
		if err != nil {
			t.Fatal(err)
		}
		object = num
		return []uint32{num}
	}

	t.Run("matching map", func(t *testing.T) {
		m, res := invoke(t, code, iso, fixedArray)
		expectReturn(t, m, res, object)
		if len(m.RuntimeCalls) != 0 {
			t.Errorf("runtime calls = %v, want none", m.RuntimeCalls)
		}
	})
	t.Run("migration fails", func(t *testing.T) {
		m, res := invoke(t, code, iso, heapNumber)
		expectDeopt(t, res, deopt.ReasonInstanceMigrationFailed, deopt.Eager)
		if len(m.RuntimeCalls) != 1 || m.RuntimeCalls[0] != runtime.FuncTryMigrateInstance {
			t.Errorf("runtime calls = %v, want [try migrate]", m.RuntimeCalls)
		}
	})
	t.Run("migration succeeds", func(t *testing.T) {
		var migrated []uint32
		m, res := invoke(t, code, iso, func(m *sim.Machine) []uint32 {
			m.SetRuntime(runtime.FuncTryMigrateInstance, func(m *sim.Machine, args []uint32) (uint32, error) {
				migrated = append(migrated, args[0])
				return args[0], m.WriteField(args[0], runtime.HeapObjectMapOffset, m.Root(runtime.RootFixedArrayMap))
			})
			return heapNumber(m)
		})
		// 迁移之后重新比较一次并通过
		expectReturn(t, m, res, object)
		if len(migrated) != 1 || migrated[0] != object {
			t.Errorf("migrated %#x, want [%#x]", migrated, object)
		}
	})

	table, err := code.SafepointTable()
	if err != nil {
		t.Fatal(err)
	}
	calls := callsTo(code, uint32(iso.Builtin(runtime.BuiltinCEntrySaveDoubles)))
	if len(calls) != 1 {
		t.Fatalf("centry calls = %d\n%s", len(calls), code.Disassemble())
	}
	e, ok := table.FindEntry(calls[0].Offset + calls[0].Size)
	if !ok || !e.HasRegisters || e.Arguments != 1 {
		t.Errorf("migration safepoint = %+v, %v", e, ok)
	}
}

func TestCheckMapsWithoutMigrationTarget(t *testing.T) {
	code, iso := compileWith(t, func(iso *runtime.Isolate) *lir.Chunk {
		return checkMaps(iso, false, runtime.RootHeapNumberMap, runtime.RootFixedArrayMap)
	})
	for _, name := range []string{"heap number", "fixed array"} {
		var object uint32
		m, res := invoke(t, code, iso, func(m *sim.Machine) []uint32 {
			var err error
			if name == "heap number" {
				object, err = m.NewHeapNumber(2)
			} else {
				object, err = m.NewFixedArray(nil)
			}
			if err != nil {
				t.Fatal(err)
			}
			return []uint32{object}
		})
		expectReturn(t, m, res, object)
	}

	m, res := invoke(t, code, iso, func(m *sim.Machine) []uint32 { return []uint32{m.Root(runtime.RootNull)} })
	expectDeopt(t, res, deopt.ReasonWrongMap, deopt.Eager)
	if len(m.RuntimeCalls) != 0 {
		t.Errorf("check without migration target called %v", m.RuntimeCalls)
	}
}

func TestCheckMapsWithoutMapsEmitsNothing(t *testing.T) {
	code, iso := compileWith(t, func(iso *runtime.Isolate) *lir.Chunk { return checkMaps(iso, false) })
	if code.DeoptData != nil {
		t.Error("stability-only check registered a deopt")
	}
	m, res := invoke(t, code, iso, ints(7))
	expectReturn(t, m, res, 7)
}

// ============================================================================
// 128 位访问的边界检查
// ============================================================================

func simdBoundsCheck(ka lir.KeyedAccess) *lir.Chunk {
	c := newFunction("simdbounds", 2)
	env := entryEnv(c)
	startBlock(c, 2)
	c.Add(&lir.Instruction{Op: lir.OpBoundsCheck, Inputs: []lir.Operand{lir.Reg(0), lir.Reg(1)},
		Temps: []lir.Operand{lir.Reg(2), lir.Reg(3)}, Keyed: ka, Env: env})
	c.Add(ret())
	return c
}

func TestSIMD128BoundsCheck(t *testing.T) {
	smi := func(v int32) int32 { return v << 1 }
	type call struct {
		key, length int32
		ok          bool
	}
	tests := []struct {
		name  string
		ka    lir.KeyedAccess
		calls []call
	}{
		{
			// 两个 float32 通道：最后一次合法访问从第 8 个元素开始
			name: "partial load from float32 array",
			ka: lir.KeyedAccess{Kind: lir.Float32Elements, KeyRepr: lir.ReprInteger32,
				LengthRepr: lir.ReprSmi, AccessBytes: 8},
			calls: []call{{8, smi(10), true}, {9, smi(10), false}, {0, smi(2), true}, {0, smi(1), false}},
		},
		{
			name: "full vector from float32x4 array",
			ka:   lir.KeyedAccess{Kind: lir.Float32x4Elements, KeyRepr: lir.ReprSmi, LengthRepr: lir.ReprInteger32},
			calls: []call{{smi(3), 4, true}, {smi(4), 4, false}, {smi(0), 0, false}},
		},
		{
			name: "three lanes",
			ka: lir.KeyedAccess{Kind: lir.Int32x4Elements, KeyRepr: lir.ReprInteger32,
				AccessBytes: 12},
			// 长度 2 个向量共 32 字节；下标 1 的 12 字节访问止于 28
			calls: []call{{1, 2, true}, {2, 2, false}},
		},
		{
			name: "vector load from byte array",
			ka: lir.KeyedAccess{Kind: lir.Int8Elements, KeyRepr: lir.ReprSmi, AccessBytes: 16},
			calls: []call{{smi(4), smi(20), true}, {smi(5), smi(20), false}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, iso := compile(t, simdBoundsCheck(tt.ka))
			for _, c := range tt.calls {
				m, res := invoke(t, code, iso, ints(c.key, c.length))
				if !c.ok {
					expectDeopt(t, res, deopt.ReasonOutOfBounds, deopt.Eager)
					continue
				}
				expectReturn(t, m, res, uint32(c.key))
			}
		})
	}
}

func TestBoundsCheckMixedRepresentationsAbort(t *testing.T) {
	c := newFunction("mixed", 2)
	env := entryEnv(c)
	startBlock(c, 2)
	c.Add(&lir.Instruction{Op: lir.OpBoundsCheck, Inputs: []lir.Operand{lir.Reg(0), lir.Reg(1)},
		Keyed: lir.KeyedAccess{Kind: lir.FastElements, KeyRepr: lir.ReprInteger32, LengthRepr: lir.ReprSmi},
		Env:   env})
	c.Add(ret())
	_, err := codegen.Generate(c, runtime.NewIsolate())
	var abort *codegen.AbortError
	if !errors.As(err, &abort) || abort.Reason != codegen.UnexpectedOperand {
		t.Errorf("Generate() error = %v, want unexpected operand abort", err)
	}
}

// ============================================================================
// 写屏障
// ============================================================================

// setPageFlags 在 addr 所在页的标志字节上置位
func setPageFlags(t *testing.T, m *sim.Machine, addr uint32, mask uint8) {
	t.Helper()
	flags := addr&^runtime.PageAlignmentMask + runtime.MemoryChunkFlagsOf
	v, err := m.Mem.Read8(flags)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Mem.Write8(flags, v|mask); err != nil {
		t.Fatal(err)
	}
}

// storeElement array[key] = value，返回 array
func storeElement() *lir.Chunk {
	c := newFunction("store", 3)
	startBlock(c, 3)
	c.Add(&lir.Instruction{Op: lir.OpStoreKeyed, Inputs: []lir.Operand{lir.Reg(0), lir.Reg(1), lir.Reg(2)},
		Temps: []lir.Operand{lir.Reg(3)},
		Keyed: lir.KeyedAccess{
			Kind:          lir.FastElements,
			BaseOffset:    runtime.FixedArrayHeaderSize - runtime.HeapObjectTag,
			KeyRepr:       lir.ReprInteger32,
			WriteBarrier:  true,
			ValueMayBeSmi: true,
		}})
	c.Add(ret())
	return c
}

func TestStoreKeyedWriteBarrier(t *testing.T) {
	code, iso := compile(t, storeElement())

	type barrierCall struct{ slot, object uint32 }
	tests := []struct {
		name       string
		smiValue   bool
		valueFlags uint8
		arrayFlags uint8
		record     bool
	}{
		{"smi value", true, runtime.PointersToHereAreInterestingMask, runtime.PointersFromHereAreInterestingMask, false},
		{"flags clear", false, 0, 0, false},
		{"value page not interesting", false, 0, runtime.PointersFromHereAreInterestingMask, false},
		{"array page not interesting", false, runtime.PointersToHereAreInterestingMask, 0, false},
		{"both pages interesting", false, runtime.PointersToHereAreInterestingMask, runtime.PointersFromHereAreInterestingMask, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var array, value uint32
			var recorded []barrierCall
			m, res := invoke(t, code, iso, func(m *sim.Machine) []uint32 {
				var err error
				if array, err = m.NewFixedArray([]uint32{0, 0, 0}); err != nil {
					t.Fatal(err)
				}
				value = runtime.SmiFromInt(9)
				if !tt.smiValue {
					if value, err = m.NewHeapNumber(0.5); err != nil {
						t.Fatal(err)
					}
					setPageFlags(t, m, value, tt.valueFlags)
				}
				setPageFlags(t, m, array, tt.arrayFlags)
				m.SetHook(runtime.BuiltinRecordWrite, func(m *sim.Machine) (int, error) {
					slot, err := m.StackArg(0)
					if err != nil {
						return 0, err
					}
					object, err := m.StackArg(1)
					recorded = append(recorded, barrierCall{slot, object})
					return 2 * runtime.PointerSize, err
				})
				return []uint32{array, 1, value}
			})
			expectReturn(t, m, res, array)

			stored, err := m.ReadField(array, runtime.FixedArrayElementOffset(1))
			if err != nil {
				t.Fatal(err)
			}
			if stored != value {
				t.Errorf("element 1 = %#x, want %#x", stored, value)
			}
			if !tt.record {
				if len(recorded) != 0 {
					t.Errorf("write barrier called %v", recorded)
				}
				return
			}
			want := barrierCall{array - runtime.HeapObjectTag + uint32(runtime.FixedArrayElementOffset(1)), array}
			if len(recorded) != 1 || recorded[0] != want {
				t.Errorf("write barrier calls = %#x, want [%#x]", recorded, want)
			}
		})
	}
}

func TestStoreKeyedConstantSkipsWriteBarrier(t *testing.T) {
	c := newFunction("storek", 2)
	startBlock(c, 2)
	c.Add(&lir.Instruction{Op: lir.OpStoreKeyed,
		Inputs: []lir.Operand{lir.Reg(0), lir.Reg(1), c.SmiConstant(4)}, Temps: []lir.Operand{lir.Reg(3)},
		Keyed: lir.KeyedAccess{Kind: lir.FastElements, BaseOffset: runtime.FixedArrayHeaderSize - runtime.HeapObjectTag,
			KeyRepr: lir.ReprInteger32, WriteBarrier: true}})
	c.Add(ret())
	code, iso := compile(t, c)
	if calls := callsTo(code, uint32(iso.Builtin(runtime.BuiltinRecordWrite))); len(calls) != 0 {
		t.Errorf("constant store emits %d write barrier calls", len(calls))
	}

	var array uint32
	m, res := invoke(t, code, iso, func(m *sim.Machine) []uint32 {
		var err error
		if array, err = m.NewFixedArray([]uint32{0}); err != nil {
			t.Fatal(err)
		}
		return []uint32{array, 0}
	})
	expectReturn(t, m, res, array)
	if v, _ := m.ReadField(array, runtime.FixedArrayElementOffset(0)); v != runtime.SmiFromInt(4) {
		t.Errorf("element 0 = %#x", v)
	}
}
