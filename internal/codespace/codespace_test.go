package codespace

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tangzhangming/lithium/internal/asm/ia32"
	"github.com/tangzhangming/lithium/internal/codegen"
	"github.com/tangzhangming/lithium/internal/deopt"
	"github.com/tangzhangming/lithium/internal/lir"
	"github.com/tangzhangming/lithium/internal/runtime"
)

func newSpace(t *testing.T, opts ...Option) *Space {
	t.Helper()
	s := New(opts...)
	t.Cleanup(func() {
		if err := s.Free(); err != nil {
			t.Errorf("Free() error = %v", err)
		}
	})
	return s
}

// syntheticCode 64 字节的代码，带两条重定位和三个反优化点（一个急切、两个惰性）
func syntheticCode() *codegen.Code {
	instr := make([]byte, 64)
	binary.LittleEndian.PutUint32(instr[30:], 0x1000)
	binary.LittleEndian.PutUint32(instr[40:], 8)
	return &codegen.Code{
		Name:         "synthetic",
		Instructions: instr,
		Relocations: []ia32.RelocInfo{
			{Pc: 30, Mode: ia32.RelocCodeTarget, Target: 0x1000 + 34},
			{Pc: 40, Mode: ia32.RelocInternalReference, Target: 8},
			{Pc: 44, Mode: ia32.RelocExternalReference, Target: 0x5000},
		},
		SafepointTableOffset: 60,
		DeoptData: &deopt.InputData{Entries: []deopt.Entry{
			{AstID: 1, Pc: -1},
			{AstID: 2, Pc: 10},
			{AstID: 3, Pc: 20},
		}},
	}
}

func TestInstallRelocates(t *testing.T) {
	s := newSpace(t)
	in, err := s.Install(syntheticCode())
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if in.Address != DefaultBase {
		t.Errorf("Address = %#x, want %#x", in.Address, DefaultBase)
	}
	if in.Size() != s.PageSize() {
		t.Errorf("Size() = %d, want one page (%d)", in.Size(), s.PageSize())
	}
	got := in.Bytes()
	if len(got) != 64 {
		t.Fatalf("Bytes() = %d bytes", len(got))
	}
	base := uint32(in.Address)
	if v := binary.LittleEndian.Uint32(got[30:]); v != 0x1000-base {
		t.Errorf("pc-relative field = %#x", v)
	}
	if v := binary.LittleEndian.Uint32(got[40:]); v != 8+base {
		t.Errorf("internal reference = %#x", v)
	}
	if v := binary.LittleEndian.Uint32(got[44:]); v != 0 {
		t.Errorf("external reference changed to %#x", v)
	}
	if !in.Contains(DefaultBase+63) || in.Contains(DefaultBase+64) {
		t.Error("Contains bounds wrong")
	}

	second, err := s.Install(syntheticCode())
	if err != nil {
		t.Fatal(err)
	}
	if second.Address != DefaultBase+runtime.Address(s.PageSize()) {
		t.Errorf("second Address = %#x", second.Address)
	}
	total, used := s.Stats()
	if total != DefaultRegionSize || used != 2*s.PageSize() {
		t.Errorf("Stats() = %d, %d", total, used)
	}
}

func TestInstallGrowsRegions(t *testing.T) {
	s := newSpace(t, WithBase(0x10000000), WithRegionSize(1))
	page := s.PageSize()
	big := &codegen.Code{Name: "big", Instructions: make([]byte, 2*page+1)}
	a, err := s.Install(big)
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Install(syntheticCode())
	if err != nil {
		t.Fatal(err)
	}
	if a.Address != 0x10000000 || b.Address != 0x10000000+runtime.Address(3*page) {
		t.Errorf("addresses = %#x, %#x", a.Address, b.Address)
	}
	if total, used := s.Stats(); total != 4*page || used != 4*page {
		t.Errorf("Stats() = %d, %d", total, used)
	}
}

func TestPatchForLazyDeopt(t *testing.T) {
	iso := runtime.NewIsolate()
	s := newSpace(t)
	in, err := s.Install(syntheticCode())
	if err != nil {
		t.Fatal(err)
	}
	n, err := s.PatchForLazyDeopt(in, iso)
	if err != nil {
		t.Fatalf("PatchForLazyDeopt() error = %v", err)
	}
	if n != 2 {
		t.Errorf("patched %d sites, want 2", n)
	}
	got := in.Bytes()
	for _, site := range []struct{ id, pc int }{{1, 10}, {2, 20}} {
		if got[site.pc] != 0xE8 {
			t.Errorf("pc %d opcode = %#x, want call", site.pc, got[site.pc])
			continue
		}
		rel := binary.LittleEndian.Uint32(got[site.pc+1:])
		target := runtime.Address(uint32(in.Address) + uint32(site.pc+ia32.PatchSize) + rel)
		want, _ := deopt.EntryAddress(iso, site.id, deopt.Lazy)
		if target != want {
			t.Errorf("pc %d calls %#x, want %#x", site.pc, target, want)
		}
	}
	if got[0] != 0 {
		t.Error("eager deopt point was patched")
	}
}

func TestPatchRejectsOverlap(t *testing.T) {
	iso := runtime.NewIsolate()
	tests := []struct {
		name    string
		entries []deopt.Entry
	}{
		{"too close", []deopt.Entry{{Pc: 10}, {Pc: 12}}},
		{"into safepoint table", []deopt.Entry{{Pc: 57}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSpace(t)
			code := syntheticCode()
			code.DeoptData.Entries = tt.entries
			in, err := s.Install(code)
			if err != nil {
				t.Fatal(err)
			}
			before := in.Bytes()
			if _, err := s.PatchForLazyDeopt(in, iso); !errors.Is(err, ErrPatchOverlap) {
				t.Errorf("PatchForLazyDeopt() error = %v, want ErrPatchOverlap", err)
			}
			after := in.Bytes()
			for i := range before {
				if before[i] != after[i] {
					t.Fatalf("byte %d changed after rejected patch", i)
				}
			}
		})
	}
}

func TestInstallErrors(t *testing.T) {
	s := New()
	if _, err := s.Install(&codegen.Code{Name: "empty"}); !errors.Is(err, ErrEmptyCode) {
		t.Errorf("Install(empty) error = %v", err)
	}
	if err := s.Free(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Install(syntheticCode()); !errors.Is(err, ErrFreed) {
		t.Errorf("Install after Free error = %v", err)
	}
}

// TestInstallGeneratedCode 安装真实生成的代码并修补它的惰性反优化点
func TestInstallGeneratedCode(t *testing.T) {
	iso := runtime.NewIsolate()
	c := lir.NewChunk("call", 1)
	c.Info.Closure = 0x01000101
	c.Info.HasNonDeferredCalls = true
	env := &lir.Environment{
		Closure:         c.Info.Closure,
		FrameType:       lir.FrameJSFunction,
		AstID:           1,
		ParameterCount:  2,
		TranslationSize: 2,
		Values:          []lir.Operand{lir.Slot(c.ParameterStackSlot(0)), lir.Slot(c.ParameterStackSlot(1))},
		Tagged:          []bool{true, true},
	}
	c.StartBlock()
	c.Add(&lir.Instruction{Op: lir.OpCallRuntime, Result: lir.Reg(0),
		Call:     lir.CallInfo{Runtime: runtime.FuncStackGuard, FormalParameterCount: -1},
		Pointers: lir.NewPointerMap()})
	c.Add(&lir.Instruction{Op: lir.OpLazyBailout, Env: env})
	c.Add(&lir.Instruction{Op: lir.OpReturn, Inputs: []lir.Operand{lir.Reg(0)}})
	code, err := codegen.Generate(c, iso)
	if err != nil {
		t.Fatal(err)
	}

	s := newSpace(t, WithBase(0x20000000))
	in, err := s.Install(code)
	if err != nil {
		t.Fatal(err)
	}
	n, err := s.PatchForLazyDeopt(in, iso)
	if err != nil || n != 1 {
		t.Fatalf("PatchForLazyDeopt() = %d, %v", n, err)
	}
	pc := code.DeoptData.Entries[0].Pc
	got := in.Bytes()
	if got[pc] != 0xE8 {
		t.Fatalf("lazy deopt pc %d holds %#x, want call", pc, got[pc])
	}
	rel := binary.LittleEndian.Uint32(got[pc+1:])
	target := runtime.Address(uint32(in.Address) + uint32(pc+ia32.PatchSize) + rel)
	if want, _ := deopt.EntryAddress(iso, 0, deopt.Lazy); target != want {
		t.Errorf("patched call targets %#x, want %#x", target, want)
	}
}
