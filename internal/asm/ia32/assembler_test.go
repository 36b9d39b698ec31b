package ia32

import (
	"bytes"
	"strings"
	"testing"
)

// ============================================================================
// 编码测试
// ============================================================================

func TestEncoding(t *testing.T) {
	tests := []struct {
		name string
		emit func(a *Assembler)
		want []byte
	}{
		{"mov eax,ecx", func(a *Assembler) { a.MovRegReg(EAX, ECX) }, []byte{0x8B, 0xC1}},
		{"mov ebp,esp", func(a *Assembler) { a.MovRegReg(EBP, ESP) }, []byte{0x8B, 0xEC}},
		{"mov eax,imm", func(a *Assembler) { a.MovRegImm(EAX, Imm(1)) }, []byte{0xB8, 0x01, 0, 0, 0}},
		{"mov eax,[ebp-8]", func(a *Assembler) { a.MovRegOp(EAX, Mem(EBP, -8)) }, []byte{0x8B, 0x45, 0xF8}},
		{"mov eax,[ebp]", func(a *Assembler) { a.MovRegOp(EAX, Mem(EBP, 0)) }, []byte{0x8B, 0x45, 0x00}},
		{"mov eax,[esp+4]", func(a *Assembler) { a.MovRegOp(EAX, Mem(ESP, 4)) }, []byte{0x8B, 0x44, 0x24, 0x04}},
		{"mov eax,[ecx]", func(a *Assembler) { a.MovRegOp(EAX, Mem(ECX, 0)) }, []byte{0x8B, 0x01}},
		{"mov eax,[ebx+ecx*4+8]", func(a *Assembler) { a.MovRegOp(EAX, MemIndex(EBX, ECX, Times4, 8)) }, []byte{0x8B, 0x44, 0x8B, 0x08}},
		{"mov [eax+0x200],edx", func(a *Assembler) { a.MovOpReg(Mem(EAX, 0x200), EDX) }, []byte{0x89, 0x90, 0x00, 0x02, 0, 0}},
		{"mov [ebp-4],imm", func(a *Assembler) { a.MovOpImm(Mem(EBP, -4), Imm(7)) }, []byte{0xC7, 0x45, 0xFC, 0x07, 0, 0, 0}},
		{"push ebp", func(a *Assembler) { a.Push(EBP) }, []byte{0x55}},
		{"pop edi", func(a *Assembler) { a.Pop(EDI) }, []byte{0x5F}},
		{"push imm8", func(a *Assembler) { a.PushImm(Imm(2)) }, []byte{0x6A, 0x02}},
		{"push imm32", func(a *Assembler) { a.PushImm(Imm(0x1000)) }, []byte{0x68, 0x00, 0x10, 0, 0}},
		{"add eax,1", func(a *Assembler) { a.AddOpImm(R(EAX), Imm(1)) }, []byte{0x83, 0xC0, 0x01}},
		{"sub esp,0x100", func(a *Assembler) { a.SubOpImm(R(ESP), Imm(0x100)) }, []byte{0x81, 0xEC, 0x00, 0x01, 0, 0}},
		{"add eax,ecx", func(a *Assembler) { a.Add(EAX, R(ECX)) }, []byte{0x03, 0xC1}},
		{"cmp eax,[ebp+8]", func(a *Assembler) { a.Cmp(EAX, Mem(EBP, 8)) }, []byte{0x3B, 0x45, 0x08}},
		{"xor eax,eax", func(a *Assembler) { a.Xor(EAX, R(EAX)) }, []byte{0x33, 0xC0}},
		{"test eax,eax", func(a *Assembler) { a.Test(EAX, R(EAX)) }, []byte{0x85, 0xC0}},
		{"test_b al,1", func(a *Assembler) { a.TestbOpImm(R(EAX), 1) }, []byte{0xF6, 0xC0, 0x01}},
		{"neg ecx", func(a *Assembler) { a.Neg(R(ECX)) }, []byte{0xF7, 0xD9}},
		{"idiv ecx", func(a *Assembler) { a.Idiv(R(ECX)) }, []byte{0xF7, 0xF9}},
		{"cdq", func(a *Assembler) { a.Cdq() }, []byte{0x99}},
		{"imul eax,ecx", func(a *Assembler) { a.Imul(EAX, R(ECX)) }, []byte{0x0F, 0xAF, 0xC1}},
		{"imul eax,ecx,3", func(a *Assembler) { a.ImulImm(EAX, R(ECX), 3) }, []byte{0x6B, 0xC1, 0x03}},
		{"shl eax,1", func(a *Assembler) { a.Shl(R(EAX), 1) }, []byte{0xD1, 0xE0}},
		{"sar eax,5", func(a *Assembler) { a.Sar(R(EAX), 5) }, []byte{0xC1, 0xF8, 0x05}},
		{"shr eax,cl", func(a *Assembler) { a.ShiftCl(SHR, R(EAX)) }, []byte{0xD3, 0xE8}},
		{"sete al", func(a *Assembler) { a.Setcc(Equal, EAX) }, []byte{0x0F, 0x94, 0xC0}},
		{"lea eax,[ecx+4]", func(a *Assembler) { a.Lea(EAX, Mem(ECX, 4)) }, []byte{0x8D, 0x41, 0x04}},
		{"ret", func(a *Assembler) { a.Ret(0) }, []byte{0xC3}},
		{"ret 8", func(a *Assembler) { a.Ret(8) }, []byte{0xC2, 0x08, 0x00}},
		{"addsd", func(a *Assembler) { a.Addsd(XMM1, XMM2) }, []byte{0xF2, 0x0F, 0x58, 0xCA}},
		{"cvttsd2si", func(a *Assembler) { a.Cvttsd2si(EAX, XMM1) }, []byte{0xF2, 0x0F, 0x2C, 0xC1}},
		{"ucomisd", func(a *Assembler) { a.Ucomisd(XMM1, XMM0) }, []byte{0x66, 0x0F, 0x2E, 0xC8}},
		{"movsd load", func(a *Assembler) { a.MovsdLoad(XMM1, Mem(EBP, -16)) }, []byte{0xF2, 0x0F, 0x10, 0x4D, 0xF0}},
		{"pshufd", func(a *Assembler) { a.Pshufd(XMM1, XMM2, 0x1B) }, []byte{0x66, 0x0F, 0x70, 0xCA, 0x1B}},
		{"pextrd", func(a *Assembler) { a.Pextrd(R(EAX), XMM1, 1) }, []byte{0x66, 0x0F, 0x3A, 0x16, 0xC8, 0x01}},
		{"xorps", func(a *Assembler) { a.Xorps(XMM0, XMM0) }, []byte{0x0F, 0x57, 0xC0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New()
			tt.emit(a)
			if got := a.Code(); !bytes.Equal(got, tt.want) {
				t.Errorf("got % x, want % x", got, tt.want)
			}
			if n := len(a.Listing()); n != 1 {
				t.Fatalf("listing has %d entries, want 1", n)
			}
			if in := a.Listing()[0]; in.Offset != 0 || in.Size != len(tt.want) {
				t.Errorf("listing entry covers [%d,+%d), want [0,+%d)", in.Offset, in.Size, len(tt.want))
			}
		})
	}
}

// ============================================================================
// 标签测试
// ============================================================================

func TestForwardJumpIsPatched(t *testing.T) {
	a := New()
	var l Label
	a.Jmp(&l)
	if !l.IsLinked() {
		t.Fatal("label should be linked after a forward jump")
	}
	a.Nop(3)
	a.Bind(&l)

	code := a.Code()
	want := []byte{0xE9, 0x03, 0x00, 0x00, 0x00}
	if !bytes.Equal(code[:5], want) {
		t.Errorf("jmp = % x, want % x", code[:5], want)
	}
	if l.Pos() != 8 {
		t.Errorf("label pos = %d, want 8", l.Pos())
	}
}

func TestBackwardJumpIsShort(t *testing.T) {
	a := New()
	var l Label
	a.Bind(&l)
	a.Nop(1)
	a.J(NotEqual, &l)
	code := a.Code()
	if !bytes.Equal(code[1:], []byte{0x75, 0xFD}) {
		t.Errorf("jne = % x, want 75 fd", code[1:])
	}
}

func TestBindTwicePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	a := New()
	var l Label
	a.Bind(&l)
	a.Bind(&l)
}

func TestCallAddrRecordsRelocation(t *testing.T) {
	a := New()
	a.CallAddr(0x1000, RelocCodeTarget)
	code := a.Code()
	want := []byte{0xE8, 0xFB, 0x0F, 0x00, 0x00}
	if !bytes.Equal(code, want) {
		t.Errorf("call = % x, want % x", code, want)
	}
	relocs := a.Relocations()
	if len(relocs) != 1 || relocs[0].Pc != 1 || relocs[0].Mode != RelocCodeTarget || relocs[0].Target != 0x1000 {
		t.Errorf("relocations = %+v", relocs)
	}
}

func TestAbsoluteOperandRelocation(t *testing.T) {
	a := New()
	a.MovRegOp(EAX, MemAbs(0x1234, RelocExternalReference))
	want := []byte{0x8B, 0x05, 0x34, 0x12, 0x00, 0x00}
	if !bytes.Equal(a.Code(), want) {
		t.Errorf("mov = % x, want % x", a.Code(), want)
	}
	relocs := a.Relocations()
	if len(relocs) != 1 || relocs[0].Pc != 2 || relocs[0].Mode != RelocExternalReference {
		t.Errorf("relocations = %+v", relocs)
	}
}

func TestDdLabel(t *testing.T) {
	a := New()
	var l Label
	a.DdLabel(&l)
	a.Nop(4)
	a.Bind(&l)
	code := a.Code()
	if !bytes.Equal(code[:4], []byte{0x08, 0, 0, 0}) {
		t.Errorf("dd = % x, want 08 00 00 00", code[:4])
	}
	if r := a.Relocations(); len(r) != 1 || r[0].Mode != RelocInternalReference {
		t.Errorf("relocations = %+v", r)
	}
}

func TestNopExactLength(t *testing.T) {
	for n := 1; n <= 20; n++ {
		a := New()
		a.Nop(n)
		if a.PcOffset() != n {
			t.Errorf("Nop(%d) emitted %d bytes", n, a.PcOffset())
		}
	}
}

func TestListingCoversCode(t *testing.T) {
	a := New()
	var done Label
	a.Push(EBP)
	a.MovRegReg(EBP, ESP)
	a.Test(EAX, R(EAX))
	a.J(Zero, &done)
	a.AddOpImm(R(EAX), Imm(1))
	a.Bind(&done)
	a.Pop(EBP)
	a.Ret(0)

	pc := 0
	for _, in := range a.Listing() {
		if in.Offset != pc {
			t.Fatalf("listing gap at %d (entry starts at %d)", pc, in.Offset)
		}
		pc += in.Size
	}
	if pc != a.PcOffset() {
		t.Errorf("listing covers %d bytes, code has %d", pc, a.PcOffset())
	}

	text := Disassemble(a.Code(), a.Listing())
	for _, want := range []string{"push ebp", "mov ebp,esp", "jz", "ret"} {
		if !strings.Contains(text, want) {
			t.Errorf("disassembly missing %q:\n%s", want, text)
		}
	}
}

func TestConditionNegate(t *testing.T) {
	pairs := [][2]Condition{{Equal, NotEqual}, {Less, GreaterEqual}, {Below, AboveEqual}, {Overflow, NoOverflow}, {ParityEven, ParityOdd}}
	for _, p := range pairs {
		if p[0].Negate() != p[1] || p[1].Negate() != p[0] {
			t.Errorf("negate(%s) mismatch", p[0])
		}
	}
	if Less.Commute() != Greater || Equal.Commute() != Equal {
		t.Error("commute mismatch")
	}
}
