package snapshot_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/tangzhangming/lithium/internal/codegen"
	"github.com/tangzhangming/lithium/internal/deopt"
	"github.com/tangzhangming/lithium/internal/lir"
	"github.com/tangzhangming/lithium/internal/runtime"
	"github.com/tangzhangming/lithium/internal/snapshot"
)

// compileCall 生成一个调用运行时函数并带惰性反优化点的函数
func compileCall(t *testing.T, name string) *codegen.Code {
	t.Helper()
	c := lir.NewChunk(name, 1)
	c.Info.Closure = 0x01000101
	c.Info.HasNonDeferredCalls = true
	c.SpillSlotCount = 1
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
	gap := &lir.Instruction{Op: lir.OpGap}
	gap.GetMove(lir.GapBefore).Add(lir.Slot(c.ParameterStackSlot(1)), lir.Slot(0))
	c.Add(gap)
	c.Add(&lir.Instruction{Op: lir.OpCallRuntime, Result: lir.Reg(0),
		Call:     lir.CallInfo{Runtime: runtime.FuncStackGuard, FormalParameterCount: -1},
		Pointers: lir.NewPointerMap(lir.Slot(0))})
	c.Add(&lir.Instruction{Op: lir.OpLazyBailout, Env: env})
	c.Add(&lir.Instruction{Op: lir.OpReturn, Inputs: []lir.Operand{lir.Reg(0)}})

	code, err := codegen.Generate(c, runtime.NewIsolate())
	if err != nil {
		t.Fatalf("Generate(%s) error = %v", name, err)
	}
	return code
}

func stub() *codegen.Code {
	return &codegen.Code{
		Name:         "stub",
		IsStub:       true,
		Instructions: []byte{0x90, 0x90, 0xC3},
		DeoptSites:   []codegen.DeoptSite{{Pc: 1, ID: 0, Reason: deopt.ReasonHole, BailoutType: deopt.Lazy}},
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	codes := []*codegen.Code{compileCall(t, "f"), stub(), compileCall(t, "f")}
	raw, err := snapshot.Serialize(codes)
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	got, err := snapshot.Deserialize(raw)
	if err != nil {
		t.Fatalf("Deserialize() error = %v", err)
	}
	if len(got) != len(codes) {
		t.Fatalf("Deserialize() = %d codes, want %d", len(got), len(codes))
	}

	for i, want := range codes {
		c := got[i]
		if c.Name != want.Name || c.IsStub != want.IsStub {
			t.Errorf("code %d = %s stub=%v, want %s stub=%v", i, c.Name, c.IsStub, want.Name, want.IsStub)
		}
		if !bytes.Equal(c.Instructions, want.Instructions) {
			t.Errorf("code %d: instructions differ", i)
		}
		if c.StackSlots != want.StackSlots || c.SafepointTableOffset != want.SafepointTableOffset {
			t.Errorf("code %d: slots %d table %d, want %d %d", i,
				c.StackSlots, c.SafepointTableOffset, want.StackSlots, want.SafepointTableOffset)
		}
		if len(c.Relocations) != len(want.Relocations) || len(c.NoFrameRanges) != len(want.NoFrameRanges) {
			t.Errorf("code %d: relocations %d ranges %d, want %d %d", i,
				len(c.Relocations), len(c.NoFrameRanges), len(want.Relocations), len(want.NoFrameRanges))
		}
		if len(c.DeoptSites) != len(want.DeoptSites) {
			t.Errorf("code %d: %d deopt sites, want %d", i, len(c.DeoptSites), len(want.DeoptSites))
		}
		for j := range want.DeoptSites {
			if j < len(c.DeoptSites) && c.DeoptSites[j] != want.DeoptSites[j] {
				t.Errorf("code %d site %d = %+v, want %+v", i, j, c.DeoptSites[j], want.DeoptSites[j])
			}
		}
		if c.Listing != nil {
			t.Errorf("code %d: listing restored", i)
		}
	}

	f := got[0]
	if f.DeoptData == nil || f.DeoptData.DeoptCount() != 1 {
		t.Fatalf("deopt data = %+v", f.DeoptData)
	}
	lazyPc := f.DeoptData.Entries[0].Pc
	if lazyPc != codes[0].DeoptData.Entries[0].Pc || lazyPc < 0 {
		t.Errorf("lazy pc = %d, want %d", lazyPc, codes[0].DeoptData.Entries[0].Pc)
	}
	table, err := f.SafepointTable()
	if err != nil {
		t.Fatalf("SafepointTable() error = %v", err)
	}
	if e, ok := table.FindEntry(lazyPc); !ok || e.DeoptIndex != 0 {
		t.Errorf("FindEntry(%d) = %+v, %v", lazyPc, e, ok)
	}
	frames, err := f.DeoptData.Frames(0)
	if err != nil || len(frames) != 1 || frames[0].AstID != 1 {
		t.Errorf("Frames(0) = %+v, %v", frames, err)
	}
	if got[1].DeoptData != nil {
		t.Error("stub gained deopt data")
	}
}

func TestReservations(t *testing.T) {
	codes := []*codegen.Code{stub(), {Name: "g", Instructions: make([]byte, 17)}}
	raw, err := snapshot.Serialize(codes)
	if err != nil {
		t.Fatal(err)
	}
	d, err := snapshot.ReadData(raw)
	if err != nil {
		t.Fatalf("ReadData() error = %v", err)
	}
	if len(d.Reservations) != 2 {
		t.Fatalf("reservations = %v", d.Reservations)
	}
	if r := d.Reservations[0]; r.ChunkSize() != 16 || r.IsLast() {
		t.Errorf("reservation 0 = %d last=%v", r.ChunkSize(), r.IsLast())
	}
	if r := d.Reservations[1]; r.ChunkSize() != 32 || !r.IsLast() {
		t.Errorf("reservation 1 = %d last=%v", r.ChunkSize(), r.IsLast())
	}
	if d.Size() != 48 {
		t.Errorf("Size() = %d, want 48", d.Size())
	}
	if d.VersionHash != snapshot.VersionHash(snapshot.DefaultBuildID) {
		t.Errorf("version hash = %#x", d.VersionHash)
	}

	empty, err := snapshot.Serialize(nil)
	if err != nil {
		t.Fatal(err)
	}
	d, err = snapshot.ReadData(empty)
	if err != nil || len(d.Reservations) != 1 || !d.Reservations[0].IsLast() {
		t.Errorf("empty snapshot reservations = %+v, %v", d, err)
	}
	if codes, err := snapshot.Deserialize(empty); err != nil || len(codes) != 0 {
		t.Errorf("Deserialize(empty) = %d codes, %v", len(codes), err)
	}
}

func TestDeserializeRejects(t *testing.T) {
	raw, err := snapshot.Serialize([]*codegen.Code{stub()})
	if err != nil {
		t.Fatal(err)
	}
	corrupt := func(mutate func(b []byte) []byte) []byte {
		b := append([]byte(nil), raw...)
		return mutate(b)
	}

	tests := []struct {
		name string
		data []byte
		opts []snapshot.Option
		want error
	}{
		{"other build", raw, []snapshot.Option{snapshot.WithBuildID("other")}, snapshot.ErrVersionMismatch},
		{"bad magic", corrupt(func(b []byte) []byte { b[0] ^= 0xFF; return b }), nil, snapshot.ErrVersionMismatch},
		{"payload bit flip", corrupt(func(b []byte) []byte { b[len(b)-1] ^= 1; return b }), nil, snapshot.ErrChecksum},
		{"digest bit flip", corrupt(func(b []byte) []byte { b[20] ^= 1; return b }), nil, snapshot.ErrChecksum},
		{"trailing byte", corrupt(func(b []byte) []byte { return append(b, 0) }), nil, snapshot.ErrChecksum},
		{"truncated payload", raw[:len(raw)-1], nil, snapshot.ErrTruncated},
		{"truncated header", raw[:10], nil, snapshot.ErrTruncated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := snapshot.Deserialize(tt.data, tt.opts...); !errors.Is(err, tt.want) {
				t.Errorf("Deserialize() error = %v, want %v", err, tt.want)
			}
		})
	}

	other, err := snapshot.Serialize([]*codegen.Code{stub()}, snapshot.WithBuildID("other"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := snapshot.Deserialize(other, snapshot.WithBuildID("other")); err != nil {
		t.Errorf("matching build id rejected: %v", err)
	}
	if _, err := snapshot.Serialize([]*codegen.Code{nil}); err == nil {
		t.Error("nil code object serialized")
	}
}

func TestBlob(t *testing.T) {
	startup, err := snapshot.Serialize([]*codegen.Code{compileCall(t, "startup")})
	if err != nil {
		t.Fatal(err)
	}
	ctx0, _ := snapshot.Serialize([]*codegen.Code{stub()})
	ctx1, _ := snapshot.Serialize([]*codegen.Code{stub(), stub()})

	blob, err := snapshot.CreateBlob(startup, [][]byte{ctx0, ctx1})
	if err != nil {
		t.Fatalf("CreateBlob() error = %v", err)
	}
	if n, err := snapshot.NumContexts(blob); err != nil || n != 2 {
		t.Fatalf("NumContexts() = %d, %v", n, err)
	}
	if got, err := snapshot.ExtractStartup(blob); err != nil || !bytes.Equal(got, startup) {
		t.Errorf("ExtractStartup() = %d bytes, %v", len(got), err)
	}
	for i, want := range [][]byte{ctx0, ctx1} {
		got, err := snapshot.ExtractContext(blob, i)
		if err != nil || !bytes.Equal(got, want) {
			t.Errorf("ExtractContext(%d) = %d bytes, %v", i, len(got), err)
		}
		if _, err := snapshot.Deserialize(got); err != nil {
			t.Errorf("context %d does not deserialize: %v", i, err)
		}
	}
	if _, err := snapshot.ExtractContext(blob, 2); err == nil {
		t.Error("ExtractContext(2) succeeded")
	}

	sd, _ := snapshot.ReadData(startup)
	want := sd.Size() + 2*32 + snapshot.PageObjectStart + 32<<10
	if got, err := snapshot.FirstPageSize(blob); err != nil || got != want {
		t.Errorf("FirstPageSize() = %d, %v; want %d", got, err, want)
	}

	bare, err := snapshot.CreateBlob(startup, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got, err := snapshot.ExtractStartup(bare); err != nil || !bytes.Equal(got, startup) {
		t.Errorf("ExtractStartup(no contexts) = %d bytes, %v", len(got), err)
	}

	if _, err := snapshot.NumContexts(blob[:5]); !errors.Is(err, snapshot.ErrTruncated) {
		t.Errorf("NumContexts(short) error = %v", err)
	}
	if _, err := snapshot.ExtractContext(blob[:len(startup)], 1); !errors.Is(err, snapshot.ErrTruncated) {
		t.Errorf("ExtractContext(cut) error = %v", err)
	}
	if _, err := snapshot.CreateBlob(startup[:20], nil); !errors.Is(err, snapshot.ErrTruncated) {
		t.Errorf("CreateBlob(bad startup) error = %v", err)
	}
}

func TestReservationBits(t *testing.T) {
	r := snapshot.NewReservation(1<<31|40, true)
	if r.ChunkSize() != 40 || !r.IsLast() {
		t.Errorf("reservation = %d last=%v", r.ChunkSize(), r.IsLast())
	}
	if snapshot.NewReservation(40, false).IsLast() {
		t.Error("reservation marked last")
	}
}
