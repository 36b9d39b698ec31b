package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tangzhangming/lithium/internal/codegen"
	"github.com/tangzhangming/lithium/internal/codespace"
	"github.com/tangzhangming/lithium/internal/lir"
	"github.com/tangzhangming/lithium/internal/runtime"
	"github.com/tangzhangming/lithium/internal/snapshot"
)

// callChunk 调用运行时函数并带惰性反优化点的函数
func callChunk(name string) *lir.Chunk {
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
	return c
}

// brokenChunk 返回一个不存在的寄存器，调试模式下校验失败
func brokenChunk(name string) *lir.Chunk {
	c := lir.NewChunk(name, 0)
	c.StartBlock()
	c.Add(&lir.Instruction{Op: lir.OpReturn, Inputs: []lir.Operand{lir.Reg(9)}})
	return c
}

func debugConfig() *codegen.Config {
	cfg := codegen.DefaultConfig()
	cfg.DebugCode = true
	return &cfg
}

func TestCompileAll(t *testing.T) {
	iso := runtime.NewIsolate()
	var chunks []*lir.Chunk
	for i := 0; i < 10; i++ {
		if i == 3 || i == 7 {
			chunks = append(chunks, brokenChunk(fmt.Sprintf("broken%d", i)))
			continue
		}
		chunks = append(chunks, callChunk(fmt.Sprintf("f%d", i)))
	}

	core, logs := observer.New(zap.WarnLevel)
	metrics := codegen.NewMetrics(prometheus.NewRegistry())
	res, err := CompileAll(context.Background(), iso, chunks, Options{
		Workers: 3,
		Config:  debugConfig(),
		Logger:  zap.New(core),
		Metrics: metrics,
	})
	if err == nil {
		t.Fatal("CompileAll() error = nil, want two aborted units")
	}
	errs := multierr.Errors(err)
	if len(errs) != 2 {
		t.Fatalf("CompileAll() returned %d errors: %v", len(errs), err)
	}
	for _, e := range errs {
		if !errors.Is(e, codegen.ErrAborted) {
			t.Errorf("error %v is not an abort", e)
		}
	}

	want, err := codegen.Generate(callChunk("f0"), iso, codegen.WithConfig(*debugConfig()))
	if err != nil {
		t.Fatal(err)
	}
	var total int64
	for i, u := range res.Units {
		if u.Chunk != chunks[i] {
			t.Errorf("unit %d out of order", i)
		}
		broken := i == 3 || i == 7
		if broken != u.Aborted() || broken != (u.Code == nil) {
			t.Errorf("unit %d: aborted=%v code=%v", i, u.Aborted(), u.Code != nil)
			continue
		}
		if u.Code != nil {
			total += int64(u.Code.Size())
			if !bytes.Equal(u.Code.Instructions, want.Instructions) {
				t.Errorf("unit %d: concurrent output differs from serial output", i)
			}
		}
	}

	if res.Stats.Compiled() != 8 || res.Stats.Aborted() != 2 || res.Stats.Failed() != 0 {
		t.Errorf("stats = %d compiled, %d aborted, %d failed",
			res.Stats.Compiled(), res.Stats.Aborted(), res.Stats.Failed())
	}
	if res.Stats.Bytes() != total {
		t.Errorf("Bytes() = %d, want %d", res.Stats.Bytes(), total)
	}
	if got := logs.FilterMessage("unit failed").Len(); got != 2 {
		t.Errorf("logged %d unit failures, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.Compilations.WithLabelValues("success")); got != 8 {
		t.Errorf("success compilations = %v", got)
	}
	if got := testutil.ToFloat64(metrics.Compilations.WithLabelValues("aborted")); got != 2 {
		t.Errorf("aborted compilations = %v", got)
	}
	if len(res.Codes()) != 8 {
		t.Errorf("Codes() = %d", len(res.Codes()))
	}
}

func TestCompileAllInstallsAndSnapshots(t *testing.T) {
	iso := runtime.NewIsolate()
	space := codespace.New()
	defer space.Free()

	chunks := []*lir.Chunk{callChunk("a"), callChunk("b"), callChunk("c")}
	res, err := CompileAll(context.Background(), iso, chunks, Options{Space: space})
	if err != nil {
		t.Fatalf("CompileAll() error = %v", err)
	}
	seen := map[runtime.Address]bool{}
	for i, u := range res.Units {
		if u.Installed == nil {
			t.Fatalf("unit %d not installed", i)
		}
		if seen[u.Installed.Address] {
			t.Errorf("unit %d shares address %#x", i, u.Installed.Address)
		}
		seen[u.Installed.Address] = true
		if n, err := space.PatchForLazyDeopt(u.Installed, iso); err != nil || n != 1 {
			t.Errorf("unit %d: PatchForLazyDeopt() = %d, %v", i, n, err)
		}
	}
	if _, used := space.Stats(); used != 3*space.PageSize() {
		t.Errorf("space used = %d", used)
	}

	raw, err := res.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	codes, err := snapshot.Deserialize(raw)
	if err != nil {
		t.Fatalf("Deserialize() error = %v", err)
	}
	for i, c := range codes {
		if c.Name != chunks[i].Info.Name {
			t.Errorf("snapshot code %d = %s, want %s", i, c.Name, chunks[i].Info.Name)
		}
	}
}

func TestCompileAllCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := CompileAll(ctx, runtime.NewIsolate(), []*lir.Chunk{callChunk("a"), callChunk("b")}, Options{Workers: 1})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("CompileAll() error = %v, want context.Canceled", err)
	}
	if res == nil || res.Stats.Compiled() != 0 {
		t.Errorf("cancelled run compiled units: %+v", res)
	}
}

func TestCompileAllEdgeCases(t *testing.T) {
	iso := runtime.NewIsolate()
	res, err := CompileAll(context.Background(), iso, nil, Options{})
	if err != nil || len(res.Units) != 0 {
		t.Errorf("CompileAll(nil) = %d units, %v", len(res.Units), err)
	}

	stats := &Stats{}
	_, err = CompileAll(context.Background(), iso, []*lir.Chunk{nil, callChunk("a")}, Options{Stats: stats})
	if err == nil || len(multierr.Errors(err)) != 1 {
		t.Errorf("CompileAll(nil chunk) error = %v", err)
	}
	if _, err := CompileAll(context.Background(), iso, []*lir.Chunk{callChunk("b")}, Options{Stats: stats}); err != nil {
		t.Fatal(err)
	}
	if stats.Compiled() != 2 || stats.Failed() != 1 {
		t.Errorf("shared stats = %d compiled, %d failed", stats.Compiled(), stats.Failed())
	}
	stats.Reset()
	if stats.Compiled() != 0 || stats.Bytes() != 0 {
		t.Error("Reset() left counters")
	}
}

func TestWorkerCount(t *testing.T) {
	tests := []struct {
		workers, units, want int
	}{
		{4, 10, 4},
		{4, 2, 2},
		{1000, 10000, MaxWorkers},
	}
	for _, tt := range tests {
		o := Options{Workers: tt.workers}
		if got := o.workers(tt.units); got != tt.want {
			t.Errorf("workers(%d) with Workers=%d = %d, want %d", tt.units, tt.workers, got, tt.want)
		}
	}
	if got := (&Options{}).workers(1); got != 1 {
		t.Errorf("default workers for one unit = %d", got)
	}
}
