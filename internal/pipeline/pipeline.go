// pipeline.go - 并发编译
//
// CompileAll 把一批互不相关的 Chunk 分发给固定数量的工作 goroutine。
// 每个单元拥有自己的 CodeGen，单元之间只共享只读的 Isolate、Config
// 以及并发安全的指标和日志。单个单元失败不会影响其他单元，所有失败
// 在结束后一起返回。

// Package pipeline 调度多个编译单元的代码生成。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	goruntime "runtime"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tangzhangming/lithium/internal/codegen"
	"github.com/tangzhangming/lithium/internal/codespace"
	"github.com/tangzhangming/lithium/internal/lir"
	"github.com/tangzhangming/lithium/internal/runtime"
	"github.com/tangzhangming/lithium/internal/snapshot"
)

// MaxWorkers 工作 goroutine 数量上限
const MaxWorkers = 256

// Options 编译选项
type Options struct {
	// Workers 工作 goroutine 数，0 表示 GOMAXPROCS
	Workers int

	// Config 代码生成开关，nil 表示 codegen.DefaultConfig()
	Config *codegen.Config

	Logger  *zap.Logger
	Metrics *codegen.Metrics

	// Space 非 nil 时把成功生成的代码安装进去
	Space *codespace.Space

	// Stats 非 nil 时累加到已有的统计上
	Stats *Stats
}

func (o *Options) workers(units int) int {
	n := o.Workers
	if n <= 0 {
		n = goruntime.GOMAXPROCS(0)
	}
	if n > MaxWorkers {
		n = MaxWorkers
	}
	if n > units {
		n = units
	}
	return n
}

// Unit 一个编译单元的结果
type Unit struct {
	Chunk *lir.Chunk
	// Code 生成成功时非 nil
	Code *codegen.Code
	// Installed 安装到代码空间后的位置
	Installed *codespace.Installed
	Err       error
}

// Aborted 单元是否被代码生成器中止
func (u *Unit) Aborted() bool { return errors.Is(u.Err, codegen.ErrAborted) }

// Result 一次 CompileAll 的结果，Units 与输入顺序一致
type Result struct {
	Units []Unit
	Stats *Stats
}

// Codes 返回成功生成的代码，保持输入顺序
func (r *Result) Codes() []*codegen.Code {
	codes := make([]*codegen.Code, 0, len(r.Units))
	for i := range r.Units {
		if r.Units[i].Code != nil {
			codes = append(codes, r.Units[i].Code)
		}
	}
	return codes
}

// Snapshot 把成功生成的代码序列化为快照
func (r *Result) Snapshot(opts ...snapshot.Option) ([]byte, error) {
	return snapshot.Serialize(r.Codes(), opts...)
}

// CompileAll 并发编译 chunks
//
// 返回的 error 汇总了所有失败单元（multierr），调用方可以用
// multierr.Errors 逐个取出；ctx 取消时返回 ctx.Err()，尚未开始的
// 单元不再编译。即使返回错误，Result 也总是非 nil。
func CompileAll(ctx context.Context, iso *runtime.Isolate, chunks []*lir.Chunk, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	stats := opts.Stats
	if stats == nil {
		stats = &Stats{}
	}
	res := &Result{Units: make([]Unit, len(chunks)), Stats: stats}
	for i, c := range chunks {
		res.Units[i].Chunk = c
	}
	if len(chunks) == 0 {
		return res, nil
	}

	w := &worker{iso: iso, opts: &opts, logger: logger, stats: stats}
	g, gctx := errgroup.WithContext(ctx)
	jobs := make(chan int)

	g.Go(func() error {
		defer close(jobs)
		for i := range chunks {
			select {
			case jobs <- i:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	for n := opts.workers(len(chunks)); n > 0; n-- {
		g.Go(func() error {
			for i := range jobs {
				if err := gctx.Err(); err != nil {
					return err
				}
				w.compile(&res.Units[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	var errs error
	for i := range res.Units {
		errs = multierr.Append(errs, res.Units[i].Err)
	}
	return res, errs
}

// worker 工作 goroutine 共享的只读上下文
type worker struct {
	iso    *runtime.Isolate
	opts   *Options
	logger *zap.Logger
	stats  *Stats
}

func (w *worker) compile(u *Unit) {
	if u.Chunk == nil {
		u.Err = errors.New("pipeline: nil chunk")
		w.stats.failed.Inc()
		return
	}
	name := u.Chunk.Info.Name
	log := w.logger.With(zap.String("unit", name))

	cgOpts := []codegen.Option{codegen.WithLogger(log), codegen.WithMetrics(w.opts.Metrics)}
	if w.opts.Config != nil {
		cgOpts = append(cgOpts, codegen.WithConfig(*w.opts.Config))
	}
	code, err := codegen.Generate(u.Chunk, w.iso, cgOpts...)
	if err != nil {
		u.Err = fmt.Errorf("pipeline: %s: %w", name, err)
		if u.Aborted() {
			w.stats.aborted.Inc()
		} else {
			w.stats.failed.Inc()
		}
		log.Warn("unit failed", zap.Error(err))
		return
	}
	u.Code = code

	if w.opts.Space != nil {
		in, err := w.opts.Space.Install(code)
		if err != nil {
			u.Err = fmt.Errorf("pipeline: install %s: %w", name, err)
			w.stats.failed.Inc()
			log.Warn("install failed", zap.Error(err))
			return
		}
		u.Installed = in
	}
	w.stats.compiled.Inc()
	w.stats.bytes.Add(int64(code.Size()))
}
