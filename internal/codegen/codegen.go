// codegen.go - 代码生成驱动
//
// CodeGen 把一个寄存器分配完成的 lir.Chunk 降级为 IA-32 机器码，同时构建
// 安全点表和反优化元数据。生成顺序固定：
//
//	序言 -> 主体 -> 延迟代码 -> 跳转表 -> 安全点表
//
// 任一阶段中止后其余阶段都不再执行，已经发出的字节直接丢弃。
//
// 每个 CodeGen 只服务一个编译单元，内部状态不加锁；多个单元可以在
// 不同 goroutine 上各自使用自己的 CodeGen 并发编译。

// Package codegen 实现 Lithium 风格的 IA-32 优化代码生成器。
package codegen

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tangzhangming/lithium/internal/asm/ia32"
	"github.com/tangzhangming/lithium/internal/deopt"
	"github.com/tangzhangming/lithium/internal/lir"
	"github.com/tangzhangming/lithium/internal/runtime"
	"github.com/tangzhangming/lithium/internal/safepoint"
)

// ============================================================================
// 状态与选项
// ============================================================================

type status int

const (
	statusUnused status = iota
	statusGenerating
	statusDone
	statusAborted
)

// Option CodeGen 构造选项
type Option func(*CodeGen)

// WithConfig 设置代码生成开关
func WithConfig(c Config) Option {
	return func(cg *CodeGen) { cg.config = c }
}

// WithLogger 设置日志记录器，默认不输出
func WithLogger(l *zap.Logger) Option {
	return func(cg *CodeGen) {
		if l != nil {
			cg.logger = l
		}
	}
}

// WithMetrics 设置指标收集器
func WithMetrics(m *Metrics) Option {
	return func(cg *CodeGen) { cg.metrics = m }
}

// ============================================================================
// CodeGen
// ============================================================================

// CodeGen 一个编译单元的代码生成器
type CodeGen struct {
	chunk   *lir.Chunk
	info    *lir.CompilationInfo
	isolate *runtime.Isolate
	config  Config
	logger  *zap.Logger
	metrics *Metrics

	masm   *ia32.Assembler
	status status
	err    *AbortError

	// 当前正在降级的指令下标与所在块
	currentInstruction int
	currentBlock       int
	blockLabels        []*ia32.Label

	deferred  []*deferredCode
	jumpTable []*jumpTableEntry
	resolver  *gapResolver

	// 反优化
	deoptimizations      []*lir.Environment
	registered           map[*lir.Environment]registration
	translations         deopt.Buffer
	literals             deopt.LiteralPool
	inlinedFunctionCount int
	deoptSites           []DeoptSite

	safepoints            *safepoint.Builder
	expectedSafepointKind safepoint.Kind
	lastLazyDeoptPc       int
	osrPcOffset           int

	// entryLabel 代码起点，自调用的目标
	entryLabel ia32.Label

	frameIsBuilt                 bool
	dynamicFrameAlignment        bool
	supportAlignedSpilledDoubles bool
	noFrameRanges                []NoFrameRange
}

// registration 环境登记结果
type registration struct {
	deoptIndex       int
	translationIndex int
	pc               int
}

// New 创建代码生成器
func New(chunk *lir.Chunk, isolate *runtime.Isolate, opts ...Option) *CodeGen {
	cg := &CodeGen{
		chunk:       chunk,
		info:        &chunk.Info,
		isolate:     isolate,
		config:      DefaultConfig(),
		logger:      zap.NewNop(),
		masm:        ia32.New(),
		registered:  make(map[*lir.Environment]registration),
		safepoints:  safepoint.NewBuilder(),
		osrPcOffset: -1,
	}
	for _, opt := range opts {
		opt(cg)
	}
	cg.blockLabels = make([]*ia32.Label, len(chunk.Blocks))
	for i := range cg.blockLabels {
		cg.blockLabels[i] = &ia32.Label{}
	}
	cg.resolver = newGapResolver(cg)
	return cg
}

// Generate 便捷函数：创建 CodeGen 并生成代码
func Generate(chunk *lir.Chunk, isolate *runtime.Isolate, opts ...Option) (*Code, error) {
	return New(chunk, isolate, opts...).Generate()
}

// Config 返回代码生成开关
func (cg *CodeGen) Config() *Config { return &cg.config }

// generatePhases 依次执行各阶段，任一阶段中止后停止
func (cg *CodeGen) generatePhases() {
	if cg.isAborted() {
		return
	}
	if !cg.generatePrologue() {
		return
	}
	if !cg.generateBody() {
		return
	}
	if !cg.generateDeferredCode() {
		return
	}
	if !cg.generateJumpTable() {
		return
	}
	cg.generateSafepointTable()
}

// Generate 生成代码
//
// 成功时返回不可变的 Code；中止时返回 *AbortError。
func (cg *CodeGen) Generate() (*Code, error) {
	if cg.status != statusUnused {
		return nil, errors.New("codegen: Generate called more than once")
	}
	cg.status = statusGenerating
	cg.logger.Debug("code generation started",
		zap.String("name", cg.info.Name),
		zap.Int("instructions", len(cg.chunk.Instructions)),
		zap.Int("stack_slots", cg.stackSlotCount()),
		zap.Bool("stub", cg.info.IsStub),
		zap.Bool("osr", cg.info.IsOSR()))

	if cg.config.DebugCode {
		if err := cg.chunk.Verify(); err != nil {
			cg.abortWith(ChunkVerificationFailed, "", err)
		}
	}

	cg.supportAlignedSpilledDoubles = !cg.info.IsStub
	cg.dynamicFrameAlignment = !cg.info.IsStub && cg.config.DynamicAlignment &&
		(cg.info.UsesDoubles || cg.info.IsOSR())

	cg.populateDeoptimizationLiteralsWithInlinedFunctions()

	cg.generatePhases()
	if cg.isAborted() {
		cg.metrics.observeResult(outcomeAborted, 0, 0)
		cg.logger.Warn("code generation aborted",
			zap.String("name", cg.info.Name),
			zap.Stringer("reason", cg.err.Reason),
			zap.Error(cg.err))
		return nil, cg.err
	}

	code := cg.finishCode()
	cg.metrics.observeResult(outcomeSuccess, code.Size(), len(cg.jumpTable))
	cg.logger.Debug("code generation finished",
		zap.String("name", cg.info.Name),
		zap.Int("size", code.Size()),
		zap.Int("deopt_entries", code.DeoptData.DeoptCount()),
		zap.Int("jump_table", len(cg.jumpTable)),
		zap.Int("safepoints", cg.safepoints.Len()))
	return code, nil
}

// ============================================================================
// 状态
// ============================================================================

func (cg *CodeGen) isAborted() bool    { return cg.status == statusAborted }
func (cg *CodeGen) isGenerating() bool { return cg.status == statusGenerating }
func (cg *CodeGen) isDone() bool       { return cg.status == statusDone }

// abort 中止代码生成，只保留第一个原因
func (cg *CodeGen) abort(reason AbortReason, detail string) {
	cg.abortWith(reason, detail, nil)
}

func (cg *CodeGen) abortWith(reason AbortReason, detail string, cause error) {
	if cg.isAborted() {
		return
	}
	cg.status = statusAborted
	cg.err = &AbortError{Reason: reason, Detail: detail, Cause: cause}
}

// ============================================================================
// 帧判定
// ============================================================================

func (cg *CodeGen) stackSlotCount() int { return cg.chunk.StackSlotCount() }

// needsEagerFrame 序言中就建立帧
func (cg *CodeGen) needsEagerFrame() bool {
	return cg.stackSlotCount() > 0 || cg.info.HasNonDeferredCalls ||
		!cg.info.IsStub || cg.info.RequiresFrame
}

// needsDeferredFrame 无帧存根的延迟代码需要临时帧
func (cg *CodeGen) needsDeferredFrame() bool {
	return !cg.needsEagerFrame() && len(cg.deferred) > 0
}

// ============================================================================
// 序言
// ============================================================================

func (cg *CodeGen) generatePrologue() bool {
	a := cg.masm
	a.Bind(&cg.entryLabel)
	if !cg.info.IsStub {
		if cg.info.IsSloppy {
			// 以函数方式调用时接收者是 undefined，替换为全局代理
			var ok ia32.Label
			receiverOffset := int32((cg.chunk.ParameterCount + 1) * runtime.PointerSize)
			a.MovRegOp(ia32.ECX, ia32.Mem(ia32.ESP, receiverOffset))
			a.CmpOpImm(ia32.R(ia32.ECX), cg.rootImmediate(runtime.RootUndefined))
			a.J(ia32.NotEqual, &ok)
			a.MovRegOp(ia32.ECX, ia32.FieldOperand(ia32.ESI, runtime.ContextSlotOffset(runtime.ContextGlobalObjectIndex)))
			a.MovRegOp(ia32.ECX, ia32.FieldOperand(ia32.ECX, runtime.JSGlobalObjectGlobalProxyOffset))
			a.MovOpReg(ia32.Mem(ia32.ESP, receiverOffset), ia32.ECX)
			a.Bind(&ok)
		}
		if cg.supportAlignedSpilledDoubles && cg.dynamicFrameAlignment {
			cg.emitDynamicAlignment()
		}
	}

	if cg.needsEagerFrame() {
		cg.frameIsBuilt = true
		a.Push(ia32.EBP)
		a.MovRegReg(ia32.EBP, ia32.ESP)
		a.Push(ia32.ContextRegister)
		if cg.info.IsStub {
			a.PushImm(ia32.Imm(stubFrameMarker))
		} else {
			a.Push(ia32.FunctionRegister)
		}
		cg.noFrameRanges = append(cg.noFrameRanges, NoFrameRange{Start: 0, End: a.PcOffset()})
	}

	if !cg.info.IsStub && cg.dynamicFrameAlignment && cg.config.DebugCode {
		var aligned ia32.Label
		a.TestOpImm(ia32.R(ia32.ESP), ia32.Imm(runtime.PointerSize))
		a.J(ia32.Zero, &aligned)
		a.Int3()
		a.Bind(&aligned)
	}

	if cg.info.IsOSR() {
		// OSR 帧由未优化代码建立，槽位在 OSR 序言中补齐
		return !cg.isAborted()
	}

	cg.reserveStackSlots()
	if cg.info.SavesCallerDoubles {
		cg.saveCallerDoubles()
	}
	if cg.info.HeapSlots > 0 {
		cg.allocateLocalContext()
	}
	if cg.config.Trace && !cg.info.IsStub {
		// esi 仍是传入的上下文
		cg.callRuntimeRaw(runtime.FuncTraceEnter, 0, false)
	}
	return !cg.isAborted()
}

// emitDynamicAlignment 让 esp+4 对齐到 8 字节，必要时把参数、接收者和
// 返回地址整体下移一个字
func (cg *CodeGen) emitDynamicAlignment() {
	a := cg.masm
	var doNotPad, loop ia32.Label
	a.MovRegImm(ia32.EDX, ia32.Imm(noAlignmentPadding))
	a.TestOpImm(ia32.R(ia32.ESP), ia32.Imm(runtime.PointerSize))
	a.J(ia32.NotZero, &doNotPad)
	a.PushImm(ia32.Imm(0))
	a.MovRegReg(ia32.EBX, ia32.ESP)
	a.MovRegImm(ia32.EDX, ia32.Imm(alignmentPaddingPushed))
	a.MovRegImm(ia32.ECX, ia32.Imm(int32(cg.chunk.ParameterCount+2)))
	a.Bind(&loop)
	a.MovRegOp(ia32.EAX, ia32.Mem(ia32.EBX, runtime.PointerSize))
	a.MovOpReg(ia32.Mem(ia32.EBX, 0), ia32.EAX)
	a.AddOpImm(ia32.R(ia32.EBX), ia32.Imm(runtime.PointerSize))
	a.Dec(ia32.R(ia32.ECX))
	a.J(ia32.NotZero, &loop)
	a.MovOpImm(ia32.Mem(ia32.EBX, 0), ia32.Imm(alignmentZapValue))
	a.Bind(&doNotPad)
}

// reserveStackSlots 为溢出槽保留空间并写入动态对齐状态
func (cg *CodeGen) reserveStackSlots() {
	a := cg.masm
	slots := cg.stackSlotCount()
	switch {
	case slots <= 0:
		return
	case slots == 1:
		if cg.dynamicFrameAlignment {
			a.Push(ia32.EDX)
		} else {
			a.PushImm(ia32.Imm(noAlignmentPadding))
		}
		return
	}

	a.SubOpImm(ia32.R(ia32.ESP), ia32.Imm(int32(slots*runtime.PointerSize)))
	if cg.config.DebugCode || cg.config.ZapStackSlots {
		var loop ia32.Label
		a.Push(ia32.EAX)
		a.MovRegImm(ia32.EAX, ia32.Imm(int32(slots)))
		a.Bind(&loop)
		a.MovOpImm(ia32.MemIndex(ia32.ESP, ia32.EAX, ia32.Times4, 0), ia32.Imm(slotsZapValue))
		a.Dec(ia32.R(ia32.EAX))
		a.J(ia32.NotZero, &loop)
		a.Pop(ia32.EAX)
	}
	if cg.supportAlignedSpilledDoubles {
		if cg.dynamicFrameAlignment {
			a.MovOpReg(ia32.Mem(ia32.EBP, dynamicAlignmentStateOffset), ia32.EDX)
		} else {
			a.MovOpImm(ia32.Mem(ia32.EBP, dynamicAlignmentStateOffset), ia32.Imm(noAlignmentPadding))
		}
	}
}

// saveCallerDoubles 存根保存被分配过的 XMM 寄存器
func (cg *CodeGen) saveCallerDoubles() {
	count := 0
	cg.chunk.AllocatedDoubleRegisters.ForEach(func(index int) {
		cg.masm.MovsdStore(ia32.Mem(ia32.ESP, int32(count*runtime.DoubleSize)), ia32.XMMFromAllocationIndex(index))
		count++
	})
}

func (cg *CodeGen) restoreCallerDoubles() {
	count := 0
	cg.chunk.AllocatedDoubleRegisters.ForEach(func(index int) {
		cg.masm.MovsdLoad(ia32.XMMFromAllocationIndex(index), ia32.Mem(ia32.ESP, int32(count*runtime.DoubleSize)))
		count++
	})
}

// allocateLocalContext 分配函数上下文并复制上下文参数
func (cg *CodeGen) allocateLocalContext() {
	a := cg.masm
	needWriteBarrier := true
	if cg.info.HeapSlots <= fastNewContextMaximumSlots {
		// edi 仍是函数；快速存根的结果总在新生代
		a.CallAddr(uint32(cg.isolate.Builtin(runtime.BuiltinFastNewContext)), ia32.RelocCodeTarget)
		needWriteBarrier = false
	} else {
		a.Push(ia32.FunctionRegister)
		cg.callRuntimeRaw(runtime.FuncNewFunctionContext, 1, false)
	}
	cg.recordSafepoint(nil, safepoint.Simple, 0, safepoint.NoLazyDeopt)

	a.MovRegReg(ia32.ContextRegister, ia32.EAX)
	a.MovOpReg(ia32.Mem(ia32.EBP, contextOffset), ia32.EAX)

	n := cg.chunk.ParameterCount
	for _, p := range cg.info.ContextParameters {
		parameterOffset := int32(callerSPOffset + (n-p.ParameterIndex)*runtime.PointerSize)
		slot := runtime.ContextSlotOffset(p.SlotIndex)
		a.MovRegOp(ia32.EAX, ia32.Mem(ia32.EBP, parameterOffset))
		a.MovOpReg(ia32.FieldOperand(ia32.ContextRegister, slot), ia32.EAX)
		if needWriteBarrier {
			cg.recordWriteField(ia32.ContextRegister, slot, ia32.EAX, ia32.EBX, true)
		}
	}
}

// ============================================================================
// OSR 序言
// ============================================================================

// generateOsrPrologue 把未优化帧并入优化帧，只生成一次
func (cg *CodeGen) generateOsrPrologue() {
	if cg.osrPcOffset >= 0 {
		return
	}
	a := cg.masm
	cg.osrPcOffset = a.PcOffset()

	a.MovRegImm(ia32.EDX, ia32.Imm(noAlignmentPadding))
	if cg.supportAlignedSpilledDoubles && cg.dynamicFrameAlignment {
		var doNotPad, loop ia32.Label
		a.TestOpImm(ia32.R(ia32.EBP), ia32.Imm(runtime.PointerSize))
		a.J(ia32.Zero, &doNotPad)
		a.PushImm(ia32.Imm(0))
		a.MovRegReg(ia32.EBX, ia32.ESP)
		a.MovRegImm(ia32.EDX, ia32.Imm(alignmentPaddingPushed))
		// 未优化帧槽、对齐状态、上下文、帧指针、返回地址、接收者和参数
		a.MovRegImm(ia32.ECX, ia32.Imm(int32(cg.chunk.ParameterCount+5+cg.info.UnoptimizedFrameSlots)))
		a.Bind(&loop)
		a.MovRegOp(ia32.EAX, ia32.Mem(ia32.EBX, runtime.PointerSize))
		a.MovOpReg(ia32.Mem(ia32.EBX, 0), ia32.EAX)
		a.AddOpImm(ia32.R(ia32.EBX), ia32.Imm(runtime.PointerSize))
		a.Dec(ia32.R(ia32.ECX))
		a.J(ia32.NotZero, &loop)
		a.MovOpImm(ia32.Mem(ia32.EBX, 0), ia32.Imm(alignmentZapValue))
		a.SubOpImm(ia32.R(ia32.EBP), ia32.Imm(runtime.PointerSize))
		a.Bind(&doNotPad)
	}

	// 第一个局部变量被对齐状态覆盖，先保存
	alignment := ia32.Mem(ia32.EBP, dynamicAlignmentStateOffset)
	a.PushOp(alignment)
	a.MovOpReg(alignment, ia32.EDX)

	slots := cg.stackSlotCount() - cg.info.UnoptimizedFrameSlots
	if slots < 1 {
		cg.abort(OSREntryNotFound, fmt.Sprintf("optimized frame has %d slots beyond the unoptimized frame", slots))
		return
	}
	if slots > 1 {
		a.SubOpImm(ia32.R(ia32.ESP), ia32.Imm(int32((slots-1)*runtime.PointerSize)))
	}
}

// ============================================================================
// 主体
// ============================================================================

func (cg *CodeGen) generateBody() bool {
	emit := true
	instrs := cg.chunk.Instructions
	for cg.currentInstruction = 0; !cg.isAborted() && cg.currentInstruction < len(instrs); cg.currentInstruction++ {
		instr := instrs[cg.currentInstruction]
		if instr.Op == lir.OpLabel {
			emit = !cg.chunk.Blocks[instr.Block].HasReplacement()
		}
		if !emit {
			continue
		}
		cg.bodyInstructionPre(instr)
		cg.compile(instr)
	}
	return !cg.isAborted()
}

func (cg *CodeGen) bodyInstructionPre(instr *lir.Instruction) {
	if instr.Op.IsCall() {
		cg.ensureSpaceForLazyDeopt(ia32.PatchSize)
	}
	if instr.Op != lir.OpLazyBailout && !instr.Op.IsGap() {
		cg.safepoints.BumpLastLazySafepointIndex()
	}
}

// ensureSpaceForLazyDeopt 保证与上一个惰性反优化点之间至少有补丁宽度
func (cg *CodeGen) ensureSpaceForLazyDeopt(spaceNeeded int) {
	if !cg.info.IsStub {
		pc := cg.masm.PcOffset()
		if pc < cg.lastLazyDeoptPc+spaceNeeded {
			cg.masm.Nop(cg.lastLazyDeoptPc + spaceNeeded - pc)
		}
	}
	cg.lastLazyDeoptPc = cg.masm.PcOffset()
}

// ============================================================================
// 延迟代码、跳转表与安全点表
// ============================================================================

func (cg *CodeGen) generateDeferredCode() bool {
	needsFrame := cg.needsDeferredFrame()
	a := cg.masm
	for i := 0; !cg.isAborted() && i < len(cg.deferred); i++ {
		code := cg.deferred[i]
		cg.currentInstruction = code.instructionIndex
		a.Bind(&code.entry)
		if needsFrame {
			// 建帧时不破坏 esi
			cg.frameIsBuilt = true
			a.Push(ia32.EBP)
			a.PushOp(ia32.Mem(ia32.EBP, contextOffset))
			a.PushImm(ia32.Imm(stubFrameMarker))
			a.Lea(ia32.EBP, ia32.Mem(ia32.ESP, 2*runtime.PointerSize))
		}
		code.generate(cg)
		a.Bind(&code.done)
		if needsFrame {
			cg.frameIsBuilt = false
			a.MovRegReg(ia32.ESP, ia32.EBP)
			a.Pop(ia32.EBP)
		}
		a.Jmp(code.exit)
	}
	if !cg.isAborted() {
		cg.status = statusDone
	}
	return !cg.isAborted()
}

func (cg *CodeGen) generateJumpTable() bool {
	if len(cg.jumpTable) == 0 {
		return !cg.isAborted()
	}
	a := cg.masm
	var needsFrame ia32.Label
	for _, e := range cg.jumpTable {
		a.Bind(&e.label)
		site := a.PcOffset()
		if e.NeedsFrame {
			a.PushImm(ia32.ImmReloc(uint32(e.Address), ia32.RelocExternalReference))
			site = a.PcOffset()
			a.Call(&needsFrame)
		} else {
			if cg.info.SavesCallerDoubles {
				cg.restoreCallerDoubles()
			}
			site = a.PcOffset()
			a.CallAddr(uint32(e.Address), ia32.RelocRuntimeEntry)
		}
		cg.recordDeoptSite(site, e.id, e.Info.Reason, e.BailoutType)
	}
	if needsFrame.IsLinked() {
		// 栈布局：[esp] 返回地址，[esp+4] 入口地址
		a.Bind(&needsFrame)
		a.SubOpImm(ia32.R(ia32.ESP), ia32.Imm(runtime.PointerSize))
		a.PushOp(ia32.Mem(ia32.ESP, runtime.PointerSize))
		a.PushOp(ia32.Mem(ia32.ESP, 3*runtime.PointerSize))
		a.MovOpReg(ia32.Mem(ia32.ESP, 4*runtime.PointerSize), ia32.EBP)
		a.MovRegOp(ia32.EBP, ia32.Mem(ia32.EBP, contextOffset))
		a.MovOpReg(ia32.Mem(ia32.ESP, 3*runtime.PointerSize), ia32.EBP)
		a.Lea(ia32.EBP, ia32.Mem(ia32.ESP, 4*runtime.PointerSize))
		a.MovOpImm(ia32.Mem(ia32.ESP, 2*runtime.PointerSize), ia32.Imm(stubFrameMarker))
		// 栈布局：旧 ebp、上下文、存根标记、返回地址、入口地址 <- esp
		a.Ret(0)
	}
	cg.logger.Debug("jump table emitted",
		zap.String("name", cg.info.Name),
		zap.Int("entries", len(cg.jumpTable)))
	return !cg.isAborted()
}

func (cg *CodeGen) generateSafepointTable() bool {
	if !cg.info.IsStub {
		// 即使代码以调用结尾，也要留出惰性反优化补丁的空间
		cg.masm.Nop(ia32.PatchSize)
	}
	slots := cg.stackSlotCount()
	if slots < 0 {
		slots = 0
	}
	cg.safepoints.Emit(cg.masm, slots)
	return !cg.isAborted()
}

// ============================================================================
// 收尾
// ============================================================================

func (cg *CodeGen) finishCode() *Code {
	code := &Code{
		Name:                 cg.info.Name,
		IsStub:               cg.info.IsStub,
		Instructions:         cg.masm.Code(),
		Listing:              cg.masm.Listing(),
		Relocations:          cg.masm.Relocations(),
		StackSlots:           cg.stackSlotCount(),
		SafepointTableOffset: cg.safepoints.Offset(),
		NoFrameRanges:        cg.noFrameRanges,
		DeoptSites:           cg.sortedDeoptSites(),
		DeoptData:            cg.populateDeoptimizationData(),
	}
	return code
}
