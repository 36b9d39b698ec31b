// deopt.go - 反优化守卫、翻译与安全点登记

package codegen

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/tangzhangming/lithium/internal/asm/ia32"
	"github.com/tangzhangming/lithium/internal/deopt"
	"github.com/tangzhangming/lithium/internal/lir"
	"github.com/tangzhangming/lithium/internal/runtime"
	"github.com/tangzhangming/lithium/internal/safepoint"
)

// selfLiteralID 存根帧没有闭包，用该值表示“当前代码对象自身”
const selfLiteralID = -239

// jumpTableEntry 跳转表条目及其标签
type jumpTableEntry struct {
	deopt.JumpTableEntry
	label ia32.Label
	id    int
}

// ============================================================================
// 环境登记
// ============================================================================

// registerEnvironment 为环境生成翻译并分配反优化索引，对同一环境只做一次
func (cg *CodeGen) registerEnvironment(env *lir.Environment, mode safepoint.DeoptMode) registration {
	if reg, ok := cg.registered[env]; ok {
		return reg
	}
	frameCount := env.Depth()
	t := deopt.NewTranslation(&cg.translations, frameCount, env.JSFrameCount())
	cg.writeTranslation(env, t)

	reg := registration{
		deoptIndex:       len(cg.deoptimizations),
		translationIndex: t.Index(),
		pc:               -1,
	}
	if mode == safepoint.LazyDeopt {
		reg.pc = cg.masm.PcOffset()
	}
	cg.registered[env] = reg
	cg.deoptimizations = append(cg.deoptimizations, env)
	return reg
}

// writeTranslation 从最外层帧开始写出整条环境链
func (cg *CodeGen) writeTranslation(env *lir.Environment, t *deopt.Translation) {
	if env == nil {
		return
	}
	cg.writeTranslation(env.Outer, t)
	cg.writeTranslationFrame(env, t)

	objectIndex, dematerialized := 0, 0
	for i := 0; i < env.TranslationSize; i++ {
		objectIndex, dematerialized = cg.addToTranslation(t, env, i, objectIndex, dematerialized)
	}
}

func (cg *CodeGen) writeTranslationFrame(env *lir.Environment, t *deopt.Translation) {
	closureID := selfLiteralID
	if env.Closure != 0 {
		closureID = cg.literals.Define(deopt.ObjectLiteral(runtime.Address(env.Closure)))
	}
	height := env.TranslationSize - env.ParameterCount
	t.BeginFrame(frameCommand(env.FrameType), env.AstID, closureID, env.ParameterCount, height)
}

func frameCommand(ft lir.FrameType) deopt.Opcode {
	switch ft {
	case lir.FrameJSConstruct:
		return deopt.OpConstructStubFrame
	case lir.FrameArgumentsAdaptor:
		return deopt.OpArgumentsAdaptorFrame
	case lir.FrameStub:
		return deopt.OpCompiledStubFrame
	case lir.FrameJSGetter:
		return deopt.OpGetterStubFrame
	case lir.FrameJSSetter:
		return deopt.OpSetterStubFrame
	}
	return deopt.OpJSFrame
}

// addToTranslation 写出环境中第 i 个值，返回更新后的对象编号和已展开字段数
//
// 物化标记开始一个对象，其字段从 TranslationSize 之后的区域按顺序取出，
// 字段本身也可以是对象。
func (cg *CodeGen) addToTranslation(t *deopt.Translation, env *lir.Environment, i, objectIndex, dematerialized int) (int, int) {
	op := env.Values[i]
	if !op.IsMaterialization() {
		cg.storeValue(t, env, i)
		return objectIndex, dematerialized
	}

	obj := env.Objects[objectIndex]
	objectIndex++
	if obj.IsDuplicate() {
		t.DuplicateObject(obj.DuplicateOf)
		return objectIndex, dematerialized
	}
	if obj.IsArguments {
		t.BeginArgumentsObject(obj.Length)
	} else {
		t.BeginCapturedObject(obj.Length)
	}
	offset := env.TranslationSize + dematerialized
	dematerialized += obj.Length
	for f := 0; f < obj.Length; f++ {
		objectIndex, dematerialized = cg.addToTranslation(t, env, offset+f, objectIndex, dematerialized)
	}
	return objectIndex, dematerialized
}

func (cg *CodeGen) storeValue(t *deopt.Translation, env *lir.Environment, i int) {
	op := env.Values[i]
	tagged := env.HasTaggedValueAt(i)
	uint32Value := env.HasUint32ValueAt(i)

	switch op.Kind {
	case lir.KindStackSlot:
		switch {
		case tagged:
			t.StoreStackSlot(op.Index)
		case uint32Value:
			t.StoreUint32StackSlot(op.Index)
		default:
			t.StoreInt32StackSlot(op.Index)
		}
	case lir.KindDoubleStackSlot:
		t.StoreDoubleStackSlot(op.Index)
	case lir.KindFloat32x4StackSlot:
		t.Store(deopt.OpFloat32x4StackSlot, op.Index)
	case lir.KindFloat64x2StackSlot:
		t.Store(deopt.OpFloat64x2StackSlot, op.Index)
	case lir.KindInt32x4StackSlot:
		t.Store(deopt.OpInt32x4StackSlot, op.Index)
	case lir.KindRegister:
		code := int(cg.toRegister(op).Code())
		switch {
		case tagged:
			t.StoreRegister(code)
		case uint32Value:
			t.StoreUint32Register(code)
		default:
			t.StoreInt32Register(code)
		}
	case lir.KindDoubleRegister:
		t.StoreDoubleRegister(int(cg.toDoubleRegister(op).Code()))
	case lir.KindFloat32x4Register:
		t.Store(deopt.OpFloat32x4Register, int(cg.toSIMD128Register(op).Code()))
	case lir.KindFloat64x2Register:
		t.Store(deopt.OpFloat64x2Register, int(cg.toSIMD128Register(op).Code()))
	case lir.KindInt32x4Register:
		t.Store(deopt.OpInt32x4Register, int(cg.toSIMD128Register(op).Code()))
	case lir.KindConstant:
		t.StoreLiteral(cg.literals.Define(cg.constantLiteral(op)))
	default:
		cg.abort(UnexpectedOperand, fmt.Sprintf("environment value %s", op))
	}
}

func (cg *CodeGen) constantLiteral(op lir.Operand) deopt.Literal {
	c := cg.constant(op)
	switch c.Kind {
	case lir.ConstObject, lir.ConstExternal:
		return deopt.ObjectLiteral(runtime.Address(c.Address))
	}
	return deopt.NumberLiteral(c.DoubleValue())
}

func (cg *CodeGen) populateDeoptimizationLiteralsWithInlinedFunctions() {
	for _, fn := range cg.info.InlinedFunctions {
		cg.literals.Define(deopt.ObjectLiteral(runtime.Address(fn)))
	}
	cg.inlinedFunctionCount = cg.literals.Len()
}

// populateDeoptimizationData 汇总反优化元数据，没有反优化点时返回 nil
func (cg *CodeGen) populateDeoptimizationData() *deopt.InputData {
	if len(cg.deoptimizations) == 0 {
		return nil
	}
	data := &deopt.InputData{
		TranslationByteArray: cg.translations.Bytes(),
		Literals:             cg.literals.Literals(),
		InlinedFunctionCount: cg.inlinedFunctionCount,
		OptimizationID:       cg.info.OptimizationID,
		OSRAstID:             cg.info.OSRAstID,
		OSRPcOffset:          cg.osrPcOffset,
		Entries:              make([]deopt.Entry, len(cg.deoptimizations)),
	}
	for i, env := range cg.deoptimizations {
		reg := cg.registered[env]
		data.Entries[i] = deopt.Entry{
			AstID:                env.AstID,
			TranslationIndex:     reg.translationIndex,
			ArgumentsStackHeight: env.ArgumentsStackHeight,
			Pc:                   reg.pc,
		}
	}
	return data
}

// ============================================================================
// 反优化守卫
// ============================================================================

// defaultBailoutType 存根只能惰性反优化
func (cg *CodeGen) defaultBailoutType() deopt.BailoutType {
	if cg.info.IsStub {
		return deopt.Lazy
	}
	return deopt.Eager
}

// deoptimizeIf 条件 cc 成立时反优化；cc 为 Always 或 NoCondition 时无条件
func (cg *CodeGen) deoptimizeIf(cc ia32.Condition, instr *lir.Instruction, reason deopt.Reason) {
	cg.deoptimizeIfType(cc, instr, reason, cg.defaultBailoutType())
}

func (cg *CodeGen) deoptimizeIfType(cc ia32.Condition, instr *lir.Instruction, reason deopt.Reason, bailoutType deopt.BailoutType) {
	env := instr.Env
	if env == nil {
		cg.abort(UnexpectedOperand, fmt.Sprintf("%s deoptimizes without an environment", instr.Op))
		return
	}
	reg := cg.registerEnvironment(env, safepoint.NoLazyDeopt)
	id := reg.deoptIndex
	entry, ok := deopt.EntryAddress(cg.isolate, id, bailoutType)
	if !ok {
		cg.abort(BailoutWasNotPrepared, fmt.Sprintf("deopt id %d", id))
		return
	}
	cg.metrics.observeGuard(reason, bailoutType)
	if cg.config.TraceDeopt {
		cg.logger.Debug("deopt guard",
			zap.String("name", cg.info.Name),
			zap.Stringer("reason", reason),
			zap.Stringer("bailout", bailoutType),
			zap.Int("id", id),
			zap.Int("pc", cg.masm.PcOffset()))
	}

	a := cg.masm
	unconditional := cc == ia32.NoCondition || cc == ia32.Always

	if cg.config.stressDeopt() {
		counter := cg.externalOperand(runtime.ExtStressDeoptCount)
		var noDeopt ia32.Label
		a.Pushfd()
		a.Push(ia32.EAX)
		a.MovRegOp(ia32.EAX, counter)
		a.SubOpImm(ia32.R(ia32.EAX), ia32.Imm(1))
		a.J(ia32.NotZero, &noDeopt)
		if cg.config.TrapOnDeopt {
			a.Int3()
		}
		a.MovRegImm(ia32.EAX, ia32.Imm(int32(cg.config.DeoptEveryNTimes)))
		a.MovOpReg(counter, ia32.EAX)
		a.Pop(ia32.EAX)
		a.Popfd()
		cg.recordDeoptSite(a.PcOffset(), id, deopt.ReasonForcedDeoptToRuntime, bailoutType)
		a.CallAddr(uint32(entry), ia32.RelocRuntimeEntry)
		a.Bind(&noDeopt)
		a.MovOpReg(counter, ia32.EAX)
		a.Pop(ia32.EAX)
		a.Popfd()
	}

	if cg.config.TrapOnDeopt {
		var done ia32.Label
		if !unconditional {
			a.J(cc.Negate(), &done)
		}
		a.Int3()
		a.Bind(&done)
	}

	info := deopt.Info{Reason: reason}
	if instr.Hydrogen != nil {
		info.Position = instr.Hydrogen.Position
	}

	if unconditional && cg.frameIsBuilt {
		cg.recordDeoptSite(a.PcOffset(), id, reason, bailoutType)
		a.CallAddr(uint32(entry), ia32.RelocRuntimeEntry)
		return
	}

	e := &jumpTableEntry{
		JumpTableEntry: deopt.JumpTableEntry{
			Address:     entry,
			Info:        info,
			BailoutType: bailoutType,
			NeedsFrame:  !cg.frameIsBuilt,
		},
		id: id,
	}
	// 连续的守卫常常跳向同一入口，只与最后一个条目比较
	n := len(cg.jumpTable)
	if cg.config.TraceDeopt || cg.config.CPUProfiling || n == 0 ||
		!e.IsEquivalentTo(&cg.jumpTable[n-1].JumpTableEntry) {
		cg.jumpTable = append(cg.jumpTable, e)
	}
	last := &cg.jumpTable[len(cg.jumpTable)-1].label
	if unconditional {
		a.Jmp(last)
	} else {
		a.J(cc, last)
	}
}

func (cg *CodeGen) recordDeoptSite(pc, id int, reason deopt.Reason, t deopt.BailoutType) {
	cg.deoptSites = append(cg.deoptSites, DeoptSite{Pc: pc, ID: id, Reason: reason, BailoutType: t})
}

func (cg *CodeGen) sortedDeoptSites() []DeoptSite {
	sites := make([]DeoptSite, len(cg.deoptSites))
	copy(sites, cg.deoptSites)
	sort.SliceStable(sites, func(i, j int) bool { return sites[i].Pc < sites[j].Pc })
	return sites
}

// ============================================================================
// 安全点
// ============================================================================

// recordSafepoint 在当前 pc 登记安全点；pointers 为 nil 表示没有指针
func (cg *CodeGen) recordSafepoint(pointers *lir.PointerMap, kind safepoint.Kind, arguments int, mode safepoint.DeoptMode) {
	if kind != cg.expectedSafepointKind {
		panic(fmt.Sprintf("codegen: safepoint kind %d recorded while %d expected", kind, cg.expectedSafepointKind))
	}
	if arguments > safepoint.MaxArguments {
		cg.abort(TooManyArgumentsForSafepoint, fmt.Sprintf("%d arguments", arguments))
		return
	}
	sp := cg.safepoints.DefineSafepoint(cg.masm.PcOffset(), kind, arguments, mode)
	for _, op := range pointers.Normalized() {
		if op.IsStackSlot() {
			sp.DefinePointerSlot(op.Index)
		} else if op.IsRegister() && kind == safepoint.WithRegisters {
			sp.DefinePointerRegister(cg.toRegister(op))
		}
	}
}

// recordSafepointWithLazyDeopt 调用之后登记可惰性反优化的安全点
func (cg *CodeGen) recordSafepointWithLazyDeopt(instr *lir.Instruction, withRegisters bool) {
	if withRegisters {
		cg.recordSafepoint(instr.Pointers, safepoint.WithRegisters, 0, safepoint.LazyDeopt)
		return
	}
	cg.recordSafepoint(instr.Pointers, safepoint.Simple, 0, safepoint.LazyDeopt)
}

func (cg *CodeGen) recordSafepointWithRegisters(pointers *lir.PointerMap, arguments int, mode safepoint.DeoptMode) {
	cg.recordSafepoint(pointers, safepoint.WithRegisters, arguments, mode)
}

// pushSafepointRegisters 在 fn 执行期间保存全部寄存器，安全点需记录寄存器
func (cg *CodeGen) pushSafepointRegisters(fn func()) {
	cg.masm.Pushad()
	cg.expectedSafepointKind = safepoint.WithRegisters
	fn()
	cg.masm.Popad()
	cg.expectedSafepointKind = safepoint.Simple
}

// storeToSafepointRegisterSlot 修改 popad 将要恢复的寄存器值
func (cg *CodeGen) storeToSafepointRegisterSlot(dst, src ia32.Register) {
	cg.masm.MovOpReg(safepointRegisterSlot(dst), src)
}

func (cg *CodeGen) storeImmToSafepointRegisterSlot(dst ia32.Register, imm ia32.Immediate) {
	cg.masm.MovOpImm(safepointRegisterSlot(dst), imm)
}

func (cg *CodeGen) loadFromSafepointRegisterSlot(dst, src ia32.Register) {
	cg.masm.MovRegOp(dst, safepointRegisterSlot(src))
}
