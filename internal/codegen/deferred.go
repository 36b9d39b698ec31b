// deferred.go - 延迟代码
//
// 慢路径在主体之后统一发出。请求方在主路径上跳到 entry，慢路径结束后
// 跳回 exit；exit 默认是请求方在主路径上绑定的标签，也可以改为指向
// 别处（例如块标签）。

package codegen

import (
	"github.com/tangzhangming/lithium/internal/asm/ia32"
	"github.com/tangzhangming/lithium/internal/lir"
)

type deferredCode struct {
	instr            *lir.Instruction
	instructionIndex int

	entry     ia32.Label
	exitLabel ia32.Label
	exit      *ia32.Label
	// done 延迟代码的公共出口，位于延迟帧拆除之前
	done ia32.Label

	gen func(cg *CodeGen, d *deferredCode)
}

func (d *deferredCode) generate(cg *CodeGen) {
	d.gen(cg, d)
}

// addDeferred 登记一段延迟代码
func (cg *CodeGen) addDeferred(instr *lir.Instruction, gen func(cg *CodeGen, d *deferredCode)) *deferredCode {
	d := &deferredCode{
		instr:            instr,
		instructionIndex: cg.currentInstruction,
		gen:              gen,
	}
	d.exit = &d.exitLabel
	cg.deferred = append(cg.deferred, d)
	return d
}

// setExit 把返回位置改为 l
func (d *deferredCode) setExit(l *ia32.Label) {
	d.exit = l
}

// bindExit 在主路径的当前位置绑定返回标签
func (cg *CodeGen) bindExit(d *deferredCode) {
	cg.masm.Bind(d.exit)
}
