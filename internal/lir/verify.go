// verify.go - Chunk 契约检查
//
// 代码生成器假定上游已经满足这些约束；调试模式下先运行 Verify，
// 把所有违反之处一次性汇总报告，而不是在发出代码的中途断言失败。

package lir

import (
	"fmt"

	"go.uber.org/multierr"
)

// 目标架构可分配的寄存器数量
const (
	NumAllocatableRegisters       = 6
	NumAllocatableDoubleRegisters = 7
)

// Verify 检查 Chunk 的结构约束，返回所有违反之处
func (c *Chunk) Verify() error {
	var err error
	for _, b := range c.Blocks {
		if b.Label < 0 || b.Label >= len(c.Instructions) {
			err = multierr.Append(err, fmt.Errorf("block B%d: label index %d out of range", b.ID, b.Label))
			continue
		}
		if l := c.Instructions[b.Label]; l.Op != OpLabel || l.Block != b.ID {
			err = multierr.Append(err, fmt.Errorf("block B%d: instruction %d is not its label", b.ID, b.Label))
		}
		if b.HasReplacement() && b.Replacement >= len(c.Blocks) {
			err = multierr.Append(err, fmt.Errorf("block B%d: replacement B%d out of range", b.ID, b.Replacement))
		}
	}
	for i, in := range c.Instructions {
		err = multierr.Append(err, c.verifyInstruction(i, in))
	}
	return err
}

func (c *Chunk) verifyInstruction(pos int, in *Instruction) error {
	var err error
	fail := func(format string, args ...interface{}) {
		err = multierr.Append(err, fmt.Errorf("instr %d (%s): %s", pos, in.Op, fmt.Sprintf(format, args...)))
	}
	if in.Op <= OpInvalid || in.Op >= NumOpcodes {
		fail("invalid opcode")
		return err
	}
	check := func(op Operand) {
		if e := c.verifyOperand(op); e != nil {
			fail("%v", e)
		}
	}
	if in.Result.IsValid() {
		if in.Result.IsConstant() || in.Result.IsMaterialization() {
			fail("result %s is not a location", in.Result)
		}
		check(in.Result)
	}
	for _, op := range in.Inputs {
		check(op)
	}
	for _, op := range in.Temps {
		check(op)
	}
	for _, m := range in.Moves {
		if m == nil {
			continue
		}
		for _, mv := range m.Moves {
			check(mv.Source)
			if mv.Destination.IsValid() {
				if mv.Destination.IsConstant() {
					fail("move destination is a constant")
				}
				check(mv.Destination)
			}
		}
	}
	switch in.Op {
	case OpGoto:
		if in.Block < 0 || in.Block >= len(c.Blocks) {
			fail("target B%d out of range", in.Block)
		}
	case OpBranch, OpCompareNumericAndBranch, OpCmpObjectEqAndBranch, OpCmpHoleAndBranch,
		OpCompareMinusZeroAndBranch, OpIsSmiAndBranch, OpCmpMapAndBranch, OpHasInstanceTypeAndBranch:
		if in.TrueBlock < 0 || in.TrueBlock >= len(c.Blocks) || in.FalseBlock < 0 || in.FalseBlock >= len(c.Blocks) {
			fail("branch targets B%d/B%d out of range", in.TrueBlock, in.FalseBlock)
		}
	}
	if in.Op.IsCall() && in.Pointers == nil {
		fail("call without pointer map")
	}
	for env := in.Env; env != nil; env = env.Outer {
		if e := verifyEnvironment(env); e != nil {
			fail("%v", e)
		}
		for _, v := range env.Values {
			if !v.IsMaterialization() {
				check(v)
			}
		}
	}
	if in.Pointers != nil {
		for _, p := range in.Pointers.Pointers {
			check(p)
		}
	}
	return err
}

func (c *Chunk) verifyOperand(op Operand) error {
	switch op.Kind {
	case KindInvalid, KindMaterialization:
		return nil
	case KindConstant:
		if op.Index < 0 || op.Index >= len(c.Constants) {
			return fmt.Errorf("constant %d out of range", op.Index)
		}
	case KindRegister:
		if op.Index < 0 || op.Index >= NumAllocatableRegisters {
			return fmt.Errorf("register %d out of range", op.Index)
		}
	case KindDoubleRegister, KindFloat32x4Register, KindFloat64x2Register, KindInt32x4Register:
		if op.Index < 0 || op.Index >= NumAllocatableDoubleRegisters {
			return fmt.Errorf("xmm register %d out of range", op.Index)
		}
	default:
		if op.Index >= c.SpillSlotCount || op.Index < -(c.ParameterCount+1) {
			return fmt.Errorf("%s out of range", op)
		}
	}
	return nil
}

// verifyEnvironment 检查物化对象的嵌套与字段消费
func verifyEnvironment(env *Environment) error {
	if env.TranslationSize > len(env.Values) {
		return fmt.Errorf("translation size %d exceeds %d values", env.TranslationSize, len(env.Values))
	}
	if len(env.Tagged) != 0 && len(env.Tagged) != len(env.Values) {
		return fmt.Errorf("tagged bits cover %d of %d values", len(env.Tagged), len(env.Values))
	}
	objects, next := 0, env.TranslationSize
	var walk func(i int) error
	walk = func(i int) error {
		if i >= len(env.Values) {
			return fmt.Errorf("value %d out of range", i)
		}
		if !env.Values[i].IsMaterialization() {
			return nil
		}
		if objects >= len(env.Objects) {
			return fmt.Errorf("materialization marker %d has no object", i)
		}
		obj := env.Objects[objects]
		objects++
		if obj.IsDuplicate() {
			if obj.DuplicateOf >= objects-1 {
				return fmt.Errorf("object %d duplicates later object %d", objects-1, obj.DuplicateOf)
			}
			return nil
		}
		start := next
		next += obj.Length
		for f := 0; f < obj.Length; f++ {
			if err := walk(start + f); err != nil {
				return err
			}
		}
		return nil
	}
	for i := 0; i < env.TranslationSize; i++ {
		if err := walk(i); err != nil {
			return err
		}
	}
	if next != len(env.Values) {
		return fmt.Errorf("objects consume %d values, have %d", next, len(env.Values))
	}
	if objects != len(env.Objects) {
		return fmt.Errorf("%d objects declared, %d referenced", len(env.Objects), objects)
	}
	return nil
}
