// errors.go - 代码生成中止原因

package codegen

import (
	"errors"
	"fmt"
)

// ErrAborted 代码生成被中止，产物不可用
var ErrAborted = errors.New("codegen: aborted")

// AbortReason 中止原因
type AbortReason int

const (
	AbortNone AbortReason = iota
	// ChunkVerificationFailed 输入 Chunk 违反结构约束
	ChunkVerificationFailed
	// BailoutWasNotPrepared 反优化入口表中没有对应入口
	BailoutWasNotPrepared
	// UnsupportedOpcode 操作码没有对应的降级实现
	UnsupportedOpcode
	// UnexpectedOperand 操作数种类与指令不匹配
	UnexpectedOperand
	// FramelessSpillSlot 无帧代码访问溢出槽
	FramelessSpillSlot
	// TooManyArgumentsForSafepoint 压栈参数超出安全点可表示范围
	TooManyArgumentsForSafepoint
	// UnsupportedFeature 需要未启用的 CPU 特性
	UnsupportedFeature
	// GapMoveUnresolvable 并行移动无法完成
	GapMoveUnresolvable
	// OSREntryNotFound OSR 编译找不到入口
	OSREntryNotFound
)

var abortReasonNames = [...]string{
	"no reason",
	"chunk verification failed",
	"bailout was not prepared",
	"unsupported opcode",
	"unexpected operand",
	"spill slot accessed without frame",
	"too many arguments for safepoint",
	"unsupported cpu feature",
	"unresolvable gap move",
	"osr entry not found",
}

// String 返回中止原因文本
func (r AbortReason) String() string {
	if r >= 0 && int(r) < len(abortReasonNames) {
		return abortReasonNames[r]
	}
	return fmt.Sprintf("abort(%d)", int(r))
}

// AbortError 中止错误，errors.Is(err, ErrAborted) 成立
type AbortError struct {
	Reason AbortReason
	// Detail 附加说明，可能为空
	Detail string
	// Cause 导致中止的底层错误，可能为 nil
	Cause error
}

// Error 实现 error 接口
func (e *AbortError) Error() string {
	msg := "codegen: aborted: " + e.Reason.String()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Is 与 ErrAborted 匹配
func (e *AbortError) Is(target error) bool {
	return target == ErrAborted
}

// Unwrap 返回底层错误
func (e *AbortError) Unwrap() error {
	return e.Cause
}
