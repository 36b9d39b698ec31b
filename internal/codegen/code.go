// code.go - 生成的代码对象
//
// Code 是一次成功的代码生成的全部产物：机器码、重定位信息、安全点表
// 位置、反优化元数据以及诊断用的反优化点记录。生成后不再修改。

package codegen

import (
	"fmt"
	"sort"

	"github.com/segmentio/encoding/json"

	"github.com/tangzhangming/lithium/internal/asm/ia32"
	"github.com/tangzhangming/lithium/internal/deopt"
	"github.com/tangzhangming/lithium/internal/safepoint"
)

// NoFrameRange 栈帧尚未建立或已经拆除的代码区间 [Start, End)
type NoFrameRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// DeoptSite 一个跳向反优化入口的调用点
type DeoptSite struct {
	// Pc 调用指令的偏移
	Pc          int               `json:"pc"`
	ID          int               `json:"id"`
	Reason      deopt.Reason      `json:"-"`
	BailoutType deopt.BailoutType `json:"-"`
}

// Code 代码对象
type Code struct {
	Name   string
	IsStub bool

	// Instructions 机器码，包括尾部的安全点表
	Instructions []byte
	Listing      []ia32.Inst
	Relocations  []ia32.RelocInfo

	// StackSlots 帧中保留的槽数
	StackSlots           int
	SafepointTableOffset int
	NoFrameRanges        []NoFrameRange
	// DeoptSites 按 Pc 升序
	DeoptSites []DeoptSite
	DeoptData  *deopt.InputData
}

// Size 机器码字节数
func (c *Code) Size() int { return len(c.Instructions) }

// SafepointTable 解析代码尾部的安全点表
func (c *Code) SafepointTable() (*safepoint.Table, error) {
	t, err := safepoint.Parse(c.Instructions, c.SafepointTableOffset)
	if err != nil {
		return nil, fmt.Errorf("code %s: %w", c.Name, err)
	}
	return t, nil
}

// DeoptSiteAt 查找 pc 处的反优化调用点
func (c *Code) DeoptSiteAt(pc int) (DeoptSite, bool) {
	i := sort.Search(len(c.DeoptSites), func(i int) bool { return c.DeoptSites[i].Pc >= pc })
	if i < len(c.DeoptSites) && c.DeoptSites[i].Pc == pc {
		return c.DeoptSites[i], true
	}
	return DeoptSite{}, false
}

// InNoFrameRange pc 是否处于无帧区间
func (c *Code) InNoFrameRange(pc int) bool {
	for _, r := range c.NoFrameRanges {
		if pc >= r.Start && pc < r.End {
			return true
		}
	}
	return false
}

// Disassemble 返回反汇编文本
func (c *Code) Disassemble() string {
	return ia32.Disassemble(c.Instructions, c.Listing)
}

type codeJSON struct {
	Name                 string           `json:"name"`
	Kind                 string           `json:"kind"`
	Size                 int              `json:"size"`
	StackSlots           int              `json:"stack_slots"`
	SafepointTableOffset int              `json:"safepoint_table_offset"`
	Relocations          []ia32.RelocInfo `json:"relocations"`
	NoFrameRanges        []NoFrameRange   `json:"no_frame_ranges"`
	DeoptSites           []deoptSiteJSON  `json:"deopt_sites"`
	DeoptData            *deopt.InputData `json:"deopt_data,omitempty"`
}

type deoptSiteJSON struct {
	Pc      int    `json:"pc"`
	ID      int    `json:"id"`
	Reason  string `json:"reason"`
	Bailout string `json:"bailout"`
}

// MarshalJSON 导出代码元数据，不含机器码本身
func (c *Code) MarshalJSON() ([]byte, error) {
	out := codeJSON{
		Name:                 c.Name,
		Kind:                 "optimized_function",
		Size:                 len(c.Instructions),
		StackSlots:           c.StackSlots,
		SafepointTableOffset: c.SafepointTableOffset,
		Relocations:          c.Relocations,
		NoFrameRanges:        c.NoFrameRanges,
		DeoptData:            c.DeoptData,
	}
	if c.IsStub {
		out.Kind = "stub"
	}
	for _, s := range c.DeoptSites {
		out.DeoptSites = append(out.DeoptSites, deoptSiteJSON{
			Pc:      s.Pc,
			ID:      s.ID,
			Reason:  s.Reason.String(),
			Bailout: s.BailoutType.String(),
		})
	}
	return json.Marshal(out)
}
