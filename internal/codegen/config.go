// config.go - 代码生成配置
//
// 调试、跟踪和压力测试开关集中在一个不可变的 Config 中，构造
// CodeGen 时传入，各组件通过 CodeGen.Config() 读取，不使用全局变量。

package codegen

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// ConfigFileName 默认配置文件名
const ConfigFileName = "lithium.toml"

// Config 代码生成开关
type Config struct {
	// DebugCode 生成额外的自检代码，并在生成前校验 Chunk
	DebugCode bool `toml:"debug_code"`

	// TraceDeopt 记录每个反优化守卫；同时禁止跳转表条目合并
	TraceDeopt bool `toml:"trace_deopt"`

	// Trace 在函数入口和返回处调用跟踪钩子
	Trace bool `toml:"trace"`

	// TrapOnDeopt 反优化前插入 int3
	TrapOnDeopt bool `toml:"trap_on_deopt"`

	// DeoptEveryNTimes 大于 0 时每执行 N 次守卫强制反优化一次
	DeoptEveryNTimes int `toml:"deopt_every_n_times"`

	// CPUProfiling 性能分析开启时每个守卫使用独立的跳转表条目
	CPUProfiling bool `toml:"cpu_profiling"`

	// InlineNew 允许内联分配
	InlineNew bool `toml:"inline_new"`

	// EnableSSE41 允许使用 SSE4.1 指令（roundsd、pextrd、pmulld）
	EnableSSE41 bool `toml:"enable_sse41"`

	// DynamicAlignment 使用双精度栈槽的函数动态对齐帧
	DynamicAlignment bool `toml:"dynamic_alignment"`

	// ZapStackSlots 调试模式下用哨兵值填充新分配的栈槽
	ZapStackSlots bool `toml:"zap_stack_slots"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		InlineNew:        true,
		EnableSSE41:      true,
		DynamicAlignment: true,
	}
}

// LoadConfig 从 TOML 文件加载配置，缺省字段取默认值
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig 解析 TOML 配置
func ParseConfig(data []byte) (Config, error) {
	config := DefaultConfig()
	if err := toml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if config.DeoptEveryNTimes < 0 {
		return Config{}, fmt.Errorf("deopt_every_n_times must not be negative, got %d", config.DeoptEveryNTimes)
	}
	return config, nil
}

// stressDeopt 是否启用反优化压力计数器
func (c *Config) stressDeopt() bool {
	return c.DeoptEveryNTimes > 0
}
