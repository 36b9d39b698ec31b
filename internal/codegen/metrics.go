// metrics.go - 代码生成指标

package codegen

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tangzhangming/lithium/internal/deopt"
)

// Metrics 代码生成的 Prometheus 指标
type Metrics struct {
	Compilations     *prometheus.CounterVec
	DeoptGuards      *prometheus.CounterVec
	CodeSize         prometheus.Histogram
	JumpTableEntries prometheus.Counter
}

// NewMetrics 创建指标并注册到 reg；reg 为 nil 时不注册
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Compilations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lithium",
			Subsystem: "codegen",
			Name:      "compilations_total",
			Help:      "Number of code generation runs by outcome.",
		}, []string{"outcome"}),
		DeoptGuards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lithium",
			Subsystem: "codegen",
			Name:      "deopt_guards_total",
			Help:      "Number of deoptimization guards emitted by reason and bailout type.",
		}, []string{"reason", "bailout"}),
		CodeSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lithium",
			Subsystem: "codegen",
			Name:      "code_size_bytes",
			Help:      "Size of generated code objects.",
			Buckets:   prometheus.ExponentialBuckets(64, 2, 12),
		}),
		JumpTableEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lithium",
			Subsystem: "codegen",
			Name:      "jump_table_entries_total",
			Help:      "Number of deoptimization jump table entries emitted.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Compilations, m.DeoptGuards, m.CodeSize, m.JumpTableEntries)
	}
	return m
}

func (m *Metrics) observeGuard(reason deopt.Reason, t deopt.BailoutType) {
	if m == nil {
		return
	}
	m.DeoptGuards.WithLabelValues(reason.String(), t.String()).Inc()
}

func (m *Metrics) observeResult(outcome string, size int, jumpTable int) {
	if m == nil {
		return
	}
	m.Compilations.WithLabelValues(outcome).Inc()
	if outcome == outcomeSuccess {
		m.CodeSize.Observe(float64(size))
		m.JumpTableEntries.Add(float64(jumpTable))
	}
}

const (
	outcomeSuccess = "success"
	outcomeAborted = "aborted"
)
