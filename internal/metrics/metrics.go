// Package metrics 暴露引擎的 Prometheus 指标。每个实例持有独立 Registry，测试之间互不干扰。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mybot"

// Recorder 汇总引擎、合约与券商调用的计数。
type Recorder struct {
	reg *prometheus.Registry

	cycles          prometheus.Counter
	cycleDuration   prometheus.Histogram
	proposals       *prometheus.CounterVec
	contractsClosed *prometheus.CounterVec
	openContracts   prometheus.Gauge
	confidence      *prometheus.GaugeVec
	brokerRetries   *prometheus.CounterVec
	eventsDropped   prometheus.Counter
	equity          prometheus.Gauge
	drawdown        prometheus.Gauge
}

// New 创建 Recorder 并注册全部指标（含 Go 运行时指标）。
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Recorder{
		reg: reg,
		cycles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Total number of completed decision cycles.",
		}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a decision cycle in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		proposals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proposals_total",
			Help:      "Trade proposals by outcome (bought, rejected, failed, cooldown, similar, skipped).",
		}, []string{"outcome"}),
		contractsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contracts_closed_total",
			Help:      "Contracts reaching a terminal state.",
		}, []string{"state", "result"}),
		openContracts: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_contracts",
			Help:      "Current number of live contracts.",
		}),
		confidence: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "strategy_confidence",
			Help:      "Current confidence per strategy.",
		}, []string{"strategy"}),
		brokerRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_retries_total",
			Help:      "Brokerage call retries by operation.",
		}, []string{"op"}),
		eventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Status events dropped because the outbound buffer was full.",
		}),
		equity: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "equity",
			Help:      "Latest account balance.",
		}),
		drawdown: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "drawdown_ratio",
			Help:      "Current drawdown from peak equity.",
		}),
	}
}

func (r *Recorder) CycleCompleted(seconds float64) {
	r.cycles.Inc()
	r.cycleDuration.Observe(seconds)
}

func (r *Recorder) Proposal(outcome string) {
	r.proposals.WithLabelValues(outcome).Inc()
}

func (r *Recorder) ContractClosed(state, result string) {
	r.contractsClosed.WithLabelValues(state, result).Inc()
}

func (r *Recorder) SetOpenContracts(n int) {
	r.openContracts.Set(float64(n))
}

func (r *Recorder) SetConfidence(strategyID string, v float64) {
	r.confidence.WithLabelValues(strategyID).Set(v)
}

func (r *Recorder) BrokerRetry(op string) {
	r.brokerRetries.WithLabelValues(op).Inc()
}

func (r *Recorder) EventDropped() {
	r.eventsDropped.Inc()
}

// SetEquity 记录余额与回撤。
func (r *Recorder) SetEquity(balance, drawdown float64) {
	r.equity.Set(balance)
	r.drawdown.Set(drawdown)
}

// Registry 返回底层 Registry。
func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

// Handler 返回 /metrics 的 HTTP handler。
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}
