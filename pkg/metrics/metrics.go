package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Payments 付款相關的 prometheus 指標
//
// 所有方法都可以在 nil receiver 上呼叫 (測試或未啟用 metrics 時)。
type Payments struct {
	charges        *prometheus.CounterVec
	refunds        *prometheus.CounterVec
	providerErrors *prometheus.CounterVec
	terminalRetry  *prometheus.CounterVec
	providerCall   *prometheus.HistogramVec
	notifyErrors   prometheus.Counter
}

// NewPayments 在 reg 上註冊指標
func NewPayments(reg prometheus.Registerer) *Payments {
	factory := promauto.With(reg)
	return &Payments{
		charges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_charges_total",
				Help: "Total number of charge attempts by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		refunds: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_refunds_total",
				Help: "Total number of refund attempts by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		providerErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_provider_errors_total",
				Help: "Provider errors by provider and error kind",
			},
			[]string{"provider", "kind"},
		),
		terminalRetry: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_terminal_retries_total",
				Help: "Terminal request retries by reason",
			},
			[]string{"reason"},
		),
		providerCall: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_provider_call_duration_seconds",
				Help:    "Duration of provider calls",
				Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
			},
			[]string{"provider", "operation"},
		),
		notifyErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_notify_errors_total",
				Help: "Total number of failed confirmation notifications",
			},
		),
	}
}

func (p *Payments) Charge(provider, outcome string) {
	if p == nil {
		return
	}
	p.charges.WithLabelValues(provider, outcome).Inc()
}

func (p *Payments) Refund(provider, outcome string) {
	if p == nil {
		return
	}
	p.refunds.WithLabelValues(provider, outcome).Inc()
}

// ProviderError 依錯誤分類計數
func (p *Payments) ProviderError(provider, kind string) {
	if p == nil {
		return
	}
	p.providerErrors.WithLabelValues(provider, kind).Inc()
}

// TerminalRetry reason: busy / timeout / stale_reference
func (p *Payments) TerminalRetry(reason string) {
	if p == nil {
		return
	}
	p.terminalRetry.WithLabelValues(reason).Inc()
}

// ObserveCall 記錄金流商呼叫時間，用法: defer m.ObserveCall("stripe", "refund")()
func (p *Payments) ObserveCall(provider, operation string) func() {
	if p == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		p.providerCall.WithLabelValues(provider, operation).Observe(time.Since(start).Seconds())
	}
}

func (p *Payments) NotifyError() {
	if p == nil {
		return
	}
	p.notifyErrors.Inc()
}
