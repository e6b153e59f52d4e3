package telemetry

import (
	"context"

	"github.com/BaSui01/ddrflow/llm/budget"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// StatusSource 提供预算快照
type StatusSource interface {
	Status() budget.Status
}

// RegisterBudgetInstruments 在 meter 上注册预算的异步观测指标，
// 每个采集周期读取一次快照.
func RegisterBudgetInstruments(meter metric.Meter, src StatusSource) (metric.Registration, error) {
	used, err := meter.Int64ObservableGauge("ddrflow.budget.used",
		metric.WithDescription("Committed usage in the current window"))
	if err != nil {
		return nil, err
	}
	pending, err := meter.Int64ObservableGauge("ddrflow.budget.pending",
		metric.WithDescription("Reserved but uncommitted usage"))
	if err != nil {
		return nil, err
	}
	util, err := meter.Float64ObservableGauge("ddrflow.budget.utilisation",
		metric.WithDescription("Used plus pending over the effective limit"))
	if err != nil {
		return nil, err
	}
	waited, err := meter.Float64ObservableCounter("ddrflow.budget.wait",
		metric.WithDescription("Accumulated proactive wait"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	reqAttr := metric.WithAttributes(attribute.String("kind", string(budget.KindRequests)))
	tokAttr := metric.WithAttributes(attribute.String("kind", string(budget.KindTokens)))

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := src.Status()
		o.ObserveInt64(used, s.Requests.Used, reqAttr)
		o.ObserveInt64(used, s.Tokens.Used, tokAttr)
		o.ObserveInt64(pending, s.Requests.Pending, reqAttr)
		o.ObserveInt64(pending, s.Tokens.Pending, tokAttr)
		o.ObserveFloat64(util, s.Requests.Utilisation, reqAttr)
		o.ObserveFloat64(util, s.Tokens.Utilisation, tokAttr)
		o.ObserveFloat64(waited, s.Stats.TotalWait.Seconds())
		return nil
	}, used, pending, util, waited)
}
