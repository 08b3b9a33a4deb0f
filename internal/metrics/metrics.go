// Package metrics exports engine events as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/events"
	"github.com/alanyoungcy/arbengine/internal/executor"
)

var riskModes = []domain.RiskMode{domain.RiskModeNormal, domain.RiskModeRestricted, domain.RiskModeHalted}

// Collector is an events.Sink that keeps Prometheus series for signals,
// orders, fills, exposure and risk mode.
type Collector struct {
	reg *prometheus.Registry

	signals     *prometheus.CounterVec
	transitions *prometheus.CounterVec
	fills       *prometheus.CounterVec
	fillVolume  *prometheus.CounterVec
	fees        *prometheus.CounterVec
	unbalanced  *prometheus.CounterVec
	stale       *prometheus.CounterVec
	riskMode    *prometheus.GaugeVec
	exposureNet *prometheus.GaugeVec
	exposureAbs *prometheus.GaugeVec
	feedUp      *prometheus.GaugeVec
}

// NewCollector registers the engine metrics on a fresh registry together
// with the Go and process collectors.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	c := &Collector{
		reg: reg,
		signals: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "arb_signals_total", Help: "Actionable signals by direction."},
			[]string{"symbol", "direction"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "arb_order_transitions_total", Help: "Order state transitions by target status."},
			[]string{"symbol", "venue", "status"},
		),
		fills: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "arb_fills_total", Help: "Fills applied."},
			[]string{"symbol", "venue", "side"},
		),
		fillVolume: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "arb_fill_volume_total", Help: "Filled base quantity."},
			[]string{"symbol", "venue"},
		),
		fees: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "arb_fees_total", Help: "Fees paid in quote currency."},
			[]string{"symbol", "venue"},
		),
		unbalanced: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "arb_unbalanced_total", Help: "Pairs whose legs filled unequally."},
			[]string{"symbol"},
		),
		stale: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "arb_stale_data_total", Help: "Staleness restrictions."},
			[]string{"symbol"},
		),
		riskMode: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "arb_risk_mode", Help: "1 for the symbol's current risk mode, 0 otherwise."},
			[]string{"symbol", "mode"},
		),
		exposureNet: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "arb_exposure_net", Help: "Signed net position across venues."},
			[]string{"symbol"},
		),
		exposureAbs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "arb_exposure_gross", Help: "Sum of absolute venue positions."},
			[]string{"symbol"},
		),
		feedUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "arb_feed_connected", Help: "1 while the venue feed is connected."},
			[]string{"symbol", "venue"},
		),
	}
	reg.MustRegister(c.signals, c.transitions, c.fills, c.fillVolume, c.fees,
		c.unbalanced, c.stale, c.riskMode, c.exposureNet, c.exposureAbs, c.feedUp)
	return c
}

// Registry returns the registry the collector writes to.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// InitSymbol seeds the per-symbol series so dashboards see a Normal mode and
// connected feeds before the first event.
func (c *Collector) InitSymbol(symbol string, venues ...domain.Venue) {
	c.setMode(symbol, domain.RiskModeNormal)
	for _, v := range venues {
		c.feedUp.WithLabelValues(symbol, string(v)).Set(1)
	}
	c.exposureNet.WithLabelValues(symbol).Set(0)
	c.exposureAbs.WithLabelValues(symbol).Set(0)
}

// TrackRisk exports the symbol's drawdown and volatility as gauges read on
// scrape.
func (c *Collector) TrackRisk(symbol string, state func() domain.RiskState) {
	labels := prometheus.Labels{"symbol": symbol}
	c.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "arb_drawdown", Help: "Current drawdown from peak portfolio value.", ConstLabels: labels,
		}, func() float64 { return state().CurrentDrawdown }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "arb_volatility", Help: "Relative volatility of the mid price window.", ConstLabels: labels,
		}, func() float64 { return state().Volatility }),
	)
}

// TrackExecutor exports execution totals read on scrape.
func (c *Collector) TrackExecutor(mode string, stats func() executor.Stats, inFlight func() int) {
	labels := prometheus.Labels{"mode": mode}
	c.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "arb_orders_in_flight", Help: "Orders submitted and not yet closed.", ConstLabels: labels,
		}, func() float64 { return float64(inFlight()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "arb_notional_total", Help: "Traded notional in quote currency.", ConstLabels: labels,
		}, func() float64 { return stats().Notional }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "arb_unreconciled_orders_total", Help: "Orders whose final state was never confirmed.", ConstLabels: labels,
		}, func() float64 { return float64(stats().Unreconciled) }),
	)
}

// Emit implements events.Sink.
func (c *Collector) Emit(_ context.Context, ev events.Event) {
	switch ev.Type {
	case events.TypeSignal:
		if ev.Signal != nil && ev.Signal.Actionable() {
			c.signals.WithLabelValues(ev.Symbol, string(ev.Signal.Direction)).Inc()
		}
	case events.TypeOrderTransition:
		if o := ev.Order; o != nil {
			c.transitions.WithLabelValues(ev.Symbol, string(o.Venue), string(o.To)).Inc()
		}
	case events.TypeFill:
		if f := ev.Fill; f != nil {
			c.fills.WithLabelValues(f.Symbol, string(f.Venue), string(f.Side)).Inc()
			c.fillVolume.WithLabelValues(f.Symbol, string(f.Venue)).Add(f.Quantity)
			if f.Fee > 0 {
				c.fees.WithLabelValues(f.Symbol, string(f.Venue)).Add(f.Fee)
			}
		}
	case events.TypeUnbalancedExposure:
		c.unbalanced.WithLabelValues(ev.Symbol).Inc()
	case events.TypeStaleData:
		c.stale.WithLabelValues(ev.Symbol).Inc()
	case events.TypeRiskMode:
		if ev.Risk != nil {
			c.setMode(ev.Symbol, ev.Risk.To)
		}
	case events.TypeFeed:
		if fs := ev.Feed; fs != nil {
			up := 0.0
			if fs.Connected {
				up = 1
			}
			c.feedUp.WithLabelValues(ev.Symbol, string(fs.Venue)).Set(up)
		}
	case events.TypeExposure:
		if x := ev.Exposure; x != nil {
			c.exposureNet.WithLabelValues(x.Symbol).Set(x.Net)
			c.exposureAbs.WithLabelValues(x.Symbol).Set(x.Gross)
		}
	}
}

func (c *Collector) setMode(symbol string, mode domain.RiskMode) {
	for _, m := range riskModes {
		v := 0.0
		if m == mode {
			v = 1
		}
		c.riskMode.WithLabelValues(symbol, string(m)).Set(v)
	}
}

var _ events.Sink = (*Collector)(nil)
