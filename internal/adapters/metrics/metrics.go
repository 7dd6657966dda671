// Package metrics exposes the fleet's governance counters to Prometheus:
//
//   - fleet_trades_total{exchange,mode}    – executed trades
//   - fleet_denials_total{exchange,gate}   – attempts stopped per gate
//   - fleet_quarantines_total              – anomaly sweep hits
//   - fleet_promotions_total               – paper → live promotions
//   - fleet_allocated_capital{owner}       – allocated sum per owner (gauge)
//
// Served at /metrics by the HTTP listener started from main.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alejandrodnm/botfleet/internal/domain"
)

// Prometheus implements the orchestrator's Metrics hook.
type Prometheus struct {
	trades      *prometheus.CounterVec
	denials     *prometheus.CounterVec
	quarantines prometheus.Counter
	promotions  prometheus.Counter
	allocated   *prometheus.GaugeVec
}

// New registers the collectors on the given registry (nil = default).
func New(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Prometheus{
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_trades_total",
			Help: "Trades executed",
		}, []string{"exchange", "mode"}),
		denials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_denials_total",
			Help: "Trade attempts denied, split by gate",
		}, []string{"exchange", "gate"}),
		quarantines: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_quarantines_total",
			Help: "Bots sent to quarantine",
		}),
		promotions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_promotions_total",
			Help: "Bots promoted to live trading",
		}),
		allocated: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleet_allocated_capital",
			Help: "Capital allocated to bots per owner",
		}, []string{"owner"}),
	}
	reg.MustRegister(p.trades, p.denials, p.quarantines, p.promotions, p.allocated)
	return p
}

func (p *Prometheus) TradeExecuted(exchange string, mode domain.TradeMode) {
	p.trades.WithLabelValues(exchange, string(mode)).Inc()
}

func (p *Prometheus) TradeDenied(exchange, gate string) {
	p.denials.WithLabelValues(exchange, gate).Inc()
}

func (p *Prometheus) BotsQuarantined(n int) {
	p.quarantines.Add(float64(n))
}

func (p *Prometheus) BotPromoted() {
	p.promotions.Inc()
}

func (p *Prometheus) CapitalAllocated(ownerID string, allocated float64) {
	p.allocated.WithLabelValues(ownerID).Set(allocated)
}

// Handler returns the /metrics HTTP handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
