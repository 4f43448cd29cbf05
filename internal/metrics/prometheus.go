package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "funding_arb_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	pollTicks := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "poll_ticks_total",
		Help:      "Total number of reconciliation ticks executed.",
	})
	ordersPlaced := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orders_placed_total",
		Help:      "Total number of perp orders placed.",
	})
	ordersFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orders_failed_total",
		Help:      "Total number of order placement failures.",
	})
	hedgeOrders := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "hedge_orders_total",
		Help:      "Total number of hedge orders triggered by perp fills.",
	})
	corrections := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "corrections_total",
		Help:      "Total number of one-sided corrective orders.",
	})
	fillTimeouts := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "fill_timeouts_total",
		Help:      "Total number of fill watches that expired without a matching fill.",
	})
	wrongDirection := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "wrong_direction_halts_total",
		Help:      "Total number of engines halted on a wrong-direction position pair.",
	})
	enginesCompleted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "engines_completed_total",
		Help:      "Total number of engines that reached their target notional.",
	})

	registry.MustRegister(pollTicks, ordersPlaced, ordersFailed, hedgeOrders, corrections, fillTimeouts, wrongDirection, enginesCompleted)

	m := &Metrics{
		PollTicks:           promCounter{pollTicks},
		OrdersPlaced:        promCounter{ordersPlaced},
		OrdersFailed:        promCounter{ordersFailed},
		HedgeOrders:         promCounter{hedgeOrders},
		Corrections:         promCounter{corrections},
		FillTimeouts:        promCounter{fillTimeouts},
		WrongDirectionHalts: promCounter{wrongDirection},
		EnginesCompleted:    promCounter{enginesCompleted},
	}

	return &Prometheus{Metrics: m, registry: registry}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
