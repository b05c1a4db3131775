// Package telemetry provides run metrics and cost tracking for the
// optimization service.
package telemetry

import (
	"log"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kimjune01/looplearner/config"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "looplearner_optimization_runs_total",
		Help: "Optimization runs by terminal status.",
	}, []string{"status"})

	deploymentsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "looplearner_prompt_deployments_total",
		Help: "Prompt versions promoted to active.",
	})

	costTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "looplearner_llm_cost_dollars_total",
		Help: "Estimated LLM spend in dollars by operation.",
	}, []string{"operation"})

	blockedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "looplearner_convergence_blocked_total",
		Help: "Optimization attempts stopped by the convergence detector.",
	})
)

// Telemetry records run outcomes and tracks spend.
type Telemetry struct {
	cfg    config.TelemetryConfig
	logger *log.Logger

	mu             sync.Mutex
	operationCosts map[string]float64
	totalCost      float64
}

// New creates a telemetry instance.
func New(cfg config.TelemetryConfig) *Telemetry {
	return &Telemetry{
		cfg:            cfg,
		logger:         log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		operationCosts: map[string]float64{},
	}
}

// RecordRun counts a run reaching a terminal status.
func (t *Telemetry) RecordRun(status string) {
	if t == nil || !t.cfg.Enabled {
		return
	}
	runsTotal.WithLabelValues(status).Inc()
}

// RecordDeployment counts a candidate promotion.
func (t *Telemetry) RecordDeployment() {
	if t == nil || !t.cfg.Enabled {
		return
	}
	deploymentsTotal.Inc()
}

// RecordBlocked counts an attempt stopped by convergence.
func (t *Telemetry) RecordBlocked() {
	if t == nil || !t.cfg.Enabled {
		return
	}
	blockedTotal.Inc()
}

// RecordCost accumulates estimated dollar spend for an operation.
func (t *Telemetry) RecordCost(operation string, dollars float64) {
	if t == nil || !t.cfg.Enabled || !t.cfg.CostTracking {
		return
	}
	costTotal.WithLabelValues(operation).Add(dollars)
	t.mu.Lock()
	t.operationCosts[operation] += dollars
	t.totalCost += dollars
	t.mu.Unlock()
}

// CostSummary returns accumulated spend by operation plus the grand total.
func (t *Telemetry) CostSummary() (map[string]float64, float64) {
	if t == nil {
		return nil, 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]float64, len(t.operationCosts))
	for k, v := range t.operationCosts {
		out[k] = v
	}
	return out, t.totalCost
}
