// Package metrics экспортирует метрики движка территорий в Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "territory"

// EngineMetrics реализует engine.Observer.
//
// Метрики:
//   - territory_engine_operations_total{op,result,category} - counter
//   - territory_engine_operation_duration_seconds{op} - histogram
//   - territory_engine_cells_total{op} - counter клеток в успешных операциях
//   - territory_index_claims, territory_index_cells - gauge размера индекса
type EngineMetrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	cells      *prometheus.CounterVec
}

// StatsFunc источник размера индекса
type StatsFunc func() (claims, cells int)

// NewEngineMetrics регистрирует метрики в reg. stats может быть nil.
func NewEngineMetrics(reg prometheus.Registerer, stats StatsFunc) (*EngineMetrics, error) {
	m := &EngineMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Операции движка по результату и категории ошибки.",
		}, []string{"op", "result", "category"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "operation_duration_seconds",
			Help:      "Длительность операций движка.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"op"}),
		cells: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "cells_total",
			Help:      "Клетки, затронутые успешными операциями.",
		}, []string{"op"}),
	}

	collectors := []prometheus.Collector{m.operations, m.duration, m.cells}
	if stats != nil {
		collectors = append(collectors,
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "index",
				Name:      "claims",
				Help:      "Клеймы в индексе.",
			}, func() float64 {
				claims, _ := stats()
				return float64(claims)
			}),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "index",
				Name:      "cells",
				Help:      "Клетки в индексе.",
			}, func() float64 {
				_, cells := stats()
				return float64(cells)
			}),
		)
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveOperation учитывает итог операции
func (m *EngineMetrics) ObserveOperation(op string, success bool, reason, category string, d time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.operations.WithLabelValues(op, result, category).Inc()
	m.duration.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveCells учитывает число затронутых клеток
func (m *EngineMetrics) ObserveCells(op string, n int) {
	m.cells.WithLabelValues(op).Add(float64(n))
}
