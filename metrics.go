// metrics.go: metrics collection interface and its Prometheus implementation
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dynplugins

import (
	"errors"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric names emitted by the manager and the watch pipeline.
const (
	MetricLoadsTotal          = "loads_total"
	MetricUnloadsTotal        = "unloads_total"
	MetricBoundaryPanicsTotal = "boundary_panics_total"
	MetricLoadedLibraries     = "loaded_libraries"
	MetricLoadDuration        = "load_duration_seconds"
	MetricWatchBatchesTotal   = "watch_batches_total"
)

// MetricsCollector receives the manager's metrics. Labels must use the same
// key set every time a given metric name is reported.
//
// Example usage:
//
//	collector.IncrementCounter("loads_total",
//	    map[string]string{"capability": "Greeter", "result": "ok"}, 1)
type MetricsCollector interface {
	IncrementCounter(name string, labels map[string]string, value int64)
	SetGauge(name string, labels map[string]string, value float64)
	RecordHistogram(name string, labels map[string]string, value float64)
}

// NoOpMetrics discards all metrics.
type NoOpMetrics struct{}

func (NoOpMetrics) IncrementCounter(string, map[string]string, int64) {}
func (NoOpMetrics) SetGauge(string, map[string]string, float64)       {}
func (NoOpMetrics) RecordHistogram(string, map[string]string, float64) {}

// PrometheusCollector maps MetricsCollector calls onto Prometheus vectors,
// creating and registering each vector the first time its name is seen.
type PrometheusCollector struct {
	mu         sync.Mutex
	namespace  string
	registerer prometheus.Registerer
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	labelKeys  map[string][]string
}

// NewPrometheusCollector registers vectors on reg (prometheus.DefaultRegisterer
// when nil) under namespace.
func NewPrometheusCollector(reg prometheus.Registerer, namespace string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &PrometheusCollector{
		namespace:  namespace,
		registerer: reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		labelKeys:  make(map[string][]string),
	}
}

func (p *PrometheusCollector) IncrementCounter(name string, labels map[string]string, value int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	vec, ok := p.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Name:      name,
			Help:      "Dynamic plugin counter " + name,
		}, p.keysFor(name, labels))
		vec = register(p.registerer, vec)
		p.counters[name] = vec
	}
	vec.WithLabelValues(p.valuesFor(name, labels)...).Add(float64(value))
}

func (p *PrometheusCollector) SetGauge(name string, labels map[string]string, value float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	vec, ok := p.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Name:      name,
			Help:      "Dynamic plugin gauge " + name,
		}, p.keysFor(name, labels))
		vec = register(p.registerer, vec)
		p.gauges[name] = vec
	}
	vec.WithLabelValues(p.valuesFor(name, labels)...).Set(value)
}

func (p *PrometheusCollector) RecordHistogram(name string, labels map[string]string, value float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	vec, ok := p.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Name:      name,
			Help:      "Dynamic plugin histogram " + name,
			Buckets:   prometheus.DefBuckets,
		}, p.keysFor(name, labels))
		vec = register(p.registerer, vec)
		p.histograms[name] = vec
	}
	vec.WithLabelValues(p.valuesFor(name, labels)...).Observe(value)
}

// keysFor fixes the label key set of a metric on first use.
func (p *PrometheusCollector) keysFor(name string, labels map[string]string) []string {
	if keys, ok := p.labelKeys[name]; ok {
		return keys
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	p.labelKeys[name] = keys
	return keys
}

func (p *PrometheusCollector) valuesFor(name string, labels map[string]string) []string {
	keys := p.labelKeys[name]
	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = labels[k]
	}
	return values
}

// register registers c, reusing an identical collector that is already
// registered (two managers sharing one registry).
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		// A conflicting descriptor: keep the unregistered vector so the
		// caller still works, the values are just not exported.
	}
	return c
}
