// Package metrics exposes Prometheus collectors for the VM provisioning
// core, grounded on the teacher's internal/metrics/prometheus.go: a
// single process-wide registry, counters on the hot path updated via
// plain Inc()/Observe() calls (no hidden channels), constructed once at
// process start and retrieved through Global().
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the provisioning core touches.
type Metrics struct {
	registry *prometheus.Registry

	vmsCreated  prometheus.Counter
	vmsDeleted  prometheus.Counter
	vmCreateRetries prometheus.Counter
	vmCreateFailures prometheus.Counter

	vmCreateDuration prometheus.Histogram

	rpcRequests *prometheus.CounterVec
	rpcRetries  *prometheus.CounterVec
	rpcTimeouts *prometheus.CounterVec
	rpcDuration *prometheus.HistogramVec

	workerPoolInflight prometheus.Gauge
	batchSize          prometheus.Gauge
}

var (
	once   sync.Once
	global *Metrics
)

// Global returns the process-wide Metrics instance, initializing it with
// default buckets on first use.
func Global() *Metrics {
	once.Do(func() {
		global = New("stratus", nil)
	})
	return global
}

var defaultRPCBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000, 15000, 45000}

// New builds a fresh Metrics registry under namespace. Used directly by
// tests that want an isolated registry instead of the process-wide one.
func New(namespace string, buckets []float64) *Metrics {
	if len(buckets) == 0 {
		buckets = defaultRPCBuckets
	}
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		vmsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "vms_created_total", Help: "VMs successfully created via the CPI.",
		}),
		vmsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "vms_deleted_total", Help: "VMs deleted, including compensating deletes.",
		}),
		vmCreateRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "vm_create_retries_total", Help: "CPI create_vm retry attempts after an ok_to_retry failure.",
		}),
		vmCreateFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "vm_create_failures_total", Help: "VM creations that failed terminally.",
		}),
		vmCreateDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "vm_create_duration_ms", Help: "CPI create_vm wall-clock duration in ms.",
			Buckets: []float64{50, 100, 250, 500, 1000, 5000, 15000, 60000, 180000},
		}),
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "agent_rpc_requests_total", Help: "Agent RPC calls by method.",
		}, []string{"method"}),
		rpcRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "agent_rpc_retries_total", Help: "Agent RPC retries by method.",
		}, []string{"method"}),
		rpcTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "agent_rpc_timeouts_total", Help: "Agent RPC timeouts by method.",
		}, []string{"method"}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "agent_rpc_duration_ms", Help: "Agent RPC latency by method in ms.",
			Buckets: buckets,
		}, []string{"method"}),
		workerPoolInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "worker_pool_inflight", Help: "Instance-plan creation tasks currently running.",
		}),
		batchSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "vm_creation_batch_size", Help: "Size of the instance-plan batch currently being created.",
		}),
	}

	reg.MustRegister(
		m.vmsCreated, m.vmsDeleted, m.vmCreateRetries, m.vmCreateFailures, m.vmCreateDuration,
		m.rpcRequests, m.rpcRetries, m.rpcTimeouts, m.rpcDuration,
		m.workerPoolInflight, m.batchSize,
	)
	return m
}

// Handler exposes the registry over HTTP for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordVMCreated(d time.Duration) {
	m.vmsCreated.Inc()
	m.vmCreateDuration.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) RecordVMDeleted()       { m.vmsDeleted.Inc() }
func (m *Metrics) RecordVMCreateRetry()   { m.vmCreateRetries.Inc() }
func (m *Metrics) RecordVMCreateFailure() { m.vmCreateFailures.Inc() }

func (m *Metrics) RecordRPC(method string, d time.Duration) {
	m.rpcRequests.WithLabelValues(method).Inc()
	m.rpcDuration.WithLabelValues(method).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) RecordRPCRetry(method string)   { m.rpcRetries.WithLabelValues(method).Inc() }
func (m *Metrics) RecordRPCTimeout(method string) { m.rpcTimeouts.WithLabelValues(method).Inc() }

func (m *Metrics) SetBatchSize(n int)        { m.batchSize.Set(float64(n)) }
func (m *Metrics) IncInflight()              { m.workerPoolInflight.Inc() }
func (m *Metrics) DecInflight()              { m.workerPoolInflight.Dec() }
