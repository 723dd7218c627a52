package runtime

import (
	"sync"
)

// Counter names exported by the host runtime.
const (
	CounterDeviceMemoryUsed      = "ember.device_memory_used"
	CounterDeviceMemoryAvailable = "ember.device_memory_available"
	CounterDeviceMemoryMax       = "ember.device_memory_max"

	// Per-network counters are suffixed with the network name or "global".
	CounterRequestsProcessed = "ember.requests_processed"
	CounterRequestsSucceeded = "ember.requests_succeeded"
	CounterRequestsFailed    = "ember.requests_failed"
	SeriesExecutionDuration  = "ember.execution_duration_e2e"
)

// GlobalStatsKey is the per-network counter suffix for host-wide totals.
const GlobalStatsKey = "global"

// StatsExporter is the sink interface the runtime publishes counters to.
// Anything beyond this interface (scrape endpoints, aggregation windows) is
// the exporter's business.
type StatsExporter interface {
	// SetCounter sets an absolute counter value.
	SetCounter(name string, value int64)
	// IncrementCounter adds one to a monotonic counter.
	IncrementCounter(name string)
	// AddTimeSeriesValue records one observation of a time series, e.g. an
	// end-to-end duration in seconds.
	AddTimeSeriesValue(name string, value float64)
}

// StatsExporterRegistry fans counter updates out to registered exporters and
// keeps its own readable copy of every counter.
type StatsExporterRegistry struct {
	mu        sync.Mutex
	exporters []StatsExporter
	counters  map[string]int64
}

// NewStatsRegistry returns an empty registry.
func NewStatsRegistry() *StatsExporterRegistry {
	return &StatsExporterRegistry{counters: make(map[string]int64)}
}

var (
	statsOnce      sync.Once
	statsSingleton *StatsExporterRegistry
)

// Stats returns the process-wide registry.
func Stats() *StatsExporterRegistry {
	statsOnce.Do(func() {
		statsSingleton = NewStatsRegistry()
	})
	return statsSingleton
}

// Register adds an exporter to the fan-out.
func (r *StatsExporterRegistry) Register(e StatsExporter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exporters = append(r.exporters, e)
}

// SetCounter sets an absolute counter value.
func (r *StatsExporterRegistry) SetCounter(name string, value int64) {
	r.mu.Lock()
	r.counters[name] = value
	exporters := r.exporters
	r.mu.Unlock()
	for _, e := range exporters {
		e.SetCounter(name, value)
	}
}

// IncrementCounter adds one to a monotonic counter.
func (r *StatsExporterRegistry) IncrementCounter(name string) {
	r.mu.Lock()
	r.counters[name]++
	exporters := r.exporters
	r.mu.Unlock()
	for _, e := range exporters {
		e.IncrementCounter(name)
	}
}

// AddTimeSeriesValue records one observation of a time series.
func (r *StatsExporterRegistry) AddTimeSeriesValue(name string, value float64) {
	r.mu.Lock()
	exporters := r.exporters
	r.mu.Unlock()
	for _, e := range exporters {
		e.AddTimeSeriesValue(name, value)
	}
}

// Counter reads the current value of a counter.
func (r *StatsExporterRegistry) Counter(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[name]
}
