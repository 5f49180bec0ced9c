package metrics

import (
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// RuntimeCollector reports Go runtime state on each scrape rather than on
// a polling loop: goroutine count, heap occupancy, cumulative allocation,
// and GC activity. InitMetrics registers one instance on the default
// registry so /internal/procmetrics always carries these series.
type RuntimeCollector struct {
	goroutines  *prometheus.Desc
	heapInUse   *prometheus.Desc
	heapSys     *prometheus.Desc
	allocTotal  *prometheus.Desc
	gcCycles    *prometheus.Desc
	gcPauseLast *prometheus.Desc
}

func NewRuntimeCollector(namespace, subsystem string) *RuntimeCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, nil, nil)
	}
	return &RuntimeCollector{
		goroutines:  desc("runtime_goroutines", "Number of live goroutines"),
		heapInUse:   desc("runtime_heap_inuse_bytes", "Heap bytes allocated and still in use"),
		heapSys:     desc("runtime_heap_sys_bytes", "Heap bytes obtained from the OS"),
		allocTotal:  desc("runtime_alloc_bytes_total", "Cumulative bytes allocated, including freed"),
		gcCycles:    desc("runtime_gc_cycles_total", "Completed GC cycles"),
		gcPauseLast: desc("runtime_gc_pause_last_seconds", "Duration of the most recent GC pause"),
	}
}

func (c *RuntimeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.goroutines
	ch <- c.heapInUse
	ch <- c.heapSys
	ch <- c.allocTotal
	ch <- c.gcCycles
	ch <- c.gcPauseLast
}

func (c *RuntimeCollector) Collect(ch chan<- prometheus.Metric) {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	ch <- prometheus.MustNewConstMetric(c.goroutines, prometheus.GaugeValue, float64(runtime.NumGoroutine()))
	ch <- prometheus.MustNewConstMetric(c.heapInUse, prometheus.GaugeValue, float64(stats.HeapInuse))
	ch <- prometheus.MustNewConstMetric(c.heapSys, prometheus.GaugeValue, float64(stats.HeapSys))
	ch <- prometheus.MustNewConstMetric(c.allocTotal, prometheus.CounterValue, float64(stats.TotalAlloc))
	ch <- prometheus.MustNewConstMetric(c.gcCycles, prometheus.CounterValue, float64(stats.NumGC))
	if stats.NumGC > 0 {
		ch <- prometheus.MustNewConstMetric(c.gcPauseLast, prometheus.GaugeValue,
			float64(stats.PauseNs[(stats.NumGC-1)%uint32(len(stats.PauseNs))])/1e9)
	}
}

// RequestTracker counts in-flight requests per method, driving the
// predict in-flight gauge from both transports' dispatch paths.
type RequestTracker struct {
	mu       sync.Mutex
	active   map[string]int
	inFlight prometheus.Gauge
}

func NewRequestTracker(inFlight prometheus.Gauge) *RequestTracker {
	return &RequestTracker{
		active:   make(map[string]int),
		inFlight: inFlight,
	}
}

func (t *RequestTracker) Start(method string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.active[method]++
	t.inFlight.Inc()
}

func (t *RequestTracker) End(method string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active[method] > 0 {
		t.active[method]--
		t.inFlight.Dec()
	}
}
