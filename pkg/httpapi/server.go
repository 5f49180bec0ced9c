// Package httpapi implements the REST surface under /grps/v1, the
// monitor dashboard, and the concurrency gate in front of the executor.
package httpapi

import (
	"net/http"

	"golang.org/x/sync/semaphore"

	"github.com/grps-serving/grps/pkg/config"
	"github.com/grps-serving/grps/pkg/executor"
	"github.com/grps-serving/grps/pkg/grpslog"
	"github.com/grps-serving/grps/pkg/health"
	"github.com/grps-serving/grps/pkg/metrics"
)

// Server owns the ServeMux, the executor it dispatches predict requests
// to, and the two nested concurrency gates in front of it.
type Server struct {
	executor *executor.Executor
	loaded   *config.Loaded
	logger   *grpslog.Loggers
	agg      *metrics.Aggregator
	proc     *metrics.ProcMetrics

	iface config.InterfaceConfig

	ready *health.Latch

	connGate *semaphore.Weighted
	workers  *semaphore.Weighted

	mux *http.ServeMux
}

// New builds the HTTP surface. maxConnections bounds concurrently accepted
// requests; workers is the
// predict worker pool sized by max_concurrency, shared with the RPC
// surface so the two transports draw from one bounded pool. ready is
// the process-wide readiness latch, likewise shared.
func New(exec *executor.Executor, loaded *config.Loaded, logger *grpslog.Loggers, agg *metrics.Aggregator, proc *metrics.ProcMetrics, iface config.InterfaceConfig, maxConnections int, workers *semaphore.Weighted, ready *health.Latch) *Server {
	if ready == nil {
		ready = &health.Latch{}
	}
	if workers == nil {
		workers = semaphore.NewWeighted(1)
	}
	s := &Server{
		executor: exec,
		loaded:   loaded,
		logger:   logger,
		agg:      agg,
		proc:     proc,
		iface:    iface,
		ready:    ready,
		connGate: semaphore.NewWeighted(int64(maxConnections)),
		workers:  workers,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

// Ready reports the current readiness latch state.
func (s *Server) Ready() bool { return s.ready.Ready() }

func (s *Server) routes() {
	s.mux.HandleFunc("/grps/v1/health/online", s.handleOnline)
	s.mux.HandleFunc("/grps/v1/health/offline", s.handleOffline)
	s.mux.HandleFunc("/grps/v1/health/live", s.handleLive)
	s.mux.HandleFunc("/grps/v1/health/ready", s.handleReady)
	s.mux.HandleFunc("/grps/v1/infer/predict", s.gatedPredict(s.handlePredict))
	s.mux.HandleFunc("/grps/v1/metadata/server", s.handleServerMetadata)
	s.mux.HandleFunc("/grps/v1/metadata/model", s.handleModelMetadata)
	s.mux.HandleFunc("/grps/v1/monitor/series", s.handleMonitorSeries)
	s.mux.HandleFunc("/grps/v1/monitor/metrics", s.handleMonitorDashboard)
	s.mux.HandleFunc("/", s.handleRoot)
	s.mux.HandleFunc("/js/jquery_min", s.handleJQuery)
	s.mux.HandleFunc("/js/flot_min", s.handleFlot)
	s.mux.Handle("/internal/procmetrics", metrics.Handler())

	if cp := s.iface.CustomizedPredictHTTP; cp != nil {
		s.mux.HandleFunc(cp.Path, s.gatedPredict(s.handleCustomPredict(cp)))
	}
}

// Handler returns the connection-gated mux, ready to pass to http.Server.
func (s *Server) Handler() http.Handler {
	return s.connectionGate(s.mux)
}

// connectionGate enforces max_connections around every request
// regardless of path; excess is refused, not queued.
func (s *Server) connectionGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.connGate.TryAcquire(1) {
			http.Error(w, "max_connections exceeded", http.StatusServiceUnavailable)
			return
		}
		defer s.connGate.Release(1)
		next.ServeHTTP(w, r)
	})
}

// gatedPredict additionally nests the max_concurrency worker pool around
// predict paths only: excess predict requests block (queue) for a free
// worker slot rather than being refused.
func (s *Server) gatedPredict(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.workers.Acquire(r.Context(), 1); err != nil {
			http.Error(w, "request cancelled waiting for a worker", http.StatusServiceUnavailable)
			return
		}
		defer s.workers.Release(1)
		h(w, r)
	}
}
