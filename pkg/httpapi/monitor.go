package httpapi

import (
	"net/http"

	"github.com/grps-serving/grps/pkg/apperror"
	"github.com/grps-serving/grps/pkg/dashboard"
)

// handleMonitorSeries serves one metric's time series or CDF percentile
// array as JSON.
func (s *Server) handleMonitorSeries(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		writeFailure(w, apperror.New(apperror.CodeBadRequest, "name query parameter is required"))
		return
	}
	series, ok := s.agg.Read(name)
	if !ok {
		writeFailure(w, apperror.New(apperror.CodeNotFound, "metric not found").WithField(name))
		return
	}
	writeJSON(w, http.StatusOK, series)
}

func (s *Server) handleMonitorDashboard(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(dashboard.Page(s.agg.Names()))
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	s.handleMonitorDashboard(w, r)
}

func (s *Server) handleJQuery(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(dashboard.JQueryMin)
}

func (s *Server) handleFlot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(dashboard.FlotMin)
}
