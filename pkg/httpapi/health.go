package httpapi

import "net/http"

func (s *Server) handleOnline(w http.ResponseWriter, _ *http.Request) {
	s.ready.Online()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleOffline(w http.ResponseWriter, _ *http.Request) {
	s.ready.Offline()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.ready.Ready() {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
}
