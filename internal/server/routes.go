package server

import "net/http"

// Routes returns the HTTP mux: health check, stats, metrics, WebSocket
// endpoint and test page.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/test", s.handleTestPage)
	return mux
}
