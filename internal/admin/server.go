// Package admin exposes the node's observability surface over HTTP:
// health, runtime status, Prometheus metrics and the slot table.
// It never touches the data path; the framed TCP channels stay the
// only way to read or write keys.
package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"slotkv/internal/node"
)

type Server struct {
	node     *node.Node
	registry *prometheus.Registry
	metrics  *node.Metrics
	started  time.Time

	requestDuration *prometheus.HistogramVec
}

// NewServer wires the node's metrics into a private registry and
// prepares the router state.
func NewServer(n *node.Node, metrics *node.Metrics) *Server {
	registry := prometheus.NewRegistry()
	if metrics != nil {
		metrics.Register(registry)
	}

	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "slotkv_admin_request_duration_seconds",
			Help: "Admin HTTP request duration in seconds",
		},
		[]string{"endpoint"},
	)
	registry.MustRegister(requestDuration)

	return &Server{
		node:            n,
		registry:        registry,
		metrics:         metrics,
		started:         time.Now(),
		requestDuration: requestDuration,
	}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.instrument("health", s.healthHandler)).Methods("GET")
	r.HandleFunc("/status", s.instrument("status", s.statusHandler)).Methods("GET")
	r.HandleFunc("/slots", s.instrument("slots", s.slotsHandler)).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods("GET")
	return r
}

// ListenAndServe blocks serving the admin surface on the given port.
func (s *Server) ListenAndServe(port uint16) error {
	return http.ListenAndServe(fmt.Sprintf(":%d", port), s.Router())
}

func (s *Server) instrument(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		handler(w, r)
		s.requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "healthy",
		"node":   s.node.Name(),
	})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	keys, bytes := s.node.Stats()
	status := map[string]interface{}{
		"status": "healthy",
		"node":   s.node.Name(),
		"uptime": time.Since(s.started).String(),
		"peers":  s.node.PeerCount(),
		"store": map[string]interface{}{
			"keys":  keys,
			"bytes": bytes,
		},
		"memory": map[string]interface{}{
			"alloc":       m.Alloc,
			"total_alloc": m.TotalAlloc,
			"sys":         m.Sys,
			"num_gc":      m.NumGC,
		},
		"goroutines": runtime.NumGoroutine(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(status)
}

func (s *Server) slotsHandler(w http.ResponseWriter, r *http.Request) {
	payload := s.node.SlotsText()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}
