package server

import (
	"encoding/json"
	"fmt"
	"github.com/VictoriaMetrics/metrics"
	"net"
	"net/http"
	"time"
)

// startMonitor serves the prometheus metrics and the list of registered
// functions over http on endpoint
func (s *RPCServer) startMonitor(endpoint string) (*http.Server, net.Addr, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /metrics", loggerMiddleware(func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	}))
	mux.HandleFunc("GET /functions", loggerMiddleware(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.Functions()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}))

	l, err := net.Listen("tcp", endpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen on metrics endpoint %s: %w", endpoint, err)
	}

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		Logger.Infof("serving metrics on http://%s/metrics", l.Addr())
		if err := srv.Serve(l); err != nil && err != http.ErrServerClosed {
			Logger.Errorf("metrics endpoint failed: %v", err)
		}
	}()

	return srv, l.Addr(), nil
}

// responseWriter captures the status code of a response
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// loggerMiddleware is a middleware that logs HTTP requests
func loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rw, r)

		Logger.Debugf("%s %s => %d took %s", r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	}
}

// MonitorAddr returns the address of the metrics endpoint, nil if disabled
func (s *RPCServer) MonitorAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.monitorAddr
}
