package router

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "SirenServer/internal/http_server"
	"SirenServer/internal/metrics"
)

func NewRouter(s *httpserver.HttpServer, gatherer prometheus.Gatherer) *mux.Router {
	r := mux.NewRouter()
	r.Use(instrument)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	// sessions
	api.HandleFunc("/sessions", s.CreateSession).Methods("POST")
	api.HandleFunc("/sessions", s.ListSessions).Methods("GET")
	api.HandleFunc("/sessions/{id}", s.GetSession).Methods("GET")
	api.HandleFunc("/sessions/{id}/events", s.ListEvents).Methods("GET")
	api.HandleFunc("/sessions/{id}/audit", s.Audit).Methods("GET")
	api.HandleFunc("/sessions/{id}/accept", s.Accept).Methods("POST")
	api.HandleFunc("/sessions/{id}/decline", s.Decline).Methods("POST")
	api.HandleFunc("/sessions/{id}/start", s.StartSession).Methods("POST")
	api.HandleFunc("/sessions/{id}/consents", s.RecordConsent).Methods("POST")
	api.HandleFunc("/sessions/{id}/transport/lost", s.TransportLost).Methods("POST")
	api.HandleFunc("/sessions/{id}/transport/restored", s.TransportRestored).Methods("POST")
	api.HandleFunc("/sessions/{id}/recording/failure", s.RecordingFailure).Methods("POST")
	// extensions
	api.HandleFunc("/sessions/{id}/extensions", s.RequestExtension).Methods("POST")
	api.HandleFunc("/extensions/{token}/approve", s.ApproveExtension).Methods("POST")
	api.HandleFunc("/extensions/{token}/commit", s.CommitExtension).Methods("POST")
	// readers
	api.HandleFunc("/readers", s.ListReaders).Methods("GET")
	api.HandleFunc("/readers", s.CreateReader).Methods("POST")
	api.HandleFunc("/readers/candidates", s.Candidates).Methods("GET")
	api.HandleFunc("/readers/{id:[0-9]+}", s.GetReader).Methods("GET")
	api.HandleFunc("/readers/{id:[0-9]+}", s.UpdateReader).Methods("PUT")
	api.HandleFunc("/readers/{id:[0-9]+}/windows", s.SetWindows).Methods("PUT")

	return r
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}

		metrics.HTTPInFlight.Inc()
		defer metrics.HTTPInFlight.Dec()

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
