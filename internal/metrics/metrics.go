package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RentalOperations - мутации аккаунтов по операции и результату (ok|conflict|error).
	RentalOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rentd_rental_operations_total",
			Help: "Account mutations by operation and result",
		},
		[]string{"op", "result"},
	)

	Reclaimed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rentd_reclaimed_total",
			Help: "Expired rentals reclaimed, by credential revocation outcome",
		},
		[]string{"revoke"},
	)

	WorkersRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rentd_workers_running",
		Help: "Live per-tenant marketplace pollers",
	})

	WorkerRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rentd_worker_restarts_total",
			Help: "Poller restarts after failure",
		},
		[]string{"tenant"},
	)

	WorkersAbandoned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rentd_workers_abandoned_total",
		Help: "Pollers that did not stop within the grace period",
	})

	ReconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rentd_reconcile_duration_seconds",
		Help:    "Duration of a worker reconciliation pass",
		Buckets: prometheus.DefBuckets,
	})

	HubConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rentd_realtime_connections",
		Help: "Connected realtime clients",
	})

	HubDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rentd_realtime_dropped_total",
		Help: "Events dropped because a client queue was full",
	})

	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rentd_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rentd_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

var registerOnce sync.Once

// Register регистрирует коллекторы один раз на процесс.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(
			RentalOperations, Reclaimed,
			WorkersRunning, WorkerRestarts, WorkersAbandoned, ReconcileDuration,
			HubConnections, HubDropped,
			HTTPRequests, HTTPDuration,
		)
	})
}

func Handler() http.Handler { return promhttp.Handler() }

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) { w.status = code; w.ResponseWriter.WriteHeader(code) }

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// Middleware - счётчики запросов по шаблону маршрута mux.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := "unmatched"
		if cr := mux.CurrentRoute(r); cr != nil {
			if tpl, err := cr.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
		HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
