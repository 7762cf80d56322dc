package service

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the booking API.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	bookingsTotal   *prometheus.CounterVec
	remindersTotal  *prometheus.CounterVec
	sweptSlots      prometheus.Counter
}

// NewMetricsService registers the core collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	bookingsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_operations_total",
		Help: "Booking engine operations by outcome",
	}, []string{"operation", "outcome"})

	remindersTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reminder_jobs_total",
		Help: "Reminder job lifecycle events",
	}, []string{"event"})

	sweptSlots := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "expired_slots_swept_total",
		Help: "Available slots removed by the expiry sweep",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, bookingsTotal, remindersTotal, sweptSlots, goroutines)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		bookingsTotal:   bookingsTotal,
		remindersTotal:  remindersTotal,
		sweptSlots:      sweptSlots,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := []string{method, path, strconv.Itoa(status)}
	m.requestDuration.WithLabelValues(labels...).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(labels...).Inc()
}

// ObserveBooking counts a booking engine operation by outcome.
func (m *MetricsService) ObserveBooking(operation string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.bookingsTotal.WithLabelValues(operation, outcome).Inc()
}

// ObserveReminder counts a reminder lifecycle event (scheduled, cancelled,
// dispatched, failed).
func (m *MetricsService) ObserveReminder(event string) {
	if m == nil {
		return
	}
	m.remindersTotal.WithLabelValues(event).Inc()
}

// ObserveSweep adds to the swept-slot counter.
func (m *MetricsService) ObserveSweep(deleted int64) {
	if m == nil || deleted <= 0 {
		return
	}
	m.sweptSlots.Add(float64(deleted))
}
