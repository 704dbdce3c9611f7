package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "familymeal",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "familymeal",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "familymeal",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	mealDeletions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "familymeal",
			Subsystem: "meals",
			Name:      "deletions_total",
			Help:      "Meal delete requests by outcome.",
		},
		[]string{"outcome"},
	)

	deletionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "familymeal",
			Subsystem: "meals",
			Name:      "deletion_duration_seconds",
			Help:      "Duration of executed meal purges.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
	)

	purgedComments = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "familymeal",
			Subsystem: "meals",
			Name:      "purged_comments_total",
			Help:      "Comments removed while deleting meals.",
		},
	)

	searchRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "familymeal",
			Subsystem: "search",
			Name:      "requests_total",
			Help:      "Meal searches by candidate source.",
		},
		[]string{"source"},
	)

	liveSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "familymeal",
			Subsystem: "feed",
			Name:      "subscribers",
			Help:      "Open live meal subscriptions.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		mealDeletions,
		deletionDuration,
		purgedComments,
		searchRequests,
		liveSubscribers,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := CanonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordDeletion counts one delete request. Executed purges also record
// their duration and how many comments they removed.
func RecordDeletion(outcome string, duration time.Duration, comments int) {
	if outcome == "" {
		outcome = "unknown"
	}
	mealDeletions.WithLabelValues(outcome).Inc()
	if duration > 0 {
		deletionDuration.Observe(duration.Seconds())
	}
	if comments > 0 {
		purgedComments.Add(float64(comments))
	}
}

// RecordSearch counts a meal search by where its candidates came from.
func RecordSearch(source string) {
	searchRequests.WithLabelValues(source).Inc()
}

func SubscriberOpened() { liveSubscribers.Inc() }

func SubscriberClosed() { liveSubscribers.Dec() }

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// otherRoute labels every path the API does not serve, so unknown URLs
// cannot grow the label set.
const otherRoute = "/other"

var fixedRoutes = map[string]struct{}{
	"":                   {},
	"metrics":            {},
	"api/health":         {},
	"api/ready":          {},
	"api/version":        {},
	"api/client-errors":  {},
	"api/session/revoke": {},
	"api/profile":        {},
	"api/profile/role":   {},
	"api/uploads/image":  {},
}

// CanonicalPath collapses ids out of request paths so label cardinality
// stays bounded.
func CanonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if _, ok := fixedRoutes[trimmed]; ok {
		return "/" + trimmed
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) < 2 || parts[0] != "api" || parts[1] != "meals" || len(parts) > 5 {
		return otherRoute
	}
	if len(parts) == 2 {
		return "/api/meals"
	}
	switch parts[2] {
	case "search", "stream":
		if len(parts) == 3 {
			return "/api/meals/" + parts[2]
		}
		return otherRoute
	case "stats":
		if len(parts) == 4 && parts[3] == "weekly" {
			return "/api/meals/stats/weekly"
		}
		return otherRoute
	}
	switch {
	case len(parts) == 3:
		return "/api/meals/:id"
	case parts[3] != "comments":
		return otherRoute
	case len(parts) == 4:
		return "/api/meals/:id/comments"
	default:
		return "/api/meals/:id/comments/:commentId"
	}
}
