// Package metrics exposes Prometheus collectors for the harvester's fetch path
// and its status server.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/sitemap-harvester/internal/harvest"
)

// Metrics owns the collectors registered against one registry.
type Metrics struct {
	registry prometheus.Gatherer

	fetchTotal        *prometheus.CounterVec
	fetchBytes        *prometheus.CounterVec
	fetchDuration     *prometheus.HistogramVec
	rateLimitDelay    *prometheus.HistogramVec
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New registers the collectors on reg. When reg is nil a private registry is
// created so that repeated construction in tests never collides.
func New(reg *prometheus.Registry) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry: reg,
		fetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_fetch_total",
			Help: "Fetch attempts labeled by site and status (HTTP code or transport_error).",
		}, []string{"site", "status"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_fetch_bytes_total",
			Help: "Body bytes downloaded, labeled by site.",
		}, []string{"site"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_fetch_duration_seconds",
			Help:    "Fetch latency labeled by site.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"site"}),
		rateLimitDelay: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_rate_limit_delay_seconds",
			Help:    "Time spent waiting on the client-side rate limiter.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"domain"}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_http_requests_total",
			Help: "Status server requests labeled by method and code.",
		}, []string{"method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_http_request_duration_seconds",
			Help:    "Status server latency labeled by method and route.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"method", "route"}),
	}
	collectors := []prometheus.Collector{
		m.fetchTotal,
		m.fetchBytes,
		m.fetchDuration,
		m.rateLimitDelay,
		m.httpRequestsTotal,
		m.httpDuration,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return m, nil
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SanitizeSite extracts a lowercase hostname from rawURL.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObserveFetch records one fetch attempt. A zero status marks a transport error.
func (m *Metrics) ObserveFetch(site string, status int, bytesFetched int, duration time.Duration) {
	host := SanitizeSite(site)
	label := "transport_error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.fetchTotal.WithLabelValues(host, label).Inc()
	if bytesFetched > 0 {
		m.fetchBytes.WithLabelValues(host).Add(float64(bytesFetched))
	}
	m.fetchDuration.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a limiter wait.
func (m *Metrics) ObserveRateLimitDelay(domain string, duration time.Duration) {
	m.rateLimitDelay.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest records one status server request.
func (m *Metrics) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// InstrumentFetcher wraps next so every call is counted.
func (m *Metrics) InstrumentFetcher(next harvest.Fetcher) harvest.Fetcher {
	return harvest.FetcherFunc(func(ctx context.Context, target string) (harvest.FetchResponse, error) {
		start := time.Now()
		resp, err := next.Fetch(ctx, target)
		if errors.Is(err, context.Canceled) {
			return resp, err
		}
		status := resp.StatusCode
		if err != nil {
			status = 0
		}
		m.ObserveFetch(target, status, len(resp.Body), time.Since(start))
		return resp, err
	})
}
