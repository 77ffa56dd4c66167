// Package metrics records query outcomes. Components only see the Recorder
// interface, so a no-op recorder is always a valid choice.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder observes resolver and transport events.
type Recorder interface {
	// Query is called once per answered client query.
	Query(proto, qtype, rcode string, elapsed time.Duration)
	// Upstream is called once per upstream attempt.
	Upstream(server, outcome string)
	// Validation is called once per DNSSEC validation.
	Validation(result string)
	// Cache is called on cache hits, misses, stores, skips and evictions.
	Cache(event string)
}

// Upstream attempt outcomes.
const (
	OutcomeSuccess      = "success"
	OutcomeError        = "error"
	OutcomeDNSSECFailed = "dnssec_failed"
)

// Validation results.
const (
	ValidationSecure = "secure"
	ValidationBogus  = "bogus"
)

// Cache events.
const (
	CacheHit     = "hit"
	CacheMiss    = "miss"
	CacheStore   = "store"
	CacheSkip    = "skip"
	CacheExpired = "expired"
	CacheEvict   = "evict"
)

// Nop returns a recorder which does nothing.
func Nop() Recorder { return nop{} }

type nop struct{}

func (nop) Query(string, string, string, time.Duration) {}
func (nop) Upstream(string, string)                     {}
func (nop) Validation(string)                           {}
func (nop) Cache(string)                                {}

// Prometheus type
type Prometheus struct {
	queries     *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	upstreams   *prometheus.CounterVec
	validations *prometheus.CounterVec
	cache       *prometheus.CounterVec
}

// NewPrometheus return new prometheus recorder registered on reg.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		queries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dns_queries_total",
				Help: "How many DNS queries processed",
			},
			[]string{"proto", "qtype", "rcode"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dns_query_duration_seconds",
				Help:    "Time spent resolving DNS queries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"proto"},
		),
		upstreams: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dns_upstream_requests_total",
				Help: "Upstream attempts by server and outcome",
			},
			[]string{"server", "outcome"},
		),
		validations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dnssec_validations_total",
				Help: "DNSSEC validation attempts",
			},
			[]string{"result"},
		),
		cache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dns_cache_events_total",
				Help: "DNS cache events by kind",
			},
			[]string{"event"},
		),
	}

	for _, c := range []prometheus.Collector{p.queries, p.duration, p.upstreams, p.validations, p.cache} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return p, nil
}

// (*Prometheus).Query implements Recorder.
func (p *Prometheus) Query(proto, qtype, rcode string, elapsed time.Duration) {
	p.queries.With(prometheus.Labels{
		"proto": proto,
		"qtype": qtype,
		"rcode": rcode,
	}).Inc()

	p.duration.WithLabelValues(proto).Observe(elapsed.Seconds())
}

// (*Prometheus).Upstream implements Recorder.
func (p *Prometheus) Upstream(server, outcome string) {
	p.upstreams.WithLabelValues(server, outcome).Inc()
}

// (*Prometheus).Validation implements Recorder.
func (p *Prometheus) Validation(result string) {
	p.validations.WithLabelValues(result).Inc()
}

// (*Prometheus).Cache implements Recorder.
func (p *Prometheus) Cache(event string) {
	p.cache.WithLabelValues(event).Inc()
}

// Handler returns the exposition handler for g.
func Handler(g prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return mux
}

// Serve runs the metrics exporter on addr until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(g),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}
