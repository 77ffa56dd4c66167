package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Prometheus(t *testing.T) {
	reg := prometheus.NewRegistry()

	p, err := NewPrometheus(reg)
	require.NoError(t, err)

	p.Query("udp", "A", "NOERROR", 10*time.Millisecond)
	p.Query("udp", "A", "NOERROR", 20*time.Millisecond)
	p.Query("doh", "AAAA", "SERVFAIL", time.Second)
	p.Upstream("8.8.8.8:53", OutcomeError)
	p.Upstream("1.1.1.1:53", OutcomeSuccess)
	p.Validation(ValidationBogus)
	p.Cache(CacheHit)
	p.Cache(CacheHit)
	p.Cache(CacheMiss)

	assert.Equal(t, 2.0, testutil.ToFloat64(p.queries.WithLabelValues("udp", "A", "NOERROR")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.queries.WithLabelValues("doh", "AAAA", "SERVFAIL")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.upstreams.WithLabelValues("8.8.8.8:53", OutcomeError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.validations.WithLabelValues(ValidationBogus)))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.cache.WithLabelValues(CacheHit)))

	m := &dto.Metric{}
	obs, err := p.duration.GetMetricWithLabelValues("udp")
	require.NoError(t, err)
	require.NoError(t, obs.(prometheus.Histogram).Write(m))
	assert.Equal(t, uint64(2), m.GetHistogram().GetSampleCount())
	assert.InDelta(t, 0.03, m.GetHistogram().GetSampleSum(), 0.0001)
}

func Test_PrometheusDuplicateRegister(t *testing.T) {
	reg := prometheus.NewRegistry()

	_, err := NewPrometheus(reg)
	require.NoError(t, err)

	_, err = NewPrometheus(reg)
	assert.Error(t, err)
}

func Test_Handler(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(reg)
	require.NoError(t, err)

	p.Validation(ValidationSecure)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	Handler(reg).ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `dnssec_validations_total{result="secure"} 1`)
}

func Test_Serve(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(reg)
	require.NoError(t, err)
	p.Validation(ValidationSecure)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, addr, reg) }()

	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		body = string(data)
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	assert.True(t, strings.Contains(body, "dnssec_validations_total"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not stop")
	}
}

func Test_Nop(t *testing.T) {
	r := Nop()
	r.Query("udp", "A", "NOERROR", time.Millisecond)
	r.Upstream("x", OutcomeSuccess)
	r.Validation(ValidationSecure)
	r.Cache(CacheHit)
}
