package doh

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/semihalev/fdns/metrics"
	"github.com/semihalev/fdns/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	calls int
	got   []byte
	fn    func(raw []byte) []byte
}

func (f *fakeResolver) Resolve(_ context.Context, raw []byte) []byte {
	f.calls++
	f.got = append([]byte(nil), raw...)
	return f.fn(raw)
}

func answerA(raw []byte) []byte {
	req := new(dns.Msg)
	if err := req.Unpack(raw); err != nil {
		return nil
	}

	m := new(dns.Msg)
	m.SetReply(req)
	rr, _ := dns.NewRR(req.Question[0].Name + " 300 IN A 192.0.2.1")
	m.Answer = append(m.Answer, rr)
	out, _ := m.Pack()
	return out
}

func packQuery(t *testing.T) []byte {
	t.Helper()

	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)
	raw, err := req.Pack()
	require.NoError(t, err)
	return raw
}

func post(h http.Handler, contentType string, body []byte) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, "/dns-query", bytes.NewReader(body))
	if contentType != "" {
		r.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func Test_ServeHTTP(t *testing.T) {
	res := &fakeResolver{fn: answerA}
	reg := prometheus.NewRegistry()
	rec, err := metrics.NewPrometheus(reg)
	require.NoError(t, err)

	h := New(res, WithLogger(mock.NewLogger()), WithMetrics(rec), WithProto("https"))

	raw := packQuery(t)
	w := post(h, MediaType, raw)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, MediaType, w.Header().Get("Content-Type"))
	assert.Equal(t, strconv.Itoa(w.Body.Len()), w.Header().Get("Content-Length"))
	assert.Equal(t, raw, res.got)

	resp := new(dns.Msg)
	require.NoError(t, resp.Unpack(w.Body.Bytes()))
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, "192.0.2.1", resp.Answer[0].(*dns.A).A.String())

	assert.Equal(t, 1, testutil.CollectAndCount(reg, "dns_queries_total"))
}

func Test_ServeHTTPAnyPath(t *testing.T) {
	h := New(&fakeResolver{fn: answerA}, WithLogger(mock.NewLogger()))

	r := httptest.NewRequest(http.MethodPost, "/some/other/path", bytes.NewReader(packQuery(t)))
	r.Header.Set("Content-Type", MediaType)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
}

func Test_ServeHTTPMediaTypeParams(t *testing.T) {
	h := New(&fakeResolver{fn: answerA}, WithLogger(mock.NewLogger()))

	w := post(h, "application/dns-message; charset=binary", packQuery(t))
	assert.Equal(t, http.StatusOK, w.Code)
}

func Test_ServeHTTPErrors(t *testing.T) {
	res := &fakeResolver{fn: answerA}
	h := New(res, WithLogger(mock.NewLogger()))

	tests := []struct {
		name        string
		method      string
		contentType string
		body        []byte
		want        int
	}{
		{"get", http.MethodGet, MediaType, nil, http.StatusUnsupportedMediaType},
		{"wrong content type", http.MethodPost, "application/json", packQuery(t), http.StatusUnsupportedMediaType},
		{"missing content type", http.MethodPost, "", packQuery(t), http.StatusUnsupportedMediaType},
		{"empty body", http.MethodPost, MediaType, nil, http.StatusBadRequest},
		{"too large", http.MethodPost, MediaType, make([]byte, MaxMsgSize+1), http.StatusRequestEntityTooLarge},
		{"malformed", http.MethodPost, MediaType, []byte{0x01, 0x02, 0x03}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, "/dns-query", bytes.NewReader(tt.body))
			if tt.contentType != "" {
				r.Header.Set("Content-Type", tt.contentType)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)

			assert.Equal(t, tt.want, w.Code)
		})
	}

	assert.Zero(t, res.calls)
}

func Test_ServeHTTPChunkedTooLarge(t *testing.T) {
	h := New(&fakeResolver{fn: answerA}, WithLogger(mock.NewLogger()))

	r := httptest.NewRequest(http.MethodPost, "/dns-query", bytes.NewReader(make([]byte, MaxMsgSize+10)))
	r.Header.Set("Content-Type", MediaType)
	r.ContentLength = -1
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func Test_ServeHTTPPanic(t *testing.T) {
	log := mock.NewLogger()
	h := New(&fakeResolver{fn: func([]byte) []byte { panic("boom") }}, WithLogger(log))

	w := post(h, MediaType, packQuery(t))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	_, ok := log.Find("error", "Recovered")
	assert.True(t, ok)
}
