// Package doh serves DNS wire-format messages over HTTP (RFC 8484, POST
// only).
package doh

import (
	"context"
	"io"
	"mime"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/fdns/dnsutil"
	"github.com/semihalev/fdns/logging"
	"github.com/semihalev/fdns/metrics"
)

// MediaType is the DNS wire-format content type.
const MediaType = "application/dns-message"

// MaxMsgSize is the largest accepted request body.
const MaxMsgSize = dns.MaxMsgSize

// Resolver answers wire-format queries.
type Resolver interface {
	Resolve(ctx context.Context, raw []byte) []byte
}

// Handler type
type Handler struct {
	resolver Resolver
	proto    string

	log     logging.Logger
	metrics metrics.Recorder
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the handler logger.
func WithLogger(l logging.Logger) Option {
	return func(h *Handler) { h.log = logging.Named(l, "doh") }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithProto sets the protocol label used in logs and metrics.
func WithProto(proto string) Option {
	return func(h *Handler) { h.proto = proto }
}

// New return new DoH handler answering through r.
func New(r Resolver, opts ...Option) *Handler {
	h := &Handler{
		resolver: r,
		proto:    "http",
		log:      logging.Named(logging.Default(), "doh"),
		metrics:  metrics.Nop(),
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// ServeHTTP handles a wire-format query on any path.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			h.log.Error("Recovered in ServeHTTP", "recover", rec, "stack", string(debug.Stack()))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
	}()

	start := time.Now()

	if r.Method != http.MethodPost || !isWireFormat(r.Header.Get("Content-Type")) {
		http.Error(w, http.StatusText(http.StatusUnsupportedMediaType), http.StatusUnsupportedMediaType)
		return
	}

	if r.ContentLength > MaxMsgSize {
		http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
		return
	}

	buf, err := io.ReadAll(io.LimitReader(r.Body, MaxMsgSize+1))
	if err != nil {
		h.log.Warn("Request body read failed", "client", r.RemoteAddr, "error", err.Error())
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if len(buf) > MaxMsgSize {
		http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
		return
	}

	if len(buf) == 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	req := new(dns.Msg)
	if err := req.Unpack(buf); err != nil {
		h.log.Warn("Malformed DNS message", "proto", h.proto, "client", r.RemoteAddr, "error", err.Error())
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(req.Question) > 0 {
		h.log.Debug("Query received", "proto", h.proto, "client", r.RemoteAddr,
			"qname", req.Question[0].Name, "qtype", dnsutil.QuestionType(req))
	}

	resp := h.resolver.Resolve(r.Context(), buf)

	w.Header().Set("Content-Type", MediaType)
	w.Header().Set("Content-Length", strconv.Itoa(len(resp)))
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(resp); err != nil {
		h.log.Warn("Response write failed", "proto", h.proto, "client", r.RemoteAddr, "error", err.Error())
	}

	h.metrics.Query(h.proto, dnsutil.QuestionType(req), dnsutil.ResponseRcode(resp), time.Since(start))
}

func isWireFormat(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == MediaType
}
