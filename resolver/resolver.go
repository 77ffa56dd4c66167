// Package resolver turns an inbound wire-format query into a cached,
// validated or freshly forwarded wire-format response.
package resolver

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/fdns/cache"
	"github.com/semihalev/fdns/dnsutil"
	"github.com/semihalev/fdns/logging"
	"github.com/semihalev/fdns/metrics"
	"github.com/semihalev/fdns/upstream"
)

var (
	errNoUpstreams      = errors.New("no upstream servers configured")
	errQuestionMismatch = errors.New("upstream reply question mismatch")
)

// Validator gates upstream responses before they are cached or returned.
type Validator interface {
	ValidateWire(ctx context.Context, raw []byte) error
}

// Resolver forwards queries to a fixed set of upstreams. Safe for concurrent
// use by every transport.
type Resolver struct {
	servers []string
	timeout time.Duration

	cache     *cache.Cache
	validator Validator
	ex        upstream.Exchanger

	log     logging.Logger
	metrics metrics.Recorder
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithCache enables response caching.
func WithCache(c *cache.Cache) Option {
	return func(r *Resolver) { r.cache = c }
}

// WithValidator enables DNSSEC validation of upstream responses.
func WithValidator(v Validator) Option {
	return func(r *Resolver) { r.validator = v }
}

// WithLogger sets the resolver logger.
func WithLogger(l logging.Logger) Option {
	return func(r *Resolver) { r.log = logging.Named(l, "resolver") }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(r *Resolver) { r.metrics = m }
}

// WithExchanger replaces the UDP/TCP upstream client.
func WithExchanger(ex upstream.Exchanger) Option {
	return func(r *Resolver) { r.ex = ex }
}

// New return new resolver forwarding to servers with a per-attempt timeout.
// Servers without a port get port 53; invalid entries are logged and skipped.
func New(servers []string, timeout time.Duration, opts ...Option) *Resolver {
	r := &Resolver{
		timeout: timeout,
		log:     logging.Named(logging.Default(), "resolver"),
		metrics: metrics.Nop(),
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.ex == nil {
		r.ex = upstream.NewClient(timeout)
	}

	for _, s := range servers {
		addr, err := upstream.NormalizeAddr(s)
		if err != nil {
			r.log.Error("Upstream server is not correct. Check your config.", "server", s, "error", err.Error())
			continue
		}
		r.servers = append(r.servers, addr)
	}

	return r
}

// Servers returns the normalized upstream set.
func (r *Resolver) Servers() []string {
	return append([]string(nil), r.servers...)
}

// Resolve answers the wire-format query raw. It never fails: when every
// upstream fails the result is a SERVFAIL carrying the query ID and question.
func (r *Resolver) Resolve(ctx context.Context, raw []byte) []byte {
	req := new(dns.Msg)
	if err := req.Unpack(raw); err != nil {
		r.log.Warn("Query could not be parsed", "error", err.Error())
		return formatError(raw)
	}

	key, q, keyed := cache.KeyOf(req)
	if !keyed {
		r.log.Warn("Cache key could not be derived, caching disabled for query", "id", req.Id)
	}

	if keyed && r.cache != nil {
		if msg, ok := r.cache.Get(key, q); ok {
			msg.Id = req.Id

			out, err := msg.Pack()
			if err == nil {
				r.log.Debug("Cache hit", "query", formatQuestion(q))
				return out
			}

			r.log.Error("Cached response pack failed", "query", formatQuestion(q), "error", err.Error())
		}
	}

	query := raw
	if r.validator != nil {
		fwd := req.Copy()
		dnsutil.SetDo(fwd)

		packed, err := fwd.Pack()
		if err != nil {
			r.log.Error("Query pack failed", "query", formatQuestion(q), "error", err.Error())
			return r.servfail(req, err)
		}
		query = packed
	}

	var (
		resolutionFailures int
		dnssecFailures     int
		lastErr            error = errNoUpstreams
	)

	for _, server := range upstream.Shuffle(r.servers) {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		resp, err := r.exchange(ctx, server, query)
		if err == nil && keyed {
			err = matchQuestion(resp, q)
		}

		if err != nil {
			resolutionFailures++
			lastErr = err
			r.metrics.Upstream(server, metrics.OutcomeError)
			r.log.Warn("Upstream query failed", "upstream", server, "query", formatQuestion(q), "error", err.Error())
			continue
		}

		if r.validator != nil {
			if err := r.validate(ctx, resp); err != nil {
				dnssecFailures++
				lastErr = err
				r.metrics.Upstream(server, metrics.OutcomeDNSSECFailed)
				r.log.Warn("DNSSEC validation failed", "upstream", server, "query", formatQuestion(q), "error", err.Error())
				continue
			}
		}

		r.metrics.Upstream(server, metrics.OutcomeSuccess)

		if keyed && r.cache != nil {
			_ = r.cache.Set(key, q, resp)
		}

		return resp
	}

	r.log.Error("All upstream servers failed", "query", formatQuestion(q),
		"resolution_failures", resolutionFailures, "dnssec_failures", dnssecFailures)

	return r.servfail(req, lastErr)
}

func (r *Resolver) exchange(ctx context.Context, server string, query []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	return r.ex.Exchange(ctx, server, query)
}

// matchQuestion rejects replies answering another question than q.
func matchQuestion(resp []byte, q dns.Question) error {
	m := new(dns.Msg)
	if err := m.Unpack(resp); err != nil {
		return fmt.Errorf("upstream reply unpack: %w", err)
	}

	if len(m.Question) == 0 {
		return errQuestionMismatch
	}

	got := m.Question[0]
	if got.Qtype != q.Qtype || got.Qclass != q.Qclass || !strings.EqualFold(got.Name, q.Name) {
		return fmt.Errorf("%w: %s", errQuestionMismatch, formatQuestion(got))
	}

	return nil
}

func (r *Resolver) validate(ctx context.Context, resp []byte) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	return r.validator.ValidateWire(ctx, resp)
}

func (r *Resolver) servfail(req *dns.Msg, err error) []byte {
	code, text := dnsutil.ErrorToEDE(err)
	m := dnsutil.SetRcodeWithEDE(req, dns.RcodeServerFailure, code, text)

	out, perr := m.Pack()
	if perr != nil {
		r.log.Error("SERVFAIL pack failed", "error", perr.Error())
		return header(req.Id, dns.RcodeServerFailure)
	}

	return out
}

// formatError returns a FORMERR reply echoing the ID of raw, if it has one.
func formatError(raw []byte) []byte {
	var id uint16
	if len(raw) >= 2 {
		id = binary.BigEndian.Uint16(raw)
	}

	return header(id, dns.RcodeFormatError)
}

// header returns a bare response header with rcode.
func header(id uint16, rcode int) []byte {
	out := make([]byte, 12)
	binary.BigEndian.PutUint16(out, id)
	out[2] = 0x80 | 0x01 // QR, RD
	out[3] = 0x80 | byte(rcode&0x0f)
	return out
}

func formatQuestion(q dns.Question) string {
	if q.Name == "" {
		return "<none>"
	}
	return strings.ToLower(q.Name) + " " + dns.ClassToString[q.Qclass] + " " + dns.TypeToString[q.Qtype]
}
