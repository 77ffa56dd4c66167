// Package mock provides test doubles for fdns: a fake upstream DNS server
// and a recording logger.
package mock

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
)

// Upstream is a DNS server on the loopback interface answering UDP and TCP
// on the same port.
type Upstream struct {
	Addr string

	udp *dns.Server
	tcp *dns.Server

	queries atomic.Int64

	mu   sync.Mutex
	last *dns.Msg
}

// NewUpstream starts a fake upstream serving h. It is shut down when the test
// finishes.
func NewUpstream(t testing.TB, h dns.HandlerFunc) *Upstream {
	t.Helper()

	u := &Upstream{}

	pc, ln := listen(t)
	u.Addr = pc.LocalAddr().String()

	handler := dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		u.queries.Add(1)

		u.mu.Lock()
		u.last = r.Copy()
		u.mu.Unlock()

		h(w, r)
	})

	u.udp = &dns.Server{PacketConn: pc, Handler: handler}
	u.tcp = &dns.Server{Listener: ln, Handler: handler}

	for _, srv := range []*dns.Server{u.udp, u.tcp} {
		started := make(chan struct{})
		srv.NotifyStartedFunc = func() { close(started) }

		go func(srv *dns.Server) {
			_ = srv.ActivateAndServe()
		}(srv)

		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("mock upstream did not start")
		}
	}

	t.Cleanup(u.Close)

	return u
}

// Answer returns a handler replying with rrs for every question.
func Answer(rrs ...dns.RR) dns.HandlerFunc {
	return func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		m.RecursionAvailable = true
		m.Answer = append(m.Answer, rrs...)

		if opt := r.IsEdns0(); opt != nil {
			m.SetEdns0(opt.UDPSize(), opt.Do())
		}

		_ = w.WriteMsg(m)
	}
}

// Rcode returns a handler replying with an empty message carrying rcode.
func Rcode(rcode int) dns.HandlerFunc {
	return func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetRcode(r, rcode)
		_ = w.WriteMsg(m)
	}
}

// Silent returns a handler that never replies.
func Silent() dns.HandlerFunc {
	return func(dns.ResponseWriter, *dns.Msg) {}
}

// Queries returns how many queries the upstream received.
func (u *Upstream) Queries() int { return int(u.queries.Load()) }

// Last returns a copy of the last query received, or nil.
func (u *Upstream) Last() *dns.Msg {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.last == nil {
		return nil
	}

	return u.last.Copy()
}

// Close stops both listeners.
func (u *Upstream) Close() {
	_ = u.udp.Shutdown()
	_ = u.tcp.Shutdown()
}

func listen(t testing.TB) (net.PacketConn, net.Listener) {
	t.Helper()

	var lastErr error

	for i := 0; i < 10; i++ {
		pc, err := net.ListenPacket("udp", "127.0.0.1:0")
		if err != nil {
			lastErr = err
			continue
		}

		ln, err := net.Listen("tcp", pc.LocalAddr().String())
		if err != nil {
			_ = pc.Close()
			lastErr = err
			continue
		}

		return pc, ln
	}

	t.Fatalf("mock upstream listen: %v", lastErr)

	return nil, nil
}

// ClosedAddr returns a loopback address nothing listens on.
func ClosedAddr(t testing.TB) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	addr := pc.LocalAddr().String()
	_ = pc.Close()

	return addr
}
