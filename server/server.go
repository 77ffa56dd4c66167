// Package server runs the fdns listeners: plain UDP DNS and DNS-over-HTTPS
// over HTTP and HTTPS, all answering through one shared resolver.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	stdlog "log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/semihalev/fdns/accesslist"
	"github.com/semihalev/fdns/config"
	"github.com/semihalev/fdns/logging"
	"github.com/semihalev/fdns/metrics"
	"github.com/semihalev/fdns/server/doh"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// Resolver answers wire-format queries for every listener.
type Resolver interface {
	Resolve(ctx context.Context, raw []byte) []byte
}

// Server type
type Server struct {
	addr       string
	dohAddr    string
	dohTLSAddr string

	tlsCertificate string
	tlsPrivateKey  string
	tlsMin, tlsMax uint16

	resolver Resolver
	access   *accesslist.AccessList
	base     logging.Logger
	log      logging.Logger
	metrics  metrics.Recorder

	mu            sync.Mutex
	udpStarted    bool
	dohStarted    bool
	dohTLSStarted bool
	udpAddr       net.Addr
	dohBound      net.Addr
	dohTLSBound   net.Addr
	stopped       bool

	ready     chan struct{}
	readyOnce sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Server) {
		s.base = l
		s.log = logging.Named(l, "server")
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(s *Server) { s.metrics = m }
}

// WithAccessList restricts both transports to the given clients.
func WithAccessList(a *accesslist.AccessList) Option {
	return func(s *Server) { s.access = a }
}

// New return new server answering through r.
func New(cfg *config.Config, r Resolver, opts ...Option) *Server {
	lo, hi := cfg.TLSVersions()

	s := &Server{
		addr:           cfg.Bind,
		dohAddr:        cfg.BindDOH,
		dohTLSAddr:     cfg.BindDOHTLS,
		tlsCertificate: cfg.TLSCertificate,
		tlsPrivateKey:  cfg.TLSPrivateKey,
		tlsMin:         lo,
		tlsMax:         hi,
		resolver:       r,
		base:           logging.Default(),
		log:            logging.Named(logging.Default(), "server"),
		metrics:        metrics.Nop(),
		ready:          make(chan struct{}),
	}

	if s.addr == "" {
		s.addr = ":53"
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.access == nil {
		s.access = accesslist.New(nil, s.base)
	}

	return s
}

// (*Server).Run opens every configured listener and serves until ctx is
// done, then drains in-flight queries. A failing certificate disables the
// HTTPS listener only.
func (s *Server) Run(ctx context.Context) error {
	// unblock Ready waiters when a listener fails to open
	defer s.markReady()

	defer func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
	}()

	pc, err := net.ListenPacket("udp", s.addr)
	if err != nil {
		return fmt.Errorf("listen udp %s: %w", s.addr, err)
	}

	var dohLn, dohTLSLn net.Listener

	if s.dohAddr != "" {
		dohLn, err = net.Listen("tcp", s.dohAddr)
		if err != nil {
			pc.Close()
			return fmt.Errorf("listen http %s: %w", s.dohAddr, err)
		}
	}

	var cm *CertManager
	if s.dohTLSAddr != "" {
		cm, dohTLSLn, err = s.listenTLS()
		if err != nil {
			s.log.Error("DNS listener failed", "net", "https", "addr", s.dohTLSAddr, "error", err.Error())
		}
	}

	if cm != nil {
		defer cm.Stop()
	}

	s.mu.Lock()
	s.udpStarted, s.udpAddr = true, pc.LocalAddr()
	if dohLn != nil {
		s.dohStarted, s.dohBound = true, dohLn.Addr()
	}
	if dohTLSLn != nil {
		s.dohTLSStarted, s.dohTLSBound = true, dohTLSLn.Addr()
	}
	s.mu.Unlock()

	s.markReady()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.serveUDP(gctx, pc) })

	if dohLn != nil {
		g.Go(func() error { return s.serveHTTP(gctx, dohLn, "http") })
	}

	if dohTLSLn != nil {
		g.Go(func() error { return s.serveHTTP(gctx, dohTLSLn, "https") })
	}

	return g.Wait()
}

func (s *Server) listenTLS() (*CertManager, net.Listener, error) {
	cm, err := NewCertManager(s.tlsCertificate, s.tlsPrivateKey, s.base)
	if err != nil {
		return nil, nil, err
	}

	ln, err := net.Listen("tcp", s.dohTLSAddr)
	if err != nil {
		cm.Stop()
		return nil, nil, err
	}

	return cm, tls.NewListener(ln, cm.TLSConfig(s.tlsMin, s.tlsMax)), nil
}

func (s *Server) serveHTTP(ctx context.Context, ln net.Listener, proto string) error {
	handler := doh.New(s.resolver,
		doh.WithLogger(s.base),
		doh.WithMetrics(s.metrics),
		doh.WithProto(proto),
	)

	srv := &http.Server{
		Handler:           s.access.Handler(handler),
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		ErrorLog:          stdlog.New(&errorLog{log: s.log, proto: proto}, "", 0),
	}

	s.log.Info("DNS server listening...", "net", proto, "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		s.log.Error("DNS listener failed", "net", proto, "error", err.Error())
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)

	s.log.Info("DNS server stopped", "net", proto)

	return err
}

// (*Server).Ready is closed once every listener is bound, or once Run has
// returned without binding them. Check UDPAddr to tell the two apart.
func (s *Server) Ready() <-chan struct{} { return s.ready }

func (s *Server) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// (*Server).UDPAddr returns the bound UDP address, nil before Run.
func (s *Server) UDPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.udpAddr
}

// (*Server).DOHAddr returns the bound HTTP address, nil when disabled.
func (s *Server) DOHAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.dohBound
}

// (*Server).DOHTLSAddr returns the bound HTTPS address, nil when disabled or
// when the certificate could not be loaded.
func (s *Server) DOHTLSAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.dohTLSBound
}

// (*Server).Stopped reports whether Run has returned.
func (s *Server) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stopped
}

// errorLog routes net/http server errors to the logger.
type errorLog struct {
	log   logging.Logger
	proto string
}

func (e *errorLog) Write(p []byte) (int, error) {
	line := strings.TrimSpace(string(p))
	if line != "" {
		e.log.Warn("Client http socket failed", "net", e.proto, "error", strings.TrimPrefix(line, "http: "))
	}

	return len(p), nil
}
