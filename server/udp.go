package server

import (
	"context"
	"errors"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/fdns/dnsutil"
)

// udpBufSize is the receive buffer for one datagram.
const udpBufSize = 4096

func (s *Server) serveUDP(ctx context.Context, pc net.PacketConn) error {
	var wg sync.WaitGroup

	stop := context.AfterFunc(ctx, func() {
		_ = pc.SetReadDeadline(time.Now())
	})
	defer stop()

	s.log.Info("DNS server listening...", "net", "udp", "addr", pc.LocalAddr().String())

	buf := make([]byte, udpBufSize)

	var err error
	for {
		n, addr, rerr := pc.ReadFrom(buf)
		if rerr != nil {
			if ctx.Err() != nil {
				break
			}

			var ne net.Error
			if errors.As(rerr, &ne) && ne.Timeout() {
				continue
			}

			s.log.Error("DNS listener failed", "net", "udp", "error", rerr.Error())
			err = rerr
			break
		}

		raw := make([]byte, n)
		copy(raw, buf[:n])

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleUDP(context.WithoutCancel(ctx), pc, addr, raw)
		}()
	}

	wg.Wait()

	if cerr := pc.Close(); err == nil && cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		err = cerr
	}

	s.log.Info("DNS server stopped", "net", "udp")

	return err
}

func (s *Server) handleUDP(ctx context.Context, pc net.PacketConn, addr net.Addr, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Recovered in handleUDP", "client", addr.String(), "recover", r, "stack", string(debug.Stack()))
		}
	}()

	start := time.Now()

	if !s.access.AllowedAddr(addr) {
		s.log.Debug("Client rejected by access list", "net", "udp", "client", addr.String())
		return
	}

	req := new(dns.Msg)
	if err := req.Unpack(raw); err != nil {
		s.log.Warn("Malformed DNS message dropped", "net", "udp", "client", addr.String(), "error", err.Error())
		return
	}

	if len(req.Question) > 0 {
		s.log.Debug("Query received", "net", "udp", "client", addr.String(),
			"qname", req.Question[0].Name, "qtype", dnsutil.QuestionType(req))
	}

	resp := truncate(req, s.resolver.Resolve(ctx, raw))

	if _, err := pc.WriteTo(resp, addr); err != nil {
		s.log.Warn("Response write failed", "net", "udp", "client", addr.String(), "error", err.Error())
	}

	s.metrics.Query("udp", dnsutil.QuestionType(req), dnsutil.ResponseRcode(resp), time.Since(start))
}

// truncate fits resp into the UDP payload size advertised by req.
func truncate(req *dns.Msg, resp []byte) []byte {
	size := dns.MinMsgSize
	if opt := req.IsEdns0(); opt != nil && int(opt.UDPSize()) > size {
		size = int(opt.UDPSize())
	}

	if len(resp) <= size {
		return resp
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(resp); err != nil {
		return resp
	}

	msg.Truncate(size)

	out, err := msg.Pack()
	if err != nil {
		return resp
	}

	return out
}
