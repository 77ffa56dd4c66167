// Package upstream sends wire-format DNS queries to upstream resolvers.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strings"
	"time"
)

// DefaultPort is appended to upstream addresses given without a port.
const DefaultPort = "53"

// DefaultUDPSize is the receive buffer used for UDP replies.
const DefaultUDPSize = 4096

// Exchanger performs a single query against one upstream.
type Exchanger interface {
	Exchange(ctx context.Context, addr string, query []byte) ([]byte, error)
}

// Client exchanges queries over UDP and falls back to TCP when the UDP
// reply is truncated.
type Client struct {
	Timeout time.Duration
	UDPSize uint16

	// DisableTCP skips the TCP retry on truncated replies.
	DisableTCP bool
}

// NewClient returns a client with a per-attempt timeout.
func NewClient(timeout time.Duration) *Client {
	return &Client{Timeout: timeout, UDPSize: DefaultUDPSize}
}

// Exchange implements Exchanger. The timeout bounds each transport attempt.
func (c *Client) Exchange(ctx context.Context, addr string, query []byte) ([]byte, error) {
	reply, err := c.exchange(ctx, "udp", addr, query)
	if err != nil {
		return nil, err
	}

	if c.DisableTCP || !truncated(reply) {
		return reply, nil
	}

	tcpReply, err := c.exchange(ctx, "tcp", addr, query)
	if err != nil {
		// the truncated reply is still a valid answer
		return reply, nil
	}

	return tcpReply, nil
}

func (c *Client) exchange(ctx context.Context, network, addr string, query []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(c.timeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	dialer := &net.Dialer{Deadline: deadline}

	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	// unblock reads when ctx is cancelled before the deadline
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	co := &Conn{Conn: conn, UDPSize: c.UDPSize}

	reply, err := co.Exchange(query)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	return reply, nil
}

func (c *Client) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 2 * time.Second
	}
	return c.Timeout
}

func truncated(msg []byte) bool {
	return len(msg) > 2 && msg[2]&0x02 != 0
}

// Normalize returns addrs in host:port form. Addresses without a port get
// DefaultPort.
func Normalize(addrs []string) ([]string, error) {
	if len(addrs) == 0 {
		return nil, errors.New("no upstream servers configured")
	}

	out := make([]string, 0, len(addrs))

	for _, addr := range addrs {
		n, err := NormalizeAddr(addr)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}

	return out, nil
}

// NormalizeAddr returns addr in host:port form.
func NormalizeAddr(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", errors.New("empty upstream address")
	}

	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || port == "" {
			return "", fmt.Errorf("invalid upstream address %q", addr)
		}
		return addr, nil
	}

	host := strings.TrimSuffix(strings.TrimPrefix(addr, "["), "]")
	if strings.ContainsAny(host, "[]") {
		return "", fmt.Errorf("invalid upstream address %q", addr)
	}

	if strings.Contains(host, ":") && net.ParseIP(host) == nil {
		return "", fmt.Errorf("invalid upstream address %q", addr)
	}

	return net.JoinHostPort(host, DefaultPort), nil
}

// Shuffle returns a randomly ordered copy of vals.
func Shuffle(vals []string) []string {
	perm := rand.Perm(len(vals))
	ret := make([]string, len(vals))

	for i, randIndex := range perm {
		ret[i] = vals[randIndex]
	}

	return ret
}
