package dnssec

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/miekg/dns"
	"github.com/semihalev/fdns/upstream"
)

var errNoKeys = errors.New("no DNSKEY records in upstream answers")

// UpstreamKeySource asks the configured upstreams for DNSKEY sets, in order,
// with the DO bit set. Keys are never cached.
type UpstreamKeySource struct {
	servers []string
	ex      upstream.Exchanger
}

// NewUpstreamKeySource return new key source querying servers through ex.
func NewUpstreamKeySource(servers []string, ex upstream.Exchanger) *UpstreamKeySource {
	return &UpstreamKeySource{
		servers: append([]string(nil), servers...),
		ex:      ex,
	}
}

// DNSKEY implements KeySource.
func (s *UpstreamKeySource) DNSKEY(ctx context.Context, zone string) ([]*dns.DNSKEY, error) {
	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(zone), dns.TypeDNSKEY)
	req.SetEdns0(upstream.DefaultUDPSize, true)

	query, err := req.Pack()
	if err != nil {
		return nil, err
	}

	lastErr := errNoKeys

	for _, server := range s.servers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		raw, err := s.ex.Exchange(ctx, server, query)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", server, err)
			continue
		}

		resp := new(dns.Msg)
		if err := resp.Unpack(raw); err != nil {
			lastErr = fmt.Errorf("%s: %w", server, err)
			continue
		}

		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("%s: rcode %s", server, dns.RcodeToString[resp.Rcode])
			continue
		}

		keys := keysFrom(resp.Answer, zone)
		if len(keys) > 0 {
			return keys, nil
		}
	}

	return nil, lastErr
}

func keysFrom(in []dns.RR, zone string) []*dns.DNSKEY {
	var keys []*dns.DNSKEY

	for _, rr := range extractRRSet(in, "", dns.TypeDNSKEY) {
		k := rr.(*dns.DNSKEY)
		if !strings.EqualFold(dns.Fqdn(k.Header().Name), dns.Fqdn(zone)) {
			continue
		}
		keys = append(keys, k)
	}

	return keys
}
