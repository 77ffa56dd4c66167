package dnssec

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/fdns/mock"
	"github.com/semihalev/fdns/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedExchanger struct {
	replies map[string]func(q *dns.Msg) ([]byte, error)
	order   []string
}

func (s *scriptedExchanger) Exchange(_ context.Context, addr string, query []byte) ([]byte, error) {
	s.order = append(s.order, addr)

	q := new(dns.Msg)
	if err := q.Unpack(query); err != nil {
		return nil, err
	}

	return s.replies[addr](q)
}

func TestUpstreamKeySource(t *testing.T) {
	s := newSigner(t, "example.com.", dns.ECDSAP256SHA256, 256)

	u := mock.NewUpstream(t, mock.Answer(s.key))

	ks := NewUpstreamKeySource([]string{u.Addr}, upstream.NewClient(2*time.Second))

	keys, err := ks.DNSKEY(context.Background(), "example.com.")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, s.key.KeyTag(), keys[0].KeyTag())

	last := u.Last()
	require.NotNil(t, last)
	assert.Equal(t, dns.TypeDNSKEY, last.Question[0].Qtype)
	require.NotNil(t, last.IsEdns0())
	assert.True(t, last.IsEdns0().Do())
}

func TestUpstreamKeySourceFailover(t *testing.T) {
	s := newSigner(t, "example.com.", dns.ECDSAP256SHA256, 256)

	reply := func(rcode int, rrs ...dns.RR) func(q *dns.Msg) ([]byte, error) {
		return func(q *dns.Msg) ([]byte, error) {
			m := new(dns.Msg)
			m.SetRcode(q, rcode)
			m.Answer = rrs
			return m.Pack()
		}
	}

	ex := &scriptedExchanger{replies: map[string]func(q *dns.Msg) ([]byte, error){
		"a:53": func(*dns.Msg) ([]byte, error) { return nil, errors.New("timeout") },
		"b:53": reply(dns.RcodeServerFailure),
		"c:53": reply(dns.RcodeSuccess),
		"d:53": reply(dns.RcodeSuccess, s.key),
	}}

	ks := NewUpstreamKeySource([]string{"a:53", "b:53", "c:53", "d:53"}, ex)

	keys, err := ks.DNSKEY(context.Background(), "example.com")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, []string{"a:53", "b:53", "c:53", "d:53"}, ex.order)
}

func TestUpstreamKeySourceExhausted(t *testing.T) {
	ex := &scriptedExchanger{replies: map[string]func(q *dns.Msg) ([]byte, error){
		"a:53": func(*dns.Msg) ([]byte, error) { return []byte{1, 2, 3}, nil },
		"b:53": func(*dns.Msg) ([]byte, error) { return nil, errors.New("refused") },
	}}

	ks := NewUpstreamKeySource([]string{"a:53", "b:53"}, ex)

	_, err := ks.DNSKEY(context.Background(), "example.com.")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b:53")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = ks.DNSKEY(ctx, "example.com.")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestKeysFromFiltersOwner(t *testing.T) {
	s := newSigner(t, "example.com.", dns.ECDSAP256SHA256, 256)
	o := newSigner(t, "example.net.", dns.ECDSAP256SHA256, 256)

	keys := keysFrom([]dns.RR{s.key, o.key}, "EXAMPLE.com")
	require.Len(t, keys, 1)
	assert.Equal(t, "example.com.", keys[0].Hdr.Name)
}

func TestValidatorWithUpstreamKeys(t *testing.T) {
	now := time.Now()
	s := newSigner(t, "example.com.", dns.ECDSAP256SHA256, 256)

	u := mock.NewUpstream(t, mock.Answer(s.key))

	a := rr(t, "www.example.com. 300 IN A 192.0.2.1")
	sig := s.sign(t, []dns.RR{a}, now.Add(-time.Hour), now.Add(time.Hour))

	v := New(NewUpstreamKeySource([]string{u.Addr}, upstream.NewClient(2*time.Second)))
	require.NoError(t, v.Validate(context.Background(), answer("www.example.com.", dns.TypeA, a, sig)))
	assert.Equal(t, 1, u.Queries())
}
