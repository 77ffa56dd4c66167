// Package dnssec verifies the RRSIG signatures of forwarded answers against
// the zone's DNSKEY set. It does not build a chain of trust to the root.
package dnssec

import (
	"context"
	"encoding/base64"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/fdns/logging"
	"github.com/semihalev/fdns/metrics"
)

// KeySource fetches the DNSKEY set of a zone.
type KeySource interface {
	DNSKEY(ctx context.Context, zone string) ([]*dns.DNSKEY, error)
}

// Validator checks answer signatures. Safe for concurrent use.
type Validator struct {
	keys    KeySource
	log     logging.Logger
	metrics metrics.Recorder

	// Testing.
	now func() time.Time
}

// Option configures a Validator.
type Option func(*Validator)

// WithLogger sets the validator logger.
func WithLogger(l logging.Logger) Option {
	return func(v *Validator) { v.log = logging.Named(l, "dnssec") }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(v *Validator) { v.metrics = m }
}

// WithClock replaces time.Now for signature validity checks.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// New return new validator fetching keys from keys.
func New(keys KeySource, opts ...Option) *Validator {
	v := &Validator{
		keys:    keys,
		log:     logging.Named(logging.Default(), "dnssec"),
		metrics: metrics.Nop(),
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(v)
	}

	return v
}

// ValidateWire unpacks raw and validates it.
func (v *Validator) ValidateWire(ctx context.Context, raw []byte) error {
	msg := new(dns.Msg)
	if err := msg.Unpack(raw); err != nil {
		v.metrics.Validation(metrics.ValidationBogus)
		return ErrMalformed.Wrap(err)
	}

	return v.Validate(ctx, msg)
}

// Validate returns nil when every answer RRset carries a signature verified
// by the zone's DNSKEY set. An empty answer is accepted.
func (v *Validator) Validate(ctx context.Context, resp *dns.Msg) error {
	err := v.validate(ctx, resp)
	if err != nil {
		v.metrics.Validation(metrics.ValidationBogus)
		v.log.Debug("DNSSEC validation failed", "error", err.Error())
		return err
	}

	v.metrics.Validation(metrics.ValidationSecure)

	return nil
}

func (v *Validator) validate(ctx context.Context, resp *dns.Msg) error {
	if resp == nil {
		return ErrMalformed
	}

	if len(resp.Answer) == 0 {
		return nil
	}

	rrsets := groupRRSets(resp.Answer)
	sigs := extractRRSet(resp.Answer, "", dns.TypeRRSIG)

	if len(rrsets) == 0 {
		// only signatures, nothing they cover
		return ErrNoSignatures.WithContext("no signed rrsets in answer")
	}

	covering := make([][]*dns.RRSIG, len(rrsets))
	for i, set := range rrsets {
		covering[i] = coveringSigs(sigs, set.name, set.rrtype)
		if len(covering[i]) == 0 {
			return ErrNoSignatures.WithContext("%s %s", set.name, dns.TypeToString[set.rrtype])
		}
	}

	zone, ok := keyZone(resp)
	if !ok {
		return ErrMalformed.WithContext("no question")
	}

	keys, err := v.keys.DNSKEY(ctx, zone)
	if err != nil {
		return NewNetworkError(err)
	}

	if len(keys) == 0 {
		return DNSKEYMissingForZone(zone)
	}

	now := v.now()
	for i, set := range rrsets {
		if err := verifyRRSet(keys, covering[i], set.rrs, now); err != nil {
			return err.WithContext("%s %s", set.name, dns.TypeToString[set.rrtype])
		}
	}

	return nil
}

type rrset struct {
	name   string
	rrtype uint16
	rrs    []dns.RR
}

// groupRRSets splits non-RRSIG records into RRsets in order of appearance.
func groupRRSets(in []dns.RR) []rrset {
	var out []rrset

	index := make(map[string]int)

	for _, rr := range in {
		h := rr.Header()
		if h.Rrtype == dns.TypeRRSIG {
			continue
		}

		name := strings.ToLower(h.Name)
		id := name + "/" + dns.TypeToString[h.Rrtype]

		i, ok := index[id]
		if !ok {
			i = len(out)
			index[id] = i
			out = append(out, rrset{name: name, rrtype: h.Rrtype})
		}

		out[i].rrs = append(out[i].rrs, rr)
	}

	return out
}

func coveringSigs(sigs []dns.RR, name string, rrtype uint16) []*dns.RRSIG {
	var out []*dns.RRSIG

	for _, rr := range sigs {
		sig, ok := rr.(*dns.RRSIG)
		if !ok || sig.TypeCovered != rrtype {
			continue
		}
		if !strings.EqualFold(sig.Header().Name, name) {
			continue
		}
		out = append(out, sig)
	}

	return out
}

// verifyRRSet accepts the set when any covering signature verifies with a
// key of matching tag and algorithm inside its validity period.
func verifyRRSet(keys []*dns.DNSKEY, sigs []*dns.RRSIG, rrs []dns.RR, now time.Time) *ValidationError {
	verr := ErrMissingDNSKEY

	for _, sig := range sigs {
		for _, k := range keys {
			if k.KeyTag() != sig.KeyTag || k.Algorithm != sig.Algorithm {
				continue
			}

			switch k.Algorithm {
			case dns.RSASHA1, dns.RSASHA1NSEC3SHA1, dns.RSASHA256, dns.RSASHA512, dns.RSAMD5:
				if !checkExponent(k.PublicKey) {
					verr = ErrUnsupportedKey
					continue
				}
			}

			if err := sig.Verify(k, rrs); err != nil {
				verr = ErrBadSignature.Wrap(err)
				continue
			}

			if !sig.ValidityPeriod(now) {
				verr = ErrInvalidSignaturePeriod
				continue
			}

			return nil
		}
	}

	return verr
}

// keyZone returns the zone whose DNSKEY set signs the answer: the parent of
// the question name when it has more than two labels, else the name itself.
func keyZone(resp *dns.Msg) (string, bool) {
	if len(resp.Question) == 0 {
		return "", false
	}

	name := dns.Fqdn(strings.ToLower(resp.Question[0].Name))
	if dns.CountLabel(name) > 2 {
		idx := dns.Split(name)
		return name[idx[1]:], true
	}

	return name, true
}

func extractRRSet(in []dns.RR, name string, t ...uint16) []dns.RR {
	out := []dns.RR{}
	tMap := make(map[uint16]struct{}, len(t))
	for _, t := range t {
		tMap[t] = struct{}{}
	}
	for _, r := range in {
		if _, present := tMap[r.Header().Rrtype]; present {
			if name != "" && !strings.EqualFold(name, r.Header().Name) {
				continue
			}
			out = append(out, r)
		}
	}
	return out
}

func checkExponent(key string) bool {
	keybuf, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return true
	}

	if len(keybuf) < 1+1+64 {
		// Exponent must be at least 1 byte and modulus at least 64
		return true
	}

	// RFC 2537/3110, section 2. RSA Public KEY Resource Records
	// Length is in the 0th byte, unless its zero, then it
	// it in bytes 1 and 2 and its a 16 bit number
	explen := uint16(keybuf[0])
	keyoff := 1
	if explen == 0 {
		explen = uint16(keybuf[1])<<8 | uint16(keybuf[2])
		keyoff = 3
	}

	if explen > 4 || explen == 0 || keybuf[keyoff] == 0 {
		// Exponent larger than supported by the crypto package,
		// empty, or contains prohibited leading zero.
		return false
	}

	return true
}
