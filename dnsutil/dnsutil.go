// Package dnsutil holds message helpers shared by the resolver and the
// transports.
package dnsutil

import (
	"errors"
	"strings"

	"github.com/miekg/dns"
)

// DefaultMsgSize is the EDNS0 UDP payload size advertised upstream.
const DefaultMsgSize = 4096

// SetRcode returns a reply to req with rcode, RA and RD set. The question,
// the ID and a copy of the request OPT record are preserved.
func SetRcode(req *dns.Msg, rcode int) *dns.Msg {
	m := new(dns.Msg)
	m.SetRcode(req, rcode)
	m.RecursionAvailable = true
	m.RecursionDesired = true

	if opt := req.IsEdns0(); opt != nil {
		o := &dns.OPT{Hdr: opt.Hdr}
		for _, e := range opt.Option {
			if _, ok := e.(*dns.EDNS0_EDE); ok {
				continue
			}
			o.Option = append(o.Option, e)
		}
		m.Extra = append(m.Extra, o)
	}

	return m
}

// SetRcodeWithEDE returns SetRcode(req, rcode) carrying an Extended DNS Error
// when the request used EDNS0.
func SetRcodeWithEDE(req *dns.Msg, rcode int, edeCode uint16, extraText string) *dns.Msg {
	m := SetRcode(req, rcode)
	SetEDE(m, edeCode, extraText)
	return m
}

// SetEDE adds an Extended DNS Error to the response
func SetEDE(msg *dns.Msg, code uint16, extraText string) {
	opt := msg.IsEdns0()
	if opt == nil {
		return // No EDNS0 support, skip EDE
	}

	opt.Option = append(opt.Option, &dns.EDNS0_EDE{
		InfoCode:  code,
		ExtraText: extraText,
	})
}

// GetEDE extracts Extended DNS Error from a message if present
func GetEDE(msg *dns.Msg) *dns.EDNS0_EDE {
	opt := msg.IsEdns0()
	if opt == nil {
		return nil
	}

	for _, option := range opt.Option {
		if ede, ok := option.(*dns.EDNS0_EDE); ok {
			return ede
		}
	}
	return nil
}

// ErrorToEDE maps errors to Extended DNS Error codes.
func ErrorToEDE(err error) (uint16, string) {
	if err == nil {
		return dns.ExtendedErrorCodeOther, ""
	}

	type eder interface {
		EDECode() uint16
		Error() string
	}

	var ve eder
	if errors.As(err, &ve) && ve.EDECode() != 0 {
		return ve.EDECode(), ve.Error()
	}

	s := err.Error()

	switch {
	case containsAny(s, "timeout", "refused", "unreachable", "no route"):
		return dns.ExtendedErrorCodeNetworkError, "Network error"
	case containsAny(s, "no servers", "no upstream"):
		return dns.ExtendedErrorCodeNoReachableAuthority, "No reachable upstream servers"
	default:
		return dns.ExtendedErrorCodeOther, s
	}
}

// SetDo makes sure req carries an OPT record with the DO bit and a UDP size
// of DefaultMsgSize. An existing OPT record is kept with its options.
func SetDo(req *dns.Msg) {
	opt := req.IsEdns0()
	if opt == nil {
		req.SetEdns0(DefaultMsgSize, true)
		return
	}

	opt.SetUDPSize(DefaultMsgSize)
	opt.SetDo()
}

func containsAny(s string, substrs ...string) bool {
	for _, substr := range substrs {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

// ResponseRcode returns the rcode name found in the header of a packed
// message. Extended rcodes carried in OPT are not considered.
func ResponseRcode(raw []byte) string {
	if len(raw) < 4 {
		return "NONE"
	}

	if s, ok := dns.RcodeToString[int(raw[3]&0x0f)]; ok {
		return s
	}

	return "UNKNOWN"
}

// QuestionType returns the type name of the first question of msg.
func QuestionType(msg *dns.Msg) string {
	if msg == nil || len(msg.Question) == 0 {
		return "NONE"
	}

	if s, ok := dns.TypeToString[msg.Question[0].Qtype]; ok {
		return s
	}

	return "UNKNOWN"
}
