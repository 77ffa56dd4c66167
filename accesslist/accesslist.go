// Package accesslist restricts which client networks fdns answers.
package accesslist

import (
	"net"
	"net/http"

	"github.com/semihalev/fdns/logging"
	"github.com/yl2chen/cidranger"
)

// AccessList type
type AccessList struct {
	ranger cidranger.Ranger
	log    logging.Logger
}

// New return accesslist allowing cidrs. Invalid entries are logged and
// skipped. An empty list allows every client.
func New(cidrs []string, l logging.Logger) *AccessList {
	a := &AccessList{log: logging.Named(l, "accesslist")}

	if len(cidrs) == 0 {
		return a
	}

	a.ranger = cidranger.NewPCTrieRanger()
	for _, cidr := range cidrs {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			a.log.Error("Access list parse cidr failed", "cidr", cidr, "error", err.Error())
			continue
		}

		if err := a.ranger.Insert(cidranger.NewBasicRangerEntry(*ipnet)); err != nil {
			a.log.Error("Access list insert failed", "cidr", cidr, "error", err.Error())
		}
	}

	return a
}

// Allowed reports whether ip may query.
func (a *AccessList) Allowed(ip net.IP) bool {
	if a == nil || a.ranger == nil {
		return true
	}

	if ip == nil {
		return false
	}

	allowed, err := a.ranger.Contains(ip)
	if err != nil {
		return false
	}

	return allowed
}

// AllowedAddr reports whether the client at addr may query.
func (a *AccessList) AllowedAddr(addr net.Addr) bool {
	switch v := addr.(type) {
	case *net.UDPAddr:
		return a.Allowed(v.IP)
	case *net.TCPAddr:
		return a.Allowed(v.IP)
	case nil:
		return a.Allowed(nil)
	default:
		return a.AllowedRemote(addr.String())
	}
}

// AllowedRemote reports whether the client at the host:port remote may query.
func (a *AccessList) AllowedRemote(remote string) bool {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}

	return a.Allowed(net.ParseIP(host))
}

// Handler rejects requests from clients outside the list with 403.
func (a *AccessList) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.AllowedRemote(r.RemoteAddr) {
			a.log.Debug("Client rejected by access list", "client", r.RemoteAddr)
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}
