// Package cache provides the response cache for fdns.
package cache

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/miekg/dns"
)

// keyBuffer holds a reusable buffer for key generation.
type keyBuffer struct {
	buf [260]byte
}

var keyBufferPool = sync.Pool{
	New: func() any {
		return new(keyBuffer)
	},
}

// Key generates a cache key for a question.
// Format hashed: [qclass:2][qtype:2][lowercased qname].
func Key(q dns.Question) uint64 {
	kb := keyBufferPool.Get().(*keyBuffer)
	buf := appendQuestion(kb.buf[:0], q)

	hash := xxhash.Sum64(buf)

	keyBufferPool.Put(kb)

	return hash
}

// KeyOf returns the key of the first question in msg. ok is false when the
// message carries no question.
func KeyOf(msg *dns.Msg) (key uint64, q dns.Question, ok bool) {
	if msg == nil || len(msg.Question) == 0 {
		return 0, dns.Question{}, false
	}

	q = msg.Question[0]
	if q.Name == "" {
		return 0, q, false
	}

	return Key(q), q, true
}

func appendQuestion(buf []byte, q dns.Question) []byte {
	buf = append(buf, byte(q.Qclass>>8), byte(q.Qclass))
	buf = append(buf, byte(q.Qtype>>8), byte(q.Qtype))

	for i := 0; i < len(q.Name); i++ {
		c := q.Name[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		buf = append(buf, c)
	}

	return buf
}

// normalize returns the byte form of q used to tell apart questions that
// share a hash.
func normalize(q dns.Question) string {
	return string(appendQuestion(make([]byte, 0, 4+len(q.Name)), q))
}
